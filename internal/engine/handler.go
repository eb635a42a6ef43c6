package engine

import (
	"errors"
	"fmt"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/jackc/pgx/v5/pgconn"

	"forge-backend/internal/access"
	"forge-backend/internal/metadata"
	"forge-backend/internal/store"
)

type Handler struct {
	store    *store.Store
	registry *metadata.Registry
	guard    *access.Guard
}

func NewHandler(s *store.Store, reg *metadata.Registry, guard *access.Guard) *Handler {
	return &Handler{store: s, registry: reg, guard: guard}
}

// List handles GET /api/:entity
func (h *Handler) List(c *fiber.Ctx) error {
	entity, err := h.resolveEntity(c)
	if err != nil {
		return err
	}

	user := getUser(c)
	params := routeParams(c)

	// A read rule that only looks at the session can reject the whole listing
	// up front. Record-dependent rules are applied per row below instead, so
	// they produce a filtered page rather than a blanket 403.
	if cond, ok := entity.AccessFor(metadata.ActionRead); ok && access.SessionOnly(cond) {
		if !h.guard.CheckAccess(c.Context(), user, metadata.ActionRead, entity.Name, nil, nil, params) {
			return ForbiddenError(fmt.Sprintf("Not allowed to read %s", entity.Name))
		}
	}

	plan, err := ParseQueryParams(c, entity, h.registry)
	if err != nil {
		return err
	}

	// Execute data query
	qr := BuildSelectSQL(plan, h.store.Dialect)
	rows, err := store.QueryRows(c.Context(), h.store.DB, qr.SQL, qr.Params...)
	if err != nil {
		return fmt.Errorf("list %s: %w", entity.Name, err)
	}
	if h.store.Dialect.NeedsBoolFix() {
		store.NormalizeBooleans(rows, entity.BooleanFields())
	}

	// Execute count query
	cr := BuildCountSQL(plan, h.store.Dialect)
	countRow, err := store.QueryRow(c.Context(), h.store.DB, cr.SQL, cr.Params...)
	if err != nil {
		return fmt.Errorf("count %s: %w", entity.Name, err)
	}
	total := countRow["count"]

	// Per-record read check, then field filtering
	allowed := make([]map[string]any, 0, len(rows))
	for _, row := range rows {
		if h.guard.CheckAccess(c.Context(), user, metadata.ActionRead, entity.Name, row, nil, params) {
			allowed = append(allowed, row)
		}
	}
	visible := h.guard.FilterFieldsArray(user, metadata.ActionRead, entity.Name, allowed)

	// Includes attach after field filtering; FK values come from the raw rows
	// since the filter may hide them.
	if len(plan.Includes) > 0 {
		if err := LoadIncludes(c.Context(), h.store.DB, h.store.Dialect, h.registry, h.guard, user, entity, allowed, plan.Includes); err != nil {
			return fmt.Errorf("load includes: %w", err)
		}
		attachIncludes(visible, allowed, plan.Includes)
	}

	if visible == nil {
		visible = []map[string]any{}
	}

	return c.JSON(fiber.Map{
		"data": visible,
		"meta": fiber.Map{
			"page":     plan.Page,
			"per_page": plan.PerPage,
			"total":    total,
		},
	})
}

// GetByID handles GET /api/:entity/:id
func (h *Handler) GetByID(c *fiber.Ctx) error {
	entity, err := h.resolveEntity(c)
	if err != nil {
		return err
	}

	user := getUser(c)
	params := routeParams(c)
	id := c.Params("id")

	row, err := h.store.FindByID(c.Context(), entity, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return NotFoundError(entity.Name, id)
		}
		return fmt.Errorf("get %s/%s: %w", entity.Name, id, err)
	}

	if !h.guard.CheckAccess(c.Context(), user, metadata.ActionRead, entity.Name, row, nil, params) {
		return ForbiddenError(fmt.Sprintf("Not allowed to read this %s", entity.Name))
	}

	visible := h.guard.FilterFields(user, metadata.ActionRead, entity.Name, row)

	includes, err := parseIncludes(c, entity, h.registry)
	if err != nil {
		return err
	}
	if len(includes) > 0 {
		raw := []map[string]any{row}
		if err := LoadIncludes(c.Context(), h.store.DB, h.store.Dialect, h.registry, h.guard, user, entity, raw, includes); err != nil {
			return fmt.Errorf("load includes: %w", err)
		}
		attachIncludes([]map[string]any{visible}, raw, includes)
	}

	return c.JSON(fiber.Map{"data": visible})
}

// Create handles POST /api/:entity
func (h *Handler) Create(c *fiber.Ctx) error {
	entity, err := h.resolveEntity(c)
	if err != nil {
		return err
	}

	user := getUser(c)
	params := routeParams(c)

	var body map[string]any
	if err := c.BodyParser(&body); err != nil {
		return NewAppError("INVALID_PAYLOAD", 400, "Invalid JSON body")
	}

	fields, unknown := SeparateFields(entity, body)
	if len(unknown) > 0 {
		return ValidationError(unknownFieldDetails(unknown))
	}

	if errs := ValidateFields(entity, fields, true); len(errs) > 0 {
		return ValidationError(errs)
	}

	if denied := h.deniedWrites(user, metadata.ActionCreate, entity.Name, fields, fields); len(denied) > 0 {
		return writeForbidden(denied)
	}

	if !h.guard.CheckAccess(c.Context(), user, metadata.ActionCreate, entity.Name, fields, nil, params) {
		return ForbiddenError(fmt.Sprintf("Not allowed to create %s", entity.Name))
	}

	if errs := EvaluateRules(h.registry, entity.Name, "before_write", fields, map[string]any{}, "create"); len(errs) > 0 {
		return ValidationError(errs)
	}

	sql, sqlParams := BuildInsertSQL(entity, fields, h.store.Dialect)
	inserted, err := store.QueryRow(c.Context(), h.store.DB, sql, sqlParams...)
	if err != nil {
		return mapWriteError(store.MapError(h.store.Dialect, err))
	}
	pk := inserted[entity.PrimaryKey.Field]

	record, err := h.store.FindByID(c.Context(), entity, pk)
	if err != nil {
		return fmt.Errorf("fetch created %s: %w", entity.Name, err)
	}

	return c.Status(201).JSON(fiber.Map{
		"data": h.guard.FilterFields(user, metadata.ActionRead, entity.Name, record),
	})
}

// Update handles PUT /api/:entity/:id
func (h *Handler) Update(c *fiber.Ctx) error {
	entity, err := h.resolveEntity(c)
	if err != nil {
		return err
	}

	user := getUser(c)
	params := routeParams(c)
	id := c.Params("id")

	var body map[string]any
	if err := c.BodyParser(&body); err != nil {
		return NewAppError("INVALID_PAYLOAD", 400, "Invalid JSON body")
	}

	fields, unknown := SeparateFields(entity, body)
	if len(unknown) > 0 {
		return ValidationError(unknownFieldDetails(unknown))
	}

	if errs := ValidateFields(entity, fields, false); len(errs) > 0 {
		return ValidationError(errs)
	}

	// The access check runs before anything else touches the record. It
	// fetches the current row itself; a missing record or failed fetch is
	// indistinguishable from a denial, so ids cannot be probed here.
	if !h.guard.CheckAccess(c.Context(), user, metadata.ActionUpdate, entity.Name, fields, id, params) {
		return ForbiddenError(fmt.Sprintf("Not allowed to update this %s", entity.Name))
	}

	existing, err := h.store.FindByID(c.Context(), entity, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return NotFoundError(entity.Name, id)
		}
		return fmt.Errorf("fetch %s/%s: %w", entity.Name, id, err)
	}

	merged := access.MergeRecord(existing, fields)

	changed := ChangedFields(existing, fields)
	if denied := h.deniedWrites(user, metadata.ActionUpdate, entity.Name, changed, merged); len(denied) > 0 {
		return writeForbidden(denied)
	}

	// Rules see the full merged record; computed rules write into it.
	if errs := EvaluateRules(h.registry, entity.Name, "before_write", merged, existing, "update"); len(errs) > 0 {
		return ValidationError(errs)
	}

	updateSet := ChangedFields(existing, merged)
	sql, sqlParams := BuildUpdateSQL(entity, id, updateSet, h.store.Dialect)
	if sql != "" {
		affected, err := store.Exec(c.Context(), h.store.DB, sql, sqlParams...)
		if err != nil {
			return mapWriteError(store.MapError(h.store.Dialect, err))
		}
		if affected == 0 {
			return NotFoundError(entity.Name, id)
		}
	}

	record, err := h.store.FindByID(c.Context(), entity, id)
	if err != nil {
		return fmt.Errorf("fetch updated %s: %w", entity.Name, err)
	}

	return c.JSON(fiber.Map{
		"data": h.guard.FilterFields(user, metadata.ActionRead, entity.Name, record),
	})
}

// Delete handles DELETE /api/:entity/:id
func (h *Handler) Delete(c *fiber.Ctx) error {
	entity, err := h.resolveEntity(c)
	if err != nil {
		return err
	}

	user := getUser(c)
	params := routeParams(c)
	id := c.Params("id")

	if !h.guard.CheckAccess(c.Context(), user, metadata.ActionDelete, entity.Name, nil, id, params) {
		return ForbiddenError(fmt.Sprintf("Not allowed to delete this %s", entity.Name))
	}

	// before_delete rules can block the delete based on the stored record.
	if rules := h.registry.GetRulesForEntity(entity.Name, "before_delete"); len(rules) > 0 {
		existing, err := h.store.FindByID(c.Context(), entity, id)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return NotFoundError(entity.Name, id)
			}
			return fmt.Errorf("fetch %s/%s: %w", entity.Name, id, err)
		}
		if errs := EvaluateRules(h.registry, entity.Name, "before_delete", existing, existing, "delete"); len(errs) > 0 {
			return ValidationError(errs)
		}
	}

	tx, err := h.store.DB.BeginTx(c.Context(), nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if err := HandleCascadeDelete(c.Context(), tx, h.store.Dialect, h.registry, entity, id); err != nil {
		var appErr *AppError
		if errors.As(err, &appErr) {
			return appErr
		}
		return fmt.Errorf("cascade delete: %w", err)
	}

	var delSQL string
	var delParams []any
	if entity.SoftDelete {
		delSQL, delParams = BuildSoftDeleteSQL(entity, id, h.store.Dialect)
	} else {
		delSQL, delParams = BuildHardDeleteSQL(entity, id, h.store.Dialect)
	}

	affected, err := store.Exec(c.Context(), tx, delSQL, delParams...)
	if err != nil {
		return fmt.Errorf("delete %s/%s: %w", entity.Name, id, err)
	}
	if affected == 0 {
		return NotFoundError(entity.Name, id)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	return c.JSON(fiber.Map{"data": fiber.Map{"id": id}})
}

func (h *Handler) resolveEntity(c *fiber.Ctx) (*metadata.Entity, error) {
	name := c.Params("entity")
	entity := h.registry.GetEntity(name)
	if entity == nil {
		return nil, UnknownEntityError(name)
	}
	return entity, nil
}

// deniedWrites returns the keys of fields the caller may not write. The
// write rules evaluate against evalData (the payload on create, the merged
// record on update).
func (h *Handler) deniedWrites(user *metadata.UserContext, action metadata.Action, entityName string, fields, evalData map[string]any) []string {
	if len(fields) == 0 {
		return nil
	}
	writable := h.guard.AccessibleFields(user, action, entityName, evalData)
	var denied []string
	for key := range fields {
		if _, ok := writable[key]; !ok {
			denied = append(denied, key)
		}
	}
	return denied
}

func writeForbidden(denied []string) *AppError {
	appErr := ForbiddenError("Not allowed to write some fields")
	for _, field := range denied {
		appErr.Details = append(appErr.Details, ErrorDetail{
			Field:   field,
			Rule:    "write_access",
			Message: fmt.Sprintf("Field %s is not writable", field),
		})
	}
	return appErr
}

func unknownFieldDetails(unknown []string) []ErrorDetail {
	var details []ErrorDetail
	for _, key := range unknown {
		details = append(details, ErrorDetail{
			Field:   key,
			Rule:    "unknown",
			Message: fmt.Sprintf("Unknown field: %s", key),
		})
	}
	return details
}

// attachIncludes copies relation attachments from the raw rows onto the
// field-filtered rows. Both slices are index-aligned.
func attachIncludes(visible, raw []map[string]any, includes []string) {
	for i := range visible {
		if visible[i] == nil || i >= len(raw) {
			continue
		}
		for _, inc := range includes {
			if v, ok := raw[i][inc]; ok {
				visible[i][inc] = v
			}
		}
	}
}

func getUser(c *fiber.Ctx) *metadata.UserContext {
	user, _ := c.Locals("user").(*metadata.UserContext)
	return user
}

func routeParams(c *fiber.Ctx) map[string]any {
	all := c.AllParams()
	if len(all) == 0 {
		return nil
	}
	params := make(map[string]any, len(all))
	for k, v := range all {
		params[k] = v
	}
	return params
}

func mapWriteError(err error) error {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}

	if errors.Is(err, store.ErrUniqueViolation) {
		msg := "A record with this value already exists"
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Detail != "" {
			msg = pgErr.Detail
		}
		return ConflictError(msg)
	}

	return err
}

// parseIncludes reads and validates the include query param the same way
// ParseQueryParams does for listings.
func parseIncludes(c *fiber.Ctx, entity *metadata.Entity, reg *metadata.Registry) ([]string, error) {
	inc := c.Query("include")
	if inc == "" {
		return nil, nil
	}
	var includes []string
	for _, name := range strings.Split(inc, ",") {
		name = strings.TrimSpace(name)
		if reg.FindRelationForEntity(name, entity.Name) == nil {
			return nil, &AppError{
				Code:    "UNKNOWN_FIELD",
				Status:  400,
				Message: fmt.Sprintf("Unknown include: %s", name),
			}
		}
		includes = append(includes, name)
	}
	return includes, nil
}
