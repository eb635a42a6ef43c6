// Package admin exposes schema management: entity, relation and rule
// definitions live in system tables and take effect through a registry
// reload, so the API surface changes without a restart.
package admin

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"forge-backend/internal/metadata"
	"forge-backend/internal/store"
)

type Handler struct {
	store    *store.Store
	registry *metadata.Registry
	migrator *store.Migrator
}

func NewHandler(s *store.Store, reg *metadata.Registry, mig *store.Migrator) *Handler {
	return &Handler{store: s, registry: reg, migrator: mig}
}

// RegisterAdminRoutes mounts the schema management endpoints under
// /api/_admin. Middleware (auth, admin role check) applies to the whole
// group.
func RegisterAdminRoutes(app *fiber.App, h *Handler, middleware ...fiber.Handler) {
	admin := app.Group("/api/_admin")
	for _, mw := range middleware {
		admin.Use(mw)
	}

	admin.Get("/entities", h.ListEntities)
	admin.Get("/entities/:name", h.GetEntity)
	admin.Post("/entities", h.CreateEntity)
	admin.Put("/entities/:name", h.UpdateEntity)
	admin.Delete("/entities/:name", h.DeleteEntity)

	admin.Get("/relations", h.ListRelations)
	admin.Get("/relations/:name", h.GetRelation)
	admin.Post("/relations", h.CreateRelation)
	admin.Put("/relations/:name", h.UpdateRelation)
	admin.Delete("/relations/:name", h.DeleteRelation)

	admin.Get("/rules", h.ListRules)
	admin.Post("/rules", h.CreateRule)
	admin.Put("/rules/:id", h.UpdateRule)
	admin.Delete("/rules/:id", h.DeleteRule)
}

// --- Entity Endpoints ---

func (h *Handler) ListEntities(c *fiber.Ctx) error {
	rows, err := store.QueryRows(c.Context(), h.store.DB,
		"SELECT name, table_name, definition, created_at, updated_at FROM _entities ORDER BY name")
	if err != nil {
		return fmt.Errorf("list entities: %w", err)
	}
	if rows == nil {
		rows = []map[string]any{}
	}
	return c.JSON(fiber.Map{"data": rows})
}

func (h *Handler) GetEntity(c *fiber.Ctx) error {
	name := c.Params("name")
	pb := h.store.Dialect.NewParamBuilder()
	row, err := store.QueryRow(c.Context(), h.store.DB,
		"SELECT name, table_name, definition, created_at, updated_at FROM _entities WHERE name = "+pb.Add(name),
		pb.Params()...)
	if errors.Is(err, store.ErrNotFound) {
		return respondNotFound(c, "Entity not found: "+name)
	}
	if err != nil {
		return fmt.Errorf("get entity %s: %w", name, err)
	}
	return c.JSON(fiber.Map{"data": row})
}

func (h *Handler) CreateEntity(c *fiber.Ctx) error {
	var entity metadata.Entity
	if err := c.BodyParser(&entity); err != nil {
		return respondInvalidPayload(c)
	}

	if err := validateEntity(&entity); err != nil {
		return respondValidation(c, err)
	}
	if err := validateAccessConditions(c.Body()); err != nil {
		return respondValidation(c, err)
	}

	if existing := h.registry.GetEntity(entity.Name); existing != nil {
		return respondConflict(c, "Entity already exists: "+entity.Name)
	}

	defJSON, err := json.Marshal(entity)
	if err != nil {
		return fmt.Errorf("marshal entity: %w", err)
	}

	pb := h.store.Dialect.NewParamBuilder()
	_, err = store.Exec(c.Context(), h.store.DB,
		fmt.Sprintf("INSERT INTO _entities (name, table_name, definition) VALUES (%s, %s, %s)",
			pb.Add(entity.Name), pb.Add(entity.Table), pb.Add(string(defJSON))),
		pb.Params()...)
	if err != nil {
		if errors.Is(store.MapError(h.store.Dialect, err), store.ErrUniqueViolation) {
			return respondConflict(c, "Entity or table already exists: "+entity.Name)
		}
		return fmt.Errorf("insert entity: %w", err)
	}

	// Auto-migrate: create the table
	if err := h.migrator.Migrate(c.Context(), &entity); err != nil {
		return fmt.Errorf("migrate entity %s: %w", entity.Name, err)
	}

	if err := metadata.Reload(c.Context(), h.store.DB, h.registry); err != nil {
		return fmt.Errorf("reload registry: %w", err)
	}

	return c.Status(201).JSON(fiber.Map{"data": entity})
}

func (h *Handler) UpdateEntity(c *fiber.Ctx) error {
	name := c.Params("name")
	if existing := h.registry.GetEntity(name); existing == nil {
		return respondNotFound(c, "Entity not found: "+name)
	}

	var entity metadata.Entity
	if err := c.BodyParser(&entity); err != nil {
		return respondInvalidPayload(c)
	}
	entity.Name = name // ensure name matches URL

	if err := validateEntity(&entity); err != nil {
		return respondValidation(c, err)
	}
	if err := validateAccessConditions(c.Body()); err != nil {
		return respondValidation(c, err)
	}

	defJSON, err := json.Marshal(entity)
	if err != nil {
		return fmt.Errorf("marshal entity: %w", err)
	}

	pb := h.store.Dialect.NewParamBuilder()
	_, err = store.Exec(c.Context(), h.store.DB,
		fmt.Sprintf("UPDATE _entities SET table_name = %s, definition = %s, updated_at = %s WHERE name = %s",
			pb.Add(entity.Table), pb.Add(string(defJSON)), h.store.Dialect.NowExpr(), pb.Add(name)),
		pb.Params()...)
	if err != nil {
		return fmt.Errorf("update entity: %w", err)
	}

	if err := h.migrator.Migrate(c.Context(), &entity); err != nil {
		return fmt.Errorf("migrate entity %s: %w", entity.Name, err)
	}

	if err := metadata.Reload(c.Context(), h.store.DB, h.registry); err != nil {
		return fmt.Errorf("reload registry: %w", err)
	}

	return c.JSON(fiber.Map{"data": entity})
}

// DeleteEntity removes the definition and its relations and rules. The data
// table is left in place; dropping it is a manual operation.
func (h *Handler) DeleteEntity(c *fiber.Ctx) error {
	name := c.Params("name")
	if existing := h.registry.GetEntity(name); existing == nil {
		return respondNotFound(c, "Entity not found: "+name)
	}

	pb := h.store.Dialect.NewParamBuilder()
	ph := pb.Add(name)
	_, err := store.Exec(c.Context(), h.store.DB,
		fmt.Sprintf("DELETE FROM _relations WHERE source = %s OR target = %s", ph, ph),
		pb.Params()...)
	if err != nil {
		return fmt.Errorf("delete relations for entity %s: %w", name, err)
	}

	pb = h.store.Dialect.NewParamBuilder()
	_, err = store.Exec(c.Context(), h.store.DB,
		"DELETE FROM _rules WHERE entity = "+pb.Add(name), pb.Params()...)
	if err != nil {
		return fmt.Errorf("delete rules for entity %s: %w", name, err)
	}

	pb = h.store.Dialect.NewParamBuilder()
	_, err = store.Exec(c.Context(), h.store.DB,
		"DELETE FROM _entities WHERE name = "+pb.Add(name), pb.Params()...)
	if err != nil {
		return fmt.Errorf("delete entity %s: %w", name, err)
	}

	if err := metadata.Reload(c.Context(), h.store.DB, h.registry); err != nil {
		return fmt.Errorf("reload registry: %w", err)
	}

	return c.JSON(fiber.Map{"data": fiber.Map{"name": name, "deleted": true}})
}

// --- Relation Endpoints ---

func (h *Handler) ListRelations(c *fiber.Ctx) error {
	rows, err := store.QueryRows(c.Context(), h.store.DB,
		"SELECT name, source, target, definition, created_at, updated_at FROM _relations ORDER BY name")
	if err != nil {
		return fmt.Errorf("list relations: %w", err)
	}
	if rows == nil {
		rows = []map[string]any{}
	}
	return c.JSON(fiber.Map{"data": rows})
}

func (h *Handler) GetRelation(c *fiber.Ctx) error {
	name := c.Params("name")
	pb := h.store.Dialect.NewParamBuilder()
	row, err := store.QueryRow(c.Context(), h.store.DB,
		"SELECT name, source, target, definition, created_at, updated_at FROM _relations WHERE name = "+pb.Add(name),
		pb.Params()...)
	if errors.Is(err, store.ErrNotFound) {
		return respondNotFound(c, "Relation not found: "+name)
	}
	if err != nil {
		return fmt.Errorf("get relation %s: %w", name, err)
	}
	return c.JSON(fiber.Map{"data": row})
}

func (h *Handler) CreateRelation(c *fiber.Ctx) error {
	var rel metadata.Relation
	if err := c.BodyParser(&rel); err != nil {
		return respondInvalidPayload(c)
	}

	if err := validateRelation(&rel, h.registry); err != nil {
		return respondValidation(c, err)
	}

	if existing := h.registry.GetRelation(rel.Name); existing != nil {
		return respondConflict(c, "Relation already exists: "+rel.Name)
	}

	defJSON, err := json.Marshal(rel)
	if err != nil {
		return fmt.Errorf("marshal relation: %w", err)
	}

	pb := h.store.Dialect.NewParamBuilder()
	_, err = store.Exec(c.Context(), h.store.DB,
		fmt.Sprintf("INSERT INTO _relations (name, source, target, definition) VALUES (%s, %s, %s, %s)",
			pb.Add(rel.Name), pb.Add(rel.Source), pb.Add(rel.Target), pb.Add(string(defJSON))),
		pb.Params()...)
	if err != nil {
		if errors.Is(store.MapError(h.store.Dialect, err), store.ErrUniqueViolation) {
			return respondConflict(c, "Relation already exists: "+rel.Name)
		}
		return fmt.Errorf("insert relation: %w", err)
	}

	if err := metadata.Reload(c.Context(), h.store.DB, h.registry); err != nil {
		return fmt.Errorf("reload registry: %w", err)
	}

	return c.Status(201).JSON(fiber.Map{"data": rel})
}

func (h *Handler) UpdateRelation(c *fiber.Ctx) error {
	name := c.Params("name")
	if existing := h.registry.GetRelation(name); existing == nil {
		return respondNotFound(c, "Relation not found: "+name)
	}

	var rel metadata.Relation
	if err := c.BodyParser(&rel); err != nil {
		return respondInvalidPayload(c)
	}
	rel.Name = name

	if err := validateRelation(&rel, h.registry); err != nil {
		return respondValidation(c, err)
	}

	defJSON, err := json.Marshal(rel)
	if err != nil {
		return fmt.Errorf("marshal relation: %w", err)
	}

	pb := h.store.Dialect.NewParamBuilder()
	_, err = store.Exec(c.Context(), h.store.DB,
		fmt.Sprintf("UPDATE _relations SET source = %s, target = %s, definition = %s, updated_at = %s WHERE name = %s",
			pb.Add(rel.Source), pb.Add(rel.Target), pb.Add(string(defJSON)), h.store.Dialect.NowExpr(), pb.Add(name)),
		pb.Params()...)
	if err != nil {
		return fmt.Errorf("update relation: %w", err)
	}

	if err := metadata.Reload(c.Context(), h.store.DB, h.registry); err != nil {
		return fmt.Errorf("reload registry: %w", err)
	}

	return c.JSON(fiber.Map{"data": rel})
}

func (h *Handler) DeleteRelation(c *fiber.Ctx) error {
	name := c.Params("name")
	if existing := h.registry.GetRelation(name); existing == nil {
		return respondNotFound(c, "Relation not found: "+name)
	}

	pb := h.store.Dialect.NewParamBuilder()
	_, err := store.Exec(c.Context(), h.store.DB,
		"DELETE FROM _relations WHERE name = "+pb.Add(name), pb.Params()...)
	if err != nil {
		return fmt.Errorf("delete relation %s: %w", name, err)
	}

	if err := metadata.Reload(c.Context(), h.store.DB, h.registry); err != nil {
		return fmt.Errorf("reload registry: %w", err)
	}

	return c.JSON(fiber.Map{"data": fiber.Map{"name": name, "deleted": true}})
}

// --- Rule Endpoints ---

func (h *Handler) ListRules(c *fiber.Ctx) error {
	query := "SELECT id, entity, hook, type, definition, priority, active, created_at, updated_at FROM _rules"
	pb := h.store.Dialect.NewParamBuilder()
	if entity := c.Query("entity"); entity != "" {
		query += " WHERE entity = " + pb.Add(entity)
	}
	query += " ORDER BY entity, priority"

	rows, err := store.QueryRows(c.Context(), h.store.DB, query, pb.Params()...)
	if err != nil {
		return fmt.Errorf("list rules: %w", err)
	}
	if rows == nil {
		rows = []map[string]any{}
	}
	if h.store.Dialect.NeedsBoolFix() {
		store.NormalizeBooleans(rows, []string{"active"})
	}
	return c.JSON(fiber.Map{"data": rows})
}

// rulePayload mirrors metadata.Rule with a pointer Active so an omitted
// active defaults to true instead of false.
type rulePayload struct {
	Entity     string                  `json:"entity"`
	Hook       string                  `json:"hook"`
	Type       string                  `json:"type"`
	Definition metadata.RuleDefinition `json:"definition"`
	Priority   int                     `json:"priority"`
	Active     *bool                   `json:"active"`
}

func (p *rulePayload) toRule(id string) *metadata.Rule {
	active := true
	if p.Active != nil {
		active = *p.Active
	}
	hook := p.Hook
	if hook == "" {
		hook = "before_write"
	}
	return &metadata.Rule{
		ID:         id,
		Entity:     p.Entity,
		Hook:       hook,
		Type:       p.Type,
		Definition: p.Definition,
		Priority:   p.Priority,
		Active:     active,
	}
}

func (h *Handler) CreateRule(c *fiber.Ctx) error {
	var payload rulePayload
	if err := c.BodyParser(&payload); err != nil {
		return respondInvalidPayload(c)
	}

	rule := payload.toRule(uuid.NewString())
	if err := validateRule(rule, h.registry); err != nil {
		return respondValidation(c, err)
	}

	defJSON, err := json.Marshal(rule.Definition)
	if err != nil {
		return fmt.Errorf("marshal rule definition: %w", err)
	}

	pb := h.store.Dialect.NewParamBuilder()
	_, err = store.Exec(c.Context(), h.store.DB,
		fmt.Sprintf("INSERT INTO _rules (id, entity, hook, type, definition, priority, active) VALUES (%s, %s, %s, %s, %s, %s, %s)",
			pb.Add(rule.ID), pb.Add(rule.Entity), pb.Add(rule.Hook), pb.Add(rule.Type),
			pb.Add(string(defJSON)), pb.Add(rule.Priority), pb.Add(rule.Active)),
		pb.Params()...)
	if err != nil {
		return fmt.Errorf("insert rule: %w", err)
	}

	if err := metadata.Reload(c.Context(), h.store.DB, h.registry); err != nil {
		return fmt.Errorf("reload registry: %w", err)
	}

	return c.Status(201).JSON(fiber.Map{"data": rule})
}

func (h *Handler) UpdateRule(c *fiber.Ctx) error {
	id := c.Params("id")

	var payload rulePayload
	if err := c.BodyParser(&payload); err != nil {
		return respondInvalidPayload(c)
	}

	rule := payload.toRule(id)
	if err := validateRule(rule, h.registry); err != nil {
		return respondValidation(c, err)
	}

	defJSON, err := json.Marshal(rule.Definition)
	if err != nil {
		return fmt.Errorf("marshal rule definition: %w", err)
	}

	pb := h.store.Dialect.NewParamBuilder()
	affected, err := store.Exec(c.Context(), h.store.DB,
		fmt.Sprintf("UPDATE _rules SET entity = %s, hook = %s, type = %s, definition = %s, priority = %s, active = %s, updated_at = %s WHERE id = %s",
			pb.Add(rule.Entity), pb.Add(rule.Hook), pb.Add(rule.Type), pb.Add(string(defJSON)),
			pb.Add(rule.Priority), pb.Add(rule.Active), h.store.Dialect.NowExpr(), pb.Add(id)),
		pb.Params()...)
	if err != nil {
		return fmt.Errorf("update rule %s: %w", id, err)
	}
	if affected == 0 {
		return respondNotFound(c, "Rule not found: "+id)
	}

	if err := metadata.Reload(c.Context(), h.store.DB, h.registry); err != nil {
		return fmt.Errorf("reload registry: %w", err)
	}

	return c.JSON(fiber.Map{"data": rule})
}

func (h *Handler) DeleteRule(c *fiber.Ctx) error {
	id := c.Params("id")

	pb := h.store.Dialect.NewParamBuilder()
	affected, err := store.Exec(c.Context(), h.store.DB,
		"DELETE FROM _rules WHERE id = "+pb.Add(id), pb.Params()...)
	if err != nil {
		return fmt.Errorf("delete rule %s: %w", id, err)
	}
	if affected == 0 {
		return respondNotFound(c, "Rule not found: "+id)
	}

	if err := metadata.Reload(c.Context(), h.store.DB, h.registry); err != nil {
		return fmt.Errorf("reload registry: %w", err)
	}

	return c.JSON(fiber.Map{"data": fiber.Map{"id": id, "deleted": true}})
}

// --- Validation ---

func validateEntity(e *metadata.Entity) error {
	if e.Name == "" {
		return fmt.Errorf("entity name is required")
	}
	if e.Table == "" {
		return fmt.Errorf("table name is required")
	}
	// The underscore namespace belongs to system tables (_entities, _users,
	// _audit_log). Letting a definition claim it would let an admin migrate
	// columns onto system tables.
	if strings.HasPrefix(e.Name, "_") || strings.HasPrefix(e.Table, "_") {
		return fmt.Errorf("names starting with underscore are reserved")
	}
	if len(e.Fields) == 0 {
		return fmt.Errorf("entity must have at least one field")
	}
	if e.PrimaryKey.Field == "" {
		return fmt.Errorf("primary key field is required")
	}
	if !e.HasField(e.PrimaryKey.Field) {
		return fmt.Errorf("primary key field %s not found in fields", e.PrimaryKey.Field)
	}
	return nil
}

// validateAccessConditions re-parses the raw access conditions in an entity
// payload. The schema decoder deliberately swallows malformed conditions
// (they degrade to deny rules), which is right at load time but useless
// feedback for the admin writing them, so the precise parse errors are
// surfaced here.
func validateAccessConditions(body []byte) error {
	var raw struct {
		Access map[string]json.RawMessage `json:"access"`
		Fields []struct {
			Name   string                     `json:"name"`
			Access map[string]json.RawMessage `json:"access"`
		} `json:"fields"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil // shape problems are reported by the main decode
	}

	var problems []string
	for _, action := range []string{"read", "create", "update", "delete"} {
		if rawCond, ok := raw.Access[action]; ok && string(rawCond) != "null" {
			if _, err := metadata.ParseExpr(rawCond); err != nil {
				problems = append(problems, fmt.Sprintf("access.%s: %v", action, err))
			}
		}
	}
	for _, f := range raw.Fields {
		for _, axis := range []string{"read", "write"} {
			if rawCond, ok := f.Access[axis]; ok && string(rawCond) != "null" {
				if _, err := metadata.ParseExpr(rawCond); err != nil {
					problems = append(problems, fmt.Sprintf("fields.%s.access.%s: %v", f.Name, axis, err))
				}
			}
		}
	}
	if len(problems) > 0 {
		return fmt.Errorf("%s", strings.Join(problems, "; "))
	}
	return nil
}

func validateRelation(r *metadata.Relation, reg *metadata.Registry) error {
	if r.Name == "" {
		return fmt.Errorf("relation name is required")
	}
	if r.Source == "" || r.Target == "" {
		return fmt.Errorf("source and target are required")
	}
	if reg.GetEntity(r.Source) == nil {
		return fmt.Errorf("source entity not found: %s", r.Source)
	}
	if reg.GetEntity(r.Target) == nil {
		return fmt.Errorf("target entity not found: %s", r.Target)
	}
	if r.Type != "one_to_one" && r.Type != "one_to_many" && r.Type != "many_to_one" {
		return fmt.Errorf("invalid relation type: %s", r.Type)
	}
	if r.SourceKey == "" || r.TargetKey == "" {
		return fmt.Errorf("source_key and target_key are required")
	}
	switch r.OnDelete {
	case "", "cascade", "set_null", "restrict":
	default:
		return fmt.Errorf("invalid on_delete: %s", r.OnDelete)
	}
	return nil
}

func validateRule(r *metadata.Rule, reg *metadata.Registry) error {
	if r.Entity == "" {
		return fmt.Errorf("entity is required")
	}
	if reg.GetEntity(r.Entity) == nil {
		return fmt.Errorf("entity not found: %s", r.Entity)
	}
	if r.Hook != "before_write" && r.Hook != "before_delete" {
		return fmt.Errorf("invalid hook: %s", r.Hook)
	}
	switch r.Type {
	case "field":
		if r.Definition.Field == "" || r.Definition.Operator == "" {
			return fmt.Errorf("field rules need field and operator")
		}
	case "expression":
		if r.Definition.Expression == "" {
			return fmt.Errorf("expression rules need an expression")
		}
	case "computed":
		if r.Definition.Field == "" || r.Definition.Expression == "" {
			return fmt.Errorf("computed rules need field and expression")
		}
	default:
		return fmt.Errorf("invalid rule type: %s", r.Type)
	}
	if err := r.Compile(); err != nil {
		return err
	}
	return nil
}

// --- Error envelopes ---

func respondInvalidPayload(c *fiber.Ctx) error {
	return c.Status(400).JSON(fiber.Map{"error": fiber.Map{"code": "INVALID_PAYLOAD", "message": "Invalid JSON body"}})
}

func respondValidation(c *fiber.Ctx, err error) error {
	return c.Status(422).JSON(fiber.Map{"error": fiber.Map{"code": "VALIDATION_FAILED", "message": err.Error()}})
}

func respondNotFound(c *fiber.Ctx, msg string) error {
	return c.Status(404).JSON(fiber.Map{"error": fiber.Map{"code": "NOT_FOUND", "message": msg}})
}

func respondConflict(c *fiber.Ctx, msg string) error {
	return c.Status(409).JSON(fiber.Map{"error": fiber.Map{"code": "CONFLICT", "message": msg}})
}
