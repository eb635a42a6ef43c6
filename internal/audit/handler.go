package audit

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v2"

	"forge-backend/internal/store"
)

// Handler exposes the audit trail to admins: a filterable list of decisions
// and per-entity denial statistics.
type Handler struct {
	store *store.Store
}

func NewHandler(s *store.Store) *Handler {
	return &Handler{store: s}
}

// RegisterAuditRoutes mounts the audit endpoints on the given router, which
// is expected to carry admin-only middleware.
func RegisterAuditRoutes(router fiber.Router, h *Handler) {
	router.Get("/audit", h.List)
	router.Get("/audit/stats", h.Stats)
}

// List handles GET /audit with optional filters.
func (h *Handler) List(c *fiber.Ctx) error {
	ctx := c.Context()
	pb := h.store.Dialect.NewParamBuilder()
	var conditions []string

	for _, f := range []string{"entity", "action", "user_id", "record_id", "reason"} {
		if v := c.Query(f); v != "" {
			conditions = append(conditions, fmt.Sprintf("%s = %s", f, pb.Add(v)))
		}
	}
	if v := c.Query("allowed"); v != "" {
		allowed, err := strconv.ParseBool(v)
		if err != nil {
			return c.Status(422).JSON(fiber.Map{"error": fiber.Map{
				"code": "VALIDATION_FAILED", "message": "allowed must be true or false",
			}})
		}
		conditions = append(conditions, "allowed = "+pb.Add(allowed))
	}
	if v := c.Query("from"); v != "" {
		conditions = append(conditions, "created_at >= "+pb.Add(v))
	}
	if v := c.Query("to"); v != "" {
		conditions = append(conditions, "created_at <= "+pb.Add(v))
	}

	whereClause := ""
	if len(conditions) > 0 {
		whereClause = " WHERE " + strings.Join(conditions, " AND ")
	}

	page, _ := strconv.Atoi(c.Query("page", "1"))
	if page < 1 {
		page = 1
	}
	perPage, _ := strconv.Atoi(c.Query("per_page", "50"))
	if perPage < 1 {
		perPage = 50
	}
	if perPage > 100 {
		perPage = 100
	}

	orderBy := "created_at DESC"
	if c.Query("sort") == "created_at" {
		orderBy = "created_at ASC"
	}

	countRow, err := store.QueryRow(ctx, h.store.DB,
		"SELECT COUNT(*) AS count FROM _audit_log"+whereClause, pb.Params()...)
	if err != nil {
		return fmt.Errorf("count audit entries: %w", err)
	}
	total := countRow["count"]

	dataSQL := fmt.Sprintf(
		"SELECT id, entity, action, user_id, record_id, allowed, reason, duration_ms, created_at FROM _audit_log%s ORDER BY %s LIMIT %s OFFSET %s",
		whereClause, orderBy, pb.Add(perPage), pb.Add((page-1)*perPage),
	)
	rows, err := store.QueryRows(ctx, h.store.DB, dataSQL, pb.Params()...)
	if err != nil {
		return fmt.Errorf("list audit entries: %w", err)
	}
	if rows == nil {
		rows = []map[string]any{}
	}
	if h.store.Dialect.NeedsBoolFix() {
		store.NormalizeBooleans(rows, []string{"allowed"})
	}

	return c.JSON(fiber.Map{
		"data": rows,
		"meta": fiber.Map{
			"page":     page,
			"per_page": perPage,
			"total":    total,
		},
	})
}

// Stats handles GET /audit/stats: denial counts and check latency, overall
// and grouped by entity.
func (h *Handler) Stats(c *fiber.Ctx) error {
	ctx := c.Context()
	pb := h.store.Dialect.NewParamBuilder()
	var conditions []string

	if v := c.Query("from"); v != "" {
		conditions = append(conditions, "created_at >= "+pb.Add(v))
	}
	if v := c.Query("to"); v != "" {
		conditions = append(conditions, "created_at <= "+pb.Add(v))
	}
	if v := c.Query("entity"); v != "" {
		conditions = append(conditions, "entity = "+pb.Add(v))
	}

	whereClause := ""
	if len(conditions) > 0 {
		whereClause = " WHERE " + strings.Join(conditions, " AND ")
	}

	deniedExpr := h.store.Dialect.FilterCountExpr("NOT allowed")
	p95Expr := "NULL"
	if h.store.Dialect.SupportsPercentile() {
		p95Expr = h.store.Dialect.PercentileExpr(0.95, "duration_ms")
	}

	totalSQL := fmt.Sprintf(
		"SELECT COUNT(*) AS total, %s AS denied, AVG(duration_ms) AS avg_check_ms, %s AS p95_check_ms FROM _audit_log%s",
		deniedExpr, p95Expr, whereClause,
	)
	totalRow, err := store.QueryRow(ctx, h.store.DB, totalSQL, pb.Params()...)
	if err != nil {
		return fmt.Errorf("audit stats: %w", err)
	}

	total := toInt(totalRow["total"])
	denied := toInt(totalRow["denied"])
	var denyRate float64
	if total > 0 {
		denyRate = math.Round(float64(denied)/float64(total)*10000) / 10000
	}
	p95 := totalRow["p95_check_ms"]
	if !h.store.Dialect.SupportsPercentile() {
		p95 = h.percentileFallback(c, whereClause, pb.Params(), 0.95)
	}

	byEntitySQL := fmt.Sprintf(
		"SELECT entity, COUNT(*) AS count, %s AS denied, AVG(duration_ms) AS avg_check_ms FROM _audit_log%s GROUP BY entity ORDER BY denied DESC, count DESC",
		deniedExpr, whereClause,
	)
	entityRows, err := store.QueryRows(ctx, h.store.DB, byEntitySQL, pb.Params()...)
	if err != nil {
		return fmt.Errorf("audit stats by entity: %w", err)
	}

	byEntity := make([]fiber.Map, 0, len(entityRows))
	for _, row := range entityRows {
		count := toInt(row["count"])
		entityDenied := toInt(row["denied"])
		var rate float64
		if count > 0 {
			rate = math.Round(float64(entityDenied)/float64(count)*10000) / 10000
		}
		byEntity = append(byEntity, fiber.Map{
			"entity":       row["entity"],
			"count":        count,
			"denied":       entityDenied,
			"deny_rate":    rate,
			"avg_check_ms": row["avg_check_ms"],
		})
	}

	return c.JSON(fiber.Map{
		"data": fiber.Map{
			"total":        total,
			"denied":       denied,
			"deny_rate":    denyRate,
			"avg_check_ms": totalRow["avg_check_ms"],
			"p95_check_ms": p95,
			"by_entity":    byEntity,
		},
	})
}

// percentileFallback computes a percentile in Go for dialects without
// percentile_cont.
func (h *Handler) percentileFallback(c *fiber.Ctx, whereClause string, args []any, pct float64) any {
	sqlStr := "SELECT duration_ms FROM _audit_log" + whereClause
	if whereClause == "" {
		sqlStr += " WHERE duration_ms IS NOT NULL"
	} else {
		sqlStr += " AND duration_ms IS NOT NULL"
	}
	rows, err := store.QueryRows(c.Context(), h.store.DB, sqlStr, args...)
	if err != nil || len(rows) == 0 {
		return nil
	}
	durations := make([]float64, 0, len(rows))
	for _, r := range rows {
		durations = append(durations, toFloat(r["duration_ms"]))
	}
	sort.Float64s(durations)
	idx := int(float64(len(durations)) * pct)
	if idx >= len(durations) {
		idx = len(durations) - 1
	}
	return durations[idx]
}

func toInt(v any) int {
	switch val := v.(type) {
	case int:
		return val
	case int32:
		return int(val)
	case int64:
		return int(val)
	case float64:
		return int(val)
	case string:
		n, _ := strconv.Atoi(val)
		return n
	default:
		return 0
	}
}

func toFloat(v any) float64 {
	switch val := v.(type) {
	case float64:
		return val
	case float32:
		return float64(val)
	case int:
		return float64(val)
	case int32:
		return float64(val)
	case int64:
		return float64(val)
	case string:
		f, _ := strconv.ParseFloat(val, 64)
		return f
	default:
		return 0
	}
}
