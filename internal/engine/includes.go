package engine

import (
	"context"
	"fmt"
	"strings"

	"forge-backend/internal/access"
	"forge-backend/internal/metadata"
	"forge-backend/internal/store"
)

// LoadIncludes fetches related data and attaches it to the parent rows.
// Included rows go through the guard's read check and field filter for the
// related entity, so relation traversal cannot widen what a caller may see.
func LoadIncludes(ctx context.Context, q store.Querier, dialect store.Dialect, reg *metadata.Registry, guard *access.Guard, user *metadata.UserContext, entity *metadata.Entity, rows []map[string]any, includes []string) error {
	if len(rows) == 0 || len(includes) == 0 {
		return nil
	}

	for _, incName := range includes {
		rel := reg.FindRelationForEntity(incName, entity.Name)
		if rel == nil {
			continue
		}

		if rel.Source == entity.Name {
			// Forward relation: load children by parent PK
			if err := loadForwardRelation(ctx, q, dialect, reg, guard, user, entity, rel, rows, incName); err != nil {
				return err
			}
		} else if rel.Target == entity.Name {
			// Reverse relation: load parents by FK on current entity
			if err := loadReverseRelation(ctx, q, dialect, reg, guard, user, rel, rows, incName); err != nil {
				return err
			}
		}
	}

	return nil
}

// loadForwardRelation loads children for one_to_many and one_to_one relations.
func loadForwardRelation(ctx context.Context, q store.Querier, dialect store.Dialect, reg *metadata.Registry, guard *access.Guard, user *metadata.UserContext, parentEntity *metadata.Entity, rel *metadata.Relation, rows []map[string]any, incName string) error {
	parentPKField := parentEntity.PrimaryKey.Field
	parentIDs := collectValues(rows, parentPKField)
	if len(parentIDs) == 0 {
		return nil
	}

	targetEntity := reg.GetEntity(rel.Target)
	if targetEntity == nil {
		return fmt.Errorf("unknown target entity: %s", rel.Target)
	}

	// Query children
	pb := dialect.NewParamBuilder()
	columns := strings.Join(targetEntity.FieldNames(), ", ")
	sql := fmt.Sprintf("SELECT %s FROM %s WHERE %s",
		columns, targetEntity.Table, dialect.InExpr(rel.TargetKey, pb, parentIDs))
	if targetEntity.SoftDelete {
		sql += " AND deleted_at IS NULL"
	}

	childRows, err := store.QueryRows(ctx, q, sql, pb.Params()...)
	if err != nil {
		return fmt.Errorf("load include %s: %w", incName, err)
	}
	if dialect.NeedsBoolFix() {
		store.NormalizeBooleans(childRows, targetEntity.BooleanFields())
	}

	// Group readable children by FK, filtered to the caller's visible fields.
	// Grouping keys come from the raw row since the FK itself may be filtered.
	grouped := make(map[string][]map[string]any)
	for _, child := range childRows {
		if !guard.CheckAccess(ctx, user, metadata.ActionRead, targetEntity.Name, child, nil, nil) {
			continue
		}
		fk := fmt.Sprintf("%v", child[rel.TargetKey])
		grouped[fk] = append(grouped[fk], guard.FilterFields(user, metadata.ActionRead, targetEntity.Name, child))
	}

	// Attach to parent rows
	for _, row := range rows {
		pk := fmt.Sprintf("%v", row[parentPKField])
		if rel.IsOneToOne() {
			if children := grouped[pk]; len(children) > 0 {
				row[incName] = children[0]
			} else {
				row[incName] = nil
			}
		} else {
			if grouped[pk] == nil {
				row[incName] = []map[string]any{}
			} else {
				row[incName] = grouped[pk]
			}
		}
	}

	return nil
}

// loadReverseRelation loads parent records referenced by FK on the current entity.
func loadReverseRelation(ctx context.Context, q store.Querier, dialect store.Dialect, reg *metadata.Registry, guard *access.Guard, user *metadata.UserContext, rel *metadata.Relation, rows []map[string]any, incName string) error {
	sourceEntity := reg.GetEntity(rel.Source)
	if sourceEntity == nil {
		return fmt.Errorf("unknown source entity: %s", rel.Source)
	}

	// Collect FK values from current rows
	fkValues := collectValues(rows, rel.TargetKey)
	if len(fkValues) == 0 {
		return nil
	}

	pb := dialect.NewParamBuilder()
	columns := strings.Join(sourceEntity.FieldNames(), ", ")
	sql := fmt.Sprintf("SELECT %s FROM %s WHERE %s",
		columns, sourceEntity.Table, dialect.InExpr(rel.SourceKey, pb, fkValues))
	if sourceEntity.SoftDelete {
		sql += " AND deleted_at IS NULL"
	}

	parentRows, err := store.QueryRows(ctx, q, sql, pb.Params()...)
	if err != nil {
		return fmt.Errorf("load reverse include %s: %w", incName, err)
	}
	if dialect.NeedsBoolFix() {
		store.NormalizeBooleans(parentRows, sourceEntity.BooleanFields())
	}

	// Index readable parents by PK
	parentByPK := make(map[string]map[string]any, len(parentRows))
	for _, pr := range parentRows {
		if !guard.CheckAccess(ctx, user, metadata.ActionRead, sourceEntity.Name, pr, nil, nil) {
			continue
		}
		pk := fmt.Sprintf("%v", pr[rel.SourceKey])
		parentByPK[pk] = guard.FilterFields(user, metadata.ActionRead, sourceEntity.Name, pr)
	}

	// Attach
	for _, row := range rows {
		fk := fmt.Sprintf("%v", row[rel.TargetKey])
		row[incName] = parentByPK[fk]
	}

	return nil
}

func collectValues(rows []map[string]any, field string) []any {
	seen := make(map[string]bool)
	var values []any
	for _, row := range rows {
		v := row[field]
		if v == nil {
			continue
		}
		s := fmt.Sprintf("%v", v)
		if !seen[s] {
			seen[s] = true
			values = append(values, v)
		}
	}
	return values
}
