package engine

import (
	"fmt"
	"strings"

	"github.com/google/uuid"

	"forge-backend/internal/metadata"
	"forge-backend/internal/store"
)

// SeparateFields splits a request body into declared entity fields and
// unknown keys. Unknown keys are rejected by the caller, never silently
// dropped.
func SeparateFields(entity *metadata.Entity, body map[string]any) (map[string]any, []string) {
	fields := make(map[string]any, len(body))
	var unknown []string
	for key, val := range body {
		if entity.HasField(key) {
			fields[key] = val
		} else {
			unknown = append(unknown, key)
		}
	}
	return fields, unknown
}

// ValidateFields checks required fields, enum membership and basic JSON types
// against the entity definition. isCreate controls whether missing required
// fields are an error.
func ValidateFields(entity *metadata.Entity, fields map[string]any, isCreate bool) []ErrorDetail {
	var errs []ErrorDetail

	for _, f := range entity.Fields {
		val, present := fields[f.Name]

		if !present || val == nil {
			if isCreate && f.Required && !f.Nullable && f.Default == nil && !f.IsAuto() {
				if f.Name == entity.PrimaryKey.Field && entity.PrimaryKey.Generated {
					continue
				}
				errs = append(errs, ErrorDetail{
					Field:   f.Name,
					Rule:    "required",
					Message: fmt.Sprintf("Field %s is required", f.Name),
				})
			}
			continue
		}

		if detail := checkFieldType(&f, val); detail != nil {
			errs = append(errs, *detail)
			continue
		}

		if len(f.Enum) > 0 {
			if s, ok := val.(string); ok && !containsString(f.Enum, s) {
				errs = append(errs, ErrorDetail{
					Field:   f.Name,
					Rule:    "enum",
					Message: fmt.Sprintf("Field %s must be one of: %s", f.Name, strings.Join(f.Enum, ", ")),
				})
			}
		}
	}

	return errs
}

func checkFieldType(f *metadata.Field, val any) *ErrorDetail {
	ok := true
	switch f.Type {
	case "string", "text", "uuid", "timestamp", "date":
		_, ok = val.(string)
	case "int", "integer", "bigint":
		switch v := val.(type) {
		case float64:
			ok = v == float64(int64(v))
		case int, int64:
		default:
			ok = false
		}
	case "float", "decimal":
		switch val.(type) {
		case float64, int, int64:
		default:
			ok = false
		}
	case "boolean":
		_, ok = val.(bool)
	}
	if !ok {
		return &ErrorDetail{
			Field:   f.Name,
			Rule:    "type",
			Message: fmt.Sprintf("Field %s must be of type %s", f.Name, f.Type),
		}
	}
	return nil
}

func containsString(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}

// BuildInsertSQL builds an INSERT for the declared fields present in the map.
// A generated uuid primary key is filled in by the database where the dialect
// has a default expression, otherwise generated here. Auto timestamp fields
// are left to their column defaults. Returns the SQL with a RETURNING clause
// for the primary key.
func BuildInsertSQL(entity *metadata.Entity, fields map[string]any, dialect store.Dialect) (string, []any) {
	pb := dialect.NewParamBuilder()
	var cols []string
	var placeholders []string

	pkField := entity.PrimaryKey.Field
	if entity.PrimaryKey.Generated && entity.PrimaryKey.Type == "uuid" && dialect.UUIDDefault() == "" {
		cols = append(cols, pkField)
		placeholders = append(placeholders, pb.Add(uuid.NewString()))
	}

	for _, f := range entity.Fields {
		if f.Name == pkField && entity.PrimaryKey.Generated {
			continue
		}
		if f.IsAuto() {
			continue
		}
		val, present := fields[f.Name]
		if !present {
			continue
		}
		cols = append(cols, f.Name)
		placeholders = append(placeholders, pb.Add(val))
	}

	sql := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) RETURNING %s",
		entity.Table, strings.Join(cols, ", "), strings.Join(placeholders, ", "), pkField)
	return sql, pb.Params()
}

// BuildUpdateSQL builds an UPDATE setting the updatable fields present in the
// map. Returns empty SQL when there is nothing to set. An auto-update
// timestamp field is bumped alongside.
func BuildUpdateSQL(entity *metadata.Entity, id any, fields map[string]any, dialect store.Dialect) (string, []any) {
	pb := dialect.NewParamBuilder()
	var sets []string

	for _, f := range entity.UpdatableFields() {
		val, present := fields[f.Name]
		if !present {
			continue
		}
		sets = append(sets, fmt.Sprintf("%s = %s", f.Name, pb.Add(val)))
	}

	if len(sets) == 0 {
		return "", nil
	}

	for _, f := range entity.Fields {
		if f.Auto == "update" {
			sets = append(sets, fmt.Sprintf("%s = %s", f.Name, dialect.NowExpr()))
		}
	}

	sql := fmt.Sprintf("UPDATE %s SET %s WHERE %s = %s",
		entity.Table, strings.Join(sets, ", "), entity.PrimaryKey.Field, pb.Add(id))
	if entity.SoftDelete {
		sql += " AND deleted_at IS NULL"
	}
	return sql, pb.Params()
}

// BuildSoftDeleteSQL marks a record deleted without removing the row.
func BuildSoftDeleteSQL(entity *metadata.Entity, id any, dialect store.Dialect) (string, []any) {
	pb := dialect.NewParamBuilder()
	sql := fmt.Sprintf("UPDATE %s SET deleted_at = %s WHERE %s = %s AND deleted_at IS NULL",
		entity.Table, dialect.NowExpr(), entity.PrimaryKey.Field, pb.Add(id))
	return sql, pb.Params()
}

// BuildHardDeleteSQL removes the row outright.
func BuildHardDeleteSQL(entity *metadata.Entity, id any, dialect store.Dialect) (string, []any) {
	pb := dialect.NewParamBuilder()
	sql := fmt.Sprintf("DELETE FROM %s WHERE %s = %s",
		entity.Table, entity.PrimaryKey.Field, pb.Add(id))
	return sql, pb.Params()
}
