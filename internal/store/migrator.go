package store

import (
	"context"
	"fmt"
	"log"
	"strings"

	"forge-backend/internal/metadata"
)

// Migrator brings entity tables in line with their definitions. Columns are
// only ever added, never dropped or retyped; when an existing column's type
// disagrees with the definition the drift is logged and the column is left
// alone.
type Migrator struct {
	store *Store
}

func NewMigrator(store *Store) *Migrator {
	return &Migrator{store: store}
}

// Migrate creates the table for an entity if missing, otherwise adds any
// columns the definition has gained, then ensures indexes.
func (m *Migrator) Migrate(ctx context.Context, entity *metadata.Entity) error {
	exists, err := m.store.Dialect.TableExists(ctx, m.store.DB, entity.Table)
	if err != nil {
		return fmt.Errorf("check table %s: %w", entity.Table, err)
	}

	if !exists {
		if err := m.createTable(ctx, entity); err != nil {
			return err
		}
	} else {
		if err := m.alterTable(ctx, entity); err != nil {
			return err
		}
	}

	return m.createIndexes(ctx, entity)
}

func (m *Migrator) createTable(ctx context.Context, entity *metadata.Entity) error {
	cols := make([]string, 0, len(entity.Fields)+1)
	for _, f := range entity.Fields {
		cols = append(cols, m.buildColumnDef(entity, f))
	}
	if entity.SoftDelete && !entity.HasField("deleted_at") {
		cols = append(cols, "deleted_at "+m.store.Dialect.ColumnType("timestamp", 0))
	}

	query := fmt.Sprintf("CREATE TABLE %s (\n  %s\n)", entity.Table, strings.Join(cols, ",\n  "))
	if _, err := m.store.DB.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("create table %s: %w", entity.Table, err)
	}
	log.Printf("Created table %s", entity.Table)
	return nil
}

func (m *Migrator) buildColumnDef(entity *metadata.Entity, f metadata.Field) string {
	d := m.store.Dialect
	def := f.Name + " " + d.ColumnType(f.Type, f.Precision)

	if f.Name == entity.PrimaryKey.Field {
		def += " PRIMARY KEY"
		if entity.PrimaryKey.Generated && entity.PrimaryKey.Type == "uuid" {
			if dflt := d.UUIDDefault(); dflt != "" {
				def += " DEFAULT " + dflt
			}
		}
		return def
	}

	if f.Required && !f.Nullable {
		def += " NOT NULL"
	}
	if f.Default != nil {
		def += " DEFAULT " + defaultLiteral(f.Default)
	} else if f.IsAuto() && f.Type == "timestamp" {
		def += " DEFAULT " + d.NowExpr()
	}
	return def
}

func (m *Migrator) alterTable(ctx context.Context, entity *metadata.Entity) error {
	existing, err := m.store.Dialect.GetColumns(ctx, m.store.DB, entity.Table)
	if err != nil {
		return fmt.Errorf("get columns for %s: %w", entity.Table, err)
	}

	for _, f := range entity.Fields {
		if current, ok := existing[f.Name]; ok {
			want := m.store.Dialect.ColumnType(f.Type, f.Precision)
			if !typesMatch(current, want) {
				log.Printf("WARN: column %s.%s is %s but definition wants %s (leaving as is)",
					entity.Table, f.Name, current, want)
			}
			continue
		}
		if err := m.addColumn(ctx, entity, f); err != nil {
			return err
		}
	}

	if entity.SoftDelete {
		if _, ok := existing["deleted_at"]; !ok {
			query := fmt.Sprintf("ALTER TABLE %s ADD COLUMN deleted_at %s",
				entity.Table, m.store.Dialect.ColumnType("timestamp", 0))
			if _, err := m.store.DB.ExecContext(ctx, query); err != nil {
				return fmt.Errorf("add deleted_at to %s: %w", entity.Table, err)
			}
			log.Printf("Added column %s.deleted_at", entity.Table)
		}
	}
	return nil
}

func (m *Migrator) addColumn(ctx context.Context, entity *metadata.Entity, f metadata.Field) error {
	d := m.store.Dialect
	def := f.Name + " " + d.ColumnType(f.Type, f.Precision)
	if f.Default != nil {
		def += " DEFAULT " + defaultLiteral(f.Default)
	} else if f.Required && !f.Nullable {
		// Existing rows need a value before NOT NULL can hold.
		def += " NOT NULL DEFAULT " + zeroLiteral(f.Type)
	}

	query := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s", entity.Table, def)
	if _, err := m.store.DB.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("add column %s.%s: %w", entity.Table, f.Name, err)
	}
	log.Printf("Added column %s.%s", entity.Table, f.Name)
	return nil
}

func (m *Migrator) createIndexes(ctx context.Context, entity *metadata.Entity) error {
	for _, f := range entity.Fields {
		if !f.Unique || f.Name == entity.PrimaryKey.Field {
			continue
		}
		query := fmt.Sprintf("CREATE UNIQUE INDEX IF NOT EXISTS idx_%s_%s ON %s (%s)",
			entity.Table, f.Name, entity.Table, f.Name)
		if _, err := m.store.DB.ExecContext(ctx, query); err != nil {
			return fmt.Errorf("create unique index on %s.%s: %w", entity.Table, f.Name, err)
		}
	}

	if entity.SoftDelete {
		if _, err := m.store.DB.ExecContext(ctx, m.store.Dialect.SoftDeleteIndexSQL(entity.Table)); err != nil {
			return fmt.Errorf("create soft delete index on %s: %w", entity.Table, err)
		}
	}
	return nil
}

func defaultLiteral(v any) string {
	switch val := v.(type) {
	case string:
		return "'" + strings.ReplaceAll(val, "'", "''") + "'"
	case bool:
		if val {
			return "TRUE"
		}
		return "FALSE"
	case float64, int, int64:
		return fmt.Sprintf("%v", val)
	default:
		return fmt.Sprintf("'%v'", val)
	}
}

func zeroLiteral(fieldType string) string {
	switch fieldType {
	case "int", "integer", "bigint", "float", "decimal":
		return "0"
	case "boolean":
		return "FALSE"
	default:
		return "''"
	}
}

// typesMatch compares an information_schema / PRAGMA type against the type
// the definition would produce, normalizing the usual aliases.
func typesMatch(existing, want string) bool {
	return normalizeColumnType(existing) == normalizeColumnType(want)
}

func normalizeColumnType(t string) string {
	t = strings.ToUpper(strings.TrimSpace(t))
	if i := strings.Index(t, "("); i >= 0 {
		t = t[:i]
	}
	switch t {
	case "TIMESTAMP WITH TIME ZONE":
		return "TIMESTAMPTZ"
	case "CHARACTER VARYING", "VARCHAR":
		return "TEXT"
	}
	return t
}
