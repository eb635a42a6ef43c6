package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"forge-backend/internal/metadata"
)

// Bootstrap creates the system tables and seeds the default admin user.
func (s *Store) Bootstrap(ctx context.Context) error {
	if _, err := s.DB.ExecContext(ctx, s.Dialect.SystemTablesSQL()); err != nil {
		return fmt.Errorf("bootstrap system tables: %w", err)
	}
	if err := s.seedAdminUser(ctx); err != nil {
		return fmt.Errorf("seed admin user: %w", err)
	}
	return nil
}

func (s *Store) seedAdminUser(ctx context.Context) error {
	var count int
	err := s.DB.QueryRowContext(ctx, "SELECT COUNT(*) FROM _users").Scan(&count)
	if err != nil {
		return err
	}
	if count > 0 {
		return nil
	}

	hashBytes, err := bcrypt.GenerateFromPassword([]byte("changeme"), bcrypt.DefaultCost)
	if err != nil {
		return err
	}

	pb := s.Dialect.NewParamBuilder()
	query := fmt.Sprintf(
		"INSERT INTO _users (id, email, password_hash, role, attrs) VALUES (%s, %s, %s, %s, %s)",
		pb.Add(uuid.NewString()), pb.Add("admin@localhost"), pb.Add(string(hashBytes)),
		pb.Add("admin"), pb.Add("{}"),
	)
	if _, err := s.DB.ExecContext(ctx, query, pb.Params()...); err != nil {
		return err
	}

	log.Println("WARNING: Default admin user created (admin@localhost / changeme) - change the password immediately.")
	return nil
}

// SeedSchemaDir upserts every *.json entity definition found in dir into
// _entities, so an app can ship declarative schema files that are picked up
// on boot before the first registry load. A missing dir is not an error.
func (s *Store) SeedSchemaDir(ctx context.Context, dir string) error {
	if dir == "" {
		return nil
	}
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return nil
	}

	files, err := filepath.Glob(filepath.Join(dir, "*.json"))
	if err != nil {
		return fmt.Errorf("scan schema dir: %w", err)
	}

	seeded := 0
	for _, file := range files {
		data, err := os.ReadFile(file)
		if err != nil {
			return fmt.Errorf("read schema file %s: %w", file, err)
		}

		var entity metadata.Entity
		if err := json.Unmarshal(data, &entity); err != nil {
			log.Printf("WARN: skipping schema file %s (invalid JSON): %v", file, err)
			continue
		}
		if entity.Name == "" || entity.Table == "" {
			log.Printf("WARN: skipping schema file %s (missing name or table)", file)
			continue
		}

		pb := s.Dialect.NewParamBuilder()
		query := fmt.Sprintf(
			`INSERT INTO _entities (name, table_name, definition) VALUES (%s, %s, %s)
			ON CONFLICT (name) DO UPDATE SET table_name = excluded.table_name, definition = excluded.definition, updated_at = %s`,
			pb.Add(entity.Name), pb.Add(entity.Table), pb.Add(string(data)), s.Dialect.NowExpr(),
		)
		if _, err := s.DB.ExecContext(ctx, query, pb.Params()...); err != nil {
			return fmt.Errorf("seed entity %s: %w", entity.Name, err)
		}
		seeded++
	}

	if seeded > 0 {
		log.Printf("Seeded %d entity definitions from %s", seeded, dir)
	}
	return nil
}
