package store

import (
	"database/sql"
	"fmt"
	"time"
)

type migration struct {
	Version int
	SQL     string
}

// migrations is applied in order; version 1 creates initialSchema.
var migrations = []migration{
	{Version: 1},
	{
		Version: 2,
		SQL: `CREATE INDEX IF NOT EXISTS idx_requests_service ON requests(service, operation);
CREATE INDEX IF NOT EXISTS idx_requests_outcome ON requests(outcome);`,
	},
}

// SchemaVersion is the latest migration version.
func SchemaVersion() int { return migrations[len(migrations)-1].Version }

// Migrate brings the database up to SchemaVersion, one transaction per step.
func (s *Store) Migrate() error {
	if _, err := s.writer.Exec(schemaMigrations); err != nil {
		return fmt.Errorf("store: create schema_migrations: %w", err)
	}

	current, err := s.currentVersion()
	if err != nil {
		return fmt.Errorf("store: read migration version: %w", err)
	}
	for _, m := range migrations {
		if m.Version <= current {
			continue
		}
		if err := s.applyMigration(m); err != nil {
			return fmt.Errorf("store: migration v%d: %w", m.Version, err)
		}
	}
	return nil
}

func (s *Store) currentVersion() (int, error) {
	var version int
	err := s.writer.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&version)
	return version, err
}

func (s *Store) applyMigration(m migration) error {
	tx, err := s.writer.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck

	stmts := []string{m.SQL}
	if m.Version == 1 {
		stmts = initialSchema
	}
	if err := execAll(tx, stmts); err != nil {
		return err
	}

	if _, err := tx.Exec(
		"INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)",
		m.Version, s.now().UTC().Format(time.RFC3339),
	); err != nil {
		return err
	}
	return tx.Commit()
}

func execAll(tx *sql.Tx, stmts []string) error {
	for _, ddl := range stmts {
		if ddl == "" {
			continue
		}
		if _, err := tx.Exec(ddl); err != nil {
			return fmt.Errorf("exec schema: %w", err)
		}
	}
	return nil
}
