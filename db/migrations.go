package db

import (
	"database/sql"
	"fmt"
	"sort"

	"github.com/xiaoyuanzhu-com/devpanel/log"
)

// Migration is one schema step. Up runs inside the transaction that also
// records the new version, so a failed step leaves the schema untouched.
type Migration struct {
	Version     int
	Description string
	Up          func(tx *sql.Tx) error
}

// populated by the migration_NNN_*.go files
var migrations []Migration

// RegisterMigration adds a migration to the list
func RegisterMigration(m Migration) {
	migrations = append(migrations, m)
}

func runMigrations(conn *sql.DB) error {
	_, err := conn.Exec(`
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY,
			applied_at INTEGER NOT NULL,
			description TEXT
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create schema_version table: %w", err)
	}

	sort.Slice(migrations, func(i, j int) bool {
		return migrations[i].Version < migrations[j].Version
	})

	current, err := schemaVersion(conn)
	if err != nil {
		return fmt.Errorf("failed to get current version: %w", err)
	}

	for _, m := range migrations {
		if m.Version <= current {
			continue
		}
		if err := applyMigration(conn, m); err != nil {
			return fmt.Errorf("migration %d (%s) failed: %w", m.Version, m.Description, err)
		}
		log.Info().
			Int("version", m.Version).
			Str("description", m.Description).
			Msg("migration applied")
	}
	return nil
}

func applyMigration(conn *sql.DB, m Migration) error {
	tx, err := conn.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := m.Up(tx); err != nil {
		return err
	}
	if _, err := tx.Exec(
		"INSERT INTO schema_version (version, applied_at, description) VALUES (?, ?, ?)",
		m.Version, NowMs(), m.Description,
	); err != nil {
		return err
	}
	return tx.Commit()
}

func schemaVersion(conn *sql.DB) (int, error) {
	var version int
	err := conn.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&version)
	return version, err
}

// CurrentVersion returns the current database schema version
func (d *DB) CurrentVersion() (int, error) {
	return schemaVersion(d.conn)
}
