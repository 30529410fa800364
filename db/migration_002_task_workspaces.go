package db

import (
	"database/sql"
)

func init() {
	RegisterMigration(Migration{
		Version:     2,
		Description: "Task workspaces tracked by the orphan sweep",
		Up:          migration002_taskWorkspaces,
	})
}

func migration002_taskWorkspaces(tx *sql.Tx) error {
	_, err := tx.Exec(`
		CREATE TABLE IF NOT EXISTS task_workspaces (
			path TEXT PRIMARY KEY,
			task_id TEXT NOT NULL,
			terminal_session_id TEXT,
			created_at INTEGER NOT NULL
		)
	`)
	return err
}
