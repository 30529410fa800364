package db

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
)

func scanWorkspace(rows *sql.Rows) (TaskWorkspace, error) {
	var w TaskWorkspace
	var sessionID sql.NullString
	err := rows.Scan(&w.Path, &w.TaskID, &sessionID, &w.CreatedAt)
	if sessionID.Valid {
		id := sessionID.String
		w.TerminalSessionID = &id
	}
	return w, err
}

// LinkWorkspace records that a directory belongs to a live task,
// optionally with the terminal session launched for it
func (d *DB) LinkWorkspace(w *TaskWorkspace) error {
	if w.CreatedAt == 0 {
		w.CreatedAt = NowMs()
	}
	var sessionID any
	if w.TerminalSessionID != nil {
		sessionID = *w.TerminalSessionID
	}
	_, err := d.Run(`
		INSERT INTO task_workspaces (path, task_id, terminal_session_id, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(path) DO UPDATE SET
			task_id = excluded.task_id,
			terminal_session_id = excluded.terminal_session_id
	`, filepath.Clean(w.Path), w.TaskID, sessionID, w.CreatedAt)
	if err != nil {
		return fmt.Errorf("link workspace %s: %w", w.Path, err)
	}
	return nil
}

// UnlinkWorkspace forgets a task workspace
func (d *DB) UnlinkWorkspace(path string) error {
	if _, err := d.Run(`DELETE FROM task_workspaces WHERE path = ?`, filepath.Clean(path)); err != nil {
		return fmt.Errorf("unlink workspace %s: %w", path, err)
	}
	return nil
}

// ListWorkspaces returns all tracked task workspaces
func (d *DB) ListWorkspaces() ([]TaskWorkspace, error) {
	return Select(d,
		`SELECT path, task_id, terminal_session_id, created_at FROM task_workspaces ORDER BY path`,
		nil,
		scanWorkspace,
	)
}

// IsTrackedWorkspace reports whether dir is a known task workspace
func (d *DB) IsTrackedWorkspace(ctx context.Context, dir string) (bool, error) {
	var exists bool
	err := d.conn.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM task_workspaces WHERE path = ?)`, filepath.Clean(dir),
	).Scan(&exists)
	return exists, err
}

// DetachWorkspaceTerminal clears the terminal reference of any workspace that
// points at sessionID, so a destroyed session leaves no dangling link
func (d *DB) DetachWorkspaceTerminal(sessionID string) error {
	_, err := d.Run(
		`UPDATE task_workspaces SET terminal_session_id = NULL WHERE terminal_session_id = ?`,
		sessionID,
	)
	return err
}
