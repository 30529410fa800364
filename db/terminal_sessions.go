package db

import (
	"database/sql"
	"fmt"
)

const sessionColumns = `id, name, cwd, status, exit_code, cols, rows, tab_id, position, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (TerminalSession, error) {
	var s TerminalSession
	var exitCode sql.NullInt64
	var tabID sql.NullString
	err := row.Scan(&s.ID, &s.Name, &s.Cwd, &s.Status, &exitCode, &s.Cols, &s.Rows, &tabID, &s.Position, &s.CreatedAt)
	if err != nil {
		return s, err
	}
	if exitCode.Valid {
		code := int(exitCode.Int64)
		s.ExitCode = &code
	}
	if tabID.Valid {
		id := tabID.String
		s.TabID = &id
	}
	return s, nil
}

func nullableTab(tabID *string) any {
	if tabID == nil || *tabID == "" {
		return nil
	}
	return *tabID
}

func nullableInt(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}

// InsertSession persists a new terminal session record
func (d *DB) InsertSession(s *TerminalSession) error {
	_, err := d.Run(
		`INSERT INTO terminal_sessions (`+sessionColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.ID, s.Name, s.Cwd, s.Status, nullableInt(s.ExitCode),
		s.Cols, s.Rows, nullableTab(s.TabID), s.Position, s.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert terminal session %s: %w", s.ID, err)
	}
	return nil
}

// UpdateSession writes every mutable field of an existing session record
func (d *DB) UpdateSession(s *TerminalSession) error {
	res, err := d.Run(
		`UPDATE terminal_sessions
		 SET name = ?, cwd = ?, status = ?, exit_code = ?, cols = ?, rows = ?, tab_id = ?, position = ?
		 WHERE id = ?`,
		s.Name, s.Cwd, s.Status, nullableInt(s.ExitCode),
		s.Cols, s.Rows, nullableTab(s.TabID), s.Position, s.ID,
	)
	if err != nil {
		return fmt.Errorf("update terminal session %s: %w", s.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("update terminal session %s: %w", s.ID, sql.ErrNoRows)
	}
	return nil
}

// DeleteSession removes a session record. Deleting a missing id is not an error.
func (d *DB) DeleteSession(id string) error {
	if _, err := d.Run(`DELETE FROM terminal_sessions WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete terminal session %s: %w", id, err)
	}
	return nil
}

// GetSession returns a session record, or nil if it doesn't exist
func (d *DB) GetSession(id string) (*TerminalSession, error) {
	return SelectOne(d,
		`SELECT `+sessionColumns+` FROM terminal_sessions WHERE id = ?`,
		[]QueryParam{id},
		func(row *sql.Row) (TerminalSession, error) { return scanSession(row) },
	)
}

// ListSessions returns all session records ordered by tab, position and age
func (d *DB) ListSessions() ([]TerminalSession, error) {
	return Select(d,
		`SELECT `+sessionColumns+` FROM terminal_sessions
		 ORDER BY tab_id IS NULL, tab_id, position, created_at`,
		nil,
		func(rows *sql.Rows) (TerminalSession, error) { return scanSession(rows) },
	)
}

// ListSessionsInTab returns the sessions that belong to a tab
func (d *DB) ListSessionsInTab(tabID string) ([]TerminalSession, error) {
	return Select(d,
		`SELECT `+sessionColumns+` FROM terminal_sessions
		 WHERE tab_id = ? ORDER BY position, created_at`,
		[]QueryParam{tabID},
		func(rows *sql.Rows) (TerminalSession, error) { return scanSession(rows) },
	)
}
