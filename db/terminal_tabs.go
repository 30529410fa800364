package db

import (
	"database/sql"
	"fmt"
)

func scanTab(row rowScanner) (TerminalTab, error) {
	var t TerminalTab
	err := row.Scan(&t.ID, &t.Name, &t.Position, &t.Directory, &t.CreatedAt)
	return t, err
}

// InsertTab persists a new tab
func (d *DB) InsertTab(t *TerminalTab) error {
	_, err := d.Run(
		`INSERT INTO terminal_tabs (id, name, position, directory, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		t.ID, t.Name, t.Position, t.Directory, t.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert terminal tab %s: %w", t.ID, err)
	}
	return nil
}

// UpdateTab writes the tab's name, position and directory
func (d *DB) UpdateTab(t *TerminalTab) error {
	res, err := d.Run(
		`UPDATE terminal_tabs SET name = ?, position = ?, directory = ? WHERE id = ?`,
		t.Name, t.Position, t.Directory, t.ID,
	)
	if err != nil {
		return fmt.Errorf("update terminal tab %s: %w", t.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("update terminal tab %s: %w", t.ID, sql.ErrNoRows)
	}
	return nil
}

// DeleteTab removes a tab row. Member sessions must already be gone.
func (d *DB) DeleteTab(id string) error {
	if _, err := d.Run(`DELETE FROM terminal_tabs WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete terminal tab %s: %w", id, err)
	}
	return nil
}

// GetTab returns a tab, or nil if it doesn't exist
func (d *DB) GetTab(id string) (*TerminalTab, error) {
	return SelectOne(d,
		`SELECT id, name, position, directory, created_at FROM terminal_tabs WHERE id = ?`,
		[]QueryParam{id},
		func(row *sql.Row) (TerminalTab, error) { return scanTab(row) },
	)
}

// ListTabs returns all tabs in display order
func (d *DB) ListTabs() ([]TerminalTab, error) {
	return Select(d,
		`SELECT id, name, position, directory, created_at FROM terminal_tabs
		 ORDER BY position, created_at`,
		nil,
		func(rows *sql.Rows) (TerminalTab, error) { return scanTab(rows) },
	)
}

// SaveTabOrder renumbers tab positions to match ids, atomically
func (d *DB) SaveTabOrder(ids []string) error {
	return d.Transaction(func(tx *sql.Tx) error {
		for i, id := range ids {
			if _, err := tx.Exec(`UPDATE terminal_tabs SET position = ? WHERE id = ?`, i, id); err != nil {
				return fmt.Errorf("reorder terminal tab %s: %w", id, err)
			}
		}
		return nil
	})
}
