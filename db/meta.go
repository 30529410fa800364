package db

import (
	"database/sql"
)

// GetMeta returns an app metadata value and whether it was set
func (d *DB) GetMeta(key string) (string, bool, error) {
	var value string
	err := d.conn.QueryRow("SELECT value FROM app_meta WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

// SetMeta updates or creates an app metadata value
func (d *DB) SetMeta(key, value string) error {
	_, err := d.conn.Exec(`
		INSERT INTO app_meta (key, value, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			updated_at = excluded.updated_at
	`, key, value, NowMs())
	return err
}
