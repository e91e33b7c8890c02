package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/conorfennell/flowcards/internal/domain"
)

// SaveSettings upserts the user's settings row.
func (db *DB) SaveSettings(username string, settings domain.Settings) error {
	settings.Username = username
	blob, err := json.Marshal(settings)
	if err != nil {
		return fmt.Errorf("failed to encode settings: %w", err)
	}
	_, err = db.conn.Exec(`
		INSERT INTO settings (username, data) VALUES (?, ?)
		ON CONFLICT(username) DO UPDATE SET data = excluded.data
	`, username, string(blob))
	if err != nil {
		return fmt.Errorf("failed to save settings: %w", err)
	}
	return nil
}

// LoadSettings returns the user's settings, or nil if none are stored.
func (db *DB) LoadSettings(username string) (*domain.Settings, error) {
	var blob string
	err := db.conn.QueryRow(`SELECT data FROM settings WHERE username = ?`, username).Scan(&blob)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load settings: %w", err)
	}
	var settings domain.Settings
	if err := json.Unmarshal([]byte(blob), &settings); err != nil {
		return nil, fmt.Errorf("failed to decode settings: %w", err)
	}
	return &settings, nil
}
