package storage

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/conorfennell/flowcards/internal/domain"
)

func putTombstone(tx *sql.Tx, username, typ, id string, now time.Time) error {
	_, err := tx.Exec(`
		INSERT INTO deleted_items (username, type, id, deleted_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(username, type, id) DO UPDATE SET deleted_at = excluded.deleted_at
	`, username, typ, id, now.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to record tombstone %s/%s: %w", typ, id, err)
	}
	return nil
}

// clearTombstone drops the tombstone for a re-created entity. Without
// this, a deck re-imported after deletion would be deleted again by the
// next merge: card and deck ids are stable across re-imports of the
// same package.
func clearTombstone(tx *sql.Tx, username, typ, id string) error {
	_, err := tx.Exec(`DELETE FROM deleted_items WHERE username = ? AND type = ? AND id = ?`,
		username, typ, id)
	if err != nil {
		return fmt.Errorf("failed to clear tombstone %s/%s: %w", typ, id, err)
	}
	return nil
}

// MarkAsDeleted records a tombstone outside of a cascade.
func (db *DB) MarkAsDeleted(username, typ, id string, now time.Time) error {
	return db.withTx(func(tx *sql.Tx) error {
		return putTombstone(tx, username, typ, id, now)
	})
}

// GetDeletedItems returns the user's tombstones.
func (db *DB) GetDeletedItems(username string) ([]domain.DeletedItem, error) {
	rows, err := db.conn.Query(`SELECT username, type, id, deleted_at FROM deleted_items WHERE username = ?`, username)
	if err != nil {
		return nil, fmt.Errorf("failed to get deleted items: %w", err)
	}
	defer rows.Close()

	var items []domain.DeletedItem
	for rows.Next() {
		var item domain.DeletedItem
		if err := rows.Scan(&item.Username, &item.Type, &item.ID, &item.DeletedAt); err != nil {
			return nil, fmt.Errorf("failed to scan deleted item row: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// PruneDeletedItems removes the user's tombstones older than maxAge,
// bounding store growth. Merge only trusts tombstones within this window.
func (db *DB) PruneDeletedItems(username string, maxAge time.Duration, now time.Time) error {
	cutoff := now.Add(-maxAge).UnixMilli()
	_, err := db.conn.Exec(`DELETE FROM deleted_items WHERE username = ? AND deleted_at < ?`, username, cutoff)
	if err != nil {
		return fmt.Errorf("failed to prune deleted items: %w", err)
	}
	return nil
}
