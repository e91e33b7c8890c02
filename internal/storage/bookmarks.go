package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/conorfennell/flowcards/internal/domain"
)

// SaveFolder upserts a bookmark folder, clearing any tombstone under
// the same id.
func (db *DB) SaveFolder(folder domain.BookmarkFolder) error {
	return db.withTx(func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			INSERT INTO bookmark_folders (id, username, name) VALUES (?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET username = excluded.username, name = excluded.name
		`, folder.ID, folder.Username, folder.Name)
		if err != nil {
			return fmt.Errorf("failed to save folder %s: %w", folder.ID, err)
		}
		return clearTombstone(tx, folder.Username, domain.DeletedBookmark, folder.ID)
	})
}

// GetFolders returns the user's bookmark folders.
func (db *DB) GetFolders(username string) ([]domain.BookmarkFolder, error) {
	rows, err := db.conn.Query(`SELECT id, username, name FROM bookmark_folders WHERE username = ?`, username)
	if err != nil {
		return nil, fmt.Errorf("failed to get folders: %w", err)
	}
	defer rows.Close()

	var folders []domain.BookmarkFolder
	for rows.Next() {
		var f domain.BookmarkFolder
		if err := rows.Scan(&f.ID, &f.Username, &f.Name); err != nil {
			return nil, fmt.Errorf("failed to scan folder row: %w", err)
		}
		folders = append(folders, f)
	}
	return folders, rows.Err()
}

// DeleteFolder removes the folder, cascades to every bookmark in it, and
// writes one tombstone for the folder only. Atomic.
func (db *DB) DeleteFolder(username, folderID string, now time.Time) error {
	return db.withTx(func(tx *sql.Tx) error {
		if _, err := tx.Exec(`DELETE FROM bookmark_folders WHERE id = ? AND username = ?`, folderID, username); err != nil {
			return fmt.Errorf("failed to delete folder %s: %w", folderID, err)
		}
		if _, err := tx.Exec(`DELETE FROM bookmarks WHERE folder_id = ? AND username = ?`, folderID, username); err != nil {
			return fmt.Errorf("failed to delete bookmarks in folder %s: %w", folderID, err)
		}
		return putTombstone(tx, username, domain.DeletedBookmark, folderID, now)
	})
}

// SaveBookmark upserts a bookmark, clearing any tombstone under the
// same id.
func (db *DB) SaveBookmark(b domain.Bookmark) error {
	card, err := json.Marshal(b.Card)
	if err != nil {
		return fmt.Errorf("failed to encode card for bookmark %s: %w", b.ID, err)
	}
	return db.withTx(func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			INSERT INTO bookmarks (id, username, folder_id, card, deck_name, created_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET username = excluded.username,
				folder_id = excluded.folder_id, card = excluded.card,
				deck_name = excluded.deck_name, created_at = excluded.created_at
		`, b.ID, b.Username, b.FolderID, string(card), b.DeckName, b.CreatedAt)
		if err != nil {
			return fmt.Errorf("failed to save bookmark %s: %w", b.ID, err)
		}
		return clearTombstone(tx, b.Username, domain.DeletedBookmark, b.ID)
	})
}

// GetBookmarks returns the user's bookmarks, newest first. With a
// non-empty folderID it returns only that folder's bookmarks.
func (db *DB) GetBookmarks(username, folderID string) ([]domain.Bookmark, error) {
	query := `SELECT id, username, folder_id, card, deck_name, created_at FROM bookmarks WHERE username = ?`
	args := []any{username}
	if folderID != "" {
		query += ` AND folder_id = ?`
		args = append(args, folderID)
	}
	rows, err := db.conn.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to get bookmarks: %w", err)
	}
	defer rows.Close()

	var bookmarks []domain.Bookmark
	for rows.Next() {
		var b domain.Bookmark
		var card string
		if err := rows.Scan(&b.ID, &b.Username, &b.FolderID, &card, &b.DeckName, &b.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan bookmark row: %w", err)
		}
		if err := json.Unmarshal([]byte(card), &b.Card); err != nil {
			return nil, fmt.Errorf("failed to decode card for bookmark %s: %w", b.ID, err)
		}
		bookmarks = append(bookmarks, b)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sort.Slice(bookmarks, func(i, j int) bool { return bookmarks[i].CreatedAt > bookmarks[j].CreatedAt })
	return bookmarks, nil
}

// DeleteBookmark removes one bookmark and writes one tombstone. Atomic.
func (db *DB) DeleteBookmark(username, bookmarkID string, now time.Time) error {
	return db.withTx(func(tx *sql.Tx) error {
		if _, err := tx.Exec(`DELETE FROM bookmarks WHERE id = ? AND username = ?`, bookmarkID, username); err != nil {
			return fmt.Errorf("failed to delete bookmark %s: %w", bookmarkID, err)
		}
		return putTombstone(tx, username, domain.DeletedBookmark, bookmarkID, now)
	})
}

// ReplaceFolders deletes the user's folders and installs the given set.
func (db *DB) ReplaceFolders(username string, folders []domain.BookmarkFolder) error {
	return db.withTx(func(tx *sql.Tx) error {
		if _, err := tx.Exec(`DELETE FROM bookmark_folders WHERE username = ?`, username); err != nil {
			return fmt.Errorf("failed to clear folders: %w", err)
		}
		for _, f := range folders {
			if _, err := tx.Exec(`
				INSERT INTO bookmark_folders (id, username, name) VALUES (?, ?, ?)
				ON CONFLICT(id) DO UPDATE SET username = excluded.username, name = excluded.name
			`, f.ID, f.Username, f.Name); err != nil {
				return fmt.Errorf("failed to insert folder %s: %w", f.ID, err)
			}
		}
		return nil
	})
}

// ReplaceBookmarks deletes the user's bookmarks and installs the given set.
func (db *DB) ReplaceBookmarks(username string, bookmarks []domain.Bookmark) error {
	return db.withTx(func(tx *sql.Tx) error {
		if _, err := tx.Exec(`DELETE FROM bookmarks WHERE username = ?`, username); err != nil {
			return fmt.Errorf("failed to clear bookmarks: %w", err)
		}
		for _, b := range bookmarks {
			card, err := json.Marshal(b.Card)
			if err != nil {
				return fmt.Errorf("failed to encode card for bookmark %s: %w", b.ID, err)
			}
			if _, err := tx.Exec(`
				INSERT INTO bookmarks (id, username, folder_id, card, deck_name, created_at)
				VALUES (?, ?, ?, ?, ?, ?)
				ON CONFLICT(id) DO UPDATE SET username = excluded.username,
					folder_id = excluded.folder_id, card = excluded.card,
					deck_name = excluded.deck_name, created_at = excluded.created_at
			`, b.ID, b.Username, b.FolderID, string(card), b.DeckName, b.CreatedAt); err != nil {
				return fmt.Errorf("failed to insert bookmark %s: %w", b.ID, err)
			}
		}
		return nil
	})
}
