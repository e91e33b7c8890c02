package apkg

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite" // Registers the sqlite driver
)

// sqliteMagic is the 15-byte header every valid snapshot must start with.
const sqliteMagic = "SQLite format 3"

// validSnapshot reports whether the blob looks like a relational
// snapshot. The returned reason explains a rejection.
func validSnapshot(data []byte) (bool, string) {
	if len(data) < len(sqliteMagic) {
		return false, fmt.Sprintf("entry is %d bytes, shorter than the %d-byte database header", len(data), len(sqliteMagic))
	}
	if string(data[:len(sqliteMagic)]) != sqliteMagic {
		return false, "entry does not start with the database magic header"
	}
	return true, ""
}

// snapshot is the embedded relational engine over an extracted collection
// database. The snapshot bytes are staged to a temp file because the
// engine opens by path; the file is removed on close.
type snapshot struct {
	db   *sql.DB
	path string
}

// openSnapshot validates and loads snapshot bytes into a read-only
// engine. Failures carry a precise diagnostic: a partially extracted or
// corrupt snapshot is a common real-world failure worth surfacing.
func openSnapshot(data []byte) (*snapshot, error) {
	if ok, reason := validSnapshot(data); !ok {
		return nil, fmt.Errorf("invalid collection snapshot: %s", reason)
	}

	dir, err := os.MkdirTemp("", "flowcards-apkg-")
	if err != nil {
		return nil, fmt.Errorf("failed to stage snapshot: %w", err)
	}
	path := filepath.Join(dir, "collection.sqlite")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		os.RemoveAll(dir)
		return nil, fmt.Errorf("failed to stage snapshot: %w", err)
	}

	db, err := sql.Open("sqlite", "file:"+path+"?mode=ro&immutable=1")
	if err != nil {
		os.RemoveAll(dir)
		return nil, fmt.Errorf("failed to initialize snapshot engine: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		os.RemoveAll(dir)
		return nil, fmt.Errorf("failed to initialize snapshot engine: %w", err)
	}

	return &snapshot{db: db, path: path}, nil
}

// close tolerates failures: the archive handle and staging dir must be
// released on every exit path.
func (s *snapshot) close() {
	if s.db != nil {
		s.db.Close()
	}
	os.RemoveAll(filepath.Dir(s.path))
}

// deckDefinitions reads the deck id→metadata mapping from the col table.
func (s *snapshot) deckDefinitions() (map[int64]string, error) {
	var decksJSON string
	err := s.db.QueryRow(`SELECT decks FROM col`).Scan(&decksJSON)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf(`database "col" table is empty`)
	}
	if err != nil {
		return nil, fmt.Errorf(`database "col" table is missing: %w`, err)
	}

	var raw map[string]struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal([]byte(decksJSON), &raw); err != nil {
		return nil, fmt.Errorf("failed to decode deck definitions: %w", err)
	}

	decks := make(map[int64]string, len(raw))
	for idStr, meta := range raw {
		var id int64
		if _, err := fmt.Sscanf(idStr, "%d", &id); err != nil {
			continue // non-numeric deck key, skip
		}
		decks[id] = meta.Name
	}
	return decks, nil
}

// noteRow is one card joined with its owning note's raw field payload.
type noteRow struct {
	cardID int64
	noteID int64
	fields string
}

// cardsForDeck queries all cards and note payloads belonging to a deck.
func (s *snapshot) cardsForDeck(deckID int64) ([]noteRow, error) {
	rows, err := s.db.Query(`
		SELECT c.id, c.nid, n.flds
		FROM cards c
		JOIN notes n ON c.nid = n.id
		WHERE c.did = ?
	`, deckID)
	if err != nil {
		return nil, fmt.Errorf("failed to query cards for deck %d: %w", deckID, err)
	}
	defer rows.Close()

	var out []noteRow
	for rows.Next() {
		var r noteRow
		if err := rows.Scan(&r.cardID, &r.noteID, &r.fields); err != nil {
			return nil, fmt.Errorf("failed to scan card row for deck %d: %w", deckID, err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// fieldSeparator delimits the fields of a note's payload.
const fieldSeparator = "\x1f"

// splitFields splits a note payload into its fields.
func splitFields(payload string) []string {
	return strings.Split(payload, fieldSeparator)
}
