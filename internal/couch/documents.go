package couch

import (
	"encoding/json"
	"fmt"
	"hash/fnv"
	"strings"

	"github.com/conorfennell/flowcards/internal/domain"
)

// SanitizeUsername maps an account name to a document-key-safe form:
// lowercased, with every character outside [a-z0-9] replaced by an
// underscore. Document keys derived from it stay stable across logins.
func SanitizeUsername(username string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(username) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	return b.String()
}

// Document key builders. Every per-user document is namespaced by the
// sanitized username so one database serves many accounts.
func deckDocID(username string, deckID int64) string {
	return fmt.Sprintf("deck_%s_%d", SanitizeUsername(username), deckID)
}

func deckChunkDocID(username string, deckID int64, chunk int) string {
	return fmt.Sprintf("deck_chunk_%s_%d_%d", SanitizeUsername(username), deckID, chunk)
}

// UserDocID is the manifest document key for an account.
func UserDocID(username string) string {
	return "user_" + SanitizeUsername(username)
}

// UserDoc is the per-account manifest. It is uploaded last during a
// sync so a reader never sees deck ids whose documents are not yet
// stored, and it doubles as the account record for authentication.
type UserDoc struct {
	ID           string               `json:"_id,omitempty"`
	Rev          string               `json:"_rev,omitempty"`
	Type         string               `json:"type"`
	Username     string               `json:"username"`
	PasswordHash string               `json:"passwordHash,omitempty"`
	DeckIDs      []int64              `json:"deckIds"`
	CardStatuses []domain.CardStatus  `json:"cardStatuses"`
	StudyLogs    []domain.StudyLog    `json:"studyLogs"`
	Folders      []domain.BookmarkFolder `json:"bookmarkFolders"`
	Bookmarks    []domain.Bookmark    `json:"bookmarks"`
	DeletedItems []domain.DeletedItem `json:"deletedItems"`
	Settings     *domain.Settings     `json:"settings,omitempty"`
	UpdatedAt    int64                `json:"updatedAt"`
}

// deckDoc is a stored deck. Small decks inline their cards; large ones
// set Chunked and list their chunk document ids in upload order, so a
// reader can enumerate the chunks without deriving keys itself.
type deckDoc struct {
	Rev         string        `json:"_rev,omitempty"`
	Type        string        `json:"type"`
	DeckID      int64         `json:"deckId"`
	Name        string        `json:"name"`
	Cards       []domain.Card `json:"cards,omitempty"`
	Chunked     bool          `json:"chunked,omitempty"`
	Chunks      []string      `json:"chunks,omitempty"`
	TotalCards  int           `json:"totalCards"`
	ContentHash string        `json:"contentHash"`
}

// deckChunkDoc holds one slice of a chunked deck's cards.
type deckChunkDoc struct {
	Rev   string        `json:"_rev,omitempty"`
	Type  string        `json:"type"`
	Cards []domain.Card `json:"cards"`
}

// contentHash fingerprints a deck's name and cards. Matching hashes let
// an upload skip decks the remote already holds unchanged.
func contentHash(deck domain.Deck) string {
	h := fnv.New64a()
	h.Write([]byte(deck.Name))
	for _, card := range deck.Cards {
		payload, _ := json.Marshal(card)
		h.Write(payload)
	}
	return fmt.Sprintf("%016x", h.Sum64())
}
