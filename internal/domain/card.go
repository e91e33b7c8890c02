package domain

// Reserved deck ids. Synthetic decks are assembled in memory for a single
// study session and are never persisted.
const (
	// ReviewDeckID is the synthetic "today's review" aggregate deck.
	ReviewDeckID int64 = -999
	// PreviewDeckID is the synthetic single-card preview deck.
	PreviewDeckID int64 = -1
)

// Card is a single flashcard decoded from a package. IDs are assigned by
// the source package and are stable across re-imports of the same package,
// so review status keyed by (deckID, cardID) survives a re-import.
type Card struct {
	ID     int64  `json:"id"`
	NoteID int64  `json:"noteId"`
	DeckID int64  `json:"deckId"`
	Ord    int    `json:"ord"`
	Front  string `json:"front"`
	Back   string `json:"back"`
}

// Deck is a named collection of cards. MediaBlobs is only populated on
// decks freshly decoded from a package whose cards reference media; it is
// never persisted or synced.
type Deck struct {
	ID         int64             `json:"id"`
	Name       string            `json:"name"`
	Cards      []Card            `json:"cards"`
	MediaBlobs map[string][]byte `json:"-"`
}

// Synthetic reports whether the deck id is one of the reserved in-memory
// deck ids that must never be written to the store.
func (d Deck) Synthetic() bool {
	return d.ID == ReviewDeckID || d.ID == PreviewDeckID
}
