package domain

// Tombstone entity types.
const (
	DeletedDeck     = "deck"
	DeletedCard     = "card"
	DeletedBookmark = "bookmark"
)

// DeletedItem is a deletion tombstone. It lets the merge protocol tell
// "never existed" apart from "existed and was removed" when reconciling
// two replicas. Pruned after a retention window to bound growth.
type DeletedItem struct {
	Username  string `json:"username"`
	Type      string `json:"type"` // deck | card | bookmark
	ID        string `json:"id"`
	DeletedAt int64  `json:"deletedAt"` // epoch ms
}

// SyncSnapshot is the ephemeral full-export aggregate for one user.
// Produced by export, consumed by upload and by merge-on-download; it is
// never persisted as a unit.
type SyncSnapshot struct {
	Username        string           `json:"username"`
	Decks           []Deck           `json:"decks"`
	Settings        *Settings        `json:"settings"`
	StudyLogs       []StudyLog       `json:"studyLogs"`
	CardStatuses    []CardStatus     `json:"cardStatuses"`
	BookmarkFolders []BookmarkFolder `json:"bookmarkFolders"`
	Bookmarks       []Bookmark       `json:"bookmarks"`
	SyncTimestamp   int64            `json:"syncTimestamp"` // epoch ms
}
