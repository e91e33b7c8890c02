package domain

// BookmarkFolder groups bookmarks. IDs are client-generated UUIDs.
type BookmarkFolder struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Username string `json:"username"`
}

// Bookmark is a saved card. The card content and deck name are
// denormalized copies so a bookmark survives deletion of its deck.
// A bookmark belongs to exactly one folder; deleting the folder cascades.
type Bookmark struct {
	ID        string `json:"id"`
	Username  string `json:"username"`
	FolderID  string `json:"folderId"`
	Card      Card   `json:"card"`
	DeckName  string `json:"deckName"`
	CreatedAt int64  `json:"createdAt"` // epoch ms
}
