package storage

// Schema migrations, one per historical schema version. Migrations are
// additive only: a version bump appends create statements and never
// destroys existing partitions. The current version is len(migrations).
var migrations = []string{
	// v1: decks, partitioned by owning user. Card content is stored as a
	// JSON document per deck, matching the unit of import and sync.
	`CREATE TABLE IF NOT EXISTS decks (
		username TEXT NOT NULL,
		id INTEGER NOT NULL,
		name TEXT NOT NULL,
		cards TEXT NOT NULL DEFAULT '[]',
		PRIMARY KEY (username, id)
	);`,

	// v2: per-user settings document.
	`CREATE TABLE IF NOT EXISTS settings (
		username TEXT PRIMARY KEY,
		data TEXT NOT NULL
	);`,

	// v3: per-day study logs.
	`CREATE TABLE IF NOT EXISTS study_logs (
		username TEXT NOT NULL,
		date TEXT NOT NULL,
		card_ids TEXT NOT NULL DEFAULT '[]',
		PRIMARY KEY (username, date)
	);`,

	// v4: per-card review status.
	`CREATE TABLE IF NOT EXISTS card_status (
		username TEXT NOT NULL,
		deck_id INTEGER NOT NULL,
		card_id INTEGER NOT NULL,
		status TEXT NOT NULL DEFAULT 'new',
		next_review_at INTEGER,
		PRIMARY KEY (username, deck_id, card_id)
	);`,

	// v5: bookmark folders.
	`CREATE TABLE IF NOT EXISTS bookmark_folders (
		id TEXT PRIMARY KEY,
		username TEXT NOT NULL,
		name TEXT NOT NULL
	);`,

	// v6: bookmarks, denormalized card copy so they survive deck deletion.
	`CREATE TABLE IF NOT EXISTS bookmarks (
		id TEXT PRIMARY KEY,
		username TEXT NOT NULL,
		folder_id TEXT NOT NULL,
		card TEXT NOT NULL,
		deck_name TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);`,

	// v7: deletion tombstones for merge reconciliation.
	`CREATE TABLE IF NOT EXISTS deleted_items (
		username TEXT NOT NULL,
		type TEXT NOT NULL,
		id TEXT NOT NULL,
		deleted_at INTEGER NOT NULL,
		PRIMARY KEY (username, type, id)
	);`,

	// v8: package sources, a local directory or git URL scanned for
	// importable packages.
	`CREATE TABLE IF NOT EXISTS sources (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		path TEXT NOT NULL UNIQUE,
		type TEXT NOT NULL DEFAULT 'local',
		last_scanned DATETIME
	);`,
}

// SchemaVersion is the current schema version recorded in user_version.
// It must equal len(migrations); Open enforces this.
const SchemaVersion = 8
