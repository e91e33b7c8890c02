package syncer

import (
	"context"
	"errors"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/conorfennell/flowcards/internal/couch"
	"github.com/conorfennell/flowcards/internal/domain"
	"github.com/conorfennell/flowcards/internal/storage"
)

func openTestDB(t *testing.T) *storage.DB {
	t.Helper()
	db, err := storage.Open(filepath.Join(t.TempDir(), "flowcards.db"))
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func seedUser(t *testing.T, db *storage.DB, username string) {
	t.Helper()
	decks := []domain.Deck{
		{ID: 1, Name: "Anatomy", Cards: []domain.Card{
			{ID: 10, NoteID: 100, DeckID: 1, Front: "q1", Back: "a1"},
			{ID: 11, NoteID: 101, DeckID: 1, Front: "q2", Back: "a2"},
		}},
	}
	if err := db.SaveDecks(username, decks); err != nil {
		t.Fatalf("seed decks: %v", err)
	}
	now := time.Date(2026, 8, 27, 10, 0, 0, 0, time.UTC)
	if err := db.ScheduleReview(username, 1, 10, 7, now); err != nil {
		t.Fatalf("seed status: %v", err)
	}
	if err := db.LogStudy(username, 10, now); err != nil {
		t.Fatalf("seed log: %v", err)
	}
	if err := db.SaveFolder(domain.BookmarkFolder{ID: "f1", Name: "Favorites", Username: username}); err != nil {
		t.Fatalf("seed folder: %v", err)
	}
	if err := db.SaveBookmark(domain.Bookmark{
		ID: "b1", Username: username, FolderID: "f1",
		Card: domain.Card{ID: 10, Front: "q1"}, DeckName: "Anatomy", CreatedAt: now.UnixMilli(),
	}); err != nil {
		t.Fatalf("seed bookmark: %v", err)
	}
	if err := db.SaveSettings(username, domain.DefaultSettings()); err != nil {
		t.Fatalf("seed settings: %v", err)
	}
}

func TestExportImportFileRoundTrip(t *testing.T) {
	db := openTestDB(t)
	svc := NewService(db)
	seedUser(t, db, "alice")

	path := filepath.Join(t.TempDir(), "export.json")
	if err := svc.ExportToFile("alice", path); err != nil {
		t.Fatalf("ExportToFile: %v", err)
	}

	// Replace-import into a fresh account must reproduce the state.
	if err := svc.ImportFromFile("bob", path, ModeReplace); err != nil {
		t.Fatalf("ImportFromFile: %v", err)
	}

	aliceDecks, _ := db.LoadDecks("alice")
	bobDecks, err := db.LoadDecks("bob")
	if err != nil {
		t.Fatalf("LoadDecks: %v", err)
	}
	if !reflect.DeepEqual(aliceDecks, bobDecks) {
		t.Errorf("decks differ after round trip:\n%+v\n%+v", aliceDecks, bobDecks)
	}

	status, err := db.GetCardStatus("bob", 1, 10)
	if err != nil || status == nil {
		t.Fatalf("status missing after import: %v", err)
	}
	logs, _ := db.GetStudyLogs("bob")
	if len(logs) != 1 || !logs[0].Contains(10) {
		t.Errorf("logs = %+v", logs)
	}
	bookmarks, _ := db.GetBookmarks("bob", "")
	if len(bookmarks) != 1 || bookmarks[0].ID != "b1" {
		t.Errorf("bookmarks = %+v", bookmarks)
	}
	settings, _ := db.LoadSettings("bob")
	if settings == nil || settings.Provider != domain.ProviderOpenAI {
		t.Errorf("settings = %+v", settings)
	}
}

func TestImportMergePreservesLocalData(t *testing.T) {
	db := openTestDB(t)
	svc := NewService(db)
	seedUser(t, db, "alice")

	incoming := domain.SyncSnapshot{
		Decks: []domain.Deck{{ID: 2, Name: "Pharm", Cards: []domain.Card{{ID: 20, Front: "q", Back: "a"}}}},
	}
	if err := svc.Import("alice", incoming, ModeMerge); err != nil {
		t.Fatalf("Import: %v", err)
	}
	decks, err := db.LoadDecks("alice")
	if err != nil {
		t.Fatalf("LoadDecks: %v", err)
	}
	if len(decks) != 2 {
		t.Errorf("got %d decks, want local deck kept plus incoming", len(decks))
	}
}

// fakeRemote is an in-memory Remote with optional blocking for the
// single-flight test.
type fakeRemote struct {
	manifest *couch.UserDoc
	decks    []domain.Deck

	uploaded      *couch.UserDoc
	uploadedDecks []domain.Deck
	block         chan struct{}
}

func (f *fakeRemote) Ping(ctx context.Context) error {
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (f *fakeRemote) EnsureDatabase(ctx context.Context) error { return nil }

func (f *fakeRemote) GetUserDoc(ctx context.Context, username string) (*couch.UserDoc, error) {
	return f.manifest, nil
}

func (f *fakeRemote) DownloadDecks(ctx context.Context, username string) (*couch.UserDoc, []domain.Deck, error) {
	return f.manifest, f.decks, nil
}

func (f *fakeRemote) UploadDecks(ctx context.Context, manifest couch.UserDoc, decks []domain.Deck) error {
	f.uploaded = &manifest
	f.uploadedDecks = decks
	return nil
}

func TestSmartSync(t *testing.T) {
	db := openTestDB(t)
	svc := NewService(db)
	seedUser(t, db, "alice")

	staleTombstone := domain.DeletedItem{
		Username: "alice", Type: domain.DeletedDeck, ID: "99",
		DeletedAt: time.Now().Add(-60 * 24 * time.Hour).UnixMilli(),
	}
	remote := &fakeRemote{
		manifest: &couch.UserDoc{
			Type:         "user",
			Username:     "alice",
			PasswordHash: "$2a$10$hash",
			DeckIDs:      []int64{2},
			CardStatuses: []domain.CardStatus{{Username: "alice", DeckID: 2, CardID: 20, Status: domain.StatusCompleted}},
			StudyLogs:    []domain.StudyLog{{Username: "alice", Date: "2026-08-20", CardIDs: []int64{20}}},
			DeletedItems: []domain.DeletedItem{staleTombstone},
		},
		decks: []domain.Deck{{ID: 2, Name: "Pharm", Cards: []domain.Card{{ID: 20, DeckID: 2, Front: "q", Back: "a"}}}},
	}

	if err := svc.SmartSync(context.Background(), "alice", remote); err != nil {
		t.Fatalf("SmartSync: %v", err)
	}

	t.Run("remote decks land locally", func(t *testing.T) {
		decks, err := db.LoadDecks("alice")
		if err != nil {
			t.Fatalf("LoadDecks: %v", err)
		}
		if len(decks) != 2 {
			t.Errorf("got %d decks, want local and remote merged", len(decks))
		}
	})

	t.Run("merged state is uploaded", func(t *testing.T) {
		if remote.uploaded == nil {
			t.Fatal("nothing uploaded")
		}
		if len(remote.uploadedDecks) != 2 {
			t.Errorf("uploaded %d decks", len(remote.uploadedDecks))
		}
		if len(remote.uploaded.CardStatuses) != 2 {
			t.Errorf("uploaded statuses = %+v", remote.uploaded.CardStatuses)
		}
		if len(remote.uploaded.StudyLogs) != 2 {
			t.Errorf("uploaded logs = %+v", remote.uploaded.StudyLogs)
		}
	})

	t.Run("password hash survives the round trip", func(t *testing.T) {
		if remote.uploaded.PasswordHash != "$2a$10$hash" {
			t.Errorf("hash = %q", remote.uploaded.PasswordHash)
		}
	})

	t.Run("expired tombstones are not re-uploaded", func(t *testing.T) {
		for _, item := range remote.uploaded.DeletedItems {
			if item.ID == "99" {
				t.Error("tombstone older than the retention window was uploaded")
			}
		}
	})
}

func TestMergeKeepsRecreatedCard(t *testing.T) {
	db := openTestDB(t)
	svc := NewService(db)

	deck := domain.Deck{ID: 1, Name: "Anatomy", Cards: []domain.Card{{ID: 10, DeckID: 1, Front: "q1", Back: "a1"}}}
	if err := db.SaveDecks("alice", []domain.Deck{deck}); err != nil {
		t.Fatalf("SaveDecks: %v", err)
	}
	if err := db.DeleteCard("alice", 1, 10, time.Now()); err != nil {
		t.Fatalf("DeleteCard: %v", err)
	}
	// Re-importing the same package restores the card under its stable id.
	if err := db.SaveDecks("alice", []domain.Deck{deck}); err != nil {
		t.Fatalf("SaveDecks: %v", err)
	}

	if err := svc.Import("alice", domain.SyncSnapshot{}, ModeMerge); err != nil {
		t.Fatalf("Import: %v", err)
	}
	decks, err := db.LoadDecks("alice")
	if err != nil {
		t.Fatalf("LoadDecks: %v", err)
	}
	if len(decks) != 1 || len(decks[0].Cards) != 1 || decks[0].Cards[0].ID != 10 {
		t.Errorf("re-imported card was dropped by the merge: %+v", decks)
	}
}

func TestSmartSyncDeletionNotResurrected(t *testing.T) {
	db := openTestDB(t)
	svc := NewService(db)
	seedUser(t, db, "alice")

	// Locally delete deck 1 while the remote still carries it.
	if err := db.DeleteDeck("alice", 1, time.Now()); err != nil {
		t.Fatalf("DeleteDeck: %v", err)
	}
	remote := &fakeRemote{
		manifest: &couch.UserDoc{Type: "user", Username: "alice", DeckIDs: []int64{1}},
		decks:    []domain.Deck{{ID: 1, Name: "Anatomy", Cards: []domain.Card{{ID: 10, Front: "q1"}}}},
	}
	if err := svc.SmartSync(context.Background(), "alice", remote); err != nil {
		t.Fatalf("SmartSync: %v", err)
	}
	decks, err := db.LoadDecks("alice")
	if err != nil {
		t.Fatalf("LoadDecks: %v", err)
	}
	if len(decks) != 0 {
		t.Errorf("deleted deck came back from the remote: %+v", decks)
	}
	if len(remote.uploadedDecks) != 0 {
		t.Errorf("deleted deck re-uploaded: %+v", remote.uploadedDecks)
	}
}

func TestUploadDownloadCloud(t *testing.T) {
	db := openTestDB(t)
	svc := NewService(db)
	seedUser(t, db, "alice")

	remote := &fakeRemote{
		manifest: &couch.UserDoc{Type: "user", Username: "alice", PasswordHash: "$2a$10$hash"},
	}
	if err := svc.UploadToCloud(context.Background(), "alice", remote); err != nil {
		t.Fatalf("UploadToCloud: %v", err)
	}
	if remote.uploaded == nil || len(remote.uploadedDecks) != 1 {
		t.Fatalf("uploaded = %+v", remote.uploadedDecks)
	}
	if remote.uploaded.PasswordHash != "$2a$10$hash" {
		t.Errorf("hash not preserved: %q", remote.uploaded.PasswordHash)
	}

	// Replace-download into a fresh account.
	remote.manifest = remote.uploaded
	remote.decks = remote.uploadedDecks
	if err := svc.DownloadFromCloud(context.Background(), "bob", remote, ModeReplace); err != nil {
		t.Fatalf("DownloadFromCloud: %v", err)
	}
	decks, err := db.LoadDecks("bob")
	if err != nil {
		t.Fatalf("LoadDecks: %v", err)
	}
	if len(decks) != 1 || decks[0].Name != "Anatomy" {
		t.Errorf("decks = %+v", decks)
	}

	t.Run("download without remote data fails", func(t *testing.T) {
		err := svc.DownloadFromCloud(context.Background(), "carol", &fakeRemote{}, ModeReplace)
		if err == nil {
			t.Error("expected error for never-synced account")
		}
	})
}

func TestSmartSyncSingleFlight(t *testing.T) {
	db := openTestDB(t)
	svc := NewService(db)

	remote := &fakeRemote{block: make(chan struct{})}
	first := make(chan error, 1)
	go func() {
		first <- svc.SmartSync(context.Background(), "alice", remote)
	}()

	// Wait for the first sync to take the slot, then try a second one.
	deadline := time.After(2 * time.Second)
	for !svc.syncing.Load() {
		select {
		case <-deadline:
			t.Fatal("first sync never started")
		default:
			time.Sleep(time.Millisecond)
		}
	}
	if err := svc.SmartSync(context.Background(), "alice", &fakeRemote{}); !errors.Is(err, ErrSyncInFlight) {
		t.Errorf("got %v, want ErrSyncInFlight", err)
	}

	close(remote.block)
	if err := <-first; err != nil {
		t.Errorf("first sync failed: %v", err)
	}
}
