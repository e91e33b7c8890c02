package web

import (
	"archive/zip"
	"bytes"
	"database/sql"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/conorfennell/flowcards/internal/config"
	"github.com/conorfennell/flowcards/internal/domain"
	"github.com/conorfennell/flowcards/internal/pkgsource"
	"github.com/conorfennell/flowcards/internal/storage"
	"github.com/conorfennell/flowcards/internal/syncer"
)

func newTestServer(t *testing.T) (*httptest.Server, *storage.DB) {
	t.Helper()
	db, err := storage.Open(filepath.Join(t.TempDir(), "flowcards.db"))
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	srv := NewServer(db, syncer.NewService(db), pkgsource.NewManager(db, t.TempDir()), nil, config.Default())
	ts := httptest.NewServer(srv.Routes())
	t.Cleanup(ts.Close)
	return ts, db
}

func buildPackageFixture(t *testing.T) []byte {
	t.Helper()
	snapPath := filepath.Join(t.TempDir(), "collection.anki2")
	sdb, err := sql.Open("sqlite", snapPath)
	if err != nil {
		t.Fatalf("open snapshot: %v", err)
	}
	stmts := []string{
		`CREATE TABLE col (decks TEXT)`,
		`CREATE TABLE notes (id INTEGER PRIMARY KEY, flds TEXT)`,
		`CREATE TABLE cards (id INTEGER PRIMARY KEY, nid INTEGER, did INTEGER)`,
		`INSERT INTO col (decks) VALUES ('{"1": {"name": "Uploaded"}}')`,
		"INSERT INTO notes (id, flds) VALUES (100, 'front\x1fback')",
		`INSERT INTO cards (id, nid, did) VALUES (10, 100, 1)`,
	}
	for _, s := range stmts {
		if _, err := sdb.Exec(s); err != nil {
			t.Fatalf("build snapshot: %v", err)
		}
	}
	if err := sdb.Close(); err != nil {
		t.Fatal(err)
	}
	snap, err := os.ReadFile(snapPath)
	if err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.Create("collection.anki2")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := w.Write(snap); err != nil {
		t.Fatal(err)
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	payload, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func TestImportUploadFlow(t *testing.T) {
	ts, db := newTestServer(t)
	pkg := buildPackageFixture(t)

	var form bytes.Buffer
	mw := multipart.NewWriter(&form)
	fw, err := mw.CreateFormFile("package", "upload.apkg")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := fw.Write(pkg); err != nil {
		t.Fatal(err)
	}
	if err := mw.Close(); err != nil {
		t.Fatal(err)
	}

	resp, err := http.Post(ts.URL+"/api/import", mw.FormDataContentType(), &form)
	if err != nil {
		t.Fatalf("POST import: %v", err)
	}
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var accepted struct {
		Job string `json:"job"`
	}
	decodeBody(t, resp, &accepted)
	if accepted.Job == "" {
		t.Fatal("no job id returned")
	}

	// Poll until the background decode finishes.
	var progress Progress
	deadline := time.Now().Add(10 * time.Second)
	for {
		resp, err := http.Get(ts.URL + "/api/import/" + accepted.Job)
		if err != nil {
			t.Fatalf("GET progress: %v", err)
		}
		decodeBody(t, resp, &progress)
		if progress.Percent == 100 || time.Now().After(deadline) {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if progress.Stage != "complete" || progress.Decks != 1 {
		t.Fatalf("progress = %+v", progress)
	}

	decks, err := db.LoadDecks(LocalUser)
	if err != nil {
		t.Fatalf("LoadDecks: %v", err)
	}
	if len(decks) != 1 || decks[0].Name != "Uploaded" {
		t.Errorf("decks = %+v", decks)
	}
}

func TestStudyFlow(t *testing.T) {
	ts, db := newTestServer(t)
	if err := db.SaveDecks(LocalUser, []domain.Deck{
		{ID: 1, Name: "Anatomy", Cards: []domain.Card{{ID: 10, DeckID: 1, Front: "q", Back: "a"}}},
	}); err != nil {
		t.Fatal(err)
	}

	t.Run("grading with zero interval makes the card due", func(t *testing.T) {
		resp := postJSON(t, ts.URL+"/api/cards/grade", map[string]any{"deckId": 1, "cardId": 10, "interval": 0})
		resp.Body.Close()
		if resp.StatusCode != http.StatusNoContent {
			t.Fatalf("status = %d", resp.StatusCode)
		}

		get, err := http.Get(ts.URL + "/api/review")
		if err != nil {
			t.Fatal(err)
		}
		var review struct {
			Deck domain.Deck `json:"deck"`
			Due  int         `json:"due"`
		}
		decodeBody(t, get, &review)
		if review.Due != 1 || review.Deck.ID != domain.ReviewDeckID {
			t.Errorf("review = %+v", review)
		}
	})

	t.Run("flip records a study log without rescheduling", func(t *testing.T) {
		resp := postJSON(t, ts.URL+"/api/cards/flip", map[string]any{"deckId": 1, "cardId": 10})
		resp.Body.Close()
		if resp.StatusCode != http.StatusNoContent {
			t.Fatalf("status = %d", resp.StatusCode)
		}
		logs, err := db.GetStudyLogs(LocalUser)
		if err != nil {
			t.Fatal(err)
		}
		if len(logs) != 1 || !logs[0].Contains(10) {
			t.Errorf("logs = %+v", logs)
		}
	})

	t.Run("deck list reports card counts", func(t *testing.T) {
		resp, err := http.Get(ts.URL + "/api/decks")
		if err != nil {
			t.Fatal(err)
		}
		var decks []deckSummary
		decodeBody(t, resp, &decks)
		if len(decks) != 1 || decks[0].CardCount != 1 {
			t.Errorf("decks = %+v", decks)
		}
	})

	t.Run("deleting the deck removes it", func(t *testing.T) {
		req, _ := http.NewRequest(http.MethodDelete, ts.URL+"/api/decks/1", nil)
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusNoContent {
			t.Fatalf("status = %d", resp.StatusCode)
		}
		decks, _ := db.LoadDecks(LocalUser)
		if len(decks) != 0 {
			t.Errorf("decks = %+v", decks)
		}
	})
}

func TestBookmarkEndpoints(t *testing.T) {
	ts, _ := newTestServer(t)

	var folder domain.BookmarkFolder
	resp := postJSON(t, ts.URL+"/api/folders", map[string]string{"name": "Favorites"})
	decodeBody(t, resp, &folder)
	if folder.ID == "" {
		t.Fatal("no folder id assigned")
	}

	var bookmark domain.Bookmark
	resp = postJSON(t, ts.URL+"/api/bookmarks", map[string]any{
		"folderId": folder.ID,
		"card":     map[string]any{"id": 10, "front": "q", "back": "a"},
		"deckName": "Anatomy",
	})
	decodeBody(t, resp, &bookmark)
	if bookmark.ID == "" || bookmark.CreatedAt == 0 {
		t.Fatalf("bookmark = %+v", bookmark)
	}

	get, err := http.Get(fmt.Sprintf("%s/api/bookmarks?folder=%s", ts.URL, folder.ID))
	if err != nil {
		t.Fatal(err)
	}
	var listed []domain.Bookmark
	decodeBody(t, get, &listed)
	if len(listed) != 1 || listed[0].DeckName != "Anatomy" {
		t.Errorf("listed = %+v", listed)
	}

	req, _ := http.NewRequest(http.MethodDelete, ts.URL+"/api/folders/"+folder.ID, nil)
	del, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	del.Body.Close()

	get, err = http.Get(ts.URL + "/api/bookmarks")
	if err != nil {
		t.Fatal(err)
	}
	listed = nil
	decodeBody(t, get, &listed)
	if len(listed) != 0 {
		t.Errorf("folder delete did not cascade: %+v", listed)
	}
}

func TestSettingsEndpoints(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, err := http.Get(ts.URL + "/api/settings")
	if err != nil {
		t.Fatal(err)
	}
	var settings domain.Settings
	decodeBody(t, resp, &settings)
	if settings.Provider != domain.ProviderOpenAI {
		t.Errorf("defaults = %+v", settings)
	}

	put, _ := http.NewRequest(http.MethodPut, ts.URL+"/api/settings",
		bytes.NewReader([]byte(`{"provider":"perplexity","model":"sonar"}`)))
	put.Header.Set("Content-Type", "application/json")
	putResp, err := http.DefaultClient.Do(put)
	if err != nil {
		t.Fatal(err)
	}
	putResp.Body.Close()

	resp, err = http.Get(ts.URL + "/api/settings")
	if err != nil {
		t.Fatal(err)
	}
	decodeBody(t, resp, &settings)
	if settings.Provider != domain.ProviderPerplexity || settings.Model != "sonar" {
		t.Errorf("settings = %+v", settings)
	}
}

func TestAuthUnavailableWithoutRemote(t *testing.T) {
	ts, _ := newTestServer(t)
	resp := postJSON(t, ts.URL+"/api/register", map[string]string{"email": "a@b.com", "password": "password123"})
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503 when no remote is configured", resp.StatusCode)
	}
}

func TestSyncRequiresRemoteConfig(t *testing.T) {
	ts, _ := newTestServer(t)
	resp := postJSON(t, ts.URL+"/api/sync", map[string]string{})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400 without remote config", resp.StatusCode)
	}
}

func TestExportEndpoint(t *testing.T) {
	ts, db := newTestServer(t)
	if err := db.SaveDecks(LocalUser, []domain.Deck{{ID: 1, Name: "D", Cards: []domain.Card{{ID: 10}}}}); err != nil {
		t.Fatal(err)
	}
	resp, err := http.Get(ts.URL + "/api/export")
	if err != nil {
		t.Fatal(err)
	}
	var snap domain.SyncSnapshot
	decodeBody(t, resp, &snap)
	if snap.Username != LocalUser || len(snap.Decks) != 1 {
		t.Errorf("snapshot = %+v", snap)
	}
}
