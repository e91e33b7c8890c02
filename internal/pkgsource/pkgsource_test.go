package pkgsource

import (
	"archive/zip"
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"testing"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"

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

// writePackage builds a one-deck package file at path.
func writePackage(t *testing.T, path string) {
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
		`INSERT INTO col (decks) VALUES ('{"1": {"name": "Imported"}}')`,
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

	out, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	zw := zip.NewWriter(out)
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
	if err := out.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestScanLocalDirectory(t *testing.T) {
	db := openTestDB(t)
	m := NewManager(db, t.TempDir())

	src := t.TempDir()
	writePackage(t, filepath.Join(src, "medicine.apkg"))
	if err := os.WriteFile(filepath.Join(src, "notes.txt"), []byte("x"), 0o600); err != nil {
		t.Fatal(err)
	}

	if _, err := m.Add(src, TypeDir); err != nil {
		t.Fatalf("Add: %v", err)
	}

	files, err := m.Scan(context.Background())
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(files) != 1 || filepath.Base(files[0].Path) != "medicine.apkg" {
		t.Errorf("files = %+v", files)
	}

	sources, err := db.GetAllSources()
	if err != nil {
		t.Fatalf("GetAllSources: %v", err)
	}
	if len(sources) != 1 || !sources[0].LastScanned.Valid {
		t.Errorf("scan timestamp not recorded: %+v", sources)
	}
}

func TestScanGitSource(t *testing.T) {
	db := openTestDB(t)
	checkouts := t.TempDir()
	m := NewManager(db, checkouts)

	// A local repository stands in for the remote.
	upstream := t.TempDir()
	repo, err := git.PlainInit(upstream, false)
	if err != nil {
		t.Fatalf("init repo: %v", err)
	}
	writePackage(t, filepath.Join(upstream, "shared.apkg"))
	wt, err := repo.Worktree()
	if err != nil {
		t.Fatal(err)
	}
	if _, err := wt.Add("shared.apkg"); err != nil {
		t.Fatal(err)
	}
	_, err = wt.Commit("add deck package", &git.CommitOptions{
		Author: &object.Signature{Name: "test", Email: "test@example.com", When: time.Now()},
	})
	if err != nil {
		t.Fatalf("commit: %v", err)
	}

	if _, err := m.Add(upstream, TypeGit); err != nil {
		t.Fatalf("Add: %v", err)
	}

	files, err := m.Scan(context.Background())
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(files) != 1 || filepath.Base(files[0].Path) != "shared.apkg" {
		t.Fatalf("files = %+v", files)
	}

	// Second scan pulls the existing checkout instead of recloning.
	files, err = m.Scan(context.Background())
	if err != nil {
		t.Fatalf("second Scan: %v", err)
	}
	if len(files) != 1 {
		t.Errorf("second scan files = %+v", files)
	}
}

func TestImportAll(t *testing.T) {
	db := openTestDB(t)
	m := NewManager(db, t.TempDir())

	src := t.TempDir()
	writePackage(t, filepath.Join(src, "good.apkg"))
	// A broken package must be skipped, not fail the run.
	if err := os.WriteFile(filepath.Join(src, "broken.apkg"), []byte("not a zip"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Add(src, TypeDir); err != nil {
		t.Fatalf("Add: %v", err)
	}

	imported, err := m.ImportAll(context.Background(), "alice")
	if err != nil {
		t.Fatalf("ImportAll: %v", err)
	}
	if imported != 1 {
		t.Errorf("imported = %d, want 1", imported)
	}

	decks, err := db.LoadDecks("alice")
	if err != nil {
		t.Fatalf("LoadDecks: %v", err)
	}
	if len(decks) != 1 || decks[0].Name != "Imported" || len(decks[0].Cards) != 1 {
		t.Errorf("decks = %+v", decks)
	}
}
