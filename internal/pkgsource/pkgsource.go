// Package pkgsource manages registered card-package sources: git
// repositories and local directories that are scanned for package files
// and imported in bulk.
package pkgsource

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	git "github.com/go-git/go-git/v5"

	"github.com/conorfennell/flowcards/internal/apkg"
	"github.com/conorfennell/flowcards/internal/domain"
	"github.com/conorfennell/flowcards/internal/storage"
)

// Source types.
const (
	TypeGit = "git"
	TypeDir = "local"
)

const packageExt = ".apkg"

// Manager syncs registered sources and imports the packages they hold.
type Manager struct {
	db  *storage.DB
	dir string // checkout root for git sources
}

func NewManager(db *storage.DB, dir string) *Manager {
	return &Manager{db: db, dir: dir}
}

// Add registers a source and returns its id. Git sources are cloned on
// the next scan.
func (m *Manager) Add(path, typ string) (int64, error) {
	if typ != TypeGit && typ != TypeDir {
		return 0, fmt.Errorf("unknown source type %q", typ)
	}
	return m.db.InsertSource(path, typ)
}

// PackageFile is one discovered package.
type PackageFile struct {
	SourceID int64
	Path     string
}

// Scan refreshes every registered source and returns the package files
// found. A failing source is logged and skipped; one unreachable remote
// must not block the others.
func (m *Manager) Scan(ctx context.Context) ([]PackageFile, error) {
	sources, err := m.db.GetAllSources()
	if err != nil {
		return nil, err
	}

	var found []PackageFile
	for _, src := range sources {
		root, err := m.refresh(ctx, src)
		if err != nil {
			slog.Warn("failed to refresh source, skipping", "source", src.Path, "error", err)
			continue
		}
		files, err := findPackages(root)
		if err != nil {
			slog.Warn("failed to scan source, skipping", "source", src.Path, "error", err)
			continue
		}
		for _, f := range files {
			found = append(found, PackageFile{SourceID: src.ID, Path: f})
		}
		if err := m.db.UpdateSourceLastScanned(src.ID, time.Now()); err != nil {
			return nil, err
		}
	}
	return found, nil
}

// refresh brings a source's working tree up to date and returns its
// root directory.
func (m *Manager) refresh(ctx context.Context, src storage.Source) (string, error) {
	if src.Type == TypeDir {
		return src.Path, nil
	}

	checkout := filepath.Join(m.dir, fmt.Sprintf("src-%d", src.ID))
	repo, err := git.PlainOpen(checkout)
	if errors.Is(err, git.ErrRepositoryNotExists) {
		if _, err := git.PlainCloneContext(ctx, checkout, false, &git.CloneOptions{
			URL: src.Path,
		}); err != nil {
			return "", fmt.Errorf("failed to clone %s: %w", src.Path, err)
		}
		return checkout, nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to open checkout for %s: %w", src.Path, err)
	}

	wt, err := repo.Worktree()
	if err != nil {
		return "", fmt.Errorf("failed to open worktree for %s: %w", src.Path, err)
	}
	err = wt.PullContext(ctx, &git.PullOptions{RemoteName: "origin"})
	if err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
		return "", fmt.Errorf("failed to pull %s: %w", src.Path, err)
	}
	return checkout, nil
}

func findPackages(root string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if d.Name() == ".git" {
				return filepath.SkipDir
			}
			return nil
		}
		if strings.EqualFold(filepath.Ext(path), packageExt) {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk %s: %w", root, err)
	}
	return files, nil
}

// ImportAll scans every source and imports each discovered package into
// the user's store, streaming decks as they decode. Broken packages are
// logged and skipped. Returns the number of decks imported.
func (m *Manager) ImportAll(ctx context.Context, username string) (int, error) {
	files, err := m.Scan(ctx)
	if err != nil {
		return 0, err
	}

	imported := 0
	for _, pkg := range files {
		n, err := m.importPackage(ctx, username, pkg.Path)
		if err != nil {
			slog.Warn("failed to import package, skipping", "package", pkg.Path, "error", err)
			continue
		}
		imported += n
	}
	return imported, nil
}

func (m *Manager) importPackage(ctx context.Context, username, path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("failed to open package: %w", err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return 0, fmt.Errorf("failed to stat package: %w", err)
	}

	count := 0
	err = apkg.DecodeStreaming(ctx, f, info.Size(), nil, func(ctx context.Context, deck domain.Deck) error {
		if err := m.db.SaveDecks(username, []domain.Deck{deck}); err != nil {
			return err
		}
		count++
		return nil
	})
	if err != nil {
		return count, err
	}
	slog.Info("imported package", "package", filepath.Base(path), "decks", count)
	return count, nil
}
