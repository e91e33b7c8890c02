// Package syncer moves a user's complete study state between the local
// store, export files, and the remote document store. All operations
// take the username explicitly; there is no ambient session.
package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync/atomic"
	"time"

	"github.com/conorfennell/flowcards/internal/couch"
	"github.com/conorfennell/flowcards/internal/domain"
	"github.com/conorfennell/flowcards/internal/storage"
)

// ImportMode selects how an incoming snapshot is applied.
type ImportMode int

const (
	// ModeReplace discards the user's local data and installs the
	// snapshot as-is.
	ModeReplace ImportMode = iota
	// ModeMerge reconciles the snapshot with local data, preserving
	// progress from both sides.
	ModeMerge
)

// tombstoneRetention is how long deletion tombstones are kept. Merge
// only trusts tombstones inside this window; older ones are pruned
// after each sync.
const tombstoneRetention = 30 * 24 * time.Hour

// ErrSyncInFlight is returned when a sync starts while another one for
// the same service is still running.
var ErrSyncInFlight = errors.New("a sync is already in progress")

// Remote is the document-store surface sync needs. *couch.Client
// implements it.
type Remote interface {
	Ping(ctx context.Context) error
	EnsureDatabase(ctx context.Context) error
	GetUserDoc(ctx context.Context, username string) (*couch.UserDoc, error)
	DownloadDecks(ctx context.Context, username string) (*couch.UserDoc, []domain.Deck, error)
	UploadDecks(ctx context.Context, manifest couch.UserDoc, decks []domain.Deck) error
}

// Service bundles export, import and remote sync over one store.
type Service struct {
	db      *storage.DB
	syncing atomic.Bool
}

func NewService(db *storage.DB) *Service {
	return &Service{db: db}
}

// Export gathers the user's complete study state into one snapshot.
func (s *Service) Export(username string) (domain.SyncSnapshot, error) {
	snap := domain.SyncSnapshot{
		Username:      username,
		SyncTimestamp: time.Now().UnixMilli(),
	}
	var err error
	if snap.Decks, err = s.db.LoadDecks(username); err != nil {
		return snap, fmt.Errorf("failed to export decks: %w", err)
	}
	if snap.CardStatuses, err = s.db.GetAllCardStatuses(username); err != nil {
		return snap, fmt.Errorf("failed to export card statuses: %w", err)
	}
	if snap.StudyLogs, err = s.db.GetStudyLogs(username); err != nil {
		return snap, fmt.Errorf("failed to export study logs: %w", err)
	}
	if snap.BookmarkFolders, err = s.db.GetFolders(username); err != nil {
		return snap, fmt.Errorf("failed to export bookmark folders: %w", err)
	}
	if snap.Bookmarks, err = s.db.GetBookmarks(username, ""); err != nil {
		return snap, fmt.Errorf("failed to export bookmarks: %w", err)
	}
	if snap.Settings, err = s.db.LoadSettings(username); err != nil {
		return snap, fmt.Errorf("failed to export settings: %w", err)
	}
	return snap, nil
}

// Import applies a snapshot to the user's local data. The snapshot's
// own username is ignored: data always lands under the given account.
func (s *Service) Import(username string, snap domain.SyncSnapshot, mode ImportMode) error {
	if mode == ModeMerge {
		local, err := s.Export(username)
		if err != nil {
			return err
		}
		tombs, err := s.db.GetDeletedItems(username)
		if err != nil {
			return fmt.Errorf("failed to load tombstones for merge: %w", err)
		}
		snap = mergeSnapshots(local, snap, newTombstoneSet(tombs))
	}
	return s.apply(username, snap)
}

// apply installs a snapshot wholesale, one entity family at a time.
func (s *Service) apply(username string, snap domain.SyncSnapshot) error {
	if err := s.db.ReplaceDecks(username, snap.Decks); err != nil {
		return fmt.Errorf("failed to import decks: %w", err)
	}
	if err := s.db.ReplaceCardStatuses(username, snap.CardStatuses); err != nil {
		return fmt.Errorf("failed to import card statuses: %w", err)
	}
	if err := s.db.ReplaceStudyLogs(username, snap.StudyLogs); err != nil {
		return fmt.Errorf("failed to import study logs: %w", err)
	}
	if err := s.db.ReplaceFolders(username, snap.BookmarkFolders); err != nil {
		return fmt.Errorf("failed to import bookmark folders: %w", err)
	}
	if err := s.db.ReplaceBookmarks(username, snap.Bookmarks); err != nil {
		return fmt.Errorf("failed to import bookmarks: %w", err)
	}
	if snap.Settings != nil {
		if err := s.db.SaveSettings(username, *snap.Settings); err != nil {
			return fmt.Errorf("failed to import settings: %w", err)
		}
	}
	return nil
}

// ExportToFile writes the user's snapshot as indented JSON.
func (s *Service) ExportToFile(username, path string) error {
	snap, err := s.Export(username)
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode export: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write export file: %w", err)
	}
	return nil
}

// ImportFromFile reads a snapshot file and applies it.
func (s *Service) ImportFromFile(username, path string, mode ImportMode) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read import file: %w", err)
	}
	var snap domain.SyncSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("import file is not a valid snapshot: %w", err)
	}
	return s.Import(username, snap, mode)
}

// UploadToCloud pushes the user's local state to the remote as-is,
// without merging. The stored password hash on the remote manifest is
// preserved.
func (s *Service) UploadToCloud(ctx context.Context, username string, remote Remote) error {
	if err := remote.Ping(ctx); err != nil {
		return err
	}
	if err := remote.EnsureDatabase(ctx); err != nil {
		return err
	}

	snap, err := s.Export(username)
	if err != nil {
		return err
	}
	tombs, err := s.db.GetDeletedItems(username)
	if err != nil {
		return fmt.Errorf("failed to load tombstones: %w", err)
	}

	passwordHash := ""
	if existing, err := remote.GetUserDoc(ctx, username); err != nil {
		return err
	} else if existing != nil {
		passwordHash = existing.PasswordHash
	}

	return remote.UploadDecks(ctx, couch.UserDoc{
		Type:         "user",
		Username:     username,
		PasswordHash: passwordHash,
		CardStatuses: snap.CardStatuses,
		StudyLogs:    snap.StudyLogs,
		Folders:      snap.BookmarkFolders,
		Bookmarks:    snap.Bookmarks,
		Settings:     snap.Settings,
		DeletedItems: liveTombstones(tombs, nil, time.Now()),
		UpdatedAt:    time.Now().UnixMilli(),
	}, snap.Decks)
}

// DownloadFromCloud pulls the remote copy and applies it with the given
// import mode.
func (s *Service) DownloadFromCloud(ctx context.Context, username string, remote Remote, mode ImportMode) error {
	if err := remote.Ping(ctx); err != nil {
		return err
	}
	manifest, decks, err := remote.DownloadDecks(ctx, username)
	if err != nil {
		return fmt.Errorf("failed to download remote data: %w", err)
	}
	if manifest == nil {
		return fmt.Errorf("no remote data found for this account")
	}
	return s.Import(username, domain.SyncSnapshot{
		Username:        username,
		Decks:           decks,
		CardStatuses:    manifest.CardStatuses,
		StudyLogs:       manifest.StudyLogs,
		BookmarkFolders: manifest.Folders,
		Bookmarks:       manifest.Bookmarks,
		Settings:        manifest.Settings,
	}, mode)
}

// SmartSync runs the full pull-merge-push cycle: download the remote
// copy, merge it with local data, persist the merge, upload the result,
// and prune expired tombstones. Only one sync runs at a time.
func (s *Service) SmartSync(ctx context.Context, username string, remote Remote) error {
	if !s.syncing.CompareAndSwap(false, true) {
		return ErrSyncInFlight
	}
	defer s.syncing.Store(false)

	start := time.Now()
	if err := remote.Ping(ctx); err != nil {
		return err
	}
	if err := remote.EnsureDatabase(ctx); err != nil {
		return err
	}

	manifest, remoteDecks, err := remote.DownloadDecks(ctx, username)
	if err != nil {
		return fmt.Errorf("failed to download remote data: %w", err)
	}

	local, err := s.Export(username)
	if err != nil {
		return err
	}
	localTombs, err := s.db.GetDeletedItems(username)
	if err != nil {
		return fmt.Errorf("failed to load tombstones: %w", err)
	}

	merged := local
	var remoteTombs []domain.DeletedItem
	passwordHash := ""
	if manifest != nil {
		passwordHash = manifest.PasswordHash
		remoteTombs = manifest.DeletedItems
		remoteSnap := domain.SyncSnapshot{
			Username:        username,
			Decks:           remoteDecks,
			CardStatuses:    manifest.CardStatuses,
			StudyLogs:       manifest.StudyLogs,
			BookmarkFolders: manifest.Folders,
			Bookmarks:       manifest.Bookmarks,
			Settings:        manifest.Settings,
		}
		merged = mergeSnapshots(local, remoteSnap, newTombstoneSet(localTombs, remoteTombs))
	}

	if err := s.apply(username, merged); err != nil {
		return err
	}

	upload := couch.UserDoc{
		Type:         "user",
		Username:     username,
		PasswordHash: passwordHash,
		CardStatuses: merged.CardStatuses,
		StudyLogs:    merged.StudyLogs,
		Folders:      merged.BookmarkFolders,
		Bookmarks:    merged.Bookmarks,
		Settings:     merged.Settings,
		DeletedItems: liveTombstones(localTombs, remoteTombs, start),
		UpdatedAt:    start.UnixMilli(),
	}
	if err := remote.UploadDecks(ctx, upload, merged.Decks); err != nil {
		return err
	}

	if err := s.db.PruneDeletedItems(username, tombstoneRetention, start); err != nil {
		return err
	}
	slog.Info("sync complete",
		"user", username,
		"decks", len(merged.Decks),
		"duration", time.Since(start).Round(time.Millisecond))
	return nil
}

// liveTombstones unions both replicas' tombstones, keeping only those
// still inside the retention window.
func liveTombstones(local, remote []domain.DeletedItem, now time.Time) []domain.DeletedItem {
	cutoff := now.Add(-tombstoneRetention).UnixMilli()
	seen := map[string]bool{}
	var out []domain.DeletedItem
	for _, list := range [][]domain.DeletedItem{local, remote} {
		for _, item := range list {
			key := item.Type + "/" + item.ID
			if item.DeletedAt < cutoff || seen[key] {
				continue
			}
			seen[key] = true
			out = append(out, item)
		}
	}
	return out
}
