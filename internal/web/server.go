// Package web exposes the JSON API. Every handler resolves the acting
// username up front and passes it down explicitly; nothing below the
// HTTP layer reads session state.
package web

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"

	"github.com/google/uuid"

	"github.com/conorfennell/flowcards/internal/ai"
	"github.com/conorfennell/flowcards/internal/auth"
	"github.com/conorfennell/flowcards/internal/config"
	"github.com/conorfennell/flowcards/internal/pkgsource"
	"github.com/conorfennell/flowcards/internal/storage"
	"github.com/conorfennell/flowcards/internal/syncer"
)

// LocalUser is the account unauthenticated requests act as. The app is
// fully usable offline under this partition; logging in switches the
// partition to the account name.
const LocalUser = "local"

// sessions maps bearer tokens to usernames.
type sessions struct {
	mu     sync.Mutex
	tokens map[string]string
}

func newSessions() *sessions {
	return &sessions{tokens: map[string]string{}}
}

func (s *sessions) create(username string) string {
	token := uuid.NewString()
	s.mu.Lock()
	s.tokens[token] = username
	s.mu.Unlock()
	return token
}

func (s *sessions) lookup(token string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	username, ok := s.tokens[token]
	return username, ok
}

func (s *sessions) drop(token string) {
	s.mu.Lock()
	delete(s.tokens, token)
	s.mu.Unlock()
}

// Server wires the API handlers to the application services.
type Server struct {
	db       *storage.DB
	sync     *syncer.Service
	ai       *ai.Client
	sources  *pkgsource.Manager
	auth     *auth.Service // nil when no remote is configured
	cfg      config.Config
	sessions *sessions
	jobs     *importJobs
	media    *mediaCache
}

func NewServer(db *storage.DB, sync *syncer.Service, sources *pkgsource.Manager, authSvc *auth.Service, cfg config.Config) *Server {
	return &Server{
		db:       db,
		sync:     sync,
		ai:       ai.NewClient(),
		sources:  sources,
		auth:     authSvc,
		cfg:      cfg,
		sessions: newSessions(),
		jobs:     newImportJobs(),
		media:    newMediaCache(),
	}
}

// Routes builds the API mux.
func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/register", s.handleRegister)
	mux.HandleFunc("POST /api/login", s.handleLogin)
	mux.HandleFunc("POST /api/logout", s.handleLogout)

	mux.HandleFunc("GET /api/decks", s.handleListDecks)
	mux.HandleFunc("GET /api/decks/{id}", s.handleGetDeck)
	mux.HandleFunc("DELETE /api/decks/{id}", s.handleDeleteDeck)
	mux.HandleFunc("POST /api/decks/{id}/cards", s.handleAddCard)
	mux.HandleFunc("DELETE /api/decks/{id}/cards/{cardId}", s.handleDeleteCard)

	mux.HandleFunc("POST /api/import", s.handleImport)
	mux.HandleFunc("GET /api/import/{job}", s.handleImportProgress)

	mux.HandleFunc("POST /api/cards/flip", s.handleFlip)
	mux.HandleFunc("POST /api/cards/grade", s.handleGrade)
	mux.HandleFunc("GET /api/review", s.handleReviewDeck)
	mux.HandleFunc("GET /api/logs", s.handleStudyLogs)

	mux.HandleFunc("GET /api/folders", s.handleListFolders)
	mux.HandleFunc("POST /api/folders", s.handleSaveFolder)
	mux.HandleFunc("DELETE /api/folders/{id}", s.handleDeleteFolder)
	mux.HandleFunc("GET /api/bookmarks", s.handleListBookmarks)
	mux.HandleFunc("POST /api/bookmarks", s.handleSaveBookmark)
	mux.HandleFunc("DELETE /api/bookmarks/{id}", s.handleDeleteBookmark)

	mux.HandleFunc("GET /api/settings", s.handleGetSettings)
	mux.HandleFunc("PUT /api/settings", s.handleSaveSettings)

	mux.HandleFunc("POST /api/sync", s.handleSync)
	mux.HandleFunc("POST /api/sync/upload", s.handleSyncUpload)
	mux.HandleFunc("POST /api/sync/download", s.handleSyncDownload)
	mux.HandleFunc("GET /api/export", s.handleExport)
	mux.HandleFunc("POST /api/import-snapshot", s.handleImportSnapshot)

	mux.HandleFunc("GET /api/sources", s.handleListSources)
	mux.HandleFunc("POST /api/sources", s.handleAddSource)
	mux.HandleFunc("POST /api/sources/import", s.handleImportSources)

	mux.HandleFunc("POST /api/explain", s.handleExplain)
	mux.HandleFunc("GET /api/media/{name}", s.handleMedia)

	return mux
}

// username resolves the acting account for a request. A valid bearer
// token selects its account; everything else falls back to LocalUser.
func (s *Server) username(r *http.Request) string {
	header := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(header) > len(prefix) && header[:len(prefix)] == prefix {
		if username, ok := s.sessions.lookup(header[len(prefix):]); ok {
			return username
		}
	}
	return LocalUser
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

func readJSON(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return errors.New("request body is not valid JSON")
	}
	return nil
}

func httpError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
