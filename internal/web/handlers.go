package web

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/conorfennell/flowcards/internal/auth"
	"github.com/conorfennell/flowcards/internal/couch"
	"github.com/conorfennell/flowcards/internal/domain"
	"github.com/conorfennell/flowcards/internal/scheduler"
	"github.com/conorfennell/flowcards/internal/syncer"
)

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	if s.auth == nil {
		httpError(w, http.StatusServiceUnavailable, "no remote store configured; accounts need one")
		return
	}
	var body struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := readJSON(r, &body); err != nil {
		httpError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.auth.Register(r.Context(), body.Email, body.Password); err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, auth.ErrAccountExists) {
			status = http.StatusConflict
		}
		httpError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"token": s.sessions.create(body.Email)})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if s.auth == nil {
		httpError(w, http.StatusServiceUnavailable, "no remote store configured; accounts need one")
		return
	}
	var body struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := readJSON(r, &body); err != nil {
		httpError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.auth.Login(r.Context(), body.Email, body.Password); err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			httpError(w, http.StatusUnauthorized, err.Error())
			return
		}
		httpError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"token": s.sessions.create(body.Email)})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	header := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(header) > len(prefix) {
		s.sessions.drop(header[len(prefix):])
	}
	w.WriteHeader(http.StatusNoContent)
}

// deckSummary is the deck list item: the full card payload stays out of
// the listing.
type deckSummary struct {
	ID        int64  `json:"id"`
	Name      string `json:"name"`
	CardCount int    `json:"cardCount"`
	Completed int    `json:"completed"`
}

func (s *Server) handleListDecks(w http.ResponseWriter, r *http.Request) {
	username := s.username(r)
	decks, err := s.db.LoadDecks(username)
	if err != nil {
		httpError(w, http.StatusInternalServerError, err.Error())
		return
	}
	summaries := make([]deckSummary, 0, len(decks))
	for _, deck := range decks {
		statuses, err := s.db.GetCardStatusesForDeck(username, deck.ID)
		if err != nil {
			httpError(w, http.StatusInternalServerError, err.Error())
			return
		}
		completed := 0
		for _, st := range statuses {
			if st.ReviewState() == domain.Mastered {
				completed++
			}
		}
		summaries = append(summaries, deckSummary{
			ID: deck.ID, Name: deck.Name, CardCount: len(deck.Cards), Completed: completed,
		})
	}
	writeJSON(w, http.StatusOK, summaries)
}

func (s *Server) handleGetDeck(w http.ResponseWriter, r *http.Request) {
	username := s.username(r)
	deckID, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		httpError(w, http.StatusBadRequest, "deck id must be an integer")
		return
	}
	deck, err := s.db.LoadDeck(username, deckID)
	if err != nil {
		httpError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if deck == nil {
		httpError(w, http.StatusNotFound, "deck not found")
		return
	}
	statuses, err := s.db.GetCardStatusesForDeck(username, deckID)
	if err != nil {
		httpError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deck": deck, "statuses": statuses})
}

func (s *Server) handleDeleteDeck(w http.ResponseWriter, r *http.Request) {
	username := s.username(r)
	deckID, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		httpError(w, http.StatusBadRequest, "deck id must be an integer")
		return
	}
	if err := s.db.DeleteDeck(username, deckID, time.Now()); err != nil {
		httpError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAddCard(w http.ResponseWriter, r *http.Request) {
	username := s.username(r)
	deckID, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		httpError(w, http.StatusBadRequest, "deck id must be an integer")
		return
	}
	var card domain.Card
	if err := readJSON(r, &card); err != nil {
		httpError(w, http.StatusBadRequest, err.Error())
		return
	}
	if card.Front == "" {
		httpError(w, http.StatusBadRequest, "card front is required")
		return
	}
	if card.ID == 0 {
		card.ID = time.Now().UnixMilli()
	}
	if err := s.db.AddCard(username, deckID, card); err != nil {
		httpError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, card)
}

func (s *Server) handleDeleteCard(w http.ResponseWriter, r *http.Request) {
	username := s.username(r)
	deckID, err1 := strconv.ParseInt(r.PathValue("id"), 10, 64)
	cardID, err2 := strconv.ParseInt(r.PathValue("cardId"), 10, 64)
	if err1 != nil || err2 != nil {
		httpError(w, http.StatusBadRequest, "deck and card ids must be integers")
		return
	}
	if err := s.db.DeleteCard(username, deckID, cardID, time.Now()); err != nil {
		httpError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type cardRef struct {
	DeckID int64 `json:"deckId"`
	CardID int64 `json:"cardId"`
}

func (s *Server) handleFlip(w http.ResponseWriter, r *http.Request) {
	username := s.username(r)
	var body cardRef
	if err := readJSON(r, &body); err != nil {
		httpError(w, http.StatusBadRequest, err.Error())
		return
	}
	now := time.Now()
	if err := s.db.MarkCardAsRead(username, body.DeckID, body.CardID); err != nil {
		httpError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if err := s.db.LogStudy(username, body.CardID, now); err != nil {
		httpError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGrade(w http.ResponseWriter, r *http.Request) {
	username := s.username(r)
	var body struct {
		cardRef
		Interval int `json:"interval"`
	}
	if err := readJSON(r, &body); err != nil {
		httpError(w, http.StatusBadRequest, err.Error())
		return
	}
	now := time.Now()
	if err := s.db.ScheduleReview(username, body.DeckID, body.CardID, body.Interval, now); err != nil {
		httpError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if err := s.db.LogStudy(username, body.CardID, now); err != nil {
		httpError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleReviewDeck assembles the synthetic review deck from every card
// due now.
func (s *Server) handleReviewDeck(w http.ResponseWriter, r *http.Request) {
	username := s.username(r)
	decks, err := s.db.LoadDecks(username)
	if err != nil {
		httpError(w, http.StatusInternalServerError, err.Error())
		return
	}
	due, err := s.db.GetDueCards(username, decks, time.Now())
	if err != nil {
		httpError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"deck": scheduler.ReviewDeck(due),
		"due":  len(due),
	})
}

func (s *Server) handleStudyLogs(w http.ResponseWriter, r *http.Request) {
	logs, err := s.db.GetStudyLogs(s.username(r))
	if err != nil {
		httpError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if logs == nil {
		logs = []domain.StudyLog{}
	}
	writeJSON(w, http.StatusOK, logs)
}

func (s *Server) handleListFolders(w http.ResponseWriter, r *http.Request) {
	folders, err := s.db.GetFolders(s.username(r))
	if err != nil {
		httpError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if folders == nil {
		folders = []domain.BookmarkFolder{}
	}
	writeJSON(w, http.StatusOK, folders)
}

func (s *Server) handleSaveFolder(w http.ResponseWriter, r *http.Request) {
	username := s.username(r)
	var folder domain.BookmarkFolder
	if err := readJSON(r, &folder); err != nil {
		httpError(w, http.StatusBadRequest, err.Error())
		return
	}
	if folder.Name == "" {
		httpError(w, http.StatusBadRequest, "folder name is required")
		return
	}
	if folder.ID == "" {
		folder.ID = uuid.NewString()
	}
	folder.Username = username
	if err := s.db.SaveFolder(folder); err != nil {
		httpError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, folder)
}

func (s *Server) handleDeleteFolder(w http.ResponseWriter, r *http.Request) {
	if err := s.db.DeleteFolder(s.username(r), r.PathValue("id"), time.Now()); err != nil {
		httpError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListBookmarks(w http.ResponseWriter, r *http.Request) {
	bookmarks, err := s.db.GetBookmarks(s.username(r), r.URL.Query().Get("folder"))
	if err != nil {
		httpError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if bookmarks == nil {
		bookmarks = []domain.Bookmark{}
	}
	writeJSON(w, http.StatusOK, bookmarks)
}

func (s *Server) handleSaveBookmark(w http.ResponseWriter, r *http.Request) {
	username := s.username(r)
	var bookmark domain.Bookmark
	if err := readJSON(r, &bookmark); err != nil {
		httpError(w, http.StatusBadRequest, err.Error())
		return
	}
	if bookmark.FolderID == "" {
		httpError(w, http.StatusBadRequest, "bookmark needs a folder")
		return
	}
	if bookmark.ID == "" {
		bookmark.ID = uuid.NewString()
	}
	if bookmark.CreatedAt == 0 {
		bookmark.CreatedAt = time.Now().UnixMilli()
	}
	bookmark.Username = username
	if err := s.db.SaveBookmark(bookmark); err != nil {
		httpError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, bookmark)
}

func (s *Server) handleDeleteBookmark(w http.ResponseWriter, r *http.Request) {
	if err := s.db.DeleteBookmark(s.username(r), r.PathValue("id"), time.Now()); err != nil {
		httpError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// settings returns the user's stored settings laid over the defaults.
func (s *Server) settings(username string) (domain.Settings, error) {
	stored, err := s.db.LoadSettings(username)
	if err != nil {
		return domain.Settings{}, err
	}
	settings := domain.DefaultSettings()
	if stored != nil {
		settings = settings.Merge(*stored)
	}
	settings.Username = username
	return settings, nil
}

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	settings, err := s.settings(s.username(r))
	if err != nil {
		httpError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, settings)
}

func (s *Server) handleSaveSettings(w http.ResponseWriter, r *http.Request) {
	username := s.username(r)
	var settings domain.Settings
	if err := readJSON(r, &settings); err != nil {
		httpError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.db.SaveSettings(username, settings); err != nil {
		httpError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// remoteConfig resolves the remote store connection: per-user settings
// override the server configuration.
func (s *Server) remoteConfig(username string) (domain.RemoteDBConfig, error) {
	settings, err := s.settings(username)
	if err != nil {
		return domain.RemoteDBConfig{}, err
	}
	if settings.DBConfig != nil && settings.DBConfig.URL != "" {
		return *settings.DBConfig, nil
	}
	return domain.RemoteDBConfig{
		URL:      s.cfg.Remote.URL,
		Database: s.cfg.Remote.Database,
		User:     s.cfg.Remote.User,
		Pass:     s.cfg.Remote.Pass,
	}, nil
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	username := s.username(r)
	client, err := s.remoteClient(username)
	if err != nil {
		httpError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.sync.SmartSync(r.Context(), username, client); err != nil {
		if errors.Is(err, syncer.ErrSyncInFlight) {
			httpError(w, http.StatusConflict, err.Error())
			return
		}
		httpError(w, http.StatusBadGateway, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// remoteClient builds a couch client from the resolved remote config,
// or reports the actionable configuration problem.
func (s *Server) remoteClient(username string) (*couch.Client, error) {
	cfg, err := s.remoteConfig(username)
	if err != nil {
		return nil, err
	}
	if cfg.URL == "" {
		return nil, errors.New("no remote store configured; set one in settings or server config")
	}
	return couch.NewClient(cfg)
}

func (s *Server) handleSyncUpload(w http.ResponseWriter, r *http.Request) {
	username := s.username(r)
	client, err := s.remoteClient(username)
	if err != nil {
		httpError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.sync.UploadToCloud(r.Context(), username, client); err != nil {
		httpError(w, http.StatusBadGateway, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSyncDownload(w http.ResponseWriter, r *http.Request) {
	username := s.username(r)
	var body struct {
		Mode string `json:"mode"`
	}
	// An empty body defaults to merge.
	_ = readJSON(r, &body)
	mode := syncer.ModeMerge
	if body.Mode == "replace" {
		mode = syncer.ModeReplace
	}
	client, err := s.remoteClient(username)
	if err != nil {
		httpError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.sync.DownloadFromCloud(r.Context(), username, client, mode); err != nil {
		httpError(w, http.StatusBadGateway, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	snap, err := s.sync.Export(s.username(r))
	if err != nil {
		httpError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.Header().Set("Content-Disposition", `attachment; filename="flowcards-export.json"`)
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleImportSnapshot(w http.ResponseWriter, r *http.Request) {
	username := s.username(r)
	var body struct {
		Mode     string              `json:"mode"`
		Snapshot domain.SyncSnapshot `json:"snapshot"`
	}
	if err := readJSON(r, &body); err != nil {
		httpError(w, http.StatusBadRequest, err.Error())
		return
	}
	mode := syncer.ModeMerge
	switch body.Mode {
	case "merge", "":
	case "replace":
		mode = syncer.ModeReplace
	default:
		httpError(w, http.StatusBadRequest, `mode must be "merge" or "replace"`)
		return
	}
	if err := s.sync.Import(username, body.Snapshot, mode); err != nil {
		httpError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListSources(w http.ResponseWriter, r *http.Request) {
	sources, err := s.db.GetAllSources()
	if err != nil {
		httpError(w, http.StatusInternalServerError, err.Error())
		return
	}
	type sourceView struct {
		ID   int64  `json:"id"`
		Path string `json:"path"`
		Type string `json:"type"`
	}
	out := make([]sourceView, 0, len(sources))
	for _, src := range sources {
		out = append(out, sourceView{ID: src.ID, Path: src.Path, Type: src.Type})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleAddSource(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Path string `json:"path"`
		Type string `json:"type"`
	}
	if err := readJSON(r, &body); err != nil {
		httpError(w, http.StatusBadRequest, err.Error())
		return
	}
	id, err := s.sources.Add(body.Path, body.Type)
	if err != nil {
		httpError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]int64{"id": id})
}

func (s *Server) handleImportSources(w http.ResponseWriter, r *http.Request) {
	imported, err := s.sources.ImportAll(r.Context(), s.username(r))
	if err != nil {
		httpError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"decks": imported})
}

func (s *Server) handleExplain(w http.ResponseWriter, r *http.Request) {
	username := s.username(r)
	var body cardRef
	if err := readJSON(r, &body); err != nil {
		httpError(w, http.StatusBadRequest, err.Error())
		return
	}
	deck, err := s.db.LoadDeck(username, body.DeckID)
	if err != nil {
		httpError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if deck == nil {
		httpError(w, http.StatusNotFound, "deck not found")
		return
	}
	var card *domain.Card
	for i := range deck.Cards {
		if deck.Cards[i].ID == body.CardID {
			card = &deck.Cards[i]
			break
		}
	}
	if card == nil {
		httpError(w, http.StatusNotFound, "card not found")
		return
	}
	settings, err := s.settings(username)
	if err != nil {
		httpError(w, http.StatusInternalServerError, err.Error())
		return
	}
	explanation, err := s.ai.Explain(r.Context(), card.Front, card.Back, settings)
	if err != nil {
		httpError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"explanation": explanation})
}

func (s *Server) handleMedia(w http.ResponseWriter, r *http.Request) {
	data, ok := s.media.get(s.username(r), r.PathValue("name"))
	if !ok {
		httpError(w, http.StatusNotFound, "media not found")
		return
	}
	w.Header().Set("Content-Type", http.DetectContentType(data))
	w.Write(data)
}
