package web

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"os"
	"sync"

	"github.com/google/uuid"

	"github.com/conorfennell/flowcards/internal/apkg"
	"github.com/conorfennell/flowcards/internal/domain"
)

// Progress is the client-visible state of one import job.
type Progress struct {
	Stage   string `json:"stage"`
	Percent int    `json:"percent"`
	Detail  string `json:"detail"`
	Decks   int    `json:"decks"`
}

type importJobs struct {
	mu   sync.Mutex
	jobs map[string]Progress
}

func newImportJobs() *importJobs {
	return &importJobs{jobs: map[string]Progress{}}
}

func (j *importJobs) set(id string, p Progress) {
	j.mu.Lock()
	j.jobs[id] = p
	j.mu.Unlock()
}

func (j *importJobs) update(id string, fn func(p *Progress)) {
	j.mu.Lock()
	p := j.jobs[id]
	fn(&p)
	j.jobs[id] = p
	j.mu.Unlock()
}

func (j *importJobs) get(id string) (Progress, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	p, ok := j.jobs[id]
	return p, ok
}

// mediaCache holds media blobs from imported packages, keyed per user.
// Media is session state: it lives as long as the server process, not
// in the store.
type mediaCache struct {
	mu    sync.Mutex
	blobs map[string]map[string][]byte // username -> name -> bytes
}

func newMediaCache() *mediaCache {
	return &mediaCache{blobs: map[string]map[string][]byte{}}
}

func (m *mediaCache) put(username string, blobs map[string][]byte) {
	if len(blobs) == 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.blobs[username] == nil {
		m.blobs[username] = map[string][]byte{}
	}
	for name, data := range blobs {
		m.blobs[username][name] = data
	}
}

func (m *mediaCache) get(username, name string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.blobs[username][name]
	return data, ok
}

// handleImport accepts a multipart package upload, stages it to disk
// and decodes it in the background. The response carries a job id the
// client polls for progress.
func (s *Server) handleImport(w http.ResponseWriter, r *http.Request) {
	username := s.username(r)

	r.Body = http.MaxBytesReader(w, r.Body, apkg.MaxPackageSize+1)
	upload, _, err := r.FormFile("package")
	if err != nil {
		httpError(w, http.StatusBadRequest, "request is missing a package file upload")
		return
	}
	defer upload.Close()

	staged, err := os.CreateTemp("", "flowcards-upload-")
	if err != nil {
		httpError(w, http.StatusInternalServerError, "failed to stage upload")
		return
	}
	size, err := io.Copy(staged, upload)
	if err != nil {
		staged.Close()
		os.Remove(staged.Name())
		httpError(w, http.StatusBadRequest, "failed to read upload")
		return
	}

	jobID := uuid.NewString()
	s.jobs.set(jobID, Progress{Stage: apkg.StageScan, Percent: 0, Detail: "queued"})

	go s.runImport(jobID, username, staged, size)

	writeJSON(w, http.StatusAccepted, map[string]string{"job": jobID})
}

func (s *Server) runImport(jobID, username string, staged *os.File, size int64) {
	defer func() {
		staged.Close()
		os.Remove(staged.Name())
	}()

	onProgress := func(stage string, percent int, detail string) {
		s.jobs.update(jobID, func(p *Progress) {
			p.Stage = stage
			p.Percent = percent
			p.Detail = detail
		})
	}
	onDeck := func(_ context.Context, deck domain.Deck) error {
		if err := s.db.SaveDecks(username, []domain.Deck{deck}); err != nil {
			return err
		}
		s.media.put(username, deck.MediaBlobs)
		s.jobs.update(jobID, func(p *Progress) { p.Decks++ })
		return nil
	}

	if err := apkg.DecodeStreaming(context.Background(), staged, size, onProgress, onDeck); err != nil {
		slog.Warn("package import failed", "job", jobID, "error", err)
	}
}

func (s *Server) handleImportProgress(w http.ResponseWriter, r *http.Request) {
	progress, ok := s.jobs.get(r.PathValue("job"))
	if !ok {
		httpError(w, http.StatusNotFound, "unknown import job")
		return
	}
	writeJSON(w, http.StatusOK, progress)
}
