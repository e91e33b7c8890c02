// Package couch talks to a CouchDB-compatible remote document store. It
// carries the sync payloads: per-user deck documents (chunked when
// large), and one user manifest document holding everything else.
package couch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/conorfennell/flowcards/internal/domain"
)

const (
	// pingTimeout bounds the reachability probe.
	pingTimeout = 5 * time.Second

	// retryAttempts and retryBaseDelay govern transient-failure retries.
	retryAttempts  = 3
	retryBaseDelay = time.Second
)

// statusError is a non-2xx response from the remote store.
type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("remote store returned %d: %s", e.code, e.body)
}

// permanent reports whether retrying cannot help: the request itself is
// unacceptable (too large, malformed), not the connection.
func (e *statusError) permanent() bool {
	return e.code == http.StatusRequestEntityTooLarge || e.code == http.StatusBadRequest
}

// Client is a basic-auth HTTP client for one remote database.
type Client struct {
	baseURL  string
	database string
	username string
	password string
	http     *http.Client
}

// DefaultDatabase is the database name used when settings leave it
// blank. Per-user namespacing happens in document keys, so one database
// serves every account.
const DefaultDatabase = "flowcards"

// NewClient builds a client from remote settings. The URL is validated
// here so a typo fails at configuration time, not mid-sync.
func NewClient(cfg domain.RemoteDBConfig) (*Client, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid remote database URL %q", cfg.URL)
	}
	database := cfg.Database
	if database == "" {
		database = DefaultDatabase
	}
	return &Client{
		baseURL:  strings.TrimRight(cfg.URL, "/"),
		database: database,
		username: cfg.User,
		password: cfg.Pass,
		http:     &http.Client{Timeout: 60 * time.Second},
	}, nil
}

// Ping probes the remote's /_up endpoint. Errors are rewritten into
// actionable messages because connection failures are the single most
// common sync problem users hit.
func (c *Client) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/_up", nil)
	if err != nil {
		return fmt.Errorf("failed to build ping request: %w", err)
	}
	req.SetBasicAuth(c.username, c.password)

	resp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("remote store at %s did not respond within %s; check the URL and your network", c.baseURL, pingTimeout)
		}
		return fmt.Errorf("cannot reach remote store at %s: %w", c.baseURL, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		return nil
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("remote store rejected the credentials; check the username and password")
	default:
		return fmt.Errorf("remote store at %s is not healthy (status %d)", c.baseURL, resp.StatusCode)
	}
}

// EnsureDatabase creates the database if it does not exist yet.
func (c *Client) EnsureDatabase(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, c.dbURL(""), nil)
	if err != nil {
		return fmt.Errorf("failed to build database check request: %w", err)
	}
	req.SetBasicAuth(c.username, c.password)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("cannot reach remote store at %s: %w", c.baseURL, err)
	}
	resp.Body.Close()
	if resp.StatusCode == http.StatusOK {
		return nil
	}
	if resp.StatusCode != http.StatusNotFound {
		return fmt.Errorf("failed to check database %q (status %d)", c.database, resp.StatusCode)
	}

	put, err := http.NewRequestWithContext(ctx, http.MethodPut, c.dbURL(""), nil)
	if err != nil {
		return fmt.Errorf("failed to build database create request: %w", err)
	}
	put.SetBasicAuth(c.username, c.password)
	created, err := c.http.Do(put)
	if err != nil {
		return fmt.Errorf("failed to create database %q: %w", c.database, err)
	}
	defer created.Body.Close()
	if created.StatusCode != http.StatusCreated && created.StatusCode != http.StatusPreconditionFailed {
		body, _ := io.ReadAll(io.LimitReader(created.Body, 512))
		return fmt.Errorf("failed to create database %q (status %d): %s", c.database, created.StatusCode, body)
	}
	slog.Info("created remote database", "database", c.database)
	return nil
}

func (c *Client) dbURL(docID string) string {
	u := c.baseURL + "/" + url.PathEscape(c.database)
	if docID != "" {
		u += "/" + url.PathEscape(docID)
	}
	return u
}

// getDoc fetches a document into out. A missing document is not an
// error: it returns (false, nil).
func (c *Client) getDoc(ctx context.Context, id string, out any) (bool, error) {
	var found bool
	err := c.withRetry(ctx, "get "+id, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.dbURL(id), nil)
		if err != nil {
			return err
		}
		req.SetBasicAuth(c.username, c.password)

		resp, err := c.http.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode == http.StatusNotFound {
			found = false
			return nil
		}
		if resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			return &statusError{code: resp.StatusCode, body: string(body)}
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode document %q: %w", id, err)
		}
		found = true
		return nil
	})
	return found, err
}

// revOf fetches just the current revision of a document, or "" when the
// document does not exist.
func (c *Client) revOf(ctx context.Context, id string) (string, error) {
	var probe struct {
		Rev string `json:"_rev"`
	}
	found, err := c.getDoc(ctx, id, &probe)
	if err != nil || !found {
		return "", err
	}
	return probe.Rev, nil
}

// putDoc writes a document, carrying the current revision so the write
// never conflicts with the copy already stored.
func (c *Client) putDoc(ctx context.Context, id string, doc any) error {
	return c.withRetry(ctx, "put "+id, func() error {
		rev, err := c.revOf(ctx, id)
		if err != nil {
			return err
		}
		encoded, err := json.Marshal(doc)
		if err != nil {
			return fmt.Errorf("failed to encode document %q: %w", id, err)
		}
		var body map[string]any
		if err := json.Unmarshal(encoded, &body); err != nil {
			return fmt.Errorf("failed to encode document %q: %w", id, err)
		}
		body["_id"] = id
		if rev != "" {
			body["_rev"] = rev
		} else {
			delete(body, "_rev")
		}

		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode document %q: %w", id, err)
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.dbURL(id), bytes.NewReader(payload))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		req.SetBasicAuth(c.username, c.password)

		resp, err := c.http.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
			respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			return &statusError{code: resp.StatusCode, body: string(respBody)}
		}
		return nil
	})
}

// deleteDoc removes a document if it exists.
func (c *Client) deleteDoc(ctx context.Context, id string) error {
	return c.withRetry(ctx, "delete "+id, func() error {
		rev, err := c.revOf(ctx, id)
		if err != nil {
			return err
		}
		if rev == "" {
			return nil
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.dbURL(id)+"?rev="+url.QueryEscape(rev), nil)
		if err != nil {
			return err
		}
		req.SetBasicAuth(c.username, c.password)

		resp, err := c.http.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNotFound {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			return &statusError{code: resp.StatusCode, body: string(body)}
		}
		return nil
	})
}

// withRetry runs op up to retryAttempts times with exponential backoff.
// Payload rejections (413, 400) are permanent and fail immediately.
func (c *Client) withRetry(ctx context.Context, label string, op func() error) error {
	var err error
	delay := retryBaseDelay
	for attempt := 1; attempt <= retryAttempts; attempt++ {
		err = op()
		if err == nil {
			return nil
		}
		var se *statusError
		if errors.As(err, &se) && se.permanent() {
			return err
		}
		if attempt == retryAttempts {
			break
		}
		slog.Warn("remote operation failed, retrying", "op", label, "attempt", attempt, "error", err)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		delay *= 2
	}
	return fmt.Errorf("%s failed after %d attempts: %w", label, retryAttempts, err)
}
