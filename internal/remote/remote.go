// Package remote is the external sync collaborator: a narrow view of a
// third-party REST API the supervisor authenticates against and pulls a
// page of items from.
package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Item is one opaque record returned by the source.
type Item = json.RawMessage

// Source is what the sync task needs from an external service.
type Source interface {
	// Authenticate reports whether the session is usable. It never fails
	// hard: an unreachable or rejecting service simply yields false.
	Authenticate(ctx context.Context) bool
	// ListItems fetches up to pageSize items.
	ListItems(ctx context.Context, pageSize int) ([]Item, error)
}

// Noop is the fallback Source when nothing is configured.
type Noop struct{}

func (Noop) Authenticate(context.Context) bool { return false }
func (Noop) ListItems(context.Context, int) ([]Item, error) {
	return nil, errors.New("no external source configured")
}

// HTTPConfig configures HTTPSource.
type HTTPConfig struct {
	BaseURL string
	Token   string
	// Path lists items, relative to BaseURL (default /items).
	Path    string
	Timeout time.Duration
	Logger  *slog.Logger
}

// HTTPSource talks to a GitHub-style REST API: bearer token, GET {base}/user
// to authenticate and GET {base}{path}?per_page=N for a page of items.
type HTTPSource struct {
	baseURL string
	token   string
	path    string
	client  *http.Client
	logger  *slog.Logger
}

func NewHTTPSource(cfg HTTPConfig) (*HTTPSource, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("remote base url is required")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("remote base url: %w", err)
	}
	if cfg.Path == "" {
		cfg.Path = "/items"
	}
	if !strings.HasPrefix(cfg.Path, "/") {
		cfg.Path = "/" + cfg.Path
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &HTTPSource{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		token:   cfg.Token,
		path:    cfg.Path,
		client:  &http.Client{Timeout: cfg.Timeout},
		logger:  cfg.Logger,
	}, nil
}

func (s *HTTPSource) Authenticate(ctx context.Context) bool {
	if s.token == "" {
		s.logger.Debug("remote authentication skipped, no token")
		return false
	}
	resp, err := s.get(ctx, s.baseURL+"/user")
	if err != nil {
		s.logger.Debug("remote authentication failed", "error", err)
		return false
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body)
	ok := resp.StatusCode == http.StatusOK
	s.logger.Debug("remote authentication", "ok", ok, "status", resp.StatusCode)
	return ok
}

func (s *HTTPSource) ListItems(ctx context.Context, pageSize int) ([]Item, error) {
	if pageSize <= 0 {
		pageSize = 20
	}
	u := s.baseURL + s.path + "?per_page=" + strconv.Itoa(pageSize)
	resp, err := s.get(ctx, u)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("list items: HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	var items []Item
	if err := json.NewDecoder(resp.Body).Decode(&items); err != nil {
		return nil, fmt.Errorf("decode items: %w", err)
	}
	if len(items) > pageSize {
		items = items[:pageSize]
	}
	return items, nil
}

func (s *HTTPSource) get(ctx context.Context, u string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("GET %s: %w", u, err)
	}
	return resp, nil
}
