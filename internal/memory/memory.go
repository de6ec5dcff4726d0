package memory

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/loykin/agentvisor/internal/fsutil"
)

// DefaultMaxAge is the age after which entries become eligible for eviction.
const DefaultMaxAge = 24 * time.Hour

// Entry is a single cached payload. Payload is opaque JSON.
type Entry struct {
	ID        string          `json:"-"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

// Store is a small key-value cache persisted as one JSON snapshot
// (id -> {payload, timestamp}). It is safe for concurrent use.
type Store struct {
	mu      sync.RWMutex
	path    string
	now     func() time.Time
	entries map[string]Entry
}

// Option configures a Store.
type Option func(*Store)

// WithNow overrides the time source used for timestamps and eviction.
func WithNow(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// New creates an empty store backed by the snapshot at path. Call Load to
// read an existing snapshot.
func New(path string, opts ...Option) *Store {
	s := &Store{path: path, now: time.Now, entries: make(map[string]Entry)}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Path returns the snapshot location.
func (s *Store) Path() string { return s.path }

// Load replaces the in-memory contents with the snapshot on disk. A missing
// file leaves the store empty and returns nil. A corrupt file also leaves the
// store empty; the decode error is returned so the caller can log it.
func (s *Store) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = make(map[string]Entry)
	if s.path == "" {
		return nil
	}
	b, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read memory snapshot: %w", err)
	}
	var snap map[string]Entry
	if err := json.Unmarshal(b, &snap); err != nil {
		return fmt.Errorf("decode memory snapshot %s: %w", s.path, err)
	}
	for id, e := range snap {
		e.ID = id
		s.entries[id] = e
	}
	return nil
}

// Put inserts or overwrites id with payload, stamped with the current time.
// payload must be valid JSON.
func (s *Store) Put(id string, payload json.RawMessage) error {
	if id == "" {
		return errors.New("memory entry requires id")
	}
	if !json.Valid(payload) {
		return fmt.Errorf("memory entry %s: payload is not valid JSON", id)
	}
	cp := append(json.RawMessage(nil), payload...)
	// Round(0) drops the monotonic reading so a snapshot round-trip is exact.
	ts := s.now().UTC().Round(0)
	s.mu.Lock()
	s.entries[id] = Entry{ID: id, Payload: cp, Timestamp: ts}
	s.mu.Unlock()
	return nil
}

// PutValue marshals v and stores it under id.
func (s *Store) PutValue(id string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal memory entry %s: %w", id, err)
	}
	return s.Put(id, b)
}

func (s *Store) Get(id string) (Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[id]
	return e, ok
}

func (s *Store) Delete(id string) {
	s.mu.Lock()
	delete(s.entries, id)
	s.mu.Unlock()
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Entries returns a copy of all entries ordered by id.
func (s *Store) Entries() []Entry {
	s.mu.RLock()
	out := make([]Entry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// EvictOlderThan removes entries whose age is strictly greater than maxAge
// and returns how many were removed. Entries exactly maxAge old survive.
func (s *Store) EvictOlderThan(maxAge time.Duration) int {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, e := range s.entries {
		if now.Sub(e.Timestamp) > maxAge {
			delete(s.entries, id)
			removed++
		}
	}
	return removed
}

// Persist atomically overwrites the snapshot with the current contents.
func (s *Store) Persist() error {
	if s.path == "" {
		return nil
	}
	s.mu.RLock()
	snap := make(map[string]Entry, len(s.entries))
	for id, e := range s.entries {
		snap[id] = e
	}
	s.mu.RUnlock()

	b, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("encode memory snapshot: %w", err)
	}
	return fsutil.WriteFileAtomic(s.path, b, 0o600)
}
