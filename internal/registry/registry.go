// Package registry maintains the durable session metadata map. The whole
// registry is one JSON document rewritten atomically on every mutation; all
// operations are serialized by a single mutex that is never held across
// embedding or vector-store calls.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/forkdex/forkdex/pkg/types"
)

// ErrNotFound is returned when a session id is absent from the registry.
var ErrNotFound = errors.New("registry: session not found")

// documentVersion is the registry file format version.
const documentVersion = 1

// document is the on-disk shape of session-registry.json.
type document struct {
	Version    int                       `json:"version"`
	LastSynced time.Time                 `json:"last_synced"`
	Sessions   map[string]*types.Session `json:"sessions"`
}

// Registry is the thread-safe session metadata store.
type Registry struct {
	path string

	mu  sync.Mutex
	doc document
}

// ListFilter restricts List results. Zero fields do not filter.
type ListFilter struct {
	Project  string
	Tag      string // normalized tag
	Archived *bool
}

// Open loads the registry document at path, creating an empty registry when
// the file does not exist.
func Open(path string) (*Registry, error) {
	r := &Registry{
		path: path,
		doc: document{
			Version:  documentVersion,
			Sessions: make(map[string]*types.Session),
		},
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return r, nil
		}
		return nil, fmt.Errorf("registry: read %s: %w", path, err)
	}
	if err := json.Unmarshal(data, &r.doc); err != nil {
		return nil, fmt.Errorf("registry: parse %s: %w", path, err)
	}
	if r.doc.Sessions == nil {
		r.doc.Sessions = make(map[string]*types.Session)
	}
	return r, nil
}

// persistLocked writes the document atomically. Callers hold r.mu.
func (r *Registry) persistLocked() error {
	if err := os.MkdirAll(filepath.Dir(r.path), 0o700); err != nil {
		return fmt.Errorf("registry: create dir: %w", err)
	}

	data, err := json.MarshalIndent(&r.doc, "", "  ")
	if err != nil {
		return fmt.Errorf("registry: marshal: %w", err)
	}

	tmp := r.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("registry: write temp: %w", err)
	}
	if err := os.Rename(tmp, r.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("registry: rename: %w", err)
	}
	return nil
}

// Add inserts or fully replaces a session entry.
func (r *Registry) Add(session *types.Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	cp := *session
	r.doc.Sessions[session.ID] = &cp
	r.doc.LastSynced = time.Now().UTC()
	return r.persistLocked()
}

// Get returns a copy of the session entry, or ErrNotFound.
func (r *Registry) Get(id string) (*types.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.doc.Sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	cp := *s
	return &cp, nil
}

// Update applies fn to the session entry under the lock and persists the
// result. fn receives the live entry and may mutate it in place.
func (r *Registry) Update(id string, fn func(*types.Session)) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.doc.Sessions[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	fn(s)
	r.doc.LastSynced = time.Now().UTC()
	return r.persistLocked()
}

// Delete removes the session entry.
func (r *Registry) Delete(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.doc.Sessions[id]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	delete(r.doc.Sessions, id)
	r.doc.LastSynced = time.Now().UTC()
	return r.persistLocked()
}

// List returns copies of the sessions passing the filter, ordered by
// updated-at descending.
func (r *Registry) List(filter ListFilter) []*types.Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []*types.Session
	for _, s := range r.doc.Sessions {
		if filter.Project != "" && s.Project != filter.Project {
			continue
		}
		if filter.Tag != "" && !s.HasTag(strings.ToLower(filter.Tag)) {
			continue
		}
		if filter.Archived != nil && s.Archived != *filter.Archived {
			continue
		}
		cp := *s
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// SetLastSynced stamps a session's last-synced time.
func (r *Registry) SetLastSynced(id string, at time.Time) error {
	return r.Update(id, func(s *types.Session) {
		s.LastSynced = at.UTC()
	})
}

// Stats summarizes the registry.
func (r *Registry) Stats() types.RegistryStats {
	r.mu.Lock()
	defer r.mu.Unlock()

	stats := types.RegistryStats{SessionsByProject: make(map[string]int)}
	for _, s := range r.doc.Sessions {
		stats.TotalSessions++
		stats.TotalChunks += s.ChunkCount
		if s.Archived {
			stats.ArchivedSessions++
		}
		stats.SessionsByProject[s.Project]++
	}
	return stats
}

// Clear removes every session entry.
func (r *Registry) Clear() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.doc.Sessions = make(map[string]*types.Session)
	r.doc.LastSynced = time.Now().UTC()
	return r.persistLocked()
}

// chunkCounter is the slice of the vector store Reconcile needs.
type chunkCounter interface {
	CountBySession(ctx context.Context, sessionID string) (int, error)
}

// Reconcile repairs chunk counts that drifted from the vector store, e.g.
// after a crash between a store write and the matching registry write. It
// snapshots the ids under the lock, counts without holding it, then applies
// corrections. Returns the number of corrected sessions.
func (r *Registry) Reconcile(ctx context.Context, store chunkCounter) (int, error) {
	r.mu.Lock()
	ids := make([]string, 0, len(r.doc.Sessions))
	counts := make(map[string]int, len(r.doc.Sessions))
	for id, s := range r.doc.Sessions {
		ids = append(ids, id)
		counts[id] = s.ChunkCount
	}
	r.mu.Unlock()

	corrected := 0
	for _, id := range ids {
		actual, err := store.CountBySession(ctx, id)
		if err != nil {
			return corrected, fmt.Errorf("registry: reconcile %s: %w", id, err)
		}
		if actual == counts[id] {
			continue
		}
		err = r.Update(id, func(s *types.Session) {
			s.ChunkCount = actual
		})
		if err != nil && !errors.Is(err, ErrNotFound) {
			return corrected, err
		}
		corrected++
	}
	return corrected, nil
}
