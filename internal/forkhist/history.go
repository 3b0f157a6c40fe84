// Package forkhist records the user's fork selections and aggregates them
// into per-session preference records that feed the ranker's preference
// boost. The history file holds at most 100 entries, newest first.
package forkhist

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/forkdex/forkdex/pkg/types"
)

// MaxEntries caps the history file; the oldest entries are evicted.
const MaxEntries = 100

// History is the thread-safe fork-history log.
type History struct {
	path string

	mu      sync.Mutex
	entries []types.ForkEntry // newest first
}

// Open loads fork_history.json at path, creating an empty history when the
// file does not exist.
func Open(path string) (*History, error) {
	h := &History{path: path}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return h, nil
		}
		return nil, fmt.Errorf("forkhist: read %s: %w", path, err)
	}
	if err := json.Unmarshal(data, &h.entries); err != nil {
		return nil, fmt.Errorf("forkhist: parse %s: %w", path, err)
	}
	h.sortLocked()
	h.truncateLocked()
	return h, nil
}

// sortLocked orders entries newest first. Callers hold h.mu (or own h).
func (h *History) sortLocked() {
	sort.Slice(h.entries, func(i, j int) bool {
		return h.entries[i].Timestamp.After(h.entries[j].Timestamp)
	})
}

func (h *History) truncateLocked() {
	if len(h.entries) > MaxEntries {
		h.entries = h.entries[:MaxEntries]
	}
}

func (h *History) persistLocked() error {
	if err := os.MkdirAll(filepath.Dir(h.path), 0o700); err != nil {
		return fmt.Errorf("forkhist: create dir: %w", err)
	}

	data, err := json.MarshalIndent(h.entries, "", "  ")
	if err != nil {
		return fmt.Errorf("forkhist: marshal: %w", err)
	}

	tmp := h.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("forkhist: write temp: %w", err)
	}
	if err := os.Rename(tmp, h.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("forkhist: rename: %w", err)
	}
	return nil
}

// Record appends a fork selection. The query is normalized, the timestamp is
// UTC now, and the file is rewritten atomically with the cap applied.
func (h *History) Record(sessionID, query string, position int, outcome string) (*types.ForkEntry, error) {
	entry := types.ForkEntry{
		ID:        uuid.New().String(),
		SessionID: sessionID,
		Timestamp: time.Now().UTC(),
		Query:     strings.Join(strings.Fields(strings.ToLower(query)), " "),
		Position:  position,
		Outcome:   outcome,
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	h.entries = append([]types.ForkEntry{entry}, h.entries...)
	h.truncateLocked()
	if err := h.persistLocked(); err != nil {
		return nil, err
	}
	return &entry, nil
}

// List returns up to limit entries, newest first. limit <= 0 returns all.
func (h *History) List(limit int) []types.ForkEntry {
	h.mu.Lock()
	defer h.mu.Unlock()

	n := len(h.entries)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]types.ForkEntry, n)
	copy(out, h.entries[:n])
	return out
}

// BySession returns a session's entries, newest first.
func (h *History) BySession(sessionID string) []types.ForkEntry {
	h.mu.Lock()
	defer h.mu.Unlock()

	var out []types.ForkEntry
	for _, e := range h.entries {
		if e.SessionID == sessionID {
			out = append(out, e)
		}
	}
	return out
}

// Preference aggregates a session's history into its preference record.
// Returns nil when the session was never forked.
func (h *History) Preference(sessionID string) *types.Preference {
	entries := h.BySession(sessionID)
	if len(entries) == 0 {
		return nil
	}

	pref := &types.Preference{SessionID: sessionID, ForkCount: len(entries)}
	sum := 0.0
	for _, e := range entries {
		sum += float64(e.Position)
		if e.Timestamp.After(pref.LastSelection) {
			pref.LastSelection = e.Timestamp
		}
	}
	pref.AvgPosition = sum / float64(len(entries))
	return pref
}

// Preferences aggregates every session that appears in the history.
func (h *History) Preferences() map[string]*types.Preference {
	h.mu.Lock()
	entries := make([]types.ForkEntry, len(h.entries))
	copy(entries, h.entries)
	h.mu.Unlock()

	prefs := make(map[string]*types.Preference)
	sums := make(map[string]float64)
	for _, e := range entries {
		p := prefs[e.SessionID]
		if p == nil {
			p = &types.Preference{SessionID: e.SessionID}
			prefs[e.SessionID] = p
		}
		p.ForkCount++
		sums[e.SessionID] += float64(e.Position)
		if e.Timestamp.After(p.LastSelection) {
			p.LastSelection = e.Timestamp
		}
	}
	for id, p := range prefs {
		p.AvgPosition = sums[id] / float64(p.ForkCount)
	}
	return prefs
}
