// Package setup implements first-run (and on-demand) bulk indexing of the
// producer's transcript tree: resumable checkpoints, per-session deadlines,
// optional parallel workers, and a batch mode that re-execs a short-lived
// child per batch so a constrained host releases memory completely.
package setup

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

// State is the resumable bulk-setup checkpoint, persisted as
// setup_state.json after every session.
type State struct {
	ProcessedPaths []string `json:"processed_paths"`
	TimedOutPaths  []string `json:"timed_out_paths"`
	FailedPaths    []string `json:"failed_paths"`
}

// LoadState reads the checkpoint at path. A missing file yields an empty
// state.
func LoadState(path string) (*State, error) {
	state := &State{}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return state, nil
		}
		return nil, fmt.Errorf("setup: read state: %w", err)
	}
	if err := json.Unmarshal(data, state); err != nil {
		return nil, fmt.Errorf("setup: parse state: %w", err)
	}
	return state, nil
}

// Save writes the checkpoint atomically.
func (s *State) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("setup: create state dir: %w", err)
	}
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("setup: marshal state: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("setup: write temp state: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("setup: rename state: %w", err)
	}
	return nil
}

// Done reports whether a path is already accounted for given the retry
// settings.
func (s *State) Done(path string, retryTimeouts bool) bool {
	if contains(s.ProcessedPaths, path) || contains(s.FailedPaths, path) {
		return true
	}
	if !retryTimeouts && contains(s.TimedOutPaths, path) {
		return true
	}
	return false
}

// markProcessed records a completed path, clearing any earlier timeout or
// failure record for it.
func (s *State) markProcessed(path string) {
	s.TimedOutPaths = remove(s.TimedOutPaths, path)
	s.FailedPaths = remove(s.FailedPaths, path)
	s.ProcessedPaths = addUnique(s.ProcessedPaths, path)
}

func (s *State) markTimedOut(path string) {
	s.TimedOutPaths = addUnique(s.TimedOutPaths, path)
}

func (s *State) markFailed(path string) {
	s.FailedPaths = addUnique(s.FailedPaths, path)
}

func contains(list []string, v string) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}

func addUnique(list []string, v string) []string {
	if contains(list, v) {
		return list
	}
	list = append(list, v)
	sort.Strings(list)
	return list
}

func remove(list []string, v string) []string {
	out := list[:0]
	for _, x := range list {
		if x != v {
			out = append(out, x)
		}
	}
	return out
}
