package types

import "time"

// Session is the unit of retrieval and forking: one complete prior
// AI-assisted conversation, keyed by its opaque session ID.
type Session struct {
	// ID is the session identifier, unique across all transcripts.
	ID string `json:"session_id"`

	// Project is the originating project label, derived from the transcript's
	// parent directory name.
	Project string `json:"project"`

	// Path is the absolute path of the transcript file this session was
	// indexed from.
	Path string `json:"path,omitempty"`

	// CreatedAt is when the session was first indexed.
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt is the last time the session's transcript changed.
	UpdatedAt time.Time `json:"updated_at"`

	// MessageCount is the number of usable messages in the transcript.
	MessageCount int `json:"message_count"`

	// ChunkCount is the number of chunks currently stored for this session.
	ChunkCount int `json:"chunk_count"`

	// Tags is the lowercase-normalized user tag set.
	Tags []string `json:"tags,omitempty"`

	// Summary is the cached extractive summary, empty until generated.
	Summary string `json:"summary,omitempty"`

	// SummaryChunkCount is the chunk count at the time Summary was generated.
	// The summary is regenerated when ChunkCount drifts by 10% or more.
	SummaryChunkCount int `json:"summary_chunk_count,omitempty"`

	// Archived reports whether the session's chunks live in the archive
	// partition.
	Archived bool `json:"archived"`

	// LastSynced is when the registry row and the vector store last agreed,
	// zero before the first successful index.
	LastSynced time.Time `json:"last_synced"`
}

// HasTag reports whether the session carries the given (already normalized) tag.
func (s *Session) HasTag(tag string) bool {
	for _, t := range s.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// RegistryStats summarizes the session registry.
type RegistryStats struct {
	TotalSessions    int            `json:"total_sessions"`
	ArchivedSessions int            `json:"archived_sessions"`
	TotalChunks      int            `json:"total_chunks"`
	SessionsByProject map[string]int `json:"sessions_by_project"`
}
