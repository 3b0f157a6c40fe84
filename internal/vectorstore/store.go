// Package vectorstore wraps the chunk stores behind one interface with
// scalar-safe metadata encoding and filtered k-NN search. Two partitions are
// exposed, active and archive; callers may search either or both.
//
// The adapter is the only layer that understands the stores' scalar metadata
// constraints: list-valued chunk fields are encoded as JSON strings on write
// and decoded on read, timestamps as RFC-3339 strings.
package vectorstore

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"math"
	"time"

	"github.com/forkdex/forkdex/pkg/types"
)

// ErrStoreUnavailable is returned when the backing store cannot be opened or
// reached. Fatal for search; the dispatcher reports it as service
// uninitialized.
var ErrStoreUnavailable = errors.New("vectorstore: store unavailable")

// Filter restricts a k-NN search. Zero fields do not filter.
type Filter struct {
	// Project filters by exact project label.
	Project string

	// Archived filters by the archived flag when non-nil.
	Archived *bool

	// Tags keeps chunks carrying at least one of these (normalized) tags.
	Tags []string

	// MemoryTypes keeps chunks carrying at least one of these markers.
	MemoryTypes []types.MemoryType

	// Since/Until bound the chunk timestamp; zero values are open ends.
	Since time.Time
	Until time.Time
}

// Matches reports whether a decoded chunk passes the non-scalar parts of the
// filter (tag and memory-type membership, time range). Scalar parts are pushed
// down into the backing query.
func (f Filter) Matches(c *types.Chunk) bool {
	if len(f.Tags) > 0 && !anyTag(c.Tags, f.Tags) {
		return false
	}
	if len(f.MemoryTypes) > 0 && !anyMemoryType(c.MemoryTypes, f.MemoryTypes) {
		return false
	}
	if !f.Since.IsZero() && c.Timestamp.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && !c.Timestamp.IsZero() && c.Timestamp.After(f.Until) {
		return false
	}
	return true
}

func anyTag(have, want []string) bool {
	for _, w := range want {
		for _, h := range have {
			if h == w {
				return true
			}
		}
	}
	return false
}

func anyMemoryType(have, want []types.MemoryType) bool {
	for _, w := range want {
		for _, h := range have {
			if h == w {
				return true
			}
		}
	}
	return false
}

// VectorStore is the chunk store contract shared by the sqlite and postgres
// backends.
type VectorStore interface {
	// UpsertChunks inserts or replaces chunks. Transactional per call.
	UpsertChunks(ctx context.Context, chunks []types.Chunk) error

	// ReplaceSession atomically swaps a session's chunks for a new set. A
	// concurrent searcher sees the session entirely pre- or post-swap, never
	// a window with the chunks missing.
	ReplaceSession(ctx context.Context, sessionID string, chunks []types.Chunk) error

	// DeleteBySession removes every chunk of a session from all partitions.
	DeleteBySession(ctx context.Context, sessionID string) error

	// Search returns the top-k chunks by cosine similarity to queryVec,
	// restricted to the given partitions (default: active only).
	Search(ctx context.Context, queryVec []float32, k int, filter Filter, partitions ...types.Partition) ([]types.ChunkHit, error)

	// CountBySession returns the chunk count for a session across partitions.
	CountBySession(ctx context.Context, sessionID string) (int, error)

	// ChunksBySession returns a session's chunks ordered by index, with
	// embeddings decoded.
	ChunksBySession(ctx context.Context, sessionID string) ([]types.Chunk, error)

	// MoveToPartition flips every chunk of a session to the given partition
	// in one atomic step, updating the archived flag to match.
	MoveToPartition(ctx context.Context, sessionID string, partition types.Partition) error

	// UpdateSessionTags rewrites the stored tag metadata on every chunk of a
	// session so store-level tag filters stay correct.
	UpdateSessionTags(ctx context.Context, sessionID string, tags []string) error

	// Stats summarizes store contents.
	Stats(ctx context.Context) (types.StoreStats, error)

	// OnMutation registers a hook invoked after any write. The search result
	// cache subscribes to invalidate itself.
	OnMutation(fn func())

	// Close releases the store.
	Close() error
}

// --- scalar metadata codec ----------------------------------------------

// EncodeStringList encodes a list field as a JSON string for scalar storage.
func EncodeStringList(values []string) string {
	if values == nil {
		values = []string{}
	}
	data, _ := json.Marshal(values)
	return string(data)
}

// DecodeStringList decodes a JSON-string list field. Malformed metadata
// decodes to nil rather than failing the row.
func DecodeStringList(raw string) []string {
	if raw == "" {
		return nil
	}
	var values []string
	if err := json.Unmarshal([]byte(raw), &values); err != nil {
		return nil
	}
	if len(values) == 0 {
		return nil
	}
	return values
}

// EncodeMemoryTypes encodes the marker set as a JSON string.
func EncodeMemoryTypes(mts []types.MemoryType) string {
	ss := make([]string, len(mts))
	for i, mt := range mts {
		ss[i] = string(mt)
	}
	return EncodeStringList(ss)
}

// DecodeMemoryTypes decodes a JSON-string marker set.
func DecodeMemoryTypes(raw string) []types.MemoryType {
	ss := DecodeStringList(raw)
	if len(ss) == 0 {
		return nil
	}
	mts := make([]types.MemoryType, len(ss))
	for i, s := range ss {
		mts[i] = types.MemoryType(s)
	}
	return mts
}

// EncodeTime encodes a timestamp as an RFC-3339 string; zero encodes empty.
func EncodeTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

// DecodeTime decodes an RFC-3339 string; empty or malformed decodes zero.
func DecodeTime(raw string) time.Time {
	if raw == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}
	}
	return t
}

// EncodeVector packs a float32 vector into a little-endian blob.
func EncodeVector(vec []float32) []byte {
	buf := make([]byte, 4*len(vec))
	for i, v := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

// DecodeVector unpacks a little-endian blob into a float32 vector.
func DecodeVector(buf []byte) []float32 {
	vec := make([]float32, len(buf)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return vec
}

// CosineSimilarity computes the cosine of the angle between two vectors.
// Mismatched or zero-magnitude vectors score 0.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// PartitionsOrDefault returns the partitions to search, defaulting to active.
func PartitionsOrDefault(partitions []types.Partition) []types.Partition {
	if len(partitions) == 0 {
		return []types.Partition{types.PartitionActive}
	}
	return partitions
}
