// Package sqlite implements the vector store on an embedded SQLite database.
// Embeddings are stored as little-endian float32 blobs; list-valued metadata
// is JSON-encoded per the adapter codec. Search is a brute-force cosine scan,
// which is the right trade for a local single-user index.
package sqlite

import (
	"container/heap"
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite" // SQLite driver

	"github.com/forkdex/forkdex/internal/vectorstore"
	"github.com/forkdex/forkdex/pkg/types"
)

const schema = `
CREATE TABLE IF NOT EXISTS chunks (
	chunk_id     TEXT PRIMARY KEY,
	session_id   TEXT NOT NULL,
	chunk_index  INTEGER NOT NULL,
	body         TEXT NOT NULL,
	token_count  INTEGER NOT NULL,
	embedding    BLOB NOT NULL,
	project      TEXT NOT NULL DEFAULT '',
	ts           TEXT NOT NULL DEFAULT '',
	first_msg    INTEGER NOT NULL DEFAULT 0,
	last_msg     INTEGER NOT NULL DEFAULT 0,
	memory_types TEXT NOT NULL DEFAULT '[]',
	tags         TEXT NOT NULL DEFAULT '[]',
	archived     INTEGER NOT NULL DEFAULT 0,
	part         TEXT NOT NULL DEFAULT 'active'
);
CREATE INDEX IF NOT EXISTS idx_chunks_session ON chunks(session_id);
CREATE INDEX IF NOT EXISTS idx_chunks_part    ON chunks(part);
CREATE INDEX IF NOT EXISTS idx_chunks_project ON chunks(project);
`

// Store is the SQLite-backed vector store.
type Store struct {
	db *sql.DB

	// sessionMu serializes writes per session id so delete-then-insert swaps
	// from concurrent writers cannot interleave.
	sessionMu sync.Map // session id -> *sync.Mutex

	hookMu sync.Mutex
	hooks  []func()
}

// Open opens (or creates) the vector store under dir. The database file lives
// at dir/chunks.db. Returns ErrStoreUnavailable when the database cannot be
// opened.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("%w: create %s: %v", vectorstore.ErrStoreUnavailable, dir, err)
	}

	db, err := sql.Open("sqlite", filepath.Join(dir, "chunks.db"))
	if err != nil {
		return nil, fmt.Errorf("%w: open: %v", vectorstore.ErrStoreUnavailable, err)
	}

	// SQLite supports one concurrent writer. A single open connection
	// serialises writes and avoids SQLITE_BUSY under concurrent load; WAL
	// lets readers proceed without blocking the writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%w: %s: %v", vectorstore.ErrStoreUnavailable, pragma, err)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: create schema: %v", vectorstore.ErrStoreUnavailable, err)
	}

	return &Store{db: db}, nil
}

// Close releases the database.
func (s *Store) Close() error { return s.db.Close() }

// OnMutation registers a post-write hook.
func (s *Store) OnMutation(fn func()) {
	s.hookMu.Lock()
	defer s.hookMu.Unlock()
	s.hooks = append(s.hooks, fn)
}

func (s *Store) notifyMutation() {
	s.hookMu.Lock()
	hooks := make([]func(), len(s.hooks))
	copy(hooks, s.hooks)
	s.hookMu.Unlock()
	for _, fn := range hooks {
		fn()
	}
}

// lockSession returns the per-session write lock.
func (s *Store) lockSession(sessionID string) *sync.Mutex {
	mu, _ := s.sessionMu.LoadOrStore(sessionID, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// UpsertChunks inserts or replaces chunks in one transaction.
func (s *Store) UpsertChunks(ctx context.Context, chunks []types.Chunk) error {
	if len(chunks) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: begin: %w", err)
	}
	defer tx.Rollback()

	if err := insertChunks(ctx, tx, chunks); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite: commit: %w", err)
	}
	s.notifyMutation()
	return nil
}

func insertChunks(ctx context.Context, tx *sql.Tx, chunks []types.Chunk) error {
	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR REPLACE INTO chunks
			(chunk_id, session_id, chunk_index, body, token_count, embedding,
			 project, ts, first_msg, last_msg, memory_types, tags, archived, part)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("sqlite: prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, c := range chunks {
		part := types.PartitionActive
		if c.Archived {
			part = types.PartitionArchive
		}
		_, err := stmt.ExecContext(ctx,
			c.ID(), c.SessionID, c.Index, c.Text, c.TokenCount,
			vectorstore.EncodeVector(c.Embedding),
			c.Project, vectorstore.EncodeTime(c.Timestamp),
			c.FirstMessage, c.LastMessage,
			vectorstore.EncodeMemoryTypes(c.MemoryTypes),
			vectorstore.EncodeStringList(c.Tags),
			boolToInt(c.Archived), string(part))
		if err != nil {
			return fmt.Errorf("sqlite: insert chunk %s: %w", c.ID(), err)
		}
	}
	return nil
}

// ReplaceSession swaps a session's chunks inside one transaction, under the
// per-session lock. Readers see the old set or the new set, never neither.
func (s *Store) ReplaceSession(ctx context.Context, sessionID string, chunks []types.Chunk) error {
	mu := s.lockSession(sessionID)
	mu.Lock()
	defer mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM chunks WHERE session_id = ?", sessionID); err != nil {
		return fmt.Errorf("sqlite: delete session %s: %w", sessionID, err)
	}
	if err := insertChunks(ctx, tx, chunks); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite: commit: %w", err)
	}
	s.notifyMutation()
	return nil
}

// DeleteBySession removes every chunk of a session.
func (s *Store) DeleteBySession(ctx context.Context, sessionID string) error {
	mu := s.lockSession(sessionID)
	mu.Lock()
	defer mu.Unlock()

	if _, err := s.db.ExecContext(ctx, "DELETE FROM chunks WHERE session_id = ?", sessionID); err != nil {
		return fmt.Errorf("sqlite: delete session %s: %w", sessionID, err)
	}
	s.notifyMutation()
	return nil
}

// hitHeap is a min-heap by similarity, keeping the top-k hits during the scan.
type hitHeap []types.ChunkHit

func (h hitHeap) Len() int            { return len(h) }
func (h hitHeap) Less(i, j int) bool  { return h[i].Similarity < h[j].Similarity }
func (h hitHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *hitHeap) Push(x interface{}) { *h = append(*h, x.(types.ChunkHit)) }
func (h *hitHeap) Pop() interface{} {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// Search scans the requested partitions and returns the top-k chunks by
// cosine similarity, most similar first.
func (s *Store) Search(ctx context.Context, queryVec []float32, k int, filter vectorstore.Filter, partitions ...types.Partition) ([]types.ChunkHit, error) {
	parts := vectorstore.PartitionsOrDefault(partitions)

	query := `
		SELECT chunk_id, session_id, chunk_index, body, token_count, embedding,
		       project, ts, first_msg, last_msg, memory_types, tags, archived
		FROM chunks WHERE part IN (`
	args := make([]interface{}, 0, 4)
	for i, p := range parts {
		if i > 0 {
			query += ", "
		}
		query += "?"
		args = append(args, string(p))
	}
	query += ")"
	if filter.Project != "" {
		query += " AND project = ?"
		args = append(args, filter.Project)
	}
	if filter.Archived != nil {
		query += " AND archived = ?"
		args = append(args, boolToInt(*filter.Archived))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: search: %w", err)
	}
	defer rows.Close()

	top := &hitHeap{}
	heap.Init(top)

	for rows.Next() {
		c, vec, err := scanChunk(rows)
		if err != nil {
			return nil, err
		}
		if !filter.Matches(c) {
			continue
		}
		sim := vectorstore.CosineSimilarity(queryVec, vec)
		c.Embedding = vec
		heap.Push(top, types.ChunkHit{Chunk: *c, Similarity: sim})
		if top.Len() > k {
			heap.Pop(top)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: search rows: %w", err)
	}

	// Drain the min-heap into descending order.
	hits := make([]types.ChunkHit, top.Len())
	for i := len(hits) - 1; i >= 0; i-- {
		hits[i] = heap.Pop(top).(types.ChunkHit)
	}
	return hits, nil
}

func scanChunk(rows *sql.Rows) (*types.Chunk, []float32, error) {
	var (
		c        types.Chunk
		chunkID  string
		blob     []byte
		ts       string
		mts      string
		tags     string
		archived int
	)
	if err := rows.Scan(&chunkID, &c.SessionID, &c.Index, &c.Text, &c.TokenCount, &blob,
		&c.Project, &ts, &c.FirstMessage, &c.LastMessage, &mts, &tags, &archived); err != nil {
		return nil, nil, fmt.Errorf("sqlite: scan chunk: %w", err)
	}
	c.Timestamp = vectorstore.DecodeTime(ts)
	c.MemoryTypes = vectorstore.DecodeMemoryTypes(mts)
	c.Tags = vectorstore.DecodeStringList(tags)
	c.Archived = archived != 0
	return &c, vectorstore.DecodeVector(blob), nil
}

// CountBySession returns the chunk count for a session across partitions.
func (s *Store) CountBySession(ctx context.Context, sessionID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM chunks WHERE session_id = ?", sessionID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("sqlite: count session %s: %w", sessionID, err)
	}
	return count, nil
}

// ChunksBySession returns a session's chunks ordered by index.
func (s *Store) ChunksBySession(ctx context.Context, sessionID string) ([]types.Chunk, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT chunk_id, session_id, chunk_index, body, token_count, embedding,
		       project, ts, first_msg, last_msg, memory_types, tags, archived
		FROM chunks WHERE session_id = ? ORDER BY chunk_index`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: chunks for %s: %w", sessionID, err)
	}
	defer rows.Close()

	var chunks []types.Chunk
	for rows.Next() {
		c, vec, err := scanChunk(rows)
		if err != nil {
			return nil, err
		}
		c.Embedding = vec
		chunks = append(chunks, *c)
	}
	return chunks, rows.Err()
}

// MoveToPartition flips a session's chunks to the given partition atomically.
func (s *Store) MoveToPartition(ctx context.Context, sessionID string, partition types.Partition) error {
	mu := s.lockSession(sessionID)
	mu.Lock()
	defer mu.Unlock()

	archived := partition == types.PartitionArchive
	_, err := s.db.ExecContext(ctx,
		"UPDATE chunks SET part = ?, archived = ? WHERE session_id = ?",
		string(partition), boolToInt(archived), sessionID)
	if err != nil {
		return fmt.Errorf("sqlite: move session %s to %s: %w", sessionID, partition, err)
	}
	s.notifyMutation()
	return nil
}

// UpdateSessionTags rewrites the tag metadata on every chunk of a session.
func (s *Store) UpdateSessionTags(ctx context.Context, sessionID string, tags []string) error {
	mu := s.lockSession(sessionID)
	mu.Lock()
	defer mu.Unlock()

	_, err := s.db.ExecContext(ctx,
		"UPDATE chunks SET tags = ? WHERE session_id = ?",
		vectorstore.EncodeStringList(tags), sessionID)
	if err != nil {
		return fmt.Errorf("sqlite: update tags for %s: %w", sessionID, err)
	}
	s.notifyMutation()
	return nil
}

// Stats summarizes the store.
func (s *Store) Stats(ctx context.Context) (types.StoreStats, error) {
	var stats types.StoreStats
	err := s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(CASE WHEN part = 'active' THEN 1 END),
			COUNT(CASE WHEN part = 'archive' THEN 1 END),
			COUNT(DISTINCT session_id)
		FROM chunks`).Scan(&stats.ActiveChunks, &stats.ArchiveChunks, &stats.Sessions)
	if err != nil {
		return stats, fmt.Errorf("sqlite: stats: %w", err)
	}
	return stats, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
