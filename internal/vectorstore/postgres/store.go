// Package postgres implements the vector store on PostgreSQL with the
// pgvector extension. It mirrors the sqlite backend's schema and behavior;
// similarity uses pgvector's cosine distance operator, converted to cosine
// similarity as 1 - distance.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	_ "github.com/lib/pq" // PostgreSQL driver
	pgvector "github.com/pgvector/pgvector-go"

	"github.com/forkdex/forkdex/internal/vectorstore"
	"github.com/forkdex/forkdex/pkg/types"
)

// Store is the pgvector-backed vector store.
type Store struct {
	db        *sql.DB
	dimension int

	sessionMu sync.Map // session id -> *sync.Mutex

	hookMu sync.Mutex
	hooks  []func()
}

// Open connects to PostgreSQL at dsn and ensures the pgvector extension and
// the chunks table exist. Returns ErrStoreUnavailable on any setup failure.
func Open(dsn string, dimension int) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: open: %v", vectorstore.ErrStoreUnavailable, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: ping: %v", vectorstore.ErrStoreUnavailable, err)
	}

	if _, err := db.Exec("CREATE EXTENSION IF NOT EXISTS vector"); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: pgvector extension: %v", vectorstore.ErrStoreUnavailable, err)
	}

	schema := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS chunks (
			chunk_id     TEXT PRIMARY KEY,
			session_id   TEXT NOT NULL,
			chunk_index  INTEGER NOT NULL,
			body         TEXT NOT NULL,
			token_count  INTEGER NOT NULL,
			embedding    vector(%d) NOT NULL,
			project      TEXT NOT NULL DEFAULT '',
			ts           TEXT NOT NULL DEFAULT '',
			first_msg    INTEGER NOT NULL DEFAULT 0,
			last_msg     INTEGER NOT NULL DEFAULT 0,
			memory_types TEXT NOT NULL DEFAULT '[]',
			tags         TEXT NOT NULL DEFAULT '[]',
			archived     BOOLEAN NOT NULL DEFAULT FALSE,
			part         TEXT NOT NULL DEFAULT 'active'
		);
		CREATE INDEX IF NOT EXISTS idx_chunks_session ON chunks(session_id);
		CREATE INDEX IF NOT EXISTS idx_chunks_part    ON chunks(part);
	`, dimension)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: create schema: %v", vectorstore.ErrStoreUnavailable, err)
	}

	return &Store{db: db, dimension: dimension}, nil
}

// Close releases the connection pool.
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
		return fmt.Errorf("postgres: begin: %w", err)
	}
	defer tx.Rollback()

	if err := insertChunks(ctx, tx, chunks); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("postgres: commit: %w", err)
	}
	s.notifyMutation()
	return nil
}

func insertChunks(ctx context.Context, tx *sql.Tx, chunks []types.Chunk) error {
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO chunks
			(chunk_id, session_id, chunk_index, body, token_count, embedding,
			 project, ts, first_msg, last_msg, memory_types, tags, archived, part)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (chunk_id) DO UPDATE SET
			body = EXCLUDED.body, token_count = EXCLUDED.token_count,
			embedding = EXCLUDED.embedding, project = EXCLUDED.project,
			ts = EXCLUDED.ts, first_msg = EXCLUDED.first_msg,
			last_msg = EXCLUDED.last_msg, memory_types = EXCLUDED.memory_types,
			tags = EXCLUDED.tags, archived = EXCLUDED.archived, part = EXCLUDED.part`)
	if err != nil {
		return fmt.Errorf("postgres: prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, c := range chunks {
		part := types.PartitionActive
		if c.Archived {
			part = types.PartitionArchive
		}
		_, err := stmt.ExecContext(ctx,
			c.ID(), c.SessionID, c.Index, c.Text, c.TokenCount,
			pgvector.NewVector(c.Embedding),
			c.Project, vectorstore.EncodeTime(c.Timestamp),
			c.FirstMessage, c.LastMessage,
			vectorstore.EncodeMemoryTypes(c.MemoryTypes),
			vectorstore.EncodeStringList(c.Tags),
			c.Archived, string(part))
		if err != nil {
			return fmt.Errorf("postgres: insert chunk %s: %w", c.ID(), err)
		}
	}
	return nil
}

// ReplaceSession swaps a session's chunks atomically under the session lock.
func (s *Store) ReplaceSession(ctx context.Context, sessionID string, chunks []types.Chunk) error {
	mu := s.lockSession(sessionID)
	mu.Lock()
	defer mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("postgres: begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM chunks WHERE session_id = $1", sessionID); err != nil {
		return fmt.Errorf("postgres: delete session %s: %w", sessionID, err)
	}
	if err := insertChunks(ctx, tx, chunks); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("postgres: commit: %w", err)
	}
	s.notifyMutation()
	return nil
}

// DeleteBySession removes every chunk of a session.
func (s *Store) DeleteBySession(ctx context.Context, sessionID string) error {
	mu := s.lockSession(sessionID)
	mu.Lock()
	defer mu.Unlock()

	if _, err := s.db.ExecContext(ctx, "DELETE FROM chunks WHERE session_id = $1", sessionID); err != nil {
		return fmt.Errorf("postgres: delete session %s: %w", sessionID, err)
	}
	s.notifyMutation()
	return nil
}

// Search performs a pgvector cosine-distance k-NN over the requested
// partitions. Tag and memory-type membership are post-filtered in Go, so the
// SQL limit is padded before the final cut.
func (s *Store) Search(ctx context.Context, queryVec []float32, k int, filter vectorstore.Filter, partitions ...types.Partition) ([]types.ChunkHit, error) {
	parts := vectorstore.PartitionsOrDefault(partitions)

	query := `
		SELECT chunk_id, session_id, chunk_index, body, token_count,
		       project, ts, first_msg, last_msg, memory_types, tags, archived,
		       embedding <=> $1 AS distance
		FROM chunks WHERE part = ANY($2::text[])`
	args := []interface{}{pgvector.NewVector(queryVec), partsArray(parts)}

	n := 3
	if filter.Project != "" {
		query += fmt.Sprintf(" AND project = $%d", n)
		args = append(args, filter.Project)
		n++
	}
	if filter.Archived != nil {
		query += fmt.Sprintf(" AND archived = $%d", n)
		args = append(args, *filter.Archived)
		n++
	}

	// Pad for post-filters on membership fields.
	limit := k
	if len(filter.Tags) > 0 || len(filter.MemoryTypes) > 0 || !filter.Since.IsZero() || !filter.Until.IsZero() {
		limit = k * 4
	}
	query += fmt.Sprintf(" ORDER BY distance LIMIT $%d", n)
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: search: %w", err)
	}
	defer rows.Close()

	var hits []types.ChunkHit
	for rows.Next() {
		var (
			c        types.Chunk
			chunkID  string
			ts, mts  string
			tags     string
			distance float64
		)
		if err := rows.Scan(&chunkID, &c.SessionID, &c.Index, &c.Text, &c.TokenCount,
			&c.Project, &ts, &c.FirstMessage, &c.LastMessage, &mts, &tags, &c.Archived, &distance); err != nil {
			return nil, fmt.Errorf("postgres: scan: %w", err)
		}
		c.Timestamp = vectorstore.DecodeTime(ts)
		c.MemoryTypes = vectorstore.DecodeMemoryTypes(mts)
		c.Tags = vectorstore.DecodeStringList(tags)
		if !filter.Matches(&c) {
			continue
		}
		hits = append(hits, types.ChunkHit{Chunk: c, Similarity: 1 - distance})
		if len(hits) == k {
			break
		}
	}
	return hits, rows.Err()
}

func partsArray(parts []types.Partition) interface{} {
	// lib/pq array support via the pq.Array helper would pull in the full
	// import; a text[] literal keeps the query simple for the two known
	// partition names.
	if len(parts) == 2 {
		return "{active,archive}"
	}
	return fmt.Sprintf("{%s}", parts[0])
}

// CountBySession returns the chunk count for a session.
func (s *Store) CountBySession(ctx context.Context, sessionID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM chunks WHERE session_id = $1", sessionID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("postgres: count session %s: %w", sessionID, err)
	}
	return count, nil
}

// ChunksBySession returns a session's chunks ordered by index.
func (s *Store) ChunksBySession(ctx context.Context, sessionID string) ([]types.Chunk, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT chunk_id, session_id, chunk_index, body, token_count,
		       project, ts, first_msg, last_msg, memory_types, tags, archived, embedding
		FROM chunks WHERE session_id = $1 ORDER BY chunk_index`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("postgres: chunks for %s: %w", sessionID, err)
	}
	defer rows.Close()

	var chunks []types.Chunk
	for rows.Next() {
		var (
			c       types.Chunk
			chunkID string
			ts, mts string
			tags    string
			vec     pgvector.Vector
		)
		if err := rows.Scan(&chunkID, &c.SessionID, &c.Index, &c.Text, &c.TokenCount,
			&c.Project, &ts, &c.FirstMessage, &c.LastMessage, &mts, &tags, &c.Archived, &vec); err != nil {
			return nil, fmt.Errorf("postgres: scan: %w", err)
		}
		c.Timestamp = vectorstore.DecodeTime(ts)
		c.MemoryTypes = vectorstore.DecodeMemoryTypes(mts)
		c.Tags = vectorstore.DecodeStringList(tags)
		c.Embedding = vec.Slice()
		chunks = append(chunks, c)
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
		"UPDATE chunks SET part = $1, archived = $2 WHERE session_id = $3",
		string(partition), archived, sessionID)
	if err != nil {
		return fmt.Errorf("postgres: move session %s: %w", sessionID, err)
	}
	s.notifyMutation()
	return nil
}

// UpdateSessionTags rewrites tag metadata on every chunk of a session.
func (s *Store) UpdateSessionTags(ctx context.Context, sessionID string, tags []string) error {
	mu := s.lockSession(sessionID)
	mu.Lock()
	defer mu.Unlock()

	_, err := s.db.ExecContext(ctx,
		"UPDATE chunks SET tags = $1 WHERE session_id = $2",
		vectorstore.EncodeStringList(tags), sessionID)
	if err != nil {
		return fmt.Errorf("postgres: update tags for %s: %w", sessionID, err)
	}
	s.notifyMutation()
	return nil
}

// Stats summarizes the store.
func (s *Store) Stats(ctx context.Context) (types.StoreStats, error) {
	var stats types.StoreStats
	err := s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE part = 'active'),
			COUNT(*) FILTER (WHERE part = 'archive'),
			COUNT(DISTINCT session_id)
		FROM chunks`).Scan(&stats.ActiveChunks, &stats.ArchiveChunks, &stats.Sessions)
	if err != nil {
		return stats, fmt.Errorf("postgres: stats: %w", err)
	}
	return stats, nil
}
