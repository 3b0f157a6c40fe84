// Package indexer keeps the vector index in sync with the producer's
// transcript tree: a shared per-file pipeline (parse, chunk, embed, swap,
// registry upsert) driven either by the background watcher or by the bulk
// setup orchestrator.
package indexer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/forkdex/forkdex/internal/chunker"
	"github.com/forkdex/forkdex/internal/registry"
	"github.com/forkdex/forkdex/internal/transcript"
	"github.com/forkdex/forkdex/internal/vectorstore"
	"github.com/forkdex/forkdex/pkg/types"
)

// Stage names reported while a session moves through the pipeline.
const (
	StageParsing   = "parsing"
	StageEmbedding = "embedding"
	StageWriting   = "writing"
	StageIndexed   = "indexed"
	StageFailed    = "failed"
)

// embedTexts is the slice of the embedding gateway the pipeline uses.
type embedTexts interface {
	EmbedTexts(ctx context.Context, texts []string) ([][]float32, error)
}

// Pipeline indexes one transcript file end to end.
type Pipeline struct {
	Registry *registry.Registry
	Store    vectorstore.VectorStore
	Gateway  embedTexts
	Chunking chunker.Options

	// CheckpointInterval is how many parsed messages pass between checkpoint
	// writes (default 15). Zero keeps the default; negative disables.
	CheckpointInterval int

	// CheckpointPath is where the progress flag is written; empty disables
	// checkpointing.
	CheckpointPath string

	// OnStage, when set, receives stage transitions for the file being
	// indexed.
	OnStage func(path, stage string)
}

// Result summarizes a successful index run for one file.
type Result struct {
	SessionID    string
	Project      string
	MessageCount int
	ChunkCount   int
	Stats        types.ReadStats
}

// checkpoint is the progress flag written every CheckpointInterval messages.
// A crash loses at most one interval's worth of parsing work.
type checkpoint struct {
	Path     string    `json:"path"`
	Messages int       `json:"messages"`
	At       time.Time `json:"at"`
}

func (p *Pipeline) stage(path, stage string) {
	if p.OnStage != nil {
		p.OnStage(path, stage)
	}
}

func (p *Pipeline) checkpointEvery() int {
	if p.CheckpointInterval == 0 {
		return 15
	}
	return p.CheckpointInterval
}

// IndexFile runs the full pipeline for one transcript file. The session's
// previous chunks are replaced atomically in the store, and the registry row
// is then updated with the new counts as a separate step. Honors ctx
// cancellation between stages and inside embedding.
func (p *Pipeline) IndexFile(ctx context.Context, path string) (*Result, error) {
	p.stage(path, StageParsing)

	interval := p.checkpointEvery()
	parsed := 0
	var msgs []types.Message
	f, err := os.Open(path)
	if err != nil {
		p.stage(path, StageFailed)
		return nil, fmt.Errorf("indexer: open %s: %w", path, err)
	}
	stats, info, err := transcript.ForEach(f, transcript.Options{}, func(_ int, m types.Message) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		msgs = append(msgs, m)
		parsed++
		if interval > 0 && parsed%interval == 0 {
			p.writeCheckpoint(path, parsed)
		}
		return nil
	})
	f.Close()
	if err != nil {
		p.stage(path, StageFailed)
		return nil, err
	}
	if len(msgs) == 0 {
		p.stage(path, StageFailed)
		return nil, fmt.Errorf("%w: %s", transcript.ErrTranscriptEmpty, path)
	}

	sessionID := transcript.SessionIDFromPath(path, info)
	project := transcript.ProjectFromPath(path)

	chunks := chunker.Chunk(sessionID, project, msgs, p.Chunking)

	// Carry the session's tag set and archived flag into the new chunks so
	// store-level filters stay correct across a re-index.
	var tags []string
	archived := false
	existing, err := p.Registry.Get(sessionID)
	if err == nil {
		tags = existing.Tags
		archived = existing.Archived
	} else if !errors.Is(err, registry.ErrNotFound) {
		p.stage(path, StageFailed)
		return nil, err
	}
	for i := range chunks {
		chunks[i].Tags = tags
		chunks[i].Archived = archived
	}

	p.stage(path, StageEmbedding)
	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Text
	}
	vectors, err := p.Gateway.EmbedTexts(ctx, texts)
	if err != nil {
		p.stage(path, StageFailed)
		return nil, err
	}
	for i := range chunks {
		chunks[i].Embedding = vectors[i]
	}

	if err := ctx.Err(); err != nil {
		p.stage(path, StageFailed)
		return nil, err
	}

	p.stage(path, StageWriting)
	if err := p.Store.ReplaceSession(ctx, sessionID, chunks); err != nil {
		p.stage(path, StageFailed)
		return nil, err
	}

	now := time.Now().UTC()
	updatedAt := newestTimestamp(msgs)
	if updatedAt.IsZero() {
		if fi, statErr := os.Stat(path); statErr == nil {
			updatedAt = fi.ModTime().UTC()
		} else {
			updatedAt = now
		}
	}

	if existing != nil {
		err = p.Registry.Update(sessionID, func(s *types.Session) {
			s.Path = path
			s.UpdatedAt = updatedAt
			s.MessageCount = len(msgs)
			s.ChunkCount = len(chunks)
			s.LastSynced = now
		})
	} else {
		err = p.Registry.Add(&types.Session{
			ID:           sessionID,
			Project:      project,
			Path:         path,
			CreatedAt:    now,
			UpdatedAt:    updatedAt,
			MessageCount: len(msgs),
			ChunkCount:   len(chunks),
			LastSynced:   now,
		})
	}
	if err != nil {
		p.stage(path, StageFailed)
		return nil, err
	}

	p.stage(path, StageIndexed)
	return &Result{
		SessionID:    sessionID,
		Project:      project,
		MessageCount: len(msgs),
		ChunkCount:   len(chunks),
		Stats:        stats,
	}, nil
}

// writeCheckpoint records parsing progress atomically. Failures are ignored:
// the checkpoint only bounds re-work after a crash.
func (p *Pipeline) writeCheckpoint(path string, messages int) {
	if p.CheckpointPath == "" {
		return
	}
	data, err := json.Marshal(checkpoint{Path: path, Messages: messages, At: time.Now().UTC()})
	if err != nil {
		return
	}
	tmp := p.CheckpointPath + ".tmp"
	if os.WriteFile(tmp, data, 0o600) == nil {
		_ = os.Rename(tmp, p.CheckpointPath)
	}
}

func newestTimestamp(msgs []types.Message) time.Time {
	var newest time.Time
	for _, m := range msgs {
		if m.Timestamp.After(newest) {
			newest = m.Timestamp
		}
	}
	return newest
}
