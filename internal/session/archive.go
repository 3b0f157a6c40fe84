package session

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/forkdex/forkdex/internal/registry"
	"github.com/forkdex/forkdex/internal/vectorstore"
	"github.com/forkdex/forkdex/pkg/types"
)

// DefaultArchiveThresholdDays is how old a session must be before the archive
// sweep moves it out of the active partition.
const DefaultArchiveThresholdDays = 365

// ArchiveService moves old sessions between the active and archive
// partitions. The partition flip is atomic in the store, so a concurrent
// search sees the session entirely pre-move or entirely post-move.
type ArchiveService struct {
	registry *registry.Registry
	store    vectorstore.VectorStore

	// ThresholdDays overrides the default sweep age when positive.
	ThresholdDays int
}

// NewArchiveService wires the archive service.
func NewArchiveService(reg *registry.Registry, store vectorstore.VectorStore) *ArchiveService {
	return &ArchiveService{registry: reg, store: store, ThresholdDays: DefaultArchiveThresholdDays}
}

// Archive moves one session to the archive partition.
func (a *ArchiveService) Archive(ctx context.Context, sessionID string) error {
	if _, err := a.registry.Get(sessionID); err != nil {
		return err
	}
	if err := a.store.MoveToPartition(ctx, sessionID, types.PartitionArchive); err != nil {
		return fmt.Errorf("archive: move %s: %w", sessionID, err)
	}
	return a.registry.Update(sessionID, func(s *types.Session) {
		s.Archived = true
	})
}

// Restore moves one session back to the active partition.
func (a *ArchiveService) Restore(ctx context.Context, sessionID string) error {
	if _, err := a.registry.Get(sessionID); err != nil {
		return err
	}
	if err := a.store.MoveToPartition(ctx, sessionID, types.PartitionActive); err != nil {
		return fmt.Errorf("archive: restore %s: %w", sessionID, err)
	}
	return a.registry.Update(sessionID, func(s *types.Session) {
		s.Archived = false
	})
}

// Sweep archives every active session older than the threshold. Returns the
// archived session ids.
func (a *ArchiveService) Sweep(ctx context.Context) ([]string, error) {
	threshold := a.ThresholdDays
	if threshold <= 0 {
		threshold = DefaultArchiveThresholdDays
	}
	cutoff := time.Now().AddDate(0, 0, -threshold)

	active := false
	sessions := a.registry.List(registry.ListFilter{Archived: &active})

	var archived []string
	for _, s := range sessions {
		if s.UpdatedAt.IsZero() || !s.UpdatedAt.Before(cutoff) {
			continue
		}
		if err := a.Archive(ctx, s.ID); err != nil {
			log.Printf("archive: sweep failed for %s: %v", s.ID, err)
			continue
		}
		archived = append(archived, s.ID)
	}
	return archived, nil
}
