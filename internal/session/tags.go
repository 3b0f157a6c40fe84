package session

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/forkdex/forkdex/internal/registry"
	"github.com/forkdex/forkdex/internal/vectorstore"
	"github.com/forkdex/forkdex/pkg/types"
)

// maxTagLength bounds a single tag.
const maxTagLength = 50

// tagCharset restricts tags to lowercase letters, digits, dots, underscores
// and dashes, starting with a letter or digit.
var tagCharset = regexp.MustCompile(`^[a-z0-9][a-z0-9._-]*$`)

// TagService manages session tags. Every mutation rewrites the chunk-level
// tag metadata in the vector store so store filters stay correct.
type TagService struct {
	registry *registry.Registry
	store    vectorstore.VectorStore
}

// NewTagService wires the tag service.
func NewTagService(reg *registry.Registry, store vectorstore.VectorStore) *TagService {
	return &TagService{registry: reg, store: store}
}

// NormalizeTag lowercases and trims a tag, validating length and charset.
func NormalizeTag(tag string) (string, error) {
	tag = strings.ToLower(strings.TrimSpace(tag))
	if tag == "" {
		return "", fmt.Errorf("tags: empty tag")
	}
	if len(tag) > maxTagLength {
		return "", fmt.Errorf("tags: tag longer than %d characters", maxTagLength)
	}
	if !tagCharset.MatchString(tag) {
		return "", fmt.Errorf("tags: invalid tag %q (allowed: a-z 0-9 . _ -)", tag)
	}
	return tag, nil
}

// Add attaches a tag to a session. Adding an existing tag is a no-op.
func (t *TagService) Add(ctx context.Context, sessionID, tag string) ([]string, error) {
	normalized, err := NormalizeTag(tag)
	if err != nil {
		return nil, err
	}

	var tags []string
	err = t.registry.Update(sessionID, func(s *types.Session) {
		if !s.HasTag(normalized) {
			s.Tags = append(s.Tags, normalized)
		}
		tags = append([]string(nil), s.Tags...)
	})
	if err != nil {
		return nil, err
	}

	if err := t.store.UpdateSessionTags(ctx, sessionID, tags); err != nil {
		return nil, fmt.Errorf("tags: sync store: %w", err)
	}
	return tags, nil
}

// Remove detaches a tag from a session. Removing an absent tag is a no-op.
func (t *TagService) Remove(ctx context.Context, sessionID, tag string) ([]string, error) {
	normalized, err := NormalizeTag(tag)
	if err != nil {
		return nil, err
	}

	var tags []string
	err = t.registry.Update(sessionID, func(s *types.Session) {
		kept := s.Tags[:0]
		for _, existing := range s.Tags {
			if existing != normalized {
				kept = append(kept, existing)
			}
		}
		s.Tags = kept
		tags = append([]string(nil), s.Tags...)
	})
	if err != nil {
		return nil, err
	}

	if err := t.store.UpdateSessionTags(ctx, sessionID, tags); err != nil {
		return nil, fmt.Errorf("tags: sync store: %w", err)
	}
	return tags, nil
}

// List returns a session's tags.
func (t *TagService) List(sessionID string) ([]string, error) {
	s, err := t.registry.Get(sessionID)
	if err != nil {
		return nil, err
	}
	return s.Tags, nil
}

// FindByTag returns the sessions carrying a tag, newest first.
func (t *TagService) FindByTag(tag string) ([]*types.Session, error) {
	normalized, err := NormalizeTag(tag)
	if err != nil {
		return nil, err
	}
	return t.registry.List(registry.ListFilter{Tag: normalized}), nil
}
