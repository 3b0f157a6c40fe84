package session

import (
	"context"
	"math"
	"regexp"
	"sort"
	"strings"

	"github.com/forkdex/forkdex/internal/registry"
	"github.com/forkdex/forkdex/internal/vectorstore"
	"github.com/forkdex/forkdex/pkg/types"
)

// summarySentences is the number of top sentences an extractive summary keeps.
const summarySentences = 3

// summaryStaleRatio is the chunk-count drift that forces regeneration.
const summaryStaleRatio = 0.10

var fenceBlockRe = regexp.MustCompile("(?s)```.*?```")

// SummaryService produces per-session extractive summaries: the top sentences
// by TF-IDF over the session's text, code blocks excluded. Summaries are
// cached on the registry row and regenerated when the chunk count drifts by
// 10% or more.
type SummaryService struct {
	registry *registry.Registry
	store    vectorstore.VectorStore
}

// NewSummaryService wires the summary service.
func NewSummaryService(reg *registry.Registry, store vectorstore.VectorStore) *SummaryService {
	return &SummaryService{registry: reg, store: store}
}

// Get returns the session's summary, generating (or regenerating) it when the
// cache is missing or stale.
func (s *SummaryService) Get(ctx context.Context, sessionID string) (string, error) {
	sess, err := s.registry.Get(sessionID)
	if err != nil {
		return "", err
	}

	if sess.Summary != "" && !isStale(sess) {
		return sess.Summary, nil
	}

	chunks, err := s.store.ChunksBySession(ctx, sessionID)
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	for _, c := range chunks {
		sb.WriteString(c.Text)
		sb.WriteString("\n")
	}
	summary := Summarize(sb.String(), summarySentences)

	err = s.registry.Update(sessionID, func(entry *types.Session) {
		entry.Summary = summary
		entry.SummaryChunkCount = entry.ChunkCount
	})
	if err != nil {
		return "", err
	}
	return summary, nil
}

func isStale(sess *types.Session) bool {
	if sess.SummaryChunkCount == 0 {
		return sess.ChunkCount > 0
	}
	drift := math.Abs(float64(sess.ChunkCount-sess.SummaryChunkCount)) / float64(sess.SummaryChunkCount)
	return drift >= summaryStaleRatio
}

// Summarize returns the topK sentences of text by TF-IDF weight, in their
// original order. Fenced code blocks are stripped before scoring.
func Summarize(text string, topK int) string {
	text = fenceBlockRe.ReplaceAllString(text, " ")
	sentences := splitSentences(text)
	if len(sentences) == 0 {
		return ""
	}
	if len(sentences) <= topK {
		return strings.TrimSpace(strings.Join(sentences, " "))
	}

	// Document frequency across sentences.
	df := make(map[string]int)
	sentenceTerms := make([]map[string]int, len(sentences))
	for i, sent := range sentences {
		terms := tokenize(sent)
		sentenceTerms[i] = terms
		for term := range terms {
			df[term]++
		}
	}

	n := float64(len(sentences))
	type scored struct {
		idx   int
		score float64
	}
	scores := make([]scored, len(sentences))
	for i, terms := range sentenceTerms {
		total := 0
		for _, count := range terms {
			total += count
		}
		if total == 0 {
			scores[i] = scored{idx: i}
			continue
		}
		score := 0.0
		for term, count := range terms {
			tf := float64(count) / float64(total)
			idf := math.Log(n / float64(df[term]))
			score += tf * idf
		}
		scores[i] = scored{idx: i, score: score}
	}

	sort.Slice(scores, func(i, j int) bool { return scores[i].score > scores[j].score })
	top := scores[:topK]
	sort.Slice(top, func(i, j int) bool { return top[i].idx < top[j].idx })

	parts := make([]string, len(top))
	for i, sc := range top {
		parts[i] = strings.TrimSpace(sentences[sc.idx])
	}
	return strings.Join(parts, " ")
}

var sentenceEndRe = regexp.MustCompile(`[.!?](\s+|$)`)

// splitSentences performs a light sentence split on terminators.
func splitSentences(text string) []string {
	var sentences []string
	last := 0
	for _, loc := range sentenceEndRe.FindAllStringIndex(text, -1) {
		sent := strings.TrimSpace(text[last:loc[1]])
		if len(sent) > 10 {
			sentences = append(sentences, sent)
		}
		last = loc[1]
	}
	if tail := strings.TrimSpace(text[last:]); len(tail) > 10 {
		sentences = append(sentences, tail)
	}
	return sentences
}

var wordRe = regexp.MustCompile(`[a-zA-Z][a-zA-Z0-9_-]{2,}`)

// stopwords are excluded from TF-IDF terms.
var stopwords = map[string]bool{
	"the": true, "and": true, "for": true, "that": true, "this": true,
	"with": true, "you": true, "are": true, "was": true, "have": true,
	"has": true, "can": true, "will": true, "not": true, "but": true,
	"what": true, "all": true, "your": true, "use": true, "here": true,
	"its": true, "from": true, "they": true, "been": true, "should": true,
}

func tokenize(text string) map[string]int {
	terms := make(map[string]int)
	for _, word := range wordRe.FindAllString(strings.ToLower(text), -1) {
		if stopwords[word] {
			continue
		}
		terms[word]++
	}
	return terms
}
