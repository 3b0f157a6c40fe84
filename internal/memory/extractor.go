// Package memory detects memory markers in session text. Three categories are
// recognized: PATTERN (design and architecture cues), WORKING_SOLUTION (proven
// or verified work), and WAITING (pending or blocked work). Marker presence
// adds a small additive boost to a session's composite score.
package memory

import (
	"regexp"
	"strings"

	"github.com/forkdex/forkdex/pkg/types"
)

// Boost values per marker category. Additive, capped by MaxBoost.
const (
	BoostPattern         = 0.05
	BoostWorkingSolution = 0.08
	BoostWaiting         = 0.02
	MaxBoost             = 0.15
)

// contextWindow is how many characters around a marker are captured.
const contextWindow = 100

var (
	patternRe = regexp.MustCompile(`(?i)\b(design pattern|architectural pattern|solution pattern|pattern|approach|strategy|architecture)\b`)
	workingRe = regexp.MustCompile(`(?i)\b(working solution|proven implementation|works correctly|implementation complete|all tests pass|working|successful|tested|verified|solved)\b`)
	waitingRe = regexp.MustCompile(`(?i)\b(to be completed|resume later|in progress|to do|todo|waiting|pending|blocked)\b`)
)

// Marker is one detected marker occurrence with its surrounding context.
type Marker struct {
	Type     types.MemoryType `json:"memory_type"`
	Context  string           `json:"context"`  // ±contextWindow chars around the match
	Position int              `json:"position"` // byte offset of the match
}

// ExtractTypes returns the ordered distinct set of memory types present in
// content. Order is fixed: PATTERN, WORKING_SOLUTION, WAITING.
func ExtractTypes(content string) []types.MemoryType {
	if content == "" {
		return nil
	}
	var found []types.MemoryType
	if patternRe.MatchString(content) {
		found = append(found, types.MemoryPattern)
	}
	if workingRe.MatchString(content) {
		found = append(found, types.MemoryWorkingSolution)
	}
	if waitingRe.MatchString(content) {
		found = append(found, types.MemoryWaiting)
	}
	return found
}

// ExtractMarkers returns every marker occurrence with a context window, in
// document order per category.
func ExtractMarkers(content string) []Marker {
	var markers []Marker
	for _, cat := range []struct {
		re *regexp.Regexp
		t  types.MemoryType
	}{
		{patternRe, types.MemoryPattern},
		{workingRe, types.MemoryWorkingSolution},
		{waitingRe, types.MemoryWaiting},
	} {
		for _, loc := range cat.re.FindAllStringIndex(content, -1) {
			start := loc[0] - contextWindow
			if start < 0 {
				start = 0
			}
			end := loc[1] + contextWindow
			if end > len(content) {
				end = len(content)
			}
			markers = append(markers, Marker{
				Type:     cat.t,
				Context:  strings.TrimSpace(content[start:end]),
				Position: loc[0],
			})
		}
	}
	return markers
}

// Boost computes the additive score boost for a set of memory types.
// Duplicates do not stack; the total is capped at MaxBoost.
func Boost(memoryTypes []types.MemoryType) float64 {
	boost := 0.0
	seen := make(map[types.MemoryType]bool, len(memoryTypes))
	for _, mt := range memoryTypes {
		if seen[mt] {
			continue
		}
		seen[mt] = true
		switch mt {
		case types.MemoryPattern:
			boost += BoostPattern
		case types.MemoryWorkingSolution:
			boost += BoostWorkingSolution
		case types.MemoryWaiting:
			boost += BoostWaiting
		}
	}
	if boost > MaxBoost {
		boost = MaxBoost
	}
	return boost
}
