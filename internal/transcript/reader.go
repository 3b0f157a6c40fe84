// Package transcript stream-parses the producer's append-only JSONL
// transcript files into normalized messages.
//
// Two wire shapes are accepted: a flat {role, content, timestamp?} object and
// the nested {type, message: {role, content}} envelope. Content may be a plain
// string or an array of content blocks; block arrays are flattened to the
// concatenation of their textual blocks in order. Malformed lines are skipped
// and counted unless strict mode is requested.
package transcript

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/forkdex/forkdex/pkg/types"
)

// ErrTranscriptEmpty is returned when a file yields zero usable messages.
var ErrTranscriptEmpty = errors.New("transcript: no usable messages")

// maxLineBytes bounds a single transcript line. Assistant turns with large
// tool results can run long; 4 MB matches the stdio transport's frame limit.
const maxLineBytes = 4 * 1024 * 1024

// Options controls reader behavior.
type Options struct {
	// Strict makes a malformed line fatal instead of skipped.
	Strict bool
}

// FileInfo carries the per-file fields harvested while reading: the producer's
// own session ID and working directory, when the transcript records them.
type FileInfo struct {
	SessionID string
	CWD       string
}

// line is the superset of both transcript wire shapes. Which fields are
// populated decides how it is decoded.
type line struct {
	// Flat shape.
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`

	// Nested shape.
	Type    string          `json:"type"`
	Message json.RawMessage `json:"message"`

	Timestamp json.RawMessage        `json:"timestamp"`
	SessionID string                 `json:"sessionId"`
	CWD       string                 `json:"cwd"`
	Meta      map[string]interface{} `json:"metadata"`
}

// contentBlock is one element of a content-block array. Only textual blocks
// contribute to the flattened message content.
type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// ForEach streams messages from r, invoking fn for each usable message with
// its 0-based index. It stops early when fn returns a non-nil error, returning
// that error. The whole file is never held in memory.
func ForEach(r io.Reader, opts Options, fn func(idx int, msg types.Message) error) (types.ReadStats, FileInfo, error) {
	var (
		stats types.ReadStats
		info  FileInfo
		idx   int
	)

	scanner := bufio.NewScanner(r)
	buf := make([]byte, 64*1024)
	scanner.Buffer(buf, maxLineBytes)

	for scanner.Scan() {
		raw := scanner.Bytes()
		stats.BytesRead += int64(len(raw)) + 1 // +1 for the newline
		if len(strings.TrimSpace(string(raw))) == 0 {
			continue
		}

		msg, li, err := decodeLine(raw)
		if err != nil {
			if opts.Strict {
				return stats, info, fmt.Errorf("transcript: line %d: %w", stats.LinesRead+stats.LinesSkipped+1, err)
			}
			stats.LinesSkipped++
			continue
		}
		if li.SessionID != "" && info.SessionID == "" {
			info.SessionID = li.SessionID
		}
		if li.CWD != "" && info.CWD == "" {
			info.CWD = li.CWD
		}
		if msg == nil {
			// Valid JSON but not a message line (summary records, tool
			// bookkeeping, empty content).
			stats.LinesSkipped++
			continue
		}

		stats.LinesRead++
		if err := fn(idx, *msg); err != nil {
			return stats, info, err
		}
		idx++
	}

	if err := scanner.Err(); err != nil {
		if errors.Is(err, bufio.ErrTooLong) && !opts.Strict {
			// An oversized line poisons the scanner; treat the remainder as
			// unreadable rather than failing the whole session.
			log.Printf("transcript: oversized line, truncating read")
			stats.LinesSkipped++
			return stats, info, nil
		}
		return stats, info, fmt.Errorf("transcript: scan: %w", err)
	}
	return stats, info, nil
}

// ReadAll reads every usable message from r. It is a convenience wrapper over
// ForEach for callers that chunk whole sessions at once.
func ReadAll(r io.Reader, opts Options) ([]types.Message, types.ReadStats, FileInfo, error) {
	var msgs []types.Message
	stats, info, err := ForEach(r, opts, func(_ int, m types.Message) error {
		msgs = append(msgs, m)
		return nil
	})
	return msgs, stats, info, err
}

// ReadFile opens and reads a transcript file. The file is read to its current
// EOF; if the producer appends more afterwards, the indexer is re-notified and
// reads again. Returns ErrTranscriptEmpty when no usable messages were found.
func ReadFile(path string, opts Options) ([]types.Message, types.ReadStats, FileInfo, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, types.ReadStats{}, FileInfo{}, fmt.Errorf("transcript: open %s: %w", path, err)
	}
	defer f.Close()

	msgs, stats, info, err := ReadAll(f, opts)
	if err != nil {
		return nil, stats, info, err
	}
	if len(msgs) == 0 {
		return nil, stats, info, fmt.Errorf("%w: %s", ErrTranscriptEmpty, path)
	}
	return msgs, stats, info, nil
}

// SessionIDFromPath derives the session ID for a transcript file: the
// producer's recorded sessionId when present, else the file name without its
// extension.
func SessionIDFromPath(path string, info FileInfo) string {
	if info.SessionID != "" {
		return info.SessionID
	}
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// ProjectFromPath derives the project label from the transcript's parent
// directory name.
func ProjectFromPath(path string) string {
	return filepath.Base(filepath.Dir(path))
}

// decodeLine parses one transcript line. A nil message with a nil error means
// the line was valid JSON but carries no usable message content.
func decodeLine(raw []byte) (*types.Message, *line, error) {
	if !utf8.Valid(raw) {
		raw = []byte(strings.ToValidUTF8(string(raw), string(utf8.RuneError)))
	}

	var li line
	if err := json.Unmarshal(raw, &li); err != nil {
		return nil, &li, fmt.Errorf("parse: %w", err)
	}

	role := li.Role
	content := li.Content

	// Nested shape: the payload lives under message; the role is
	// message.role, falling back to the envelope's type.
	if role == "" && len(li.Message) > 0 {
		var inner struct {
			Role    string          `json:"role"`
			Content json.RawMessage `json:"content"`
		}
		if err := json.Unmarshal(li.Message, &inner); err != nil {
			return nil, &li, fmt.Errorf("parse nested message: %w", err)
		}
		role = inner.Role
		if role == "" {
			role = li.Type
		}
		content = inner.Content
	}

	if role == "" || len(content) == 0 {
		return nil, &li, nil
	}

	text, err := flattenContent(content)
	if err != nil {
		return nil, &li, err
	}
	if strings.TrimSpace(text) == "" {
		return nil, &li, nil
	}

	msg := &types.Message{
		Role:      normalizeRole(role),
		Content:   text,
		Timestamp: parseTimestamp(li.Timestamp),
		Metadata:  li.Meta,
	}
	return msg, &li, nil
}

// flattenContent turns a content value (string or block array) into plain text.
func flattenContent(raw json.RawMessage) (string, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, nil
	}

	var blocks []contentBlock
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return "", fmt.Errorf("parse content: %w", err)
	}

	var sb strings.Builder
	for _, b := range blocks {
		if b.Type != "" && b.Type != "text" {
			continue
		}
		if b.Text == "" {
			continue
		}
		if sb.Len() > 0 {
			sb.WriteString("\n")
		}
		sb.WriteString(b.Text)
	}
	return sb.String(), nil
}

// parseTimestamp accepts RFC-3339 / ISO-8601 strings and numeric epoch
// seconds. A missing or unparseable timestamp yields the zero time.
func parseTimestamp(raw json.RawMessage) time.Time {
	if len(raw) == 0 {
		return time.Time{}
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05"} {
			if t, err := time.Parse(layout, s); err == nil {
				return t
			}
		}
		return time.Time{}
	}

	var epoch float64
	if err := json.Unmarshal(raw, &epoch); err == nil && epoch > 0 {
		sec := int64(epoch)
		nsec := int64((epoch - float64(sec)) * float64(time.Second))
		return time.Unix(sec, nsec).UTC()
	}
	return time.Time{}
}

// normalizeRole maps wire roles onto the three canonical roles.
func normalizeRole(role string) types.Role {
	switch strings.ToLower(role) {
	case "user", "human":
		return types.RoleUser
	case "assistant":
		return types.RoleAssistant
	default:
		return types.RoleOther
	}
}
