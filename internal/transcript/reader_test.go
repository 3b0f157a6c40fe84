package transcript

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forkdex/forkdex/pkg/types"
)

func TestReadFlatShape(t *testing.T) {
	input := `{"role":"user","content":"fix the login bug","timestamp":"2024-03-01T10:00:00Z"}
{"role":"assistant","content":"Looking at the auth module now."}
`
	msgs, stats, _, err := ReadAll(strings.NewReader(input), Options{})
	require.NoError(t, err)
	require.Len(t, msgs, 2)

	assert.Equal(t, types.RoleUser, msgs[0].Role)
	assert.Equal(t, "fix the login bug", msgs[0].Content)
	assert.Equal(t, time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC), msgs[0].Timestamp)
	assert.Equal(t, types.RoleAssistant, msgs[1].Role)
	assert.True(t, msgs[1].Timestamp.IsZero())
	assert.Equal(t, 2, stats.LinesRead)
	assert.Equal(t, 0, stats.LinesSkipped)
}

func TestReadNestedShapeWithBlocks(t *testing.T) {
	input := `{"type":"user","message":{"role":"user","content":"set up oauth"},"sessionId":"abc-123","cwd":"/home/dev/api"}
{"type":"assistant","message":{"role":"assistant","content":[{"type":"text","text":"First part."},{"type":"tool_use","name":"bash"},{"type":"text","text":"Second part."}]},"timestamp":"2024-03-01T11:00:00Z"}
`
	msgs, _, info, err := ReadAll(strings.NewReader(input), Options{})
	require.NoError(t, err)
	require.Len(t, msgs, 2)

	assert.Equal(t, "set up oauth", msgs[0].Content)
	assert.Equal(t, "First part.\nSecond part.", msgs[1].Content)
	assert.Equal(t, "abc-123", info.SessionID)
	assert.Equal(t, "/home/dev/api", info.CWD)
}

func TestMalformedLineSkippedUnlessStrict(t *testing.T) {
	input := `{"role":"user","content":"hello"}
{this is not json
{"role":"assistant","content":"hi"}
`
	msgs, stats, _, err := ReadAll(strings.NewReader(input), Options{})
	require.NoError(t, err)
	assert.Len(t, msgs, 2)
	assert.Equal(t, 1, stats.LinesSkipped)

	_, _, _, err = ReadAll(strings.NewReader(input), Options{Strict: true})
	assert.Error(t, err)
}

func TestEmptyContentDropped(t *testing.T) {
	input := `{"role":"user","content":""}
{"role":"user","content":"   "}
{"type":"summary","summary":"a summary line"}
{"role":"user","content":"real"}
`
	msgs, stats, _, err := ReadAll(strings.NewReader(input), Options{})
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "real", msgs[0].Content)
	assert.Equal(t, 3, stats.LinesSkipped)
}

func TestEpochTimestamps(t *testing.T) {
	input := `{"role":"user","content":"when","timestamp":1709287200}` + "\n"
	msgs, _, _, err := ReadAll(strings.NewReader(input), Options{})
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, int64(1709287200), msgs[0].Timestamp.Unix())
}

func TestInvalidUTF8Replaced(t *testing.T) {
	input := "{\"role\":\"user\",\"content\":\"caf\xff\xfe latte\"}\n"
	msgs, _, _, err := ReadAll(strings.NewReader(input), Options{})
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Contains(t, msgs[0].Content, "caf")
}

func TestReadFileEmptyTranscript(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "empty.jsonl")
	require.NoError(t, os.WriteFile(path, []byte("\n\n"), 0o600))

	_, _, _, err := ReadFile(path, Options{})
	assert.ErrorIs(t, err, ErrTranscriptEmpty)
}

func TestForEachStreams(t *testing.T) {
	var sb strings.Builder
	for i := 0; i < 100; i++ {
		sb.WriteString(`{"role":"user","content":"message body"}` + "\n")
	}

	var indices []int
	stats, _, err := ForEach(strings.NewReader(sb.String()), Options{}, func(idx int, m types.Message) error {
		indices = append(indices, idx)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 100, stats.LinesRead)
	assert.Equal(t, 0, indices[0])
	assert.Equal(t, 99, indices[99])
}

func TestSessionIDAndProjectDerivation(t *testing.T) {
	assert.Equal(t, "sess-1", SessionIDFromPath("/x/proj/sess-1.jsonl", FileInfo{}))
	assert.Equal(t, "recorded", SessionIDFromPath("/x/proj/sess-1.jsonl", FileInfo{SessionID: "recorded"}))
	assert.Equal(t, "proj", ProjectFromPath("/x/proj/sess-1.jsonl"))
}
