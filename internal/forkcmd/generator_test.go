package forkcmd

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forkdex/forkdex/pkg/types"
)

func TestDefaultTemplates(t *testing.T) {
	g, err := New(filepath.Join(t.TempDir(), "missing.yaml"), "")
	require.NoError(t, err)

	cmd := g.Generate("abc-123", nil)
	assert.Equal(t, "claude --resume abc-123", cmd.Terminal)
	assert.Equal(t, "/resume abc-123", cmd.InSession)
}

func TestCustomTemplates(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "fork_templates.yaml")
	require.NoError(t, os.WriteFile(path, []byte(
		"terminal: mytool resume --id {session_id} --file {path}\nin_session: \"/continue {session_id}\"\n"), 0o600))

	g, err := New(path, "")
	require.NoError(t, err)

	cmd := g.Generate("xyz", &types.Session{ID: "xyz", Path: "/tmp/xyz.jsonl"})
	assert.Equal(t, "mytool resume --id xyz --file /tmp/xyz.jsonl", cmd.Terminal)
	assert.Equal(t, "/continue xyz", cmd.InSession)
}

func TestMalformedTemplatesRejected(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "fork_templates.yaml")
	require.NoError(t, os.WriteFile(path, []byte("terminal: [unclosed"), 0o600))

	_, err := New(path, "")
	assert.Error(t, err)
}

func TestFindTranscriptUnderProducerDir(t *testing.T) {
	producer := t.TempDir()
	projDir := filepath.Join(producer, "my-project")
	require.NoError(t, os.MkdirAll(projDir, 0o700))
	transcript := filepath.Join(projDir, "sess-42.jsonl")
	require.NoError(t, os.WriteFile(transcript, []byte("{}\n"), 0o600))

	g, err := New(filepath.Join(t.TempDir(), "missing.yaml"), producer)
	require.NoError(t, err)

	cmd := g.Generate("sess-42", nil)
	assert.Equal(t, transcript, cmd.Path)

	missing := g.Generate("unknown", nil)
	assert.Empty(t, missing.Path)
}

func TestFormat(t *testing.T) {
	cmd := Command{SessionID: "s1", Terminal: "t-cmd", InSession: "i-cmd"}
	out := Format(cmd, &types.Session{ID: "s1", Project: "api"})
	assert.Contains(t, out, "s1")
	assert.Contains(t, out, "api")
	assert.Contains(t, out, "t-cmd")
	assert.Contains(t, out, "i-cmd")
}
