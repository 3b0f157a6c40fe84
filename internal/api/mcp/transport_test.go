package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forkdex/forkdex/internal/cache"
	"github.com/forkdex/forkdex/internal/registry"
	"github.com/forkdex/forkdex/internal/search"
	"github.com/forkdex/forkdex/internal/vectorstore/sqlite"
)

func newTransportServer(t *testing.T) *Server {
	t.Helper()
	dir := t.TempDir()

	store, err := sqlite.Open(filepath.Join(dir, "vector_db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	reg, err := registry.Open(filepath.Join(dir, "session-registry.json"))
	require.NoError(t, err)

	searcher := search.New(store, reg, fakeEmbedder{}, cache.New(cache.Config{}), nil, search.Config{})
	return NewServer(Deps{Registry: reg, Store: store, Searcher: searcher})
}

func TestTransportServesLineDelimitedRequests(t *testing.T) {
	srv := newTransportServer(t)

	input := strings.Join([]string{
		`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2024-11-05","clientInfo":{"name":"t","version":"0"}}}`,
		`{"jsonrpc":"2.0","method":"notifications/initialized"}`,
		`{"jsonrpc":"2.0","id":2,"method":"tools/list"}`,
		``,
		`{"jsonrpc":"2.0","id":3,"method":"bogus"}`,
	}, "\n") + "\n"

	var out bytes.Buffer
	transport := NewStdioTransport(srv, strings.NewReader(input), &out, 1)

	err := transport.Serve(context.Background())
	require.NoError(t, err) // clean EOF

	// One response line per non-notification request.
	var lines []string
	scanner := bufio.NewScanner(&out)
	for scanner.Scan() {
		if len(scanner.Bytes()) > 0 {
			lines = append(lines, scanner.Text())
		}
	}
	require.Len(t, lines, 3)

	byID := make(map[interface{}]*JSONRPCResponse)
	for _, line := range lines {
		var resp JSONRPCResponse
		require.NoError(t, json.Unmarshal([]byte(line), &resp), "line: %s", line)
		assert.Equal(t, "2.0", resp.JSONRPC)
		byID[resp.ID] = &resp
	}

	require.NotNil(t, byID[float64(1)])
	assert.Nil(t, byID[float64(1)].Error)
	require.NotNil(t, byID[float64(2)])
	assert.Nil(t, byID[float64(2)].Error)
	require.NotNil(t, byID[float64(3)])
	assert.Equal(t, ErrCodeMethodNotFound, byID[float64(3)].Error.Code)
}

func TestTransportParseErrorResponse(t *testing.T) {
	srv := newTransportServer(t)

	var out bytes.Buffer
	transport := NewStdioTransport(srv, strings.NewReader("{broken\n"), &out, 1)
	require.NoError(t, transport.Serve(context.Background()))

	var resp JSONRPCResponse
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(out.Bytes()), &resp))
	assert.Equal(t, ErrCodeParseError, resp.Error.Code)
}

func TestTransportContextCancellation(t *testing.T) {
	srv := newTransportServer(t)

	ctx, cancel := context.WithCancel(context.Background())
	pr, pw := io.Pipe()
	defer pw.Close()

	done := make(chan error, 1)
	var out bytes.Buffer
	go func() {
		done <- NewStdioTransport(srv, pr, &out, 1).Serve(ctx)
	}()

	cancel()
	// Unblock the scanner so the cancelled context is observed. The write runs
	// in a goroutine: Serve may see the cancellation before it reads, and then
	// nothing ever consumes this line.
	go pw.Write([]byte("\n"))

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("transport did not stop on cancellation")
	}
}

func TestTransportConcurrentWorkersWriteWholeLines(t *testing.T) {
	srv := newTransportServer(t)

	var sb strings.Builder
	sb.WriteString(`{"jsonrpc":"2.0","id":"init","method":"initialize","params":{}}` + "\n")
	sb.WriteString(`{"jsonrpc":"2.0","method":"notifications/initialized"}` + "\n")
	for i := 0; i < 30; i++ {
		sb.WriteString(`{"jsonrpc":"2.0","id":` + jsonInt(i) + `,"method":"tools/list"}` + "\n")
	}

	var out safeBuffer
	transport := NewStdioTransport(srv, strings.NewReader(sb.String()), &out, 4)
	require.NoError(t, transport.Serve(context.Background()))

	scanner := bufio.NewScanner(strings.NewReader(out.String()))
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	seen := make(map[interface{}]bool)
	for scanner.Scan() {
		var resp JSONRPCResponse
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &resp), "corrupt frame: %s", scanner.Text())
		seen[resp.ID] = true
	}
	// init + 30 tool lists, each answered exactly once.
	assert.Len(t, seen, 31)
}

func jsonInt(i int) string {
	data, _ := json.Marshal(i)
	return string(data)
}

// safeBuffer serializes concurrent writes.
type safeBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *safeBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *safeBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
