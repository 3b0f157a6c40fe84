package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/forkdex/forkdex/internal/config"
	"github.com/forkdex/forkdex/internal/embedding"
	"github.com/forkdex/forkdex/internal/forkcmd"
	"github.com/forkdex/forkdex/internal/forkhist"
	"github.com/forkdex/forkdex/internal/ranker"
	"github.com/forkdex/forkdex/internal/registry"
	"github.com/forkdex/forkdex/internal/search"
	"github.com/forkdex/forkdex/internal/session"
	"github.com/forkdex/forkdex/internal/vectorstore"
	"github.com/forkdex/forkdex/pkg/types"
)

// defaultToolTimeout bounds a single tool invocation.
const defaultToolTimeout = 30 * time.Second

// handshake states.
const (
	stateNew         int32 = iota // nothing received yet
	stateInitialized              // initialize handled, awaiting notification
	stateReady                    // notifications/initialized received
)

// Deps are the collaborators the server dispatches into. History and ForkGen
// may be nil, which disables their tools with a clear error text instead of a
// crash. The other services are used without a nil check and must be set.
type Deps struct {
	Config     *config.Config
	Registry   *registry.Registry
	Store      vectorstore.VectorStore
	Searcher   *search.Orchestrator
	History    *forkhist.History
	Tags       *session.TagService
	Summaries  *session.SummaryService
	Diff       *session.DiffService
	Duplicates *session.DuplicateService
	Clusters   *session.ClusterService
	Archive    *session.ArchiveService
	ForkGen    *forkcmd.Generator
}

// Server implements the MCP dispatcher for Forkdex.
type Server struct {
	deps  Deps
	state atomic.Int32

	// ToolTimeout overrides the default per-call deadline (tests).
	ToolTimeout time.Duration

	sessionID string
}

// NewServer creates the dispatcher.
func NewServer(deps Deps) *Server {
	s := &Server{
		deps:        deps,
		ToolTimeout: defaultToolTimeout,
		sessionID:   uuid.New().String(),
	}
	log.Printf("mcp: dispatcher session %s", s.sessionID)
	return s
}

// HandleRequest processes one JSON-RPC request line and returns the response
// bytes, or nil for a notification.
func (s *Server) HandleRequest(ctx context.Context, requestJSON []byte) []byte {
	var req JSONRPCRequest
	if err := json.Unmarshal(requestJSON, &req); err != nil {
		return s.errorResponse(nil, ErrCodeParseError, "Parse error", nil)
	}
	if req.JSONRPC != "2.0" || req.Method == "" {
		return s.errorResponse(req.ID, ErrCodeInvalidRequest, "Invalid request", nil)
	}

	isNotification := req.ID == nil

	var (
		result interface{}
		rpcErr *JSONRPCError
	)

	switch req.Method {
	case "initialize":
		result, rpcErr = s.handleInitialize(req.Params)
	case "notifications/initialized", "initialized":
		if s.state.CompareAndSwap(stateInitialized, stateReady) {
			log.Printf("mcp: client initialized, tools unlocked")
		}
		if isNotification {
			return nil
		}
		result = map[string]interface{}{}
	case "tools/list":
		result, rpcErr = s.handleToolsList()
	case "tools/call":
		result, rpcErr = s.handleToolsCall(ctx, req.Params)
	default:
		rpcErr = &JSONRPCError{Code: ErrCodeMethodNotFound,
			Message: fmt.Sprintf("Method not found: %s", req.Method)}
	}

	if isNotification {
		return nil
	}
	if rpcErr != nil {
		return s.errorResponse(req.ID, rpcErr.Code, rpcErr.Message, rpcErr.Data)
	}
	return s.successResponse(req.ID, result)
}

func (s *Server) handleInitialize(params interface{}) (interface{}, *JSONRPCError) {
	var p InitializeParams
	if err := unmarshalParams(params, &p); err != nil {
		return nil, &JSONRPCError{Code: ErrCodeInvalidParams, Message: err.Error()}
	}

	s.state.CompareAndSwap(stateNew, stateInitialized)
	log.Printf("mcp: initialize from %s %s (protocol %s)",
		p.ClientInfo.Name, p.ClientInfo.Version, p.ProtocolVersion)

	return InitializeResult{
		ProtocolVersion: protocolVersion,
		Capabilities:    ServerCapabilities{Tools: &ToolsCapability{}},
		ServerInfo:      ServerInfo{Name: "forkdex", Version: "1.0.0"},
	}, nil
}

func (s *Server) handleToolsList() (interface{}, *JSONRPCError) {
	if s.state.Load() == stateNew {
		return nil, &JSONRPCError{Code: ErrCodeServiceUninitialized,
			Message: "Service uninitialized: call initialize first"}
	}
	return ToolsListResult{Tools: buildToolsList()}, nil
}

// handleToolsCall dispatches a tool invocation under the per-call deadline.
func (s *Server) handleToolsCall(ctx context.Context, params interface{}) (interface{}, *JSONRPCError) {
	if s.state.Load() != stateReady {
		return nil, &JSONRPCError{Code: ErrCodeServiceUninitialized,
			Message: "Service uninitialized: complete the initialize handshake first"}
	}

	var p ToolCallParams
	if err := unmarshalParams(params, &p); err != nil {
		return nil, &JSONRPCError{Code: ErrCodeInvalidParams, Message: err.Error()}
	}

	timeout := s.ToolTimeout
	if timeout <= 0 {
		timeout = defaultToolTimeout
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		result *ToolCallResult
		err    *JSONRPCError
	}
	ch := make(chan outcome, 1)
	go func() {
		result, err := s.dispatchTool(callCtx, p.Name, p.Arguments)
		ch <- outcome{result: result, err: err}
	}()

	select {
	case out := <-ch:
		// A handler that finished after its deadline still reports a
		// timeout, keeping the taxonomy deterministic.
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			return nil, &JSONRPCError{Code: ErrCodeTimeout, Message: "Request timeout"}
		}
		if out.err != nil {
			return nil, out.err
		}
		return out.result, nil
	case <-callCtx.Done():
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			return nil, &JSONRPCError{Code: ErrCodeTimeout, Message: "Request timeout"}
		}
		return nil, &JSONRPCError{Code: ErrCodeInternalError, Message: "cancelled"}
	}
}

// dispatchTool routes a tools/call by name. Handler errors become advisory
// text results; protocol-level problems (unknown tool, bad arguments,
// unavailable dependency) become JSON-RPC errors.
func (s *Server) dispatchTool(ctx context.Context, name string, args map[string]interface{}) (*ToolCallResult, *JSONRPCError) {
	var (
		text string
		err  error
	)

	switch name {
	case "fork-detect":
		text, err = s.toolForkDetect(ctx, args)
	case "get-session-preview":
		text, err = s.toolSessionPreview(ctx, args)
	case "get-fork-history":
		text, err = s.toolForkHistory(args)
	case "record-fork":
		text, err = s.toolRecordFork(args)
	case "add-session-tag":
		text, err = s.toolAddTag(ctx, args)
	case "remove-session-tag":
		text, err = s.toolRemoveTag(ctx, args)
	case "list-session-tags":
		text, err = s.toolListTags(args)
	case "get-session-summary":
		text, err = s.toolSummary(ctx, args)
	case "cluster-sessions":
		text, err = s.toolClusterSessions(ctx, args)
	case "get-session-clusters":
		text, err = s.toolGetClusters(args)
	case "get-cluster-sessions":
		text, err = s.toolClusterMembers(args)
	case "compare-sessions":
		text, err = s.toolCompare(ctx, args)
	case "get-similar-sessions":
		text, err = s.toolSimilar(ctx, args)
	case "generate-fork-command":
		text, err = s.toolForkCommand(args)
	case "find-duplicate-sessions":
		text, err = s.toolDuplicates(ctx)
	case "archive-session":
		text, err = s.toolArchive(ctx, args)
	case "restore-session":
		text, err = s.toolRestore(ctx, args)
	default:
		return nil, &JSONRPCError{Code: ErrCodeToolUnknown,
			Message: fmt.Sprintf("Unknown tool: %s", name)}
	}

	switch {
	case err == nil:
		return textResult(text), nil
	case errors.Is(err, embedding.ErrEmbeddingUnavailable):
		// Long-lived service: an unavailable model is an advisory, never an
		// exit. Recommend setup instead.
		return errorTextResult(
			"Embedding model unavailable.\n" +
				"Searches need a local embedding model. Start it (e.g. `ollama serve`) " +
				"or run `forkdex-setup` to finish installation, then retry."), nil
	case errors.Is(err, vectorstore.ErrStoreUnavailable):
		return nil, &JSONRPCError{Code: ErrCodeServiceUninitialized,
			Message: "Vector store unavailable: " + err.Error()}
	case errors.Is(err, registry.ErrNotFound):
		return errorTextResult("Not found: " + err.Error() +
			"\nUse fork-detect to list known sessions."), nil
	case isBadArgs(err):
		return nil, &JSONRPCError{Code: ErrCodeInvalidParams, Message: err.Error()}
	default:
		return errorTextResult(fmt.Sprintf("Tool %s failed: %v\nSuggested action: retry; if the problem persists, re-run initial setup.", name, err)), nil
	}
}

// badArgsError marks an argument-validation failure.
type badArgsError struct{ msg string }

func (e *badArgsError) Error() string { return e.msg }

func badArgs(format string, a ...interface{}) error {
	return &badArgsError{msg: fmt.Sprintf(format, a...)}
}

func isBadArgs(err error) bool {
	var b *badArgsError
	return errors.As(err, &b)
}

// ---------------------------------------------------------------------------
// Tool handlers. Every handler returns human-readable text; structured data
// rides inside it as indented JSON where useful.
// ---------------------------------------------------------------------------

func (s *Server) toolForkDetect(ctx context.Context, args map[string]interface{}) (string, error) {
	query := stringArg(args, "query")
	if query == "" {
		return "", badArgs("fork-detect: query is required")
	}

	req := search.Request{Query: query}

	project := stringArg(args, "project")
	scope := stringArg(args, "scope")
	if project == "current" || (project == "" && scope == "project") {
		project = currentProject()
	}
	req.Project = project
	req.Tags = stringSliceArg(args, "tags")
	req.IncludeArchive = boolArg(args, "include_archive")
	req.Limit = intArg(args, "limit")

	if tr, ok := args["time_range"]; ok && tr != nil {
		parsed, err := parseTimeRangeArg(tr)
		if err != nil {
			return "", badArgs("fork-detect: %v", err)
		}
		req.TimeRange = parsed
	}

	results, err := s.deps.Searcher.Search(ctx, req)
	if err != nil {
		return "", err
	}
	if len(results) == 0 {
		return fmt.Sprintf("No relevant sessions found for %q.\n"+
			"Try a broader query, drop filters, or pass include_archive=true.", query), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Found %d relevant session(s) for %q:\n\n", len(results), query)
	for i, r := range results {
		fmt.Fprintf(&sb, "%d. %s  [score %.3f]\n", i+1, r.Session.ID, r.Score.FinalScore)
		fmt.Fprintf(&sb, "   project: %s   updated: %s   chunks matched: %d/%d\n",
			r.Session.Project, r.Session.UpdatedAt.Format("2006-01-02"),
			r.Score.ChunksMatched, r.Session.ChunkCount)
		c := r.Score.Components
		fmt.Fprintf(&sb, "   best %.2f · avg %.2f · recency %.2f · boosts mem %.2f pref %.2f temp %.2f\n",
			c.BestSimilarity, c.AvgSimilarity, c.Recency,
			c.MemoryBoost, c.PreferenceBoost, c.TemporalBoost)
		if r.Preview != "" {
			fmt.Fprintf(&sb, "   preview: %s\n", r.Preview)
		}
		if s.deps.ForkGen != nil {
			cmd := s.deps.ForkGen.Generate(r.Session.ID, r.Session)
			fmt.Fprintf(&sb, "   fork: %s\n", cmd.Terminal)
		}
		sb.WriteString("\n")
	}
	sb.WriteString("Record your choice with record-fork {session_id, query, position} to improve future ranking.")
	return sb.String(), nil
}

func (s *Server) toolSessionPreview(ctx context.Context, args map[string]interface{}) (string, error) {
	id := stringArg(args, "session_id")
	if id == "" {
		return "", badArgs("get-session-preview: session_id is required")
	}

	sess, err := s.deps.Registry.Get(id)
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Session %s\n", sess.ID)
	fmt.Fprintf(&sb, "  project:   %s\n", sess.Project)
	fmt.Fprintf(&sb, "  created:   %s\n", sess.CreatedAt.Format(time.RFC3339))
	fmt.Fprintf(&sb, "  updated:   %s\n", sess.UpdatedAt.Format(time.RFC3339))
	fmt.Fprintf(&sb, "  messages:  %d\n", sess.MessageCount)
	fmt.Fprintf(&sb, "  chunks:    %d\n", sess.ChunkCount)
	fmt.Fprintf(&sb, "  archived:  %v\n", sess.Archived)
	if len(sess.Tags) > 0 {
		fmt.Fprintf(&sb, "  tags:      %s\n", strings.Join(sess.Tags, ", "))
	}

	chunks, err := s.deps.Store.ChunksBySession(ctx, id)
	if err == nil && len(chunks) > 0 {
		first := chunks[0].Text
		if len(first) > 400 {
			first = first[:400] + "…"
		}
		fmt.Fprintf(&sb, "\nOpening excerpt:\n%s\n", first)
	}
	return sb.String(), nil
}

func (s *Server) toolForkHistory(args map[string]interface{}) (string, error) {
	if s.deps.History == nil {
		return "", fmt.Errorf("fork history is not enabled")
	}
	limit := intArg(args, "limit")
	if limit <= 0 {
		limit = 10
	}

	entries := s.deps.History.List(limit)
	if len(entries) == 0 {
		return "No forks recorded yet.", nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Last %d fork(s), newest first:\n", len(entries))
	for _, e := range entries {
		fmt.Fprintf(&sb, "  %s  %s  (position %d, query %q)\n",
			e.Timestamp.Format("2006-01-02 15:04"), e.SessionID, e.Position, e.Query)
	}
	return sb.String(), nil
}

func (s *Server) toolRecordFork(args map[string]interface{}) (string, error) {
	if s.deps.History == nil {
		return "", fmt.Errorf("fork history is not enabled")
	}
	id := stringArg(args, "session_id")
	if id == "" {
		return "", badArgs("record-fork: session_id is required")
	}

	entry, err := s.deps.History.Record(id, stringArg(args, "query"),
		intArg(args, "position"), stringArg(args, "outcome"))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("Recorded fork of %s at %s.", entry.SessionID,
		entry.Timestamp.Format(time.RFC3339)), nil
}

func (s *Server) toolAddTag(ctx context.Context, args map[string]interface{}) (string, error) {
	id, tag := stringArg(args, "session_id"), stringArg(args, "tag")
	if id == "" || tag == "" {
		return "", badArgs("add-session-tag: session_id and tag are required")
	}
	tags, err := s.deps.Tags.Add(ctx, id, tag)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("Tags for %s: %s", id, strings.Join(tags, ", ")), nil
}

func (s *Server) toolRemoveTag(ctx context.Context, args map[string]interface{}) (string, error) {
	id, tag := stringArg(args, "session_id"), stringArg(args, "tag")
	if id == "" || tag == "" {
		return "", badArgs("remove-session-tag: session_id and tag are required")
	}
	tags, err := s.deps.Tags.Remove(ctx, id, tag)
	if err != nil {
		return "", err
	}
	if len(tags) == 0 {
		return fmt.Sprintf("Session %s has no tags.", id), nil
	}
	return fmt.Sprintf("Tags for %s: %s", id, strings.Join(tags, ", ")), nil
}

func (s *Server) toolListTags(args map[string]interface{}) (string, error) {
	id := stringArg(args, "session_id")
	if id == "" {
		return "", badArgs("list-session-tags: session_id is required")
	}
	tags, err := s.deps.Tags.List(id)
	if err != nil {
		return "", err
	}
	if len(tags) == 0 {
		return fmt.Sprintf("Session %s has no tags.", id), nil
	}
	return fmt.Sprintf("Tags for %s: %s", id, strings.Join(tags, ", ")), nil
}

func (s *Server) toolSummary(ctx context.Context, args map[string]interface{}) (string, error) {
	id := stringArg(args, "session_id")
	if id == "" {
		return "", badArgs("get-session-summary: session_id is required")
	}
	summary, err := s.deps.Summaries.Get(ctx, id)
	if err != nil {
		return "", err
	}
	if summary == "" {
		return fmt.Sprintf("Session %s has no summarizable content.", id), nil
	}
	return fmt.Sprintf("Summary of %s:\n%s", id, summary), nil
}

func (s *Server) toolClusterSessions(ctx context.Context, args map[string]interface{}) (string, error) {
	assignment, err := s.deps.Clusters.Run(ctx, intArg(args, "k"))
	if err != nil {
		return "", err
	}
	return formatClusters(assignment), nil
}

func (s *Server) toolGetClusters(_ map[string]interface{}) (string, error) {
	assignment, err := s.deps.Clusters.Load()
	if err != nil {
		return "", err
	}
	if assignment == nil {
		return "No cluster snapshot exists yet. Run cluster-sessions first.", nil
	}
	return formatClusters(assignment), nil
}

func (s *Server) toolClusterMembers(args map[string]interface{}) (string, error) {
	clusterID, ok := args["cluster_id"]
	if !ok {
		return "", badArgs("get-cluster-sessions: cluster_id is required")
	}
	idNum, ok := clusterID.(float64)
	if !ok {
		return "", badArgs("get-cluster-sessions: cluster_id must be a number")
	}

	assignment, err := s.deps.Clusters.Load()
	if err != nil {
		return "", err
	}
	if assignment == nil {
		return "No cluster snapshot exists yet. Run cluster-sessions first.", nil
	}
	cluster, ok := assignment.Clusters[int(idNum)]
	if !ok {
		return fmt.Sprintf("Cluster %d does not exist (snapshot has %d clusters).",
			int(idNum), len(assignment.Clusters)), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Cluster %d (%s), %d session(s):\n", cluster.ID, cluster.Label, len(cluster.Sessions))
	for _, id := range cluster.Sessions {
		fmt.Fprintf(&sb, "  %s\n", id)
	}
	return sb.String(), nil
}

func (s *Server) toolCompare(ctx context.Context, args map[string]interface{}) (string, error) {
	a, b := stringArg(args, "session_a"), stringArg(args, "session_b")
	if a == "" || b == "" {
		return "", badArgs("compare-sessions: session_a and session_b are required")
	}

	diff, err := s.deps.Diff.Compare(ctx, a, b)
	if err != nil {
		return "", err
	}

	data, err := json.MarshalIndent(diff, "", "  ")
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("Comparison of %s and %s (overall %.2f):\n%s",
		a, b, diff.Overall, data), nil
}

func (s *Server) toolSimilar(ctx context.Context, args map[string]interface{}) (string, error) {
	id := stringArg(args, "session_id")
	if id == "" {
		return "", badArgs("get-similar-sessions: session_id is required")
	}
	limit := intArg(args, "limit")
	if limit <= 0 {
		limit = 5
	}

	if _, err := s.deps.Registry.Get(id); err != nil {
		return "", err
	}
	target, err := session.SessionEmbedding(ctx, s.deps.Store, id)
	if err != nil {
		return "", err
	}
	if target == nil {
		return fmt.Sprintf("Session %s has no embedded chunks yet.", id), nil
	}

	type scored struct {
		id  string
		sim float64
	}
	var candidates []scored
	for _, other := range s.deps.Registry.List(registry.ListFilter{}) {
		if other.ID == id {
			continue
		}
		vec, err := session.SessionEmbedding(ctx, s.deps.Store, other.ID)
		if err != nil || vec == nil {
			continue
		}
		candidates = append(candidates, scored{id: other.ID, sim: session.Cosine(target, vec)})
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].sim > candidates[j].sim })
	if len(candidates) > limit {
		candidates = candidates[:limit]
	}
	if len(candidates) == 0 {
		return "No other embedded sessions to compare against.", nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Sessions most similar to %s:\n", id)
	for i, c := range candidates {
		fmt.Fprintf(&sb, "%d. %s  (similarity %.3f)\n", i+1, c.id, c.sim)
	}
	return sb.String(), nil
}

func (s *Server) toolForkCommand(args map[string]interface{}) (string, error) {
	id := stringArg(args, "session_id")
	if id == "" {
		return "", badArgs("generate-fork-command: session_id is required")
	}
	if s.deps.ForkGen == nil {
		return "", fmt.Errorf("fork command generation is not enabled")
	}

	sess, err := s.deps.Registry.Get(id)
	if err != nil {
		return "", err
	}
	cmd := s.deps.ForkGen.Generate(id, sess)
	return forkcmd.Format(cmd, sess), nil
}

func (s *Server) toolDuplicates(ctx context.Context) (string, error) {
	pairs, err := s.deps.Duplicates.Find(ctx)
	if err != nil {
		return "", err
	}
	if len(pairs) == 0 {
		return "No near-duplicate sessions found.", nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%d near-duplicate pair(s):\n", len(pairs))
	for _, p := range pairs {
		fmt.Fprintf(&sb, "  %s ~ %s  (similarity %.3f)\n", p.SessionA, p.SessionB, p.Similarity)
	}
	sb.WriteString("Consider archiving one of each pair with archive-session.")
	return sb.String(), nil
}

func (s *Server) toolArchive(ctx context.Context, args map[string]interface{}) (string, error) {
	id := stringArg(args, "session_id")
	if id == "" {
		return "", badArgs("archive-session: session_id is required")
	}
	if err := s.deps.Archive.Archive(ctx, id); err != nil {
		return "", err
	}
	return fmt.Sprintf("Session %s moved to the archive partition. "+
		"Searches skip it unless include_archive is set.", id), nil
}

func (s *Server) toolRestore(ctx context.Context, args map[string]interface{}) (string, error) {
	id := stringArg(args, "session_id")
	if id == "" {
		return "", badArgs("restore-session: session_id is required")
	}
	if err := s.deps.Archive.Restore(ctx, id); err != nil {
		return "", err
	}
	return fmt.Sprintf("Session %s restored to the active partition.", id), nil
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func formatClusters(a *types.ClusterAssignment) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%d cluster(s) over %d session(s), silhouette %.2f (generated %s):\n",
		a.K, len(a.BySession), a.Silhouette, a.GeneratedAt.Format("2006-01-02 15:04"))

	ids := make([]int, 0, len(a.Clusters))
	for id := range a.Clusters {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	for _, id := range ids {
		cluster := a.Clusters[id]
		fmt.Fprintf(&sb, "  [%d] %-20s %d session(s)\n", cluster.ID, cluster.Label, len(cluster.Sessions))
	}
	return sb.String()
}

// parseTimeRangeArg accepts a string expression or a {from, to} object.
func parseTimeRangeArg(v interface{}) (*ranker.TimeRange, error) {
	switch tr := v.(type) {
	case string:
		return ranker.ParseTimeRange(tr, time.Now())
	case map[string]interface{}:
		var out ranker.TimeRange
		if from, ok := tr["from"].(string); ok && from != "" {
			t, err := parseFlexibleTime(from)
			if err != nil {
				return nil, fmt.Errorf("time_range.from: %w", err)
			}
			out.From = t
		}
		if to, ok := tr["to"].(string); ok && to != "" {
			t, err := parseFlexibleTime(to)
			if err != nil {
				return nil, fmt.Errorf("time_range.to: %w", err)
			}
			out.To = t
		}
		if out.From.IsZero() && out.To.IsZero() {
			return nil, fmt.Errorf("time_range object needs from and/or to")
		}
		return &out, nil
	default:
		return nil, fmt.Errorf("time_range must be a string or {from, to} object")
	}
}

func parseFlexibleTime(s string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339, "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable time %q", s)
}

// currentProject derives the "current" project label from the working
// directory, matching how transcript project labels derive from directories.
func currentProject() string {
	wd, err := os.Getwd()
	if err != nil {
		return ""
	}
	return filepath.Base(wd)
}

func unmarshalParams(params interface{}, dest interface{}) error {
	data, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("invalid params: %v", err)
	}
	if err := json.Unmarshal(data, dest); err != nil {
		return fmt.Errorf("invalid params: %v", err)
	}
	return nil
}

func stringArg(args map[string]interface{}, key string) string {
	if v, ok := args[key].(string); ok {
		return strings.TrimSpace(v)
	}
	return ""
}

func boolArg(args map[string]interface{}, key string) bool {
	v, _ := args[key].(bool)
	return v
}

func intArg(args map[string]interface{}, key string) int {
	if v, ok := args[key].(float64); ok {
		return int(v)
	}
	return 0
}

func stringSliceArg(args map[string]interface{}, key string) []string {
	raw, ok := args[key].([]interface{})
	if !ok {
		return nil
	}
	var out []string
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func (s *Server) successResponse(id interface{}, result interface{}) []byte {
	data, err := json.Marshal(JSONRPCResponse{JSONRPC: "2.0", ID: id, Result: result})
	if err != nil {
		return s.errorResponse(id, ErrCodeInternalError, "marshal failure", nil)
	}
	return data
}

func (s *Server) errorResponse(id interface{}, code int, message string, data interface{}) []byte {
	resp := JSONRPCResponse{
		JSONRPC: "2.0",
		ID:      id,
		Error:   &JSONRPCError{Code: code, Message: message, Data: data},
	}
	out, err := json.Marshal(resp)
	if err != nil {
		return []byte(`{"jsonrpc":"2.0","id":null,"error":{"code":-32603,"message":"internal error"}}`)
	}
	return out
}
