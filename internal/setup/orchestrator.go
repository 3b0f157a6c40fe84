package setup

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/forkdex/forkdex/internal/indexer"
	"github.com/forkdex/forkdex/internal/transcript"
)

// minFileSize is the discovery size floor; smaller files cannot hold a
// usable session.
const minFileSize = 100

// progressEvery is how many sessions pass between progress events.
const progressEvery = 5

// eventBuffer bounds the progress channel; overflow drops the oldest event.
const eventBuffer = 64

// Event kinds emitted on the progress channel.
const (
	EventStarted  = "started"
	EventProgress = "progress"
	EventWarning  = "warning"
	EventError    = "error"
	EventDone     = "done"
)

// Event is one progress notification. Progress is advisory: the channel is
// bounded and drops the oldest event on overflow.
type Event struct {
	Kind      string        `json:"kind"`
	Path      string        `json:"path,omitempty"`
	Message   string        `json:"message,omitempty"`
	Processed int           `json:"processed"`
	Total     int           `json:"total"`
	Elapsed   time.Duration `json:"elapsed"`
	ETA       time.Duration `json:"eta"`
}

// Status is the orchestrator's exit disposition.
type Status int

const (
	// StatusComplete means every candidate was processed (or recorded as
	// timed out / failed).
	StatusComplete Status = iota

	// StatusInterrupted means a cancellation arrived; state was saved so a
	// resume run can continue.
	StatusInterrupted
)

// Options configures a bulk-setup run.
type Options struct {
	Root      string // producer transcript root
	StatePath string // setup_state.json location

	Resume        bool
	RetryTimeouts bool

	TimeoutPerSession time.Duration // default 30s
	Workers           int           // default 1

	BatchMode bool
	BatchSize int // sessions per child in batch mode (default 5)

	// MaxSessions caps how many sessions this process handles before
	// returning (used by batch-mode children). Zero means unlimited.
	MaxSessions int

	// SpawnChild runs one batch-mode child that processes up to batchSize
	// sessions with resume semantics. Wired to an os/exec re-exec of the
	// setup binary by the CLI; injectable for tests.
	SpawnChild func(ctx context.Context, batchSize int) error
}

func (o Options) withDefaults() Options {
	if o.TimeoutPerSession <= 0 {
		o.TimeoutPerSession = 30 * time.Second
	}
	if o.Workers <= 0 {
		o.Workers = 1
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 5
	}
	return o
}

// Orchestrator drives a bulk-setup run over the shared index pipeline.
type Orchestrator struct {
	pipeline *indexer.Pipeline
	opts     Options

	events chan Event

	mu    sync.Mutex
	state *State
}

// New creates an orchestrator.
func New(pipeline *indexer.Pipeline, opts Options) *Orchestrator {
	return &Orchestrator{
		pipeline: pipeline,
		opts:     opts.withDefaults(),
		events:   make(chan Event, eventBuffer),
	}
}

// Events is the progress stream. Consumers that fall behind lose the oldest
// events, never the run itself.
func (o *Orchestrator) Events() <-chan Event { return o.events }

// emit offers an event, dropping the oldest one when the buffer is full.
func (o *Orchestrator) emit(e Event) {
	select {
	case o.events <- e:
	default:
		select {
		case <-o.events:
		default:
		}
		select {
		case o.events <- e:
		default:
		}
	}
}

// Discover lists candidate transcript files under root: .jsonl files above
// the size floor, sorted for a stable processing order.
func Discover(root string) ([]string, error) {
	var candidates []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(path, ".jsonl") {
			return nil
		}
		info, err := d.Info()
		if err != nil || info.Size() < minFileSize {
			return nil
		}
		candidates = append(candidates, path)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("setup: discover %s: %w", root, err)
	}
	sort.Strings(candidates)
	return candidates, nil
}

// Run executes the bulk setup. It returns the final state alongside the
// status; on cancellation the in-flight session is finished (within its
// deadline), state is saved, and StatusInterrupted is returned so the caller
// can offer resume.
func (o *Orchestrator) Run(ctx context.Context) (Status, *State, error) {
	defer close(o.events)

	state := &State{}
	if o.opts.Resume || o.opts.BatchMode || o.opts.MaxSessions > 0 {
		loaded, err := LoadState(o.opts.StatePath)
		if err != nil {
			return StatusComplete, nil, err
		}
		state = loaded
	}
	o.state = state

	candidates, err := Discover(o.opts.Root)
	if err != nil {
		return StatusComplete, state, err
	}

	var todo []string
	for _, path := range candidates {
		if !state.Done(path, o.opts.RetryTimeouts) {
			todo = append(todo, path)
		}
	}

	o.emit(Event{Kind: EventStarted, Total: len(todo),
		Message: fmt.Sprintf("%d of %d sessions to index", len(todo), len(candidates))})

	if o.opts.BatchMode && o.opts.SpawnChild != nil {
		return o.runBatches(ctx, len(todo))
	}

	status, err := o.processAll(ctx, todo)
	o.emit(Event{Kind: EventDone, Processed: len(o.state.ProcessedPaths), Total: len(todo)})
	return status, o.state, err
}

// runBatches drives batch mode: one short-lived child per BatchSize sessions.
// The state file is re-read between batches, so a crashed child never causes
// completed work to repeat.
func (o *Orchestrator) runBatches(ctx context.Context, total int) (Status, *State, error) {
	processedBefore := len(o.state.ProcessedPaths)
	lastDone := -1
	for {
		if err := ctx.Err(); err != nil {
			return StatusInterrupted, o.state, nil
		}

		if err := o.opts.SpawnChild(ctx, o.opts.BatchSize); err != nil {
			if ctx.Err() != nil {
				return StatusInterrupted, o.state, nil
			}
			return StatusComplete, o.state, fmt.Errorf("setup: batch child: %w", err)
		}

		// Re-read the authoritative state the child wrote.
		reloaded, err := LoadState(o.opts.StatePath)
		if err != nil {
			return StatusComplete, o.state, err
		}
		o.mu.Lock()
		o.state = reloaded
		o.mu.Unlock()

		done := len(reloaded.ProcessedPaths) + len(reloaded.TimedOutPaths) + len(reloaded.FailedPaths)
		if done == lastDone {
			return StatusComplete, o.state, fmt.Errorf("setup: batch child made no progress")
		}
		lastDone = done
		o.emit(Event{Kind: EventProgress, Processed: len(reloaded.ProcessedPaths) - processedBefore, Total: total})

		candidates, err := Discover(o.opts.Root)
		if err != nil {
			return StatusComplete, o.state, err
		}
		remaining := 0
		for _, path := range candidates {
			if !reloaded.Done(path, false) {
				remaining++
			}
		}
		if remaining == 0 {
			o.emit(Event{Kind: EventDone, Processed: done, Total: total})
			return StatusComplete, o.state, nil
		}
	}
}

// processAll indexes the todo list, serially or on an errgroup pool.
func (o *Orchestrator) processAll(ctx context.Context, todo []string) (Status, error) {
	if o.opts.MaxSessions > 0 && len(todo) > o.opts.MaxSessions {
		todo = todo[:o.opts.MaxSessions]
	}

	start := time.Now()
	var processed int64
	interrupted := false

	handle := func(workerCtx context.Context, idx int, path string) {
		result := o.indexOne(workerCtx, path)

		o.mu.Lock()
		switch result {
		case outcomeOK, outcomeEmpty:
			o.state.markProcessed(path)
		case outcomeTimeout:
			o.state.markTimedOut(path)
		case outcomeFailed:
			o.state.markFailed(path)
		}
		if err := o.state.Save(o.opts.StatePath); err != nil {
			log.Printf("setup: state save failed: %v", err)
		}
		processed++
		if processed%progressEvery == 0 || int(processed) == len(todo) {
			elapsed := time.Since(start)
			avg := elapsed / time.Duration(processed)
			remaining := time.Duration(len(todo)-int(processed)) * avg
			o.emit(Event{
				Kind:      EventProgress,
				Path:      filepath.Base(path),
				Processed: int(processed),
				Total:     len(todo),
				Elapsed:   elapsed,
				ETA:       remaining,
			})
		}
		o.mu.Unlock()
	}

	if o.opts.Workers <= 1 {
		for i, path := range todo {
			if ctx.Err() != nil {
				interrupted = true
				break
			}
			handle(ctx, i, path)
		}
	} else {
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(o.opts.Workers)
		for i, path := range todo {
			if gctx.Err() != nil {
				interrupted = true
				break
			}
			i, path := i, path
			g.Go(func() error {
				handle(gctx, i, path)
				return nil
			})
		}
		_ = g.Wait()
		if ctx.Err() != nil {
			interrupted = true
		}
	}

	if err := o.state.Save(o.opts.StatePath); err != nil {
		return StatusComplete, err
	}
	if interrupted {
		return StatusInterrupted, nil
	}
	return StatusComplete, nil
}

type outcome int

const (
	outcomeOK outcome = iota
	outcomeEmpty
	outcomeTimeout
	outcomeFailed
)

// indexOne runs the pipeline for one file under the per-session deadline and
// classifies the result. The deadline is detached from the caller's context:
// an interruption lets the in-flight session finish (within its deadline) and
// takes effect between sessions. A deadline expiry is a timeout, distinct
// from a failure.
func (o *Orchestrator) indexOne(_ context.Context, path string) outcome {
	sessionCtx, cancel := context.WithTimeout(context.Background(), o.opts.TimeoutPerSession)
	defer cancel()

	_, err := o.pipeline.IndexFile(sessionCtx, path)
	switch {
	case err == nil:
		return outcomeOK
	case errors.Is(err, transcript.ErrTranscriptEmpty):
		return outcomeEmpty
	case errors.Is(sessionCtx.Err(), context.DeadlineExceeded):
		o.emit(Event{Kind: EventWarning, Path: path,
			Message: fmt.Sprintf("timed out after %s", o.opts.TimeoutPerSession)})
		return outcomeTimeout
	default:
		o.emit(Event{Kind: EventError, Path: path, Message: err.Error()})
		return outcomeFailed
	}
}
