// cmd/forkdex-setup performs first-run bulk indexing of the producer's
// transcript tree. It is resumable, interruption-safe, and supports a batch
// mode that re-execs short-lived children so constrained hosts release
// memory completely between batches.
//
// Exit codes: 0 success, 1 failure, 2 invalid arguments, 130 interrupted.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/exec"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/forkdex/forkdex/internal/chunker"
	"github.com/forkdex/forkdex/internal/config"
	"github.com/forkdex/forkdex/internal/embedding"
	"github.com/forkdex/forkdex/internal/indexer"
	"github.com/forkdex/forkdex/internal/registry"
	"github.com/forkdex/forkdex/internal/setup"
	"github.com/forkdex/forkdex/internal/vectorstore/sqlite"
)

// maxSessionsEnv caps a batch-mode child's session count. Internal: set by
// the parent, never by hand.
const maxSessionsEnv = "FORKDEX_SETUP_MAX_SESSIONS"

const (
	exitOK          = 0
	exitFailure     = 1
	exitBadArgs     = 2
	exitInterrupted = 130
)

func main() {
	os.Exit(run())
}

func run() int {
	log.SetOutput(os.Stderr)
	log.SetPrefix("forkdex-setup: ")
	log.SetFlags(log.LstdFlags)

	flags := flag.NewFlagSet("forkdex-setup", flag.ContinueOnError)
	var (
		batchMode     = flags.Bool("batch-mode", false, "spawn a short-lived child per batch to release memory")
		batchSize     = flags.Int("batch-size", 5, "sessions per batch-mode child")
		useCPU        = flags.Bool("use-cpu", false, "force CPU embedding")
		timeoutSecs   = flags.Int("timeout", 30, "per-session timeout in seconds")
		workers       = flags.Int("workers", 1, "parallel indexing workers")
		storageDir    = flags.String("storage-dir", "", "storage directory (default ~/.forkdex; STORAGE_DIR overrides)")
		claudeDir     = flags.String("claude-dir", "", "producer transcript directory (default ~/.claude/projects; PRODUCER_DIR overrides)")
		resume        = flags.Bool("resume", false, "skip paths already recorded in setup_state.json")
		retryTimeouts = flags.Bool("retry-timeouts", false, "re-queue previously timed-out paths")
	)
	if err := flags.Parse(os.Args[1:]); err != nil {
		return exitBadArgs
	}
	if *batchSize < 1 || *workers < 1 || *timeoutSecs < 1 {
		fmt.Fprintln(os.Stderr, "forkdex-setup: batch-size, workers and timeout must be positive")
		return exitBadArgs
	}

	cfg, err := config.Load(*storageDir)
	if err != nil {
		log.Printf("config: %v", err)
		return exitFailure
	}
	if *claudeDir != "" && os.Getenv("PRODUCER_DIR") == "" {
		cfg.ProducerDir = *claudeDir
	}
	if *useCPU {
		cfg.Setup.UseCPU = true
	}
	if err := os.MkdirAll(cfg.StorageDir, 0o700); err != nil {
		log.Printf("storage dir: %v", err)
		return exitFailure
	}
	if _, err := os.Stat(cfg.ProducerDir); err != nil {
		fmt.Fprintf(os.Stderr, "forkdex-setup: transcript directory %s not found\n", cfg.ProducerDir)
		return exitBadArgs
	}

	store, err := sqlite.Open(cfg.VectorDBPath())
	if err != nil {
		log.Printf("vector store: %v", err)
		return exitFailure
	}
	defer store.Close()

	reg, err := registry.Open(cfg.RegistryPath())
	if err != nil {
		log.Printf("registry: %v", err)
		return exitFailure
	}

	diskCache, err := embedding.OpenDiskCache(cfg.EmbeddingCachePath())
	if err != nil {
		log.Printf("embedding cache: %v", err)
		return exitFailure
	}
	gateway := embedding.NewGateway(
		embedding.NewClient(embedding.ClientConfig{
			BaseURL:   cfg.Embedding.ModelURL,
			Model:     cfg.Embedding.ModelName,
			Dimension: cfg.Embedding.Dimension,
		}),
		diskCache,
		embedding.GatewayConfig{
			BatchSize:        cfg.Embedding.BatchSize,
			MinBatchSize:     cfg.Embedding.MinBatchSize,
			MaxBatchSize:     cfg.Embedding.MaxBatchSize,
			MaxMemoryMB:      cfg.Memory.MaxMemoryMB,
			GCBetweenBatches: cfg.Memory.GCBetweenBatches,
		})
	defer gateway.Flush()

	pipeline := &indexer.Pipeline{
		Registry: reg,
		Store:    store,
		Gateway:  gateway,
		Chunking: chunker.Options{
			TargetTokens:  cfg.Chunking.TargetTokens,
			OverlapTokens: cfg.Chunking.OverlapTokens,
			MaxTokens:     cfg.Chunking.MaxTokens,
		},
		CheckpointInterval: cfg.Indexing.CheckpointInterval,
	}

	opts := setup.Options{
		Root:              cfg.ProducerDir,
		StatePath:         cfg.SetupStatePath(),
		Resume:            *resume,
		RetryTimeouts:     *retryTimeouts,
		TimeoutPerSession: time.Duration(*timeoutSecs) * time.Second,
		Workers:           *workers,
		BatchMode:         *batchMode,
		BatchSize:         *batchSize,
	}

	// Batch-mode children are this same binary re-exec'd with a session cap;
	// they resume from the shared state file, so a crashed child never
	// repeats completed work.
	if limit, err := strconv.Atoi(os.Getenv(maxSessionsEnv)); err == nil && limit > 0 {
		opts.MaxSessions = limit
		opts.Resume = true
		opts.BatchMode = false
	} else if *batchMode {
		opts.SpawnChild = func(ctx context.Context, size int) error {
			child := exec.CommandContext(ctx, os.Args[0],
				"--storage-dir", cfg.StorageDir,
				"--claude-dir", cfg.ProducerDir,
				"--timeout", strconv.Itoa(*timeoutSecs),
				"--workers", strconv.Itoa(*workers),
				"--resume")
			child.Env = append(os.Environ(), fmt.Sprintf("%s=%d", maxSessionsEnv, size))
			child.Stderr = os.Stderr
			return child.Run()
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Fprintln(os.Stderr, "interrupt received - finishing the current session and saving state")
		cancel()
	}()

	orch := setup.New(pipeline, opts)
	go printProgress(orch)

	status, state, err := orch.Run(ctx)
	if err != nil {
		log.Printf("setup failed: %v", err)
		return exitFailure
	}

	fmt.Fprintf(os.Stderr, "\nprocessed %d, timed out %d, failed %d\n",
		len(state.ProcessedPaths), len(state.TimedOutPaths), len(state.FailedPaths))

	if status == setup.StatusInterrupted {
		fmt.Fprintln(os.Stderr, "interrupted - re-run with --resume to continue")
		return exitInterrupted
	}
	if len(state.TimedOutPaths) > 0 {
		fmt.Fprintln(os.Stderr, "some sessions timed out - re-run with --resume --retry-timeouts to retry them")
	}
	return exitOK
}

// printProgress renders the orchestrator's event stream to stderr.
func printProgress(orch *setup.Orchestrator) {
	for ev := range orch.Events() {
		switch ev.Kind {
		case setup.EventStarted:
			fmt.Fprintf(os.Stderr, "%s\n", ev.Message)
		case setup.EventProgress:
			if ev.Total > 0 {
				fmt.Fprintf(os.Stderr, "  %d/%d  elapsed %s  eta %s  %s\n",
					ev.Processed, ev.Total,
					ev.Elapsed.Round(time.Second), ev.ETA.Round(time.Second), ev.Path)
			}
		case setup.EventWarning:
			fmt.Fprintf(os.Stderr, "  warning: %s: %s\n", ev.Path, ev.Message)
		case setup.EventError:
			fmt.Fprintf(os.Stderr, "  error: %s: %s\n", ev.Path, ev.Message)
		case setup.EventDone:
			fmt.Fprintf(os.Stderr, "done: %d session(s) indexed\n", ev.Processed)
		}
	}
}
