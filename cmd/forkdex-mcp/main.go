// cmd/forkdex-mcp is the entry point for the Forkdex MCP server. It wires the
// vector store, session registry, embedding gateway, caches, background
// indexer, and auxiliary services into the JSON-RPC dispatcher and serves
// line-delimited requests on stdin/stdout.
//
// Startup sequence:
//  1. Load configuration (config.json under the storage dir, env overrides).
//  2. Open the vector store and the session registry; reconcile chunk counts
//     that drifted across a crash.
//  3. Build the embedding gateway over the disk cache and the model client.
//  4. Start the background indexer over the producer's transcript tree.
//  5. Serve JSON-RPC 2.0 from stdin, writing responses to stdout.
//
// CRITICAL: ALL logging MUST go to stderr. Any bytes written to stdout that
// are not valid JSON-RPC response frames corrupt the protocol.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/forkdex/forkdex/internal/api/mcp"
	"github.com/forkdex/forkdex/internal/cache"
	"github.com/forkdex/forkdex/internal/chunker"
	"github.com/forkdex/forkdex/internal/config"
	"github.com/forkdex/forkdex/internal/embedding"
	"github.com/forkdex/forkdex/internal/forkcmd"
	"github.com/forkdex/forkdex/internal/forkhist"
	"github.com/forkdex/forkdex/internal/indexer"
	"github.com/forkdex/forkdex/internal/registry"
	"github.com/forkdex/forkdex/internal/search"
	"github.com/forkdex/forkdex/internal/session"
	"github.com/forkdex/forkdex/internal/vectorstore/sqlite"
)

func main() {
	// Redirect the default logger to stderr so incidental log calls from any
	// package never pollute the stdout JSON-RPC stream.
	log.SetOutput(os.Stderr)
	log.SetPrefix("forkdex-mcp: ")
	log.SetFlags(log.LstdFlags)

	cfg, err := config.Load("")
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if err := os.MkdirAll(cfg.StorageDir, 0o700); err != nil {
		log.Fatalf("failed to create storage dir %q: %v", cfg.StorageDir, err)
	}

	store, err := sqlite.Open(cfg.VectorDBPath())
	if err != nil {
		log.Fatalf("failed to open vector store: %v", err)
	}
	defer store.Close()

	reg, err := registry.Open(cfg.RegistryPath())
	if err != nil {
		log.Fatalf("failed to open session registry: %v", err)
	}

	// Root context cancelled on SIGINT / SIGTERM.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("received shutdown signal")
		cancel()
	}()

	// Repair chunk counts that drifted across a crash between a store write
	// and the matching registry write.
	reconcileCtx, reconcileCancel := context.WithTimeout(ctx, 30*time.Second)
	if corrected, err := reg.Reconcile(reconcileCtx, store); err != nil {
		log.Printf("registry reconcile: %v", err)
	} else if corrected > 0 {
		log.Printf("registry reconcile: corrected %d session(s)", corrected)
	}
	reconcileCancel()

	diskCache, err := embedding.OpenDiskCache(cfg.EmbeddingCachePath())
	if err != nil {
		log.Fatalf("failed to open embedding cache: %v", err)
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
	defer func() {
		if err := gateway.Flush(); err != nil {
			log.Printf("embedding cache flush: %v", err)
		}
	}()

	history, err := forkhist.Open(cfg.ForkHistoryPath())
	if err != nil {
		log.Fatalf("failed to open fork history: %v", err)
	}

	forkGen, err := forkcmd.New(cfg.ForkTemplatesPath(), cfg.ProducerDir)
	if err != nil {
		log.Fatalf("failed to load fork templates: %v", err)
	}

	searchCache := cache.New(cache.Config{
		QueryCacheSize:  cfg.Cache.QueryCacheSize,
		ResultCacheSize: cfg.Cache.ResultCacheSize,
		TTL:             time.Duration(cfg.Cache.TTLSeconds) * time.Second,
	})
	searcher := search.New(store, reg, gateway, searchCache, history, search.Config{
		KChunks:             cfg.Search.KChunks,
		TopNSessions:        cfg.Search.TopNSessions,
		PreviewLength:       cfg.Search.PreviewLength,
		SimilarityThreshold: cfg.Search.SimilarityThreshold,
		RecencyWeight:       cfg.Search.RecencyWeight,
	})

	// Background indexer: keeps the index in sync with the producer's tree.
	if cfg.Indexing.Enabled {
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
			CheckpointPath:     cfg.StorageDir + "/indexer_checkpoint.json",
		}
		ix := indexer.New(pipeline, indexer.Config{
			Root:          cfg.ProducerDir,
			DebounceDelay: cfg.Indexing.DebounceDelay.Std(),
			Workers:       cfg.Indexing.Workers,
		})
		if err := ix.Start(ctx); err != nil {
			log.Printf("background indexer disabled: %v", err)
		} else {
			defer ix.Shutdown()
		}
	}

	srv := mcp.NewServer(mcp.Deps{
		Config:     cfg,
		Registry:   reg,
		Store:      store,
		Searcher:   searcher,
		History:    history,
		Tags:       session.NewTagService(reg, store),
		Summaries:  session.NewSummaryService(reg, store),
		Diff:       session.NewDiffService(store),
		Duplicates: session.NewDuplicateService(reg, store),
		Clusters:   session.NewClusterService(reg, store, cfg.ClustersPath()),
		Archive:    session.NewArchiveService(reg, store),
		ForkGen:    forkGen,
	})

	transport := mcp.NewStdioTransport(srv, os.Stdin, os.Stdout, 1)
	log.Println("ready - serving JSON-RPC 2.0 on stdin/stdout")

	if err := transport.Serve(ctx); err != nil {
		// Context cancellation lands here too; informational only.
		log.Printf("transport stopped: %v", err)
	}
}
