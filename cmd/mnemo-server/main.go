package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/muselabs/mnemo/internal/config"
	"github.com/muselabs/mnemo/internal/embedding"
	"github.com/muselabs/mnemo/internal/engine"
	"github.com/muselabs/mnemo/internal/index"
	"github.com/muselabs/mnemo/internal/policy"
	"github.com/muselabs/mnemo/internal/server"
	"github.com/muselabs/mnemo/internal/storage"
	"github.com/muselabs/mnemo/internal/storage/postgres"
	"github.com/muselabs/mnemo/internal/storage/sqlite"
)

func main() {
	reconcileEvery := flag.Duration("reconcile-interval", 5*time.Minute,
		"how often to retry index replication for pending/error rows (0 disables)")
	flag.Parse()

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	store, err := openStore(cfg)
	if err != nil {
		log.Fatalf("Failed to initialize storage: %v", err)
	}
	defer store.Close()

	embedder := embedding.NewClient(embedding.Config{
		BaseURL: cfg.Embedding.BaseURL,
		APIKey:  cfg.Embedding.APIKey,
		Model:   cfg.Embedding.Model,
		Timeout: cfg.Embedding.Timeout,
	})
	if !embedder.Configured() {
		log.Println("No embedding API key configured; semantic search disabled")
	}

	idx := index.NewClient(index.Config{
		URL:        cfg.Index.URL,
		APIKey:     cfg.Index.APIKey,
		Collection: cfg.Index.Collection,
		Timeout:    cfg.Index.Timeout,
		Retry:      index.RetryPolicy{MaxRetries: cfg.Index.MaxRetries, BaseDelay: 200 * time.Millisecond, MaxDelay: 5 * time.Second},
	})
	if !idx.Configured() {
		log.Println("No index URL configured; reads fall back to recency ordering")
	} else {
		ensureCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		if err := idx.EnsureCollection(ensureCtx, cfg.Index.Dimensions); err != nil {
			log.Printf("Ensuring index collection failed (writes will record sync errors): %v", err)
		}
		cancel()
	}

	pol := policy.NewEngineWithOverrides(cfg.PolicyOverrides())

	eng, err := engine.NewEngine(store, embedder, idx, pol)
	if err != nil {
		log.Fatalf("Failed to initialize engine: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if idx.Configured() && *reconcileEvery > 0 {
		go runReconciler(ctx, eng, *reconcileEvery)
	}

	addr, err := server.Start(ctx, cfg, server.NewHandlers(eng, idx))
	if err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}
	log.Printf("Mnemo memory service running at http://%s", addr)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	log.Println("Shutting down gracefully...")
	cancel()
	time.Sleep(1 * time.Second)
}

func openStore(cfg *config.Config) (storage.DurableStore, error) {
	switch cfg.Storage.Engine {
	case "postgres":
		return postgres.NewStore(cfg.Storage.PostgresDSN)
	default:
		return sqlite.NewStore(cfg.Storage.SQLitePath)
	}
}

// runReconciler periodically drives pending and errored rows back into
// the index.
func runReconciler(ctx context.Context, eng *engine.Engine, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			report, err := eng.RetrySync(ctx, 200)
			if err != nil {
				log.Printf("Reconcile pass failed: %v", err)
				continue
			}
			if report.Synced > 0 || report.Failed > 0 {
				log.Printf("Reconcile pass: %d synced, %d failed, %d skipped",
					report.Synced, report.Failed, report.Skipped)
			}
		}
	}
}
