package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/mwhited/paperrag/internal/api"
	"github.com/mwhited/paperrag/internal/config"
	"github.com/mwhited/paperrag/internal/embed"
	"github.com/mwhited/paperrag/internal/indexer"
	"github.com/mwhited/paperrag/internal/processor"
	"github.com/mwhited/paperrag/internal/retriever"
)

func main() {
	_ = godotenv.Load()

	log := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		log.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	provider := embed.NewProvider(embed.Config{
		AcceleratorURL: cfg.EmbedBaseURL,
		CPUURL:         cfg.EmbedCPUBaseURL,
		APIKey:         cfg.EmbedAPIKey,
		Model:          cfg.EmbedModel,
		BatchSize:      cfg.EmbedBatchSize,
	}, log)

	builder := indexer.NewBuilder(provider, log, cfg.IndexBatchParts)
	proc := processor.New(builder, log)

	ret, err := retriever.New(retriever.Config{
		BasePath:         cfg.BasePath,
		VectorCacheSize:  cfg.MaxVectorCache,
		TreeCacheSize:    cfg.MaxTreeCache,
		DefaultTopK:      cfg.DefaultTopK,
		ScoreFloor:       cfg.ScoreFloor,
		LocatorThreshold: cfg.LocatorThreshold,
	}, provider, proc, log)
	if err != nil {
		log.Error("retriever init failed", "error", err)
		os.Exit(1)
	}
	ret.Start(ctx)

	srv := api.NewServer(ret, proc, log, cfg)

	httpServer := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      srv,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown.
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		log.Info("shutting down...")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		httpServer.Shutdown(shutdownCtx)

		ret.Stop()
	}()

	log.Info("starting paperrag", "port", cfg.Port, "base_path", cfg.BasePath)
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Error("server error", "error", err)
		os.Exit(1)
	}
}
