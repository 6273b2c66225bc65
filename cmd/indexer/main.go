package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"
	"github.com/seanblong/kagsearch/internal/ai"
	"github.com/seanblong/kagsearch/internal/cache"
	"github.com/seanblong/kagsearch/internal/config"
	"github.com/seanblong/kagsearch/internal/indexer"
	"github.com/seanblong/kagsearch/internal/store"
	"github.com/seanblong/kagsearch/pkg/tracer"
	"github.com/spf13/pflag"
)

func main() {
	fs := pflag.NewFlagSet("kagsearch-indexer", pflag.ExitOnError)

	cfg, err := config.Load("", fs)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	fs.Usage = cfg.Usage

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		log.Fatalf("Invalid log level '%s': %v", cfg.LogLevel, err)
	}
	zlog.Logger = zerolog.New(os.Stdout).Level(level).With().Timestamp().Logger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracer, err := tracer.Init(ctx, tracer.Config{
		ServiceName: "kagsearch-indexer",
		Endpoint:    cfg.Tracing.Endpoint,
		SampleRate:  cfg.Tracing.SampleRate,
		Enabled:     cfg.Tracing.Enabled,
	})
	if err != nil {
		zlog.Fatal().Err(err).Msg("failed to initialise tracing")
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(sctx); err != nil {
			zlog.Warn().Err(err).Msg("failed to flush traces")
		}
	}()

	provider, err := ai.ParseProvider(cfg.Provider)
	if err != nil {
		zlog.Fatal().Err(err).Msg("invalid provider")
	}
	zlog.Info().Str("provider", string(provider)).Str("docs_root", cfg.DocsRoot).Msg("starting indexer")
	clientConfig := &ai.ClientConfig{
		APIKey:            cfg.APIKey,
		BaseURL:           cfg.BaseURL,
		EmbedModel:        cfg.EmbedModel,
		GenerationModel:   cfg.Response.Model,
		EmbedTaskType:     "RETRIEVAL_DOCUMENT",
		Dim:               cfg.Dim,
		ProjectID:         cfg.ProjectID,
		Location:          cfg.Location,
		Provider:          provider,
		RequestsPerSecond: cfg.RequestsPerSecond,
		MaxRetries:        cfg.MaxRetries,
	}
	client, err := ai.NewClient(ctx, clientConfig)
	if err != nil {
		zlog.Fatal().Err(err).Msg("failed to create AI client")
	}
	if client.Dim() == 0 {
		zlog.Fatal().Msg("embedding dimension must be set")
	}

	// Initialize store
	st, err := store.New(ctx, cfg.Database)
	if err != nil {
		zlog.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer st.Close()

	if err := st.Migrate(ctx, client.Dim()); err != nil {
		zlog.Fatal().Err(err).Msg("failed to migrate database")
	}

	var emb ai.Embedder = client
	if cfg.RedisURL != "" {
		rdb, err := cache.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			zlog.Fatal().Err(err).Msg("failed to connect to redis")
		}
		defer rdb.Close()
		ns := string(provider) + ":" + clientConfig.EmbedModel + ":" + clientConfig.EmbedTaskType
		emb = cache.NewEmbedder(client, rdb, ns, cfg.EmbedCacheTTL, zlog.Logger)
	}

	start := time.Now()
	sum, err := indexer.New(st, cfg.DocsRoot, emb).Run(ctx)
	if err != nil {
		zlog.Fatal().Err(err).Msg("indexing failed")
	}
	zlog.Info().
		Int64("files", sum.Files).
		Int64("indexed", sum.Indexed).
		Int64("unchanged", sum.Unchanged).
		Int64("deleted", sum.Deleted).
		Int64("embed_failed", sum.EmbedFailed).
		Dur("took", time.Since(start)).
		Msg("indexing complete")

	if cfg.GraphFile == "" {
		return
	}
	f, err := os.Open(cfg.GraphFile)
	if err != nil {
		zlog.Fatal().Err(err).Str("file", cfg.GraphFile).Msg("failed to open graph file")
	}
	defer f.Close()
	gs, err := indexer.LoadGraph(ctx, st, f)
	if err != nil {
		zlog.Fatal().Err(err).Msg("graph import failed")
	}
	zlog.Info().
		Int("entities", gs.Entities).
		Int("relationships", gs.Relationships).
		Int("skipped", gs.Skipped).
		Msg("graph import complete")
}
