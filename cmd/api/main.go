package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/seanblong/kagsearch/internal/ai"
	"github.com/seanblong/kagsearch/internal/api"
	"github.com/seanblong/kagsearch/internal/auth"
	"github.com/seanblong/kagsearch/internal/cache"
	"github.com/seanblong/kagsearch/internal/config"
	"github.com/seanblong/kagsearch/internal/search"
	"github.com/seanblong/kagsearch/internal/store"
	"github.com/seanblong/kagsearch/pkg/tracer"
	"github.com/spf13/pflag"
)

const shutdownTimeout = 15 * time.Second

func main() {
	// Create flagset for configuration
	fs := pflag.NewFlagSet("kagsearch-api", pflag.ExitOnError)

	// Load configuration
	cfg, err := config.Load("", fs)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	fs.Usage = cfg.Usage

	// Set up logging
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		log.Fatalf("Invalid log level '%s': %v", cfg.LogLevel, err)
	}
	logger := zerolog.New(os.Stdout).Level(level).With().Timestamp().Logger()
	zerolog.DefaultContextLogger = &logger
	logger.Info().Str("provider", cfg.Provider).Str("log_level", cfg.LogLevel).Bool("auth_enabled", cfg.Auth.Enabled).Msg("starting kagsearch api")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracer, err := tracer.Init(ctx, tracer.Config{
		ServiceName: "kagsearch-api",
		Endpoint:    cfg.Tracing.Endpoint,
		SampleRate:  cfg.Tracing.SampleRate,
		Enabled:     cfg.Tracing.Enabled,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialise tracing")
	}

	st, err := store.New(ctx, cfg.Database)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer st.Close()

	client, clientConfig, err := newAIClient(ctx, cfg, "RETRIEVAL_QUERY")
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create AI client")
	}

	// Use the AI client's dimension for database migration
	dim := client.Dim()
	logger.Info().Int("embedding_dim", dim).Str("embed_model", clientConfig.EmbedModel).Msg("AI client initialized")
	if err := st.Migrate(ctx, dim); err != nil {
		logger.Fatal().Err(err).Msg("failed to migrate database")
	}

	var emb ai.Embedder = client
	if cfg.RedisURL != "" {
		rdb, err := cache.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect to redis")
		}
		defer func() {
			if err := rdb.Close(); err != nil {
				logger.Warn().Err(err).Msg("failed to close redis client")
			}
		}()
		emb = cache.NewEmbedder(client, rdb, cacheNamespace(clientConfig), cfg.EmbedCacheTTL, logger)
		logger.Info().Dur("ttl", cfg.EmbedCacheTTL).Msg("embedding cache enabled")
	}

	holder := config.NewHolder(cfg.Retrieval())
	svc := search.NewService(emb, st, st, client, ai.NewLLMExpander(client, cfg.Response.Model), holder, logger)

	authenticator := auth.New(auth.Config{
		JwtSecret:    []byte(cfg.Auth.JwtSecret),
		ClientID:     cfg.Auth.GithubClientID,
		ClientSecret: cfg.Auth.GithubClientSecret,
		RedirectURL:  cfg.Auth.GithubRedirectURL,
		AllowedOrg:   cfg.Auth.GithubAllowedOrg,
		Enabled:      cfg.Auth.Enabled,
	})
	if authenticator.IsEnabled() {
		logger.Info().Str("allowed_org", cfg.Auth.GithubAllowedOrg).Msg("authentication is ENABLED")
	} else {
		logger.Info().Msg("authentication is DISABLED - running in open mode")
	}

	server := api.New(svc, st, holder, authenticator, logger)
	s := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", s.Addr).Msg("api server listening")
		errc <- s.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("api server stopped")
		}
	case <-ctx.Done():
		logger.Info().Msg("shutting down")
	}

	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.Shutdown(sctx); err != nil {
		logger.Error().Err(err).Msg("graceful shutdown failed")
	}
	if err := shutdownTracer(sctx); err != nil {
		logger.Warn().Err(err).Msg("failed to flush traces")
	}
}

// newAIClient builds the provider client. taskType tells embedding
// providers that support it which side of retrieval the text is on.
func newAIClient(ctx context.Context, cfg config.Specification, taskType string) (ai.Client, *ai.ClientConfig, error) {
	provider, err := ai.ParseProvider(cfg.Provider)
	if err != nil {
		return nil, nil, err
	}
	clientConfig := &ai.ClientConfig{
		APIKey:            cfg.APIKey,
		BaseURL:           cfg.BaseURL,
		EmbedModel:        cfg.EmbedModel,
		GenerationModel:   cfg.Response.Model,
		EmbedTaskType:     taskType,
		Dim:               cfg.Dim,
		ProjectID:         cfg.ProjectID,
		Location:          cfg.Location,
		Provider:          provider,
		RequestsPerSecond: cfg.RequestsPerSecond,
		MaxRetries:        cfg.MaxRetries,
	}
	c, err := ai.NewClient(ctx, clientConfig)
	if err != nil {
		return nil, nil, err
	}
	return c, clientConfig, nil
}

func cacheNamespace(c *ai.ClientConfig) string {
	return string(c.Provider) + ":" + c.EmbedModel + ":" + c.EmbedTaskType
}
