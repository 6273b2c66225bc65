// Package cache provides a Redis read-through cache for query embeddings.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/seanblong/kagsearch/internal/ai"
	"github.com/seanblong/kagsearch/pkg/metrics"
	"github.com/seanblong/kagsearch/pkg/tracer"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"
)

// NewRedisClient parses url and checks the connection.
func NewRedisClient(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return rdb, nil
}

// Embedder wraps another embedder with a Redis cache. Redis failures are
// logged and the wrapped embedder is used directly.
type Embedder struct {
	next      ai.Embedder
	rdb       redis.Cmdable
	namespace string
	ttl       time.Duration
	log       zerolog.Logger
	group     singleflight.Group
}

// NewEmbedder caches next's vectors under namespace. The namespace should
// name the embedding model so a model change never serves stale vectors.
func NewEmbedder(next ai.Embedder, rdb redis.Cmdable, namespace string, ttl time.Duration, log zerolog.Logger) *Embedder {
	return &Embedder{next: next, rdb: rdb, namespace: namespace, ttl: ttl, log: log}
}

func (e *Embedder) Dim() int { return e.next.Dim() }

func (e *Embedder) key(text string) string {
	sum := sha256.Sum256([]byte(text))
	return fmt.Sprintf("emb:%s:%d:%s", e.namespace, e.next.Dim(), hex.EncodeToString(sum[:]))
}

func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	key := e.key(text)
	ctx, span := tracer.Start(ctx, "cache.Embed", trace.WithAttributes(attribute.String("cache.key", key)))
	defer span.End()

	if v, ok := e.get(ctx, key); ok {
		span.SetAttributes(attribute.Bool("cache.hit", true))
		return v, nil
	}
	span.SetAttributes(attribute.Bool("cache.hit", false))

	res, err, shared := e.group.Do(key, func() (any, error) {
		v, err := e.next.Embed(ctx, text)
		if err != nil {
			return nil, err
		}
		e.set(ctx, key, v)
		return v, nil
	})
	span.SetAttributes(attribute.Bool("cache.shared", shared))
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	return res.([]float32), nil
}

func (e *Embedder) get(ctx context.Context, key string) ([]float32, bool) {
	b, err := e.rdb.Get(ctx, key).Bytes()
	switch {
	case errors.Is(err, redis.Nil):
		metrics.CacheRequestsTotal.WithLabelValues("miss").Inc()
		return nil, false
	case err != nil:
		metrics.CacheRequestsTotal.WithLabelValues("error").Inc()
		e.log.Warn().Err(err).Msg("embedding cache read failed")
		return nil, false
	}
	var v []float32
	if err := json.Unmarshal(b, &v); err != nil || len(v) != e.next.Dim() {
		metrics.CacheRequestsTotal.WithLabelValues("error").Inc()
		e.log.Warn().Err(err).Int("len", len(v)).Msg("discarding malformed cached embedding")
		return nil, false
	}
	metrics.CacheRequestsTotal.WithLabelValues("hit").Inc()
	return v, true
}

func (e *Embedder) set(ctx context.Context, key string, v []float32) {
	b, err := json.Marshal(v)
	if err != nil {
		return
	}
	if err := e.rdb.Set(ctx, key, b, e.ttl).Err(); err != nil {
		e.log.Warn().Err(err).Msg("embedding cache write failed")
	}
}
