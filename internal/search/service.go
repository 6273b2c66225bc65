package search

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/seanblong/kagsearch/internal/ai"
	"github.com/seanblong/kagsearch/internal/config"
	"github.com/seanblong/kagsearch/internal/store"
	"github.com/seanblong/kagsearch/pkg/metrics"
	"github.com/seanblong/kagsearch/pkg/models"
	"github.com/seanblong/kagsearch/pkg/tracer"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrNoCandidates means neither search stage could produce results.
	ErrNoCandidates = errors.New("no search stage produced candidates")
	ErrEmptyQuery   = errors.New("query is empty")
)

// ChunkSearcher is the chunk side of the store.
type ChunkSearcher interface {
	VectorSearch(ctx context.Context, embedding []float32, k int, minSimilarity float64) ([]models.ScoredChunk, error)
	TextSearch(ctx context.Context, q store.TextQuery, limit int) ([]models.ScoredChunk, error)
	GetChunks(ctx context.Context, ids []string) ([]models.Chunk, error)
}

type Request struct {
	Query string
	// TopK <= 0 uses the configured top_k.
	TopK  int
	Debug bool
}

type Response struct {
	QueryID       string                `json:"query_id"`
	Query         string                `json:"query"`
	Results       []models.SearchResult `json:"results"`
	Answer        string                `json:"generated_response,omitempty"`
	Citations     []models.Citation     `json:"citations"`
	Confidence    float64               `json:"confidence"`
	State         State                 `json:"state"`
	Warnings      []string              `json:"warnings,omitempty"`
	ExecutionTime float64               `json:"execution_time"`
	Debug         *Debug                `json:"debug,omitempty"`
}

// Debug exposes the intermediate products of a query.
type Debug struct {
	CleanedQuery   string               `json:"cleaned_query"`
	Phrases        []string             `json:"phrases,omitempty"`
	Terms          []string             `json:"terms,omitempty"`
	ExpandedTerms  []string             `json:"expanded_terms,omitempty"`
	TextExpression string               `json:"text_expression"`
	VectorScores   []models.ScoredChunk `json:"vector_scores"`
	TextScores     []models.ScoredChunk `json:"text_scores"`
	EarlyExit      bool                 `json:"early_exit"`
	Timings        map[string]float64   `json:"timings_ms"`
	States         []Transition         `json:"states"`
	DegradeReasons []string             `json:"degrade_reasons,omitempty"`
}

// Service runs the hybrid retrieval pipeline.
type Service struct {
	Embedder  ai.Embedder
	Searcher  ChunkSearcher
	Graph     GraphReader
	Generator ai.Generator
	Expander  ai.QueryExpander
	Config    *config.Holder
	Log       zerolog.Logger

	now func() time.Time
}

// NewService creates a search service. graph, gen and exp may be nil, which
// disables enrichment, answer generation and query expansion respectively.
func NewService(emb ai.Embedder, cs ChunkSearcher, graph GraphReader, gen ai.Generator, exp ai.QueryExpander, cfg *config.Holder, log zerolog.Logger) *Service {
	return &Service{
		Embedder:  emb,
		Searcher:  cs,
		Graph:     graph,
		Generator: gen,
		Expander:  exp,
		Config:    cfg,
		Log:       log,
		now:       time.Now,
	}
}

// run carries one query through the pipeline.
type run struct {
	cfg      config.Retrieval
	now      func() time.Time
	life     *lifecycle
	log      zerolog.Logger
	warnings []string
	reasons  []string

	mu      sync.Mutex
	timings map[string]float64
}

func (r *run) advance(s State) {
	if err := r.life.advance(s); err != nil {
		r.log.Error().Err(err).Msg("state transition rejected")
	}
}

func (r *run) degrade(stage string, err error) {
	reason := "error"
	if errors.Is(err, context.DeadlineExceeded) {
		reason = "timeout"
	}
	metrics.DegradationsTotal.WithLabelValues(stage, reason).Inc()
	r.reasons = append(r.reasons, fmt.Sprintf("%s: %v", stage, err))
	r.log.Warn().Err(err).Str("stage", stage).Str("reason", reason).Msg("stage degraded")
}

func (r *run) timed(stage string, start time.Time) {
	d := r.now().Sub(start)
	r.mu.Lock()
	r.timings[stage] = float64(d.Microseconds()) / 1000
	r.mu.Unlock()
	metrics.StageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

// hydrateGrace bounds chunk loading once the query deadline has passed.
const hydrateGrace = 2 * time.Second

// Query answers req. It only returns an error for an empty query, for a
// failure to load result chunks within the deadline, or when both search
// stages failed (ErrNoCandidates); every other failure degrades the
// response. A query that runs past its deadline returns what was fused so
// far.
func (s *Service) Query(ctx context.Context, req Request) (*Response, error) {
	now := s.now
	if now == nil {
		now = time.Now
	}
	start := now()
	queryID := uuid.NewString()

	r := &run{
		cfg:     s.Config.Load(),
		now:     now,
		life:    newLifecycle(now),
		log:     s.Log.With().Str("query_id", queryID).Logger(),
		timings: map[string]float64{},
	}
	sc := r.cfg.Search
	cs := ChunkSearcher(retryingSearcher{next: s.Searcher, tries: sc.StoreRetries})

	ctx, span := tracer.Start(ctx, "search.Query")
	defer span.End()
	span.SetAttributes(attribute.String("query.id", queryID))

	ctx, cancel := withTimeout(ctx, sc.QueryTimeout)
	defer cancel()

	fail := func(err error) (*Response, error) {
		r.advance(StateFailed)
		metrics.QueriesTotal.WithLabelValues(string(StateFailed)).Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		r.log.Error().Err(err).Msg("query failed")
		return nil, err
	}

	query := strings.TrimSpace(req.Query)
	if query == "" {
		return fail(ErrEmptyQuery)
	}
	topK := req.TopK
	if topK <= 0 {
		topK = sc.TopK
	}
	candidateK := max(sc.CandidateK, topK)

	// Preprocess.
	t0 := now()
	pctx, pspan := tracer.Start(ctx, "search.preprocess")
	pp := &Preprocessor{Expander: s.Expander, Log: r.log}
	pq := pp.Prepare(pctx, query, sc)
	pspan.End()
	r.timed("preprocess", t0)
	if pq.ExpansionErr != nil {
		r.warnings = append(r.warnings, "query expansion failed: "+pq.ExpansionErr.Error())
		r.reasons = append(r.reasons, "expansion: "+pq.ExpansionErr.Error())
	}
	r.advance(StatePreprocessed)

	// Search both stages concurrently. Stage errors are kept, not returned,
	// so one stage failing never cancels the other.
	tq := BuildTextQuery(pq, sc)
	var (
		vecRes, txtRes []models.ScoredChunk
		vecErr, txtErr error
		exited         bool
	)
	textCtx, cancelText := context.WithCancel(ctx)
	defer cancelText()

	g := new(errgroup.Group)
	g.Go(func() error {
		vecRes, vecErr = s.vectorSearch(ctx, r, cs, pq.Cleaned, candidateK)
		if vecErr == nil && earlyExit(vecRes, sc) {
			exited = true
			cancelText()
		}
		return nil
	})
	g.Go(func() error {
		t := now()
		sctx, span := tracer.Start(textCtx, "search.text")
		defer span.End()
		sctx, c := withTimeout(sctx, sc.TextTimeout)
		defer c()
		txtRes, txtErr = textStage(sctx, cs, tq, candidateK)
		if txtErr != nil {
			span.RecordError(txtErr)
		}
		r.timed("text_search", t)
		return nil
	})
	_ = g.Wait()

	if exited {
		metrics.EarlyExitsTotal.Inc()
		r.log.Debug().Float64("top_similarity", vecRes[0].Score).Msg("vector early exit, text stage skipped")
		txtRes, txtErr = nil, nil
	}
	switch {
	case vecErr != nil && txtErr != nil:
		return fail(fmt.Errorf("%w: vector: %v; text: %v", ErrNoCandidates, vecErr, txtErr))
	case vecErr != nil:
		r.degrade("vector_search", vecErr)
		r.warnings = append(r.warnings, "vector search unavailable, results ranked by text only")
	case txtErr != nil:
		r.degrade("text_search", txtErr)
		r.warnings = append(r.warnings, "text search unavailable, results ranked by similarity only")
	}
	r.advance(StateSearched)

	// Fuse. Candidates are hydrated before truncation so chunks missing
	// from the store do not shrink the result below topK.
	t0 = now()
	fused := Merge(vecRes, txtRes, Weights{Vector: sc.VectorWeight, Text: sc.TextWeight}, sc.MinScoreThreshold, candidateK)
	hctx, hcancel := ctx, context.CancelFunc(func() {})
	if ctx.Err() != nil {
		hctx, hcancel = context.WithTimeout(context.WithoutCancel(ctx), hydrateGrace)
	}
	results, err := s.hydrate(hctx, cs, fused)
	hcancel()
	if err != nil {
		if ctx.Err() == nil {
			return fail(fmt.Errorf("load result chunks: %w", err))
		}
		r.degrade("hydrate", err)
		r.warnings = append(r.warnings, "chunk content unavailable, returning ranked ids only")
		results = fused
	}
	if len(results) > topK {
		results = results[:topK]
	}
	r.timed("fusion", t0)
	r.advance(StateFused)

	expired := ctx.Err() != nil
	if expired {
		r.degrade("query", ctx.Err())
		r.warnings = append(r.warnings, "query deadline exceeded, returning partial results")
	} else {
		// Enrich.
		t0 = now()
		ectx, espan := tracer.Start(ctx, "search.enrich")
		ectx, ecancel := withTimeout(ectx, sc.EnrichTimeout)
		en := &Enricher{Graph: s.graph(sc.StoreRetries), Log: r.log}
		results = en.Enrich(ectx, results, sc.ContextWindowSize)
		ecancel()
		espan.End()
		r.timed("enrich", t0)
		r.advance(StateEnriched)
	}

	resp := &Response{
		QueryID:   queryID,
		Query:     query,
		Results:   results,
		Citations: []models.Citation{},
	}

	// Respond.
	degraded := vecErr != nil || txtErr != nil || expired
	rc := r.cfg.Response
	switch {
	case expired, !rc.Enabled || s.Generator == nil:
	case len(results) == 0:
		r.warnings = append(r.warnings, "no results to answer from")
	default:
		t0 = now()
		gctx, gspan := tracer.Start(ctx, "search.generate")
		as := &Assembler{Generator: s.Generator}
		ans, err := as.Generate(gctx, query, results, rc)
		if err != nil {
			gspan.RecordError(err)
			degraded = true
			r.degrade("generate", err)
			r.warnings = append(r.warnings, "answer generation failed, returning search results only")
		} else {
			resp.Answer = ans.Text
			resp.Citations = ans.Citations
			resp.Confidence = ans.Confidence
		}
		gspan.End()
		r.timed("generate", t0)
	}
	if degraded {
		r.advance(StateDegraded)
	} else {
		r.advance(StateResponded)
	}

	resp.State = r.life.current()
	resp.Warnings = r.warnings
	resp.ExecutionTime = now().Sub(start).Seconds()
	metrics.QueriesTotal.WithLabelValues(string(resp.State)).Inc()
	span.SetAttributes(
		attribute.String("query.state", string(resp.State)),
		attribute.Int("query.results", len(results)),
	)

	if req.Debug {
		resp.Debug = &Debug{
			CleanedQuery:   pq.Cleaned,
			Phrases:        pq.Phrases,
			Terms:          pq.Terms,
			ExpandedTerms:  pq.Expanded,
			TextExpression: tq.Expression(),
			VectorScores:   nonNil(vecRes),
			TextScores:     nonNil(txtRes),
			EarlyExit:      exited,
			Timings:        r.timings,
			States:         r.life.transitions(),
			DegradeReasons: r.reasons,
		}
	}

	r.log.Info().
		Str("state", string(resp.State)).
		Int("results", len(results)).
		Bool("early_exit", exited).
		Float64("execution_time", resp.ExecutionTime).
		Msg("query finished")
	return resp, nil
}

func (s *Service) vectorSearch(ctx context.Context, r *run, cs ChunkSearcher, text string, k int) ([]models.ScoredChunk, error) {
	sc := r.cfg.Search
	t := r.now()
	ctx, span := tracer.Start(ctx, "search.vector")
	defer span.End()

	ectx, cancel := withTimeout(ctx, sc.EmbedTimeout)
	emb, err := s.Embedder.Embed(ectx, text)
	cancel()
	r.timed("embed", t)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("embed query: %w", err)
	}

	t = r.now()
	vctx, cancel := withTimeout(ctx, sc.VectorTimeout)
	defer cancel()
	res, err := vectorStage(vctx, cs, emb, k, sc.MinSimilarityScore)
	r.timed("vector_search", t)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	return res, nil
}

// hydrate fills chunk fields into fused results. Results whose chunk no
// longer exists are dropped.
func (s *Service) hydrate(ctx context.Context, cs ChunkSearcher, results []models.SearchResult) ([]models.SearchResult, error) {
	if len(results) == 0 {
		return []models.SearchResult{}, nil
	}
	ids := make([]string, len(results))
	for i, r := range results {
		ids[i] = r.ChunkID
	}
	chunks, err := cs.GetChunks(ctx, ids)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]models.Chunk, len(chunks))
	for _, c := range chunks {
		byID[c.ID] = c
	}
	out := make([]models.SearchResult, 0, len(results))
	for _, r := range results {
		c, ok := byID[r.ChunkID]
		if !ok {
			s.Log.Warn().Str("chunk_id", r.ChunkID).Msg("ranked chunk missing from store, skipping")
			continue
		}
		r.DocID = c.DocID
		r.Content = c.Content
		r.Position = c.Position
		r.SectionPath = c.SectionPath
		out = append(out, r)
	}
	return out, nil
}

// graph wraps the configured graph reader with store retries. It stays nil
// when enrichment is disabled.
func (s *Service) graph(tries int) GraphReader {
	if s.Graph == nil {
		return nil
	}
	return retryingGraph{next: s.Graph, tries: tries}
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

func nonNil(s []models.ScoredChunk) []models.ScoredChunk {
	if s == nil {
		return []models.ScoredChunk{}
	}
	return s
}
