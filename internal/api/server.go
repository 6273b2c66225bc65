// Package api serves the retrieval pipeline and knowledge base over HTTP.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
	"github.com/seanblong/kagsearch/internal/auth"
	"github.com/seanblong/kagsearch/internal/config"
	"github.com/seanblong/kagsearch/internal/search"
	"github.com/seanblong/kagsearch/pkg/apperr"
	"github.com/seanblong/kagsearch/pkg/models"
)

const (
	minTopK       = 1
	maxTopK       = 20
	maxQueryChars = 2000
	maxBodyBytes  = 1 << 20
	pingTimeout   = 2 * time.Second
	storeTimeout  = 5 * time.Second
)

// Searcher runs a query through the retrieval pipeline.
type Searcher interface {
	Query(ctx context.Context, req search.Request) (*search.Response, error)
}

// KnowledgeBase is the read side of the store used by the API.
type KnowledgeBase interface {
	Ping(ctx context.Context) error
	Stats(ctx context.Context) (models.Stats, error)
	GraphData(ctx context.Context) (models.GraphData, error)
}

type Server struct {
	Search Searcher
	Store  KnowledgeBase
	Config *config.Holder
	Auth   *auth.Authenticator
	Log    zerolog.Logger
}

func New(s Searcher, kb KnowledgeBase, cfg *config.Holder, a *auth.Authenticator, log zerolog.Logger) *Server {
	return &Server{Search: s, Store: kb, Config: cfg, Auth: a, Log: log}
}

// Handler builds the routed, instrumented handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())
	s.Auth.Register(mux)

	mux.Handle("POST /search", s.protect(s.handleSearchJSON))
	mux.Handle("POST /kag-search", s.protect(s.handleSearchJSON))
	mux.Handle("GET /search", s.protect(s.handleSearchQuery))
	mux.Handle("GET /kbdata", s.protect(s.handleStats))
	mux.Handle("GET /graph-data", s.protect(s.handleGraph))
	mux.Handle("GET /config", s.protect(s.handleGetConfig))
	mux.Handle("PUT /config", s.protect(s.handleUpdateConfig))
	mux.Handle("POST /config", s.protect(s.handleUpdateConfig))

	return s.instrument(mux)
}

func (s *Server) protect(h http.HandlerFunc) http.Handler {
	return s.Auth.Middleware(h, func(w http.ResponseWriter, r *http.Request, msg string) {
		writeError(w, r, apperr.New(apperr.CodeUnauthorized, msg))
	})
}

type searchRequest struct {
	Query string `json:"query"`
	TopK  *int   `json:"top_k"`
	Debug bool   `json:"debug"`
}

func (s *Server) handleSearchJSON(w http.ResponseWriter, r *http.Request) {
	var body searchRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&body); err != nil {
		writeError(w, r, apperr.Wrap(err, apperr.CodeInvalidParam, "invalid request body").WithDetail(err.Error()))
		return
	}
	k := 0
	if body.TopK != nil {
		k = *body.TopK
		if k < minTopK || k > maxTopK {
			writeError(w, r, badTopK())
			return
		}
	}
	s.runQuery(w, r, body.Query, k, body.Debug)
}

// handleSearchQuery is the query-string form: /search?q=&k=&debug=
func (s *Server) handleSearchQuery(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	k := 0
	if v := q.Get("k"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < minTopK || n > maxTopK {
			writeError(w, r, badTopK())
			return
		}
		k = n
	}
	debug := false
	if v := q.Get("debug"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, r, apperr.New(apperr.CodeInvalidParam, "invalid debug flag").WithDetail(v))
			return
		}
		debug = b
	}
	s.runQuery(w, r, q.Get("q"), k, debug)
}

func badTopK() *apperr.AppError {
	return apperr.New(apperr.CodeInvalidParam, "invalid top_k").
		WithDetail("top_k must be between " + strconv.Itoa(minTopK) + " and " + strconv.Itoa(maxTopK))
}

func (s *Server) runQuery(w http.ResponseWriter, r *http.Request, query string, k int, debug bool) {
	query = strings.TrimSpace(query)
	if query == "" {
		writeError(w, r, apperr.New(apperr.CodeInvalidParam, "missing query"))
		return
	}
	if len(query) > maxQueryChars {
		writeError(w, r, apperr.New(apperr.CodeInvalidParam, "query too long").
			WithDetail("at most "+strconv.Itoa(maxQueryChars)+" bytes"))
		return
	}

	resp, err := s.Search.Query(r.Context(), search.Request{Query: query, TopK: k, Debug: debug})
	if err != nil {
		writeError(w, r, queryError(err))
		return
	}

	hlog.FromRequest(r).Info().
		Str("query_id", resp.QueryID).
		Str("state", string(resp.State)).
		Int("results", len(resp.Results)).
		Int("k", k).
		Float64("execution_time", resp.ExecutionTime).
		Msg("served")
	writeJSON(w, r, http.StatusOK, resp)
}

func queryError(err error) *apperr.AppError {
	switch {
	case errors.Is(err, search.ErrEmptyQuery):
		return apperr.Wrap(err, apperr.CodeInvalidParam, "missing query")
	case errors.Is(err, search.ErrNoCandidates):
		return apperr.Wrap(err, apperr.CodeRetrievalFailed, "retrieval failed").
			WithDetail("no search stage produced candidates")
	case errors.Is(err, context.DeadlineExceeded):
		return apperr.Wrap(err, apperr.CodeServiceUnavailable, "query timed out")
	default:
		return apperr.As(err)
	}
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), storeTimeout)
	defer cancel()
	stats, err := s.Store.Stats(ctx)
	if err != nil {
		writeError(w, r, apperr.Wrap(err, apperr.CodeDatabaseError, "failed to load knowledge base stats"))
		return
	}
	writeJSON(w, r, http.StatusOK, stats)
}

func (s *Server) handleGraph(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), storeTimeout)
	defer cancel()
	g, err := s.Store.GraphData(ctx)
	if err != nil {
		writeError(w, r, apperr.Wrap(err, apperr.CodeDatabaseError, "failed to load graph data"))
		return
	}
	writeJSON(w, r, http.StatusOK, g)
}

func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, s.Config.Load())
}

// handleUpdateConfig merges the body over the current snapshot, so clients
// may send only the fields they change. The merge retries against the
// latest snapshot if another update lands first.
func (s *Server) handleUpdateConfig(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, r, apperr.Wrap(err, apperr.CodeInvalidConfig, "invalid configuration").WithDetail(err.Error()))
		return
	}
	updated, err := s.Config.Apply(func(cur *config.Retrieval) error {
		dec := json.NewDecoder(bytes.NewReader(body))
		dec.DisallowUnknownFields()
		return dec.Decode(cur)
	})
	if err != nil {
		writeError(w, r, apperr.Wrap(err, apperr.CodeInvalidConfig, "invalid configuration").WithDetail(err.Error()))
		return
	}

	ev := hlog.FromRequest(r).Info()
	if u := auth.GetUserFromContext(r); u != nil {
		ev = ev.Str("user", u.Login)
	}
	ev.Msg("retrieval configuration updated")
	writeJSON(w, r, http.StatusOK, updated)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), pingTimeout)
	defer cancel()
	if err := s.Store.Ping(ctx); err != nil {
		writeError(w, r, apperr.Wrap(err, apperr.CodeServiceUnavailable, "database unavailable"))
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		hlog.FromRequest(r).Error().Err(err).Msg("failed to encode response")
	}
}

// writeError logs err with its cause and writes the client-visible part.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	ae := apperr.As(err)
	ev := hlog.FromRequest(r).Warn()
	if ae.HTTPStatus >= http.StatusInternalServerError {
		ev = hlog.FromRequest(r).Error()
	}
	ev.Err(ae.Err).Str("code", string(ae.Code)).Int("status", ae.HTTPStatus).Msg(ae.Message)
	writeJSON(w, r, ae.HTTPStatus, ae)
}
