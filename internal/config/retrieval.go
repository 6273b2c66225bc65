package config

import (
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"
)

// SearchSpecification holds the knobs of the retrieval pipeline.
type SearchSpecification struct {
	VectorWeight       float64       `yaml:"vectorWeight" json:"vector_weight" split_words:"true"`
	TextWeight         float64       `yaml:"textWeight" json:"text_weight" split_words:"true"`
	ExactPhraseWeight  float64       `yaml:"exactPhraseWeight" json:"exact_phrase_weight" split_words:"true"`
	SingleTermWeight   float64       `yaml:"singleTermWeight" json:"single_term_weight" split_words:"true"`
	ProximityDistance  int           `yaml:"proximityDistance" json:"proximity_distance" split_words:"true"`
	MinScoreThreshold  float64       `yaml:"minScoreThreshold" json:"min_score_threshold" split_words:"true"`
	MinSimilarityScore float64       `yaml:"minSimilarityScore" json:"min_similarity_score" split_words:"true"`
	ContextWindowSize  int           `yaml:"contextWindowSize" json:"context_window_size" split_words:"true"`
	TopK               int           `yaml:"topK" json:"top_k" split_words:"true"`
	CandidateK         int           `yaml:"candidateK" json:"candidate_k" split_words:"true"`
	EarlyExitEnabled   bool          `yaml:"earlyExitEnabled" json:"early_exit_enabled" split_words:"true"`
	EarlyExitThreshold float64       `yaml:"earlyExitThreshold" json:"early_exit_threshold" split_words:"true"`
	QueryExpansion     bool          `yaml:"queryExpansion" json:"query_expansion" split_words:"true"`
	QueryTimeout       time.Duration `yaml:"queryTimeout" json:"query_timeout" split_words:"true"`
	EmbedTimeout       time.Duration `yaml:"embedTimeout" json:"embed_timeout" split_words:"true"`
	ExpandTimeout      time.Duration `yaml:"expandTimeout" json:"expand_timeout" split_words:"true"`
	VectorTimeout      time.Duration `yaml:"vectorTimeout" json:"vector_timeout" split_words:"true"`
	TextTimeout        time.Duration `yaml:"textTimeout" json:"text_timeout" split_words:"true"`
	EnrichTimeout      time.Duration `yaml:"enrichTimeout" json:"enrich_timeout" split_words:"true"`
	// StoreRetries bounds attempts per store call at query time.
	StoreRetries int `yaml:"storeRetries" json:"store_retries" split_words:"true"`
}

// ResponseSpecification configures answer generation.
type ResponseSpecification struct {
	Enabled         bool          `yaml:"enabled" json:"enabled"`
	Model           string        `yaml:"model" json:"model"`
	Temperature     float64       `yaml:"temperature" json:"temperature"`
	MaxTokens       int           `yaml:"maxTokens" json:"max_tokens" split_words:"true"`
	MaxContextChars int           `yaml:"maxContextChars" json:"max_context_chars" split_words:"true"`
	Timeout         time.Duration `yaml:"timeout" json:"timeout"`
}

// Retrieval is the configuration snapshot a single query runs against.
// It holds only value fields so a copy never aliases another snapshot.
type Retrieval struct {
	Search   SearchSpecification   `json:"search"`
	Response ResponseSpecification `json:"response"`
}

func DefaultRetrieval() Retrieval {
	return Retrieval{
		Search: SearchSpecification{
			VectorWeight:       0.7,
			TextWeight:         0.3,
			ExactPhraseWeight:  2.0,
			SingleTermWeight:   1.5,
			ProximityDistance:  5,
			MinScoreThreshold:  0.15,
			MinSimilarityScore: 0.4,
			ContextWindowSize:  3,
			TopK:               5,
			CandidateK:         20,
			EarlyExitEnabled:   true,
			EarlyExitThreshold: 0.9,
			QueryExpansion:     true,
			QueryTimeout:       30 * time.Second,
			EmbedTimeout:       5 * time.Second,
			ExpandTimeout:      5 * time.Second,
			VectorTimeout:      3 * time.Second,
			TextTimeout:        3 * time.Second,
			EnrichTimeout:      3 * time.Second,
			StoreRetries:       3,
		},
		Response: ResponseSpecification{
			Enabled:         true,
			Model:           "gpt-4o",
			Temperature:     0.3,
			MaxTokens:       1000,
			MaxContextChars: 6000,
			Timeout:         20 * time.Second,
		},
	}
}

// Validate reports every out-of-range value at once.
func (r Retrieval) Validate() error {
	var errs []error
	unit := func(name string, v float64) {
		if v < 0 || v > 1 {
			errs = append(errs, fmt.Errorf("%s must be within [0,1], got %g", name, v))
		}
	}
	positive := func(name string, v int) {
		if v <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %d", name, v))
		}
	}
	positiveDur := func(name string, d time.Duration) {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", name, d))
		}
	}

	s := r.Search
	unit("vector_weight", s.VectorWeight)
	unit("text_weight", s.TextWeight)
	if s.VectorWeight == 0 && s.TextWeight == 0 {
		errs = append(errs, errors.New("vector_weight and text_weight cannot both be 0"))
	}
	unit("min_score_threshold", s.MinScoreThreshold)
	unit("min_similarity_score", s.MinSimilarityScore)
	unit("early_exit_threshold", s.EarlyExitThreshold)
	if s.ExactPhraseWeight <= 0 || s.SingleTermWeight <= 0 {
		errs = append(errs, errors.New("exact_phrase_weight and single_term_weight must be positive"))
	}
	if s.ProximityDistance < 1 || s.ProximityDistance > 20 {
		errs = append(errs, fmt.Errorf("proximity_distance must be within [1,20], got %d", s.ProximityDistance))
	}
	if s.ContextWindowSize < 0 {
		errs = append(errs, fmt.Errorf("context_window_size must not be negative, got %d", s.ContextWindowSize))
	}
	positive("top_k", s.TopK)
	positive("candidate_k", s.CandidateK)
	positive("store_retries", s.StoreRetries)
	positiveDur("query_timeout", s.QueryTimeout)
	positiveDur("embed_timeout", s.EmbedTimeout)
	positiveDur("expand_timeout", s.ExpandTimeout)
	positiveDur("vector_timeout", s.VectorTimeout)
	positiveDur("text_timeout", s.TextTimeout)
	positiveDur("enrich_timeout", s.EnrichTimeout)

	p := r.Response
	if p.Enabled {
		if strings.TrimSpace(p.Model) == "" {
			errs = append(errs, errors.New("response model is required when generation is enabled"))
		}
		if p.Temperature < 0 || p.Temperature > 2 {
			errs = append(errs, fmt.Errorf("temperature must be within [0,2], got %g", p.Temperature))
		}
		positive("max_tokens", p.MaxTokens)
		positive("max_context_chars", p.MaxContextChars)
		positiveDur("response timeout", p.Timeout)
	}
	return errors.Join(errs...)
}

// Holder publishes retrieval snapshots. Readers get a private copy; writers
// replace the snapshot wholesale or edit it with Apply.
type Holder struct {
	p atomic.Pointer[Retrieval]
}

func NewHolder(r Retrieval) *Holder {
	h := &Holder{}
	h.p.Store(&r)
	return h
}

// Load returns the current snapshot.
func (h *Holder) Load() Retrieval {
	return *h.p.Load()
}

// Update validates r and makes it the current snapshot.
func (h *Holder) Update(r Retrieval) error {
	if err := r.Validate(); err != nil {
		return err
	}
	h.p.Store(&r)
	return nil
}

// Apply edits a copy of the current snapshot with fn, validates it and
// publishes it only if no other writer got there first, retrying fn on
// conflict. fn may run more than once.
func (h *Holder) Apply(fn func(*Retrieval) error) (Retrieval, error) {
	for {
		cur := h.p.Load()
		next := *cur
		if err := fn(&next); err != nil {
			return *cur, err
		}
		if err := next.Validate(); err != nil {
			return *cur, err
		}
		if h.p.CompareAndSwap(cur, &next) {
			return next, nil
		}
	}
}
