package ai

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/seanblong/kagsearch/pkg/metrics"
	"golang.org/x/time/rate"
)

const defaultOpenAIBaseURL = "https://api.openai.com"

var ErrMissingAPIKey = errors.New("PROVIDER_API_KEY unset")

// OpenAIClient talks to any OpenAI-compatible API (OpenAI, Groq, local
// gateways) over plain HTTP.
type OpenAIClient struct {
	config  *ClientConfig
	http    *http.Client
	limiter *rate.Limiter
}

func NewOpenAIClient(config *ClientConfig) *OpenAIClient {
	if config.EmbedModel == "" {
		config.EmbedModel = "text-embedding-3-small"
	}
	if config.GenerationModel == "" {
		config.GenerationModel = "gpt-4o"
	}
	if config.BaseURL == "" {
		config.BaseURL = defaultOpenAIBaseURL
	}
	config.BaseURL = strings.TrimRight(config.BaseURL, "/")
	if config.Dim == 0 {
		switch config.EmbedModel {
		case "text-embedding-3-large":
			config.Dim = 3072
		default:
			// text-embedding-3-small and ada-002
			config.Dim = 1536
		}
	}

	httpClient := config.HTTPClient
	if httpClient == nil {
		transport := &http.Transport{}
		// for corporate proxies
		if skipTLS, _ := strconv.ParseBool(os.Getenv("KAGSEARCH_SKIP_TLS_VERIFY")); skipTLS {
			transport.TLSClientConfig = &tls.Config{
				InsecureSkipVerify: true,
			}
		}
		httpClient = &http.Client{
			Timeout:   20 * time.Second,
			Transport: transport,
		}
	}

	var limiter *rate.Limiter
	if config.RequestsPerSecond > 0 {
		burst := int(math.Ceil(config.RequestsPerSecond))
		limiter = rate.NewLimiter(rate.Limit(config.RequestsPerSecond), burst)
	}

	return &OpenAIClient{
		config:  config,
		http:    httpClient,
		limiter: limiter,
	}
}

func (c *OpenAIClient) Embed(ctx context.Context, text string) ([]float32, error) {
	if c.config.APIKey == "" {
		return nil, ErrMissingAPIKey
	}
	payload := map[string]string{
		"input": text,
		"model": c.config.EmbedModel,
	}

	vec, err := withRetry(ctx, "openai.embed", c.config.MaxRetries, c.config.RetryInterval, func() ([]float32, error) {
		var out struct {
			Data []struct {
				Embedding []float32 `json:"embedding"`
			} `json:"data"`
		}
		if err := c.post(ctx, "/v1/embeddings", "openai embedding", payload, &out); err != nil {
			return nil, err
		}
		if len(out.Data) == 0 {
			return nil, errors.New("no embedding")
		}
		return out.Data[0].Embedding, nil
	})
	observe("openai", "embed", err)
	return vec, err
}

func (c *OpenAIClient) Complete(ctx context.Context, req CompletionRequest) (string, error) {
	if c.config.APIKey == "" {
		return "", ErrMissingAPIKey
	}
	model := req.Model
	if model == "" {
		model = c.config.GenerationModel
	}

	messages := make([]map[string]string, 0, 2)
	if req.System != "" {
		messages = append(messages, map[string]string{"role": "system", "content": req.System})
	}
	messages = append(messages, map[string]string{"role": "user", "content": req.Prompt})

	payload := map[string]any{
		"model":       model,
		"messages":    messages,
		"temperature": req.Temperature,
	}
	if req.MaxTokens > 0 {
		payload["max_tokens"] = req.MaxTokens
	}

	text, err := withRetry(ctx, "openai.complete", c.config.MaxRetries, c.config.RetryInterval, func() (string, error) {
		var out struct {
			Choices []struct {
				Message struct {
					Content string `json:"content"`
				} `json:"message"`
			} `json:"choices"`
		}
		if err := c.post(ctx, "/v1/chat/completions", "openai completion", payload, &out); err != nil {
			return "", err
		}
		if len(out.Choices) == 0 {
			return "", errors.New("no choices")
		}
		return strings.TrimSpace(out.Choices[0].Message.Content), nil
	})
	observe("openai", "complete", err)
	return text, err
}

func (c *OpenAIClient) Dim() int {
	return c.config.Dim
}

// post sends one JSON request and decodes a 2xx body into out.
func (c *OpenAIClient) post(ctx context.Context, path, op string, payload, out any) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
	}

	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(payload); err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.BaseURL+path, &buf)
	if err != nil {
		return err
	}
	c.setHeaders(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			log.Warn().Err(err).Msg("failed to close response body")
		}
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var e struct{ Error struct{ Message string } }
		_ = json.NewDecoder(resp.Body).Decode(&e)
		return &StatusError{Op: op, Code: resp.StatusCode, Message: e.Error.Message}
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// setHeaders sets common headers for OpenAI requests
func (c *OpenAIClient) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.config.APIKey)

	if strings.HasPrefix(c.config.APIKey, "sk-proj-") && c.config.ProjectID != "" {
		req.Header.Set("OpenAI-Project", c.config.ProjectID)
	}
}

func observe(provider, op string, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	metrics.LLMCallsTotal.WithLabelValues(provider, op, status).Inc()
}
