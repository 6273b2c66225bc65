package ai

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"google.golang.org/genai"
)

type VertexAIClient struct {
	config *ClientConfig
	client *genai.Client
}

// NewVertexAIClient creates a new client for the Google Gemini API.
func NewVertexAIClient(ctx context.Context, config *ClientConfig) (*VertexAIClient, error) {
	if config == nil {
		return nil, errors.New("config cannot be nil")
	}

	if config.EmbedModel == "" {
		config.EmbedModel = "text-embedding-005"
	}
	if config.GenerationModel == "" {
		config.GenerationModel = "gemini-2.0-flash"
	}
	if config.EmbedTaskType == "" {
		config.EmbedTaskType = "RETRIEVAL_DOCUMENT"
	}
	if config.Dim == 0 {
		config.Dim = 768
	}
	if config.Location == "" && strings.TrimSpace(config.APIKey) == "" {
		config.Location = "us-central1"
	}

	cc := genai.ClientConfig{
		Backend: genai.BackendVertexAI,
	}
	if strings.TrimSpace(config.APIKey) != "" {
		cc.APIKey = config.APIKey
	}
	if strings.TrimSpace(config.ProjectID) != "" {
		cc.Project = config.ProjectID
	}
	if strings.TrimSpace(config.Location) != "" {
		cc.Location = config.Location
	}
	if config.HTTPClient != nil {
		cc.HTTPClient = config.HTTPClient
	}

	client, err := genai.NewClient(ctx, &cc)
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}

	return &VertexAIClient{
		config: config,
		client: client,
	}, nil
}

func (c *VertexAIClient) Embed(ctx context.Context, text string) ([]float32, error) {
	if c.client == nil {
		return nil, errors.New("vertex client not initialised")
	}
	cfg := genai.EmbedContentConfig{
		TaskType: c.config.EmbedTaskType,
	}

	vec, err := withRetry(ctx, "vertex.embed", c.config.MaxRetries, c.config.RetryInterval, func() ([]float32, error) {
		res, err := c.client.Models.EmbedContent(ctx, c.config.EmbedModel, genai.Text(text), &cfg)
		if err != nil {
			return nil, fmt.Errorf("embedding failed: %w", asStatusError("vertex embedding", err))
		}
		if res == nil || len(res.Embeddings) == 0 {
			return nil, errors.New("no embedding returned")
		}
		return res.Embeddings[0].Values, nil
	})
	observe("vertexai", "embed", err)
	return vec, err
}

func (c *VertexAIClient) Complete(ctx context.Context, req CompletionRequest) (string, error) {
	if c.client == nil {
		return "", errors.New("vertex client not initialised")
	}
	model := req.Model
	if model == "" {
		model = c.config.GenerationModel
	}

	temp := float32(req.Temperature)
	cfg := genai.GenerateContentConfig{
		Temperature: &temp,
	}
	if req.MaxTokens > 0 {
		cfg.MaxOutputTokens = int32(req.MaxTokens)
	}
	if req.System != "" {
		cfg.SystemInstruction = genai.Text(req.System)[0]
	}

	text, err := withRetry(ctx, "vertex.complete", c.config.MaxRetries, c.config.RetryInterval, func() (string, error) {
		resp, err := c.client.Models.GenerateContent(ctx, model, genai.Text(req.Prompt), &cfg)
		if err != nil {
			return "", fmt.Errorf("generation failed: %w", asStatusError("vertex generation", err))
		}
		if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil || len(resp.Candidates[0].Content.Parts) == 0 {
			return "", errors.New("no content returned")
		}
		var sb strings.Builder
		for _, part := range resp.Candidates[0].Content.Parts {
			sb.WriteString(part.Text)
		}
		return strings.TrimSpace(sb.String()), nil
	})
	observe("vertexai", "complete", err)
	return text, err
}

func (c *VertexAIClient) Dim() int {
	return c.config.Dim
}

// asStatusError lifts genai API errors into StatusError so retry can tell
// client errors from transient ones.
func asStatusError(op string, err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return &StatusError{Op: op, Code: apiErr.Code, Message: apiErr.Message}
	}
	return err
}
