package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"google.golang.org/genai"

	"smartquery/internal/logging"
	"smartquery/internal/types"
)

// GeminiClient calls Google's Gemini API via the genai SDK.
type GeminiClient struct {
	client *genai.Client
	model  string
}

// NewGeminiClient creates a Gemini-backed model client.
func NewGeminiClient(ctx context.Context, apiKey, model string) (*GeminiClient, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("gemini API key is required")
	}
	if model == "" {
		model = "gemini-2.0-flash"
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: apiKey})
	if err != nil {
		return nil, fmt.Errorf("failed to create genai client: %w", err)
	}
	return &GeminiClient{client: client, model: model}, nil
}

// Complete sends a single-turn prompt.
func (c *GeminiClient) Complete(ctx context.Context, prompt string) (string, error) {
	return c.generate(ctx, "", prompt)
}

// CompleteWithSystem sends a prompt with a separate system instruction.
func (c *GeminiClient) CompleteWithSystem(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	return c.generate(ctx, systemPrompt, userPrompt)
}

func (c *GeminiClient) generate(ctx context.Context, system, user string) (string, error) {
	var cfg *genai.GenerateContentConfig
	if system != "" {
		cfg = &genai.GenerateContentConfig{
			SystemInstruction: genai.NewContentFromText(system, genai.RoleUser),
		}
	}

	contents := []*genai.Content{genai.NewContentFromText(user, genai.RoleUser)}

	resp, err := c.client.Models.GenerateContent(ctx, c.model, contents, cfg)
	if err != nil {
		logging.Get(logging.CategoryLLM).Error("gemini call failed: %v", err)
		return "", classify(err)
	}

	text := resp.Text()
	logging.LLMDebug("gemini response: %d chars", len(text))
	return text, nil
}

// Embed generates a semantic-similarity embedding for a single text. Used by
// the store's fuzzy entity resolution.
func (c *GeminiClient) Embed(ctx context.Context, text string) ([]float32, error) {
	contents := []*genai.Content{genai.NewContentFromText(text, genai.RoleUser)}

	result, err := c.client.Models.EmbedContent(ctx,
		embeddingModel,
		contents,
		&genai.EmbedContentConfig{TaskType: "SEMANTIC_SIMILARITY"},
	)
	if err != nil {
		logging.Get(logging.CategoryLLM).Error("gemini embed failed: %v", err)
		return nil, classify(err)
	}
	if len(result.Embeddings) == 0 {
		return nil, types.E(types.KindUnavailable, "no embeddings returned")
	}
	return result.Embeddings[0].Values, nil
}

const embeddingModel = "gemini-embedding-001"

// classify maps transport/SDK failures onto the engine's error taxonomy.
func classify(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return types.Wrap(types.KindTimeout, err, "model call exceeded deadline")
	}
	if errors.Is(err, context.Canceled) {
		return types.Wrap(types.KindCancelled, err, "model call cancelled")
	}

	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.Code == http.StatusTooManyRequests:
			return types.Wrap(types.KindRateLimited, err, "model backend rate limited")
		case apiErr.Code >= 500:
			return types.Wrap(types.KindUnavailable, err, "model backend unavailable")
		}
	}
	return types.Wrap(types.KindUnavailable, err, "model call failed")
}
