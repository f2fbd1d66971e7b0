// internal/llmclient/genai_client.go
package llmclient

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"google.golang.org/genai"

	"github.com/xkilldash9x/partscout/api/schemas"
	"github.com/xkilldash9x/partscout/internal/config"
)

// contentGenerator is the slice of the genai SDK the client depends on.
type contentGenerator interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, cfg *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

// GenAIClient implements schemas.LLMClient using the official Google Gen AI
// SDK. It talks to Vertex AI when a project is configured and to the Gemini
// API otherwise.
type GenAIClient struct {
	models contentGenerator
	model  string
	config config.LLMConfig
	logger *zap.Logger
}

// NewGenAIClient builds the SDK client.
func NewGenAIClient(ctx context.Context, cfg config.LLMConfig, logger *zap.Logger) (*GenAIClient, error) {
	clientCfg := &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	}
	if cfg.Project != "" {
		clientCfg = &genai.ClientConfig{
			Project:  cfg.Project,
			Location: cfg.Location,
			Backend:  genai.BackendVertexAI,
		}
	} else if cfg.APIKey == "" {
		return nil, fmt.Errorf("genai provider requires an API key or a Vertex AI project")
	}

	client, err := genai.NewClient(ctx, clientCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create genai client: %w", err)
	}
	return newGenAIClient(client.Models, cfg, logger), nil
}

func newGenAIClient(models contentGenerator, cfg config.LLMConfig, logger *zap.Logger) *GenAIClient {
	return &GenAIClient{
		models: models,
		model:  cfg.Model,
		config: cfg,
		logger: logger.Named("llm_client.genai"),
	}
}

// Generate sends one prompt and returns the concatenated text of the first candidate.
func (c *GenAIClient) Generate(ctx context.Context, req schemas.GenerationRequest) (string, error) {
	maxTokens := req.Options.MaxOutputTokens
	if maxTokens == 0 {
		maxTokens = c.config.MaxTokens
	}
	genCfg := &genai.GenerateContentConfig{
		Temperature:     genai.Ptr(float32(req.Options.Temperature)),
		MaxOutputTokens: int32(maxTokens),
	}
	if req.Options.ForceJSONFormat {
		genCfg.ResponseMIMEType = "application/json"
	}
	if req.SystemPrompt != "" {
		genCfg.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: req.SystemPrompt}}}
	}

	contents := []*genai.Content{{
		Role:  "user",
		Parts: []*genai.Part{{Text: req.UserPrompt}},
	}}

	resp, err := c.models.GenerateContent(ctx, c.model, contents, genCfg)
	if err != nil {
		return "", fmt.Errorf("genai generate content: %w", err)
	}
	text := resp.Text()
	if text == "" {
		return "", fmt.Errorf("genai returned no text")
	}
	c.logger.Debug("LLM generation complete", zap.Int("chars", len(text)))
	return text, nil
}

// Close is a no-op; the SDK holds no resources that need releasing.
func (c *GenAIClient) Close() error { return nil }
