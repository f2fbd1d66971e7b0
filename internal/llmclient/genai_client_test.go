package llmclient

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"google.golang.org/genai"

	"github.com/xkilldash9x/partscout/internal/config"
)

type mockModels struct {
	mock.Mock
}

func (m *mockModels) GenerateContent(ctx context.Context, model string, contents []*genai.Content, cfg *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error) {
	args := m.Called(ctx, model, contents, cfg)
	resp, _ := args.Get(0).(*genai.GenerateContentResponse)
	return resp, args.Error(1)
}

func textResponse(text string) *genai.GenerateContentResponse {
	return &genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{{
			Content: &genai.Content{Parts: []*genai.Part{{Text: text}}},
		}},
	}
}

func TestGenAIClient_Generate(t *testing.T) {
	models := &mockModels{}
	cfg := getValidLLMConfig()
	client := newGenAIClient(models, cfg, zaptest.NewLogger(t))

	models.On("GenerateContent", mock.Anything, "gemini-test-model", mock.MatchedBy(func(c []*genai.Content) bool {
		return len(c) == 1 && c[0].Parts[0].Text == "Current page: ..."
	}), mock.MatchedBy(func(gc *genai.GenerateContentConfig) bool {
		return gc.MaxOutputTokens == 1000 &&
			gc.ResponseMIMEType == "application/json" &&
			gc.Temperature != nil && *gc.Temperature > 0.09 && *gc.Temperature < 0.11 &&
			gc.SystemInstruction != nil
	})).Return(textResponse(`{"completed": false}`), nil).Once()

	text, err := client.Generate(context.Background(), createTestRequest())
	require.NoError(t, err)
	assert.Equal(t, `{"completed": false}`, text)
	models.AssertExpectations(t)
}

func TestGenAIClient_GenerateErrors(t *testing.T) {
	t.Run("sdk error", func(t *testing.T) {
		models := &mockModels{}
		models.On("GenerateContent", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
			Return(nil, errors.New("quota exceeded")).Once()
		client := newGenAIClient(models, getValidLLMConfig(), zaptest.NewLogger(t))

		_, err := client.Generate(context.Background(), createTestRequest())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "quota exceeded")
	})

	t.Run("empty text", func(t *testing.T) {
		models := &mockModels{}
		models.On("GenerateContent", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
			Return(textResponse(""), nil).Once()
		client := newGenAIClient(models, getValidLLMConfig(), zaptest.NewLogger(t))

		_, err := client.Generate(context.Background(), createTestRequest())
		require.Error(t, err)
	})
}

func TestNewClient_Factory(t *testing.T) {
	logger := zaptest.NewLogger(t)

	c, err := NewClient(context.Background(), getValidLLMConfig(), logger)
	require.NoError(t, err)
	assert.IsType(t, &GeminiClient{}, c)

	cfg := getValidLLMConfig()
	cfg.Provider = config.ProviderNone
	_, err = NewClient(context.Background(), cfg, logger)
	assert.ErrorIs(t, err, ErrNoProvider)

	cfg.Provider = "openai"
	_, err = NewClient(context.Background(), cfg, logger)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported LLM provider")

	cfg = getValidLLMConfig()
	cfg.Provider = config.ProviderGenAI
	cfg.APIKey = ""
	_, err = NewClient(context.Background(), cfg, logger)
	require.Error(t, err)
}
