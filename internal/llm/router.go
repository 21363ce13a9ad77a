// ABOUTME: OpenAI-compatible model router for chat completions and embeddings
// ABOUTME: Iterates primary then fallback models with bounded retry and backoff
package llm

import (
	"context"
	"fmt"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/tendhq/tend/internal/util"
)

// Client is the model-calling capability consumed by the state pipeline.
// Both calls may fail on transport/provider errors; callers always catch.
type Client interface {
	// ChatCompletion returns the model that answered and its text content.
	ChatCompletion(ctx context.Context, primaryModel string, messages []openai.ChatCompletionMessage, includeFallbacks bool) (string, string, error)
	// Embedding returns the model that answered and the embedding vector.
	Embedding(ctx context.Context, primaryModel string, text string, includeFallbacks bool) (string, []float32, error)
}

// RouterConfig holds configuration for the model router.
type RouterConfig struct {
	APIKey         string
	BaseURL        string
	FallbackModels []string
	MaxRetries     int
	RetryDelay     time.Duration
}

// Router implements Client against any OpenAI-compatible provider.
type Router struct {
	client    *openai.Client
	fallbacks []string
	retries   int
	delay     time.Duration
	logger    *zap.Logger
}

// NewRouter creates a model router.
func NewRouter(cfg RouterConfig, logger *zap.Logger) (*Router, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("model API key is required")
	}
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	retries := cfg.MaxRetries
	if retries < 0 {
		retries = 0
	}
	delay := cfg.RetryDelay
	if delay <= 0 {
		delay = 2 * time.Second
	}
	return &Router{
		client:    openai.NewClientWithConfig(clientCfg),
		fallbacks: cfg.FallbackModels,
		retries:   retries,
		delay:     delay,
		logger:    logger,
	}, nil
}

// models returns the ordered candidate list for one call.
func (r *Router) models(primary string, includeFallbacks bool) []string {
	out := []string{primary}
	if !includeFallbacks {
		return out
	}
	for _, m := range r.fallbacks {
		if m != primary {
			out = append(out, m)
		}
	}
	return out
}

// ChatCompletion calls each candidate model in order until one answers.
func (r *Router) ChatCompletion(ctx context.Context, primaryModel string, messages []openai.ChatCompletionMessage, includeFallbacks bool) (string, string, error) {
	var lastErr error
	for _, model := range r.models(primaryModel, includeFallbacks) {
		for attempt := 0; attempt <= r.retries; attempt++ {
			if attempt > 0 {
				select {
				case <-ctx.Done():
					return "", "", ctx.Err()
				case <-time.After(util.CalculateBackoff(r.delay, attempt)):
				}
			}

			resp, err := r.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
				Model:       model,
				Messages:    messages,
				Temperature: 0.1,
			})
			if err != nil {
				lastErr = fmt.Errorf("model %s attempt %d: %w", model, attempt+1, err)
				r.logger.Warn("chat completion failed",
					zap.String("model", model),
					zap.Int("attempt", attempt+1),
					zap.Error(err))
				continue
			}
			if len(resp.Choices) == 0 {
				lastErr = fmt.Errorf("model %s attempt %d: no completion choices returned", model, attempt+1)
				continue
			}
			return model, resp.Choices[0].Message.Content, nil
		}
	}
	return "", "", fmt.Errorf("chat completion exhausted all models: %w", lastErr)
}

// Embedding calls each candidate model in order until one answers.
func (r *Router) Embedding(ctx context.Context, primaryModel string, text string, includeFallbacks bool) (string, []float32, error) {
	var lastErr error
	for _, model := range r.models(primaryModel, includeFallbacks) {
		for attempt := 0; attempt <= r.retries; attempt++ {
			if attempt > 0 {
				select {
				case <-ctx.Done():
					return "", nil, ctx.Err()
				case <-time.After(util.CalculateBackoff(r.delay, attempt)):
				}
			}

			resp, err := r.client.CreateEmbeddings(ctx, openai.EmbeddingRequestStrings{
				Input: []string{text},
				Model: openai.EmbeddingModel(model),
			})
			if err != nil {
				lastErr = fmt.Errorf("model %s attempt %d: %w", model, attempt+1, err)
				r.logger.Warn("embedding call failed",
					zap.String("model", model),
					zap.Int("attempt", attempt+1),
					zap.Error(err))
				continue
			}
			if len(resp.Data) == 0 {
				lastErr = fmt.Errorf("model %s attempt %d: no embeddings returned", model, attempt+1)
				continue
			}
			return model, resp.Data[0].Embedding, nil
		}
	}
	return "", nil, fmt.Errorf("embedding exhausted all models: %w", lastErr)
}
