package llm

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"
	"golang.org/x/time/rate"
)

const (
	ProviderOpenAI = "openai"
	ProviderOllama = "ollama"

	DefaultModel      = "text-embedding-3-small"
	DefaultDimensions = 1536
)

// EmbedderConfig represents the configuration for an embedding client.
type EmbedderConfig struct {
	Provider   string
	Model      string
	BaseURL    string // empty means the provider default
	APIKey     string
	Dimensions int // expected vector length, 0 disables the check

	// RequestsPerSecond caps outbound calls across all goroutines. Zero
	// leaves calls unthrottled.
	RequestsPerSecond float64
	Timeout           time.Duration
	Retry             RetryPolicy
}

// embeddingClient is satisfied by both langchaingo providers.
type embeddingClient interface {
	CreateEmbedding(ctx context.Context, texts []string) ([][]float32, error)
}

// Embedder turns a text into a vector with one remote call per attempt.
// It is safe for concurrent use.
type Embedder struct {
	config  EmbedderConfig
	client  embeddingClient
	limiter *rate.Limiter
	logger  *slog.Logger
}

func NewEmbedderWithConfig(config EmbedderConfig) (*Embedder, error) {
	if config.Provider == "" {
		config.Provider = ProviderOpenAI
	}
	if config.Model == "" {
		config.Model = DefaultModel
	}
	if config.Timeout == 0 {
		config.Timeout = 30 * time.Second
	}
	if config.Retry.MaxAttempts == 0 {
		config.Retry = DefaultRetryPolicy()
	}

	httpClient := newStatusClient(config.Timeout)

	var client embeddingClient
	switch config.Provider {
	case ProviderOpenAI:
		if config.APIKey == "" {
			return nil, fmt.Errorf("%w: missing API key", ErrAuth)
		}
		opts := []openai.Option{
			openai.WithToken(config.APIKey),
			openai.WithEmbeddingModel(config.Model),
			openai.WithHTTPClient(httpClient),
		}
		if config.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(config.BaseURL))
		}
		llm, err := openai.New(opts...)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize openai embedder: %w", err)
		}
		client = llm
	case ProviderOllama:
		if config.BaseURL == "" {
			config.BaseURL = "http://localhost:11434"
		}
		llm, err := ollama.New(
			ollama.WithModel(config.Model),
			ollama.WithServerURL(config.BaseURL),
			ollama.WithHTTPClient(httpClient),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize ollama embedder: %w", err)
		}
		client = llm
	default:
		return nil, fmt.Errorf("unknown embedding provider %q", config.Provider)
	}

	return newEmbedder(config, client), nil
}

func newEmbedder(config EmbedderConfig, client embeddingClient) *Embedder {
	e := &Embedder{
		config: config,
		client: client,
		logger: slog.Default().With("component", "embedder", "provider", config.Provider, "model", config.Model),
	}
	if config.RequestsPerSecond > 0 {
		e.limiter = rate.NewLimiter(rate.Limit(config.RequestsPerSecond), 1)
	}
	return e
}

// Model returns the model identifier every call is made with.
func (e *Embedder) Model() string {
	return e.config.Model
}

// Embed returns the embedding of text, retrying rate-limit and transient
// failures according to the configured policy.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("%w: empty text", ErrInvalidInput)
	}

	var vector []float32
	err := e.config.Retry.Do(ctx, func(ctx context.Context) error {
		v, err := e.embedOnce(ctx, text)
		if err != nil {
			return err
		}
		vector = v
		return nil
	})
	if err != nil {
		return nil, err
	}
	return vector, nil
}

func (e *Embedder) embedOnce(ctx context.Context, text string) ([]float32, error) {
	if e.limiter != nil {
		if err := e.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	e.logger.Debug("generating embedding", "length", len(text))
	embeddings, err := e.client.CreateEmbedding(ctx, []string{text})
	if err != nil {
		err = classify(ctx, err)
		e.logger.Debug("embedding call failed", "err", err)
		return nil, err
	}
	if len(embeddings) != 1 {
		return nil, fmt.Errorf("%w: expected 1 embedding, got %d", ErrTransient, len(embeddings))
	}

	vector := embeddings[0]
	if e.config.Dimensions > 0 && len(vector) != e.config.Dimensions {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrDimensionMismatch, len(vector), e.config.Dimensions)
	}
	return vector, nil
}
