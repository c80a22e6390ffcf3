// Package embedding turns normalized values into similarity vectors through
// any OpenAI-compatible /v1/embeddings server, and holds the vector helpers
// the privacy store and the deduplicator share.
//
// Usage:
//
//	emb := embedding.New(embedding.Config{
//	    Endpoint: "http://localhost:8003",
//	    Model:    "multilingual-e5-small",
//	})
//	vec, err := emb.Embed(ctx, canonical)
//
// Without an endpoint New returns a disabled embedder whose vectors are all
// zero; zero-norm vectors are never stored nor compared.
package embedding

import (
	"context"
	"log/slog"
	"time"
)

// Embedder converts text to vectors.
type Embedder interface {
	// Embed returns the embedding vector for a single text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch returns embeddings for multiple texts in one HTTP call.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimension returns the vector dimension, 0 until the first call
	// when auto-detecting.
	Dimension() int

	// Model returns the model name stored alongside each vector.
	Model() string
}

// Config configures the embedding client.
type Config struct {
	// Endpoint is the base URL of the embedding server. Empty disables embedding.
	Endpoint string `yaml:"endpoint"`

	// Model is the model name sent in the request.
	Model string `yaml:"model"`

	// APIKey is sent as a bearer token when set.
	APIKey string `yaml:"-"`

	// Dimension is the expected vector dimension. 0 means auto-detect.
	Dimension int `yaml:"dimension"`

	// BatchSize is the maximum number of texts per HTTP request. Default: 32.
	BatchSize int `yaml:"batch_size"`

	// Timeout per HTTP request. Default: 5s.
	Timeout time.Duration `yaml:"timeout"`

	Logger *slog.Logger `yaml:"-"`
}

func (c *Config) defaults() {
	if c.BatchSize <= 0 {
		c.BatchSize = 32
	}
	if c.Timeout <= 0 {
		c.Timeout = 5 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// New creates an Embedder from config.
func New(cfg Config) Embedder {
	cfg.defaults()
	if cfg.Endpoint == "" {
		return &disabled{dim: cfg.Dimension, model: cfg.Model}
	}
	return newOpenAIClient(cfg)
}

// Enabled reports whether e produces real vectors.
func Enabled(e Embedder) bool {
	if e == nil {
		return false
	}
	_, off := e.(*disabled)
	return !off
}

type disabled struct {
	dim   int
	model string
}

func (n *disabled) Embed(_ context.Context, _ string) ([]float32, error) {
	return make([]float32, n.dim), nil
}

func (n *disabled) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range out {
		out[i] = make([]float32, n.dim)
	}
	return out, nil
}

func (n *disabled) Dimension() int { return n.dim }
func (n *disabled) Model() string  { return n.model }
