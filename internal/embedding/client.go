// Package embedding provides a batching client for an OpenAI-compatible
// embedding provider. All calls are wrapped with circuit breaker
// protection; embedding failures are fatal for writes and semantic
// reads, so the breaker keeps a failing provider from stalling batches.
package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

const (
	// MaxBatchSize is the provider's maximum number of inputs per call.
	MaxBatchSize = 32

	// MaxInputChars is the provider's maximum length of a single input.
	MaxInputChars = 32000
)

// ErrNotConfigured is returned when no API key is configured. Callers
// degrade to recency-only behavior instead of failing.
var ErrNotConfigured = errors.New("embedding provider not configured")

// Config holds embedding client configuration.
type Config struct {
	BaseURL string        // default: https://api.openai.com
	APIKey  string        // empty means not configured
	Model   string        // default: text-embedding-3-small
	Timeout time.Duration // default: 15s
}

// Result is one batched embedding response.
type Result struct {
	// Embeddings holds one vector per input, in input order.
	Embeddings [][]float32

	// Model is the model that produced the vectors.
	Model string

	// Dimensions is the vector dimensionality.
	Dimensions int
}

// Client calls the provider's /v1/embeddings endpoint.
type Client struct {
	cfg     Config
	client  *http.Client
	breaker *circuitBreaker
}

// NewClient creates a new embedding client with the given configuration.
func NewClient(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.openai.com"
	}
	if cfg.Model == "" {
		cfg.Model = "text-embedding-3-small"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 15 * time.Second
	}
	return &Client{
		cfg: cfg,
		client: &http.Client{
			Timeout: cfg.Timeout,
		},
		breaker: newCircuitBreaker(CircuitBreakerConfig{}),
	}
}

// Configured reports whether the client has credentials to call the
// provider.
func (c *Client) Configured() bool {
	return c.cfg.APIKey != ""
}

// Model returns the configured model name.
func (c *Client) Model() string {
	return c.cfg.Model
}

// embedRequest is the request body for POST /v1/embeddings.
type embedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

// embedResponse is the response body from POST /v1/embeddings.
type embedResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
	Model string `json:"model"`
}

// EmbedBatch generates embeddings for all texts in a single round trip.
// It validates the provider's batch and input-length limits before any
// network call.
func (c *Client) EmbedBatch(ctx context.Context, texts []string) (*Result, error) {
	if !c.Configured() {
		return nil, ErrNotConfigured
	}
	if len(texts) == 0 {
		return &Result{Model: c.cfg.Model}, nil
	}
	if len(texts) > MaxBatchSize {
		return nil, fmt.Errorf("embedding: batch of %d exceeds provider limit of %d", len(texts), MaxBatchSize)
	}
	for i, text := range texts {
		if len(text) > MaxInputChars {
			return nil, fmt.Errorf("embedding: input %d exceeds %d characters", i, MaxInputChars)
		}
	}

	result, err := c.breaker.execute(ctx, func() (interface{}, error) {
		return c.embed(ctx, texts)
	})
	if err != nil {
		if errors.Is(err, ErrCircuitOpen) {
			return nil, fmt.Errorf("embedding: %w", err)
		}
		return nil, err
	}
	return result.(*Result), nil
}

func (c *Client) embed(ctx context.Context, texts []string) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	jsonData, err := json.Marshal(embedRequest{Model: c.cfg.Model, Input: texts})
	if err != nil {
		return nil, fmt.Errorf("embedding: failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.cfg.BaseURL+"/v1/embeddings", bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("embedding: failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embedding: failed to send request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("embedding: provider returned status %d: %s", resp.StatusCode, string(body))
	}

	var respData embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&respData); err != nil {
		return nil, fmt.Errorf("embedding: failed to decode response: %w", err)
	}

	if len(respData.Data) != len(texts) {
		return nil, fmt.Errorf("embedding: provider returned %d vectors for %d inputs", len(respData.Data), len(texts))
	}

	// The provider may return entries out of order; place by index.
	vectors := make([][]float32, len(texts))
	for _, entry := range respData.Data {
		if entry.Index < 0 || entry.Index >= len(texts) {
			return nil, fmt.Errorf("embedding: provider returned out-of-range index %d", entry.Index)
		}
		vectors[entry.Index] = entry.Embedding
	}
	for i, v := range vectors {
		if len(v) == 0 {
			return nil, fmt.Errorf("embedding: provider returned empty vector for input %d", i)
		}
	}

	return &Result{
		Embeddings: vectors,
		Model:      respData.Model,
		Dimensions: len(vectors[0]),
	}, nil
}

// BreakerState exposes the circuit breaker state for health reporting.
func (c *Client) BreakerState() string {
	return c.breaker.state()
}
