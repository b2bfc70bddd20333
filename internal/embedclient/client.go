// Package embedclient turns query strings into query vectors by calling the
// multimodal ingestion worker over a narrow HTTP RPC.
//
// The core stays model-free: no local embedding, ever. When the worker is
// unreachable or returns malformed output, Embed degrades to a zero vector
// instead of failing the request; the retrieval engine surfaces the
// degradation in response metadata.
package embedclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
)

var (
	// ErrInvalidConfig indicates invalid configuration.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrEmbeddingFailed indicates the worker call failed; callers normally
	// never see it because Embed degrades instead.
	ErrEmbeddingFailed = errors.New("embedding generation failed")
)

// Config holds configuration for the embedding client.
type Config struct {
	// BaseURL is the multimodal worker base URL.
	BaseURL string

	// Dimension is the expected vector size; a response of any other length
	// is treated as degradation.
	Dimension int

	// Timeout bounds each worker call.
	Timeout time.Duration

	// MaxRetries is the bounded retry budget for transient failures.
	MaxRetries int
}

// Validate validates the configuration.
func (c Config) Validate() error {
	if c.BaseURL == "" {
		return fmt.Errorf("%w: base URL required", ErrInvalidConfig)
	}
	if c.Dimension <= 0 {
		return fmt.Errorf("%w: dimension required", ErrInvalidConfig)
	}
	return nil
}

// Client calls the worker's /embed endpoint.
type Client struct {
	config Config
	http   *http.Client
	logger *zap.Logger
}

// NewClient creates an embedding client.
func NewClient(config Config, logger *zap.Logger) (*Client, error) {
	if config.Timeout == 0 {
		config.Timeout = 2 * time.Second
	}
	if config.MaxRetries == 0 {
		config.MaxRetries = 2
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return &Client{
		config: config,
		http:   &http.Client{Timeout: config.Timeout},
		logger: logger,
	}, nil
}

// embedRequest is the request body for the worker's embed endpoint.
type embedRequest struct {
	Text string `json:"text"`
}

// embedResponse is the worker's embed response.
type embedResponse struct {
	Embedding []float32 `json:"embedding"`
}

// Embed returns the query vector and whether the call degraded. On
// degradation the vector is all zeros of the configured dimension, which
// matches nothing above a positive similarity threshold.
func (c *Client) Embed(ctx context.Context, query string) ([]float32, bool) {
	var lastErr error
retry:
	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				lastErr = ctx.Err()
				break retry
			case <-time.After(time.Duration(attempt) * 100 * time.Millisecond):
			}
		}

		vec, err := c.embedOnce(ctx, query)
		if err == nil {
			return vec, false
		}
		lastErr = err
	}

	c.logger.Warn("embedding degraded to zero vector", zap.Error(lastErr))
	return make([]float32, c.config.Dimension), true
}

func (c *Client) embedOnce(ctx context.Context, query string) ([]float32, error) {
	body, err := json.Marshal(embedRequest{Text: query})
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	callCtx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, c.config.BaseURL+"/embed", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEmbeddingFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("%w: status %d: %s", ErrEmbeddingFailed, resp.StatusCode, string(respBody))
	}

	var out embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("%w: decoding response: %v", ErrEmbeddingFailed, err)
	}
	if len(out.Embedding) != c.config.Dimension {
		return nil, fmt.Errorf("%w: worker returned %d dimensions, expected %d",
			ErrEmbeddingFailed, len(out.Embedding), c.config.Dimension)
	}

	return out.Embedding, nil
}
