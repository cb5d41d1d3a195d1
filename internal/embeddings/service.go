// Package embeddings provides embedding generation via an OpenAI-compatible
// embeddings API.
package embeddings

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/fyrsmithlabs/meetingd/internal/config"
)

var (
	// ErrEmptyInput indicates empty or nil input texts.
	ErrEmptyInput = errors.New("empty or nil input texts")

	// ErrInvalidConfig indicates invalid configuration.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrUnavailable indicates the provider is unreachable, rate limiting,
	// or failing; retryable.
	ErrUnavailable = errors.New("embedding provider unavailable")

	// ErrRejected indicates the provider rejected the request (bad auth,
	// oversized input); not retryable.
	ErrRejected = errors.New("embedding provider rejected request")
)

// Service generates embeddings with batching, rate limiting, and bounded
// retries. A batch either succeeds wholesale or fails wholesale: no chunk
// gets partial credit from a failed call.
type Service struct {
	config  config.EmbeddingsConfig
	client  *http.Client
	limiter *rate.Limiter
	logger  *zap.Logger
	metrics *Metrics
}

// NewService creates an embedding service from configuration.
func NewService(cfg config.EmbeddingsConfig, logger *zap.Logger) (*Service, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("%w: base URL required", ErrInvalidConfig)
	}
	if cfg.Model == "" {
		return nil, fmt.Errorf("%w: model required", ErrInvalidConfig)
	}
	if cfg.BatchSize < 1 {
		return nil, fmt.Errorf("%w: batch size must be positive", ErrInvalidConfig)
	}
	if cfg.MaxAttempts < 1 {
		return nil, fmt.Errorf("%w: max attempts must be positive", ErrInvalidConfig)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	rpm := cfg.RequestsPerMinute
	if rpm < 1 {
		rpm = 60
	}

	return &Service{
		config:  cfg,
		client:  &http.Client{Timeout: cfg.Timeout},
		limiter: rate.NewLimiter(rate.Limit(float64(rpm)/60.0), 1),
		logger:  logger,
		metrics: NewMetrics(logger),
	}, nil
}

// Model returns the model identifier recorded alongside every vector this
// service produces.
func (s *Service) Model() string {
	return s.config.Model
}

// EmbedDocuments generates embeddings for the given texts, batching requests
// under both the count cap and the character cap, whichever binds first.
// The returned slice is index-aligned with texts.
func (s *Service) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, fmt.Errorf("%w: texts cannot be empty", ErrEmptyInput)
	}

	vectors := make([][]float32, 0, len(texts))
	for _, batch := range s.batches(texts) {
		vs, err := s.embedBatch(ctx, batch)
		if err != nil {
			return nil, err
		}
		vectors = append(vectors, vs...)
	}
	return vectors, nil
}

// EmbedQuery generates an embedding for a single query.
func (s *Service) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	if text == "" {
		return nil, fmt.Errorf("%w: text cannot be empty", ErrEmptyInput)
	}
	vectors, err := s.embedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

// batches splits texts under the count and byte caps. A single text larger
// than the byte cap still goes out alone; the provider decides its fate.
func (s *Service) batches(texts []string) [][]string {
	maxChars := s.config.MaxBatchChars
	if maxChars < 1 {
		maxChars = 96 * 1024
	}

	var out [][]string
	var current []string
	chars := 0
	for _, t := range texts {
		if len(current) > 0 && (len(current) >= s.config.BatchSize || chars+len(t) > maxChars) {
			out = append(out, current)
			current = nil
			chars = 0
		}
		current = append(current, t)
		chars += len(t)
	}
	if len(current) > 0 {
		out = append(out, current)
	}
	return out
}

// embedBatch performs one provider call with rate limiting and retries.
// 429 and 5xx responses are retried with exponential backoff up to the
// configured attempt count; other 4xx responses fail immediately.
func (s *Service) embedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	start := time.Now()
	var genErr error
	defer func() {
		s.metrics.RecordGeneration(ctx, s.config.Model, "embed_batch", time.Since(start), len(texts), genErr)
	}()

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(s.config.MaxAttempts-1)),
		ctx,
	)

	var vectors [][]float32
	operation := func() error {
		if err := s.limiter.Wait(ctx); err != nil {
			return backoff.Permanent(err)
		}

		vs, err := s.call(ctx, texts)
		if err != nil {
			if errors.Is(err, ErrUnavailable) {
				s.logger.Warn("embedding call failed, retrying",
					zap.Int("batch_size", len(texts)),
					zap.Error(err))
				return err
			}
			return backoff.Permanent(err)
		}
		vectors = vs
		return nil
	}

	if genErr = backoff.Retry(operation, policy); genErr != nil {
		return nil, genErr
	}
	return vectors, nil
}

type embedRequest struct {
	Input []string `json:"input"`
	Model string   `json:"model"`
}

type embedResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

// call performs a single POST /embeddings request.
func (s *Service) call(ctx context.Context, texts []string) ([][]float32, error) {
	body, err := json.Marshal(embedRequest{Input: texts, Model: s.config.Model})
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.config.BaseURL+"/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.config.APIKey)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return nil, fmt.Errorf("%w: status %d: %s", ErrUnavailable, resp.StatusCode, respBody)
		}
		return nil, fmt.Errorf("%w: status %d: %s", ErrRejected, resp.StatusCode, respBody)
	}

	var parsed embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("%w: decoding response: %v", ErrUnavailable, err)
	}
	if len(parsed.Data) != len(texts) {
		return nil, fmt.Errorf("%w: got %d embeddings for %d texts", ErrUnavailable, len(parsed.Data), len(texts))
	}

	// Responses carry an explicit index; order by it rather than assuming
	// input order.
	vectors := make([][]float32, len(texts))
	for _, d := range parsed.Data {
		if d.Index < 0 || d.Index >= len(texts) {
			return nil, fmt.Errorf("%w: embedding index %d out of range", ErrUnavailable, d.Index)
		}
		vectors[d.Index] = d.Embedding
	}
	for i, v := range vectors {
		if len(v) == 0 {
			return nil, fmt.Errorf("%w: missing embedding for text %d", ErrUnavailable, i)
		}
	}
	return vectors, nil
}
