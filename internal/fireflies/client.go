// Package fireflies is the transcript source adapter.
//
// It talks to the provider's GraphQL query API and normalizes its loose,
// version-drifting response shapes into the strict transcript.Detail type.
// All provider field-name drift is absorbed here and nowhere else.
package fireflies

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

	"github.com/fyrsmithlabs/meetingd/internal/config"
	"github.com/fyrsmithlabs/meetingd/internal/transcript"
)

var (
	// ErrUnavailable indicates the provider is unreachable or returned a
	// 5xx/timeout; the caller may retry with backoff.
	ErrUnavailable = errors.New("transcript provider unavailable")

	// ErrRejected indicates the provider rejected the request (4xx, bad
	// auth, malformed query); not retryable.
	ErrRejected = errors.New("transcript provider rejected request")

	// ErrNotFound indicates the requested transcript does not exist.
	ErrNotFound = errors.New("transcript not found")
)

// maxPageLimit is the provider-side cap on transcripts per list call.
const maxPageLimit = 100

const listQuery = `query Transcripts($limit: Int, $fromDate: DateTime) {
  transcripts(limit: $limit, fromDate: $fromDate) {
    id title date duration
  }
}`

const detailQuery = `query Transcript($id: String!) {
  transcript(id: $id) {
    id title date duration
    participants
    sentences { speaker_name text start_time end_time }
  }
}`

// Client fetches transcripts from the provider. It is read-only: no call has
// side effects upstream.
type Client struct {
	config config.FirefliesConfig
	client *http.Client
	logger *zap.Logger
}

// NewClient creates a transcript provider client.
func NewClient(cfg config.FirefliesConfig, logger *zap.Logger) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("%w: base URL required", ErrRejected)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		config: cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		logger: logger,
	}, nil
}

// FetchRecent returns transcript summaries, newest first, created at or after
// since. A zero since fetches the most recent transcripts unconditionally.
// Malformed entries are skipped with a warning; they never abort the page.
func (c *Client) FetchRecent(ctx context.Context, limit int, since time.Time) ([]transcript.Summary, error) {
	if limit < 1 {
		limit = 1
	}
	if limit > maxPageLimit {
		limit = maxPageLimit
	}

	vars := map[string]interface{}{"limit": limit}
	if !since.IsZero() {
		vars["fromDate"] = since.UTC().Format(time.RFC3339)
	}

	var payload struct {
		Transcripts []wireTranscript `json:"transcripts"`
	}
	if err := c.query(ctx, listQuery, vars, &payload); err != nil {
		return nil, err
	}

	summaries := make([]transcript.Summary, 0, len(payload.Transcripts))
	for _, wt := range payload.Transcripts {
		s, err := wt.summary()
		if err != nil {
			c.logger.Warn("skipping malformed transcript entry",
				zap.String("id", wt.ID),
				zap.Error(err))
			continue
		}
		summaries = append(summaries, s)
	}
	return summaries, nil
}

// FetchFull returns the normalized full transcript for one id.
func (c *Client) FetchFull(ctx context.Context, id string) (*transcript.Detail, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: empty transcript id", ErrRejected)
	}

	var payload struct {
		Transcript *wireTranscript `json:"transcript"`
	}
	if err := c.query(ctx, detailQuery, map[string]interface{}{"id": id}, &payload); err != nil {
		return nil, err
	}
	if payload.Transcript == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	return payload.Transcript.detail(c.logger)
}

// query executes one GraphQL request and decodes the data payload into out.
func (c *Client) query(ctx context.Context, query string, vars map[string]interface{}, out interface{}) error {
	body, err := json.Marshal(map[string]interface{}{
		"query":     query,
		"variables": vars,
	})
	if err != nil {
		return fmt.Errorf("marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.BaseURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 16*1024*1024))
	if err != nil {
		return fmt.Errorf("%w: reading response: %v", ErrUnavailable, err)
	}

	switch {
	case resp.StatusCode >= 500:
		return fmt.Errorf("%w: status %d: %s", ErrUnavailable, resp.StatusCode, truncate(respBody, 512))
	case resp.StatusCode >= 400:
		return fmt.Errorf("%w: status %d: %s", ErrRejected, resp.StatusCode, truncate(respBody, 512))
	}

	var envelope struct {
		Data   json.RawMessage `json:"data"`
		Errors []struct {
			Message string `json:"message"`
		} `json:"errors"`
	}
	if err := json.Unmarshal(respBody, &envelope); err != nil {
		return fmt.Errorf("%w: decoding response: %v", ErrUnavailable, err)
	}
	if len(envelope.Errors) > 0 {
		return fmt.Errorf("%w: %s", ErrRejected, envelope.Errors[0].Message)
	}
	if len(envelope.Data) == 0 {
		return fmt.Errorf("%w: empty data payload", ErrUnavailable)
	}

	if err := json.Unmarshal(envelope.Data, out); err != nil {
		return fmt.Errorf("%w: decoding data: %v", ErrUnavailable, err)
	}
	return nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
