package http

import (
	"time"

	"github.com/fyrsmithlabs/meetingd/internal/retriever"
	"github.com/fyrsmithlabs/meetingd/internal/transcript"
)

// SyncRequest is the body for POST /sync.
type SyncRequest struct {
	Limit    int        `json:"limit"`
	FromDate *time.Time `json:"from_date,omitempty"`
}

// ProcessRequest is the body for POST /process.
type ProcessRequest struct {
	Limit int `json:"limit"`
}

// SearchRequest is the body for POST /search and POST /vector-search.
type SearchRequest struct {
	Query   string                    `json:"query"`
	Limit   int                       `json:"limit"`
	Filters *transcript.SearchFilters `json:"filters,omitempty"`
}

// SearchResponse is the response body for both search endpoints.
type SearchResponse struct {
	Results []retriever.Result `json:"results"`
}

// WebhookRequest is the body for POST /webhook.
type WebhookRequest struct {
	Event        string `json:"event"`
	TranscriptID string `json:"transcriptId"`
}

// WebhookResponse is the response body for POST /webhook.
type WebhookResponse struct {
	Success bool `json:"success"`
}

// MeetingsResponse is the response body for GET /meetings.
type MeetingsResponse struct {
	Meetings []transcript.Meeting `json:"meetings"`
	Limit    int                  `json:"limit"`
	Offset   int                  `json:"offset"`
}

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}

// ErrorResponse is the structured error body for all endpoints.
type ErrorResponse struct {
	Error string `json:"error"`
	ID    string `json:"id,omitempty"`
}
