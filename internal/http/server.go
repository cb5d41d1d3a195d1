// Package http provides the HTTP API for meetingd.
package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/meetingd/internal/config"
	"github.com/fyrsmithlabs/meetingd/internal/fireflies"
	"github.com/fyrsmithlabs/meetingd/internal/orchestrator"
	"github.com/fyrsmithlabs/meetingd/internal/retriever"
	"github.com/fyrsmithlabs/meetingd/internal/transcript"
)

// completedEvent is the only webhook event type that triggers ingestion.
const completedEvent = "transcription.completed"

// Orchestrator is the sync surface the server drives.
type Orchestrator interface {
	SyncBatch(ctx context.Context, limit int, fromDate *time.Time) (*orchestrator.SyncReport, error)
	ProcessPending(ctx context.Context, limit int) (*orchestrator.ProcessReport, error)
	HandleWebhook(ctx context.Context, transcriptID string) error
}

// Searcher is the retrieval surface the server exposes.
type Searcher interface {
	Search(ctx context.Context, query string, limit int, filters transcript.SearchFilters) ([]retriever.Result, error)
	VectorSearch(ctx context.Context, query string, limit int, filters transcript.SearchFilters) ([]retriever.Result, error)
}

// MeetingLister lists indexed meetings.
type MeetingLister interface {
	ListMeetings(ctx context.Context, limit, offset int) ([]transcript.Meeting, error)
}

// Server provides HTTP endpoints for meetingd.
type Server struct {
	echo     *echo.Echo
	orch     Orchestrator
	searcher Searcher
	meetings MeetingLister
	logger   *zap.Logger
	config   config.ServerConfig
	metrics  *HTTPMetrics
}

// NewServer creates the HTTP server.
func NewServer(orch Orchestrator, searcher Searcher, meetings MeetingLister, logger *zap.Logger, cfg config.ServerConfig) (*Server, error) {
	if orch == nil {
		return nil, fmt.Errorf("orchestrator is required")
	}
	if searcher == nil {
		return nil, fmt.Errorf("searcher is required")
	}
	if meetings == nil {
		return nil, fmt.Errorf("meeting lister is required")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required for request tracking and debugging")
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{
		echo:     e,
		orch:     orch,
		searcher: searcher,
		meetings: meetings,
		logger:   logger,
		config:   cfg,
		metrics:  NewHTTPMetrics(logger),
	}

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(s.requestLogger)

	s.registerRoutes()
	return s, nil
}

// registerRoutes sets up the HTTP endpoints.
func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	s.echo.POST("/sync", s.handleSync)
	s.echo.POST("/process", s.handleProcess)
	s.echo.POST("/search", s.handleSearch)
	s.echo.POST("/vector-search", s.handleVectorSearch)
	s.echo.POST("/webhook", s.handleWebhook)
	s.echo.GET("/meetings", s.handleMeetings)
}

// requestLogger logs one line per request and feeds the HTTP metrics.
func (s *Server) requestLogger(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		start := time.Now()
		err := next(c)
		duration := time.Since(start)

		s.logger.Info("http request",
			zap.String("method", c.Request().Method),
			zap.String("uri", c.Request().RequestURI),
			zap.Int("status", c.Response().Status),
			zap.Duration("duration", duration),
			zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)),
		)
		s.metrics.RecordRequest(c.Request().Context(), c.Request().Method, c.Path(), c.Response().Status, duration)

		return err
	}
}

// handleHealth returns a simple health check response.
func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}

// handleSync triggers a batch pull from the transcript provider.
func (s *Server) handleSync(c echo.Context) error {
	var req SyncRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request body"})
	}

	report, err := s.orch.SyncBatch(c.Request().Context(), req.Limit, req.FromDate)
	if err != nil {
		return s.upstreamError(c, err, "")
	}
	return c.JSON(http.StatusOK, report)
}

// handleProcess triggers a vectorization pass over pending meetings.
func (s *Server) handleProcess(c echo.Context) error {
	var req ProcessRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request body"})
	}

	report, err := s.orch.ProcessPending(c.Request().Context(), req.Limit)
	if err != nil {
		return s.upstreamError(c, err, "")
	}
	return c.JSON(http.StatusOK, report)
}

// handleSearch serves lexical search.
func (s *Server) handleSearch(c echo.Context) error {
	return s.serveSearch(c, s.searcher.Search)
}

// handleVectorSearch serves semantic search. Fallback to lexical on empty
// vector results happens inside the retriever; the response shape is
// identical either way.
func (s *Server) handleVectorSearch(c echo.Context) error {
	return s.serveSearch(c, s.searcher.VectorSearch)
}

func (s *Server) serveSearch(c echo.Context, search func(context.Context, string, int, transcript.SearchFilters) ([]retriever.Result, error)) error {
	var req SearchRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request body"})
	}
	if req.Query == "" {
		return c.JSON(http.StatusBadRequest, ErrorResponse{Error: "query field is required"})
	}

	filters := transcript.SearchFilters{}
	if req.Filters != nil {
		filters = *req.Filters
	}

	results, err := search(c.Request().Context(), req.Query, req.Limit, filters)
	if err != nil {
		if errors.Is(err, retriever.ErrEmptyQuery) {
			return c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		}
		return s.upstreamError(c, err, "")
	}
	if results == nil {
		results = []retriever.Result{}
	}
	return c.JSON(http.StatusOK, SearchResponse{Results: results})
}

// handleWebhook ingests one pushed transcript. The provider retries
// non-2xx responses and redelivers duplicates; processing is idempotent.
func (s *Server) handleWebhook(c echo.Context) error {
	var req WebhookRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request body"})
	}
	if req.Event != completedEvent {
		// Unknown events are acknowledged and ignored so the provider
		// does not retry them forever.
		s.logger.Debug("ignoring webhook event", zap.String("event", req.Event))
		return c.JSON(http.StatusOK, WebhookResponse{Success: true})
	}
	if req.TranscriptID == "" {
		return c.JSON(http.StatusBadRequest, ErrorResponse{Error: "transcriptId field is required"})
	}

	if err := s.orch.HandleWebhook(c.Request().Context(), req.TranscriptID); err != nil {
		return s.upstreamError(c, err, req.TranscriptID)
	}
	return c.JSON(http.StatusOK, WebhookResponse{Success: true})
}

// handleMeetings returns a paginated meeting listing.
func (s *Server) handleMeetings(c echo.Context) error {
	limit := queryInt(c, "limit", 50)
	offset := queryInt(c, "offset", 0)

	meetings, err := s.meetings.ListMeetings(c.Request().Context(), limit, offset)
	if err != nil {
		return s.upstreamError(c, err, "")
	}
	if meetings == nil {
		meetings = []transcript.Meeting{}
	}
	return c.JSON(http.StatusOK, MeetingsResponse{Meetings: meetings, Limit: limit, Offset: offset})
}

// upstreamError maps pipeline errors to HTTP statuses: 400 for caller input
// errors, 502 for upstream provider failures, 500 otherwise.
func (s *Server) upstreamError(c echo.Context, err error, id string) error {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, fireflies.ErrRejected):
		status = http.StatusBadRequest
	case errors.Is(err, fireflies.ErrUnavailable), errors.Is(err, fireflies.ErrNotFound):
		status = http.StatusBadGateway
	}

	s.logger.Error("request failed",
		zap.String("path", c.Path()),
		zap.Error(err))
	return c.JSON(status, ErrorResponse{Error: err.Error(), ID: id})
}

func queryInt(c echo.Context, name string, def int) int {
	raw := c.QueryParam(name)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return def
	}
	return n
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.logger.Info("starting http server", zap.String("addr", addr))
	return s.echo.Start(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	return s.echo.Shutdown(ctx)
}
