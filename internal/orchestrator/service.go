// Package orchestrator coordinates the transcript ingestion pipeline.
//
// Each meeting moves one-directionally through Unseen -> Downloaded ->
// Chunked -> Vectorized. There is no failed terminal state: a failed step
// leaves the meeting in its last successful state and it is retried on a
// later pass. Every write downstream is an idempotent upsert keyed on the
// external transcript id, so overlapping schedule ticks and webhook
// deliveries are safe, at worst wasting duplicate provider calls.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/meetingd/internal/config"
	"github.com/fyrsmithlabs/meetingd/internal/embeddings"
	"github.com/fyrsmithlabs/meetingd/internal/fireflies"
	"github.com/fyrsmithlabs/meetingd/internal/metastore"
	"github.com/fyrsmithlabs/meetingd/internal/transcript"
)

// TranscriptSource fetches transcripts from the provider.
type TranscriptSource interface {
	FetchRecent(ctx context.Context, limit int, since time.Time) ([]transcript.Summary, error)
	FetchFull(ctx context.Context, id string) (*transcript.Detail, error)
}

// BlobStore persists rendered transcripts.
type BlobStore interface {
	Put(ctx context.Context, meetingID, renderedText string) (string, error)
}

// MetaStore is the metadata index surface the orchestrator drives.
type MetaStore interface {
	UpsertMeeting(ctx context.Context, m *transcript.Meeting) error
	GetMeeting(ctx context.Context, id string) (*transcript.Meeting, error)
	FindMissingDownload(ctx context.Context, limit int) ([]transcript.Meeting, error)
	UpsertChunks(ctx context.Context, meetingID string, chunks []transcript.Chunk) error
	UnembeddedChunks(ctx context.Context, meetingID string) ([]transcript.Chunk, error)
	ChunkCounts(ctx context.Context, meetingID string) (total, embedded int, err error)
	SetChunkEmbedding(ctx context.Context, chunkID int64, vector []byte, model string) error
	MarkVectorized(ctx context.Context, id string) (bool, error)
	ClaimUnvectorized(ctx context.Context, limit int, owner string, ttl, retryBackoff time.Duration) ([]transcript.Meeting, error)
	ReleaseClaim(ctx context.Context, id, owner string) error
	RecordFailure(ctx context.Context, id, message string) error
	Watermark(ctx context.Context) (time.Time, error)
	SetWatermark(ctx context.Context, t time.Time) error
}

// Chunker splits a transcript into retrieval chunks.
type Chunker interface {
	Chunk(d *transcript.Detail) ([]transcript.Chunk, error)
}

// Embedder generates document embeddings.
type Embedder interface {
	EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error)
	Model() string
}

// ItemError is one per-item failure in a batch report.
type ItemError struct {
	ID      string `json:"id"`
	Stage   string `json:"stage"`
	Message string `json:"message"`
}

// ItemWarning is one per-item data repair that succeeded but should be
// visible to operators, such as a missing provider date.
type ItemWarning struct {
	ID      string `json:"id"`
	Message string `json:"message"`
}

// SyncReport summarizes one batch pull. One transcript's failure never
// aborts the batch; it is logged, counted, and retried on a later pass.
type SyncReport struct {
	Success  bool          `json:"success"`
	Count    int           `json:"count"`
	Total    int           `json:"total"`
	Skipped  int           `json:"skipped"`
	Errors   []ItemError   `json:"errors"`
	Warnings []ItemWarning `json:"warnings"`
}

// ProcessReport summarizes one vectorization pass.
type ProcessReport struct {
	Processed int         `json:"processed"`
	Chunks    int         `json:"chunks"`
	Errors    []ItemError `json:"errors"`
}

// Service is the sync orchestrator.
type Service struct {
	source   TranscriptSource
	blobs    BlobStore
	meta     MetaStore
	chunker  Chunker
	embedder Embedder
	config   config.SyncConfig
	logger   *zap.Logger
}

// NewService creates the orchestrator.
func NewService(source TranscriptSource, blobs BlobStore, meta MetaStore, chunker Chunker, embedder Embedder, cfg config.SyncConfig, logger *zap.Logger) (*Service, error) {
	if source == nil || blobs == nil || meta == nil || chunker == nil || embedder == nil {
		return nil, fmt.Errorf("all orchestrator dependencies are required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		source:   source,
		blobs:    blobs,
		meta:     meta,
		chunker:  chunker,
		embedder: embedder,
		config:   cfg,
		logger:   logger,
	}, nil
}

// SyncBatch pulls transcripts since the watermark (or fromDate when given)
// and ingests the new ones. Previously failed downloads are retried first.
// Returns per-item counts; an error return means the listing itself failed.
func (s *Service) SyncBatch(ctx context.Context, limit int, fromDate *time.Time) (*SyncReport, error) {
	if limit < 1 {
		limit = s.config.DefaultLimit
	}

	report := &SyncReport{Success: true, Errors: []ItemError{}, Warnings: []ItemWarning{}}

	// Retry transcripts sighted earlier whose download failed. These are
	// already behind the watermark, so the incremental pull below would
	// never see them again.
	pending, err := s.meta.FindMissingDownload(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("finding pending downloads: %w", err)
	}
	for _, m := range pending {
		warnings, err := s.ingest(ctx, m.ID)
		if err != nil {
			s.recordItemError(report, m.ID, "download", err)
			continue
		}
		s.recordItemWarnings(report, m.ID, warnings)
		report.Count++
	}

	since := time.Time{}
	if fromDate != nil {
		since = *fromDate
	} else {
		since, err = s.meta.Watermark(ctx)
		if err != nil {
			return nil, fmt.Errorf("reading watermark: %w", err)
		}
	}

	summaries, err := s.source.FetchRecent(ctx, limit, since)
	if err != nil {
		return nil, fmt.Errorf("listing transcripts: %w", err)
	}
	report.Total = len(summaries) + len(pending)

	watermark := since
	for _, summary := range summaries {
		existing, err := s.meta.GetMeeting(ctx, summary.ID)
		if err == nil && existing.Downloaded {
			report.Skipped++
			if summary.Date.After(watermark) {
				watermark = summary.Date
			}
			continue
		}
		if err != nil && !errors.Is(err, metastore.ErrNotFound) {
			s.recordItemError(report, summary.ID, "index", err)
			continue
		}

		warnings, err := s.ingest(ctx, summary.ID)
		if err != nil {
			// Sight the transcript so the next pass retries it even
			// after the watermark moves on.
			s.sightFailed(ctx, summary, err)
			s.recordItemError(report, summary.ID, "download", err)
			continue
		}
		s.recordItemWarnings(report, summary.ID, warnings)
		report.Count++
		if summary.Date.After(watermark) {
			watermark = summary.Date
		}
	}

	if err := s.meta.SetWatermark(ctx, watermark); err != nil {
		s.logger.Warn("failed to advance watermark", zap.Error(err))
	}

	report.Success = len(report.Errors) == 0
	s.logger.Info("sync batch complete",
		zap.Int("synced", report.Count),
		zap.Int("skipped", report.Skipped),
		zap.Int("errors", len(report.Errors)))
	return report, nil
}

// ProcessPending claims downloaded-but-unvectorized meetings and embeds
// their chunks. Failures are recorded per meeting and retried after the
// configured backoff.
func (s *Service) ProcessPending(ctx context.Context, limit int) (*ProcessReport, error) {
	if limit < 1 {
		limit = s.config.DefaultLimit
	}

	owner := uuid.NewString()
	report := &ProcessReport{Errors: []ItemError{}}

	claimed, err := s.meta.ClaimUnvectorized(ctx, limit, owner, s.config.ClaimTTL, s.config.RetryBackoff)
	if err != nil {
		return nil, fmt.Errorf("claiming pending meetings: %w", err)
	}

	for _, m := range claimed {
		chunks, err := s.vectorize(ctx, m.ID)
		if err != nil {
			if rerr := s.meta.RecordFailure(ctx, m.ID, err.Error()); rerr != nil {
				s.logger.Error("failed to record failure",
					zap.String("meeting_id", m.ID), zap.Error(rerr))
			}
			report.Errors = append(report.Errors, ItemError{
				ID: m.ID, Stage: "vectorize", Message: err.Error(),
			})
			continue
		}
		if rerr := s.meta.ReleaseClaim(ctx, m.ID, owner); rerr != nil {
			s.logger.Warn("failed to release claim",
				zap.String("meeting_id", m.ID), zap.Error(rerr))
		}
		report.Processed++
		report.Chunks += chunks
	}

	s.logger.Info("process pass complete",
		zap.Int("processed", report.Processed),
		zap.Int("chunks", report.Chunks),
		zap.Int("errors", len(report.Errors)))
	return report, nil
}

// HandleWebhook processes one pushed transcript id immediately. Duplicate
// deliveries are harmless: ingestion and vectorization are idempotent end
// to end.
func (s *Service) HandleWebhook(ctx context.Context, transcriptID string) error {
	if transcriptID == "" {
		return fmt.Errorf("%w: empty transcript id", fireflies.ErrRejected)
	}

	if _, err := s.ingest(ctx, transcriptID); err != nil {
		return fmt.Errorf("ingesting %s: %w", transcriptID, err)
	}
	if _, err := s.vectorize(ctx, transcriptID); err != nil {
		// Ingestion succeeded; vectorization will be retried by the next
		// process pass.
		if rerr := s.meta.RecordFailure(ctx, transcriptID, err.Error()); rerr != nil {
			s.logger.Error("failed to record failure",
				zap.String("meeting_id", transcriptID), zap.Error(rerr))
		}
		return fmt.Errorf("vectorizing %s: %w", transcriptID, err)
	}
	return nil
}

// Run drives the periodic schedule until the context is cancelled. A zero
// interval disables the ticker.
func (s *Service) Run(ctx context.Context) error {
	if s.config.Interval <= 0 {
		<-ctx.Done()
		return ctx.Err()
	}

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := s.SyncBatch(ctx, 0, nil); err != nil {
				s.logger.Error("scheduled sync failed", zap.Error(err))
			}
			if _, err := s.ProcessPending(ctx, 0); err != nil {
				s.logger.Error("scheduled process failed", zap.Error(err))
			}
		}
	}
}

// ingest downloads, renders, stores, and chunks one transcript. Every write
// is an upsert, so re-ingesting an unchanged transcript changes nothing.
// Returned warnings are data repairs the adapter made on the payload.
func (s *Service) ingest(ctx context.Context, id string) ([]string, error) {
	detail, err := s.source.FetchFull(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("fetching transcript: %w", err)
	}

	rendered := transcript.Render(detail)
	blobKey, err := s.blobs.Put(ctx, detail.ID, rendered)
	if err != nil {
		return nil, fmt.Errorf("storing transcript: %w", err)
	}

	meeting := &transcript.Meeting{
		ID:           detail.ID,
		Title:        detail.Title,
		Date:         detail.Date,
		Duration:     detail.Duration,
		Participants: detail.Participants,
		BlobKey:      blobKey,
		Downloaded:   true,
		Preview:      transcript.Preview(detail, 200),
		WordCount:    detail.WordCount(),
	}
	if err := s.meta.UpsertMeeting(ctx, meeting); err != nil {
		return nil, fmt.Errorf("indexing meeting: %w", err)
	}

	chunks, err := s.chunker.Chunk(detail)
	if err != nil {
		return nil, fmt.Errorf("chunking transcript: %w", err)
	}
	if err := s.meta.UpsertChunks(ctx, detail.ID, chunks); err != nil {
		return nil, fmt.Errorf("storing chunks: %w", err)
	}

	s.logger.Debug("transcript ingested",
		zap.String("meeting_id", detail.ID),
		zap.Int("chunks", len(chunks)))
	return detail.Warnings, nil
}

// vectorize embeds all unembedded chunks of one meeting and marks it
// vectorized once every chunk carries an embedding. Returns the number of
// chunks embedded in this call.
func (s *Service) vectorize(ctx context.Context, meetingID string) (int, error) {
	total, _, err := s.meta.ChunkCounts(ctx, meetingID)
	if err != nil {
		return 0, err
	}
	if total == 0 {
		// Chunking never completed for this meeting; re-ingest through
		// the idempotent path before embedding. A transcript that is
		// genuinely empty still has zero chunks afterwards and is marked
		// vectorized below, so it leaves the pending queue.
		if _, err := s.ingest(ctx, meetingID); err != nil {
			return 0, err
		}
	}

	chunks, err := s.meta.UnembeddedChunks(ctx, meetingID)
	if err != nil {
		return 0, err
	}

	if len(chunks) > 0 {
		texts := make([]string, len(chunks))
		for i, c := range chunks {
			texts[i] = c.Content
		}

		vectors, err := s.embedder.EmbedDocuments(ctx, texts)
		if err != nil {
			return 0, fmt.Errorf("embedding chunks: %w", err)
		}
		if len(vectors) != len(chunks) {
			return 0, fmt.Errorf("embedder returned %d vectors for %d chunks", len(vectors), len(chunks))
		}

		for i, c := range chunks {
			if err := s.meta.SetChunkEmbedding(ctx, c.ID, embeddings.EncodeVector(vectors[i]), s.embedder.Model()); err != nil {
				return 0, fmt.Errorf("storing embedding: %w", err)
			}
		}
	}

	marked, err := s.meta.MarkVectorized(ctx, meetingID)
	if err != nil {
		return 0, err
	}
	if !marked {
		s.logger.Debug("meeting not yet fully vectorized",
			zap.String("meeting_id", meetingID))
	}
	return len(chunks), nil
}

// sightFailed records a stub meeting row for a transcript whose download
// failed, so FindMissingDownload retries it after the watermark advances.
func (s *Service) sightFailed(ctx context.Context, summary transcript.Summary, cause error) {
	stub := &transcript.Meeting{
		ID:       summary.ID,
		Title:    summary.Title,
		Date:     summary.Date,
		Duration: summary.Duration,
	}
	if err := s.meta.UpsertMeeting(ctx, stub); err != nil {
		s.logger.Error("failed to sight transcript",
			zap.String("meeting_id", summary.ID), zap.Error(err))
		return
	}
	if err := s.meta.RecordFailure(ctx, summary.ID, cause.Error()); err != nil {
		s.logger.Error("failed to record failure",
			zap.String("meeting_id", summary.ID), zap.Error(err))
	}
}

// recordItemWarnings appends adapter data-repair notes for one item.
func (s *Service) recordItemWarnings(report *SyncReport, id string, warnings []string) {
	for _, w := range warnings {
		report.Warnings = append(report.Warnings, ItemWarning{ID: id, Message: w})
		s.logger.Warn("sync item warning",
			zap.String("meeting_id", id),
			zap.String("warning", w))
	}
}

// recordItemError appends a batch error and logs it.
func (s *Service) recordItemError(report *SyncReport, id, stage string, err error) {
	report.Errors = append(report.Errors, ItemError{ID: id, Stage: stage, Message: err.Error()})
	s.logger.Warn("sync item failed",
		zap.String("meeting_id", id),
		zap.String("stage", stage),
		zap.Error(err))
}
