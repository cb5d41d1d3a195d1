// Package metastore is the relational metadata index for meetings and chunks.
//
// It doubles as the pipeline's work queue: a meeting is pending download or
// vectorization purely by virtue of its status flags. Every meeting write is
// an upsert keyed on the external id, so overlapping orchestrator runs can
// safely double-process without creating duplicate rows. Vectorization work
// is additionally guarded by an atomic claim (claimed_by/claim_expiry) so
// overlapping ticks do not double-embed the same meeting.
package metastore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/fyrsmithlabs/meetingd/internal/config"
	"github.com/fyrsmithlabs/meetingd/internal/transcript"
)

var (
	// ErrNotFound indicates the requested row does not exist.
	ErrNotFound = errors.New("not found")

	// ErrInvalidInput indicates a caller-side argument error.
	ErrInvalidInput = errors.New("invalid input")
)

const schema = `
CREATE TABLE IF NOT EXISTS meetings (
	id TEXT PRIMARY KEY,
	title TEXT NOT NULL,
	date INTEGER NOT NULL,
	duration REAL NOT NULL,
	participants TEXT NOT NULL DEFAULT '[]',
	blob_key TEXT NOT NULL DEFAULT '',
	downloaded INTEGER NOT NULL DEFAULT 0,
	vectorized INTEGER NOT NULL DEFAULT 0,
	preview TEXT NOT NULL DEFAULT '',
	word_count INTEGER NOT NULL DEFAULT 0,
	attempts INTEGER NOT NULL DEFAULT 0,
	last_error TEXT NOT NULL DEFAULT '',
	last_error_at INTEGER,
	claimed_by TEXT NOT NULL DEFAULT '',
	claim_expiry INTEGER,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS chunks (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	meeting_id TEXT NOT NULL REFERENCES meetings(id) ON DELETE CASCADE,
	chunk_index INTEGER NOT NULL,
	chunk_type TEXT NOT NULL,
	content TEXT NOT NULL,
	speaker TEXT NOT NULL DEFAULT '',
	start_time REAL,
	end_time REAL,
	embedding BLOB,
	embedding_model TEXT NOT NULL DEFAULT '',
	UNIQUE(meeting_id, chunk_type, chunk_index)
);

CREATE INDEX IF NOT EXISTS idx_meetings_pending
	ON meetings(vectorized, downloaded, date);
CREATE INDEX IF NOT EXISTS idx_chunks_meeting
	ON chunks(meeting_id);
CREATE INDEX IF NOT EXISTS idx_chunks_model
	ON chunks(embedding_model);

CREATE TABLE IF NOT EXISTS sync_state (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
`

const watermarkKey = "watermark"

// Store provides access to the SQLite metadata index.
type Store struct {
	db     *sql.DB
	logger *zap.Logger
}

// Open opens (and migrates) the metadata index at cfg.Path.
func Open(cfg config.StoreConfig, logger *zap.Logger) (*Store, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("%w: store path required", ErrInvalidInput)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// modernc sqlite is single-writer; serialize access through one conn.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate schema: %w", err)
	}

	return &Store{db: db, logger: logger}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// UpsertMeeting inserts or updates the meeting keyed on its external id.
// Status flags are taken from the given meeting; repeated upserts with the
// same data are no-ops apart from updated_at.
func (s *Store) UpsertMeeting(ctx context.Context, m *transcript.Meeting) error {
	if m == nil || m.ID == "" {
		return fmt.Errorf("%w: meeting id required", ErrInvalidInput)
	}

	participants, err := json.Marshal(m.Participants)
	if err != nil {
		return fmt.Errorf("marshal participants: %w", err)
	}
	now := time.Now().Unix()

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO meetings
			(id, title, date, duration, participants, blob_key, downloaded,
			 vectorized, preview, word_count, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			date = excluded.date,
			duration = excluded.duration,
			participants = excluded.participants,
			blob_key = excluded.blob_key,
			downloaded = excluded.downloaded,
			vectorized = excluded.vectorized,
			preview = excluded.preview,
			word_count = excluded.word_count,
			updated_at = excluded.updated_at
	`, m.ID, m.Title, m.Date.Unix(), m.Duration, string(participants), m.BlobKey,
		boolToInt(m.Downloaded), boolToInt(m.Vectorized), m.Preview, m.WordCount, now, now)
	if err != nil {
		return fmt.Errorf("upsert meeting %s: %w", m.ID, err)
	}
	return nil
}

// GetMeeting returns the meeting with the given external id.
func (s *Store) GetMeeting(ctx context.Context, id string) (*transcript.Meeting, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+meetingColumns+` FROM meetings WHERE id = ?`, id)
	m, err := scanMeeting(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: meeting %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("get meeting %s: %w", id, err)
	}
	return m, nil
}

// ListMeetings returns meetings ordered by date descending.
func (s *Store) ListMeetings(ctx context.Context, limit, offset int) ([]transcript.Meeting, error) {
	if limit < 1 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+meetingColumns+` FROM meetings
		ORDER BY date DESC, id ASC
		LIMIT ? OFFSET ?
	`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list meetings: %w", err)
	}
	defer rows.Close()

	return collectMeetings(rows)
}

// FindMissingDownload returns meetings sighted but not yet downloaded,
// oldest first.
func (s *Store) FindMissingDownload(ctx context.Context, limit int) ([]transcript.Meeting, error) {
	if limit < 1 {
		limit = 50
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+meetingColumns+` FROM meetings
		WHERE downloaded = 0
		ORDER BY date ASC, id ASC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("find missing download: %w", err)
	}
	defer rows.Close()

	return collectMeetings(rows)
}

// ClaimUnvectorized atomically claims up to limit downloaded-but-unvectorized
// meetings for the given owner.
//
// Candidates are ordered oldest-first so a failing recent meeting cannot
// starve the backlog, and meetings whose last failure is within retryBackoff
// are skipped until the backoff elapses. A claim expires after ttl; expired
// claims are re-claimable, which keeps a crashed worker from wedging the
// queue.
func (s *Store) ClaimUnvectorized(ctx context.Context, limit int, owner string, ttl, retryBackoff time.Duration) ([]transcript.Meeting, error) {
	if owner == "" {
		return nil, fmt.Errorf("%w: claim owner required", ErrInvalidInput)
	}
	if limit < 1 {
		limit = 10
	}

	now := time.Now()
	expiry := now.Add(ttl).Unix()
	backoffCutoff := now.Add(-retryBackoff).Unix()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin claim tx: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		SELECT `+meetingColumns+` FROM meetings
		WHERE downloaded = 1 AND vectorized = 0
		  AND (claim_expiry IS NULL OR claim_expiry < ?)
		  AND (last_error_at IS NULL OR last_error_at < ?)
		ORDER BY date ASC, id ASC
		LIMIT ?
	`, now.Unix(), backoffCutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("select claim candidates: %w", err)
	}
	candidates, err := collectMeetings(rows)
	rows.Close()
	if err != nil {
		return nil, err
	}

	claimed := make([]transcript.Meeting, 0, len(candidates))
	for _, m := range candidates {
		// Conditional update: only wins if the row is still unclaimed.
		res, err := tx.ExecContext(ctx, `
			UPDATE meetings SET claimed_by = ?, claim_expiry = ?
			WHERE id = ? AND vectorized = 0
			  AND (claim_expiry IS NULL OR claim_expiry < ?)
		`, owner, expiry, m.ID, now.Unix())
		if err != nil {
			return nil, fmt.Errorf("claim meeting %s: %w", m.ID, err)
		}
		if n, _ := res.RowsAffected(); n == 1 {
			claimed = append(claimed, m)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit claim tx: %w", err)
	}

	if len(claimed) > 0 {
		s.logger.Debug("claimed meetings for vectorization",
			zap.Int("count", len(claimed)),
			zap.String("owner", owner))
	}
	return claimed, nil
}

// ReleaseClaim releases a claim held by owner without changing status flags.
func (s *Store) ReleaseClaim(ctx context.Context, id, owner string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE meetings SET claimed_by = '', claim_expiry = NULL
		WHERE id = ? AND claimed_by = ?
	`, id, owner)
	if err != nil {
		return fmt.Errorf("release claim %s: %w", id, err)
	}
	return nil
}

// RecordFailure notes a processing failure on the meeting. The meeting stays
// in its last successful state; ClaimUnvectorized skips it until the retry
// backoff elapses.
func (s *Store) RecordFailure(ctx context.Context, id, message string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE meetings SET
			attempts = attempts + 1,
			last_error = ?,
			last_error_at = ?,
			claimed_by = '',
			claim_expiry = NULL,
			updated_at = ?
		WHERE id = ?
	`, message, time.Now().Unix(), time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("record failure %s: %w", id, err)
	}
	return nil
}

// MarkVectorized sets the vectorized flag, but only if every chunk of the
// meeting has an embedding. A downloaded meeting with no chunks at all counts
// as vectorized, so empty transcripts leave the pending queue instead of
// being re-claimed forever. Returns true if the flag was set.
func (s *Store) MarkVectorized(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE meetings SET
			vectorized = 1,
			claimed_by = '',
			claim_expiry = NULL,
			last_error = '',
			last_error_at = NULL,
			updated_at = ?
		WHERE id = ? AND downloaded = 1
		  AND NOT EXISTS (
			SELECT 1 FROM chunks WHERE meeting_id = ? AND embedding IS NULL
		  )
	`, time.Now().Unix(), id, id)
	if err != nil {
		return false, fmt.Errorf("mark vectorized %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("mark vectorized %s: %w", id, err)
	}
	return n == 1, nil
}

// Watermark returns the latest successfully processed pull date, or the zero
// time if no pull has completed.
func (s *Store) Watermark(ctx context.Context) (time.Time, error) {
	var value string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM sync_state WHERE key = ?`, watermarkKey).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("get watermark: %w", err)
	}
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse watermark %q: %w", value, err)
	}
	return t, nil
}

// SetWatermark advances the pull watermark. It never moves backwards: the
// guard lives in the upsert itself, comparing RFC3339 UTC values (which order
// lexicographically), so overlapping writers cannot interleave a regression.
func (s *Store) SetWatermark(ctx context.Context, t time.Time) error {
	if t.IsZero() {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_state (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
		WHERE excluded.value > sync_state.value
	`, watermarkKey, t.UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("set watermark: %w", err)
	}
	return nil
}

const meetingColumns = `id, title, date, duration, participants, blob_key,
	downloaded, vectorized, preview, word_count, attempts, last_error,
	last_error_at, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanMeeting(row rowScanner) (*transcript.Meeting, error) {
	var (
		m            transcript.Meeting
		date         int64
		participants string
		downloaded   int
		vectorized   int
		lastErrorAt  sql.NullInt64
		createdAt    int64
		updatedAt    int64
	)
	if err := row.Scan(&m.ID, &m.Title, &date, &m.Duration, &participants,
		&m.BlobKey, &downloaded, &vectorized, &m.Preview, &m.WordCount,
		&m.Attempts, &m.LastError, &lastErrorAt, &createdAt, &updatedAt); err != nil {
		return nil, err
	}

	m.Date = time.Unix(date, 0).UTC()
	m.Downloaded = downloaded == 1
	m.Vectorized = vectorized == 1
	m.CreatedAt = time.Unix(createdAt, 0).UTC()
	m.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	if lastErrorAt.Valid {
		t := time.Unix(lastErrorAt.Int64, 0).UTC()
		m.LastErrorAt = &t
	}
	if err := json.Unmarshal([]byte(participants), &m.Participants); err != nil {
		return nil, fmt.Errorf("unmarshal participants: %w", err)
	}
	return &m, nil
}

func collectMeetings(rows *sql.Rows) ([]transcript.Meeting, error) {
	var meetings []transcript.Meeting
	for rows.Next() {
		m, err := scanMeeting(rows)
		if err != nil {
			return nil, fmt.Errorf("scan meeting: %w", err)
		}
		meetings = append(meetings, *m)
	}
	return meetings, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
