package metastore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/fyrsmithlabs/meetingd/internal/transcript"
)

// UpsertChunks writes the chunk set for one meeting.
//
// Chunks are keyed on (meeting_id, chunk_type, chunk_index). An existing
// chunk whose content is unchanged keeps its embedding; changed content
// clears the embedding so the chunk is re-vectorized. Stale chunks beyond
// the new set (per type) are deleted. Because chunking is deterministic,
// re-ingesting an unchanged transcript is a complete no-op for embeddings.
func (s *Store) UpsertChunks(ctx context.Context, meetingID string, chunks []transcript.Chunk) error {
	if meetingID == "" {
		return fmt.Errorf("%w: meeting id required", ErrInvalidInput)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin chunk tx: %w", err)
	}
	defer tx.Rollback()

	counts := map[transcript.ChunkType]int{}
	for _, c := range chunks {
		counts[c.ChunkType]++
		_, err := tx.ExecContext(ctx, `
			INSERT INTO chunks
				(meeting_id, chunk_index, chunk_type, content, speaker,
				 start_time, end_time, embedding, embedding_model)
			VALUES (?, ?, ?, ?, ?, ?, ?, NULL, '')
			ON CONFLICT(meeting_id, chunk_type, chunk_index) DO UPDATE SET
				speaker = excluded.speaker,
				start_time = excluded.start_time,
				end_time = excluded.end_time,
				embedding = CASE WHEN chunks.content = excluded.content
					THEN chunks.embedding ELSE NULL END,
				embedding_model = CASE WHEN chunks.content = excluded.content
					THEN chunks.embedding_model ELSE '' END,
				content = excluded.content
		`, meetingID, c.ChunkIndex, string(c.ChunkType), c.Content, c.Speaker,
			c.StartTime, c.EndTime)
		if err != nil {
			return fmt.Errorf("upsert chunk %s/%s/%d: %w", meetingID, c.ChunkType, c.ChunkIndex, err)
		}
	}

	// Drop chunks past the end of each type's new dense index range,
	// including types that produced no chunks this time.
	for _, ct := range []transcript.ChunkType{
		transcript.ChunkTypeFull,
		transcript.ChunkTypeTimeSegment,
		transcript.ChunkTypeSpeakerTurn,
	} {
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM chunks
			WHERE meeting_id = ? AND chunk_type = ? AND chunk_index >= ?
		`, meetingID, string(ct), counts[ct]); err != nil {
			return fmt.Errorf("trim chunks %s/%s: %w", meetingID, ct, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit chunk tx: %w", err)
	}
	return nil
}

// UnembeddedChunks returns the meeting's chunks that have no embedding yet,
// in deterministic (type, index) order.
func (s *Store) UnembeddedChunks(ctx context.Context, meetingID string) ([]transcript.Chunk, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+chunkColumns+` FROM chunks
		WHERE meeting_id = ? AND embedding IS NULL
		ORDER BY chunk_type ASC, chunk_index ASC
	`, meetingID)
	if err != nil {
		return nil, fmt.Errorf("unembedded chunks %s: %w", meetingID, err)
	}
	defer rows.Close()

	return collectChunks(rows)
}

// ChunkCounts returns (total, embedded) chunk counts for a meeting.
func (s *Store) ChunkCounts(ctx context.Context, meetingID string) (total, embedded int, err error) {
	err = s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COUNT(embedding) FROM chunks WHERE meeting_id = ?
	`, meetingID).Scan(&total, &embedded)
	if err != nil {
		return 0, 0, fmt.Errorf("chunk counts %s: %w", meetingID, err)
	}
	return total, embedded, nil
}

// SetChunkEmbedding stores the vector for one chunk. The write is an
// overwrite, never an append, and always records the producing model.
func (s *Store) SetChunkEmbedding(ctx context.Context, chunkID int64, vector []byte, model string) error {
	if len(vector) == 0 {
		return fmt.Errorf("%w: empty vector", ErrInvalidInput)
	}
	if model == "" {
		return fmt.Errorf("%w: embedding model required", ErrInvalidInput)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE chunks SET embedding = ?, embedding_model = ? WHERE id = ?
	`, vector, model, chunkID)
	if err != nil {
		return fmt.Errorf("set embedding chunk %d: %w", chunkID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: chunk %d", ErrNotFound, chunkID)
	}
	return nil
}

// ChunkWithMeeting pairs a retrieval candidate with its meeting context.
type ChunkWithMeeting struct {
	Chunk   transcript.Chunk
	Meeting transcript.Meeting
}

// VectorCandidates returns chunks eligible for vector comparison against a
// query embedded with model. Chunks embedded with any other model are
// excluded in SQL, never compared. Filters are applied here as a pre-filter
// so scoring cost is bounded by the candidate set.
func (s *Store) VectorCandidates(ctx context.Context, model string, filters transcript.SearchFilters, limit int) ([]ChunkWithMeeting, error) {
	if model == "" {
		return nil, fmt.Errorf("%w: model required", ErrInvalidInput)
	}

	where := []string{"c.embedding IS NOT NULL", "c.embedding_model = ?"}
	args := []interface{}{model}
	where, args = appendFilters(where, args, filters)

	return s.queryCandidates(ctx, where, args, limit)
}

// LexicalCandidates returns chunks whose content contains any of the given
// terms (case-insensitive), with the same pre-filters as vector search.
func (s *Store) LexicalCandidates(ctx context.Context, terms []string, filters transcript.SearchFilters, limit int) ([]ChunkWithMeeting, error) {
	if len(terms) == 0 {
		return nil, fmt.Errorf("%w: at least one term required", ErrInvalidInput)
	}

	likes := make([]string, 0, len(terms))
	args := []interface{}{}
	for _, term := range terms {
		likes = append(likes, "instr(lower(c.content), ?) > 0")
		args = append(args, strings.ToLower(term))
	}
	where := []string{"(" + strings.Join(likes, " OR ") + ")"}
	where, args = appendFilters(where, args, filters)

	return s.queryCandidates(ctx, where, args, limit)
}

func appendFilters(where []string, args []interface{}, filters transcript.SearchFilters) ([]string, []interface{}) {
	if filters.DateFrom != nil {
		where = append(where, "m.date >= ?")
		args = append(args, filters.DateFrom.Unix())
	}
	if filters.DateTo != nil {
		where = append(where, "m.date <= ?")
		args = append(args, filters.DateTo.Unix())
	}
	if filters.Speaker != "" {
		where = append(where, "lower(c.speaker) = lower(?)")
		args = append(args, filters.Speaker)
	}
	return where, args
}

func (s *Store) queryCandidates(ctx context.Context, where []string, args []interface{}, limit int) ([]ChunkWithMeeting, error) {
	if limit < 1 {
		limit = 10000
	}
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+chunkColumnsPrefixed+`, `+meetingColumnsPrefixed+`
		FROM chunks c
		JOIN meetings m ON m.id = c.meeting_id
		WHERE `+strings.Join(where, " AND ")+`
		ORDER BY m.date DESC, c.id ASC
		LIMIT ?
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("query candidates: %w", err)
	}
	defer rows.Close()

	var out []ChunkWithMeeting
	for rows.Next() {
		cm, err := scanChunkWithMeeting(rows)
		if err != nil {
			return nil, fmt.Errorf("scan candidate: %w", err)
		}
		out = append(out, *cm)
	}
	return out, rows.Err()
}

const chunkColumns = `id, meeting_id, chunk_index, chunk_type, content,
	speaker, start_time, end_time, embedding, embedding_model`

const chunkColumnsPrefixed = `c.id, c.meeting_id, c.chunk_index, c.chunk_type,
	c.content, c.speaker, c.start_time, c.end_time, c.embedding, c.embedding_model`

const meetingColumnsPrefixed = `m.id, m.title, m.date, m.duration,
	m.participants, m.blob_key, m.downloaded, m.vectorized, m.preview,
	m.word_count, m.attempts, m.last_error, m.last_error_at, m.created_at,
	m.updated_at`

func scanChunk(row rowScanner) (*transcript.Chunk, error) {
	var (
		c         transcript.Chunk
		chunkType string
		start     sql.NullFloat64
		end       sql.NullFloat64
	)
	if err := row.Scan(&c.ID, &c.MeetingID, &c.ChunkIndex, &chunkType,
		&c.Content, &c.Speaker, &start, &end, &c.Embedding, &c.EmbeddingModel); err != nil {
		return nil, err
	}
	c.ChunkType = transcript.ChunkType(chunkType)
	if start.Valid {
		c.StartTime = &start.Float64
	}
	if end.Valid {
		c.EndTime = &end.Float64
	}
	return &c, nil
}

func collectChunks(rows *sql.Rows) ([]transcript.Chunk, error) {
	var chunks []transcript.Chunk
	for rows.Next() {
		c, err := scanChunk(rows)
		if err != nil {
			return nil, fmt.Errorf("scan chunk: %w", err)
		}
		chunks = append(chunks, *c)
	}
	return chunks, rows.Err()
}

func scanChunkWithMeeting(row rowScanner) (*ChunkWithMeeting, error) {
	var (
		c         transcript.Chunk
		chunkType string
		start     sql.NullFloat64
		end       sql.NullFloat64
	)
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
	if err := row.Scan(
		&c.ID, &c.MeetingID, &c.ChunkIndex, &chunkType, &c.Content,
		&c.Speaker, &start, &end, &c.Embedding, &c.EmbeddingModel,
		&m.ID, &m.Title, &date, &m.Duration, &participants, &m.BlobKey,
		&downloaded, &vectorized, &m.Preview, &m.WordCount, &m.Attempts,
		&m.LastError, &lastErrorAt, &createdAt, &updatedAt,
	); err != nil {
		return nil, err
	}

	c.ChunkType = transcript.ChunkType(chunkType)
	if start.Valid {
		c.StartTime = &start.Float64
	}
	if end.Valid {
		c.EndTime = &end.Float64
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

	return &ChunkWithMeeting{Chunk: c, Meeting: m}, nil
}
