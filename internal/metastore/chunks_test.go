package metastore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/meetingd/internal/transcript"
)

func seedMeetingWithChunks(t *testing.T, s *Store, id string, date time.Time, contents ...string) []transcript.Chunk {
	t.Helper()
	ctx := context.Background()

	require.NoError(t, s.UpsertMeeting(ctx, testMeeting(id, date)))

	chunks := make([]transcript.Chunk, len(contents))
	for i, content := range contents {
		chunks[i] = transcript.Chunk{
			MeetingID:  id,
			ChunkIndex: i,
			ChunkType:  transcript.ChunkTypeTimeSegment,
			Content:    content,
		}
	}
	require.NoError(t, s.UpsertChunks(ctx, id, chunks))

	stored, err := s.UnembeddedChunks(ctx, id)
	require.NoError(t, err)
	require.Len(t, stored, len(contents))
	return stored
}

func TestUpsertChunks_PreservesEmbeddingWhenContentUnchanged(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	date := time.Date(2026, 3, 10, 15, 0, 0, 0, time.UTC)

	stored := seedMeetingWithChunks(t, s, "tr-1", date, "alpha content", "beta content")
	for _, c := range stored {
		require.NoError(t, s.SetChunkEmbedding(ctx, c.ID, []byte{0, 0, 128, 63}, "test-model"))
	}

	// Re-ingest with one chunk changed.
	updated := []transcript.Chunk{
		{MeetingID: "tr-1", ChunkIndex: 0, ChunkType: transcript.ChunkTypeTimeSegment, Content: "alpha content"},
		{MeetingID: "tr-1", ChunkIndex: 1, ChunkType: transcript.ChunkTypeTimeSegment, Content: "beta content EDITED"},
	}
	require.NoError(t, s.UpsertChunks(ctx, "tr-1", updated))

	total, embedded, err := s.ChunkCounts(ctx, "tr-1")
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	// Unchanged chunk keeps its embedding, changed chunk is cleared.
	assert.Equal(t, 1, embedded)

	unembedded, err := s.UnembeddedChunks(ctx, "tr-1")
	require.NoError(t, err)
	require.Len(t, unembedded, 1)
	assert.Equal(t, "beta content EDITED", unembedded[0].Content)
	assert.Empty(t, unembedded[0].EmbeddingModel)
}

func TestUpsertChunks_TrimsStaleChunks(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	date := time.Date(2026, 3, 10, 15, 0, 0, 0, time.UTC)

	seedMeetingWithChunks(t, s, "tr-1", date, "one", "two", "three")

	shorter := []transcript.Chunk{
		{MeetingID: "tr-1", ChunkIndex: 0, ChunkType: transcript.ChunkTypeTimeSegment, Content: "one"},
	}
	require.NoError(t, s.UpsertChunks(ctx, "tr-1", shorter))

	total, _, err := s.ChunkCounts(ctx, "tr-1")
	require.NoError(t, err)
	assert.Equal(t, 1, total)
}

func TestUpsertChunks_EmptySetClearsAllTypes(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	date := time.Date(2026, 3, 10, 15, 0, 0, 0, time.UTC)

	seedMeetingWithChunks(t, s, "tr-1", date, "one", "two")
	require.NoError(t, s.UpsertChunks(ctx, "tr-1", nil))

	total, _, err := s.ChunkCounts(ctx, "tr-1")
	require.NoError(t, err)
	assert.Equal(t, 0, total)
}

func TestSetChunkEmbedding_Validation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	err := s.SetChunkEmbedding(ctx, 1, nil, "model")
	assert.ErrorIs(t, err, ErrInvalidInput)

	err = s.SetChunkEmbedding(ctx, 1, []byte{1, 2, 3, 4}, "")
	assert.ErrorIs(t, err, ErrInvalidInput)

	err = s.SetChunkEmbedding(ctx, 99999, []byte{1, 2, 3, 4}, "model")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestVectorCandidates_SameModelOnly(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	date := time.Date(2026, 3, 10, 15, 0, 0, 0, time.UTC)

	stored := seedMeetingWithChunks(t, s, "tr-1", date, "first", "second", "third")
	require.NoError(t, s.SetChunkEmbedding(ctx, stored[0].ID, []byte{0, 0, 128, 63}, "model-a"))
	require.NoError(t, s.SetChunkEmbedding(ctx, stored[1].ID, []byte{0, 0, 128, 63}, "model-b"))
	// stored[2] stays unembedded.

	candidates, err := s.VectorCandidates(ctx, "model-a", transcript.SearchFilters{}, 0)
	require.NoError(t, err)
	require.Len(t, candidates, 1)
	assert.Equal(t, "first", candidates[0].Chunk.Content)
	assert.Equal(t, "tr-1", candidates[0].Meeting.ID)
}

func TestLexicalCandidates(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	date := time.Date(2026, 3, 10, 15, 0, 0, 0, time.UTC)

	seedMeetingWithChunks(t, s, "tr-1", date,
		"We discussed the quarterly Budget today",
		"Unrelated chatter about lunch")

	candidates, err := s.LexicalCandidates(ctx, []string{"budget"}, transcript.SearchFilters{}, 0)
	require.NoError(t, err)
	require.Len(t, candidates, 1)
	assert.Contains(t, candidates[0].Chunk.Content, "Budget")

	_, err = s.LexicalCandidates(ctx, nil, transcript.SearchFilters{}, 0)
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestCandidates_Filters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	early := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	late := time.Date(2026, 3, 20, 0, 0, 0, 0, time.UTC)

	require.NoError(t, s.UpsertMeeting(ctx, testMeeting("tr-early", early)))
	require.NoError(t, s.UpsertMeeting(ctx, testMeeting("tr-late", late)))

	require.NoError(t, s.UpsertChunks(ctx, "tr-early", []transcript.Chunk{
		{MeetingID: "tr-early", ChunkIndex: 0, ChunkType: transcript.ChunkTypeSpeakerTurn, Content: "budget talk", Speaker: "Alice"},
	}))
	require.NoError(t, s.UpsertChunks(ctx, "tr-late", []transcript.Chunk{
		{MeetingID: "tr-late", ChunkIndex: 0, ChunkType: transcript.ChunkTypeSpeakerTurn, Content: "budget talk", Speaker: "Bob"},
	}))

	cutoff := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)
	candidates, err := s.LexicalCandidates(ctx, []string{"budget"}, transcript.SearchFilters{DateFrom: &cutoff}, 0)
	require.NoError(t, err)
	require.Len(t, candidates, 1)
	assert.Equal(t, "tr-late", candidates[0].Meeting.ID)

	candidates, err = s.LexicalCandidates(ctx, []string{"budget"}, transcript.SearchFilters{Speaker: "alice"}, 0)
	require.NoError(t, err)
	require.Len(t, candidates, 1)
	assert.Equal(t, "Alice", candidates[0].Chunk.Speaker)
}
