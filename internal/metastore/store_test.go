package metastore

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/meetingd/internal/config"
	"github.com/fyrsmithlabs/meetingd/internal/transcript"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(config.StoreConfig{
		Path: filepath.Join(t.TempDir(), "test.sqlite"),
	}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func testMeeting(id string, date time.Time) *transcript.Meeting {
	return &transcript.Meeting{
		ID:           id,
		Title:        "Meeting " + id,
		Date:         date,
		Duration:     900,
		Participants: []string{"alice@example.com"},
		BlobKey:      "transcripts/" + id + ".md",
		Downloaded:   true,
		Preview:      "preview text",
		WordCount:    42,
	}
}

func TestUpsertMeeting_Idempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	date := time.Date(2026, 3, 10, 15, 0, 0, 0, time.UTC)

	m := testMeeting("tr-1", date)
	require.NoError(t, s.UpsertMeeting(ctx, m))
	require.NoError(t, s.UpsertMeeting(ctx, m))

	got, err := s.GetMeeting(ctx, "tr-1")
	require.NoError(t, err)
	assert.Equal(t, "Meeting tr-1", got.Title)
	assert.Equal(t, date, got.Date)
	assert.Equal(t, []string{"alice@example.com"}, got.Participants)
	assert.True(t, got.Downloaded)
	assert.Equal(t, 42, got.WordCount)

	// Exactly one row despite two upserts.
	meetings, err := s.ListMeetings(ctx, 10, 0)
	require.NoError(t, err)
	assert.Len(t, meetings, 1)
}

func TestUpsertMeeting_RequiresID(t *testing.T) {
	s := newTestStore(t)
	err := s.UpsertMeeting(context.Background(), &transcript.Meeting{})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestGetMeeting_NotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetMeeting(context.Background(), "nope")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListMeetings_OrderedByDateDesc(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, s.UpsertMeeting(ctx, testMeeting("tr-old", base)))
	require.NoError(t, s.UpsertMeeting(ctx, testMeeting("tr-new", base.Add(48*time.Hour))))
	require.NoError(t, s.UpsertMeeting(ctx, testMeeting("tr-mid", base.Add(24*time.Hour))))

	meetings, err := s.ListMeetings(ctx, 10, 0)
	require.NoError(t, err)
	require.Len(t, meetings, 3)
	assert.Equal(t, "tr-new", meetings[0].ID)
	assert.Equal(t, "tr-mid", meetings[1].ID)
	assert.Equal(t, "tr-old", meetings[2].ID)

	page, err := s.ListMeetings(ctx, 1, 1)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, "tr-mid", page[0].ID)
}

func TestFindMissingDownload_OldestFirst(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	downloaded := testMeeting("tr-done", base)
	require.NoError(t, s.UpsertMeeting(ctx, downloaded))

	stubNew := testMeeting("tr-stub-new", base.Add(24*time.Hour))
	stubNew.Downloaded = false
	stubOld := testMeeting("tr-stub-old", base.Add(-24*time.Hour))
	stubOld.Downloaded = false
	require.NoError(t, s.UpsertMeeting(ctx, stubNew))
	require.NoError(t, s.UpsertMeeting(ctx, stubOld))

	missing, err := s.FindMissingDownload(ctx, 10)
	require.NoError(t, err)
	require.Len(t, missing, 2)
	assert.Equal(t, "tr-stub-old", missing[0].ID)
	assert.Equal(t, "tr-stub-new", missing[1].ID)
}

func TestClaimUnvectorized(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, s.UpsertMeeting(ctx, testMeeting("tr-b", base.Add(time.Hour))))
	require.NoError(t, s.UpsertMeeting(ctx, testMeeting("tr-a", base)))

	vectorized := testMeeting("tr-done", base)
	vectorized.Vectorized = true
	require.NoError(t, s.UpsertMeeting(ctx, vectorized))

	claimed, err := s.ClaimUnvectorized(ctx, 10, "worker-1", 5*time.Minute, 15*time.Minute)
	require.NoError(t, err)
	require.Len(t, claimed, 2)
	// Oldest first so a failing recent meeting cannot starve the backlog.
	assert.Equal(t, "tr-a", claimed[0].ID)
	assert.Equal(t, "tr-b", claimed[1].ID)

	// A second worker gets nothing while the claims are live.
	second, err := s.ClaimUnvectorized(ctx, 10, "worker-2", 5*time.Minute, 15*time.Minute)
	require.NoError(t, err)
	assert.Empty(t, second)

	// Releasing a claim makes the meeting claimable again.
	require.NoError(t, s.ReleaseClaim(ctx, "tr-a", "worker-1"))
	third, err := s.ClaimUnvectorized(ctx, 10, "worker-2", 5*time.Minute, 15*time.Minute)
	require.NoError(t, err)
	require.Len(t, third, 1)
	assert.Equal(t, "tr-a", third[0].ID)
}

func TestClaimUnvectorized_SkipsRecentFailures(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertMeeting(ctx, testMeeting("tr-1", time.Now().UTC())))
	require.NoError(t, s.RecordFailure(ctx, "tr-1", "embedding provider unavailable"))

	claimed, err := s.ClaimUnvectorized(ctx, 10, "worker-1", 5*time.Minute, 15*time.Minute)
	require.NoError(t, err)
	assert.Empty(t, claimed)

	got, err := s.GetMeeting(ctx, "tr-1")
	require.NoError(t, err)
	assert.Equal(t, 1, got.Attempts)
	assert.Equal(t, "embedding provider unavailable", got.LastError)
	require.NotNil(t, got.LastErrorAt)
}

func TestClaimUnvectorized_RequiresOwner(t *testing.T) {
	s := newTestStore(t)
	_, err := s.ClaimUnvectorized(context.Background(), 10, "", time.Minute, time.Minute)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestMarkVectorized(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertMeeting(ctx, testMeeting("tr-1", time.Now().UTC())))

	chunks := []transcript.Chunk{
		{MeetingID: "tr-1", ChunkIndex: 0, ChunkType: transcript.ChunkTypeFull, Content: "full text"},
		{MeetingID: "tr-1", ChunkIndex: 0, ChunkType: transcript.ChunkTypeSpeakerTurn, Content: "turn text", Speaker: "Alice"},
	}
	require.NoError(t, s.UpsertChunks(ctx, "tr-1", chunks))

	// One chunk still unembedded: the flag must not flip.
	stored, err := s.UnembeddedChunks(ctx, "tr-1")
	require.NoError(t, err)
	require.Len(t, stored, 2)
	require.NoError(t, s.SetChunkEmbedding(ctx, stored[0].ID, []byte{0, 0, 128, 63}, "test-model"))

	marked, err := s.MarkVectorized(ctx, "tr-1")
	require.NoError(t, err)
	assert.False(t, marked)

	require.NoError(t, s.SetChunkEmbedding(ctx, stored[1].ID, []byte{0, 0, 128, 63}, "test-model"))
	marked, err = s.MarkVectorized(ctx, "tr-1")
	require.NoError(t, err)
	assert.True(t, marked)

	got, err := s.GetMeeting(ctx, "tr-1")
	require.NoError(t, err)
	assert.True(t, got.Vectorized)
	assert.Empty(t, got.LastError)
	assert.Nil(t, got.LastErrorAt)
}

func TestMarkVectorized_EmptyMeeting(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// A downloaded meeting with no chunks is vacuously vectorized; it must
	// leave the pending queue rather than being claimed again forever.
	require.NoError(t, s.UpsertMeeting(ctx, testMeeting("tr-empty", time.Now().UTC())))
	marked, err := s.MarkVectorized(ctx, "tr-empty")
	require.NoError(t, err)
	assert.True(t, marked)

	claimed, err := s.ClaimUnvectorized(ctx, 10, "worker-1", 5*time.Minute, 15*time.Minute)
	require.NoError(t, err)
	assert.Empty(t, claimed)

	// A sighted-but-undownloaded stub stays unvectorized.
	stub := testMeeting("tr-stub", time.Now().UTC())
	stub.Downloaded = false
	require.NoError(t, s.UpsertMeeting(ctx, stub))
	marked, err = s.MarkVectorized(ctx, "tr-stub")
	require.NoError(t, err)
	assert.False(t, marked)
}

func TestWatermark_NeverMovesBackwards(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	wm, err := s.Watermark(ctx)
	require.NoError(t, err)
	assert.True(t, wm.IsZero())

	t1 := time.Date(2026, 3, 10, 15, 0, 0, 0, time.UTC)
	require.NoError(t, s.SetWatermark(ctx, t1))

	wm, err = s.Watermark(ctx)
	require.NoError(t, err)
	assert.True(t, wm.Equal(t1))

	// An earlier value is a no-op.
	require.NoError(t, s.SetWatermark(ctx, t1.Add(-time.Hour)))
	wm, err = s.Watermark(ctx)
	require.NoError(t, err)
	assert.True(t, wm.Equal(t1))

	// So is the zero time.
	require.NoError(t, s.SetWatermark(ctx, time.Time{}))
	wm, err = s.Watermark(ctx)
	require.NoError(t, err)
	assert.True(t, wm.Equal(t1))

	t2 := t1.Add(time.Hour)
	require.NoError(t, s.SetWatermark(ctx, t2))
	wm, err = s.Watermark(ctx)
	require.NoError(t, err)
	assert.True(t, wm.Equal(t2))
}

func TestSetWatermark_ConcurrentWritersKeepMax(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			assert.NoError(t, s.SetWatermark(ctx, base.Add(time.Duration(i)*time.Minute)))
		}(i)
	}
	wg.Wait()

	// Whatever the interleaving, the later writer never loses to an earlier
	// timestamp.
	wm, err := s.Watermark(ctx)
	require.NoError(t, err)
	assert.True(t, wm.Equal(base.Add(9*time.Minute)))
}
