package transcript

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testDetail() *Detail {
	return &Detail{
		ID:           "tr-123",
		Title:        "Weekly Planning",
		Date:         time.Date(2026, 3, 10, 15, 0, 0, 0, time.UTC),
		Duration:     1845,
		Participants: []string{"alice@example.com", "bob@example.com"},
		Sentences: []Sentence{
			{Speaker: "Alice", Text: "Good morning everyone.", StartTime: 0, EndTime: 2.5},
			{Speaker: "Bob", Text: "Morning, let's get started.", StartTime: 3, EndTime: 5},
			{Speaker: "", Text: "Agenda is on the screen.", StartTime: 6, EndTime: 9},
		},
	}
}

func TestRender(t *testing.T) {
	out := Render(testDetail())

	assert.True(t, strings.HasPrefix(out, "# Weekly Planning\n"))
	assert.Contains(t, out, "- ID: tr-123\n")
	assert.Contains(t, out, "- Date: 2026-03-10T15:00:00Z\n")
	assert.Contains(t, out, "- Duration: 1845s\n")
	assert.Contains(t, out, "- Participants: alice@example.com, bob@example.com\n")
	assert.Contains(t, out, "## Transcript\n")
	assert.Contains(t, out, "**Alice** [00:00]: Good morning everyone.\n")
	assert.Contains(t, out, "**Bob** [00:03]: Morning, let's get started.\n")
}

func TestRender_Deterministic(t *testing.T) {
	d := testDetail()
	first := Render(d)
	for i := 0; i < 5; i++ {
		assert.Equal(t, first, Render(d))
	}
}

func TestRender_MissingSpeaker(t *testing.T) {
	out := Render(testDetail())
	assert.Contains(t, out, "**"+UnknownSpeaker+"** [00:06]: Agenda is on the screen.")
}

func TestRender_HourOffsets(t *testing.T) {
	d := &Detail{
		ID:    "tr-long",
		Title: "Marathon",
		Date:  time.Now(),
		Sentences: []Sentence{
			{Speaker: "Alice", Text: "Still going.", StartTime: 3725, EndTime: 3730},
		},
	}
	assert.Contains(t, Render(d), "[01:02:05]")
}

func TestPreview(t *testing.T) {
	d := testDetail()

	preview := Preview(d, 30)
	assert.LessOrEqual(t, len(preview), 31+len("…"))
	assert.True(t, strings.HasSuffix(preview, "…"))
	// Never cuts mid-word.
	trimmed := strings.TrimSuffix(preview, "…")
	assert.False(t, strings.HasSuffix(trimmed, " "))

	full := Preview(d, 10000)
	assert.Equal(t, "Good morning everyone. Morning, let's get started. Agenda is on the screen.", full)
}

func TestDetail_WordCount(t *testing.T) {
	d := testDetail()
	require.Equal(t, 12, d.WordCount())

	empty := &Detail{}
	assert.Equal(t, 0, empty.WordCount())
}
