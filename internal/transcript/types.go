// Package transcript defines the domain types shared across the ingestion
// pipeline: provider transcripts, stored meetings, and retrieval chunks.
package transcript

import "time"

// UnknownSpeaker is substituted for missing or malformed speaker labels.
const UnknownSpeaker = "Unknown Speaker"

// ChunkType identifies the chunking strategy that produced a chunk.
type ChunkType string

const (
	// ChunkTypeFull is the whole transcript (split at sentence boundaries
	// when it exceeds the configured character cap).
	ChunkTypeFull ChunkType = "full"

	// ChunkTypeTimeSegment is a fixed-duration window with overlap.
	ChunkTypeTimeSegment ChunkType = "time_segment"

	// ChunkTypeSpeakerTurn is a maximal run of consecutive sentences from
	// one speaker.
	ChunkTypeSpeakerTurn ChunkType = "speaker_turn"
)

// Sentence is one speaker-tagged sentence with timing offsets in seconds
// from the start of the meeting.
type Sentence struct {
	Speaker   string  `json:"speaker"`
	Text      string  `json:"text"`
	StartTime float64 `json:"start_time"`
	EndTime   float64 `json:"end_time"`
}

// Summary is a lightweight transcript listing entry from the provider.
type Summary struct {
	ID       string    `json:"id"`
	Title    string    `json:"title"`
	Date     time.Time `json:"date"`
	Duration float64   `json:"duration"`
}

// Detail is the normalized full transcript. All provider field-name drift is
// absorbed at the adapter boundary; the rest of the pipeline only sees this.
type Detail struct {
	ID           string     `json:"id"`
	Title        string     `json:"title"`
	Date         time.Time  `json:"date"`
	Duration     float64    `json:"duration"`
	Participants []string   `json:"participants"`
	Sentences    []Sentence `json:"sentences"`

	// Warnings lists provider data problems repaired during normalization,
	// surfaced in sync reports for operator visibility.
	Warnings []string `json:"warnings,omitempty"`
}

// WordCount returns the total number of whitespace-separated words across
// all sentences.
func (d *Detail) WordCount() int {
	n := 0
	for _, s := range d.Sentences {
		n += countWords(s.Text)
	}
	return n
}

// Meeting is one ingested transcript as tracked by the metadata index.
type Meeting struct {
	ID           string     `json:"id"`
	Title        string     `json:"title"`
	Date         time.Time  `json:"date"`
	Duration     float64    `json:"duration"`
	Participants []string   `json:"participants"`
	BlobKey      string     `json:"blob_key"`
	Downloaded   bool       `json:"downloaded"`
	Vectorized   bool       `json:"vectorized"`
	Preview      string     `json:"preview"`
	WordCount    int        `json:"word_count"`
	Attempts     int        `json:"attempts"`
	LastError    string     `json:"last_error,omitempty"`
	LastErrorAt  *time.Time `json:"last_error_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// Chunk is a retrievable slice of one meeting's transcript. Embedding is nil
// until the chunk has been vectorized; a non-nil embedding always carries the
// model identifier that produced it.
type Chunk struct {
	ID             int64     `json:"id"`
	MeetingID      string    `json:"meeting_id"`
	ChunkIndex     int       `json:"chunk_index"`
	ChunkType      ChunkType `json:"chunk_type"`
	Content        string    `json:"content"`
	Speaker        string    `json:"speaker,omitempty"`
	StartTime      *float64  `json:"start_time,omitempty"`
	EndTime        *float64  `json:"end_time,omitempty"`
	Embedding      []byte    `json:"-"`
	EmbeddingModel string    `json:"embedding_model,omitempty"`
}

// SearchFilters narrow the retrieval candidate set before scoring.
type SearchFilters struct {
	DateFrom *time.Time `json:"date_from,omitempty"`
	DateTo   *time.Time `json:"date_to,omitempty"`
	Speaker  string     `json:"speaker,omitempty"`
}

func countWords(s string) int {
	n := 0
	inWord := false
	for _, r := range s {
		if r == ' ' || r == '\t' || r == '\n' || r == '\r' {
			inWord = false
			continue
		}
		if !inWord {
			n++
			inWord = true
		}
	}
	return n
}
