// Package chunker splits transcripts into retrieval chunks.
//
// Three independent strategies run per transcript: whole-document, fixed
// time windows with overlap, and speaker turns. Chunking is deterministic:
// the same transcript and parameters always produce byte-identical chunk
// boundaries, which the overwrite-don't-duplicate embedding contract
// depends on.
package chunker

import (
	"fmt"
	"sort"
	"strings"

	"github.com/tmc/langchaingo/textsplitter"

	"github.com/fyrsmithlabs/meetingd/internal/config"
	"github.com/fyrsmithlabs/meetingd/internal/transcript"
)

// Chunker produces the chunk set for a transcript.
type Chunker struct {
	window       float64
	overlap      float64
	maxFullChars int
	minTurnWords int
	splitter     textsplitter.RecursiveCharacter
}

// New creates a chunker from configuration. Parameters are fixed at
// construction; changing them changes chunk boundaries for all future
// ingestion.
func New(cfg config.ChunkingConfig) (*Chunker, error) {
	if cfg.WindowSeconds <= 0 {
		return nil, fmt.Errorf("window seconds must be positive, got %v", cfg.WindowSeconds)
	}
	if cfg.OverlapSeconds < 0 || cfg.OverlapSeconds >= cfg.WindowSeconds {
		return nil, fmt.Errorf("overlap must be in [0, window), got %v", cfg.OverlapSeconds)
	}
	if cfg.MaxFullChunkChars < 1 {
		return nil, fmt.Errorf("max full chunk chars must be positive, got %d", cfg.MaxFullChunkChars)
	}

	// Sentence-boundary-first splitting for oversized full chunks. The
	// separator order guarantees we never split mid-word.
	splitter := textsplitter.NewRecursiveCharacter(
		textsplitter.WithChunkSize(cfg.MaxFullChunkChars),
		textsplitter.WithChunkOverlap(0),
		textsplitter.WithSeparators([]string{"\n\n", "\n", ". ", " "}),
	)

	return &Chunker{
		window:       cfg.WindowSeconds,
		overlap:      cfg.OverlapSeconds,
		maxFullChars: cfg.MaxFullChunkChars,
		minTurnWords: cfg.MinTurnWords,
		splitter:     splitter,
	}, nil
}

// Chunk produces all chunks for the transcript. An empty transcript yields
// zero chunks, not an error. Indices are dense from 0 within each type.
func (c *Chunker) Chunk(d *transcript.Detail) ([]transcript.Chunk, error) {
	if d == nil || len(d.Sentences) == 0 {
		return nil, nil
	}

	sentences := normalizeSpeakers(d.Sentences)

	var chunks []transcript.Chunk

	full, err := c.fullChunks(d.ID, sentences)
	if err != nil {
		return nil, fmt.Errorf("full chunks: %w", err)
	}
	chunks = append(chunks, full...)
	chunks = append(chunks, c.timeSegments(d.ID, d.Duration, sentences)...)
	chunks = append(chunks, c.speakerTurns(d.ID, sentences)...)

	return chunks, nil
}

// fullChunks renders the entire transcript as one chunk, splitting at
// sentence boundaries when it exceeds the character cap.
func (c *Chunker) fullChunks(meetingID string, sentences []transcript.Sentence) ([]transcript.Chunk, error) {
	text := renderSentences(sentences)
	start := sentences[0].StartTime
	end := sentences[len(sentences)-1].EndTime

	if len(text) <= c.maxFullChars {
		return []transcript.Chunk{{
			MeetingID:  meetingID,
			ChunkIndex: 0,
			ChunkType:  transcript.ChunkTypeFull,
			Content:    text,
			StartTime:  &start,
			EndTime:    &end,
		}}, nil
	}

	parts, err := c.splitter.SplitText(text)
	if err != nil {
		return nil, err
	}

	chunks := make([]transcript.Chunk, 0, len(parts))
	for i, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		chunks = append(chunks, transcript.Chunk{
			MeetingID:  meetingID,
			ChunkIndex: i,
			ChunkType:  transcript.ChunkTypeFull,
			Content:    part,
			StartTime:  &start,
			EndTime:    &end,
		})
	}
	return reindex(chunks), nil
}

// timeSegments produces fixed windows of the nominal width extended by the
// overlap. A sentence belongs to every window its span intersects, so one
// spanning a boundary appears whole in at least one chunk on each side. The
// last window may be shorter than nominal.
func (c *Chunker) timeSegments(meetingID string, duration float64, sentences []transcript.Sentence) []transcript.Chunk {
	if duration <= 0 {
		// Fall back to the last sentence's end when the provider omits
		// duration.
		duration = sentences[len(sentences)-1].EndTime
	}
	if duration <= 0 {
		return nil
	}

	step := c.window + c.overlap
	var chunks []transcript.Chunk
	index := 0
	for start := 0.0; start < duration; start += step {
		end := start + step
		if end > duration {
			end = duration
		}

		var b strings.Builder
		for _, s := range sentences {
			if s.EndTime < start || s.StartTime >= end {
				continue
			}
			if b.Len() > 0 {
				b.WriteByte('\n')
			}
			b.WriteString(s.Speaker)
			b.WriteString(": ")
			b.WriteString(s.Text)
		}
		if b.Len() > 0 {
			ws, we := start, end
			chunks = append(chunks, transcript.Chunk{
				MeetingID:  meetingID,
				ChunkIndex: index,
				ChunkType:  transcript.ChunkTypeTimeSegment,
				Content:    b.String(),
				StartTime:  &ws,
				EndTime:    &we,
			})
			index++
		}

		if end >= duration {
			break
		}
	}
	return chunks
}

// speakerTurns produces one chunk per maximal run of consecutive sentences
// from the same speaker. Runs below the minimum word count are merged into
// the speaker's next run; a trailing tiny run stays its own chunk rather
// than being dropped.
func (c *Chunker) speakerTurns(meetingID string, sentences []transcript.Sentence) []transcript.Chunk {
	runs := splitRuns(sentences)

	// Carry tiny runs forward to the same speaker's next run.
	carried := make(map[string][]transcript.Sentence)
	merged := make([][]transcript.Sentence, 0, len(runs))
	for _, run := range runs {
		speaker := run[0].Speaker
		if pending, ok := carried[speaker]; ok {
			run = append(pending, run...)
			delete(carried, speaker)
		}
		if wordCount(run) < c.minTurnWords {
			carried[speaker] = run
			continue
		}
		merged = append(merged, run)
	}
	// Tiny runs that never found a partner become chunks of their own.
	for _, run := range carried {
		merged = append(merged, run)
	}
	sort.SliceStable(merged, func(i, j int) bool {
		if merged[i][0].StartTime != merged[j][0].StartTime {
			return merged[i][0].StartTime < merged[j][0].StartTime
		}
		return merged[i][0].Speaker < merged[j][0].Speaker
	})

	chunks := make([]transcript.Chunk, 0, len(merged))
	for i, run := range merged {
		var b strings.Builder
		for _, s := range run {
			if b.Len() > 0 {
				b.WriteByte(' ')
			}
			b.WriteString(s.Text)
		}
		start := run[0].StartTime
		end := run[len(run)-1].EndTime
		chunks = append(chunks, transcript.Chunk{
			MeetingID:  meetingID,
			ChunkIndex: i,
			ChunkType:  transcript.ChunkTypeSpeakerTurn,
			Content:    b.String(),
			Speaker:    run[0].Speaker,
			StartTime:  &start,
			EndTime:    &end,
		})
	}
	return chunks
}

// splitRuns groups consecutive sentences by speaker.
func splitRuns(sentences []transcript.Sentence) [][]transcript.Sentence {
	var runs [][]transcript.Sentence
	for _, s := range sentences {
		if n := len(runs); n > 0 && runs[n-1][0].Speaker == s.Speaker {
			runs[n-1] = append(runs[n-1], s)
			continue
		}
		runs = append(runs, []transcript.Sentence{s})
	}
	return runs
}

func normalizeSpeakers(sentences []transcript.Sentence) []transcript.Sentence {
	out := make([]transcript.Sentence, len(sentences))
	for i, s := range sentences {
		if s.Speaker == "" {
			s.Speaker = transcript.UnknownSpeaker
		}
		out[i] = s
	}
	return out
}

func renderSentences(sentences []transcript.Sentence) string {
	var b strings.Builder
	for _, s := range sentences {
		if b.Len() > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(s.Speaker)
		b.WriteString(": ")
		b.WriteString(s.Text)
	}
	return b.String()
}

func wordCount(run []transcript.Sentence) int {
	n := 0
	for _, s := range run {
		n += len(strings.Fields(s.Text))
	}
	return n
}

func reindex(chunks []transcript.Chunk) []transcript.Chunk {
	for i := range chunks {
		chunks[i].ChunkIndex = i
	}
	return chunks
}
