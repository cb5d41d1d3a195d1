package fireflies

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/meetingd/internal/transcript"
)

// wireTranscript is the loose provider shape. Older API versions return
// dates as epoch milliseconds and speakers under "speaker_name"; newer ones
// use RFC3339 strings and "speaker". Both are accepted here.
type wireTranscript struct {
	ID           string         `json:"id"`
	Title        string         `json:"title"`
	Date         flexTime       `json:"date"`
	Duration     float64        `json:"duration"`
	Participants []string       `json:"participants"`
	Sentences    []wireSentence `json:"sentences"`
}

type wireSentence struct {
	SpeakerName string  `json:"speaker_name"`
	Speaker     string  `json:"speaker"`
	Text        string  `json:"text"`
	RawStart    float64 `json:"start_time"`
	RawEnd      float64 `json:"end_time"`
}

// flexTime decodes either an RFC3339 string or an epoch-milliseconds number.
type flexTime struct {
	time.Time
}

func (ft *flexTime) UnmarshalJSON(data []byte) error {
	if len(data) == 0 || string(data) == "null" {
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			return fmt.Errorf("parsing date %q: %w", s, err)
		}
		ft.Time = t
		return nil
	}
	ms, err := strconv.ParseFloat(string(data), 64)
	if err != nil {
		return fmt.Errorf("parsing date %s: %w", data, err)
	}
	ft.Time = time.UnixMilli(int64(ms)).UTC()
	return nil
}

// summary validates the minimum fields for a listing entry.
func (wt *wireTranscript) summary() (transcript.Summary, error) {
	if wt.ID == "" {
		return transcript.Summary{}, fmt.Errorf("missing id")
	}
	return transcript.Summary{
		ID:       wt.ID,
		Title:    orUntitled(wt.Title),
		Date:     wt.Date.Time,
		Duration: wt.Duration,
	}, nil
}

// detail normalizes the full transcript. Missing dates are substituted with
// the current time and flagged; missing speakers become the unknown marker.
func (wt *wireTranscript) detail(logger *zap.Logger) (*transcript.Detail, error) {
	if wt.ID == "" {
		return nil, fmt.Errorf("%w: transcript missing id", ErrRejected)
	}

	var warnings []string
	date := wt.Date.Time
	if date.IsZero() {
		logger.Warn("transcript missing date, substituting now",
			zap.String("id", wt.ID))
		date = time.Now().UTC()
		warnings = append(warnings, "missing date; substituted fetch time")
	}

	sentences := make([]transcript.Sentence, 0, len(wt.Sentences))
	for _, ws := range wt.Sentences {
		if ws.Text == "" {
			continue
		}
		speaker := ws.SpeakerName
		if speaker == "" {
			speaker = ws.Speaker
		}
		if speaker == "" {
			speaker = transcript.UnknownSpeaker
		}
		sentences = append(sentences, transcript.Sentence{
			Speaker:   speaker,
			Text:      ws.Text,
			StartTime: ws.RawStart,
			EndTime:   ws.RawEnd,
		})
	}

	return &transcript.Detail{
		ID:           wt.ID,
		Title:        orUntitled(wt.Title),
		Date:         date,
		Duration:     wt.Duration,
		Participants: wt.Participants,
		Sentences:    sentences,
		Warnings:     warnings,
	}, nil
}

func orUntitled(title string) string {
	if title == "" {
		return "Untitled Meeting"
	}
	return title
}
