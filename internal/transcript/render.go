package transcript

import (
	"fmt"
	"strings"
	"time"
)

// Render produces the canonical markdown document stored for a transcript.
//
// The output starts with a metadata header (id, date, duration, participants)
// so the stored artifact is self-describing and re-parseable without the
// metadata index. Rendering is deterministic: the same Detail always yields
// byte-identical output, which the idempotent blob-store contract relies on.
func Render(d *Detail) string {
	var b strings.Builder

	b.WriteString("# ")
	b.WriteString(d.Title)
	b.WriteString("\n\n")

	b.WriteString("- ID: ")
	b.WriteString(d.ID)
	b.WriteByte('\n')
	b.WriteString("- Date: ")
	b.WriteString(d.Date.UTC().Format(time.RFC3339))
	b.WriteByte('\n')
	fmt.Fprintf(&b, "- Duration: %.0fs\n", d.Duration)
	b.WriteString("- Participants: ")
	b.WriteString(strings.Join(d.Participants, ", "))
	b.WriteString("\n\n")

	b.WriteString("## Transcript\n\n")
	for _, s := range d.Sentences {
		speaker := s.Speaker
		if speaker == "" {
			speaker = UnknownSpeaker
		}
		fmt.Fprintf(&b, "**%s** [%s]: %s\n\n", speaker, formatOffset(s.StartTime), s.Text)
	}

	return b.String()
}

// Preview returns the first n characters of the spoken text, cut at a word
// boundary, for listing surfaces.
func Preview(d *Detail, n int) string {
	var b strings.Builder
	for _, s := range d.Sentences {
		if b.Len() > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(s.Text)
		if b.Len() >= n {
			break
		}
	}
	text := b.String()
	if len(text) <= n {
		return text
	}
	cut := strings.LastIndexByte(text[:n], ' ')
	if cut <= 0 {
		cut = n
	}
	return text[:cut] + "…"
}

// formatOffset renders a second offset as mm:ss or hh:mm:ss.
func formatOffset(seconds float64) string {
	total := int(seconds)
	h := total / 3600
	m := (total % 3600) / 60
	s := total % 60
	if h > 0 {
		return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
	}
	return fmt.Sprintf("%02d:%02d", m, s)
}
