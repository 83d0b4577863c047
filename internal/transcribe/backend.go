// Package transcribe turns audio into time-stamped text segments through
// pluggable backends.
package transcribe

import (
	"context"
	"sort"
	"strings"
)

// Segment is one span of transcribed speech. Backends guarantee ordering by
// start, non-overlap, and non-empty trimmed text on everything they return.
type Segment struct {
	Start      float64
	End        float64
	Text       string
	Confidence float64
}

// Result bundles a full transcription pass.
type Result struct {
	Segments    []Segment
	Language    string
	DurationSec float64
}

// Backend is a pluggable transcription backend.
type Backend interface {
	Transcribe(ctx context.Context, audioPath string, languageHint string) (Result, error)
	ID() string
}

// Releaser is implemented by backends that keep heavyweight state resident
// (a loaded model). The resource lifecycle manager drives it.
type Releaser interface {
	Release() error
}

// normalizeSegments enforces the output invariants: sorted by start,
// non-overlapping, no empty text. Models occasionally emit overlapping or
// empty segments; we repair here rather than return them.
func normalizeSegments(in []Segment) []Segment {
	out := make([]Segment, 0, len(in))
	for _, s := range in {
		s.Text = strings.TrimSpace(s.Text)
		if s.Text == "" || s.End <= s.Start {
			continue
		}
		out = append(out, s)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Start < out[j].Start })
	if len(out) > 1 {
		// clamp each later segment forward past the furthest end seen so
		// the earlier, longer segment keeps its text
		prevEnd := out[0].End
		for i := 1; i < len(out); i++ {
			if out[i].Start < prevEnd {
				out[i].Start = prevEnd
			}
			if out[i].End > prevEnd {
				prevEnd = out[i].End
			}
		}
	}
	// clamping collapses fully contained segments; drop those
	final := out[:0]
	for _, s := range out {
		if s.End > s.Start {
			final = append(final, s)
		}
	}
	return final
}

// FullText joins segment texts in order with single spaces.
func FullText(segments []Segment) string {
	parts := make([]string, 0, len(segments))
	for _, s := range segments {
		parts = append(parts, s.Text)
	}
	return strings.Join(parts, " ")
}
