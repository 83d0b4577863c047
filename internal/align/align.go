// Package align merges transcript segments with speaker turns into one
// labeled sequence. Pure functions only; inputs are never mutated.
package align

import (
	"fmt"

	"github.com/scribeflow/scribeflow/internal/diarize"
	"github.com/scribeflow/scribeflow/internal/transcribe"
)

// Aligned is a transcript segment with a speaker label attached. Speaker is
// empty when no turn covered enough of the segment.
type Aligned struct {
	Start      float64
	End        float64
	Text       string
	Confidence float64
	Speaker    string
}

const (
	// minCoverage is the fraction of a segment a turn must overlap before
	// its speaker is assigned. Below this we leave the segment unlabeled
	// rather than guess.
	minCoverage = 0.5

	// pauseFlipThreshold drives the fallback heuristic when no diarization
	// data exists: a gap this long between segments flips the synthetic
	// speaker. Not calibrated; treat as tunable.
	pauseFlipThreshold = 2.0 // seconds

	syntheticSpeakerA = "S1"
	syntheticSpeakerB = "S2"
)

// Align labels each segment with the speaker whose turn overlaps it most,
// requiring at least minCoverage of the segment's duration. With no turns at
// all it falls back to the pause heuristic and reports that as a warning.
// Idempotent: same inputs, same outputs.
func Align(segments []transcribe.Segment, turns []diarize.Turn) ([]Aligned, []string) {
	if len(turns) == 0 {
		return pauseHeuristic(segments)
	}

	out := make([]Aligned, 0, len(segments))
	for _, seg := range segments {
		out = append(out, Aligned{
			Start:      seg.Start,
			End:        seg.End,
			Text:       seg.Text,
			Confidence: seg.Confidence,
			Speaker:    bestSpeaker(seg, turns),
		})
	}
	return out, nil
}

func bestSpeaker(seg transcribe.Segment, turns []diarize.Turn) string {
	segDur := seg.End - seg.Start
	if segDur <= 0 {
		return ""
	}

	best := ""
	bestOverlap := 0.0
	for _, turn := range turns {
		overlap := min(seg.End, turn.End) - max(seg.Start, turn.Start)
		if overlap > bestOverlap {
			bestOverlap = overlap
			best = turn.Speaker
		}
	}
	if bestOverlap/segDur < minCoverage {
		return ""
	}
	return best
}

// pauseHeuristic alternates between two synthetic identities on long gaps.
// A lower-confidence substitute for real diarization, so it always carries a
// warning.
func pauseHeuristic(segments []transcribe.Segment) ([]Aligned, []string) {
	out := make([]Aligned, 0, len(segments))
	speaker := syntheticSpeakerA
	for i, seg := range segments {
		if i > 0 && seg.Start-segments[i-1].End > pauseFlipThreshold {
			if speaker == syntheticSpeakerA {
				speaker = syntheticSpeakerB
			} else {
				speaker = syntheticSpeakerA
			}
		}
		out = append(out, Aligned{
			Start:      seg.Start,
			End:        seg.End,
			Text:       seg.Text,
			Confidence: seg.Confidence,
			Speaker:    speaker,
		})
	}

	var warnings []string
	if len(segments) > 0 {
		warnings = append(warnings, fmt.Sprintf(
			"no diarization data: speaker labels use the pause heuristic (gap > %.1fs flips speaker)",
			pauseFlipThreshold))
	}
	return out, warnings
}
