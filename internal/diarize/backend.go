// Package diarize produces speaker turns: who talked when, independent of
// what was said. Turns may overlap; simultaneous speech is legal.
package diarize

import "context"

// Turn is one speaker's contiguous span. Speaker identities are opaque and
// only stable within a single diarization run.
type Turn struct {
	Speaker string
	Start   float64
	End     float64
}

// Backend is a pluggable diarization backend.
type Backend interface {
	Diarize(ctx context.Context, audioPath string, expectedSpeakers int) ([]Turn, error)
	ID() string
}

// Null returns no turns. Selected when diarization is disabled or the model
// credential is absent; downstream alignment treats the empty list as "no
// diarization data" and falls back to its pause heuristic.
type Null struct{}

func (Null) ID() string { return "diarize-null" }

func (Null) Diarize(ctx context.Context, audioPath string, expectedSpeakers int) ([]Turn, error) {
	return nil, nil
}
