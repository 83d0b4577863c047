package pipeline

import (
	"encoding/json"

	"github.com/scribeflow/scribeflow/internal/align"
	"github.com/scribeflow/scribeflow/internal/diarize"
	"github.com/scribeflow/scribeflow/internal/perf"
	"github.com/scribeflow/scribeflow/internal/transcribe"
)

// Result is the aggregate a successful run produces. Collections are
// produced once and never mutated afterwards.
type Result struct {
	Segments        []transcribe.Segment
	AlignedSegments []align.Aligned
	SpeakerTurns    []diarize.Turn
	FullText        string
	Language        string
	DurationSec     float64
	Backend         string
	Warnings        []string
	Performance     perf.Report
}

type segmentJSON struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
}

type alignedJSON struct {
	Start   float64 `json:"start"`
	End     float64 `json:"end"`
	Text    string  `json:"text"`
	Speaker string  `json:"speaker"`
}

type turnJSON struct {
	Speaker string  `json:"speaker"`
	Start   float64 `json:"start"`
	End     float64 `json:"end"`
}

type stageJSON struct {
	DurationSec float64          `json:"duration"`
	Accel       *perf.AccelStats `json:"accelerator_stats,omitempty"`
}

type performanceJSON struct {
	TotalDurationSec float64              `json:"total_duration"`
	Stages           map[string]stageJSON `json:"stages"`
}

type resultJSON struct {
	Segments        []segmentJSON   `json:"segments"`
	AlignedSegments []alignedJSON   `json:"aligned_segments"`
	SpeakerTurns    []turnJSON      `json:"speaker_turns"`
	FullText        string          `json:"full_text"`
	Language        string          `json:"language"`
	DurationSec     float64         `json:"duration"`
	Backend         string          `json:"backend"`
	Warnings        []string        `json:"warnings"`
	Performance     performanceJSON `json:"performance_metrics"`
}

// MarshalJSON renders the stable wire shape the web layer consumes.
func (r *Result) MarshalJSON() ([]byte, error) {
	out := resultJSON{
		Segments:        make([]segmentJSON, 0, len(r.Segments)),
		AlignedSegments: make([]alignedJSON, 0, len(r.AlignedSegments)),
		SpeakerTurns:    make([]turnJSON, 0, len(r.SpeakerTurns)),
		FullText:        r.FullText,
		Language:        r.Language,
		DurationSec:     r.DurationSec,
		Backend:         r.Backend,
		Warnings:        r.Warnings,
		Performance: performanceJSON{
			TotalDurationSec: r.Performance.TotalDurationSec,
			Stages:           make(map[string]stageJSON, len(r.Performance.Stages)),
		},
	}
	if out.Warnings == nil {
		out.Warnings = []string{}
	}
	for _, s := range r.Segments {
		out.Segments = append(out.Segments, segmentJSON{Start: s.Start, End: s.End, Text: s.Text})
	}
	for _, a := range r.AlignedSegments {
		out.AlignedSegments = append(out.AlignedSegments, alignedJSON{Start: a.Start, End: a.End, Text: a.Text, Speaker: a.Speaker})
	}
	for _, t := range r.SpeakerTurns {
		out.SpeakerTurns = append(out.SpeakerTurns, turnJSON{Speaker: t.Speaker, Start: t.Start, End: t.End})
	}
	for _, st := range r.Performance.Stages {
		out.Performance.Stages[st.Name] = stageJSON{DurationSec: st.DurationSec, Accel: st.Accel}
	}
	return json.Marshal(out)
}
