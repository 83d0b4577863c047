package diarize

import (
	"encoding/json"
	"fmt"
	"sort"
)

// Upstream diarization library versions disagree on output shape. Everything
// funnels through normalizeOutput so the rest of the system only ever sees
// []Turn.
//
// Known shapes:
//
//	{"turns":   [{"speaker": "...", "start": 0, "end": 1}, ...]}
//	{"segments":[{"label": "...", "segment": {"start": 0, "end": 1}}, ...]}
//	{"error": "..."}
func normalizeOutput(raw json.RawMessage) ([]Turn, error) {
	var envelope struct {
		Error string `json:"error"`
		Turns []struct {
			Speaker string  `json:"speaker"`
			Start   float64 `json:"start"`
			End     float64 `json:"end"`
		} `json:"turns"`
		Segments []struct {
			Label   string `json:"label"`
			Segment struct {
				Start float64 `json:"start"`
				End   float64 `json:"end"`
			} `json:"segment"`
		} `json:"segments"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, fmt.Errorf("unrecognized diarization output: %w", err)
	}
	if envelope.Error != "" {
		return nil, fmt.Errorf("%s", envelope.Error)
	}

	var turns []Turn
	switch {
	case len(envelope.Turns) > 0:
		for _, t := range envelope.Turns {
			turns = append(turns, Turn{Speaker: t.Speaker, Start: t.Start, End: t.End})
		}
	case len(envelope.Segments) > 0:
		for _, s := range envelope.Segments {
			turns = append(turns, Turn{Speaker: s.Label, Start: s.Segment.Start, End: s.Segment.End})
		}
	}

	// drop degenerate spans, order by start for deterministic output
	valid := turns[:0]
	for _, t := range turns {
		if t.End > t.Start && t.Speaker != "" {
			valid = append(valid, t)
		}
	}
	sort.SliceStable(valid, func(i, j int) bool { return valid[i].Start < valid[j].Start })
	return valid, nil
}
