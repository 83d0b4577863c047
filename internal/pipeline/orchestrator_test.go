package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scribeflow/scribeflow/internal/audio"
	"github.com/scribeflow/scribeflow/internal/audio/preprocess"
	"github.com/scribeflow/scribeflow/internal/config"
	"github.com/scribeflow/scribeflow/internal/diarize"
	"github.com/scribeflow/scribeflow/internal/errs"
	"github.com/scribeflow/scribeflow/internal/resource"
	"github.com/scribeflow/scribeflow/internal/selector"
	"github.com/scribeflow/scribeflow/internal/transcribe"
	"github.com/scribeflow/scribeflow/pkg/Logger"
)

type passthroughPreprocessor struct{}

func (passthroughPreprocessor) ID() string { return "preprocess-fake" }
func (passthroughPreprocessor) Preprocess(ctx context.Context, inPath string, opts preprocess.Options) (string, error) {
	return inPath, nil
}

type fakeTranscriber struct {
	result transcribe.Result
	err    error
}

func (f *fakeTranscriber) ID() string { return "fake-transcriber" }
func (f *fakeTranscriber) Transcribe(ctx context.Context, audioPath, languageHint string) (transcribe.Result, error) {
	return f.result, f.err
}

// residentTranscriber additionally holds device state, so the runner routes it
// through the resource manager.
type residentTranscriber struct {
	fakeTranscriber
	released bool
}

func (r *residentTranscriber) Release() error {
	r.released = true
	return nil
}

type fakeDiarizer struct {
	turns []diarize.Turn
	err   error
}

func (f *fakeDiarizer) ID() string { return "fake-diarizer" }
func (f *fakeDiarizer) Diarize(ctx context.Context, audioPath string, expectedSpeakers int) ([]diarize.Turn, error) {
	return f.turns, f.err
}

func testSegments() []transcribe.Segment {
	return []transcribe.Segment{
		{Start: 0, End: 4, Text: "hello there"},
		{Start: 4, End: 9, Text: "general conversation"},
	}
}

func newTestRunner(t *testing.T, tr transcribe.Backend, di diarize.Backend) *Runner {
	t.Helper()
	cfg := &config.Settings{ScratchDir: t.TempDir()}
	r := NewRunner(cfg, Logger.New(true))
	r.detectCaps = func() selector.Capabilities {
		return selector.Capabilities{
			RemoteCredential:      true,
			DiarizationCredential: true,
		}
	}
	r.validate = func(ctx context.Context, path string) (audio.Metadata, error) {
		return audio.Metadata{
			DurationSec: 9, SampleRate: 16000, Channels: 1,
			Format: "wav", SizeBytes: 1 << 20, Valid: true,
		}, nil
	}
	r.buildPreprocessor = func(path selector.Path, scratchDir string) preprocess.Preprocessor {
		return passthroughPreprocessor{}
	}
	r.buildTranscriber = func(path selector.Path, scratchDir string) transcribe.Backend {
		return tr
	}
	r.buildDiarizer = func(useModel bool) diarize.Backend {
		return di
	}
	return r
}

func TestRunSuccess(t *testing.T) {
	tr := &fakeTranscriber{result: transcribe.Result{
		Segments: testSegments(), Language: "en", DurationSec: 9,
	}}
	di := &fakeDiarizer{turns: []diarize.Turn{
		{Speaker: "SPEAKER_00", Start: 0, End: 4.5},
		{Speaker: "SPEAKER_01", Start: 4.5, End: 9},
	}}
	r := newTestRunner(t, tr, di)

	res, err := r.Run(context.Background(), "input.wav", Options{EnableDiarization: true})
	require.NoError(t, err)
	require.NotNil(t, res)

	assert.Equal(t, testSegments(), res.Segments)
	assert.Equal(t, "hello there general conversation", res.FullText)
	assert.Equal(t, "en", res.Language)
	assert.Equal(t, 9.0, res.DurationSec)
	assert.Equal(t, "fake-transcriber", res.Backend)
	assert.Empty(t, res.Warnings)

	require.Len(t, res.AlignedSegments, 2)
	assert.Equal(t, "SPEAKER_00", res.AlignedSegments[0].Speaker)
	assert.Equal(t, "SPEAKER_01", res.AlignedSegments[1].Speaker)
	assert.Len(t, res.SpeakerTurns, 2)
	assert.Greater(t, res.Performance.TotalDurationSec, 0.0)
}

func TestRunResultWireShape(t *testing.T) {
	tr := &fakeTranscriber{result: transcribe.Result{Segments: testSegments(), Language: "en", DurationSec: 9}}
	di := &fakeDiarizer{turns: []diarize.Turn{{Speaker: "SPEAKER_00", Start: 0, End: 9}}}
	r := newTestRunner(t, tr, di)

	res, err := r.Run(context.Background(), "input.wav", Options{EnableDiarization: true})
	require.NoError(t, err)

	raw, err := json.Marshal(res)
	require.NoError(t, err)

	var decoded map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(raw, &decoded))
	for _, key := range []string{
		"segments", "aligned_segments", "speaker_turns", "full_text",
		"language", "duration", "backend", "warnings", "performance_metrics",
	} {
		assert.Contains(t, decoded, key)
	}
	// warnings must be a list even when empty, never null
	assert.Equal(t, "[]", strings.TrimSpace(string(decoded["warnings"])))

	var perfOut struct {
		TotalDuration float64                    `json:"total_duration"`
		Stages        map[string]json.RawMessage `json:"stages"`
	}
	require.NoError(t, json.Unmarshal(decoded["performance_metrics"], &perfOut))
	for _, stage := range []string{"validating", "preprocessing", "transcribing", "diarizing", "aligning", "finalizing"} {
		assert.Contains(t, perfOut.Stages, stage)
	}
}

func TestRunDiarizationFailureDegrades(t *testing.T) {
	tr := &fakeTranscriber{result: transcribe.Result{
		Segments: []transcribe.Segment{
			{Start: 0, End: 4, Text: "first part"},
			{Start: 7, End: 10, Text: "after a long pause"},
		},
		Language: "en", DurationSec: 10,
	}}
	di := &fakeDiarizer{err: errors.New("model crashed")}
	r := newTestRunner(t, tr, di)

	res, err := r.Run(context.Background(), "input.wav", Options{EnableDiarization: true})
	require.NoError(t, err, "diarization failure must not abort the run")
	require.NotNil(t, res)

	found := false
	for _, w := range res.Warnings {
		if strings.Contains(w, "diarization unavailable") {
			found = true
		}
	}
	assert.True(t, found, "warnings: %v", res.Warnings)

	// pause heuristic labels: 3s gap flips the synthetic speaker
	require.Len(t, res.AlignedSegments, 2)
	assert.Equal(t, "S1", res.AlignedSegments[0].Speaker)
	assert.Equal(t, "S2", res.AlignedSegments[1].Speaker)
	assert.Empty(t, res.SpeakerTurns)
}

func TestRunResourceExhaustionReleasesDevice(t *testing.T) {
	tr := &residentTranscriber{fakeTranscriber: fakeTranscriber{
		err: &errs.ResourceExhaustion{Backend: "fake-transcriber", Detail: "CUDA out of memory"},
	}}
	r := newTestRunner(t, tr, &fakeDiarizer{})

	res, err := r.Run(context.Background(), "input.wav", Options{})
	require.Error(t, err)
	assert.Nil(t, res, "no partial result on failure")

	var re *errs.ResourceExhaustion
	assert.ErrorAs(t, err, &re)
	assert.True(t, tr.released, "device state must be released before the error surfaces")
	assert.Equal(t, resource.StateUnloaded, r.Resources().State(resource.KindTranscription))
}

func TestRunResidentBackendReleasedAfterSuccess(t *testing.T) {
	tr := &residentTranscriber{fakeTranscriber: fakeTranscriber{
		result: transcribe.Result{Segments: testSegments(), Language: "en", DurationSec: 9},
	}}
	r := newTestRunner(t, tr, &fakeDiarizer{})

	res, err := r.Run(context.Background(), "input.wav", Options{})
	require.NoError(t, err)
	assert.True(t, tr.released)
	assert.Equal(t, resource.StateUnloaded, r.Resources().State(resource.KindTranscription))

	// device acquisition shows up as a sub-timer of the stage
	found := false
	for _, st := range res.Performance.Stages {
		if st.Name == "transcribing" {
			assert.Contains(t, st.Subs, "device-acquire")
			found = true
		}
	}
	assert.True(t, found)
}

func TestRunInvalidBackendOverride(t *testing.T) {
	r := newTestRunner(t, &fakeTranscriber{}, &fakeDiarizer{})

	res, err := r.Run(context.Background(), "input.wav", Options{Backend: "quantum"})
	require.Error(t, err)
	assert.Nil(t, res)

	var ibe *errs.InvalidBackendError
	assert.ErrorAs(t, err, &ibe)
}

func TestRunValidationFailureStopsEarly(t *testing.T) {
	tr := &fakeTranscriber{result: transcribe.Result{Segments: testSegments()}}
	r := newTestRunner(t, tr, &fakeDiarizer{})
	r.validate = func(ctx context.Context, path string) (audio.Metadata, error) {
		return audio.Metadata{}, &errs.ValidationError{Kind: errs.NotFound, Path: path, Detail: "file does not exist"}
	}

	res, err := r.Run(context.Background(), "missing.wav", Options{})
	require.Error(t, err)
	assert.Nil(t, res)

	var verr *errs.ValidationError
	assert.ErrorAs(t, err, &verr)
}

func TestRunSoftLimitWarningOnRemotePath(t *testing.T) {
	tr := &fakeTranscriber{result: transcribe.Result{Segments: testSegments(), Language: "en", DurationSec: 9}}
	r := newTestRunner(t, tr, &fakeDiarizer{})
	r.validate = func(ctx context.Context, path string) (audio.Metadata, error) {
		return audio.Metadata{
			DurationSec: 9, SampleRate: 16000, Channels: 1,
			Format: "wav", SizeBytes: audio.SoftSizeLimitBytes + 1, Valid: true,
		}, nil
	}

	res, err := r.Run(context.Background(), "big.wav", Options{})
	require.NoError(t, err)

	found := false
	for _, w := range res.Warnings {
		if strings.Contains(w, "chunked") {
			found = true
		}
	}
	assert.True(t, found, "warnings: %v", res.Warnings)
}

func TestRunLanguageAndDurationFallbacks(t *testing.T) {
	// backend reports neither language nor duration; hint and probe fill in
	tr := &fakeTranscriber{result: transcribe.Result{Segments: testSegments()}}
	r := newTestRunner(t, tr, &fakeDiarizer{})

	res, err := r.Run(context.Background(), "input.wav", Options{LanguageHint: "de"})
	require.NoError(t, err)
	assert.Equal(t, "de", res.Language)
	assert.Equal(t, 9.0, res.DurationSec)
}

func TestOptionsFromConfig(t *testing.T) {
	cfg := &config.Settings{}
	cfg.Pipeline.Backend = "remote"
	cfg.Pipeline.EnableDiarization = true
	cfg.Pipeline.LanguageHint = "en"
	cfg.Pipeline.TargetSampleRate = 16000

	opts := OptionsFromConfig(cfg)
	assert.Equal(t, "remote", opts.Backend)
	assert.True(t, opts.EnableDiarization)
	assert.Equal(t, "en", opts.LanguageHint)
	assert.Equal(t, 16000, opts.TargetSampleRate)
}
