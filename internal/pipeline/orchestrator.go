// Package pipeline sequences validation, preprocessing, transcription,
// diarization, alignment, and result assembly. It is the only component
// that knows the full stage order; everything else is swappable behind its
// capability interface.
package pipeline

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/looplab/fsm"
	"golang.org/x/sync/errgroup"

	"github.com/scribeflow/scribeflow/internal/align"
	"github.com/scribeflow/scribeflow/internal/audio"
	"github.com/scribeflow/scribeflow/internal/audio/preprocess"
	"github.com/scribeflow/scribeflow/internal/config"
	"github.com/scribeflow/scribeflow/internal/diarize"
	"github.com/scribeflow/scribeflow/internal/perf"
	"github.com/scribeflow/scribeflow/internal/resource"
	"github.com/scribeflow/scribeflow/internal/retryx"
	"github.com/scribeflow/scribeflow/internal/selector"
	"github.com/scribeflow/scribeflow/internal/transcribe"
	"github.com/scribeflow/scribeflow/pkg/Logger"
)

// Stage machine states.
const (
	stateValidating    = "validating"
	statePreprocessing = "preprocessing"
	stateTranscribing  = "transcribing"
	stateAligning      = "aligning"
	stateFinalizing    = "finalizing"
	stateDone          = "done"
	stateFailed        = "failed"
)

// Options mirror the caller-facing configuration object.
type Options struct {
	Backend              string
	EnableDiarization    bool
	ExpectedSpeakerCount int
	LanguageHint         string
	TrimSilence          bool
	NormalizeLoudness    bool
	TargetSampleRate     int
}

// OptionsFromConfig lifts the loaded settings into run options.
func OptionsFromConfig(cfg *config.Settings) Options {
	return Options{
		Backend:              cfg.Pipeline.Backend,
		EnableDiarization:    cfg.Pipeline.EnableDiarization,
		ExpectedSpeakerCount: cfg.Pipeline.ExpectedSpeakerCount,
		LanguageHint:         cfg.Pipeline.LanguageHint,
		TrimSilence:          cfg.Pipeline.TrimSilence,
		NormalizeLoudness:    cfg.Pipeline.NormalizeLoudness,
		TargetSampleRate:     cfg.Pipeline.TargetSampleRate,
	}
}

// Runner owns the long-lived pieces shared across runs: the resource
// manager (device serialization) and the retry controller.
type Runner struct {
	settings  *config.Settings
	logger    *Logger.Logger
	resources *resource.Manager
	retrier   *retryx.Controller

	// monitor of the most recent run; lifecycle snapshots are best-effort
	monitor atomic.Pointer[perf.Monitor]

	// capability probes, swappable in tests
	detectCaps func() selector.Capabilities
	validate   func(ctx context.Context, path string) (audio.Metadata, error)

	// backend builders, swappable in tests
	buildPreprocessor func(path selector.Path, scratchDir string) preprocess.Preprocessor
	buildTranscriber  func(path selector.Path, scratchDir string) transcribe.Backend
	buildDiarizer     func(useModel bool) diarize.Backend
}

func NewRunner(cfg *config.Settings, logger *Logger.Logger) *Runner {
	r := &Runner{
		settings:  cfg,
		logger:    logger,
		resources: resource.NewManager(logger),
		retrier:   retryx.New(retryx.DefaultPolicy(), logger),
	}
	r.detectCaps = func() selector.Capabilities {
		return selector.DetectCapabilities(
			cfg.Credentials.RemoteAPIKey,
			cfg.Credentials.DiarizationToken,
			localModelAvailable(),
		)
	}
	r.resources.OnTransition = func(kind resource.Kind, from, to string) {
		mon := r.monitor.Load()
		if mon == nil {
			return
		}
		if snap := mon.MemorySnapshot(); snap != nil {
			logger.Debugf("lifecycle %s %s->%s: device mem %.0f/%.0f MB", kind, from, to, snap.UsedMB, snap.TotalMB)
		}
	}
	r.validate = audio.Validate
	r.buildPreprocessor = func(path selector.Path, scratchDir string) preprocess.Preprocessor {
		if path == selector.PathAccelerated {
			return preprocess.NewAccelerated(scratchDir, logger)
		}
		return preprocess.NewReference(scratchDir, logger)
	}
	r.buildTranscriber = func(path selector.Path, scratchDir string) transcribe.Backend {
		switch path {
		case selector.PathAccelerated:
			return transcribe.NewLocalBackend("", "cuda", cfg.Credentials.ModelCacheDir, logger)
		case selector.PathRemote:
			return transcribe.NewOpenAIBackend(cfg.Credentials.RemoteAPIKey, "", scratchDir, r.retrier, logger)
		default:
			return transcribe.NewLocalBackend("", "cpu", cfg.Credentials.ModelCacheDir, logger)
		}
	}
	r.buildDiarizer = func(useModel bool) diarize.Backend {
		if useModel {
			return diarize.NewModelBackend(cfg.Credentials.DiarizationToken, cfg.Credentials.ModelCacheDir, logger)
		}
		return diarize.Null{}
	}
	return r
}

func newStageMachine() *fsm.FSM {
	return fsm.NewFSM(
		stateValidating,
		fsm.Events{
			{Name: "preprocess", Src: []string{stateValidating}, Dst: statePreprocessing},
			{Name: "transcribe", Src: []string{statePreprocessing}, Dst: stateTranscribing},
			{Name: "align", Src: []string{stateTranscribing}, Dst: stateAligning},
			{Name: "finalize", Src: []string{stateAligning}, Dst: stateFinalizing},
			{Name: "complete", Src: []string{stateFinalizing}, Dst: stateDone},
			{Name: "fail", Src: []string{
				stateValidating, statePreprocessing, stateTranscribing, stateAligning, stateFinalizing,
			}, Dst: stateFailed},
		},
		fsm.Callbacks{},
	)
}

// Run executes one pipeline on path. It returns a complete Result (possibly
// with warnings) or one typed failure. All resources, device handles and
// scratch space included, are released on every exit path, including
// cancellation.
func (r *Runner) Run(ctx context.Context, path string, opts Options) (result *Result, err error) {
	machine := newStageMachine()
	runID := uuid.NewString()
	log := r.logger.With("run_id", runID)

	caps := r.detectCaps()
	choice, warnings, err := selector.Choose(caps, opts.Backend, opts.EnableDiarization)
	if err != nil {
		return nil, err
	}
	log.Infof("backend path %s (diarize=%v)", choice.Transcription, choice.Diarize)

	monitor := perf.NewMonitor(r.logger, caps.AcceleratorPresent)
	r.monitor.Store(monitor)
	monitor.StartPipeline()
	defer monitor.EndPipeline()

	scratchDir := filepath.Join(r.scratchBase(), "scribeflow-"+runID)
	if err := os.MkdirAll(scratchDir, 0o755); err != nil {
		return nil, fmt.Errorf("create scratch dir: %w", err)
	}
	// scratch space belongs to this run and dies with it, success or not
	defer os.RemoveAll(scratchDir)

	transcriber := r.buildTranscriber(choice.Transcription, scratchDir)
	defer func() {
		if e := recover(); e != nil {
			_ = machine.Event(ctx, "fail")
			panic(e)
		}
		if err != nil {
			_ = machine.Event(ctx, "fail")
			perf.ObserveRun("failure", transcriber.ID())
		}
	}()

	// Validating
	monitor.StartStage("validating")
	meta, err := r.validate(ctx, path)
	monitor.EndStage("validating")
	if err != nil {
		return nil, err
	}
	if meta.ExceedsSoftLimit() && choice.Transcription == selector.PathRemote {
		warnings = append(warnings, fmt.Sprintf(
			"file is %.0fMB; remote payload ceiling forces chunked transcription",
			float64(meta.SizeBytes)/(1024*1024)))
	}

	// Preprocessing
	if err = machine.Event(ctx, "preprocess"); err != nil {
		return nil, err
	}
	monitor.StartStage("preprocessing")
	workPath, err := r.buildPreprocessor(choice.Transcription, scratchDir).Preprocess(ctx, path, preprocess.Options{
		TrimSilence:       opts.TrimSilence,
		NormalizeLoudness: opts.NormalizeLoudness,
		TargetSampleRate:  opts.TargetSampleRate,
	})
	monitor.EndStage("preprocessing")
	if err != nil {
		return nil, fmt.Errorf("preprocessing: %w", err)
	}

	// Transcribing ∥ Diarizing. Both read workPath and write disjoint
	// outputs; device-resident backends serialize inside the resource
	// manager, not here.
	if err = machine.Event(ctx, "transcribe"); err != nil {
		return nil, err
	}
	var (
		trResult transcribe.Result
		turns    []diarize.Turn
		warnMu   sync.Mutex
	)
	addWarning := func(w string) {
		warnMu.Lock()
		warnings = append(warnings, w)
		warnMu.Unlock()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		monitor.StartStage("transcribing")
		defer monitor.EndStage("transcribing")
		res, terr := r.runTranscription(gctx, monitor, transcriber, workPath, opts.LanguageHint)
		if terr != nil {
			return terr
		}
		trResult = res
		return nil
	})
	g.Go(func() error {
		monitor.StartStage("diarizing")
		defer monitor.EndStage("diarizing")
		got, derr := r.runDiarization(gctx, monitor, choice.Diarize, workPath, opts.ExpectedSpeakerCount)
		if derr != nil {
			// diarization failure degrades, never aborts: alignment falls
			// back to its pause heuristic
			log.Warnf("diarization failed, continuing without speaker turns: %v", derr)
			addWarning(fmt.Sprintf("diarization unavailable: %v", derr))
			return nil
		}
		turns = got
		return nil
	})
	if err = g.Wait(); err != nil {
		return nil, err
	}

	// Aligning
	if err = machine.Event(ctx, "align"); err != nil {
		return nil, err
	}
	monitor.StartStage("aligning")
	aligned, alignWarnings := align.Align(trResult.Segments, turns)
	monitor.EndStage("aligning")
	warnings = append(warnings, alignWarnings...)

	// Finalizing
	if err = machine.Event(ctx, "finalize"); err != nil {
		return nil, err
	}
	monitor.StartStage("finalizing")
	language := trResult.Language
	if language == "" {
		language = opts.LanguageHint
	}
	duration := trResult.DurationSec
	if duration == 0 {
		duration = meta.DurationSec
	}
	monitor.EndStage("finalizing")
	monitor.EndPipeline()

	result = &Result{
		Segments:        trResult.Segments,
		AlignedSegments: aligned,
		SpeakerTurns:    turns,
		FullText:        transcribe.FullText(trResult.Segments),
		Language:        language,
		DurationSec:     duration,
		Backend:         transcriber.ID(),
		Warnings:        warnings,
		Performance:     monitor.Assemble(),
	}
	if err = machine.Event(ctx, "complete"); err != nil {
		return nil, err
	}
	perf.ObserveRun("success", transcriber.ID())
	log.Infof("pipeline done: %d segments, %d turns, %.1fs audio",
		len(result.Segments), len(result.SpeakerTurns), result.DurationSec)
	return result, nil
}

// runTranscription acquires device residency for model-backed transcribers
// and guarantees release whether the stage succeeds, fails, or is
// cancelled. Release happens as soon as the stage ends so diarization can
// take the device.
func (r *Runner) runTranscription(ctx context.Context, monitor *perf.Monitor, backend transcribe.Backend, workPath, langHint string) (transcribe.Result, error) {
	releaser, resident := backend.(resource.Releaser)
	if !resident {
		return backend.Transcribe(ctx, workPath, langHint)
	}

	stopAcquire := monitor.Sub("transcribing", "device-acquire")
	handle, err := r.resources.Acquire(ctx, resource.KindTranscription, releaser, nil)
	stopAcquire()
	if err != nil {
		return transcribe.Result{}, err
	}
	defer r.resources.Release(handle)

	res, err := backend.Transcribe(ctx, workPath, langHint)
	if err != nil {
		// OOM never leaves a half-loaded backend behind; the deferred
		// release runs before the error surfaces
		return transcribe.Result{}, err
	}
	return res, nil
}

func (r *Runner) runDiarization(ctx context.Context, monitor *perf.Monitor, useModel bool, workPath string, expectedSpeakers int) ([]diarize.Turn, error) {
	backend := r.buildDiarizer(useModel)
	releaser, resident := backend.(resource.Releaser)
	if !resident {
		return backend.Diarize(ctx, workPath, expectedSpeakers)
	}

	stopAcquire := monitor.Sub("diarizing", "device-acquire")
	handle, err := r.resources.Acquire(ctx, resource.KindDiarization, releaser, nil)
	stopAcquire()
	if err != nil {
		return nil, err
	}
	defer r.resources.Release(handle)
	return backend.Diarize(ctx, workPath, expectedSpeakers)
}

// Resources exposes the lifecycle manager, mainly so embedding callers and
// tests can observe state.
func (r *Runner) Resources() *resource.Manager { return r.resources }

func (r *Runner) scratchBase() string {
	if r.settings.ScratchDir != "" {
		return r.settings.ScratchDir
	}
	return os.TempDir()
}

// localModelAvailable probes for the local model runtime.
func localModelAvailable() bool {
	py := os.Getenv("SCRIBEFLOW_PY")
	if py == "" {
		py = "python3"
	}
	if _, err := exec.LookPath(py); err != nil {
		return false
	}
	return exec.Command(py, "-c", "import faster_whisper").Run() == nil
}
