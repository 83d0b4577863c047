package transcribe

import (
	"context"
	_ "embed"
	"fmt"
	"strings"
	"sync"

	"github.com/scribeflow/scribeflow/internal/errs"
	"github.com/scribeflow/scribeflow/internal/pyworker"
	"github.com/scribeflow/scribeflow/pkg/Logger"
)

//go:embed assets/whisper_worker.py
var whisperWorkerScript []byte

const localBackendID = "transcribe-local"

// LocalBackend runs an accelerator-resident whisper model through a
// long-lived worker process. The model loads lazily on the first call;
// Release stops the worker and frees device memory deterministically.
type LocalBackend struct {
	model    string
	device   string
	cacheDir string
	logger   *Logger.Logger

	mu     sync.Mutex
	worker *pyworker.Worker
}

func NewLocalBackend(model, device, cacheDir string, logger *Logger.Logger) *LocalBackend {
	if model == "" {
		model = "base"
	}
	if device == "" {
		device = "auto"
	}
	return &LocalBackend{model: model, device: device, cacheDir: cacheDir, logger: logger}
}

func (l *LocalBackend) ID() string { return localBackendID }

type localRequest struct {
	Audio    string `json:"audio"`
	Language string `json:"language,omitempty"`
}

type localResponse struct {
	Language string  `json:"language"`
	Duration float64 `json:"duration"`
	Error    string  `json:"error"`
	Segments []struct {
		Start      float64 `json:"start"`
		End        float64 `json:"end"`
		Text       string  `json:"text"`
		AvgLogprob float64 `json:"avg_logprob"`
	} `json:"segments"`
}

func (l *LocalBackend) Transcribe(ctx context.Context, audioPath, languageHint string) (Result, error) {
	w, err := l.ensureWorker(ctx)
	if err != nil {
		return Result{}, err
	}

	var resp localResponse
	if err := w.Call(localRequest{Audio: audioPath, Language: languageHint}, &resp); err != nil {
		return Result{}, fmt.Errorf("local transcribe call: %w", err)
	}
	if resp.Error != "" {
		if isOOM(resp.Error) {
			return Result{}, &errs.ResourceExhaustion{Backend: localBackendID, Detail: resp.Error}
		}
		return Result{}, &errs.FatalBackendError{Backend: localBackendID, Cause: fmt.Errorf("%s", resp.Error)}
	}

	segs := make([]Segment, 0, len(resp.Segments))
	for _, s := range resp.Segments {
		segs = append(segs, Segment{Start: s.Start, End: s.End, Text: s.Text, Confidence: s.AvgLogprob})
	}
	return Result{
		Segments:    normalizeSegments(segs),
		Language:    resp.Language,
		DurationSec: resp.Duration,
	}, nil
}

// ensureWorker starts the worker on first use. Model load happens exactly
// once for the backend's lifetime unless Release ran in between.
func (l *LocalBackend) ensureWorker(ctx context.Context) (*pyworker.Worker, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.worker != nil {
		return l.worker, nil
	}

	l.logger.Infof("loading local model %q on %s", l.model, l.device)
	args := []string{"--model", l.model, "--device", l.device}
	if l.cacheDir != "" {
		args = append(args, "--cache-dir", l.cacheDir)
	}
	w, err := pyworker.Start(ctx, "whisper", whisperWorkerScript, args...)
	if err != nil {
		if isOOM(err.Error()) {
			return nil, &errs.ResourceExhaustion{Backend: localBackendID, Detail: err.Error()}
		}
		return nil, &errs.FatalBackendError{Backend: localBackendID, Cause: err}
	}
	l.worker = w
	return w, nil
}

// Release stops the worker. Safe to call repeatedly; the next Transcribe
// loads the model again.
func (l *LocalBackend) Release() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.worker == nil {
		return nil
	}
	l.logger.Infof("releasing local model %q", l.model)
	l.worker.Stop()
	l.worker = nil
	return nil
}

// Loaded reports whether the model is currently resident.
func (l *LocalBackend) Loaded() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.worker != nil
}

func isOOM(msg string) bool {
	m := strings.ToLower(msg)
	return strings.Contains(m, "out of memory") || strings.Contains(m, "cuda error")
}
