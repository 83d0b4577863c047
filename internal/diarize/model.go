package diarize

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/scribeflow/scribeflow/internal/errs"
	"github.com/scribeflow/scribeflow/internal/pyworker"
	"github.com/scribeflow/scribeflow/pkg/Logger"
)

//go:embed assets/diarize_worker.py
var diarizeWorkerScript []byte

const modelBackendID = "diarize-pyannote"

// ModelBackend runs a speaker-diarization model in a worker process, loaded
// lazily on first call and released through Release.
type ModelBackend struct {
	token    string
	cacheDir string
	logger   *Logger.Logger

	mu     sync.Mutex
	worker *pyworker.Worker
}

func NewModelBackend(token, cacheDir string, logger *Logger.Logger) *ModelBackend {
	return &ModelBackend{token: token, cacheDir: cacheDir, logger: logger}
}

func (m *ModelBackend) ID() string { return modelBackendID }

type modelRequest struct {
	Audio       string `json:"audio"`
	NumSpeakers int    `json:"num_speakers,omitempty"`
}

func (m *ModelBackend) Diarize(ctx context.Context, audioPath string, expectedSpeakers int) ([]Turn, error) {
	w, err := m.ensureWorker(ctx)
	if err != nil {
		return nil, err
	}

	var raw json.RawMessage
	if err := w.Call(modelRequest{Audio: audioPath, NumSpeakers: expectedSpeakers}, &raw); err != nil {
		return nil, fmt.Errorf("diarize call: %w", err)
	}
	turns, err := normalizeOutput(raw)
	if err != nil {
		if isOOM(err.Error()) {
			return nil, &errs.ResourceExhaustion{Backend: modelBackendID, Detail: err.Error()}
		}
		return nil, &errs.FatalBackendError{Backend: modelBackendID, Cause: err}
	}
	return turns, nil
}

func (m *ModelBackend) ensureWorker(ctx context.Context) (*pyworker.Worker, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.worker != nil {
		return m.worker, nil
	}
	if m.token == "" {
		return nil, &errs.FatalBackendError{Backend: modelBackendID, Cause: fmt.Errorf("diarization token missing")}
	}

	m.logger.Info("loading diarization model")
	args := []string{"--token", m.token}
	if m.cacheDir != "" {
		args = append(args, "--cache-dir", m.cacheDir)
	}
	w, err := pyworker.Start(ctx, "diarize", diarizeWorkerScript, args...)
	if err != nil {
		if isOOM(err.Error()) {
			return nil, &errs.ResourceExhaustion{Backend: modelBackendID, Detail: err.Error()}
		}
		return nil, &errs.FatalBackendError{Backend: modelBackendID, Cause: err}
	}
	m.worker = w
	return w, nil
}

// Release stops the worker; idempotent.
func (m *ModelBackend) Release() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.worker == nil {
		return nil
	}
	m.logger.Info("releasing diarization model")
	m.worker.Stop()
	m.worker = nil
	return nil
}

// Loaded reports whether the model is currently resident.
func (m *ModelBackend) Loaded() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.worker != nil
}

func isOOM(msg string) bool {
	s := strings.ToLower(msg)
	return strings.Contains(s, "out of memory") || strings.Contains(s, "cuda error")
}
