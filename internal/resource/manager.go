// Package resource owns residency of heavyweight backend state. One model
// per backend kind may be loaded at a time, one backend may own the device
// at a time, and release is guaranteed idempotent so callers can defer it on
// every exit path.
package resource

import (
	"context"
	"fmt"
	"sync"

	"github.com/looplab/fsm"

	"github.com/scribeflow/scribeflow/pkg/Logger"
)

// Kind identifies a backend family. Each kind has its own lifecycle machine.
type Kind string

const (
	KindTranscription Kind = "transcription"
	KindDiarization   Kind = "diarization"
)

// Lifecycle states.
const (
	StateUnloaded  = "unloaded"
	StateLoading   = "loading"
	StateLoaded    = "loaded"
	StateReleasing = "releasing"
)

// Releaser frees a backend's device-resident state.
type Releaser interface {
	Release() error
}

// Handle is an opaque token for "a model is resident". Owned by the manager;
// releasing twice is a no-op.
type Handle struct {
	kind     Kind
	mgr      *Manager
	releaser Releaser

	mu       sync.Mutex
	released bool
}

// Kind reports which backend family this handle covers.
func (h *Handle) Kind() Kind { return h.kind }

// Manager serializes device ownership and tracks per-kind lifecycle.
// Concurrent pipeline runs sharing an accelerator block here, not at the
// orchestrator, so unrelated CPU work still overlaps.
type Manager struct {
	logger *Logger.Logger

	// device semaphore, width 1
	device chan struct{}

	mu       sync.Mutex
	machines map[Kind]*fsm.FSM
	handles  map[Kind]*Handle

	// OnTransition observes state changes; the orchestrator hangs memory
	// snapshots off it. Optional.
	OnTransition func(kind Kind, from, to string)
}

func NewManager(logger *Logger.Logger) *Manager {
	return &Manager{
		logger:   logger,
		device:   make(chan struct{}, 1),
		machines: make(map[Kind]*fsm.FSM),
		handles:  make(map[Kind]*Handle),
	}
}

func (m *Manager) machineFor(kind Kind) *fsm.FSM {
	if machine, ok := m.machines[kind]; ok {
		return machine
	}
	machine := fsm.NewFSM(
		StateUnloaded,
		fsm.Events{
			{Name: "load", Src: []string{StateUnloaded}, Dst: StateLoading},
			{Name: "loaded", Src: []string{StateLoading}, Dst: StateLoaded},
			{Name: "loadFailed", Src: []string{StateLoading}, Dst: StateUnloaded},
			{Name: "release", Src: []string{StateLoaded}, Dst: StateReleasing},
			{Name: "released", Src: []string{StateReleasing}, Dst: StateUnloaded},
		},
		fsm.Callbacks{},
	)
	m.machines[kind] = machine
	return machine
}

// State reports the current lifecycle state for a kind.
func (m *Manager) State(kind Kind) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.machineFor(kind).Current()
}

// Acquire takes device ownership, runs load, and returns a live handle.
// Calling Acquire again with the same backend while loaded returns the
// existing handle without a second load; a different backend of the same
// kind waits for the device like any other caller, otherwise its release
// would tear down state it does not own. load may be nil for backends that
// lazily self-load.
func (m *Manager) Acquire(ctx context.Context, kind Kind, releaser Releaser, load func(ctx context.Context) error) (*Handle, error) {
	m.mu.Lock()
	if h, ok := m.handles[kind]; ok && h.releaser == releaser {
		m.mu.Unlock()
		return h, nil
	}
	machine := m.machineFor(kind)
	m.mu.Unlock()

	// block until the device frees up; cancellation respected
	select {
	case m.device <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	m.transition(ctx, machine, kind, "load")
	if load != nil {
		if err := load(ctx); err != nil {
			m.transition(ctx, machine, kind, "loadFailed")
			<-m.device
			return nil, fmt.Errorf("load %s backend: %w", kind, err)
		}
	}
	m.transition(ctx, machine, kind, "loaded")

	h := &Handle{kind: kind, mgr: m, releaser: releaser}
	m.mu.Lock()
	m.handles[kind] = h
	m.mu.Unlock()
	return h, nil
}

// Release frees the handle's backend state and device ownership. Idempotent
// and non-throwing: release failures are logged, never surfaced, because
// release runs on every exit path including error paths.
func (m *Manager) Release(h *Handle) {
	if h == nil {
		return
	}
	h.mu.Lock()
	if h.released {
		h.mu.Unlock()
		return
	}
	h.released = true
	h.mu.Unlock()

	m.mu.Lock()
	machine := m.machineFor(h.kind)
	delete(m.handles, h.kind)
	m.mu.Unlock()

	ctx := context.Background()
	m.transition(ctx, machine, h.kind, "release")
	if h.releaser != nil {
		if err := h.releaser.Release(); err != nil {
			m.logger.Errorf("release %s backend: %v", h.kind, err)
		}
	}
	m.transition(ctx, machine, h.kind, "released")
	<-m.device
}

func (m *Manager) transition(ctx context.Context, machine *fsm.FSM, kind Kind, event string) {
	from := machine.Current()
	if err := machine.Event(ctx, event); err != nil {
		m.logger.Errorf("lifecycle %s: event %s from %s: %v", kind, event, from, err)
		return
	}
	to := machine.Current()
	m.logger.Debugf("lifecycle %s: %s -> %s", kind, from, to)
	if m.OnTransition != nil {
		m.OnTransition(kind, from, to)
	}
}
