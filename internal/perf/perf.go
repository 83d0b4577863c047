// Package perf records stage timings, accelerator utilization, and memory
// snapshots, and assembles the structured report attached to every pipeline
// result. Sampling is best-effort and never blocks the pipeline.
package perf

import (
	"sync"
	"time"

	"github.com/scribeflow/scribeflow/pkg/Logger"
)

// AccelStats summarizes sampled accelerator utilization over a stage.
type AccelStats struct {
	UtilMinPct float64 `json:"util_min_pct"`
	UtilMaxPct float64 `json:"util_max_pct"`
	UtilAvgPct float64 `json:"util_avg_pct"`
	MemPeakMB  float64 `json:"mem_peak_mb"`
	Samples    int     `json:"samples"`
}

// MemSnapshot is a point-in-time device memory reading.
type MemSnapshot struct {
	UsedMB  float64   `json:"used_mb"`
	TotalMB float64   `json:"total_mb"`
	TakenAt time.Time `json:"taken_at"`
}

// StageMetrics covers one pipeline stage.
type StageMetrics struct {
	Name        string             `json:"name"`
	StartedAt   time.Time          `json:"started_at"`
	EndedAt     time.Time          `json:"ended_at"`
	DurationSec float64            `json:"duration"`
	Accel       *AccelStats        `json:"accelerator_stats,omitempty"`
	MemBefore   *MemSnapshot       `json:"mem_before,omitempty"`
	MemAfter    *MemSnapshot       `json:"mem_after,omitempty"`
	Subs        map[string]float64 `json:"substages,omitempty"`
}

// Report is the assembled run summary.
type Report struct {
	TotalDurationSec float64        `json:"total_duration"`
	Stages           []StageMetrics `json:"stages"`
}

// Monitor is the hierarchical timer. Safe for concurrent use; parallel
// stages record independently.
type Monitor struct {
	logger  *Logger.Logger
	sampler *accelSampler

	mu            sync.Mutex
	pipelineStart time.Time
	pipelineEnd   time.Time
	open          map[string]*stageState
	done          []StageMetrics
}

type stageState struct {
	startedAt    time.Time
	sampleOffset int
	memBefore    *MemSnapshot
	subs         map[string]float64
}

// NewMonitor builds a monitor. withAccelerator starts the background
// nvidia-smi sampler for the pipeline's duration.
func NewMonitor(logger *Logger.Logger, withAccelerator bool) *Monitor {
	m := &Monitor{
		logger: logger,
		open:   make(map[string]*stageState),
	}
	if withAccelerator {
		m.sampler = newAccelSampler(logger, defaultSampleInterval)
	}
	return m
}

// StartPipeline marks the run start and kicks off the sampler.
func (m *Monitor) StartPipeline() {
	m.mu.Lock()
	m.pipelineStart = time.Now()
	m.mu.Unlock()
	if m.sampler != nil {
		m.sampler.start()
	}
}

// EndPipeline stops the sampler deterministically and closes the clock.
func (m *Monitor) EndPipeline() {
	if m.sampler != nil {
		m.sampler.stop()
	}
	m.mu.Lock()
	m.pipelineEnd = time.Now()
	m.mu.Unlock()
}

// StartStage opens a named stage.
func (m *Monitor) StartStage(name string) {
	st := &stageState{startedAt: time.Now(), subs: make(map[string]float64)}
	if m.sampler != nil {
		st.sampleOffset = m.sampler.count()
		st.memBefore = m.sampler.snapshot()
	}
	m.mu.Lock()
	m.open[name] = st
	m.mu.Unlock()
}

// EndStage closes a stage and rolls up its accelerator samples.
func (m *Monitor) EndStage(name string) {
	m.mu.Lock()
	st, ok := m.open[name]
	if !ok {
		m.mu.Unlock()
		m.logger.Warnf("EndStage(%q) without StartStage", name)
		return
	}
	delete(m.open, name)
	m.mu.Unlock()

	ended := time.Now()
	sm := StageMetrics{
		Name:        name,
		StartedAt:   st.startedAt,
		EndedAt:     ended,
		DurationSec: ended.Sub(st.startedAt).Seconds(),
		MemBefore:   st.memBefore,
	}
	if len(st.subs) > 0 {
		sm.Subs = st.subs
	}
	if m.sampler != nil {
		sm.Accel = m.sampler.rollup(st.sampleOffset)
		sm.MemAfter = m.sampler.snapshot()
	}

	m.mu.Lock()
	m.done = append(m.done, sm)
	m.mu.Unlock()

	observeStageDuration(name, sm.DurationSec)
}

// Sub times an arbitrary sub-operation inside a stage. Usage:
//
//	defer mon.Sub("transcribing", "chunk-cut")()
func (m *Monitor) Sub(stage, name string) func() {
	start := time.Now()
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if st, ok := m.open[stage]; ok {
			st.subs[name] += time.Since(start).Seconds()
		}
	}
}

// MemorySnapshot takes an immediate device memory reading, used around
// model load/unload so leaks show up in the report.
func (m *Monitor) MemorySnapshot() *MemSnapshot {
	if m.sampler == nil {
		return nil
	}
	return m.sampler.snapshot()
}

// Assemble produces the final report. Stages appear in completion order.
func (m *Monitor) Assemble() Report {
	m.mu.Lock()
	defer m.mu.Unlock()
	end := m.pipelineEnd
	if end.IsZero() {
		end = time.Now()
	}
	return Report{
		TotalDurationSec: end.Sub(m.pipelineStart).Seconds(),
		Stages:           append([]StageMetrics(nil), m.done...),
	}
}
