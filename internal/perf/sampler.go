package perf

import (
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/scribeflow/scribeflow/pkg/Logger"
)

const defaultSampleInterval = 100 * time.Millisecond

type accelSample struct {
	utilPct   float64
	memUsedMB float64
}

// accelSampler polls nvidia-smi on a fixed cadence in its own goroutine.
// Poll failures are logged once and sampling continues; the pipeline never
// waits on it.
type accelSampler struct {
	logger   *Logger.Logger
	interval time.Duration
	query    func() (accelSample, float64, error) // sample + total MB

	mu      sync.Mutex
	samples []accelSample
	totalMB float64
	failed  bool

	stopCh chan struct{}
	doneCh chan struct{}
}

func newAccelSampler(logger *Logger.Logger, interval time.Duration) *accelSampler {
	s := &accelSampler{
		logger:   logger,
		interval: interval,
	}
	s.query = queryNvidiaSMI
	return s
}

func (s *accelSampler) start() {
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	go s.loop()
}

func (s *accelSampler) loop() {
	defer close(s.doneCh)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			sample, total, err := s.query()
			s.mu.Lock()
			if err != nil {
				if !s.failed {
					s.logger.Warnf("accelerator sampling failed, continuing without: %v", err)
					s.failed = true
				}
			} else {
				s.samples = append(s.samples, sample)
				s.totalMB = total
				s.failed = false
			}
			s.mu.Unlock()
		}
	}
}

func (s *accelSampler) stop() {
	if s.stopCh == nil {
		return
	}
	close(s.stopCh)
	<-s.doneCh
	s.stopCh = nil
}

func (s *accelSampler) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.samples)
}

// rollup aggregates the samples taken since offset.
func (s *accelSampler) rollup(offset int) *AccelStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	if offset >= len(s.samples) {
		return nil
	}
	window := s.samples[offset:]

	stats := &AccelStats{
		UtilMinPct: window[0].utilPct,
		UtilMaxPct: window[0].utilPct,
		Samples:    len(window),
	}
	sum := 0.0
	for _, smp := range window {
		if smp.utilPct < stats.UtilMinPct {
			stats.UtilMinPct = smp.utilPct
		}
		if smp.utilPct > stats.UtilMaxPct {
			stats.UtilMaxPct = smp.utilPct
		}
		if smp.memUsedMB > stats.MemPeakMB {
			stats.MemPeakMB = smp.memUsedMB
		}
		sum += smp.utilPct
	}
	stats.UtilAvgPct = sum / float64(len(window))
	return stats
}

func (s *accelSampler) snapshot() *MemSnapshot {
	sample, total, err := s.query()
	if err != nil {
		return nil
	}
	return &MemSnapshot{UsedMB: sample.memUsedMB, TotalMB: total, TakenAt: time.Now()}
}

// queryNvidiaSMI reads utilization and memory in one shot:
//
//	nvidia-smi --query-gpu=utilization.gpu,memory.used,memory.total --format=csv,noheader,nounits
func queryNvidiaSMI() (accelSample, float64, error) {
	out, err := exec.Command("nvidia-smi",
		"--query-gpu=utilization.gpu,memory.used,memory.total",
		"--format=csv,noheader,nounits",
	).Output()
	if err != nil {
		return accelSample{}, 0, err
	}
	fields := strings.Split(strings.TrimSpace(strings.SplitN(string(out), "\n", 2)[0]), ",")
	if len(fields) < 3 {
		return accelSample{}, 0, exec.ErrNotFound
	}
	util, _ := strconv.ParseFloat(strings.TrimSpace(fields[0]), 64)
	used, _ := strconv.ParseFloat(strings.TrimSpace(fields[1]), 64)
	total, _ := strconv.ParseFloat(strings.TrimSpace(fields[2]), 64)
	return accelSample{utilPct: util, memUsedMB: used}, total, nil
}
