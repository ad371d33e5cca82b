// Package profiler supplies the scheduler's cost model: a static probe run
// once at startup and a dynamic moving-average estimator fed by task
// completions. Estimates are best-effort; the pipeline never waits on them.
package profiler

import (
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/arbalest-ml/arbalest/internal/logger"
)

// HostStats is what the static probe learns about the machine.
type HostStats struct {
	TotalMemory     uint64
	AvailableMemory uint64
	LogicalCPUs     int
}

// Probe measures host memory and CPU topology once at startup.
func Probe() HostStats {
	stats := HostStats{}
	if vm, err := mem.VirtualMemory(); err == nil {
		stats.TotalMemory = vm.Total
		stats.AvailableMemory = vm.Available
	} else {
		logger.Log.Warn("memory probe failed", "error", err)
	}
	if n, err := cpu.Counts(true); err == nil {
		stats.LogicalCPUs = n
	}
	return stats
}

type estKey struct {
	device string
	block  int
}

type estimate struct {
	latency  time.Duration
	memBytes int64
	samples  int
}

// Estimates holds per-(block, device) cost estimates updated by an
// exponentially weighted moving average.
type Estimates struct {
	alpha float64

	mu  sync.RWMutex
	est map[estKey]*estimate
}

func NewEstimates(alpha float64) *Estimates {
	return &Estimates{alpha: alpha, est: make(map[estKey]*estimate)}
}

// Seed installs an initial estimate, from the static probe's reference
// timing or a persisted store. Does not overwrite observed samples.
func (e *Estimates) Seed(device string, block int, latency time.Duration, memBytes int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	key := estKey{device, block}
	if cur, ok := e.est[key]; ok && cur.samples > 0 {
		return
	}
	e.est[key] = &estimate{latency: latency, memBytes: memBytes}
}

// Observe folds one task completion into the moving average.
func (e *Estimates) Observe(device string, block int, latency time.Duration, memBytes int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	key := estKey{device, block}
	cur, ok := e.est[key]
	if !ok || cur.samples == 0 && cur.latency == 0 {
		e.est[key] = &estimate{latency: latency, memBytes: memBytes, samples: 1}
		return
	}
	cur.latency = time.Duration(e.alpha*float64(latency) + (1-e.alpha)*float64(cur.latency))
	cur.memBytes = int64(e.alpha*float64(memBytes) + (1-e.alpha)*float64(cur.memBytes))
	cur.samples++
}

// Latency returns the current estimate for a (device, block) pair.
func (e *Estimates) Latency(device string, block int) (time.Duration, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	cur, ok := e.est[estKey{device, block}]
	if !ok {
		return 0, false
	}
	return cur.latency, true
}

// Invalidate drops every estimate for a device. Called when a device goes
// offline; fresh estimates accumulate if it returns.
func (e *Estimates) Invalidate(device string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for key := range e.est {
		if key.device == device {
			delete(e.est, key)
		}
	}
}

// Snapshot returns a copy of all estimates, for persistence and /status.
func (e *Estimates) Snapshot() map[string]map[int]time.Duration {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make(map[string]map[int]time.Duration)
	for key, cur := range e.est {
		if out[key.device] == nil {
			out[key.device] = make(map[int]time.Duration)
		}
		out[key.device][key.block] = cur.latency
	}
	return out
}
