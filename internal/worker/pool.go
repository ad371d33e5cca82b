package worker

import (
	"fmt"
	"sync"

	"github.com/arbalest-ml/arbalest/internal/config"
	"github.com/arbalest-ml/arbalest/internal/errdefs"
	"github.com/arbalest-ml/arbalest/internal/kvcache"
	"github.com/arbalest-ml/arbalest/internal/logger"
	"github.com/arbalest-ml/arbalest/internal/metrics"
)

// Pool owns the worker set created from discovered hardware at startup.
type Pool struct {
	mu      sync.Mutex
	workers []*device
	offline map[string]bool
	log     *logger.Logger
}

// NewPool builds cfg.GPUWorkers GPU devices and cfg.CPUWorkers CPU devices,
// all draining KV writes into the shared page pool.
func NewPool(cfg config.Config, kv *kvcache.Pool) *Pool {
	p := &Pool{offline: make(map[string]bool), log: logger.Log.With("pool")}
	for i := 0; i < cfg.GPUWorkers; i++ {
		id := fmt.Sprintf("gpu%d", i)
		p.workers = append(p.workers, newDevice(id, KindGPU, cfg.GPUBudgetBytes, cfg.QueueDepth, cfg.VectorWidth, kv))
	}
	for i := 0; i < cfg.CPUWorkers; i++ {
		id := fmt.Sprintf("cpu%d", i)
		p.workers = append(p.workers, newDevice(id, KindCPU, cfg.CPUBudgetBytes, cfg.QueueDepth, cfg.VectorWidth, kv))
	}
	return p
}

// Workers returns the online workers.
func (p *Pool) Workers() []Worker {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Worker, 0, len(p.workers))
	for _, w := range p.workers {
		if !p.offline[w.ID()] {
			out = append(out, w)
		}
	}
	return out
}

// Get returns a worker by id, online or not.
func (p *Pool) Get(id string) (Worker, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, w := range p.workers {
		if w.ID() == id {
			return w, true
		}
	}
	return nil, false
}

// Fallback returns an online CPU worker for device-fallback retries.
func (p *Pool) Fallback() (Worker, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, w := range p.workers {
		if w.Kind() == KindCPU && !p.offline[w.ID()] {
			return w, nil
		}
	}
	return nil, fmt.Errorf("no cpu worker online: %w", errdefs.ErrDeviceUnavailable)
}

// MarkOffline removes a worker from placement. Its queued work is the
// scheduler's to reassign.
func (p *Pool) MarkOffline(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.offline[id] {
		p.offline[id] = true
		metrics.WorkersOffline.Set(float64(len(p.offline)))
		p.log.Warn("worker offline", "worker", id)
	}
}

// Online reports whether a worker is available for placement.
func (p *Pool) Online(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.offline[id]
}

// FailNext injects a fault into a specific worker's next batch.
func (p *Pool) FailNext(id string, err error) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, w := range p.workers {
		if w.ID() == id {
			w.FailNext(err)
			return true
		}
	}
	return false
}

// FailNextBlock injects a fault for the next batch of one block on a worker.
func (p *Pool) FailNextBlock(id string, block int, err error) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, w := range p.workers {
		if w.ID() == id {
			w.FailNextBlock(block, err)
			return true
		}
	}
	return false
}

// Close shuts every worker down.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, w := range p.workers {
		w.Close()
	}
}
