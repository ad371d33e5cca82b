// Package worker runs block forward passes. A worker is one compute device
// with a bounded task queue; GPU workers merge same-block tasks into one
// batched pass, CPU workers execute one task at a time. The model math
// itself is a deterministic stand-in: this package's contract is execution,
// KV writes and activations, not attention correctness.
package worker

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/arbalest-ml/arbalest/internal/blockcache"
	"github.com/arbalest-ml/arbalest/internal/errdefs"
	"github.com/arbalest-ml/arbalest/internal/kvcache"
	"github.com/arbalest-ml/arbalest/internal/logger"
	"github.com/arbalest-ml/arbalest/internal/metrics"
)

// DeviceKind is the closed set of worker variants.
type DeviceKind int

const (
	KindCPU DeviceKind = iota
	KindGPU
)

func (k DeviceKind) String() string {
	if k == KindGPU {
		return "gpu"
	}
	return "cpu"
}

// Task is one block execution for one session at one step.
type Task struct {
	SessionID  string
	BlockIndex int
	Step       int
	Input      []float32
}

// TaskResult carries a task's output activation back to the scheduler.
type TaskResult struct {
	SessionID  string
	BlockIndex int
	Step       int
	Activation []float32
	Err        error
}

// Batch is a set of same-block tasks dispatched together. The block handle
// is borrowed from the resident cache; the scheduler releases it after the
// batch completes.
type Batch struct {
	BlockIndex int
	Block      *blockcache.BlockHandle
	Tasks      []Task
}

// Worker is one compute device.
type Worker interface {
	ID() string
	Kind() DeviceKind
	MemoryBudget() int64
	QueueDepth() int
	// Submit executes a batch and returns per-task results. Synchronous
	// from the caller's perspective; the worker serializes batches through
	// its queue.
	Submit(ctx context.Context, b *Batch) ([]TaskResult, error)
	Close()
}

type job struct {
	ctx   context.Context
	batch *Batch
	reply chan jobReply
}

type jobReply struct {
	results []TaskResult
	err     error
}

// device is the shared implementation behind both worker kinds.
type device struct {
	id     string
	kind   DeviceKind
	budget int64
	kv     *kvcache.Pool
	width  int

	queue   chan *job
	pending atomic.Int32

	failMu    sync.Mutex
	failNext  error
	failBlock int // -1 means any block

	closeOnce sync.Once
	log       *logger.Logger
}

func newDevice(id string, kind DeviceKind, budget int64, queueDepth, width int, kv *kvcache.Pool) *device {
	d := &device{
		id:     id,
		kind:   kind,
		budget: budget,
		kv:     kv,
		width:  width,
		queue:  make(chan *job, queueDepth),
		log:    logger.Log.With("worker"),
	}
	go d.run()
	return d
}

func (d *device) ID() string          { return d.id }
func (d *device) Kind() DeviceKind    { return d.kind }
func (d *device) MemoryBudget() int64 { return d.budget }
func (d *device) QueueDepth() int     { return int(d.pending.Load()) }

func (d *device) Close() {
	d.closeOnce.Do(func() { close(d.queue) })
}

// FailNext makes the next batch on this worker fail with err. Test and
// fault-injection hook.
func (d *device) FailNext(err error) {
	d.failMu.Lock()
	d.failNext = err
	d.failBlock = -1
	d.failMu.Unlock()
}

// FailNextBlock arms a fault for the next batch targeting one block.
func (d *device) FailNextBlock(block int, err error) {
	d.failMu.Lock()
	d.failNext = err
	d.failBlock = block
	d.failMu.Unlock()
}

func (d *device) takeInjectedFault(block int) error {
	d.failMu.Lock()
	defer d.failMu.Unlock()
	if d.failNext == nil {
		return nil
	}
	if d.failBlock >= 0 && d.failBlock != block {
		return nil
	}
	err := d.failNext
	d.failNext = nil
	return err
}

func (d *device) Submit(ctx context.Context, b *Batch) ([]TaskResult, error) {
	j := &job{ctx: ctx, batch: b, reply: make(chan jobReply, 1)}
	d.pending.Add(1)
	defer d.pending.Add(-1)
	select {
	case d.queue <- j:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case r := <-j.reply:
		return r.results, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (d *device) run() {
	for j := range d.queue {
		results, err := d.exec(j.ctx, j.batch)
		j.reply <- jobReply{results: results, err: err}
	}
}

func (d *device) exec(ctx context.Context, b *Batch) ([]TaskResult, error) {
	if err := d.takeInjectedFault(b.BlockIndex); err != nil {
		return nil, fmt.Errorf("%s: %w", d.id, err)
	}
	if b.Block == nil {
		return nil, fmt.Errorf("%s: no resident block handle: %w", d.id, errdefs.ErrWorkerExecution)
	}

	start := time.Now()
	weights := b.Block.Data()
	results := make([]TaskResult, len(b.Tasks))

	if d.kind == KindGPU {
		// One merged pass over the whole batch.
		metrics.BatchSize.Observe(float64(len(b.Tasks)))
		for i := range b.Tasks {
			results[i] = d.runTask(ctx, weights, &b.Tasks[i])
		}
	} else {
		for i := range b.Tasks {
			results[i] = d.runTask(ctx, weights, &b.Tasks[i])
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
	}

	metrics.RecordTask(d.kind.String(), time.Since(start))
	return results, nil
}

func (d *device) runTask(ctx context.Context, weights []byte, t *Task) TaskResult {
	res := TaskResult{SessionID: t.SessionID, BlockIndex: t.BlockIndex, Step: t.Step}

	in := t.Input
	if pos := d.kv.Positions(t.SessionID, t.BlockIndex); pos > 0 {
		if pk, pv, err := d.kv.ReadSlice(t.SessionID, t.BlockIndex, pos-1); err == nil {
			in = attend(in, pk, pv)
		}
	}
	act, k, v := forwardOne(weights, in, d.width)
	if err := d.kv.Append(ctx, t.SessionID, t.BlockIndex, k, v); err != nil {
		res.Err = err
		return res
	}
	res.Activation = act
	return res
}
