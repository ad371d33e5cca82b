package scheduler

import (
	"context"
	"sort"
	"time"

	"github.com/arbalest-ml/arbalest/internal/worker"
)

// dispatch places every ready task. Tasks at the same pipeline depth for the
// same block coalesce into one batch when their target worker batches.
func (s *Scheduler) dispatch(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}

	// Group ready sessions by target block, in stable order.
	byBlock := make(map[int][]*Session)
	blocks := make([]int, 0)
	ids := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		sess := s.sessions[id]
		if !sess.ready() {
			continue
		}
		if len(byBlock[sess.block]) == 0 {
			blocks = append(blocks, sess.block)
		}
		byBlock[sess.block] = append(byBlock[sess.block], sess)
	}
	sort.Ints(blocks)

	for _, block := range blocks {
		group := byBlock[block]
		for len(group) > 0 {
			forceCPU := group[0].forceCPU
			w := s.pickWorker(block, forceCPU)
			if w == nil {
				break // nothing online; a completion or poke retries
			}

			n := 1
			if w.Kind() == worker.KindGPU {
				n = len(group)
				if n > s.cfg.MaxBatchSize {
					n = s.cfg.MaxBatchSize
				}
				// A fallback-bound task never joins a GPU batch.
				for i := 1; i < n; i++ {
					if group[i].forceCPU {
						n = i
						break
					}
				}
			}

			tasks := make([]worker.Task, 0, n)
			for _, sess := range group[:n] {
				sess.inflight = true
				tasks = append(tasks, worker.Task{
					SessionID:  sess.ID,
					BlockIndex: block,
					Step:       sess.step,
					Input:      sess.activation,
				})
			}
			group = group[n:]

			s.inflightBatches++
			go s.runBatch(ctx, w, block, tasks)
		}
	}
}

// runBatch is the only code outside the decision loop: acquire residency,
// submit, release, report. All session mutation stays in the loop.
func (s *Scheduler) runBatch(ctx context.Context, w worker.Worker, block int, tasks []worker.Task) {
	done := &batchDone{
		workerID: w.ID(),
		device:   w.Kind().String(),
		block:    block,
		tasks:    tasks,
	}

	handle, err := s.blocks.Acquire(ctx, block)
	if err != nil {
		done.err = err
		s.doneCh <- done
		return
	}
	defer handle.Release()

	start := time.Now()
	results, err := w.Submit(ctx, &worker.Batch{BlockIndex: block, Block: handle, Tasks: tasks})
	done.elapsed = time.Since(start)
	done.results = results
	done.err = err
	s.doneCh <- done
}

// pickWorker implements the placement rule: an idle worker while the block
// is already resident wins outright; otherwise lowest estimated completion
// time including a prospective load cost; ties break on queue depth.
func (s *Scheduler) pickWorker(block int, forceCPU bool) worker.Worker {
	resident := s.blocks.Contains(block)
	loadCost := float64(0)
	if !resident {
		if desc, err := s.man.Block(block); err == nil {
			loadCost = s.cfg.LoadCostPerMiB * float64(desc.Size) / (1 << 20) // ms
		}
	}

	var best worker.Worker
	bestScore := 0.0
	bestQueue := 0
	for _, w := range s.pool.Workers() {
		if forceCPU && w.Kind() != worker.KindCPU {
			continue
		}
		if resident && w.QueueDepth() == 0 {
			return w
		}
		lat, ok := s.est.Latency(w.ID(), block)
		if !ok {
			lat = time.Millisecond
		}
		score := float64(lat.Microseconds())/1000.0*float64(w.QueueDepth()+1) + loadCost
		if best == nil || score < bestScore || (score == bestScore && w.QueueDepth() < bestQueue) {
			best = w
			bestScore = score
			bestQueue = w.QueueDepth()
		}
	}
	return best
}
