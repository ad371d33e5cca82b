// Package scheduler is the coordinator: it owns the active session set,
// advances each session through the block pipeline, places ready tasks on
// workers and drives residency loads and page allocation. All placement
// state lives in one decision-loop goroutine; external calls and worker
// completions reach it as messages, which is what makes the one-outstanding-
// task-per-(session, block) rule hold without locks.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/arbalest-ml/arbalest/internal/blockcache"
	"github.com/arbalest-ml/arbalest/internal/config"
	"github.com/arbalest-ml/arbalest/internal/errdefs"
	"github.com/arbalest-ml/arbalest/internal/kvcache"
	"github.com/arbalest-ml/arbalest/internal/logger"
	"github.com/arbalest-ml/arbalest/internal/manifest"
	"github.com/arbalest-ml/arbalest/internal/metrics"
	"github.com/arbalest-ml/arbalest/internal/profiler"
	"github.com/arbalest-ml/arbalest/internal/transport"
	"github.com/arbalest-ml/arbalest/internal/worker"
)

type admitReq struct {
	prompt    string
	maxTokens int
	reply     chan admitReply
}

type admitReply struct {
	id  string
	err error
}

type abortReq struct {
	id    string
	reply chan error
}

type traceReq struct {
	id    string
	reply chan []TaskRef
}

type batchDone struct {
	workerID string
	device   string
	block    int
	tasks    []worker.Task
	results  []worker.TaskResult
	err      error
	elapsed  time.Duration
}

// Stats is the monitoring snapshot.
type Stats struct {
	Model          string `json:"model"`
	PipelineDepth  int    `json:"pipeline_depth"`
	ActiveSessions int    `json:"active_sessions"`
	Completed      int64  `json:"completed_sessions"`
	Aborted        int64  `json:"aborted_sessions"`
	Rejected       int64  `json:"rejected_sessions"`
	TokensEmitted  int64  `json:"tokens_emitted"`
	FreePages      int    `json:"free_pages"`
	PageCapacity   int    `json:"page_capacity"`
	ResidentBlocks int    `json:"resident_blocks"`
	ResidentBytes  int64  `json:"resident_bytes"`
}

// Scheduler coordinates sessions, workers and both caches.
type Scheduler struct {
	cfg    config.Config
	man    *manifest.Manifest
	blocks *blockcache.Cache
	kv     *kvcache.Pool
	pool   *worker.Pool
	est    *profiler.Estimates
	sink   transport.TokenSink

	admitCh chan *admitReq
	abortCh chan *abortReq
	traceCh chan *traceReq
	statsCh chan chan Stats
	doneCh  chan *batchDone
	pokeCh  chan struct{}

	sessions map[string]*Session // active only
	ended    map[string]*Session // completed/aborted, pruned

	inflightBatches int
	completed       int64
	aborted         int64
	rejected        int64
	tokens          int64

	log *logger.Logger
}

// New wires a scheduler. Run must be called before Admit/Abort.
func New(cfg config.Config, man *manifest.Manifest, blocks *blockcache.Cache, kv *kvcache.Pool, pool *worker.Pool, est *profiler.Estimates, sink transport.TokenSink) *Scheduler {
	return &Scheduler{
		cfg:      cfg,
		man:      man,
		blocks:   blocks,
		kv:       kv,
		pool:     pool,
		est:      est,
		sink:     sink,
		admitCh:  make(chan *admitReq),
		abortCh:  make(chan *abortReq),
		traceCh:  make(chan *traceReq),
		statsCh:  make(chan chan Stats),
		doneCh:   make(chan *batchDone),
		pokeCh:   make(chan struct{}, 1),
		sessions: make(map[string]*Session),
		ended:    make(map[string]*Session),
		log:      logger.Log.With("scheduler"),
	}
}

// Run drives the decision loop until ctx is cancelled, then drains in-flight
// batches so no worker writes into freed pages.
func (s *Scheduler) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			for s.inflightBatches > 0 {
				done := <-s.doneCh
				s.inflightBatches--
				s.handleDone(ctx, done)
			}
			return
		case req := <-s.admitCh:
			req.reply <- s.admit(ctx, req)
		case req := <-s.abortCh:
			req.reply <- s.abort(req.id)
		case req := <-s.traceCh:
			req.reply <- s.trace(req.id)
		case reply := <-s.statsCh:
			reply <- s.stats()
		case done := <-s.doneCh:
			s.inflightBatches--
			s.handleDone(ctx, done)
		case <-s.pokeCh:
		}
		s.dispatch(ctx)
	}
}

// AdmitSession submits a prompt. Rejected (not queued) under backpressure so
// the intake side can retry rather than pile up unserviceable work.
func (s *Scheduler) AdmitSession(ctx context.Context, prompt string, maxTokens int) (string, error) {
	req := &admitReq{prompt: prompt, maxTokens: maxTokens, reply: make(chan admitReply, 1)}
	select {
	case s.admitCh <- req:
	case <-ctx.Done():
		return "", ctx.Err()
	}
	select {
	case r := <-req.reply:
		return r.id, r.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// AbortSession requests a cooperative abort: in-flight tasks finish first,
// then every resource the session holds is released.
func (s *Scheduler) AbortSession(ctx context.Context, id string) error {
	req := &abortReq{id: id, reply: make(chan error, 1)}
	select {
	case s.abortCh <- req:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-req.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Trace returns the executed task order for a session, active or ended.
func (s *Scheduler) Trace(ctx context.Context, id string) []TaskRef {
	req := &traceReq{id: id, reply: make(chan []TaskRef, 1)}
	select {
	case s.traceCh <- req:
	case <-ctx.Done():
		return nil
	}
	select {
	case t := <-req.reply:
		return t
	case <-ctx.Done():
		return nil
	}
}

// Stats returns a monitoring snapshot.
func (s *Scheduler) Stats(ctx context.Context) Stats {
	reply := make(chan Stats, 1)
	select {
	case s.statsCh <- reply:
	case <-ctx.Done():
		return Stats{}
	}
	select {
	case st := <-reply:
		return st
	case <-ctx.Done():
		return Stats{}
	}
}

func (s *Scheduler) admit(ctx context.Context, req *admitReq) admitReply {
	if len(s.sessions) >= s.cfg.MaxSessions {
		s.rejected++
		metrics.SessionsRejected.Inc()
		return admitReply{err: fmt.Errorf("session limit %d: %w", s.cfg.MaxSessions, errdefs.ErrRejected)}
	}
	// Every active session that has not yet touched the pool is owed one
	// page; count those reservations so admission never overcommits.
	reserved := 0
	for id := range s.sessions {
		if s.kv.SessionPages(id) == 0 {
			reserved++
		}
	}
	if s.kv.FreePages()-reserved-1 < s.cfg.PageLowWater {
		s.rejected++
		metrics.SessionsRejected.Inc()
		return admitReply{err: fmt.Errorf("page pool low: %w", errdefs.ErrRejected)}
	}

	maxTokens := req.maxTokens
	if maxTokens <= 0 {
		maxTokens = s.cfg.DefaultMaxTokens
	}
	now := time.Now()
	sess := &Session{
		ID:         uuid.NewString(),
		Prompt:     req.prompt,
		MaxTokens:  maxTokens,
		activation: promptActivation(req.prompt, s.cfg.VectorWidth),
		startedAt:  now,
		stepStart:  now,
	}
	s.sessions[sess.ID] = sess
	metrics.SessionsAdmitted.Inc()
	metrics.SessionsActive.Set(float64(len(s.sessions)))
	s.log.Info("session admitted", "session", sess.ID, "max_tokens", maxTokens)
	return admitReply{id: sess.ID}
}

func (s *Scheduler) abort(id string) error {
	sess, ok := s.sessions[id]
	if !ok {
		if _, ended := s.ended[id]; ended {
			return nil
		}
		return fmt.Errorf("%s: %w", id, errdefs.ErrSessionNotFound)
	}
	if sess.inflight {
		sess.aborting = true
		sess.abortReason = "requested"
		return nil
	}
	s.finish(sess, StatusAborted, "requested")
	return nil
}

func (s *Scheduler) trace(id string) []TaskRef {
	sess, ok := s.sessions[id]
	if !ok {
		sess, ok = s.ended[id]
	}
	if !ok {
		return nil
	}
	out := make([]TaskRef, len(sess.trace))
	copy(out, sess.trace)
	return out
}

func (s *Scheduler) stats() Stats {
	return Stats{
		Model:          s.man.Model,
		PipelineDepth:  s.man.NumBlocks(),
		ActiveSessions: len(s.sessions),
		Completed:      s.completed,
		Aborted:        s.aborted,
		Rejected:       s.rejected,
		TokensEmitted:  s.tokens,
		FreePages:      s.kv.FreePages(),
		PageCapacity:   s.kv.Capacity(),
		ResidentBlocks: s.blocks.ResidentCount(),
		ResidentBytes:  s.blocks.ResidentBytes(),
	}
}

// finish ends a session in either terminal state and releases everything it
// holds. Pages are freed exactly once; the session moves to the ended set.
func (s *Scheduler) finish(sess *Session, status Status, reason string) {
	sess.Status = status
	delete(s.sessions, sess.ID)
	s.kv.FreeAll(sess.ID)
	s.ended[sess.ID] = sess
	if len(s.ended) > 4096 {
		for id := range s.ended {
			delete(s.ended, id)
			if len(s.ended) <= 2048 {
				break
			}
		}
	}
	switch status {
	case StatusCompleted:
		s.completed++
		metrics.SessionsCompleted.Inc()
		s.log.Info("session completed", "session", sess.ID, "tokens", len(sess.Tokens), "elapsed", time.Since(sess.startedAt).String())
	case StatusAborted:
		s.aborted++
		metrics.RecordAbort(reason)
		s.log.Warn("session aborted", "session", sess.ID, "reason", reason)
	}
	metrics.SessionsActive.Set(float64(len(s.sessions)))
}

// handleDone folds a batch completion back into session state.
func (s *Scheduler) handleDone(ctx context.Context, done *batchDone) {
	if len(done.tasks) > 0 && done.elapsed > 0 {
		per := done.elapsed / time.Duration(len(done.tasks))
		s.est.Observe(done.workerID, done.block, per, 0)
	}

	if done.err != nil {
		s.handleBatchError(done)
		return
	}

	for i := range done.results {
		res := &done.results[i]
		sess, ok := s.sessions[res.SessionID]
		if !ok {
			continue
		}
		sess.inflight = false
		if res.Err != nil {
			s.finish(sess, StatusAborted, abortReason(res.Err))
			continue
		}
		sess.trace = append(sess.trace, TaskRef{Block: res.BlockIndex, Step: res.Step})
		sess.activation = res.Activation
		sess.retried = false
		sess.forceCPU = false

		if sess.aborting {
			s.finish(sess, StatusAborted, sess.abortReason)
			continue
		}

		sess.block++
		if sess.block < s.man.NumBlocks() {
			continue
		}

		// Final block: one token comes out and the pipeline restarts.
		token := sampleToken(sess.activation)
		sess.Tokens = append(sess.Tokens, token)
		s.tokens++
		metrics.TokensEmitted.Inc()
		metrics.RecordStep(time.Since(sess.stepStart))
		if err := s.sink.EmitToken(sess.ID, token); err != nil {
			s.log.Error("token emit failed", "session", sess.ID, "error", err)
		}
		sess.stepStart = time.Now()
		sess.block = 0
		sess.step++
		if sess.step >= sess.MaxTokens {
			s.finish(sess, StatusCompleted, "")
		}
	}
}

// handleBatchError applies the failure policy to every task in the batch.
func (s *Scheduler) handleBatchError(done *batchDone) {
	err := done.err
	s.log.Warn("batch failed", "worker", done.workerID, "block", done.block, "error", err)

	if errors.Is(err, errdefs.ErrDeviceUnavailable) {
		s.pool.MarkOffline(done.workerID)
		s.est.Invalidate(done.workerID)
	}

	for _, t := range done.tasks {
		sess, ok := s.sessions[t.SessionID]
		if !ok {
			continue
		}
		sess.inflight = false

		switch {
		case errors.Is(err, errdefs.ErrDeviceUnavailable):
			// Reassignment, not a retry: the task never ran.
		case errors.Is(err, errdefs.ErrWorkerExecution):
			if sess.retried {
				s.finish(sess, StatusAborted, "worker_execution")
				continue
			}
			sess.retried = true
			sess.forceCPU = true
			metrics.TaskRetries.Inc()
			s.log.Info("task falling back to cpu", "session", sess.ID, "block", done.block)
		case errors.Is(err, errdefs.ErrResourceExhausted):
			// Residency pressure: leave the session ready and try again
			// shortly, once references drain.
			time.AfterFunc(10*time.Millisecond, s.poke)
		default:
			s.finish(sess, StatusAborted, abortReason(err))
			continue
		}

		if sess.aborting {
			s.finish(sess, StatusAborted, sess.abortReason)
		}
	}
}

func (s *Scheduler) poke() {
	select {
	case s.pokeCh <- struct{}{}:
	default:
	}
}

func abortReason(err error) string {
	switch {
	case errors.Is(err, errdefs.ErrIntegrityMismatch):
		return "integrity_mismatch"
	case errors.Is(err, errdefs.ErrDecryptionFailed):
		return "decryption_failed"
	case errors.Is(err, errdefs.ErrPermissionDenied):
		return "permission_denied"
	case errors.Is(err, errdefs.ErrResourceExhausted):
		return "resource_exhausted"
	case errors.Is(err, errdefs.ErrWorkerExecution):
		return "worker_execution"
	default:
		return "internal"
	}
}
