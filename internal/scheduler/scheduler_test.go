package scheduler

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/arbalest-ml/arbalest/internal/blockcache"
	"github.com/arbalest-ml/arbalest/internal/config"
	"github.com/arbalest-ml/arbalest/internal/errdefs"
	"github.com/arbalest-ml/arbalest/internal/kvcache"
	"github.com/arbalest-ml/arbalest/internal/manifest"
	"github.com/arbalest-ml/arbalest/internal/profiler"
	"github.com/arbalest-ml/arbalest/internal/transport"
	"github.com/arbalest-ml/arbalest/internal/worker"
)

type rig struct {
	cfg      config.Config
	man      *manifest.Manifest
	blockDir string
	keys     *transport.StaticKeyProvider
	kv       *kvcache.Pool
	pool     *worker.Pool
	sink     *transport.CollectorSink
	sched    *Scheduler
}

func testConfig() config.Config {
	cfg := config.Default()
	cfg.PagePool = 64
	cfg.PageSlots = 16
	cfg.PageLowWater = 0
	cfg.VectorWidth = 8
	cfg.GPUWorkers = 1
	cfg.CPUWorkers = 1
	cfg.MaxSessions = 8
	cfg.DefaultMaxTokens = 4
	return cfg
}

func newRig(t *testing.T, blocks int, mutate func(*config.Config)) *rig {
	t.Helper()
	dir := t.TempDir()
	blockDir := filepath.Join(dir, "blocks")
	manifestPath := filepath.Join(dir, "manifest.json")
	key, err := transport.GenerateModel(blockDir, manifestPath, "test", blocks, 512)
	if err != nil {
		t.Fatal(err)
	}
	man, err := manifest.Load(manifestPath)
	if err != nil {
		t.Fatal(err)
	}

	cfg := testConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("test config invalid: %v", err)
	}

	keys := transport.NewStaticKeyProvider(key)
	kv := kvcache.NewPool(cfg)
	bc := blockcache.New(man, transport.NewDirFetcher(blockDir), keys, 1<<20)
	pool := worker.NewPool(cfg, kv)
	est := profiler.NewEstimates(cfg.EWMAAlpha)
	sink := transport.NewCollectorSink()
	sched := New(cfg, man, bc, kv, pool, est, sink)

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan struct{})
	go func() {
		sched.Run(ctx)
		close(runDone)
	}()
	t.Cleanup(func() {
		cancel()
		<-runDone
		pool.Close()
	})

	return &rig{
		cfg:      cfg,
		man:      man,
		blockDir: blockDir,
		keys:     keys,
		kv:       kv,
		pool:     pool,
		sink:     sink,
		sched:    sched,
	}
}

func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func (r *rig) stats() Stats {
	return r.sched.Stats(context.Background())
}

func TestSingleSessionPipelineOrder(t *testing.T) {
	r := newRig(t, 4, nil)
	ctx := context.Background()

	id, err := r.sched.AdmitSession(ctx, "the quick brown fox", 3)
	if err != nil {
		t.Fatalf("AdmitSession: %v", err)
	}

	waitFor(t, 5*time.Second, "session completion", func() bool {
		return r.stats().Completed == 1
	})

	trace := r.sched.Trace(ctx, id)
	if len(trace) != 12 {
		t.Fatalf("trace has %d tasks, want 12", len(trace))
	}
	for i, ref := range trace {
		wantBlock := i % 4
		wantStep := i / 4
		if ref.Block != wantBlock || ref.Step != wantStep {
			t.Fatalf("trace[%d] = block %d step %d, want block %d step %d",
				i, ref.Block, ref.Step, wantBlock, wantStep)
		}
	}

	tokens := r.sink.Tokens(id)
	if len(tokens) != 3 {
		t.Errorf("emitted %d tokens, want 3", len(tokens))
	}
	st := r.stats()
	if st.TokensEmitted != 3 || st.ActiveSessions != 0 {
		t.Errorf("stats tokens=%d active=%d, want 3/0", st.TokensEmitted, st.ActiveSessions)
	}
	if st.FreePages != st.PageCapacity {
		t.Errorf("free pages = %d after completion, want %d", st.FreePages, st.PageCapacity)
	}
}

func TestWorkerFaultFallsBackToCPU(t *testing.T) {
	r := newRig(t, 4, nil)
	ctx := context.Background()

	// The GPU fails its next pass over block 2; the session must finish on
	// the CPU fallback without losing a token.
	r.pool.FailNextBlock("gpu0", 2, errdefs.ErrWorkerExecution)

	id, err := r.sched.AdmitSession(ctx, "fault tolerant", 2)
	if err != nil {
		t.Fatal(err)
	}

	waitFor(t, 5*time.Second, "session completion", func() bool {
		return r.stats().Completed == 1
	})

	st := r.stats()
	if st.Aborted != 0 {
		t.Errorf("aborted = %d, want 0", st.Aborted)
	}
	if got := len(r.sink.Tokens(id)); got != 2 {
		t.Errorf("emitted %d tokens, want 2", got)
	}
	trace := r.sched.Trace(ctx, id)
	if len(trace) != 8 {
		t.Fatalf("trace has %d tasks, want 8", len(trace))
	}
	for i, ref := range trace {
		if ref.Block != i%4 || ref.Step != i/4 {
			t.Fatalf("trace[%d] = %+v, out of pipeline order after fallback", i, ref)
		}
	}
}

func TestRepeatedWorkerFaultAborts(t *testing.T) {
	r := newRig(t, 2, nil)
	ctx := context.Background()

	// The first pass fails on the GPU, the fallback retry fails on the CPU.
	// One retry is the limit, so the session aborts.
	r.pool.FailNext("gpu0", errdefs.ErrWorkerExecution)
	r.pool.FailNext("cpu0", errdefs.ErrWorkerExecution)

	id, err := r.sched.AdmitSession(ctx, "doomed", 2)
	if err != nil {
		t.Fatal(err)
	}

	waitFor(t, 5*time.Second, "session abort", func() bool {
		return r.stats().Aborted == 1
	})
	if got := len(r.sink.Tokens(id)); got != 0 {
		t.Errorf("aborted session emitted %d tokens", got)
	}
}

func TestCorruptBlockAbortsSession(t *testing.T) {
	r := newRig(t, 4, nil)
	ctx := context.Background()

	path := filepath.Join(r.blockDir, transport.BlockFileName(1))
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	data[0] ^= 0xff
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}

	id, err := r.sched.AdmitSession(ctx, "tampered", 2)
	if err != nil {
		t.Fatal(err)
	}

	waitFor(t, 5*time.Second, "session abort", func() bool {
		return r.stats().Aborted == 1
	})

	// Block 0 ran; nothing past the integrity failure did.
	trace := r.sched.Trace(ctx, id)
	if len(trace) != 1 || trace[0].Block != 0 {
		t.Fatalf("trace = %+v, want exactly block 0", trace)
	}
	if got := len(r.sink.Tokens(id)); got != 0 {
		t.Errorf("aborted session emitted %d tokens", got)
	}
	st := r.stats()
	if st.FreePages != st.PageCapacity {
		t.Errorf("free pages = %d after abort, want %d", st.FreePages, st.PageCapacity)
	}
}

func TestDeniedKeyAbortsSession(t *testing.T) {
	r := newRig(t, 3, nil)
	r.keys.Deny(1)

	if _, err := r.sched.AdmitSession(context.Background(), "unlicensed", 2); err != nil {
		t.Fatal(err)
	}
	waitFor(t, 5*time.Second, "session abort", func() bool {
		return r.stats().Aborted == 1
	})
}

func TestAdmissionPageBackpressure(t *testing.T) {
	r := newRig(t, 1, func(c *config.Config) {
		c.PagePool = 2
		c.PageSlots = 64
		c.PageLowWater = 0
		c.MaxSessions = 8
	})
	ctx := context.Background()

	// Two sessions fit the two-page pool; the third is refused outright
	// rather than queued against pages that may never free.
	a, err := r.sched.AdmitSession(ctx, "first", 40)
	if err != nil {
		t.Fatalf("first admit: %v", err)
	}
	b, err := r.sched.AdmitSession(ctx, "second", 40)
	if err != nil {
		t.Fatalf("second admit: %v", err)
	}
	if _, err := r.sched.AdmitSession(ctx, "third", 40); !errors.Is(err, errdefs.ErrRejected) {
		t.Fatalf("third admit error = %v, want ErrRejected", err)
	}

	waitFor(t, 10*time.Second, "both sessions completing", func() bool {
		return r.stats().Completed == 2
	})
	st := r.stats()
	if st.Rejected != 1 {
		t.Errorf("rejected = %d, want 1", st.Rejected)
	}
	if got := len(r.sink.Tokens(a)); got != 40 {
		t.Errorf("session a emitted %d tokens, want 40", got)
	}
	if got := len(r.sink.Tokens(b)); got != 40 {
		t.Errorf("session b emitted %d tokens, want 40", got)
	}
	if st.FreePages != 2 {
		t.Errorf("free pages = %d after completion, want 2", st.FreePages)
	}
}

func TestMaxSessionsRejection(t *testing.T) {
	r := newRig(t, 1, func(c *config.Config) { c.MaxSessions = 1 })
	ctx := context.Background()

	id, err := r.sched.AdmitSession(ctx, "only", 1000)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := r.sched.AdmitSession(ctx, "overflow", 1); !errors.Is(err, errdefs.ErrRejected) {
		t.Fatalf("error = %v, want ErrRejected", err)
	}

	if err := r.sched.AbortSession(ctx, id); err != nil {
		t.Fatalf("AbortSession: %v", err)
	}
	waitFor(t, 5*time.Second, "abort to land", func() bool {
		return r.stats().Aborted == 1
	})
}

func TestAbortReleasesResources(t *testing.T) {
	r := newRig(t, 2, nil)
	ctx := context.Background()

	id, err := r.sched.AdmitSession(ctx, "long running", 10000)
	if err != nil {
		t.Fatal(err)
	}
	// Let it make some progress first.
	waitFor(t, 5*time.Second, "first token", func() bool {
		return len(r.sink.Tokens(id)) > 0
	})

	if err := r.sched.AbortSession(ctx, id); err != nil {
		t.Fatalf("AbortSession: %v", err)
	}
	waitFor(t, 5*time.Second, "abort to land", func() bool {
		return r.stats().Aborted == 1
	})

	st := r.stats()
	if st.ActiveSessions != 0 {
		t.Errorf("active sessions = %d after abort, want 0", st.ActiveSessions)
	}
	if st.FreePages != st.PageCapacity {
		t.Errorf("free pages = %d after abort, want %d", st.FreePages, st.PageCapacity)
	}

	// Aborting twice is idempotent; unknown sessions are an error.
	if err := r.sched.AbortSession(ctx, id); err != nil {
		t.Errorf("second abort: %v", err)
	}
	if err := r.sched.AbortSession(ctx, "no-such-id"); !errors.Is(err, errdefs.ErrSessionNotFound) {
		t.Errorf("unknown abort error = %v, want ErrSessionNotFound", err)
	}
}

func TestDeviceLossTakesWorkerOffline(t *testing.T) {
	r := newRig(t, 2, nil)
	ctx := context.Background()

	r.pool.FailNext("gpu0", errdefs.ErrDeviceUnavailable)

	id, err := r.sched.AdmitSession(ctx, "resilient", 2)
	if err != nil {
		t.Fatal(err)
	}
	waitFor(t, 5*time.Second, "session completion", func() bool {
		return r.stats().Completed == 1
	})

	if r.pool.Online("gpu0") {
		t.Error("gpu0 still online after device loss")
	}
	if got := len(r.sink.Tokens(id)); got != 2 {
		t.Errorf("emitted %d tokens, want 2", got)
	}
}

func TestConcurrentSessionsAllComplete(t *testing.T) {
	r := newRig(t, 2, nil)
	ctx := context.Background()

	ids := make([]string, 3)
	for i := range ids {
		id, err := r.sched.AdmitSession(ctx, "shared prompt", 3)
		if err != nil {
			t.Fatalf("admit %d: %v", i, err)
		}
		ids[i] = id
	}

	waitFor(t, 10*time.Second, "all sessions completing", func() bool {
		return r.stats().Completed == 3
	})
	for _, id := range ids {
		if got := len(r.sink.Tokens(id)); got != 3 {
			t.Errorf("session %s emitted %d tokens, want 3", id, got)
		}
	}
	st := r.stats()
	if st.FreePages != st.PageCapacity {
		t.Errorf("free pages = %d, want %d", st.FreePages, st.PageCapacity)
	}
}

func TestStatsSnapshot(t *testing.T) {
	r := newRig(t, 3, nil)
	st := r.stats()
	if st.Model != "test" {
		t.Errorf("model = %q, want test", st.Model)
	}
	if st.PipelineDepth != 3 {
		t.Errorf("pipeline depth = %d, want 3", st.PipelineDepth)
	}
	if st.PageCapacity != r.cfg.PagePool {
		t.Errorf("page capacity = %d, want %d", st.PageCapacity, r.cfg.PagePool)
	}
}

func TestTraceUnknownSession(t *testing.T) {
	r := newRig(t, 2, nil)
	if trace := r.sched.Trace(context.Background(), "nope"); trace != nil {
		t.Errorf("Trace(unknown) = %v, want nil", trace)
	}
}

func TestSampleTokenRange(t *testing.T) {
	acts := [][]float32{
		promptActivation("a", 8),
		promptActivation("b", 8),
		promptActivation("", 8),
	}
	for _, act := range acts {
		tok := sampleToken(act)
		if tok < 0 || tok >= vocabSize {
			t.Errorf("sampleToken = %d outside [0, %d)", tok, vocabSize)
		}
		if again := sampleToken(act); again != tok {
			t.Error("sampleToken is not deterministic")
		}
	}
}

func TestPromptActivation(t *testing.T) {
	a := promptActivation("hello", 16)
	b := promptActivation("hello", 16)
	c := promptActivation("world", 16)

	if len(a) != 16 {
		t.Fatalf("width = %d, want 16", len(a))
	}
	same := true
	for i := range a {
		if a[i] != b[i] {
			t.Fatal("promptActivation is not deterministic")
		}
		if a[i] != c[i] {
			same = false
		}
		if a[i] < -1 || a[i] > 1 {
			t.Errorf("activation[%d] = %v outside [-1, 1]", i, a[i])
		}
	}
	if same {
		t.Error("different prompts produced identical activations")
	}
}
