package main

import (
	"context"
	"encoding/hex"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/arbalest-ml/arbalest/internal/blockcache"
	"github.com/arbalest-ml/arbalest/internal/config"
	"github.com/arbalest-ml/arbalest/internal/kvcache"
	"github.com/arbalest-ml/arbalest/internal/logger"
	"github.com/arbalest-ml/arbalest/internal/manifest"
	"github.com/arbalest-ml/arbalest/internal/monitoring"
	"github.com/arbalest-ml/arbalest/internal/profiler"
	"github.com/arbalest-ml/arbalest/internal/scheduler"
	"github.com/arbalest-ml/arbalest/internal/transport"
	"github.com/arbalest-ml/arbalest/internal/worker"
)

var (
	configPath   = flag.String("config", "", "Path to YAML config file")
	manifestPath = flag.String("manifest", "", "Path to model manifest")
	blockDir     = flag.String("blocks", "", "Directory holding encrypted block files")
	keyHex       = flag.String("key", "", "Model key (hex); defaults to $ARBALEST_MODEL_KEY")
	prompt       = flag.String("prompt", "Hello world", "Prompt to generate from")
	numTokens    = flag.Int("n", 20, "Number of tokens to generate")
	metricsAddr  = flag.String("metrics", "", "Address for health/metrics server (overrides config)")

	genModel     = flag.Bool("genmodel", false, "Generate a synthetic encrypted model and exit")
	genBlocks    = flag.Int("gen-blocks", 8, "Blocks to generate with -genmodel")
	genBlockSize = flag.Int("gen-block-size", 1<<20, "Plaintext bytes per generated block")
)

// stdoutSink prints emitted tokens, one line per token.
type stdoutSink struct{}

func (stdoutSink) EmitToken(sessionID string, token int) error {
	fmt.Printf("%s %d\n", sessionID, token)
	return nil
}

func main() {
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "config: %v\n", err)
			os.Exit(1)
		}
		cfg = loaded
	}
	if *manifestPath != "" {
		cfg.ManifestPath = *manifestPath
	}
	if *blockDir != "" {
		cfg.BlockDir = *blockDir
	}
	if *metricsAddr != "" {
		cfg.MetricsAddr = *metricsAddr
	}

	logger.Setup(cfg.LogLevel, cfg.LogFormat)
	log := logger.Log

	if *genModel {
		if cfg.ManifestPath == "" || cfg.BlockDir == "" {
			fmt.Fprintln(os.Stderr, "error: -genmodel needs -manifest and -blocks")
			os.Exit(1)
		}
		key, err := transport.GenerateModel(cfg.BlockDir, cfg.ManifestPath, "synthetic", *genBlocks, *genBlockSize)
		if err != nil {
			log.Error("model generation failed", "error", err)
			os.Exit(1)
		}
		fmt.Printf("manifest: %s\nblocks:   %s\nkey:      %s\n", cfg.ManifestPath, cfg.BlockDir, hex.EncodeToString(key))
		return
	}

	if cfg.ManifestPath == "" || cfg.BlockDir == "" {
		fmt.Fprintln(os.Stderr, "error: -manifest and -blocks are required")
		flag.Usage()
		os.Exit(1)
	}

	kh := *keyHex
	if kh == "" {
		kh = os.Getenv("ARBALEST_MODEL_KEY")
	}
	key, err := hex.DecodeString(kh)
	if err != nil || len(key) == 0 {
		fmt.Fprintln(os.Stderr, "error: a hex model key is required (-key or $ARBALEST_MODEL_KEY)")
		os.Exit(1)
	}

	man, err := manifest.Load(cfg.ManifestPath)
	if err != nil {
		log.Error("manifest load failed", "error", err)
		os.Exit(1)
	}
	log.Info("manifest loaded", "model", man.Model, "blocks", man.NumBlocks())

	host := profiler.Probe()
	log.Info("host probed", "memory_mb", host.TotalMemory/1024/1024, "cpus", host.LogicalCPUs)

	kv := kvcache.NewPool(cfg)
	blocks := blockcache.New(man, transport.NewDirFetcher(cfg.BlockDir), transport.NewStaticKeyProvider(key), cfg.BlockBudgetBytes())
	pool := worker.NewPool(cfg, kv)
	defer pool.Close()

	est := profiler.NewEstimates(cfg.EWMAAlpha)
	ref := worker.ReferenceLatency(cfg.VectorWidth)
	for _, w := range pool.Workers() {
		for b := 0; b < man.NumBlocks(); b++ {
			est.Seed(w.ID(), b, ref, 0)
		}
	}
	var store *profiler.Store
	if cfg.ProfileDBPath != "" {
		store, err = profiler.OpenStore(cfg.ProfileDBPath)
		if err != nil {
			log.Warn("profile store unavailable", "error", err)
		} else {
			defer store.Close()
			if err := store.LoadInto(est); err != nil {
				log.Warn("profile store load failed", "error", err)
			}
		}
	}

	sched := scheduler.New(cfg, man, blocks, kv, pool, est, stdoutSink{})
	monitor := monitoring.NewMonitor(sched)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		sched.Run(ctx)
		return nil
	})
	g.Go(func() error {
		if err := monitor.Start(cfg.MetricsAddr); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
		defer stop()
		return monitor.Stop(shutdownCtx)
	})

	id, err := sched.AdmitSession(ctx, *prompt, *numTokens)
	if err != nil {
		log.Error("admission failed", "error", err)
		cancel()
		g.Wait()
		os.Exit(1)
	}
	log.Info("session started", "session", id, "tokens", *numTokens)

	// One-shot mode: wait for the session to finish, then shut down.
	g.Go(func() error {
		ticker := time.NewTicker(100 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				st := sched.Stats(ctx)
				if st.Completed+st.Aborted > 0 && st.ActiveSessions == 0 {
					cancel()
					return nil
				}
			}
		}
	})

	if err := g.Wait(); err != nil {
		log.Error("runtime error", "error", err)
	}
	if store != nil {
		if err := store.Save(est); err != nil {
			log.Warn("profile store save failed", "error", err)
		}
	}
	log.Info("shutdown complete")
}
