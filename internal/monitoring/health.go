// Package monitoring serves health and status over HTTP alongside the
// Prometheus metrics endpoint.
package monitoring

import (
	"context"
	"encoding/json"
	"net/http"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/arbalest-ml/arbalest/internal/logger"
	"github.com/arbalest-ml/arbalest/internal/scheduler"
)

// StatsSource is what the monitor reads from the runtime. The scheduler
// implements it.
type StatsSource interface {
	Stats(ctx context.Context) scheduler.Stats
}

// HealthStatus is the /status payload.
type HealthStatus struct {
	Status    string          `json:"status"`
	Timestamp time.Time       `json:"timestamp"`
	Uptime    string          `json:"uptime"`
	System    SystemInfo      `json:"system"`
	Runtime   scheduler.Stats `json:"runtime"`
}

// SystemInfo describes the host process.
type SystemInfo struct {
	GoVersion    string `json:"go_version"`
	OS           string `json:"os"`
	Arch         string `json:"arch"`
	NumCPU       int    `json:"num_cpu"`
	MemoryMB     int    `json:"memory_mb"`
	MemoryUsedMB int    `json:"memory_used_mb"`
	Goroutines   int    `json:"goroutines"`
}

// Monitor serves /health, /healthz, /status and /metrics.
type Monitor struct {
	source StatsSource

	mu        sync.Mutex
	server    *http.Server
	startTime time.Time
	log       *logger.Logger
}

func NewMonitor(source StatsSource) *Monitor {
	return &Monitor{
		source:    source,
		startTime: time.Now(),
		log:       logger.Log.With("monitoring"),
	}
}

// Start serves until the listener fails or Stop is called.
func (m *Monitor) Start(addr string) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", m.handleHealth)
	mux.HandleFunc("/healthz", m.handleHealth) // Kubernetes compatibility
	mux.HandleFunc("/status", m.handleStatus)
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	m.mu.Lock()
	m.server = srv
	m.mu.Unlock()

	m.log.Info("monitor listening", "addr", addr)
	return srv.ListenAndServe()
}

// Stop shuts the server down.
func (m *Monitor) Stop(ctx context.Context) error {
	m.mu.Lock()
	srv := m.server
	m.mu.Unlock()
	if srv != nil {
		return srv.Shutdown(ctx)
	}
	return nil
}

func (m *Monitor) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{
		"status":    "healthy",
		"timestamp": time.Now().Format(time.RFC3339),
	})
}

func (m *Monitor) handleStatus(w http.ResponseWriter, r *http.Request) {
	status := HealthStatus{
		Status:    "healthy",
		Timestamp: time.Now(),
		Uptime:    time.Since(m.startTime).String(),
		System:    systemInfo(),
		Runtime:   m.source.Stats(r.Context()),
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(status)
}

func systemInfo() SystemInfo {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return SystemInfo{
		GoVersion:    runtime.Version(),
		OS:           runtime.GOOS,
		Arch:         runtime.GOARCH,
		NumCPU:       runtime.NumCPU(),
		MemoryMB:     int(ms.Sys / 1024 / 1024),
		MemoryUsedMB: int(ms.Alloc / 1024 / 1024),
		Goroutines:   runtime.NumGoroutine(),
	}
}
