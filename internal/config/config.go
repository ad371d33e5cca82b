package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// AdmissionPolicy decides what a page allocation does when the pool is empty.
type AdmissionPolicy int

const (
	// AdmissionBlock suspends the allocating task until a finished session
	// frees pages.
	AdmissionBlock AdmissionPolicy = iota
	// AdmissionFail returns ErrResourceExhausted immediately.
	AdmissionFail
)

type Config struct {
	ManifestPath string `yaml:"manifest_path"`
	BlockDir     string `yaml:"block_dir"`

	// Paged KV cache
	PageSlots     int    `yaml:"page_slots"`     // token positions per page
	PagePool      int    `yaml:"page_pool"`      // global page budget
	PageLowWater  int    `yaml:"page_low_water"` // admission refused below this many free pages
	VectorWidth   int    `yaml:"vector_width"`   // K/V vector elements per position
	PageAdmission string `yaml:"page_admission"` // "block" or "fail"

	// Resident block cache
	GPUBudgetBytes int64 `yaml:"gpu_budget_bytes"`
	CPUBudgetBytes int64 `yaml:"cpu_budget_bytes"`

	// Worker pool
	GPUWorkers   int `yaml:"gpu_workers"`
	CPUWorkers   int `yaml:"cpu_workers"`
	QueueDepth   int `yaml:"queue_depth"`
	MaxBatchSize int `yaml:"max_batch_size"`

	// Scheduler
	MaxSessions      int `yaml:"max_sessions"`
	DefaultMaxTokens int `yaml:"default_max_tokens"`

	// Profiler
	EWMAAlpha      float64 `yaml:"ewma_alpha"`
	ProfileDBPath  string  `yaml:"profile_db_path"` // empty disables persistence
	LoadCostPerMiB float64 `yaml:"load_cost_per_mib_ms"`

	// Observability
	MetricsAddr string `yaml:"metrics_addr"`
	LogLevel    string `yaml:"log_level"`
	LogFormat   string `yaml:"log_format"`
}

func (c *Config) Validate() error {
	if c.PageSlots <= 0 {
		return fmt.Errorf("invalid page_slots: %d (must be positive)", c.PageSlots)
	}
	if c.PagePool <= 0 {
		return fmt.Errorf("invalid page_pool: %d (must be positive)", c.PagePool)
	}
	if c.PageLowWater < 0 || c.PageLowWater > c.PagePool {
		return fmt.Errorf("invalid page_low_water: %d (must be in [0, page_pool=%d])", c.PageLowWater, c.PagePool)
	}
	if c.VectorWidth <= 0 {
		return fmt.Errorf("invalid vector_width: %d (must be positive)", c.VectorWidth)
	}
	switch strings.ToLower(c.PageAdmission) {
	case "block", "fail":
	default:
		return fmt.Errorf("invalid page_admission: %q (must be block or fail)", c.PageAdmission)
	}
	if c.GPUWorkers < 0 || c.CPUWorkers < 0 {
		return fmt.Errorf("invalid worker counts: gpu=%d cpu=%d", c.GPUWorkers, c.CPUWorkers)
	}
	if c.GPUWorkers+c.CPUWorkers == 0 {
		return fmt.Errorf("no workers configured")
	}
	if c.CPUWorkers == 0 {
		return fmt.Errorf("at least one cpu worker is required for device fallback")
	}
	if c.QueueDepth <= 0 {
		return fmt.Errorf("invalid queue_depth: %d (must be positive)", c.QueueDepth)
	}
	if c.MaxBatchSize <= 0 {
		return fmt.Errorf("invalid max_batch_size: %d (must be positive)", c.MaxBatchSize)
	}
	if c.MaxSessions <= 0 {
		return fmt.Errorf("invalid max_sessions: %d (must be positive)", c.MaxSessions)
	}
	if c.DefaultMaxTokens <= 0 {
		return fmt.Errorf("invalid default_max_tokens: %d (must be positive)", c.DefaultMaxTokens)
	}
	if c.EWMAAlpha <= 0 || c.EWMAAlpha > 1 {
		return fmt.Errorf("invalid ewma_alpha: %f (must be in (0, 1])", c.EWMAAlpha)
	}
	if c.GPUWorkers > 0 && c.GPUBudgetBytes <= 0 {
		return fmt.Errorf("invalid gpu_budget_bytes: %d (must be positive with gpu workers)", c.GPUBudgetBytes)
	}
	if c.CPUBudgetBytes <= 0 {
		return fmt.Errorf("invalid cpu_budget_bytes: %d (must be positive)", c.CPUBudgetBytes)
	}
	// Page pool plus resident blocks share the CPU budget. The pool is
	// carved out up front so block residency can never squeeze it.
	if pool := c.PagePoolBytes(); pool >= c.CPUBudgetBytes {
		return fmt.Errorf("page pool (%d bytes) exceeds cpu_budget_bytes (%d)", pool, c.CPUBudgetBytes)
	}
	return nil
}

// PageBytes returns the byte size of one KV page (K and V planes).
func (c *Config) PageBytes() int64 {
	return int64(c.PageSlots) * int64(c.VectorWidth) * 2 * 4 // two float32 planes
}

// PagePoolBytes returns the byte size of the whole page pool.
func (c *Config) PagePoolBytes() int64 {
	return int64(c.PagePool) * c.PageBytes()
}

// BlockBudgetBytes returns the residency budget left after the page pool.
func (c *Config) BlockBudgetBytes() int64 {
	return c.CPUBudgetBytes - c.PagePoolBytes()
}

// Admission returns the parsed admission policy.
func (c *Config) Admission() AdmissionPolicy {
	if strings.ToLower(c.PageAdmission) == "fail" {
		return AdmissionFail
	}
	return AdmissionBlock
}

func Default() Config {
	return Config{
		PageSlots:        32,
		PagePool:         1024,
		PageLowWater:     16,
		VectorWidth:      64,
		PageAdmission:    "block",
		GPUBudgetBytes:   2 << 30,
		CPUBudgetBytes:   4 << 30,
		GPUWorkers:       1,
		CPUWorkers:       1,
		QueueDepth:       8,
		MaxBatchSize:     8,
		MaxSessions:      64,
		DefaultMaxTokens: 128,
		EWMAAlpha:        0.2,
		LoadCostPerMiB:   2.0,
		MetricsAddr:      ":9090",
		LogLevel:         "info",
		LogFormat:        "console",
	}
}

// Load reads a YAML config file over the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}
