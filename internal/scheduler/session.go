package scheduler

import (
	"hash/fnv"
	"math"
	"time"
)

// Status is a session's lifecycle state.
type Status int

const (
	StatusActive Status = iota
	StatusCompleted
	StatusAborted
)

func (s Status) String() string {
	switch s {
	case StatusCompleted:
		return "completed"
	case StatusAborted:
		return "aborted"
	default:
		return "active"
	}
}

// TaskRef records one executed task, in execution order.
type TaskRef struct {
	Block int
	Step  int
}

// Session is one in-progress generation request. All fields are owned by the
// scheduler's decision loop; nothing here is accessed concurrently.
type Session struct {
	ID        string
	Prompt    string
	Tokens    []int
	MaxTokens int
	Status    Status

	block      int // current pipeline position
	step       int
	activation []float32

	inflight bool // a task for (ID, block) is outstanding
	retried  bool // current task already used its fallback retry
	forceCPU bool // next dispatch must land on a CPU worker
	aborting bool // abort requested while a task was in flight

	trace       []TaskRef
	abortReason string
	startedAt   time.Time
	stepStart   time.Time
}

// ready reports whether the session wants a task dispatched.
func (s *Session) ready() bool {
	return s.Status == StatusActive && !s.inflight && !s.aborting
}

const vocabSize = 32000

// sampleToken derives the emitted token from the final block's activation.
// Deterministic stand-in for a sampler; model math is out of scope.
func sampleToken(activation []float32) int {
	h := fnv.New32a()
	var buf [4]byte
	for _, x := range activation {
		bits := math.Float32bits(x)
		buf[0] = byte(bits)
		buf[1] = byte(bits >> 8)
		buf[2] = byte(bits >> 16)
		buf[3] = byte(bits >> 24)
		h.Write(buf[:])
	}
	return int(h.Sum32() % vocabSize)
}

// promptActivation seeds the pipeline input from the prompt text.
func promptActivation(prompt string, width int) []float32 {
	out := make([]float32, width)
	h := fnv.New32a()
	h.Write([]byte(prompt))
	seed := h.Sum32()
	for i := range out {
		seed = seed*1664525 + 1013904223
		out[i] = float32(seed%2048)/1024.0 - 1.0
	}
	return out
}
