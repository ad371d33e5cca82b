package worker

import (
	"encoding/binary"
	"math"
	"time"
)

// forwardOne is the stand-in forward pass: a deterministic mix of the block
// payload and the input activation. It produces the output activation plus
// the K/V vectors appended to the session's page table.
func forwardOne(weights []byte, in []float32, width int) (act, k, v []float32) {
	act = make([]float32, width)
	k = make([]float32, width)
	v = make([]float32, width)

	var seed uint32 = 2166136261
	if len(weights) >= 4 {
		seed = binary.LittleEndian.Uint32(weights[:4])
	}
	scale := float32(seed%1000)/1000.0 + 0.5

	for i := 0; i < width; i++ {
		x := float32(0)
		if len(in) > 0 {
			x = in[i%len(in)]
		}
		w := float32(1)
		if len(weights) > 0 {
			w = float32(weights[(i*7)%len(weights)])/255.0 + 0.5
		}
		y := float32(math.Tanh(float64(x*w*scale + float32(i)*0.001)))
		act[i] = y
		k[i] = y * 0.5
		v[i] = y * 0.25
	}
	return act, k, v
}

// attend folds the previous position's K/V vectors into the input, so each
// step depends on the session's accumulated cache state.
func attend(in, k, v []float32) []float32 {
	out := make([]float32, len(in))
	for i := range in {
		out[i] = in[i]
		if i < len(k) {
			out[i] += k[i] * 0.1
		}
		if i < len(v) {
			out[i] += v[i] * 0.05
		}
	}
	return out
}

// ReferenceLatency times the stub forward pass once, seeding the static
// profiler's per-device cost estimates.
func ReferenceLatency(width int) time.Duration {
	weights := make([]byte, 4096)
	in := make([]float32, width)
	for i := range in {
		in[i] = float32(i) * 0.01
	}
	start := time.Now()
	forwardOne(weights, in, width)
	return time.Since(start)
}
