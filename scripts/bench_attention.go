//go:build ignore

package main

import (
	"fmt"
	"math/rand"
	"time"

	"github.com/23skdu/longbow-bodkin/internal/attention"
	"github.com/23skdu/longbow-bodkin/internal/fastpath"
	"github.com/23skdu/longbow-bodkin/internal/tensor"
)

func main() {
	// Shape matching a bert-tiny style self-attention workload
	batch := 2
	heads := 8
	seqLen := 128
	headDim := 64

	rng := rand.New(rand.NewSource(1))
	fill := func(t *tensor.Tensor) {
		data := t.Data()
		for i := range data {
			data[i] = rng.Float32()*2 - 1
		}
	}

	q := tensor.New(batch, heads, seqLen, headDim)
	k := tensor.New(batch, heads, seqLen, headDim)
	v := tensor.New(batch, heads, seqLen, headDim)
	fill(q)
	fill(k)
	fill(v)

	rows := batch * heads * seqLen

	core := attention.NewCore()
	fused := fastpath.NewFusedCPU()

	benchmark := func(name string, iters int, compute func() error) {
		// Warmup
		if err := compute(); err != nil {
			panic(err)
		}

		// Timed run
		start := time.Now()
		for i := 0; i < iters; i++ {
			if err := compute(); err != nil {
				panic(err)
			}
		}
		elapsed := time.Since(start)

		throughput := float64(rows*iters) / elapsed.Seconds()
		fmt.Printf("%s - %d iters: %.2fs (%.0f rows/s)\n", name, iters, elapsed.Seconds(), throughput)
	}

	fmt.Println("\n--- Bodkin Attention Benchmark ---")
	benchmark("Manual path", 50, func() error {
		_, err := core.Compute(q, k, v, attention.Config{})
		return err
	})
	benchmark("Fused kernel", 50, func() error {
		_, err := fused.Attend(q, k, v, attention.Config{})
		return err
	})
}
