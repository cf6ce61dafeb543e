//go:build ignore

package main

import (
	"encoding/json"
	"flag"
	"log"
	"math/rand"
	"os"

	"github.com/23skdu/longbow-bodkin/internal/attention"
	"github.com/23skdu/longbow-bodkin/internal/cache"
	"github.com/23skdu/longbow-bodkin/internal/tensor"
)

type TensorDump struct {
	Name   string    `json:"name"`
	Values []float32 `json:"values"`
	Shape  []int     `json:"shape"`
}

func main() {
	batch := flag.Int("batch", 1, "Batch size")
	heads := flag.Int("heads", 2, "Number of heads")
	targetLen := flag.Int("target", 4, "Target sequence length")
	sourceLen := flag.Int("source", 4, "Source sequence length")
	headDim := flag.Int("dim", 8, "Head dimension")
	seed := flag.Int64("seed", 42, "Seed for the input tensors")
	causal := flag.Bool("causal", false, "Apply a causal mask")
	flag.Parse()

	// 1. Deterministic inputs so dumps are comparable across runs
	rng := rand.New(rand.NewSource(*seed))
	fill := func(t *tensor.Tensor) {
		data := t.Data()
		for i := range data {
			data[i] = rng.Float32()*2 - 1
		}
	}

	q := tensor.New(*batch, *heads, *targetLen, *headDim)
	k := tensor.New(*batch, *heads, *sourceLen, *headDim)
	v := tensor.New(*batch, *heads, *sourceLen, *headDim)
	fill(q)
	fill(k)
	fill(v)

	cfg := attention.Config{}
	if *causal {
		cfg.Mask = cache.Causal(cache.NewMapCache(), *targetLen, *sourceLen)
	}

	// 2. Run the manual path keeping the post-softmax weights, so the
	// softmax can be verified in isolation from the V contraction.
	out, weights, err := attention.NewCore().ComputeWithWeights(q, k, v, cfg)
	if err != nil {
		log.Fatalf("Attention failed: %v", err)
	}

	dumps := []TensorDump{}
	dump := func(name string, t *tensor.Tensor) {
		b, h, s, d := t.Dims()
		dumps = append(dumps, TensorDump{
			Name:   name,
			Values: t.ToHost(),
			Shape:  []int{b, h, s, d},
		})
	}

	dump("q", q)
	dump("k", k)
	dump("v", v)
	dump("weights", weights)
	dump("output", out)

	enc := json.NewEncoder(os.Stdout)
	if err := enc.Encode(dumps); err != nil {
		log.Fatal(err)
	}
}
