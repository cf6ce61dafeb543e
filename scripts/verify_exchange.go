//go:build ignore

package main

import (
	"fmt"
	"math/rand"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/23skdu/longbow-bodkin/internal/attention"
	"github.com/23skdu/longbow-bodkin/internal/client"
	"github.com/23skdu/longbow-bodkin/internal/tensor"
)

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	addr := "localhost:9090"
	if len(os.Args) > 1 {
		addr = os.Args[1]
	}

	log.Info().Str("addr", addr).Msg("Connecting to Bodkin Flight Compute Server")

	rk, err := client.NewRemoteKernel(addr)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create remote kernel")
	}
	defer rk.Close()

	rng := rand.New(rand.NewSource(7))
	fill := func(t *tensor.Tensor) {
		data := t.Data()
		for i := range data {
			data[i] = rng.Float32()*2 - 1
		}
	}

	q := tensor.New(2, 4, 16, 32)
	k := tensor.New(2, 4, 24, 32)
	v := tensor.New(2, 4, 24, 32)
	fill(q)
	fill(k)
	fill(v)

	log.Info().Msg("Sending attention exchange")

	// Retry loop. Dialing is lazy, so failures surface on the first
	// Attend calls; the kernel's breaker holds open for 10s after a
	// dead start, so the loop needs room to reach a probe.
	var got *tensor.Tensor
	start := time.Now()
	for i := 0; i < 15; i++ {
		got, err = rk.Attend(q, k, v, attention.Config{})
		if err == nil {
			break
		}
		log.Warn().Err(err).Msg("Exchange failed, retrying...")
		time.Sleep(1 * time.Second)
	}
	if err != nil {
		log.Fatal().Err(err).Msg("Exchange failed after retries")
	}
	elapsed := time.Since(start)

	log.Info().Dur("elapsed", elapsed).Msg("Received output")

	want, err := attention.NewCore().Compute(q, k, v, attention.Config{})
	if err != nil {
		log.Fatal().Err(err).Msg("Local reference failed")
	}

	if !got.SameShape(want) {
		log.Fatal().Str("got", got.ShapeString()).Str("want", want.ShapeString()).Msg("Shape mismatch")
	}
	for i, gv := range got.Data() {
		if gv != want.Data()[i] {
			log.Fatal().Int("index", i).Float32("got", gv).Float32("want", want.Data()[i]).Msg("Value mismatch")
		}
	}

	log.Info().Int("values", got.Len()).Msg("Remote output matches the local core bit for bit")
	fmt.Println("VERIFICATION PASSED")
}
