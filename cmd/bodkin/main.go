package main

import (
	"context"
	"flag"
	"math"
	"math/rand"
	"os"
	"runtime/pprof"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"

	"github.com/23skdu/longbow-bodkin/internal/attention"
	"github.com/23skdu/longbow-bodkin/internal/block"
	"github.com/23skdu/longbow-bodkin/internal/client"
	"github.com/23skdu/longbow-bodkin/internal/engine"
	"github.com/23skdu/longbow-bodkin/internal/fastpath"
	"github.com/23skdu/longbow-bodkin/internal/simd"
	"github.com/23skdu/longbow-bodkin/internal/tensor"
)

var (
	listenAddr    = flag.String("listen", "", "Address to listen on for HTTP Server (e.g. :8080)")
	flightAddr    = flag.String("flight", "", "Address to listen on for Flight compute server (e.g. :9090)")
	fastpathMode  = flag.String("fastpath", "fused", "Fast-path kernel: off, fused, or remote")
	remoteAddr    = flag.String("remote", "", "Compute server address for -fastpath=remote")
	sinkAddr      = flag.String("sink", "", "Longbow server address to forward outputs to (e.g., localhost:3000)")
	datasetName   = flag.String("dataset", "bodkin_outputs", "Target dataset name on the sink server")
	maxConcurrent = flag.Int("max-concurrent", 16384, "Maximum number of concurrent rows to admit")
	enableOTel    = flag.Bool("otel", false, "Enable OpenTelemetry tracing (stdout)")
	cpuProfile    = flag.String("cpuprofile", "", "Write cpu profile to file")
	transportFmt  = flag.String("transport-fmt", "fp32", "Transport format for HTTP responses: 'fp32' (default) or 'fp16'")
	demoSeed      = flag.Int64("seed", 42, "Random seed for demo inputs")
	duration      = flag.Duration("duration", 0, "Run soak test for specified duration (e.g. 10s, 20m)")
)

func main() {
	// Initialize logging
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).With().Caller().Logger()

	flag.Parse()

	if *enableOTel {
		shutdown, err := initTracer()
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to initialize tracer")
		}
		defer shutdown(context.Background())
	}

	if *cpuProfile != "" {
		f, err := os.Create(*cpuProfile)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to create CPU profile file")
		}
		if err := pprof.StartCPUProfile(f); err != nil {
			log.Fatal().Err(err).Msg("Could not start CPU profile")
		}
		defer pprof.StopCPUProfile()
	}

	op := buildOperator()
	eng := engine.New(op)

	// Server Mode
	if *listenAddr != "" {
		var sink FlightSinkInterface
		if *sinkAddr != "" {
			fs, err := client.NewFlightSink(*sinkAddr)
			if err != nil {
				log.Fatal().Err(err).Msg("Failed to create flight sink")
			}
			log.Info().Str("addr", *sinkAddr).Msg("Connected to Flight sink")
			sink = fs
		}

		go startServer(*listenAddr, eng, sink, *datasetName, *maxConcurrent, *transportFmt)
		if *flightAddr == "" {
			select {}
		}
	}

	if *flightAddr != "" {
		StartComputeServer(*flightAddr, op)
		return
	}

	runDemo(op, eng)
}

// buildOperator assembles the operator stack the -fastpath flag asks
// for. "off" serves everything from the manual path.
func buildOperator() attention.Operator {
	switch *fastpathMode {
	case "off":
		return attention.NewCore()
	case "fused":
		attention.Register(fastpath.NewFusedCPU())
	case "remote":
		if *remoteAddr == "" {
			log.Fatal().Msg("-fastpath=remote requires -remote address")
		}
		rk, err := client.NewRemoteKernel(*remoteAddr)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to create remote kernel")
		}
		attention.Register(rk)
	default:
		log.Fatal().Str("mode", *fastpathMode).Msg("Unknown fastpath mode")
	}
	return attention.NewDispatcher(attention.Registered())
}

// runDemo runs a full self-attention block over synthetic activations,
// then one causal pass on raw tensors, and writes the raw result as an
// Arrow IPC stream, either to the sink server or to stdout.
func runDemo(op attention.Operator, eng *engine.Engine) {
	rng := rand.New(rand.NewSource(*demoSeed))
	batch, heads, seqLen, headDim := 2, 4, 64, 32

	req := engine.Request{
		Q:      randomDemoTensor(rng, batch, heads, seqLen, headDim),
		K:      randomDemoTensor(rng, batch, heads, seqLen, headDim),
		V:      randomDemoTensor(rng, batch, heads, seqLen, headDim),
		Causal: true,
	}

	if *duration > 0 {
		runSoak(eng, req)
		return
	}

	// Block pass: projections, head split, attention through the same
	// operator, merge, output projection.
	modelDim := heads * headDim
	blk, err := block.NewSelfAttention(modelDim, heads, op, rng)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to build self-attention block")
	}
	x := make([]float32, batch*seqLen*modelDim)
	for i := range x {
		x[i] = rng.Float32()*2 - 1
	}

	start := time.Now()
	y, err := blk.Forward(x, batch, seqLen, attention.Config{})
	if err != nil {
		log.Fatal().Err(err).Msg("Block forward failed")
	}
	log.Info().
		Int("model_dim", modelDim).
		Int("tokens", batch*seqLen).
		Float64("token0_norm", math.Sqrt(float64(simd.DotProduct(y[:modelDim], y[:modelDim])))).
		Dur("elapsed", time.Since(start)).
		Msg("Computed block forward")

	start = time.Now()
	out, err := eng.Attend(context.Background(), req)
	if err != nil {
		log.Fatal().Err(err).Msg("Attention failed")
	}
	elapsed := time.Since(start)

	rows := batch * heads * seqLen
	log.Info().
		Int("rows", rows).
		Dur("elapsed", elapsed).
		Float64("rows_per_sec", float64(rows)/elapsed.Seconds()).
		Msg("Computed attention")

	codec := client.NewTensorCodec(memory.NewGoAllocator())
	rec, err := codec.EncodeResult(out)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to encode result")
	}
	defer rec.Release()

	if *sinkAddr != "" {
		log.Info().Str("server", *sinkAddr).Str("dataset", *datasetName).Msg("Sending output to Longbow")
		sink, err := client.NewFlightSink(*sinkAddr)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to connect to Longbow")
		}
		defer func() {
			if err := sink.Close(); err != nil {
				log.Warn().Err(err).Msg("Failed to close flight sink")
			}
		}()

		ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
		defer cancel()

		if err := sink.DoPut(ctx, *datasetName, rec); err != nil {
			log.Fatal().Err(err).Msg("Flight DoPut failed")
		}
		log.Info().Msg("Successfully sent output to Longbow")
	} else {
		if err := writeArrowStream(os.Stdout, rec); err != nil {
			log.Warn().Err(err).Msg("Failed to write arrow stream")
		}
	}
}

func runSoak(eng *engine.Engine, req engine.Request) {
	log.Info().Str("duration", duration.String()).Msg("Starting soak test")

	batch, heads, seqLen, _ := req.Q.Dims()
	rowsPerIter := int64(batch * heads * seqLen)

	startTime := time.Now()
	endTime := startTime.Add(*duration)
	var totalRows int64
	var iter int

	for time.Now().Before(endTime) {
		if _, err := eng.Attend(context.Background(), req); err != nil {
			log.Fatal().Err(err).Msg("Attention failed during soak")
		}
		totalRows += rowsPerIter
		iter++

		if iter%10 == 0 {
			elapsed := time.Since(startTime)
			log.Info().
				Str("elapsed", elapsed.Round(time.Second).String()).
				Int("iter", iter).
				Int64("total_rows", totalRows).
				Float64("rps", float64(totalRows)/elapsed.Seconds()).
				Msg("Soak test progress")
		}
	}

	totalElapsed := time.Since(startTime)
	log.Info().
		Int64("total_rows", totalRows).
		Dur("total_time", totalElapsed).
		Float64("avg_rps", float64(totalRows)/totalElapsed.Seconds()).
		Msg("Soak test complete")
}

func randomDemoTensor(rng *rand.Rand, b, h, s, d int) *tensor.Tensor {
	t := tensor.New(b, h, s, d)
	data := t.Data()
	for i := range data {
		data[i] = rng.Float32()*2 - 1
	}
	return t
}

func writeArrowStream(w *os.File, rec arrow.RecordBatch) error {
	writer := ipc.NewWriter(w, ipc.WithSchema(rec.Schema()))
	if err := writer.Write(rec); err != nil {
		_ = writer.Close()
		return err
	}
	return writer.Close()
}

func initTracer() (func(context.Context) error, error) {
	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceNameKey.String("bodkin"),
		)),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	return tp.Shutdown, nil
}
