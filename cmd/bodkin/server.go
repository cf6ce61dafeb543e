package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"github.com/x448/float16"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/semaphore"

	"github.com/23skdu/longbow-bodkin/internal/attention"
	"github.com/23skdu/longbow-bodkin/internal/client"
	"github.com/23skdu/longbow-bodkin/internal/engine"
	"github.com/23skdu/longbow-bodkin/internal/tensor"
)

var (
	rowsProcessed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bodkin_rows_processed_total",
		Help: "The total number of attention rows computed",
	})

	requestDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "bodkin_request_duration_seconds",
		Help:    "Time spent processing attend requests",
		Buckets: prometheus.DefBuckets,
	})
)

type EngineInterface interface {
	Attend(ctx context.Context, req engine.Request) (*tensor.Tensor, error)
	AttendBatch(ctx context.Context, reqs []engine.Request) <-chan engine.StreamResult
}

type FlightSinkInterface interface {
	DoPut(ctx context.Context, datasetName string, record arrow.RecordBatch) error
	Close() error
}

type Server struct {
	engine       EngineInterface
	sink         FlightSinkInterface
	datasetName  string
	alloc        memory.Allocator
	codec        *client.TensorCodec
	sbPool       sync.Pool
	sem          *semaphore.Weighted
	maxWeight    int64
	transportFmt string
}

func NewServer(eng EngineInterface, sink FlightSinkInterface, dataset string, maxConcurrent int, transportFmt string) *Server {
	alloc := memory.NewGoAllocator()
	return &Server{
		engine:      eng,
		sink:        sink,
		datasetName: dataset,
		alloc:       alloc,
		codec:       client.NewTensorCodec(alloc),
		sbPool: sync.Pool{
			New: func() interface{} {
				return array.NewStringBuilder(memory.DefaultAllocator)
			},
		},
		sem:          semaphore.NewWeighted(int64(maxConcurrent)),
		maxWeight:    int64(maxConcurrent),
		transportFmt: transportFmt,
	}
}

func startServer(addr string, eng EngineInterface, sink FlightSinkInterface, dataset string, maxConcurrent int, transportFmt string) {
	srv := NewServer(eng, sink, dataset, maxConcurrent, transportFmt)

	http.Handle("/metrics", promhttp.Handler())
	http.HandleFunc("/attend", srv.handleAttend)
	http.HandleFunc("/attend/arrow", srv.handleAttendArrow)

	http.HandleFunc("/health", srv.handleHealth)

	log.Info().Str("addr", addr).Msg("Starting Bodkin Server")
	if sink != nil {
		log.Info().Msg("Forwarding outputs to Longbow at specified sink address")
	}

	if err := http.ListenAndServe(addr, nil); err != nil {
		log.Fatal().Err(err).Msg("Server failed")
	}
}

var tracer = otel.Tracer("bodkin-server")

// TensorPayload is one tensor on the CBOR wire, values flattened
// row-major.
type TensorPayload struct {
	Batch  int       `cbor:"batch"`
	Heads  int       `cbor:"heads"`
	SeqLen int       `cbor:"seq_len"`
	Dim    int       `cbor:"dim"`
	Data   []float32 `cbor:"data"`
}

func (p *TensorPayload) toTensor() (*tensor.Tensor, error) {
	return tensor.FromData(p.Batch, p.Heads, p.SeqLen, p.Dim, p.Data)
}

// AttendRequest is the body of POST /attend.
type AttendRequest struct {
	Q        TensorPayload  `cbor:"q"`
	K        TensorPayload  `cbor:"k"`
	V        TensorPayload  `cbor:"v"`
	Mask     *TensorPayload `cbor:"mask,omitempty"`
	Causal   bool           `cbor:"causal,omitempty"`
	Scale    float32        `cbor:"scale,omitempty"`
	DropoutP float32        `cbor:"dropout_p,omitempty"`
	Training bool           `cbor:"training,omitempty"`
	Seed     int64          `cbor:"seed,omitempty"`
}

func (r *AttendRequest) toEngineRequest() (engine.Request, error) {
	req := engine.Request{
		Causal:   r.Causal,
		Scale:    r.Scale,
		DropoutP: r.DropoutP,
		Training: r.Training,
		Seed:     r.Seed,
	}

	var err error
	if req.Q, err = r.Q.toTensor(); err != nil {
		return req, fmt.Errorf("q: %w", err)
	}
	if req.K, err = r.K.toTensor(); err != nil {
		return req, fmt.Errorf("k: %w", err)
	}
	if req.V, err = r.V.toTensor(); err != nil {
		return req, fmt.Errorf("v: %w", err)
	}
	if r.Mask != nil {
		if req.Mask, err = r.Mask.toTensor(); err != nil {
			return req, fmt.Errorf("mask: %w", err)
		}
	}
	return req, nil
}

// AttendResponse is the body of a successful POST /attend. Exactly one
// of Data and DataFP16 is set, depending on the transport format.
type AttendResponse struct {
	RequestID string    `cbor:"request_id"`
	Batch     int       `cbor:"batch"`
	Heads     int       `cbor:"heads"`
	SeqLen    int       `cbor:"seq_len"`
	Dim       int       `cbor:"dim"`
	Data      []float32 `cbor:"data,omitempty"`
	DataFP16  []uint16  `cbor:"data_fp16,omitempty"`
}

func (s *Server) handleAttend(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "handleAttend")
	defer span.End()

	start := time.Now()
	defer func() {
		requestDuration.Observe(time.Since(start).Seconds())
	}()

	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	requestID := uuid.NewString()
	w.Header().Set("X-Request-ID", requestID)

	var req AttendRequest
	decoder := cbor.NewDecoder(r.Body)
	if err := decoder.Decode(&req); err != nil {
		span.RecordError(err)
		http.Error(w, fmt.Sprintf("Bad Request (CBOR decode): %v", err), http.StatusBadRequest)
		return
	}

	engReq, err := req.toEngineRequest()
	if err != nil {
		span.RecordError(err)
		http.Error(w, fmt.Sprintf("Bad Request: %v", err), http.StatusBadRequest)
		return
	}

	b, h, tq, _ := engReq.Q.Dims()
	span.SetAttributes(
		attribute.Int("batch", b),
		attribute.Int("heads", h),
		attribute.Int("target_len", tq),
	)

	// Admission Control
	weight := admissionWeight(int64(b*h*tq), s.maxWeight)
	if err := s.sem.Acquire(ctx, weight); err != nil {
		log.Error().Err(err).Msg("Failed to acquire semaphore")
		http.Error(w, "Server busy", http.StatusServiceUnavailable)
		return
	}
	defer s.sem.Release(weight)

	out, err := s.engine.Attend(ctx, engReq)
	if err != nil {
		span.RecordError(err)
		var shapeErr *attention.ShapeError
		if errors.As(err, &shapeErr) {
			http.Error(w, shapeErr.Error(), http.StatusBadRequest)
		} else {
			log.Error().Err(err).Str("request_id", requestID).Msg("Attention failed")
			http.Error(w, "Internal error", http.StatusInternalServerError)
		}
		return
	}

	outB, outH, outS, outD := out.Dims()
	rowsProcessed.Add(float64(outB * outH * outS))

	if s.sink != nil {
		if err := s.forwardToSink(ctx, requestID, out); err != nil {
			log.Error().Err(err).Msg("Error forwarding output to sink")
		}
	}

	resp := AttendResponse{
		RequestID: requestID,
		Batch:     outB,
		Heads:     outH,
		SeqLen:    outS,
		Dim:       outD,
	}
	if s.transportFmt == "fp16" {
		resp.DataFP16 = toFP16(out.Data())
	} else {
		resp.Data = out.Data()
	}

	w.Header().Set("Content-Type", "application/cbor")
	if err := cbor.NewEncoder(w).Encode(resp); err != nil {
		log.Error().Err(err).Str("request_id", requestID).Msg("Failed to encode response")
	}
}

// forwardToSink ships one computed output downstream, one row per
// attention row.
func (s *Server) forwardToSink(ctx context.Context, requestID string, out *tensor.Tensor) error {
	batch, heads, seqLen, dim := out.Dims()
	rows := batch * heads * seqLen
	if rows == 0 || dim == 0 {
		return nil
	}

	// ID Column
	ib := s.sbPool.Get().(*array.StringBuilder)
	defer s.sbPool.Put(ib)
	for i := 0; i < rows; i++ {
		ib.Append(requestID)
	}
	idArr := ib.NewArray()
	defer idArr.Release()

	// Output Column
	// Zero-copy Arrow construction over the tensor's backing array.
	// The record must not outlive this call.
	resultBuf := memory.NewBufferBytes(arrow.Float32Traits.CastToBytes(out.Data()))

	fslType := arrow.FixedSizeListOf(int32(dim), arrow.PrimitiveTypes.Float32)

	valuesData := array.NewData(arrow.PrimitiveTypes.Float32, rows*dim, []*memory.Buffer{nil, resultBuf}, nil, 0, 0)
	defer valuesData.Release()

	fslData := array.NewData(
		fslType,
		rows,
		[]*memory.Buffer{nil},
		[]arrow.ArrayData{valuesData},
		0,
		0,
	)
	defer fslData.Release()
	outputArr := array.NewFixedSizeListData(fslData)
	defer outputArr.Release()

	schema := arrow.NewSchema(
		[]arrow.Field{
			{Name: "request_id", Type: arrow.BinaryTypes.String},
			{Name: "output", Type: fslType},
		},
		nil,
	)

	rb := array.NewRecordBatch(schema, []arrow.Array{idArr, outputArr}, int64(rows))
	defer rb.Release()

	return s.sink.DoPut(ctx, s.datasetName, rb)
}

func (s *Server) handleAttendArrow(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "handleAttendArrow")
	defer span.End()

	start := time.Now()
	defer func() {
		requestDuration.Observe(time.Since(start).Seconds())
	}()

	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	reader, err := ipc.NewReader(r.Body, ipc.WithAllocator(s.alloc))
	if err != nil {
		http.Error(w, fmt.Sprintf("Failed to create IPC reader: %v", err), http.StatusBadRequest)
		return
	}
	defer reader.Release()

	// Each record on the stream is one attention request.
	var reqs []engine.Request
	var totalWeight int64
	for reader.Next() {
		tensors, scale, err := s.codec.DecodeExchange(reader.Record())
		if err != nil {
			span.RecordError(err)
			http.Error(w, fmt.Sprintf("Bad Request: %v", err), http.StatusBadRequest)
			return
		}

		engReq := engine.Request{
			Q:     tensors[client.RoleQuery],
			K:     tensors[client.RoleKey],
			V:     tensors[client.RoleValue],
			Mask:  tensors[client.RoleMask],
			Scale: scale,
		}
		if engReq.Q == nil || engReq.K == nil || engReq.V == nil {
			http.Error(w, "Bad Request: stream record is missing q, k, or v", http.StatusBadRequest)
			return
		}

		b, h, tq, _ := engReq.Q.Dims()
		totalWeight += int64(b * h * tq)
		reqs = append(reqs, engReq)
	}
	if reader.Err() != nil {
		log.Error().Err(reader.Err()).Msg("Error reading Arrow stream")
		http.Error(w, "Stream error", http.StatusInternalServerError)
		return
	}

	if len(reqs) == 0 {
		w.WriteHeader(http.StatusOK)
		return
	}

	weight := admissionWeight(totalWeight, s.maxWeight)
	if err := s.sem.Acquire(ctx, weight); err != nil {
		log.Error().Err(err).Msg("Failed to acquire semaphore for arrow stream")
		http.Error(w, "Server busy", http.StatusServiceUnavailable)
		return
	}
	defer s.sem.Release(weight)

	var results []arrow.RecordBatch
	defer func() {
		for _, rec := range results {
			rec.Release()
		}
	}()

	totalRows := 0
	for res := range s.engine.AttendBatch(ctx, reqs) {
		if res.Err != nil {
			span.RecordError(res.Err)
			var shapeErr *attention.ShapeError
			if errors.As(res.Err, &shapeErr) {
				http.Error(w, fmt.Sprintf("record %d: %v", res.Index, shapeErr), http.StatusBadRequest)
			} else {
				log.Error().Err(res.Err).Int("record", res.Index).Msg("Attention failed in stream")
				http.Error(w, "Internal error", http.StatusInternalServerError)
			}
			return
		}

		b, h, tq, _ := res.Output.Dims()
		rowsProcessed.Add(float64(b * h * tq))
		totalRows += b * h * tq

		rec, err := s.codec.EncodeResult(res.Output)
		if err != nil {
			log.Error().Err(err).Msg("Failed to encode result record")
			http.Error(w, "Internal error", http.StatusInternalServerError)
			return
		}
		results = append(results, rec)
	}
	if err := ctx.Err(); err != nil {
		span.RecordError(err)
		http.Error(w, "Request canceled", http.StatusServiceUnavailable)
		return
	}

	span.SetAttributes(attribute.Int("rows", totalRows))

	w.Header().Set("Content-Type", "application/vnd.apache.arrow.stream")
	writer := ipc.NewWriter(w, ipc.WithSchema(results[0].Schema()))
	for _, rec := range results {
		if err := writer.Write(rec); err != nil {
			log.Error().Err(err).Msg("Failed to write result record")
			return
		}
	}
	if err := writer.Close(); err != nil {
		log.Error().Err(err).Msg("Failed to close IPC writer")
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// admissionWeight clamps a request's row weight to the semaphore
// capacity so oversized requests queue instead of blocking forever.
func admissionWeight(rows, max int64) int64 {
	if rows < 1 {
		return 1
	}
	if rows > max {
		return max
	}
	return rows
}

func toFP16(values []float32) []uint16 {
	out := make([]uint16, len(values))
	for i, v := range values {
		out[i] = float16.Fromfloat32(v).Bits()
	}
	return out
}
