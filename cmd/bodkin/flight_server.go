package main

import (
	"errors"

	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/rs/zerolog/log"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/23skdu/longbow-bodkin/internal/attention"
	"github.com/23skdu/longbow-bodkin/internal/client"
)

// BodkinFlightServer serves attention over Arrow Flight DoExchange.
// It speaks the same record layout the remote kernel sends, so one
// bodkin process can offload its fast path to another.
type BodkinFlightServer struct {
	flight.BaseFlightServer
	op    attention.Operator
	codec *client.TensorCodec
	alloc memory.Allocator
}

func NewBodkinFlightServer(op attention.Operator) *BodkinFlightServer {
	alloc := memory.NewGoAllocator()
	return &BodkinFlightServer{
		op:    op,
		codec: client.NewTensorCodec(alloc),
		alloc: alloc,
	}
}

func (s *BodkinFlightServer) DoExchange(stream flight.FlightService_DoExchangeServer) error {
	reader, err := flight.NewRecordReader(stream, ipc.WithAllocator(s.alloc))
	if err != nil {
		return status.Errorf(codes.InvalidArgument, "failed to read exchange stream: %v", err)
	}
	defer reader.Release()

	// Result records all share one schema, so a single writer serves
	// the whole stream.
	var writer *flight.Writer
	defer func() {
		if writer != nil {
			_ = writer.Close()
		}
	}()

	for reader.Next() {
		tensors, scale, err := s.codec.DecodeExchange(reader.Record())
		if err != nil {
			return status.Errorf(codes.InvalidArgument, "malformed exchange record: %v", err)
		}

		q := tensors[client.RoleQuery]
		k := tensors[client.RoleKey]
		v := tensors[client.RoleValue]
		if q == nil || k == nil || v == nil {
			return status.Error(codes.InvalidArgument, "exchange record is missing q, k, or v")
		}

		out, err := s.op.Compute(q, k, v, attention.Config{
			Scale: scale,
			Mask:  tensors[client.RoleMask],
		})
		if err != nil {
			var shapeErr *attention.ShapeError
			if errors.As(err, &shapeErr) {
				return status.Error(codes.InvalidArgument, shapeErr.Error())
			}
			return status.Errorf(codes.Internal, "attention failed: %v", err)
		}

		res, err := s.codec.EncodeResult(out)
		if err != nil {
			return status.Errorf(codes.Internal, "failed to encode result: %v", err)
		}
		if writer == nil {
			writer = flight.NewRecordWriter(stream, ipc.WithSchema(res.Schema()))
		}
		wErr := writer.Write(res)
		res.Release()
		if wErr != nil {
			return wErr
		}

		b, h, tq, _ := q.Dims()
		rowsProcessed.Add(float64(b * h * tq))
		log.Debug().Int("rows", b*h*tq).Msg("DoExchange served attention batch")
	}
	return reader.Err()
}

func StartComputeServer(addr string, op attention.Operator) {
	// Create the generic Flight Server which manages the GRPC lifecycle
	server := flight.NewFlightServer()

	// Register our custom service implementation
	server.RegisterFlightService(NewBodkinFlightServer(op))

	// Init handles the listener creation internally
	if err := server.Init(addr); err != nil {
		log.Fatal().Err(err).Msg("Failed to init Flight compute server")
	}

	log.Info().Str("addr", addr).Msg("Starting Bodkin Flight Compute Server")
	if err := server.Serve(); err != nil {
		log.Fatal().Err(err).Msg("Flight compute server failed")
	}
}
