package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	"github.com/23skdu/longbow-bodkin/internal/attention"
	"github.com/23skdu/longbow-bodkin/internal/tensor"
)

// ExchangeCommand tags an attention request on a DoExchange stream.
const ExchangeCommand = "attend"

const (
	remoteTimeout     = 30 * time.Second
	remoteMaxFailures = 3
	remoteRetryAfter  = 10 * time.Second
)

// RemoteKernel runs attention on a remote Flight server via
// DoExchange. It implements the fast-path kernel contract: capability
// gaps and an unreachable server both surface as declines, so the
// local manual path transparently takes over. Only genuine server
// failures propagate.
type RemoteKernel struct {
	client  flight.Client
	conn    *grpc.ClientConn
	codec   *TensorCodec
	breaker *CircuitBreaker

	// Timeout bounds one full exchange round trip.
	Timeout time.Duration
}

var _ attention.Kernel = (*RemoteKernel)(nil)

// NewRemoteKernel connects to the given compute server address.
func NewRemoteKernel(addr string) (*RemoteKernel, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, err
	}

	return &RemoteKernel{
		client:  flight.NewClientFromConn(conn, nil),
		conn:    conn,
		codec:   NewTensorCodec(memory.NewGoAllocator()),
		breaker: NewCircuitBreaker(remoteMaxFailures, remoteRetryAfter),
		Timeout: remoteTimeout,
	}, nil
}

func (r *RemoteKernel) Name() string { return "remote" }

// Attend ships the request over the wire and decodes the reply.
func (r *RemoteKernel) Attend(q, k, v *tensor.Tensor, cfg attention.Config) (*tensor.Tensor, error) {
	if cfg.Training && cfg.DropoutP > 0 {
		return nil, attention.Unsupportedf("training dropout must draw from the caller's random source")
	}
	if !r.breaker.Allow() {
		return nil, attention.Unsupportedf("remote kernel circuit open")
	}

	ctx, cancel := context.WithTimeout(context.Background(), r.Timeout)
	defer cancel()

	req, err := r.codec.EncodeExchange(q, k, v, cfg.Mask, cfg.Scale)
	if err != nil {
		return nil, fmt.Errorf("remote kernel: encode request: %w", err)
	}
	defer req.Release()

	stream, err := r.client.DoExchange(ctx)
	if err != nil {
		return nil, r.remoteErr(err)
	}

	writer := flight.NewRecordWriter(stream, ipc.WithSchema(req.Schema()))
	writer.SetFlightDescriptor(&flight.FlightDescriptor{
		Type: flight.DescriptorCMD,
		Cmd:  []byte(ExchangeCommand),
	})
	if err := writer.Write(req); err != nil {
		// A torn-down stream reports io.EOF on the send side; the
		// server's actual status only surfaces on the read side.
		if errors.Is(err, io.EOF) {
			if _, rerr := stream.Recv(); rerr != nil {
				return nil, r.remoteErr(rerr)
			}
		}
		return nil, r.remoteErr(err)
	}
	if err := writer.Close(); err != nil {
		return nil, r.remoteErr(err)
	}
	if err := stream.CloseSend(); err != nil {
		return nil, r.remoteErr(err)
	}

	reader, err := flight.NewRecordReader(stream)
	if err != nil {
		return nil, r.remoteErr(err)
	}
	defer reader.Release()

	if !reader.Next() {
		if err := reader.Err(); err != nil {
			return nil, r.remoteErr(err)
		}
		r.breaker.Failure()
		return nil, fmt.Errorf("remote kernel: server closed stream without a result")
	}

	out, err := r.codec.DecodeResult(reader.Record())
	if err != nil {
		r.breaker.Failure()
		return nil, fmt.Errorf("remote kernel: decode response: %w", err)
	}

	r.breaker.Success()
	return out, nil
}

// Close closes the underlying connection.
func (r *RemoteKernel) Close() error {
	return r.conn.Close()
}

// remoteErr maps a transport error onto the kernel contract. A server
// that answered but will not serve this request is a capability
// decline; an unreachable or slow server is a resilience decline that
// also counts against the breaker. Everything else is a real failure
// and propagates.
func (r *RemoteKernel) remoteErr(err error) error {
	switch status.Code(err) {
	case codes.InvalidArgument, codes.Unimplemented, codes.OutOfRange:
		r.breaker.Success()
		return attention.Unsupportedf("remote kernel rejected request: %v", err)
	case codes.Unavailable, codes.DeadlineExceeded, codes.Canceled:
		r.breaker.Failure()
		return attention.Unsupportedf("remote kernel unreachable: %v", err)
	default:
		r.breaker.Failure()
		return err
	}
}
