package client

import (
	"errors"
	"math/rand"
	"sync/atomic"
	"testing"

	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/23skdu/longbow-bodkin/internal/attention"
	"github.com/23skdu/longbow-bodkin/internal/tensor"
)

// mockAttendServer answers DoExchange the way a compute peer would:
// decode, run the core, encode. A non-OK fail code makes it reject
// every stream instead.
type mockAttendServer struct {
	flight.BaseFlightServer
	codec *TensorCodec
	op    attention.Operator
	fail  codes.Code
	calls int64
}

func (s *mockAttendServer) DoExchange(stream flight.FlightService_DoExchangeServer) error {
	atomic.AddInt64(&s.calls, 1)
	if s.fail != codes.OK {
		return status.Error(s.fail, "induced failure")
	}

	rdr, err := flight.NewRecordReader(stream)
	if err != nil {
		return status.Error(codes.InvalidArgument, err.Error())
	}
	defer rdr.Release()

	if !rdr.Next() {
		return status.Error(codes.InvalidArgument, "stream carries no request record")
	}

	tensors, scale, err := s.codec.DecodeExchange(rdr.Record())
	if err != nil {
		return status.Error(codes.InvalidArgument, err.Error())
	}

	out, err := s.op.Compute(
		tensors[RoleQuery], tensors[RoleKey], tensors[RoleValue],
		attention.Config{Scale: scale, Mask: tensors[RoleMask]},
	)
	if err != nil {
		return status.Error(codes.Internal, err.Error())
	}

	resp, err := s.codec.EncodeResult(out)
	if err != nil {
		return status.Error(codes.Internal, err.Error())
	}
	defer resp.Release()

	w := flight.NewRecordWriter(stream, ipc.WithSchema(resp.Schema()))
	if err := w.Write(resp); err != nil {
		return err
	}
	return w.Close()
}

func startAttendServer(t *testing.T, fail codes.Code) (*mockAttendServer, string) {
	t.Helper()

	mock := &mockAttendServer{
		codec: NewTensorCodec(memory.NewGoAllocator()),
		op:    attention.NewCore(),
		fail:  fail,
	}
	server := flight.NewServerWithMiddleware(nil)
	server.RegisterFlightService(mock)

	require.NoError(t, server.Init("localhost:0"))
	go func() {
		_ = server.Serve()
	}()
	t.Cleanup(server.Shutdown)

	return mock, server.Addr().String()
}

func randomClientTensor(rng *rand.Rand, b, h, s, d int) *tensor.Tensor {
	t := tensor.New(b, h, s, d)
	data := t.Data()
	for i := range data {
		data[i] = rng.Float32()*2 - 1
	}
	return t
}

func TestRemoteKernel_ComputesRemotely(t *testing.T) {
	_, addr := startAttendServer(t, codes.OK)

	rk, err := NewRemoteKernel(addr)
	require.NoError(t, err)
	defer rk.Close()

	rng := rand.New(rand.NewSource(3))
	q := randomClientTensor(rng, 2, 2, 4, 8)
	k := randomClientTensor(rng, 2, 2, 6, 8)
	v := randomClientTensor(rng, 2, 2, 6, 8)

	got, err := rk.Attend(q, k, v, attention.Config{})
	require.NoError(t, err)

	want, err := attention.NewCore().Compute(q, k, v, attention.Config{})
	require.NoError(t, err)
	assert.Equal(t, want.Data(), got.Data(), "remote result must match the local core bit for bit")
	assert.Equal(t, StateClosed, rk.breaker.State())
}

func TestRemoteKernel_MaskAndScaleTravel(t *testing.T) {
	_, addr := startAttendServer(t, codes.OK)

	rk, err := NewRemoteKernel(addr)
	require.NoError(t, err)
	defer rk.Close()

	rng := rand.New(rand.NewSource(5))
	q := randomClientTensor(rng, 1, 2, 3, 4)
	k := randomClientTensor(rng, 1, 2, 5, 4)
	v := randomClientTensor(rng, 1, 2, 5, 4)
	mask := tensor.New(1, 1, 3, 5)
	for j := 2; j < 5; j++ {
		mask.Set(0, 0, 0, j, -1e9)
	}

	cfg := attention.Config{Mask: mask, Scale: 0.37}
	got, err := rk.Attend(q, k, v, cfg)
	require.NoError(t, err)

	want, err := attention.NewCore().Compute(q, k, v, cfg)
	require.NoError(t, err)
	assert.Equal(t, want.Data(), got.Data())
}

func TestRemoteKernel_DeclinesTrainingDropout(t *testing.T) {
	mock, addr := startAttendServer(t, codes.OK)

	rk, err := NewRemoteKernel(addr)
	require.NoError(t, err)
	defer rk.Close()

	q := randomClientTensor(rand.New(rand.NewSource(7)), 1, 1, 2, 4)
	cfg := attention.Config{DropoutP: 0.1, Training: true, Rand: rand.New(rand.NewSource(1))}

	_, err = rk.Attend(q, q, q, cfg)
	assert.ErrorIs(t, err, attention.ErrUnsupported)
	assert.EqualValues(t, 0, atomic.LoadInt64(&mock.calls), "dropout must be declined before any network traffic")
}

func TestRemoteKernel_ServerRejectIsDecline(t *testing.T) {
	_, addr := startAttendServer(t, codes.InvalidArgument)

	rk, err := NewRemoteKernel(addr)
	require.NoError(t, err)
	defer rk.Close()

	q := randomClientTensor(rand.New(rand.NewSource(9)), 1, 1, 2, 4)
	_, err = rk.Attend(q, q, q, attention.Config{})
	assert.ErrorIs(t, err, attention.ErrUnsupported)
	assert.Equal(t, StateClosed, rk.breaker.State(), "a capability reject is not a server failure")
}

func TestRemoteKernel_ServerInternalIsFatal(t *testing.T) {
	_, addr := startAttendServer(t, codes.Internal)

	rk, err := NewRemoteKernel(addr)
	require.NoError(t, err)
	defer rk.Close()

	q := randomClientTensor(rand.New(rand.NewSource(11)), 1, 1, 2, 4)
	_, err = rk.Attend(q, q, q, attention.Config{})
	require.Error(t, err)
	assert.False(t, errors.Is(err, attention.ErrUnsupported), "internal server errors must propagate, not decline")
}

func TestRemoteKernel_CircuitOpensWhenUnreachable(t *testing.T) {
	// Port 1 refuses connections immediately.
	rk, err := NewRemoteKernel("localhost:1")
	require.NoError(t, err)
	defer rk.Close()

	q := randomClientTensor(rand.New(rand.NewSource(13)), 1, 1, 2, 4)

	for i := 0; i < remoteMaxFailures; i++ {
		_, err = rk.Attend(q, q, q, attention.Config{})
		assert.ErrorIs(t, err, attention.ErrUnsupported, "unreachable server must decline so the core can serve")
	}
	assert.Equal(t, StateOpen, rk.breaker.State())

	// With the circuit open the kernel declines without dialing.
	_, err = rk.Attend(q, q, q, attention.Config{})
	assert.ErrorIs(t, err, attention.ErrUnsupported)
}
