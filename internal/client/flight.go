package client

import (
	"context"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// FlightSink ships computed attention outputs to a downstream Flight
// server, one dataset per stream.
type FlightSink struct {
	client flight.Client
	conn   *grpc.ClientConn
}

// NewFlightSink creates a sink connected to the given address.
func NewFlightSink(addr string) (*FlightSink, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, err
	}

	client := flight.NewClientFromConn(conn, nil)
	return &FlightSink{
		client: client,
		conn:   conn,
	}, nil
}

// DoPut sends a RecordBatch to the given dataset on the downstream
// server. The descriptor rides on the first message of the stream.
func (c *FlightSink) DoPut(ctx context.Context, datasetName string, record arrow.RecordBatch) error {
	desc := &flight.FlightDescriptor{
		Type: flight.DescriptorPATH,
		Path: []string{datasetName},
	}

	stream, err := c.client.DoPut(ctx)
	if err != nil {
		return err
	}

	writer := flight.NewRecordWriter(stream, ipc.WithSchema(record.Schema()))
	writer.SetFlightDescriptor(desc)

	if err := writer.Write(record); err != nil {
		return err
	}

	return writer.Close()
}

// Close closes the sink connection.
func (c *FlightSink) Close() error {
	return c.conn.Close()
}
