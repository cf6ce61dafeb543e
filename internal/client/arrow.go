package client

import (
	"fmt"
	"strconv"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/23skdu/longbow-bodkin/internal/tensor"
)

// Tensor roles on the exchange wire.
const (
	RoleQuery  = "q"
	RoleKey    = "k"
	RoleValue  = "v"
	RoleMask   = "mask"
	RoleOutput = "out"
)

// ScaleMetadataKey carries the effective score scale in the request
// schema metadata.
const ScaleMetadataKey = "scale"

// attentionFields is the wire schema for attention exchange: one row
// per tensor, shape spelled out per row, values flattened row-major.
// A single schema for every tensor keeps the whole request inside one
// Flight stream.
var attentionFields = []arrow.Field{
	{Name: "role", Type: arrow.BinaryTypes.String},
	{Name: "batch", Type: arrow.PrimitiveTypes.Int32},
	{Name: "heads", Type: arrow.PrimitiveTypes.Int32},
	{Name: "seq_len", Type: arrow.PrimitiveTypes.Int32},
	{Name: "dim", Type: arrow.PrimitiveTypes.Int32},
	{Name: "values", Type: arrow.ListOf(arrow.PrimitiveTypes.Float32)},
}

// TensorCodec converts attention tensors to and from Arrow
// RecordBatches.
type TensorCodec struct {
	mem memory.Allocator
}

// NewTensorCodec creates a new codec.
func NewTensorCodec(mem memory.Allocator) *TensorCodec {
	return &TensorCodec{mem: mem}
}

type taggedTensor struct {
	role string
	t    *tensor.Tensor
}

// EncodeExchange builds the request record for one attention call.
// The mask row is omitted when mask is nil; scale travels in the
// schema metadata.
func (c *TensorCodec) EncodeExchange(q, k, v, mask *tensor.Tensor, scale float32) (arrow.RecordBatch, error) {
	rows := []taggedTensor{
		{RoleQuery, q},
		{RoleKey, k},
		{RoleValue, v},
	}
	if mask != nil {
		rows = append(rows, taggedTensor{RoleMask, mask})
	}

	md := arrow.NewMetadata(
		[]string{ScaleMetadataKey},
		[]string{strconv.FormatFloat(float64(scale), 'g', -1, 32)},
	)
	return c.encode(rows, &md)
}

// EncodeResult builds the single-row response record.
func (c *TensorCodec) EncodeResult(out *tensor.Tensor) (arrow.RecordBatch, error) {
	return c.encode([]taggedTensor{{RoleOutput, out}}, nil)
}

func (c *TensorCodec) encode(rows []taggedTensor, md *arrow.Metadata) (arrow.RecordBatch, error) {
	schema := arrow.NewSchema(attentionFields, md)

	roleB := array.NewStringBuilder(c.mem)
	defer roleB.Release()
	batchB := array.NewInt32Builder(c.mem)
	defer batchB.Release()
	headsB := array.NewInt32Builder(c.mem)
	defer headsB.Release()
	seqB := array.NewInt32Builder(c.mem)
	defer seqB.Release()
	dimB := array.NewInt32Builder(c.mem)
	defer dimB.Release()
	listB := array.NewListBuilder(c.mem, arrow.PrimitiveTypes.Float32)
	defer listB.Release()
	valueB := listB.ValueBuilder().(*array.Float32Builder)

	for _, row := range rows {
		if row.t == nil {
			return nil, fmt.Errorf("codec: nil %s tensor", row.role)
		}
		b, h, s, d := row.t.Dims()
		roleB.Append(row.role)
		batchB.Append(int32(b))
		headsB.Append(int32(h))
		seqB.Append(int32(s))
		dimB.Append(int32(d))
		listB.Append(true)
		valueB.AppendValues(row.t.Data(), nil)
	}

	cols := []arrow.Array{
		roleB.NewArray(),
		batchB.NewArray(),
		headsB.NewArray(),
		seqB.NewArray(),
		dimB.NewArray(),
		listB.NewArray(),
	}
	for _, col := range cols {
		defer col.Release()
	}

	return array.NewRecordBatch(schema, cols, int64(len(rows))), nil
}

// DecodeExchange unpacks a request record into its tagged tensors and
// the requested scale. A zero scale means the server should fall back
// to the 1/sqrt(head_dim) default.
func (c *TensorCodec) DecodeExchange(rec arrow.RecordBatch) (map[string]*tensor.Tensor, float32, error) {
	tensors, err := c.decode(rec)
	if err != nil {
		return nil, 0, err
	}

	var scale float32
	md := rec.Schema().Metadata()
	if idx := md.FindKey(ScaleMetadataKey); idx >= 0 {
		f, err := strconv.ParseFloat(md.Values()[idx], 32)
		if err != nil {
			return nil, 0, fmt.Errorf("codec: bad scale %q: %w", md.Values()[idx], err)
		}
		scale = float32(f)
	}
	return tensors, scale, nil
}

// DecodeResult unpacks the response record.
func (c *TensorCodec) DecodeResult(rec arrow.RecordBatch) (*tensor.Tensor, error) {
	tensors, err := c.decode(rec)
	if err != nil {
		return nil, err
	}
	out, ok := tensors[RoleOutput]
	if !ok {
		return nil, fmt.Errorf("codec: response carries no %q tensor", RoleOutput)
	}
	return out, nil
}

// decode reads one tensor per row. Input comes off the wire, so every
// assumption about layout is checked rather than asserted.
func (c *TensorCodec) decode(rec arrow.RecordBatch) (map[string]*tensor.Tensor, error) {
	cols := make([]arrow.Array, len(attentionFields))
	for i, f := range attentionFields {
		idx := rec.Schema().FieldIndices(f.Name)
		if len(idx) != 1 {
			return nil, fmt.Errorf("codec: schema is missing column %q", f.Name)
		}
		cols[i] = rec.Column(idx[0])
	}

	roles, ok := cols[0].(*array.String)
	if !ok {
		return nil, fmt.Errorf("codec: role column has type %s", cols[0].DataType())
	}
	dims := make([]*array.Int32, 4)
	for i := 1; i <= 4; i++ {
		d, ok := cols[i].(*array.Int32)
		if !ok {
			return nil, fmt.Errorf("codec: %s column has type %s", attentionFields[i].Name, cols[i].DataType())
		}
		dims[i-1] = d
	}
	lists, ok := cols[5].(*array.List)
	if !ok {
		return nil, fmt.Errorf("codec: values column has type %s", cols[5].DataType())
	}
	values, ok := lists.ListValues().(*array.Float32)
	if !ok {
		return nil, fmt.Errorf("codec: values column holds %s, want float32", lists.ListValues().DataType())
	}

	offsets := lists.Offsets()
	raw := values.Float32Values()

	tensors := make(map[string]*tensor.Tensor, rec.NumRows())
	for i := 0; i < int(rec.NumRows()); i++ {
		b := int(dims[0].Value(i))
		h := int(dims[1].Value(i))
		s := int(dims[2].Value(i))
		d := int(dims[3].Value(i))
		if b < 0 || h < 0 || s < 0 || d < 0 {
			return nil, fmt.Errorf("codec: row %d has negative shape (%d, %d, %d, %d)", i, b, h, s, d)
		}

		start, end := offsets[i], offsets[i+1]
		if int(start) > len(raw) || int(end) > len(raw) || start > end {
			return nil, fmt.Errorf("codec: row %d has corrupt value offsets [%d, %d)", i, start, end)
		}

		t, err := tensor.FromData(b, h, s, d, raw[start:end])
		if err != nil {
			return nil, fmt.Errorf("codec: row %d (%s): %w", i, roles.Value(i), err)
		}
		tensors[roles.Value(i)] = t
	}
	return tensors, nil
}
