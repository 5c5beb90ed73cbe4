// Package embedsource delivers external embedding overlays as Arrow records.
//
// Records carry one row per position:
//
//	seq_id    int64
//	position  int64
//	embedding fixed_size_list<float32>[hidden]
//
// Consecutive positions of a sequence are folded into one overlay.
package embedsource

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/23skdu/longbow-volley/internal/dtype"
	"github.com/23skdu/longbow-volley/internal/sequence"
)

const (
	FieldSeqID     = "seq_id"
	FieldPosition  = "position"
	FieldEmbedding = "embedding"
)

var ErrSchema = errors.New("embedding record schema")

// Source returns the overlays of one sequence, sorted by position. A sequence
// without overlays yields nil.
type Source interface {
	Fetch(ctx context.Context, seqID int64) ([]sequence.Overlay[float32], error)
}

// Schema is the record schema for embeddings of width hidden.
func Schema(hidden int) *arrow.Schema {
	return arrow.NewSchema([]arrow.Field{
		{Name: FieldSeqID, Type: arrow.PrimitiveTypes.Int64},
		{Name: FieldPosition, Type: arrow.PrimitiveTypes.Int64},
		{Name: FieldEmbedding, Type: arrow.FixedSizeListOf(int32(hidden), arrow.PrimitiveTypes.Float32)},
	}, nil)
}

// NewRecord builds one record holding every position of overlays.
func NewRecord(mem memory.Allocator, hidden int, seqID int64, overlays []sequence.Overlay[float32]) (arrow.Record, error) {
	b := array.NewRecordBuilder(mem, Schema(hidden))
	defer b.Release()

	ids := b.Field(0).(*array.Int64Builder)
	pos := b.Field(1).(*array.Int64Builder)
	list := b.Field(2).(*array.FixedSizeListBuilder)
	vals := list.ValueBuilder().(*array.Float32Builder)

	for _, o := range overlays {
		if len(o.Data) != o.Len()*hidden {
			return nil, fmt.Errorf("sequence %d overlay %s holds %d values, want %d", seqID, o.Range, len(o.Data), o.Len()*hidden)
		}
		for p := o.Begin; p < o.End; p++ {
			ids.Append(seqID)
			pos.Append(int64(p))
			list.Append(true)
			off := (p - o.Begin) * hidden
			vals.AppendValues(o.Data[off:off+hidden], nil)
		}
	}
	return b.NewRecord(), nil
}

// Encode writes the overlays of each sequence as an Arrow IPC stream, one
// record per sequence.
func Encode(w io.Writer, hidden int, overlays map[int64][]sequence.Overlay[float32]) error {
	mem := memory.NewGoAllocator()
	iw := ipc.NewWriter(w, ipc.WithSchema(Schema(hidden)), ipc.WithAllocator(mem))

	ids := make([]int64, 0, len(overlays))
	for id := range overlays {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for _, id := range ids {
		rec, err := NewRecord(mem, hidden, id, overlays[id])
		if err != nil {
			iw.Close()
			return err
		}
		err = iw.Write(rec)
		rec.Release()
		if err != nil {
			iw.Close()
			return fmt.Errorf("write sequence %d: %w", id, err)
		}
	}
	return iw.Close()
}

// Decode reads an Arrow IPC stream of embedding records.
func Decode(r io.Reader, hidden int) (map[int64][]sequence.Overlay[float32], error) {
	rdr, err := ipc.NewReader(r, ipc.WithAllocator(memory.NewGoAllocator()))
	if err != nil {
		return nil, fmt.Errorf("open embedding stream: %w", err)
	}
	defer rdr.Release()

	var c collector
	for rdr.Next() {
		if err := c.add(rdr.Record(), hidden); err != nil {
			return nil, err
		}
	}
	if err := rdr.Err(); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("read embedding stream: %w", err)
	}
	return c.overlays()
}

type row struct {
	pos  int
	data []float32
}

// collector accumulates rows across records.
type collector struct {
	rows map[int64][]row
}

func checkSchema(s *arrow.Schema, hidden int) error {
	if !s.Equal(Schema(hidden)) {
		return fmt.Errorf("%w: got %s, want %s", ErrSchema, s, Schema(hidden))
	}
	return nil
}

func (c *collector) add(rec arrow.Record, hidden int) error {
	if err := checkSchema(rec.Schema(), hidden); err != nil {
		return err
	}
	if c.rows == nil {
		c.rows = make(map[int64][]row)
	}
	ids := rec.Column(0).(*array.Int64)
	pos := rec.Column(1).(*array.Int64)
	list := rec.Column(2).(*array.FixedSizeList)
	vals := list.ListValues().(*array.Float32).Float32Values()

	for i := 0; i < int(rec.NumRows()); i++ {
		if ids.IsNull(i) || pos.IsNull(i) || list.IsNull(i) {
			return fmt.Errorf("%w: null in row %d", ErrSchema, i)
		}
		off := (list.Offset() + i) * hidden
		data := make([]float32, hidden)
		copy(data, vals[off:off+hidden])
		id := ids.Value(i)
		c.rows[id] = append(c.rows[id], row{pos: int(pos.Value(i)), data: data})
	}
	return nil
}

// overlays folds each sequence's rows into maximal runs of consecutive
// positions.
func (c *collector) overlays() (map[int64][]sequence.Overlay[float32], error) {
	out := make(map[int64][]sequence.Overlay[float32], len(c.rows))
	for id, rows := range c.rows {
		sort.Slice(rows, func(i, j int) bool { return rows[i].pos < rows[j].pos })
		var ovs []sequence.Overlay[float32]
		for i, r := range rows {
			if r.pos < 0 {
				return nil, fmt.Errorf("sequence %d: negative position %d", id, r.pos)
			}
			if i > 0 && r.pos == rows[i-1].pos {
				return nil, fmt.Errorf("sequence %d: duplicate position %d", id, r.pos)
			}
			if n := len(ovs); n > 0 && ovs[n-1].End == r.pos {
				ovs[n-1].End++
				ovs[n-1].Data = append(ovs[n-1].Data, r.data...)
				continue
			}
			ovs = append(ovs, sequence.Overlay[float32]{
				Range: sequence.Range{Begin: r.pos, End: r.pos + 1},
				Data:  append([]float32(nil), r.data...),
			})
		}
		out[id] = ovs
	}
	return out, nil
}

// Attach fetches the overlays of every sequence from src, converts them to T
// and validates them against hidden.
func Attach[T dtype.Float](ctx context.Context, src Source, hidden int, seqs []*sequence.Sequence[T]) error {
	for _, s := range seqs {
		ovs, err := src.Fetch(ctx, s.ID)
		if err != nil {
			return fmt.Errorf("fetch overlays of sequence %d: %w", s.ID, err)
		}
		s.Embeddings = make([]sequence.Overlay[T], len(ovs))
		for i, o := range ovs {
			data := make([]T, len(o.Data))
			dtype.FromFloat32(data, o.Data)
			s.Embeddings[i] = sequence.Overlay[T]{Range: o.Range, Data: data}
		}
		if err := s.Validate(hidden); err != nil {
			return err
		}
	}
	return nil
}
