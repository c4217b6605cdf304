// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package bulkscan

import (
	"encoding/binary"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
)

// Reconstruct rebuilds the batches of a transfer from pulled buffers.
// buffers holds one slice per region of d.Regions(), in that order. The
// returned batches wrap the buffers without copying them.
func Reconstruct(desc *SchemaDescriptor, d *TransferDescriptor, buffers [][]byte) ([]arrow.RecordBatch, error) {
	ncols := desc.NumColumns()
	if want := 2 * ncols * len(d.Batches); len(buffers) != want {
		return nil, newError(ErrInvalidDescriptor, "got %d buffers, transfer has %d regions", len(buffers), want)
	}

	out := make([]arrow.RecordBatch, 0, len(d.Batches))
	fail := func(err error) ([]arrow.RecordBatch, error) {
		for _, b := range out {
			b.Release()
		}
		return nil, err
	}
	for bi, bd := range d.Batches {
		if len(bd.Columns) != ncols {
			return fail(newError(ErrInvalidDescriptor, "batch %d has %d columns, schema has %d", bi, len(bd.Columns), ncols))
		}
		cols := make([]arrow.Array, ncols)
		for ci := range cols {
			k := 2 * (bi*ncols + ci)
			arr, err := rebuildColumn(desc.Column(ci), bd.Rows, buffers[k], buffers[k+1])
			if err != nil {
				for _, c := range cols[:ci] {
					c.Release()
				}
				return fail(newError(ErrInvalidDescriptor, "batch %d: %v", bi, err))
			}
			cols[ci] = arr
		}
		out = append(out, array.NewRecordBatch(desc.Schema(), cols, bd.Rows))
		for _, c := range cols {
			c.Release()
		}
	}
	return out, nil
}

func rebuildColumn(col ColumnDescriptor, rows int64, data, aux []byte) (arrow.Array, error) {
	var buffers []*memory.Buffer
	if col.Kind == VariableWidth {
		if err := checkOffsets(col, rows, aux, int64(len(data))); err != nil {
			return nil, err
		}
		buffers = []*memory.Buffer{nil, memory.NewBufferBytes(aux), memory.NewBufferBytes(data)}
	} else {
		if want := col.DataSize(rows); int64(len(data)) != want {
			return nil, newError(ErrInvalidDescriptor, "column %q: %d value bytes for %d rows, want %d", col.Name, len(data), rows, want)
		}
		buffers = []*memory.Buffer{nil, memory.NewBufferBytes(data)}
	}
	d := array.NewData(col.Type, int(rows), buffers, nil, 0, 0)
	defer d.Release()
	return array.MakeFromData(d), nil
}

// checkOffsets verifies that aux holds rows+1 non-decreasing offsets
// starting at zero and ending at the data length.
func checkOffsets(col ColumnDescriptor, rows int64, aux []byte, dataLen int64) error {
	if want := col.OffsetsSize(rows); int64(len(aux)) != want {
		return newError(ErrInvalidDescriptor, "column %q: %d offset bytes for %d rows, want %d", col.Name, len(aux), rows, want)
	}
	at := func(i int64) int64 {
		if col.OffsetWidth == 8 {
			return int64(binary.LittleEndian.Uint64(aux[i*8:]))
		}
		return int64(int32(binary.LittleEndian.Uint32(aux[i*4:])))
	}
	if first := at(0); first != 0 {
		return newError(ErrInvalidDescriptor, "column %q: first offset is %d", col.Name, first)
	}
	prev := int64(0)
	for i := int64(1); i <= rows; i++ {
		o := at(i)
		if o < prev {
			return newError(ErrInvalidDescriptor, "column %q: offset %d decreases", col.Name, i)
		}
		prev = o
	}
	if prev != dataLen {
		return newError(ErrInvalidDescriptor, "column %q: last offset %d, data has %d bytes", col.Name, prev, dataLen)
	}
	return nil
}
