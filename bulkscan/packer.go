// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package bulkscan

import (
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/bitutil"
)

// offsets32 is implemented by utf8 and binary arrays.
type offsets32 interface {
	ValueOffsets() []int32
	ValueBytes() []byte
}

// offsets64 is implemented by large_utf8 and large_binary arrays.
type offsets64 interface {
	ValueOffsets() []int64
	ValueBytes() []byte
}

// NullPolicy decides what the packer does with null values, whose
// validity bitmaps a transfer does not carry.
type NullPolicy int

const (
	// RejectNulls fails a batch holding any null with ErrUnsupportedColumn.
	RejectNulls NullPolicy = iota
	// DropValidity packs the value slots of nulls as they are. The
	// receiver sees them as valid values, usually zero or empty.
	DropValidity
)

func (p NullPolicy) String() string {
	if p == DropValidity {
		return "drop-validity"
	}
	return "reject"
}

// ParseNullPolicy accepts "reject" or "drop-validity".
func ParseNullPolicy(s string) (NullPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "reject":
		return RejectNulls, nil
	case "drop-validity":
		return DropValidity, nil
	}
	return 0, fmt.Errorf("unknown null policy %q", s)
}

// Packer serializes row batches of one schema into staging buffers.
type Packer struct {
	desc  *SchemaDescriptor
	nulls NullPolicy
}

// NewPacker returns a packer for batches matching desc that rejects nulls.
func NewPacker(desc *SchemaDescriptor) *Packer {
	return &Packer{desc: desc}
}

// WithNulls sets how the packer treats nulls and returns it.
func (p *Packer) WithNulls(policy NullPolicy) *Packer {
	p.nulls = policy
	return p
}

// Size returns the number of bytes b occupies once packed.
func (p *Packer) Size(b arrow.RecordBatch) (int64, error) {
	if err := p.check(b); err != nil {
		return 0, err
	}
	rows := b.NumRows()
	var n int64
	for i, col := range p.desc.columns {
		if col.Kind == VariableWidth {
			data, _ := variableParts(b.Column(i), col.OffsetWidth)
			n += int64(len(data)) + col.OffsetsSize(rows)
		} else {
			n += col.DataSize(rows) + int64(len(auxPlaceholder))
		}
	}
	return n, nil
}

// check verifies that b matches the packer's schema and, unless validity
// is dropped, carries no nulls.
func (p *Packer) check(b arrow.RecordBatch) error {
	if int(b.NumCols()) != p.desc.NumColumns() {
		return newError(ErrSchemaMismatch, "batch has %d columns, schema has %d", b.NumCols(), p.desc.NumColumns())
	}
	for i, col := range p.desc.columns {
		arr := b.Column(i)
		if !arrow.TypeEqual(arr.DataType(), col.Type) {
			return newError(ErrSchemaMismatch, "column %q is %s, schema has %s", col.Name, arr.DataType(), col.Type)
		}
		if p.nulls == RejectNulls && arr.NullN() > 0 {
			return newError(ErrUnsupportedColumn, "column %q has %d nulls; validity is not transferred", col.Name, arr.NullN())
		}
	}
	return nil
}

// Pack writes batches back to back into sb and describes where each column
// landed. Nothing is written unless every batch fits.
func (p *Packer) Pack(sb *StagingBuffer, batches ...arrow.RecordBatch) (*TransferDescriptor, error) {
	var total int64
	for _, b := range batches {
		n, err := p.Size(b)
		if err != nil {
			return nil, err
		}
		total += n
	}
	if total > sb.Capacity() {
		return nil, newError(ErrBufferOverflow, "%d batches need %d bytes, staging buffer holds %d", len(batches), total, sb.Capacity())
	}

	dst := sb.buf
	var off int64
	descs := make([]BatchDescriptor, len(batches))
	for bi, b := range batches {
		rows := b.NumRows()
		cols := make([]ColumnSegments, p.desc.NumColumns())
		for ci, col := range p.desc.columns {
			arr := b.Column(ci)
			if col.Kind == VariableWidth {
				data, offs := variableParts(arr, col.OffsetWidth)
				cols[ci].Data = Segment{Offset: off, Length: int64(len(data))}
				off += int64(copy(dst[off:], data))
				cols[ci].Aux = Segment{Offset: off, Length: col.OffsetsSize(rows)}
				off += writeOffsets(dst[off:], offs, col.OffsetWidth, rows)
			} else {
				n := col.DataSize(rows)
				cols[ci].Data = Segment{Offset: off, Length: n}
				writeFixed(dst[off:off+n], arr, col)
				off += n
				cols[ci].Aux = Segment{Offset: off, Length: int64(len(auxPlaceholder))}
				off += int64(copy(dst[off:], auxPlaceholder))
			}
		}
		descs[bi] = BatchDescriptor{Rows: rows, Columns: cols}
	}
	sb.used = off
	return NewTransferDescriptor(descs, sb.Capacity())
}

// variableParts returns the value bytes of a variable-width array and its
// offsets as int64, still relative to the underlying buffer.
func variableParts(arr arrow.Array, width int) ([]byte, []int64) {
	if arr.Len() == 0 {
		return nil, nil
	}
	if width == 8 {
		a := arr.(offsets64)
		offs := a.ValueOffsets()
		if len(offs) == 0 {
			return nil, nil
		}
		return a.ValueBytes(), offs
	}
	a := arr.(offsets32)
	o32 := a.ValueOffsets()
	if len(o32) == 0 {
		return nil, nil
	}
	offs := make([]int64, len(o32))
	for i, o := range o32 {
		offs[i] = int64(o)
	}
	return a.ValueBytes(), offs
}

// writeOffsets writes rows+1 offsets rebased to start at zero.
func writeOffsets(dst []byte, offs []int64, width int, rows int64) int64 {
	var base int64
	if len(offs) > 0 {
		base = offs[0]
	}
	pos := 0
	for i := int64(0); i <= rows; i++ {
		var v int64
		if int(i) < len(offs) {
			v = offs[i] - base
		}
		if width == 8 {
			binary.LittleEndian.PutUint64(dst[pos:], uint64(v))
		} else {
			binary.LittleEndian.PutUint32(dst[pos:], uint32(v))
		}
		pos += width
	}
	return int64(pos)
}

// writeFixed copies the values of a fixed-width array into dst, which is
// exactly col.DataSize(rows) bytes long.
func writeFixed(dst []byte, arr arrow.Array, col ColumnDescriptor) {
	rows := arr.Len()
	if rows == 0 {
		return
	}
	data := arr.Data()
	if data.Buffers()[1] == nil {
		// an all-null array may come without values
		clear(dst)
		return
	}
	values := data.Buffers()[1].Bytes()
	if col.BitWidth == 1 {
		clear(dst)
		bitutil.CopyBitmap(values, data.Offset(), rows, dst, 0)
		return
	}
	width := col.BitWidth / 8
	start := data.Offset() * width
	copy(dst, values[start:start+rows*width])
}
