// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package bulkscan

import "github.com/Query-farm/vgi-bulkscan/vgirpc"

// auxPlaceholder stands in for the aux segment of a fixed-width column.
// The receiver transfers and discards it.
var auxPlaceholder = []byte("xx\x00")

// Segment is a byte range relative to the start of the staging buffer.
type Segment struct {
	Offset int64
	Length int64
}

// End returns the first byte past the segment.
func (s Segment) End() int64 { return s.Offset + s.Length }

// ColumnSegments locates one column of one batch. Data holds the values
// (or variable-width bytes); Aux holds the offsets of a variable-width
// column or the placeholder of a fixed-width one.
type ColumnSegments struct {
	Data Segment
	Aux  Segment
}

// BatchDescriptor locates every column of one packed batch.
type BatchDescriptor struct {
	Rows    int64
	Columns []ColumnSegments
}

// TransferDescriptor is the metadata the receiver needs to pull one
// staging buffer and rebuild its batches.
type TransferDescriptor struct {
	Batches   []BatchDescriptor
	TotalSize int64
}

// NewTransferDescriptor validates batches against a buffer of the given
// capacity and computes the total size.
func NewTransferDescriptor(batches []BatchDescriptor, capacity int64) (*TransferDescriptor, error) {
	d := &TransferDescriptor{Batches: batches}
	if n := len(batches); n > 0 {
		if cols := batches[n-1].Columns; len(cols) > 0 {
			d.TotalSize = cols[len(cols)-1].Aux.End()
		}
	}
	if err := d.Validate(capacity); err != nil {
		return nil, err
	}
	return d, nil
}

// Validate checks that segments are non-negative, strictly ordered without
// overlap, inside capacity, and that every batch has the same column count.
func (d *TransferDescriptor) Validate(capacity int64) error {
	if d.TotalSize < 0 || d.TotalSize > capacity {
		return newError(ErrInvalidDescriptor, "total size %d outside capacity %d", d.TotalSize, capacity)
	}
	var cursor int64
	for bi, b := range d.Batches {
		if b.Rows < 0 {
			return newError(ErrInvalidDescriptor, "batch %d: negative row count %d", bi, b.Rows)
		}
		if len(b.Columns) != len(d.Batches[0].Columns) {
			return newError(ErrInvalidDescriptor, "batch %d: %d columns, batch 0 has %d", bi, len(b.Columns), len(d.Batches[0].Columns))
		}
		for ci, c := range b.Columns {
			for _, s := range [2]Segment{c.Data, c.Aux} {
				if s.Offset < 0 || s.Length < 0 {
					return newError(ErrInvalidDescriptor, "batch %d column %d: negative segment [%d,+%d)", bi, ci, s.Offset, s.Length)
				}
				if s.Offset < cursor {
					return newError(ErrInvalidDescriptor, "batch %d column %d: segment at %d overlaps previous end %d", bi, ci, s.Offset, cursor)
				}
				if s.End() > capacity {
					return newError(ErrInvalidDescriptor, "batch %d column %d: segment end %d past capacity %d", bi, ci, s.End(), capacity)
				}
				cursor = s.End()
			}
		}
	}
	if cursor != d.TotalSize {
		return newError(ErrInvalidDescriptor, "segments end at %d, total size is %d", cursor, d.TotalSize)
	}
	return nil
}

// Rows returns the total row count across batches.
func (d *TransferDescriptor) Rows() int64 {
	var n int64
	for _, b := range d.Batches {
		n += b.Rows
	}
	return n
}

// Regions lists every segment in pull order: per batch, per column, data
// then aux.
func (d *TransferDescriptor) Regions() []vgirpc.Region {
	var out []vgirpc.Region
	for _, b := range d.Batches {
		for _, c := range b.Columns {
			out = append(out,
				vgirpc.Region{Offset: c.Data.Offset, Length: c.Data.Length},
				vgirpc.Region{Offset: c.Aux.Offset, Length: c.Aux.Length})
		}
	}
	return out
}
