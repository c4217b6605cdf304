// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package bulkscan

import (
	"bytes"
	"errors"
	"reflect"
	"testing"

	"github.com/Query-farm/vgi-bulkscan/vgirpc"
	"github.com/apache/arrow-go/v18/arrow"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func TestScanRequestRoundTrip(t *testing.T) {
	req := ScanRequest{
		Path:          "/data/trips",
		Filter:        []byte{0x01, 0x02, 0x00},
		Projection:    idName,
		DatasetSchema: TaxiSchema(),
	}
	p, err := EncodeScanRequest(req)
	if err != nil {
		t.Fatal(err)
	}
	got, err := DecodeScanRequest(p)
	if err != nil {
		t.Fatal(err)
	}
	if got.Path != req.Path || !bytes.Equal(got.Filter, req.Filter) {
		t.Errorf("got %+v", got)
	}
	if !got.Projection.Equal(req.Projection) || !got.DatasetSchema.Equal(req.DatasetSchema) {
		t.Errorf("schemas differ: %v / %v", got.Projection, got.DatasetSchema)
	}

	noDataset, err := EncodeScanRequest(ScanRequest{Path: "x", Projection: idName})
	if err != nil {
		t.Fatal(err)
	}
	if got, _ := DecodeScanRequest(noDataset); got.DatasetSchema != nil || got.Filter != nil {
		t.Errorf("optional fields = %+v", got)
	}
}

func TestScanRequestValidation(t *testing.T) {
	if _, err := EncodeScanRequest(ScanRequest{Path: "x"}); !errors.Is(err, ErrInvalidRequest) {
		t.Errorf("missing projection: %v", err)
	}
	if _, err := EncodeScanRequest(ScanRequest{Projection: idName}); !errors.Is(err, ErrInvalidRequest) {
		t.Errorf("missing path: %v", err)
	}
	if _, err := DecodeScanRequest(scanParams{Path: "x", Projection: []byte("garbage")}); !errors.Is(err, ErrInvalidRequest) {
		t.Errorf("bad projection bytes: %v", err)
	}
}

func TestDeliverRoundTrip(t *testing.T) {
	td, err := NewTransferDescriptor([]BatchDescriptor{
		{Rows: 3, Columns: []ColumnSegments{{Segment{0, 24}, Segment{24, 3}}, {Segment{27, 3}, Segment{30, 16}}}},
		{Rows: 1, Columns: []ColumnSegments{{Segment{46, 8}, Segment{54, 3}}, {Segment{57, 0}, Segment{57, 8}}}},
	}, 100)
	if err != nil {
		t.Fatal(err)
	}
	h := vgirpc.Bulk{Origin: "inproc://server", ID: "b-1", Size: 100}
	p := encodeDeliver("sess", td, h)
	if !reflect.DeepEqual(p.RowCounts, []int64{3, 1}) || !reflect.DeepEqual(p.DataOffsets, []int64{0, 27, 46, 57}) {
		t.Errorf("flattened = %+v", p)
	}
	got, gotH, err := decodeDeliver(p, 2)
	if err != nil {
		t.Fatal(err)
	}
	if gotH != h {
		t.Errorf("handle = %+v", gotH)
	}
	if !reflect.DeepEqual(got, td) {
		t.Errorf("descriptor = %+v, want %+v", got, td)
	}

	if _, _, err := decodeDeliver(p, 3); !errors.Is(err, ErrInvalidDescriptor) {
		t.Errorf("wrong column count: %v", err)
	}
	p.BulkSize = 50
	if _, _, err := decodeDeliver(p, 2); !errors.Is(err, ErrInvalidDescriptor) {
		t.Errorf("descriptor past bulk end: %v", err)
	}
}

func TestTransferDescriptorValidate(t *testing.T) {
	col := func(d, dl, a, al int64) ColumnSegments {
		return ColumnSegments{Data: Segment{d, dl}, Aux: Segment{a, al}}
	}
	cases := []struct {
		name    string
		batches []BatchDescriptor
		cap     int64
	}{
		{"overlap", []BatchDescriptor{{Rows: 1, Columns: []ColumnSegments{col(0, 8, 4, 3)}}}, 64},
		{"negative length", []BatchDescriptor{{Rows: 1, Columns: []ColumnSegments{col(0, -1, 0, 3)}}}, 64},
		{"negative rows", []BatchDescriptor{{Rows: -1, Columns: []ColumnSegments{col(0, 8, 8, 3)}}}, 64},
		{"past capacity", []BatchDescriptor{{Rows: 1, Columns: []ColumnSegments{col(0, 8, 8, 3)}}}, 10},
		{"ragged columns", []BatchDescriptor{
			{Rows: 1, Columns: []ColumnSegments{col(0, 8, 8, 3)}},
			{Rows: 1, Columns: []ColumnSegments{col(11, 8, 19, 3), col(22, 8, 30, 3)}},
		}, 64},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := NewTransferDescriptor(tc.batches, tc.cap); !errors.Is(err, ErrInvalidDescriptor) {
				t.Errorf("got %v, want ErrInvalidDescriptor", err)
			}
		})
	}

	d := &TransferDescriptor{Batches: []BatchDescriptor{{Rows: 1, Columns: []ColumnSegments{col(0, 8, 8, 3)}}}, TotalSize: 12}
	if err := d.Validate(64); !errors.Is(err, ErrInvalidDescriptor) {
		t.Errorf("wrong total size: %v", err)
	}
}

func TestProperty_DeliverCodecRoundTrip(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("encodeDeliver then decodeDeliver is the identity", prop.ForAll(
		func(rows []int64, lengths []int64, ncols int) bool {
			var (
				batches []BatchDescriptor
				off     int64
				k       int
			)
			next := func() Segment {
				var l int64
				if len(lengths) > 0 {
					l = lengths[k%len(lengths)]
				}
				k++
				s := Segment{Offset: off, Length: l}
				off += l
				return s
			}
			for _, r := range rows {
				cols := make([]ColumnSegments, ncols)
				for i := range cols {
					cols[i] = ColumnSegments{Data: next(), Aux: next()}
				}
				batches = append(batches, BatchDescriptor{Rows: r, Columns: cols})
			}
			td, err := NewTransferDescriptor(batches, off)
			if err != nil {
				return false
			}
			h := vgirpc.Bulk{Origin: "inproc://s", ID: "id", Size: off}
			got, gotH, err := decodeDeliver(encodeDeliver("s", td, h), ncols)
			if err != nil || gotH != h || got.TotalSize != td.TotalSize || len(got.Batches) != len(td.Batches) {
				return false
			}
			for i := range td.Batches {
				if got.Batches[i].Rows != td.Batches[i].Rows || !reflect.DeepEqual(got.Batches[i].Columns, td.Batches[i].Columns) {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.Int64Range(0, 1<<20)),
		gen.SliceOf(gen.Int64Range(0, 4096)),
		gen.IntRange(1, 6),
	))

	properties.TestingRun(t)
}

func TestParseColumns(t *testing.T) {
	s, err := ParseColumns("id:int64, name:utf8, at:timestamp[us, UTC], key:fixed_size_binary[16],ok:bool")
	if err != nil {
		t.Fatal(err)
	}
	want := []arrow.DataType{
		arrow.PrimitiveTypes.Int64,
		arrow.BinaryTypes.String,
		&arrow.TimestampType{Unit: arrow.Microsecond, TimeZone: "UTC"},
		&arrow.FixedSizeBinaryType{ByteWidth: 16},
		arrow.FixedWidthTypes.Boolean,
	}
	if s.NumFields() != len(want) {
		t.Fatalf("fields = %v", s)
	}
	for i, dt := range want {
		if !arrow.TypeEqual(s.Field(i).Type, dt) {
			t.Errorf("field %d = %s, want %s", i, s.Field(i).Type, dt)
		}
	}
	for _, bad := range []string{"", "id", "id:int128", "at:timestamp[h]", "k:fixed_size_binary[x]"} {
		if _, err := ParseColumns(bad); err == nil {
			t.Errorf("ParseColumns(%q) succeeded", bad)
		}
	}
	if _, err := NewSchemaDescriptor(TaxiSchema()); err != nil {
		t.Errorf("taxi schema: %v", err)
	}
}
