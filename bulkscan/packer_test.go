// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package bulkscan

import (
	"bytes"
	"encoding/binary"
	"errors"
	"reflect"
	"testing"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

var idName = arrow.NewSchema([]arrow.Field{
	{Name: "id", Type: arrow.PrimitiveTypes.Int64},
	{Name: "name", Type: arrow.BinaryTypes.String},
}, nil)

func idNameBatch(ids []int64, names []string) arrow.RecordBatch {
	mem := memory.DefaultAllocator
	ib := array.NewInt64Builder(mem)
	defer ib.Release()
	sb := array.NewStringBuilder(mem)
	defer sb.Release()
	ib.AppendValues(ids, nil)
	sb.AppendValues(names, nil)
	idArr, nameArr := ib.NewArray(), sb.NewArray()
	defer idArr.Release()
	defer nameArr.Release()
	return array.NewRecordBatch(idName, []arrow.Array{idArr, nameArr}, int64(len(ids)))
}

func newBuffer(n int) *StagingBuffer {
	return &StagingBuffer{buf: make([]byte, n)}
}

// regionBuffers copies each region out of the staging buffer, the way a
// pull would.
func regionBuffers(sb *StagingBuffer, d *TransferDescriptor) [][]byte {
	regions := d.Regions()
	out := make([][]byte, len(regions))
	for i, r := range regions {
		out[i] = bytes.Clone(sb.buf[r.Offset:r.End()])
		if out[i] == nil {
			out[i] = []byte{}
		}
	}
	return out
}

func mustDescriptor(t *testing.T, s *arrow.Schema) *SchemaDescriptor {
	t.Helper()
	d, err := NewSchemaDescriptor(s)
	if err != nil {
		t.Fatalf("NewSchemaDescriptor: %v", err)
	}
	return d
}

func TestPackLayout(t *testing.T) {
	desc := mustDescriptor(t, idName)
	b := idNameBatch([]int64{1, 2, 3}, []string{"a", "bb", ""})
	defer b.Release()

	sb := newBuffer(128)
	p := NewPacker(desc)
	size, err := p.Size(b)
	if err != nil {
		t.Fatal(err)
	}
	td, err := p.Pack(sb, b)
	if err != nil {
		t.Fatalf("Pack: %v", err)
	}
	if td.TotalSize != size || sb.Used() != size {
		t.Errorf("total %d, used %d, Size %d", td.TotalSize, sb.Used(), size)
	}

	want := []ColumnSegments{
		{Data: Segment{0, 24}, Aux: Segment{24, 3}},
		{Data: Segment{27, 3}, Aux: Segment{30, 16}},
	}
	if len(td.Batches) != 1 || td.Batches[0].Rows != 3 || !reflect.DeepEqual(td.Batches[0].Columns, want) {
		t.Fatalf("descriptor = %+v", td)
	}
	if got := string(sb.buf[24:27]); got != "xx\x00" {
		t.Errorf("placeholder = %q", got)
	}
	if got := string(sb.buf[27:30]); got != "abb" {
		t.Errorf("string data = %q", got)
	}
	var offs []int32
	for i := 0; i < 4; i++ {
		offs = append(offs, int32(binary.LittleEndian.Uint32(sb.buf[30+4*i:])))
	}
	if !reflect.DeepEqual(offs, []int32{0, 1, 3, 3}) {
		t.Errorf("offsets = %v", offs)
	}

	out, err := Reconstruct(desc, td, regionBuffers(sb, td))
	if err != nil {
		t.Fatalf("Reconstruct: %v", err)
	}
	defer release(out)
	if len(out) != 1 || out[0].NumRows() != 3 {
		t.Fatalf("reconstructed %d batches", len(out))
	}
	ids := out[0].Column(0).(*array.Int64).Int64Values()
	if !reflect.DeepEqual(ids, []int64{1, 2, 3}) {
		t.Errorf("ids = %v", ids)
	}
	names := out[0].Column(1).(*array.String)
	if names.Value(0) != "a" || names.Value(1) != "bb" || names.Value(2) != "" {
		t.Errorf("names = %v", names)
	}
	if !reflect.DeepEqual(names.ValueOffsets(), []int32{0, 1, 3, 3}) {
		t.Errorf("reconstructed offsets = %v", names.ValueOffsets())
	}
}

func TestPackOverflowLeavesBufferUntouched(t *testing.T) {
	desc := mustDescriptor(t, idName)
	b := idNameBatch([]int64{1, 2, 3, 4}, []string{"aaaa", "bbbb", "cccc", "dddd"})
	defer b.Release()

	sb := newBuffer(32)
	for i := range sb.buf {
		sb.buf[i] = 0xAA
	}
	_, err := NewPacker(desc).Pack(sb, b)
	if !errors.Is(err, ErrBufferOverflow) {
		t.Fatalf("Pack = %v, want ErrBufferOverflow", err)
	}
	for i, c := range sb.buf {
		if c != 0xAA {
			t.Fatalf("byte %d changed to %#x", i, c)
		}
	}
}

func TestPackSeveralBatches(t *testing.T) {
	desc := mustDescriptor(t, idName)
	b1 := idNameBatch([]int64{1, 2}, []string{"x", "yz"})
	defer b1.Release()
	b2 := idNameBatch([]int64{3}, []string{"hello"})
	defer b2.Release()
	empty := idNameBatch(nil, nil)
	defer empty.Release()

	sb := newBuffer(1024)
	td, err := NewPacker(desc).Pack(sb, b1, empty, b2)
	if err != nil {
		t.Fatal(err)
	}
	if td.Rows() != 3 || len(td.Batches) != 3 {
		t.Fatalf("descriptor rows %d batches %d", td.Rows(), len(td.Batches))
	}
	out, err := Reconstruct(desc, td, regionBuffers(sb, td))
	if err != nil {
		t.Fatal(err)
	}
	defer release(out)
	var names []string
	for _, b := range out {
		col := b.Column(1).(*array.String)
		for i := 0; i < col.Len(); i++ {
			names = append(names, col.Value(i))
		}
	}
	if !reflect.DeepEqual(names, []string{"x", "yz", "hello"}) {
		t.Errorf("names = %q", names)
	}
}

func TestPackSlicedBatch(t *testing.T) {
	desc := mustDescriptor(t, idName)
	b := idNameBatch([]int64{1, 2, 3, 4}, []string{"one", "two", "three", "four"})
	defer b.Release()
	sl := b.NewSlice(1, 3)
	defer sl.Release()

	sb := newBuffer(256)
	td, err := NewPacker(desc).Pack(sb, sl)
	if err != nil {
		t.Fatal(err)
	}
	out, err := Reconstruct(desc, td, regionBuffers(sb, td))
	if err != nil {
		t.Fatal(err)
	}
	defer release(out)
	ids := out[0].Column(0).(*array.Int64).Int64Values()
	names := out[0].Column(1).(*array.String)
	if !reflect.DeepEqual(ids, []int64{2, 3}) || names.Value(0) != "two" || names.Value(1) != "three" {
		t.Errorf("got ids %v names %v", ids, names)
	}
	if !reflect.DeepEqual(names.ValueOffsets(), []int32{0, 3, 8}) {
		t.Errorf("offsets not rebased: %v", names.ValueOffsets())
	}
}

func TestPackOtherTypes(t *testing.T) {
	schema := arrow.NewSchema([]arrow.Field{
		{Name: "flag", Type: arrow.FixedWidthTypes.Boolean},
		{Name: "blob", Type: arrow.BinaryTypes.LargeBinary},
		{Name: "at", Type: &arrow.TimestampType{Unit: arrow.Microsecond}},
		{Name: "key", Type: &arrow.FixedSizeBinaryType{ByteWidth: 2}},
		{Name: "score", Type: arrow.PrimitiveTypes.Float32},
	}, nil)
	mem := memory.DefaultAllocator
	bld := array.NewRecordBuilder(mem, schema)
	defer bld.Release()
	flags := []bool{true, false, true, true, false, false, true, false, true, true}
	for i, f := range flags {
		bld.Field(0).(*array.BooleanBuilder).Append(f)
		bld.Field(1).(*array.BinaryBuilder).Append(bytes.Repeat([]byte{byte(i)}, i))
		bld.Field(2).(*array.TimestampBuilder).Append(arrow.Timestamp(1_700_000_000_000_000 + int64(i)))
		bld.Field(3).(*array.FixedSizeBinaryBuilder).Append([]byte{byte(i), byte(2 * i)})
		bld.Field(4).(*array.Float32Builder).Append(float32(i) / 4)
	}
	cols := make([]arrow.Array, schema.NumFields())
	for i := range cols {
		cols[i] = bld.Field(i).NewArray()
		defer cols[i].Release()
	}
	full := array.NewRecordBatch(schema, cols, int64(len(flags)))
	defer full.Release()
	// an odd bit offset exercises the bitmap copy
	b := full.NewSlice(3, 10)
	defer b.Release()

	desc := mustDescriptor(t, schema)
	sb := newBuffer(4096)
	td, err := NewPacker(desc).Pack(sb, b)
	if err != nil {
		t.Fatal(err)
	}
	out, err := Reconstruct(desc, td, regionBuffers(sb, td))
	if err != nil {
		t.Fatal(err)
	}
	defer release(out)
	for i := range cols {
		if !array.Equal(out[0].Column(i), b.Column(i)) {
			t.Errorf("column %s: got %v want %v", schema.Field(i).Name, out[0].Column(i), b.Column(i))
		}
	}
}

func TestPackRejects(t *testing.T) {
	desc := mustDescriptor(t, idName)
	sb := newBuffer(256)

	ib := array.NewInt64Builder(memory.DefaultAllocator)
	ib.AppendValues([]int64{1, 2}, []bool{true, false})
	ids := ib.NewArray()
	ib.Release()
	defer ids.Release()
	sbld := array.NewStringBuilder(memory.DefaultAllocator)
	sbld.AppendValues([]string{"a", "b"}, nil)
	names := sbld.NewArray()
	sbld.Release()
	defer names.Release()

	withNull := array.NewRecordBatch(idName, []arrow.Array{ids, names}, 2)
	defer withNull.Release()
	if _, err := NewPacker(desc).Pack(sb, withNull); !errors.Is(err, ErrUnsupportedColumn) {
		t.Errorf("nulls: %v, want ErrUnsupportedColumn", err)
	}

	swapped := arrow.NewSchema([]arrow.Field{idName.Field(1), idName.Field(0)}, nil)
	wrong := array.NewRecordBatch(swapped, []arrow.Array{names, ids}, 2)
	defer wrong.Release()
	if _, err := NewPacker(desc).Pack(sb, wrong); !errors.Is(err, ErrSchemaMismatch) {
		t.Errorf("swapped columns: %v, want ErrSchemaMismatch", err)
	}
	if sb.Used() != 0 {
		t.Errorf("rejected pack used %d bytes", sb.Used())
	}
}

func TestPackDropValidity(t *testing.T) {
	desc := mustDescriptor(t, idName)
	sb := newBuffer(256)

	ib := array.NewInt64Builder(memory.DefaultAllocator)
	ib.AppendValues([]int64{7, 0, 9}, []bool{true, false, true})
	ids := ib.NewArray()
	ib.Release()
	defer ids.Release()
	sbld := array.NewStringBuilder(memory.DefaultAllocator)
	sbld.AppendValues([]string{"x", "", "z"}, []bool{true, false, true})
	names := sbld.NewArray()
	sbld.Release()
	defer names.Release()
	b := array.NewRecordBatch(idName, []arrow.Array{ids, names}, 3)
	defer b.Release()

	td, err := NewPacker(desc).WithNulls(DropValidity).Pack(sb, b)
	if err != nil {
		t.Fatalf("Pack: %v", err)
	}
	out, err := Reconstruct(desc, td, regionBuffers(sb, td))
	if err != nil {
		t.Fatal(err)
	}
	defer release(out)
	gotIDs, gotNames := collectIDs(t, out)
	if !reflect.DeepEqual(gotIDs, []int64{7, 0, 9}) || !reflect.DeepEqual(gotNames, []string{"x", "", "z"}) {
		t.Errorf("rows = %v %v", gotIDs, gotNames)
	}
	if n := out[0].Column(0).NullN(); n != 0 {
		t.Errorf("%d nulls survived a pack without validity", n)
	}

	if _, err := NewPacker(desc).WithNulls(RejectNulls).Pack(sb, b); !errors.Is(err, ErrUnsupportedColumn) {
		t.Errorf("reject policy: %v", err)
	}
	for _, s := range []string{"reject", "drop-validity", ""} {
		if _, err := ParseNullPolicy(s); err != nil {
			t.Errorf("ParseNullPolicy(%q): %v", s, err)
		}
	}
	if _, err := ParseNullPolicy("keep"); err == nil {
		t.Error("unknown null policy accepted")
	}
}

func TestSchemaDescriptorRejectsNested(t *testing.T) {
	for _, dt := range []arrow.DataType{
		arrow.ListOf(arrow.PrimitiveTypes.Int64),
		arrow.StructOf(arrow.Field{Name: "a", Type: arrow.PrimitiveTypes.Int8}),
		&arrow.DictionaryType{IndexType: arrow.PrimitiveTypes.Int32, ValueType: arrow.BinaryTypes.String},
		arrow.Null,
	} {
		_, err := NewSchemaDescriptor(arrow.NewSchema([]arrow.Field{{Name: "c", Type: dt}}, nil))
		if !errors.Is(err, ErrUnsupportedColumn) {
			t.Errorf("%s: %v, want ErrUnsupportedColumn", dt, err)
		}
	}
}

func TestProperty_PackReconstructRoundTrip(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	desc, err := NewSchemaDescriptor(idName)
	if err != nil {
		t.Fatal(err)
	}

	properties.Property("pack then reconstruct preserves rows, values and offsets", prop.ForAll(
		func(ids []int64, names []string, split int) bool {
			n := min(len(ids), len(names))
			ids, names = ids[:n], names[:n]
			b := idNameBatch(ids, names)
			defer b.Release()

			// pack as two batches to cover multi-batch transfers
			cut := int64(0)
			if n > 0 {
				cut = int64(split % (n + 1))
			}
			first, second := b.NewSlice(0, cut), b.NewSlice(cut, int64(n))
			defer first.Release()
			defer second.Release()

			sb := newBuffer(1 << 16)
			td, err := NewPacker(desc).Pack(sb, first, second)
			if err != nil {
				return false
			}
			out, err := Reconstruct(desc, td, regionBuffers(sb, td))
			if err != nil {
				return false
			}
			defer release(out)

			var gotIDs []int64
			var gotNames []string
			for _, ob := range out {
				if ob.NumCols() != 2 {
					return false
				}
				gotIDs = append(gotIDs, ob.Column(0).(*array.Int64).Int64Values()...)
				col := ob.Column(1).(*array.String)
				if offs := col.ValueOffsets(); len(offs) > 0 && offs[0] != 0 {
					return false
				}
				for i := 0; i < col.Len(); i++ {
					gotNames = append(gotNames, col.Value(i))
				}
			}
			if len(gotIDs) != n || len(gotNames) != n {
				return false
			}
			for i := range n {
				if gotIDs[i] != ids[i] || gotNames[i] != names[i] {
					return false
				}
			}
			return td.Rows() == int64(n)
		},
		gen.SliceOf(gen.Int64()),
		gen.SliceOf(gen.AnyString()),
		gen.IntRange(0, 1000),
	))

	properties.TestingRun(t)
}
