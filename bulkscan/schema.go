// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package bulkscan

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/bitutil"
)

// ColumnKind tells how a column is laid out in the staging buffer.
type ColumnKind int

const (
	// FixedWidth columns transfer one values buffer of rows*width bytes
	// (bit-packed for booleans).
	FixedWidth ColumnKind = iota
	// VariableWidth columns transfer a data buffer and rows+1 offsets.
	VariableWidth
)

func (k ColumnKind) String() string {
	if k == VariableWidth {
		return "variable"
	}
	return "fixed"
}

// ColumnDescriptor describes the transfer layout of one column.
type ColumnDescriptor struct {
	Name string
	Type arrow.DataType
	Kind ColumnKind
	// BitWidth is the value width of a fixed-width column, in bits.
	BitWidth int
	// OffsetWidth is the byte width of a variable-width column's offsets.
	OffsetWidth int
}

// DataSize returns the size of a fixed-width column's values for rows rows.
func (c ColumnDescriptor) DataSize(rows int64) int64 {
	if c.BitWidth == 1 {
		return bitutil.BytesForBits(rows)
	}
	return rows * int64(c.BitWidth/8)
}

// OffsetsSize returns the size of a variable-width column's offsets for rows rows.
func (c ColumnDescriptor) OffsetsSize(rows int64) int64 {
	return (rows + 1) * int64(c.OffsetWidth)
}

// SchemaDescriptor is the ordered, immutable column layout of a session.
type SchemaDescriptor struct {
	schema  *arrow.Schema
	columns []ColumnDescriptor
}

// NewSchemaDescriptor classifies every field of schema. Types without a
// flat buffer layout are rejected with ErrUnsupportedColumn.
func NewSchemaDescriptor(schema *arrow.Schema) (*SchemaDescriptor, error) {
	if schema == nil {
		return nil, newError(ErrInvalidRequest, "schema is required")
	}
	d := &SchemaDescriptor{schema: schema, columns: make([]ColumnDescriptor, schema.NumFields())}
	for i, f := range schema.Fields() {
		col, err := describeColumn(f)
		if err != nil {
			return nil, err
		}
		d.columns[i] = col
	}
	return d, nil
}

func describeColumn(f arrow.Field) (ColumnDescriptor, error) {
	col := ColumnDescriptor{Name: f.Name, Type: f.Type}
	switch f.Type.ID() {
	case arrow.STRING, arrow.BINARY:
		col.Kind, col.OffsetWidth = VariableWidth, 4
		return col, nil
	case arrow.LARGE_STRING, arrow.LARGE_BINARY:
		col.Kind, col.OffsetWidth = VariableWidth, 8
		return col, nil
	case arrow.DICTIONARY, arrow.EXTENSION, arrow.NULL:
		return col, newError(ErrUnsupportedColumn, "column %q: type %s has no flat layout", f.Name, f.Type)
	}
	fw, ok := f.Type.(arrow.FixedWidthDataType)
	if !ok {
		return col, newError(ErrUnsupportedColumn, "column %q: type %s has no flat layout", f.Name, f.Type)
	}
	bits := fw.BitWidth()
	if bits != 1 && (bits <= 0 || bits%8 != 0) {
		return col, newError(ErrUnsupportedColumn, "column %q: %d-bit values are not byte aligned", f.Name, bits)
	}
	col.Kind, col.BitWidth = FixedWidth, bits
	return col, nil
}

// Schema returns the Arrow schema the descriptor was built from.
func (d *SchemaDescriptor) Schema() *arrow.Schema { return d.schema }

// NumColumns returns the number of columns.
func (d *SchemaDescriptor) NumColumns() int { return len(d.columns) }

// Column returns the i-th column descriptor.
func (d *SchemaDescriptor) Column(i int) ColumnDescriptor { return d.columns[i] }

// Columns returns all column descriptors in schema order.
func (d *SchemaDescriptor) Columns() []ColumnDescriptor {
	return append([]ColumnDescriptor(nil), d.columns...)
}

// columnTypes maps the names accepted by ParseColumns.
var columnTypes = map[string]arrow.DataType{
	"int8":         arrow.PrimitiveTypes.Int8,
	"int16":        arrow.PrimitiveTypes.Int16,
	"int32":        arrow.PrimitiveTypes.Int32,
	"int64":        arrow.PrimitiveTypes.Int64,
	"uint8":        arrow.PrimitiveTypes.Uint8,
	"uint16":       arrow.PrimitiveTypes.Uint16,
	"uint32":       arrow.PrimitiveTypes.Uint32,
	"uint64":       arrow.PrimitiveTypes.Uint64,
	"float32":      arrow.PrimitiveTypes.Float32,
	"float":        arrow.PrimitiveTypes.Float32,
	"float64":      arrow.PrimitiveTypes.Float64,
	"double":       arrow.PrimitiveTypes.Float64,
	"bool":         arrow.FixedWidthTypes.Boolean,
	"date32":       arrow.FixedWidthTypes.Date32,
	"date64":       arrow.FixedWidthTypes.Date64,
	"utf8":         arrow.BinaryTypes.String,
	"string":       arrow.BinaryTypes.String,
	"large_utf8":   arrow.BinaryTypes.LargeString,
	"large_string": arrow.BinaryTypes.LargeString,
	"binary":       arrow.BinaryTypes.Binary,
	"large_binary": arrow.BinaryTypes.LargeBinary,
}

var timeUnits = map[string]arrow.TimeUnit{
	"s":  arrow.Second,
	"ms": arrow.Millisecond,
	"us": arrow.Microsecond,
	"ns": arrow.Nanosecond,
}

// ParseColumnType parses a type name such as "int64", "utf8",
// "timestamp[us]" or "fixed_size_binary[16]".
func ParseColumnType(name string) (arrow.DataType, error) {
	name = strings.TrimSpace(name)
	if dt, ok := columnTypes[strings.ToLower(name)]; ok {
		return dt, nil
	}
	base, arg, ok := strings.Cut(name, "[")
	if !ok || !strings.HasSuffix(arg, "]") {
		return nil, fmt.Errorf("unknown column type %q", name)
	}
	arg = strings.TrimSuffix(arg, "]")
	switch strings.ToLower(strings.TrimSpace(base)) {
	case "timestamp":
		// the time zone keeps its case
		unit, tz, _ := strings.Cut(arg, ",")
		u, ok := timeUnits[strings.ToLower(strings.TrimSpace(unit))]
		if !ok {
			return nil, fmt.Errorf("unknown timestamp unit in %q", name)
		}
		return &arrow.TimestampType{Unit: u, TimeZone: strings.TrimSpace(tz)}, nil
	case "fixed_size_binary":
		n, err := strconv.Atoi(arg)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("bad width in %q", name)
		}
		return &arrow.FixedSizeBinaryType{ByteWidth: n}, nil
	}
	return nil, fmt.Errorf("unknown column type %q", name)
}

// ParseColumns parses a comma separated "name:type" list into a schema.
func ParseColumns(spec string) (*arrow.Schema, error) {
	var fields []arrow.Field
	for _, part := range splitColumns(spec) {
		name, typ, ok := strings.Cut(part, ":")
		if !ok || strings.TrimSpace(name) == "" {
			return nil, fmt.Errorf("column %q: want name:type", part)
		}
		dt, err := ParseColumnType(typ)
		if err != nil {
			return nil, fmt.Errorf("column %q: %w", name, err)
		}
		fields = append(fields, arrow.Field{Name: strings.TrimSpace(name), Type: dt, Nullable: true})
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("no columns in %q", spec)
	}
	return arrow.NewSchema(fields, nil), nil
}

// splitColumns splits on commas outside brackets, so "timestamp[us, UTC]"
// stays one entry.
func splitColumns(spec string) []string {
	var out []string
	depth, start := 0, 0
	for i, r := range spec {
		switch r {
		case '[':
			depth++
		case ']':
			depth--
		case ',':
			if depth == 0 {
				if s := strings.TrimSpace(spec[start:i]); s != "" {
					out = append(out, s)
				}
				start = i + 1
			}
		}
	}
	if s := strings.TrimSpace(spec[start:]); s != "" {
		out = append(out, s)
	}
	return out
}

// TaxiSchema is the NYC yellow-taxi trip layout used as the default
// projection of the command line client.
func TaxiSchema() *arrow.Schema {
	ts := &arrow.TimestampType{Unit: arrow.Microsecond}
	i64 := arrow.PrimitiveTypes.Int64
	f64 := arrow.PrimitiveTypes.Float64
	return arrow.NewSchema([]arrow.Field{
		{Name: "VendorID", Type: i64, Nullable: true},
		{Name: "tpep_pickup_datetime", Type: ts, Nullable: true},
		{Name: "tpep_dropoff_datetime", Type: ts, Nullable: true},
		{Name: "passenger_count", Type: i64, Nullable: true},
		{Name: "trip_distance", Type: f64, Nullable: true},
		{Name: "RatecodeID", Type: i64, Nullable: true},
		{Name: "store_and_fwd_flag", Type: arrow.BinaryTypes.String, Nullable: true},
		{Name: "PULocationID", Type: i64, Nullable: true},
		{Name: "DOLocationID", Type: i64, Nullable: true},
		{Name: "payment_type", Type: i64, Nullable: true},
		{Name: "fare_amount", Type: f64, Nullable: true},
		{Name: "extra", Type: f64, Nullable: true},
		{Name: "mta_tax", Type: f64, Nullable: true},
		{Name: "tip_amount", Type: f64, Nullable: true},
		{Name: "tolls_amount", Type: f64, Nullable: true},
		{Name: "improvement_surcharge", Type: f64, Nullable: true},
		{Name: "total_amount", Type: f64, Nullable: true},
	}, nil)
}
