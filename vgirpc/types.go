// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package vgirpc

import (
	"bytes"
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"sync"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
)

// tagInfo holds parsed information from a `vgirpc` struct tag.
type tagInfo struct {
	Name      string
	Default   *string // nil if no default
	ArrowType string  // explicit type override: "int32", "float32", "binary"
}

// parseTag parses a vgirpc struct tag like "name", "name,default=foo", "name,int32".
func parseTag(tag string) tagInfo {
	parts := strings.Split(tag, ",")
	info := tagInfo{Name: parts[0]}
	for _, part := range parts[1:] {
		if strings.HasPrefix(part, "default=") {
			val := strings.TrimPrefix(part, "default=")
			info.Default = &val
		} else {
			info.ArrowType = part
		}
	}
	return info
}

// goTypeToArrowType maps a Go reflect.Type to an Arrow DataType.
// The tag provides additional type hints (e.g., "int32", "binary").
func goTypeToArrowType(t reflect.Type, tag tagInfo) (arrow.DataType, bool, error) {
	nullable := false

	// Handle pointer types (optional/nullable)
	if t.Kind() == reflect.Ptr {
		nullable = true
		t = t.Elem()
	}

	switch tag.ArrowType {
	case "int32":
		return arrow.PrimitiveTypes.Int32, nullable, nil
	case "float32":
		return arrow.PrimitiveTypes.Float32, nullable, nil
	case "binary":
		return arrow.BinaryTypes.Binary, nullable, nil
	}

	switch t.Kind() {
	case reflect.String:
		return arrow.BinaryTypes.String, nullable, nil
	case reflect.Int64, reflect.Int:
		return arrow.PrimitiveTypes.Int64, nullable, nil
	case reflect.Int32:
		return arrow.PrimitiveTypes.Int32, nullable, nil
	case reflect.Float64:
		return arrow.PrimitiveTypes.Float64, nullable, nil
	case reflect.Float32:
		return arrow.PrimitiveTypes.Float32, nullable, nil
	case reflect.Bool:
		return &arrow.BooleanType{}, nullable, nil
	case reflect.Slice:
		if t.Elem().Kind() == reflect.Uint8 {
			return arrow.BinaryTypes.Binary, nullable, nil
		}
		elemType, _, err := goTypeToArrowType(t.Elem(), tagInfo{})
		if err != nil {
			return nil, false, fmt.Errorf("list element: %w", err)
		}
		return arrow.ListOf(elemType), nullable, nil
	default:
		return nil, false, fmt.Errorf("unsupported Go type: %v (kind: %v)", t, t.Kind())
	}
}

// structToSchema builds an Arrow schema from a Go struct type using vgirpc tags.
func structToSchema(t reflect.Type) (*arrow.Schema, error) {
	if t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	if t.Kind() != reflect.Struct {
		return nil, fmt.Errorf("expected struct type, got %v", t.Kind())
	}
	var fields []arrow.Field
	for i := range t.NumField() {
		f := t.Field(i)
		tag := f.Tag.Get("vgirpc")
		if tag == "" || tag == "-" {
			continue
		}
		info := parseTag(tag)

		arrowType, nullable, err := goTypeToArrowType(f.Type, info)
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", f.Name, err)
		}
		fields = append(fields, arrow.Field{
			Name:     info.Name,
			Type:     arrowType,
			Nullable: nullable,
		})
	}
	return arrow.NewSchema(fields, nil), nil
}

// resultSchema builds an Arrow schema for a return type.
func resultSchema(t reflect.Type) (*arrow.Schema, error) {
	if t == nil {
		return arrow.NewSchema(nil, nil), nil
	}
	arrowType, nullable, err := goTypeToArrowType(t, tagInfo{})
	if err != nil {
		return nil, fmt.Errorf("result type: %w", err)
	}
	return arrow.NewSchema([]arrow.Field{
		{Name: "result", Type: arrowType, Nullable: nullable},
	}, nil), nil
}

// schemaCache memoizes parameter schemas on the calling side.
var schemaCache sync.Map // reflect.Type -> *arrow.Schema

func paramsSchemaFor(t reflect.Type) (*arrow.Schema, error) {
	if s, ok := schemaCache.Load(t); ok {
		return s.(*arrow.Schema), nil
	}
	s, err := structToSchema(t)
	if err != nil {
		return nil, err
	}
	schemaCache.Store(t, s)
	return s, nil
}

// deserializeParams reads row 0 from a record batch into a Go struct.
func deserializeParams(batch arrow.RecordBatch, target reflect.Type) (reflect.Value, error) {
	if target.Kind() == reflect.Ptr {
		target = target.Elem()
	}
	result := reflect.New(target).Elem()

	for i := range target.NumField() {
		f := target.Field(i)
		tag := f.Tag.Get("vgirpc")
		if tag == "" || tag == "-" {
			continue
		}
		info := parseTag(tag)

		colIdx := -1
		for ci := range batch.NumCols() {
			if batch.ColumnName(int(ci)) == info.Name {
				colIdx = int(ci)
				break
			}
		}
		if colIdx == -1 || batch.Column(colIdx).IsNull(0) {
			// Missing or null: use default if available, otherwise leave as zero
			if info.Default != nil {
				if err := setFieldFromString(result.Field(i), f.Type, *info.Default); err != nil {
					return reflect.Value{}, fmt.Errorf("default for %s: %w", info.Name, err)
				}
			}
			continue
		}

		if err := setFieldFromArrow(result.Field(i), f.Type, batch.Column(colIdx), 0); err != nil {
			return reflect.Value{}, fmt.Errorf("field %s: %w", info.Name, err)
		}
	}
	return result, nil
}

// deserializeResult reads the "result" column of a 1-row response batch.
func deserializeResult(batch arrow.RecordBatch, target reflect.Type) (reflect.Value, error) {
	result := reflect.New(target).Elem()
	if batch.NumCols() == 0 || batch.NumRows() == 0 {
		return result, fmt.Errorf("empty result batch")
	}
	col := batch.Column(0)
	if col.IsNull(0) {
		return result, nil
	}
	if err := setFieldFromArrow(result, target, col, 0); err != nil {
		return reflect.Value{}, fmt.Errorf("result: %w", err)
	}
	return result, nil
}

// setFieldFromArrow sets a value from an Arrow array at index idx.
func setFieldFromArrow(field reflect.Value, fieldType reflect.Type, col arrow.Array, idx int) error {
	isPtr := fieldType.Kind() == reflect.Ptr
	if isPtr {
		fieldType = fieldType.Elem()
	}
	target := field
	if isPtr {
		ptr := reflect.New(fieldType)
		field.Set(ptr)
		target = ptr.Elem()
	}

	switch c := col.(type) {
	case *array.String:
		target.SetString(c.Value(idx))
	case *array.Int64:
		target.SetInt(c.Value(idx))
	case *array.Int32:
		target.SetInt(int64(c.Value(idx)))
	case *array.Float64:
		target.SetFloat(c.Value(idx))
	case *array.Float32:
		target.SetFloat(float64(c.Value(idx)))
	case *array.Boolean:
		target.SetBool(c.Value(idx))
	case *array.Binary:
		// The IPC reader owns the value buffer; keep a private copy.
		target.SetBytes(bytes.Clone(c.Value(idx)))
	case *array.List:
		return setListField(target, fieldType, c, idx)
	default:
		return fmt.Errorf("unsupported Arrow array type: %T", col)
	}
	return nil
}

func setListField(field reflect.Value, fieldType reflect.Type, listArr *array.List, idx int) error {
	start, end := listArr.ValueOffsets(idx)
	values := listArr.ListValues()
	length := int(end - start)

	slice := reflect.MakeSlice(fieldType, length, length)
	for j := 0; j < length; j++ {
		if err := setFieldFromArrow(slice.Index(j), fieldType.Elem(), values, int(start)+j); err != nil {
			return fmt.Errorf("list element [%d]: %w", j, err)
		}
	}
	field.Set(slice)
	return nil
}

// setFieldFromString sets a struct field from a string default value.
func setFieldFromString(field reflect.Value, fieldType reflect.Type, s string) error {
	if fieldType.Kind() == reflect.Ptr {
		ptr := reflect.New(fieldType.Elem())
		field.Set(ptr)
		field = ptr.Elem()
		fieldType = fieldType.Elem()
	}
	switch fieldType.Kind() {
	case reflect.String:
		field.SetString(s)
	case reflect.Int64, reflect.Int, reflect.Int32:
		v, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return fmt.Errorf("parsing int default %q: %w", s, err)
		}
		field.SetInt(v)
	case reflect.Float64, reflect.Float32:
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return fmt.Errorf("parsing float default %q: %w", s, err)
		}
		field.SetFloat(v)
	case reflect.Bool:
		v, err := strconv.ParseBool(s)
		if err != nil {
			return fmt.Errorf("parsing bool default %q: %w", s, err)
		}
		field.SetBool(v)
	default:
		return fmt.Errorf("default value parsing not supported for %v", fieldType.Kind())
	}
	return nil
}

// serializeParams builds a 1-row record batch from a struct with vgirpc tags.
func serializeParams(schema *arrow.Schema, value reflect.Value) (arrow.RecordBatch, error) {
	mem := memory.NewGoAllocator()
	if value.Kind() == reflect.Ptr {
		value = value.Elem()
	}
	rt := value.Type()

	byName := make(map[string]int, rt.NumField())
	for i := range rt.NumField() {
		tag := rt.Field(i).Tag.Get("vgirpc")
		if tag == "" || tag == "-" {
			continue
		}
		byName[parseTag(tag).Name] = i
	}

	cols := make([]arrow.Array, 0, schema.NumFields())
	defer func() {
		for _, c := range cols {
			c.Release()
		}
	}()
	for _, f := range schema.Fields() {
		fi, ok := byName[f.Name]
		if !ok {
			return nil, fmt.Errorf("no field for column %q", f.Name)
		}
		arr, err := buildArray(mem, f.Type, value.Field(fi).Interface())
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", f.Name, err)
		}
		cols = append(cols, arr)
	}
	return array.NewRecordBatch(schema, cols, 1), nil
}

// serializeResult builds a 1-row record batch with a single "result" column.
func serializeResult(schema *arrow.Schema, value any) (arrow.RecordBatch, error) {
	mem := memory.NewGoAllocator()

	if schema.NumFields() == 0 {
		return array.NewRecordBatch(schema, nil, 0), nil
	}

	arr, err := buildArray(mem, schema.Field(0).Type, value)
	if err != nil {
		return nil, fmt.Errorf("serialize result: %w", err)
	}
	defer arr.Release()

	return array.NewRecordBatch(schema, []arrow.Array{arr}, 1), nil
}

// buildArray creates a 1-element Arrow array from a Go value.
func buildArray(mem memory.Allocator, dt arrow.DataType, value any) (arrow.Array, error) {
	b := array.NewBuilder(mem, dt)
	defer b.Release()
	if err := appendToBuilder(b, dt, value); err != nil {
		return nil, err
	}
	return b.NewArray(), nil
}

// appendToBuilder appends a single value to an Arrow array builder.
func appendToBuilder(b array.Builder, dt arrow.DataType, value any) error {
	if value == nil {
		b.AppendNull()
		return nil
	}

	rv := reflect.ValueOf(value)
	if rv.Kind() == reflect.Ptr {
		if rv.IsNil() {
			b.AppendNull()
			return nil
		}
		value = rv.Elem().Interface()
		rv = rv.Elem()
	}

	switch dt.ID() {
	case arrow.STRING:
		b.(*array.StringBuilder).Append(fmt.Sprintf("%v", value))
	case arrow.INT64:
		v, err := toInt64(value)
		if err != nil {
			return err
		}
		b.(*array.Int64Builder).Append(v)
	case arrow.INT32:
		v, err := toInt64(value)
		if err != nil {
			return err
		}
		b.(*array.Int32Builder).Append(int32(v))
	case arrow.FLOAT64:
		v, err := toFloat64(value)
		if err != nil {
			return err
		}
		b.(*array.Float64Builder).Append(v)
	case arrow.FLOAT32:
		v, err := toFloat64(value)
		if err != nil {
			return err
		}
		b.(*array.Float32Builder).Append(float32(v))
	case arrow.BOOL:
		b.(*array.BooleanBuilder).Append(value.(bool))
	case arrow.BINARY:
		v, ok := value.([]byte)
		if !ok {
			return fmt.Errorf("cannot convert %T to []byte", value)
		}
		b.(*array.BinaryBuilder).Append(v)
	case arrow.LIST:
		lb := b.(*array.ListBuilder)
		lb.Append(true)
		vb := lb.ValueBuilder()
		elem := dt.(*arrow.ListType).Elem()
		for i := range rv.Len() {
			if err := appendToBuilder(vb, elem, rv.Index(i).Interface()); err != nil {
				return fmt.Errorf("list element [%d]: %w", i, err)
			}
		}
	default:
		return fmt.Errorf("unsupported type in appendToBuilder: %v", dt)
	}
	return nil
}

// Numeric conversion helpers

func toInt64(v any) (int64, error) {
	switch val := v.(type) {
	case int64:
		return val, nil
	case int:
		return int64(val), nil
	case int32:
		return int64(val), nil
	case int16:
		return int64(val), nil
	case int8:
		return int64(val), nil
	default:
		return 0, fmt.Errorf("cannot convert %T to int64", v)
	}
}

func toFloat64(v any) (float64, error) {
	switch val := v.(type) {
	case float64:
		return val, nil
	case float32:
		return float64(val), nil
	case int:
		return float64(val), nil
	case int64:
		return float64(val), nil
	default:
		return 0, fmt.Errorf("cannot convert %T to float64", v)
	}
}
