// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package vgirpc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strconv"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
)

// describeSchema is the layout of the __describe__ response, one row per method.
var describeSchema = arrow.NewSchema([]arrow.Field{
	{Name: "name", Type: arrow.BinaryTypes.String},
	{Name: "method_type", Type: arrow.BinaryTypes.String},
	{Name: "has_return", Type: &arrow.BooleanType{}},
	{Name: "params_schema_ipc", Type: arrow.BinaryTypes.Binary},
	{Name: "result_schema_ipc", Type: arrow.BinaryTypes.Binary},
	{Name: "param_types_json", Type: arrow.BinaryTypes.String, Nullable: true},
	{Name: "param_defaults_json", Type: arrow.BinaryTypes.String, Nullable: true},
}, nil)

// Describe metadata keys.
const (
	MetaProtocolName    = "vgi_rpc.protocol_name"
	MetaDescribeVersion = "vgi_rpc.describe_version"
	DescribeVersion     = "2"
)

// MethodDescription is one row of a __describe__ response.
type MethodDescription struct {
	Name          string
	MethodType    string
	HasReturn     bool
	ParamsSchema  *arrow.Schema
	ResultSchema  *arrow.Schema
	ParamTypes    map[string]string
	ParamDefaults map[string]any
}

// SerializeSchema serializes an Arrow schema to IPC stream bytes.
func SerializeSchema(schema *arrow.Schema) []byte {
	var buf bytes.Buffer
	w := ipc.NewWriter(&buf, ipc.WithSchema(schema))
	w.Close()
	return buf.Bytes()
}

// DeserializeSchema reads an Arrow schema from IPC stream bytes produced by
// [SerializeSchema].
func DeserializeSchema(data []byte) (*arrow.Schema, error) {
	r, err := ipc.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("reading schema IPC: %w", err)
	}
	defer r.Release()
	return r.Schema(), nil
}

// serveDescribe handles the __describe__ introspection request.
func (s *Server) serveDescribe(w io.Writer) error {
	batch, meta := s.buildDescribeBatch()
	defer batch.Release()

	batchWithMeta := array.NewRecordBatchWithMetadata(
		describeSchema, batch.Columns(), batch.NumRows(), meta)
	defer batchWithMeta.Release()

	writer := ipc.NewWriter(w, ipc.WithSchema(describeSchema))
	if err := writer.Write(batchWithMeta); err != nil {
		writer.Close()
		return err
	}
	return writer.Close()
}

// buildDescribeBatch builds the __describe__ response batch and metadata.
func (s *Server) buildDescribeBatch() (arrow.RecordBatch, arrow.Metadata) {
	mem := memory.NewGoAllocator()
	names := s.availableMethods()

	bldr := array.NewRecordBuilder(mem, describeSchema)
	defer bldr.Release()

	nameB := bldr.Field(0).(*array.StringBuilder)
	typeB := bldr.Field(1).(*array.StringBuilder)
	hasReturnB := bldr.Field(2).(*array.BooleanBuilder)
	paramsB := bldr.Field(3).(*array.BinaryBuilder)
	resultB := bldr.Field(4).(*array.BinaryBuilder)
	paramTypesB := bldr.Field(5).(*array.StringBuilder)
	defaultsB := bldr.Field(6).(*array.StringBuilder)

	for _, name := range names {
		info, ok := s.lookup(name)
		if !ok {
			continue
		}
		nameB.Append(name)
		typeB.Append(DispatchMethodUnary)
		hasReturnB.Append(info.ResultType != nil)
		paramsB.Append(SerializeSchema(info.ParamsSchema))
		resultB.Append(SerializeSchema(info.ResultSchema))

		if info.ParamsSchema.NumFields() > 0 {
			paramTypes := make(map[string]string)
			for _, f := range info.ParamsSchema.Fields() {
				paramTypes[f.Name] = arrowTypeToString(f.Type)
			}
			ptJSON, err := json.Marshal(paramTypes)
			if err != nil {
				slog.Error("failed to marshal param types JSON", "method", name, "err", err)
				paramTypesB.AppendNull()
			} else {
				paramTypesB.Append(string(ptJSON))
			}
		} else {
			paramTypesB.AppendNull()
		}

		// values must be native JSON types, not all strings
		if len(info.ParamDefaults) > 0 {
			typed := make(map[string]any, len(info.ParamDefaults))
			for k, v := range info.ParamDefaults {
				typed[k] = coerceDefaultValue(v, info.ParamsSchema, k)
			}
			pdJSON, err := json.Marshal(typed)
			if err != nil {
				slog.Error("failed to marshal param defaults JSON", "method", name, "err", err)
				defaultsB.AppendNull()
			} else {
				defaultsB.Append(string(pdJSON))
			}
		} else {
			defaultsB.AppendNull()
		}
	}

	cols := make([]arrow.Array, describeSchema.NumFields())
	for i := range cols {
		cols[i] = bldr.Field(i).NewArray()
		defer cols[i].Release()
	}
	batch := array.NewRecordBatch(describeSchema, cols, int64(cols[0].Len()))

	keys := []string{MetaProtocolName, MetaRequestVersion, MetaDescribeVersion}
	vals := []string{"GoRpcServer", ProtocolVersion, DescribeVersion}
	if s.serverID != "" {
		keys = append(keys, MetaServerID)
		vals = append(vals, s.serverID)
	}
	return batch, arrow.NewMetadata(keys, vals)
}

// Describe asks the engine behind ep for its method table.
func Describe(ctx context.Context, ep *Endpoint) ([]MethodDescription, error) {
	var out []MethodDescription
	err := ep.roundTrip(ctx, MethodDescribe, emptyParams(), func(batch arrow.RecordBatch) error {
		var err error
		out, err = decodeDescribeBatch(batch)
		return err
	})
	return out, err
}

func decodeDescribeBatch(batch arrow.RecordBatch) ([]MethodDescription, error) {
	if !batch.Schema().Equal(describeSchema) {
		return nil, fmt.Errorf("unexpected describe schema: %v", batch.Schema())
	}
	names := batch.Column(0).(*array.String)
	types := batch.Column(1).(*array.String)
	hasReturn := batch.Column(2).(*array.Boolean)
	params := batch.Column(3).(*array.Binary)
	results := batch.Column(4).(*array.Binary)
	paramTypes := batch.Column(5).(*array.String)
	defaults := batch.Column(6).(*array.String)

	out := make([]MethodDescription, 0, batch.NumRows())
	for i := 0; i < int(batch.NumRows()); i++ {
		d := MethodDescription{
			Name:       names.Value(i),
			MethodType: types.Value(i),
			HasReturn:  hasReturn.Value(i),
		}
		var err error
		if d.ParamsSchema, err = DeserializeSchema(params.Value(i)); err != nil {
			return nil, fmt.Errorf("%s params schema: %w", d.Name, err)
		}
		if d.ResultSchema, err = DeserializeSchema(results.Value(i)); err != nil {
			return nil, fmt.Errorf("%s result schema: %w", d.Name, err)
		}
		if paramTypes.IsValid(i) {
			if err := json.Unmarshal([]byte(paramTypes.Value(i)), &d.ParamTypes); err != nil {
				return nil, fmt.Errorf("%s param types: %w", d.Name, err)
			}
		}
		if defaults.IsValid(i) {
			if err := json.Unmarshal([]byte(defaults.Value(i)), &d.ParamDefaults); err != nil {
				return nil, fmt.Errorf("%s param defaults: %w", d.Name, err)
			}
		}
		out = append(out, d)
	}
	return out, nil
}

// coerceDefaultValue converts a string default to its proper JSON type
// based on the Arrow schema field type.
func coerceDefaultValue(val string, schema *arrow.Schema, fieldName string) any {
	indices := schema.FieldIndices(fieldName)
	if len(indices) == 0 {
		return val
	}
	f := schema.Field(indices[0])
	switch f.Type.ID() {
	case arrow.INT64, arrow.INT32:
		if v, err := strconv.ParseInt(val, 10, 64); err == nil {
			return v
		}
	case arrow.FLOAT64, arrow.FLOAT32:
		if v, err := strconv.ParseFloat(val, 64); err == nil {
			return v
		}
	case arrow.BOOL:
		if v, err := strconv.ParseBool(val); err == nil {
			return v
		}
	}
	return val
}

// arrowTypeToString returns a human-readable type name for an Arrow type.
func arrowTypeToString(dt arrow.DataType) string {
	switch dt.ID() {
	case arrow.STRING:
		return "string"
	case arrow.INT64:
		return "int"
	case arrow.INT32:
		return "int32"
	case arrow.FLOAT64:
		return "float"
	case arrow.FLOAT32:
		return "float32"
	case arrow.BOOL:
		return "bool"
	case arrow.BINARY:
		return "bytes"
	case arrow.LIST:
		lt := dt.(*arrow.ListType)
		return "list[" + arrowTypeToString(lt.Elem()) + "]"
	default:
		return dt.String()
	}
}
