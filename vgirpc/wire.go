// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package vgirpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
)

// Request represents a parsed RPC request from the wire.
type Request struct {
	Method    string
	Version   string
	RequestID string
	LogLevel  string
	Origin    string
	Batch     arrow.RecordBatch
	Metadata  map[string]string
}

// batchMetadata returns the custom metadata attached to a batch, if any.
func batchMetadata(batch arrow.RecordBatch) arrow.Metadata {
	if rb, ok := batch.(arrow.RecordBatchWithMetadata); ok {
		return rb.Metadata()
	}
	return arrow.Metadata{}
}

// ReadRequest reads one complete IPC stream from the reader and extracts
// the method name, version, and parameter values from the first batch.
func ReadRequest(r io.Reader) (*Request, error) {
	reader, err := ipc.NewReader(r)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("reading request IPC stream: %w", err)
	}
	defer reader.Release()

	if !reader.Next() {
		if err := reader.Err(); err != nil {
			return nil, fmt.Errorf("reading request batch: %w", err)
		}
		return nil, &RpcError{
			Type:    "ProtocolError",
			Message: "request stream carried no batch",
		}
	}

	batch := reader.RecordBatch()
	batch.Retain() // keep batch alive after reader is released

	meta := batchMetadata(batch)

	// Drain remaining batches (read to EOS) before any validation error so
	// the connection stays aligned on stream boundaries.
	for reader.Next() {
	}

	method, ok := meta.GetValue(MetaMethod)
	if !ok {
		batch.Release()
		return nil, &RpcError{
			Type:    "ProtocolError",
			Message: "Missing 'vgi_rpc.method' in request batch custom_metadata",
		}
	}

	version, ok := meta.GetValue(MetaRequestVersion)
	if !ok {
		batch.Release()
		return nil, &RpcError{
			Type:    "VersionError",
			Message: "Missing 'vgi_rpc.request_version' in request batch custom_metadata",
		}
	}
	if version != ProtocolVersion {
		batch.Release()
		return nil, &RpcError{
			Type:    "VersionError",
			Message: fmt.Sprintf("Unsupported request version %q, expected %q", version, ProtocolVersion),
		}
	}

	if batch.Schema().NumFields() > 0 && batch.NumRows() != 1 {
		batch.Release()
		return nil, &RpcError{
			Type:    "ProtocolError",
			Message: fmt.Sprintf("Expected 1 row in request batch, got %d", batch.NumRows()),
		}
	}

	requestID, _ := meta.GetValue(MetaRequestID)
	logLevel, _ := meta.GetValue(MetaLogLevel)
	origin, _ := meta.GetValue(MetaOrigin)

	metaMap := make(map[string]string, meta.Len())
	for i := range meta.Len() {
		metaMap[meta.Keys()[i]] = meta.Values()[i]
	}

	return &Request{
		Method:    method,
		Version:   version,
		RequestID: requestID,
		LogLevel:  logLevel,
		Origin:    origin,
		Batch:     batch,
		Metadata:  metaMap,
	}, nil
}

// WriteRequest writes a complete request IPC stream: the params batch with
// method, version and routing metadata attached.
func WriteRequest(w io.Writer, method string, params arrow.RecordBatch, requestID, origin string, logLevel LogLevel) error {
	keys := []string{MetaMethod, MetaRequestVersion}
	vals := []string{method, ProtocolVersion}
	if requestID != "" {
		keys = append(keys, MetaRequestID)
		vals = append(vals, requestID)
	}
	if origin != "" {
		keys = append(keys, MetaOrigin)
		vals = append(vals, origin)
	}
	if logLevel != "" {
		keys = append(keys, MetaLogLevel)
		vals = append(vals, string(logLevel))
	}

	schema := params.Schema()
	batch := array.NewRecordBatchWithMetadata(schema, params.Columns(), params.NumRows(), arrow.NewMetadata(keys, vals))
	defer batch.Release()

	writer := ipc.NewWriter(w, ipc.WithSchema(schema))
	if err := writer.Write(batch); err != nil {
		writer.Close()
		return fmt.Errorf("writing request batch: %w", err)
	}
	return writer.Close()
}

// ReadResponse reads one complete response IPC stream. Log batches are
// relayed to slog, an EXCEPTION batch is returned as an *RpcError, and
// decode is called on the data batch while the stream is still open.
func ReadResponse(ctx context.Context, r io.Reader, method string, decode func(arrow.RecordBatch) error) error {
	reader, err := ipc.NewReader(r)
	if err != nil {
		return fmt.Errorf("reading response IPC stream: %w", err)
	}
	defer reader.Release()

	var (
		rpcErr    *RpcError
		decodeErr error
		gotData   bool
	)
	for reader.Next() {
		batch := reader.RecordBatch()
		meta := batchMetadata(batch)
		if level, ok := meta.GetValue(MetaLogLevel); ok {
			msg, _ := meta.GetValue(MetaLogMessage)
			extra, _ := meta.GetValue(MetaLogExtra)
			requestID, _ := meta.GetValue(MetaRequestID)
			if LogLevel(level) == LogException {
				rpcErr = parseErrorExtra(msg, extra, requestID)
				continue
			}
			attrs := []any{"method", method}
			if extra != "" {
				var extras map[string]string
				if json.Unmarshal([]byte(extra), &extras) == nil {
					for k, v := range extras {
						attrs = append(attrs, k, v)
					}
				}
			}
			slog.Log(ctx, LogLevel(level).slogLevel(), msg, attrs...)
			continue
		}
		if gotData || decode == nil {
			continue
		}
		gotData = true
		decodeErr = decode(batch)
	}
	if err := reader.Err(); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("reading response batch: %w", err)
	}
	if rpcErr != nil {
		return rpcErr
	}
	if decodeErr != nil {
		return decodeErr
	}
	if decode != nil && !gotData {
		return &RpcError{Type: "ProtocolError", Message: fmt.Sprintf("%s: response carried no result batch", method)}
	}
	return nil
}

// emptyBatch creates a zero-row batch with the given schema.
func emptyBatch(schema *arrow.Schema) arrow.RecordBatch {
	mem := memory.NewGoAllocator()
	cols := make([]arrow.Array, schema.NumFields())
	for i, f := range schema.Fields() {
		cols[i] = makeEmptyArray(mem, f.Type)
	}
	batch := array.NewRecordBatch(schema, cols, 0)
	for _, c := range cols {
		c.Release()
	}
	return batch
}

// makeEmptyArray creates a zero-length array of the given type.
func makeEmptyArray(mem memory.Allocator, dt arrow.DataType) arrow.Array {
	builder := array.NewBuilder(mem, dt)
	defer builder.Release()
	return builder.NewArray()
}

// writeLogBatch writes a zero-row batch with log metadata.
func writeLogBatch(w *ipc.Writer, schema *arrow.Schema, msg LogMessage, serverID, requestID string) error {
	keys := []string{MetaLogLevel, MetaLogMessage}
	vals := []string{string(msg.Level), msg.Message}

	if len(msg.Extras) > 0 {
		extraJSON, err := json.Marshal(msg.Extras)
		if err != nil {
			extraJSON = []byte(`{}`)
		}
		keys = append(keys, MetaLogExtra)
		vals = append(vals, string(extraJSON))
	}
	if serverID != "" {
		keys = append(keys, MetaServerID)
		vals = append(vals, serverID)
	}
	if requestID != "" {
		keys = append(keys, MetaRequestID)
		vals = append(vals, requestID)
	}

	return writeMetaBatch(w, schema, keys, vals)
}

// writeErrorBatch writes a zero-row batch with EXCEPTION-level metadata.
func writeErrorBatch(w *ipc.Writer, schema *arrow.Schema, err error, serverID, requestID string, debug bool) error {
	keys := []string{MetaLogLevel, MetaLogMessage, MetaLogExtra}
	vals := []string{string(LogException), err.Error(), buildErrorExtra(err, debug)}

	if serverID != "" {
		keys = append(keys, MetaServerID)
		vals = append(vals, serverID)
	}
	if requestID != "" {
		keys = append(keys, MetaRequestID)
		vals = append(vals, requestID)
	}

	return writeMetaBatch(w, schema, keys, vals)
}

func writeMetaBatch(w *ipc.Writer, schema *arrow.Schema, keys, vals []string) error {
	batch := emptyBatch(schema)
	defer batch.Release()

	batchWithMeta := array.NewRecordBatchWithMetadata(schema, batch.Columns(), 0, arrow.NewMetadata(keys, vals))
	defer batchWithMeta.Release()

	return w.Write(batchWithMeta)
}

// WriteUnaryResponse writes a complete IPC stream containing log batches followed
// by a result batch. The stream is: schema + log batches + result batch + EOS.
func WriteUnaryResponse(w io.Writer, schema *arrow.Schema, logs []LogMessage,
	result arrow.RecordBatch, serverID, requestID string) error {

	writer := ipc.NewWriter(w, ipc.WithSchema(schema))

	for _, logMsg := range logs {
		if err := writeLogBatch(writer, schema, logMsg, serverID, requestID); err != nil {
			writer.Close()
			return fmt.Errorf("writing log batch: %w", err)
		}
	}

	if err := writer.Write(result); err != nil {
		writer.Close()
		return fmt.Errorf("writing result batch: %w", err)
	}
	return writer.Close()
}

// writeErrorResponse writes a complete IPC stream containing log batches
// followed by an error batch.
func writeErrorResponse(w io.Writer, schema *arrow.Schema, logs []LogMessage, err error, serverID, requestID string, debug bool) error {
	writer := ipc.NewWriter(w, ipc.WithSchema(schema))
	for _, logMsg := range logs {
		if werr := writeLogBatch(writer, schema, logMsg, serverID, requestID); werr != nil {
			slog.Error("failed to write log batch", "err", werr)
		}
	}
	if werr := writeErrorBatch(writer, schema, err, serverID, requestID, debug); werr != nil {
		writer.Close()
		return werr
	}
	return writer.Close()
}

// WriteVoidResponse writes a complete IPC stream with logs and a zero-row empty-schema response.
func WriteVoidResponse(w io.Writer, logs []LogMessage, serverID, requestID string) error {
	schema := arrow.NewSchema(nil, nil)
	batch := emptyBatch(schema)
	defer batch.Release()

	return WriteUnaryResponse(w, schema, logs, batch, serverID, requestID)
}
