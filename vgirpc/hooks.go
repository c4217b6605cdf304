// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package vgirpc

import (
	"context"

	"github.com/apache/arrow-go/v18/arrow"
)

// DispatchMethodUnary is the only method type string reported in DispatchInfo.
const DispatchMethodUnary = "unary"

// DispatchHook provides observability callpoints around RPC dispatch.
// Implementations must be safe for concurrent use; every connection is
// served on its own goroutine.
type DispatchHook interface {
	OnDispatchStart(ctx context.Context, info DispatchInfo) (context.Context, HookToken)
	OnDispatchEnd(ctx context.Context, token HookToken, info DispatchInfo, stats *CallStatistics, err error)
}

// HookToken is an opaque value returned by OnDispatchStart and passed back to
// OnDispatchEnd. Only meaningful to the DispatchHook that created it.
type HookToken interface{}

// DispatchInfo carries method metadata passed to hooks.
type DispatchInfo struct {
	Method            string            // RPC method name
	MethodType        string            // DispatchMethodUnary
	ServerID          string            // Server identifier
	RequestID         string            // Client-supplied request identifier
	Origin            string            // Calling engine address, if announced
	TransportMetadata map[string]string // IPC custom metadata of the request batch
}

// CallStatistics holds per-call I/O counters.
type CallStatistics struct {
	InputBatches  int64
	OutputBatches int64
	InputRows     int64
	OutputRows    int64
	InputBytes    int64
	OutputBytes   int64
	BulkTransfers int64
	BulkBytes     int64
}

// RecordInput records one input batch with the given row count and buffer size.
func (s *CallStatistics) RecordInput(numRows, bufferBytes int64) {
	s.InputBatches++
	s.InputRows += numRows
	s.InputBytes += bufferBytes
}

// RecordOutput records one output batch with the given row count and buffer size.
func (s *CallStatistics) RecordOutput(numRows, bufferBytes int64) {
	s.OutputBatches++
	s.OutputRows += numRows
	s.OutputBytes += bufferBytes
}

// RecordBulk records one bulk operation that moved n bytes.
func (s *CallStatistics) RecordBulk(n int64) {
	s.BulkTransfers++
	s.BulkBytes += n
}

// batchBufferSize returns the total top-level buffer size in bytes across all
// columns in a record batch.
func batchBufferSize(batch arrow.RecordBatch) int64 {
	var total int64
	for i := int64(0); i < batch.NumCols(); i++ {
		col := batch.Column(int(i))
		for _, buf := range col.Data().Buffers() {
			if buf != nil {
				total += int64(buf.Len())
			}
		}
	}
	return total
}
