// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

// Package benchmark registers the raw pull fixture. Every request moves one
// whole staging segment with a single-region pull and no packing, so the
// transport is timed apart from batch layout and reconstruction.
package benchmark

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/Query-farm/vgi-bulkscan/bulkscan"
	"github.com/Query-farm/vgi-bulkscan/vgirpc"
	"github.com/google/uuid"
)

// Method names of the raw fixture.
const (
	MethodRawScan    = "raw_scan"
	MethodRawGetNext = "raw_get_next"
	MethodRawDeliver = "raw_deliver"
)

// Parameter structs

type rawScanParams struct {
	Segments int64 `vgirpc:"segments"`
}

type rawNextParams struct {
	SessionID string `vgirpc:"session_id"`
}

type rawDeliverParams struct {
	BulkOrigin string `vgirpc:"bulk_origin"`
	BulkID     string `vgirpc:"bulk_id"`
	BulkSize   int64  `vgirpc:"bulk_size"`
}

func (p rawDeliverParams) handle() vgirpc.Bulk {
	return vgirpc.Bulk{Origin: p.BulkOrigin, ID: p.BulkID, Size: p.BulkSize}
}

// Fill writes the pattern every segment carries.
func Fill(buf []byte) {
	for i := range buf {
		buf[i] = byte(i % 251)
	}
}

// Check reports whether buf holds the pattern written by Fill.
func Check(buf []byte) error {
	for i, b := range buf {
		if b != byte(i%251) {
			return fmt.Errorf("benchmark: byte %d is %#x, want %#x", i, b, byte(i%251))
		}
	}
	return nil
}

// Fixture serves raw segments out of a staging pool of its own.
type Fixture struct {
	staging *bulkscan.StagingPool
	logger  *slog.Logger

	mu       sync.Mutex
	sessions map[string]int64 // segments left to send
	filled   string           // handle id whose memory holds the pattern
}

// NewFixture exposes one staging segment of the given size and registers
// raw_scan and raw_get_next on engine's server.
func NewFixture(engine *vgirpc.Engine, segment int64, logger *slog.Logger) (*Fixture, error) {
	pool, err := bulkscan.NewStagingPool(engine, 1, segment)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	f := &Fixture{
		staging:  pool,
		logger:   logger,
		sessions: make(map[string]int64),
	}
	srv := engine.Server()
	vgirpc.Unary(srv, MethodRawScan, f.scan)
	vgirpc.Unary(srv, MethodRawGetNext, f.getNext)
	return f, nil
}

// Segment returns the bytes moved per request.
func (f *Fixture) Segment() int64 { return f.staging.Capacity() }

// Close withdraws the segment.
func (f *Fixture) Close() { f.staging.Close() }

// Handler implementations

func (f *Fixture) scan(_ context.Context, call *vgirpc.CallContext, p rawScanParams) (string, error) {
	if p.Segments <= 0 {
		return "", &vgirpc.RpcError{Type: bulkscan.ErrInvalidRequest.Type, Message: fmt.Sprintf("segments must be positive, got %d", p.Segments)}
	}
	id := uuid.NewString()
	f.mu.Lock()
	f.sessions[id] = p.Segments
	f.mu.Unlock()
	f.logger.Debug("raw session opened", "session", id, "origin", call.Origin, "segments", p.Segments)
	return id, nil
}

// claim takes one segment of a session, removing it once none are left.
func (f *Fixture) claim(id string) (ok, exhausted bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	left, ok := f.sessions[id]
	if !ok {
		return false, false
	}
	if left == 0 {
		delete(f.sessions, id)
		return true, true
	}
	f.sessions[id] = left - 1
	return true, false
}

// getNext has the caller pull the whole segment and replies once it has.
func (f *Fixture) getNext(ctx context.Context, call *vgirpc.CallContext, p rawNextParams) (int64, error) {
	ok, exhausted := f.claim(p.SessionID)
	if !ok {
		return 0, &vgirpc.RpcError{Type: bulkscan.ErrUnknownSession.Type, Message: fmt.Sprintf("raw session %q", p.SessionID)}
	}
	if exhausted {
		return bulkscan.StatusExhausted, nil
	}
	caller, err := call.Caller()
	if err != nil {
		return 0, err
	}
	sb, err := f.staging.Acquire(ctx)
	if err != nil {
		return 0, err
	}
	f.prepare(sb)

	h := sb.Handle()
	status, err := vgirpc.Call[rawDeliverParams, int64](ctx, caller, MethodRawDeliver,
		rawDeliverParams{BulkOrigin: h.Origin, BulkID: h.ID, BulkSize: h.Size})
	if err != nil {
		if errors.Is(err, vgirpc.ErrRpc) {
			f.staging.Release(sb)
		} else {
			f.staging.Retire(sb)
		}
		return 0, &vgirpc.RpcError{Type: bulkscan.ErrTransferFailed.Type, Message: fmt.Sprintf("raw deliver to %s: %v", call.Origin, err)}
	}
	f.staging.Release(sb)
	if status != 0 {
		return 0, &vgirpc.RpcError{Type: bulkscan.ErrTransferFailed.Type, Message: fmt.Sprintf("raw deliver returned status %d", status)}
	}
	call.RecordBulk(h.Size)
	return bulkscan.StatusDelivered, nil
}

// prepare writes the pattern into a segment the first time its handle is
// served. A retired segment comes back as fresh memory.
func (f *Fixture) prepare(sb *bulkscan.StagingBuffer) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if id := sb.Handle().ID; id != f.filled {
		Fill(sb.Bytes())
		f.filled = id
	}
}
