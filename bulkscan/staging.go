// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package bulkscan

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/Query-farm/vgi-bulkscan/vgirpc"
)

// DefaultStagingCapacity is the size of one staging buffer.
const DefaultStagingCapacity = 32 << 20

// StagingBuffer is a fixed-capacity region exposed read-only for peers to
// pull from. A buffer is leased to one transfer at a time.
type StagingBuffer struct {
	buf  []byte
	bulk *vgirpc.LocalBulk
	// used is the number of bytes written by the current lease.
	used int64
}

// Bytes returns the whole buffer.
func (s *StagingBuffer) Bytes() []byte { return s.buf }

// Capacity returns the buffer size in bytes.
func (s *StagingBuffer) Capacity() int64 { return int64(len(s.buf)) }

// Used returns the bytes written by the last pack.
func (s *StagingBuffer) Used() int64 { return s.used }

// Handle returns the bulk handle of the exposed buffer.
func (s *StagingBuffer) Handle() vgirpc.Bulk { return s.bulk.Handle() }

// StagingPool hands out staging buffers. Each buffer is exposed when the
// pool is created and stays exposed until Close, unless it is retired.
type StagingPool struct {
	engine  *vgirpc.Engine
	free    chan *StagingBuffer
	buffers []*StagingBuffer
	closed  chan struct{}

	// mu guards the bulk of every buffer against Close.
	mu sync.Mutex
}

// NewStagingPool allocates and exposes count buffers of capacity bytes.
func NewStagingPool(engine *vgirpc.Engine, count int, capacity int64) (*StagingPool, error) {
	if count <= 0 {
		return nil, fmt.Errorf("staging pool needs at least one buffer, got %d", count)
	}
	if capacity <= 0 {
		return nil, fmt.Errorf("staging capacity must be positive, got %d", capacity)
	}
	p := &StagingPool{
		engine: engine,
		free:   make(chan *StagingBuffer, count),
		closed: make(chan struct{}),
	}
	for range count {
		buf := make([]byte, capacity)
		sb := &StagingBuffer{buf: buf, bulk: engine.Expose([][]byte{buf}, vgirpc.BulkReadOnly)}
		p.buffers = append(p.buffers, sb)
		p.free <- sb
	}
	return p, nil
}

var errPoolClosed = errors.New("bulkscan: staging pool closed")

// Acquire waits for a free buffer.
func (p *StagingPool) Acquire(ctx context.Context) (*StagingBuffer, error) {
	select {
	case <-p.closed:
		return nil, errPoolClosed
	default:
	}
	select {
	case sb := <-p.free:
		sb.used = 0
		return sb, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-p.closed:
		return nil, errPoolClosed
	}
}

// Release returns a buffer to the pool. Only a buffer no peer can still be
// reading may be released; an abandoned transfer goes through Retire.
func (p *StagingPool) Release(sb *StagingBuffer) {
	p.free <- sb
}

// Retire withdraws the handle and memory of a buffer whose transfer was
// abandoned, then returns a fresh buffer to its slot. A late pull of the old
// handle fails, and one already copying reads memory nobody packs again.
func (p *StagingPool) Retire(sb *StagingBuffer) {
	p.mu.Lock()
	sb.bulk.Release()
	select {
	case <-p.closed:
	default:
		sb.buf = make([]byte, len(sb.buf))
		sb.bulk = p.engine.Expose([][]byte{sb.buf}, vgirpc.BulkReadOnly)
	}
	p.mu.Unlock()
	p.free <- sb
}

// Size returns the number of buffers.
func (p *StagingPool) Size() int { return len(p.buffers) }

// Capacity returns the size of each buffer.
func (p *StagingPool) Capacity() int64 { return p.buffers[0].Capacity() }

// Close withdraws every exposure. Buffers still leased stay valid in memory
// but can no longer be pulled.
func (p *StagingPool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	select {
	case <-p.closed:
		return
	default:
	}
	close(p.closed)
	for _, sb := range p.buffers {
		sb.bulk.Release()
	}
}
