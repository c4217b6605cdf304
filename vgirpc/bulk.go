// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package vgirpc

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"
)

// BulkMode states which one-sided operations peers may perform on an
// exposed region.
type BulkMode int

const (
	// BulkReadOnly regions can be pulled from by peers.
	BulkReadOnly BulkMode = iota
	// BulkWriteOnly regions can only be the destination of a local pull.
	BulkWriteOnly
	// BulkReadWrite regions allow both.
	BulkReadWrite
)

func (m BulkMode) readable() bool { return m != BulkWriteOnly }
func (m BulkMode) writable() bool { return m != BulkReadOnly }

// Bulk is the serializable handle of an exposed region: which engine owns
// it, its identifier there, and its total size in bytes.
type Bulk struct {
	Origin string
	ID     string
	Size   int64
}

// Region is a byte range of a bulk handle.
type Region struct {
	Offset int64
	Length int64
}

// End returns the first byte past the region.
func (r Region) End() int64 { return r.Offset + r.Length }

// LocalBulk is a set of memory segments exposed by an engine. The segments
// are addressed as one contiguous range in order.
type LocalBulk struct {
	engine   *Engine
	id       string
	mode     BulkMode
	segments [][]byte
	size     int64
}

// Expose registers segments for one-sided access. The caller keeps
// ownership of the memory and must not reuse it before [LocalBulk.Release].
func (e *Engine) Expose(segments [][]byte, mode BulkMode) *LocalBulk {
	b := &LocalBulk{
		engine:   e,
		id:       uuid.NewString(),
		mode:     mode,
		segments: segments,
	}
	for _, s := range segments {
		b.size += int64(len(s))
	}
	e.bulkMu.Lock()
	e.bulks[b.id] = b
	e.bulkMu.Unlock()
	return b
}

func (e *Engine) bulk(id string) (*LocalBulk, bool) {
	e.bulkMu.RLock()
	b, ok := e.bulks[id]
	e.bulkMu.RUnlock()
	return b, ok
}

// Handle returns the handle peers use to address this region.
func (b *LocalBulk) Handle() Bulk {
	return Bulk{Origin: b.engine.addr, ID: b.id, Size: b.size}
}

// Size returns the exposed size in bytes.
func (b *LocalBulk) Size() int64 { return b.size }

// Release withdraws the exposure. Later pulls against the handle fail.
func (b *LocalBulk) Release() {
	b.engine.bulkMu.Lock()
	delete(b.engine.bulks, b.id)
	b.engine.bulkMu.Unlock()
}

// Pull copies the listed regions of remote, in order, into this region from
// its start. It is a single operation: either every byte arrives or an
// error is returned. It returns the number of bytes moved.
func (b *LocalBulk) Pull(ctx context.Context, remote Bulk, regions []Region) (int64, error) {
	if !b.mode.writable() {
		return 0, fmt.Errorf("vgirpc: pull into read-only bulk %s", b.id)
	}
	total, err := checkRegions(regions, remote.Size)
	if err != nil {
		return 0, err
	}
	if total > b.size {
		return 0, fmt.Errorf("vgirpc: pull of %d bytes into bulk of %d bytes", total, b.size)
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	if b.engine.directPull {
		if src, ok := localBulk(remote); ok {
			if !src.mode.readable() {
				return 0, fmt.Errorf("vgirpc: bulk %s is not readable", remote.ID)
			}
			// the handle's size is the peer's claim; bound by what is exposed
			if _, err := checkRegions(regions, src.size); err != nil {
				return 0, err
			}
			dst := segmentViews(b.segments, 0, total)
			for _, r := range regions {
				dst = copyViews(dst, segmentViews(src.segments, r.Offset, r.Length))
			}
			return total, nil
		}
	}
	return b.pullRemote(ctx, remote, regions, total)
}

// bulkReadParams is the request of the built-in bulk read method.
type bulkReadParams struct {
	BulkID   string  `vgirpc:"bulk_id"`
	Offsets  []int64 `vgirpc:"offsets"`
	Lengths  []int64 `vgirpc:"lengths"`
	Compress bool    `vgirpc:"compress,default=false"`
}

var decoder = sync.OnceValues(func() (*zstd.Decoder, error) {
	return zstd.NewReader(nil)
})

func (b *LocalBulk) pullRemote(ctx context.Context, remote Bulk, regions []Region, total int64) (int64, error) {
	ep, err := b.engine.Lookup(remote.Origin)
	if err != nil {
		return 0, err
	}
	params := bulkReadParams{
		BulkID:   remote.ID,
		Offsets:  make([]int64, len(regions)),
		Lengths:  make([]int64, len(regions)),
		Compress: b.engine.compression > 0,
	}
	for i, r := range regions {
		params.Offsets[i] = r.Offset
		params.Lengths[i] = r.Length
	}
	data, err := Call[bulkReadParams, []byte](ctx, ep, MethodBulkRead, params)
	if err != nil {
		return 0, err
	}
	if params.Compress {
		dec, err := decoder()
		if err != nil {
			return 0, err
		}
		data, err = dec.DecodeAll(data, make([]byte, 0, total))
		if err != nil {
			return 0, fmt.Errorf("vgirpc: decompressing bulk read: %w", err)
		}
	}
	if int64(len(data)) != total {
		return 0, fmt.Errorf("vgirpc: bulk read returned %d bytes, want %d", len(data), total)
	}
	copyViews(segmentViews(b.segments, 0, total), [][]byte{data})
	return total, nil
}

// serveBulkRead answers pulls from remote engines.
func (e *Engine) serveBulkRead(_ context.Context, call *CallContext, p bulkReadParams) ([]byte, error) {
	src, ok := e.bulk(p.BulkID)
	if !ok {
		return nil, &RpcError{Type: "BulkError", Message: fmt.Sprintf("unknown bulk handle %q", p.BulkID)}
	}
	if !src.mode.readable() {
		return nil, &RpcError{Type: "BulkError", Message: fmt.Sprintf("bulk %q is not readable", p.BulkID)}
	}
	if len(p.Offsets) != len(p.Lengths) {
		return nil, &RpcError{Type: "BulkError", Message: "offsets and lengths differ in length"}
	}
	regions := make([]Region, len(p.Offsets))
	for i := range regions {
		regions[i] = Region{Offset: p.Offsets[i], Length: p.Lengths[i]}
	}
	total, err := checkRegions(regions, src.size)
	if err != nil {
		return nil, &RpcError{Type: "BulkError", Message: err.Error()}
	}

	out := make([]byte, total)
	dst := [][]byte{out}
	for _, r := range regions {
		dst = copyViews(dst, segmentViews(src.segments, r.Offset, r.Length))
	}
	call.RecordBulk(total)

	if !p.Compress {
		return out, nil
	}
	enc, err := e.encoder()
	if err != nil {
		return nil, err
	}
	return enc.EncodeAll(out, nil), nil
}

func localBulk(h Bulk) (*LocalBulk, bool) {
	enginesMu.RLock()
	e, ok := engines[h.Origin]
	enginesMu.RUnlock()
	if !ok {
		return nil, false
	}
	return e.bulk(h.ID)
}

func checkRegions(regions []Region, size int64) (int64, error) {
	var total int64
	for i, r := range regions {
		if r.Offset < 0 || r.Length < 0 || r.End() > size {
			return 0, fmt.Errorf("vgirpc: region %d [%d,+%d) outside bulk of %d bytes", i, r.Offset, r.Length, size)
		}
		total += r.Length
	}
	return total, nil
}

// segmentViews returns sub-slices covering n bytes starting at off within
// the concatenation of segs.
func segmentViews(segs [][]byte, off, n int64) [][]byte {
	var out [][]byte
	for _, s := range segs {
		if n == 0 {
			break
		}
		l := int64(len(s))
		if off >= l {
			off -= l
			continue
		}
		end := min(l, off+n)
		out = append(out, s[off:end])
		n -= end - off
		off = 0
	}
	return out
}

// copyViews copies src into dst and returns what is left of dst.
func copyViews(dst, src [][]byte) [][]byte {
	for len(dst) > 0 && len(src) > 0 {
		c := copy(dst[0], src[0])
		dst[0] = dst[0][c:]
		src[0] = src[0][c:]
		if len(dst[0]) == 0 {
			dst = dst[1:]
		}
		if len(src[0]) == 0 {
			src = src[1:]
		}
	}
	return dst
}
