// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package benchmark

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/Query-farm/vgi-bulkscan/bulkscan"
	"github.com/Query-farm/vgi-bulkscan/vgirpc"
)

// Report sums the client side phases of every raw pull in a run.
type Report struct {
	Segments int64
	Bytes    int64
	// Alloc is the time spent allocating receive buffers.
	Alloc time.Duration
	// Expose is the time spent registering them write-only.
	Expose time.Duration
	// Pull is the time spent in the one-sided pulls.
	Pull time.Duration
	// Elapsed covers the whole run, requests included.
	Elapsed time.Duration
}

// Throughput returns bytes per second over Elapsed.
func (r Report) Throughput() float64 {
	if r.Elapsed <= 0 {
		return 0
	}
	return float64(r.Bytes) / r.Elapsed.Seconds()
}

type ClientOptions struct {
	Logger *slog.Logger
	// Verify checks every pulled segment against the fixture pattern.
	Verify bool
}

// Client drives raw sessions. It registers raw_deliver on its engine.
type Client struct {
	engine *vgirpc.Engine
	server *vgirpc.Endpoint
	opts   ClientOptions

	mu     sync.Mutex
	report Report
}

func NewClient(engine *vgirpc.Engine, serverAddr string, opts ClientOptions) (*Client, error) {
	ep, err := engine.Lookup(serverAddr)
	if err != nil {
		return nil, err
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	c := &Client{engine: engine, server: ep, opts: opts}
	vgirpc.Unary(engine.Server(), MethodRawDeliver, c.deliver)
	return c, nil
}

// Run pulls segments whole segments from the server and returns the
// phase timings. Runs on one client must not overlap.
func (c *Client) Run(ctx context.Context, segments int64) (Report, error) {
	c.mu.Lock()
	c.report = Report{}
	c.mu.Unlock()

	start := time.Now()
	id, err := vgirpc.Call[rawScanParams, string](ctx, c.server, MethodRawScan, rawScanParams{Segments: segments})
	if err != nil {
		return Report{}, err
	}
	for {
		status, err := vgirpc.Call[rawNextParams, int64](ctx, c.server, MethodRawGetNext, rawNextParams{SessionID: id})
		if err != nil {
			return c.snapshot(time.Since(start)), err
		}
		if status == bulkscan.StatusExhausted {
			break
		}
	}
	return c.snapshot(time.Since(start)), nil
}

func (c *Client) snapshot(elapsed time.Duration) Report {
	c.mu.Lock()
	defer c.mu.Unlock()
	r := c.report
	r.Elapsed = elapsed
	return r
}

func (c *Client) deliver(ctx context.Context, call *vgirpc.CallContext, p rawDeliverParams) (int64, error) {
	t := time.Now()
	buf := make([]byte, p.BulkSize)
	alloc := time.Since(t)

	t = time.Now()
	dst := c.engine.Expose([][]byte{buf}, vgirpc.BulkWriteOnly)
	expose := time.Since(t)
	defer dst.Release()

	t = time.Now()
	n, err := dst.Pull(ctx, p.handle(), []vgirpc.Region{{Offset: 0, Length: p.BulkSize}})
	pull := time.Since(t)
	if err != nil {
		return 0, err
	}
	call.RecordBulk(n)
	if c.opts.Verify {
		if err := Check(buf); err != nil {
			return 0, err
		}
	}

	c.mu.Lock()
	c.report.Segments++
	c.report.Bytes += n
	c.report.Alloc += alloc
	c.report.Expose += expose
	c.report.Pull += pull
	c.mu.Unlock()
	c.opts.Logger.Debug("raw segment pulled", "bytes", n, "alloc", alloc, "expose", expose, "pull", pull)
	return 0, nil
}
