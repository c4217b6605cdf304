// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package bulkscan

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/Query-farm/vgi-bulkscan/vgirpc"
	"github.com/apache/arrow-go/v18/arrow"
	"golang.org/x/sync/errgroup"
)

// ClientOptions configures a [Client].
type ClientOptions struct {
	Logger *slog.Logger
	// Concurrency bounds how many sessions ScanPaths runs at once. Values
	// below 2 scan paths one after another.
	Concurrency int
}

// ClientStats counts what a client has received.
type ClientStats struct {
	Transfers int64
	Batches   int64
	Rows      int64
	Bytes     int64
}

// Client is the receiving side of the scan protocol. It registers deliver
// on its engine, so the engine must be reachable by the server.
type Client struct {
	engine *vgirpc.Engine
	server *vgirpc.Endpoint
	opts   ClientOptions
	logger *slog.Logger

	mu       sync.Mutex
	sessions map[string]*Session

	transfers, batches, rows, bytes atomic.Int64
}

// NewClient returns a client of the server at serverAddr.
func NewClient(engine *vgirpc.Engine, serverAddr string, opts ClientOptions) (*Client, error) {
	ep, err := engine.Lookup(serverAddr)
	if err != nil {
		return nil, err
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	c := &Client{
		engine:   engine,
		server:   ep,
		opts:     opts,
		logger:   opts.Logger,
		sessions: make(map[string]*Session),
	}
	vgirpc.Unary(engine.Server(), MethodDeliver, c.deliver)
	return c, nil
}

// Session is the client view of one server session.
type Session struct {
	client *Client
	id     string
	desc   *SchemaDescriptor

	mu    sync.Mutex
	inbox []arrow.RecordBatch
	final bool
	done  bool
	// waiting is set while a get_next_batch is outstanding; deliveries
	// outside that window are refused.
	waiting bool
}

// ID returns the server-assigned session id.
func (s *Session) ID() string { return s.id }

// Schema returns the projected schema of the session's batches.
func (s *Session) Schema() *arrow.Schema { return s.desc.Schema() }

// SetFinal marks the following requests as the last of this client, so the
// server drops its connections back once the session is exhausted.
func (s *Session) SetFinal(final bool) {
	s.mu.Lock()
	s.final = final
	s.mu.Unlock()
}

// Next asks the server for the next transfer and returns the batches it
// delivered. It returns ErrExhausted at the end of the data. The caller
// owns the returned batches.
func (s *Session) Next(ctx context.Context) ([]arrow.RecordBatch, error) {
	s.mu.Lock()
	done, final := s.done, s.final
	s.waiting = !done
	s.mu.Unlock()
	if done {
		return nil, ErrExhausted
	}
	status, err := vgirpc.Call[nextParams, int64](ctx, s.client.server, MethodGetNextBatch, nextParams{SessionID: s.id, Final: final})
	s.mu.Lock()
	s.waiting = false
	batches := s.inbox
	s.inbox = nil
	if err == nil && status == StatusExhausted {
		s.done = true
	}
	s.mu.Unlock()
	if err != nil {
		release(batches)
		return nil, err
	}
	if status == StatusExhausted {
		s.client.forget(s.id)
		release(batches)
		return nil, ErrExhausted
	}
	return batches, nil
}

// Close ends the session on the server unless it is already exhausted.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	done := s.done
	s.done = true
	s.waiting = false
	inbox := s.inbox
	s.inbox = nil
	s.mu.Unlock()
	release(inbox)
	s.client.forget(s.id)
	if done {
		return nil
	}
	return vgirpc.CallVoid(ctx, s.client.server, MethodCloseSession, closeParams{SessionID: s.id})
}

func (s *Session) expecting() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.waiting
}

// push hands batches to a waiting Next. It reports false, keeping nothing,
// when Next has already returned.
func (s *Session) push(batches []arrow.RecordBatch) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.waiting {
		return false
	}
	s.inbox = append(s.inbox, batches...)
	return true
}

// Open starts a scan on the server.
func (c *Client) Open(ctx context.Context, req ScanRequest) (*Session, error) {
	desc, err := NewSchemaDescriptor(req.Projection)
	if err != nil {
		return nil, err
	}
	params, err := EncodeScanRequest(req)
	if err != nil {
		return nil, err
	}
	id, err := vgirpc.Call[scanParams, string](ctx, c.server, MethodScan, params)
	if err != nil {
		return nil, err
	}
	s := &Session{client: c, id: id, desc: desc}
	c.mu.Lock()
	c.sessions[id] = s
	c.mu.Unlock()
	c.logger.Debug("scan opened", "session", id, "path", req.Path)
	return s, nil
}

func (c *Client) lookup(id string) (*Session, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.sessions[id]
	return s, ok
}

func (c *Client) forget(id string) {
	c.mu.Lock()
	delete(c.sessions, id)
	c.mu.Unlock()
}

// deliver is called back by the server while a get_next_batch is pending.
// It pulls every segment in one operation, rebuilds the batches and hands
// them to the session before acknowledging.
func (c *Client) deliver(ctx context.Context, call *vgirpc.CallContext, p deliverParams) (int64, error) {
	s, ok := c.lookup(p.SessionID)
	if !ok {
		return 0, newError(ErrUnknownSession, "no receiving session %q", p.SessionID)
	}
	if !s.expecting() {
		return 0, newError(ErrUnknownSession, "session %q has no request waiting for a delivery", p.SessionID)
	}
	td, remote, err := decodeDeliver(p, s.desc.NumColumns())
	if err != nil {
		return 0, err
	}

	regions := td.Regions()
	buffers := make([][]byte, len(regions))
	for i, r := range regions {
		buffers[i] = make([]byte, r.Length)
	}
	dst := c.engine.Expose(buffers, vgirpc.BulkWriteOnly)
	defer dst.Release()
	n, err := dst.Pull(ctx, remote, regions)
	if err != nil {
		return 0, newError(ErrTransferFailed, "pulling %d bytes from %s: %v", td.TotalSize, remote.Origin, err)
	}
	call.RecordBulk(n)

	batches, err := Reconstruct(s.desc, td, buffers)
	if err != nil {
		return 0, err
	}
	if !s.push(batches) {
		release(batches)
		return 0, newError(ErrTransferFailed, "session %q stopped waiting during the pull", p.SessionID)
	}

	c.transfers.Add(1)
	c.batches.Add(int64(len(batches)))
	c.rows.Add(td.Rows())
	c.bytes.Add(n)
	return 0, nil
}

// Scan reads every batch of one request, passing each to fn. A batch is
// released when fn returns; fn must Retain it to keep it. Any error stops
// the scan and closes the session.
func (c *Client) Scan(ctx context.Context, req ScanRequest, fn func(arrow.RecordBatch) error) error {
	return c.scan(ctx, req, false, fn)
}

func (c *Client) scan(ctx context.Context, req ScanRequest, final bool, fn func(arrow.RecordBatch) error) (err error) {
	s, err := c.Open(ctx, req)
	if err != nil {
		return err
	}
	s.SetFinal(final)
	defer func() {
		if cerr := s.Close(context.WithoutCancel(ctx)); cerr != nil && err == nil {
			err = cerr
		}
	}()
	for {
		batches, err := s.Next(ctx)
		if errors.Is(err, ErrExhausted) {
			return nil
		}
		if err != nil {
			return err
		}
		for i, b := range batches {
			err := fn(b)
			b.Release()
			if err != nil {
				release(batches[i+1:])
				return err
			}
		}
	}
}

// ScanPaths runs req once per path. With Concurrency above one the paths
// are scanned in parallel; fn is never called concurrently. The first
// error cancels the remaining scans.
func (c *Client) ScanPaths(ctx context.Context, req ScanRequest, paths []string, fn func(path string, b arrow.RecordBatch) error) error {
	if c.opts.Concurrency < 2 {
		for i, path := range paths {
			r := req
			r.Path = path
			err := c.scan(ctx, r, i == len(paths)-1, func(b arrow.RecordBatch) error { return fn(path, b) })
			if err != nil {
				return err
			}
		}
		return nil
	}

	var mu sync.Mutex
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(c.opts.Concurrency)
	for _, path := range paths {
		r := req
		r.Path = path
		g.Go(func() error {
			return c.scan(ctx, r, false, func(b arrow.RecordBatch) error {
				mu.Lock()
				defer mu.Unlock()
				return fn(path, b)
			})
		})
	}
	return g.Wait()
}

// Collect reads a whole scan into memory. On error it returns the batches
// received so far together with the error.
func (c *Client) Collect(ctx context.Context, req ScanRequest) ([]arrow.RecordBatch, error) {
	var out []arrow.RecordBatch
	err := c.Scan(ctx, req, func(b arrow.RecordBatch) error {
		b.Retain()
		out = append(out, b)
		return nil
	})
	return out, err
}

// Clear closes every server session opened by this client's engine,
// including ones left behind by an earlier run at the same address.
func (c *Client) Clear(ctx context.Context) (int64, error) {
	return vgirpc.Call[clearParams, int64](ctx, c.server, MethodClear, clearParams{})
}

// Stats returns the counters of delivered data.
func (c *Client) Stats() ClientStats {
	return ClientStats{
		Transfers: c.transfers.Load(),
		Batches:   c.batches.Load(),
		Rows:      c.rows.Load(),
		Bytes:     c.bytes.Load(),
	}
}
