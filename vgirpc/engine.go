// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package vgirpc

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"reflect"
	"sync"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"
)

// engines maps canonical addresses of live engines in this process, so a
// bulk pull from a co-located engine can copy memory directly.
var (
	enginesMu sync.RWMutex
	engines   = map[string]*Engine{}
)

// EngineOption configures an [Engine].
type EngineOption func(*Engine)

// WithServer serves methods registered on srv instead of a fresh [Server].
func WithServer(srv *Server) EngineOption {
	return func(e *Engine) { e.server = srv }
}

// WithLogger sets the engine's logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) EngineOption {
	return func(e *Engine) { e.logger = l }
}

// WithDirectPull controls whether pulls from an engine in the same process
// copy memory directly instead of going through the bulk read call.
// Enabled by default.
func WithDirectPull(enabled bool) EngineOption {
	return func(e *Engine) { e.directPull = enabled }
}

// WithCompression enables zstd compression of bulk read payloads pulled by
// this engine. Level follows zstd conventions; 0 disables compression.
func WithCompression(level int) EngineOption {
	return func(e *Engine) { e.compression = level }
}

// WithAdvertise overrides the address announced to peers as this engine's
// origin, for listeners bound to wildcard addresses.
func WithAdvertise(addr string) EngineOption {
	return func(e *Engine) { e.advertise = addr }
}

// Engine owns a listener, serves a [Server] on every accepted connection,
// keeps pooled connections to peer engines, and tracks exposed bulk regions.
type Engine struct {
	server      *Server
	listener    net.Listener
	addr        string
	advertise   string
	logger      *slog.Logger
	directPull  bool
	compression int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once

	mu        sync.Mutex
	closed    bool
	endpoints map[string]*Endpoint
	conns     map[net.Conn]struct{}

	bulkMu sync.RWMutex
	bulks  map[string]*LocalBulk

	encOnce sync.Once
	enc     *zstd.Encoder
	encErr  error
}

// NewEngine listens on addr and starts serving immediately.
func NewEngine(addr string, opts ...EngineOption) (*Engine, error) {
	e := &Engine{
		directPull: true,
		endpoints:  make(map[string]*Endpoint),
		conns:      make(map[net.Conn]struct{}),
		bulks:      make(map[string]*LocalBulk),
	}
	for _, o := range opts {
		o(e)
	}
	if e.server == nil {
		e.server = NewServer()
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}

	ln, canonical, err := Listen(addr)
	if err != nil {
		return nil, err
	}
	e.listener = ln
	e.addr = canonical
	if e.advertise != "" {
		e.addr = e.advertise
	}
	e.server.engine = e
	if e.server.serverID == "" {
		e.server.SetServerID(e.addr)
	}
	Unary(e.server, MethodBulkRead, e.serveBulkRead)

	e.ctx, e.cancel = context.WithCancel(context.Background())

	enginesMu.Lock()
	engines[e.addr] = e
	enginesMu.Unlock()

	e.wg.Add(1)
	go e.acceptLoop()
	e.logger.Debug("engine listening", "addr", e.addr)
	return e, nil
}

// Self returns the address peers use to reach this engine.
func (e *Engine) Self() string { return e.addr }

// Server returns the method registry served by this engine.
func (e *Engine) Server() *Server { return e.server }

func (e *Engine) acceptLoop() {
	defer e.wg.Done()
	for {
		conn, err := e.listener.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				e.logger.Error("accept failed", "addr", e.addr, "err", err)
			}
			return
		}
		e.mu.Lock()
		if e.closed {
			e.mu.Unlock()
			conn.Close()
			return
		}
		e.conns[conn] = struct{}{}
		e.wg.Add(1)
		e.mu.Unlock()

		go func() {
			defer e.wg.Done()
			e.server.ServeConn(e.ctx, conn)
			conn.Close()
			e.mu.Lock()
			delete(e.conns, conn)
			e.mu.Unlock()
		}()
	}
}

// Close stops accepting, drops every connection and pooled endpoint, and
// waits for in-flight handlers to return.
func (e *Engine) Close() error {
	var err error
	e.once.Do(func() {
		enginesMu.Lock()
		if engines[e.addr] == e {
			delete(engines, e.addr)
		}
		enginesMu.Unlock()

		e.mu.Lock()
		e.closed = true
		err = e.listener.Close()
		for c := range e.conns {
			c.Close()
		}
		endpoints := e.endpoints
		e.endpoints = map[string]*Endpoint{}
		e.mu.Unlock()

		e.cancel()
		for _, ep := range endpoints {
			ep.close()
		}
		e.wg.Wait()
	})
	return err
}

// Lookup returns the pooled endpoint for a peer address.
func (e *Engine) Lookup(addr string) (*Endpoint, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, fmt.Errorf("vgirpc: lookup %s: %w", addr, net.ErrClosed)
	}
	if ep, ok := e.endpoints[addr]; ok {
		return ep, nil
	}
	if _, _, err := splitAddr(addr); err != nil {
		return nil, err
	}
	ep := &Endpoint{engine: e, addr: addr}
	e.endpoints[addr] = ep
	return ep, nil
}

// Forget drops the cached endpoint for addr. Idle connections are closed
// now, busy ones when their call returns.
func (e *Engine) Forget(addr string) {
	e.mu.Lock()
	ep, ok := e.endpoints[addr]
	delete(e.endpoints, addr)
	e.mu.Unlock()
	if ok {
		ep.close()
	}
}

// Endpoint is a handle on a peer engine with a pool of idle connections.
// Each call takes a connection for its whole request/response exchange.
type Endpoint struct {
	engine *Engine
	addr   string

	mu     sync.Mutex
	idle   []*clientConn
	closed bool
}

type clientConn struct {
	net.Conn
	r *bufio.Reader
	w *bufio.Writer
}

// Addr returns the peer address.
func (ep *Endpoint) Addr() string { return ep.addr }

func (ep *Endpoint) get(ctx context.Context) (*clientConn, error) {
	ep.mu.Lock()
	if ep.closed {
		ep.mu.Unlock()
		return nil, fmt.Errorf("vgirpc: endpoint %s: %w", ep.addr, net.ErrClosed)
	}
	if n := len(ep.idle); n > 0 {
		c := ep.idle[n-1]
		ep.idle = ep.idle[:n-1]
		ep.mu.Unlock()
		return c, nil
	}
	ep.mu.Unlock()

	conn, err := Dial(ctx, ep.addr)
	if err != nil {
		return nil, err
	}
	return &clientConn{Conn: conn, r: bufio.NewReader(conn), w: bufio.NewWriter(conn)}, nil
}

func (ep *Endpoint) put(c *clientConn) {
	ep.mu.Lock()
	if ep.closed {
		ep.mu.Unlock()
		c.Close()
		return
	}
	ep.idle = append(ep.idle, c)
	ep.mu.Unlock()
}

func (ep *Endpoint) close() {
	ep.mu.Lock()
	ep.closed = true
	idle := ep.idle
	ep.idle = nil
	ep.mu.Unlock()
	for _, c := range idle {
		c.Close()
	}
}

// expired is a deadline in the past, used to abort blocked I/O.
var expired = time.Unix(1, 0)

// roundTrip sends one request and reads its response. Cancelling ctx aborts
// blocked I/O and discards the connection.
func (ep *Endpoint) roundTrip(ctx context.Context, method string, params arrow.RecordBatch, decode func(arrow.RecordBatch) error) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("vgirpc: %s: %w", method, err)
	}
	c, err := ep.get(ctx)
	if err != nil {
		return err
	}
	stop := context.AfterFunc(ctx, func() { c.SetDeadline(expired) })

	err = WriteRequest(c.w, method, params, uuid.NewString(), ep.engine.addr, "")
	if err == nil {
		err = c.w.Flush()
	}
	if err == nil {
		err = ReadResponse(ctx, c.r, method, decode)
	}

	if !stop() {
		c.Close()
		return fmt.Errorf("vgirpc: %s on %s: %w", method, ep.addr, ctx.Err())
	}
	if err != nil {
		var rpcErr *RpcError
		if errors.As(err, &rpcErr) {
			// a complete error response leaves the connection aligned
			ep.put(c)
			return err
		}
		c.Close()
		return fmt.Errorf("vgirpc: %s on %s: %w", method, ep.addr, err)
	}
	ep.put(c)
	return nil
}

// encodeParams turns a vgirpc-tagged struct into a 1-row request batch.
func encodeParams(params any) (arrow.RecordBatch, error) {
	rv := reflect.ValueOf(params)
	schema, err := paramsSchemaFor(rv.Type())
	if err != nil {
		return nil, fmt.Errorf("vgirpc: params type %T: %w", params, err)
	}
	return serializeParams(schema, rv)
}

func emptyParams() arrow.RecordBatch {
	return emptyBatch(arrow.NewSchema(nil, nil))
}

// Call invokes a unary method on the peer behind ep and decodes its result.
func Call[P any, R any](ctx context.Context, ep *Endpoint, method string, params P) (R, error) {
	var out R
	batch, err := encodeParams(params)
	if err != nil {
		return out, err
	}
	defer batch.Release()

	rt := reflect.TypeOf(&out).Elem()
	err = ep.roundTrip(ctx, method, batch, func(b arrow.RecordBatch) error {
		v, err := deserializeResult(b, rt)
		if err != nil {
			return err
		}
		out = v.Interface().(R)
		return nil
	})
	return out, err
}

// CallVoid invokes a unary method that returns no value.
func CallVoid[P any](ctx context.Context, ep *Endpoint, method string, params P) error {
	batch, err := encodeParams(params)
	if err != nil {
		return err
	}
	defer batch.Release()
	return ep.roundTrip(ctx, method, batch, nil)
}

// encoder returns the shared zstd encoder used for bulk read payloads.
func (e *Engine) encoder() (*zstd.Encoder, error) {
	e.encOnce.Do(func() {
		level := zstd.SpeedDefault
		if e.compression > 0 {
			level = zstd.EncoderLevelFromZstd(e.compression)
		}
		e.enc, e.encErr = zstd.NewWriter(nil, zstd.WithEncoderLevel(level))
	})
	return e.enc, e.encErr
}
