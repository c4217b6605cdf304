// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package vgirpc

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// Address schemes understood by [Listen] and [Dial].
const (
	SchemeTCP    = "tcp"
	SchemeUnix   = "unix"
	SchemeInproc = "inproc"
)

// splitAddr splits "scheme://rest". A bare "host:port" is treated as tcp.
func splitAddr(addr string) (string, string, error) {
	scheme, rest, ok := strings.Cut(addr, "://")
	if !ok {
		return SchemeTCP, addr, nil
	}
	switch scheme {
	case SchemeTCP, SchemeUnix, SchemeInproc:
		return scheme, rest, nil
	default:
		return "", "", fmt.Errorf("vgirpc: unsupported address scheme %q in %q", scheme, addr)
	}
}

// Listen opens a listener for a tcp://, unix:// or inproc:// address and
// returns it together with its canonical address. A tcp port of 0 and an
// empty inproc name are resolved to concrete values.
func Listen(addr string) (net.Listener, string, error) {
	scheme, rest, err := splitAddr(addr)
	if err != nil {
		return nil, "", err
	}
	switch scheme {
	case SchemeInproc:
		if rest == "" {
			rest = uuid.NewString()
		}
		ln, err := listenInproc(rest)
		if err != nil {
			return nil, "", err
		}
		return ln, SchemeInproc + "://" + rest, nil
	case SchemeUnix:
		ln, err := net.Listen("unix", rest)
		if err != nil {
			return nil, "", fmt.Errorf("vgirpc: listen %s: %w", addr, err)
		}
		return ln, SchemeUnix + "://" + rest, nil
	default:
		ln, err := net.Listen("tcp", rest)
		if err != nil {
			return nil, "", fmt.Errorf("vgirpc: listen %s: %w", addr, err)
		}
		return ln, SchemeTCP + "://" + ln.Addr().String(), nil
	}
}

// Dial connects to an address produced by [Listen].
func Dial(ctx context.Context, addr string) (net.Conn, error) {
	scheme, rest, err := splitAddr(addr)
	if err != nil {
		return nil, err
	}
	if scheme == SchemeInproc {
		return dialInproc(ctx, rest)
	}
	var d net.Dialer
	conn, err := d.DialContext(ctx, scheme, rest)
	if err != nil {
		return nil, fmt.Errorf("vgirpc: dial %s: %w", addr, err)
	}
	return conn, nil
}

var (
	inprocMu        sync.Mutex
	inprocListeners = map[string]*pipeListener{}
)

// pipeListener hands out the server half of net.Pipe pairs.
type pipeListener struct {
	name   string
	conns  chan net.Conn
	closed chan struct{}
	once   sync.Once
}

type pipeAddr string

func (a pipeAddr) Network() string { return SchemeInproc }
func (a pipeAddr) String() string  { return string(a) }

func listenInproc(name string) (*pipeListener, error) {
	inprocMu.Lock()
	defer inprocMu.Unlock()
	if _, ok := inprocListeners[name]; ok {
		return nil, fmt.Errorf("vgirpc: inproc address %q already in use", name)
	}
	ln := &pipeListener{
		name:   name,
		conns:  make(chan net.Conn),
		closed: make(chan struct{}),
	}
	inprocListeners[name] = ln
	return ln, nil
}

func dialInproc(ctx context.Context, name string) (net.Conn, error) {
	inprocMu.Lock()
	ln, ok := inprocListeners[name]
	inprocMu.Unlock()
	if !ok {
		return nil, fmt.Errorf("vgirpc: dial inproc://%s: no such listener", name)
	}
	client, server := net.Pipe()
	select {
	case ln.conns <- server:
		return client, nil
	case <-ln.closed:
	case <-ctx.Done():
	}
	client.Close()
	server.Close()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return nil, fmt.Errorf("vgirpc: dial inproc://%s: %w", name, net.ErrClosed)
}

func (l *pipeListener) Accept() (net.Conn, error) {
	select {
	case c := <-l.conns:
		return c, nil
	case <-l.closed:
		return nil, net.ErrClosed
	}
}

func (l *pipeListener) Close() error {
	l.once.Do(func() {
		close(l.closed)
		inprocMu.Lock()
		delete(inprocListeners, l.name)
		inprocMu.Unlock()
	})
	return nil
}

func (l *pipeListener) Addr() net.Addr { return pipeAddr(l.name) }
