// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package benchmark

import (
	"context"
	"errors"
	"testing"

	"github.com/Query-farm/vgi-bulkscan/bulkscan"
	"github.com/Query-farm/vgi-bulkscan/vgirpc"
)

func newEngine(t *testing.T, addr string, opts ...vgirpc.EngineOption) *vgirpc.Engine {
	t.Helper()
	e, err := vgirpc.NewEngine(addr, opts...)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	t.Cleanup(func() { e.Close() })
	return e
}

func newPair(t *testing.T, addr string, segment int64, localOpts ...vgirpc.EngineOption) (*Fixture, *Client) {
	t.Helper()
	server := newEngine(t, addr)
	f, err := NewFixture(server, segment, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(f.Close)
	c, err := NewClient(newEngine(t, addr, localOpts...), server.Self(), ClientOptions{Verify: true})
	if err != nil {
		t.Fatal(err)
	}
	return f, c
}

func TestRawRun(t *testing.T) {
	f, c := newPair(t, "inproc://", 4096)
	if f.Segment() != 4096 {
		t.Fatalf("segment = %d", f.Segment())
	}
	for range 2 {
		r, err := c.Run(context.Background(), 3)
		if err != nil {
			t.Fatal(err)
		}
		if r.Segments != 3 || r.Bytes != 3*4096 {
			t.Errorf("report = %+v", r)
		}
		if r.Elapsed <= 0 || r.Throughput() <= 0 {
			t.Errorf("elapsed %s, throughput %f", r.Elapsed, r.Throughput())
		}
	}
}

func TestRawRunOverTCP(t *testing.T) {
	_, c := newPair(t, "tcp://127.0.0.1:0", 1<<16, vgirpc.WithDirectPull(false))
	r, err := c.Run(context.Background(), 2)
	if err != nil {
		t.Fatal(err)
	}
	if r.Segments != 2 || r.Bytes != 2<<16 {
		t.Errorf("report = %+v", r)
	}
}

func TestRawRejects(t *testing.T) {
	_, c := newPair(t, "inproc://", 64)
	ctx := context.Background()
	if _, err := c.Run(ctx, 0); !errors.Is(err, bulkscan.ErrInvalidRequest) {
		t.Errorf("Run(0) = %v, want ErrInvalidRequest", err)
	}
	_, err := vgirpc.Call[rawNextParams, int64](ctx, c.server, MethodRawGetNext, rawNextParams{SessionID: "nope"})
	if !errors.Is(err, bulkscan.ErrUnknownSession) {
		t.Errorf("raw_get_next of an unknown session = %v", err)
	}
	if _, err := NewFixture(newEngine(t, "inproc://"), 0, nil); err == nil {
		t.Error("empty segment accepted")
	}
}

func TestCheck(t *testing.T) {
	buf := make([]byte, 600)
	Fill(buf)
	if err := Check(buf); err != nil {
		t.Fatal(err)
	}
	buf[300]++
	if err := Check(buf); err == nil {
		t.Error("corrupted segment passed")
	}
}
