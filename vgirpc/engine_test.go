// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package vgirpc

import (
	"bytes"
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"
	"time"
)

type echoParams struct {
	Text   string  `vgirpc:"text"`
	Times  int64   `vgirpc:"times,default=1"`
	Values []int64 `vgirpc:"values"`
	Note   *string `vgirpc:"note"`
}

type reverseParams struct {
	Word string `vgirpc:"word"`
}

func newTestEngine(t *testing.T, addr string, opts ...EngineOption) *Engine {
	t.Helper()
	e, err := NewEngine(addr, opts...)
	if err != nil {
		t.Fatalf("NewEngine(%q): %v", addr, err)
	}
	t.Cleanup(func() { e.Close() })
	return e
}

func registerEcho(s *Server) {
	Unary(s, "echo", func(_ context.Context, call *CallContext, p echoParams) (string, error) {
		call.ClientLog(LogInfo, "echoing", KV{Key: "text", Value: p.Text})
		var sum int64
		for _, v := range p.Values {
			sum += v
		}
		out := strings.Repeat(p.Text, int(p.Times))
		if p.Note != nil {
			out += "/" + *p.Note
		}
		if sum != 0 {
			out += "+"
		}
		return out, nil
	})
	UnaryVoid(s, "fail", func(_ context.Context, _ *CallContext, p reverseParams) error {
		return &RpcError{Type: "NopeError", Message: p.Word}
	})
}

func TestCallRoundTrip(t *testing.T) {
	for _, addr := range []string{"inproc://", "tcp://127.0.0.1:0"} {
		t.Run(addr, func(t *testing.T) {
			srv := newTestEngine(t, addr)
			registerEcho(srv.Server())
			cli := newTestEngine(t, "inproc://")

			ep, err := cli.Lookup(srv.Self())
			if err != nil {
				t.Fatalf("Lookup: %v", err)
			}
			note := "n"
			ctx := context.Background()
			got, err := Call[echoParams, string](ctx, ep, "echo", echoParams{Text: "ab", Times: 3, Values: []int64{1, 2}, Note: &note})
			if err != nil {
				t.Fatalf("Call: %v", err)
			}
			if got != "ababab/n+" {
				t.Errorf("echo = %q, want %q", got, "ababab/n+")
			}

			// the pooled connection is reused for the next call
			got, err = Call[echoParams, string](ctx, ep, "echo", echoParams{Text: "x", Times: 1})
			if err != nil {
				t.Fatalf("second Call: %v", err)
			}
			if got != "x" {
				t.Errorf("echo = %q, want %q", got, "x")
			}
		})
	}
}

func TestCallErrorKeepsType(t *testing.T) {
	srv := newTestEngine(t, "inproc://")
	registerEcho(srv.Server())
	cli := newTestEngine(t, "inproc://")
	ep, _ := cli.Lookup(srv.Self())

	err := CallVoid(context.Background(), ep, "fail", reverseParams{Word: "boom"})
	if err == nil {
		t.Fatal("expected error")
	}
	if !errors.Is(err, &RpcError{Type: "NopeError"}) {
		t.Errorf("errors.Is(NopeError) = false for %v", err)
	}
	if errors.Is(err, &RpcError{Type: "OtherError"}) {
		t.Errorf("errors.Is(OtherError) = true for %v", err)
	}
	var rpcErr *RpcError
	if !errors.As(err, &rpcErr) || rpcErr.Message != "boom" {
		t.Errorf("message = %v, want boom", err)
	}

	// unknown methods fail without breaking the connection
	if err := CallVoid(context.Background(), ep, "missing", reverseParams{}); !errors.Is(err, &RpcError{Type: "AttributeError"}) {
		t.Errorf("unknown method error = %v", err)
	}
	if _, err := Call[echoParams, string](context.Background(), ep, "echo", echoParams{Text: "ok"}); err != nil {
		t.Errorf("call after error: %v", err)
	}
}

func TestReverseCall(t *testing.T) {
	srv := newTestEngine(t, "inproc://")
	cli := newTestEngine(t, "inproc://")

	Unary(cli.Server(), "shout", func(_ context.Context, _ *CallContext, p reverseParams) (string, error) {
		return strings.ToUpper(p.Word), nil
	})
	Unary(srv.Server(), "relay", func(ctx context.Context, call *CallContext, p reverseParams) (string, error) {
		if call.Origin != cli.Self() {
			t.Errorf("origin = %q, want %q", call.Origin, cli.Self())
		}
		caller, err := call.Caller()
		if err != nil {
			return "", err
		}
		return Call[reverseParams, string](ctx, caller, "shout", p)
	})

	ep, _ := cli.Lookup(srv.Self())
	got, err := Call[reverseParams, string](context.Background(), ep, "relay", reverseParams{Word: "hi"})
	if err != nil {
		t.Fatalf("relay: %v", err)
	}
	if got != "HI" {
		t.Errorf("relay = %q, want HI", got)
	}
}

func TestBulkPull(t *testing.T) {
	cases := []struct {
		name string
		opts []EngineOption
		addr string
	}{
		{name: "direct", addr: "inproc://"},
		{name: "remote", addr: "tcp://127.0.0.1:0", opts: []EngineOption{WithDirectPull(false)}},
		{name: "compressed", addr: "tcp://127.0.0.1:0", opts: []EngineOption{WithDirectPull(false), WithCompression(3)}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			owner := newTestEngine(t, tc.addr)
			puller := newTestEngine(t, "inproc://", tc.opts...)

			src := owner.Expose([][]byte{[]byte("hello "), []byte("bulk world")}, BulkReadOnly)
			defer src.Release()

			a := make([]byte, 5)
			b := make([]byte, 5)
			dst := puller.Expose([][]byte{a, b}, BulkWriteOnly)
			defer dst.Release()

			n, err := dst.Pull(context.Background(), src.Handle(), []Region{{Offset: 0, Length: 4}, {Offset: 11, Length: 5}, {Offset: 5, Length: 1}})
			if err != nil {
				t.Fatalf("Pull: %v", err)
			}
			if n != 10 {
				t.Errorf("moved %d bytes, want 10", n)
			}
			if got := string(a) + string(b); got != "hellworld " {
				t.Errorf("pulled %q, want %q", got, "hellworld ")
			}
		})
	}
}

func TestBulkPullRejectsBadRegions(t *testing.T) {
	owner := newTestEngine(t, "inproc://")
	src := owner.Expose([][]byte{make([]byte, 8)}, BulkReadOnly)
	defer src.Release()

	dst := owner.Expose([][]byte{make([]byte, 4)}, BulkWriteOnly)
	defer dst.Release()

	ctx := context.Background()
	if _, err := dst.Pull(ctx, src.Handle(), []Region{{Offset: 6, Length: 4}}); err == nil {
		t.Error("expected error for region past the end of the source")
	}
	if _, err := dst.Pull(ctx, src.Handle(), []Region{{Offset: 0, Length: 8}}); err == nil {
		t.Error("expected error for pull larger than the destination")
	}
	if _, err := src.Pull(ctx, dst.Handle(), []Region{{Offset: 0, Length: 1}}); err == nil {
		t.Error("expected error pulling into a read-only bulk")
	}

	src.Release()
	remote := newTestEngine(t, "tcp://127.0.0.1:0", WithDirectPull(false))
	rdst := remote.Expose([][]byte{make([]byte, 4)}, BulkWriteOnly)
	defer rdst.Release()
	if _, err := rdst.Pull(ctx, src.Handle(), []Region{{Offset: 0, Length: 1}}); !errors.Is(err, &RpcError{Type: "BulkError"}) {
		t.Errorf("pull of released bulk = %v, want BulkError", err)
	}
}

func TestBulkPullChecksExposedSize(t *testing.T) {
	owner := newTestEngine(t, "inproc://")
	src := owner.Expose([][]byte{[]byte("abcd")}, BulkReadOnly)
	defer src.Release()
	dst := owner.Expose([][]byte{make([]byte, 8)}, BulkWriteOnly)
	defer dst.Release()

	inflated := src.Handle()
	inflated.Size = 16
	n, err := dst.Pull(context.Background(), inflated, []Region{{Offset: 0, Length: 8}})
	if err == nil {
		t.Fatalf("pull past the exposed bytes moved %d bytes without error", n)
	}
	if n != 0 {
		t.Errorf("failed pull reported %d bytes", n)
	}
}

func TestCallCancel(t *testing.T) {
	srv := newTestEngine(t, "inproc://")
	release := make(chan struct{})
	UnaryVoid(srv.Server(), "block", func(ctx context.Context, _ *CallContext, _ reverseParams) error {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return nil
	})
	defer close(release)

	cli := newTestEngine(t, "inproc://")
	ep, _ := cli.Lookup(srv.Self())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := CallVoid(ctx, ep, "block", reverseParams{})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("CallVoid = %v, want deadline exceeded", err)
	}
}

func TestDescribe(t *testing.T) {
	srv := newTestEngine(t, "inproc://")
	registerEcho(srv.Server())
	cli := newTestEngine(t, "inproc://")
	ep, _ := cli.Lookup(srv.Self())

	methods, err := Describe(context.Background(), ep)
	if err != nil {
		t.Fatalf("Describe: %v", err)
	}
	byName := map[string]MethodDescription{}
	for _, m := range methods {
		byName[m.Name] = m
	}
	echo, ok := byName["echo"]
	if !ok {
		t.Fatalf("echo missing from %v", methods)
	}
	if !echo.HasReturn || echo.ParamsSchema.NumFields() != 4 {
		t.Errorf("echo description = %+v", echo)
	}
	if echo.ParamTypes["values"] != "list[int]" {
		t.Errorf("values type = %q", echo.ParamTypes["values"])
	}
	if echo.ParamDefaults["times"] != float64(1) {
		t.Errorf("times default = %v", echo.ParamDefaults["times"])
	}
	if fail := byName["fail"]; fail.HasReturn {
		t.Error("fail should be void")
	}
	if _, ok := byName[MethodBulkRead]; !ok {
		t.Error("bulk read method not described")
	}
}

func TestSchemaRoundTrip(t *testing.T) {
	s, err := structToSchema(reflect.TypeOf(echoParams{}))
	if err != nil {
		t.Fatal(err)
	}
	got, err := DeserializeSchema(SerializeSchema(s))
	if err != nil {
		t.Fatal(err)
	}
	if !got.Equal(s) {
		t.Errorf("schema = %v, want %v", got, s)
	}
	if !bytes.Equal(SerializeSchema(got), SerializeSchema(s)) {
		t.Error("serialized form is not stable")
	}
}
