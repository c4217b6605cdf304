// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package bulkscan

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Query-farm/vgi-bulkscan/vgirpc"
)

func TestStagingPoolLeases(t *testing.T) {
	e := newEngine(t, "inproc://")
	pool, err := NewStagingPool(e, 1, 64)
	if err != nil {
		t.Fatal(err)
	}
	defer pool.Close()
	if pool.Size() != 1 || pool.Capacity() != 64 {
		t.Fatalf("pool = %d x %d", pool.Size(), pool.Capacity())
	}

	ctx := context.Background()
	sb, err := pool.Acquire(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if h := sb.Handle(); h.Origin != e.Self() || h.Size != 64 {
		t.Errorf("handle = %+v", h)
	}

	short, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	if _, err := pool.Acquire(short); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("second Acquire = %v, want deadline exceeded", err)
	}

	got := make(chan *StagingBuffer)
	go func() {
		b, _ := pool.Acquire(ctx)
		got <- b
	}()
	sb.used = 10
	pool.Release(sb)
	if b := <-got; b != sb || b.Used() != 0 {
		t.Errorf("waiter got %p used=%d", b, b.Used())
	}
	pool.Release(sb)
}

func TestStagingPoolClose(t *testing.T) {
	e := newEngine(t, "inproc://")
	pool, err := NewStagingPool(e, 2, 16)
	if err != nil {
		t.Fatal(err)
	}
	sb, err := pool.Acquire(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	pool.Close()
	pool.Close()
	if _, err := pool.Acquire(context.Background()); !errors.Is(err, errPoolClosed) {
		t.Errorf("Acquire after Close = %v", err)
	}

	// the exposure is gone, so a pull of the leased buffer fails
	dst := e.Expose([][]byte{make([]byte, 16)}, vgirpc.BulkWriteOnly)
	defer dst.Release()
	if _, err := dst.Pull(context.Background(), sb.Handle(), []vgirpc.Region{{Offset: 0, Length: 16}}); err == nil {
		t.Error("pull from a withdrawn staging buffer succeeded")
	}

	if _, err := NewStagingPool(e, 0, 16); err == nil {
		t.Error("empty pool accepted")
	}
}

func TestStagingPoolRetire(t *testing.T) {
	e := newEngine(t, "inproc://")
	pool, err := NewStagingPool(e, 1, 16)
	if err != nil {
		t.Fatal(err)
	}
	defer pool.Close()
	ctx := context.Background()

	sb, err := pool.Acquire(ctx)
	if err != nil {
		t.Fatal(err)
	}
	old, oldBuf := sb.Handle(), sb.Bytes()
	copy(oldBuf, "session a")
	pool.Retire(sb)

	next, err := pool.Acquire(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if next.Handle().ID == old.ID {
		t.Error("retired buffer came back under the same handle")
	}
	if &next.Bytes()[0] == &oldBuf[0] {
		t.Error("retired memory came back to the pool")
	}
	copy(next.Bytes(), "session b")

	dst := e.Expose([][]byte{make([]byte, 16)}, vgirpc.BulkWriteOnly)
	defer dst.Release()
	if _, err := dst.Pull(ctx, old, []vgirpc.Region{{Offset: 0, Length: 16}}); err == nil {
		t.Error("pull of a retired handle succeeded")
	}
	if string(oldBuf[:9]) != "session a" {
		t.Errorf("retired memory overwritten: %q", oldBuf[:9])
	}

	// retiring after Close only withdraws
	pool.Close()
	pool.Retire(next)
	if _, err := dst.Pull(ctx, next.Handle(), []vgirpc.Region{{Offset: 0, Length: 16}}); err == nil {
		t.Error("pull after Close succeeded")
	}
}
