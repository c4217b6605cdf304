// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package bulkscan

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/Query-farm/vgi-bulkscan/backend"
	"github.com/Query-farm/vgi-bulkscan/vgirpc"
	"github.com/apache/arrow-go/v18/arrow"
)

// DeliveryPolicy decides what happens to packed batches whose delivery
// failed.
type DeliveryPolicy int

const (
	// DropOnFailure discards the batches and closes the session.
	DropOnFailure DeliveryPolicy = iota
	// RetainOnFailure keeps the batches pending so the next get_next_batch
	// delivers them again.
	RetainOnFailure
)

func (p DeliveryPolicy) String() string {
	if p == RetainOnFailure {
		return "retain"
	}
	return "drop"
}

// ParseDeliveryPolicy accepts "drop" or "retain".
func ParseDeliveryPolicy(s string) (DeliveryPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "drop":
		return DropOnFailure, nil
	case "retain":
		return RetainOnFailure, nil
	}
	return 0, fmt.Errorf("unknown delivery policy %q", s)
}

// Options configures a [Service].
type Options struct {
	// Backend is the kind of reader opened for every scan.
	Backend backend.Kind
	// StagingCapacity is the size of each staging buffer.
	StagingCapacity int64
	// StagingBuffers is the number of transfers that can be in flight at
	// once across all sessions.
	StagingBuffers int
	// BatchesPerTransfer caps how many batches one get_next_batch packs.
	BatchesPerTransfer int
	// SplitOversized slices a batch larger than a staging buffer into
	// pieces that fit instead of failing with ErrBufferOverflow.
	SplitOversized bool
	Policy         DeliveryPolicy
	// Nulls decides whether batches holding nulls fail or lose their
	// validity.
	Nulls  NullPolicy
	Logger *slog.Logger
}

// DefaultOptions returns a single 32 MiB staging buffer, one batch per
// transfer, and the dataset backend.
func DefaultOptions() Options {
	return Options{
		Backend:            backend.KindDataset,
		StagingCapacity:    DefaultStagingCapacity,
		StagingBuffers:     1,
		BatchesPerTransfer: 1,
	}
}

// Service is the server side of the scan protocol. It registers scan,
// get_next_batch, close_session and clear on an engine and pushes batches
// to callers through the deliver reverse call.
type Service struct {
	engine   *vgirpc.Engine
	registry *Registry
	staging  *StagingPool
	opts     Options
	logger   *slog.Logger
}

// NewService exposes the staging buffers and registers the scan methods on
// engine's server.
func NewService(engine *vgirpc.Engine, factory backend.Factory, opts Options) (*Service, error) {
	def := DefaultOptions()
	if opts.Backend == "" {
		opts.Backend = def.Backend
	}
	if opts.StagingCapacity <= 0 {
		opts.StagingCapacity = def.StagingCapacity
	}
	if opts.StagingBuffers <= 0 {
		opts.StagingBuffers = def.StagingBuffers
	}
	if opts.BatchesPerTransfer <= 0 {
		opts.BatchesPerTransfer = def.BatchesPerTransfer
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	pool, err := NewStagingPool(engine, opts.StagingBuffers, opts.StagingCapacity)
	if err != nil {
		return nil, err
	}
	registry := NewRegistry(factory, opts.Backend, opts.Logger)
	registry.SetNullPolicy(opts.Nulls)
	s := &Service{
		engine:   engine,
		registry: registry,
		staging:  pool,
		opts:     opts,
		logger:   opts.Logger,
	}
	srv := engine.Server()
	vgirpc.Unary(srv, MethodScan, s.scan)
	vgirpc.Unary(srv, MethodGetNextBatch, s.getNextBatch)
	vgirpc.UnaryVoid(srv, MethodCloseSession, s.closeSession)
	vgirpc.Unary(srv, MethodClear, s.clear)
	return s, nil
}

// Registry returns the service's session registry.
func (s *Service) Registry() *Registry { return s.registry }

// Close ends every session and withdraws the staging buffers.
func (s *Service) Close() {
	s.registry.CloseAll()
	s.staging.Close()
}

func (s *Service) scan(ctx context.Context, call *vgirpc.CallContext, p scanParams) (string, error) {
	req, err := DecodeScanRequest(p)
	if err != nil {
		return "", err
	}
	id, err := s.registry.Open(ctx, call.Origin, req)
	if err != nil {
		return "", err
	}
	call.ClientLog(vgirpc.LogDebug, "session opened", vgirpc.KV{Key: "session_id", Value: id})
	return id, nil
}

func (s *Service) closeSession(_ context.Context, _ *vgirpc.CallContext, p closeParams) error {
	return s.registry.Close(p.SessionID)
}

func (s *Service) clear(_ context.Context, call *vgirpc.CallContext, _ clearParams) (int64, error) {
	n := s.registry.CloseOrigin(call.Origin)
	if n > 0 {
		s.logger.Info("cleared sessions", "origin", call.Origin, "count", n)
	}
	return int64(n), nil
}

// getNextBatch packs the next batches of a session, has the caller pull
// them through deliver, and only then replies.
func (s *Service) getNextBatch(ctx context.Context, call *vgirpc.CallContext, p nextParams) (int64, error) {
	sess, err := s.registry.acquire(p.SessionID)
	if err != nil {
		return 0, err
	}
	defer s.registry.release(sess)

	// Close cancels sess.ctx; the transfer stops with either context.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(sess.ctx, cancel)
	defer stop()

	batches, err := s.collect(ctx, sess)
	if err != nil {
		s.registry.finish(sess)
		return 0, err
	}
	if len(batches) == 0 {
		s.registry.finish(sess)
		if p.Final {
			s.engine.Forget(call.Origin)
		}
		return StatusExhausted, nil
	}

	if err := s.transfer(ctx, call, sess, batches); err != nil {
		if s.opts.Policy == RetainOnFailure && sess.ctx.Err() == nil {
			sess.pushFront(batches...)
			s.logger.Warn("delivery failed, batches retained", "session", sess.id, "batches", len(batches), "err", err)
		} else {
			release(batches)
			s.registry.finish(sess)
			s.logger.Warn("delivery failed, session dropped", "session", sess.id, "err", err)
		}
		return 0, err
	}
	release(batches)
	return StatusDelivered, nil
}

// collect gathers up to BatchesPerTransfer batches that fit one staging
// buffer together. An empty result means the session is exhausted. A
// batch that does not fit after others is held over; a lone oversized
// batch is split when SplitOversized is set.
func (s *Service) collect(ctx context.Context, sess *session) ([]arrow.RecordBatch, error) {
	capacity := s.staging.Capacity()
	var (
		batches []arrow.RecordBatch
		used    int64
	)
	for len(batches) < s.opts.BatchesPerTransfer {
		b, err := sess.next(ctx)
		if err != nil {
			if len(batches) > 0 {
				// deliver what we have; the sticky error surfaces next call
				break
			}
			if errors.Is(err, io.EOF) {
				return nil, nil
			}
			return nil, newError(ErrIO, "session %s: %v", sess.id, err)
		}
		n, err := sess.packer.Size(b)
		if err != nil {
			b.Release()
			release(batches)
			return nil, err
		}
		if used+n <= capacity {
			batches = append(batches, b)
			used += n
			continue
		}
		if len(batches) > 0 {
			sess.pushFront(b)
			break
		}
		if !s.opts.SplitOversized {
			b.Release()
			return nil, newError(ErrBufferOverflow, "batch of %d rows needs %d bytes, staging buffer holds %d", b.NumRows(), n, capacity)
		}
		head, tail, err := splitToFit(sess.packer, b, capacity)
		b.Release()
		if err != nil {
			return nil, err
		}
		sess.pushFront(tail)
		batches = append(batches, head)
		break
	}
	return batches, nil
}

// splitToFit slices the longest prefix of b that packs into capacity.
func splitToFit(p *Packer, b arrow.RecordBatch, capacity int64) (head, tail arrow.RecordBatch, err error) {
	rows := b.NumRows()
	fits := func(k int64) (bool, error) {
		sl := b.NewSlice(0, k)
		defer sl.Release()
		n, err := p.Size(sl)
		return n <= capacity, err
	}
	lo, hi := int64(0), rows-1
	for lo < hi {
		mid := lo + (hi-lo+1)/2
		ok, err := fits(mid)
		if err != nil {
			return nil, nil, err
		}
		if ok {
			lo = mid
		} else {
			hi = mid - 1
		}
	}
	if lo == 0 {
		return nil, nil, newError(ErrBufferOverflow, "a single row does not fit a staging buffer of %d bytes", capacity)
	}
	return b.NewSlice(0, lo), b.NewSlice(lo, rows), nil
}

// transfer packs batches into a leased staging buffer and has the caller
// pull them. The buffer is released after the caller answers. When no
// answer arrives the caller may still be pulling, so the buffer is retired.
func (s *Service) transfer(ctx context.Context, call *vgirpc.CallContext, sess *session, batches []arrow.RecordBatch) error {
	caller, err := call.Caller()
	if err != nil {
		return newError(ErrTransferFailed, "%v", err)
	}
	sb, err := s.staging.Acquire(ctx)
	if err != nil {
		return newError(ErrTransferFailed, "waiting for a staging buffer: %v", err)
	}

	td, err := sess.packer.Pack(sb, batches...)
	if err != nil {
		s.staging.Release(sb)
		return err
	}
	status, err := vgirpc.Call[deliverParams, int64](ctx, caller, MethodDeliver, encodeDeliver(sess.id, td, sb.Handle()))
	if err != nil {
		if errors.Is(err, vgirpc.ErrRpc) {
			// the handler returned, nothing reads the buffer any more
			s.staging.Release(sb)
		} else {
			s.staging.Retire(sb)
			s.logger.Debug("staging buffer retired", "session", sess.id, "err", err)
		}
		return newError(ErrTransferFailed, "deliver to %s: %v", call.Origin, err)
	}
	s.staging.Release(sb)
	if status != 0 {
		return newError(ErrTransferFailed, "deliver to %s returned status %d", call.Origin, status)
	}
	call.RecordBulk(td.TotalSize)
	s.logger.Debug("batches delivered", "session", sess.id, "batches", len(td.Batches), "rows", td.Rows(), "bytes", td.TotalSize)
	return nil
}

func release(batches []arrow.RecordBatch) {
	for _, b := range batches {
		b.Release()
	}
}
