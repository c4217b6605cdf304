// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package bulkscan

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"

	"github.com/Query-farm/vgi-bulkscan/backend"
	"github.com/apache/arrow-go/v18/arrow"
	"github.com/google/uuid"
)

// session is one open scan. Its mutex is held for the whole of a
// get_next_batch call, so transfers of one session never interleave.
type session struct {
	id     string
	origin string
	desc   *SchemaDescriptor
	packer *Packer

	// ctx is cancelled by Close to abort an in-flight transfer.
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	reader  backend.Reader
	pending []arrow.RecordBatch
	// err is sticky once the reader fails or is exhausted.
	err    error
	closed bool
}

// ID returns the session id.
func (s *session) ID() string { return s.id }

// Origin returns the address of the engine that opened the session.
func (s *session) Origin() string { return s.origin }

// Schema returns the session's column layout.
func (s *session) Schema() *SchemaDescriptor { return s.desc }

// next returns a held-over batch or reads a new one. Must hold s.mu.
func (s *session) next(ctx context.Context) (arrow.RecordBatch, error) {
	if len(s.pending) > 0 {
		b := s.pending[0]
		s.pending[0] = nil
		s.pending = s.pending[1:]
		return b, nil
	}
	if s.err != nil {
		return nil, s.err
	}
	b, err := s.reader.Next(ctx)
	if err != nil {
		s.err = err
		return nil, err
	}
	return b, nil
}

// pushFront puts batches back so the next transfer starts with them.
// Must hold s.mu.
func (s *session) pushFront(batches ...arrow.RecordBatch) {
	s.pending = append(append([]arrow.RecordBatch(nil), batches...), s.pending...)
}

// teardown releases the reader and pending batches. Must hold s.mu.
func (s *session) teardown() error {
	if s.closed {
		return nil
	}
	s.closed = true
	s.cancel()
	for _, b := range s.pending {
		b.Release()
	}
	s.pending = nil
	return s.reader.Close()
}

// Registry maps session ids to open readers.
type Registry struct {
	factory backend.Factory
	kind    backend.Kind
	logger  *slog.Logger
	nulls   NullPolicy

	mu       sync.RWMutex
	sessions map[string]*session
}

// NewRegistry returns an empty registry opening readers of the given kind.
func NewRegistry(factory backend.Factory, kind backend.Kind, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		factory:  factory,
		kind:     kind,
		logger:   logger,
		sessions: make(map[string]*session),
	}
}

// SetNullPolicy sets how sessions opened afterwards treat nulls.
func (r *Registry) SetNullPolicy(p NullPolicy) { r.nulls = p }

// Open validates req, opens a reader for it and registers a new session.
// Nothing is registered when any step fails.
func (r *Registry) Open(ctx context.Context, origin string, req ScanRequest) (string, error) {
	if req.Path == "" {
		return "", newError(ErrInvalidRequest, "path is required")
	}
	if req.Projection == nil {
		return "", newError(ErrInvalidRequest, "projection schema is required")
	}
	desc, err := NewSchemaDescriptor(req.Projection)
	if err != nil {
		return "", err
	}
	reader, err := r.factory.Open(ctx, r.kind, req.backendRequest())
	if err != nil {
		r.logger.Warn("backend open failed", "path", req.Path, "backend", r.kind, "err", err)
		return "", newError(ErrBackendUnavailable, "%s: %v", req.Path, err)
	}
	if got := reader.Schema(); got.NumFields() != desc.NumColumns() {
		reader.Close()
		return "", newError(ErrSchemaMismatch, "reader yields %d columns, projection has %d", got.NumFields(), desc.NumColumns())
	}
	for i, f := range reader.Schema().Fields() {
		if !arrow.TypeEqual(f.Type, desc.Column(i).Type) {
			reader.Close()
			return "", newError(ErrSchemaMismatch, "reader column %d is %s, projection has %s", i, f.Type, desc.Column(i).Type)
		}
	}

	s := &session{
		id:     uuid.NewString(),
		origin: origin,
		desc:   desc,
		packer: NewPacker(desc).WithNulls(r.nulls),
		reader: reader,
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())

	r.mu.Lock()
	r.sessions[s.id] = s
	r.mu.Unlock()
	r.logger.Debug("session opened", "session", s.id, "path", req.Path, "origin", origin, "columns", desc.NumColumns())
	return s.id, nil
}

// acquire looks up a session and takes its lock. A session already held
// by another request fails with ErrSessionBusy.
func (r *Registry) acquire(id string) (*session, error) {
	r.mu.RLock()
	s, ok := r.sessions[id]
	r.mu.RUnlock()
	if !ok {
		return nil, newError(ErrUnknownSession, "session %q", id)
	}
	if !s.mu.TryLock() {
		return nil, newError(ErrSessionBusy, "session %q", id)
	}
	if s.closed {
		s.mu.Unlock()
		return nil, newError(ErrUnknownSession, "session %q", id)
	}
	return s, nil
}

func (r *Registry) release(s *session) {
	s.mu.Unlock()
}

// finish removes and tears down a session whose lock the caller holds.
func (r *Registry) finish(s *session) {
	r.mu.Lock()
	delete(r.sessions, s.id)
	r.mu.Unlock()
	if err := s.teardown(); err != nil {
		r.logger.Warn("closing reader", "session", s.id, "err", err)
	}
}

// NextBatch returns the next batch of a session. At the end of the data
// the session is removed and ErrExhausted returned; a reader failure also
// removes the session and returns ErrIO.
func (r *Registry) NextBatch(ctx context.Context, id string) (arrow.RecordBatch, error) {
	s, err := r.acquire(id)
	if err != nil {
		return nil, err
	}
	defer r.release(s)
	b, err := s.next(ctx)
	switch {
	case errors.Is(err, io.EOF):
		r.finish(s)
		return nil, ErrExhausted
	case err != nil:
		r.finish(s)
		return nil, newError(ErrIO, "session %s: %v", id, err)
	}
	return b, nil
}

// Close removes a session, aborting a transfer in flight and waiting for
// it to unwind. Closing an unknown session is not an error.
func (r *Registry) Close(id string) error {
	r.mu.Lock()
	s, ok := r.sessions[id]
	delete(r.sessions, id)
	r.mu.Unlock()
	if !ok {
		return nil
	}
	s.cancel()
	s.mu.Lock()
	defer s.mu.Unlock()
	r.logger.Debug("session closed", "session", id)
	return s.teardown()
}

// CloseOrigin closes every session opened by origin and returns how many
// there were.
func (r *Registry) CloseOrigin(origin string) int {
	r.mu.RLock()
	var ids []string
	for id, s := range r.sessions {
		if s.origin == origin {
			ids = append(ids, id)
		}
	}
	r.mu.RUnlock()
	for _, id := range ids {
		if err := r.Close(id); err != nil {
			r.logger.Warn("closing reader", "session", id, "err", err)
		}
	}
	return len(ids)
}

// CloseAll closes every session.
func (r *Registry) CloseAll() {
	r.mu.RLock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	for _, id := range ids {
		r.Close(id)
	}
}

// Len returns the number of open sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
