// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package backend

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/apache/arrow-go/v18/parquet/file"
	"github.com/apache/arrow-go/v18/parquet/pqarrow"
	"golang.org/x/exp/mmap"
)

var (
	parquetMagic = []byte("PAR1")
	arrowMagic   = []byte("ARROW1")
)

// DefaultBatchRows is the number of rows per batch read from Parquet files.
const DefaultBatchRows = 64 * 1024

// source is a random-access file image.
type source interface {
	io.Reader
	io.ReaderAt
	io.Seeker
}

// readerOnly hides Close so the Parquet reader does not close a source it
// does not own.
type readerOnly struct{ source }

// batchSource yields raw batches of a file. Returned batches are borrowed
// until the next call.
type batchSource interface {
	schema() *arrow.Schema
	next() (arrow.RecordBatch, error)
	close() error
}

// OpenFile opens a single Parquet or Arrow IPC file.
func OpenFile(ctx context.Context, req Request) (Reader, error) {
	f, err := os.Open(req.Path)
	if err != nil {
		return nil, err
	}
	r, err := openTable(ctx, f, f, req)
	if err != nil {
		f.Close()
		return nil, err
	}
	return r, nil
}

// OpenMappedFile opens a single file through a read-only memory map.
func OpenMappedFile(ctx context.Context, req Request) (Reader, error) {
	m, err := mmap.Open(req.Path)
	if err != nil {
		return nil, err
	}
	r, err := openTable(ctx, io.NewSectionReader(m, 0, int64(m.Len())), m, req)
	if err != nil {
		m.Close()
		return nil, err
	}
	return r, nil
}

// openTable detects the format of src by its magic bytes. closer, when not
// nil, is closed together with the returned reader.
func openTable(ctx context.Context, src source, closer io.Closer, req Request) (Reader, error) {
	var head [6]byte
	n, err := src.ReadAt(head[:], 0)
	if n < len(parquetMagic) {
		if err == nil || errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, fmt.Errorf("reading file header: %w", err)
	}

	var (
		bs   batchSource
		proj *projection
	)
	switch {
	case bytes.HasPrefix(head[:n], parquetMagic):
		bs, proj, err = openParquet(ctx, src, req)
	case bytes.Equal(head[:n], arrowMagic):
		bs, proj, err = openIPC(src, req)
	default:
		return nil, fmt.Errorf("unrecognized file format (header %q)", head[:n])
	}
	if err != nil {
		return nil, err
	}
	return &tableReader{src: bs, proj: proj, closer: closer}, nil
}

type parquetSource struct {
	pf *file.Reader
	rr pqarrow.RecordReader
}

func openParquet(ctx context.Context, src source, req Request) (batchSource, *projection, error) {
	pf, err := file.NewParquetReader(readerOnly{src})
	if err != nil {
		return nil, nil, fmt.Errorf("opening parquet: %w", err)
	}
	fr, err := pqarrow.NewFileReader(pf, pqarrow.ArrowReadProperties{BatchSize: DefaultBatchRows}, memory.DefaultAllocator)
	if err != nil {
		pf.Close()
		return nil, nil, fmt.Errorf("opening parquet: %w", err)
	}
	full, err := fr.Schema()
	if err != nil {
		pf.Close()
		return nil, nil, fmt.Errorf("reading parquet schema: %w", err)
	}
	want, err := newProjection(full, req)
	if err != nil {
		pf.Close()
		return nil, nil, err
	}

	// read only the projected leaves
	var leaves []int
	if req.Projection != nil {
		for _, f := range want.schema.Fields() {
			if idx := pf.MetaData().Schema.ColumnIndexByName(f.Name); idx >= 0 {
				leaves = append(leaves, idx)
			}
		}
	}
	rr, err := fr.GetRecordReader(ctx, leaves, nil)
	if err != nil {
		pf.Close()
		return nil, nil, fmt.Errorf("reading parquet: %w", err)
	}
	proj, err := newProjection(rr.Schema(), Request{Projection: want.schema})
	if err != nil {
		rr.Release()
		pf.Close()
		return nil, nil, err
	}
	return &parquetSource{pf: pf, rr: rr}, proj, nil
}

func (s *parquetSource) schema() *arrow.Schema { return s.rr.Schema() }

func (s *parquetSource) next() (arrow.RecordBatch, error) {
	if s.rr.Next() {
		return s.rr.Record(), nil
	}
	if err := s.rr.Err(); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	return nil, io.EOF
}

func (s *parquetSource) close() error {
	s.rr.Release()
	return s.pf.Close()
}

type ipcSource struct {
	fr *ipc.FileReader
}

func openIPC(src source, req Request) (batchSource, *projection, error) {
	fr, err := ipc.NewFileReader(src, ipc.WithAllocator(memory.DefaultAllocator))
	if err != nil {
		return nil, nil, fmt.Errorf("opening arrow file: %w", err)
	}
	proj, err := newProjection(fr.Schema(), req)
	if err != nil {
		fr.Close()
		return nil, nil, err
	}
	return &ipcSource{fr: fr}, proj, nil
}

func (s *ipcSource) schema() *arrow.Schema { return s.fr.Schema() }

func (s *ipcSource) next() (arrow.RecordBatch, error) {
	return s.fr.Read()
}

func (s *ipcSource) close() error { return s.fr.Close() }

// projection selects and reorders columns by name.
type projection struct {
	schema *arrow.Schema
	index  []int
}

// newProjection resolves req against the source schema. Every projected
// column and every dataset column must exist in src with an identical type.
func newProjection(src *arrow.Schema, req Request) (*projection, error) {
	if req.DatasetSchema != nil {
		for _, f := range req.DatasetSchema.Fields() {
			if _, err := lookupField(src, f); err != nil {
				return nil, fmt.Errorf("dataset schema: %w", err)
			}
		}
	}
	target := req.Projection
	if target == nil {
		target = src
	}
	p := &projection{schema: target, index: make([]int, target.NumFields())}
	for i, f := range target.Fields() {
		idx, err := lookupField(src, f)
		if err != nil {
			return nil, fmt.Errorf("projection: %w", err)
		}
		p.index[i] = idx
	}
	return p, nil
}

func lookupField(src *arrow.Schema, f arrow.Field) (int, error) {
	idx := src.FieldIndices(f.Name)
	if len(idx) == 0 {
		return 0, fmt.Errorf("column %q not found", f.Name)
	}
	if got := src.Field(idx[0]).Type; !arrow.TypeEqual(got, f.Type) {
		return 0, fmt.Errorf("column %q is %s, requested %s", f.Name, got, f.Type)
	}
	return idx[0], nil
}

// apply returns a new batch holding the projected columns of b.
func (p *projection) apply(b arrow.RecordBatch) arrow.RecordBatch {
	cols := make([]arrow.Array, len(p.index))
	for i, j := range p.index {
		cols[i] = b.Column(j)
	}
	return array.NewRecordBatch(p.schema, cols, b.NumRows())
}

// tableReader adapts a batch source to [Reader]. Empty batches are skipped.
type tableReader struct {
	src    batchSource
	proj   *projection
	closer io.Closer
	once   sync.Once
	err    error
}

func (r *tableReader) Schema() *arrow.Schema { return r.proj.schema }

func (r *tableReader) Next(ctx context.Context) (arrow.RecordBatch, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		b, err := r.src.next()
		if err != nil {
			return nil, err
		}
		if b.NumRows() == 0 {
			continue
		}
		return r.proj.apply(b), nil
	}
}

func (r *tableReader) Close() error {
	r.once.Do(func() {
		r.err = r.src.close()
		if r.closer != nil {
			r.err = errors.Join(r.err, r.closer.Close())
		}
	})
	return r.err
}
