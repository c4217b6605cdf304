// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/apache/arrow-go/v18/arrow"
)

// DataFiles lists the data files of a dataset directory in name order.
// Hidden files and names starting with an underscore are skipped. A path
// naming a regular file is a dataset of one file.
func DataFiles(path string) ([]string, error) {
	st, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if !st.IsDir() {
		return []string{path}, nil
	}
	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") || strings.HasPrefix(name, "_") {
			continue
		}
		files = append(files, filepath.Join(path, name))
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no data files in %s", path)
	}
	return files, nil
}

// OpenDataset opens a directory of files and reads them one after another.
// All files must carry the projected columns with the same types.
func OpenDataset(ctx context.Context, req Request) (Reader, error) {
	files, err := DataFiles(req.Path)
	if err != nil {
		return nil, err
	}
	first, err := OpenFile(ctx, Request{Path: files[0], Filter: req.Filter, Projection: req.Projection, DatasetSchema: req.DatasetSchema})
	if err != nil {
		return nil, err
	}
	return &datasetReader{
		files:  files[1:],
		cur:    first,
		schema: first.Schema(),
		req:    req,
	}, nil
}

type datasetReader struct {
	files  []string
	cur    Reader
	schema *arrow.Schema
	req    Request
}

func (r *datasetReader) Schema() *arrow.Schema { return r.schema }

func (r *datasetReader) Next(ctx context.Context) (arrow.RecordBatch, error) {
	for {
		if r.cur == nil {
			if len(r.files) == 0 {
				return nil, io.EOF
			}
			next, err := OpenFile(ctx, Request{Path: r.files[0], Filter: r.req.Filter, Projection: r.schema, DatasetSchema: r.req.DatasetSchema})
			if err != nil {
				return nil, err
			}
			r.files = r.files[1:]
			r.cur = next
		}
		b, err := r.cur.Next(ctx)
		if errors.Is(err, io.EOF) {
			err = r.cur.Close()
			r.cur = nil
			if err != nil {
				return nil, err
			}
			continue
		}
		return b, err
	}
}

func (r *datasetReader) Close() error {
	r.files = nil
	if r.cur == nil {
		return nil
	}
	err := r.cur.Close()
	r.cur = nil
	return err
}

// OpenMemoryDataset reads a whole dataset into memory at open time and
// serves batches from there.
func OpenMemoryDataset(ctx context.Context, req Request) (Reader, error) {
	r, err := OpenDataset(ctx, req)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	batches, err := drain(ctx, r)
	if err != nil {
		return nil, err
	}
	return NewMemoryReader(r.Schema(), batches), nil
}

// drain reads r to exhaustion.
func drain(ctx context.Context, r Reader) ([]arrow.RecordBatch, error) {
	var out []arrow.RecordBatch
	for {
		b, err := r.Next(ctx)
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			for _, b := range out {
				b.Release()
			}
			return nil, err
		}
		out = append(out, b)
	}
}

// MemoryReader serves a fixed list of batches.
type MemoryReader struct {
	schema  *arrow.Schema
	batches []arrow.RecordBatch
}

// NewMemoryReader takes ownership of batches.
func NewMemoryReader(schema *arrow.Schema, batches []arrow.RecordBatch) *MemoryReader {
	return &MemoryReader{schema: schema, batches: batches}
}

func (r *MemoryReader) Schema() *arrow.Schema { return r.schema }

func (r *MemoryReader) Next(ctx context.Context) (arrow.RecordBatch, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(r.batches) == 0 {
		return nil, io.EOF
	}
	b := r.batches[0]
	r.batches[0] = nil
	r.batches = r.batches[1:]
	return b, nil
}

func (r *MemoryReader) Close() error {
	for _, b := range r.batches {
		b.Release()
	}
	r.batches = nil
	return nil
}
