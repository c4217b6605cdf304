// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

// Package backend provides the storage readers a scan session pulls row
// batches from.
//
// A [Reader] yields Arrow record batches already projected to the requested
// columns. Readers are obtained from an [Openers] table keyed by [Kind]:
//
//	dataset      a directory of Parquet or Arrow IPC files, read in name order
//	dataset+mem  the same directory, fully loaded into memory at open
//	file         a single Parquet or Arrow IPC file
//	file+mmap    a single file read through a memory map
//	objstore     a published region fetched from an object store bucket
//
// The filter bytes of a [Request] are carried for the storage layer but not
// evaluated here.
package backend

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/apache/arrow-go/v18/arrow"
)

// Kind selects a storage backend.
type Kind string

const (
	KindDataset    Kind = "dataset"
	KindDatasetMem Kind = "dataset+mem"
	KindFile       Kind = "file"
	KindFileMmap   Kind = "file+mmap"
	KindObjstore   Kind = "objstore"
)

// ParseKind validates a backend name.
func ParseKind(s string) (Kind, error) {
	switch k := Kind(strings.ToLower(strings.TrimSpace(s))); k {
	case KindDataset, KindDatasetMem, KindFile, KindFileMmap, KindObjstore:
		return k, nil
	}
	return "", fmt.Errorf("backend: unknown kind %q", s)
}

// ErrUnavailable is wrapped by every error a backend returns while opening.
var ErrUnavailable = errors.New("backend: unavailable")

// Request describes what to read.
type Request struct {
	Path string
	// Filter is an opaque predicate for the storage layer.
	Filter []byte
	// Projection lists the columns to return, in order. Nil returns every
	// column of the source.
	Projection *arrow.Schema
	// DatasetSchema, when set, must be contained in the source schema.
	DatasetSchema *arrow.Schema
}

// Reader yields row batches. Next returns io.EOF once the source is
// exhausted. The caller owns each returned batch and must Release it.
type Reader interface {
	Schema() *arrow.Schema
	Next(ctx context.Context) (arrow.RecordBatch, error)
	Close() error
}

// Opener opens a reader for one request.
type Opener func(ctx context.Context, req Request) (Reader, error)

// Factory opens readers by kind.
type Factory interface {
	Open(ctx context.Context, kind Kind, req Request) (Reader, error)
}

// Openers is a [Factory] backed by a table of openers.
type Openers map[Kind]Opener

// Defaults returns the openers for the local file backends.
func Defaults() Openers {
	return Openers{
		KindDataset:    OpenDataset,
		KindDatasetMem: OpenMemoryDataset,
		KindFile:       OpenFile,
		KindFileMmap:   OpenMappedFile,
	}
}

// With returns a copy of o with kind bound to fn.
func (o Openers) With(kind Kind, fn Opener) Openers {
	out := make(Openers, len(o)+1)
	for k, v := range o {
		out[k] = v
	}
	out[kind] = fn
	return out
}

// Kinds lists the registered kinds in sorted order.
func (o Openers) Kinds() []Kind {
	out := make([]Kind, 0, len(o))
	for k := range o {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Open implements [Factory].
func (o Openers) Open(ctx context.Context, kind Kind, req Request) (Reader, error) {
	fn, ok := o[kind]
	if !ok {
		return nil, fmt.Errorf("%w: no backend registered for %q", ErrUnavailable, kind)
	}
	if req.Path == "" {
		return nil, fmt.Errorf("%w: empty path", ErrUnavailable)
	}
	r, err := fn(ctx, req)
	if err != nil {
		if errors.Is(err, ErrUnavailable) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %s %s: %w", ErrUnavailable, kind, req.Path, err)
	}
	return r, nil
}
