// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package backend

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/google/uuid"
	"github.com/thanos-io/objstore"
)

// Store serves files published to an object store. The catalog maps each
// dataset path to a region object named by a uuid.
type Store struct {
	catalog *Catalog
	bucket  objstore.Bucket
	logger  *slog.Logger
}

// NewStore combines a catalog and a bucket.
func NewStore(catalog *Catalog, bucket objstore.Bucket, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{catalog: catalog, bucket: bucket, logger: logger}
}

// Open fetches the region published under req.Path and reads it from memory.
func (s *Store) Open(ctx context.Context, req Request) (Reader, error) {
	id, err := s.catalog.Lookup(req.Path)
	if err != nil {
		return nil, err
	}
	rc, err := s.bucket.Get(ctx, id)
	if err != nil {
		if s.bucket.IsObjNotFoundErr(err) {
			return nil, fmt.Errorf("region %s of %s is missing from the bucket: %w", id, req.Path, err)
		}
		return nil, fmt.Errorf("fetching region %s: %w", id, err)
	}
	data, err := io.ReadAll(rc)
	rc.Close()
	if err != nil {
		return nil, fmt.Errorf("fetching region %s: %w", id, err)
	}
	s.logger.Debug("fetched region", "path", req.Path, "region", id, "bytes", len(data))
	return openTable(ctx, bytes.NewReader(data), nil, req)
}

// Publish uploads the file at local as a new region and points path at it.
// The previous region of path, if any, is deleted from the bucket. A
// catalog that cannot be read fails the publish before anything is
// uploaded.
func (s *Store) Publish(ctx context.Context, path, local string) (string, error) {
	prev, lookupErr := s.catalog.Lookup(path)
	switch {
	case errors.Is(lookupErr, ErrNotPublished):
		prev = ""
	case lookupErr != nil:
		return "", fmt.Errorf("looking up %s: %w", path, lookupErr)
	}

	f, err := os.Open(local)
	if err != nil {
		return "", err
	}
	defer f.Close()

	id := uuid.NewString()
	if err := s.bucket.Upload(ctx, id, f); err != nil {
		return "", fmt.Errorf("uploading %s: %w", local, err)
	}
	if err := s.catalog.Put(path, id); err != nil {
		if derr := s.bucket.Delete(ctx, id); derr != nil {
			s.logger.Warn("deleting unpublished region", "path", path, "region", id, "err", derr)
		}
		return "", err
	}
	if prev != "" && prev != id {
		if err := s.bucket.Delete(ctx, prev); err != nil && !s.bucket.IsObjNotFoundErr(err) {
			s.logger.Warn("deleting replaced region", "path", path, "region", prev, "err", err)
		}
	}
	s.logger.Info("published", "path", path, "region", id)
	return id, nil
}

// Catalog returns the store's path catalog.
func (s *Store) Catalog() *Catalog { return s.catalog }

// Close closes the catalog and the bucket.
func (s *Store) Close() error {
	return errors.Join(s.catalog.Close(), s.bucket.Close())
}
