// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package backend

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/dgraph-io/badger/v4"
)

// ErrNotPublished is returned when a path has no region in the catalog.
var ErrNotPublished = errors.New("backend: path not published")

var pathPrefix = []byte("path/")

// Catalog maps dataset paths to the object store regions holding them.
type Catalog struct {
	db *badger.DB
}

// OpenCatalog opens the catalog at dir. An empty dir keeps it in memory.
func OpenCatalog(dir string, logger *slog.Logger) (*Catalog, error) {
	if logger == nil {
		logger = slog.Default()
	}
	opts := badger.DefaultOptions(dir).WithLogger(badgerLogger{lg: logger})
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("opening catalog: %w", err)
	}
	return &Catalog{db: db}, nil
}

func pathKey(path string) []byte {
	return append(append([]byte(nil), pathPrefix...), path...)
}

// Put records that path is stored in region id.
func (c *Catalog) Put(path, id string) error {
	return c.db.Update(func(txn *badger.Txn) error {
		return txn.Set(pathKey(path), []byte(id))
	})
}

// Lookup returns the region id for path.
func (c *Catalog) Lookup(path string) (string, error) {
	var id string
	err := c.db.View(func(txn *badger.Txn) error {
		it, err := txn.Get(pathKey(path))
		if err != nil {
			return err
		}
		return it.Value(func(val []byte) error {
			id = string(val)
			return nil
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return "", fmt.Errorf("%w: %s", ErrNotPublished, path)
	}
	return id, err
}

// Delete removes path from the catalog.
func (c *Catalog) Delete(path string) error {
	return c.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(pathKey(path))
	})
}

// List returns every published path with the given prefix and its region.
func (c *Catalog) List(prefix string) (map[string]string, error) {
	out := map[string]string{}
	err := c.db.View(func(txn *badger.Txn) error {
		o := badger.DefaultIteratorOptions
		o.Prefix = pathKey(prefix)
		it := txn.NewIterator(o)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			path := strings.TrimPrefix(string(item.Key()), string(pathPrefix))
			err := item.Value(func(val []byte) error {
				out[path] = string(val)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	return out, err
}

// Close closes the underlying store.
func (c *Catalog) Close() error { return c.db.Close() }

var _ badger.Logger = badgerLogger{}

// badgerLogger routes badger's printf-style logs to slog. Info and debug
// output is demoted so an idle store stays quiet.
type badgerLogger struct {
	lg *slog.Logger
}

func (b badgerLogger) Errorf(format string, args ...interface{}) {
	b.lg.Error(strings.TrimSpace(fmt.Sprintf(format, args...)), "component", "badger")
}

func (b badgerLogger) Warningf(format string, args ...interface{}) {
	b.lg.Warn(strings.TrimSpace(fmt.Sprintf(format, args...)), "component", "badger")
}

func (b badgerLogger) Infof(format string, args ...interface{}) {
	b.lg.Debug(strings.TrimSpace(fmt.Sprintf(format, args...)), "component", "badger")
}

func (b badgerLogger) Debugf(format string, args ...interface{}) {
	b.lg.Debug(strings.TrimSpace(fmt.Sprintf(format, args...)), "component", "badger")
}
