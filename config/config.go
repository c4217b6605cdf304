// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

// Package config loads the bulk scan server configuration and turns it into
// engine, service and backend settings.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/Query-farm/vgi-bulkscan/backend"
	"github.com/Query-farm/vgi-bulkscan/bulkscan"
	"github.com/Query-farm/vgi-bulkscan/vgirpc"
	"gopkg.in/yaml.v3"
)

const (
	DefaultListen   = "tcp://127.0.0.1:7000"
	DefaultLogLevel = "info"
)

// Server is the server configuration file.
type Server struct {
	Listen string `yaml:"listen"`
	// Advertise is the address announced to peers when Listen binds a
	// wildcard host.
	Advertise          string    `yaml:"advertise"`
	LogLevel           string    `yaml:"log_level"`
	Backend            string    `yaml:"backend"`
	Staging            Staging   `yaml:"staging"`
	BatchesPerTransfer int       `yaml:"batches_per_transfer"`
	SplitOversized     bool      `yaml:"split_oversized"`
	DeliveryPolicy     string    `yaml:"delivery_policy"`
	NullPolicy         string    `yaml:"null_policy"`
	Compression        int       `yaml:"compression"`
	DirectPull         bool      `yaml:"direct_pull"`
	Store              Store     `yaml:"store"`
	Telemetry          Telemetry `yaml:"telemetry"`
	// RawSegment is the segment size of the raw pull fixture. Zero leaves
	// it unregistered.
	RawSegment int64 `yaml:"raw_segment"`
}

type Staging struct {
	Capacity int64 `yaml:"capacity"`
	Buffers  int   `yaml:"buffers"`
}

// Store configures the objstore backend: a badger catalog of published
// paths and the bucket holding their regions.
type Store struct {
	// Catalog is the badger directory. Empty keeps the catalog in memory.
	Catalog string               `yaml:"catalog"`
	Bucket  backend.BucketConfig `yaml:"bucket"`
}

// Enabled reports whether a bucket is configured.
func (s Store) Enabled() bool {
	return s.Bucket.Provider != "" || s.Bucket.Directory != ""
}

type Telemetry struct {
	Traces  bool `yaml:"traces"`
	Metrics bool `yaml:"metrics"`
}

func Defaults() *Server {
	return &Server{
		Listen:   DefaultListen,
		LogLevel: DefaultLogLevel,
		Backend:  string(backend.KindDataset),
		Staging: Staging{
			Capacity: bulkscan.DefaultStagingCapacity,
			Buffers:  1,
		},
		BatchesPerTransfer: 1,
		DeliveryPolicy:     bulkscan.DropOnFailure.String(),
		NullPolicy:         bulkscan.RejectNulls.String(),
		DirectPull:         true,
	}
}

// Load reads the YAML file at path over the defaults. An empty path
// returns the defaults.
func Load(path string) (*Server, error) {
	c := Defaults()
	if path == "" {
		return c, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return c, nil
}

// Validate checks the values that cannot be defaulted.
func (c *Server) Validate() error {
	var errs []error
	if c.Listen == "" {
		errs = append(errs, errors.New("listen address is required"))
	}
	if _, err := backend.ParseKind(c.Backend); err != nil {
		errs = append(errs, err)
	}
	if _, err := bulkscan.ParseDeliveryPolicy(c.DeliveryPolicy); err != nil {
		errs = append(errs, err)
	}
	if _, err := bulkscan.ParseNullPolicy(c.NullPolicy); err != nil {
		errs = append(errs, err)
	}
	if c.Staging.Capacity < 0 || c.Staging.Buffers < 0 || c.BatchesPerTransfer < 0 || c.RawSegment < 0 {
		errs = append(errs, errors.New("staging and batch limits must not be negative"))
	}
	if c.Backend == string(backend.KindObjstore) && !c.Store.Enabled() {
		errs = append(errs, errors.New("objstore backend needs a store bucket"))
	}
	return errors.Join(errs...)
}

// Logger returns a text logger on stderr at the named level. Unknown
// levels log at info.
func Logger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

// ServiceOptions converts the configuration into service options.
func (c *Server) ServiceOptions(logger *slog.Logger) (bulkscan.Options, error) {
	kind, err := backend.ParseKind(c.Backend)
	if err != nil {
		return bulkscan.Options{}, err
	}
	policy, err := bulkscan.ParseDeliveryPolicy(c.DeliveryPolicy)
	if err != nil {
		return bulkscan.Options{}, err
	}
	nulls, err := bulkscan.ParseNullPolicy(c.NullPolicy)
	if err != nil {
		return bulkscan.Options{}, err
	}
	return bulkscan.Options{
		Backend:            kind,
		StagingCapacity:    c.Staging.Capacity,
		StagingBuffers:     c.Staging.Buffers,
		BatchesPerTransfer: c.BatchesPerTransfer,
		SplitOversized:     c.SplitOversized,
		Policy:             policy,
		Nulls:              nulls,
		Logger:             logger,
	}, nil
}

// EngineOptions returns the engine settings of the configuration.
func (c *Server) EngineOptions(logger *slog.Logger) []vgirpc.EngineOption {
	opts := []vgirpc.EngineOption{
		vgirpc.WithLogger(logger),
		vgirpc.WithDirectPull(c.DirectPull),
		vgirpc.WithCompression(c.Compression),
	}
	if c.Advertise != "" {
		opts = append(opts, vgirpc.WithAdvertise(c.Advertise))
	}
	return opts
}

// OpenStore opens the catalog and bucket of the objstore backend. The
// caller closes the returned store.
func (c *Server) OpenStore(logger *slog.Logger) (*backend.Store, error) {
	if !c.Store.Enabled() {
		return nil, errors.New("no store bucket configured")
	}
	bucket, err := backend.NewBucket(c.Store.Bucket, logger)
	if err != nil {
		return nil, err
	}
	catalog, err := backend.OpenCatalog(c.Store.Catalog, logger)
	if err != nil {
		bucket.Close()
		return nil, err
	}
	return backend.NewStore(catalog, bucket, logger), nil
}

// Factory returns the backend openers of the configuration. The objstore
// kind is available when a store is configured; cleanup releases it.
func (c *Server) Factory(logger *slog.Logger) (factory backend.Factory, cleanup func() error, err error) {
	openers := backend.Defaults()
	if !c.Store.Enabled() {
		return openers, func() error { return nil }, nil
	}
	store, err := c.OpenStore(logger)
	if err != nil {
		return nil, nil, err
	}
	return openers.With(backend.KindObjstore, store.Open), store.Close, nil
}
