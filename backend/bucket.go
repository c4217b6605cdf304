// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package backend

import (
	"fmt"
	"log/slog"

	"github.com/go-kit/log"
	"github.com/thanos-io/objstore"
	"github.com/thanos-io/objstore/providers/filesystem"
	"github.com/thanos-io/objstore/providers/s3"
)

// BucketConfig selects and configures an object store provider.
type BucketConfig struct {
	// Provider is one of "filesystem", "memory" or "s3".
	Provider  string `yaml:"provider"`
	Directory string `yaml:"directory"`
	S3        S3     `yaml:"s3"`
}

// S3 holds the settings of the s3 provider.
type S3 struct {
	Bucket    string `yaml:"bucket"`
	Endpoint  string `yaml:"endpoint"`
	Region    string `yaml:"region"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Insecure  bool   `yaml:"insecure"`
}

// NewBucket opens the configured bucket.
func NewBucket(cfg BucketConfig, logger *slog.Logger) (objstore.Bucket, error) {
	switch cfg.Provider {
	case "", "filesystem":
		if cfg.Directory == "" {
			return nil, fmt.Errorf("filesystem bucket needs a directory")
		}
		return filesystem.NewBucket(cfg.Directory)
	case "memory":
		return objstore.NewInMemBucket(), nil
	case "s3":
		c := s3.DefaultConfig
		c.Bucket = cfg.S3.Bucket
		c.Endpoint = cfg.S3.Endpoint
		c.Region = cfg.S3.Region
		c.AccessKey = cfg.S3.AccessKey
		c.SecretKey = cfg.S3.SecretKey
		c.Insecure = cfg.S3.Insecure
		return s3.NewBucketWithConfig(kitLogger(logger), c, "bulkscan")
	}
	return nil, fmt.Errorf("unknown bucket provider %q", cfg.Provider)
}

// kitLogger adapts slog to the go-kit logger the providers expect.
func kitLogger(logger *slog.Logger) log.Logger {
	if logger == nil {
		return log.NewNopLogger()
	}
	return log.LoggerFunc(func(keyvals ...interface{}) error {
		logger.Debug("objstore", keyvals...)
		return nil
	})
}
