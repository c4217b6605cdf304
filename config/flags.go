// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"github.com/urfave/cli/v3"
)

// Flags returns the server flags. Each can also be set from its BULKSCAN_*
// environment variable; a flag that is set overrides the config file.
func Flags() []cli.Flag {
	d := Defaults()
	return []cli.Flag{
		&cli.StringFlag{
			Category: "core",
			Name:     "config",
			Usage:    "path to a YAML configuration file",
			Sources:  cli.EnvVars("BULKSCAN_CONFIG"),
		},
		&cli.StringFlag{
			Category: "core",
			Name:     "listen",
			Usage:    "engine address (tcp://host:port, unix://path or inproc://name)",
			Value:    d.Listen,
			Sources:  cli.EnvVars("BULKSCAN_LISTEN"),
		},
		&cli.StringFlag{
			Category: "core",
			Name:     "advertise",
			Usage:    "address announced to peers instead of the listen address",
			Sources:  cli.EnvVars("BULKSCAN_ADVERTISE"),
		},
		&cli.StringFlag{
			Category: "core",
			Name:     "log-level",
			Usage:    "log level, values are (debug,info,warn,error)",
			Value:    d.LogLevel,
			Sources:  cli.EnvVars("BULKSCAN_LOG_LEVEL"),
		},
		&cli.StringFlag{
			Category: "scan",
			Name:     "backend",
			Usage:    "reader backend, values are (dataset,dataset+mem,file,file+mmap,objstore)",
			Value:    d.Backend,
			Sources:  cli.EnvVars("BULKSCAN_BACKEND"),
		},
		&cli.Int64Flag{
			Category: "scan",
			Name:     "staging-capacity",
			Usage:    "bytes per staging buffer",
			Value:    d.Staging.Capacity,
			Sources:  cli.EnvVars("BULKSCAN_STAGING_CAPACITY"),
		},
		&cli.IntFlag{
			Category: "scan",
			Name:     "staging-buffers",
			Usage:    "staging buffers shared by all sessions",
			Value:    d.Staging.Buffers,
			Sources:  cli.EnvVars("BULKSCAN_STAGING_BUFFERS"),
		},
		&cli.IntFlag{
			Category: "scan",
			Name:     "batches-per-transfer",
			Usage:    "most batches packed into one transfer",
			Value:    d.BatchesPerTransfer,
			Sources:  cli.EnvVars("BULKSCAN_BATCHES_PER_TRANSFER"),
		},
		&cli.BoolFlag{
			Category: "scan",
			Name:     "split-oversized",
			Usage:    "slice batches larger than a staging buffer",
			Sources:  cli.EnvVars("BULKSCAN_SPLIT_OVERSIZED"),
		},
		&cli.StringFlag{
			Category: "scan",
			Name:     "delivery-policy",
			Usage:    "what happens to batches whose delivery failed, values are (drop,retain)",
			Value:    d.DeliveryPolicy,
			Sources:  cli.EnvVars("BULKSCAN_DELIVERY_POLICY"),
		},
		&cli.StringFlag{
			Category: "scan",
			Name:     "null-policy",
			Usage:    "what happens to batches holding nulls, values are (reject,drop-validity)",
			Value:    d.NullPolicy,
			Sources:  cli.EnvVars("BULKSCAN_NULL_POLICY"),
		},
		&cli.IntFlag{
			Category: "transport",
			Name:     "compression",
			Usage:    "zstd level for bulk reads pulled by this engine, 0 disables",
			Sources:  cli.EnvVars("BULKSCAN_COMPRESSION"),
		},
		&cli.BoolFlag{
			Category: "transport",
			Name:     "direct-pull",
			Usage:    "copy memory directly when the peer engine is in this process",
			Value:    d.DirectPull,
			Sources:  cli.EnvVars("BULKSCAN_DIRECT_PULL"),
		},
		&cli.StringFlag{
			Category: "store",
			Name:     "store-catalog",
			Usage:    "badger directory of the published path catalog, empty keeps it in memory",
			Sources:  cli.EnvVars("BULKSCAN_STORE_CATALOG"),
		},
		&cli.StringFlag{
			Category: "store",
			Name:     "store-provider",
			Usage:    "object store provider, values are (filesystem,memory,s3)",
			Sources:  cli.EnvVars("BULKSCAN_STORE_PROVIDER"),
		},
		&cli.StringFlag{
			Category: "store",
			Name:     "store-directory",
			Usage:    "root directory of the filesystem provider",
			Sources:  cli.EnvVars("BULKSCAN_STORE_DIRECTORY"),
		},
		&cli.StringFlag{
			Category: "store",
			Name:     "s3-bucket",
			Sources:  cli.EnvVars("BULKSCAN_S3_BUCKET"),
		},
		&cli.StringFlag{
			Category: "store",
			Name:     "s3-endpoint",
			Sources:  cli.EnvVars("BULKSCAN_S3_ENDPOINT"),
		},
		&cli.StringFlag{
			Category: "store",
			Name:     "s3-region",
			Sources:  cli.EnvVars("BULKSCAN_S3_REGION"),
		},
		&cli.StringFlag{
			Category: "store",
			Name:     "s3-access-key",
			Sources:  cli.EnvVars("BULKSCAN_S3_ACCESS_KEY"),
		},
		&cli.StringFlag{
			Category: "store",
			Name:     "s3-secret-key",
			Sources:  cli.EnvVars("BULKSCAN_S3_SECRET_KEY"),
		},
		&cli.BoolFlag{
			Category: "telemetry",
			Name:     "traces",
			Usage:    "export OpenTelemetry spans to stdout",
			Sources:  cli.EnvVars("BULKSCAN_TRACES"),
		},
		&cli.BoolFlag{
			Category: "telemetry",
			Name:     "metrics",
			Usage:    "export OpenTelemetry metrics to stdout",
			Sources:  cli.EnvVars("BULKSCAN_METRICS"),
		},
		&cli.Int64Flag{
			Category: "benchmark",
			Name:     "raw-segment",
			Usage:    "bytes per segment of the raw pull fixture, 0 leaves it off",
			Sources:  cli.EnvVars("BULKSCAN_RAW_SEGMENT"),
		},
	}
}

// FromCommand loads the file named by --config and applies every flag the
// command line or environment set.
func FromCommand(cmd *cli.Command) (*Server, error) {
	c, err := Load(cmd.String("config"))
	if err != nil {
		return nil, err
	}
	str := map[string]*string{
		"listen":          &c.Listen,
		"advertise":       &c.Advertise,
		"log-level":       &c.LogLevel,
		"backend":         &c.Backend,
		"delivery-policy": &c.DeliveryPolicy,
		"null-policy":     &c.NullPolicy,
		"store-catalog":   &c.Store.Catalog,
		"store-provider":  &c.Store.Bucket.Provider,
		"store-directory": &c.Store.Bucket.Directory,
		"s3-bucket":       &c.Store.Bucket.S3.Bucket,
		"s3-endpoint":     &c.Store.Bucket.S3.Endpoint,
		"s3-region":       &c.Store.Bucket.S3.Region,
		"s3-access-key":   &c.Store.Bucket.S3.AccessKey,
		"s3-secret-key":   &c.Store.Bucket.S3.SecretKey,
	}
	for name, dst := range str {
		if cmd.IsSet(name) {
			*dst = cmd.String(name)
		}
	}
	ints := map[string]*int{
		"staging-buffers":      &c.Staging.Buffers,
		"batches-per-transfer": &c.BatchesPerTransfer,
		"compression":          &c.Compression,
	}
	for name, dst := range ints {
		if cmd.IsSet(name) {
			*dst = cmd.Int(name)
		}
	}
	bools := map[string]*bool{
		"split-oversized": &c.SplitOversized,
		"direct-pull":     &c.DirectPull,
		"traces":          &c.Telemetry.Traces,
		"metrics":         &c.Telemetry.Metrics,
	}
	for name, dst := range bools {
		if cmd.IsSet(name) {
			*dst = cmd.Bool(name)
		}
	}
	if cmd.IsSet("staging-capacity") {
		c.Staging.Capacity = cmd.Int64("staging-capacity")
	}
	if cmd.IsSet("raw-segment") {
		c.RawSegment = cmd.Int64("raw-segment")
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}
