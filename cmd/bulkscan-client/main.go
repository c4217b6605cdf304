// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/Query-farm/vgi-bulkscan/benchmark"
	"github.com/Query-farm/vgi-bulkscan/bulkscan"
	"github.com/Query-farm/vgi-bulkscan/config"
	"github.com/Query-farm/vgi-bulkscan/vgirpc"
	"github.com/apache/arrow-go/v18/arrow"
	"github.com/urfave/cli/v3"
)

func main() {
	cmd := &cli.Command{
		Name:  "bulkscan-client",
		Usage: "Scan datasets from a bulkscan server",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "server",
				Usage:   "address of the bulkscan server",
				Value:   config.DefaultListen,
				Sources: cli.EnvVars("BULKSCAN_SERVER"),
			},
			&cli.StringFlag{
				Name:    "listen",
				Usage:   "address of this client's engine, reachable by the server",
				Value:   "tcp://127.0.0.1:0",
				Sources: cli.EnvVars("BULKSCAN_CLIENT_LISTEN"),
			},
			&cli.StringFlag{
				Name:    "columns",
				Usage:   "projection as name:type pairs, e.g. \"id:int64,name:utf8\" (default: the NYC taxi schema). Columns holding nulls fail unless the server runs with --null-policy drop-validity",
				Sources: cli.EnvVars("BULKSCAN_COLUMNS"),
			},
			&cli.StringFlag{
				Name:    "log-level",
				Value:   "warn",
				Sources: cli.EnvVars("BULKSCAN_LOG_LEVEL"),
			},
		},
		Commands: []*cli.Command{
			{
				Name:      "scan",
				Usage:     "read every batch of one or more paths and report totals",
				ArgsUsage: "<path>...",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "filter",
						Usage: "opaque filter expression handed to the server",
					},
					&cli.IntFlag{
						Name:    "concurrency",
						Usage:   "paths scanned at once",
						Value:   1,
						Sources: cli.EnvVars("BULKSCAN_CONCURRENCY"),
					},
					&cli.IntFlag{
						Name:    "compression",
						Usage:   "zstd level for pulls over the network, 0 disables",
						Sources: cli.EnvVars("BULKSCAN_COMPRESSION"),
					},
					&cli.BoolFlag{
						Name:  "no-clear",
						Usage: "keep sessions an earlier run left on the server",
					},
				},
				Action: scan,
			},
			{
				Name:  "raw",
				Usage: "pull whole staging segments from a server started with --raw-segment and report phase timings",
				Flags: []cli.Flag{
					&cli.Int64Flag{
						Name:  "segments",
						Usage: "segments to pull",
						Value: 16,
					},
					&cli.BoolFlag{
						Name:  "verify",
						Usage: "check every segment's contents",
					},
				},
				Action: raw,
			},
			{
				Name:   "describe",
				Usage:  "print how the projection is laid out in a transfer",
				Action: describe,
			},
		},
	}
	if err := cmd.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "bulkscan-client: %v\n", err)
		os.Exit(1)
	}
}

func projection(cmd *cli.Command) (*arrow.Schema, error) {
	if spec := cmd.String("columns"); spec != "" {
		return bulkscan.ParseColumns(spec)
	}
	return bulkscan.TaxiSchema(), nil
}

func scan(ctx context.Context, cmd *cli.Command) error {
	paths := cmd.Args().Slice()
	if len(paths) == 0 {
		return errors.New("scan needs at least one path")
	}
	schema, err := projection(cmd)
	if err != nil {
		return err
	}
	logger := config.Logger(cmd.String("log-level"))

	engine, err := vgirpc.NewEngine(cmd.String("listen"),
		vgirpc.WithLogger(logger),
		vgirpc.WithCompression(cmd.Int("compression")))
	if err != nil {
		return err
	}
	defer engine.Close()

	client, err := bulkscan.NewClient(engine, cmd.String("server"), bulkscan.ClientOptions{
		Logger:      logger,
		Concurrency: cmd.Int("concurrency"),
	})
	if err != nil {
		return err
	}
	if !cmd.Bool("no-clear") {
		n, err := client.Clear(ctx)
		if err != nil {
			return err
		}
		if n > 0 {
			logger.Info("cleared stale sessions", "count", n)
		}
	}

	req := bulkscan.ScanRequest{Projection: schema}
	if f := cmd.String("filter"); f != "" {
		req.Filter = []byte(f)
	}
	rows := make(map[string]int64, len(paths))
	start := time.Now()
	err = client.ScanPaths(ctx, req, paths, func(path string, b arrow.RecordBatch) error {
		rows[path] += b.NumRows()
		return nil
	})
	elapsed := time.Since(start)
	if err != nil {
		return err
	}

	var total int64
	for _, p := range paths {
		fmt.Printf("%s\t%d rows\n", p, rows[p])
		total += rows[p]
	}
	st := client.Stats()
	fmt.Printf("total: %d rows, %d batches, %d transfers, %d bytes in %s\n",
		total, st.Batches, st.Transfers, st.Bytes, elapsed.Round(time.Microsecond))
	return nil
}

func raw(ctx context.Context, cmd *cli.Command) error {
	logger := config.Logger(cmd.String("log-level"))
	engine, err := vgirpc.NewEngine(cmd.String("listen"), vgirpc.WithLogger(logger))
	if err != nil {
		return err
	}
	defer engine.Close()

	client, err := benchmark.NewClient(engine, cmd.String("server"), benchmark.ClientOptions{
		Logger: logger,
		Verify: cmd.Bool("verify"),
	})
	if err != nil {
		return err
	}
	r, err := client.Run(ctx, cmd.Int64("segments"))
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "segments\t%d\n", r.Segments)
	fmt.Fprintf(w, "bytes\t%d\n", r.Bytes)
	fmt.Fprintf(w, "memory_allocate\t%s\n", r.Alloc.Round(time.Microsecond))
	fmt.Fprintf(w, "client_expose\t%s\n", r.Expose.Round(time.Microsecond))
	fmt.Fprintf(w, "pull\t%s\n", r.Pull.Round(time.Microsecond))
	fmt.Fprintf(w, "total\t%s\n", r.Elapsed.Round(time.Microsecond))
	fmt.Fprintf(w, "throughput\t%.1f MiB/s\n", r.Throughput()/(1<<20))
	return w.Flush()
}

func describe(_ context.Context, cmd *cli.Command) error {
	schema, err := projection(cmd)
	if err != nil {
		return err
	}
	desc, err := bulkscan.NewSchemaDescriptor(schema)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "COLUMN\tTYPE\tLAYOUT\tDATA\tAUX")
	for _, c := range desc.Columns() {
		data, aux := "", "3 byte placeholder"
		if c.Kind == bulkscan.VariableWidth {
			data = "value bytes"
			aux = fmt.Sprintf("%d byte offsets", c.OffsetWidth)
		} else if c.BitWidth == 1 {
			data = "bitmap"
		} else {
			data = fmt.Sprintf("%d bytes/row", c.BitWidth/8)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", c.Name, c.Type, c.Kind, data, aux)
	}
	return w.Flush()
}
