// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"syscall"

	"github.com/Query-farm/vgi-bulkscan/benchmark"
	"github.com/Query-farm/vgi-bulkscan/bulkscan"
	"github.com/Query-farm/vgi-bulkscan/config"
	"github.com/Query-farm/vgi-bulkscan/vgirpc"
	vgiotel "github.com/Query-farm/vgi-bulkscan/vgirpc/otel"
	"github.com/urfave/cli/v3"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"golang.org/x/sync/errgroup"
)

func main() {
	cmd := &cli.Command{
		Name:  "bulkscan-server",
		Usage: "Serve Arrow scans to clients that pull batches with one-sided bulk reads",
		Flags: config.Flags(),
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "listen for scan sessions",
				Action: serve,
			},
			{
				Name:      "publish",
				Usage:     "upload a Parquet or Arrow file to the object store under a dataset path",
				ArgsUsage: "<path> <file>",
				Action:    publish,
			},
			{
				Name:      "catalog",
				Usage:     "list published dataset paths",
				ArgsUsage: "[prefix]",
				Action:    catalog,
			},
		},
		DefaultCommand: "serve",
	}
	if err := cmd.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "bulkscan-server: %v\n", err)
		os.Exit(1)
	}
}

func serve(ctx context.Context, cmd *cli.Command) error {
	cfg, err := config.FromCommand(cmd)
	if err != nil {
		return err
	}
	logger := config.Logger(cfg.LogLevel)
	slog.SetDefault(logger)

	factory, cleanup, err := cfg.Factory(logger)
	if err != nil {
		return err
	}
	defer cleanup()

	opts, err := cfg.ServiceOptions(logger)
	if err != nil {
		return err
	}
	engine, err := vgirpc.NewEngine(cfg.Listen, cfg.EngineOptions(logger)...)
	if err != nil {
		return err
	}
	defer engine.Close()
	engine.Server().SetServiceName("bulkscan")

	shutdown, err := instrument(engine.Server(), cfg.Telemetry)
	if err != nil {
		return err
	}
	defer shutdown()

	svc, err := bulkscan.NewService(engine, factory, opts)
	if err != nil {
		return err
	}
	defer svc.Close()
	if cfg.RawSegment > 0 {
		fx, err := benchmark.NewFixture(engine, cfg.RawSegment, logger)
		if err != nil {
			return err
		}
		defer fx.Close()
		logger.Info("raw pull fixture registered", "segment", cfg.RawSegment)
	}

	fmt.Printf("LISTEN:%s\n", engine.Self())
	os.Stdout.Sync()
	logger.Info("serving", "addr", engine.Self(), "backend", opts.Backend,
		"staging_buffers", opts.StagingBuffers, "staging_capacity", opts.StagingCapacity)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGTERM, syscall.SIGINT)
	defer stop()
	<-ctx.Done()
	logger.Info("shutting down", "sessions", svc.Registry().Len())
	return nil
}

// instrument installs the OpenTelemetry hook with stdout exporters when
// telemetry is enabled. The returned func flushes and stops the providers.
func instrument(server *vgirpc.Server, t config.Telemetry) (func(), error) {
	if !t.Traces && !t.Metrics {
		return func() {}, nil
	}
	otelCfg := vgiotel.DefaultConfig()
	otelCfg.EnableTracing = t.Traces
	otelCfg.EnableMetrics = t.Metrics

	var stops []func(context.Context) error
	if t.Traces {
		exp, err := stdouttrace.New()
		if err != nil {
			return nil, err
		}
		tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exp))
		otelCfg.TracerProvider = tp
		stops = append(stops, tp.Shutdown)
	}
	if t.Metrics {
		exp, err := stdoutmetric.New()
		if err != nil {
			return nil, err
		}
		mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exp)))
		otelCfg.MeterProvider = mp
		stops = append(stops, mp.Shutdown)
	}
	vgiotel.InstrumentServer(server, otelCfg)

	return func() {
		var g errgroup.Group
		for _, stop := range stops {
			g.Go(func() error { return stop(context.Background()) })
		}
		if err := g.Wait(); err != nil {
			slog.Error("telemetry shutdown", "err", err)
		}
	}, nil
}

func publish(ctx context.Context, cmd *cli.Command) error {
	if cmd.Args().Len() != 2 {
		return errors.New("publish needs a dataset path and a local file")
	}
	cfg, err := config.FromCommand(cmd)
	if err != nil {
		return err
	}
	logger := config.Logger(cfg.LogLevel)
	store, err := cfg.OpenStore(logger)
	if err != nil {
		return err
	}
	defer store.Close()

	id, err := store.Publish(ctx, cmd.Args().Get(0), cmd.Args().Get(1))
	if err != nil {
		return err
	}
	fmt.Println(id)
	return nil
}

func catalog(_ context.Context, cmd *cli.Command) error {
	cfg, err := config.FromCommand(cmd)
	if err != nil {
		return err
	}
	store, err := cfg.OpenStore(config.Logger(cfg.LogLevel))
	if err != nil {
		return err
	}
	defer store.Close()

	entries, err := store.Catalog().List(cmd.Args().First())
	if err != nil {
		return err
	}
	paths := make([]string, 0, len(entries))
	for p := range entries {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	for _, p := range paths {
		fmt.Printf("%s\t%s\n", p, entries[p])
	}
	return nil
}
