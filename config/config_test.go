// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/Query-farm/vgi-bulkscan/backend"
	"github.com/Query-farm/vgi-bulkscan/bulkscan"
	"github.com/urfave/cli/v3"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "bulkscan.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	c, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	if c.Listen != DefaultListen || c.Staging.Capacity != bulkscan.DefaultStagingCapacity || !c.DirectPull {
		t.Errorf("defaults = %+v", c)
	}
	opts, err := c.ServiceOptions(nil)
	if err != nil {
		t.Fatal(err)
	}
	if opts.Backend != backend.KindDataset || opts.Policy != bulkscan.DropOnFailure || opts.Nulls != bulkscan.RejectNulls || opts.BatchesPerTransfer != 1 {
		t.Errorf("service options = %+v", opts)
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
listen: tcp://0.0.0.0:7100
advertise: tcp://scan-1:7100
backend: objstore
staging:
  buffers: 4
delivery_policy: retain
null_policy: drop-validity
store:
  bucket:
    provider: memory
telemetry:
  traces: true
`)
	c, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if c.Listen != "tcp://0.0.0.0:7100" || c.Advertise != "tcp://scan-1:7100" {
		t.Errorf("addresses = %q %q", c.Listen, c.Advertise)
	}
	if c.Staging.Buffers != 4 || c.Staging.Capacity != bulkscan.DefaultStagingCapacity {
		t.Errorf("staging = %+v", c.Staging)
	}
	if !c.Telemetry.Traces || c.Telemetry.Metrics {
		t.Errorf("telemetry = %+v", c.Telemetry)
	}
	opts, err := c.ServiceOptions(nil)
	if err != nil {
		t.Fatal(err)
	}
	if opts.Backend != backend.KindObjstore || opts.Policy != bulkscan.RetainOnFailure || opts.Nulls != bulkscan.DropValidity {
		t.Errorf("service options = %+v", opts)
	}

	factory, cleanup, err := c.Factory(nil)
	if err != nil {
		t.Fatal(err)
	}
	defer cleanup()
	openers, ok := factory.(backend.Openers)
	if !ok {
		t.Fatalf("factory is %T", factory)
	}
	if _, ok := openers[backend.KindObjstore]; !ok {
		t.Error("objstore opener not registered")
	}
}

func TestLoadRejects(t *testing.T) {
	cases := map[string]string{
		"backend":      "backend: tape\n",
		"policy":       "delivery_policy: sometimes\n",
		"nulls":        "null_policy: keep\n",
		"negative":     "batches_per_transfer: -1\n",
		"raw segment":  "raw_segment: -4\n",
		"store":        "backend: objstore\n",
		"syntax":       "listen: [\n",
		"empty listen": "listen: \"\"\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := Load(writeConfig(t, body)); err == nil {
				t.Error("Load succeeded")
			}
		})
	}
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("missing file loaded")
	}
}

func TestFromCommand(t *testing.T) {
	path := writeConfig(t, "batches_per_transfer: 2\nbackend: file\n")
	t.Setenv("BULKSCAN_STAGING_BUFFERS", "3")

	var got *Server
	cmd := &cli.Command{
		Name:  "serve",
		Flags: Flags(),
		Action: func(_ context.Context, cmd *cli.Command) error {
			var err error
			got, err = FromCommand(cmd)
			return err
		},
	}
	args := []string{"serve", "--config", path, "--backend", "file+mmap", "--split-oversized", "--staging-capacity", "1024", "--raw-segment", "4096"}
	if err := cmd.Run(context.Background(), args); err != nil {
		t.Fatal(err)
	}
	if got.Backend != "file+mmap" {
		t.Errorf("flag did not override file: backend = %q", got.Backend)
	}
	if got.BatchesPerTransfer != 2 {
		t.Errorf("unset flag overrode file: batches = %d", got.BatchesPerTransfer)
	}
	if got.Staging.Buffers != 3 || got.Staging.Capacity != 1024 || !got.SplitOversized || got.RawSegment != 4096 {
		t.Errorf("config = %+v", got)
	}
}

func TestLogger(t *testing.T) {
	ctx := context.Background()
	if !Logger("debug").Handler().Enabled(ctx, -4) {
		t.Error("debug logger drops debug records")
	}
	if Logger("nonsense").Handler().Enabled(ctx, -4) {
		t.Error("unknown level should log at info")
	}
}
