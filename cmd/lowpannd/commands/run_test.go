package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/netip"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/dantte-lp/lowpannd/internal/config"
	ndmetrics "github.com/dantte-lp/lowpannd/internal/metrics"
	"github.com/dantte-lp/lowpannd/internal/nd"
	"github.com/dantte-lp/lowpannd/internal/netio"
)

// TestRunServersLogsRunID verifies every record tagged with a run id
// carries the id of the reset performed by the node loop.
func TestRunServersLogsRunID(t *testing.T) {
	t.Parallel()

	cfg := config.DefaultConfig()
	cfg.Node.EUI64 = testEUI
	cfg.Metrics.Addr = ""

	ndCfg, err := cfg.Node.NDConfig()
	if err != nil {
		t.Fatalf("NDConfig: %v", err)
	}

	var buf bytes.Buffer
	level := new(slog.LevelVar)
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: level}))

	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()

	port, err := netio.ListenUDP(ctx, netio.UDPConfig{
		Listen: netip.MustParseAddrPort("127.0.0.1:0"),
	}, logger)
	if err != nil {
		t.Fatalf("ListenUDP: %v", err)
	}
	defer port.Close()

	node, err := nd.NewNode(ndCfg, port, logger)
	if err != nil {
		t.Fatalf("NewNode: %v", err)
	}

	reg := prometheus.NewRegistry()
	collector := ndmetrics.NewCollector(reg)

	errCh := make(chan error, 1)
	go func() {
		errCh <- runServers(ctx, cfg, node, port, reg, collector, logger, "", level)
	}()

	time.Sleep(200 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("runServers = %v, want nil", err)
		}
	case <-time.After(15 * time.Second):
		t.Fatal("runServers did not return after cancel")
	}

	var sawReset bool
	for _, line := range bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n")) {
		var rec map[string]any
		if err := json.Unmarshal(line, &rec); err != nil {
			t.Fatalf("record is not JSON: %v: %s", err, line)
		}
		id, ok := rec["run_id"].(string)
		if !ok {
			continue
		}
		if id == uuid.Nil.String() {
			t.Errorf("record %q logged with a zero run id", rec["msg"])
		}
		if rec["msg"] == "node reset" && id == node.RunID().String() {
			sawReset = true
		}
	}
	if !sawReset {
		t.Error("no node reset record with the current run id")
	}
}
