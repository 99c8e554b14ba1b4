package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/agent-racer/coordinator/internal/config"
	"github.com/agent-racer/coordinator/internal/store"
	"github.com/agent-racer/coordinator/internal/ws"
	"github.com/rs/zerolog"
)

func newTestBus(t *testing.T, interval time.Duration) *Bus {
	t.Helper()
	log := zerolog.Nop()
	hub := ws.NewHub(log)
	mgr := store.NewManager(config.BackendConfig{Kind: "memory"}, log)
	t.Cleanup(func() { _ = mgr.Close() })

	bus := New(Config{ReportInterval: interval}, hub, mgr, log)
	ctx, cancel := context.WithCancel(context.Background())
	bus.Start(ctx)
	t.Cleanup(func() {
		cancel()
		bus.Close()
	})
	return bus
}

func TestBus_ReportReflectsHubOccupancy(t *testing.T) {
	log := zerolog.Nop()
	hub := ws.NewHub(log)
	mgr := store.NewManager(config.BackendConfig{Kind: "memory"}, log)
	t.Cleanup(func() { _ = mgr.Close() })

	bus := New(Config{ReportInterval: 20 * time.Millisecond}, hub, mgr, log)
	ctx, cancel := context.WithCancel(context.Background())
	bus.Start(ctx)
	t.Cleanup(func() {
		cancel()
		bus.Close()
	})

	time.Sleep(60 * time.Millisecond)

	rpt := bus.Latest()
	if rpt.ActiveSessions != 0 {
		t.Errorf("ActiveSessions = %d, want 0 with no connections", rpt.ActiveSessions)
	}
	if rpt.BackendKind != store.KindMemory {
		t.Errorf("BackendKind = %q, want %q", rpt.BackendKind, store.KindMemory)
	}
	if rpt.BackendDegraded {
		t.Error("BackendDegraded = true, want false for an explicit memory backend")
	}
}

func TestBus_ObserveFeedsLatencyStats(t *testing.T) {
	bus := newTestBus(t, 20*time.Millisecond)

	for _, ms := range []int64{10, 20, 30, 40, 100} {
		bus.Observe(ms)
	}

	time.Sleep(60 * time.Millisecond)

	rpt := bus.Latest()
	if rpt.MeanLatencyMs <= 0 {
		t.Errorf("MeanLatencyMs = %d, want > 0 after observations", rpt.MeanLatencyMs)
	}
	if rpt.P95LatencyMs < rpt.MeanLatencyMs {
		t.Errorf("P95LatencyMs = %d should be >= MeanLatencyMs = %d", rpt.P95LatencyMs, rpt.MeanLatencyMs)
	}
}

func TestBus_ObserveNeverBlocksOnFullBuffer(t *testing.T) {
	log := zerolog.Nop()
	hub := ws.NewHub(log)
	mgr := store.NewManager(config.BackendConfig{Kind: "memory"}, log)
	t.Cleanup(func() { _ = mgr.Close() })

	// No Start() call: nothing drains the sample channel, so this exercises
	// the non-blocking drop path once the buffer fills.
	bus := New(Config{ReportInterval: time.Second}, hub, mgr, log)

	done := make(chan struct{})
	go func() {
		for i := 0; i < latencySampleCapacity*2; i++ {
			bus.Observe(int64(i))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Observe blocked with a full, undrained sample buffer")
	}
}

func TestBus_LatencyStatsEmptyWindow(t *testing.T) {
	log := zerolog.Nop()
	hub := ws.NewHub(log)
	mgr := store.NewManager(config.BackendConfig{Kind: "memory"}, log)
	t.Cleanup(func() { _ = mgr.Close() })

	bus := New(Config{}, hub, mgr, log)
	mean, p95 := bus.latencyStats()
	if mean != 0 || p95 != 0 {
		t.Errorf("latencyStats() on empty window = (%d, %d), want (0, 0)", mean, p95)
	}
}
