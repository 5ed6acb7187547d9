package scheduler

import (
	"context"
	"math"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestCheckBalanceFlagsSkewedLoad(t *testing.T) {
	s := newTestScheduler(PolicyIntelligent)
	s.RegisterWorker("w1", 5)
	s.RegisterWorker("w2", 5)
	s.RegisterWorker("w3", 5)

	// All load on w1: mean 4/3, variance ~3.56, well above half the mean.
	for i := 0; i < 4; i++ {
		if !s.Admit("w1") {
			t.Fatalf("admission %d refused", i)
		}
	}

	report := s.CheckBalance()
	if !report.Rebalance {
		t.Fatalf("expected rebalance flag, got %+v", report)
	}
	if math.Abs(report.MeanLoad-4.0/3.0) > 0.01 {
		t.Errorf("expected mean load ~1.33, got %v", report.MeanLoad)
	}
	if math.Abs(report.LoadVariance-3.5556) > 0.01 {
		t.Errorf("expected variance ~3.56, got %v", report.LoadVariance)
	}
	if report.Reason == "" {
		t.Error("rebalance report carries no reason")
	}
}

func TestCheckBalanceEvenLoad(t *testing.T) {
	s := newTestScheduler(PolicyIntelligent)
	s.RegisterWorker("w1", 5)
	s.RegisterWorker("w2", 5)
	s.Admit("w1")
	s.Admit("w2")

	report := s.CheckBalance()
	if report.Rebalance {
		t.Fatalf("even load flagged for rebalance: %+v", report)
	}
	if report.LoadVariance != 0 {
		t.Errorf("expected zero variance, got %v", report.LoadVariance)
	}
}

func TestCheckBalanceScaleUp(t *testing.T) {
	s := newTestScheduler(PolicyIntelligent)
	s.RegisterWorker("w1", 1)
	s.RegisterWorker("w2", 1)
	s.Admit("w1")
	s.Admit("w2")

	report := s.CheckBalance()
	if !report.ScaleUp {
		t.Fatalf("utilization 1.0 did not request scale-up: %+v", report)
	}
	if report.ScaleDown {
		t.Error("saturated pool requested scale-down")
	}
	if report.Rebalance {
		t.Error("even saturation requested rebalance")
	}
}

func TestCheckBalanceScaleDownHonorsMinWorkers(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MinWorkers = 2
	s := New(cfg)
	s.RegisterWorker("w1", 4)
	s.RegisterWorker("w2", 4)

	// Idle pool at the floor: no scale-down.
	report := s.CheckBalance()
	if report.ScaleDown {
		t.Fatalf("pool at min workers requested scale-down: %+v", report)
	}

	s.RegisterWorker("w3", 4)
	report = s.CheckBalance()
	if !report.ScaleDown {
		t.Fatalf("idle pool above min did not request scale-down: %+v", report)
	}
}

func TestCheckBalanceEmptyPool(t *testing.T) {
	s := newTestScheduler(PolicyIntelligent)
	report := s.CheckBalance()
	if report.Workers != 0 || report.Rebalance || report.ScaleUp || report.ScaleDown {
		t.Fatalf("empty pool produced actions: %+v", report)
	}
}

func TestStaleHeartbeatsEscalateToMaintenance(t *testing.T) {
	cfg := DefaultConfig()
	cfg.IdleTimeout = 10 * time.Millisecond
	cfg.StaleWarningLimit = 2
	s := New(cfg)
	s.RegisterWorker("w1", 2)

	time.Sleep(25 * time.Millisecond)

	// First stale pass only warns.
	s.checkHeartbeats()
	if got := s.Snapshot()[0].State; got != StateIdle {
		t.Fatalf("expected IDLE after first warning, got %s", got)
	}

	// Second pass crosses the warning limit.
	s.checkHeartbeats()
	if got := s.Snapshot()[0].State; got != StateMaintenance {
		t.Fatalf("expected MAINTENANCE after repeated warnings, got %s", got)
	}
	if s.Admit("w1") {
		t.Fatal("MAINTENANCE worker must not be admitted")
	}

	// A live heartbeat brings the worker back.
	if !s.Heartbeat("w1") {
		t.Fatal("heartbeat of known worker returned false")
	}
	if got := s.Snapshot()[0].State; got != StateIdle {
		t.Fatalf("expected IDLE after heartbeat, got %s", got)
	}
	if !s.Admit("w1") {
		t.Fatal("admission after recovery refused")
	}
}

func TestRebalanceLoopRequestsScaleUp(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RebalanceInterval = 20 * time.Millisecond
	s := New(cfg)
	s.RegisterWorker("w1", 1)
	s.RegisterWorker("w2", 1)
	s.Admit("w1")
	s.Admit("w2")

	rec := &scaleRecorder{}
	s.SetScaleRequester(rec)

	ctx, cancel := context.WithCancel(context.Background())
	s.StartRebalancer(ctx)
	time.Sleep(70 * time.Millisecond)
	cancel()

	ups := rec.scaleUps()
	if len(ups) == 0 {
		t.Fatal("saturated pool never requested scale-up")
	}
	if !strings.Contains(ups[0], "utilization") {
		t.Errorf("scale-up reason missing utilization: %q", ups[0])
	}
}

type scaleRecorder struct {
	mu    sync.Mutex
	ups   []string
	downs []string
}

func (r *scaleRecorder) RequestScaleUp(reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ups = append(r.ups, reason)
}

func (r *scaleRecorder) RequestScaleDown(reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.downs = append(r.downs, reason)
}

func (r *scaleRecorder) scaleUps() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.ups...)
}
