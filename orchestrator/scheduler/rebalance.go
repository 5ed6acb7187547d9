package scheduler

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/driftline/crawlplane/orchestrator/observability"
)

// StartRebalancer launches the periodic pool balance check.
func (s *Scheduler) StartRebalancer(ctx context.Context) {
	go s.rebalanceLoop(ctx)
}

func (s *Scheduler) rebalanceLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RebalanceInterval)
	defer ticker.Stop()
	log.Printf("scheduler: rebalance loop running every %v", s.cfg.RebalanceInterval)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.checkHeartbeats()
			s.rebalanceTick()
			s.publishGauges()
		}
	}
}

// CheckBalance computes load spread and utilization over the registered
// pool. A load variance above half the mean flags a rebalance; utilization
// outside the scale thresholds flags a sizing change within [min, max].
func (s *Scheduler) CheckBalance() RebalanceReport {
	s.mu.RLock()
	defer s.mu.RUnlock()

	report := RebalanceReport{CheckedAt: time.Now(), Workers: len(s.workers)}
	if report.Workers == 0 {
		return report
	}

	var totalLoad int
	for _, w := range s.workers {
		totalLoad += w.CurrentLoad
	}
	mean := float64(totalLoad) / float64(report.Workers)
	var variance float64
	for _, w := range s.workers {
		d := float64(w.CurrentLoad) - mean
		variance += d * d
	}
	variance /= float64(report.Workers)

	report.MeanLoad = mean
	report.LoadVariance = variance
	report.Utilization = s.utilizationLocked()

	if mean > 0 && variance > 0.5*mean {
		report.Rebalance = true
		report.Reason = fmt.Sprintf("load variance %.2f above half of mean %.2f", variance, mean)
	}
	if report.Utilization > s.cfg.ScaleUpThreshold && report.Workers < s.cfg.MaxWorkers {
		report.ScaleUp = true
	}
	if report.Utilization < s.cfg.ScaleDownThreshold && report.Workers > s.cfg.MinWorkers {
		report.ScaleDown = true
	}
	return report
}

func (s *Scheduler) rebalanceTick() {
	report := s.CheckBalance()

	s.mu.RLock()
	policy := s.policy
	requester := s.requester
	s.mu.RUnlock()

	if report.Rebalance {
		logDecision(SchedulingDecision{
			Component: "scheduler",
			Decision:  "REBALANCE",
			Policy:    string(policy),
			Reason:    report.Reason,
			Metadata:  report,
		})
	}
	if report.ScaleUp {
		reason := fmt.Sprintf("utilization %.2f above %.2f", report.Utilization, s.cfg.ScaleUpThreshold)
		logDecision(SchedulingDecision{
			Component: "scheduler",
			Decision:  "SCALE_UP",
			Policy:    string(policy),
			Reason:    reason,
		})
		if requester != nil {
			requester.RequestScaleUp(reason)
		}
	}
	if report.ScaleDown {
		reason := fmt.Sprintf("utilization %.2f below %.2f", report.Utilization, s.cfg.ScaleDownThreshold)
		logDecision(SchedulingDecision{
			Component: "scheduler",
			Decision:  "SCALE_DOWN",
			Policy:    string(policy),
			Reason:    reason,
		})
		if requester != nil {
			requester.RequestScaleDown(reason)
		}
	}
}

// checkHeartbeats warns on stale worker heartbeats and parks repeat
// offenders in MAINTENANCE.
func (s *Scheduler) checkHeartbeats() {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	for _, w := range s.workers {
		age := now.Sub(w.LastHeartbeat)
		if age <= s.cfg.IdleTimeout {
			continue
		}
		w.staleWarnings++
		log.Printf("scheduler: worker %s heartbeat stale for %v (warning %d/%d)",
			w.WorkerID, age.Round(time.Second), w.staleWarnings, s.cfg.StaleWarningLimit)
		if w.staleWarnings >= s.cfg.StaleWarningLimit && w.State != StateMaintenance && w.State != StateFailed {
			w.State = StateMaintenance
			logDecision(SchedulingDecision{
				Component: "scheduler",
				Decision:  "MAINTENANCE",
				WorkerID:  w.WorkerID,
				Policy:    string(s.policy),
				Reason:    "repeated stale heartbeats",
			})
		}
	}
}

func (s *Scheduler) publishGauges() {
	s.mu.RLock()
	defer s.mu.RUnlock()
	counts := make(map[WorkerState]int)
	for _, w := range s.workers {
		counts[w.State]++
	}
	for _, st := range []WorkerState{StateIdle, StateBusy, StateOverloaded, StateFailed, StateMaintenance} {
		observability.WorkerState.WithLabelValues(string(st)).Set(float64(counts[st]))
	}
	observability.PoolUtilization.Set(s.utilizationLocked())
}
