package optimizer

import (
	"context"
	"log"
	"time"

	"github.com/driftline/crawlplane/orchestrator/scheduler"
	"github.com/driftline/crawlplane/orchestrator/store"
)

// Collect takes one monitoring sample: a system snapshot, a pool snapshot
// derived from queue counters and worker records, and throughput/error-rate
// deltas against the previous queue status. Locks the baseline once the
// warm-up count is reached.
func (o *Optimizer) Collect(ctx context.Context) Sample {
	now := o.now()
	sys := o.probe.read(now)

	var status *store.QueueStatus
	if o.queue != nil {
		st, err := o.queue.Status(ctx)
		if err != nil {
			log.Printf("optimizer: queue status unavailable: %v", err)
		} else {
			status = st
		}
	}
	var records []scheduler.WorkerRecord
	var utilization float64
	if o.pool != nil {
		records = o.pool.Snapshot()
		utilization = o.pool.Utilization()
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	pool := PoolSnapshot{Utilization: utilization, CollectedAt: now}
	if status != nil {
		pool.QueueDepth = status.TotalDepth()
		pool.DLQDepth = status.DLQDepth
		if o.prevStatus != nil {
			elapsed := now.Sub(o.prevStatusAt)
			completed := status.Completed - o.prevStatus.Completed
			failed := status.Failed - o.prevStatus.Failed
			if elapsed > 0 && completed >= 0 {
				pool.Throughput = float64(completed) / elapsed.Minutes()
			}
			if terminal := completed + failed; terminal > 0 {
				pool.ErrorRate = float64(failed) / float64(terminal)
			}
		}
		o.prevStatus = status
		o.prevStatusAt = now
	}

	pool.Workers = len(records)
	var totalTasks int64
	var weightedResponse float64
	loads := make([]float64, 0, len(records))
	for _, w := range records {
		switch w.State {
		case scheduler.StateBusy, scheduler.StateOverloaded:
			pool.ActiveWorkers++
		case scheduler.StateIdle:
			pool.IdleWorkers++
		}
		if w.TotalTasks > 0 {
			totalTasks += w.TotalTasks
			weightedResponse += w.AvgProcessingTime * float64(w.TotalTasks)
		}
		loads = append(loads, float64(w.CurrentLoad))
	}
	if totalTasks > 0 {
		pool.AvgResponseSeconds = weightedResponse / float64(totalTasks)
	}
	pool.MeanLoad, pool.LoadVariance = meanVariance(loads)

	sample := Sample{System: sys, Pool: pool}
	o.ingestLocked(sample, now)
	return sample
}

func (o *Optimizer) lockBaselineLocked(now time.Time) {
	n := o.cfg.BaselineSamples
	window := o.history[:n]
	b := &Baseline{LockedAt: now}
	for _, s := range window {
		b.AvgResponseSeconds += s.Pool.AvgResponseSeconds
		b.Throughput += s.Pool.Throughput
		b.ErrorRate += s.Pool.ErrorRate
		b.Utilization += s.Pool.Utilization
	}
	b.AvgResponseSeconds /= float64(n)
	b.Throughput /= float64(n)
	b.ErrorRate /= float64(n)
	b.Utilization /= float64(n)
	o.baseline = b
	log.Printf("optimizer: baseline locked after %d samples (response %.2fs, throughput %.1f/min, errors %.3f, utilization %.2f)",
		n, b.AvgResponseSeconds, b.Throughput, b.ErrorRate, b.Utilization)
}

// meanVariance returns the mean and population variance of vs.
func meanVariance(vs []float64) (mean, variance float64) {
	if len(vs) == 0 {
		return 0, 0
	}
	for _, v := range vs {
		mean += v
	}
	mean /= float64(len(vs))
	for _, v := range vs {
		d := v - mean
		variance += d * d
	}
	variance /= float64(len(vs))
	return mean, variance
}
