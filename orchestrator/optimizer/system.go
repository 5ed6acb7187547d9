package optimizer

import (
	"log"
	"runtime"
	"runtime/pprof"
	"time"

	"github.com/prometheus/procfs"
)

// systemProbe reads host counters from /proc, falling back to Go runtime
// stats where procfs is unavailable. CPU percent needs two readings; the
// first snapshot reports 0. Not safe for concurrent use; the monitor loop
// owns it.
type systemProbe struct {
	fs   procfs.FS
	proc procfs.Proc
	ok   bool

	prevCPU procfs.CPUStat
	prevSet bool
}

func newSystemProbe() *systemProbe {
	p := &systemProbe{}
	fs, err := procfs.NewDefaultFS()
	if err != nil {
		log.Printf("optimizer: procfs unavailable, using runtime stats only: %v", err)
		return p
	}
	self, err := fs.Self()
	if err != nil {
		log.Printf("optimizer: procfs self unavailable, using runtime stats only: %v", err)
		return p
	}
	p.fs = fs
	p.proc = self
	p.ok = true
	return p
}

func (p *systemProbe) read(now time.Time) SystemSnapshot {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	snap := SystemSnapshot{
		Goroutines:     runtime.NumGoroutine(),
		HeapAllocBytes: ms.HeapAlloc,
		GCCycles:       ms.NumGC,
		GCPauseTotal:   time.Duration(ms.PauseTotalNs),
		CollectedAt:    now,
	}
	if prof := pprof.Lookup("threadcreate"); prof != nil {
		snap.Threads = prof.Count()
	}

	if !p.ok {
		// Heap share of reserved memory stands in for host memory pressure.
		snap.MemoryUsedBytes = ms.HeapAlloc
		if ms.Sys > 0 {
			snap.MemoryPercent = float64(ms.HeapAlloc) / float64(ms.Sys)
		}
		return snap
	}

	if stat, err := p.fs.Stat(); err == nil {
		cur := stat.CPUTotal
		if p.prevSet {
			busy := cpuBusy(cur) - cpuBusy(p.prevCPU)
			idle := cpuIdle(cur) - cpuIdle(p.prevCPU)
			if total := busy + idle; total > 0 {
				snap.CPUPercent = clamp01(busy / total)
			}
		}
		p.prevCPU = cur
		p.prevSet = true
	}

	if mi, err := p.fs.Meminfo(); err == nil && mi.MemTotal != nil && mi.MemAvailable != nil && *mi.MemTotal > 0 {
		total := *mi.MemTotal * 1024
		avail := *mi.MemAvailable * 1024
		if avail > total {
			avail = total
		}
		snap.MemoryUsedBytes = total - avail
		snap.MemoryPercent = float64(total-avail) / float64(total)
	}

	if nd, err := p.fs.NetDev(); err == nil {
		for name, line := range nd {
			if name == "lo" {
				continue
			}
			snap.NetRxBytes += line.RxBytes
			snap.NetTxBytes += line.TxBytes
		}
	}

	if ps, err := p.proc.Stat(); err == nil {
		snap.Threads = ps.NumThreads
	}
	if io, err := p.proc.IO(); err == nil {
		snap.DiskReadBytes = io.ReadBytes
		snap.DiskWriteBytes = io.WriteBytes
	}
	return snap
}

func cpuBusy(c procfs.CPUStat) float64 {
	return c.User + c.Nice + c.System + c.IRQ + c.SoftIRQ + c.Steal
}

func cpuIdle(c procfs.CPUStat) float64 {
	return c.Idle + c.Iowait
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
