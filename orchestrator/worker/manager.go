package worker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/driftline/crawlplane/orchestrator/fetcher"
	"github.com/driftline/crawlplane/orchestrator/observability"
	"github.com/driftline/crawlplane/orchestrator/timeline"
)

// Manager owns the pool of fetch loops, one goroutine per worker. It
// implements the optimizer's ScaleExecutor so pool sizing decisions land
// here, and exposes TriggerCheck so submitters can wake idle loops without
// waiting out the poll interval.
type Manager struct {
	queue    TaskQueue
	registry Registry
	dedup    Deduper
	fetch    fetcher.Fetcher
	sink     fetcher.Sink
	recovery Recoverer
	broker   Broker
	timeline *timeline.Store
	limiter  *PlatformLimiter
	cfg      Config

	mu      sync.Mutex
	loops   []*loop
	nextID  int
	runCtx  context.Context
	started bool

	wg sync.WaitGroup
}

// loop is one worker's handle: its identity, its cancel lever, and the wake
// channel behind the immediate-check hook.
type loop struct {
	id     string
	wake   chan struct{}
	cancel context.CancelFunc
}

// NewManager wires the pipeline collaborators. broker may be nil for
// queue-direct deployments; tl may be nil to skip lifecycle events.
func NewManager(q TaskQueue, reg Registry, dd Deduper, f fetcher.Fetcher, sink fetcher.Sink, rec Recoverer, tl *timeline.Store, cfg Config) *Manager {
	cfg = cfg.withDefaults()
	return &Manager{
		queue:    q,
		registry: reg,
		dedup:    dd,
		fetch:    f,
		sink:     sink,
		recovery: rec,
		timeline: tl,
		limiter:  NewPlatformLimiter(cfg.PlatformRate, cfg.PlatformBurst),
		cfg:      cfg,
	}
}

// SetBroker switches the pool to broker-mode pulls. Must be called before
// Start.
func (m *Manager) SetBroker(b Broker) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.broker = b
}

// Start launches the configured pool. Loops run until ctx is cancelled or
// they are removed by a scale-down.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return
	}
	m.started = true
	m.runCtx = ctx
	for i := 0; i < m.cfg.PoolSize; i++ {
		m.spawnLocked()
	}
	log.Printf("worker: pool started with %d loops", len(m.loops))
}

// Stop cancels every loop and waits for in-flight work to drain.
func (m *Manager) Stop() {
	m.mu.Lock()
	for _, l := range m.loops {
		l.cancel()
	}
	m.loops = nil
	m.mu.Unlock()
	m.wg.Wait()
	log.Printf("worker: pool stopped")
}

// AddWorkers grows the pool by n loops.
func (m *Manager) AddWorkers(n int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.started {
		return errors.New("worker pool not started")
	}
	for i := 0; i < n; i++ {
		m.spawnLocked()
	}
	log.Printf("worker: scaled up by %d to %d loops", n, len(m.loops))
	return nil
}

// RemoveWorkers cancels the n newest loops. Each finishes its in-flight
// task before exiting.
func (m *Manager) RemoveWorkers(n int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n > len(m.loops) {
		n = len(m.loops)
	}
	for i := 0; i < n; i++ {
		l := m.loops[len(m.loops)-1]
		m.loops = m.loops[:len(m.loops)-1]
		l.cancel()
	}
	log.Printf("worker: scaled down by %d to %d loops", n, len(m.loops))
	return nil
}

// WorkerCount reports the live pool size.
func (m *Manager) WorkerCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.loops)
}

// TriggerCheck wakes every idle loop for an immediate dequeue attempt.
func (m *Manager) TriggerCheck() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, l := range m.loops {
		select {
		case l.wake <- struct{}{}:
		default:
		}
	}
}

func (m *Manager) spawnLocked() {
	m.nextID++
	id := fmt.Sprintf("%s-%d", m.cfg.IDPrefix, m.nextID)
	lctx, cancel := context.WithCancel(m.runCtx)
	l := &loop{
		id:     id,
		wake:   make(chan struct{}, 1),
		cancel: cancel,
	}
	m.loops = append(m.loops, l)
	observability.WorkerPoolSize.Set(float64(len(m.loops)))

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer m.dropLoop(l)
		m.run(lctx, l)
	}()
}

// dropLoop removes a loop that exited on its own (context cancel from
// Stop already clears the slice; scale-down removes it up front).
func (m *Manager) dropLoop(exited *loop) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, l := range m.loops {
		if l == exited {
			m.loops = append(m.loops[:i], m.loops[i+1:]...)
			break
		}
	}
	observability.WorkerPoolSize.Set(float64(len(m.loops)))
}
