package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/driftline/crawlplane/orchestrator/dedup"
	"github.com/driftline/crawlplane/orchestrator/fetcher"
	"github.com/driftline/crawlplane/orchestrator/idempotency"
	"github.com/driftline/crawlplane/orchestrator/optimizer"
	"github.com/driftline/crawlplane/orchestrator/queue"
	"github.com/driftline/crawlplane/orchestrator/recovery"
	"github.com/driftline/crawlplane/orchestrator/scheduler"
	"github.com/driftline/crawlplane/orchestrator/store"
	"github.com/driftline/crawlplane/orchestrator/streaming"
	"github.com/driftline/crawlplane/orchestrator/timeline"
	"github.com/driftline/crawlplane/orchestrator/worker"
)

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		var n int
		if _, err := fmt.Sscanf(v, "%d", &n); err == nil && n > 0 {
			return n
		}
	}
	return def
}

func envDur(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			return d
		}
	}
	return def
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Cache spine. The queue, the dedup layers, and the sweeps all share it.
	redisAddr := envStr("REDIS_ADDR", "localhost:6379")
	cache, err := store.NewRedisCache(redisAddr, os.Getenv("REDIS_PASSWORD"), envInt("REDIS_DB", 0))
	if err != nil {
		log.Fatalf("connecting to redis at %s: %v", redisAddr, err)
	}
	log.Printf("connected to redis at %s", redisAddr)

	// Index store. Without a DSN the in-memory index serves single-node
	// runs; dedup confirmations then do not survive a restart.
	var index store.Index
	if dsn := os.Getenv("POSTGRES_DSN"); dsn != "" {
		pg, err := store.NewPostgresIndex(ctx, dsn)
		if err != nil {
			log.Fatalf("connecting to postgres: %v", err)
		}
		index = pg
		log.Printf("connected to postgres index store")
	} else {
		index = store.NewMemoryIndex()
		log.Printf("POSTGRES_DSN not set, using in-memory index store")
	}
	if err := index.EnsureIndexes(ctx); err != nil {
		log.Fatalf("bootstrapping indexes: %v", err)
	}
	defer index.Close()

	qcfg := queue.DefaultConfig()
	qcfg.Prefix = envStr("QUEUE_PREFIX", qcfg.Prefix)
	qcfg.Strategy = queue.Strategy(envStr("QUEUE_STRATEGY", string(qcfg.Strategy)))
	q := queue.New(cache, qcfg)

	scfg := scheduler.DefaultConfig()
	scfg.Policy = scheduler.Policy(envStr("SCHEDULER_POLICY", string(scfg.Policy)))
	scfg.MaxWorkers = envInt("MAX_WORKERS", scfg.MaxWorkers)
	scfg.MinWorkers = envInt("MIN_WORKERS", scfg.MinWorkers)
	sched := scheduler.New(scfg)

	dcfg := dedup.DefaultConfig()
	dcfg.Window = envDur("DEDUP_WINDOW", dcfg.Window)
	engine := dedup.New(cache, index, q.Keys(), dcfg)
	log.Printf("bloom filter sized for %d urls at %.2f%% fp: %d bits, %d hashes",
		dcfg.BloomCapacity, dcfg.BloomFPRate*100, engine.Bloom().Bits(), engine.Bloom().Hashes())

	publisher := streaming.NewLogPublisher()
	defer publisher.Close()

	recov := recovery.New(recovery.DefaultConfig(), publisher)

	ocfg := optimizer.DefaultConfig()
	ocfg.Mode = optimizer.Mode(envStr("OPTIMIZER_MODE", string(ocfg.Mode)))
	ocfg.MinWorkers = scfg.MinWorkers
	ocfg.MaxWorkers = scfg.MaxWorkers
	opt := optimizer.New(ocfg, q, sched)
	opt.SetPublisher(publisher)
	sched.SetScaleRequester(opt)

	fetchTimeout := envDur("FETCH_TIMEOUT", 2*time.Minute)
	fetch := fetcher.NewHTTPFetcher(envStr("FETCHER_URL", "http://localhost:9010/fetch"), fetchTimeout)
	sink := fetcher.NewIndexSink(index)
	tl := timeline.NewStore(envInt("TIMELINE_LIMIT", 10000))

	wcfg := worker.DefaultConfig()
	wcfg.PoolSize = envInt("WORKER_POOL_SIZE", wcfg.PoolSize)
	wcfg.Strategy = qcfg.Strategy
	wcfg.TaskTimeout = fetchTimeout
	wcfg.ProcessingTimeout = envDur("PROCESSING_TIMEOUT", fetchTimeout+time.Minute)
	manager := worker.NewManager(q, sched, engine, fetch, sink, recov, tl, wcfg)
	if brokerURL := os.Getenv("BROKER_URL"); brokerURL != "" {
		manager.SetBroker(fetcher.NewBrokerClient(brokerURL, 10*time.Second))
		log.Printf("broker mode: pulling tasks from %s", brokerURL)
	}
	opt.SetExecutor(manager)

	// Reclaim any state a previous run left behind before taking work.
	if evicted, requeued, err := q.SweepExpiredWorkers(ctx); err != nil {
		log.Printf("startup sweep: %v", err)
	} else if evicted > 0 {
		log.Printf("startup sweep: evicted %d dead workers, requeued %d tasks", evicted, requeued)
	}

	// Background services.
	q.StartSweeper(ctx)
	q.StartPromoter(ctx)
	sched.StartRebalancer(ctx)
	opt.Start(ctx)
	engine.Contexts().StartPersister(ctx, envDur("CONTEXT_PERSIST_INTERVAL", 30*time.Second))
	dedup.NewClaimJanitor(cache, q.Keys(), q, envDur("CLAIM_SWEEP_INTERVAL", time.Minute)).Start(ctx)
	go runMetricsCollector(ctx, q)

	manager.Start(ctx)

	idem := idempotency.NewStore(time.Hour)
	api := NewAPI(q, sched, engine, recov, opt, manager, tl, idem)
	go api.wsHub.Run(ctx)

	mux := http.NewServeMux()
	api.Routes(mux)
	mux.Handle("/metrics", promhttp.Handler())

	addr := envStr("LISTEN_ADDR", ":8080")
	srv := &http.Server{Addr: addr, Handler: mux}

	fmt.Println("==================================================")
	fmt.Println("CRAWLPLANE ORCHESTRATOR")
	fmt.Println("==================================================")
	fmt.Printf("Queue prefix:      %s\n", qcfg.Prefix)
	fmt.Printf("Dequeue strategy:  %s\n", qcfg.Strategy)
	fmt.Printf("Scheduler policy:  %s\n", scfg.Policy)
	fmt.Printf("Worker pool:       %d (bounds %d-%d)\n", wcfg.PoolSize, scfg.MinWorkers, scfg.MaxWorkers)
	fmt.Printf("Optimizer mode:    %s\n", ocfg.Mode)
	fmt.Println("==================================================")
	log.Printf("orchestrator listening on %s", addr)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http server: %v", err)
		}
	}()

	<-ctx.Done()
	log.Printf("shutdown signal received, draining")

	// Drain order: stop intake, let loops finish bounded, flush contexts,
	// then close the HTTP surface.
	manager.Stop()
	flushCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	engine.Contexts().PersistAll(flushCtx)
	if err := srv.Shutdown(flushCtx); err != nil {
		log.Printf("http shutdown: %v", err)
	}
	log.Printf("orchestrator stopped")
}

// runMetricsCollector publishes the queue status snapshot to the bounded
// metrics list and the Prometheus gauges.
func runMetricsCollector(ctx context.Context, q *queue.Queue) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := q.PublishStatus(ctx); err != nil {
				log.Printf("metrics collector: %v", err)
			}
		}
	}
}
