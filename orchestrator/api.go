package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/driftline/crawlplane/orchestrator/dedup"
	"github.com/driftline/crawlplane/orchestrator/idempotency"
	"github.com/driftline/crawlplane/orchestrator/observability"
	"github.com/driftline/crawlplane/orchestrator/optimizer"
	"github.com/driftline/crawlplane/orchestrator/queue"
	"github.com/driftline/crawlplane/orchestrator/recovery"
	"github.com/driftline/crawlplane/orchestrator/scheduler"
	"github.com/driftline/crawlplane/orchestrator/store"
	"github.com/driftline/crawlplane/orchestrator/timeline"
	"github.com/driftline/crawlplane/orchestrator/worker"
)

// API is the orchestrator's operational HTTP surface.
type API struct {
	queue    *queue.Queue
	sched    *scheduler.Scheduler
	engine   *dedup.Engine
	recov    *recovery.Engine
	opt      *optimizer.Optimizer
	workers  *worker.Manager
	timeline *timeline.Store

	idempotency *idempotency.Store
	wsHub       *MetricsHub

	// Storm protection on the submit path.
	submitLimiter *rate.Limiter
}

func NewAPI(q *queue.Queue, s *scheduler.Scheduler, e *dedup.Engine, r *recovery.Engine, o *optimizer.Optimizer, w *worker.Manager, tl *timeline.Store, idem *idempotency.Store) *API {
	api := &API{
		queue:       q,
		sched:       s,
		engine:      e,
		recov:       r,
		opt:         o,
		workers:     w,
		timeline:    tl,
		idempotency: idem,
		// Allow 50 submissions/sec, burst 100.
		submitLimiter: rate.NewLimiter(rate.Limit(50), 100),
	}
	api.wsHub = NewMetricsHub(api)
	return api
}

// Routes registers every handler on mux.
func (a *API) Routes(mux *http.ServeMux) {
	mux.HandleFunc("/api/tasks", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			a.withIdempotency(a.handleSubmitTask)(w, r)
			return
		}
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	})
	mux.HandleFunc("/api/tasks/", a.handleTask)
	mux.HandleFunc("/api/status", a.handleStatus)
	mux.HandleFunc("/api/health", a.handleHealth)
	mux.HandleFunc("/api/dlq", a.handleDLQ)
	mux.HandleFunc("/api/workers", a.handleWorkers)
	mux.HandleFunc("/api/workers/", a.handleWorkerAction)
	mux.HandleFunc("/api/errors", a.handleErrors)
	mux.HandleFunc("/api/alerts", a.handleAlerts)
	mux.HandleFunc("/api/optimizer", a.handleOptimizer)
	mux.HandleFunc("/ws/metrics", a.handleMetricsStream)
}

// responseRecorder captures a handler's reply for the idempotency cache.
type responseRecorder struct {
	http.ResponseWriter
	statusCode int
	body       []byte
}

func (r *responseRecorder) WriteHeader(code int) {
	r.statusCode = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *responseRecorder) Write(b []byte) (int, error) {
	r.body = append(r.body, b...)
	return r.ResponseWriter.Write(b)
}

// withIdempotency replays the cached response for a repeated
// Idempotency-Key and records first-time responses.
func (a *API) withIdempotency(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get("Idempotency-Key")
		if key == "" {
			next(w, r)
			return
		}

		if resp, found := a.idempotency.Get(key); found {
			for k, vals := range resp.Headers {
				for _, v := range vals {
					w.Header().Add(k, v)
				}
			}
			w.WriteHeader(resp.StatusCode)
			w.Write(resp.Body)
			return
		}

		rec := &responseRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		next(rec, r)

		a.idempotency.Set(key, idempotency.Response{
			StatusCode: rec.statusCode,
			Body:       rec.body,
			Headers:    rec.Header(),
		})
	}
}

// writeRateLimitError answers 429 with a jittered Retry-After so rejected
// clients do not stampede back in lockstep.
func (a *API) writeRateLimitError(w http.ResponseWriter, endpoint string) {
	observability.APIRateLimited.WithLabelValues(endpoint).Inc()
	retryAfterMs := 1000 + rand.Intn(1000)
	w.Header().Set("Retry-After", fmt.Sprintf("%.1f", float64(retryAfterMs)/1000))
	http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
}

type submitRequest struct {
	URL         string                 `json:"url"`
	Platform    string                 `json:"platform"`
	Priority    store.TaskPriority     `json:"priority,omitempty"`
	Payload     map[string]interface{} `json:"payload,omitempty"`
	MaxRetries  int                    `json:"max_retries,omitempty"`
	DelaySec    float64                `json:"delay_sec,omitempty"`
	SessionHint string                 `json:"session_hint,omitempty"`
	Tags        []string               `json:"tags,omitempty"`
	ExpiresAt   *time.Time             `json:"expires_at,omitempty"`
}

func (a *API) handleSubmitTask(w http.ResponseWriter, r *http.Request) {
	if !a.submitLimiter.Allow() {
		a.writeRateLimitError(w, "submit")
		return
	}

	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.URL == "" || req.Platform == "" {
		http.Error(w, "url and platform are required", http.StatusBadRequest)
		return
	}

	priority := req.Priority
	if priority == "" {
		priority = store.PriorityNormal
	}
	task := store.NewTask(uuid.NewString(), req.URL, req.Platform, priority)
	task.Payload = req.Payload
	task.MaxRetries = req.MaxRetries
	task.SessionHint = req.SessionHint
	task.Tags = req.Tags
	task.ExpiresAt = req.ExpiresAt

	delay := time.Duration(req.DelaySec * float64(time.Second))
	if err := a.queue.Enqueue(r.Context(), task, delay); err != nil {
		log.Printf("api: enqueue: %v", err)
		http.Error(w, "enqueue failed", http.StatusServiceUnavailable)
		return
	}
	a.timeline.Record(timeline.TaskEvent{TaskID: task.ID, Stage: timeline.StageSubmitted})
	a.timeline.Record(timeline.TaskEvent{TaskID: task.ID, Stage: timeline.StageQueued})

	// Wake idle loops so a quiet pool picks this up immediately.
	if a.workers != nil {
		a.workers.TriggerCheck()
	}

	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"task_id":  task.ID,
		"status":   task.Status,
		"priority": task.Priority,
	})
}

// handleTask serves GET /api/tasks/{id} and /api/tasks/{id}/timeline.
func (a *API) handleTask(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	rest := strings.TrimPrefix(r.URL.Path, "/api/tasks/")
	if id, ok := strings.CutSuffix(rest, "/timeline"); ok {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"task_id": id,
			"events":  a.timeline.Events(id),
		})
		return
	}

	task, err := a.queue.GetTask(r.Context(), rest)
	if err != nil {
		log.Printf("api: get task %s: %v", rest, err)
		http.Error(w, "lookup failed", http.StatusServiceUnavailable)
		return
	}
	if task == nil {
		http.Error(w, "task not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

// statusSnapshot assembles the operational snapshot served on /api/status
// and streamed by the metrics hub.
func (a *API) statusSnapshot(ctx context.Context) (map[string]interface{}, error) {
	st, err := a.queue.Status(ctx)
	if err != nil {
		return nil, err
	}
	snapshot := map[string]interface{}{
		"queue":           st,
		"workers":         a.sched.Snapshot(),
		"utilization":     a.sched.Utilization(),
		"active_contexts": a.engine.Contexts().ActiveCount(),
		"breakers":        a.recov.BreakerStates(),
		"ws_clients":      a.wsHub.ClientCount(),
	}
	if a.workers != nil {
		snapshot["pool_size"] = a.workers.WorkerCount()
	}
	if baseline := a.opt.Baseline(); baseline != nil {
		snapshot["baseline"] = baseline
	}
	if sample, ok := a.opt.LastSample(); ok {
		snapshot["last_sample"] = sample
	}
	return snapshot, nil
}

func (a *API) handleStatus(w http.ResponseWriter, r *http.Request) {
	snapshot, err := a.statusSnapshot(r.Context())
	if err != nil {
		log.Printf("api: status: %v", err)
		http.Error(w, "status unavailable", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, snapshot)
}

const (
	healthBacklogThreshold     = 100
	healthUtilizationThreshold = 0.9
)

// handleHealth maps a 0-1 score to healthy / degraded / unhealthy. Worker
// failures weigh 0.5, backlog 0.2, utilization 0.3.
func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	st, err := a.queue.Status(r.Context())
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"status": "unhealthy",
			"score":  0.0,
			"reason": fmt.Sprintf("queue status unavailable: %v", err),
		})
		return
	}

	workers := a.sched.Snapshot()
	failed := 0
	for _, wr := range workers {
		if wr.State == scheduler.StateFailed {
			failed++
		}
	}
	failureRatio := 0.0
	if len(workers) > 0 {
		failureRatio = float64(failed) / float64(len(workers))
	}
	utilization := a.sched.Utilization()
	backlog := st.TotalDepth()

	score := 1.0
	score -= 0.5 * failureRatio
	if backlog > healthBacklogThreshold {
		score -= 0.2
	}
	if utilization > healthUtilizationThreshold {
		score -= 0.3
	}
	if !st.CacheConnected {
		score = 0
	}

	status := "unhealthy"
	switch {
	case score >= 0.8:
		status = "healthy"
	case score >= 0.5:
		status = "degraded"
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": status,
		"score":  score,
		"components": map[string]interface{}{
			"worker_failure_ratio": failureRatio,
			"backlog":              backlog,
			"utilization":          utilization,
			"cache_connected":      st.CacheConnected,
		},
	})
}

func (a *API) handleDLQ(w http.ResponseWriter, r *http.Request) {
	limit := queryLimit(r, 50)
	letters, err := a.queue.DeadLetters(r.Context(), limit)
	if err != nil {
		log.Printf("api: dlq: %v", err)
		http.Error(w, "dlq unavailable", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"count":   len(letters),
		"entries": letters,
	})
}

func (a *API) handleWorkers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"workers":     a.sched.Snapshot(),
		"utilization": a.sched.Utilization(),
	})
}

// handleWorkerAction serves POST /api/workers/{id}/reset, the operator
// lever that returns a FAILED or MAINTENANCE worker to IDLE.
func (a *API) handleWorkerAction(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/workers/")
	id, ok := strings.CutSuffix(rest, "/reset")
	if !ok || r.Method != http.MethodPost {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	if !a.sched.ResetWorker(id) {
		http.Error(w, "worker not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"worker_id": id, "state": scheduler.StateIdle})
}

func (a *API) handleErrors(w http.ResponseWriter, r *http.Request) {
	limit := queryLimit(r, 100)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"errors":         a.recov.Errors(limit),
		"strategy_stats": a.recov.StrategyStats(),
	})
}

func (a *API) handleAlerts(w http.ResponseWriter, r *http.Request) {
	limit := queryLimit(r, 50)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"alerts": a.recov.Alerts(limit),
	})
}

func (a *API) handleOptimizer(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"rules":   a.opt.Rules(),
		"actions": a.opt.Actions(queryLimit(r, 50)),
	})
}

func queryLimit(r *http.Request, def int) int {
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			return n
		}
	}
	return def
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("api: encoding response: %v", err)
	}
}
