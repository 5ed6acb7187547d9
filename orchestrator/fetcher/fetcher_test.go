package fetcher

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/driftline/crawlplane/orchestrator/store"
)

func fetchTask() *store.Task {
	t := store.NewTask("T1", "https://x.test/post/1", "twitter", store.PriorityNormal)
	t.Payload = map[string]interface{}{"render_js": true}
	return t
}

func TestHTTPFetcherDecodesResult(t *testing.T) {
	var gotReq fetchRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("content type = %q", ct)
		}
		if err := json.NewDecoder(r.Body).Decode(&gotReq); err != nil {
			t.Errorf("decode request: %v", err)
		}
		json.NewEncoder(w).Encode(FetchResult{
			Content: &store.Content{Title: "hello", Author: "ada", Platform: "twitter"},
			Links:   []string{"https://x.test/post/2"},
			Images:  []string{"https://cdn.x.test/1.jpg"},
		})
	}))
	defer srv.Close()

	f := NewHTTPFetcher(srv.URL, 5*time.Second)
	res, err := f.Fetch(context.Background(), fetchTask())
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if res.Content.Title != "hello" || res.Content.Author != "ada" {
		t.Fatalf("content = %+v", res.Content)
	}
	if len(res.Links) != 1 || len(res.Images) != 1 {
		t.Fatalf("assets = %+v", res)
	}
	if gotReq.TaskID != "T1" || gotReq.URL != "https://x.test/post/1" || gotReq.Platform != "twitter" {
		t.Fatalf("request payload = %+v", gotReq)
	}
	if gotReq.Options["render_js"] != true {
		t.Fatalf("options not forwarded: %+v", gotReq.Options)
	}
}

func TestHTTPFetcherCarriesStatusCode(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "too many requests from this IP", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	f := NewHTTPFetcher(srv.URL, 5*time.Second)
	_, err := f.Fetch(context.Background(), fetchTask())
	if err == nil {
		t.Fatal("expected error for 429 response")
	}
	var fe *FetchError
	if !errors.As(err, &fe) {
		t.Fatalf("error type = %T", err)
	}
	if fe.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", fe.StatusCode)
	}
	if fe.Message != "too many requests from this IP" {
		t.Fatalf("message = %q", fe.Message)
	}
}

func TestHTTPFetcherTransportFault(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // nothing listening

	f := NewHTTPFetcher(srv.URL, time.Second)
	_, err := f.Fetch(context.Background(), fetchTask())
	var fe *FetchError
	if !errors.As(err, &fe) {
		t.Fatalf("error = %v, want FetchError", err)
	}
	if fe.StatusCode != 0 {
		t.Fatalf("transport fault carries status %d, want 0", fe.StatusCode)
	}
}

func TestHTTPFetcherHonorsContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(time.Second):
		}
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	f := NewHTTPFetcher(srv.URL, 5*time.Second)
	start := time.Now()
	_, err := f.Fetch(ctx, fetchTask())
	if err == nil {
		t.Fatal("expected deadline error")
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Fatalf("fetch blocked %v past the deadline", elapsed)
	}
}

func TestBrokerPullTask(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("worker_id"); got != "w1" {
			t.Errorf("worker_id = %q", got)
		}
		json.NewEncoder(w).Encode(store.NewTask("T9", "https://x.test/post/9", "tiktok", store.PriorityHigh))
	}))
	defer srv.Close()

	b := NewBrokerClient(srv.URL, 5*time.Second)
	task, err := b.PullTask(context.Background(), "w1")
	if err != nil {
		t.Fatalf("PullTask: %v", err)
	}
	if task == nil || task.ID != "T9" || task.Priority != store.PriorityHigh {
		t.Fatalf("task = %+v", task)
	}
}

func TestBrokerPullEmpty(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	b := NewBrokerClient(srv.URL, 5*time.Second)
	task, err := b.PullTask(context.Background(), "w1")
	if err != nil {
		t.Fatalf("PullTask: %v", err)
	}
	if task != nil {
		t.Fatalf("task = %+v, want nil on 204", task)
	}
}

func TestBrokerAckAccepted(t *testing.T) {
	var got brokerAck
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/tasks/T9/ack" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode ack: %v", err)
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	b := NewBrokerClient(srv.URL, 5*time.Second)
	if err := b.Ack(context.Background(), "T9", "w1", true, 2500*time.Millisecond, ""); err != nil {
		t.Fatalf("Ack: %v", err)
	}
	if got.TaskID != "T9" || got.WorkerID != "w1" || !got.Success {
		t.Fatalf("ack payload = %+v", got)
	}
	if got.DurationSec != 2.5 {
		t.Fatalf("duration = %v, want 2.5", got.DurationSec)
	}
}

func TestIndexSinkIdempotentOnDuplicate(t *testing.T) {
	index := store.NewMemoryIndex()
	sink := NewIndexSink(index)
	ctx := context.Background()

	first := &store.Content{URL: "https://x.test/post/1", Title: "hello", Platform: "twitter", ContentHash: "h1"}
	id1, err := sink.Append(ctx, first)
	if err != nil {
		t.Fatalf("first append: %v", err)
	}
	if id1 == "" {
		t.Fatal("first append returned empty id")
	}

	// A retried append of the same hash resolves to the stored record.
	again := &store.Content{URL: "https://x.test/post/1?retry", Title: "hello", Platform: "twitter", ContentHash: "h1"}
	id2, err := sink.Append(ctx, again)
	if err != nil {
		t.Fatalf("duplicate append: %v", err)
	}
	if id2 != id1 {
		t.Fatalf("duplicate append id = %s, want %s", id2, id1)
	}
}
