package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"

	rtsup "wsched/internal/runtime/supervisor"
	"wsched/internal/storage"
	"wsched/internal/task/engine"
	logx "wsched/pkg/logx"
)

type fakeScheduler struct {
	running bool
	states  map[string]engine.TaskState
	results map[string]engine.TaskResult
}

func (f *fakeScheduler) Status() engine.SchedulerStatus {
	return engine.SchedulerStatus{IsRunning: f.running, NumWorkers: 2}
}
func (f *fakeScheduler) Metrics() engine.SchedulerMetrics {
	return engine.SchedulerMetrics{QueuedGlobal: 3}
}
func (f *fakeScheduler) TaskState(id string) (engine.TaskState, bool) {
	st, ok := f.states[id]
	return st, ok
}
func (f *fakeScheduler) Result(id string) (engine.TaskResult, bool) {
	r, ok := f.results[id]
	return r, ok
}
func (f *fakeScheduler) Supervisors() map[string]rtsup.SupervisorSnapshot { return nil }

type fakeStore struct {
	recs []storage.ResultRecord
	err  error
	last int
}

func (s *fakeStore) AppendResult(context.Context, storage.ResultRecord) error { return nil }
func (s *fakeStore) Recent(_ context.Context, limit int) ([]storage.ResultRecord, error) {
	s.last = limit
	return s.recs, s.err
}
func (s *fakeStore) Close() error { return nil }

func get(t *testing.T, h http.Handler, path string) (int, map[string]any) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	var body map[string]any
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
			t.Fatalf("GET %s: decode %q: %v", path, rec.Body.String(), err)
		}
	}
	return rec.Code, body
}

func newFakeDeps() (*fakeScheduler, *fakeStore, Deps) {
	sched := &fakeScheduler{
		running: true,
		states:  map[string]engine.TaskState{"done": engine.TaskCompleted, "queued": engine.TaskPending},
		results: map[string]engine.TaskResult{"done": {TaskID: "done", WorkerID: 1, Value: "x"}},
	}
	store := &fakeStore{recs: []storage.ResultRecord{{TaskID: "done", Success: true}}}
	return sched, store, Deps{Scheduler: sched, Store: store, Version: "test", Log: logx.Nop()}
}

func TestRouterEndpoints(t *testing.T) {
	t.Parallel()

	sched, store, deps := newFakeDeps()
	r := NewRouter(deps)

	tests := []struct {
		path string
		code int
		key  string
	}{
		{"/healthz", http.StatusOK, "status"},
		{"/v1/status", http.StatusOK, "scheduler"},
		{"/v1/metrics", http.StatusOK, "queued_global"},
		{"/v1/results", http.StatusOK, "results"},
		{"/v1/results?limit=0", http.StatusBadRequest, "error"},
		{"/v1/results?limit=abc", http.StatusBadRequest, "error"},
		{"/v1/tasks/done", http.StatusOK, "result"},
		{"/v1/tasks/queued", http.StatusOK, "state"},
		{"/v1/tasks/nope", http.StatusNotFound, "error"},
	}
	for _, tt := range tests {
		code, body := get(t, r, tt.path)
		if code != tt.code {
			t.Fatalf("GET %s = %d, want %d", tt.path, code, tt.code)
		}
		if _, ok := body[tt.key]; !ok {
			t.Fatalf("GET %s body %v missing %q", tt.path, body, tt.key)
		}
	}

	_, body := get(t, r, "/v1/tasks/queued")
	if body["state"] != "pending" {
		t.Fatalf("state = %v, want pending", body["state"])
	}
	if _, ok := body["result"]; ok {
		t.Fatalf("pending task has a result: %v", body)
	}

	get(t, r, "/v1/results?limit=5000")
	if store.last != maxResultsLimit {
		t.Fatalf("limit passed to store = %d, want %d", store.last, maxResultsLimit)
	}

	sched.running = false
	if code, _ := get(t, r, "/healthz"); code != http.StatusServiceUnavailable {
		t.Fatalf("GET /healthz after stop = %d, want 503", code)
	}
}

func TestRouterWithoutOptionalDeps(t *testing.T) {
	t.Parallel()

	_, _, deps := newFakeDeps()
	deps.Store = nil
	r := NewRouter(deps)

	if code, _ := get(t, r, "/v1/results"); code != http.StatusServiceUnavailable {
		t.Fatalf("GET /v1/results without store = %d, want 503", code)
	}
	if code, _ := get(t, r, "/metrics"); code != http.StatusNotFound {
		t.Fatalf("GET /metrics without gatherer = %d, want 404", code)
	}
	if code, _ := get(t, r, "/debug/pprof/"); code != http.StatusNotFound {
		t.Fatalf("GET /debug/pprof/ disabled = %d, want 404", code)
	}
}

func TestRouterStoreError(t *testing.T) {
	t.Parallel()

	_, store, deps := newFakeDeps()
	store.err = errors.New("disk gone")
	if code, _ := get(t, NewRouter(deps), "/v1/results"); code != http.StatusInternalServerError {
		t.Fatalf("GET /v1/results = %d, want 500", code)
	}
}

func TestRouterPromAndPprof(t *testing.T) {
	t.Parallel()

	reg := prom.NewRegistry()
	c := prom.NewCounter(prom.CounterOpts{Name: "wsched_test_total", Help: "test"})
	reg.MustRegister(c)
	c.Inc()

	_, _, deps := newFakeDeps()
	deps.Gatherer = reg
	deps.Pprof = true
	r := NewRouter(deps)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "wsched_test_total 1") {
		t.Fatalf("GET /metrics = %d %q", rec.Code, rec.Body.String())
	}

	for _, p := range []string{"/debug/pprof/", "/debug/pprof/goroutine"} {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, p, nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("GET %s = %d", p, rec.Code)
		}
	}
}

func TestServerStartStop(t *testing.T) {
	t.Parallel()

	_, _, deps := newFakeDeps()
	s := NewServer(Config{Addr: "127.0.0.1:0", ReadTimeout: time.Second}, NewRouter(deps), logx.Nop())
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start() = %v", err)
	}
	addr := s.Addr()
	if addr == "" {
		t.Fatalf("Addr() empty after Start")
	}

	var resp *http.Response
	var err error
	deadline := time.Now().Add(2 * time.Second)
	for {
		resp, err = http.Get("http://" + addr + "/healthz")
		if err == nil || time.Now().After(deadline) {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("GET /healthz = %v", err)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET /healthz = %d", resp.StatusCode)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("Stop() = %v", err)
	}
	if s.Addr() != "" {
		t.Fatalf("Addr() = %q after Stop", s.Addr())
	}
}

func TestServerRefusesPublicPprof(t *testing.T) {
	t.Parallel()

	s := NewServer(Config{Addr: "0.0.0.0:0", Pprof: true}, http.NotFoundHandler(), logx.Nop())
	if err := s.Start(context.Background()); err == nil {
		_ = s.Stop(context.Background())
		t.Fatalf("Start() = nil, want refusal")
	}
	if !isLoopbackAddr("localhost:1") || !isLoopbackAddr("[::1]:1") || isLoopbackAddr(":8080") {
		t.Fatalf("isLoopbackAddr mismatch")
	}
}
