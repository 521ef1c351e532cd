package storage

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"wsched/internal/eventbus"
	"wsched/internal/task/engine"
	logx "wsched/pkg/logx"
)

func openTestStore(t *testing.T, driver string, retain int) (Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "results."+driver)
	st, err := Open(Config{Driver: driver, Path: path, Retain: retain, BusyTimeout: time.Second}, logx.Nop())
	if err != nil {
		t.Fatalf("Open(%s) = %v", driver, err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st, path
}

func TestOpenDisabled(t *testing.T) {
	t.Parallel()

	for _, d := range []string{"", "none", " NONE "} {
		st, err := Open(Config{Driver: d}, logx.Nop())
		if st != nil || err != nil {
			t.Fatalf("Open(%q) = %v, %v; want nil, nil", d, st, err)
		}
	}
	if _, err := Open(Config{Driver: "mongo"}, logx.Nop()); err == nil {
		t.Fatalf("Open(mongo) = nil error")
	}
	if _, err := Open(Config{Driver: "file"}, logx.Nop()); err == nil {
		t.Fatalf("Open(file) without path = nil error")
	}
}

func TestStoreRecentNewestFirst(t *testing.T) {
	t.Parallel()

	for _, driver := range []string{"file", "sqlite"} {
		driver := driver
		t.Run(driver, func(t *testing.T) {
			t.Parallel()
			st, _ := openTestStore(t, driver, 100)
			ctx := context.Background()
			for i := 0; i < 5; i++ {
				rec := ResultRecord{TaskID: fmt.Sprintf("t%d", i), Success: i%2 == 0, WorkerID: i, ExecutionMS: 1.5, CompletedAt: time.Now()}
				if !rec.Success {
					rec.Error = "boom"
				}
				if err := st.AppendResult(ctx, rec); err != nil {
					t.Fatalf("AppendResult() = %v", err)
				}
			}

			got, err := st.Recent(ctx, 3)
			if err != nil {
				t.Fatalf("Recent() = %v", err)
			}
			if len(got) != 3 || got[0].TaskID != "t4" || got[2].TaskID != "t2" {
				t.Fatalf("Recent(3) = %+v", got)
			}
			if got[1].Success || got[1].Error != "boom" || got[1].WorkerID != 3 {
				t.Fatalf("record t3 = %+v", got[1])
			}

			all, _ := st.Recent(ctx, 0)
			if len(all) != 5 {
				t.Fatalf("Recent(0) len = %d, want 5", len(all))
			}
		})
	}
}

func TestFileStoreReplaysAndCompacts(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "results.jsonl")
	cfg := Config{Driver: "file", Path: path, Retain: 3}
	st, err := Open(cfg, logx.Nop())
	if err != nil {
		t.Fatalf("Open() = %v", err)
	}
	ctx := context.Background()
	for i := 0; i < 13; i++ {
		if err := st.AppendResult(ctx, ResultRecord{TaskID: fmt.Sprintf("t%d", i), Success: true}); err != nil {
			t.Fatalf("AppendResult(%d) = %v", i, err)
		}
	}
	if fs := st.(*fileStore); fs.writes > 4*fs.retain {
		t.Fatalf("writes = %d, compaction did not run", fs.writes)
	}
	_ = st.Close()

	st, err = Open(cfg, logx.Nop())
	if err != nil {
		t.Fatalf("reopen = %v", err)
	}
	defer st.Close()
	got, _ := st.Recent(ctx, 10)
	if len(got) != 3 || got[0].TaskID != "t12" || got[2].TaskID != "t10" {
		t.Fatalf("after reopen Recent() = %+v", got)
	}
}

func TestClosedStore(t *testing.T) {
	t.Parallel()

	st, _ := openTestStore(t, "file", 10)
	_ = st.Close()
	if err := st.AppendResult(context.Background(), ResultRecord{TaskID: "x"}); !errors.Is(err, ErrDisabled) {
		t.Fatalf("AppendResult() after Close = %v, want ErrDisabled", err)
	}
}

func TestRecorderPersistsBusResults(t *testing.T) {
	t.Parallel()

	st, _ := openTestStore(t, "file", 100)
	bus := eventbus.New()
	rec := NewRecorder(st, bus, 16, logx.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- rec.Run(ctx) }()

	bus.Publish(eventbus.Event{Type: eventbus.TypeTaskCompleted, Data: engine.TaskResult{TaskID: "ok", WorkerID: 1}})
	bus.Publish(eventbus.Event{Type: eventbus.TypeTaskFailed, Data: engine.TaskResult{TaskID: "bad", Err: errors.New("boom")}})
	bus.Publish(eventbus.Event{Type: eventbus.TypeMetrics, Data: "ignored"})

	deadline := time.Now().Add(2 * time.Second)
	for {
		if w, _ := rec.Counts(); w == 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("recorder did not persist results")
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run() = %v", err)
	}

	got, _ := st.Recent(context.Background(), 10)
	if len(got) != 2 || got[0].TaskID != "bad" || got[0].Success || got[1].TaskID != "ok" {
		t.Fatalf("Recent() = %+v", got)
	}
}
