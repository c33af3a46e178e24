package jobs

import (
	"context"
	"errors"
	"testing"
	"time"

	"finbench/internal/config"
	"finbench/internal/domain"
)

func waitDone(t *testing.T, tr Tracker, id string) Job {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		j, err := tr.Get(context.Background(), id)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if j.Status.Done() {
			return j
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("job %s did not finish", id)
	return Job{}
}

func TestRunRecordsResult(t *testing.T) {
	ctx := context.Background()
	tr := NewMemory(time.Hour)
	j, err := tr.Create(ctx, "sync_market", "HK")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if j.Status != StatusQueued || j.ID == "" {
		t.Fatalf("new job = %+v", j)
	}

	Run(ctx, tr, j, nil, func(context.Context) (any, error) {
		return map[string]int{"assets": 3}, nil
	})
	done := waitDone(t, tr, j.ID)
	if done.Status != StatusSucceeded {
		t.Errorf("status = %s, want succeeded", done.Status)
	}
	if string(done.Result) != `{"assets":3}` {
		t.Errorf("result = %s", done.Result)
	}
}

func TestRunRecordsFailure(t *testing.T) {
	ctx := context.Background()
	tr := NewMemory(0)
	j, _ := tr.Create(ctx, "sync_asset", "US:STOCK:AAPL")
	Run(ctx, tr, j, nil, func(ctx context.Context) (any, error) {
		return nil, errors.New("all providers failed")
	})
	done := waitDone(t, tr, j.ID)
	if done.Status != StatusFailed || done.Error != "all providers failed" {
		t.Errorf("job = %+v", done)
	}
}

func TestRunAbandonedOnShutdown(t *testing.T) {
	lifetime, shutdown := context.WithCancel(context.Background())
	tr := NewMemory(0)
	j, _ := tr.Create(context.Background(), "sync_market", "US")
	started := make(chan struct{})
	Run(lifetime, tr, j, nil, func(ctx context.Context) (any, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	})
	<-started
	shutdown()
	done := waitDone(t, tr, j.ID)
	if done.Status != StatusFailed || done.Error != context.Canceled.Error() {
		t.Errorf("job = %+v, want failed with %v", done, context.Canceled)
	}
}

func TestMemoryExpiry(t *testing.T) {
	ctx := context.Background()
	tr := NewMemory(time.Minute)
	now := time.Date(2025, 12, 18, 10, 0, 0, 0, time.UTC)
	tr.now = func() time.Time { return now }

	j, _ := tr.Create(ctx, "sync_market", "US")
	j.Status = StatusSucceeded
	j.UpdatedAt = now
	if err := tr.Save(ctx, j); err != nil {
		t.Fatal(err)
	}
	running, _ := tr.Create(ctx, "sync_market", "CN")
	running.Status = StatusRunning
	_ = tr.Save(ctx, running)

	now = now.Add(2 * time.Minute)
	if _, err := tr.Get(ctx, j.ID); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("expired job: err = %v, want ErrNotFound", err)
	}
	if _, err := tr.Get(ctx, running.ID); err != nil {
		t.Errorf("running job must not expire: %v", err)
	}
	if n := len(tr.List()); n != 1 {
		t.Errorf("List len = %d, want 1", n)
	}
}

func TestNewBackends(t *testing.T) {
	if _, err := New(config.Jobs{Backend: "memory"}); err != nil {
		t.Errorf("memory: %v", err)
	}
	tr, err := New(config.Jobs{Backend: "redis", Redis: config.Redis{Addr: "127.0.0.1:0"}})
	if err != nil {
		t.Fatalf("redis: %v", err)
	}
	r, ok := tr.(*Redis)
	if !ok {
		t.Fatalf("tracker = %T", tr)
	}
	if r.key("abc") != "finbench:jobs:abc" {
		t.Errorf("key = %s", r.key("abc"))
	}
	_ = r.Close()
	if _, err := New(config.Jobs{Backend: "etcd"}); err == nil {
		t.Error("unknown backend accepted")
	}
}
