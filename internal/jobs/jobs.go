// Package jobs tracks background sync jobs started from the HTTP API so that
// callers can poll for their outcome.
package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"finbench/internal/config"
	"finbench/internal/domain"
)

// Status is the lifecycle state of a job.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// Done reports whether s is terminal.
func (s Status) Done() bool { return s == StatusSucceeded || s == StatusFailed }

// Job is one tracked unit of background work.
type Job struct {
	ID        string          `json:"job_id"`
	Kind      string          `json:"kind"`
	Target    string          `json:"target"`
	Status    Status          `json:"status"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     string          `json:"error,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Tracker stores job state. Get returns domain.ErrNotFound for unknown or
// expired ids.
type Tracker interface {
	Create(ctx context.Context, kind, target string) (Job, error)
	Get(ctx context.Context, id string) (Job, error)
	Save(ctx context.Context, j Job) error
}

// New returns the tracker selected by cfg.Backend.
func New(cfg config.Jobs) (Tracker, error) {
	switch cfg.Backend {
	case "", "memory":
		return NewMemory(cfg.TTL), nil
	case "redis":
		return NewRedis(cfg.Redis, cfg.TTL), nil
	}
	return nil, fmt.Errorf("unknown jobs backend %q", cfg.Backend)
}

func newJob(kind, target string, now time.Time) Job {
	return Job{
		ID:        uuid.NewString(),
		Kind:      kind,
		Target:    target,
		Status:    StatusQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Run executes fn in the background and records its outcome on j. ctx
// should live as long as the process, not the request that started the
// job: cancelling it abandons fn, and the job is recorded as failed.
func Run(ctx context.Context, t Tracker, j Job, logger *slog.Logger, fn func(ctx context.Context) (any, error)) {
	if logger == nil {
		logger = slog.Default()
	}
	saveCtx := context.WithoutCancel(ctx)
	log := logger.With("job_id", j.ID, "kind", j.Kind, "target", j.Target)
	go func() {
		j.Status = StatusRunning
		j.UpdatedAt = time.Now().UTC()
		if err := t.Save(saveCtx, j); err != nil {
			log.Error("save job", "error", err)
		}

		start := time.Now()
		out, err := fn(ctx)
		if err != nil {
			j.Status = StatusFailed
			j.Error = err.Error()
		} else {
			j.Status = StatusSucceeded
		}
		if out != nil {
			if b, merr := json.Marshal(out); merr == nil {
				j.Result = b
			} else {
				log.Warn("encode job result", "error", merr)
			}
		}
		j.UpdatedAt = time.Now().UTC()
		if err := t.Save(saveCtx, j); err != nil {
			log.Error("save job", "error", err)
		}
		log.Info("job finished", "status", j.Status, "elapsed", time.Since(start).Round(time.Millisecond))
	}()
}

// ---------------------------------------------------------------------------
// In-memory tracker
// ---------------------------------------------------------------------------

// Memory keeps jobs in process memory. Finished jobs are dropped ttl after
// their last update.
type Memory struct {
	ttl time.Duration
	now func() time.Time

	mu   sync.Mutex
	jobs map[string]Job
}

// NewMemory returns an empty in-memory tracker. ttl <= 0 keeps jobs forever.
func NewMemory(ttl time.Duration) *Memory {
	return &Memory{ttl: ttl, now: time.Now, jobs: make(map[string]Job)}
}

func (m *Memory) Create(_ context.Context, kind, target string) (Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pruneLocked()
	j := newJob(kind, target, m.now().UTC())
	m.jobs[j.ID] = j
	return j, nil
}

func (m *Memory) Get(_ context.Context, id string) (Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok || m.expired(j) {
		return Job{}, fmt.Errorf("job %s: %w", id, domain.ErrNotFound)
	}
	return j, nil
}

func (m *Memory) Save(_ context.Context, j Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[j.ID] = j
	return nil
}

// List returns the live jobs, newest first.
func (m *Memory) List() []Job {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pruneLocked()
	out := make([]Job, 0, len(m.jobs))
	for _, j := range m.jobs {
		out = append(out, j)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].CreatedAt.After(out[k].CreatedAt) })
	return out
}

func (m *Memory) expired(j Job) bool {
	return m.ttl > 0 && j.Status.Done() && m.now().Sub(j.UpdatedAt) > m.ttl
}

func (m *Memory) pruneLocked() {
	for id, j := range m.jobs {
		if m.expired(j) {
			delete(m.jobs, id)
		}
	}
}
