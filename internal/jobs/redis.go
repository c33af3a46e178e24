package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"finbench/internal/config"
	"finbench/internal/domain"
)

// Redis stores jobs as JSON strings under prefix+id with an expiry, so job
// status survives a server restart.
type Redis struct {
	cli    *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedis connects lazily to the configured server.
func NewRedis(cfg config.Redis, ttl time.Duration) *Redis {
	cli := redis.NewClient(&redis.Options{Addr: cfg.Addr, Password: cfg.Password, DB: cfg.DB})
	return NewRedisWithClient(cli, cfg.Prefix, ttl)
}

// NewRedisWithClient wraps an existing client.
func NewRedisWithClient(cli *redis.Client, prefix string, ttl time.Duration) *Redis {
	if prefix == "" {
		prefix = "finbench:jobs:"
	}
	return &Redis{cli: cli, prefix: prefix, ttl: ttl}
}

// Ping checks connectivity.
func (r *Redis) Ping(ctx context.Context) error {
	if err := r.cli.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}

// Close releases the client.
func (r *Redis) Close() error { return r.cli.Close() }

func (r *Redis) key(id string) string { return r.prefix + id }

func (r *Redis) Create(ctx context.Context, kind, target string) (Job, error) {
	j := newJob(kind, target, time.Now().UTC())
	if err := r.Save(ctx, j); err != nil {
		return Job{}, err
	}
	return j, nil
}

func (r *Redis) Get(ctx context.Context, id string) (Job, error) {
	b, err := r.cli.Get(ctx, r.key(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Job{}, fmt.Errorf("job %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return Job{}, fmt.Errorf("get job %s: %w", id, err)
	}
	var j Job
	if err := json.Unmarshal(b, &j); err != nil {
		return Job{}, fmt.Errorf("decode job %s: %w", id, err)
	}
	return j, nil
}

func (r *Redis) Save(ctx context.Context, j Job) error {
	b, err := json.Marshal(j)
	if err != nil {
		return fmt.Errorf("encode job %s: %w", j.ID, err)
	}
	if err := r.cli.Set(ctx, r.key(j.ID), b, r.ttl).Err(); err != nil {
		return fmt.Errorf("save job %s: %w", j.ID, err)
	}
	return nil
}
