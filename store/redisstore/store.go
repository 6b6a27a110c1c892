// Package redisstore implements the taskcluster repository on Redis.
//
// Tasks are hashes indexed by a pending ZSET (scored by priority, then submission time),
// an active SET and an archive LIST. Polling-queue tasks are additionally indexed by one
// ZSET per queue. Processors are hashes with a liveness TTL, and the master pointer is a
// string claimed with SET NX PX. Every conditional transition runs as a Lua script.
//
// Usage:
//
//	rdb := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
//	repo := redisstore.New(rdb, redisstore.WithNamespace("prod"))
package redisstore

import (
	"context"
	"time"

	taskcluster "github.com/UniQw/taskcluster"
	"github.com/UniQw/taskcluster/internal/keys"
	"github.com/redis/go-redis/v9"
)

// Defaults.
const (
	DefaultExpiration   = 15 * time.Second
	DefaultRetention    = 24 * time.Hour
	DefaultArchiveLimit = 10000
)

// Compile-time interface checks.
var (
	_ taskcluster.Repository          = (*Store)(nil)
	_ taskcluster.TaskRepository      = (*TaskStore)(nil)
	_ taskcluster.ProcessorRepository = (*ProcessorStore)(nil)
)

// Option configures the Store.
type Option func(*Store)

// WithNamespace isolates the keys of one cluster. Nodes of a cluster share a namespace.
func WithNamespace(ns string) Option {
	return func(s *Store) { s.keys = keys.For(ns) }
}

// WithExpiration sets the processor liveness TTL, which is also the master pointer TTL.
func WithExpiration(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.expiration = d
		}
	}
}

// WithRetention sets how long terminal tasks are kept. Zero keeps them forever.
func WithRetention(d time.Duration) Option {
	return func(s *Store) {
		if d >= 0 {
			s.retention = d
		}
	}
}

// WithArchiveLimit caps the archive list length.
func WithArchiveLimit(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.archiveLimit = n
		}
	}
}

// Store implements taskcluster.Repository backed by Redis.
type Store struct {
	rdb          redis.UniversalClient
	keys         keys.Space
	expiration   time.Duration
	retention    time.Duration
	archiveLimit int
	enc          taskcluster.Encoder

	tasks *TaskStore
	procs *ProcessorStore
}

// New creates a Redis-backed repository. The caller owns the Redis client lifecycle.
func New(rdb redis.UniversalClient, opts ...Option) *Store {
	s := &Store{
		rdb:          rdb,
		keys:         keys.For(keys.DefaultNamespace),
		expiration:   DefaultExpiration,
		retention:    DefaultRetention,
		archiveLimit: DefaultArchiveLimit,
		enc:          &taskcluster.JSONEncoder{},
	}
	for _, o := range opts {
		o(s)
	}
	s.tasks = &TaskStore{s: s}
	s.procs = &ProcessorStore{s: s}
	return s
}

// Tasks returns the task repository.
func (s *Store) Tasks() taskcluster.TaskRepository { return s.tasks }

// Processors returns the processor repository.
func (s *Store) Processors() taskcluster.ProcessorRepository { return s.procs }

// Ping verifies the Redis connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}
