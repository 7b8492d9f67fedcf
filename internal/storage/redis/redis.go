// Package redis implements storage.Store on Redis.
//
// Each job is a Hash holding the JSON record and its state. A Sorted Set per
// state, scored by creation time, serves ListByState. Put rewrites the hash
// and moves the id between state sets inside one MULTI/EXEC.
//
// Usage:
//
//	client := goredis.NewClient(&goredis.Options{Addr: "localhost:6379"})
//	s := redis.New(client)
//	if err := s.Ping(ctx); err != nil { ... }
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	goredis "github.com/redis/go-redis/v9"

	"github.com/ChuLiYu/batchkeeper/internal/jobmanager"
	"github.com/ChuLiYu/batchkeeper/internal/storage"
	"github.com/ChuLiYu/batchkeeper/pkg/types"
)

var _ storage.Store = (*Store)(nil)

const defaultPrefix = "batchkeeper:"

// Option configures the Store.
type Option func(*Store)

// WithKeyPrefix namespaces every key. Defaults to "batchkeeper:".
func WithKeyPrefix(prefix string) Option {
	return func(s *Store) { s.prefix = prefix }
}

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// Store is a Redis-backed job store. The caller owns the client lifecycle.
type Store struct {
	client goredis.Cmdable
	prefix string
	logger *slog.Logger
}

// New wraps client.
func New(client goredis.Cmdable, opts ...Option) *Store {
	s := &Store{client: client, prefix: defaultPrefix, logger: slog.Default()}
	for _, o := range opts {
		o(s)
	}
	return s
}

// jobKey returns {prefix}job:{id}
func (s *Store) jobKey(id types.JobID) string { return s.prefix + "job:" + string(id) }

// stateKey returns {prefix}state:{state}
func (s *Store) stateKey(st types.JobState) string { return s.prefix + "state:" + string(st) }

// Ping verifies the Redis connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *Store) Put(ctx context.Context, job *types.Job) error {
	record, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode job %s: %w", job.ID, err)
	}
	id := string(job.ID)

	pipe := s.client.TxPipeline()
	for _, st := range types.AllStates {
		if st != job.State {
			pipe.ZRem(ctx, s.stateKey(st), id)
		}
	}
	pipe.HSet(ctx, s.jobKey(job.ID),
		"state", string(job.State),
		"record", string(record),
	)
	pipe.ZAdd(ctx, s.stateKey(job.State), goredis.Z{
		Score:  float64(job.CreatedAt.UnixNano()),
		Member: id,
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return storage.Unavailable("put "+id, err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, id types.JobID) (*types.Job, error) {
	record, err := s.client.HGet(ctx, s.jobKey(id), "record").Result()
	if errors.Is(err, goredis.Nil) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, storage.Unavailable("get "+string(id), err)
	}
	return decode(record)
}

func (s *Store) ListByState(ctx context.Context, states ...types.JobState) ([]*types.Job, error) {
	if len(states) == 0 {
		states = types.AllStates
	}

	wanted := make(map[types.JobState]bool, len(states))
	var ids []string
	seen := make(map[string]bool)
	for _, st := range states {
		if wanted[st] {
			continue
		}
		wanted[st] = true
		members, err := s.client.ZRange(ctx, s.stateKey(st), 0, -1).Result()
		if err != nil {
			return nil, storage.Unavailable("list "+string(st), err)
		}
		// A job that moved states between two ZRANGEs shows up in both.
		for _, id := range members {
			if !seen[id] {
				seen[id] = true
				ids = append(ids, id)
			}
		}
	}

	jobs := make([]*types.Job, 0, len(ids))
	for _, id := range ids {
		job, err := s.Get(ctx, types.JobID(id))
		if errors.Is(err, storage.ErrNotFound) {
			s.logger.Debug("Job deleted while listing", "jobID", id)
			continue
		}
		if err != nil {
			return nil, err
		}
		if !wanted[job.State] {
			s.logger.Debug("Job left the listed states while listing", "jobID", id, "state", job.State)
			continue
		}
		jobs = append(jobs, job)
	}

	// Scores are float64 so sub-microsecond order is re-established here.
	jobmanager.SortByCreation(jobs)
	return jobs, nil
}

func (s *Store) Delete(ctx context.Context, id types.JobID) error {
	state, err := s.client.HGet(ctx, s.jobKey(id), "state").Result()
	if errors.Is(err, goredis.Nil) {
		return storage.ErrNotFound
	}
	if err != nil {
		return storage.Unavailable("delete "+string(id), err)
	}

	pipe := s.client.TxPipeline()
	pipe.Del(ctx, s.jobKey(id))
	pipe.ZRem(ctx, s.stateKey(types.JobState(state)), string(id))
	if _, err := pipe.Exec(ctx); err != nil {
		return storage.Unavailable("delete "+string(id), err)
	}
	return nil
}

// Close is a no-op; the caller owns the client.
func (s *Store) Close() error { return nil }

func decode(record string) (*types.Job, error) {
	var job types.Job
	if err := json.Unmarshal([]byte(record), &job); err != nil {
		return nil, fmt.Errorf("decode job record: %w", err)
	}
	return &job, nil
}
