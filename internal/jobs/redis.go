package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const queuedIndexKey = "jobs:queued"

// RedisStore persists job records in Redis with native TTL expiry. A sorted
// set indexes queued jobs for restart recovery; the claim script removes a
// job from that index atomically with the state transition.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisStore constructs a Redis-backed job store and verifies the
// connection.
func NewRedisStore(url string, ttl time.Duration) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	return &RedisStore{client: client, ttl: ttl}, nil
}

func jobKey(id string) string { return "job:" + id }

// Create persists a new job and indexes it as queued.
func (s *RedisStore) Create(ctx context.Context, job *Job) error {
	encoded, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode job: %w", err)
	}
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, jobKey(job.ID), encoded, s.ttl)
	pipe.ZAdd(ctx, queuedIndexKey, redis.Z{
		Score:  float64(job.CreatedAt.Unix()),
		Member: job.ID,
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store job: %w", err)
	}
	return nil
}

// Get returns a snapshot of the job.
func (s *RedisStore) Get(ctx context.Context, id string) (*Job, error) {
	payload, err := s.client.Get(ctx, jobKey(id)).Result()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	var job Job
	if err := json.Unmarshal([]byte(payload), &job); err != nil {
		return nil, fmt.Errorf("decode job %s: %w", id, err)
	}
	return &job, nil
}

// Update applies fn under optimistic locking (WATCH) and keeps the key TTL.
func (s *RedisStore) Update(ctx context.Context, id string, fn func(*Job)) (*Job, error) {
	key := jobKey(id)
	var updated *Job

	apply := func(tx *redis.Tx) error {
		payload, err := tx.Get(ctx, key).Result()
		if err == redis.Nil {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		var job Job
		if err := json.Unmarshal([]byte(payload), &job); err != nil {
			return fmt.Errorf("decode job %s: %w", id, err)
		}
		fn(&job)
		job.UpdatedAt = time.Now().UTC()
		encoded, err := json.Marshal(&job)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, encoded, redis.KeepTTL)
			return nil
		})
		if err == nil {
			updated = &job
		}
		return err
	}

	for attempt := 0; attempt < 5; attempt++ {
		err := s.client.Watch(ctx, apply, key)
		if err == redis.TxFailedErr {
			continue
		}
		if err != nil {
			return nil, err
		}
		return updated, nil
	}
	return nil, fmt.Errorf("job %s: update kept conflicting", id)
}

// claimScript transitions state queued->running, stamps the worker, and
// drops the job from the queued index, all atomically. Returns the updated
// payload, or "" when the job is missing or no longer claimable.
const claimScript = `
local key = KEYS[1]
local queued = KEYS[2]
local id = ARGV[1]
local worker = ARGV[2]
local now = ARGV[3]
local payload = redis.call("GET", key)
if not payload then
  redis.call("ZREM", queued, id)
  return ""
end
local job = cjson.decode(payload)
if job["state"] ~= "queued" then
  redis.call("ZREM", queued, id)
  return ""
end
job["state"] = "running"
job["claimed_by"] = worker
job["started_at"] = now
job["updated_at"] = now
local encoded = cjson.encode(job)
redis.call("SET", key, encoded, "KEEPTTL")
redis.call("ZREM", queued, id)
return encoded
`

// Claim transitions a queued job to running exactly once.
func (s *RedisStore) Claim(ctx context.Context, id, worker string) (*Job, bool, error) {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	res, err := s.client.Eval(ctx, claimScript,
		[]string{jobKey(id), queuedIndexKey}, id, worker, now).Result()
	if err != nil {
		return nil, false, fmt.Errorf("claim job: %w", err)
	}
	payload, ok := res.(string)
	if !ok || payload == "" {
		return nil, false, nil
	}
	var job Job
	if err := json.Unmarshal([]byte(payload), &job); err != nil {
		return nil, false, fmt.Errorf("decode claimed job %s: %w", id, err)
	}
	return &job, true, nil
}

// ListQueued returns up to limit queued jobs, oldest first. Index entries
// whose record has expired are dropped along the way.
func (s *RedisStore) ListQueued(ctx context.Context, limit int) ([]*Job, error) {
	ids, err := s.client.ZRange(ctx, queuedIndexKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list queued: %w", err)
	}
	var out []*Job
	for _, id := range ids {
		job, err := s.Get(ctx, id)
		if err == ErrNotFound {
			s.client.ZRem(ctx, queuedIndexKey, id)
			continue
		}
		if err != nil {
			return nil, err
		}
		if job.State != StateQueued {
			s.client.ZRem(ctx, queuedIndexKey, id)
			continue
		}
		out = append(out, job)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// PurgeExpired cleans the queued index; record expiry itself is native.
func (s *RedisStore) PurgeExpired(ctx context.Context) (int, error) {
	ids, err := s.client.ZRange(ctx, queuedIndexKey, 0, -1).Result()
	if err != nil {
		return 0, err
	}
	purged := 0
	for _, id := range ids {
		exists, err := s.client.Exists(ctx, jobKey(id)).Result()
		if err != nil {
			return purged, err
		}
		if exists == 0 {
			s.client.ZRem(ctx, queuedIndexKey, id)
			purged++
		}
	}
	return purged, nil
}

// Close shuts down the Redis client.
func (s *RedisStore) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}
