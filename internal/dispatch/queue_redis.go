package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// queueKey is the sorted set holding pending call jobs, scored by the
// millisecond timestamp at which each becomes due.
const queueKey = "outreach:call_jobs"

// RedisQueue is the cross-process delayed queue. ZREM after the ranged
// read makes the claim exclusive: only the worker whose ZREM returns 1
// owns the job.
type RedisQueue struct {
	rdb *redis.Client
}

func NewRedisQueue(rdb *redis.Client) *RedisQueue { return &RedisQueue{rdb: rdb} }

func (q *RedisQueue) Enqueue(ctx context.Context, j Job) error {
	if j.ID == "" {
		j.ID = uuid.NewString()
	}
	payload, err := json.Marshal(j)
	if err != nil {
		return fmt.Errorf("dispatch: marshal job: %w", err)
	}
	err = q.rdb.ZAdd(ctx, queueKey, redis.Z{
		Score:  float64(j.ScheduledFor.UnixMilli()),
		Member: payload,
	}).Err()
	if err != nil {
		return fmt.Errorf("dispatch: enqueue job %s: %w", j.ID, err)
	}
	return nil
}

func (q *RedisQueue) Claim(ctx context.Context, now time.Time, limit int) ([]Job, error) {
	members, err := q.rdb.ZRangeByScore(ctx, queueKey, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now.UnixMilli(), 10),
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("dispatch: claim jobs: %w", err)
	}

	var out []Job
	for _, m := range members {
		removed, err := q.rdb.ZRem(ctx, queueKey, m).Result()
		if err != nil {
			return out, fmt.Errorf("dispatch: remove claimed job: %w", err)
		}
		if removed == 0 {
			// Another worker won the claim.
			continue
		}
		var j Job
		if err := json.Unmarshal([]byte(m), &j); err != nil {
			// A poisoned member would otherwise be re-claimed forever.
			continue
		}
		out = append(out, j)
	}
	return out, nil
}
