package worker

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"inboxpilot/internal/models"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const (
	wakeKey       = "jobs:wake"
	deadLetterKey = "jobs:deadletter"
)

// WakeQueue is a redis-backed wake hint channel. The durable queue and
// the atomic claim live in sqlite; redis only shortens the latency
// between enqueue and claim, and collects dead letters for inspection.
// Everything degrades to plain polling when redis is absent.
type WakeQueue struct {
	redis  *redis.Client
	logger zerolog.Logger
}

func NewWakeQueue(client *redis.Client, logger zerolog.Logger) *WakeQueue {
	return &WakeQueue{redis: client, logger: logger}
}

// Notify signals that a job was enqueued. Failures are logged and
// swallowed: the poll loop picks the job up regardless.
func (q *WakeQueue) Notify(ctx context.Context) {
	if q == nil || q.redis == nil {
		return
	}
	if err := q.redis.LPush(ctx, wakeKey, "1").Err(); err != nil {
		q.logger.Debug().Err(err).Msg("wake hint push failed")
	}
}

// Wait blocks until a wake hint arrives or the timeout passes.
func (q *WakeQueue) Wait(ctx context.Context, timeout time.Duration) {
	if q == nil || q.redis == nil {
		select {
		case <-ctx.Done():
		case <-time.After(timeout):
		}
		return
	}
	err := q.redis.BRPop(ctx, timeout, wakeKey).Err()
	if err != nil && !errors.Is(err, redis.Nil) && ctx.Err() == nil {
		q.logger.Debug().Err(err).Msg("wake wait failed, sleeping instead")
		select {
		case <-ctx.Done():
		case <-time.After(timeout):
		}
	}
}

// PushDeadLetter stores a terminally failed job for later inspection.
func (q *WakeQueue) PushDeadLetter(ctx context.Context, job *models.Job) {
	if q == nil || q.redis == nil {
		return
	}
	data, err := json.Marshal(job)
	if err != nil {
		q.logger.Error().Err(err).Int64("job_id", job.ID).Msg("encode dead letter")
		return
	}
	if err := q.redis.LPush(ctx, deadLetterKey, data).Err(); err != nil {
		q.logger.Error().Err(err).Int64("job_id", job.ID).Msg("dead letter push failed")
	}
}

// DeadLetters returns up to limit most recent dead-lettered jobs.
func (q *WakeQueue) DeadLetters(ctx context.Context, limit int64) ([]models.Job, error) {
	if q == nil || q.redis == nil {
		return nil, nil
	}
	raw, err := q.redis.LRange(ctx, deadLetterKey, 0, limit-1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]models.Job, 0, len(raw))
	for _, item := range raw {
		var job models.Job
		if err := json.Unmarshal([]byte(item), &job); err != nil {
			q.logger.Warn().Err(err).Msg("skip malformed dead letter")
			continue
		}
		out = append(out, job)
	}
	return out, nil
}
