package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	// QueueWatchProgress is the Redis list key for watch progress updates.
	QueueWatchProgress = "worker:watch_progress"
	// QueueDLQ is the dead-letter queue for failed jobs after retries.
	QueueDLQ = "worker:dlq"
	// MaxRetries is the number of times to retry a job before moving to DLQ.
	MaxRetries = 3
	// RetryBackoff is the delay between retries.
	RetryBackoff = 10 * time.Second
	// DefaultBlock is how long Dequeue waits on an empty queue before returning.
	DefaultBlock = 5 * time.Second
)

// JobType identifies the job kind.
type JobType string

const (
	JobTypeWatchProgress JobType = "watch_progress"
)

// Interaction is one player event carried by a watch progress update.
type Interaction struct {
	Event     string    `json:"event"`
	At        time.Time `json:"at"`
	VideoTime float64   `json:"video_time"`
}

// WatchProgressPayload is the payload for watch progress jobs. Updates for the
// same watch are keyed by WatchID.
type WatchProgressPayload struct {
	WatchID        uuid.UUID     `json:"watch_id"`
	VideoID        uuid.UUID     `json:"video_id"`
	SessionID      *uuid.UUID    `json:"session_id,omitempty"`
	UserID         uuid.UUID     `json:"user_id"`
	StartTime      time.Time     `json:"start_time"`
	EndTime        *time.Time    `json:"end_time,omitempty"`
	SecondsWatched float64       `json:"seconds_watched"`
	PercentWatched float64       `json:"percent_watched"`
	Interactions   []Interaction `json:"interactions,omitempty"`
}

// Job is a generic job envelope.
type Job struct {
	ID        string          `json:"id"`
	Type      JobType         `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Attempt   int             `json:"attempt"`
	CreatedAt time.Time       `json:"created_at"`
}

// Queue enqueues and dequeues jobs on one Redis list.
type Queue struct {
	client redis.UniversalClient
	name   string
	block  time.Duration
	logger *zap.Logger
}

// NewQueue creates a Redis-backed job queue on list name.
func NewQueue(client redis.UniversalClient, name string, logger *zap.Logger) *Queue {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Queue{client: client, name: name, block: DefaultBlock, logger: logger}
}

// Name returns the Redis list key.
func (q *Queue) Name() string { return q.name }

// SetBlock changes how long Dequeue waits on an empty queue. Redis counts whole seconds.
func (q *Queue) SetBlock(d time.Duration) { q.block = d }

// Enqueue wraps payload in a job envelope and appends it to the queue.
func (q *Queue) Enqueue(ctx context.Context, typ JobType, payload interface{}) (*Job, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	job := &Job{
		ID:        uuid.New().String(),
		Type:      typ,
		Payload:   body,
		Attempt:   0,
		CreatedAt: time.Now().UTC(),
	}
	raw, err := json.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("marshal job: %w", err)
	}
	if err := q.client.RPush(ctx, q.name, raw).Err(); err != nil {
		return nil, fmt.Errorf("rpush: %w", err)
	}
	q.logger.Debug("enqueued job", zap.String("job_id", job.ID), zap.String("type", string(typ)))
	return job, nil
}

// EnqueueWatchProgress enqueues a watch progress update.
func (q *Queue) EnqueueWatchProgress(ctx context.Context, payload WatchProgressPayload) (*Job, error) {
	return q.Enqueue(ctx, JobTypeWatchProgress, payload)
}

// Dequeue blocks until a job is available, the block timeout passes or ctx is done.
// A nil job with nil error means nothing was available.
func (q *Queue) Dequeue(ctx context.Context) (*Job, error) {
	result, err := q.client.BLPop(ctx, q.block, q.name).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}
	if len(result) < 2 {
		return nil, nil
	}
	var job Job
	if err := json.Unmarshal([]byte(result[1]), &job); err != nil {
		q.logger.Warn("invalid job payload", zap.String("raw", result[1]), zap.Error(err))
		if dlqErr := q.client.RPush(ctx, QueueDLQ, result[1]).Err(); dlqErr != nil {
			q.logger.Error("dlq push failed", zap.Error(dlqErr))
		}
		return nil, nil
	}
	return &job, nil
}

// Retry re-enqueues a job with incremented attempt. If attempt >= MaxRetries, pushes to DLQ instead.
// It reports whether the job went to the DLQ.
func (q *Queue) Retry(ctx context.Context, job *Job) (bool, error) {
	job.Attempt++
	raw, err := json.Marshal(job)
	if err != nil {
		return false, err
	}
	if job.Attempt >= MaxRetries {
		if err := q.client.RPush(ctx, QueueDLQ, raw).Err(); err != nil {
			q.logger.Error("dlq push failed", zap.Error(err), zap.String("job_id", job.ID))
			return false, err
		}
		q.logger.Warn("job moved to DLQ", zap.String("job_id", job.ID), zap.Int("attempt", job.Attempt))
		return true, nil
	}
	if err := q.client.RPush(ctx, q.name, raw).Err(); err != nil {
		return false, err
	}
	q.logger.Info("job retried", zap.String("job_id", job.ID), zap.Int("attempt", job.Attempt))
	return false, nil
}

// Len returns the number of pending jobs.
func (q *Queue) Len(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.name).Result()
}
