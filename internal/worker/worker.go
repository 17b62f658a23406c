package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/aura-webinar/engagement/internal/events"
	"github.com/aura-webinar/engagement/internal/models"
	"github.com/aura-webinar/engagement/internal/telemetry"
	"github.com/aura-webinar/engagement/pkg/queue"
)

// Job outcomes, also used as metric labels.
const (
	OutcomeProcessed = "processed"
	OutcomeDropped   = "dropped"
	OutcomeRetried   = "retried"
	OutcomeDead      = "dead"
)

// errDrop marks a job that can never succeed and must not be retried.
var errDrop = errors.New("drop job")

// WatchProgressProcessor applies queued watch progress updates to the event store.
type WatchProgressProcessor struct {
	writer  events.Writer
	queue   *queue.Queue
	backoff time.Duration
	logger  *zap.Logger
}

// NewWatchProgressProcessor creates a watch progress processor.
func NewWatchProgressProcessor(writer events.Writer, q *queue.Queue, logger *zap.Logger) *WatchProgressProcessor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WatchProgressProcessor{writer: writer, queue: q, backoff: queue.RetryBackoff, logger: logger}
}

// SetBackoff changes the pause after a failed job.
func (p *WatchProgressProcessor) SetBackoff(d time.Duration) { p.backoff = d }

// ToWatchEvent maps a queue payload onto the stored model. PercentWatched is kept
// as sent; readers normalize it.
func ToWatchEvent(payload queue.WatchProgressPayload) models.WatchEvent {
	e := models.WatchEvent{
		ID:             payload.WatchID,
		VideoID:        payload.VideoID,
		SessionID:      payload.SessionID,
		StartTime:      payload.StartTime.UTC(),
		EndTime:        payload.EndTime,
		SecondsWatched: payload.SecondsWatched,
		PercentWatched: payload.PercentWatched,
		Interactions:   make([]models.Interaction, 0, len(payload.Interactions)),
	}
	for _, in := range payload.Interactions {
		e.Interactions = append(e.Interactions, models.Interaction{Event: in.Event, At: in.At, VideoTime: in.VideoTime})
	}
	return e
}

// Process executes one watch progress job.
func (p *WatchProgressProcessor) Process(ctx context.Context, job *queue.Job) error {
	if job.Type != queue.JobTypeWatchProgress {
		return fmt.Errorf("%w: unknown job type %s", errDrop, job.Type)
	}
	var payload queue.WatchProgressPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("%w: unmarshal payload: %v", errDrop, err)
	}
	e := ToWatchEvent(payload)

	check := e
	check.PercentWatched = events.NormalizePercent(e.PercentWatched)
	if err := events.ValidWatchEvent(check); err != nil {
		return skip(err)
	}

	// The writer judges the span of updates against the stored start time.
	if err := p.writer.UpsertWatchEvent(ctx, e); err != nil {
		var qe *events.QualityError
		if errors.As(err, &qe) {
			return skip(err)
		}
		return fmt.Errorf("upsert watch event: %w", err)
	}
	p.logger.Debug("watch progress applied",
		zap.String("watch_id", e.ID.String()),
		zap.Float64("seconds", e.SecondsWatched),
	)
	return nil
}

func skip(err error) error {
	reason := "invalid"
	var qe *events.QualityError
	if errors.As(err, &qe) {
		reason = qe.Reason
	}
	telemetry.TrackSkipped("watch_progress", reason)
	return fmt.Errorf("%w: %v", errDrop, err)
}

// handle runs one job and settles it: drop, retry or dead-letter.
func (p *WatchProgressProcessor) handle(ctx context.Context, job *queue.Job) (failed bool) {
	err := p.Process(ctx, job)
	switch {
	case err == nil:
		telemetry.TrackJob(p.queue.Name(), OutcomeProcessed)
		return false
	case errors.Is(err, errDrop):
		p.logger.Warn("job dropped", zap.String("job_id", job.ID), zap.Error(err))
		telemetry.TrackJob(p.queue.Name(), OutcomeDropped)
		return false
	}
	p.logger.Error("job failed", zap.String("job_id", job.ID), zap.Error(err))
	dead, reErr := p.queue.Retry(context.WithoutCancel(ctx), job)
	if reErr != nil {
		p.logger.Error("retry enqueue failed", zap.Error(reErr))
	}
	if dead {
		telemetry.TrackJob(p.queue.Name(), OutcomeDead)
	} else {
		telemetry.TrackJob(p.queue.Name(), OutcomeRetried)
	}
	return true
}

// Run starts the worker loop: dequeue, process, retry on error.
func (p *WatchProgressProcessor) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			p.logger.Info("watch progress worker stopping")
			return
		default:
		}

		job, err := p.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			p.logger.Warn("dequeue error", zap.Error(err))
			sleep(ctx, p.backoff)
			continue
		}
		if job == nil {
			continue
		}

		p.logger.Debug("processing job", zap.String("job_id", job.ID), zap.String("type", string(job.Type)))
		if p.handle(ctx, job) {
			sleep(ctx, p.backoff)
		}
	}
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
