package events

import (
	"context"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aura-webinar/engagement/internal/middleware"
	"github.com/aura-webinar/engagement/pkg/queue"
	"github.com/aura-webinar/engagement/pkg/response"
)

// ProgressEnqueuer hands watch progress to the background worker.
type ProgressEnqueuer interface {
	EnqueueWatchProgress(ctx context.Context, payload queue.WatchProgressPayload) (*queue.Job, error)
}

// InteractionRequest is one player event in a progress update.
type InteractionRequest struct {
	Event     string    `json:"event" binding:"required"`
	At        time.Time `json:"at"`
	VideoTime float64   `json:"video_time" binding:"gte=0"`
}

// WatchProgressRequest is the body for POST /watch-events. Omit watch_id to start a
// new watch; send the returned id with later updates.
type WatchProgressRequest struct {
	WatchID        *uuid.UUID           `json:"watch_id"`
	VideoID        uuid.UUID            `json:"video_id" binding:"required"`
	SessionID      *uuid.UUID           `json:"session_id"`
	StartTime      *time.Time           `json:"start_time"`
	EndTime        *time.Time           `json:"end_time"`
	SecondsWatched float64              `json:"seconds_watched" binding:"gte=0"`
	PercentWatched float64              `json:"percent_watched" binding:"gte=0"`
	Interactions   []InteractionRequest `json:"interactions" binding:"dive"`
}

// WatchProgressAccepted is returned with 202.
type WatchProgressAccepted struct {
	WatchID uuid.UUID `json:"watch_id"`
	JobID   string    `json:"job_id"`
}

// Handler handles /watch-events.
type Handler struct {
	queue  ProgressEnqueuer
	now    func() time.Time
	logger *zap.Logger
}

// NewHandler creates a watch event ingest handler.
func NewHandler(q ProgressEnqueuer, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{queue: q, now: time.Now, logger: logger}
}

// Ingest handles POST /watch-events.
func (h *Handler) Ingest(c *gin.Context) {
	userID := c.MustGet(middleware.ContextUserID).(uuid.UUID)
	var req WatchProgressRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	if req.VideoID == uuid.Nil {
		response.BadRequest(c, "video_id is required")
		return
	}

	payload := queue.WatchProgressPayload{
		WatchID:        uuid.New(),
		VideoID:        req.VideoID,
		SessionID:      req.SessionID,
		UserID:         userID,
		StartTime:      h.now().UTC(),
		EndTime:        req.EndTime,
		SecondsWatched: req.SecondsWatched,
		PercentWatched: req.PercentWatched,
	}
	if req.WatchID != nil {
		// Updates keep the stored start; a zero start tells the writer to look it up.
		payload.WatchID = *req.WatchID
		payload.StartTime = time.Time{}
	}
	if req.StartTime != nil {
		payload.StartTime = req.StartTime.UTC()
	}
	for _, in := range req.Interactions {
		payload.Interactions = append(payload.Interactions, queue.Interaction{Event: in.Event, At: in.At, VideoTime: in.VideoTime})
	}

	job, err := h.queue.EnqueueWatchProgress(c.Request.Context(), payload)
	if err != nil {
		h.logger.Error("enqueue watch progress", zap.Error(err))
		response.ServiceUnavailable(c, "watch progress queue unavailable")
		return
	}
	response.Accepted(c, WatchProgressAccepted{WatchID: payload.WatchID, JobID: job.ID})
}
