package analytics

import (
	"errors"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aura-webinar/engagement/internal/apperr"
	"github.com/aura-webinar/engagement/internal/period"
	"github.com/aura-webinar/engagement/pkg/response"
)

const dateLayout = "2006-01-02"

// Handler serves the /metrics report endpoints.
type Handler struct {
	svc    *Service
	loc    *time.Location
	logger *zap.Logger
}

// NewHandler creates an analytics handler. Dates in query strings are read in loc.
func NewHandler(svc *Service, loc *time.Location, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if loc == nil {
		loc = time.UTC
	}
	return &Handler{svc: svc, loc: loc, logger: logger}
}

// Register mounts the report routes on g.
func (h *Handler) Register(g *gin.RouterGroup) {
	g.GET("/active-users", h.ActiveUsers)
	g.GET("/active-users/trend", h.ActiveUserTrend)
	g.GET("/growth", h.Growth)
	g.GET("/retention", h.Retention)
	g.GET("/sessions/duration", h.SessionDuration)
	g.GET("/sessions/engagement", h.SessionEngagement)
	g.GET("/watch/completion", h.WatchCompletion)
	g.GET("/watch/views", h.VideoViews)
	g.GET("/watch/average-percent", h.AveragePercentWatched)
}

func (h *Handler) date(c *gin.Context, name string) (*time.Time, error) {
	raw := c.Query(name)
	if raw == "" {
		return nil, nil
	}
	t, err := time.ParseInLocation(dateLayout, raw, h.loc)
	if err != nil {
		return nil, apperr.InvalidRange("%s must be YYYY-MM-DD", name)
	}
	return &t, nil
}

func (h *Handler) query(c *gin.Context) (Query, error) {
	g, err := period.ParseGranularity(c.Query("span"))
	if err != nil {
		return Query{}, err
	}
	start, err := h.date(c, "start_date")
	if err != nil {
		return Query{}, err
	}
	end, err := h.date(c, "end_date")
	if err != nil {
		return Query{}, err
	}
	return Query{Start: start, End: end, Granularity: g}, nil
}

func (h *Handler) fail(c *gin.Context, report string, err error) {
	if !errors.Is(err, apperr.ErrInvalidRange) {
		h.logger.Error("analytics report failed", zap.String("report", report), zap.Error(err))
	}
	response.Error(c, err)
}

// ActiveUsers handles GET /metrics/active-users?date=&span=.
func (h *Handler) ActiveUsers(c *gin.Context) {
	g, err := period.ParseGranularity(c.Query("span"))
	if err != nil {
		h.fail(c, "active_users", err)
		return
	}
	date, err := h.date(c, "date")
	if err != nil {
		h.fail(c, "active_users", err)
		return
	}
	at := h.svc.cal.Now()
	if date != nil {
		at = *date
	}
	out, err := h.svc.ActiveUserCount(c.Request.Context(), at, g)
	if err != nil {
		h.fail(c, "active_users", err)
		return
	}
	response.OK(c, out)
}

// ActiveUserTrend handles GET /metrics/active-users/trend.
func (h *Handler) ActiveUserTrend(c *gin.Context) {
	q, err := h.query(c)
	if err != nil {
		h.fail(c, "active_users_trend", err)
		return
	}
	out, err := h.svc.ActiveUserTrend(c.Request.Context(), q)
	if err != nil {
		h.fail(c, "active_users_trend", err)
		return
	}
	response.OK(c, out)
}

// Growth handles GET /metrics/growth.
func (h *Handler) Growth(c *gin.Context) {
	q, err := h.query(c)
	if err != nil {
		h.fail(c, "growth", err)
		return
	}
	out, err := h.svc.GrowthRateTrend(c.Request.Context(), q)
	if err != nil {
		h.fail(c, "growth", err)
		return
	}
	response.OK(c, out)
}

// Retention handles GET /metrics/retention. Cohorts are monthly unless span says otherwise.
func (h *Handler) Retention(c *gin.Context) {
	q, err := h.query(c)
	if err != nil {
		h.fail(c, "retention", err)
		return
	}
	if c.Query("span") == "" {
		q.Granularity = period.Monthly
	}
	out, err := h.svc.RetentionCohorts(c.Request.Context(), q)
	if err != nil {
		h.fail(c, "retention", err)
		return
	}
	response.OK(c, out)
}

// SessionDuration handles GET /metrics/sessions/duration.
func (h *Handler) SessionDuration(c *gin.Context) {
	q, err := h.query(c)
	if err != nil {
		h.fail(c, "session_duration", err)
		return
	}
	out, err := h.svc.SessionDurationStats(c.Request.Context(), q)
	if err != nil {
		h.fail(c, "session_duration", err)
		return
	}
	response.OK(c, out)
}

// SessionEngagement handles GET /metrics/sessions/engagement.
func (h *Handler) SessionEngagement(c *gin.Context) {
	q, err := h.query(c)
	if err != nil {
		h.fail(c, "session_engagement", err)
		return
	}
	out, err := h.svc.SessionEngagementTrend(c.Request.Context(), q)
	if err != nil {
		h.fail(c, "session_engagement", err)
		return
	}
	response.OK(c, out)
}

// videoID reads the optional video_id filter. ok is false when a 400 was written.
func videoID(c *gin.Context) (id *uuid.UUID, ok bool) {
	raw := c.Query("video_id")
	if raw == "" {
		return nil, true
	}
	v, err := uuid.Parse(raw)
	if err != nil {
		response.BadRequest(c, "invalid video_id")
		return nil, false
	}
	return &v, true
}

// WatchCompletion handles GET /metrics/watch/completion?video_id=.
func (h *Handler) WatchCompletion(c *gin.Context) {
	q, err := h.query(c)
	if err != nil {
		h.fail(c, "watch_completion", err)
		return
	}
	video, ok := videoID(c)
	if !ok {
		return
	}
	out, err := h.svc.WatchCompletionStats(c.Request.Context(), video, q)
	if err != nil {
		h.fail(c, "watch_completion", err)
		return
	}
	response.OK(c, out)
}

// VideoViews handles GET /metrics/watch/views?video_id=.
func (h *Handler) VideoViews(c *gin.Context) {
	q, err := h.query(c)
	if err != nil {
		h.fail(c, "video_views", err)
		return
	}
	video, ok := videoID(c)
	if !ok {
		return
	}
	out, err := h.svc.VideoViewsTrend(c.Request.Context(), video, q)
	if err != nil {
		h.fail(c, "video_views", err)
		return
	}
	response.OK(c, out)
}

// AveragePercentWatched handles GET /metrics/watch/average-percent?video_id=.
func (h *Handler) AveragePercentWatched(c *gin.Context) {
	q, err := h.query(c)
	if err != nil {
		h.fail(c, "average_percent_watched", err)
		return
	}
	video, ok := videoID(c)
	if !ok {
		return
	}
	out, err := h.svc.AveragePercentWatchedTrend(c.Request.Context(), video, q)
	if err != nil {
		h.fail(c, "average_percent_watched", err)
		return
	}
	response.OK(c, out)
}
