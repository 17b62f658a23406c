package sessions

import (
	"context"
	"errors"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aura-webinar/engagement/internal/apperr"
	"github.com/aura-webinar/engagement/internal/middleware"
	"github.com/aura-webinar/engagement/internal/models"
	"github.com/aura-webinar/engagement/pkg/response"
)

// LoginRecorder persists the login activity that opens a session.
type LoginRecorder interface {
	RecordLogin(ctx context.Context, a models.LoginActivity) error
}

// ContentEngagedRequest is the body for PATCH /user-sessions/:sessionId/content-engaged.
type ContentEngagedRequest struct {
	Engaged *bool `json:"engaged" binding:"required"`
}

// HeartbeatResponse is the body returned by POST /user-sessions/heartbeat/:sessionId.
type HeartbeatResponse struct {
	Status          Status     `json:"status"`
	NeedsNewSession bool       `json:"needs_new_session"`
	SessionID       *uuid.UUID `json:"session_id,omitempty"`
}

// NewHeartbeatResponse converts a manager result into the wire shape shared by HTTP and websocket heartbeats.
func NewHeartbeatResponse(res HeartbeatResult) HeartbeatResponse {
	out := HeartbeatResponse{Status: res.Status, NeedsNewSession: res.Status == StatusExpired}
	if res.Status == StatusRenewed && res.Session != nil {
		id := res.Session.ID
		out.SessionID = &id
	}
	return out
}

// Handler handles /user-sessions.
type Handler struct {
	mgr    *Manager
	logins LoginRecorder
	logger *zap.Logger
}

// NewHandler creates a session handler. logins may be nil.
func NewHandler(mgr *Manager, logins LoginRecorder, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{mgr: mgr, logins: logins, logger: logger}
}

// Start handles POST /user-sessions (open a session for the authenticated user).
func (h *Handler) Start(c *gin.Context) {
	userID := c.MustGet(middleware.ContextUserID).(uuid.UUID)
	client := NewClientContext(c.ClientIP(), c.Request.UserAgent())

	s, err := h.mgr.StartSession(c.Request.Context(), userID, client)
	if err != nil {
		h.logger.Error("start session", zap.Error(err))
		response.Error(c, err)
		return
	}
	if h.logins != nil {
		login := models.LoginActivity{
			ID:         uuid.New(),
			UserID:     userID,
			Timestamp:  s.StartTime,
			Successful: true,
			Method:     models.LoginMethodCredentials,
			IPAddress:  client.IPAddress,
			UserAgent:  client.UserAgent,
		}
		if err := h.logins.RecordLogin(c.Request.Context(), login); err != nil {
			h.logger.Warn("record login activity", zap.String("user_id", userID.String()), zap.Error(err))
		}
	}
	response.Created(c, s)
}

// Heartbeat handles POST /user-sessions/heartbeat/:sessionId. It is mounted
// without the JWT middleware: an expired token must yield status=expired, not 401.
func (h *Handler) Heartbeat(c *gin.Context) {
	sessionID, err := uuid.Parse(c.Param("sessionId"))
	if err != nil {
		response.BadRequest(c, "invalid session id")
		return
	}
	client := NewClientContext(c.ClientIP(), c.Request.UserAgent())
	res, err := h.mgr.Heartbeat(c.Request.Context(), sessionID, c.GetHeader("Authorization"), client)
	if err != nil {
		if !errors.Is(err, apperr.ErrForbidden) {
			h.logger.Error("heartbeat", zap.String("session_id", sessionID.String()), zap.Error(err))
		}
		response.Error(c, err)
		return
	}
	response.OK(c, NewHeartbeatResponse(res))
}

// ownedActive loads an active session and checks it belongs to the caller.
func (h *Handler) ownedActive(c *gin.Context) (*models.Session, error) {
	sessionID, err := uuid.Parse(c.Param("sessionId"))
	if err != nil {
		return nil, apperr.ErrNotFound
	}
	s, err := h.mgr.ActiveSession(c.Request.Context(), sessionID)
	if err != nil {
		return nil, err
	}
	if s.UserID != c.MustGet(middleware.ContextUserID).(uuid.UUID) {
		return nil, apperr.ErrForbidden
	}
	return s, nil
}

// End handles POST /user-sessions/end/:sessionId. Ending an already closed session succeeds.
func (h *Handler) End(c *gin.Context) {
	s, err := h.ownedActive(c)
	if errors.Is(err, apperr.ErrNotFound) {
		response.OK(c, gin.H{"status": "success"})
		return
	}
	if err != nil {
		response.Error(c, err)
		return
	}
	if err := h.mgr.EndSession(c.Request.Context(), s.ID); err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, gin.H{"status": "success"})
}

// ContentEngaged handles PATCH /user-sessions/:sessionId/content-engaged.
func (h *Handler) ContentEngaged(c *gin.Context) {
	var req ContentEngagedRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	s, err := h.ownedActive(c)
	if err != nil {
		response.Error(c, err)
		return
	}
	updated, err := h.mgr.MarkContentEngaged(c.Request.Context(), s.ID, *req.Engaged)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, gin.H{"session_id": updated.ID, "content_engaged": updated.ContentEngaged})
}

// List handles GET /user-sessions (caller's active sessions).
func (h *Handler) List(c *gin.Context) {
	userID := c.MustGet(middleware.ContextUserID).(uuid.UUID)
	list, err := h.mgr.ListActiveSessions(c.Request.Context(), userID)
	if err != nil {
		response.Error(c, err)
		return
	}
	if list == nil {
		list = []models.Session{}
	}
	response.OK(c, gin.H{"sessions": list})
}

// EndAll handles POST /user-sessions/end-all (logout everywhere).
func (h *Handler) EndAll(c *gin.Context) {
	userID := c.MustGet(middleware.ContextUserID).(uuid.UUID)
	n, err := h.mgr.EndAllActiveSessionsForUser(c.Request.Context(), userID)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, gin.H{"ended": n})
}
