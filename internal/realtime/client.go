package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/aura-webinar/engagement/internal/apperr"
	"github.com/aura-webinar/engagement/internal/models"
	"github.com/aura-webinar/engagement/internal/sessions"
	"github.com/aura-webinar/engagement/pkg/response"
)

// Client -> server events.
const (
	EventHeartbeat      = "heartbeat"
	EventContentEngaged = "content_engaged"
	EventError          = "error"
)

const opTimeout = 5 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // allow all origins in dev; restrict in production
	},
}

// WSMessage is the WebSocket message envelope.
type WSMessage struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Client is one session socket. sessionID and token are only touched by readPump.
type Client struct {
	ID        string
	UserID    uuid.UUID
	sessionID uuid.UUID
	token     string
	info      models.ClientContext
	hub       *Hub
	mgr       *sessions.Manager
	conn      *websocket.Conn
	send      chan WSMessage
	done      chan struct{}
	logger    *zap.Logger
}

// ServeWs handles GET /ws/sessions?token=&session_id=: it authenticates the
// token, checks the session belongs to the caller and runs the client loop.
// Heartbeats sent over the socket go through the same manager path as HTTP.
func ServeWs(hub *Hub, mgr *sessions.Manager, identity sessions.IdentityResolver, logger *zap.Logger) gin.HandlerFunc {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(c *gin.Context) {
		sessionIDStr := c.Query("session_id")
		token := c.Query("token")
		if sessionIDStr == "" || token == "" {
			response.BadRequest(c, "session_id and token required")
			return
		}
		sessionID, err := uuid.Parse(sessionIDStr)
		if err != nil {
			response.BadRequest(c, "invalid session_id")
			return
		}
		userID, err := identity.Resolve(token)
		if err != nil {
			response.Unauthorized(c, "invalid token")
			return
		}
		s, err := mgr.ActiveSession(c.Request.Context(), sessionID)
		switch {
		case err == nil && s.UserID != userID:
			response.Forbidden(c, "session belongs to another user")
			return
		case err != nil && !errors.Is(err, apperr.ErrNotFound):
			response.Error(c, err)
			return
		}

		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			logger.Warn("websocket upgrade failed", zap.Error(err))
			return
		}

		client := &Client{
			ID:        uuid.New().String(),
			UserID:    userID,
			sessionID: sessionID,
			token:     token,
			info:      sessions.NewClientContext(c.ClientIP(), c.Request.UserAgent()),
			hub:       hub,
			mgr:       mgr,
			conn:      conn,
			send:      make(chan WSMessage, 64),
			done:      make(chan struct{}),
			logger:    logger,
		}
		hub.Register(client)
		go client.writePump()
		client.readPump()
	}
}

func (c *Client) reply(event string, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	select {
	case c.send <- WSMessage{Event: event, Data: data}:
	default:
	}
}

func (c *Client) fail(msg string) {
	c.reply(EventError, map[string]string{"error": msg})
}

type heartbeatData struct {
	// Token replaces the connection token, e.g. after a client-side refresh.
	Token string `json:"token,omitempty"`
}

type contentEngagedData struct {
	Engaged bool `json:"engaged"`
}

func (c *Client) heartbeat(data json.RawMessage) {
	var in heartbeatData
	if len(data) > 0 && json.Unmarshal(data, &in) == nil && in.Token != "" {
		c.token = in.Token
	}
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	res, err := c.mgr.Heartbeat(ctx, c.sessionID, c.token, c.info)
	if err != nil {
		c.logger.Warn("socket heartbeat failed", zap.String("session_id", c.sessionID.String()), zap.Error(err))
		c.fail("heartbeat failed")
		return
	}
	if res.Status == sessions.StatusRenewed && res.Session != nil {
		c.sessionID = res.Session.ID
	}
	c.reply(EventHeartbeat, sessions.NewHeartbeatResponse(res))
}

func (c *Client) contentEngaged(data json.RawMessage) {
	var in contentEngagedData
	if err := json.Unmarshal(data, &in); err != nil {
		c.fail("invalid content_engaged payload")
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	s, err := c.mgr.MarkContentEngaged(ctx, c.sessionID, in.Engaged)
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			c.fail("session not active")
			return
		}
		c.logger.Warn("socket content_engaged failed", zap.Error(err))
		c.fail("content_engaged failed")
		return
	}
	c.reply(EventContentEngaged, s)
}

func (c *Client) readPump() {
	defer func() {
		c.hub.Unregister(c)
		close(c.done)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(4096)
	_ = c.conn.SetReadDeadline(time.Now().Add(PongWait * time.Second))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(PongWait * time.Second))
		return nil
	})

	for {
		var msg WSMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			break
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(PongWait * time.Second))

		switch msg.Event {
		case EventHeartbeat:
			c.heartbeat(msg.Data)
		case EventContentEngaged:
			c.contentEngaged(msg.Data)
		default:
			// ignore
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(PingInterval * time.Second)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case <-c.done:
			return
		case msg, ok := <-c.send:
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
