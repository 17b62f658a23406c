package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aura-webinar/engagement/internal/auth"
	"github.com/aura-webinar/engagement/internal/models"
	"github.com/aura-webinar/engagement/internal/sessions"
)

func fakeClient(userID uuid.UUID) *Client {
	return &Client{ID: uuid.New().String(), UserID: userID, send: make(chan WSMessage, 8)}
}

func receive(t *testing.T, c *Client) WSMessage {
	t.Helper()
	select {
	case msg := <-c.send:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("no message delivered")
		return WSMessage{}
	}
}

func TestHub_NotifySessionLocal(t *testing.T) {
	hub := NewHub(nil, nil, nil)
	user, other := uuid.New(), uuid.New()
	a, b, c := fakeClient(user), fakeClient(user), fakeClient(other)
	hub.Register(a)
	hub.Register(b)
	hub.Register(c)
	assert.Equal(t, 2, hub.Connections(user))

	ev := sessions.Event{Type: sessions.EventEnded, SessionID: uuid.New(), UserID: user, Reason: sessions.ReasonSuperseded, At: time.Now()}
	require.NoError(t, hub.NotifySession(context.Background(), ev))

	for _, cl := range []*Client{a, b} {
		msg := receive(t, cl)
		assert.Equal(t, string(sessions.EventEnded), msg.Event)
		var got sessions.Event
		require.NoError(t, json.Unmarshal(msg.Data, &got))
		assert.Equal(t, ev.SessionID, got.SessionID)
		assert.Equal(t, sessions.ReasonSuperseded, got.Reason)
	}
	assert.Empty(t, c.send)

	hub.Unregister(a)
	hub.Unregister(a)
	assert.Equal(t, 1, hub.Connections(user))
}

func TestHub_NotifySessionThroughRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	ps := NewRedisPubSub(rdb, nil)
	// Two hubs sharing Redis stand in for two server instances.
	publisher := NewHub(nil, ps, ps)
	receiver := NewHub(nil, ps, ps)
	t.Cleanup(publisher.Close)
	t.Cleanup(receiver.Close)

	user := uuid.New()
	cl := fakeClient(user)
	receiver.Register(cl)
	require.Eventually(t, func() bool {
		return mr.PubSubNumSub(Channel(user))[Channel(user)] == 1
	}, time.Second, 10*time.Millisecond)

	ev := sessions.Event{Type: sessions.EventExpired, SessionID: uuid.New(), UserID: user, Reason: sessions.ReasonIdleSweep, At: time.Now()}
	require.NoError(t, publisher.NotifySession(context.Background(), ev))

	msg := receive(t, cl)
	assert.Equal(t, string(sessions.EventExpired), msg.Event)
	var got sessions.Event
	require.NoError(t, json.Unmarshal(msg.Data, &got))
	assert.Equal(t, ev.SessionID, got.SessionID)

	receiver.Unregister(cl)
	require.Eventually(t, func() bool {
		return mr.PubSubNumSub(Channel(user))[Channel(user)] == 0
	}, time.Second, 10*time.Millisecond)
}

func TestHub_PublishFailureFallsBackToLocal(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	ps := NewRedisPubSub(rdb, nil)
	hub := NewHub(nil, ps, nil)

	user := uuid.New()
	cl := fakeClient(user)
	hub.Register(cl)
	mr.Close()

	err := hub.NotifySession(context.Background(), sessions.Event{Type: sessions.EventEnded, UserID: user})
	assert.Error(t, err)
	assert.Equal(t, string(sessions.EventEnded), receive(t, cl).Event)
}

type wsFixture struct {
	server *httptest.Server
	mgr    *sessions.Manager
	jwt    *auth.JWTService
	hub    *Hub
}

func newWSFixture(t *testing.T) *wsFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)
	jwtSvc := auth.NewJWTService("test-secret", 1)
	identity := auth.NewIdentityResolver(jwtSvc)
	hub := NewHub(nil, nil, nil)
	mgr := sessions.NewManager(sessions.NewMemoryStore(), identity, nil, sessions.WithNotifier(hub))

	r := gin.New()
	r.GET("/ws/sessions", ServeWs(hub, mgr, identity, nil))
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return &wsFixture{server: srv, mgr: mgr, jwt: jwtSvc, hub: hub}
}

func (f *wsFixture) url(token string, sessionID uuid.UUID) string {
	return fmt.Sprintf("ws%s/ws/sessions?token=%s&session_id=%s",
		strings.TrimPrefix(f.server.URL, "http"), token, sessionID)
}

func readMessage(t *testing.T, conn *websocket.Conn) WSMessage {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg WSMessage
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func TestServeWs_Heartbeat(t *testing.T) {
	f := newWSFixture(t)
	ctx := context.Background()
	user := uuid.New()
	token, err := f.jwt.Generate(user, "u@example.com", "user")
	require.NoError(t, err)
	s, err := f.mgr.StartSession(ctx, user, models.ClientContext{})
	require.NoError(t, err)

	conn, _, err := websocket.DefaultDialer.Dial(f.url(token, s.ID), nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(WSMessage{Event: EventHeartbeat}))
	msg := readMessage(t, conn)
	require.Equal(t, EventHeartbeat, msg.Event)
	var hb sessions.HeartbeatResponse
	require.NoError(t, json.Unmarshal(msg.Data, &hb))
	assert.Equal(t, sessions.StatusActive, hb.Status)
	assert.False(t, hb.NeedsNewSession)

	// Ending the session elsewhere reaches the socket.
	require.NoError(t, f.mgr.EndSession(ctx, s.ID))
	msg = readMessage(t, conn)
	assert.Equal(t, string(sessions.EventEnded), msg.Event)

	// The next heartbeat renews and the socket follows the new session.
	require.NoError(t, conn.WriteJSON(WSMessage{Event: EventHeartbeat}))
	for {
		msg = readMessage(t, conn)
		if msg.Event == EventHeartbeat {
			break
		}
	}
	require.NoError(t, json.Unmarshal(msg.Data, &hb))
	assert.Equal(t, sessions.StatusRenewed, hb.Status)
	require.NotNil(t, hb.SessionID)

	active, err := f.mgr.ListActiveSessions(ctx, user)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, *hb.SessionID, active[0].ID)
}

func TestServeWs_Rejects(t *testing.T) {
	f := newWSFixture(t)
	ctx := context.Background()
	owner, intruder := uuid.New(), uuid.New()
	s, err := f.mgr.StartSession(ctx, owner, models.ClientContext{})
	require.NoError(t, err)
	intruderToken, err := f.jwt.Generate(intruder, "i@example.com", "user")
	require.NoError(t, err)

	tests := []struct {
		name string
		url  string
		code int
	}{
		{"missing params", "ws" + strings.TrimPrefix(f.server.URL, "http") + "/ws/sessions", http.StatusBadRequest},
		{"bad token", f.url("nope", s.ID), http.StatusUnauthorized},
		{"foreign session", f.url(intruderToken, s.ID), http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, resp, err := websocket.DefaultDialer.Dial(tt.url, nil)
			require.Error(t, err)
			require.NotNil(t, resp)
			assert.Equal(t, tt.code, resp.StatusCode)
		})
	}
}
