package sessions

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aura-webinar/engagement/internal/middleware"
	"github.com/aura-webinar/engagement/internal/models"
)

type memLogins struct {
	mu     sync.Mutex
	logins []models.LoginActivity
}

func (m *memLogins) RecordLogin(_ context.Context, a models.LoginActivity) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logins = append(m.logins, a)
	return nil
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
}

// asUser stands in for the JWT middleware.
func asUser(header string) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := uuid.Parse(c.GetHeader(header))
		if err != nil {
			c.AbortWithStatus(http.StatusUnauthorized)
			return
		}
		c.Set(middleware.ContextUserID, id)
		c.Next()
	}
}

func newTestRouter(f *fixture, logins LoginRecorder) *gin.Engine {
	gin.SetMode(gin.TestMode)
	h := NewHandler(f.mgr, logins, nil)
	r := gin.New()
	r.POST("/user-sessions/heartbeat/:sessionId", h.Heartbeat)
	api := r.Group("/user-sessions", asUser("X-User"))
	api.POST("", h.Start)
	api.GET("", h.List)
	api.POST("/end/:sessionId", h.End)
	api.POST("/end-all", h.EndAll)
	api.PATCH("/:sessionId/content-engaged", h.ContentEngaged)
	return r
}

func do(r http.Handler, method, path string, user uuid.UUID, headers map[string]string, body any) (*httptest.ResponseRecorder, envelope) {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if user != uuid.Nil {
		req.Header.Set("X-User", user.String())
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	var env envelope
	_ = json.Unmarshal(w.Body.Bytes(), &env)
	return w, env
}

func TestHandler_StartRecordsLogin(t *testing.T) {
	f := newFixture()
	logins := &memLogins{}
	r := newTestRouter(f, logins)
	userID := uuid.New()

	w, env := do(r, http.MethodPost, "/user-sessions", userID, map[string]string{"User-Agent": "curl/8.0"}, nil)
	require.Equal(t, http.StatusCreated, w.Code)

	var s models.Session
	require.NoError(t, json.Unmarshal(env.Data, &s))
	assert.Equal(t, userID, s.UserID)
	assert.True(t, s.IsActive)
	assert.Equal(t, "curl/8.0", s.Client.UserAgent)

	require.Len(t, logins.logins, 1)
	assert.True(t, logins.logins[0].Successful)
	assert.Equal(t, userID, logins.logins[0].UserID)
}

func TestHandler_HeartbeatStatuses(t *testing.T) {
	f := newFixture()
	r := newTestRouter(f, nil)
	userID := uuid.New()
	s, err := f.mgr.StartSession(context.Background(), userID, models.ClientContext{})
	require.NoError(t, err)

	w, env := do(r, http.MethodPost, "/user-sessions/heartbeat/"+s.ID.String(), uuid.Nil, nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var hb HeartbeatResponse
	require.NoError(t, json.Unmarshal(env.Data, &hb))
	assert.Equal(t, StatusActive, hb.Status)
	assert.False(t, hb.NeedsNewSession)
	assert.Nil(t, hb.SessionID)

	f.clock.Advance(61 * time.Minute)
	_, env = do(r, http.MethodPost, "/user-sessions/heartbeat/"+s.ID.String(), uuid.Nil,
		map[string]string{"Authorization": "token:" + userID.String()}, nil)
	require.NoError(t, json.Unmarshal(env.Data, &hb))
	assert.Equal(t, StatusRenewed, hb.Status)
	assert.False(t, hb.NeedsNewSession)
	require.NotNil(t, hb.SessionID)
	assert.NotEqual(t, s.ID, *hb.SessionID)

	_, env = do(r, http.MethodPost, "/user-sessions/heartbeat/"+uuid.NewString(), uuid.Nil,
		map[string]string{"Authorization": "expired"}, nil)
	require.NoError(t, json.Unmarshal(env.Data, &hb))
	assert.Equal(t, StatusExpired, hb.Status)
	assert.True(t, hb.NeedsNewSession)

	w, _ = do(r, http.MethodPost, "/user-sessions/heartbeat/not-a-uuid", uuid.Nil, nil, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandler_OwnershipEnforced(t *testing.T) {
	f := newFixture()
	r := newTestRouter(f, nil)
	owner, intruder := uuid.New(), uuid.New()
	s, err := f.mgr.StartSession(context.Background(), owner, models.ClientContext{})
	require.NoError(t, err)

	w, _ := do(r, http.MethodPost, "/user-sessions/end/"+s.ID.String(), intruder, nil, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
	w, _ = do(r, http.MethodPatch, "/user-sessions/"+s.ID.String()+"/content-engaged", intruder, nil, gin.H{"engaged": true})
	assert.Equal(t, http.StatusForbidden, w.Code)

	_, err = f.mgr.ActiveSession(context.Background(), s.ID)
	require.NoError(t, err)

	w, env := do(r, http.MethodPatch, "/user-sessions/"+s.ID.String()+"/content-engaged", owner, nil, gin.H{"engaged": false})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, string(env.Data), `"content_engaged":false`)

	w, _ = do(r, http.MethodPost, "/user-sessions/end/"+s.ID.String(), owner, nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	w, _ = do(r, http.MethodPost, "/user-sessions/end/"+s.ID.String(), owner, nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w, _ = do(r, http.MethodPatch, "/user-sessions/"+s.ID.String()+"/content-engaged", owner, nil, gin.H{"engaged": true})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandler_HeartbeatOwnership(t *testing.T) {
	f := newFixture()
	r := newTestRouter(f, nil)
	owner, intruder := uuid.New(), uuid.New()
	s, err := f.mgr.StartSession(context.Background(), owner, models.ClientContext{})
	require.NoError(t, err)
	path := "/user-sessions/heartbeat/" + s.ID.String()

	w, env := do(r, http.MethodPost, path, uuid.Nil, map[string]string{"Authorization": "token:" + intruder.String()}, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.False(t, env.Success)

	w, env = do(r, http.MethodPost, path, uuid.Nil, map[string]string{"Authorization": "token:" + owner.String()}, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var hb HeartbeatResponse
	require.NoError(t, json.Unmarshal(env.Data, &hb))
	assert.Equal(t, StatusActive, hb.Status)
}

func TestHandler_ContentEngagedRequiresBody(t *testing.T) {
	f := newFixture()
	r := newTestRouter(f, nil)
	userID := uuid.New()
	s, err := f.mgr.StartSession(context.Background(), userID, models.ClientContext{})
	require.NoError(t, err)

	w, _ := do(r, http.MethodPatch, "/user-sessions/"+s.ID.String()+"/content-engaged", userID, nil, gin.H{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandler_ListAndEndAll(t *testing.T) {
	f := newFixture()
	r := newTestRouter(f, nil)
	userID := uuid.New()

	w, env := do(r, http.MethodGet, "/user-sessions", userID, nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"sessions":[]}`, string(env.Data))

	_, err := f.mgr.StartSession(context.Background(), userID, models.ClientContext{})
	require.NoError(t, err)

	w, env = do(r, http.MethodPost, "/user-sessions/end-all", userID, nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"ended":1}`, string(env.Data))
}
