package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"chatcore/internal/directory"
	"chatcore/internal/session"
	"chatcore/internal/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeBackend stands in for the session directory and auth services.
type fakeBackend struct {
	mu          sync.Mutex
	sessionID   string // returned by lookup; empty means no prior session
	authoritive string // session id returned by message exchange
	token       string
}

func (b *fakeBackend) handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /v1/sessions/lookup", func(w http.ResponseWriter, r *http.Request) {
		b.mu.Lock()
		defer b.mu.Unlock()
		json.NewEncoder(w).Encode(map[string]interface{}{
			"session_id": b.sessionID,
			"messages":   []types.Message{},
			"summaries":  []types.Summary{},
		})
	})
	mux.HandleFunc("GET /v1/sessions/{id}/history", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{"messages": []types.Message{}})
	})
	mux.HandleFunc("POST /v1/sessions/rotate", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"new_session_id":  "sess-rotated",
			"divider_message": types.Message{Sender: types.SenderSystem, Text: "summarized"},
		})
	})
	mux.HandleFunc("GET /v1/roles/{id}/projects", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"projects": []types.Project{{ID: 10, RoleID: 1, Name: "default"}},
		})
	})
	mux.HandleFunc("POST /v1/messages", func(w http.ResponseWriter, r *http.Request) {
		b.mu.Lock()
		defer b.mu.Unlock()
		json.NewEncoder(w).Encode(map[string]interface{}{
			"message":    types.Message{ID: "reply-1", Sender: types.SenderAssistant, Text: "hello back"},
			"session_id": b.authoritive,
		})
	})
	mux.HandleFunc("POST /v1/auth/login", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"identity": types.Identity{UserID: "u-1", Name: "Sam"},
			"token":    "tok-1",
		})
	})
	mux.HandleFunc("GET /v1/auth/validate", func(w http.ResponseWriter, r *http.Request) {
		b.mu.Lock()
		defer b.mu.Unlock()
		if r.Header.Get("Authorization") != "Bearer "+b.token {
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"identity": types.Identity{UserID: "u-1"},
		})
	})
	mux.HandleFunc("POST /v1/auth/logout", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return mux
}

type memTokens struct {
	mu    sync.Mutex
	token string
}

func (m *memTokens) SaveToken(token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.token = token
	return nil
}

func (m *memTokens) LoadToken() (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.token, nil
}

func (m *memTokens) ClearToken() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.token = ""
	return nil
}

type testApp struct {
	backend *fakeBackend
	store   *session.Store
	router  http.Handler
}

func newTestApp(t *testing.T) *testApp {
	t.Helper()

	backend := &fakeBackend{token: "tok-1"}
	backendSrv := httptest.NewServer(backend.handler())
	t.Cleanup(backendSrv.Close)

	dirClient := directory.NewClient(backendSrv.URL, 5*time.Second)
	authClient := directory.NewAuthClient(backendSrv.URL, 5*time.Second)
	projects := directory.NewProjectCache(dirClient, time.Minute)

	store := session.NewStore()
	selection := session.NewSelection(nil)
	selection.Hydrate()

	ctrl := session.NewController(store, dirClient, projects)
	lifecycle := session.NewManager(store, ctrl, authClient, projects, selection, &memTokens{},
		session.ManagerConfig{DefaultRoleID: 1, HydrationTimeout: time.Second})

	server := NewServer(store, ctrl, lifecycle, selection, dirClient, projects,
		zap.NewNop(), 2*time.Second)
	return &testApp{
		backend: backend,
		store:   store,
		router:  NewRouter(server, zap.NewNop()),
	}
}

func (a *testApp) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	a.router.ServeHTTP(rec, req)
	return rec
}

func TestHealthEndpoint(t *testing.T) {
	app := newTestApp(t)
	rec := app.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestStateEndpoint(t *testing.T) {
	app := newTestApp(t)
	rec := app.do(t, http.MethodGet, "/api/v1/state", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		State    string           `json:"state"`
		Snapshot session.Snapshot `json:"snapshot"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "idle", resp.State)
	assert.False(t, resp.Snapshot.Ready)
}

func TestLoginFlow(t *testing.T) {
	app := newTestApp(t)
	app.backend.sessionID = "sess-1"

	rec := app.do(t, http.MethodPost, "/api/v1/login",
		map[string]string{"username": "sam", "password": "pw"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp struct {
		State    string           `json:"state"`
		Snapshot session.Snapshot `json:"snapshot"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "ready", resp.State)
	assert.True(t, resp.Snapshot.Ready)
	assert.Equal(t, "sess-1", resp.Snapshot.SessionID)
}

func TestLoginRequiresUsername(t *testing.T) {
	app := newTestApp(t)
	rec := app.do(t, http.MethodPost, "/api/v1/login", map[string]string{"password": "pw"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSyncEndpoint(t *testing.T) {
	app := newTestApp(t)

	t.Run("creates a placeholder when no prior session", func(t *testing.T) {
		rec := app.do(t, http.MethodPost, "/api/v1/sync",
			map[string]int64{"role_id": 1, "project_id": 2})
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

		var res session.Result
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
		assert.True(t, res.Created)
		assert.True(t, strings.HasPrefix(res.SessionID, "local-"))
	})

	t.Run("rejects invalid role", func(t *testing.T) {
		rec := app.do(t, http.MethodPost, "/api/v1/sync",
			map[string]int64{"role_id": 0, "project_id": 2})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestMessageExchangeAdoptsAuthoritativeID(t *testing.T) {
	app := newTestApp(t)
	app.backend.authoritive = "srv-789"

	// Login first: no prior session, so a local placeholder is created.
	rec := app.do(t, http.MethodPost, "/api/v1/login",
		map[string]string{"username": "sam", "password": "pw"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.True(t, strings.HasPrefix(app.store.SessionID(), "local-"))

	rec = app.do(t, http.MethodPost, "/api/v1/messages", map[string]string{"text": "hi"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp struct {
		Message   types.Message `json:"message"`
		SessionID string        `json:"session_id"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "hello back", resp.Message.Text)
	assert.Equal(t, "srv-789", resp.SessionID)

	// The placeholder was swapped for the backend id, messages kept.
	assert.Equal(t, "srv-789", app.store.SessionID())
	msgs := app.store.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, types.SenderUser, msgs[0].Sender)
	assert.True(t, msgs[1].Sender.IsAssistant())
}

func TestMessageRequiresText(t *testing.T) {
	app := newTestApp(t)
	rec := app.do(t, http.MethodPost, "/api/v1/messages", map[string]string{"text": ""})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRotateEndpoint(t *testing.T) {
	app := newTestApp(t)
	app.backend.sessionID = "sess-1"

	rec := app.do(t, http.MethodPost, "/api/v1/login",
		map[string]string{"username": "sam", "password": "pw"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = app.do(t, http.MethodPost, "/api/v1/rotate", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var res session.Result
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Equal(t, "sess-rotated", res.SessionID)

	msgs := app.store.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "summarized", msgs[0].Text)
}

func TestRotateWithoutSessionConflicts(t *testing.T) {
	app := newTestApp(t)
	rec := app.do(t, http.MethodPost, "/api/v1/rotate", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestProjectsEndpoint(t *testing.T) {
	app := newTestApp(t)
	rec := app.do(t, http.MethodGet, "/api/v1/roles/1/projects", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Projects []types.Project `json:"projects"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Projects, 1)
	assert.Equal(t, "default", resp.Projects[0].Name)

	rec = app.do(t, http.MethodGet, "/api/v1/roles/abc/projects", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRestoreEndpointNoToken(t *testing.T) {
	app := newTestApp(t)
	rec := app.do(t, http.MethodPost, "/api/v1/restore", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Snapshot session.Snapshot `json:"snapshot"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	// No persisted token: signed out but live.
	assert.True(t, resp.Snapshot.Ready)
	assert.Empty(t, resp.Snapshot.SessionID)
}

func TestLogoutEndpoint(t *testing.T) {
	app := newTestApp(t)
	app.backend.sessionID = "sess-1"

	rec := app.do(t, http.MethodPost, "/api/v1/login",
		map[string]string{"username": "sam", "password": "pw"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = app.do(t, http.MethodPost, "/api/v1/logout", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	assert.False(t, app.store.Ready())
	assert.Empty(t, app.store.SessionID())
}

func TestRecoveryMiddleware(t *testing.T) {
	logger := zap.NewNop()
	handler := Recovery(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic(fmt.Errorf("boom"))
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}
