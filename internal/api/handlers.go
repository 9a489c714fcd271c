// Package api exposes chatcore's session coordination over HTTP for the
// browser UI: state snapshots, lifecycle actions, sync triggers, and a
// server-sent-events stream of store changes.
package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"chatcore/internal/directory"
	"chatcore/internal/session"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

// Server bundles the handler dependencies.
type Server struct {
	store     *session.Store
	ctrl      *session.Controller
	lifecycle *session.Manager
	selection *session.Selection
	dir       *directory.Client
	projects  session.ProjectSource
	logger    *zap.Logger

	waitReadyTimeout time.Duration
}

// NewServer creates the API server.
func NewServer(store *session.Store, ctrl *session.Controller, lifecycle *session.Manager,
	selection *session.Selection, dir *directory.Client, projects session.ProjectSource,
	logger *zap.Logger, waitReadyTimeout time.Duration) *Server {
	if waitReadyTimeout <= 0 {
		waitReadyTimeout = 10 * time.Second
	}
	return &Server{
		store:            store,
		ctrl:             ctrl,
		lifecycle:        lifecycle,
		selection:        selection,
		dir:              dir,
		projects:         projects,
		logger:           logger,
		waitReadyTimeout: waitReadyTimeout,
	}
}

// handleHealth reports liveness.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type stateResponse struct {
	State     session.State    `json:"state"`
	RoleID    int64            `json:"role_id"`
	ProjectID int64            `json:"project_id"`
	Snapshot  session.Snapshot `json:"snapshot"`
}

// handleState returns the lifecycle state, current selection, and a full
// store snapshot.
func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, stateResponse{
		State:     s.lifecycle.State(),
		RoleID:    s.selection.RoleID(),
		ProjectID: s.selection.ProjectID(),
		Snapshot:  s.store.Snapshot(),
	})
}

// handleLogin authenticates and initializes the session.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var creds session.Credentials
	if err := decodeJSON(r, &creds); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if creds.Username == "" {
		writeError(w, http.StatusBadRequest, "username is required")
		return
	}
	if err := s.lifecycle.Login(r.Context(), creds); err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, stateResponse{
		State:     s.lifecycle.State(),
		RoleID:    s.selection.RoleID(),
		ProjectID: s.selection.ProjectID(),
		Snapshot:  s.store.Snapshot(),
	})
}

// handleLogout tears down the session.
func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if err := s.lifecycle.Logout(r.Context()); err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"state": string(s.lifecycle.State())})
}

// handleRestore runs (or joins) the page-load restore.
func (s *Server) handleRestore(w http.ResponseWriter, r *http.Request) {
	if err := s.lifecycle.RestoreOnLoad(r.Context()); err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, stateResponse{
		State:     s.lifecycle.State(),
		RoleID:    s.selection.RoleID(),
		ProjectID: s.selection.ProjectID(),
		Snapshot:  s.store.Snapshot(),
	})
}

type syncRequest struct {
	RoleID    int64  `json:"role_id"`
	ProjectID int64  `json:"project_id"`
	Caller    string `json:"caller,omitempty"`
}

// handleSync triggers a restore-or-create sync for a (role, project) pair.
func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	var req syncRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	caller := req.Caller
	if caller == "" {
		caller = "api.sync"
	}
	res, err := s.ctrl.Sync(r.Context(), req.RoleID, req.ProjectID, caller)
	if err != nil {
		status := http.StatusBadGateway
		if err == session.ErrInvalidRole {
			status = http.StatusBadRequest
		}
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type switchRequest struct {
	RoleID    int64 `json:"role_id"`
	ProjectID int64 `json:"project_id"`
}

// handleSwitchRole changes the active role.
func (s *Server) handleSwitchRole(w http.ResponseWriter, r *http.Request) {
	var req switchRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	res, err := s.lifecycle.SwitchRole(r.Context(), req.RoleID)
	if err != nil {
		status := http.StatusBadGateway
		if err == session.ErrInvalidRole {
			status = http.StatusBadRequest
		}
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// handleSwitchProject changes the active project within the current role.
func (s *Server) handleSwitchProject(w http.ResponseWriter, r *http.Request) {
	var req switchRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	res, err := s.lifecycle.SwitchProject(r.Context(), req.ProjectID)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// handleRotate replaces the active session (post-summarization).
func (s *Server) handleRotate(w http.ResponseWriter, r *http.Request) {
	roleID := s.selection.RoleID()
	projectID := s.selection.ProjectID()
	res, err := s.ctrl.Rotate(r.Context(), roleID, projectID)
	if err != nil {
		status := http.StatusBadGateway
		switch err {
		case session.ErrInvalidRole, session.ErrNoActiveSession:
			status = http.StatusConflict
		}
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type messageRequest struct {
	Text string `json:"text"`
}

// handleSendMessage performs one message exchange: waits for a consistent
// session, appends the user message, forwards to the backend, adopts any
// authoritative session id from the reply, and appends the assistant reply.
func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	var req messageRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Text == "" {
		writeError(w, http.StatusBadRequest, "text is required")
		return
	}

	roleID := s.selection.RoleID()
	projectID := s.selection.ProjectID()
	sessionID, err := s.store.WaitForReady(r.Context(), roleID, projectID, s.waitReadyTimeout)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, fmt.Sprintf("session not ready: %v", err))
		return
	}

	userMsg := newUserMessage(req.Text, sessionID, roleID, projectID)
	s.store.AppendMessage(userMsg)

	result, err := s.dir.SendMessage(r.Context(), roleID, projectID, sessionID, req.Text)
	if err != nil {
		s.store.RemoveMessage(userMsg.ID)
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	if result.SessionID != "" {
		s.ctrl.Adopt(result.SessionID)
	}
	s.store.AppendMessage(result.Reply)

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"message":    result.Reply,
		"session_id": s.store.SessionID(),
	})
}

// handleProjects lists the projects for a role, served from the cache.
func (s *Server) handleProjects(w http.ResponseWriter, r *http.Request) {
	roleID, err := urlParamInt64(r, "roleID")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	projects, err := s.projects.Projects(r.Context(), roleID)
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"projects": projects})
}

// handleWaitReady blocks until the store is ready for a pair (query params
// role_id, project_id) or the timeout elapses.
func (s *Server) handleWaitReady(w http.ResponseWriter, r *http.Request) {
	roleID := queryInt64(r, "role_id", s.selection.RoleID())
	projectID := queryInt64(r, "project_id", s.selection.ProjectID())

	id, err := s.store.WaitForReady(r.Context(), roleID, projectID, s.waitReadyTimeout)
	if err != nil {
		writeError(w, http.StatusGatewayTimeout, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"session_id": id})
}

// handleEvents streams store snapshots as server-sent events until the
// client disconnects.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	snapshots, cancel := s.store.Subscribe()
	defer cancel()

	// Initial snapshot so the client never starts blind.
	writeEvent(w, s.store.Snapshot())
	flusher.Flush()

	for {
		select {
		case snap, open := <-snapshots:
			if !open {
				return
			}
			if err := writeEvent(w, snap); err != nil {
				return
			}
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}

func writeEvent(w http.ResponseWriter, snap session.Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: state\ndata: %s\n\n", data)
	return err
}

func queryInt64(r *http.Request, name string, fallback int64) int64 {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return fallback
	}
	return v
}

// urlParamInt64 parses a chi route parameter as int64.
func urlParamInt64(r *http.Request, name string) (int64, error) {
	raw := chi.URLParam(r, name)
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %q", name, raw)
	}
	return v, nil
}
