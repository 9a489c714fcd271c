package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"chatcore/internal/logging"
	"chatcore/internal/types"
)

// Credentials are the opaque login inputs forwarded to the auth service.
type Credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// Auth is the authentication collaborator. chatcore only depends on its
// ordering contract: auth must resolve before session initialization runs.
type Auth interface {
	Login(ctx context.Context, creds Credentials) (types.Identity, string, error)
	Validate(ctx context.Context, token string) (types.Identity, error)
	Logout(ctx context.Context, token string) error
}

// TokenStore persists the auth token across restarts. Implemented by the
// SQLite local store.
type TokenStore interface {
	SaveToken(token string) error
	LoadToken() (string, error)
	ClearToken() error
}

// State is the coarse lifecycle state.
type State string

const (
	StateIdle         State = "idle"
	StateInitializing State = "initializing"
	StateReady        State = "ready"
	StateLoggingOut   State = "logging_out"
)

type restoreJob struct {
	done chan struct{}
	err  error
}

// Manager sequences the three top-level lifecycle events (login, logout,
// page-load restore) plus role/project switches, delegating actual session
// resolution to the sync controller.
type Manager struct {
	store     *Store
	ctrl      *Controller
	auth      Auth
	projects  ProjectSource
	selection *Selection
	tokens    TokenStore

	defaultRoleID    int64
	hydrationTimeout time.Duration

	mu    sync.Mutex
	state State

	restoreMu sync.Mutex
	restore   *restoreJob
}

// ManagerConfig carries lifecycle tuning.
type ManagerConfig struct {
	DefaultRoleID    int64
	HydrationTimeout time.Duration
}

// NewManager wires a lifecycle manager.
func NewManager(store *Store, ctrl *Controller, auth Auth, projects ProjectSource,
	selection *Selection, tokens TokenStore, cfg ManagerConfig) *Manager {
	if cfg.DefaultRoleID <= 0 {
		cfg.DefaultRoleID = 1
	}
	if cfg.HydrationTimeout <= 0 {
		cfg.HydrationTimeout = 3 * time.Second
	}
	return &Manager{
		store:            store,
		ctrl:             ctrl,
		auth:             auth,
		projects:         projects,
		selection:        selection,
		tokens:           tokens,
		defaultRoleID:    cfg.DefaultRoleID,
		hydrationTimeout: cfg.HydrationTimeout,
		state:            StateIdle,
	}
}

// State returns the coarse lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
	logging.LifecycleDebug("Lifecycle state -> %s", s)
}

// Login authenticates, persists the token, and initializes the session.
// Login failures propagate to the caller; initialization failures do not.
func (m *Manager) Login(ctx context.Context, creds Credentials) error {
	logging.Lifecycle("Login requested for %q", creds.Username)
	m.setState(StateInitializing)

	identity, token, err := m.auth.Login(ctx, creds)
	if err != nil {
		m.setState(StateIdle)
		return fmt.Errorf("login: %w", err)
	}
	if !identity.Valid() {
		m.setState(StateIdle)
		return ErrInvalidIdentity
	}
	if err := m.tokens.SaveToken(token); err != nil {
		logging.LifecycleWarn("Failed to persist auth token: %v", err)
	}

	m.initializeSession(ctx)
	m.setState(StateReady)
	logging.Lifecycle("Login complete for user %s", identity.UserID)
	return nil
}

// Logout tears down dependent state in a fixed order — session store,
// project selection, role selection — before clearing authentication, so
// no mid-teardown change can re-trigger a sync. Logout failures propagate.
func (m *Manager) Logout(ctx context.Context) error {
	logging.Lifecycle("Logout requested")
	m.setState(StateLoggingOut)

	m.store.SetManualSyncSkip(true)
	defer m.store.SetManualSyncSkip(false)

	m.store.Reset()
	m.selection.ClearProject()
	m.selection.ClearRole()

	token, err := m.tokens.LoadToken()
	if err != nil {
		logging.LifecycleWarn("Failed to load token during logout: %v", err)
	}
	if err := m.tokens.ClearToken(); err != nil {
		logging.LifecycleWarn("Failed to clear persisted token: %v", err)
	}

	m.setState(StateIdle)
	if token != "" {
		if err := m.auth.Logout(ctx, token); err != nil {
			return fmt.Errorf("logout: %w", err)
		}
	}
	logging.Lifecycle("Logout complete")
	return nil
}

// RestoreOnLoad validates the persisted auth token and initializes the
// session. It runs at most once per process; concurrent and subsequent
// callers share the first invocation's outcome.
func (m *Manager) RestoreOnLoad(ctx context.Context) error {
	m.restoreMu.Lock()
	if job := m.restore; job != nil {
		m.restoreMu.Unlock()
		select {
		case <-job.done:
			return job.err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	job := &restoreJob{done: make(chan struct{})}
	m.restore = job
	m.restoreMu.Unlock()

	job.err = m.restoreOnLoad(ctx)
	close(job.done)
	return job.err
}

func (m *Manager) restoreOnLoad(ctx context.Context) error {
	logging.Lifecycle("Restore-on-load starting")

	token, err := m.tokens.LoadToken()
	if err != nil {
		logging.LifecycleWarn("Failed to load persisted token: %v", err)
	}
	if token == "" {
		logging.Lifecycle("No persisted auth token; staying signed out")
		m.store.SetEmptyReady()
		return nil
	}

	if _, err := m.auth.Validate(ctx, token); err != nil {
		logging.LifecycleWarn("Persisted token rejected: %v; staying signed out", err)
		if cerr := m.tokens.ClearToken(); cerr != nil {
			logging.LifecycleWarn("Failed to clear rejected token: %v", cerr)
		}
		m.store.SetEmptyReady()
		return nil
	}

	m.setState(StateInitializing)
	m.initializeSession(ctx)
	m.setState(StateReady)
	logging.Lifecycle("Restore-on-load complete")
	return nil
}

// SwitchRole selects a new role, invalidates the project selection, and
// resynchronizes against the role's first project.
func (m *Manager) SwitchRole(ctx context.Context, roleID int64) (Result, error) {
	if roleID <= 0 {
		return Result{}, ErrInvalidRole
	}
	logging.Lifecycle("Role switch -> %d", roleID)

	m.selection.SetRole(roleID)
	m.selection.ClearProject()

	m.setState(StateInitializing)
	res, err := m.ctrl.Sync(ctx, roleID, 0, "lifecycle.role-switch")
	m.setState(StateReady)
	if err == nil && res.Key.ProjectID > 0 {
		m.selection.SetProject(res.Key.ProjectID)
	}
	return res, err
}

// SwitchProject selects a new project for the current role and
// resynchronizes.
func (m *Manager) SwitchProject(ctx context.Context, projectID int64) (Result, error) {
	if projectID <= 0 {
		return Result{}, fmt.Errorf("session: project id must be positive")
	}
	roleID := m.selection.RoleID()
	if roleID <= 0 {
		roleID = m.defaultRoleID
		m.selection.SetRole(roleID)
	}
	logging.Lifecycle("Project switch -> %d (role %d)", projectID, roleID)

	m.selection.SetProject(projectID)
	m.setState(StateInitializing)
	res, err := m.ctrl.Sync(ctx, roleID, projectID, "lifecycle.project-switch")
	m.setState(StateReady)
	return res, err
}

// initializeSession never fails outward: every step degrades to an empty
// but live (ready=true) state. Sequencing per the lifecycle contract:
// bounded hydration wait, role fallback, project fallback, then sync.
func (m *Manager) initializeSession(ctx context.Context) {
	if err := m.selection.WaitHydrated(ctx, m.hydrationTimeout); err != nil {
		logging.LifecycleWarn("Selection hydration incomplete: %v (continuing)", err)
	}

	roleID := m.selection.RoleID()
	if roleID <= 0 {
		roleID = m.defaultRoleID
		logging.Lifecycle("No persisted role; falling back to default role %d", roleID)
		m.selection.SetRole(roleID)
	}

	projectID := m.selection.ProjectID()
	if projectID <= 0 {
		projects, err := m.projects.Projects(ctx, roleID)
		if err != nil {
			logging.LifecycleWarn("Project list fetch failed for role %d: %v", roleID, err)
		}
		if len(projects) == 0 {
			logging.Lifecycle("No projects for role %d; presenting empty ready state", roleID)
			m.store.SetEmptyReady()
			return
		}
		projectID = projects[0].ID
		m.selection.SetProject(projectID)
	}

	if _, err := m.ctrl.Sync(ctx, roleID, projectID, "lifecycle.initialize"); err != nil {
		logging.LifecycleWarn("Session sync failed during initialization: %v", err)
	}
}
