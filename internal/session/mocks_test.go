package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"chatcore/internal/types"
)

// fakeDirectory is a scriptable Directory. When gate is non-nil, Lookup
// blocks until the gate receives, so tests can hold a sync job in flight.
type fakeDirectory struct {
	mu sync.Mutex

	lookupResults map[Key]LookupResult
	lookupErr     error
	historyByID   map[string][]types.Message
	historyErr    error
	rotateResult  RotateResult
	rotateErr     error

	gate chan struct{}

	lookupCalls  atomic.Int64
	historyCalls atomic.Int64
	rotateCalls  atomic.Int64
}

func newFakeDirectory() *fakeDirectory {
	return &fakeDirectory{
		lookupResults: make(map[Key]LookupResult),
		historyByID:   make(map[string][]types.Message),
	}
}

func (f *fakeDirectory) setLookup(key Key, res LookupResult) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lookupResults[key] = res
}

func (f *fakeDirectory) Lookup(ctx context.Context, roleID, projectID int64) (LookupResult, error) {
	f.lookupCalls.Add(1)
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return LookupResult{}, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.lookupErr != nil {
		return LookupResult{}, f.lookupErr
	}
	return f.lookupResults[Key{RoleID: roleID, ProjectID: projectID}], nil
}

func (f *fakeDirectory) History(ctx context.Context, projectID, roleID int64, sessionID string) ([]types.Message, error) {
	f.historyCalls.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.historyErr != nil {
		return nil, f.historyErr
	}
	return f.historyByID[sessionID], nil
}

func (f *fakeDirectory) RotateSession(ctx context.Context, roleID, projectID int64, sessionID string) (RotateResult, error) {
	f.rotateCalls.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.rotateErr != nil {
		return RotateResult{}, f.rotateErr
	}
	return f.rotateResult, nil
}

// fakeProjects serves static project lists per role.
type fakeProjects struct {
	mu    sync.Mutex
	lists map[int64][]types.Project
	err   error
	calls atomic.Int64
}

func newFakeProjects() *fakeProjects {
	return &fakeProjects{lists: make(map[int64][]types.Project)}
}

func (f *fakeProjects) set(roleID int64, projects ...types.Project) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lists[roleID] = projects
}

func (f *fakeProjects) Projects(ctx context.Context, roleID int64) ([]types.Project, error) {
	f.calls.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return f.lists[roleID], nil
}

// fakeAuth scripts the auth collaborator.
type fakeAuth struct {
	mu sync.Mutex

	identity    types.Identity
	token       string
	loginErr    error
	validateErr error
	logoutErr   error

	loginCalls    atomic.Int64
	validateCalls atomic.Int64
	logoutCalls   atomic.Int64
}

func (f *fakeAuth) Login(ctx context.Context, creds Credentials) (types.Identity, string, error) {
	f.loginCalls.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.loginErr != nil {
		return types.Identity{}, "", f.loginErr
	}
	return f.identity, f.token, nil
}

func (f *fakeAuth) Validate(ctx context.Context, token string) (types.Identity, error) {
	f.validateCalls.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.validateErr != nil {
		return types.Identity{}, f.validateErr
	}
	if token != f.token {
		return types.Identity{}, errors.New("unknown token")
	}
	return f.identity, nil
}

func (f *fakeAuth) Logout(ctx context.Context, token string) error {
	f.logoutCalls.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.logoutErr
}

// memTokens is an in-memory TokenStore.
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

// memMarkers is an in-memory MarkerPersister that records call order.
type memMarkers struct {
	mu     sync.Mutex
	marker *types.SessionMarker
	saves  int
	clears int
}

func (m *memMarkers) SaveMarker(mk types.SessionMarker) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := mk
	m.marker = &cp
	m.saves++
	return nil
}

func (m *memMarkers) ClearMarker() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.marker = nil
	m.clears++
	return nil
}

func (m *memMarkers) current() *types.SessionMarker {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.marker == nil {
		return nil
	}
	cp := *m.marker
	return &cp
}

// memSelection is an in-memory SelectionPersister.
type memSelection struct {
	mu        sync.Mutex
	roleID    int64
	projectID int64
	saved     bool
}

func (m *memSelection) SaveSelection(roleID, projectID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.roleID, m.projectID, m.saved = roleID, projectID, true
	return nil
}

func (m *memSelection) LoadSelection() (int64, int64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.roleID, m.projectID, m.saved, nil
}

func (m *memSelection) ClearSelection() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.roleID, m.projectID, m.saved = 0, 0, false
	return nil
}
