package session

import (
	"context"
	"sync"
	"time"

	"chatcore/internal/logging"
)

// SelectionPersister persists the UI's role/project selection. Implemented
// by the SQLite local store.
type SelectionPersister interface {
	SaveSelection(roleID, projectID int64) error
	LoadSelection() (roleID, projectID int64, ok bool, err error)
	ClearSelection() error
}

// Selection holds the currently selected role and project and hydrates
// them from persisted storage in the background. The lifecycle manager
// waits (bounded) for hydration before initializing a session.
type Selection struct {
	mu        sync.Mutex
	roleID    int64
	projectID int64
	dirty     bool // explicit set happened before hydration finished

	persist  SelectionPersister // optional
	hydrated chan struct{}
	once     sync.Once
}

// NewSelection creates an unhydrated selection state.
func NewSelection(persist SelectionPersister) *Selection {
	return &Selection{
		persist:  persist,
		hydrated: make(chan struct{}),
	}
}

// Hydrate loads the persisted selection in a background goroutine. Safe to
// call more than once; only the first call does work.
func (s *Selection) Hydrate() {
	s.once.Do(func() {
		go s.hydrate()
	})
}

func (s *Selection) hydrate() {
	defer close(s.hydrated)

	if s.persist == nil {
		return
	}
	roleID, projectID, ok, err := s.persist.LoadSelection()
	if err != nil {
		logging.LifecycleWarn("Selection hydration failed: %v", err)
		return
	}
	if !ok {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	// An explicit selection made while hydration was in flight wins over
	// the persisted one.
	if !s.dirty {
		s.roleID = roleID
		s.projectID = projectID
		logging.LifecycleDebug("Hydrated selection: role=%d project=%d", roleID, projectID)
	}
}

// WaitHydrated blocks until hydration finishes, the context is cancelled,
// or the timeout expires (ErrHydrationTimeout). Callers are expected to
// proceed on timeout.
func (s *Selection) WaitHydrated(ctx context.Context, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-s.hydrated:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return ErrHydrationTimeout
	}
}

// RoleID returns the selected role (0 when none).
func (s *Selection) RoleID() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.roleID
}

// ProjectID returns the selected project (0 when none).
func (s *Selection) ProjectID() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.projectID
}

// SetRole selects a role and persists the pair.
func (s *Selection) SetRole(roleID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.roleID = roleID
	s.dirty = true
	s.persistLocked()
}

// SetProject selects a project and persists the pair.
func (s *Selection) SetProject(projectID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.projectID = projectID
	s.dirty = true
	s.persistLocked()
}

// ClearProject drops the project selection (role switches invalidate it).
func (s *Selection) ClearProject() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.projectID = 0
	s.dirty = true
	s.persistLocked()
}

// ClearRole drops the role selection.
func (s *Selection) ClearRole() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.roleID = 0
	s.dirty = true
	s.persistLocked()
}

func (s *Selection) persistLocked() {
	if s.persist == nil {
		return
	}
	var err error
	if s.roleID == 0 && s.projectID == 0 {
		err = s.persist.ClearSelection()
	} else {
		err = s.persist.SaveSelection(s.roleID, s.projectID)
	}
	if err != nil {
		logging.LifecycleWarn("Failed to persist selection: %v", err)
	}
}
