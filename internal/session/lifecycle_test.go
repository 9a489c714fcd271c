package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"chatcore/internal/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type lifecycleFixture struct {
	store     *Store
	ctrl      *Controller
	dir       *fakeDirectory
	projects  *fakeProjects
	auth      *fakeAuth
	tokens    *memTokens
	selection *Selection
	manager   *Manager
}

func newLifecycleFixture(t *testing.T) *lifecycleFixture {
	t.Helper()

	dir := newFakeDirectory()
	projects := newFakeProjects()
	projects.set(1, types.Project{ID: 10, RoleID: 1, Name: "default"})

	auth := &fakeAuth{identity: types.Identity{UserID: "u-1", Name: "Sam"}, token: "tok-1"}
	tokens := &memTokens{}
	selection := NewSelection(&memSelection{})
	selection.Hydrate()

	store := NewStore()
	ctrl := NewController(store, dir, projects)
	manager := NewManager(store, ctrl, auth, projects, selection, tokens,
		ManagerConfig{DefaultRoleID: 1, HydrationTimeout: time.Second})

	return &lifecycleFixture{
		store: store, ctrl: ctrl, dir: dir, projects: projects,
		auth: auth, tokens: tokens, selection: selection, manager: manager,
	}
}

func TestLoginInitializesSession(t *testing.T) {
	f := newLifecycleFixture(t)
	f.dir.setLookup(Key{RoleID: 1, ProjectID: 10}, LookupResult{SessionID: "sess-1"})

	err := f.manager.Login(context.Background(), Credentials{Username: "sam", Password: "pw"})
	require.NoError(t, err)

	assert.Equal(t, StateReady, f.manager.State())
	assert.True(t, f.store.Ready())
	assert.Equal(t, "sess-1", f.store.SessionID())

	tok, _ := f.tokens.LoadToken()
	assert.Equal(t, "tok-1", tok)
	assert.Equal(t, int64(1), f.selection.RoleID())
	assert.Equal(t, int64(10), f.selection.ProjectID())
}

func TestLoginFailurePropagates(t *testing.T) {
	f := newLifecycleFixture(t)
	f.auth.loginErr = errors.New("bad credentials")

	err := f.manager.Login(context.Background(), Credentials{Username: "sam"})
	require.Error(t, err)
	assert.Equal(t, StateIdle, f.manager.State())
	assert.False(t, f.store.Ready())
}

func TestLoginRejectsEmptyIdentity(t *testing.T) {
	f := newLifecycleFixture(t)
	f.auth.identity = types.Identity{}

	err := f.manager.Login(context.Background(), Credentials{Username: "sam"})
	assert.ErrorIs(t, err, ErrInvalidIdentity)
}

func TestLoginSucceedsWhenInitializationDegrades(t *testing.T) {
	f := newLifecycleFixture(t)
	f.projects.err = errors.New("projects unavailable")

	// Auth succeeded; initialization degrades to an empty ready state
	// rather than failing the login.
	err := f.manager.Login(context.Background(), Credentials{Username: "sam"})
	require.NoError(t, err)
	assert.Equal(t, StateReady, f.manager.State())
	assert.True(t, f.store.Ready())
	assert.Empty(t, f.store.SessionID())
}

func TestLogoutTearDownOrder(t *testing.T) {
	f := newLifecycleFixture(t)
	f.dir.setLookup(Key{RoleID: 1, ProjectID: 10}, LookupResult{SessionID: "sess-1"})
	require.NoError(t, f.manager.Login(context.Background(), Credentials{Username: "sam"}))

	err := f.manager.Logout(context.Background())
	require.NoError(t, err)

	assert.Equal(t, StateIdle, f.manager.State())
	assert.False(t, f.store.Ready())
	assert.Empty(t, f.store.SessionID())
	assert.Nil(t, f.store.GetMarker())
	assert.Equal(t, int64(0), f.selection.RoleID())
	assert.Equal(t, int64(0), f.selection.ProjectID())

	tok, _ := f.tokens.LoadToken()
	assert.Empty(t, tok)
	assert.Equal(t, int64(1), f.auth.logoutCalls.Load())

	// Sync suppression is lifted after teardown.
	assert.False(t, f.store.ManualSyncSkip())
}

func TestLogoutBackendFailurePropagates(t *testing.T) {
	f := newLifecycleFixture(t)
	f.dir.setLookup(Key{RoleID: 1, ProjectID: 10}, LookupResult{SessionID: "sess-1"})
	require.NoError(t, f.manager.Login(context.Background(), Credentials{Username: "sam"}))

	f.auth.logoutErr = errors.New("auth service down")
	err := f.manager.Logout(context.Background())
	require.Error(t, err)

	// Local teardown still completed.
	assert.False(t, f.store.Ready())
	tok, _ := f.tokens.LoadToken()
	assert.Empty(t, tok)
}

func TestRestoreOnLoad(t *testing.T) {
	t.Run("no token stays signed out", func(t *testing.T) {
		f := newLifecycleFixture(t)

		err := f.manager.RestoreOnLoad(context.Background())
		require.NoError(t, err)
		assert.True(t, f.store.Ready())
		assert.Empty(t, f.store.SessionID())
		assert.Equal(t, int64(0), f.auth.validateCalls.Load())
	})

	t.Run("rejected token is cleared", func(t *testing.T) {
		f := newLifecycleFixture(t)
		require.NoError(t, f.tokens.SaveToken("stale-token"))

		err := f.manager.RestoreOnLoad(context.Background())
		require.NoError(t, err)
		assert.True(t, f.store.Ready())

		tok, _ := f.tokens.LoadToken()
		assert.Empty(t, tok)
	})

	t.Run("valid token initializes session", func(t *testing.T) {
		f := newLifecycleFixture(t)
		f.dir.setLookup(Key{RoleID: 1, ProjectID: 10}, LookupResult{SessionID: "sess-1"})
		require.NoError(t, f.tokens.SaveToken("tok-1"))

		err := f.manager.RestoreOnLoad(context.Background())
		require.NoError(t, err)
		assert.Equal(t, StateReady, f.manager.State())
		assert.Equal(t, "sess-1", f.store.SessionID())
	})

	t.Run("runs once, concurrent callers share the outcome", func(t *testing.T) {
		f := newLifecycleFixture(t)
		f.dir.setLookup(Key{RoleID: 1, ProjectID: 10}, LookupResult{SessionID: "sess-1"})
		require.NoError(t, f.tokens.SaveToken("tok-1"))

		const callers = 6
		var wg sync.WaitGroup
		for i := 0; i < callers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				assert.NoError(t, f.manager.RestoreOnLoad(context.Background()))
			}()
		}
		wg.Wait()

		assert.Equal(t, int64(1), f.auth.validateCalls.Load())
		assert.Equal(t, int64(1), f.dir.lookupCalls.Load())

		// A later call still joins the cached outcome.
		require.NoError(t, f.manager.RestoreOnLoad(context.Background()))
		assert.Equal(t, int64(1), f.auth.validateCalls.Load())
	})
}

func TestSwitchRole(t *testing.T) {
	f := newLifecycleFixture(t)
	f.projects.set(2, types.Project{ID: 20, RoleID: 2, Name: "other"})
	f.dir.setLookup(Key{RoleID: 2, ProjectID: 20}, LookupResult{SessionID: "sess-r2"})

	res, err := f.manager.SwitchRole(context.Background(), 2)
	require.NoError(t, err)
	assert.Equal(t, "sess-r2", res.SessionID)
	assert.Equal(t, int64(2), f.selection.RoleID())
	assert.Equal(t, int64(20), f.selection.ProjectID())
	assert.Equal(t, StateReady, f.manager.State())
}

func TestSwitchRoleRejectsInvalidID(t *testing.T) {
	f := newLifecycleFixture(t)
	_, err := f.manager.SwitchRole(context.Background(), 0)
	assert.ErrorIs(t, err, ErrInvalidRole)
}

func TestSwitchProject(t *testing.T) {
	f := newLifecycleFixture(t)
	f.selection.SetRole(1)
	f.dir.setLookup(Key{RoleID: 1, ProjectID: 11}, LookupResult{SessionID: "sess-p11"})

	res, err := f.manager.SwitchProject(context.Background(), 11)
	require.NoError(t, err)
	assert.Equal(t, "sess-p11", res.SessionID)
	assert.Equal(t, int64(11), f.selection.ProjectID())
}

func TestSelectionHydration(t *testing.T) {
	t.Run("loads persisted selection", func(t *testing.T) {
		persist := &memSelection{}
		require.NoError(t, persist.SaveSelection(3, 30))

		sel := NewSelection(persist)
		sel.Hydrate()
		require.NoError(t, sel.WaitHydrated(context.Background(), time.Second))

		assert.Equal(t, int64(3), sel.RoleID())
		assert.Equal(t, int64(30), sel.ProjectID())
	})

	t.Run("explicit set wins over hydration", func(t *testing.T) {
		persist := &memSelection{}
		require.NoError(t, persist.SaveSelection(3, 30))

		sel := NewSelection(persist)
		sel.SetRole(9) // before hydration starts
		sel.Hydrate()
		require.NoError(t, sel.WaitHydrated(context.Background(), time.Second))

		assert.Equal(t, int64(9), sel.RoleID())
	})

	t.Run("clearing both slots clears persistence", func(t *testing.T) {
		persist := &memSelection{}
		sel := NewSelection(persist)
		sel.Hydrate()

		sel.SetRole(1)
		sel.SetProject(2)
		sel.ClearProject()
		sel.ClearRole()

		_, _, ok, err := persist.LoadSelection()
		require.NoError(t, err)
		assert.False(t, ok)
	})
}
