package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"chatcore/internal/types"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestController(dir *fakeDirectory, projects *fakeProjects) (*Controller, *Store) {
	store := NewStore()
	return NewController(store, dir, projects), store
}

func TestSyncRejectsInvalidRole(t *testing.T) {
	ctrl, _ := newTestController(newFakeDirectory(), newFakeProjects())

	_, err := ctrl.Sync(context.Background(), 0, 5, "test")
	assert.ErrorIs(t, err, ErrInvalidRole)

	_, err = ctrl.Sync(context.Background(), -1, 5, "test")
	assert.ErrorIs(t, err, ErrInvalidRole)
}

func TestSyncRestoresPriorSession(t *testing.T) {
	dir := newFakeDirectory()
	dir.setLookup(Key{RoleID: 1, ProjectID: 2}, LookupResult{
		SessionID: "sess-42",
		Summaries: []types.Summary{{ID: "sum-1", SessionID: "sess-42", Text: "earlier talk"}},
	})
	dir.historyByID["sess-42"] = []types.Message{
		{ID: "m1", Sender: types.SenderUser, Text: "hi"},
		{ID: "m2", Sender: types.SenderAssistant, Text: "hello"},
	}
	ctrl, store := newTestController(dir, newFakeProjects())

	res, err := ctrl.Sync(context.Background(), 1, 2, "test")
	require.NoError(t, err)
	assert.True(t, res.Restored)
	assert.False(t, res.Created)
	assert.Equal(t, "sess-42", res.SessionID)

	require.True(t, store.Ready())
	msgs := store.Messages()
	require.Len(t, msgs, 3)

	// Summaries render first, as system messages flagged IsSummary.
	assert.True(t, msgs[0].IsSummary)
	assert.Equal(t, types.SenderSystem, msgs[0].Sender)

	// History messages are stamped with the session context.
	assert.Equal(t, "sess-42", msgs[1].SessionID)
	assert.Equal(t, int64(1), msgs[1].RoleID)
	assert.Equal(t, int64(2), msgs[1].ProjectID)

	marker := store.GetMarker()
	require.NotNil(t, marker)
	assert.Equal(t, types.SessionMarker{RoleID: 1, ProjectID: 2, SessionID: "sess-42"}, *marker)
}

func TestSyncCreatesPlaceholderSession(t *testing.T) {
	dir := newFakeDirectory() // lookup returns empty SessionID
	ctrl, store := newTestController(dir, newFakeProjects())

	res, err := ctrl.Sync(context.Background(), 1, 2, "test")
	require.NoError(t, err)
	assert.True(t, res.Created)
	assert.True(t, strings.HasPrefix(res.SessionID, "local-"))

	assert.True(t, store.Ready())
	assert.Empty(t, store.Messages())
	assert.Equal(t, res.SessionID, store.SessionID())
}

func TestSyncLookupFailureFallsBackToCreate(t *testing.T) {
	dir := newFakeDirectory()
	dir.lookupErr = errors.New("directory down")
	ctrl, store := newTestController(dir, newFakeProjects())

	res, err := ctrl.Sync(context.Background(), 1, 2, "test")
	require.NoError(t, err)
	assert.True(t, res.Created)
	assert.True(t, store.Ready())
}

func TestSyncHistoryFailureUsesLookupPayload(t *testing.T) {
	dir := newFakeDirectory()
	want := []types.Message{{ID: "m1", Sender: types.SenderUser, Text: "from lookup"}}
	dir.setLookup(Key{RoleID: 1, ProjectID: 2}, LookupResult{SessionID: "sess-1", Messages: want})
	dir.historyErr = errors.New("history 500")
	ctrl, store := newTestController(dir, newFakeProjects())

	res, err := ctrl.Sync(context.Background(), 1, 2, "test")
	require.NoError(t, err)
	assert.True(t, res.Restored)

	got := store.Messages()
	require.Len(t, got, 1)
	assert.Equal(t, "from lookup", got[0].Text)
}

func TestSyncIdempotent(t *testing.T) {
	dir := newFakeDirectory()
	dir.setLookup(Key{RoleID: 1, ProjectID: 2}, LookupResult{SessionID: "sess-1"})
	ctrl, _ := newTestController(dir, newFakeProjects())

	first, err := ctrl.Sync(context.Background(), 1, 2, "test")
	require.NoError(t, err)

	// A repeat for the same pair takes the fast path: no network at all.
	before := dir.lookupCalls.Load()
	second, err := ctrl.Sync(context.Background(), 1, 2, "test")
	require.NoError(t, err)
	assert.Equal(t, first.SessionID, second.SessionID)
	assert.Equal(t, before, dir.lookupCalls.Load())
}

func TestSyncCheapRestoreFromMarker(t *testing.T) {
	dir := newFakeDirectory()
	ctrl, store := newTestController(dir, newFakeProjects())

	// Post-reload shape: persisted marker present, in-memory id empty.
	store.SetMarker(&types.SessionMarker{RoleID: 1, ProjectID: 2, SessionID: "sess-old"})

	res, err := ctrl.Sync(context.Background(), 1, 2, "test")
	require.NoError(t, err)
	assert.True(t, res.Restored)
	assert.Equal(t, "sess-old", res.SessionID)

	// Zero network: adoption came from the marker alone.
	assert.Equal(t, int64(0), dir.lookupCalls.Load())
	assert.Equal(t, int64(0), dir.historyCalls.Load())
	assert.True(t, store.Ready())
}

func TestSyncCoalescesConcurrentCallers(t *testing.T) {
	dir := newFakeDirectory()
	dir.gate = make(chan struct{})
	dir.setLookup(Key{RoleID: 1, ProjectID: 2}, LookupResult{SessionID: "sess-1"})
	ctrl, _ := newTestController(dir, newFakeProjects())

	const callers = 8
	results := make([]Result, callers)
	errs := make([]error, callers)

	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = ctrl.Sync(context.Background(), 1, 2, "test")
		}(i)
	}

	// Let all callers pile up on the single in-flight job, then release it.
	time.Sleep(50 * time.Millisecond)
	close(dir.gate)
	wg.Wait()

	assert.Equal(t, int64(1), dir.lookupCalls.Load(), "one lookup for all callers")
	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, "sess-1", results[i].SessionID)
	}
}

func TestSyncKeysAreIndependent(t *testing.T) {
	dir := newFakeDirectory()
	dir.setLookup(Key{RoleID: 1, ProjectID: 2}, LookupResult{SessionID: "sess-a"})
	dir.setLookup(Key{RoleID: 3, ProjectID: 4}, LookupResult{SessionID: "sess-b"})
	ctrl, _ := newTestController(dir, newFakeProjects())

	resA, err := ctrl.Sync(context.Background(), 1, 2, "test")
	require.NoError(t, err)
	resB, err := ctrl.Sync(context.Background(), 3, 4, "test")
	require.NoError(t, err)

	assert.Equal(t, "sess-a", resA.SessionID)
	assert.Equal(t, "sess-b", resB.SessionID)
	assert.Equal(t, int64(2), dir.lookupCalls.Load())
}

func TestSyncStaleJobDiscardsResult(t *testing.T) {
	dir := newFakeDirectory()
	dir.setLookup(Key{RoleID: 1, ProjectID: 2}, LookupResult{SessionID: "sess-stale"})
	ctrl, store := newTestController(dir, newFakeProjects())

	// Simulate a newer job starting while this one is mid-flight by bumping
	// the fence between lookup and apply.
	dir.gate = make(chan struct{}, 1)
	done := make(chan struct{})
	var res Result
	var err error
	go func() {
		defer close(done)
		res, err = ctrl.Sync(context.Background(), 1, 2, "test")
	}()

	time.Sleep(20 * time.Millisecond)
	ctrl.version.Add(1) // a newer job took over
	dir.gate <- struct{}{}
	<-done

	require.NoError(t, err)
	assert.True(t, res.Stale)
	// The store was never touched by the superseded job.
	assert.Empty(t, store.SessionID())
	assert.False(t, store.Ready())
}

func TestSyncResolvesDefaultProject(t *testing.T) {
	dir := newFakeDirectory()
	dir.setLookup(Key{RoleID: 1, ProjectID: 7}, LookupResult{SessionID: "sess-7"})
	projects := newFakeProjects()
	projects.set(1, types.Project{ID: 7, RoleID: 1, Name: "first"}, types.Project{ID: 8, RoleID: 1, Name: "second"})
	ctrl, _ := newTestController(dir, projects)

	res, err := ctrl.Sync(context.Background(), 1, 0, "test")
	require.NoError(t, err)
	assert.Equal(t, Key{RoleID: 1, ProjectID: 7}, res.Key)
	assert.Equal(t, "sess-7", res.SessionID)
}

func TestSyncNoProjectsYieldsEmptyReady(t *testing.T) {
	ctrl, store := newTestController(newFakeDirectory(), newFakeProjects())

	res, err := ctrl.Sync(context.Background(), 1, 0, "test")
	require.NoError(t, err)
	assert.Equal(t, Key{RoleID: 1}, res.Key)
	assert.Empty(t, res.SessionID)

	assert.True(t, store.Ready())
	assert.Empty(t, store.SessionID())
}

func TestSyncManualSkipReturnsCurrentState(t *testing.T) {
	dir := newFakeDirectory()
	ctrl, store := newTestController(dir, newFakeProjects())
	store.SetSessionID("held")
	store.SetManualSyncSkip(true)

	res, err := ctrl.Sync(context.Background(), 1, 2, "test")
	require.NoError(t, err)
	assert.Equal(t, "held", res.SessionID)
	assert.Equal(t, int64(0), dir.lookupCalls.Load())
}

func TestControllerAdopt(t *testing.T) {
	dir := newFakeDirectory()
	ctrl, store := newTestController(dir, newFakeProjects())

	res, err := ctrl.Sync(context.Background(), 1, 2, "test")
	require.NoError(t, err)
	require.True(t, res.Created)

	msgs := []types.Message{{ID: "m1", Sender: types.SenderUser, Text: "first message"}}
	store.ReplaceMessages(msgs)

	require.True(t, ctrl.Adopt("srv-789"))
	assert.Equal(t, "srv-789", store.SessionID())
	assert.Equal(t, "srv-789", store.GetMarker().SessionID)
	if diff := cmp.Diff(msgs, store.Messages()); diff != "" {
		t.Errorf("messages changed during adoption (-want +got):\n%s", diff)
	}

	// Second delivery of the same id is a no-op.
	assert.False(t, ctrl.Adopt("srv-789"))
}

func TestControllerRotate(t *testing.T) {
	t.Run("requires an active session", func(t *testing.T) {
		ctrl, _ := newTestController(newFakeDirectory(), newFakeProjects())
		_, err := ctrl.Rotate(context.Background(), 1, 2)
		assert.ErrorIs(t, err, ErrNoActiveSession)
	})

	t.Run("installs backend session and divider", func(t *testing.T) {
		dir := newFakeDirectory()
		dir.setLookup(Key{RoleID: 1, ProjectID: 2}, LookupResult{SessionID: "sess-old"})
		dir.rotateResult = RotateResult{
			NewSessionID: "sess-new",
			Divider:      &types.Message{Sender: types.SenderSystem, Text: "summarized"},
		}
		ctrl, store := newTestController(dir, newFakeProjects())

		_, err := ctrl.Sync(context.Background(), 1, 2, "test")
		require.NoError(t, err)

		res, err := ctrl.Rotate(context.Background(), 1, 2)
		require.NoError(t, err)
		assert.Equal(t, "sess-new", res.SessionID)

		msgs := store.Messages()
		require.Len(t, msgs, 1)
		assert.Equal(t, "summarized", msgs[0].Text)
		assert.Equal(t, "sess-new", msgs[0].SessionID)
	})

	t.Run("generates a local id when the backend leaves it empty", func(t *testing.T) {
		dir := newFakeDirectory()
		dir.setLookup(Key{RoleID: 1, ProjectID: 2}, LookupResult{SessionID: "sess-old"})
		ctrl, store := newTestController(dir, newFakeProjects())

		_, err := ctrl.Sync(context.Background(), 1, 2, "test")
		require.NoError(t, err)

		res, err := ctrl.Rotate(context.Background(), 1, 2)
		require.NoError(t, err)
		assert.True(t, strings.HasPrefix(res.SessionID, "local-"))
		assert.Equal(t, res.SessionID, store.SessionID())
	})

	t.Run("propagates trigger failure without touching the store", func(t *testing.T) {
		dir := newFakeDirectory()
		dir.setLookup(Key{RoleID: 1, ProjectID: 2}, LookupResult{SessionID: "sess-old"})
		ctrl, store := newTestController(dir, newFakeProjects())

		_, err := ctrl.Sync(context.Background(), 1, 2, "test")
		require.NoError(t, err)

		dir.rotateErr = errors.New("rotation unavailable")
		_, err = ctrl.Rotate(context.Background(), 1, 2)
		require.Error(t, err)
		assert.Equal(t, "sess-old", store.SessionID())
	})
}
