// Package session implements chatcore's session lifecycle coordination:
// the canonical session state store, the race-free sync controller, and the
// lifecycle manager that sequences login, logout, and page-load restore.
package session

import (
	"context"
	"sync"
	"time"

	"chatcore/internal/logging"
	"chatcore/internal/types"

	"github.com/google/uuid"
)

// MarkerPersister persists the durable session marker. Implemented by the
// SQLite local store; persistence is a side effect of SetMarker.
type MarkerPersister interface {
	SaveMarker(m types.SessionMarker) error
	ClearMarker() error
}

// ReleaseFunc releases one transient resource handle (e.g. revokes a
// temporary object URL) attached to a message leaving the store.
type ReleaseFunc func(handle string)

// Snapshot is an immutable copy of the store state handed to observers.
type Snapshot struct {
	SessionID      string               `json:"session_id"`
	Ready          bool                 `json:"ready"`
	Marker         *types.SessionMarker `json:"marker,omitempty"`
	Messages       []types.Message      `json:"messages"`
	ManualSyncSkip bool                 `json:"manual_sync_skip,omitempty"`
}

// Store is the single source of truth for session identity, readiness, and
// the message list. It performs no I/O of its own; the only side effects of
// a mutation are marker persistence (via the injected persister), transient
// handle release, and subscriber notification.
type Store struct {
	mu             sync.Mutex
	sessionID      string
	ready          bool
	marker         *types.SessionMarker
	messages       []types.Message
	manualSyncSkip bool

	persist MarkerPersister // optional
	release ReleaseFunc     // optional

	subs    map[int]chan Snapshot
	nextSub int

	waiters    map[int]*readyWaiter
	nextWaiter int
}

type readyWaiter struct {
	roleID    int64
	projectID int64
	ch        chan string // buffered; receives the session id exactly once
}

// StoreOption customizes a Store at construction.
type StoreOption func(*Store)

// WithMarkerPersister wires marker persistence into SetMarker and friends.
func WithMarkerPersister(p MarkerPersister) StoreOption {
	return func(s *Store) { s.persist = p }
}

// WithReleaseFunc wires the transient-handle release hook.
func WithReleaseFunc(f ReleaseFunc) StoreOption {
	return func(s *Store) { s.release = f }
}

// NewStore creates an empty, not-ready session store.
func NewStore(opts ...StoreOption) *Store {
	s := &Store{
		subs:    make(map[int]chan Snapshot),
		waiters: make(map[int]*readyWaiter),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// =============================================================================
// READ SIDE
// =============================================================================

// SessionID returns the in-memory session id ("" when none).
func (s *Store) SessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionID
}

// Ready reports whether the store is synchronized and usable.
func (s *Store) Ready() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ready
}

// GetMarker returns a copy of the current marker, or nil.
func (s *Store) GetMarker() *types.SessionMarker {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.marker == nil {
		return nil
	}
	m := *s.marker
	return &m
}

// Messages returns a copy of the message list.
func (s *Store) Messages() []types.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.Message, len(s.messages))
	copy(out, s.messages)
	return out
}

// ManualSyncSkip reports whether sync suppression is active.
func (s *Store) ManualSyncSkip() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.manualSyncSkip
}

// Snapshot returns a consistent copy of the whole state.
func (s *Store) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Store) snapshotLocked() Snapshot {
	snap := Snapshot{
		SessionID:      s.sessionID,
		Ready:          s.ready,
		ManualSyncSkip: s.manualSyncSkip,
		Messages:       make([]types.Message, len(s.messages)),
	}
	copy(snap.Messages, s.messages)
	if s.marker != nil {
		m := *s.marker
		snap.Marker = &m
	}
	return snap
}

// =============================================================================
// MUTATIONS
// =============================================================================

// SetMarker replaces the marker. Passing nil clears it. Persistence happens
// as a side effect; persistence failures are logged, never fatal.
func (s *Store) SetMarker(m *types.SessionMarker) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setMarkerLocked(m)
	s.afterMutationLocked()
}

func (s *Store) setMarkerLocked(m *types.SessionMarker) {
	if m == nil {
		s.marker = nil
		if s.persist != nil {
			if err := s.persist.ClearMarker(); err != nil {
				logging.Get(logging.CategorySession).Warn("Failed to clear persisted marker: %v", err)
			}
		}
		return
	}
	cp := *m
	s.marker = &cp
	if s.persist != nil {
		if err := s.persist.SaveMarker(cp); err != nil {
			logging.Get(logging.CategorySession).Warn("Failed to persist marker: %v", err)
		}
	}
}

// SetSessionID sets the in-memory session id and notifies any pending
// WaitForReady callers whose target is now satisfied.
func (s *Store) SetSessionID(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessionID = id
	s.afterMutationLocked()
}

// SetReady flips the readiness flag. Setting ready while the session id and
// marker disagree violates the store invariant and is logged.
func (s *Store) SetReady(ready bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ready && s.marker != nil && s.sessionID != s.marker.SessionID {
		logging.Get(logging.CategorySession).Warn(
			"SetReady(true) with session id %q != marker session id %q", s.sessionID, s.marker.SessionID)
	}
	s.ready = ready
	s.afterMutationLocked()
}

// SetManualSyncSkip toggles sync suppression (used during logout teardown).
func (s *Store) SetManualSyncSkip(skip bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.manualSyncSkip = skip
}

// AppendMessage adds a message to the list. Appending a message whose id is
// already present is a no-op, so retried deliveries are harmless. Messages
// without an id are assigned one.
func (s *Store) AppendMessage(msg types.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if msg.ID == "" {
		msg.ID = uuid.NewString()
	} else {
		for _, existing := range s.messages {
			if existing.ID == msg.ID {
				logging.SessionDebug("AppendMessage: duplicate id %s ignored", msg.ID)
				return
			}
		}
	}
	s.messages = append(s.messages, msg)
	s.afterMutationLocked()
}

// ReplaceMessages swaps the whole message list. Messages missing an id are
// assigned one. Transient handles held by the outgoing messages are
// released so previews and temporary URLs do not leak.
func (s *Store) ReplaceMessages(list []types.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.replaceMessagesLocked(list)
	s.afterMutationLocked()
}

func (s *Store) replaceMessagesLocked(list []types.Message) {
	next := make([]types.Message, len(list))
	copy(next, list)
	retained := make(map[string]struct{}, len(next))
	for i := range next {
		if next[i].ID == "" {
			next[i].ID = uuid.NewString()
		}
		retained[next[i].ID] = struct{}{}
	}
	// Release handles only for messages that do not carry over, so a
	// replace that keeps a message does not revoke its live previews.
	for _, old := range s.messages {
		if _, keep := retained[old.ID]; !keep {
			s.releaseHandlesLocked(old)
		}
	}
	s.messages = next
}

// RemoveMessage deletes the message with the given id, releasing its
// transient handles. Unknown ids are a no-op.
func (s *Store) RemoveMessage(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, msg := range s.messages {
		if msg.ID != id {
			continue
		}
		s.releaseHandlesLocked(msg)
		s.messages = append(s.messages[:i], s.messages[i+1:]...)
		s.afterMutationLocked()
		return
	}
}

// ApplySync atomically installs the outcome of a sync job: session id,
// marker, message list, ready=true. Used by the sync controller so that
// observers never see a half-applied restore.
func (s *Store) ApplySync(sessionID string, marker types.SessionMarker, messages []types.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	logging.SessionDebug("ApplySync: session=%s role=%d project=%d messages=%d",
		sessionID, marker.RoleID, marker.ProjectID, len(messages))

	s.replaceMessagesLocked(messages)
	s.sessionID = sessionID
	s.setMarkerLocked(&marker)
	s.ready = true
	s.afterMutationLocked()
}

// AdoptFromMarker covers the post-reload case: the persisted marker carries
// a session id but the in-memory id is still empty. It installs the
// marker's id and marks the store ready with no network activity.
// Returns the adopted id and whether adoption happened.
func (s *Store) AdoptFromMarker() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.marker == nil || s.marker.SessionID == "" || s.sessionID != "" {
		return "", false
	}
	s.sessionID = s.marker.SessionID
	s.ready = true
	logging.Session("Adopted persisted session %s for role=%d project=%d",
		s.sessionID, s.marker.RoleID, s.marker.ProjectID)
	s.afterMutationLocked()
	return s.sessionID, true
}

// AdoptSessionID reconciles a backend-issued authoritative session id with
// the locally held one. A no-op when the ids already match; otherwise the
// session id and marker are swapped atomically, keeping the message list.
// Returns whether a swap happened.
func (s *Store) AdoptSessionID(authoritative string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if authoritative == "" || authoritative == s.sessionID {
		return false
	}
	logging.Session("Adopting authoritative session id %s (was %s)", authoritative, s.sessionID)
	s.sessionID = authoritative
	if s.marker != nil {
		m := *s.marker
		m.SessionID = authoritative
		s.setMarkerLocked(&m)
	}
	s.afterMutationLocked()
	return true
}

// Rotate atomically replaces the active session after summarization: the
// new id goes into both the session id and the marker, the message list is
// reduced to the optional divider, and the store stays ready.
func (s *Store) Rotate(newSessionID string, divider *types.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	logging.Session("Rotating session %s -> %s", s.sessionID, newSessionID)

	var next []types.Message
	if divider != nil {
		d := *divider
		if d.ID == "" {
			d.ID = uuid.NewString()
		}
		d.SessionID = newSessionID
		next = []types.Message{d}
	}
	s.releaseAllLocked()
	s.messages = next
	s.sessionID = newSessionID
	if s.marker != nil {
		m := *s.marker
		m.SessionID = newSessionID
		s.setMarkerLocked(&m)
	}
	s.ready = true
	s.afterMutationLocked()
}

// SetEmptyReady presents a live but empty UI state: no session, no
// messages, ready=true. The marker is left alone; it still describes the
// last known session for its own (role, project) pair.
func (s *Store) SetEmptyReady() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.releaseAllLocked()
	s.messages = nil
	s.sessionID = ""
	s.ready = true
	s.afterMutationLocked()
}

// Reset clears everything on logout: marker (including its persisted copy),
// session id, messages, and readiness.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	logging.Session("Resetting session store")
	s.releaseAllLocked()
	s.messages = nil
	s.sessionID = ""
	s.setMarkerLocked(nil)
	s.ready = false
	s.afterMutationLocked()
}

// =============================================================================
// WAITERS AND SUBSCRIBERS
// =============================================================================

// WaitForReady blocks until the store is ready for the given (role,
// project) pair with a consistent session id, then returns that id. It
// fails with ErrWaitTimeout after the timeout and never mutates the store.
func (s *Store) WaitForReady(ctx context.Context, roleID, projectID int64, timeout time.Duration) (string, error) {
	s.mu.Lock()
	if id, ok := s.readyForLocked(roleID, projectID); ok {
		s.mu.Unlock()
		return id, nil
	}
	key := s.nextWaiter
	s.nextWaiter++
	w := &readyWaiter{roleID: roleID, projectID: projectID, ch: make(chan string, 1)}
	s.waiters[key] = w
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.waiters, key)
		s.mu.Unlock()
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case id := <-w.ch:
		return id, nil
	case <-ctx.Done():
		return "", ctx.Err()
	case <-timer.C:
		return "", ErrWaitTimeout
	}
}

func (s *Store) readyForLocked(roleID, projectID int64) (string, bool) {
	if !s.ready || s.marker == nil || s.sessionID == "" {
		return "", false
	}
	if !s.marker.Matches(roleID, projectID) || s.sessionID != s.marker.SessionID {
		return "", false
	}
	return s.sessionID, true
}

// Subscribe registers an observer. Every mutation delivers a fresh
// snapshot; slow consumers drop intermediate snapshots rather than block
// mutations. The returned cancel func unregisters and closes the channel.
func (s *Store) Subscribe() (<-chan Snapshot, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextSub
	s.nextSub++
	ch := make(chan Snapshot, 8)
	s.subs[id] = ch

	cancel := func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if c, ok := s.subs[id]; ok {
			delete(s.subs, id)
			close(c)
		}
	}
	return ch, cancel
}

// afterMutationLocked runs the post-mutation bookkeeping: satisfy waiters
// whose target is now ready, then fan the new snapshot out to subscribers.
func (s *Store) afterMutationLocked() {
	for key, w := range s.waiters {
		if id, ok := s.readyForLocked(w.roleID, w.projectID); ok {
			w.ch <- id // buffered; each waiter is signalled at most once
			delete(s.waiters, key)
		}
	}

	if len(s.subs) == 0 {
		return
	}
	snap := s.snapshotLocked()
	for _, ch := range s.subs {
		select {
		case ch <- snap:
		default: // drop for slow consumers
		}
	}
}

// =============================================================================
// TRANSIENT HANDLE RELEASE
// =============================================================================

func (s *Store) releaseAllLocked() {
	for _, msg := range s.messages {
		s.releaseHandlesLocked(msg)
	}
}

func (s *Store) releaseHandlesLocked(msg types.Message) {
	if s.release == nil || len(msg.TransientHandles) == 0 {
		return
	}
	for _, h := range msg.TransientHandles {
		s.release(h)
	}
}
