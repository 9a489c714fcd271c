package session

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"chatcore/internal/logging"
	"chatcore/internal/types"

	"github.com/google/uuid"
)

// LookupResult is the session directory's answer for a (role, project)
// pair. An empty SessionID means "no prior session".
type LookupResult struct {
	SessionID string
	Messages  []types.Message
	Summaries []types.Summary
}

// RotateResult is the rotation trigger's answer. An empty NewSessionID
// means the backend left id generation to the client.
type RotateResult struct {
	NewSessionID string
	Divider      *types.Message
}

// Directory is the session directory collaborator as seen by the sync
// controller. Implemented by the HTTP client in internal/directory and by
// fakes in tests.
type Directory interface {
	Lookup(ctx context.Context, roleID, projectID int64) (LookupResult, error)
	History(ctx context.Context, projectID, roleID int64, sessionID string) ([]types.Message, error)
	RotateSession(ctx context.Context, roleID, projectID int64, sessionID string) (RotateResult, error)
}

// ProjectSource resolves the project list for a role. Implementations are
// expected to cache and coalesce (see directory.ProjectCache).
type ProjectSource interface {
	Projects(ctx context.Context, roleID int64) ([]types.Project, error)
}

// Key identifies one sync target.
type Key struct {
	RoleID    int64
	ProjectID int64
}

// Result describes the outcome of a sync request.
type Result struct {
	Key       Key
	SessionID string
	Restored  bool // prior session restored from the directory
	Created   bool // fresh placeholder session created
	Stale     bool // job superseded; the store was not touched
}

type inflightJob struct {
	done   chan struct{}
	result Result
	err    error
}

// Controller guarantees exactly-once, race-free resolution of "restore
// prior session" vs "create new session" per (role, project) key.
// Concurrent callers for the same key coalesce onto one job; a global
// version counter fences out results of superseded jobs.
type Controller struct {
	store    *Store
	dir      Directory
	projects ProjectSource

	version  atomic.Int64
	mu       sync.Mutex
	inflight map[Key]*inflightJob
}

// NewController wires a sync controller over the given store and
// collaborators.
func NewController(store *Store, dir Directory, projects ProjectSource) *Controller {
	return &Controller{
		store:    store,
		dir:      dir,
		projects: projects,
		inflight: make(map[Key]*inflightJob),
	}
}

// Sync ensures the store reflects either a restored or a freshly created
// session for (roleID, projectID). A non-positive projectID is resolved to
// the role's first project; a role with no projects yields an empty but
// ready state. Callers for the same key share one underlying job.
func (c *Controller) Sync(ctx context.Context, roleID, projectID int64, caller string) (Result, error) {
	if roleID <= 0 {
		logging.SyncWarn("Rejecting sync with invalid role id %d (caller=%s)", roleID, caller)
		return Result{}, ErrInvalidRole
	}

	if c.store.ManualSyncSkip() {
		logging.SyncDebug("Manual sync skip active; returning current state (caller=%s)", caller)
		return Result{SessionID: c.store.SessionID()}, nil
	}

	if projectID <= 0 {
		resolved, ok := c.resolveProject(ctx, roleID)
		if !ok {
			// Never block the UI on a missing project.
			logging.Sync("No projects for role %d; presenting empty ready state (caller=%s)", roleID, caller)
			c.store.SetEmptyReady()
			return Result{Key: Key{RoleID: roleID}}, nil
		}
		projectID = resolved
	}
	key := Key{RoleID: roleID, ProjectID: projectID}

	// Fast paths on a consistent view: already synchronized, or the
	// post-reload case where only the in-memory id is missing.
	snap := c.store.Snapshot()
	if snap.Marker != nil && snap.Marker.Matches(roleID, projectID) {
		if snap.Ready && snap.SessionID != "" && snap.SessionID == snap.Marker.SessionID {
			logging.SyncDebug("Already synchronized for role=%d project=%d (caller=%s)", roleID, projectID, caller)
			return Result{Key: key, SessionID: snap.SessionID}, nil
		}
		if snap.SessionID == "" && snap.Marker.SessionID != "" {
			if id, ok := c.store.AdoptFromMarker(); ok {
				return Result{Key: key, SessionID: id, Restored: true}, nil
			}
		}
	}

	// Coalesce with any in-flight job for the same key.
	c.mu.Lock()
	if job, ok := c.inflight[key]; ok {
		c.mu.Unlock()
		logging.SyncDebug("Joining in-flight sync for role=%d project=%d (caller=%s)", roleID, projectID, caller)
		select {
		case <-job.done:
			return job.result, job.err
		case <-ctx.Done():
			return Result{}, ctx.Err()
		}
	}
	job := &inflightJob{done: make(chan struct{})}
	c.inflight[key] = job
	c.mu.Unlock()

	res, err := func() (Result, error) {
		// Cleanup always runs, success or failure.
		defer func() {
			c.mu.Lock()
			delete(c.inflight, key)
			c.mu.Unlock()
		}()
		return c.runJob(ctx, key, caller)
	}()
	job.result, job.err = res, err
	close(job.done)
	return res, err
}

// resolveProject picks the role's first project from the cached list.
func (c *Controller) resolveProject(ctx context.Context, roleID int64) (int64, bool) {
	projects, err := c.projects.Projects(ctx, roleID)
	if err != nil {
		logging.SyncWarn("Project list fetch failed for role %d: %v", roleID, err)
		return 0, false
	}
	if len(projects) == 0 {
		return 0, false
	}
	return projects[0].ID, true
}

// runJob performs one fenced restore-or-create pass. It owns the store for
// the duration of the job unless a newer job supersedes it, in which case
// its result is discarded without touching the store.
func (c *Controller) runJob(ctx context.Context, key Key, caller string) (Result, error) {
	v := c.version.Add(1)
	timer := logging.StartTimer(logging.CategorySync, fmt.Sprintf("sync role=%d project=%d", key.RoleID, key.ProjectID))
	defer timer.Stop()

	logging.Sync("Sync job v=%d starting: role=%d project=%d caller=%s", v, key.RoleID, key.ProjectID, caller)
	c.store.SetReady(false)

	lookup, err := c.dir.Lookup(ctx, key.RoleID, key.ProjectID)
	if err != nil {
		// Restore failures are soft: fall through to the create path.
		logging.SyncWarn("Directory lookup failed for role=%d project=%d: %v (treating as no prior session)",
			key.RoleID, key.ProjectID, err)
		lookup = LookupResult{}
	}
	if c.superseded(v) {
		logging.Sync("Sync job v=%d superseded after lookup; discarding", v)
		return Result{Key: key, Stale: true}, nil
	}

	if lookup.SessionID != "" {
		return c.restore(ctx, key, v, lookup)
	}
	return c.create(key, v)
}

// restore applies the directory's prior session: authoritative history
// fetch, then a single atomic store update.
func (c *Controller) restore(ctx context.Context, key Key, v int64, lookup LookupResult) (Result, error) {
	history, err := c.dir.History(ctx, key.ProjectID, key.RoleID, lookup.SessionID)
	if err != nil {
		logging.SyncWarn("History fetch failed for session %s: %v (using lookup payload)", lookup.SessionID, err)
		history = lookup.Messages
	}
	if c.superseded(v) {
		logging.Sync("Sync job v=%d superseded after history fetch; discarding", v)
		return Result{Key: key, Stale: true}, nil
	}

	messages := make([]types.Message, 0, len(lookup.Summaries)+len(history))
	for _, sum := range lookup.Summaries {
		messages = append(messages, sum.AsMessage())
	}
	messages = append(messages, history...)
	stampMessages(messages, key, lookup.SessionID)

	marker := types.SessionMarker{RoleID: key.RoleID, ProjectID: key.ProjectID, SessionID: lookup.SessionID}
	c.store.ApplySync(lookup.SessionID, marker, messages)

	logging.Sync("Restored session %s for role=%d project=%d (%d messages)",
		lookup.SessionID, key.RoleID, key.ProjectID, len(messages))
	return Result{Key: key, SessionID: lookup.SessionID, Restored: true}, nil
}

// create starts a fresh session under a locally generated placeholder id.
// The store goes ready immediately; the first message exchange may return
// an authoritative id which Adopt swaps in.
func (c *Controller) create(key Key, v int64) (Result, error) {
	placeholder := localSessionID()
	marker := types.SessionMarker{RoleID: key.RoleID, ProjectID: key.ProjectID, SessionID: placeholder}
	c.store.ApplySync(placeholder, marker, nil)

	logging.Sync("Created session %s for role=%d project=%d (v=%d)", placeholder, key.RoleID, key.ProjectID, v)
	return Result{Key: key, SessionID: placeholder, Created: true}, nil
}

// superseded reports whether a newer sync job has started since v.
func (c *Controller) superseded(v int64) bool {
	return c.version.Load() != v
}

// Adopt reconciles a backend-issued session id with the local placeholder.
// Idempotent; returns whether a swap happened.
func (c *Controller) Adopt(authoritative string) bool {
	return c.store.AdoptSessionID(authoritative)
}

// Rotate asks the rotation collaborator for a replacement session and, on
// success, installs it atomically (messages reduced to the divider).
func (c *Controller) Rotate(ctx context.Context, roleID, projectID int64) (Result, error) {
	if roleID <= 0 {
		return Result{}, ErrInvalidRole
	}
	current := c.store.SessionID()
	if current == "" {
		return Result{}, ErrNoActiveSession
	}

	res, err := c.dir.RotateSession(ctx, roleID, projectID, current)
	if err != nil {
		return Result{}, fmt.Errorf("rotation trigger: %w", err)
	}
	newID := res.NewSessionID
	if newID == "" {
		newID = localSessionID()
	}
	c.store.Rotate(newID, res.Divider)
	return Result{Key: Key{RoleID: roleID, ProjectID: projectID}, SessionID: newID}, nil
}

// localSessionID generates a placeholder id that is valid locally and
// recognizable in logs, and cannot collide with backend-issued ids.
func localSessionID() string {
	return "local-" + uuid.NewString()
}

// stampMessages fills in session/role/project on messages that arrived
// without them.
func stampMessages(msgs []types.Message, key Key, sessionID string) {
	for i := range msgs {
		if msgs[i].SessionID == "" {
			msgs[i].SessionID = sessionID
		}
		if msgs[i].RoleID == 0 {
			msgs[i].RoleID = key.RoleID
		}
		if msgs[i].ProjectID == 0 {
			msgs[i].ProjectID = key.ProjectID
		}
	}
}
