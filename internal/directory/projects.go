package directory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"chatcore/internal/logging"
	"chatcore/internal/types"

	"golang.org/x/sync/singleflight"
)

// ProjectLister is the upstream project-list fetch (the directory client).
type ProjectLister interface {
	Projects(ctx context.Context, roleID int64) ([]types.Project, error)
}

type cachedProjects struct {
	projects  []types.Project
	fetchedAt time.Time
}

// ProjectCache caches project lists per role with TTL freshness and
// coalesces concurrent fetches for the same role into one upstream call.
// It implements session.ProjectSource.
type ProjectCache struct {
	upstream ProjectLister
	ttl      time.Duration

	sf singleflight.Group

	mu      sync.Mutex
	entries map[int64]cachedProjects
}

// NewProjectCache wraps the upstream lister with a TTL cache.
func NewProjectCache(upstream ProjectLister, ttl time.Duration) *ProjectCache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &ProjectCache{
		upstream: upstream,
		ttl:      ttl,
		entries:  make(map[int64]cachedProjects),
	}
}

// Projects returns the project list for a role, serving from cache when
// fresh. Concurrent callers for the same role share one fetch.
func (p *ProjectCache) Projects(ctx context.Context, roleID int64) ([]types.Project, error) {
	p.mu.Lock()
	if entry, ok := p.entries[roleID]; ok && time.Since(entry.fetchedAt) < p.ttl {
		projects := entry.projects
		p.mu.Unlock()
		return projects, nil
	}
	p.mu.Unlock()

	v, err, shared := p.sf.Do(fmt.Sprintf("projects:%d", roleID), func() (interface{}, error) {
		projects, err := p.upstream.Projects(ctx, roleID)
		if err != nil {
			return nil, err
		}
		p.mu.Lock()
		p.entries[roleID] = cachedProjects{projects: projects, fetchedAt: time.Now()}
		p.mu.Unlock()
		return projects, nil
	})
	if err != nil {
		return nil, err
	}
	if shared {
		logging.DirectoryDebug("Project fetch for role %d coalesced", roleID)
	}
	return v.([]types.Project), nil
}

// Invalidate drops the cached list for a role (e.g. after project
// creation elsewhere).
func (p *ProjectCache) Invalidate(roleID int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.entries, roleID)
}
