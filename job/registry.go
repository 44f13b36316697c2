package job

import (
	"context"
	"errors"
	"sort"
	"sync"
)

// ErrAlreadyActive is returned when a channel already has a registered job
var ErrAlreadyActive = errors.New("a job is already active for this channel")

// Registry tracks at most one live job per channel
type Registry struct {
	mu    sync.Mutex
	jobs  map[string]*Job
	empty chan struct{} // closed while no job is registered
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	empty := make(chan struct{})
	close(empty)
	return &Registry{
		jobs:  make(map[string]*Job),
		empty: empty,
	}
}

// TryBegin registers j for its channel unless another job holds it
func (r *Registry) TryBegin(j *Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.jobs[j.channelID]; ok {
		return ErrAlreadyActive
	}
	if len(r.jobs) == 0 {
		r.empty = make(chan struct{})
	}
	r.jobs[j.channelID] = j
	return nil
}

// Lookup returns the live job of channelID, or nil
func (r *Registry) Lookup(channelID string) *Job {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.jobs[channelID]
}

// End removes j. Only the registered job itself is removed, so a stale
// caller can never evict a newer job. It reports whether j was removed.
func (r *Registry) End(j *Job) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.jobs[j.channelID] != j {
		return false
	}
	delete(r.jobs, j.channelID)
	if len(r.jobs) == 0 {
		close(r.empty)
	}
	return true
}

// Active returns the live jobs ordered by channel id
func (r *Registry) Active() []*Job {
	r.mu.Lock()
	jobs := make([]*Job, 0, len(r.jobs))
	for _, j := range r.jobs {
		jobs = append(jobs, j)
	}
	r.mu.Unlock()

	sort.Slice(jobs, func(a, b int) bool { return jobs[a].channelID < jobs[b].channelID })
	return jobs
}

// Len returns the number of live jobs
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.jobs)
}

// Wait blocks until no job is registered or ctx is done
func (r *Registry) Wait(ctx context.Context) error {
	r.mu.Lock()
	empty := r.empty
	r.mu.Unlock()

	select {
	case <-empty:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
