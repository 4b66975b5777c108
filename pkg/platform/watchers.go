package platform

import "sync"

// watcherRegistry deduplicates per-container watch goroutines. Reconcile may
// fire on every tick for a container that already has a watcher; ensure
// starts one only when none is running.
type watcherRegistry struct {
	mu     sync.Mutex
	active map[string]struct{}
}

func newWatcherRegistry() *watcherRegistry {
	return &watcherRegistry{active: make(map[string]struct{})}
}

// ensure runs start in a new goroutine unless a watcher for the id is
// already live. start receives a release callback it must invoke on exit.
func (r *watcherRegistry) ensure(id string, start func(release func())) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.active[id]; ok {
		return
	}
	r.active[id] = struct{}{}

	release := func() {
		r.mu.Lock()
		delete(r.active, id)
		r.mu.Unlock()
	}
	go start(release)
}

func (r *watcherRegistry) watching(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.active[id]
	return ok
}
