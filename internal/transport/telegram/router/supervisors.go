package router

import (
	"sort"
	"sync"

	rtsup "tierbot/internal/runtime/supervisor"
)

// SupervisorRegistry tracks subsystem supervisors for the status command.
// A nil registry ignores writes.
type SupervisorRegistry struct {
	mu sync.RWMutex
	m  map[string]*rtsup.Supervisor
}

func NewSupervisorRegistry() *SupervisorRegistry {
	return &SupervisorRegistry{m: map[string]*rtsup.Supervisor{}}
}

// Set registers sup under name; a nil sup deletes the entry.
func (r *SupervisorRegistry) Set(name string, sup *rtsup.Supervisor) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if sup == nil {
		delete(r.m, name)
		return
	}
	r.m[name] = sup
}

func (r *SupervisorRegistry) Delete(name string) { r.Set(name, nil) }

type SupervisorStatus struct {
	Name     string
	Counters rtsup.Counters
	Err      error
}

// Status lists registered supervisors sorted by name.
func (r *SupervisorRegistry) Status() []SupervisorStatus {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	out := make([]SupervisorStatus, 0, len(r.m))
	for name, s := range r.m {
		out = append(out, SupervisorStatus{Name: name, Counters: s.Counters(), Err: s.Err()})
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
