package peer

import (
	"fmt"
	"sync"
)

// Registry is the process-wide set of connected sessions, keyed by uid.
// Fresh sessions get a zero-padded guest uid; renames are uniqueness-checked.
type Registry struct {
	mu        sync.Mutex
	byUID     map[string]*Session
	nextGuest int
}

func NewRegistry() *Registry {
	return &Registry{byUID: make(map[string]*Session)}
}

// register assigns the session a guest uid and adds it to the set.
func (r *Registry) register(s *Session) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextGuest++
	uid := fmt.Sprintf("guest-%05d", r.nextGuest)
	r.byUID[uid] = s
	return uid
}

// rename moves a session to a new uid if it is free.
func (r *Registry) rename(s *Session, newUID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, taken := r.byUID[newUID]; taken {
		return false
	}
	delete(r.byUID, s.UID())
	r.byUID[newUID] = s
	s.setUID(newUID)
	return true
}

func (r *Registry) remove(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.byUID[s.UID()] == s {
		delete(r.byUID, s.UID())
	}
}

// Sessions snapshots the connected set.
func (r *Registry) Sessions() []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Session, 0, len(r.byUID))
	for _, s := range r.byUID {
		out = append(out, s)
	}
	return out
}

func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byUID)
}
