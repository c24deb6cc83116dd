// Package registry maps connected workers to their live sessions. It is
// process-local: the Store remembers every worker ever seen, the registry
// only knows who is reachable right now.
package registry

import (
	"context"
	"sort"
	"sync"

	"github.com/alamin-khalid/planet-orchestrator/internal/state"
)

// Session is the registry's view of a worker channel: enough to dispatch
// frames and tear the channel down.
type Session interface {
	TrySend(v any) bool
	Close()
}

type Registry struct {
	mu       sync.RWMutex
	sessions map[string]Session
	store    state.Store
}

func New(store state.Store) *Registry {
	return &Registry{
		sessions: make(map[string]Session),
		store:    store,
	}
}

// Attach registers a session for server_id, returning the session it
// replaced (nil if none). Re-attachment replaces the prior session; the
// caller closes the returned one.
func (r *Registry) Attach(serverID string, s Session) Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	prev := r.sessions[serverID]
	r.sessions[serverID] = s
	return prev
}

// Detach removes the session for server_id, but only if it is still the
// registered one — a reconnect may already have replaced it.
func (r *Registry) Detach(serverID string, s Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.sessions[serverID]
	if !ok || (s != nil && cur != s) {
		return false
	}
	delete(r.sessions, serverID)
	return true
}

func (r *Registry) Get(serverID string) (Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[serverID]
	return s, ok
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// IdleCandidates resolves workers eligible for assignment: store status
// idle AND a live session, least-loaded first (total_completed ascending,
// ties by connected_at). A worker the store still shows idle but whose
// session is gone is skipped; the health loop reconciles it.
func (r *Registry) IdleCandidates(ctx context.Context, limit int) ([]state.ServerRecord, error) {
	servers, err := r.store.ListServersByStatus(ctx, state.ServerIdle)
	if err != nil {
		return nil, err
	}

	r.mu.RLock()
	live := make(map[string]bool, len(r.sessions))
	for id := range r.sessions {
		live[id] = true
	}
	r.mu.RUnlock()

	out := make([]state.ServerRecord, 0, len(servers))
	for _, s := range servers {
		if !live[s.ID] {
			continue
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].TotalCompleted != out[j].TotalCompleted {
			return out[i].TotalCompleted < out[j].TotalCompleted
		}
		return out[i].ConnectedAt.Before(out[j].ConnectedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
