package state

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is the mutex-guarded in-memory Store used by tests and
// single-node development runs.
type MemoryStore struct {
	mu      sync.Mutex
	planets map[string]PlanetRecord
	servers map[string]ServerRecord
	history []TaskHistoryRecord
	nextID  int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		planets: make(map[string]PlanetRecord),
		servers: make(map[string]ServerRecord),
		history: make([]TaskHistoryRecord, 0, 128),
		nextID:  1,
	}
}

func (m *MemoryStore) CreatePlanet(_ context.Context, planet PlanetRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.planets[planet.ID]; ok {
		return ErrPlanetExists
	}
	now := time.Now().UTC()
	if planet.CreatedAt.IsZero() {
		planet.CreatedAt = now
	}
	planet.UpdatedAt = now
	m.planets[planet.ID] = planet
	return nil
}

func (m *MemoryStore) GetPlanet(_ context.Context, planetID string) (PlanetRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.planets[planetID]
	return p, ok, nil
}

func (m *MemoryStore) UpdatePlanet(_ context.Context, planet PlanetRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	planet.UpdatedAt = time.Now().UTC()
	m.planets[planet.ID] = planet
	return nil
}

func (m *MemoryStore) DeletePlanet(_ context.Context, planetID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.planets, planetID)
	return nil
}

func (m *MemoryStore) ListPlanetsByStatus(_ context.Context, status string, limit int) ([]PlanetRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]PlanetRecord, 0)
	for _, p := range m.planets {
		if status != "" && p.Status != status {
			continue
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NextRoundTime.Before(out[j].NextRoundTime) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) ListDuePlanets(_ context.Context, now time.Time, limit int) ([]PlanetRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]PlanetRecord, 0)
	for _, p := range m.planets {
		if p.Status != PlanetQueued {
			continue
		}
		if p.NextRoundTime.After(now) {
			continue
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NextRoundTime.Before(out[j].NextRoundTime) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) CountPlanetsByStatus(_ context.Context, status string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, p := range m.planets {
		if p.Status == status {
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) UpsertServer(_ context.Context, server ServerRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if server.LastHeartbeat.IsZero() {
		server.LastHeartbeat = time.Now().UTC()
	}
	m.servers[server.ID] = server
	return nil
}

func (m *MemoryStore) GetServer(_ context.Context, serverID string) (ServerRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.servers[serverID]
	return s, ok, nil
}

func (m *MemoryStore) UpdateServer(_ context.Context, server ServerRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.servers[server.ID] = server
	return nil
}

func (m *MemoryStore) ListServers(_ context.Context) ([]ServerRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]ServerRecord, 0, len(m.servers))
	for _, s := range m.servers {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) ListServersByStatus(_ context.Context, statuses ...string) ([]ServerRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	want := make(map[string]bool, len(statuses))
	for _, s := range statuses {
		want[s] = true
	}
	out := make([]ServerRecord, 0)
	for _, s := range m.servers {
		if len(want) > 0 && !want[s.Status] {
			continue
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) CountServersByStatus(_ context.Context, status string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, s := range m.servers {
		if s.Status == status {
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) InsertTaskHistory(_ context.Context, row TaskHistoryRecord) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row.ID = m.nextID
	m.nextID++
	if row.StartTime.IsZero() {
		row.StartTime = time.Now().UTC()
	}
	m.history = append(m.history, row)
	return row.ID, nil
}

func (m *MemoryStore) LatestTaskHistory(_ context.Context, planetID string, statuses []string) (TaskHistoryRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	want := make(map[string]bool, len(statuses))
	for _, s := range statuses {
		want[s] = true
	}
	best := TaskHistoryRecord{}
	found := false
	for _, row := range m.history {
		if row.PlanetID != planetID {
			continue
		}
		if len(want) > 0 && !want[row.Status] {
			continue
		}
		if !found || row.StartTime.After(best.StartTime) || (row.StartTime.Equal(best.StartTime) && row.ID > best.ID) {
			best = row
			found = true
		}
	}
	return best, found, nil
}

func (m *MemoryStore) UpdateTaskHistory(_ context.Context, row TaskHistoryRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.history {
		if m.history[i].ID == row.ID {
			m.history[i] = row
			return nil
		}
	}
	return nil
}

func (m *MemoryStore) ListTaskHistory(_ context.Context, limit int) ([]TaskHistoryRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]TaskHistoryRecord, len(m.history))
	copy(out, m.history)
	// Newest first for the dashboard feed.
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartTime.Equal(out[j].StartTime) {
			return out[i].ID > out[j].ID
		}
		return out[i].StartTime.After(out[j].StartTime)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
