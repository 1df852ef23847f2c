package volunteer

import (
	"log"
	"sync"
)

type Stats struct {
	Connected int `json:"connected"`
	Idle      int `json:"idle"`
	Busy      int `json:"busy"`
	// Job counters of the workers currently connected.
	JobsCompleted int `json:"jobs_completed"`
	JobsFailed    int `json:"jobs_failed"`
}

type Manager struct {
	mu         sync.RWMutex
	volunteers map[string]*Volunteer
}

func NewManager() *Manager {
	return &Manager{
		volunteers: make(map[string]*Volunteer),
	}
}

func (m *Manager) Add(v *Volunteer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.volunteers[v.ID] = v
	log.Printf("Worker connected: %s (total: %d)", v.ID, len(m.volunteers))
}

func (m *Manager) Remove(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.volunteers, id)
	log.Printf("Worker disconnected: %s (total: %d)", id, len(m.volunteers))
}

func (m *Manager) Get(id string) (*Volunteer, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.volunteers[id]
	return v, ok
}

func (m *Manager) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := Stats{Connected: len(m.volunteers)}
	for _, v := range m.volunteers {
		status, completed, failed := v.snapshot()
		switch status {
		case StatusIdle:
			stats.Idle++
		case StatusBusy:
			stats.Busy++
		}
		stats.JobsCompleted += completed
		stats.JobsFailed += failed
	}
	return stats
}
