package volunteer

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusIdle Status = "idle"
	StatusBusy Status = "busy"
)

// Volunteer is a remote worker connected over websocket.
type Volunteer struct {
	mu            sync.RWMutex
	ID            string    `json:"id"`
	ConnectedAt   time.Time `json:"connected_at"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
	Status        Status    `json:"status"`
	CurrentJobID  string    `json:"current_job_id,omitempty"`
	JobsCompleted int       `json:"jobs_completed"`
	JobsFailed    int       `json:"jobs_failed"`
	UserAgent     string    `json:"user_agent,omitempty"`
}

func New() *Volunteer {
	now := time.Now().UTC()
	return &Volunteer{
		ID:            uuid.NewString(),
		ConnectedAt:   now,
		LastHeartbeat: now,
		Status:        StatusIdle,
	}
}

func (v *Volunteer) UpdateHeartbeat() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.LastHeartbeat = time.Now().UTC()
}

func (v *Volunteer) SetBusy(jobID string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.Status = StatusBusy
	v.CurrentJobID = jobID
}

// SetIdle clears the current job. A job counts as completed when the worker
// produced a verdict, whether success or failed.
func (v *Volunteer) SetIdle(succeeded bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.Status = StatusIdle
	v.CurrentJobID = ""
	if succeeded {
		v.JobsCompleted++
	} else {
		v.JobsFailed++
	}
}

func (v *Volunteer) snapshot() (status Status, completed, failed int) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.Status, v.JobsCompleted, v.JobsFailed
}
