package job

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

type State string

const (
	StateQueued  State = "queued"
	StateRunning State = "running"
	StateDone    State = "done"
)

// Task describes the grading work to perform. The queue never inspects it;
// only the task executor on the worker side does.
type Task struct {
	Name           string `json:"name"`
	Course         string `json:"course,omitempty"`
	Runtime        string `json:"runtime"`
	Code           string `json:"code,omitempty"`
	TimeoutSeconds int    `json:"timeout_seconds,omitempty"`
	MaxMemoryMB    int    `json:"max_memory_mb,omitempty"`
}

func (t Task) Validate() error {
	if t.Name == "" {
		return fmt.Errorf("%w: missing name", ErrInvalidTask)
	}
	if t.TimeoutSeconds < 0 || t.MaxMemoryMB < 0 {
		return fmt.Errorf("%w: negative limits", ErrInvalidTask)
	}
	return nil
}

// Timeout returns the execution budget, falling back to def when unset.
func (t Task) Timeout(def time.Duration) time.Duration {
	if t.TimeoutSeconds <= 0 {
		return def
	}
	return time.Duration(t.TimeoutSeconds) * time.Second
}

// Callback is notified once, asynchronously, after a job reaches StateDone.
type Callback interface {
	JobDone(id string)
}

type CallbackFunc func(id string)

func (f CallbackFunc) JobDone(id string) { f(id) }

type channelCallback chan<- string

func (c channelCallback) JobDone(id string) { c <- id }

// NotifyChannel returns a Callback that posts the job id on ch.
// The send blocks the dispatching goroutine, so ch should be buffered.
func NotifyChannel(ch chan<- string) Callback {
	return channelCallback(ch)
}

type Job struct {
	ID          string         `json:"id"`
	Seq         uint64         `json:"seq"`
	Task        Task           `json:"task"`
	Input       map[string]any `json:"input,omitempty"`
	State       State          `json:"state"`
	Result      *Result        `json:"result,omitempty"`
	Callback    Callback       `json:"-"`
	HasCallback bool           `json:"has_callback,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	StartedAt   *time.Time     `json:"started_at,omitempty"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
}

func New(t Task, input map[string]any, cb Callback) *Job {
	return &Job{
		ID:          uuid.NewString(),
		Task:        t,
		Input:       input,
		State:       StateQueued,
		Callback:    cb,
		HasCallback: cb != nil,
		CreatedAt:   time.Now().UTC(),
	}
}

// Start moves a queued job to running.
func (j *Job) Start() error {
	if j.State != StateQueued {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidState, j.State, StateRunning)
	}
	now := time.Now().UTC()
	j.State = StateRunning
	j.StartedAt = &now
	return nil
}

// Finish attaches r and moves a running job to done.
func (j *Job) Finish(r *Result) error {
	if j.State != StateRunning {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidState, j.State, StateDone)
	}
	now := time.Now().UTC()
	j.State = StateDone
	j.Result = r
	j.CompletedAt = &now
	return nil
}
