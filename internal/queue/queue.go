// Package queue implements the job lifecycle shared by producers and
// workers: a job is queued by a Sender, claimed by exactly one Receiver,
// finalized once with a result, and its result is read back exactly once.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/zerverless/jobqueue/internal/job"
)

var ErrClosed = errors.New("queue: closed")

// Sender is the producer-facing side of a job queue.
type Sender interface {
	// AddJob enqueues t with input and returns the new job id. cb, when
	// non-nil, is notified asynchronously once the job is done.
	AddJob(t job.Task, input map[string]any, cb job.Callback) (string, error)
	// IsRunning reports whether the job is queued or running.
	IsRunning(id string) bool
	// IsDone reports whether the job has a result waiting to be read.
	IsDone(id string) bool
	// GetResult returns the result of a done job and removes the job.
	// It returns false for unknown, unfinished and already-read jobs.
	GetResult(id string) (*job.Result, bool)
}

// Receiver is the worker-facing side of a job queue.
type Receiver interface {
	// GetNextJob blocks until a queued job is available and claims it.
	// It returns ErrClosed once the queue shuts down.
	GetNextJob(ctx context.Context) (*job.Job, error)
	// SetResult finalizes a running job.
	SetResult(id string, r *job.Result) error
}

type JobQueue interface {
	Sender
	Receiver
	Stats() Stats
	Close() error
}

type Stats struct {
	Queued  int `json:"queued"`
	Running int `json:"running"`
	Done    int `json:"done"`
}

var _ JobQueue = (*Queue)(nil)

// Queue is the reference JobQueue over a job.Store. All transitions are
// serialized by a single lock; callbacks run on a Notifier.
type Queue struct {
	mu        sync.RWMutex
	store     job.Store
	callbacks map[string]job.Callback
	seq       uint64
	queued    int
	capacity  int
	closed    bool

	// wake is closed and replaced whenever a job becomes claimable.
	wake chan struct{}
	done chan struct{}

	notifier *Notifier
}

// New creates a Queue. With a persistent store, jobs left running by a
// previous process are finalized as errors and queued jobs stay claimable.
func New(opts ...Option) (*Queue, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	q := &Queue{
		store:     o.store,
		callbacks: make(map[string]job.Callback),
		capacity:  o.capacity,
		wake:      make(chan struct{}),
		done:      make(chan struct{}),
		notifier:  NewNotifier(o.callbackWorkers, o.callbackBuffer),
	}
	if err := q.recover(); err != nil {
		q.notifier.Close()
		return nil, fmt.Errorf("recover jobs: %w", err)
	}
	return q, nil
}

func (q *Queue) recover() error {
	all, err := q.store.List("")
	if err != nil {
		return err
	}
	for _, j := range all {
		if j.Seq > q.seq {
			q.seq = j.Seq
		}
		switch j.State {
		case job.StateQueued:
			q.queued++
		case job.StateRunning:
			if err := j.Finish(job.NewResult(j.Task, j.Input, job.KindError, "worker lost")); err != nil {
				return err
			}
			if err := q.store.Update(j); err != nil {
				return err
			}
			log.Printf("Recovered job %s as error (worker lost)", j.ID)
		}
	}
	if q.queued > 0 {
		log.Printf("Recovered %d queued jobs", q.queued)
	}
	return nil
}

func (q *Queue) AddJob(t job.Task, input map[string]any, cb job.Callback) (string, error) {
	if err := t.Validate(); err != nil {
		return "", err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return "", ErrClosed
	}
	if q.capacity > 0 && q.queued >= q.capacity {
		return "", fmt.Errorf("%w: %d jobs waiting", job.ErrQueueFull, q.queued)
	}

	// The queue holds the callback in q.callbacks; the stored job only
	// records that one exists.
	j := job.New(t, input, cb)
	j.Callback = nil
	j.Seq = q.seq + 1
	if err := q.store.Add(j); err != nil {
		return "", fmt.Errorf("add job: %w", err)
	}
	q.seq = j.Seq
	q.queued++
	if cb != nil {
		q.callbacks[j.ID] = cb
	}

	close(q.wake)
	q.wake = make(chan struct{})
	return j.ID, nil
}

func (q *Queue) IsRunning(id string) bool {
	s, ok := q.state(id)
	return ok && (s == job.StateQueued || s == job.StateRunning)
}

func (q *Queue) IsDone(id string) bool {
	s, ok := q.state(id)
	return ok && s == job.StateDone
}

func (q *Queue) state(id string) (job.State, bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	j, err := q.store.Get(id)
	if err != nil {
		return "", false
	}
	return j.State, true
}

func (q *Queue) GetResult(id string) (*job.Result, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	j, err := q.store.Get(id)
	if err != nil || j.State != job.StateDone {
		return nil, false
	}
	if err := q.store.Delete(id); err != nil {
		log.Printf("Failed to delete job %s: %v", id, err)
		return nil, false
	}
	return j.Result, true
}

func (q *Queue) GetNextJob(ctx context.Context) (*job.Job, error) {
	for {
		j, wake, err := q.claim()
		if err != nil || j != nil {
			return j, err
		}

		select {
		case <-wake:
		case <-q.done:
			return nil, ErrClosed
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// claim transitions the oldest queued job to running. When nothing is
// queued it returns the channel that will be closed on the next add.
func (q *Queue) claim() (*job.Job, <-chan struct{}, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil, nil, ErrClosed
	}

	j, err := q.store.NextQueued()
	if err != nil {
		return nil, nil, fmt.Errorf("next job: %w", err)
	}
	if j == nil {
		return nil, q.wake, nil
	}

	if err := j.Start(); err != nil {
		return nil, nil, err
	}
	if err := q.store.Update(j); err != nil {
		return nil, nil, fmt.Errorf("claim job: %w", err)
	}
	q.queued--

	claimed := *j
	claimed.Callback = q.callbacks[j.ID]
	return &claimed, nil, nil
}

func (q *Queue) SetResult(id string, r *job.Result) error {
	if err := r.Validate(); err != nil {
		return err
	}

	q.mu.Lock()
	j, err := q.store.Get(id)
	if err != nil {
		q.mu.Unlock()
		return err
	}
	if err := j.Finish(r); err != nil {
		q.mu.Unlock()
		return err
	}
	if err := q.store.Update(j); err != nil {
		q.mu.Unlock()
		return fmt.Errorf("finish job: %w", err)
	}
	cb := q.callbacks[id]
	delete(q.callbacks, id)
	q.mu.Unlock()

	// The done state is committed before the callback is scheduled.
	if cb != nil {
		q.notifier.Dispatch(id, cb)
	}
	return nil
}

func (q *Queue) Stats() Stats {
	q.mu.RLock()
	defer q.mu.RUnlock()
	queued, running, done := q.store.Stats()
	return Stats{Queued: queued, Running: running, Done: done}
}

// Close wakes every blocked GetNextJob with ErrClosed and rejects further
// AddJob calls. Workers may still report results for jobs they hold.
// Pending callbacks are drained before Close returns.
func (q *Queue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	close(q.done)
	q.mu.Unlock()

	q.notifier.Close()
	return nil
}
