package job

import (
	"fmt"
	"sort"
	"sync"
)

// Store is the job table. Implementations are safe for concurrent use, but
// state transitions are serialized by the queue that owns the store.
type Store interface {
	Add(j *Job) error
	Get(id string) (*Job, error)
	Update(j *Job) error
	Delete(id string) error
	// NextQueued returns the queued job with the lowest Seq, or nil.
	NextQueued() (*Job, error)
	List(state State) ([]*Job, error)
	Stats() (queued, running, done int)
	Close() error
}

type MemoryStore struct {
	mu    sync.RWMutex
	jobs  map[string]*Job
	order []string // FIFO order
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs:  make(map[string]*Job),
		order: make([]string, 0),
	}
}

func (s *MemoryStore) Add(j *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[j.ID] = j
	s.order = append(s.order, j.ID)
	return nil
}

func (s *MemoryStore) Get(id string) (*Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return j, nil
}

func (s *MemoryStore) Update(j *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[j.ID]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, j.ID)
	}
	s.jobs[j.ID] = j
	return nil
}

func (s *MemoryStore) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[id]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	delete(s.jobs, id)
	for i, oid := range s.order {
		if oid == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return nil
}

func (s *MemoryStore) NextQueued() (*Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, id := range s.order {
		if j := s.jobs[id]; j.State == StateQueued {
			return j, nil
		}
	}
	return nil, nil
}

func (s *MemoryStore) List(state State) ([]*Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Job
	for _, id := range s.order {
		if j := s.jobs[id]; state == "" || j.State == state {
			out = append(out, j)
		}
	}
	return out, nil
}

func (s *MemoryStore) Stats() (queued, running, done int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, j := range s.jobs {
		switch j.State {
		case StateQueued:
			queued++
		case StateRunning:
			running++
		case StateDone:
			done++
		}
	}
	return
}

func (s *MemoryStore) Close() error { return nil }

func sortBySeq(jobs []*Job) {
	sort.Slice(jobs, func(i, k int) bool {
		return jobs[i].Seq < jobs[k].Seq
	})
}
