package job

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/zerverless/jobqueue/internal/db"
)

const keyPrefix = "jobs/"

// PersistentStore keeps the job table in badger so queued jobs and
// unconsumed results survive a restart. Callbacks are process-local and are
// never persisted.
type PersistentStore struct {
	dbStore *db.Store
}

func NewPersistentStore(dbStore *db.Store) *PersistentStore {
	return &PersistentStore{dbStore: dbStore}
}

func (s *PersistentStore) Add(j *Job) error {
	return s.put(j)
}

func (s *PersistentStore) put(j *Job) error {
	data, err := json.Marshal(j)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	if err := s.dbStore.Set(keyPrefix+j.ID, data); err != nil {
		return fmt.Errorf("store job: %w", err)
	}
	return nil
}

func (s *PersistentStore) Get(id string) (*Job, error) {
	data, err := s.dbStore.Get(keyPrefix + id)
	if errors.Is(err, db.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}

	var j Job
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("unmarshal job: %w", err)
	}
	return &j, nil
}

func (s *PersistentStore) Update(j *Job) error {
	if _, err := s.dbStore.Get(keyPrefix + j.ID); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrNotFound, j.ID)
		}
		return fmt.Errorf("get job: %w", err)
	}
	return s.put(j)
}

func (s *PersistentStore) Delete(id string) error {
	err := s.dbStore.Delete(keyPrefix + id)
	if errors.Is(err, db.ErrNotFound) {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return err
}

func (s *PersistentStore) NextQueued() (*Job, error) {
	queued, err := s.List(StateQueued)
	if err != nil || len(queued) == 0 {
		return nil, err
	}
	return queued[0], nil
}

// List returns jobs in the given state (all when empty) ordered by Seq.
func (s *PersistentStore) List(state State) ([]*Job, error) {
	var out []*Job
	err := s.dbStore.Scan(keyPrefix, func(key string, value []byte) error {
		var j Job
		if err := json.Unmarshal(value, &j); err != nil {
			return fmt.Errorf("unmarshal %s: %w", key, err)
		}
		if state == "" || j.State == state {
			out = append(out, &j)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sortBySeq(out)
	return out, nil
}

func (s *PersistentStore) Stats() (queued, running, done int) {
	all, err := s.List("")
	if err != nil {
		return 0, 0, 0
	}
	for _, j := range all {
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

func (s *PersistentStore) Close() error {
	return s.dbStore.Close()
}
