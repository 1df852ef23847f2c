package queue

import (
	"log"
	"runtime/debug"
	"sync"

	"github.com/zerverless/jobqueue/internal/job"
)

type notification struct {
	id string
	cb job.Callback
}

// Notifier runs completion callbacks off the caller's goroutine. Dispatch
// never blocks: when every worker is busy and the buffer is full the
// callback gets its own goroutine.
type Notifier struct {
	mu     sync.RWMutex
	tasks  chan notification
	wg     sync.WaitGroup
	closed bool
}

func NewNotifier(workers, buffer int) *Notifier {
	if workers <= 0 {
		workers = 1
	}
	n := &Notifier{tasks: make(chan notification, buffer)}
	for i := 0; i < workers; i++ {
		n.wg.Add(1)
		go n.worker()
	}
	return n
}

func (n *Notifier) worker() {
	defer n.wg.Done()
	for t := range n.tasks {
		invoke(t)
	}
}

func (n *Notifier) Dispatch(id string, cb job.Callback) {
	t := notification{id: id, cb: cb}

	n.mu.RLock()
	defer n.mu.RUnlock()

	if n.closed {
		go invoke(t)
		return
	}

	select {
	case n.tasks <- t:
	default:
		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			invoke(t)
		}()
	}
}

// Close waits for every dispatched callback to return.
func (n *Notifier) Close() {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return
	}
	n.closed = true
	close(n.tasks)
	n.mu.Unlock()

	n.wg.Wait()
}

func invoke(t notification) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("Callback for job %s panicked: %v\n%s", t.id, r, debug.Stack())
		}
	}()
	t.cb.JobDone(t.id)
}
