package worker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"runtime/debug"
	"sync"
	"time"

	"github.com/zerverless/jobqueue/internal/job"
	"github.com/zerverless/jobqueue/internal/queue"
	"github.com/zerverless/jobqueue/internal/task"
)

// Pool runs jobs in-process: each goroutine loops claiming a job from the
// receiver, executing it and reporting the result.
type Pool struct {
	receiver    queue.Receiver
	executor    *task.Executor
	concurrency int
	retryDelay  time.Duration
}

func NewPool(receiver queue.Receiver, executor *task.Executor, concurrency int) *Pool {
	if concurrency <= 0 {
		concurrency = 1
	}
	return &Pool{
		receiver:    receiver,
		executor:    executor,
		concurrency: concurrency,
		retryDelay:  time.Second,
	}
}

// Run blocks until ctx is done or the queue is closed.
func (p *Pool) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for i := 0; i < p.concurrency; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			p.loop(ctx, n)
		}(i)
	}
	wg.Wait()
	return ctx.Err()
}

func (p *Pool) loop(ctx context.Context, n int) {
	for {
		j, err := p.receiver.GetNextJob(ctx)
		if err != nil {
			if errors.Is(err, queue.ErrClosed) || ctx.Err() != nil {
				return
			}
			log.Printf("Pool worker %d: claim failed: %v", n, err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(p.retryDelay):
			}
			continue
		}

		result := p.execute(ctx, j)
		if err := p.report(j, result); err != nil {
			log.Printf("Pool worker %d: job %s stranded in running: %v", n, j.ID, err)
			continue
		}
		log.Printf("Pool worker %d: job %s finished", n, j.ID)
	}
}

// report finalizes j with result, falling back to an error result when the
// queue refuses it.
func (p *Pool) report(j *job.Job, result *job.Result) error {
	err := p.receiver.SetResult(j.ID, result)
	if err == nil {
		return nil
	}
	log.Printf("Failed to set %s result for job %s: %v", result.Kind, j.ID, err)

	fallback := job.NewResult(j.Task, j.Input, job.KindError, "failed to record result: "+err.Error())
	return p.receiver.SetResult(j.ID, fallback)
}

func (p *Pool) execute(ctx context.Context, j *job.Job) (result *job.Result) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("Job %s panicked: %v\n%s", j.ID, r, debug.Stack())
			result = job.NewResult(j.Task, j.Input, job.KindError, fmt.Sprintf("panic: %v", r))
		}
	}()
	return p.executor.Run(ctx, j.Task, j.Input)
}
