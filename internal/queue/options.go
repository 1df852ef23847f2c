package queue

import "github.com/zerverless/jobqueue/internal/job"

type options struct {
	store           job.Store
	capacity        int
	callbackWorkers int
	callbackBuffer  int
}

func defaultOptions() options {
	return options{
		store:           job.NewMemoryStore(),
		callbackWorkers: 4,
		callbackBuffer:  256,
	}
}

// Option configures a Queue.
type Option func(*options)

// WithStore sets the job table. The default is an in-memory store.
func WithStore(s job.Store) Option {
	return func(o *options) { o.store = s }
}

// WithCapacity bounds the number of queued jobs. AddJob fails with
// job.ErrQueueFull once the bound is reached. Zero means unbounded.
func WithCapacity(n int) Option {
	return func(o *options) { o.capacity = n }
}

// WithCallbackWorkers sets how many goroutines run completion callbacks.
func WithCallbackWorkers(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.callbackWorkers = n
		}
	}
}

// WithCallbackBuffer sets how many callbacks may wait for a free goroutine.
func WithCallbackBuffer(n int) Option {
	return func(o *options) {
		if n >= 0 {
			o.callbackBuffer = n
		}
	}
}
