package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/zerverless/jobqueue/internal/job"
)

var _ JobQueue = (*RedisQueue)(nil)

// addScript pushes a job hash and its id onto the queued list, refusing
// when the list already holds capacity ids.
var addScript = redis.NewScript(`
local cap = tonumber(ARGV[1])
if cap > 0 and redis.call('LLEN', KEYS[2]) >= cap then
  return redis.error_reply('queue full')
end
redis.call('HSET', KEYS[1], 'state', 'queued', 'seq', ARGV[2], 'payload', ARGV[3])
redis.call('LPUSH', KEYS[2], ARGV[4])
redis.call('HINCRBY', KEYS[3], 'queued', 1)
return 1
`)

// claimScript takes ARGV[1] off the processing list and moves its hash to
// running. Ids whose job is no longer queued are dropped.
var claimScript = redis.NewScript(`
redis.call('LREM', KEYS[3], 1, ARGV[1])
if redis.call('HGET', KEYS[1], 'state') ~= 'queued' then
  return false
end
redis.call('HSET', KEYS[1], 'state', 'running')
redis.call('HINCRBY', KEYS[2], 'queued', -1)
redis.call('HINCRBY', KEYS[2], 'running', 1)
return redis.call('HGET', KEYS[1], 'payload')
`)

// requeueScript returns ARGV[1] from the processing list to the consumer
// end of the queued list if its job was never claimed.
var requeueScript = redis.NewScript(`
if redis.call('LREM', KEYS[2], 1, ARGV[1]) == 0 then
  return 0
end
if redis.call('HGET', KEYS[1], 'state') ~= 'queued' then
  return 0
end
redis.call('RPUSH', KEYS[3], ARGV[1])
return 1
`)

// sweepScript requeues every id left on the processing list by a receiver
// that died between moving and claiming it. ARGV[1] is the job key prefix.
var sweepScript = redis.NewScript(`
local n = 0
for _, id in ipairs(redis.call('LRANGE', KEYS[1], 0, -1)) do
  redis.call('LREM', KEYS[1], 1, id)
  if redis.call('HGET', ARGV[1] .. id, 'state') == 'queued' then
    redis.call('RPUSH', KEYS[2], id)
    n = n + 1
  end
end
return n
`)

var finishScript = redis.NewScript(`
local state = redis.call('HGET', KEYS[1], 'state')
if not state then
  return redis.error_reply('not found')
end
if state ~= 'running' then
  return redis.error_reply('invalid state ' .. state)
end
redis.call('HSET', KEYS[1], 'state', 'done', 'result', ARGV[1])
redis.call('HINCRBY', KEYS[2], 'running', -1)
redis.call('HINCRBY', KEYS[2], 'done', 1)
redis.call('PUBLISH', KEYS[3], ARGV[2])
return 1
`)

var consumeScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'state') ~= 'done' then
  return false
end
local r = redis.call('HGET', KEYS[1], 'result')
redis.call('DEL', KEYS[1])
redis.call('HINCRBY', KEYS[2], 'done', -1)
return r
`)

type RedisOptions struct {
	// Prefix namespaces every key and the completion channel.
	Prefix          string
	Capacity        int
	PollTimeout     time.Duration
	CallbackWorkers int
}

// RedisQueue is a JobQueue whose table lives in redis, so producers and
// workers may run in different processes. Callbacks stay in the process
// that registered them and are fired from a completion channel.
type RedisQueue struct {
	rdb      *redis.Client
	opts     RedisOptions
	pubsub   *redis.PubSub
	notifier *Notifier

	mu        sync.Mutex
	callbacks map[string]job.Callback

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

type redisPayload struct {
	Task        job.Task       `json:"task"`
	Input       map[string]any `json:"input,omitempty"`
	Seq         uint64         `json:"seq"`
	HasCallback bool           `json:"has_callback,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
}

func NewRedisQueue(connectionURL string, opts RedisOptions) (*RedisQueue, error) {
	options, err := redis.ParseURL(connectionURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(options)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	if opts.Prefix == "" {
		opts.Prefix = "jobqueue:"
	}
	if opts.PollTimeout <= 0 {
		opts.PollTimeout = time.Second
	}

	q := &RedisQueue{
		rdb:       rdb,
		opts:      opts,
		notifier:  NewNotifier(opts.CallbackWorkers, 256),
		callbacks: make(map[string]job.Callback),
		done:      make(chan struct{}),
	}

	q.pubsub = rdb.Subscribe(context.Background(), q.doneChannel())
	if _, err := q.pubsub.Receive(ctx); err != nil {
		q.pubsub.Close()
		rdb.Close()
		return nil, fmt.Errorf("subscribe: %w", err)
	}

	if err := q.requeueStranded(ctx); err != nil {
		q.pubsub.Close()
		rdb.Close()
		return nil, err
	}

	q.wg.Add(1)
	go q.listen()
	return q, nil
}

func (q *RedisQueue) jobKey(id string) string { return q.opts.Prefix + "job:" + id }
func (q *RedisQueue) queuedKey() string       { return q.opts.Prefix + "queued" }
func (q *RedisQueue) processingKey() string   { return q.opts.Prefix + "processing" }
func (q *RedisQueue) statsKey() string        { return q.opts.Prefix + "stats" }
func (q *RedisQueue) seqKey() string          { return q.opts.Prefix + "seq" }
func (q *RedisQueue) doneChannel() string     { return q.opts.Prefix + "done" }

// requeueStranded puts back ids a dead receiver moved off the queued list
// but never claimed.
func (q *RedisQueue) requeueStranded(ctx context.Context) error {
	n, err := sweepScript.Run(ctx, q.rdb, []string{q.processingKey(), q.queuedKey()}, q.opts.Prefix+"job:").Int()
	if err != nil {
		return fmt.Errorf("requeue stranded jobs: %w", err)
	}
	if n > 0 {
		log.Printf("Requeued %d stranded jobs", n)
	}
	return nil
}

func (q *RedisQueue) listen() {
	defer q.wg.Done()
	for msg := range q.pubsub.Channel() {
		q.mu.Lock()
		cb, ok := q.callbacks[msg.Payload]
		delete(q.callbacks, msg.Payload)
		q.mu.Unlock()
		if ok {
			q.notifier.Dispatch(msg.Payload, cb)
		}
	}
}

func (q *RedisQueue) closed() bool {
	select {
	case <-q.done:
		return true
	default:
		return false
	}
}

func (q *RedisQueue) AddJob(t job.Task, input map[string]any, cb job.Callback) (string, error) {
	if err := t.Validate(); err != nil {
		return "", err
	}
	if q.closed() {
		return "", ErrClosed
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	seq, err := q.rdb.Incr(ctx, q.seqKey()).Uint64()
	if err != nil {
		return "", fmt.Errorf("next seq: %w", err)
	}

	j := job.New(t, input, cb)
	payload, err := json.Marshal(redisPayload{
		Task:        j.Task,
		Input:       j.Input,
		Seq:         seq,
		HasCallback: j.HasCallback,
		CreatedAt:   j.CreatedAt,
	})
	if err != nil {
		return "", fmt.Errorf("marshal job: %w", err)
	}

	// Register first so a fast worker cannot finish before we listen.
	if cb != nil {
		q.mu.Lock()
		q.callbacks[j.ID] = cb
		q.mu.Unlock()
	}

	keys := []string{q.jobKey(j.ID), q.queuedKey(), q.statsKey()}
	err = addScript.Run(ctx, q.rdb, keys, q.opts.Capacity, seq, payload, j.ID).Err()
	if err != nil {
		if cb != nil {
			q.mu.Lock()
			delete(q.callbacks, j.ID)
			q.mu.Unlock()
		}
		if strings.Contains(err.Error(), "queue full") {
			return "", fmt.Errorf("%w: capacity %d", job.ErrQueueFull, q.opts.Capacity)
		}
		return "", fmt.Errorf("add job: %w", err)
	}
	return j.ID, nil
}

func (q *RedisQueue) state(id string) job.State {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	s, err := q.rdb.HGet(ctx, q.jobKey(id), "state").Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			log.Printf("Failed to read state of job %s: %v", id, err)
		}
		return ""
	}
	return job.State(s)
}

func (q *RedisQueue) IsRunning(id string) bool {
	s := q.state(id)
	return s == job.StateQueued || s == job.StateRunning
}

func (q *RedisQueue) IsDone(id string) bool {
	return q.state(id) == job.StateDone
}

func (q *RedisQueue) GetResult(id string) (*job.Result, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	raw, err := consumeScript.Run(ctx, q.rdb, []string{q.jobKey(id), q.statsKey()}).Text()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			log.Printf("Failed to read result of job %s: %v", id, err)
		}
		return nil, false
	}

	var r job.Result
	if err := json.Unmarshal([]byte(raw), &r); err != nil {
		log.Printf("Failed to decode result of job %s: %v", id, err)
		return nil, false
	}
	return &r, true
}

func (q *RedisQueue) GetNextJob(ctx context.Context) (*job.Job, error) {
	for {
		if q.closed() {
			return nil, ErrClosed
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		id, err := q.rdb.BLMove(ctx, q.queuedKey(), q.processingKey(), "RIGHT", "LEFT", q.opts.PollTimeout).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if q.closed() {
				return nil, ErrClosed
			}
			return nil, fmt.Errorf("pop job: %w", err)
		}

		j, err := q.claim(id)
		if err != nil {
			q.requeue(id)
			return nil, err
		}
		if j != nil {
			return j, nil
		}
	}
}

func (q *RedisQueue) claim(id string) (*job.Job, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	keys := []string{q.jobKey(id), q.statsKey(), q.processingKey()}
	raw, err := claimScript.Run(ctx, q.rdb, keys, id).Text()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim job %s: %w", id, err)
	}

	var p redisPayload
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return nil, fmt.Errorf("decode job %s: %w", id, err)
	}

	now := time.Now().UTC()
	j := &job.Job{
		ID:          id,
		Seq:         p.Seq,
		Task:        p.Task,
		Input:       p.Input,
		State:       job.StateRunning,
		HasCallback: p.HasCallback,
		CreatedAt:   p.CreatedAt,
		StartedAt:   &now,
	}
	q.mu.Lock()
	j.Callback = q.callbacks[id]
	q.mu.Unlock()
	return j, nil
}

// requeue returns an unclaimed id to the front of the queue after a failed
// claim. When redis is unreachable it stays on the processing list for the
// next sweep.
func (q *RedisQueue) requeue(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	keys := []string{q.jobKey(id), q.processingKey(), q.queuedKey()}
	if err := requeueScript.Run(ctx, q.rdb, keys, id).Err(); err != nil {
		log.Printf("Failed to requeue job %s: %v", id, err)
	}
}

func (q *RedisQueue) SetResult(id string, r *job.Result) error {
	if err := r.Validate(); err != nil {
		return err
	}
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	keys := []string{q.jobKey(id), q.statsKey(), q.doneChannel()}
	err = finishScript.Run(ctx, q.rdb, keys, data, id).Err()
	switch {
	case err == nil:
		return nil
	case strings.Contains(err.Error(), "not found"):
		return fmt.Errorf("%w: %s", job.ErrNotFound, id)
	case strings.Contains(err.Error(), "invalid state"):
		return fmt.Errorf("%w: %v", job.ErrInvalidState, err)
	default:
		return fmt.Errorf("finish job: %w", err)
	}
}

func (q *RedisQueue) Stats() Stats {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	var s struct {
		Queued  int `redis:"queued"`
		Running int `redis:"running"`
		Done    int `redis:"done"`
	}
	if err := q.rdb.HMGet(ctx, q.statsKey(), "queued", "running", "done").Scan(&s); err != nil {
		log.Printf("Failed to read stats: %v", err)
		return Stats{}
	}
	return Stats{Queued: s.Queued, Running: s.Running, Done: s.Done}
}

// Close stops blocked receivers, the completion listener and the client.
// Callbacks for jobs finished elsewhere after Close are not delivered.
func (q *RedisQueue) Close() error {
	var err error
	q.closeOnce.Do(func() {
		close(q.done)
		q.pubsub.Close()
		q.wg.Wait()
		q.notifier.Close()
		err = q.rdb.Close()
	})
	return err
}
