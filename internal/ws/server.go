package ws

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"sync"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/zerverless/jobqueue/internal/job"
	"github.com/zerverless/jobqueue/internal/queue"
	"github.com/zerverless/jobqueue/internal/volunteer"
)

type Options struct {
	// DefaultTimeout applies to tasks without their own timeout.
	DefaultTimeout time.Duration
	// Grace is added to a task's timeout before the watchdog fires.
	Grace time.Duration
}

// Server lets remote workers consume a queue over websocket. It claims a
// job on a worker's behalf when the worker reports ready and relays the
// worker's result back into the queue.
type Server struct {
	vm       *volunteer.Manager
	receiver queue.Receiver
	opts     Options
}

func NewServer(vm *volunteer.Manager, receiver queue.Receiver, opts Options) *Server {
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = 30 * time.Second
	}
	if opts.Grace <= 0 {
		opts.Grace = 10 * time.Second
	}
	return &Server{vm: vm, receiver: receiver, opts: opts}
}

// session is the server side of one worker connection. At most one job is
// in flight per session; whichever of result, watchdog or disconnect takes
// it first finalizes it.
type session struct {
	conn *websocket.Conn
	v    *volunteer.Volunteer

	mu       sync.Mutex
	claiming bool
	current  *job.Job
	timer    *time.Timer
}

func (s *session) begin(j *job.Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.claiming = false
	s.current = j
}

// watch attaches the watchdog timer for jobID, stopping it if the job was
// already taken.
func (s *session) watch(timer *time.Timer, jobID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil || s.current.ID != jobID {
		timer.Stop()
		return
	}
	s.timer = timer
}

// take clears the in-flight job if its id is jobID (any job when empty).
func (s *session) take(jobID string) (*job.Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil || (jobID != "" && s.current.ID != jobID) {
		return nil, false
	}
	j := s.current
	s.current = nil
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	return j, true
}

func (s *Server) HandleVolunteer(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		log.Printf("WebSocket accept error: %v", err)
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "goodbye")

	v := volunteer.New()
	v.UserAgent = r.UserAgent()
	s.vm.Add(v)
	defer s.vm.Remove(v.ID)

	ctx, cancel := context.WithCancel(r.Context())
	sess := &session{conn: conn, v: v}
	var claims sync.WaitGroup
	defer func() {
		cancel()
		claims.Wait()
		if j, ok := sess.take(""); ok {
			s.finalize(sess, j, nil, job.KindError, "worker disconnected")
		}
	}()

	ack := AckMessage{
		Type:     TypeAck,
		WorkerID: v.ID,
		Message:  "Welcome!",
	}
	if err := wsjson.Write(ctx, conn, ack); err != nil {
		log.Printf("Failed to send ack: %v", err)
		return
	}

	s.handleMessages(ctx, sess, &claims)
}

func (s *Server) handleMessages(ctx context.Context, sess *session, claims *sync.WaitGroup) {
	v := sess.v
	for {
		_, data, err := sess.conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != websocket.StatusNormalClosure && ctx.Err() == nil {
				log.Printf("WebSocket read error: %v", err)
			}
			return
		}

		var msg BaseMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			log.Printf("Invalid message format: %v", err)
			continue
		}

		switch msg.Type {
		case TypeReady:
			sess.mu.Lock()
			busy := sess.claiming || sess.current != nil
			if !busy {
				sess.claiming = true
			}
			sess.mu.Unlock()
			if busy {
				continue
			}
			claims.Add(1)
			go func() {
				defer claims.Done()
				s.dispatch(ctx, sess)
			}()

		case TypeHeartbeat:
			v.UpdateHeartbeat()
			hb := HeartbeatMessage{Type: TypeHeartbeat, Timestamp: time.Now().UTC()}
			wsjson.Write(ctx, sess.conn, hb)

		case TypeResult:
			var res ResultMessage
			if err := json.Unmarshal(data, &res); err != nil {
				log.Printf("Invalid result message: %v", err)
				continue
			}
			j, ok := sess.take(res.JobID)
			if !ok {
				log.Printf("Worker %s sent result for job %s it does not hold", v.ID, res.JobID)
				continue
			}
			log.Printf("Worker %s completed job %s", v.ID, res.JobID)
			if res.Result == nil {
				s.finalize(sess, j, nil, job.KindError, "worker sent no result")
				continue
			}
			s.finalize(sess, j, res.Result, "", "")

		case TypeQuit:
			log.Printf("Worker %s quit", v.ID)
			return

		default:
			log.Printf("Unknown message type: %s", msg.Type)
		}
	}
}

// dispatch blocks until a job is available, claims it and sends it to the
// session's worker.
func (s *Server) dispatch(ctx context.Context, sess *session) {
	j, err := s.receiver.GetNextJob(ctx)
	if err != nil {
		sess.mu.Lock()
		sess.claiming = false
		sess.mu.Unlock()
		if !errors.Is(err, context.Canceled) && !errors.Is(err, queue.ErrClosed) {
			log.Printf("Failed to claim job for worker %s: %v", sess.v.ID, err)
		}
		return
	}

	limit := j.Task.Timeout(s.opts.DefaultTimeout) + s.opts.Grace
	sess.v.SetBusy(j.ID)
	sess.begin(j)
	sess.watch(time.AfterFunc(limit, func() {
		if taken, ok := sess.take(j.ID); ok {
			log.Printf("Job %s exceeded %s on worker %s", j.ID, limit, sess.v.ID)
			s.finalize(sess, taken, nil, job.KindTimeout, "no result within "+limit.String())
		}
	}), j.ID)

	msg := JobMessage{
		Type:  TypeJob,
		JobID: j.ID,
		Task:  j.Task,
		Input: j.Input,
	}

	writeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := wsjson.Write(writeCtx, sess.conn, msg); err != nil {
		log.Printf("Failed to send job to %s: %v", sess.v.ID, err)
		if taken, ok := sess.take(j.ID); ok {
			s.finalize(sess, taken, nil, job.KindError, "dispatch failed: "+err.Error())
		}
		return
	}

	log.Printf("Dispatched job %s to worker %s", j.ID, sess.v.ID)
}

// finalize reports r for j, or a forced result of kind k when r is nil.
// A worker result the queue rejects as malformed is replaced by an error
// result so the job still reaches done.
func (s *Server) finalize(sess *session, j *job.Job, r *job.Result, k job.Kind, text string) {
	if r == nil {
		r = job.NewResult(j.Task, j.Input, k, text)
	}
	err := s.receiver.SetResult(j.ID, r)
	if errors.Is(err, job.ErrInvalidResult) {
		log.Printf("Worker %s sent malformed result for job %s: %v", sess.v.ID, j.ID, err)
		r = job.NewResult(j.Task, j.Input, job.KindError, "malformed result: "+err.Error())
		err = s.receiver.SetResult(j.ID, r)
	}
	if err != nil {
		log.Printf("Failed to set result for job %s: %v", j.ID, err)
	}
	sess.v.SetIdle(err == nil && (r.Kind == job.KindSuccess || r.Kind == job.KindFailed))
}
