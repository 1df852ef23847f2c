package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/zerverless/jobqueue/internal/task"
	"github.com/zerverless/jobqueue/internal/ws"
)

type Options struct {
	HeartbeatInterval time.Duration
	ReconnectDelay    time.Duration
}

// Worker is a remote consumer: it connects to a ws.Server, runs the jobs it
// is handed and reports their results.
type Worker struct {
	url           string
	id            string
	opts          Options
	executor      *task.Executor
	jobsCompleted int
}

func New(url string, executor *task.Executor) *Worker {
	return NewWithOptions(url, executor, Options{})
}

func NewWithOptions(url string, executor *task.Executor, opts Options) *Worker {
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 30 * time.Second
	}
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = 5 * time.Second
	}
	return &Worker{url: url, opts: opts, executor: executor}
}

func (w *Worker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
			if err := w.connect(ctx); err != nil && ctx.Err() == nil {
				log.Printf("Connection error: %v, reconnecting in %s...", err, w.opts.ReconnectDelay)
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(w.opts.ReconnectDelay):
				}
			}
		}
	}
}

func (w *Worker) connect(ctx context.Context) error {
	log.Printf("Connecting to %s...", w.url)

	conn, _, err := websocket.Dial(ctx, w.url, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "goodbye")

	var ack ws.AckMessage
	if err := wsjson.Read(ctx, conn, &ack); err != nil {
		return fmt.Errorf("read ack: %w", err)
	}

	w.id = ack.WorkerID
	log.Printf("Connected! ID: %s", w.id)

	if err := w.sendReady(ctx, conn); err != nil {
		return fmt.Errorf("send ready: %w", err)
	}

	hbCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go w.heartbeat(hbCtx, conn)

	return w.messageLoop(ctx, conn)
}

func (w *Worker) messageLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}

		var base ws.BaseMessage
		if err := json.Unmarshal(data, &base); err != nil {
			log.Printf("Invalid message: %v", err)
			continue
		}

		switch base.Type {
		case ws.TypeJob:
			var j ws.JobMessage
			if err := json.Unmarshal(data, &j); err != nil {
				log.Printf("Invalid job message: %v", err)
				continue
			}
			if err := w.executeJob(ctx, conn, j); err != nil {
				return err
			}

		case ws.TypeHeartbeat:
			// Server acknowledged

		default:
			log.Printf("Unknown message type: %s", base.Type)
		}
	}
}

func (w *Worker) executeJob(ctx context.Context, conn *websocket.Conn, j ws.JobMessage) error {
	log.Printf("Executing job: %s (%s/%s)", j.JobID, j.Task.Runtime, j.Task.Name)

	result := w.executor.Run(ctx, j.Task, j.Input)

	msg := ws.ResultMessage{
		Type:   ws.TypeResult,
		JobID:  j.JobID,
		Result: result,
	}
	if err := wsjson.Write(ctx, conn, msg); err != nil {
		return fmt.Errorf("send result: %w", err)
	}

	w.jobsCompleted++
	log.Printf("Job completed: %s -> %s (total: %d)", j.JobID, result.Kind, w.jobsCompleted)

	return w.sendReady(ctx, conn)
}

func (w *Worker) sendReady(ctx context.Context, conn *websocket.Conn) error {
	return wsjson.Write(ctx, conn, ws.ReadyMessage{Type: ws.TypeReady})
}

func (w *Worker) heartbeat(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(w.opts.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			msg := ws.HeartbeatMessage{Type: ws.TypeHeartbeat, Timestamp: time.Now().UTC()}
			if err := wsjson.Write(ctx, conn, msg); err != nil {
				return
			}
		}
	}
}
