package ws

import (
	"time"

	"github.com/zerverless/jobqueue/internal/job"
)

const (
	TypeReady     = "ready"
	TypeResult    = "result"
	TypeHeartbeat = "heartbeat"
	TypeQuit      = "quit"
	TypeAck       = "ack"
	TypeJob       = "job"
)

type BaseMessage struct {
	Type string `json:"type"`
}

// Worker → Server

type ReadyMessage struct {
	Type string `json:"type"`
}

type ResultMessage struct {
	Type   string      `json:"type"`
	JobID  string      `json:"job_id"`
	Result *job.Result `json:"result"`
}

type HeartbeatMessage struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp,omitempty"`
}

// Server → Worker

type AckMessage struct {
	Type     string `json:"type"`
	WorkerID string `json:"worker_id"`
	Message  string `json:"message"`
}

type JobMessage struct {
	Type  string         `json:"type"`
	JobID string         `json:"job_id"`
	Task  job.Task       `json:"task"`
	Input map[string]any `json:"input"`
}
