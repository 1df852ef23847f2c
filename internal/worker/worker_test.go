package worker

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/zerverless/jobqueue/internal/job"
	"github.com/zerverless/jobqueue/internal/queue"
	"github.com/zerverless/jobqueue/internal/task"
	"github.com/zerverless/jobqueue/internal/volunteer"
	"github.com/zerverless/jobqueue/internal/ws"
)

// Mock server for testing
type mockServer struct {
	t             *testing.T
	server        *httptest.Server
	connections   []*websocket.Conn
	mu            sync.Mutex
	jobResults    chan ws.ResultMessage
	readyReceived chan ws.ReadyMessage
}

func newMockServer(t *testing.T) *mockServer {
	m := &mockServer{
		t:             t,
		jobResults:    make(chan ws.ResultMessage, 10),
		readyReceived: make(chan ws.ReadyMessage, 10),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws/volunteer", m.handleVolunteer)
	m.server = httptest.NewServer(mux)

	return m
}

func (m *mockServer) handleVolunteer(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		m.t.Logf("accept error: %v", err)
		return
	}

	m.mu.Lock()
	m.connections = append(m.connections, conn)
	m.mu.Unlock()

	ack := ws.AckMessage{
		Type:     ws.TypeAck,
		WorkerID: "test-worker-123",
		Message:  "Welcome!",
	}
	wsjson.Write(r.Context(), conn, ack)

	for {
		_, data, err := conn.Read(r.Context())
		if err != nil {
			return
		}

		var base ws.BaseMessage
		json.Unmarshal(data, &base)

		switch base.Type {
		case ws.TypeReady:
			var msg ws.ReadyMessage
			json.Unmarshal(data, &msg)
			m.readyReceived <- msg
		case ws.TypeResult:
			var msg ws.ResultMessage
			json.Unmarshal(data, &msg)
			m.jobResults <- msg
		}
	}
}

func (m *mockServer) sendJob(msg ws.JobMessage) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, conn := range m.connections {
		wsjson.Write(context.Background(), conn, msg)
	}
}

func (m *mockServer) wsURL() string {
	return "ws" + strings.TrimPrefix(m.server.URL, "http") + "/ws/volunteer"
}

func (m *mockServer) close() {
	m.mu.Lock()
	for _, conn := range m.connections {
		conn.Close(websocket.StatusNormalClosure, "")
	}
	m.mu.Unlock()
	m.server.Close()
}

func newExecutor(t *testing.T) *task.Executor {
	e := task.NewExecutor(5 * time.Second)
	t.Cleanup(func() { e.Close(context.Background()) })
	return e
}

func TestWorker_ConnectsAndSendsReady(t *testing.T) {
	mock := newMockServer(t)
	defer mock.close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	w := New(mock.wsURL(), newExecutor(t))
	go w.Run(ctx)

	select {
	case ready := <-mock.readyReceived:
		if ready.Type != ws.TypeReady {
			t.Errorf("expected ready, got %q", ready.Type)
		}
	case <-ctx.Done():
		t.Fatal("timeout waiting for ready message")
	}
}

func TestWorker_ExecutesLuaJob(t *testing.T) {
	mock := newMockServer(t)
	defer mock.close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	w := New(mock.wsURL(), newExecutor(t))
	go w.Run(ctx)

	<-mock.readyReceived

	mock.sendJob(ws.JobMessage{
		Type:  ws.TypeJob,
		JobID: "test-job-001",
		Task: job.Task{
			Name:    "sum",
			Runtime: "lua",
			Code:    `return INPUT.a + INPUT.b == 8`,
		},
		Input: map[string]any{"a": 5, "b": 3},
	})

	select {
	case result := <-mock.jobResults:
		if result.JobID != "test-job-001" {
			t.Errorf("wrong job id: %s", result.JobID)
		}
		if result.Result == nil || result.Result.Kind != job.KindSuccess {
			t.Fatalf("expected success, got %+v", result.Result)
		}
		if result.Result.Task.Name != "sum" {
			t.Errorf("expected task echoed, got %+v", result.Result.Task)
		}
	case <-ctx.Done():
		t.Fatal("timeout waiting for result")
	}

	select {
	case <-mock.readyReceived:
	case <-ctx.Done():
		t.Fatal("expected ready after result")
	}
}

func TestWorker_ReportsCrashAsError(t *testing.T) {
	mock := newMockServer(t)
	defer mock.close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	w := New(mock.wsURL(), newExecutor(t))
	go w.Run(ctx)

	<-mock.readyReceived

	mock.sendJob(ws.JobMessage{
		Type:  ws.TypeJob,
		JobID: "bad-job-001",
		Task:  job.Task{Name: "broken", Runtime: "js", Code: `function broken(`},
	})

	select {
	case result := <-mock.jobResults:
		if result.Result == nil || result.Result.Kind != job.KindError {
			t.Fatalf("expected error result, got %+v", result.Result)
		}
		if result.Result.Text == "" {
			t.Error("expected error text")
		}
	case <-ctx.Done():
		t.Fatal("timeout")
	}
}

func TestWorker_AgainstServer(t *testing.T) {
	q, err := queue.New()
	if err != nil {
		t.Fatalf("new queue: %v", err)
	}
	defer q.Close()

	srv := ws.NewServer(volunteer.NewManager(), q, ws.Options{})
	ts := httptest.NewServer(http.HandlerFunc(srv.HandleVolunteer))
	defer ts.Close()

	done := make(chan string, 1)
	id, err := q.AddJob(job.Task{Name: "even", Runtime: "js", Code: `INPUT.n % 2 === 0`}, map[string]any{"n": 4}, job.NotifyChannel(done))
	if err != nil {
		t.Fatalf("add job: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	w := New("ws"+strings.TrimPrefix(ts.URL, "http"), newExecutor(t))
	go w.Run(ctx)

	select {
	case got := <-done:
		if got != id {
			t.Fatalf("callback for %s, want %s", got, id)
		}
	case <-ctx.Done():
		t.Fatal("timeout waiting for callback")
	}

	r, ok := q.GetResult(id)
	if !ok || r.Kind != job.KindSuccess {
		t.Fatalf("expected success result, got %+v", r)
	}
}
