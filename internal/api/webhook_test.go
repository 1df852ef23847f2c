package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/zerverless/jobqueue/internal/job"
)

func TestWebhook_PostsJobID(t *testing.T) {
	got := make(chan string, 1)
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		json.NewDecoder(r.Body).Decode(&body)
		got <- body["job_id"]
	}))
	defer hook.Close()

	router, q := newTestRouter(t, nil)
	rec := do(router, "POST", "/api/jobs",
		`{"task":{"name":"pb1","runtime":"lua"},"callback_url":"`+hook.URL+`"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp map[string]string
	json.Unmarshal(rec.Body.Bytes(), &resp)

	j := mustClaim(t, q)
	if err := q.SetResult(j.ID, job.NewResult(j.Task, j.Input, job.KindSuccess, "")); err != nil {
		t.Fatalf("set result: %v", err)
	}

	select {
	case id := <-got:
		if id != resp["id"] {
			t.Errorf("webhook got %s, want %s", id, resp["id"])
		}
	case <-time.After(3 * time.Second):
		t.Fatal("webhook not called")
	}
}

func TestWebhook_UnreachableIsLogged(t *testing.T) {
	wh := NewWebhook("http://127.0.0.1:1/hook", &http.Client{Timeout: 100 * time.Millisecond})
	wh.JobDone("abc")
}
