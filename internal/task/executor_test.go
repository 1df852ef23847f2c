package task

import (
	"context"
	"testing"

	"github.com/zerverless/jobqueue/internal/job"
)

func run(t *testing.T, task job.Task, input map[string]any) *job.Result {
	t.Helper()
	e := NewExecutor(0)
	defer e.Close(context.Background())
	r := e.Run(context.Background(), task, input)
	if err := r.Validate(); err != nil {
		t.Fatalf("executor produced invalid result: %v", err)
	}
	return r
}

func TestExecutor_LuaSuccess(t *testing.T) {
	task := job.Task{Name: "sum", Runtime: "lua", Code: `
		if INPUT.answer == 4 then
			return {result = "success", text = "well done"}
		end
		return {result = "failed", problems = {q1 = "2 + 2 is not " .. INPUT.answer}}
	`}

	r := run(t, task, map[string]any{"answer": 4})
	if r.Kind != job.KindSuccess || r.Text != "well done" {
		t.Errorf("unexpected result %+v", r)
	}
	if r.Task != task || r.Input["answer"] != 4 {
		t.Errorf("expected task and input to be echoed, got %+v", r)
	}

	r = run(t, task, map[string]any{"answer": 5})
	if r.Kind != job.KindFailed || r.Problems["q1"] != "2 + 2 is not 5" {
		t.Errorf("unexpected result %+v", r)
	}
}

func TestExecutor_JSBoolean(t *testing.T) {
	task := job.Task{Name: "even", Runtime: "js", Code: `INPUT.n % 2 === 0`}

	if r := run(t, task, map[string]any{"n": 2}); r.Kind != job.KindSuccess {
		t.Errorf("expected success, got %+v", r)
	}
	if r := run(t, task, map[string]any{"n": 3}); r.Kind != job.KindFailed {
		t.Errorf("expected failed, got %+v", r)
	}
}

func TestExecutor_Timeout(t *testing.T) {
	task := job.Task{Name: "loop", Runtime: "js", Code: `while(true) {}`, TimeoutSeconds: 1}

	r := run(t, task, map[string]any{})
	if r.Kind != job.KindTimeout {
		t.Errorf("expected timeout, got %+v", r)
	}
	if r.Text == "" {
		t.Error("expected timeout text")
	}
}

func TestExecutor_Overflow(t *testing.T) {
	task := job.Task{Name: "recurse", Runtime: "lua", Code: `local function f() return 1 + f() end return f()`}

	if r := run(t, task, map[string]any{}); r.Kind != job.KindOverflow {
		t.Errorf("expected overflow, got %+v", r)
	}
}

func TestExecutor_Crash(t *testing.T) {
	task := job.Task{Name: "crash", Runtime: "lua", Code: `error("segfault")`}

	r := run(t, task, map[string]any{})
	if r.Kind != job.KindError {
		t.Errorf("expected error, got %+v", r)
	}
}

func TestExecutor_BadVerdict(t *testing.T) {
	cases := map[string]string{
		"none":       `local x = 1`,
		"unknown":    `return {result = "maybe"}`,
		"number":     `return 42`,
		"badArchive": `return {result = "success", archive = "%%%"}`,
	}
	for name, code := range cases {
		t.Run(name, func(t *testing.T) {
			r := run(t, job.Task{Name: name, Runtime: "lua", Code: code}, map[string]any{})
			if r.Kind != job.KindError {
				t.Errorf("expected error, got %+v", r)
			}
		})
	}
}

func TestExecutor_UnsupportedRuntime(t *testing.T) {
	r := run(t, job.Task{Name: "cobol", Runtime: "cobol"}, nil)
	if r.Kind != job.KindError {
		t.Errorf("expected error, got %+v", r)
	}
	if Supports("cobol") || !Supports("lua") {
		t.Error("unexpected Supports answers")
	}
}

func TestExecutor_PrintedOutputBecomesText(t *testing.T) {
	task := job.Task{Name: "echo", Runtime: "js", Code: `console.log("close, check q2"); false`}

	r := run(t, task, map[string]any{})
	if r.Kind != job.KindFailed || r.Text != "close, check q2" {
		t.Errorf("unexpected result %+v", r)
	}
}
