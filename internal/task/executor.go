// Package task runs grading tasks on the sandboxed runtimes and turns the
// outcome into a job result. Grader code returns a verdict: either a
// boolean, or a table/object with "result" ("success" or "failed") and
// optional "text", "problems" and "archive".
package task

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/zerverless/jobqueue/internal/job"
	"github.com/zerverless/jobqueue/internal/js"
	"github.com/zerverless/jobqueue/internal/lua"
	"github.com/zerverless/jobqueue/internal/wasm"
)

const DefaultTimeout = 30 * time.Second

type Executor struct {
	lua            *lua.Runtime
	js             *js.Runtime
	wasm           *wasm.Runtime
	defaultTimeout time.Duration
}

func NewExecutor(defaultTimeout time.Duration) *Executor {
	if defaultTimeout <= 0 {
		defaultTimeout = DefaultTimeout
	}
	return &Executor{
		lua:            lua.NewRuntime(),
		js:             js.NewRuntime(),
		wasm:           wasm.NewRuntime(),
		defaultTimeout: defaultTimeout,
	}
}

func (e *Executor) Close(ctx context.Context) error {
	return e.wasm.Close(ctx)
}

// Supports reports whether the executor has a runtime for name.
func Supports(runtime string) bool {
	switch runtime {
	case "lua", "js", "javascript", "wasm":
		return true
	}
	return false
}

// Run executes t and always returns a result; crashes, timeouts and
// resource exhaustion become result kinds rather than errors.
func (e *Executor) Run(ctx context.Context, t job.Task, input map[string]any) *job.Result {
	value, output, err := e.execute(ctx, t, input)
	if err != nil {
		return job.NewResult(t, input, classify(err), err.Error())
	}

	r, err := verdict(value)
	if err != nil {
		return job.NewResult(t, input, job.KindError, err.Error())
	}
	r.Task = t
	r.Input = input
	// Printed output is the feedback when the verdict carries no text.
	if r.Text == "" {
		r.Text = strings.TrimSpace(output)
	}
	return r
}

// execute returns the grader's verdict value and anything it printed.
func (e *Executor) execute(ctx context.Context, t job.Task, input map[string]any) (any, string, error) {
	timeout := t.Timeout(e.defaultTimeout)

	switch t.Runtime {
	case "lua":
		res, err := e.lua.Execute(ctx, t.Code, input, timeout)
		if err != nil {
			return nil, "", err
		}
		return res.Value, res.Output, nil

	case "js", "javascript":
		res, err := e.js.Execute(ctx, t.Code, input, timeout)
		if err != nil {
			return nil, "", err
		}
		return res.Value, res.Output, nil

	case "wasm":
		module, err := base64.StdEncoding.DecodeString(t.Code)
		if err != nil {
			return nil, "", fmt.Errorf("decode wasm module: %w", err)
		}
		res, err := e.wasm.Execute(ctx, module, input, timeout, t.MaxMemoryMB)
		if err != nil {
			return nil, "", err
		}
		return res.Value, "", nil

	default:
		return nil, "", fmt.Errorf("unsupported runtime: %q", t.Runtime)
	}
}

func classify(err error) job.Kind {
	switch {
	case errors.Is(err, lua.ErrTimeout), errors.Is(err, js.ErrTimeout), errors.Is(err, wasm.ErrTimeout):
		return job.KindTimeout
	case errors.Is(err, lua.ErrOverflow), errors.Is(err, js.ErrOverflow), errors.Is(err, wasm.ErrOverflow):
		return job.KindOverflow
	default:
		return job.KindError
	}
}

func verdict(v any) (*job.Result, error) {
	switch val := v.(type) {
	case bool:
		if val {
			return &job.Result{Kind: job.KindSuccess}, nil
		}
		return &job.Result{Kind: job.KindFailed}, nil
	case map[string]any:
		return verdictFromMap(val)
	case nil:
		return nil, errors.New("grader returned no verdict")
	default:
		return nil, fmt.Errorf("grader returned %T, want a verdict", v)
	}
}

func verdictFromMap(m map[string]any) (*job.Result, error) {
	r := &job.Result{}

	kind, _ := m["result"].(string)
	switch job.Kind(strings.ToLower(kind)) {
	case job.KindSuccess:
		r.Kind = job.KindSuccess
	case job.KindFailed:
		r.Kind = job.KindFailed
	default:
		return nil, fmt.Errorf("grader verdict %q is not success or failed", kind)
	}

	if text, ok := m["text"].(string); ok {
		r.Text = text
	}
	if problems, ok := m["problems"].(map[string]any); ok && len(problems) > 0 {
		r.Problems = make(map[string]string, len(problems))
		for id, msg := range problems {
			r.Problems[id] = fmt.Sprint(msg)
		}
	}
	if archive, ok := m["archive"].(string); ok && archive != "" {
		if _, err := base64.StdEncoding.DecodeString(archive); err != nil {
			return nil, fmt.Errorf("grader archive is not base64: %w", err)
		}
		r.Archive = archive
	}
	return r, nil
}
