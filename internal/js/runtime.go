package js

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dop251/goja"
)

var (
	ErrTimeout  = errors.New("js: execution timed out")
	ErrOverflow = errors.New("js: call stack exceeded")
)

const interruptTimeout = "timeout"

type Result struct {
	Output string
	// Value is the script's completion value exported to Go.
	Value any
}

type Runtime struct {
	maxCallStackSize int
}

func NewRuntime() *Runtime {
	return &Runtime{maxCallStackSize: 1024}
}

func (r *Runtime) Execute(ctx context.Context, code string, input map[string]any, timeout time.Duration) (*Result, error) {
	vm := goja.New()
	vm.SetMaxCallStackSize(r.maxCallStackSize)

	// Capture console output
	var output strings.Builder
	console := vm.NewObject()
	console.Set("log", func(call goja.FunctionCall) goja.Value {
		args := make([]string, len(call.Arguments))
		for i, arg := range call.Arguments {
			args[i] = arg.String()
		}
		output.WriteString(strings.Join(args, " "))
		output.WriteString("\n")
		return goja.Undefined()
	})
	vm.Set("console", console)

	if input == nil {
		input = map[string]any{}
	}
	vm.Set("INPUT", input)

	// Setup timeout via interrupt
	done := make(chan struct{})
	go func() {
		select {
		case <-time.After(timeout):
			vm.Interrupt(interruptTimeout)
		case <-ctx.Done():
			vm.Interrupt("cancelled")
		case <-done:
		}
	}()
	defer close(done)

	val, err := vm.RunString(code)
	if err != nil {
		return nil, classify(ctx, err)
	}

	res := &Result{Output: output.String()}
	if val != nil && !goja.IsUndefined(val) && !goja.IsNull(val) {
		res.Value = val.Export()
	}
	return res, nil
}

func classify(ctx context.Context, err error) error {
	var interrupted *goja.InterruptedError
	if errors.As(err, &interrupted) {
		if interrupted.Value() == interruptTimeout {
			return fmt.Errorf("%w: %v", ErrTimeout, err)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	var overflow *goja.StackOverflowError
	if errors.As(err, &overflow) {
		return fmt.Errorf("%w: %v", ErrOverflow, err)
	}
	return err
}
