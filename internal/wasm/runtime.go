package wasm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
)

var (
	ErrTimeout  = errors.New("wasm: execution timed out")
	ErrOverflow = errors.New("wasm: memory limit exceeded")
)

const pageSize = 64 * 1024

type Runtime struct {
	cache wazero.CompilationCache
}

type Result struct {
	// Value is the JSON passed to set_output, decoded.
	Value any
}

func NewRuntime() *Runtime {
	cache := wazero.NewCompilationCache()
	return &Runtime{cache: cache}
}

func (r *Runtime) Close(ctx context.Context) error {
	return r.cache.Close(ctx)
}

// Execute runs the module's "run" (or "_start") export. The module reads
// its input through env.get_input/get_input_len and reports a JSON value
// through env.set_output. maxMemoryMB of zero leaves memory unbounded.
func (r *Runtime) Execute(ctx context.Context, wasmBytes []byte, input map[string]any, timeout time.Duration, maxMemoryMB int) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cfg := wazero.NewRuntimeConfig().
		WithCompilationCache(r.cache).
		WithCloseOnContextDone(true)
	limitPages := uint32(0)
	if maxMemoryMB > 0 {
		limitPages = uint32(maxMemoryMB * 1024 * 1024 / pageSize)
		cfg = cfg.WithMemoryLimitPages(limitPages)
	}

	rt := wazero.NewRuntimeWithConfig(ctx, cfg)
	defer rt.Close(ctx)

	wasi_snapshot_preview1.MustInstantiate(ctx, rt)

	inputJSON, _ := json.Marshal(input)
	var outputData []byte

	_, err := rt.NewHostModuleBuilder("env").
		NewFunctionBuilder().
		WithFunc(func(ctx context.Context, m api.Module, ptr, size uint32) {
			m.Memory().Write(ptr, inputJSON[:min(int(size), len(inputJSON))])
		}).
		Export("get_input").
		NewFunctionBuilder().
		WithFunc(func() uint32 {
			return uint32(len(inputJSON))
		}).
		Export("get_input_len").
		NewFunctionBuilder().
		WithFunc(func(ctx context.Context, m api.Module, ptr, size uint32) {
			data, _ := m.Memory().Read(ptr, size)
			outputData = append([]byte(nil), data...)
		}).
		Export("set_output").
		Instantiate(ctx)
	if err != nil {
		return nil, fmt.Errorf("host module: %w", err)
	}

	compiled, err := rt.CompileModule(ctx, wasmBytes)
	if err != nil {
		if strings.Contains(err.Error(), "over limit") {
			return nil, fmt.Errorf("%w: %v", ErrOverflow, err)
		}
		return nil, fmt.Errorf("compile: %w", err)
	}

	mod, err := rt.InstantiateModule(ctx, compiled, wazero.NewModuleConfig().
		WithStdout(io.Discard).
		WithStderr(io.Discard).
		WithStartFunctions())
	if err != nil {
		return nil, fmt.Errorf("instantiate: %w", err)
	}
	defer mod.Close(ctx)

	run := mod.ExportedFunction("run")
	if run == nil {
		run = mod.ExportedFunction("_start")
	}
	if run == nil {
		return nil, fmt.Errorf("no 'run' or '_start' function exported")
	}

	if _, err := run.Call(ctx); err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %v", ErrTimeout, err)
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if mem := mod.Memory(); limitPages > 0 && mem != nil && mem.Size() >= limitPages*pageSize {
			return nil, fmt.Errorf("%w: %v", ErrOverflow, err)
		}
		return nil, fmt.Errorf("run: %w", err)
	}

	res := &Result{}
	if len(outputData) > 0 {
		if err := json.Unmarshal(outputData, &res.Value); err != nil {
			return nil, fmt.Errorf("decode output: %w", err)
		}
	}
	return res, nil
}
