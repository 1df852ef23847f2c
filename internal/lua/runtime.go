package lua

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	lua "github.com/yuin/gopher-lua"
)

var (
	ErrTimeout  = errors.New("lua: execution timed out")
	ErrOverflow = errors.New("lua: resource limit exceeded")
)

type Result struct {
	Output string
	// Value is the chunk's return value converted to Go (nil when absent).
	Value any
}

type Options struct {
	CallStackSize   int
	RegistrySize    int
	RegistryMaxSize int
}

type Runtime struct {
	opts Options
}

func NewRuntime() *Runtime {
	return NewRuntimeWithOptions(Options{
		CallStackSize:   256,
		RegistrySize:    1024 * 20,
		RegistryMaxSize: 1024 * 80,
	})
}

func NewRuntimeWithOptions(opts Options) *Runtime {
	return &Runtime{opts: opts}
}

var safeLibs = []struct {
	name string
	open lua.LGFunction
}{
	{lua.BaseLibName, lua.OpenBase},
	{lua.TabLibName, lua.OpenTable},
	{lua.StringLibName, lua.OpenString},
	{lua.MathLibName, lua.OpenMath},
}

func (r *Runtime) newState() *lua.LState {
	L := lua.NewState(lua.Options{
		SkipOpenLibs:    true,
		CallStackSize:   r.opts.CallStackSize,
		RegistrySize:    r.opts.RegistrySize,
		RegistryMaxSize: r.opts.RegistryMaxSize,
	})
	for _, lib := range safeLibs {
		L.Push(L.NewFunction(lib.open))
		L.Push(lua.LString(lib.name))
		L.Call(1, 0)
	}
	// No filesystem access from submissions.
	for _, name := range []string{"dofile", "loadfile", "load", "loadstring"} {
		L.SetGlobal(name, lua.LNil)
	}
	return L
}

func (r *Runtime) Execute(ctx context.Context, code string, input map[string]any, timeout time.Duration) (*Result, error) {
	L := r.newState()
	defer L.Close()

	// Capture stdout
	var output strings.Builder
	L.SetGlobal("print", L.NewFunction(func(L *lua.LState) int {
		n := L.GetTop()
		for i := 1; i <= n; i++ {
			if i > 1 {
				output.WriteString("\t")
			}
			output.WriteString(L.ToStringMeta(L.Get(i)).String())
		}
		output.WriteString("\n")
		return 0
	}))

	inputTable := L.NewTable()
	for k, v := range input {
		L.SetField(inputTable, k, goToLua(L, v))
	}
	L.SetGlobal("INPUT", inputTable)

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	L.SetContext(ctx)

	if err := L.DoString(code); err != nil {
		return nil, classify(ctx, err)
	}

	res := &Result{Output: output.String()}
	if ret := L.Get(-1); ret != lua.LNil {
		res.Value = luaToGo(ret)
	}
	return res, nil
}

func classify(ctx context.Context, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	msg := err.Error()
	if strings.Contains(msg, "stack overflow") || strings.Contains(msg, "registry overflow") {
		return fmt.Errorf("%w: %v", ErrOverflow, err)
	}
	return err
}

func goToLua(L *lua.LState, v any) lua.LValue {
	switch val := v.(type) {
	case float64:
		return lua.LNumber(val)
	case int:
		return lua.LNumber(float64(val))
	case int64:
		return lua.LNumber(float64(val))
	case string:
		return lua.LString(val)
	case bool:
		return lua.LBool(val)
	case map[string]any:
		t := L.NewTable()
		for k, v := range val {
			L.SetField(t, k, goToLua(L, v))
		}
		return t
	case []any:
		t := L.NewTable()
		for i, v := range val {
			L.SetTable(t, lua.LNumber(i+1), goToLua(L, v))
		}
		return t
	default:
		return lua.LNil
	}
}

func luaToGo(v lua.LValue) any {
	switch val := v.(type) {
	case lua.LNumber:
		return float64(val)
	case lua.LString:
		return string(val)
	case lua.LBool:
		return bool(val)
	case *lua.LTable:
		m := make(map[string]any)
		val.ForEach(func(k, v lua.LValue) {
			m[k.String()] = luaToGo(v)
		})
		return m
	default:
		return nil
	}
}
