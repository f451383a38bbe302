package runtime

import (
	"context"
	"fmt"
)

// EngineKind selects the in-process WebAssembly runtime.
type EngineKind string

const (
	EngineWazero   EngineKind = "wazero"   // pure Go, supports direct and command mode
	EngineWasmEdge EngineKind = "wasmedge" // cgo, direct call mode only
)

// Engine compiles flat modules once and opens isolated sessions over them.
// Implementations must be safe for concurrent use.
type Engine interface {
	Kind() EngineKind
	Compile(ctx context.Context, name string, wasm []byte) (Compiled, error)
	Close(ctx context.Context) error
}

// Compiled is the engine-specific compiled representation of a module.
// It is shared read-only by every session opened over it.
type Compiled interface {
	// Export reports whether the module exports a function with the given
	// parameter and result arity, all i32.
	Export(name string, params, results int) bool
	NewSession(ctx context.Context, links *LinkTable, env *Environment) (Session, error)
	Close(ctx context.Context) error
}

// Session is one isolated instantiation: its own store, linear memory and
// link table. A Session belongs to exactly one invocation and must be closed
// before that invocation returns.
type Session interface {
	// Call invokes a typed export with i32 parameters and returns its single
	// i32 result.
	Call(ctx context.Context, export string, params ...int32) (int32, error)
	// Run invokes a process-style entry point and reports how it ended.
	Run(ctx context.Context, entry string) (Exit, error)
	// Delivered returns the payload the guest handed back through the host
	// result capability, if any.
	Delivered() ([]byte, bool)
	Close(ctx context.Context) error
}

// Exit describes how a command-style entry point finished. A run that
// returns normally or calls proc_exit(0) has Code 0 and Trapped false.
type Exit struct {
	Code    uint32
	Trapped bool
	Reason  string
}

// NewEngine constructs the engine named by kind.
func NewEngine(ctx context.Context, kind EngineKind) (Engine, error) {
	switch kind {
	case "", EngineWazero:
		e, err := NewWazeroEngine(ctx)
		if err != nil {
			return nil, err
		}
		return e, nil
	case EngineWasmEdge:
		e, err := NewWasmEdgeEngine()
		if err != nil {
			return nil, err
		}
		return e, nil
	default:
		return nil, fmt.Errorf("unknown engine %q", kind)
	}
}
