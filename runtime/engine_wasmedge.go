//go:build !nowasmedge

package runtime

import (
	"context"
	"fmt"

	"github.com/second-state/WasmEdge-go/wasmedge"
)

// WasmEdgeEngine runs direct calls on WasmEdge. The module is loaded and
// validated once into an AST; every session gets its own store and executor.
//
// WasmEdge writes guest stdio to the host process descriptors, so this engine
// cannot serve command mode: sessions requested with an Environment fail with
// ErrImportUnsatisfied.
type WasmEdgeEngine struct {
	conf *wasmedge.Configure
}

// NewWasmEdgeEngine creates the shared WasmEdge configuration.
func NewWasmEdgeEngine() (*WasmEdgeEngine, error) {
	// WASI support lets wasm32-wasi reactors load even if they only call
	// into it during initialisation.
	conf := wasmedge.NewConfigure(wasmedge.WASI)
	if conf == nil {
		return nil, fmt.Errorf("failed to create WasmEdge configuration")
	}
	return &WasmEdgeEngine{conf: conf}, nil
}

func (e *WasmEdgeEngine) Kind() EngineKind { return EngineWasmEdge }

// Compile loads and validates the binary. The resulting AST is shared
// read-only by every session.
func (e *WasmEdgeEngine) Compile(_ context.Context, name string, wasm []byte) (Compiled, error) {
	loader := wasmedge.NewLoaderWithConfig(e.conf)
	if loader == nil {
		return nil, fmt.Errorf("failed to create WasmEdge loader")
	}
	defer loader.Release()

	ast, err := loader.LoadBuffer(wasm)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to load WASM file %s: %v", ErrMalformedArtifact, name, err)
	}

	validator := wasmedge.NewValidatorWithConfig(e.conf)
	if validator == nil {
		ast.Release()
		return nil, fmt.Errorf("failed to create WasmEdge validator")
	}
	defer validator.Release()

	if err := validator.Validate(ast); err != nil {
		ast.Release()
		return nil, fmt.Errorf("%w: WASM module validation failed for %s: %v", ErrMalformedArtifact, name, err)
	}

	exports := make(map[string]struct{})
	for _, exp := range ast.ListExports() {
		if exp.GetExternalType() == wasmedge.ExternType_Function {
			exports[exp.GetExternalName()] = struct{}{}
		}
	}

	// WasmEdge only reports a signature mismatch once the call is made, so
	// signatures are read from the binary up front. A module using type
	// forms the reader does not know falls back to presence checks.
	sigs, _ := parseExportSignatures(wasm)

	return &wasmEdgeCompiled{conf: e.conf, ast: ast, exports: exports, sigs: sigs}, nil
}

func (e *WasmEdgeEngine) Close(context.Context) error {
	if e.conf != nil {
		e.conf.Release()
		e.conf = nil
	}
	return nil
}

type wasmEdgeCompiled struct {
	conf    *wasmedge.Configure
	ast     *wasmedge.AST
	exports map[string]struct{}
	sigs    map[string]Signature
}

func (c *wasmEdgeCompiled) Export(name string, params, results int) bool {
	if _, ok := c.exports[name]; !ok {
		return false
	}
	if c.sigs == nil {
		return true
	}
	sig, ok := c.sigs[name]
	return ok && sig.Is(params, results)
}

func (c *wasmEdgeCompiled) NewSession(_ context.Context, links *LinkTable, env *Environment) (Session, error) {
	if env != nil {
		return nil, fmt.Errorf("%w: wasmedge engine cannot redirect guest stdio", ErrImportUnsatisfied)
	}
	if links.Host {
		return nil, fmt.Errorf("%w: %s.%s is not provided by the wasmedge engine", ErrImportUnsatisfied, HostModuleName, hostSetResult)
	}

	s := &wasmEdgeSession{
		store:    wasmedge.NewStore(),
		executor: wasmedge.NewExecutorWithConfig(c.conf),
	}
	if s.store == nil || s.executor == nil {
		_ = s.Close(context.Background())
		return nil, fmt.Errorf("failed to create WasmEdge store")
	}

	if links.WASI {
		// No args, no environment, no pre-opened directories.
		s.wasi = wasmedge.NewWasiModule([]string{}, []string{}, []string{})
		if err := s.executor.RegisterImport(s.store, s.wasi); err != nil {
			_ = s.Close(context.Background())
			return nil, fmt.Errorf("%w: register WASI: %v", ErrImportUnsatisfied, err)
		}
	}

	mod, err := s.executor.Instantiate(s.store, c.ast)
	if err != nil {
		_ = s.Close(context.Background())
		return nil, fmt.Errorf("%w: WASM module instantiation failed: %v", ErrImportUnsatisfied, err)
	}
	s.mod = mod

	if init := mod.FindFunction("_initialize"); init != nil {
		if _, err := s.executor.Invoke(init); err != nil {
			_ = s.Close(context.Background())
			return nil, fmt.Errorf("%w: _initialize: %v", ErrRuntimeTrap, err)
		}
	}
	return s, nil
}

func (c *wasmEdgeCompiled) Close(context.Context) error {
	if c.ast != nil {
		c.ast.Release()
		c.ast = nil
	}
	return nil
}

type wasmEdgeSession struct {
	store    *wasmedge.Store
	executor *wasmedge.Executor
	wasi     *wasmedge.Module
	mod      *wasmedge.Module
}

// Call honours ctx only up to the start of the call; WasmEdge runs the
// export to completion.
func (s *wasmEdgeSession) Call(ctx context.Context, export string, params ...int32) (int32, error) {
	if err := ctx.Err(); err != nil {
		return 0, fmt.Errorf("%w: %s: %v", ErrTimeout, export, err)
	}
	fn := s.mod.FindFunction(export)
	if fn == nil {
		return 0, fmt.Errorf("%w: %s", ErrExportNotFound, export)
	}

	args := make([]interface{}, len(params))
	for i, p := range params {
		args[i] = p
	}
	result, err := s.executor.Invoke(fn, args...)
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %v", ErrRuntimeTrap, export, err)
	}
	if len(result) != 1 {
		return 0, fmt.Errorf("%w: %s returned %d values", ErrExportNotFound, export, len(result))
	}
	value, ok := result[0].(int32)
	if !ok {
		return 0, fmt.Errorf("%w: %s returned %T", ErrExportNotFound, export, result[0])
	}
	return value, nil
}

func (s *wasmEdgeSession) Run(ctx context.Context, entry string) (Exit, error) {
	if err := ctx.Err(); err != nil {
		return Exit{}, fmt.Errorf("%w: %s: %v", ErrTimeout, entry, err)
	}
	fn := s.mod.FindFunction(entry)
	if fn == nil {
		return Exit{}, fmt.Errorf("%w: entry point %s", ErrExportNotFound, entry)
	}
	if _, err := s.executor.Invoke(fn); err != nil {
		exit := Exit{Trapped: true, Reason: err.Error()}
		if s.wasi != nil {
			exit.Code = uint32(s.wasi.WasiGetExitCode())
			exit.Trapped = exit.Code != 0
		}
		return exit, nil
	}
	return Exit{}, nil
}

func (s *wasmEdgeSession) Delivered() ([]byte, bool) { return nil, false }

// Close releases the session's WasmEdge objects. Safe to call twice.
func (s *wasmEdgeSession) Close(context.Context) error {
	if s.mod != nil {
		s.mod.Release()
		s.mod = nil
	}
	if s.wasi != nil {
		s.wasi.Release()
		s.wasi = nil
	}
	if s.executor != nil {
		s.executor.Release()
		s.executor = nil
	}
	if s.store != nil {
		s.store.Release()
		s.store = nil
	}
	return nil
}
