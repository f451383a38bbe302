package runtime

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"github.com/tetratelabs/wazero/sys"
)

// WazeroEngine runs modules on a single wazero runtime. Compiled modules and
// the WASI and host capability modules are shared; every session is an
// anonymous instance with its own memory.
type WazeroEngine struct {
	rt wazero.Runtime
}

// NewWazeroEngine creates the runtime and registers the host capabilities.
// Guest execution is aborted when the invocation context is done.
func NewWazeroEngine(ctx context.Context) (*WazeroEngine, error) {
	rt := wazero.NewRuntimeWithConfig(ctx, wazero.NewRuntimeConfig().WithCloseOnContextDone(true))

	if _, err := wasi_snapshot_preview1.Instantiate(ctx, rt); err != nil {
		_ = rt.Close(ctx)
		return nil, fmt.Errorf("instantiate WASI: %w", err)
	}

	_, err := rt.NewHostModuleBuilder(HostModuleName).
		NewFunctionBuilder().
		WithFunc(setResult).
		Export(hostSetResult).
		Instantiate(ctx)
	if err != nil {
		_ = rt.Close(ctx)
		return nil, fmt.Errorf("instantiate host module %s: %w", HostModuleName, err)
	}

	return &WazeroEngine{rt: rt}, nil
}

func (e *WazeroEngine) Kind() EngineKind { return EngineWazero }

func (e *WazeroEngine) Compile(ctx context.Context, name string, wasm []byte) (Compiled, error) {
	module, err := e.rt.CompileModule(ctx, wasm)
	if err != nil {
		return nil, fmt.Errorf("%w: compile %s: %v", ErrMalformedArtifact, name, err)
	}
	return &wazeroCompiled{rt: e.rt, module: module}, nil
}

func (e *WazeroEngine) Close(ctx context.Context) error {
	return e.rt.Close(ctx)
}

type wazeroCompiled struct {
	rt     wazero.Runtime
	module wazero.CompiledModule
}

func (c *wazeroCompiled) Export(name string, params, results int) bool {
	def, ok := c.module.ExportedFunctions()[name]
	return ok && allI32(def.ParamTypes(), params) && allI32(def.ResultTypes(), results)
}

func allI32(types []api.ValueType, n int) bool {
	if len(types) != n {
		return false
	}
	for _, t := range types {
		if t != api.ValueTypeI32 {
			return false
		}
	}
	return true
}

func (c *wazeroCompiled) NewSession(ctx context.Context, links *LinkTable, env *Environment) (Session, error) {
	cfg := wazero.NewModuleConfig().
		WithName(""). // anonymous, so concurrent sessions never collide
		WithStartFunctions()

	if links.WASI {
		cfg = cfg.
			WithSysWalltime().
			WithSysNanotime().
			WithSysNanosleep().
			WithRandSource(rand.Reader)
	}
	if env != nil {
		cfg = cfg.
			WithArgs(env.Args...).
			WithStdin(env.Stdin).
			WithStdout(env.Stdout).
			WithStderr(env.Stderr)
		for k, v := range env.Env {
			cfg = cfg.WithEnv(k, v)
		}
		fs := wazero.NewFSConfig()
		for _, m := range env.Mounts {
			if m.ReadOnly {
				fs = fs.WithReadOnlyDirMount(m.HostDir, m.GuestPath)
			} else {
				fs = fs.WithDirMount(m.HostDir, m.GuestPath)
			}
		}
		cfg = cfg.WithFSConfig(fs)
	}

	s := &wazeroSession{delivery: &delivery{}}
	mod, err := c.rt.InstantiateModule(s.bind(ctx), c.module, cfg)
	if err != nil {
		if strings.Contains(err.Error(), "import") {
			return nil, fmt.Errorf("%w: instantiate: %v", ErrImportUnsatisfied, err)
		}
		return nil, classifyCallError(ctx, "instantiate", err)
	}
	s.mod = mod

	// Reactor modules (e.g. Go wasip1 c-shared) must initialise their runtime
	// before any export is usable.
	if init := mod.ExportedFunction("_initialize"); init != nil {
		if _, err := init.Call(s.bind(ctx)); err != nil {
			_ = mod.Close(ctx)
			return nil, classifyCallError(ctx, "_initialize", err)
		}
	}
	return s, nil
}

func (c *wazeroCompiled) Close(ctx context.Context) error {
	return c.module.Close(ctx)
}

type wazeroSession struct {
	mod      api.Module
	delivery *delivery
}

func (s *wazeroSession) bind(ctx context.Context) context.Context {
	return context.WithValue(ctx, deliveryKey{}, s.delivery)
}

func (s *wazeroSession) Call(ctx context.Context, export string, params ...int32) (int32, error) {
	fn := s.mod.ExportedFunction(export)
	if fn == nil {
		return 0, fmt.Errorf("%w: %s", ErrExportNotFound, export)
	}
	def := fn.Definition()
	if !allI32(def.ParamTypes(), len(params)) || !allI32(def.ResultTypes(), 1) {
		return 0, fmt.Errorf("%w: %s has signature %v -> %v", ErrExportNotFound, export, def.ParamTypes(), def.ResultTypes())
	}

	raw := make([]uint64, len(params))
	for i, p := range params {
		raw[i] = api.EncodeI32(p)
	}
	results, err := fn.Call(s.bind(ctx), raw...)
	if err != nil {
		return 0, classifyCallError(ctx, export, err)
	}
	return api.DecodeI32(results[0]), nil
}

func (s *wazeroSession) Run(ctx context.Context, entry string) (Exit, error) {
	fn := s.mod.ExportedFunction(entry)
	if fn == nil {
		return Exit{}, fmt.Errorf("%w: entry point %s", ErrExportNotFound, entry)
	}

	_, err := fn.Call(s.bind(ctx))
	if ctx.Err() != nil {
		return Exit{}, fmt.Errorf("%w: %s: %v", ErrTimeout, entry, ctx.Err())
	}
	if err == nil {
		return Exit{}, nil
	}

	var exitErr *sys.ExitError
	if errors.As(err, &exitErr) {
		code := exitErr.ExitCode()
		exit := Exit{Code: code, Trapped: code != 0}
		if exit.Trapped {
			exit.Reason = fmt.Sprintf("exit code %d", code)
		}
		return exit, nil
	}
	return Exit{Trapped: true, Reason: err.Error()}, nil
}

func (s *wazeroSession) Delivered() ([]byte, bool) {
	return s.delivery.get()
}

func (s *wazeroSession) Close(ctx context.Context) error {
	if s.mod == nil {
		return nil
	}
	err := s.mod.Close(ctx)
	s.mod = nil
	return err
}

func classifyCallError(ctx context.Context, export string, err error) error {
	if ctx.Err() != nil {
		return fmt.Errorf("%w: %s: %v", ErrTimeout, export, ctx.Err())
	}
	return fmt.Errorf("%w: %s: %v", ErrRuntimeTrap, export, err)
}

type deliveryKey struct{}

// delivery holds the buffer a guest handed back through set_result.
type delivery struct {
	mu      sync.Mutex
	payload []byte
	set     bool
}

func (d *delivery) put(b []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.payload = append([]byte(nil), b...)
	d.set = true
}

func (d *delivery) get() ([]byte, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.payload, d.set
}

// setResult implements wadoo.set_result(ptr, len). Out-of-range buffers trap
// the guest.
func setResult(ctx context.Context, m api.Module, ptr, size uint32) {
	d, _ := ctx.Value(deliveryKey{}).(*delivery)
	if d == nil {
		return
	}
	mem := m.Memory()
	if mem == nil {
		panic(errors.New("set_result: guest exports no memory"))
	}
	buf, ok := mem.Read(ptr, size)
	if !ok {
		panic(fmt.Errorf("set_result: buffer [%d, %d) out of range", ptr, uint64(ptr)+uint64(size)))
	}
	d.put(buf)
}
