package wasmtest

import (
	"os"
	"path/filepath"
)

const wasi = "wasi_snapshot_preview1"

var (
	i32x2 = []byte{I32, I32}
	i32x4 = []byte{I32, I32, I32, I32}
	ret32 = []byte{I32}
)

// Calc exports add, subtract, multiply and divide as (i32, i32) -> i32.
// divide(a, 0) returns 0 and divide(MinInt32, -1) traps. It also exports
// negate (i32) -> i32 for signature checks.
func Calc() []byte {
	var b Builder
	b.Func("add", i32x2, ret32, nil, Binary(opI32Add))
	b.Func("subtract", i32x2, ret32, nil, Binary(opI32Sub))
	b.Func("multiply", i32x2, ret32, nil, Binary(opI32Mul))
	b.Func("divide", i32x2, ret32, nil, []byte{
		opLocalGet, 0x01, opI32Eqz,
		opIf, I32,
		opI32Const, 0x00,
		opElse,
		opLocalGet, 0x00, opLocalGet, 0x01, opI32DivS,
		opEnd,
	})
	b.Func("negate", []byte{I32}, ret32, nil, []byte{opI32Const, 0x00, opLocalGet, 0x00, opI32Sub})
	return b.Bytes()
}

// Command describes a WASI command whose _start writes fixed text and then
// ends in a chosen way.
type Command struct {
	Stdout string
	Stderr string
	// Result is handed back through wadoo.set_result when non-empty.
	Result string
	// BadResult calls wadoo.set_result with a buffer outside memory.
	BadResult bool
	// Exit calls proc_exit(ExitCode) after writing.
	Exit     bool
	ExitCode int32
	// Trap executes unreachable after writing.
	Trap bool
	// Hang loops forever after writing.
	Hang bool
}

// Wasm assembles the command. Only the imports it uses are declared.
func (c Command) Wasm() []byte {
	var b Builder
	var fdWrite, procExit, setResult uint32
	if c.Stdout != "" || c.Stderr != "" {
		fdWrite = b.Import(wasi, "fd_write", i32x4, ret32)
	}
	if c.Exit {
		procExit = b.Import(wasi, "proc_exit", []byte{I32}, nil)
	}
	if c.Result != "" || c.BadResult {
		setResult = b.Import("wadoo", "set_result", i32x2, nil)
	}
	b.Memory(1)

	// 0: stdout iovec, 8: stderr iovec, 16: nwritten, 64: text
	const text = 64
	stdoutAt := uint32(text)
	stderrAt := stdoutAt + uint32(len(c.Stdout))
	resultAt := stderrAt + uint32(len(c.Stderr))
	iovecs := append(append(le32(stdoutAt), le32(uint32(len(c.Stdout)))...),
		append(le32(stderrAt), le32(uint32(len(c.Stderr)))...)...)
	b.Data(0, iovecs)
	b.Data(text, []byte(c.Stdout+c.Stderr+c.Result))

	var body [][]byte
	if c.Stdout != "" {
		body = append(body, I32Const(1), I32Const(0), I32Const(1), I32Const(16), Call(fdWrite), Drop())
	}
	if c.Stderr != "" {
		body = append(body, I32Const(2), I32Const(8), I32Const(1), I32Const(16), Call(fdWrite), Drop())
	}
	if c.Result != "" {
		body = append(body, I32Const(int32(resultAt)), I32Const(int32(len(c.Result))), Call(setResult))
	}
	if c.BadResult {
		body = append(body, I32Const(-65536), I32Const(16), Call(setResult))
	}
	if c.Exit {
		body = append(body, I32Const(c.ExitCode), Call(procExit))
	}
	if c.Trap {
		body = append(body, Unreachable())
	}
	if c.Hang {
		body = append(body, Forever())
	}
	b.Func("_start", nil, nil, nil, body...)
	return b.Bytes()
}

// EchoArgs is a WASI command writing its NUL-separated argv to stdout and
// its NUL-separated environment to stderr.
func EchoArgs() []byte {
	var b Builder
	argsSizes := b.Import(wasi, "args_sizes_get", i32x2, ret32)
	argsGet := b.Import(wasi, "args_get", i32x2, ret32)
	envSizes := b.Import(wasi, "environ_sizes_get", i32x2, ret32)
	envGet := b.Import(wasi, "environ_get", i32x2, ret32)
	fdWrite := b.Import(wasi, "fd_write", i32x4, ret32)
	b.Memory(1)

	// 0: argc, 4: argv size, 8: envc, 12: env size, 16/32: iovecs,
	// 24/40: nwritten, 256/512: pointer arrays, 1024/4096: buffers
	b.Func("_start", nil, nil, nil,
		I32Const(0), I32Const(4), Call(argsSizes), Drop(),
		I32Const(256), I32Const(1024), Call(argsGet), Drop(),
		Store32(16, I32Const(1024)), Store32(20, Load32(4)),
		I32Const(1), I32Const(16), I32Const(1), I32Const(24), Call(fdWrite), Drop(),

		I32Const(8), I32Const(12), Call(envSizes), Drop(),
		I32Const(512), I32Const(4096), Call(envGet), Drop(),
		Store32(32, I32Const(4096)), Store32(36, Load32(12)),
		I32Const(2), I32Const(32), I32Const(1), I32Const(40), Call(fdWrite), Drop(),
	)
	return b.Bytes()
}

// EchoLastArg is a WASI command printing its last argument followed by a
// newline. With the request body passed positionally, the body comes back as
// the payload.
func EchoLastArg() []byte {
	var b Builder
	argsSizes := b.Import(wasi, "args_sizes_get", i32x2, ret32)
	argsGet := b.Import(wasi, "args_get", i32x2, ret32)
	fdWrite := b.Import(wasi, "fd_write", i32x4, ret32)
	b.Memory(1)

	// 0: argc, 4: argv size, 16/24: iovecs, 32: nwritten, 60: newline,
	// 256: pointer array, 1024: argv buffer
	b.Data(24, append(le32(60), le32(1)...))
	b.Data(60, []byte("\n"))

	b.Func("_start", nil, nil, []byte{I32},
		I32Const(0), I32Const(4), Call(argsSizes), Drop(),
		I32Const(256), I32Const(1024), Call(argsGet), Drop(),

		// local 0 = argv[argc-1]
		LoadFrom(I32Const(256), Load32(0), I32Const(1), Op(OpSub), I32Const(4), Op(OpMul, OpAdd)),
		LocalSet(0),

		// its length runs to the end of the buffer, minus the trailing NUL
		Store32(16, LocalGet(0)),
		Store32(20, Seq(I32Const(1024), Load32(4), Op(OpAdd), I32Const(1), Op(OpSub), LocalGet(0), Op(OpSub))),

		I32Const(1), I32Const(16), I32Const(2), I32Const(32), Call(fdWrite), Drop(),
	)
	return b.Bytes()
}

// OpenFile is a WASI command opening path relative to the first preopened
// directory. For reads it copies up to 4 KiB of the file to stdout; for
// writes it only creates the file. A failed open exits with the errno.
func OpenFile(path string, write bool) []byte {
	var b Builder
	pathOpen := b.Import(wasi, "path_open",
		[]byte{I32, I32, I32, I32, I32, I64, I64, I32, I32}, ret32)
	fdRead := b.Import(wasi, "fd_read", i32x4, ret32)
	fdWrite := b.Import(wasi, "fd_write", i32x4, ret32)
	procExit := b.Import(wasi, "proc_exit", []byte{I32}, nil)
	b.Memory(1)

	// 0: opened fd, 8: read iovec, 16: nread, 24: write iovec,
	// 32: nwritten, 256: path, 1024: file buffer
	b.Data(8, append(le32(1024), le32(4096)...))
	b.Data(256, []byte(path))

	oflags, rights := int32(0), int64(1<<1) // fd_read
	if write {
		oflags, rights = 1, 1<<6 // O_CREAT, fd_write
	}

	body := [][]byte{
		I32Const(3), I32Const(0), I32Const(256), I32Const(int32(len(path))),
		I32Const(oflags), I64Const(rights), I64Const(0), I32Const(0), I32Const(0),
		Call(pathOpen), LocalSet(0),
		IfNonZero(0, LocalGet(0), Call(procExit)),
	}
	if !write {
		body = append(body,
			Load32(0), I32Const(8), I32Const(1), I32Const(16), Call(fdRead), Drop(),
			Store32(24, I32Const(1024)), Store32(28, Load32(16)),
			I32Const(1), I32Const(24), I32Const(1), I32Const(32), Call(fdWrite), Drop(),
		)
	}
	b.Func("_start", nil, nil, []byte{I32}, body...)
	return b.Bytes()
}

// UnsatisfiedImport is a command that needs env.host_magic, which no host
// provides.
func UnsatisfiedImport() []byte {
	var b Builder
	magic := b.Import("env", "host_magic", nil, nil)
	b.Memory(1)
	b.Func("_start", nil, nil, nil, Call(magic))
	b.Func("add", i32x2, ret32, nil, Binary(opI32Add))
	return b.Bytes()
}

// Component returns a component preamble followed by an import section
// declaring each name as an instance import.
func Component(imports ...string) []byte {
	out := []byte{0x00, 0x61, 0x73, 0x6d, 0x0d, 0x00, 0x01, 0x00}
	if len(imports) == 0 {
		return out
	}
	s := uleb(uint32(len(imports)))
	for _, imp := range imports {
		s = append(s, 0x00)
		s = append(s, name(imp)...)
		s = append(s, 0x05, 0x00) // instance, type 0
	}
	return section(out, 10, s)
}

// Install writes wasm to <root>/<plugin>/<plugin>.wasm and returns the path.
func Install(root, plugin string, wasm []byte) (string, error) {
	dir := filepath.Join(root, plugin)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	path := filepath.Join(dir, plugin+".wasm")
	return path, os.WriteFile(path, wasm, 0o644)
}
