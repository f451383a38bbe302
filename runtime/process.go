package runtime

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"syscall"
	"time"
)

// ComponentRunner executes a component artifact against a prepared
// environment. Components cannot be instantiated through the module
// pathway, so command-mode invocations of components go through one.
type ComponentRunner interface {
	Run(ctx context.Context, art *Artifact, env *Environment) (Exit, error)
}

// ProcessRunner runs components in a child process using a component-capable
// CLI runtime, by default:
//
//	wasmtime run [Args...] --dir <plugin dir>::/ --env PWD=/ <artifact> <plugin> <verb> <path> [body]
//
// The child writes straight into the environment's sink files, so neither
// stream can fill up and stall the child while the host waits for exit.
//
// The wasmtime CLI has no read-only preopen, so Mount.ReadOnly is not
// enforced for components: the plugin directory is writable by the guest.
type ProcessRunner struct {
	Binary string
	Args   []string
}

// NewProcessRunner returns a runner invoking binary (default "wasmtime").
func NewProcessRunner(binary string, args ...string) *ProcessRunner {
	if binary == "" {
		binary = "wasmtime"
	}
	return &ProcessRunner{Binary: binary, Args: args}
}

func (r *ProcessRunner) command(ctx context.Context, art *Artifact, env *Environment) *exec.Cmd {
	args := append([]string{"run"}, r.Args...)
	for _, m := range env.Mounts {
		args = append(args, "--dir", m.HostDir+"::"+m.GuestPath)
	}
	for _, kv := range env.EnvPairs() {
		args = append(args, "--env", kv)
	}
	// argv[0] inside the guest is the artifact name as passed here.
	args = append(args, art.FileName())
	args = append(args, env.Args[1:]...)

	cmd := exec.CommandContext(ctx, r.Binary, args...)
	cmd.Dir = art.Dir
	cmd.Stdin = env.Stdin
	cmd.Stdout = env.Stdout
	cmd.Stderr = env.Stderr
	cmd.WaitDelay = time.Second
	return cmd
}

// Run starts the child and waits for it. A non-zero exit is reported as a
// trapped Exit, not an error; only failing to run the child at all is.
func (r *ProcessRunner) Run(ctx context.Context, art *Artifact, env *Environment) (Exit, error) {
	err := r.command(ctx, art, env).Run()
	if ctx.Err() != nil {
		return Exit{}, fmt.Errorf("%w: %s: %v", ErrTimeout, r.Binary, ctx.Err())
	}
	if err == nil {
		return Exit{}, nil
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return Exit{
			Code:    exitCode(exitErr),
			Trapped: true,
			Reason:  exitErr.String(),
		}, nil
	}
	return Exit{}, fmt.Errorf("run %s: %w", r.Binary, err)
}

// exitCode follows the shell convention of 128+N for a child killed by
// signal N, where ExitCode reports -1.
func exitCode(err *exec.ExitError) uint32 {
	if code := err.ExitCode(); code >= 0 {
		return uint32(code)
	}
	if ws, ok := err.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return 128 + uint32(ws.Signal())
	}
	return 128
}
