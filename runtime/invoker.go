package runtime

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"
)

// DefaultEntry is the process-style entry point of WASI commands.
const DefaultEntry = "_start"

// Options tunes the Invoker.
type Options struct {
	// Timeout is the wall-clock budget of one invocation, load included.
	// Zero disables it.
	Timeout time.Duration
	// MaxConcurrent bounds invocations in flight. Zero means unbounded.
	MaxConcurrent int64
	// TempDir holds the stdio sinks of command runs.
	TempDir string
	// PositionalBody passes a non-empty request body as the last argument.
	PositionalBody bool
	// Entry is the command entry point. Empty means DefaultEntry.
	Entry string
}

// Result is a successful command-mode invocation.
type Result struct {
	InvocationID string
	Payload      string
	// Source is "host" when the guest delivered the payload through the
	// host result capability, "stdout" when it was extracted from output.
	Source   string
	Exit     Exit
	Stderr   string
	Duration time.Duration
}

// Invoker drives invocations. Each call runs a fresh, stateless pipeline:
// load (cached), link, environment, session, execute, extract.
type Invoker struct {
	loader *Loader
	runner ComponentRunner
	opts   Options
	sem    *semaphore.Weighted
	log    logrus.FieldLogger
}

// NewInvoker creates an Invoker. runner may be nil, in which case component
// artifacts cannot be run.
func NewInvoker(loader *Loader, runner ComponentRunner, opts Options, log logrus.FieldLogger) *Invoker {
	if opts.Entry == "" {
		opts.Entry = DefaultEntry
	}
	inv := &Invoker{loader: loader, runner: runner, opts: opts, log: log}
	if opts.MaxConcurrent > 0 {
		inv.sem = semaphore.NewWeighted(opts.MaxConcurrent)
	}
	return inv
}

// begin applies the concurrency bound and the wall-clock budget.
func (i *Invoker) begin(ctx context.Context) (context.Context, func(), error) {
	if i.sem != nil {
		if err := i.sem.Acquire(ctx, 1); err != nil {
			return nil, nil, fmt.Errorf("%w: waiting for an invocation slot: %v", ErrTimeout, err)
		}
	}
	cancel := context.CancelFunc(func() {})
	if i.opts.Timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, i.opts.Timeout)
	}
	return ctx, func() {
		cancel()
		if i.sem != nil {
			i.sem.Release(1)
		}
	}, nil
}

// fail converts err into an InvocationError, using fallback when err does
// not already carry a kind.
func fail(plugin, op string, err, fallback error) error {
	kind := KindOf(err)
	if kind == nil {
		kind = fallback
	}
	if ie, ok := err.(*InvocationError); ok {
		return ie
	}
	return newInvocationError(kind, plugin, op, err)
}

// Call invokes the typed export named after op (lowercased) with two i32
// operands and returns its i32 result. The return value is authoritative;
// no stdio is captured.
func (i *Invoker) Call(ctx context.Context, plugin, op string, a, b int32) (int32, error) {
	export := strings.ToLower(op)

	ctx, done, err := i.begin(ctx)
	if err != nil {
		return 0, fail(plugin, export, err, ErrTimeout)
	}
	defer done()

	art, err := i.loader.Load(ctx, plugin)
	if err != nil {
		return 0, fail(plugin, export, err, ErrArtifactNotFound)
	}
	compiled, err := art.Module()
	if err != nil {
		return 0, fail(plugin, export, err, ErrFormatMismatch)
	}
	if !compiled.Export(export, 2, 1) {
		return 0, fail(plugin, export, fmt.Errorf("%w: %s(i32, i32) -> i32", ErrExportNotFound, export), ErrExportNotFound)
	}
	links, err := NewLinkTable(art.Imports)
	if err != nil {
		return 0, fail(plugin, export, err, ErrImportUnsatisfied)
	}

	sess, err := compiled.NewSession(ctx, links, nil)
	if err != nil {
		return 0, fail(plugin, export, err, ErrImportUnsatisfied)
	}
	defer func() {
		if err := sess.Close(context.WithoutCancel(ctx)); err != nil {
			i.log.WithError(err).WithField("plugin", plugin).Debug("session close")
		}
	}()

	result, err := sess.Call(ctx, export, a, b)
	if err != nil {
		return 0, fail(plugin, export, err, ErrRuntimeTrap)
	}

	i.log.WithFields(logrus.Fields{
		"plugin": plugin,
		"mode":   "direct",
	}).Debugf("called %s(%d, %d) = %d", export, a, b, result)
	return result, nil
}

// Invoke runs the plugin as a WASI command with req encoded in its argv and
// recovers the structured response from what it produced.
//
// Payload presence is the only success signal: a guest that traps or exits
// non-zero after printing a payload still succeeds, and non-empty stderr is
// never a failure by itself.
func (i *Invoker) Invoke(ctx context.Context, plugin string, req Request) (*Result, error) {
	op := req.Method + " " + req.Path
	start := time.Now()

	ctx, done, err := i.begin(ctx)
	if err != nil {
		return nil, fail(plugin, op, err, ErrTimeout)
	}
	defer done()

	art, err := i.loader.Load(ctx, plugin)
	if err != nil {
		return nil, fail(plugin, op, err, ErrArtifactNotFound)
	}

	env, err := BuildEnvironment(art, req, EnvOptions{
		TempDir:        i.opts.TempDir,
		PositionalBody: i.opts.PositionalBody,
	})
	if err != nil {
		// the WASI capabilities (stdio sinks) could not be provided
		return nil, newInvocationError(ErrImportUnsatisfied, plugin, op, fmt.Errorf("prepare environment: %w", err))
	}
	log := i.log.WithFields(logrus.Fields{
		"plugin":     plugin,
		"invocation": env.ID,
		"mode":       "command",
		"format":     art.Format.String(),
	})
	defer func() {
		if err := env.Release(); err != nil {
			log.WithError(err).Warn("failed to remove stdio sinks")
		}
	}()

	exit, delivered, err := i.execute(ctx, art, env)
	if err != nil {
		return nil, fail(plugin, op, err, ErrRuntimeTrap)
	}

	out, err := env.Capture()
	if err != nil {
		// whatever the guest produced cannot be read back
		return nil, newInvocationError(ErrNoPayloadFound, plugin, op, err)
	}

	result := &Result{
		InvocationID: env.ID,
		Exit:         exit,
		Stderr:       out.Stderr,
		Duration:     time.Since(start),
	}

	var extractErr error
	if delivered != nil {
		result.Payload, result.Source = string(delivered), "host"
	} else if result.Payload, extractErr = ExtractPayload(out); extractErr == nil {
		result.Source = "stdout"
	}

	if result.Payload != "" {
		entry := log.WithFields(logrus.Fields{"source": result.Source, "duration": result.Duration})
		if exit.Trapped {
			entry.WithField("reason", exit.Reason).Warn("guest ended abnormally after producing a payload")
		} else {
			entry.Debug("invocation complete")
		}
		return result, nil
	}

	if exit.Trapped {
		detail := out.Stderr
		if strings.TrimSpace(detail) == "" {
			detail = exit.Reason
		}
		log.WithField("reason", exit.Reason).Warn("guest trapped")
		return nil, &InvocationError{
			Kind:   ErrRuntimeTrap,
			Plugin: plugin,
			Op:     op,
			Detail: detail,
			Err:    fmt.Errorf("%s", exit.Reason),
		}
	}

	log.Warn("no payload in guest output")
	return nil, &InvocationError{
		Kind:   ErrNoPayloadFound,
		Plugin: plugin,
		Op:     op,
		Detail: out.Stdout,
		Err:    extractErr,
	}
}

// execute dispatches on the artifact's format, decided at load time.
func (i *Invoker) execute(ctx context.Context, art *Artifact, env *Environment) (Exit, []byte, error) {
	switch art.Format {
	case FormatModule:
		compiled, err := art.Module()
		if err != nil {
			return Exit{}, nil, err
		}
		links, err := NewLinkTable(art.Imports)
		if err != nil {
			return Exit{}, nil, err
		}
		sess, err := compiled.NewSession(ctx, links, env)
		if err != nil {
			return Exit{}, nil, err
		}
		defer func() { _ = sess.Close(context.WithoutCancel(ctx)) }()

		exit, err := sess.Run(ctx, i.opts.Entry)
		if err != nil {
			return Exit{}, nil, err
		}
		payload, _ := sess.Delivered()
		return exit, payload, nil

	case FormatComponent:
		if i.runner == nil {
			return Exit{}, nil, fmt.Errorf("%w: %s is a WebAssembly component and no component runner is configured", ErrFormatMismatch, art.Path)
		}
		imports, err := art.ComponentImports()
		if err != nil {
			return Exit{}, nil, err
		}
		if err := checkComponentImports(imports); err != nil {
			return Exit{}, nil, err
		}
		exit, err := i.runner.Run(ctx, art, env)
		return exit, nil, err

	default:
		return Exit{}, nil, fmt.Errorf("%w: unknown format %s", ErrFormatMismatch, art.Format)
	}
}
