package runtime

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/google/uuid"
)

// GuestRoot is where the plugin's own directory is mounted in the guest.
const GuestRoot = "/"

// Request is one command-mode invocation: an HTTP-like verb, a path and an
// optional body.
type Request struct {
	Method string
	Path   string
	Body   string
}

// Mount is a host directory exposed to the guest.
type Mount struct {
	HostDir   string
	GuestPath string
	ReadOnly  bool
}

// Environment is the process environment a command-style guest observes for
// a single invocation. It owns two temp files backing stdout and stderr;
// Release must be called on every exit path.
type Environment struct {
	ID     string
	Args   []string
	Env    map[string]string
	Mounts []Mount
	Stdin  io.Reader
	Stdout *os.File
	Stderr *os.File
}

// EnvOptions tunes environment construction.
type EnvOptions struct {
	// TempDir holds the stdout/stderr sinks. Empty means os.TempDir().
	TempDir string
	// PositionalBody appends a non-empty request body as the last argument.
	PositionalBody bool
}

// BuildEnvironment assembles argv, env, the read-only plugin mount and fresh
// stdio sinks for one invocation of art.
func BuildEnvironment(art *Artifact, req Request, opts EnvOptions) (*Environment, error) {
	id := uuid.NewString()

	args := []string{art.FileName(), art.Name, req.Method, req.Path}
	if req.Body != "" && opts.PositionalBody {
		args = append(args, req.Body)
	}

	env := &Environment{
		ID:   id,
		Args: args,
		Env:  map[string]string{"PWD": GuestRoot},
		Mounts: []Mount{
			{HostDir: art.Dir, GuestPath: GuestRoot, ReadOnly: true},
		},
		Stdin: os.Stdin,
	}

	var err error
	env.Stdout, err = os.CreateTemp(opts.TempDir, fmt.Sprintf("%s-%s-stdout-*", art.Name, id[:8]))
	if err != nil {
		return nil, fmt.Errorf("create stdout sink: %w", err)
	}
	env.Stderr, err = os.CreateTemp(opts.TempDir, fmt.Sprintf("%s-%s-stderr-*", art.Name, id[:8]))
	if err != nil {
		_ = env.Release()
		return nil, fmt.Errorf("create stderr sink: %w", err)
	}
	return env, nil
}

// EnvPairs returns the environment as KEY=VALUE strings in key order.
func (e *Environment) EnvPairs() []string {
	keys := make([]string, 0, len(e.Env))
	for k := range e.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, k+"="+e.Env[k])
	}
	return pairs
}

// SinkPaths returns the stdout and stderr temp file paths.
func (e *Environment) SinkPaths() []string {
	var paths []string
	for _, f := range []*os.File{e.Stdout, e.Stderr} {
		if f != nil {
			paths = append(paths, f.Name())
		}
	}
	return paths
}

// Capture reads back both sinks.
func (e *Environment) Capture() (CapturedOutput, error) {
	var out CapturedOutput
	stdout, err := os.ReadFile(e.Stdout.Name())
	if err != nil {
		return out, fmt.Errorf("read stdout sink: %w", err)
	}
	stderr, err := os.ReadFile(e.Stderr.Name())
	if err != nil {
		return out, fmt.Errorf("read stderr sink: %w", err)
	}
	out.Stdout = string(stdout)
	out.Stderr = string(stderr)
	return out, nil
}

// Release closes and deletes both sinks. It is safe to call more than once.
func (e *Environment) Release() error {
	var errs []error
	for _, f := range []**os.File{&e.Stdout, &e.Stderr} {
		if *f == nil {
			continue
		}
		name := (*f).Name()
		_ = (*f).Close()
		if err := os.Remove(name); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
		*f = nil
	}
	return errors.Join(errs...)
}
