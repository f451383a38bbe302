// Package fluid provides an abstraction layer for plugin storage.
//
// This package enables switching between local filesystem storage (development),
// Fluid dataset mounts (production), explicitly configured artifact paths and
// a bounded upward search from a base directory, without changing plugin
// execution logic.
//
// # Fluid Dataset Integration
//
// Fluid (https://github.com/fluid-cloudnative/fluid) is a Kubernetes-native
// distributed dataset orchestrator. In production, Fluid mounts the dataset as
// a regular POSIX filesystem path (e.g., /mnt/fluid/plugins). This package
// treats that mount as an ordinary directory, requiring NO Kubernetes client
// or Fluid-specific APIs.
//
// # Layout
//
// Every store resolves a plugin to
//
//	<root>/<name>/<artifact file>
//
// where the artifact file defaults to <name>.wasm and can be fixed with
// WithArtifactFile (e.g. "dotnet.wasm" for bundled command-style plugins).
// The plugin's directory is what a command-style guest sees as "/".
package fluid

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// ErrPluginNotFound is returned when a plugin cannot be resolved.
var ErrPluginNotFound = errors.New("plugin not found")

// PluginStore resolves plugin names to filesystem paths.
//
// Implementations must:
//   - Return the path to the artifact file
//   - Return ErrPluginNotFound if the plugin doesn't exist
//   - NOT modify or cache plugin files
type PluginStore interface {
	// Resolve converts a plugin name to its artifact path.
	//
	// Returns ErrPluginNotFound if the plugin does not exist.
	Resolve(pluginName string) (string, error)
}

// Option configures the artifact layout of a store.
type Option func(*layout)

// WithArtifactFile fixes the artifact file name inside every plugin
// directory. An empty name restores the <name>.wasm default.
func WithArtifactFile(file string) Option {
	return func(l *layout) { l.artifactFile = file }
}

type layout struct {
	artifactFile string
}

func newLayout(opts []Option) layout {
	var l layout
	for _, opt := range opts {
		opt(&l)
	}
	return l
}

func (l layout) path(root, pluginName string) string {
	file := l.artifactFile
	if file == "" {
		file = pluginName + ".wasm"
	}
	return filepath.Join(root, pluginName, file)
}

// ValidName reports whether name is safe to use as a path component.
// Only ASCII letters, digits, underscore and hyphen are allowed, which rules
// out traversal ("../etc"), separators and NUL bytes.
func ValidName(name string) bool {
	if len(name) == 0 {
		return false
	}
	for _, c := range name {
		if !((c >= 'a' && c <= 'z') ||
			(c >= 'A' && c <= 'Z') ||
			(c >= '0' && c <= '9') ||
			c == '_' || c == '-') {
			return false
		}
	}
	return true
}

// stat checks an artifact path, mapping a missing file to ErrPluginNotFound.
func stat(wasmPath, pluginName, where string) (string, error) {
	if _, err := os.Stat(wasmPath); err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("%w: %s", ErrPluginNotFound, pluginName)
		}
		return "", fmt.Errorf("failed to access plugin%s: %w", where, err)
	}
	return wasmPath, nil
}

// LocalPluginStore resolves plugins from the local filesystem.
//
// Directory structure expected:
//
//	<basePath>/
//	├── calc/
//	│   └── calc.wasm
//	└── math/
//	    └── math.wasm
type LocalPluginStore struct {
	basePath string
	layout   layout
}

// NewLocalPluginStore creates a LocalPluginStore with the given base path.
//
// Example:
//
//	store := NewLocalPluginStore("./plugins")
//	path, err := store.Resolve("calc") // returns "plugins/calc/calc.wasm"
func NewLocalPluginStore(basePath string, opts ...Option) *LocalPluginStore {
	return &LocalPluginStore{basePath: basePath, layout: newLayout(opts)}
}

// Resolve returns the path to a plugin's artifact.
func (s *LocalPluginStore) Resolve(pluginName string) (string, error) {
	if !ValidName(pluginName) {
		return "", fmt.Errorf("%w: %q", ErrPluginNotFound, pluginName)
	}
	return stat(s.layout.path(s.basePath, pluginName), pluginName, "")
}

// FluidPluginStore resolves plugins from a Fluid dataset mount.
//
// A Dataset CR defines the remote storage, an AlluxioRuntime or
// JuiceFSRuntime caches and mounts it, and the pod mounts the PVC at a path:
//
//	volumes:
//	  - name: plugins
//	    persistentVolumeClaim:
//	      claimName: wasm-plugins
//	volumeMounts:
//	  - name: plugins
//	    mountPath: /mnt/fluid/plugins
//
// From the application's perspective, it's just a filesystem path.
type FluidPluginStore struct {
	mountPath string
	layout    layout
}

// NewFluidPluginStore creates a FluidPluginStore with the given mount path.
func NewFluidPluginStore(mountPath string, opts ...Option) *FluidPluginStore {
	return &FluidPluginStore{mountPath: mountPath, layout: newLayout(opts)}
}

// Resolve returns the path to a plugin's artifact from the Fluid mount.
//
// Fluid's FUSE layer fetches from remote storage if needed; permission,
// mount and network problems surface as filesystem errors.
func (s *FluidPluginStore) Resolve(pluginName string) (string, error) {
	if !ValidName(pluginName) {
		return "", fmt.Errorf("%w: %q", ErrPluginNotFound, pluginName)
	}
	return stat(s.layout.path(s.mountPath, pluginName), pluginName, " on Fluid mount")
}

// ExplicitPluginStore serves artifacts whose paths were configured one by one.
type ExplicitPluginStore struct {
	paths map[string]string
}

// NewExplicitPluginStore maps plugin names to artifact paths.
func NewExplicitPluginStore(paths map[string]string) *ExplicitPluginStore {
	copied := make(map[string]string, len(paths))
	for name, path := range paths {
		copied[name] = path
	}
	return &ExplicitPluginStore{paths: copied}
}

func (s *ExplicitPluginStore) Resolve(pluginName string) (string, error) {
	path, ok := s.paths[pluginName]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrPluginNotFound, pluginName)
	}
	return stat(path, pluginName, "")
}

// DefaultMaxAscents bounds how many parent directories SearchPluginStore
// probes.
const DefaultMaxAscents = 10

// SearchPluginStore looks for <dir>/<relRoot>/<name>/<artifact> starting at a
// base directory and walking up through its parents, at most maxAscents
// times. It finds plugins from a binary running deep inside a build tree.
type SearchPluginStore struct {
	base       string
	relRoot    string
	maxAscents int
	layout     layout
}

// NewSearchPluginStore creates a SearchPluginStore. maxAscents <= 0 uses
// DefaultMaxAscents.
func NewSearchPluginStore(base, relRoot string, maxAscents int, opts ...Option) *SearchPluginStore {
	if maxAscents <= 0 {
		maxAscents = DefaultMaxAscents
	}
	return &SearchPluginStore{base: base, relRoot: relRoot, maxAscents: maxAscents, layout: newLayout(opts)}
}

func (s *SearchPluginStore) Resolve(pluginName string) (string, error) {
	if !ValidName(pluginName) {
		return "", fmt.Errorf("%w: %q", ErrPluginNotFound, pluginName)
	}

	dir, err := filepath.Abs(s.base)
	if err != nil {
		return "", fmt.Errorf("cannot resolve search base %s: %w", s.base, err)
	}

	for i := 0; i <= s.maxAscents; i++ {
		candidate := s.layout.path(filepath.Join(dir, s.relRoot), pluginName)
		if _, err := os.Stat(candidate); err == nil {
			return candidate, nil
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			// Reached root
			break
		}
		dir = parent
	}
	return "", fmt.Errorf("%w: %s (searched %d levels above %s)", ErrPluginNotFound, pluginName, s.maxAscents, s.base)
}

// ChainPluginStore tries stores in order and returns the first hit. A
// failure other than ErrPluginNotFound stops the chain.
type ChainPluginStore []PluginStore

func (c ChainPluginStore) Resolve(pluginName string) (string, error) {
	for _, store := range c {
		path, err := store.Resolve(pluginName)
		if err == nil {
			return path, nil
		}
		if !errors.Is(err, ErrPluginNotFound) {
			return "", err
		}
	}
	return "", fmt.Errorf("%w: %s", ErrPluginNotFound, pluginName)
}
