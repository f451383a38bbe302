package runtime

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/mrhapile/wasi-plugin-host/fluid"
)

// Loader resolves plugin names to artifacts and keeps one compiled artifact
// per resolved path for the lifetime of the process.
//
// Concurrent first requests for the same path share a single load. Failed
// loads are never cached, so a plugin that appears later is picked up on the
// next call.
type Loader struct {
	store  fluid.PluginStore
	engine Engine
	log    logrus.FieldLogger

	mu    sync.RWMutex
	cache map[string]*Artifact
	group singleflight.Group
}

// NewLoader creates a Loader compiling modules with engine.
func NewLoader(store fluid.PluginStore, engine Engine, log logrus.FieldLogger) *Loader {
	return &Loader{
		store:  store,
		engine: engine,
		log:    log,
		cache:  make(map[string]*Artifact),
	}
}

// Engine returns the engine modules are compiled with.
func (l *Loader) Engine() Engine {
	return l.engine
}

// Load returns the artifact for the named plugin, loading it on first use.
func (l *Loader) Load(ctx context.Context, name string) (*Artifact, error) {
	path, err := l.store.Resolve(name)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrArtifactNotFound, err)
	}

	if art := l.cached(path); art != nil {
		return art, nil
	}

	// The load outlives any single caller: it is shared by everyone waiting
	// on this path.
	loadCtx := context.WithoutCancel(ctx)
	v, err, shared := l.group.Do(path, func() (interface{}, error) {
		if art := l.cached(path); art != nil {
			return art, nil
		}
		art, err := l.load(loadCtx, name, path)
		if err != nil {
			return nil, err
		}
		l.mu.Lock()
		l.cache[path] = art
		l.mu.Unlock()
		return art, nil
	})
	if err != nil {
		return nil, err
	}
	if shared {
		l.log.WithField("plugin", name).Debug("artifact load shared with a concurrent caller")
	}
	return v.(*Artifact), nil
}

func (l *Loader) cached(path string) *Artifact {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.cache[path]
}

// load reads, classifies and compiles one artifact.
func (l *Loader) load(ctx context.Context, name, path string) (*Artifact, error) {
	// Step 1: Read the binary
	wasm, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrArtifactNotFound, path)
		}
		return nil, fmt.Errorf("failed to read artifact %s: %w", path, err)
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("cannot resolve path %s: %w", path, err)
	}

	// Step 2: Module or component? Decided once, here.
	format, err := DetectFormat(wasm)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	art := &Artifact{
		Name:   name,
		Path:   abs,
		Dir:    filepath.Dir(abs),
		Format: format,
	}

	// Step 3: Parse declared imports and compile what can run in-process
	switch format {
	case FormatModule:
		if art.Imports, err = parseModuleImports(wasm); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		if art.compiled, err = l.engine.Compile(ctx, name, wasm); err != nil {
			return nil, err
		}
	case FormatComponent:
		if art.Imports, err = parseComponentImports(wasm); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
	}

	l.log.WithFields(logrus.Fields{
		"plugin":  name,
		"path":    abs,
		"format":  format.String(),
		"imports": len(art.Imports),
		"engine":  l.engine.Kind(),
	}).Info("artifact loaded")
	return art, nil
}

// Len reports how many artifacts are cached.
func (l *Loader) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.cache)
}

// Close releases every compiled artifact and then the engine.
func (l *Loader) Close(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	var errs []error
	for path, art := range l.cache {
		if art.compiled != nil {
			if err := art.compiled.Close(ctx); err != nil {
				errs = append(errs, err)
			}
		}
		delete(l.cache, path)
	}
	if err := l.engine.Close(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
