// Package config handles wadoo.toml host configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/sirupsen/logrus"

	"github.com/mrhapile/wasi-plugin-host/fluid"
	"github.com/mrhapile/wasi-plugin-host/runtime"
)

// FileName is the configuration file FindAndLoad looks for.
const FileName = "wadoo.toml"

// Environment variables that override file settings.
const (
	EnvPluginPath = "WADOO_PLUGIN_PATH"
	EnvEngine     = "WADOO_ENGINE"
	EnvAddr       = "WADOO_ADDR"
	EnvLogLevel   = "WADOO_LOG_LEVEL"
)

// Config represents a wadoo.toml host configuration.
type Config struct {
	Server    Server    `toml:"server"`
	Plugins   Plugins   `toml:"plugins"`
	Runtime   Runtime   `toml:"runtime"`
	Component Component `toml:"component"`
	Log       Log       `toml:"log"`

	// Dir is the directory relative paths are resolved against: the
	// directory containing wadoo.toml, or the working directory.
	Dir string `toml:"-"`
}

// Server configures the HTTP boundary.
type Server struct {
	Addr            string   `toml:"addr"`
	ShutdownTimeout Duration `toml:"shutdown-timeout"`
}

// Plugins configures where artifacts are resolved from. Stores are consulted
// in order: explicit paths, the base path, then the upward search.
type Plugins struct {
	// Path is a plugin root laid out as <path>/<name>/<artifact>.
	Path string `toml:"path"`
	// Fluid marks Path as a Fluid dataset mount.
	Fluid bool `toml:"fluid"`
	// Search is a root (relative to each probed directory) looked for while
	// walking up from Dir, at most MaxAscents levels.
	Search     string `toml:"search"`
	MaxAscents int    `toml:"max-ascents"`
	// ArtifactFile fixes the file name inside each plugin directory.
	ArtifactFile string `toml:"artifact-file"`
	// Paths maps plugin names straight to artifact files.
	Paths map[string]string `toml:"paths"`
}

// Runtime configures engines and invocations.
type Runtime struct {
	Engine         string   `toml:"engine"`
	Timeout        Duration `toml:"timeout"`
	MaxConcurrent  int64    `toml:"max-concurrent"`
	TempDir        string   `toml:"temp-dir"`
	PositionalBody bool     `toml:"positional-body"`
	Entry          string   `toml:"entry"`
}

// Component configures the external runtime used for component artifacts.
// An empty Runner disables component execution.
type Component struct {
	Runner string   `toml:"runner"`
	Args   []string `toml:"args"`
}

// Log configures the logger.
type Log struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// Duration is a time.Duration written as a string ("30s") in TOML.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	dir, _ := os.Getwd()
	return &Config{
		Server: Server{
			Addr:            ":8080",
			ShutdownTimeout: Duration{5 * time.Second},
		},
		Plugins: Plugins{
			Search:     "plugins",
			MaxAscents: fluid.DefaultMaxAscents,
		},
		Runtime: Runtime{
			Engine:         string(runtime.EngineWazero),
			Timeout:        Duration{30 * time.Second},
			MaxConcurrent:  16,
			PositionalBody: true,
			Entry:          runtime.DefaultEntry,
		},
		Component: Component{
			Runner: "wasmtime",
		},
		Log: Log{
			Level:  "info",
			Format: "text",
		},
		Dir: dir,
	}
}

// Load parses a wadoo.toml file. Keys absent from the file keep their
// defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}

	c := Default()
	if err := toml.Unmarshal(data, c); err != nil {
		return nil, fmt.Errorf("parse error in %s: %w", path, err)
	}

	c.Dir, err = filepath.Abs(filepath.Dir(path))
	if err != nil {
		return nil, fmt.Errorf("cannot resolve path %s: %w", path, err)
	}
	return c, nil
}

// FindAndLoad walks up from startDir, at most maxAscents levels, to find a
// wadoo.toml file, then loads it. Returns nil if no file is found.
func FindAndLoad(startDir string, maxAscents int) (*Config, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return nil, err
	}

	for i := 0; i <= maxAscents; i++ {
		path := filepath.Join(dir, FileName)
		if _, err := os.Stat(path); err == nil {
			return Load(path)
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			// Reached root
			return nil, nil
		}
		dir = parent
	}
	return nil, nil
}

// Discover loads path when given, otherwise the nearest wadoo.toml above the
// working directory, otherwise the defaults. Environment overrides are
// applied and the result is validated.
func Discover(path string) (*Config, error) {
	var (
		c   *Config
		err error
	)
	if path != "" {
		c, err = Load(path)
	} else {
		var wd string
		if wd, err = os.Getwd(); err == nil {
			c, err = FindAndLoad(wd, fluid.DefaultMaxAscents)
		}
	}
	if err != nil {
		return nil, err
	}
	if c == nil {
		c = Default()
	}

	c.ApplyEnv()
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return c, nil
}

// ApplyEnv overrides settings from WADOO_* environment variables.
func (c *Config) ApplyEnv() {
	if v, ok := os.LookupEnv(EnvPluginPath); ok {
		c.Plugins.Path = v
	}
	if v, ok := os.LookupEnv(EnvEngine); ok {
		c.Runtime.Engine = v
	}
	if v, ok := os.LookupEnv(EnvAddr); ok {
		c.Server.Addr = v
	}
	if v, ok := os.LookupEnv(EnvLogLevel); ok {
		c.Log.Level = v
	}
}

// Validate checks the configuration for values the host cannot run with.
func (c *Config) Validate() error {
	var errs []error

	switch runtime.EngineKind(c.Runtime.Engine) {
	case runtime.EngineWazero, runtime.EngineWasmEdge:
	default:
		errs = append(errs, fmt.Errorf("runtime.engine: unknown engine %q", c.Runtime.Engine))
	}
	if c.Runtime.Timeout.Duration < 0 {
		errs = append(errs, errors.New("runtime.timeout: must not be negative"))
	}
	if c.Runtime.MaxConcurrent < 0 {
		errs = append(errs, errors.New("runtime.max-concurrent: must not be negative"))
	}
	if c.Plugins.Path == "" && c.Plugins.Search == "" && len(c.Plugins.Paths) == 0 {
		errs = append(errs, errors.New("plugins: one of path, search or paths is required"))
	}
	for name := range c.Plugins.Paths {
		if !fluid.ValidName(name) {
			errs = append(errs, fmt.Errorf("plugins.paths: invalid plugin name %q", name))
		}
	}
	if _, err := logrus.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format: expected text or json, got %q", c.Log.Format))
	}
	return errors.Join(errs...)
}

// resolve makes p absolute against c.Dir.
func (c *Config) resolve(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.Dir, p)
}

// Store builds the plugin store chain described by [plugins].
func (c *Config) Store() fluid.PluginStore {
	var opts []fluid.Option
	if c.Plugins.ArtifactFile != "" {
		opts = append(opts, fluid.WithArtifactFile(c.Plugins.ArtifactFile))
	}

	var chain fluid.ChainPluginStore
	if len(c.Plugins.Paths) > 0 {
		paths := make(map[string]string, len(c.Plugins.Paths))
		for name, p := range c.Plugins.Paths {
			paths[name] = c.resolve(p)
		}
		chain = append(chain, fluid.NewExplicitPluginStore(paths))
	}
	if c.Plugins.Path != "" {
		if c.Plugins.Fluid {
			chain = append(chain, fluid.NewFluidPluginStore(c.resolve(c.Plugins.Path), opts...))
		} else {
			chain = append(chain, fluid.NewLocalPluginStore(c.resolve(c.Plugins.Path), opts...))
		}
	}
	if c.Plugins.Search != "" {
		chain = append(chain, fluid.NewSearchPluginStore(c.Dir, c.Plugins.Search, c.Plugins.MaxAscents, opts...))
	}

	if len(chain) == 1 {
		return chain[0]
	}
	return chain
}

// InvokerOptions converts [runtime] into invoker options.
func (c *Config) InvokerOptions() runtime.Options {
	return runtime.Options{
		Timeout:        c.Runtime.Timeout.Duration,
		MaxConcurrent:  c.Runtime.MaxConcurrent,
		TempDir:        c.resolve(c.Runtime.TempDir),
		PositionalBody: c.Runtime.PositionalBody,
		Entry:          c.Runtime.Entry,
	}
}

// ComponentRunner returns the configured runner, or nil when component
// execution is disabled.
func (c *Config) ComponentRunner() runtime.ComponentRunner {
	if c.Component.Runner == "" {
		return nil
	}
	return runtime.NewProcessRunner(c.Component.Runner, c.Component.Args...)
}

// NewLogger builds the logger described by [log]. Call Validate first; an
// unparsable level falls back to info.
func (c *Config) NewLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(os.Stderr)

	level, err := logrus.ParseLevel(c.Log.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	log.SetLevel(level)

	if c.Log.Format == "json" {
		log.SetFormatter(&logrus.JSONFormatter{})
	} else {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return log
}
