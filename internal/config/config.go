package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"github.com/throw-if-null/simgate/internal/api"
	"github.com/throw-if-null/simgate/internal/engine"
	"github.com/throw-if-null/simgate/internal/license"
	"github.com/throw-if-null/simgate/internal/paths"
)

type Config struct {
	Server    ServerConfig    `toml:"server" yaml:"server"`
	Engine    EngineConfig    `toml:"engine" yaml:"engine"`
	License   LicenseConfig   `toml:"license" yaml:"license"`
	Store     StoreConfig     `toml:"store" yaml:"store"`
	Log       LogConfig       `toml:"log" yaml:"log"`
	Telemetry TelemetryConfig `toml:"telemetry" yaml:"telemetry"`
}

type ServerConfig struct {
	Host string `toml:"host" yaml:"host"`
	Port int    `toml:"port" yaml:"port"`
}

type EngineConfig struct {
	Command []string `toml:"command" yaml:"command"`
	TempDir string   `toml:"temp_dir" yaml:"temp_dir"`
	Env     []string `toml:"env" yaml:"env"`
}

type LicenseConfig struct {
	LockPath         string   `toml:"lock_path" yaml:"lock_path"`
	ReclaimThreshold Duration `toml:"reclaim_threshold" yaml:"reclaim_threshold"`
	WatchdogInterval Duration `toml:"watchdog_interval" yaml:"watchdog_interval"`
}

type StoreConfig struct {
	// Path is resolved against the root passed to Load when relative.
	Path string `toml:"path" yaml:"path"`
}

type LogConfig struct {
	Level  string `toml:"level" yaml:"level"`
	Format string `toml:"format" yaml:"format"`
}

type TelemetryConfig struct {
	Enabled     bool   `toml:"enabled" yaml:"enabled"`
	Endpoint    string `toml:"endpoint" yaml:"endpoint"`
	ServiceName string `toml:"service_name" yaml:"service_name"`
	Insecure    bool   `toml:"insecure" yaml:"insecure"`
}

// Duration is a time.Duration written as a Go duration string ("62.5ms").
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(b)))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Duration) UnmarshalYAML(n *yaml.Node) error {
	return d.UnmarshalText([]byte(n.Value))
}

func Default() Config {
	return Config{
		Server: ServerConfig{Host: api.DefaultHost, Port: api.DefaultPort},
		Engine: EngineConfig{Command: []string{engine.DefaultCommand}},
		License: LicenseConfig{
			LockPath:         license.DefaultLockPath,
			ReclaimThreshold: Duration(license.DefaultReclaimThreshold),
			WatchdogInterval: Duration(license.DefaultWatchdogInterval),
		},
		Store:     StoreConfig{Path: filepath.ToSlash(filepath.Join(paths.StateDirName, "simgate.db"))},
		Log:       LogConfig{Level: "info", Format: "text"},
		Telemetry: TelemetryConfig{ServiceName: "simgate"},
	}
}

var (
	ErrInvalid = errors.New("invalid config")
)

type LoadResult struct {
	Config     Config
	Found      bool
	Path       string
	ParseError error
}

// Load reads <root>/.simgate/config.toml, falling back to config.yaml. A
// missing file yields the defaults.
func Load(root string) LoadResult {
	res := LoadResult{Config: Default()}
	dir := paths.StateDir(root)

	for _, name := range []string{"config.toml", "config.yaml"} {
		path := filepath.Join(dir, name)
		b, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			res.Path = path
			res.ParseError = err
			return res
		}

		res.Found = true
		res.Path = path
		var parsed Config
		if filepath.Ext(name) == ".toml" {
			err = toml.Unmarshal(b, &parsed)
		} else {
			err = yaml.Unmarshal(b, &parsed)
		}
		if err != nil {
			res.ParseError = fmt.Errorf("%w: %v", ErrInvalid, err)
			return res
		}
		res.Config = merge(Default(), parsed)
		return res
	}
	res.Path = filepath.Join(dir, "config.toml")
	return res
}

func merge(def Config, cfg Config) Config {
	// Server
	if cfg.Server.Host != "" {
		def.Server.Host = cfg.Server.Host
	}
	if cfg.Server.Port != 0 {
		def.Server.Port = cfg.Server.Port
	}
	// Engine
	if len(cfg.Engine.Command) != 0 {
		def.Engine.Command = cfg.Engine.Command
	}
	if cfg.Engine.TempDir != "" {
		def.Engine.TempDir = cfg.Engine.TempDir
	}
	if len(cfg.Engine.Env) != 0 {
		def.Engine.Env = cfg.Engine.Env
	}
	// License
	if cfg.License.LockPath != "" {
		def.License.LockPath = cfg.License.LockPath
	}
	if cfg.License.ReclaimThreshold != 0 {
		def.License.ReclaimThreshold = cfg.License.ReclaimThreshold
	}
	if cfg.License.WatchdogInterval != 0 {
		def.License.WatchdogInterval = cfg.License.WatchdogInterval
	}
	// Store
	if cfg.Store.Path != "" {
		def.Store.Path = cfg.Store.Path
	}
	// Log
	if cfg.Log.Level != "" {
		def.Log.Level = cfg.Log.Level
	}
	if cfg.Log.Format != "" {
		def.Log.Format = cfg.Log.Format
	}
	// Telemetry
	def.Telemetry.Enabled = cfg.Telemetry.Enabled
	def.Telemetry.Insecure = cfg.Telemetry.Insecure
	if cfg.Telemetry.Endpoint != "" {
		def.Telemetry.Endpoint = cfg.Telemetry.Endpoint
	}
	if cfg.Telemetry.ServiceName != "" {
		def.Telemetry.ServiceName = cfg.Telemetry.ServiceName
	}
	return def
}

// ApplyEnv overrides cfg from environment variables looked up with lookup
// (os.LookupEnv in production).
func ApplyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	if v, ok := lookup("SIMGATE_HOST"); ok && v != "" {
		cfg.Server.Host = v
	}
	if v, ok := lookup("SIMGATE_PORT"); ok && v != "" {
		p, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%w: SIMGATE_PORT: %v", ErrInvalid, err)
		}
		cfg.Server.Port = p
	}
	if v, ok := lookup("SIMGATE_ENGINE_COMMAND"); ok && strings.TrimSpace(v) != "" {
		cfg.Engine.Command = strings.Fields(v)
	}
	if v, ok := lookup("SIMGATE_TEMP_DIR"); ok && v != "" {
		cfg.Engine.TempDir = v
	}
	if v, ok := lookup("SIMGATE_LOCK_PATH"); ok && v != "" {
		cfg.License.LockPath = v
	}
	if v, ok := lookup("SIMGATE_DB_PATH"); ok && v != "" {
		cfg.Store.Path = v
	}
	if v, ok := lookup("SIMGATE_LOG_LEVEL"); ok && v != "" {
		cfg.Log.Level = v
	}
	if v, ok := lookup("OTEL_EXPORTER_OTLP_ENDPOINT"); ok && v != "" {
		cfg.Telemetry.Endpoint = v
		cfg.Telemetry.Enabled = true
	}
	return nil
}

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("%w: server.port %d out of range", ErrInvalid, c.Server.Port)
	}
	if len(c.Engine.Command) == 0 || c.Engine.Command[0] == "" {
		return fmt.Errorf("%w: engine.command is empty", ErrInvalid)
	}
	if c.License.LockPath == "" {
		return fmt.Errorf("%w: license.lock_path is empty", ErrInvalid)
	}
	if c.License.ReclaimThreshold <= 0 {
		return fmt.Errorf("%w: license.reclaim_threshold must be positive", ErrInvalid)
	}
	if c.License.WatchdogInterval <= 0 {
		return fmt.Errorf("%w: license.watchdog_interval must be positive", ErrInvalid)
	}
	return nil
}

// DBPath resolves the store path against root.
func (c Config) DBPath(root string) string {
	if c.Store.Path == "" {
		return paths.DefaultDBPath(root)
	}
	if filepath.IsAbs(c.Store.Path) {
		return c.Store.Path
	}
	return filepath.Join(root, filepath.FromSlash(c.Store.Path))
}

// Addr is the listen address.
func (c Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
