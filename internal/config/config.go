package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"

	"github.com/jo-hoe/bulkingest/internal/common"
	"github.com/jo-hoe/bulkingest/internal/jobs"
)

// EnvConfigPath names the environment variable consulted when no path is given.
const EnvConfigPath = "BULKINGEST_CONFIG"

// Config is the root configuration loaded from YAML.
type Config struct {
	Server  ServerConfig `yaml:"server"`
	Engine  EngineConfig `yaml:"engine"`
	Jobs    JobsConfig   `yaml:"jobs"`
	Store   StoreConfig  `yaml:"store"`
	DataDir string       `yaml:"dataDir"`
}

// ServerConfig holds HTTP server and runtime settings.
type ServerConfig struct {
	Addr          string        `yaml:"address"`
	ReadTimeout   time.Duration `yaml:"readTimeout"`
	WriteTimeout  time.Duration `yaml:"writeTimeout"`
	IdleTimeout   time.Duration `yaml:"idleTimeout"`
	MaxUploadSize ByteSize      `yaml:"maxUploadSize"`
	APIKey        string        `yaml:"apiKey"`        // optional static API key header (X-API-Key)
	ShutdownGrace time.Duration `yaml:"shutdownGrace"` // time to wait for in-flight jobs before forced stop
	LogLevel      string        `yaml:"logLevel"`      // debug|info|warn|error
	LogFormat     string        `yaml:"logFormat"`     // text|json
	LogFile       string        `yaml:"logFile"`       // optional, records are also appended here as JSON
}

// EngineConfig sizes the worker pool.
type EngineConfig struct {
	CoreWorkers      int           `yaml:"coreWorkers"`
	MaxWorkers       int           `yaml:"maxWorkers"`
	QueueCapacity    int           `yaml:"queueCapacity"`
	BurstIdleTimeout time.Duration `yaml:"burstIdleTimeout"`
}

// PoolConfig converts the section into the pool's own settings.
func (e EngineConfig) PoolConfig() jobs.PoolConfig {
	return jobs.PoolConfig{
		CoreWorkers:      e.CoreWorkers,
		MaxWorkers:       e.MaxWorkers,
		QueueCapacity:    e.QueueCapacity,
		BurstIdleTimeout: e.BurstIdleTimeout,
	}
}

// JobsConfig selects the job registry backend and its retention.
type JobsConfig struct {
	Registry      string        `yaml:"registry"`     // memory|sqlite
	DatabasePath  string        `yaml:"databasePath"` // sqlite registry only, default dataDir/jobs.db
	Retention     time.Duration `yaml:"retention"`    // 0 keeps terminal jobs forever
	PruneInterval time.Duration `yaml:"pruneInterval"`

	retentionSet bool
}

// UnmarshalYAML records whether retention was given so an explicit 0 survives defaulting.
func (j *JobsConfig) UnmarshalYAML(value *yaml.Node) error {
	type plain JobsConfig
	var raw plain
	if err := value.Decode(&raw); err != nil {
		return err
	}
	*j = JobsConfig(raw)
	for i := 0; i+1 < len(value.Content); i += 2 {
		if value.Content[i].Value == "retention" {
			j.retentionSet = true
		}
	}
	return nil
}

// StoreConfig selects where validated records are persisted.
type StoreConfig struct {
	Driver          string        `yaml:"driver"`      // sqlite|postgres
	SQLitePath      string        `yaml:"sqlitePath"`  // default dataDir/records.db
	PostgresURL     string        `yaml:"postgresUrl"` // supports env expansion
	MaxConns        int           `yaml:"maxConns"`
	MinConns        int           `yaml:"minConns"`
	MaxConnLifetime time.Duration `yaml:"maxConnLifetime"`
	MaxConnIdleTime time.Duration `yaml:"maxConnIdleTime"`
}

// ByteSize represents a size in bytes that unmarshals from strings like "10Mi", "20MB", "512KiB", "1024".
type ByteSize uint64

// UnmarshalYAML implements yaml unmarshalling for ByteSize.
func (b *ByteSize) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("invalid bytesize node kind: %v", value.Kind)
	}
	parsed, err := ParseByteSize(value.Value)
	if err != nil {
		return err
	}
	*b = ByteSize(parsed)
	return nil
}

func (b ByteSize) String() string {
	return humanize.IBytes(uint64(b))
}

// ParseByteSize parses "10Mi", "20MB", "512KiB" or "1024" into bytes.
// Kubernetes-style Ki/Mi/Gi/Ti are read as their KiB/MiB/GiB/TiB equivalents.
func ParseByteSize(s string) (uint64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, errors.New("empty size")
	}
	lower := strings.ToLower(s)
	for _, k8s := range []string{"ki", "mi", "gi", "ti"} {
		if strings.HasSuffix(lower, k8s) {
			s += "B"
			break
		}
	}
	v, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", s, err)
	}
	return v, nil
}

// Load reads YAML config from path, expands environment variables, and validates it.
// If path is empty, it will attempt to read from env var BULKINGEST_CONFIG, then default to "config.yaml".
func Load(path string) (*Config, error) {
	if path == "" {
		if env := os.Getenv(EnvConfigPath); env != "" {
			path = env
		} else {
			path = "config.yaml"
		}
	}
	cleanPath := filepath.Clean(path)
	data, err := os.ReadFile(cleanPath) // #nosec G304 - reading sanitized config file path is expected
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse expands environment variables in data, applies defaults, validates,
// and ensures the data dir exists.
func Parse(data []byte) (*Config, error) {
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	applyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, err
	}

	if err := os.MkdirAll(cfg.DataDir, 0o750); err != nil {
		return nil, fmt.Errorf("ensure dataDir: %w", err)
	}
	if cfg.Jobs.DatabasePath == "" {
		cfg.Jobs.DatabasePath = filepath.Join(cfg.DataDir, common.JobsDBFileName)
	}
	if cfg.Store.SQLitePath == "" {
		cfg.Store.SQLitePath = filepath.Join(cfg.DataDir, common.RecordsDBFileName)
	}
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":8080"
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = 15 * time.Second
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = 2 * time.Minute
	}
	if cfg.Server.IdleTimeout == 0 {
		cfg.Server.IdleTimeout = 60 * time.Second
	}
	if cfg.Server.MaxUploadSize == 0 {
		cfg.Server.MaxUploadSize = ByteSize(10 * 1024 * 1024) // 10 MiB default
	}
	if cfg.Server.ShutdownGrace == 0 {
		cfg.Server.ShutdownGrace = 15 * time.Second
	}
	if strings.TrimSpace(cfg.Server.LogLevel) == "" {
		cfg.Server.LogLevel = "info"
	}
	if strings.TrimSpace(cfg.Server.LogFormat) == "" {
		cfg.Server.LogFormat = "text"
	}

	if cfg.Engine.CoreWorkers == 0 {
		cfg.Engine.CoreWorkers = common.DefaultCoreWorkers
	}
	if cfg.Engine.MaxWorkers == 0 {
		cfg.Engine.MaxWorkers = max(common.DefaultMaxWorkers, cfg.Engine.CoreWorkers)
	}
	if cfg.Engine.QueueCapacity == 0 {
		cfg.Engine.QueueCapacity = common.DefaultQueueCapacity
	}
	if cfg.Engine.BurstIdleTimeout == 0 {
		cfg.Engine.BurstIdleTimeout = jobs.DefaultBurstIdleTimeout
	}

	cfg.Jobs.Registry = strings.ToLower(strings.TrimSpace(cfg.Jobs.Registry))
	if cfg.Jobs.Registry == "" {
		cfg.Jobs.Registry = common.RegistryMemory
	}
	if cfg.Jobs.Retention == 0 && !cfg.Jobs.retentionSet {
		cfg.Jobs.Retention = 24 * time.Hour
	}
	if cfg.Jobs.PruneInterval == 0 {
		cfg.Jobs.PruneInterval = 5 * time.Minute
	}

	cfg.Store.Driver = strings.ToLower(strings.TrimSpace(cfg.Store.Driver))
	if cfg.Store.Driver == "" {
		cfg.Store.Driver = common.DriverSQLite
	}
	if cfg.Store.MaxConns == 0 {
		cfg.Store.MaxConns = 10
	}
	if cfg.Store.MinConns == 0 {
		cfg.Store.MinConns = 1
	}
	if cfg.Store.MaxConnLifetime == 0 {
		cfg.Store.MaxConnLifetime = time.Hour
	}
	if cfg.Store.MaxConnIdleTime == 0 {
		cfg.Store.MaxConnIdleTime = 30 * time.Minute
	}

	if cfg.DataDir == "" {
		cfg.DataDir = "data"
	}
}

func validate(cfg *Config) error {
	switch strings.ToLower(cfg.Server.LogFormat) {
	case "text", "json":
	default:
		return fmt.Errorf("server.logFormat must be text or json, got %q", cfg.Server.LogFormat)
	}

	e := cfg.Engine
	if e.CoreWorkers < 1 {
		return fmt.Errorf("engine.coreWorkers must be at least 1, got %d", e.CoreWorkers)
	}
	if e.MaxWorkers < e.CoreWorkers {
		return fmt.Errorf("engine.maxWorkers (%d) must be >= engine.coreWorkers (%d)", e.MaxWorkers, e.CoreWorkers)
	}
	if e.QueueCapacity < 1 {
		return fmt.Errorf("engine.queueCapacity must be at least 1, got %d", e.QueueCapacity)
	}

	switch cfg.Jobs.Registry {
	case common.RegistryMemory, common.RegistrySQLite:
	default:
		return fmt.Errorf("jobs.registry must be %s or %s, got %q", common.RegistryMemory, common.RegistrySQLite, cfg.Jobs.Registry)
	}
	if cfg.Jobs.Retention < 0 {
		return errors.New("jobs.retention must not be negative")
	}
	if cfg.Jobs.PruneInterval < 0 {
		return errors.New("jobs.pruneInterval must not be negative")
	}

	switch cfg.Store.Driver {
	case common.DriverSQLite:
	case common.DriverPostgres:
		if strings.TrimSpace(cfg.Store.PostgresURL) == "" {
			return errors.New("store.postgresUrl is required for the postgres driver")
		}
		if cfg.Store.MinConns > cfg.Store.MaxConns {
			return fmt.Errorf("store.minConns (%d) must be <= store.maxConns (%d)", cfg.Store.MinConns, cfg.Store.MaxConns)
		}
	default:
		return fmt.Errorf("store.driver must be %s or %s, got %q", common.DriverSQLite, common.DriverPostgres, cfg.Store.Driver)
	}
	return nil
}
