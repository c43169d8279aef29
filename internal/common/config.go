package common

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

const (
	// DefaultDataDir is the root directory for all persisted state.
	DefaultDataDir = "data"

	// ConfigFileName is the engine configuration file under the data directory.
	ConfigFileName = "config.yaml"

	// LegacyConfigFileName is the pre-1.0 root-level configuration file.
	// When present it is migrated into data/config.yaml on startup.
	LegacyConfigFileName = "config.toml"
)

// Config represents the engine configuration loaded from data/config.yaml.
type Config struct {
	Server  ServerConfig  `yaml:"server" toml:"server"`
	Browser BrowserConfig `yaml:"browser" toml:"browser"`
	Queue   QueueConfig   `yaml:"queue" toml:"queue"`
	Backend BackendConfig `yaml:"backend" toml:"backend"`
	Monitor MonitorConfig `yaml:"monitor" toml:"monitor"`
	Logging LoggingConfig `yaml:"logging" toml:"logging"`

	// DataDir is resolved at load time, not read from the file.
	DataDir string `yaml:"-" toml:"-"`
}

type ServerConfig struct {
	Port      int             `yaml:"port" toml:"port" validate:"min=1,max=65535"`
	Host      string          `yaml:"host" toml:"host"`
	Auth      string          `yaml:"auth" toml:"auth" validate:"min=10"` // shared bearer token
	Keepalive KeepaliveConfig `yaml:"keepalive" toml:"keepalive"`
}

type KeepaliveConfig struct {
	Mode string `yaml:"mode" toml:"mode" validate:"oneof=comment content"` // SSE heartbeat framing
}

type BrowserConfig struct {
	Headless   bool         `yaml:"headless" toml:"headless"`
	Executable string       `yaml:"executable" toml:"executable"` // optional explicit Chrome binary
	Proxy      *ProxyConfig `yaml:"proxy" toml:"proxy"`           // global proxy, overridable per instance
}

// ProxyConfig describes an upstream proxy. An instance-level block with
// enable=false forces a direct connection even when a global proxy exists.
type ProxyConfig struct {
	Enable bool   `yaml:"enable" toml:"enable"`
	Type   string `yaml:"type" toml:"type" validate:"omitempty,oneof=http socks5"`
	Host   string `yaml:"host" toml:"host"`
	Port   int    `yaml:"port" toml:"port"`
	User   string `yaml:"user" toml:"user"`
	Passwd string `yaml:"passwd" toml:"passwd"`
}

// URL returns the proxy in Chromium --proxy-server form.
func (p *ProxyConfig) URL() string {
	scheme := p.Type
	if scheme == "" {
		scheme = "http"
	}
	return fmt.Sprintf("%s://%s:%d", scheme, p.Host, p.Port)
}

// QueueConfig uses pointer fields because zero is a meaningful setting:
// queueBuffer 0 disables all queueing headroom and imageLimit 0 rejects
// every attachment. Absent fields are filled by ApplyDefaults.
type QueueConfig struct {
	QueueBuffer *int `yaml:"queueBuffer" toml:"queueBuffer" validate:"omitempty,min=0"` // extra non-stream admissions beyond worker count
	ImageLimit  *int `yaml:"imageLimit" toml:"imageLimit" validate:"omitempty,min=0"`   // max images per request
}

// BufferSize returns the configured queue headroom.
func (q *QueueConfig) BufferSize() int {
	if q.QueueBuffer == nil {
		return 0
	}
	return *q.QueueBuffer
}

// MaxImages returns the per-request image cap.
func (q *QueueConfig) MaxImages() int {
	if q.ImageLimit == nil {
		return 0
	}
	return *q.ImageLimit
}

type BackendConfig struct {
	Pool    PoolConfig                        `yaml:"pool" toml:"pool"`
	Adapter map[string]map[string]interface{} `yaml:"adapter" toml:"adapter"` // per adapter-type options
}

type PoolConfig struct {
	Strategy  string           `yaml:"strategy" toml:"strategy" validate:"oneof=least_busy round_robin random"`
	Failover  FailoverConfig   `yaml:"failover" toml:"failover"`
	Instances []InstanceConfig `yaml:"instances" toml:"instances" validate:"dive"`
}

// FailoverConfig is pointer-backed for the same reason as QueueConfig:
// enabled=false and maxRetries=0 (try every candidate once) are explicit
// operator choices, distinct from leaving the block out.
type FailoverConfig struct {
	Enabled    *bool `yaml:"enabled" toml:"enabled"`
	MaxRetries *int  `yaml:"maxRetries" toml:"maxRetries" validate:"omitempty,min=0"`
}

// IsEnabled reports whether failover is on.
func (f *FailoverConfig) IsEnabled() bool {
	return f.Enabled != nil && *f.Enabled
}

// Retries returns the retry budget; 0 means every candidate once.
func (f *FailoverConfig) Retries() int {
	if f.MaxRetries == nil {
		return 0
	}
	return *f.MaxRetries
}

// InstanceConfig describes one browser process. Workers listed under the
// same instance share that process (and therefore cookies and storage).
type InstanceConfig struct {
	Name         string         `yaml:"name" toml:"name" validate:"required"`
	UserDataMark string         `yaml:"userDataMark" toml:"userDataMark"`
	Proxy        *ProxyConfig   `yaml:"proxy" toml:"proxy"`
	Workers      []WorkerConfig `yaml:"workers" toml:"workers" validate:"min=1,dive"`
}

type WorkerConfig struct {
	Name         string   `yaml:"name" toml:"name" validate:"required"`
	Type         string   `yaml:"type" toml:"type"`
	MergeTypes   []string `yaml:"mergeTypes" toml:"mergeTypes"`
	MergeMonitor string   `yaml:"mergeMonitor" toml:"mergeMonitor"`
}

// IsMerge reports whether the worker aggregates multiple adapter types.
func (w *WorkerConfig) IsMerge() bool {
	return len(w.MergeTypes) > 0
}

// Types returns the adapter types this worker serves, in configured order.
func (w *WorkerConfig) Types() []string {
	if w.IsMerge() {
		return w.MergeTypes
	}
	return []string{w.Type}
}

type MonitorConfig struct {
	Enabled  bool   `yaml:"enabled" toml:"enabled"`
	Schedule string `yaml:"schedule" toml:"schedule"` // cron spec for idle parking
}

type LoggingConfig struct {
	Level string `yaml:"level" toml:"level" validate:"omitempty,oneof=debug info warn error"`
}

// LoadConfig loads the engine configuration from <dataDir>/config.yaml,
// migrating a legacy root-level config.toml first if one exists.
// Defaults are applied before validation, and LOG_LEVEL overrides the
// configured log level.
func LoadConfig(dataDir string) (*Config, error) {
	if dataDir == "" {
		dataDir = DefaultDataDir
	}

	if err := migrateLegacyConfig(dataDir); err != nil {
		return nil, err
	}

	path := filepath.Join(dataDir, ConfigFileName)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read configuration %s: %w", path, err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse configuration %s: %w", path, err)
	}

	cfg.DataDir = dataDir
	cfg.ApplyDefaults()

	if level := os.Getenv("LOG_LEVEL"); level != "" {
		cfg.Logging.Level = strings.ToLower(level)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// migrateLegacyConfig converts a root-level config.toml into
// data/config.yaml. The legacy file is renamed with a .migrated suffix so
// the migration runs once.
func migrateLegacyConfig(dataDir string) error {
	if _, err := os.Stat(filepath.Join(dataDir, ConfigFileName)); err == nil {
		return nil
	}

	legacy, err := os.ReadFile(LegacyConfigFileName)
	if err != nil {
		return nil // no legacy file, nothing to migrate
	}

	cfg := &Config{}
	if err := toml.Unmarshal(legacy, cfg); err != nil {
		return fmt.Errorf("failed to parse legacy %s: %w", LegacyConfigFileName, err)
	}

	out, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to encode migrated configuration: %w", err)
	}

	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dataDir, ConfigFileName), out, 0644); err != nil {
		return fmt.Errorf("failed to write migrated configuration: %w", err)
	}

	_ = os.Rename(LegacyConfigFileName, LegacyConfigFileName+".migrated")
	return nil
}

// ApplyDefaults fills unset fields with engine defaults. Pointer-backed
// fields distinguish "absent" from an explicit zero value, so an operator
// setting queueBuffer: 0 or failover enabled: false keeps that setting.
func (c *Config) ApplyDefaults() {
	if c.DataDir == "" {
		c.DataDir = DefaultDataDir
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8100
	}
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Keepalive.Mode == "" {
		c.Server.Keepalive.Mode = "comment"
	}
	if c.Queue.QueueBuffer == nil {
		c.Queue.QueueBuffer = intPtr(2)
	}
	if c.Queue.ImageLimit == nil {
		c.Queue.ImageLimit = intPtr(5)
	}
	if c.Backend.Pool.Strategy == "" {
		c.Backend.Pool.Strategy = "least_busy"
	}
	if c.Backend.Pool.Failover.Enabled == nil {
		c.Backend.Pool.Failover.Enabled = boolPtr(true)
	}
	if c.Backend.Pool.Failover.MaxRetries == nil {
		c.Backend.Pool.Failover.MaxRetries = intPtr(2)
	}
	if c.Monitor.Schedule == "" {
		c.Monitor.Schedule = "@every 5m"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}

// Validate checks structural constraints plus the cross-field invariants
// the validator tags cannot express: globally unique worker names and
// one instance per user-data directory.
func (c *Config) Validate() error {
	v := validator.New()
	if err := v.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	workerNames := make(map[string]string)
	instanceNames := make(map[string]bool)
	userDataDirs := make(map[string]string)

	for _, inst := range c.Backend.Pool.Instances {
		if instanceNames[inst.Name] {
			return fmt.Errorf("duplicate instance name %q", inst.Name)
		}
		instanceNames[inst.Name] = true

		dir := c.UserDataDir(inst.UserDataMark)
		if owner, ok := userDataDirs[dir]; ok {
			return fmt.Errorf("instances %q and %q share user-data directory %s", owner, inst.Name, dir)
		}
		userDataDirs[dir] = inst.Name

		for _, w := range inst.Workers {
			if owner, ok := workerNames[w.Name]; ok {
				return fmt.Errorf("worker name %q declared in both instance %q and instance %q", w.Name, owner, inst.Name)
			}
			workerNames[w.Name] = inst.Name

			if !w.IsMerge() && w.Type == "" {
				return fmt.Errorf("worker %q declares neither type nor mergeTypes", w.Name)
			}
			if w.MergeMonitor != "" && !w.IsMerge() {
				return fmt.Errorf("worker %q declares mergeMonitor without mergeTypes", w.Name)
			}
		}
	}

	return nil
}

// AdapterOptions returns the configured options for one adapter type.
// Missing sections yield an empty map so adapters can rely on lookups.
func (c *Config) AdapterOptions(adapterType string) map[string]interface{} {
	if opts, ok := c.Backend.Adapter[adapterType]; ok {
		return opts
	}
	return map[string]interface{}{}
}

// UserDataDir resolves the user-data directory for an instance mark.
func (c *Config) UserDataDir(mark string) string {
	name := "chromeUserData"
	if mark != "" {
		name = name + "_" + mark
	}
	return filepath.Join(c.DataDir, name)
}

// TempDir returns the directory for transient download artifacts.
func (c *Config) TempDir() string {
	return filepath.Join(c.DataDir, "temp")
}

func intPtr(v int) *int    { return &v }
func boolPtr(v bool) *bool { return &v }

// WorkerCount returns the total number of configured workers.
func (c *Config) WorkerCount() int {
	count := 0
	for _, inst := range c.Backend.Pool.Instances {
		count += len(inst.Workers)
	}
	return count
}
