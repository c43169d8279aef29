package common

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validYAML = `
server:
  port: 8100
  auth: "test-key-0123456789"
backend:
  pool:
    strategy: least_busy
    instances:
      - name: main
        workers:
          - name: w1
            type: qwen
`

func writeConfig(t *testing.T, dir, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ConfigFileName), []byte(body), 0o644))
}

func TestLoadConfigAppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, validYAML)

	cfg, err := LoadConfig(dir)
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, "comment", cfg.Server.Keepalive.Mode)
	assert.Equal(t, 2, cfg.Queue.BufferSize())
	assert.Equal(t, 5, cfg.Queue.MaxImages())
	assert.True(t, cfg.Backend.Pool.Failover.IsEnabled())
	assert.Equal(t, 2, cfg.Backend.Pool.Failover.Retries())
	assert.Equal(t, "@every 5m", cfg.Monitor.Schedule)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, dir, cfg.DataDir)
}

func TestLoadConfigKeepsExplicitZeroQueueBuffer(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, validYAML+`
queue:
  queueBuffer: 0
`)

	cfg, err := LoadConfig(dir)
	require.NoError(t, err)

	assert.Equal(t, 0, cfg.Queue.BufferSize())
	assert.Equal(t, 5, cfg.Queue.MaxImages()) // untouched field still defaults
}

func TestLoadConfigKeepsExplicitFailoverDisabled(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, `
server:
  port: 8100
  auth: "test-key-0123456789"
backend:
  pool:
    strategy: least_busy
    failover:
      enabled: false
    instances:
      - name: main
        workers:
          - name: w1
            type: qwen
`)

	cfg, err := LoadConfig(dir)
	require.NoError(t, err)

	assert.False(t, cfg.Backend.Pool.Failover.IsEnabled())
	assert.Equal(t, 2, cfg.Backend.Pool.Failover.Retries()) // unset retries still defaults
}

func TestApplyDefaultsPreservesExplicitZeroValues(t *testing.T) {
	cfg := &Config{}
	cfg.Queue.QueueBuffer = intPtr(0)
	cfg.Backend.Pool.Failover.Enabled = boolPtr(false)
	cfg.ApplyDefaults()

	assert.Equal(t, 0, cfg.Queue.BufferSize())
	assert.False(t, cfg.Backend.Pool.Failover.IsEnabled())
	assert.Equal(t, 5, cfg.Queue.MaxImages())
	assert.Equal(t, 2, cfg.Backend.Pool.Failover.Retries())
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(t.TempDir())
	require.Error(t, err)
}

func TestLoadConfigLogLevelEnvOverride(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, validYAML)
	t.Setenv("LOG_LEVEL", "DEBUG")

	cfg, err := LoadConfig(dir)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestValidateRejectsShortAuth(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, `
server:
  auth: "short"
backend:
  pool:
    instances:
      - name: main
        workers:
          - name: w1
            type: qwen
`)

	_, err := LoadConfig(dir)
	require.Error(t, err)
}

func TestValidateRejectsDuplicateInstanceNames(t *testing.T) {
	cfg := minimalConfig()
	cfg.Backend.Pool.Instances = append(cfg.Backend.Pool.Instances, InstanceConfig{
		Name:         "main",
		UserDataMark: "other",
		Workers:      []WorkerConfig{{Name: "w2", Type: "qwen"}},
	})

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate instance name")
}

func TestValidateRejectsSharedUserDataDir(t *testing.T) {
	cfg := minimalConfig()
	cfg.Backend.Pool.Instances = append(cfg.Backend.Pool.Instances, InstanceConfig{
		Name:    "second",
		Workers: []WorkerConfig{{Name: "w2", Type: "qwen"}},
	})

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "share user-data directory")
}

func TestValidateRejectsDuplicateWorkerNamesAcrossInstances(t *testing.T) {
	cfg := minimalConfig()
	cfg.Backend.Pool.Instances = append(cfg.Backend.Pool.Instances, InstanceConfig{
		Name:         "second",
		UserDataMark: "second",
		Workers:      []WorkerConfig{{Name: "w1", Type: "qwen"}},
	})

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "worker name")
}

func TestValidateRejectsWorkerWithoutType(t *testing.T) {
	cfg := minimalConfig()
	cfg.Backend.Pool.Instances[0].Workers[0].Type = ""

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "neither type nor mergeTypes")
}

func TestValidateRejectsMonitorWithoutMergeTypes(t *testing.T) {
	cfg := minimalConfig()
	cfg.Backend.Pool.Instances[0].Workers[0].MergeMonitor = "ideogram"

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mergeMonitor without mergeTypes")
}

func TestWorkerConfigTypes(t *testing.T) {
	single := WorkerConfig{Name: "s", Type: "qwen"}
	assert.False(t, single.IsMerge())
	assert.Equal(t, []string{"qwen"}, single.Types())

	merge := WorkerConfig{Name: "m", MergeTypes: []string{"qwen", "ideogram"}}
	assert.True(t, merge.IsMerge())
	assert.Equal(t, []string{"qwen", "ideogram"}, merge.Types())
}

func TestUserDataDir(t *testing.T) {
	cfg := &Config{DataDir: "data"}
	assert.Equal(t, filepath.Join("data", "chromeUserData"), cfg.UserDataDir(""))
	assert.Equal(t, filepath.Join("data", "chromeUserData_eu"), cfg.UserDataDir("eu"))
}

func TestProxyURL(t *testing.T) {
	p := &ProxyConfig{Type: "socks5", Host: "127.0.0.1", Port: 1080}
	assert.Equal(t, "socks5://127.0.0.1:1080", p.URL())

	p = &ProxyConfig{Host: "proxy.local", Port: 3128}
	assert.Equal(t, "http://proxy.local:3128", p.URL())
}

func TestAdapterOptionsMissingSection(t *testing.T) {
	cfg := minimalConfig()
	opts := cfg.AdapterOptions("qwen")
	require.NotNil(t, opts)
	assert.Empty(t, opts)
}

func TestMigrateLegacyConfig(t *testing.T) {
	dir := t.TempDir()
	cwd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(cwd) })

	legacy := `
[server]
port = 8200
auth = "legacy-key-0123456789"

[[backend.pool.instances]]
name = "main"

[[backend.pool.instances.workers]]
name = "w1"
type = "qwen"
`
	require.NoError(t, os.WriteFile(LegacyConfigFileName, []byte(legacy), 0o644))

	dataDir := filepath.Join(dir, "data")
	cfg, err := LoadConfig(dataDir)
	require.NoError(t, err)

	assert.Equal(t, 8200, cfg.Server.Port)
	assert.FileExists(t, filepath.Join(dataDir, ConfigFileName))
	assert.NoFileExists(t, LegacyConfigFileName)
	assert.FileExists(t, LegacyConfigFileName+".migrated")
}

func minimalConfig() *Config {
	cfg := &Config{}
	cfg.Server.Auth = "test-key-0123456789"
	cfg.Backend.Pool.Instances = []InstanceConfig{{
		Name:    "main",
		Workers: []WorkerConfig{{Name: "w1", Type: "qwen"}},
	}}
	cfg.ApplyDefaults()
	return cfg
}
