package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/skingford/oxmon-web-sub003/internal/configcache"
	"github.com/skingford/oxmon-web-sub003/internal/storage"
	"github.com/skingford/oxmon-web-sub003/pkg/types"
)

// syncBuffer 可同時寫入與讀取的 buffer
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]byte(nil), b.buf.Bytes()...)
}

func TestBuildCLI(t *testing.T) {
	cmd := BuildCLI()

	assert.NotNil(t, cmd, "BuildCLI should return a non-nil command")
	assert.Equal(t, "oxmon-sync", cmd.Use, "Root command should be 'oxmon-sync'")
	assert.Equal(t, "1.0.0", cmd.Version, "Version should be 1.0.0")

	// 檢查子命令
	commands := cmd.Commands()
	assert.Len(t, commands, 5, "Should have 5 subcommands")

	commandNames := make(map[string]bool)
	for _, c := range commands {
		commandNames[c.Name()] = true
	}

	assert.True(t, commandNames["serve"], "Should have 'serve' command")
	assert.True(t, commandNames["cache"], "Should have 'cache' command")
	assert.True(t, commandNames["query"], "Should have 'query' command")
	assert.True(t, commandNames["status"], "Should have 'status' command")
	assert.True(t, commandNames["token"], "Should have 'token' command")

	// 檢查持久化標誌
	configFlag := cmd.PersistentFlags().Lookup("config")
	assert.NotNil(t, configFlag, "Should have --config flag")
	assert.Equal(t, "c", configFlag.Shorthand)
	assert.Equal(t, "configs/default.yaml", configFlag.DefValue, "Default config path should be configs/default.yaml")
}

func TestBuildCacheCommand(t *testing.T) {
	cmd := buildCacheCommand()

	names := make(map[string]bool)
	for _, c := range cmd.Commands() {
		names[c.Name()] = true
		assert.NotNil(t, c.RunE, "%s should have RunE", c.Name())
	}
	assert.Equal(t, map[string]bool{"read": true, "refresh": true, "clear": true, "watch": true}, names)
}

func TestBuildServeCommand(t *testing.T) {
	cmd := buildServeCommand()

	assert.Equal(t, "serve", cmd.Use)
	assert.Contains(t, cmd.Short, "Start", "Short description should mention 'Start'")
	assert.NotNil(t, cmd.RunE, "RunE function should be set")
}

func TestLoadConfig_ValidYAML(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "test_config.yaml")

	configContent := `
storage:
  backend: file
  dir: ./data/store
  poll_interval: 100ms
  tab_id: tab-1

service:
  listen: 127.0.0.1:50061
  data_file: configs/service-data.yaml
  token: s3cret

client:
  address: 127.0.0.1:50061
  token: s3cret
  token_expiry: 1h

api:
  listen: 127.0.0.1:8088

metrics:
  enabled: true
  port: 9091

tracing:
  exporter: otlpgrpc
  endpoint: collector:4317
  sample_ratio: 0.5
`

	err := os.WriteFile(configPath, []byte(configContent), 0644)
	require.NoError(t, err, "Failed to write test config file")

	cfg, err := loadConfig(configPath)
	require.NoError(t, err, "loadConfig should not return an error")
	require.NotNil(t, cfg, "Config should not be nil")

	// 驗證 Storage 配置
	assert.Equal(t, storage.BackendFile, cfg.Storage.Backend)
	assert.Equal(t, "./data/store", cfg.Storage.Dir)
	assert.Equal(t, 100*time.Millisecond, cfg.Storage.PollInterval)
	assert.Equal(t, "tab-1", cfg.Storage.TabID)

	// 驗證 Service / Client 配置
	assert.Equal(t, "127.0.0.1:50061", cfg.Service.Listen)
	assert.Equal(t, "configs/service-data.yaml", cfg.Service.DataFile)
	assert.Equal(t, "s3cret", cfg.Service.Token)
	assert.Equal(t, "127.0.0.1:50061", cfg.Client.Address)
	assert.Equal(t, time.Hour, cfg.Client.TokenExpiry)

	assert.Equal(t, "127.0.0.1:8088", cfg.API.Listen)

	// 驗證 Metrics 配置
	assert.True(t, cfg.Metrics.Enabled, "Metrics should be enabled")
	assert.Equal(t, 9091, cfg.Metrics.Port)

	assert.Equal(t, "otlpgrpc", cfg.Tracing.Exporter)
	assert.Equal(t, "collector:4317", cfg.Tracing.Endpoint)
	assert.Equal(t, 0.5, cfg.Tracing.SampleRatio)
}

func TestLoadConfig_FileNotFound(t *testing.T) {
	cfg, err := loadConfig("/nonexistent/config.yaml")

	assert.Error(t, err, "loadConfig should return an error for nonexistent file")
	assert.Nil(t, cfg, "Config should be nil on error")
	assert.Contains(t, err.Error(), "failed to read config file", "Error should mention file reading failure")
}

func TestLoadConfig_InvalidYAML(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "invalid.yaml")

	invalidYAML := `
metrics:
  port: "not a number"
  invalid yaml structure
    broken indentation
`

	err := os.WriteFile(configPath, []byte(invalidYAML), 0644)
	require.NoError(t, err, "Failed to write invalid YAML file")

	cfg, err := loadConfig(configPath)

	assert.Error(t, err, "loadConfig should return an error for invalid YAML")
	assert.Nil(t, cfg, "Config should be nil on parse error")
	assert.Contains(t, err.Error(), "failed to parse config YAML", "Error should mention YAML parsing failure")
}

func TestLoadConfig_EmptyFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "empty.yaml")

	err := os.WriteFile(configPath, []byte(""), 0644)
	require.NoError(t, err, "Failed to write empty file")

	// 空文件應該能解析，但會有零值
	cfg, err := loadConfig(configPath)
	assert.NoError(t, err, "Empty YAML file should parse without error")
	assert.NotNil(t, cfg, "Config should not be nil for empty file")
	assert.Equal(t, storage.BackendMemory, backendName(cfg), "Empty config should fall back to memory storage")
	assert.Equal(t, storage.DefaultPollInterval, pollInterval(cfg))
}

func TestNewSource_RequiresAddress(t *testing.T) {
	_, _, _, err := newSource(&Config{})
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "client.address")
}

func TestNewSource_SessionFromToken(t *testing.T) {
	cfg := &Config{}
	cfg.Client.Address = "127.0.0.1:1"

	_, session, closeSource, err := newSource(cfg)
	require.NoError(t, err)
	defer closeSource()
	assert.True(t, session.Valid(), "no token means an always-valid local session")

	cfg.Client.Token = "s3cret"
	cfg.Client.TokenExpiry = -time.Hour
	_, session, closeSource2, err := newSource(cfg)
	require.NoError(t, err)
	defer closeSource2()
	assert.True(t, session.Valid(), "non-positive expiry never expires")
}

// TestCacheCommandsShareFileStore 一個行程寫入，CLI 從同一目錄讀出並清除
func TestCacheCommandsShareFileStore(t *testing.T) {
	dir := t.TempDir()

	writer, err := storage.NewFileStore(dir, "writer", 10*time.Millisecond)
	require.NoError(t, err)
	defer writer.Close()
	_, err = configcache.NewCache(writer, nil, configcache.Config{}).Write(types.ConfigSnapshot{
		RuntimeConfig: map[string]interface{}{"siteName": "oxmon"},
		UpdatedAt:     1700000000000,
	})
	require.NoError(t, err)

	reader, err := storage.NewFileStore(dir, "cli", 10*time.Millisecond)
	require.NoError(t, err)
	defer reader.Close()
	cache := configcache.NewCache(reader, nil, configcache.Config{})

	var out bytes.Buffer
	require.NoError(t, readCache(&out, cache))

	var snap types.ConfigSnapshot
	require.NoError(t, json.Unmarshal(out.Bytes(), &snap))
	assert.Equal(t, "oxmon", snap.RuntimeConfig["siteName"])
	assert.Equal(t, int64(1700000000000), snap.UpdatedAt)
	assert.NotNil(t, snap.SystemConfigs)

	require.NoError(t, cache.Clear())
	out.Reset()
	require.NoError(t, readCache(&out, cache))
	assert.Equal(t, "no cached config\n", out.String())
}

func TestWatchCachePrintsRemoteChanges(t *testing.T) {
	origin := storage.NewMemoryOrigin()
	watcher := configcache.NewCache(origin.OpenTab("watch"), nil, configcache.Config{})
	writer := configcache.NewCache(origin.OpenTab("writer"), nil, configcache.Config{})

	ctx, cancel := context.WithCancel(context.Background())
	out := &syncBuffer{}
	done := make(chan error, 1)
	go func() { done <- watchCache(ctx, out, watcher) }()

	require.Eventually(t, func() bool {
		if _, err := writer.Write(types.ConfigSnapshot{UpdatedAt: 42}); err != nil {
			return false
		}
		return bytes.Contains(out.Bytes(), []byte(`"updatedAt":42`))
	}, 2*time.Second, 20*time.Millisecond)

	cancel()
	assert.NoError(t, <-done)
}

func TestCanonicalize(t *testing.T) {
	cases := []struct {
		name    string
		href    string
		want    string
		changed bool
	}{
		{"domains canonical", "/x/certificates/domains?domain=a.com", "/x/certificates/domains?domain=a.com", false},
		{"domains defaults dropped", "/certificates/domains?status=all&offset=0&domain=", "/certificates/domains", true},
		{"domains param order", "/certificates/domains?status=enabled&domain=a.com", "/certificates/domains?domain=a.com&status=enabled", false},
		{"alerts invalid severity", "/alerts?severity=loud&q=disk", "/alerts?q=disk", true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var out bytes.Buffer
			require.NoError(t, canonicalize(&out, tc.href))

			var result struct {
				Href    string `json:"href"`
				Changed bool   `json:"changed"`
			}
			require.NoError(t, json.Unmarshal(out.Bytes(), &result))
			assert.Equal(t, tc.want, result.Href)
			assert.Equal(t, tc.changed, result.Changed)
		})
	}

	var out bytes.Buffer
	err := canonicalize(&out, "/settings?tab=smtp")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "no query-synced page")
}

func TestShowStatus(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "status.yaml")
	content := "storage:\n  backend: file\n  dir: " + filepath.Join(tmpDir, "store") + "\nmetrics:\n  enabled: true\n  port: 9091\n"
	require.NoError(t, os.WriteFile(configPath, []byte(content), 0644))

	prev := configFile
	configFile = configPath
	defer func() { configFile = prev }()

	var out bytes.Buffer
	require.NoError(t, showStatus(&out))
	assert.Contains(t, out.String(), "oxmon-sync Status")
	assert.Contains(t, out.String(), "No cached config")
	assert.Contains(t, out.String(), "http://localhost:9091/metrics")

	configFile = filepath.Join(tmpDir, "missing.yaml")
	assert.Error(t, showStatus(&out))
}

func TestTokenHashCommand(t *testing.T) {
	root := BuildCLI()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"token", "hash", "s3cret"})
	require.NoError(t, root.Execute())

	hash := strings.TrimSpace(out.String())
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(hash), []byte("s3cret")))
}
