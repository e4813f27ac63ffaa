// config_test.go: 配置加载默认值 + 环境变量覆盖 + .env 文件测试。
package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	pkgerr "github.com/multi-agent/convsync/pkg/errors"
)

func noEnvFile(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "missing.env")
}

func TestLoadDefaults(t *testing.T) {
	os.Unsetenv("CONVSYNC_BACKEND_URL")
	os.Unsetenv("CONVSYNC_RUN_STORE")
	os.Unsetenv("LOG_LEVEL")

	cfg := Load(noEnvFile(t))

	tests := []struct {
		name string
		got  any
		want any
	}{
		{"BackendURL", cfg.BackendURL, "ws://127.0.0.1:8123/rpc"},
		{"AssistantID", cfg.AssistantID, "agent"},
		{"CallTimeoutSec", cfg.CallTimeoutSec, 30},
		{"StreamSubgraphs", cfg.StreamSubgraphs, true},
		{"MaxRecordBytes", cfg.MaxRecordBytes, 4194304},
		{"ReconnectOnOpen", cfg.ReconnectOnOpen, true},
		{"RunStore", cfg.RunStore, RunStorePebble},
		{"PebbleDir", cfg.PebbleDir, ".convsync/runs"},
		{"PostgresSchema", cfg.PostgresSchema, "public"},
		{"PostgresPoolMaxSize", cfg.PostgresPoolMaxSize, 10},
		{"HTTPListen", cfg.HTTPListen, "127.0.0.1:8088"},
		{"DashboardSSEPingSec", cfg.DashboardSSEPingSec, 30},
		{"LogLevel", cfg.LogLevel, "INFO"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("%s = %v, want %v", tt.name, tt.got, tt.want)
			}
		})
	}
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("CONVSYNC_BACKEND_URL", "ws://backend:9000/rpc")
	t.Setenv("CONVSYNC_RUN_STORE", " Memory ")
	t.Setenv("CONVSYNC_CALL_TIMEOUT_SEC", "0")
	t.Setenv("CONVSYNC_RECONNECT_ON_OPEN", "false")

	cfg := Load(noEnvFile(t))

	if cfg.BackendURL != "ws://backend:9000/rpc" {
		t.Errorf("BackendURL = %q", cfg.BackendURL)
	}
	if cfg.RunStore != RunStoreMemory {
		t.Errorf("RunStore = %q, want %q", cfg.RunStore, RunStoreMemory)
	}
	if cfg.CallTimeoutSec != 1 {
		t.Errorf("CallTimeoutSec = %d, want clamp to 1", cfg.CallTimeoutSec)
	}
	if cfg.ReconnectOnOpen {
		t.Error("ReconnectOnOpen = true, want false")
	}
}

func TestLoadDotenvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.env")
	if err := os.WriteFile(path, []byte("CONVSYNC_ASSISTANT_ID=deep-agent\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	os.Unsetenv("CONVSYNC_ASSISTANT_ID")
	t.Cleanup(func() { os.Unsetenv("CONVSYNC_ASSISTANT_ID") })

	cfg := Load(path)
	if cfg.AssistantID != "deep-agent" {
		t.Fatalf("AssistantID = %q, want deep-agent", cfg.AssistantID)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"memory ok", func(c *Config) { c.RunStore = RunStoreMemory }, false},
		{"pebble ok", func(c *Config) { c.RunStore = RunStorePebble }, false},
		{"postgres without dsn", func(c *Config) { c.RunStore = RunStorePostgres }, true},
		{"postgres with dsn", func(c *Config) {
			c.RunStore = RunStorePostgres
			c.PostgresConnStr = "postgres://localhost/convsync"
		}, false},
		{"unknown store", func(c *Config) { c.RunStore = "redis" }, true},
		{"empty backend", func(c *Config) { c.BackendURL = " " }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{BackendURL: "ws://x", RunStore: RunStoreMemory}
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() err = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, pkgerr.ErrInvalidInput) {
				t.Fatalf("Validate() err = %v, want ErrInvalidInput", err)
			}
		})
	}
}
