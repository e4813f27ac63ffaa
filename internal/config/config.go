// Package config 全局配置加载与管理。
//
// 所有字段通过 struct tag 声明环境变量映射:
//
//	`env:"VAR_NAME" default:"value" min:"0"`
//
// Load() 先读取可选的 .env 文件, 再使用反射自动填充。
package config

import (
	"errors"
	"io/fs"
	"strings"

	"github.com/joho/godotenv"

	pkgerr "github.com/multi-agent/convsync/pkg/errors"
	"github.com/multi-agent/convsync/pkg/logger"
	"github.com/multi-agent/convsync/pkg/util"
)

// RunStore 后端取值。
const (
	RunStoreMemory   = "memory"
	RunStorePebble   = "pebble"
	RunStorePostgres = "postgres"
)

// Config 应用全局配置，字段名与 .env 变量一一对应。
type Config struct {
	// 后端
	BackendURL      string `env:"CONVSYNC_BACKEND_URL" default:"ws://127.0.0.1:8123/rpc"`
	AssistantID     string `env:"CONVSYNC_ASSISTANT_ID" default:"agent"`
	CallTimeoutSec  int    `env:"CONVSYNC_CALL_TIMEOUT_SEC" default:"30" min:"1"`
	StreamSubgraphs bool   `env:"CONVSYNC_STREAM_SUBGRAPHS" default:"true"`
	MaxRecordBytes  int    `env:"CONVSYNC_MAX_RECORD_BYTES" default:"4194304" min:"1024"` // 4MB

	// 会话恢复
	ReconnectOnOpen bool   `env:"CONVSYNC_RECONNECT_ON_OPEN" default:"true"`
	RunStore        string `env:"CONVSYNC_RUN_STORE" default:"pebble"`
	PebbleDir       string `env:"CONVSYNC_PEBBLE_DIR" default:".convsync/runs"`

	// PostgreSQL (RunStore=postgres)
	PostgresConnStr        string `env:"POSTGRES_CONNECTION_STRING"`
	PostgresSchema         string `env:"POSTGRES_SCHEMA" default:"public"`
	PostgresPoolMinSize    int    `env:"POSTGRES_POOL_MIN_SIZE" default:"1" min:"1"`
	PostgresPoolMaxSize    int    `env:"POSTGRES_POOL_MAX_SIZE" default:"10" min:"1"`
	PostgresPoolTimeoutSec int    `env:"POSTGRES_POOL_TIMEOUT_SEC" default:"10" min:"1"`

	// Dashboard
	HTTPListen          string `env:"CONVSYNC_HTTP_LISTEN" default:"127.0.0.1:8088"`
	DashboardSSEPingSec int    `env:"DASHBOARD_SSE_PING_SEC" default:"30" min:"1"`

	// 日志
	LogLevel  string `env:"LOG_LEVEL" default:"INFO"`
	LogFormat string `env:"LOG_FORMAT" default:"json"`
	LogDir    string `env:"LOG_DIR"`
}

// Load 从环境变量加载配置 (通过反射读取 struct tag)。
//
// envFiles 为空时尝试当前目录 .env, 文件不存在不算错误。
func Load(envFiles ...string) *Config {
	loadDotenv(envFiles...)
	var cfg Config
	util.LoadFromEnv(&cfg)
	cfg.RunStore = strings.ToLower(strings.TrimSpace(cfg.RunStore))
	return &cfg
}

func loadDotenv(files ...string) {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		// godotenv.Load 不覆盖已存在的环境变量
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			logger.Warn("config: load env file failed", logger.FieldPath, f, logger.FieldError, err)
		}
	}
}

// Validate 检查组合约束。
func (c *Config) Validate() error {
	switch c.RunStore {
	case RunStoreMemory, RunStorePebble:
	case RunStorePostgres:
		if c.PostgresConnStr == "" {
			return pkgerr.Wrap(pkgerr.ErrInvalidInput, "Config.Validate", "POSTGRES_CONNECTION_STRING required for postgres run store")
		}
	default:
		return pkgerr.Wrapf(pkgerr.ErrInvalidInput, "Config.Validate", "unknown run store %q", c.RunStore)
	}
	if strings.TrimSpace(c.BackendURL) == "" {
		return pkgerr.Wrap(pkgerr.ErrInvalidInput, "Config.Validate", "CONVSYNC_BACKEND_URL is empty")
	}
	return nil
}
