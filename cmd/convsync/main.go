// Command convsync 会话同步客户端: 驱动后端 agent run, 本地折叠流式事件,
// 通过 HTTP dashboard 或终端对话观察线程状态。
package main

import (
	"context"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/multi-agent/convsync/internal/config"
	"github.com/multi-agent/convsync/internal/conversation"
	"github.com/multi-agent/convsync/internal/database"
	"github.com/multi-agent/convsync/internal/metrics"
	"github.com/multi-agent/convsync/internal/store"
	"github.com/multi-agent/convsync/internal/transport"
	pkgerr "github.com/multi-agent/convsync/pkg/errors"
	"github.com/multi-agent/convsync/pkg/logger"
)

var (
	envFiles   []string
	backendURL string
	runStore   string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:   "convsync",
	Short: "Client-side conversation sync for streaming agent backends",
	Long: `convsync submits messages to an agent backend, folds the streamed
events into per-thread state (messages, tool calls, branches, subagents,
interrupts) and resumes in-flight runs after a restart.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringSliceVar(&envFiles, "env-file", nil, "dotenv files to load (default: .env)")
	rootCmd.PersistentFlags().StringVar(&backendURL, "backend", "", "backend websocket URL (overrides CONVSYNC_BACKEND_URL)")
	rootCmd.PersistentFlags().StringVar(&runStore, "run-store", "", "run id store: memory, pebble or postgres (overrides CONVSYNC_RUN_STORE)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (overrides LOG_LEVEL)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// ========================================
// 运行时装配
// ========================================

// app 一次命令执行期间共享的组件。
type app struct {
	cfg     *config.Config
	runs    store.RunStore
	pool    *pgxpool.Pool
	tr      transport.Transport
	hub     *conversation.Hub
	metrics *metrics.Metrics
}

// loadConfig 读取 .env + 环境变量, 再应用命令行覆盖。
func loadConfig() (*config.Config, error) {
	cfg := config.Load(envFiles...)
	if backendURL != "" {
		cfg.BackendURL = backendURL
	}
	if runStore != "" {
		cfg.RunStore = runStore
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.LogDir != "" {
		if err := logger.InitWithFile(cfg.LogDir, cfg.LogLevel); err != nil {
			return nil, err
		}
	} else {
		logger.Init(cfg.LogLevel, cfg.LogFormat)
	}
	return cfg, nil
}

func newApp(ctx context.Context) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, metrics: metrics.Default()}

	if err := a.openRunStore(ctx); err != nil {
		a.Close()
		return nil, err
	}

	tr, err := transport.Dial(ctx, transport.Options{
		URL:         cfg.BackendURL,
		CallTimeout: time.Duration(cfg.CallTimeoutSec) * time.Second,
	})
	if err != nil {
		a.Close()
		return nil, pkgerr.Wrap(err, "convsync", "dial backend")
	}
	a.tr = tr

	a.hub = conversation.NewHub(tr, a.runs, conversation.Options{
		AssistantID:     cfg.AssistantID,
		StreamSubgraphs: cfg.StreamSubgraphs,
		MaxRecordBytes:  cfg.MaxRecordBytes,
		Metrics:         a.metrics,
	})
	logger.Info("convsync: ready",
		logger.FieldURL, cfg.BackendURL,
		logger.FieldStore, cfg.RunStore)
	return a, nil
}

func (a *app) openRunStore(ctx context.Context) error {
	switch a.cfg.RunStore {
	case config.RunStoreMemory:
		a.runs = store.NewMemoryRunStore()
	case config.RunStorePebble:
		s, err := store.OpenPebbleRunStore(a.cfg.PebbleDir)
		if err != nil {
			return err
		}
		a.runs = s
	case config.RunStorePostgres:
		pool, err := database.NewPool(ctx, a.cfg)
		if err != nil {
			return err
		}
		a.pool = pool
		if err := database.Migrate(ctx, pool, database.Migrations()); err != nil {
			return err
		}
		a.runs = store.NewPostgresRunStore(pool)
	default:
		return pkgerr.Wrapf(pkgerr.ErrInvalidInput, "convsync", "unknown run store %q", a.cfg.RunStore)
	}
	return nil
}

// Close 分离活跃 run (后端继续执行), 再按依赖逆序释放资源。
func (a *app) Close() {
	if a.hub != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		a.hub.Close(ctx)
		cancel()
	}
	if a.tr != nil {
		if err := a.tr.Close(); err != nil {
			logger.Warn("convsync: close transport", logger.FieldError, err)
		}
	}
	if a.runs != nil {
		if err := a.runs.Close(); err != nil {
			logger.Warn("convsync: close run store", logger.FieldError, err)
		}
	}
	if a.pool != nil {
		a.pool.Close()
	}
	logger.ShutdownFileHandler()
}
