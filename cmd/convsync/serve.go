package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/multi-agent/convsync/internal/dashboard"
	"github.com/multi-agent/convsync/pkg/logger"
	"github.com/multi-agent/convsync/pkg/util"
)

var (
	serveListen string
	serveResume bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP dashboard (REST + SSE + /metrics)",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer cancel()

		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		if serveResume {
			resumeStored(ctx, a)
		}

		srv := dashboard.NewServer(a.hub, dashboard.Options{
			SSEPing: time.Duration(a.cfg.DashboardSSEPingSec) * time.Second,
			Runs:    a.runs,
		})
		defer srv.Close()

		listen := util.FirstNonEmpty(serveListen, a.cfg.HTTPListen)
		httpSrv := &http.Server{Addr: listen, Handler: srv.Engine(), ReadHeaderTimeout: 10 * time.Second}

		errCh := make(chan error, 1)
		util.SafeGo(func() {
			logger.Info("dashboard starting", logger.FieldAddr, listen)
			if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
		})

		select {
		case err := <-errCh:
			return err
		case <-ctx.Done():
		}
		logger.Info("shutting down")
		shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
		defer stop()
		return httpSrv.Shutdown(shutdownCtx)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&serveListen, "listen", "", "listen address (overrides CONVSYNC_HTTP_LISTEN)")
	serveCmd.Flags().BoolVar(&serveResume, "resume", true, "rejoin runs persisted by a previous process")
}

// resumeStored 打开持久化 run 的线程并尝试重新接入, 失败只记录日志。
func resumeStored(ctx context.Context, a *app) {
	if !a.cfg.ReconnectOnOpen {
		return
	}
	runs, err := a.runs.List(ctx)
	if err != nil {
		logger.Warn("convsync: list stored runs", logger.FieldError, err)
		return
	}
	for _, r := range runs {
		th := a.hub.Open(ctx, r.ThreadID)
		if err := th.Resume(ctx); err != nil {
			logger.Warn("convsync: resume failed",
				logger.FieldThreadID, r.ThreadID,
				logger.FieldRunID, r.RunID,
				logger.FieldError, err)
		}
	}
	logger.Info("convsync: stored runs resumed", logger.FieldCount, len(runs))
}
