package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/ModeShape/modeshape-sub003/internal/engine"
	"github.com/ModeShape/modeshape-sub003/internal/repo"
	"github.com/ModeShape/modeshape-sub003/pkg/config"
	"github.com/ModeShape/modeshape-sub003/pkg/logging"
)

const shutdownTimeout = 10 * time.Second

func (a *app) serveCmd() *cobra.Command {
	var metricsAddr string
	cmd := &cobra.Command{
		Use:   "serve [config...]",
		Short: "Run the lock sweep scheduler",
		Long: `Serve opens one repository per config file (the --config file when none
are given) and sweeps all of them on the shortest configured interval until
interrupted. With --metrics-addr it also serves Prometheus metrics on
/metrics.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			paths := args
			if len(paths) == 0 {
				paths = []string{a.resolveConfigPath()}
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, paths, metricsAddr)
		},
	}
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "address for the Prometheus /metrics endpoint")
	return cmd
}

func serve(ctx context.Context, paths []string, metricsAddr string) error {
	logger := logging.NewLogger(logging.LevelInfo)
	var (
		interval time.Duration
		eng      *engine.Engine
		opened   []*repo.Repository
	)
	for _, path := range paths {
		cfg, err := config.Load(path)
		if err != nil {
			closeAll(opened)
			return fmt.Errorf("%s: %w", path, err)
		}
		resolvePaths(cfg, path)
		if metricsAddr != "" {
			cfg.Metrics.Enabled = true
		}
		r, err := repo.Open(ctx, cfg)
		if err != nil {
			closeAll(opened)
			return fmt.Errorf("open repository from %s: %w", path, err)
		}
		opened = append(opened, r)
		if d := cfg.Locks.SweepInterval.D(); interval == 0 || d < interval {
			interval = d
		}
	}

	eng = engine.New(interval, logger)
	for _, r := range opened {
		if err := eng.Add(r); err != nil {
			closeAll(opened)
			return err
		}
	}
	eng.Start(ctx)

	var srv *http.Server
	errCh := make(chan error, 1)
	if metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		srv = &http.Server{Addr: metricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
		}()
		logger.Info("serving metrics", map[string]any{"addr": metricsAddr})
	}

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
		logger.ErrorErr("metrics server failed", runErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if srv != nil {
		srv.Shutdown(shutdownCtx)
	}
	return errors.Join(runErr, eng.Shutdown(shutdownCtx))
}

func closeAll(repos []*repo.Repository) {
	for _, r := range repos {
		r.Close(context.Background())
	}
}
