package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/vango-go/vai-toy/pkg/gateway/config"
	gatewayserver "github.com/vango-go/vai-toy/pkg/gateway/server"
)

type gatewayDeps struct {
	loadConfig   func() (config.Config, error)
	openStores   func(context.Context, config.Config, *slog.Logger) (gatewayserver.Dependencies, func(), error)
	listen       func(*http.Server) error
	signalNotify func(chan<- os.Signal, ...os.Signal)
	signalStop   func(chan<- os.Signal)
}

func defaultGatewayDeps() gatewayDeps {
	return gatewayDeps{
		loadConfig: config.LoadFromEnv,
		openStores: openStores,
		listen:     (*http.Server).ListenAndServe,
		signalNotify: func(c chan<- os.Signal, sig ...os.Signal) {
			signal.Notify(c, sig...)
		},
		signalStop: signal.Stop,
	}
}

func buildHTTPServer(cfg config.Config, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		ReadTimeout:       cfg.ReadTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
	}
}

func newLogger(w io.Writer, format config.LogFormat) *slog.Logger {
	if format == config.LogFormatJSON {
		return slog.New(slog.NewJSONHandler(w, nil))
	}
	return slog.New(slog.NewTextHandler(w, nil))
}

func runGateway(ctx context.Context, stderr io.Writer, deps gatewayDeps) error {
	if deps.loadConfig == nil || deps.openStores == nil || deps.listen == nil {
		return errors.New("missing gateway dependency")
	}
	if deps.signalNotify == nil || deps.signalStop == nil {
		return errors.New("missing signal dependency")
	}

	cfg, err := deps.loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := newLogger(stderr, cfg.LogFormat)

	stores, closeStores, err := deps.openStores(ctx, cfg, logger)
	defer func() {
		if closeStores != nil {
			closeStores()
		}
	}()
	if err != nil {
		return fmt.Errorf("open stores: %w", err)
	}

	gw, err := gatewayserver.New(cfg, logger, stores)
	if err != nil {
		return fmt.Errorf("build gateway: %w", err)
	}
	httpSrv := buildHTTPServer(cfg, gw.Handler())

	sigCh := make(chan os.Signal, 1)
	deps.signalNotify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer deps.signalStop(sigCh)

	logger.Info("starting gateway",
		"addr", cfg.Addr,
		"stream_require_token", cfg.StreamRequireToken,
		"auto_register_children", cfg.AutoRegisterChildren,
		"fail_open", cfg.FailOpenOnDependencyError,
	)

	reaperCtx, stopReaper := context.WithCancel(ctx)
	defer stopReaper()

	g, gctx := errgroup.WithContext(reaperCtx)
	g.Go(func() error {
		if err := deps.listen(httpSrv); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		gw.RunDrainReaper(gctx, cfg.DrainReapInterval)
		return nil
	})
	g.Go(func() error {
		select {
		case sig := <-sigCh:
			logger.Info("shutdown signal received", "signal", sig.String())
		case <-gctx.Done():
			// Listener failed or the parent context ended.
		}
		return shutdown(gw, httpSrv, cfg, logger, stopReaper)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	logger.Info("gateway stopped")
	return nil
}

// shutdown drains the instance: new streams are refused, live sessions are
// warned and given the grace period to finish, then cancelled.
func shutdown(gw *gatewayserver.Server, httpSrv *http.Server, cfg config.Config, logger *slog.Logger, stopReaper func()) error {
	defer stopReaper()
	gw.StartDrain("signal", "process shutdown")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown incomplete", "error", err)
	}
	if !gw.Sessions().Wait(shutdownCtx) {
		n := gw.Sessions().CancelAll()
		logger.Warn("grace period elapsed, closing live sessions", "sessions", n)
	}
	return nil
}

func runMain(ctx context.Context, stderr io.Writer, deps gatewayDeps) int {
	if stderr == nil {
		stderr = os.Stderr
	}
	if err := runGateway(ctx, stderr, deps); err != nil {
		fmt.Fprintf(stderr, "vai-toy-gateway: %v\n", err)
		return 1
	}
	return 0
}

func main() {
	os.Exit(runMain(context.Background(), os.Stderr, defaultGatewayDeps()))
}
