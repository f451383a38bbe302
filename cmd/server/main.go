package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/mrhapile/wasi-plugin-host/config"
	"github.com/mrhapile/wasi-plugin-host/runtime"
)

func main() {
	configPath := flag.String("config", "", "path to "+config.FileName+" (default: nearest one above the working directory)")
	flag.Parse()

	cfg, err := config.Discover(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	log := cfg.NewLogger()

	if err := run(cfg, log); err != nil {
		log.WithError(err).Fatal("server stopped")
	}
}

// run wires config -> engine -> loader -> invoker -> HTTP and serves until
// SIGINT/SIGTERM.
func run(cfg *config.Config, log *logrus.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	engine, err := runtime.NewEngine(ctx, runtime.EngineKind(cfg.Runtime.Engine))
	if err != nil {
		return fmt.Errorf("failed to start %s engine: %w", cfg.Runtime.Engine, err)
	}
	loader := runtime.NewLoader(cfg.Store(), engine, log)
	defer func() {
		if err := loader.Close(context.Background()); err != nil {
			log.WithError(err).Warn("failed to release plugins")
		}
	}()

	inv := runtime.NewInvoker(loader, cfg.ComponentRunner(), cfg.InvokerOptions(), log)
	srv := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: NewServer(inv, log).Routes(),
	}

	errc := make(chan error, 1)
	go func() {
		log.WithFields(logrus.Fields{
			"addr":   cfg.Server.Addr,
			"engine": engine.Kind(),
			"config": cfg.Dir,
		}).Info("starting WASI plugin server")
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
