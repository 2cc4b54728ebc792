package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/petalpouches/shipsync/config"
)

func main() {
	cfg, err := config.LoadConfig(os.Getenv("configPath"))
	if err != nil {
		panic(fmt.Sprintf("config parse error, %v", err))
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	p, closeFn, err := buildPoller(cfg, defaultWorkerFactories())
	if err != nil {
		panic(err)
	}
	defer closeFn()

	go func() {
		err := runWorkerHTTPServer(ctx, workerHTTPOpts{
			httpAddr:    cfg.ShipSync.WorkerHTTPAddr,
			swaggerPath: os.Getenv("swaggerPath"),
			poller:      p,
			cfg:         cfg,
		})
		if err != nil && ctx.Err() == nil {
			slog.Error("worker http server stopped", "error", err.Error())
		}
	}()

	slog.Info("resync worker started", "courier", cfg.Delhivery.BaseURL)
	if err := p.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		panic(err)
	}
}
