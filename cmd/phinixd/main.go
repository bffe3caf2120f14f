package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/danmuck/phinix/internal/app"
	"github.com/danmuck/phinix/internal/config"
	"github.com/danmuck/phinix/internal/logging"
)

func main() {
	path := flag.String("config", "cmd/phinixd/config.toml", "server config path")
	flag.Parse()

	if err := run(*path); err != nil {
		fmt.Fprintf(os.Stderr, "phinixd: %v\n", err)
		os.Exit(1)
	}
}

func run(path string) error {
	logging.ConfigureRuntime()
	cfg, err := config.LoadServer(path)
	if err != nil {
		return err
	}
	logging.ApplyLevel(cfg.LogLevel)

	srv, err := app.NewServer(cfg)
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return srv.Run(ctx)
}
