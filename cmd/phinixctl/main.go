package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/danmuck/phinix/internal/app"
	"github.com/danmuck/phinix/internal/auth"
	"github.com/danmuck/phinix/internal/config"
	"github.com/danmuck/phinix/internal/logging"
	"github.com/rs/zerolog/log"
)

const usage = `usage: phinixctl [-config path] <command>

commands:
  login          connect, authenticate and exit
  run            stay logged in, reconnecting until interrupted
  hash-password  read a password from stdin and print its bcrypt hash
`

func main() {
	path := flag.String("config", "cmd/phinixctl/config.toml", "client config path")
	flag.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	flag.Parse()

	cmd := "login"
	if flag.NArg() > 0 {
		cmd = flag.Arg(0)
	}
	if err := run(cmd, *path); err != nil {
		fmt.Fprintf(os.Stderr, "phinixctl: %v\n", err)
		os.Exit(1)
	}
}

func run(cmd, path string) error {
	logging.ConfigureRuntime()
	switch cmd {
	case "hash-password":
		return hashPassword()
	case "login", "run":
	default:
		flag.Usage()
		return fmt.Errorf("unknown command %q", cmd)
	}

	cfg, err := config.LoadClient(path)
	if err != nil {
		return err
	}
	logging.ApplyLevel(cfg.LogLevel)
	cli, err := app.NewClient(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if cmd == "run" {
		return cli.Run(ctx)
	}

	defer cli.Transport.Disconnect()
	if err := cli.Login(ctx); err != nil {
		return err
	}
	fmt.Printf("authenticated as %s (session %s)\n", cli.Auth.Username(), cli.Auth.SessionID())
	log.Debug().Msgf("phinixctl.login expires_at=%s", cli.Auth.ExpiresAt())
	return nil
}

func hashPassword() error {
	fmt.Fprint(os.Stderr, "password: ")
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && line == "" {
		return fmt.Errorf("read password: %w", err)
	}
	hash, err := auth.HashPassword(strings.TrimRight(line, "\r\n"))
	if err != nil {
		return err
	}
	fmt.Println(hash)
	return nil
}
