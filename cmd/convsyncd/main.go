package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/fx"

	"github.com/stitchline/convsync/internal/config"
	"github.com/stitchline/convsync/internal/daemon"
	"github.com/stitchline/convsync/internal/lock"
	"github.com/stitchline/convsync/internal/logging"
	"github.com/stitchline/convsync/internal/scope"
	"github.com/stitchline/convsync/internal/wa"
)

func main() {
	scopeFlag := flag.String("scope", "", "scope name (overrides config default)")
	configFlag := flag.String("config", "", "config file (default ~/.convsync/config.toml)")
	envFlag := flag.String("env-file", "", "dotenv file with credentials (default ~/.convsync/.env)")
	pairFlag := flag.Bool("pair", false, "link a WhatsApp account to the scope and exit")
	flag.Parse()

	scopeName := scope.Resolve(*scopeFlag)
	if err := scope.ValidateName(scopeName); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	configPath := *configFlag
	if configPath == "" {
		configPath = scope.ConfigPath()
	}
	cfg, err := config.LoadOrDefault(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: load config: %v\n", err)
		os.Exit(1)
	}

	envPath := *envFlag
	if envPath == "" {
		envPath = scope.EnvPath()
	}
	if err := cfg.ApplyEnvFile(envPath); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	if *pairFlag {
		if err := pair(scopeName, cfg); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	app := fx.New(
		daemon.Module(daemon.Params{Scope: scopeName, Config: cfg}),
	)

	app.Run()
}

// pair runs the WhatsApp QR flow while holding the scope lock, so it never
// shares the device store with a running daemon.
func pair(scopeName string, cfg *config.Config) error {
	if err := scope.EnsureDir(scopeName); err != nil {
		return err
	}
	lk, err := lock.Acquire(scope.Dir(scopeName), scopeName)
	if err != nil {
		return err
	}
	defer func() { _ = lk.Release() }()

	logger, err := logging.New(scope.LogPath(scopeName), scopeName, cfg.Log.Level)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	bridge, err := wa.OpenBridge(ctx, scope.WhatsAppDBPath(scopeName), nil, logger.Named("wa"))
	if err != nil {
		return err
	}
	defer func() { _ = bridge.Close() }()

	if err := bridge.Pair(ctx, os.Stdout); err != nil {
		return err
	}
	fmt.Println("paired; set [whatsapp] enabled = true and start convsyncd")
	return nil
}
