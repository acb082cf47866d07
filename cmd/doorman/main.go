package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/doorman-project/doorman/internal/config"
	"github.com/doorman-project/doorman/internal/gateway"
	"github.com/doorman-project/doorman/internal/logging"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	configPath := flag.String("config", "", "path to configuration file (optional; env overrides apply)")
	showVersion := flag.Bool("version", false, "print version and exit")
	validateOnly := flag.Bool("validate", false, "validate configuration and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("doorman %s (built %s)\n", version, buildTime)
		return
	}

	cfg, err := config.NewLoader().Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}
	if *validateOnly {
		fmt.Println("configuration OK")
		return
	}

	logger, err := logging.New(cfg.Logging.Level)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	logging.SetGlobal(logger)
	defer logging.Sync()

	if err := run(cfg, *configPath); err != nil {
		logging.Error("gateway exited with error", zap.Error(err))
		os.Exit(1)
	}
}

func run(cfg *config.Config, cfgPath string) error {
	app, err := gateway.NewApp(cfg)
	if err != nil {
		return err
	}
	defer app.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := app.Bootstrap(ctx); err != nil {
		return err
	}
	return gateway.NewServer(app, cfgPath).Run(ctx)
}
