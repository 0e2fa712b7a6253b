// Command server runs the careline API: service requests, offers, escrowed
// payments and the processor webhook.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/mbd888/careline/internal/config"
	"github.com/mbd888/careline/internal/logging"
	"github.com/mbd888/careline/internal/server"
)

// Set with -ldflags "-X main.Version=..."
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()
	if *showVersion {
		fmt.Printf("careline %s (%s, built %s)\n", Version, Commit, BuildTime)
		return
	}

	if err := run(); err != nil {
		logging.New("error", "text").Error("careline exited", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := logging.New(cfg.LogLevel, cfg.LogFormat)
	logger.Info("starting careline",
		"version", Version,
		"commit", Commit,
		"env", cfg.Env,
		"currency", cfg.Currency,
		"commission_rate", cfg.CommissionRate.String(),
		"minimum_charge", cfg.MinimumCharge.StringFixed(2),
		"persistent_storage", cfg.DatabaseURL != "",
		"shared_event_log", cfg.RedisURL != "",
		"sandbox_processor", cfg.UseSandboxProcessor(),
	)

	srv, err := server.New(cfg, server.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("create server: %w", err)
	}
	return srv.Run(context.Background())
}
