package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/wudi/admission/internal/config"
	"github.com/wudi/admission/internal/logging"
	"github.com/wudi/admission/internal/server"
	"go.uber.org/zap"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	configPath := flag.String("config", "configs/admission.yaml", "Path to configuration file")
	watch := flag.Bool("watch", true, "Redeploy when the configuration file changes")
	showVersion := flag.Bool("version", false, "Show version information")
	validateOnly := flag.Bool("validate", false, "Validate configuration and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("admissiond %s (built %s)\n", version, buildTime)
		os.Exit(0)
	}

	loader := config.NewLoader()
	cfg, err := loader.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	if *validateOnly {
		fmt.Println("Configuration is valid")
		os.Exit(0)
	}

	os.Exit(run(cfg, *configPath, *watch))
}

func run(cfg *config.Config, configPath string, watch bool) int {
	logger, closer, err := logging.New(logging.Config{
		Level:      cfg.Logging.Level,
		Output:     cfg.Logging.Output,
		MaxSize:    cfg.Logging.Rotation.MaxSize,
		MaxBackups: cfg.Logging.Rotation.MaxBackups,
		MaxAge:     cfg.Logging.Rotation.MaxAge,
		Compress:   cfg.Logging.Rotation.Compress,
		LocalTime:  cfg.Logging.Rotation.LocalTime,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		return 1
	}
	defer func() {
		logger.Sync()
		if closer != nil {
			closer.Close()
		}
	}()
	logging.SetGlobal(logger)

	logging.Info("Starting admission server",
		zap.String("version", version),
		zap.String("config", configPath),
		zap.String("connector", cfg.Connector.Address),
		zap.Int("hosts", len(cfg.Hosts)),
	)

	srv, err := server.New(cfg, server.Options{
		ConfigPath: configPath,
		Watch:      watch,
		Version:    version,
		Logger:     logger,
	})
	if err != nil {
		logging.Error("Failed to create server", zap.Error(err))
		return 1
	}

	if err := srv.Run(context.Background()); err != nil {
		logging.Error("Server error", zap.Error(err))
		return 1
	}
	return 0
}
