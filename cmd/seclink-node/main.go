package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"seclink/go-node/internal/config"
	"seclink/go-node/internal/node"
	"seclink/go-node/internal/platform/privacylog"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	configPath := flag.String("config", "", "Path to seclink.yaml (optional)")
	dataDir := flag.String("data-dir", "", "Directory for node local data (optional)")
	listenAddr := flag.String("listen", "", "Listen address override (optional)")
	logLevel := flag.String("log-level", "info", "Log level: debug | info | warn | error")
	flag.Parse()
	if *showVersion {
		fmt.Printf("seclink-node version=%s commit=%s build_date=%s\n", version, commit, buildDate)
		return
	}

	logger := newLogger(*logLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg := config.LoadFromPath(*configPath)
	if *dataDir != "" {
		cfg.DataDir = *dataDir
	}
	if *listenAddr != "" {
		cfg.ListenAddress = *listenAddr
	}

	// The seed passphrase comes from the environment, never from a flag:
	// flags leak through process listings.
	passphrase := os.Getenv("SECLINK_PASSPHRASE")

	n, err := node.New(cfg, passphrase, logger)
	if err != nil {
		logger.Error("seclink-node failed to initialize", "reason", err.Error())
		os.Exit(1)
	}

	logger.Info("seclink-node starting", "identifier", string(n.Identifier()))
	if err := n.Run(ctx); err != nil {
		logger.Error("seclink-node failed", "reason", err.Error())
		os.Exit(1)
	}
	logger.Info("seclink-node stopped")
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	handler := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	return slog.New(privacylog.WrapHandler(handler))
}
