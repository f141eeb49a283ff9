package main

import (
	"flag"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/INLOpen/nexuscluster/compressors"
	"github.com/INLOpen/nexuscluster/config"
	"github.com/INLOpen/nexuscluster/core"
	"github.com/INLOpen/nexuscluster/transport"
)

// read-node runs a standalone partition-group read node: it serves the
// cluster read protocol over TCP from an in-memory series store, the
// backend in-process deployments and integration setups point a
// coordinator's transport at.
func main() {
	listenAddr := flag.String("listen", "127.0.0.1:57480", "address to serve the cluster read protocol on")
	configPath := flag.String("config", "", "path to a YAML config file (defaults apply when empty)")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	cfg := config.DefaultConfig()
	if *configPath != "" {
		loaded, err := config.LoadConfig(*configPath)
		if err != nil {
			logger.Error("Failed to load config", "path", *configPath, "error", err)
			os.Exit(1)
		}
		cfg = loaded
	}

	compressionType, err := core.CompressionTypeFromString(cfg.Fetch.Compression)
	if err != nil {
		logger.Error("Invalid compression in config", "compression", cfg.Fetch.Compression, "error", err)
		os.Exit(1)
	}
	compressor, err := compressors.ForType(compressionType)
	if err != nil {
		logger.Error("Failed to build compressor", "error", err)
		os.Exit(1)
	}

	listener, err := net.Listen("tcp", *listenAddr)
	if err != nil {
		logger.Error("Failed to listen", "addr", *listenAddr, "error", err)
		os.Exit(1)
	}

	srv := transport.NewGroupServer(transport.GroupServerOptions{
		Listener:   listener,
		Compressor: compressor,
		BatchSize:  cfg.Fetch.BatchSize,
		Logger:     logger,
	})

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve() }()
	logger.Info("Read node serving.", "addr", listener.Addr(), "compression", cfg.Fetch.Compression)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("Shutdown signal received, stopping read node...", "signal", sig)
	case err := <-errCh:
		if err != nil {
			logger.Error("Serve failed", "error", err)
		}
	}

	if err := srv.Close(); err != nil {
		logger.Error("Shutdown error", "error", err)
		os.Exit(1)
	}
	logger.Info("Read node has been shut down.")
}
