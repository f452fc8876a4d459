package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/paraflow/paraflow/internal/auth"
	"github.com/paraflow/paraflow/internal/config"
	"github.com/paraflow/paraflow/internal/crypto"
	"github.com/paraflow/paraflow/internal/history"
	"github.com/paraflow/paraflow/internal/observability"
	"github.com/paraflow/paraflow/internal/server"
	"github.com/paraflow/paraflow/internal/storage"
	"github.com/paraflow/paraflow/internal/validation"
)

var Version = "1.0.0"

func main() {
	defaults := config.DefaultServerConfig()

	configPath := flag.String("config", "", "Path to YAML config file")
	port := flag.Uint("port", uint(defaults.Port), "Listen port (overrides config)")
	uploadsDir := flag.String("uploads-dir", defaults.UploadsDir, "Uploads directory (overrides config)")
	metricsAddr := flag.String("metrics-addr", defaults.MetricsAddr, "Metrics/health listen address (overrides config)")
	historyPath := flag.String("history", defaults.HistoryPath, "Upload history database path (overrides config)")
	flag.Parse()

	logger := observability.NewLogger("paraflow-server", Version, os.Stdout)

	cfg, err := config.LoadServerConfig(*configPath)
	if err != nil {
		logger.Fatal(err, "Failed to load config")
	}

	// Explicit flags win over the config file.
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "port":
			cfg.Port = uint16(*port)
		case "uploads-dir":
			cfg.UploadsDir = *uploadsDir
		case "metrics-addr":
			cfg.MetricsAddr = *metricsAddr
		case "history":
			cfg.HistoryPath = *historyPath
		}
	})

	if err := validation.ValidateAddr(cfg.ListenAddr()); err != nil {
		logger.Fatal(err, "Invalid listen address")
	}

	key, err := crypto.TransferKey()
	if err != nil {
		logger.Fatal(err, "Failed to load transfer key")
	}

	if shutdown, err := observability.InitTracing(context.Background(), "paraflow-server"); err == nil {
		defer shutdown(context.Background())
	}

	srv := server.New(storage.NewStore(cfg.UploadsDir), auth.NewVerifierFromEnv(), key, logger)

	if cfg.HistoryPath != "" {
		h, err := history.Open(cfg.HistoryPath)
		if err != nil {
			logger.Fatal(err, "Failed to open history database")
		}
		defer h.Close()
		srv.History = h
	}

	if cfg.MetricsAddr != "" {
		metrics := observability.NewMetrics()
		srv.Metrics = metrics
		go serveMetrics(cfg.MetricsAddr, metrics, logger)
	}

	listener, err := net.Listen("tcp", cfg.ListenAddr())
	if err != nil {
		logger.Fatal(err, "Failed to bind "+cfg.ListenAddr())
	}

	logger.Info("ParaFlow server listening on " + cfg.ListenAddr())

	go func() {
		if err := srv.Serve(listener); err != nil {
			logger.Fatal(err, "Accept loop failed")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("Received signal " + sig.String() + ", shutting down...")

	listener.Close()
	logger.Info("Server stopped")
}

func serveMetrics(addr string, metrics *observability.Metrics, logger *observability.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"status":"ok","version":%s}`, strconv.Quote(Version))
	})

	logger.Info("Metrics listening on " + addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Error(err, "Metrics server stopped")
	}
}
