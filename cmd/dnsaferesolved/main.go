package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/CentauriSolutions/dnsafe/internal/dns/server"
	"github.com/CentauriSolutions/dnsafe/internal/resolver"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		slog.Error("application failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	logger := newLogger()

	res := resolver.New(
		getEnvString("ROOT_HINT", "198.41.0.4"),
		getEnvDuration("HOP_TIMEOUT", 5*time.Second),
		getEnvInt("MAX_DEPTH", 16),
		logger,
	)

	dnsAddr := getEnvString("DNS_ADDR", "0.0.0.0:2053")
	dnsServer := server.NewServer(dnsAddr, res, logger)

	go func() {
		if err := dnsServer.Run(ctx); err != nil && err != context.Canceled {
			logger.Error("resolver server stopped", "error", err)
		}
	}()

	metricsAddr := getEnvString("METRICS_ADDR", ":9153")
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	metricsSrv := &http.Server{
		Addr:              metricsAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("metrics server starting", "addr", metricsAddr)
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server failed", "error", err)
		}
	}()

	logger.Info("dnsafe resolver starting",
		"dns_addr", dnsAddr,
		"root_hint", res.RootHint,
		"hop_timeout", res.HopTimeout,
		"max_depth", res.MaxDepth,
	)

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("metrics server shutdown failed", "error", err)
	}

	return nil
}

func newLogger() *slog.Logger {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)
	return logger
}

func getEnvString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}
