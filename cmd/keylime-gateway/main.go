// Command keylime-gateway is the PCR-bound edge filter (§4.7): a reverse
// proxy that extracts the sensor identity bound into a peer's forwarded
// client certificate and admits or denies the request per policy before
// forwarding it upstream.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/keylime/attestation-agent/config"
	"github.com/keylime/attestation-agent/gateway"
	"github.com/keylime/attestation-agent/logging"
	"github.com/keylime/attestation-agent/profiling"
)

const serviceName = "keylime-gateway"

func main() {
	os.Exit(run())
}

func run() int {
	profiling.Gateway.InitProfilerIfEnabled()
	logging.Setup(serviceName)
	logger := slog.Default()

	configFile := ""
	if len(os.Args) > 1 {
		configFile = os.Args[1]
	}
	cfg, err := config.LoadGatewayConfig(configFile)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		return 1
	}

	mode, err := gateway.ParseMode(cfg.VerificationMode)
	if err != nil {
		logger.Error("invalid verification_mode", "error", err)
		return 1
	}
	sidecarTimeout, err := time.ParseDuration(cfg.SidecarTimeout)
	if err != nil || sidecarTimeout <= 0 {
		sidecarTimeout = 5 * time.Second
	}

	registry := prometheus.NewRegistry()
	metrics := gateway.NewMetrics(registry)

	svc, err := gateway.NewService(gateway.Config{
		VerificationMode: mode,
		SidecarEndpoint:  cfg.SidecarEndpoint,
		SidecarTimeout:   sidecarTimeout,
		IdentityOIDs:     cfg.IdentityOIDs,
	}, metrics, logger)
	if err != nil {
		logger.Error("failed to build gateway service", "error", err)
		return 1
	}
	defer svc.Cache.Stop()

	upstream, err := url.Parse(cfg.UpstreamURL)
	if err != nil {
		logger.Error("invalid upstream_url", "error", err)
		return 1
	}
	proxy := httputil.NewSingleHostReverseProxy(upstream)
	handler := svc.Middleware(proxy)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	server := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	var metricsServer *http.Server
	if cfg.MetricsAddr != "" {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		metricsServer = &http.Server{Addr: cfg.MetricsAddr, Handler: metricsMux}
		go func() {
			logger.Info("serving gateway metrics", "addr", cfg.MetricsAddr)
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server exited unexpectedly", "error", err)
			}
		}()
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("serving edge filter", "addr", cfg.ListenAddr, "mode", mode, "upstream", cfg.UpstreamURL)
		serveErr <- server.ListenAndServe()
	}()

	if _, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		logger.Debug("sd_notify READY failed (not running under systemd?)", "error", err)
	}

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server exited unexpectedly", "error", err)
			return 1
		}
	}

	if _, err := daemon.SdNotify(false, daemon.SdNotifyStopping); err != nil {
		logger.Debug("sd_notify STOPPING failed", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", "error", err)
		return 1
	}
	if metricsServer != nil {
		_ = metricsServer.Shutdown(shutdownCtx)
	}
	return 0
}
