// Command cdpgateway runs the CDP Gateway and Session Multiplexer: it wires
// the FleetStore, SurfaceSupervisor, SessionMultiplexer, EventBus, and
// CdpGateway together behind a chromedp-backed Surface provider and serves
// Chrome's discovery/WebSocket debugging contract on the configured address.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"cdpgateway/internal/config"
	"cdpgateway/internal/eventbus"
	"cdpgateway/internal/fleet"
	"cdpgateway/internal/gateway"
	"cdpgateway/internal/logger"
	"cdpgateway/internal/metrics"
	"cdpgateway/internal/multiplexer"
	"cdpgateway/internal/supervisor"
	"cdpgateway/internal/surface"
)

func main() {
	configPath := flag.String("config", "", "Path to the gateway YAML config file (defaults applied if omitted)")
	flag.Parse()

	var cfg *config.Config
	var reloader *config.Reloader
	if *configPath != "" {
		reloader = config.NewReloader(*configPath, nil)
		if err := reloader.Start(); err != nil {
			fmt.Fprintf(os.Stderr, "cdpgateway: %v\n", err)
			os.Exit(1)
		}
		defer reloader.Stop()
		cfg = reloader.Config()
	} else {
		cfg = config.Default()
	}

	log, err := logger.New(cfg.Logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "cdpgateway: logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	log.Info("starting cdp gateway",
		zap.String("listen_addr", cfg.ListenAddr),
		zap.Bool("test_endpoints", cfg.EnableTestEndpoints),
	)

	met, reg := metrics.New()

	chromeProvider := surface.NewChromeProvider(log.With(zap.String("component", "surface")))
	defer chromeProvider.Close()

	store := fleet.New()
	bus := eventbus.New()
	sup := supervisor.New(store, chromeProvider, bus, log.With(zap.String("component", "supervisor")), cfg.DefaultPageURL)
	mux := multiplexer.New(sup, chromeProvider, cfg.Readiness, met, log.With(zap.String("component", "multiplexer")), bus)
	gw := gateway.New(store, sup, mux, bus, cfg, met, log.With(zap.String("component", "gateway")))

	if reloader != nil {
		reloader.OnChange(func(newCfg *config.Config) {
			gw.ApplyConfig(newCfg)
			mux.SetReadiness(newCfg.Readiness)
			log.Info("applied hot-reloaded config")
		})
	}

	httpServer := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: gw.Routes(),
	}

	var metricsServer *http.Server
	if cfg.MetricsAddr != "" {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", metrics.Handler(reg))
		metricsServer = &http.Server{Addr: cfg.MetricsAddr, Handler: metricsMux}
		go func() {
			log.Info("metrics endpoint listening", zap.String("addr", cfg.MetricsAddr))
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error("metrics server failed", zap.Error(err))
			}
		}()
	}

	ctx, cancel := context.WithCancel(context.Background())
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Info("shutdown signal received")
		cancel()
	}()

	go func() {
		log.Info("gateway listening", zap.String("addr", cfg.ListenAddr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("gateway server failed", zap.Error(err))
			cancel()
		}
	}()

	<-ctx.Done()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warn("gateway shutdown error", zap.Error(err))
	}
	if metricsServer != nil {
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			log.Warn("metrics shutdown error", zap.Error(err))
		}
	}
	log.Info("cdp gateway stopped")
}
