package main

import (
	"context"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"

	httpapi "github.com/i474232898/snowfall-aggregation/internal/api/http"
	"github.com/i474232898/snowfall-aggregation/internal/cache"
	"github.com/i474232898/snowfall-aggregation/internal/cluster"
	"github.com/i474232898/snowfall-aggregation/internal/config"
	"github.com/i474232898/snowfall-aggregation/internal/metrics"
	"github.com/i474232898/snowfall-aggregation/internal/scheduler"
	"github.com/i474232898/snowfall-aggregation/internal/snowfall"
	"github.com/i474232898/snowfall-aggregation/internal/snowfall/sources"
)

const serviceName = "snowfall-aggregation"

func main() {
	// Load configuration.
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	clock := clockwork.NewRealClock()
	m := metrics.NewMetrics(prometheus.DefaultRegisterer)

	// Shared HTTP client for outbound source calls.
	httpClient := &http.Client{
		Timeout: cfg.HTTPTimeout,
	}

	connectors := buildConnectors(cfg, httpClient, clock)
	if len(connectors) == 0 {
		log.Fatalf("no snowfall sources enabled")
	}

	stormCache := cache.New[snowfall.Storm](cfg.CacheTTL, cfg.CacheMaxEntries, clock)

	// Core service orchestrating connectors, normalizer and cache.
	service := snowfall.NewService(connectors, stormCache, clock, m, snowfall.Options{
		CacheTTL:      cfg.CacheTTL,
		SourceTimeout: cfg.SourceTimeout,
		FetchTimeout:  cfg.FetchTimeout,
		Retries:       cfg.SourceRetries,
		RetryBackoff:  cfg.RetryBackoff,
	})

	// Scheduler that keeps the latest storm warm.
	sched := scheduler.New(service, cfg.WarmInterval, cfg.FetchTimeout)
	if err := sched.Start(); err != nil {
		log.Fatalf("failed to start scheduler: %v", err)
	}
	defer sched.Stop()

	app := fiber.New(fiber.Config{
		AppName:               serviceName,
		DisableStartupMessage: true,
		ReadTimeout:           10 * time.Second,
		WriteTimeout:          cfg.FetchTimeout + 10*time.Second,
		ErrorHandler:          httpapi.ErrorHandler(clock, m),
	})

	// Global middleware
	app.Use(httpapi.RequestID())
	app.Use(logger.New(logger.Config{
		Format: "${time} ${locals:requestID} ${status} - ${latency} ${method} ${path}\n",
	}))
	app.Use(recover.New())

	httpapi.RegisterSystemRoutes(app, serviceName, prometheus.DefaultGatherer)
	httpapi.RegisterRoutes(app, service, cluster.New(cfg.ClusterRadiusPx, cfg.ClusterMaxZoom))

	go func() {
		log.Printf("INFO: %s listening on :%s with sources %v", serviceName, cfg.Port, cfg.EnabledSources)
		if err := app.Listen(":" + cfg.Port); err != nil {
			log.Printf("fiber server stopped: %v", err)
		}
	}()

	// Wait for termination signal
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := app.ShutdownWithContext(shutdownCtx); err != nil {
		log.Printf("error during shutdown: %v", err)
	}
}

func buildConnectors(cfg *config.AppConfig, client *http.Client, clock clockwork.Clock) []snowfall.Connector {
	var conns []snowfall.Connector

	if cfg.SourceEnabled(snowfall.SourceNWS) {
		conns = append(conns, sources.NewNWSConnector(client, cfg.NWS.BaseURL, cfg.NWS.UserAgent, cfg.NWS.Stations))
	}
	if cfg.SourceEnabled(snowfall.SourceGridded) {
		if !cfg.Gridded.UseRealData {
			log.Println("INFO: USE_REAL_NOAA_DATA is false; gridded source serves mock data")
		}
		conns = append(conns, sources.NewGriddedConnector(client, cfg.NWS.UserAgent, sources.GriddedOptions{
			BaseURL: cfg.Gridded.BaseURL,
			Points:  cfg.Gridded.Points,
			Bounds:  cfg.Gridded.Bounds,
			Mock:    !cfg.Gridded.UseRealData,
			Clock:   clock,
		}))
	}
	if cfg.SourceEnabled(snowfall.SourceCoCoRaHS) {
		conns = append(conns, sources.NewCoCoRaHSConnector(client, cfg.CoCoRaHS.BaseURL, cfg.NWS.UserAgent, cfg.CoCoRaHS.State))
	}
	return conns
}
