package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo-contrib/echoprometheus"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/labstack/gommon/log"
	"github.com/nrednav/cuid2"
	"github.com/sethvargo/go-envconfig"
	"github.com/sirupsen/logrus"
	"uk.co.dudmesh.telex/internal/boot"
	"uk.co.dudmesh.telex/internal/gc"
	"uk.co.dudmesh.telex/internal/handlers"
	"uk.co.dudmesh.telex/internal/network"
	"uk.co.dudmesh.telex/internal/observability"
	"uk.co.dudmesh.telex/internal/relay"
	"uk.co.dudmesh.telex/internal/store"
)

const version = "0.1.0"

func main() {
	config, err := boot.Load()
	if err != nil {
		log.Fatalf("boot: %+v", err)
	}

	observability.InitLogger(config.LogLevel, config.LogFormat)
	logger := observability.Component("server")
	logger.WithFields(logrus.Fields{
		"node_id":       config.NodeID,
		"location_code": config.LocationCode,
		"machine_id":    config.MachineID,
		"version":       version,
	}).Info("starting telex server")

	if config.ConfigFile != "" {
		watcher, err := boot.Watch(config.ConfigFile, envconfig.OsLookuper(), func(updated *boot.Config) {
			observability.SetLevel(updated.LogLevel)
			logger.WithField("log_level", updated.LogLevel).Info("configuration reloaded")
		})
		if err != nil {
			log.Fatalf("watching config: %+v", err)
		}
		defer watcher.Close()
	}

	ctx := context.Background()
	dbOptions := store.Options{MaxOpenConns: config.DBMaxConns}

	queueDB, err := store.Open(ctx, config.DatabasePath, dbOptions)
	if err != nil {
		log.Fatalf("opening queue database: %+v", err)
	}
	defer queueDB.Close()

	dedupDB, err := store.Open(ctx, config.DedupDBPath, dbOptions)
	if err != nil {
		log.Fatalf("opening dedup database: %+v", err)
	}
	defer dedupDB.Close()

	queue, err := store.NewQueueStore(ctx, queueDB)
	if err != nil {
		log.Fatalf("creating queue: %+v", err)
	}
	dedup, err := store.NewDedupStore(ctx, dedupDB)
	if err != nil {
		log.Fatalf("creating dedup store: %+v", err)
	}

	collector := gc.New(queue, gc.Config{
		TTL:      config.MessageTTL(),
		Interval: config.GCInterval,
	})
	collector.Start()

	listener := network.New(network.Config{
		Host:           config.ListenHost,
		Port:           config.ListenPort,
		MaxMessageSize: config.MaxMessageSize,
		MaxConnections: config.MaxConnections,
	}, relay.New(config.NodeID, queue, dedup).Handle)
	if err := listener.Start(ctx); err != nil {
		log.Fatalf("starting listener: %+v", err)
	}

	server := echo.New()
	server.HideBanner = true
	server.Use(middleware.BodyLimit("1M"))
	server.Use(middleware.RequestIDWithConfig(middleware.RequestIDConfig{
		Generator: func() string {
			return cuid2.Generate()
		},
	}))
	server.Use(echoprometheus.NewMiddleware("telex"))
	server.Use(middleware.Recover())

	server.Logger.SetLevel(log.INFO)
	if config.IsDevelopment() {
		server.Logger.SetLevel(log.DEBUG)
	}

	handlers.Register(server, handlers.Services{
		Queue:     queue,
		Seen:      dedup,
		Collector: collector,
		Databases: []handlers.Pinger{queueDB, dedupDB},
	})

	metrics := echo.New()
	metrics.HideBanner = true
	metrics.GET("/metrics", echoprometheus.NewHandler())
	go func() {
		if err := metrics.Start(config.MetricsAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal(err)
		}
	}()

	go func() {
		if err := server.Start(config.AdminAddr); err != nil && err != http.ErrServerClosed {
			server.Logger.Fatal("shutting down the server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	sig := <-quit
	logger.WithField("signal", sig.String()).Info("shutting down")

	listener.Stop()
	collector.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		server.Logger.Error(err)
	}
	if err := metrics.Shutdown(shutdownCtx); err != nil {
		server.Logger.Error(err)
	}
	logger.Info("telex server stopped")
}
