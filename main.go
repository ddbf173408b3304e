package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"tickflow/config"
	"tickflow/internal/server"
	"tickflow/internal/service"
	"tickflow/internal/source"
	"tickflow/internal/source/sim"
	"tickflow/internal/source/ws"
	"tickflow/logger"
)

func main() {
	log := logger.GetLogger()

	// Load environment variables from .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", "config/config.yml", "Path to configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(config.ResolveConfigPath(*configPath, "config/config.yml"))
	if err != nil {
		log.WithError(err).Error("Failed to load configuration")
		os.Exit(1)
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		os.Exit(1)
	}

	log.WithFields(logger.Fields{
		"service":     cfg.Tickflow.Name,
		"version":     cfg.Tickflow.Version,
		"environment": config.AppEnvironment(),
	}).Info("starting tickflow")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if strings.ToLower(cfg.Logging.Level) == "report" {
		logger.StartReport(ctx, log, 30*time.Second)
	}

	var src source.PriceSource
	switch cfg.Source.Mode {
	case "ws":
		src = ws.New(cfg.Source.WS)
	default:
		src = sim.New(cfg.Source.Sim)
	}
	log.WithComponent("main").WithFields(logger.Fields{
		"mode": cfg.Source.Mode,
	}).Info("price source ready")

	svc := service.New(cfg, src)
	if err := svc.Start(ctx); err != nil {
		log.WithError(err).Error("failed to start engine")
		os.Exit(1)
	}

	apiServer := server.NewServer(cfg.Server, svc)

	var wg sync.WaitGroup
	if apiServer != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := apiServer.Run(ctx); err != nil {
				log.WithError(err).Error("api server failed")
				cancel()
			}
		}()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		log.WithFields(logger.Fields{"signal": sig.String()}).Info("shutdown signal received")
	case <-ctx.Done():
	}

	cancel()

	shutdownDone := make(chan struct{})
	go func() {
		wg.Wait()
		svc.Stop()
		close(shutdownDone)
	}()

	select {
	case <-shutdownDone:
		log.WithComponent("main").Info("tickflow stopped cleanly")
	case <-time.After(10 * time.Second):
		log.WithComponent("main").Warn("shutdown timed out, exiting")
	}
}
