// Package main provides the entry point for the catalog (backend) service.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/arkwrite/shelfmq/internal/api"
	"github.com/arkwrite/shelfmq/internal/catalog"
	"github.com/arkwrite/shelfmq/internal/config"
	"github.com/arkwrite/shelfmq/internal/logger"
	"github.com/arkwrite/shelfmq/internal/rabbitmq"
	"github.com/arkwrite/shelfmq/internal/wire"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "catalog: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load(config.Defaults{
		Port:      "8080",
		StorePath: "./data/catalog",
	})
	if err != nil {
		return err
	}

	log := logger.New(logger.Config{
		Level:       cfg.Logger.Level,
		Format:      cfg.Logger.Format,
		Environment: cfg.App.Environment,
	})

	store, err := catalog.OpenStore(cfg.Store.Path, catalog.WithStoreLogger(log))
	if err != nil {
		return err
	}
	defer store.Close()

	// A broker that cannot be reached at startup is fatal; once connected,
	// the manager reconnects on its own.
	manager := rabbitmq.NewConnectionManager(cfg.Broker.URL,
		rabbitmq.WithLogger(log),
		rabbitmq.WithReconnectDelay(cfg.Broker.ReconnectDelay),
	)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := manager.Connect(ctx); err != nil {
		return fmt.Errorf("connect to broker: %w", err)
	}
	defer manager.Close()

	pool, err := rabbitmq.NewChannelPool(manager)
	if err != nil {
		return fmt.Errorf("create channel pool: %w", err)
	}
	defer pool.Close()

	publisher := rabbitmq.NewPublisher(pool, rabbitmq.WithPublisherLogger(log))
	provisioner := rabbitmq.NewProvisioner(pool, rabbitmq.WithProvisionerLogger(log))
	fetcher := rabbitmq.NewResponseFetcher(pool,
		rabbitmq.WithFetchRetries(cfg.Broker.FetchRetries),
		rabbitmq.WithFetchDelay(cfg.Broker.FetchDelay),
		rabbitmq.WithReplyCleanup(provisioner),
		rabbitmq.WithFetcherLogger(log),
	)

	// The push queues are declared on both ends so neither service depends
	// on the other's startup order.
	for _, queue := range []string{wire.RouteNewBooks, wire.RouteDeleteBooks} {
		if _, err := provisioner.ProvisionDurable(ctx, queue); err != nil {
			return fmt.Errorf("provision %s: %w", queue, err)
		}
	}

	service := catalog.NewService(store, publisher, provisioner, fetcher,
		catalog.WithServiceLogger(log))
	service.StartReconciler(ctx, cfg.Broker.ReconcileInterval)

	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      api.NewCatalogServer(service, log),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("catalog service listening", "port", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-quit:
		log.Info("shutting down", "signal", sig.String())
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown failed", "error", err)
	}
	return nil
}
