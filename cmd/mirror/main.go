// Package main provides the entry point for the mirror (frontend) service.
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
	"github.com/arkwrite/shelfmq/internal/config"
	"github.com/arkwrite/shelfmq/internal/logger"
	"github.com/arkwrite/shelfmq/internal/mirror"
	"github.com/arkwrite/shelfmq/internal/rabbitmq"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "mirror: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load(config.Defaults{
		Port:      "8081",
		StorePath: "./data/mirror.db",
	})
	if err != nil {
		return err
	}

	log := logger.New(logger.Config{
		Level:       cfg.Logger.Level,
		Format:      cfg.Logger.Format,
		Environment: cfg.App.Environment,
	})

	store, err := mirror.OpenStore(cfg.Store.Path, mirror.WithStoreLogger(log))
	if err != nil {
		return err
	}
	defer store.Close()

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
	dispatcher := rabbitmq.NewDispatcher(pool, publisher,
		rabbitmq.WithDispatcherLogger(log),
		rabbitmq.WithPrefetch(cfg.Broker.Prefetch),
	)
	defer dispatcher.Close()

	handlers := mirror.NewHandlers(store, mirror.WithHandlersLogger(log))
	if err := handlers.Register(ctx, provisioner, dispatcher); err != nil {
		return fmt.Errorf("register handlers: %w", err)
	}

	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      api.NewMirrorServer(store, log),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("mirror service listening", "port", cfg.Server.Port)
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
