package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"roleplay-pipeline/internal/config"
	"roleplay-pipeline/internal/store"
	"roleplay-pipeline/internal/syncq"
	"roleplay-pipeline/internal/tavus"
	"roleplay-pipeline/internal/telemetry"
)

func main() {
	cfg := config.Load()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("connect postgres: %v", err)
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		log.Fatalf("migrations: %v", err)
	}

	queue := syncq.NewQueue(cfg)
	gateway := tavus.NewClient(cfg)
	service := syncq.NewService(queue, st, gateway, cfg.SyncInterval, cfg.MaxSyncAttempts)

	// Forward drain requests published by the API into the service loop.
	go func() {
		for range queue.Nudges(ctx) {
			service.Notify()
		}
	}()

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			log.Printf("metrics server stopped: %v", err)
		}
	}()

	log.Printf("sync worker started with interval=%s max_attempts=%d", cfg.SyncInterval, cfg.MaxSyncAttempts)
	if err := service.Start(ctx); err != nil {
		log.Printf("sync worker stopped: %v", err)
	}
}
