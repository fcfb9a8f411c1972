package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/redis/go-redis/v9"

	"roleplay-pipeline/internal/api"
	"roleplay-pipeline/internal/config"
	"roleplay-pipeline/internal/feedback"
	"roleplay-pipeline/internal/lifecycle"
	"roleplay-pipeline/internal/ratelimit"
	"roleplay-pipeline/internal/recording"
	"roleplay-pipeline/internal/store"
	"roleplay-pipeline/internal/syncq"
	"roleplay-pipeline/internal/tavus"
)

func main() {
	cfg := config.Load()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, os.Interrupt)
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
	generator := feedback.NewGenerator(cfg)

	archiver, err := recording.New(ctx, cfg)
	if err != nil {
		log.Fatalf("init recording archiver: %v", err)
	}
	if archiver == nil {
		log.Printf("recording archive disabled (no bucket configured)")
	}

	lc := lifecycle.NewHandler(st, generator, archiverOrNil(archiver))

	redisLimiter := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	limiter := ratelimit.NewStartLimiter(redisLimiter, cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)

	server := api.New(cfg, st, queue, gateway, lc, limiter)
	httpServer := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: server.Router(),
	}

	log.Printf("api listening on :%s", cfg.HTTPPort)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
}

// archiverOrNil avoids handing the lifecycle handler a typed nil interface.
func archiverOrNil(a *recording.Archiver) lifecycle.Archiver {
	if a == nil {
		return nil
	}
	return a
}
