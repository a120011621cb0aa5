package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"dealmirror/api/internal/app"
	"dealmirror/api/internal/bitrix"
	"dealmirror/api/internal/cache"
	"dealmirror/api/internal/config"
	"dealmirror/api/internal/search"
	"dealmirror/api/internal/store"
	syncengine "dealmirror/api/internal/sync"
)

func main() {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		log.Fatalf("config invalid: %v", err)
	}
	ctx := context.Background()

	db, err := store.Open(ctx, cfg.DatabaseURL, store.PoolConfig{
		MaxOpenConns: cfg.DBMaxOpenConns,
		MaxIdleConns: cfg.DBMaxIdleConns,
	})
	if err != nil {
		log.Fatalf("database connection failed: %v", err)
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
		log.Fatalf("migrations failed: %v", err)
	}

	dataStore := store.NewPostgresStore(db)

	client := bitrix.NewClient(bitrix.Options{
		WebhookBase: cfg.WebhookBase,
		Domain:      cfg.Domain,
	})

	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey)
		defer meiliClient.Close()
	}
	searchService := search.NewService(meiliClient, dataStore)

	filterCache, err := cache.New(cfg.RedisURL, cfg.FilterCacheTTL)
	if err != nil {
		log.Fatalf("redis connection failed: %v", err)
	}
	if filterCache != nil {
		log.Printf("Using Redis for filter caching")
		defer filterCache.Close()
	}

	hub := app.NewEventHub(cfg.CORSOrigin)
	defer hub.Close()

	engine := syncengine.New(client, dataStore, syncengine.Config{
		BatchSize:    cfg.BatchSize,
		RequestDelay: cfg.RequestDelay,
		PageDelay:    cfg.PageDelay,
		StaleTimeout: cfg.SyncStaleTimeout,
	}).WithNotifier(hub).WithIndexer(searchService).WithInvalidator(filterCache)

	service := app.NewService(dataStore, engine).
		WithSearch(searchService).
		WithFilterCache(filterCache).
		WithNotifier(hub)

	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin, cfg.SyncToken).WithEventHub(hub)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("Deal mirror API listening on %s", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server failed: %v", err)
		}
	}()

	runCtx, stopSchedules := context.WithCancel(ctx)
	defer stopSchedules()
	go func() {
		if err := engine.Run(runCtx); err != nil {
			log.Printf("WARNING: startup sync error (schedules still active): %v", err)
		}
		engine.StartSchedules(runCtx, cfg.DealsInterval, cfg.PhonesInterval)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	stopSchedules()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
}
