// Command cleandb removes local deals and contacts that no longer
// exist in the remote CRM. Contacts still referenced by a deal are
// kept. Intended for cron or manual runs.
package main

import (
	"context"
	"log"
	"time"

	"dealmirror/api/internal/bitrix"
	"dealmirror/api/internal/config"
	"dealmirror/api/internal/store"
	syncengine "dealmirror/api/internal/sync"
)

func main() {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		log.Fatalf("config invalid: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Hour)
	defer cancel()

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

	client := bitrix.NewClient(bitrix.Options{
		WebhookBase: cfg.WebhookBase,
		Domain:      cfg.Domain,
	})

	engine := syncengine.New(client, store.NewPostgresStore(db), syncengine.Config{
		BatchSize:    cfg.BatchSize,
		RequestDelay: cfg.RequestDelay,
		PageDelay:    cfg.PageDelay,
		StaleTimeout: cfg.SyncStaleTimeout,
	})

	if err := engine.CleanupOrphans(ctx); err != nil {
		log.Fatalf("cleanup failed: %v", err)
	}
	log.Printf("cleanup complete")
}
