package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"dealmirror/api/internal/store"
)

func setupTestCache(t *testing.T) (*FilterCache, *miniredis.Miniredis) {
	t.Helper()
	s := miniredis.RunT(t)
	c, err := New("redis://"+s.Addr(), time.Minute)
	if err != nil {
		t.Fatalf("failed to create filter cache: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c, s
}

func sampleFilters() store.Filters {
	return store.Filters{
		Pipelines: []store.Pipeline{{ID: 1, Name: "Sales"}},
		Stages:    []store.Stage{{ID: "NEW", Name: "New", PipelineID: 1}},
	}
}

func TestSetAndGet(t *testing.T) {
	c, _ := setupTestCache(t)
	ctx := context.Background()

	if _, ok := c.Get(ctx); ok {
		t.Fatal("expected miss on empty cache")
	}

	c.Set(ctx, sampleFilters())

	filters, ok := c.Get(ctx)
	if !ok {
		t.Fatal("expected hit after set")
	}
	if len(filters.Pipelines) != 1 || filters.Pipelines[0].Name != "Sales" {
		t.Errorf("unexpected cached filters: %+v", filters)
	}
}

func TestGetAfterTTLExpiry(t *testing.T) {
	c, s := setupTestCache(t)
	ctx := context.Background()

	c.Set(ctx, sampleFilters())
	s.FastForward(2 * time.Minute)

	if _, ok := c.Get(ctx); ok {
		t.Error("expected miss after TTL expiry")
	}
}

func TestInvalidate(t *testing.T) {
	c, _ := setupTestCache(t)
	ctx := context.Background()

	c.Set(ctx, sampleFilters())
	c.Invalidate(ctx)

	if _, ok := c.Get(ctx); ok {
		t.Error("expected miss after invalidation")
	}
}

func TestNilCacheIsPassThrough(t *testing.T) {
	var c *FilterCache
	ctx := context.Background()

	if _, ok := c.Get(ctx); ok {
		t.Error("nil cache must always miss")
	}
	c.Set(ctx, sampleFilters())
	c.Invalidate(ctx)
	if err := c.Ping(ctx); err != nil {
		t.Errorf("nil cache ping should be a no-op, got %v", err)
	}
	if err := c.Close(); err != nil {
		t.Errorf("nil cache close should be a no-op, got %v", err)
	}
}

func TestEmptyURLDisablesCache(t *testing.T) {
	c, err := New("", time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if c != nil {
		t.Error("empty url should return a nil cache")
	}
}
