package search

import (
	"context"
	"log"

	"dealmirror/api/internal/store"
)

type dealStore interface {
	ListDealsFiltered(ctx context.Context, filter store.DealFilter, page, limit int) ([]store.DealView, int, error)
	DealViewByIDs(ctx context.Context, ids []int64) ([]store.DealView, error)
}

// Service is the facade that tries Meilisearch first and falls back to
// an ILIKE scan in Postgres.
type Service struct {
	meili *Meili
	store dealStore
}

// NewService creates a search service. meili may be nil if Meilisearch
// is not configured.
func NewService(meili *Meili, st dealStore) *Service {
	return &Service{meili: meili, store: st}
}

// Search resolves a deal query to full listing rows. Meilisearch
// covers the title; the Postgres fallback additionally matches the
// primary contact's name.
func (s *Service) Search(ctx context.Context, q Query) ([]store.DealView, int, error) {
	if s.meili != nil && s.meili.Healthy() {
		ids, total, err := s.meili.Search(q)
		if err == nil {
			views, err := s.store.DealViewByIDs(ctx, ids)
			if err != nil {
				return nil, 0, err
			}
			return views, total, nil
		}
		log.Printf("search: meilisearch error, falling back to postgres: %v", err)
	}

	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}
	filter := store.DealFilter{
		PipelineID: q.PipelineID,
		StageID:    q.StageID,
		Search:     q.Text,
	}
	return s.store.ListDealsFiltered(ctx, filter, q.Offset/limit+1, limit)
}

// IndexDeals pushes deals into the search index (fire-and-forget).
func (s *Service) IndexDeals(deals []store.Deal) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	records := make([]DealRecord, 0, len(deals))
	for _, d := range deals {
		records = append(records, DealRecord{
			ID:         d.ID,
			Title:      d.Title,
			PipelineID: d.PipelineID,
			StageID:    d.StageID,
		})
	}
	go func() {
		if err := s.meili.IndexDeals(records); err != nil {
			log.Printf("search: index %d deals: %v", len(records), err)
		}
	}()
}

// RemoveDeals drops deals from the search index (fire-and-forget).
func (s *Service) RemoveDeals(ids []int64) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.RemoveDeals(ids); err != nil {
			log.Printf("search: remove %d deals: %v", len(ids), err)
		}
	}()
}
