// Package app is the HTTP-facing service layer over the mirror: deal
// and contact views, filter dictionaries, and manual sync triggers.
package app

import (
	"context"
	"log"
	"net/http"
	"time"

	"dealmirror/api/internal/search"
	"dealmirror/api/internal/store"
)

const defaultPageSize = 20

type mirrorStore interface {
	Ping(ctx context.Context) error
	ListDealsFiltered(ctx context.Context, filter store.DealFilter, page, limit int) ([]store.DealView, int, error)
	ListContacts(ctx context.Context) ([]store.ContactView, error)
	DeleteContact(ctx context.Context, id int64) (bool, error)
	Filters(ctx context.Context) (store.Filters, error)
}

type searcher interface {
	Search(ctx context.Context, q search.Query) ([]store.DealView, int, error)
}

type syncEngine interface {
	SyncDeals(ctx context.Context) error
	RevalidatePhones(ctx context.Context) error
	Syncing() bool
}

type filterCache interface {
	Get(ctx context.Context) (store.Filters, bool)
	Set(ctx context.Context, filters store.Filters)
}

// Notifier receives application events for the push channel.
type Notifier interface {
	Notify(event string, payload any)
}

type Service struct {
	store    mirrorStore
	search   searcher // nil disables the search path
	engine   syncEngine
	cache    filterCache // nil disables caching
	notifier Notifier    // nil disables push events
}

func NewService(st mirrorStore, engine syncEngine) *Service {
	return &Service{store: st, engine: engine}
}

func (s *Service) WithSearch(sr searcher) *Service        { s.search = sr; return s }
func (s *Service) WithFilterCache(c filterCache) *Service { s.cache = c; return s }
func (s *Service) WithNotifier(n Notifier) *Service       { s.notifier = n; return s }

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// DealPage is the paginated deal listing envelope.
type DealPage struct {
	Deals      []store.DealView `json:"deals"`
	Page       int              `json:"page"`
	TotalPages int              `json:"totalPages"`
	Total      int              `json:"total"`
}

// ListDeals returns one page of the deal listing. A storage failure
// degrades to an empty page so the UI keeps rendering while the
// database is down.
func (s *Service) ListDeals(ctx context.Context, filter store.DealFilter, page, limit int) DealPage {
	if page < 1 {
		page = 1
	}
	if limit <= 0 || limit > 100 {
		limit = defaultPageSize
	}

	var (
		views []store.DealView
		total int
		err   error
	)
	if filter.Search != "" && s.search != nil {
		views, total, err = s.search.Search(ctx, search.Query{
			Text:       filter.Search,
			PipelineID: filter.PipelineID,
			StageID:    filter.StageID,
			Limit:      limit,
			Offset:     (page - 1) * limit,
		})
	} else {
		views, total, err = s.store.ListDealsFiltered(ctx, filter, page, limit)
	}
	if err != nil {
		log.Printf("app: list deals: %v", err)
		return DealPage{Deals: []store.DealView{}, Page: page, TotalPages: 0, Total: 0}
	}
	if views == nil {
		views = []store.DealView{}
	}
	totalPages := (total + limit - 1) / limit
	return DealPage{Deals: views, Page: page, TotalPages: totalPages, Total: total}
}

func (s *Service) ListContacts(ctx context.Context) ([]store.ContactView, error) {
	contacts, err := s.store.ListContacts(ctx)
	if err != nil {
		return nil, err
	}
	if contacts == nil {
		contacts = []store.ContactView{}
	}
	return contacts, nil
}

// DeleteContact removes a local contact unless a deal still references
// it.
func (s *Service) DeleteContact(ctx context.Context, id int64) error {
	deleted, err := s.store.DeleteContact(ctx, id)
	if err != nil {
		return err
	}
	if !deleted {
		return domainError(http.StatusConflict, "CONTACT_IN_USE", "Contact is referenced by a deal", nil)
	}
	s.notify("contact-deleted", map[string]any{"id": id})
	return nil
}

// TriggerSync starts a deal traversal in the background. It reports
// whether a new run was started; a run already in progress is not
// interrupted.
func (s *Service) TriggerSync() bool {
	if s.engine.Syncing() {
		return false
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Hour)
		defer cancel()
		if err := s.engine.SyncDeals(ctx); err != nil {
			log.Printf("app: manual sync: %v", err)
		}
	}()
	return true
}

// TriggerPhoneRevalidation starts a phone revalidation pass in the
// background.
func (s *Service) TriggerPhoneRevalidation() {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Hour)
		defer cancel()
		if err := s.engine.RevalidatePhones(ctx); err != nil {
			log.Printf("app: phone revalidation: %v", err)
		}
	}()
}

// Filters returns the pipeline and stage dictionaries, served from the
// cache when possible.
func (s *Service) Filters(ctx context.Context) (store.Filters, error) {
	if s.cache != nil {
		if filters, ok := s.cache.Get(ctx); ok {
			return filters, nil
		}
	}
	filters, err := s.store.Filters(ctx)
	if err != nil {
		return store.Filters{}, err
	}
	if s.cache != nil {
		s.cache.Set(ctx, filters)
	}
	return filters, nil
}

func (s *Service) Syncing() bool {
	return s.engine.Syncing()
}

func (s *Service) notify(event string, payload any) {
	if s.notifier != nil {
		s.notifier.Notify(event, payload)
	}
}
