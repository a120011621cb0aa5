// Package sync is the synchronization engine: it drains the remote
// CRM's paginated enumerations and reconciles the local mirror,
// upserting everything seen and deleting everything unseen.
package sync

import (
	"context"
	"fmt"
	"log"
	"time"

	"golang.org/x/sync/errgroup"

	"dealmirror/api/internal/bitrix"
	"dealmirror/api/internal/phone"
	"dealmirror/api/internal/store"
)

type gateway interface {
	EntityURL(entityType string, id int64) string
	ListPipelines(ctx context.Context) ([]bitrix.Pipeline, error)
	ListStages(ctx context.Context, entityID string) ([]bitrix.Stage, error)
	ListDealsPage(ctx context.Context, start int) (bitrix.DealPage, error)
	ListDealIDsPage(ctx context.Context, start int) (bitrix.IDPage, error)
	ListContactIDsPage(ctx context.Context, start int) (bitrix.IDPage, error)
	ListContactsByIDs(ctx context.Context, ids []int64) ([]bitrix.Contact, error)
	DealContacts(ctx context.Context, dealID int64) ([]bitrix.Relation, error)
	UpdateContact(ctx context.Context, contactID int64, fields any) error
}

type dataStore interface {
	Ping(ctx context.Context) error
	UpsertDeals(ctx context.Context, deals []store.Deal) (int64, error)
	UpsertContacts(ctx context.Context, contacts []store.Contact) (int64, error)
	UpsertPipelines(ctx context.Context, pipelines []store.Pipeline) (int64, error)
	UpsertStages(ctx context.Context, stages []store.Stage) (int64, error)
	ReplaceDealContacts(ctx context.Context, dealID int64, relations []store.DealContact) error
	SetDealPrimaryContact(ctx context.Context, dealID, contactID int64) error
	DealIDs(ctx context.Context) ([]int64, error)
	ContactIDs(ctx context.Context) ([]int64, error)
	PipelineIDs(ctx context.Context) ([]int64, error)
	StageIDs(ctx context.Context) ([]string, error)
	DeletePipelines(ctx context.Context, ids []int64) (int64, error)
	DeleteStages(ctx context.Context, ids []string) (int64, error)
	DeleteDeals(ctx context.Context, ids []int64) (int64, error)
	DeleteContacts(ctx context.Context, ids []int64) (int64, error)
	ContactHasRelations(ctx context.Context, contactID int64) (bool, error)
}

// Notifier receives engine events for the push channel. Implementations
// must not block.
type Notifier interface {
	Notify(event string, payload any)
}

// Indexer keeps the deal search index in step with the mirror.
type Indexer interface {
	IndexDeals(deals []store.Deal)
	RemoveDeals(ids []int64)
}

// Invalidator drops cached filter vocabulary after the pipeline and
// stage dictionaries change.
type Invalidator interface {
	Invalidate(ctx context.Context)
}

type Config struct {
	BatchSize    int
	RequestDelay time.Duration
	PageDelay    time.Duration
	StaleTimeout time.Duration
}

type Service struct {
	gw    gateway
	store dataStore
	cfg   Config

	guard *guard

	// optional collaborators
	notifier Notifier
	indexer  Indexer
	cache    Invalidator
}

func New(gw gateway, st dataStore, cfg Config) *Service {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	return &Service{
		gw:    gw,
		store: st,
		cfg:   cfg,
		guard: newGuard(cfg.StaleTimeout),
	}
}

func (s *Service) WithNotifier(n Notifier) *Service { s.notifier = n; return s }

func (s *Service) WithIndexer(i Indexer) *Service { s.indexer = i; return s }

func (s *Service) WithInvalidator(c Invalidator) *Service { s.cache = c; return s }

// Syncing reports whether a deal traversal is in progress.
func (s *Service) Syncing() bool {
	return s.guard.Held()
}

// Run is the startup sequence: verify storage connectivity, reconcile
// the pipeline and stage dictionaries in parallel, then kick off the
// deal traversal without holding the caller.
func (s *Service) Run(ctx context.Context) error {
	if err := s.store.Ping(ctx); err != nil {
		return fmt.Errorf("storage unreachable: %w", err)
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error { return s.SyncPipelines(groupCtx) })
	group.Go(func() error { return s.SyncStages(groupCtx) })
	if err := group.Wait(); err != nil {
		return err
	}

	go func() {
		if err := s.SyncDeals(ctx); err != nil {
			log.Printf("sync: deal sync: %v", err)
		}
	}()

	log.Printf("sync: startup sync initiated")
	return nil
}

// SyncPipelines reconciles the pipeline set: upsert everything the
// remote reports and delete local pipelines (with their stages) that
// are no longer reported.
func (s *Service) SyncPipelines(ctx context.Context) error {
	remote, err := s.gw.ListPipelines(ctx)
	if err != nil {
		return fmt.Errorf("list pipelines: %w", err)
	}

	remoteIDs := make(map[int64]bool, len(remote))
	pipelines := make([]store.Pipeline, 0, len(remote))
	for _, p := range remote {
		remoteIDs[p.ID.Int64()] = true
		pipelines = append(pipelines, store.Pipeline{ID: p.ID.Int64(), Name: p.Name})
	}

	localIDs, err := s.store.PipelineIDs(ctx)
	if err != nil {
		return err
	}
	var toDelete []int64
	for _, id := range localIDs {
		if !remoteIDs[id] {
			toDelete = append(toDelete, id)
		}
	}
	if len(toDelete) > 0 {
		deleted, err := s.store.DeletePipelines(ctx, toDelete)
		if err != nil {
			return err
		}
		log.Printf("sync: removed %d stale pipelines (%d rows)", len(toDelete), deleted)
	}

	if _, err := s.store.UpsertPipelines(ctx, pipelines); err != nil {
		return err
	}
	s.invalidateFilters(ctx)
	log.Printf("sync: loaded %d pipelines, removed %d", len(pipelines), len(toDelete))
	return nil
}

// SyncStages reconciles the stage set: the default scope plus one
// scope per known pipeline. A failing pipeline scope is logged and
// skipped; since its stages are then missing from the fetched set,
// the reconciliation removes them until a later pass restores them.
func (s *Service) SyncStages(ctx context.Context) error {
	var all []store.Stage

	main, err := s.gw.ListStages(ctx, "DEAL_STAGE")
	if err != nil {
		return fmt.Errorf("list default stages: %w", err)
	}
	for _, st := range main {
		all = append(all, store.Stage{ID: st.StatusID, Name: st.Name, PipelineID: 0})
	}

	pipelineIDs, err := s.store.PipelineIDs(ctx)
	if err != nil {
		return err
	}
	for _, pipelineID := range pipelineIDs {
		scoped, err := s.gw.ListStages(ctx, fmt.Sprintf("DEAL_STAGE_%d", pipelineID))
		if err != nil {
			log.Printf("sync: stages for pipeline %d: %v", pipelineID, err)
			continue
		}
		for _, st := range scoped {
			all = append(all, store.Stage{ID: st.StatusID, Name: st.Name, PipelineID: pipelineID})
		}
		if err := sleepContext(ctx, s.cfg.RequestDelay); err != nil {
			return err
		}
	}

	remoteIDs := make(map[string]bool, len(all))
	for _, st := range all {
		remoteIDs[st.ID] = true
	}
	localIDs, err := s.store.StageIDs(ctx)
	if err != nil {
		return err
	}
	var toDelete []string
	for _, id := range localIDs {
		if !remoteIDs[id] {
			toDelete = append(toDelete, id)
		}
	}
	if _, err := s.store.DeleteStages(ctx, toDelete); err != nil {
		return err
	}

	if _, err := s.store.UpsertStages(ctx, all); err != nil {
		return err
	}
	s.invalidateFilters(ctx)
	log.Printf("sync: loaded %d stages, removed %d", len(all), len(toDelete))
	return nil
}

// SyncDeals drains the full deal enumeration page by page: upsert each
// page, replace each deal's relation set, then batch-load the contacts
// the page referenced. When the traversal completes it deletes local
// deals the enumeration never reported. Only one traversal runs at a
// time; a second trigger is dropped.
func (s *Service) SyncDeals(ctx context.Context) error {
	token, ok := s.guard.TryAcquire()
	if !ok {
		log.Printf("sync: deal sync already in progress, skipping")
		return nil
	}
	defer s.guard.Release(token)

	deadline := s.cfg.StaleTimeout
	if deadline <= 0 {
		deadline = 5 * time.Minute
	}
	ctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	s.notify("sync-started", nil)

	seen := make(map[int64]bool)
	start := 0
	completed := false

	for {
		page, err := s.gw.ListDealsPage(ctx, start)
		if err != nil {
			s.notify("sync-complete", map[string]any{"success": false, "error": err.Error()})
			return fmt.Errorf("deal page start=%d: %w", start, err)
		}
		if len(page.Deals) == 0 {
			completed = true
			break
		}
		log.Printf("sync: got %d deals at start=%d", len(page.Deals), start)

		if err := s.syncDealPage(ctx, page.Deals, seen); err != nil {
			s.notify("sync-complete", map[string]any{"success": false, "error": err.Error()})
			return err
		}

		if page.Next == nil || *page.Next <= 0 {
			completed = true
			break
		}
		start = *page.Next
		// Yield between pages so other work is not starved.
		if err := sleepContext(ctx, s.cfg.PageDelay); err != nil {
			s.notify("sync-complete", map[string]any{"success": false, "error": err.Error()})
			return err
		}
	}

	if completed {
		if err := s.deleteUnseenDeals(ctx, seen); err != nil {
			s.notify("sync-complete", map[string]any{"success": false, "error": err.Error()})
			return err
		}
	}

	s.notify("sync-complete", map[string]any{"success": true})
	log.Printf("sync: all deal pages processed")
	return nil
}

func (s *Service) syncDealPage(ctx context.Context, deals []bitrix.Deal, seen map[int64]bool) error {
	rows := make([]store.Deal, 0, len(deals))
	for _, d := range deals {
		row := store.Deal{
			ID:         d.ID.Int64(),
			Title:      d.Title,
			StageID:    d.StageID,
			PipelineID: d.CategoryID.Int64(),
			Link:       s.gw.EntityURL("deal", d.ID.Int64()),
		}
		if d.ContactID.Int64() != 0 {
			contactID := d.ContactID.Int64()
			row.ContactID = &contactID
		}
		rows = append(rows, row)
		seen[row.ID] = true
	}
	if _, err := s.store.UpsertDeals(ctx, rows); err != nil {
		return err
	}
	if s.indexer != nil {
		s.indexer.IndexDeals(rows)
	}

	contactIDs := make(map[int64]bool)
	for _, d := range deals {
		dealID := d.ID.Int64()
		relations, err := s.gw.DealContacts(ctx, dealID)
		if err != nil {
			// One deal's relations failing must not abort the page.
			log.Printf("sync: relations for deal %d: %v", dealID, err)
			continue
		}

		mapped := make([]store.DealContact, 0, len(relations))
		var primaryID int64
		for _, rel := range relations {
			contactID := rel.ContactID.Int64()
			if contactID == 0 {
				continue
			}
			mapped = append(mapped, store.DealContact{
				DealID:    dealID,
				ContactID: contactID,
				IsPrimary: rel.Primary(),
				SortIndex: rel.SortIndex(),
				RoleID:    rel.Role(),
			})
			contactIDs[contactID] = true
			if rel.Primary() {
				primaryID = contactID
			}
		}
		if err := s.store.ReplaceDealContacts(ctx, dealID, mapped); err != nil {
			log.Printf("sync: store relations for deal %d: %v", dealID, err)
			continue
		}
		if primaryID != 0 {
			if err := s.store.SetDealPrimaryContact(ctx, dealID, primaryID); err != nil {
				log.Printf("sync: primary contact for deal %d: %v", dealID, err)
			}
		}
		if err := sleepContext(ctx, s.cfg.RequestDelay); err != nil {
			return err
		}
	}

	if len(contactIDs) > 0 {
		ids := make([]int64, 0, len(contactIDs))
		for id := range contactIDs {
			ids = append(ids, id)
		}
		log.Printf("sync: loading %d related contacts", len(ids))
		if err := s.loadContacts(ctx, ids); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) deleteUnseenDeals(ctx context.Context, seen map[int64]bool) error {
	localIDs, err := s.store.DealIDs(ctx)
	if err != nil {
		return err
	}
	var toDelete []int64
	for _, id := range localIDs {
		if !seen[id] {
			toDelete = append(toDelete, id)
		}
	}
	if len(toDelete) == 0 {
		return nil
	}
	if _, err := s.store.DeleteDeals(ctx, toDelete); err != nil {
		return err
	}
	if s.indexer != nil {
		s.indexer.RemoveDeals(toDelete)
	}
	log.Printf("sync: removed %d stale deals", len(toDelete))
	return nil
}

// loadContacts fetches contacts in bounded chunks, normalizes their
// phones (pushing fixes back to the remote), and upserts them locally.
// A failing chunk or push-back is logged; siblings continue.
func (s *Service) loadContacts(ctx context.Context, ids []int64) error {
	processed := 0
	for chunkStart := 0; chunkStart < len(ids); chunkStart += s.cfg.BatchSize {
		chunkEnd := chunkStart + s.cfg.BatchSize
		if chunkEnd > len(ids) {
			chunkEnd = len(ids)
		}
		chunk := ids[chunkStart:chunkEnd]

		contacts, err := s.gw.ListContactsByIDs(ctx, chunk)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Printf("sync: contact chunk: %v", err)
			continue
		}

		rows := make([]store.Contact, 0, len(contacts))
		for _, c := range contacts {
			raw := make([]phone.Number, 0, len(c.Phone))
			for _, p := range c.Phone {
				raw = append(raw, phone.Number{ID: p.ID.Int64(), Value: p.Value, ValueType: p.ValueType})
			}
			ops := phone.Normalize(raw)
			if phone.Changed(raw, ops) {
				if err := s.gw.UpdateContact(ctx, c.ID.Int64(), map[string]any{"PHONE": ops}); err != nil {
					log.Printf("sync: push phones for contact %d: %v", c.ID.Int64(), err)
				}
			}
			rows = append(rows, store.Contact{
				ID:    c.ID.Int64(),
				Name:  c.Name,
				Phone: phone.FirstValue(ops),
				Link:  s.gw.EntityURL("contact", c.ID.Int64()),
			})
		}

		if _, err := s.store.UpsertContacts(ctx, rows); err != nil {
			log.Printf("sync: upsert contact chunk: %v", err)
			continue
		}
		processed += len(rows)

		if err := sleepContext(ctx, s.cfg.RequestDelay); err != nil {
			return err
		}
	}
	log.Printf("sync: processed %d of %d contacts", processed, len(ids))
	return nil
}

// RevalidatePhones re-runs phone normalization for every local
// contact.
func (s *Service) RevalidatePhones(ctx context.Context) error {
	ids, err := s.store.ContactIDs(ctx)
	if err != nil {
		return err
	}
	log.Printf("sync: revalidating phones for %d contacts", len(ids))
	if err := s.loadContacts(ctx, ids); err != nil {
		s.notify("phones-validated", map[string]any{"success": false, "error": err.Error()})
		return err
	}
	s.notify("phones-validated", map[string]any{"success": true})
	return nil
}

// CleanupOrphans enumerates the complete remote deal and contact id
// sets and deletes local rows absent from them. Deals go first so
// their relation rows are gone before the contact pass; a contact that
// still has relations is referenced by a live deal and is kept.
func (s *Service) CleanupOrphans(ctx context.Context) error {
	remoteDeals, err := s.drainIDs(ctx, s.gw.ListDealIDsPage)
	if err != nil {
		return fmt.Errorf("enumerate remote deals: %w", err)
	}
	localDeals, err := s.store.DealIDs(ctx)
	if err != nil {
		return err
	}
	var staleDeals []int64
	for _, id := range localDeals {
		if !remoteDeals[id] {
			staleDeals = append(staleDeals, id)
		}
	}
	if len(staleDeals) > 0 {
		if _, err := s.store.DeleteDeals(ctx, staleDeals); err != nil {
			return err
		}
		if s.indexer != nil {
			s.indexer.RemoveDeals(staleDeals)
		}
	}
	log.Printf("sync: cleanup removed %d local deals", len(staleDeals))

	remoteContacts, err := s.drainIDs(ctx, s.gw.ListContactIDsPage)
	if err != nil {
		return fmt.Errorf("enumerate remote contacts: %w", err)
	}
	localContacts, err := s.store.ContactIDs(ctx)
	if err != nil {
		return err
	}
	var staleContacts []int64
	for _, id := range localContacts {
		if remoteContacts[id] {
			continue
		}
		hasRelations, err := s.store.ContactHasRelations(ctx, id)
		if err != nil {
			log.Printf("sync: cleanup check contact %d: %v", id, err)
			continue
		}
		if hasRelations {
			log.Printf("sync: contact %d still has deal relations, keeping", id)
			continue
		}
		staleContacts = append(staleContacts, id)
	}
	if _, err := s.store.DeleteContacts(ctx, staleContacts); err != nil {
		return err
	}
	log.Printf("sync: cleanup removed %d local contacts", len(staleContacts))
	return nil
}

func (s *Service) drainIDs(ctx context.Context, fetch func(context.Context, int) (bitrix.IDPage, error)) (map[int64]bool, error) {
	all := make(map[int64]bool)
	start := 0
	for {
		page, err := fetch(ctx, start)
		if err != nil {
			return nil, err
		}
		if len(page.IDs) == 0 {
			return all, nil
		}
		for _, id := range page.IDs {
			all[id] = true
		}
		if page.Next == nil || *page.Next <= 0 {
			return all, nil
		}
		start = *page.Next
		if err := sleepContext(ctx, s.cfg.PageDelay); err != nil {
			return nil, err
		}
	}
}

func (s *Service) notify(event string, payload any) {
	if s.notifier != nil {
		s.notifier.Notify(event, payload)
	}
}

func (s *Service) invalidateFilters(ctx context.Context) {
	if s.cache != nil {
		s.cache.Invalidate(ctx)
	}
}

func sleepContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
