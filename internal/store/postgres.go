package store

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

// Ping verifies the database connection is alive.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) UpsertDeals(ctx context.Context, deals []Deal) (int64, error) {
	rows := make([][]any, 0, len(deals))
	for _, d := range deals {
		rows = append(rows, []any{d.ID, d.Title, d.StageID, d.PipelineID, d.ContactID, d.Link})
	}
	return s.BatchUpsert(ctx, "deals",
		[]string{"deal_id", "title", "current_stage_id", "pipeline_id", "contact_id", "link"},
		rows, []string{"deal_id"})
}

func (s *PostgresStore) UpsertContacts(ctx context.Context, contacts []Contact) (int64, error) {
	rows := make([][]any, 0, len(contacts))
	for _, c := range contacts {
		rows = append(rows, []any{c.ID, c.Name, c.Phone, c.Link})
	}
	return s.BatchUpsert(ctx, "contacts",
		[]string{"id", "contact_name", "phone", "link"},
		rows, []string{"id"})
}

func (s *PostgresStore) UpsertPipelines(ctx context.Context, pipelines []Pipeline) (int64, error) {
	rows := make([][]any, 0, len(pipelines))
	for _, p := range pipelines {
		rows = append(rows, []any{p.ID, p.Name})
	}
	return s.BatchUpsert(ctx, "pipelines", []string{"id", "name"}, rows, []string{"id"})
}

func (s *PostgresStore) UpsertStages(ctx context.Context, stages []Stage) (int64, error) {
	rows := make([][]any, 0, len(stages))
	for _, st := range stages {
		rows = append(rows, []any{st.ID, st.Name, st.PipelineID})
	}
	return s.BatchUpsert(ctx, "stages",
		[]string{"stage_id", "stage_name", "pipeline_id"},
		rows, []string{"stage_id"})
}

// ReplaceDealContacts stores the full relation set for one deal:
// existing rows are deleted first so the stored set exactly mirrors
// the latest remote snapshot.
func (s *PostgresStore) ReplaceDealContacts(ctx context.Context, dealID int64, relations []DealContact) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM deal_contacts WHERE deal_id = $1`, dealID); err != nil {
		return fmt.Errorf("delete deal contacts %d: %w", dealID, err)
	}
	rows := make([][]any, 0, len(relations))
	for _, rel := range relations {
		rows = append(rows, []any{dealID, rel.ContactID, rel.IsPrimary, rel.SortIndex, rel.RoleID})
	}
	if _, err := s.BatchUpsert(ctx, "deal_contacts",
		[]string{"deal_id", "contact_id", "is_primary", "sort_index", "role_id"},
		rows, nil); err != nil {
		return err
	}
	return nil
}

func (s *PostgresStore) SetDealPrimaryContact(ctx context.Context, dealID, contactID int64) error {
	_, err := s.db.ExecContext(ctx, `UPDATE deals SET contact_id = $1 WHERE deal_id = $2`, contactID, dealID)
	if err != nil {
		return fmt.Errorf("set primary contact for deal %d: %w", dealID, err)
	}
	return nil
}

func (s *PostgresStore) DealIDs(ctx context.Context) ([]int64, error) {
	return s.int64IDs(ctx, `SELECT deal_id FROM deals`)
}

func (s *PostgresStore) ContactIDs(ctx context.Context) ([]int64, error) {
	return s.int64IDs(ctx, `SELECT id FROM contacts`)
}

// PipelineIDs returns every known pipeline id except 0, which is
// reserved for default-scope stages.
func (s *PostgresStore) PipelineIDs(ctx context.Context) ([]int64, error) {
	return s.int64IDs(ctx, `SELECT id FROM pipelines WHERE id != 0`)
}

func (s *PostgresStore) int64IDs(ctx context.Context, query string) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("read ids: %w", err)
	}
	defer rows.Close()

	ids := make([]int64, 0)
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate ids: %w", err)
	}
	return ids, nil
}

func (s *PostgresStore) StageIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT stage_id FROM stages`)
	if err != nil {
		return nil, fmt.Errorf("read stage ids: %w", err)
	}
	defer rows.Close()

	ids := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan stage id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate stage ids: %w", err)
	}
	return ids, nil
}

// DeletePipelines removes pipelines and cascades to their stages.
func (s *PostgresStore) DeletePipelines(ctx context.Context, ids []int64) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	if _, err := BatchDelete(ctx, s, "stages", "pipeline_id", ids); err != nil {
		return 0, err
	}
	return BatchDelete(ctx, s, "pipelines", "id", ids)
}

func (s *PostgresStore) DeleteStages(ctx context.Context, ids []string) (int64, error) {
	return BatchDelete(ctx, s, "stages", "stage_id", ids)
}

// DeleteDeals removes deals and cascades to their relation rows.
func (s *PostgresStore) DeleteDeals(ctx context.Context, ids []int64) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	if _, err := BatchDelete(ctx, s, "deal_contacts", "deal_id", ids); err != nil {
		return 0, err
	}
	return BatchDelete(ctx, s, "deals", "deal_id", ids)
}

func (s *PostgresStore) DeleteContacts(ctx context.Context, ids []int64) (int64, error) {
	return BatchDelete(ctx, s, "contacts", "id", ids)
}

func (s *PostgresStore) ContactHasRelations(ctx context.Context, contactID int64) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM deal_contacts WHERE contact_id = $1)`, contactID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check contact relations: %w", err)
	}
	return exists, nil
}

// DeleteContact removes a single contact unless relation rows still
// reference it.
func (s *PostgresStore) DeleteContact(ctx context.Context, contactID int64) (bool, error) {
	hasRelations, err := s.ContactHasRelations(ctx, contactID)
	if err != nil {
		return false, err
	}
	if hasRelations {
		return false, nil
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM contacts WHERE id = $1`, contactID); err != nil {
		return false, fmt.Errorf("delete contact %d: %w", contactID, err)
	}
	return true, nil
}

// ListDealsFiltered returns one page of the joined deal view plus the
// total row count for the filter.
func (s *PostgresStore) ListDealsFiltered(ctx context.Context, filter DealFilter, page, limit int) ([]DealView, int, error) {
	if page < 1 {
		page = 1
	}
	if limit <= 0 {
		limit = 100
	}
	offset := (page - 1) * limit

	var params []any
	var conditions []string
	if filter.PipelineID != nil {
		params = append(params, *filter.PipelineID)
		conditions = append(conditions, "d.pipeline_id = $"+strconv.Itoa(len(params)))
	}
	if filter.StageID != "" {
		params = append(params, filter.StageID)
		conditions = append(conditions, "d.current_stage_id = $"+strconv.Itoa(len(params)))
	}
	if filter.Search != "" {
		pattern := "%" + filter.Search + "%"
		params = append(params, pattern)
		first := len(params)
		params = append(params, pattern)
		second := len(params)
		conditions = append(conditions, fmt.Sprintf("(d.title ILIKE $%d OR c.contact_name ILIKE $%d)", first, second))
	}

	where := ""
	if len(conditions) > 0 {
		where = " WHERE " + strings.Join(conditions, " AND ")
	}

	countQuery := `
		SELECT COUNT(*)
		FROM deals d
		LEFT JOIN contacts c ON d.contact_id = c.id` + where
	var total int
	if err := s.db.QueryRowContext(ctx, countQuery, params...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count deals: %w", err)
	}

	params = append(params, limit, offset)
	dataQuery := `
		SELECT
			d.deal_id,
			d.title,
			d.link,
			s.stage_name,
			p.name,
			c.phone,
			c.contact_name,
			c.link
		FROM deals d
		LEFT JOIN stages s ON d.current_stage_id = s.stage_id
		LEFT JOIN pipelines p ON d.pipeline_id = p.id
		LEFT JOIN contacts c ON d.contact_id = c.id` + where + fmt.Sprintf(`
		ORDER BY d.pipeline_id DESC, s.stage_name DESC, d.deal_id DESC
		LIMIT $%d OFFSET $%d`, len(params)-1, len(params))

	rows, err := s.db.QueryContext(ctx, dataQuery, params...)
	if err != nil {
		return nil, 0, fmt.Errorf("list deals: %w", err)
	}
	defer rows.Close()

	items := make([]DealView, 0)
	for rows.Next() {
		var item DealView
		if err := rows.Scan(
			&item.DealID,
			&item.Title,
			&item.DealLink,
			&item.StageName,
			&item.PipelineName,
			&item.Phone,
			&item.ContactName,
			&item.ContactLink,
		); err != nil {
			return nil, 0, fmt.Errorf("scan deal view: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate deal view: %w", err)
	}
	return items, total, nil
}

// DealViewByIDs returns view rows for the given deal ids, preserving
// the input order. Used to materialize search hits.
func (s *PostgresStore) DealViewByIDs(ctx context.Context, ids []int64) ([]DealView, error) {
	if len(ids) == 0 {
		return []DealView{}, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT
			d.deal_id,
			d.title,
			d.link,
			s.stage_name,
			p.name,
			c.phone,
			c.contact_name,
			c.link
		FROM deals d
		LEFT JOIN stages s ON d.current_stage_id = s.stage_id
		LEFT JOIN pipelines p ON d.pipeline_id = p.id
		LEFT JOIN contacts c ON d.contact_id = c.id
		WHERE d.deal_id = ANY($1)
		ORDER BY array_position($1, d.deal_id)
	`, ids)
	if err != nil {
		return nil, fmt.Errorf("deal view by ids: %w", err)
	}
	defer rows.Close()

	items := make([]DealView, 0, len(ids))
	for rows.Next() {
		var item DealView
		if err := rows.Scan(
			&item.DealID,
			&item.Title,
			&item.DealLink,
			&item.StageName,
			&item.PipelineName,
			&item.Phone,
			&item.ContactName,
			&item.ContactLink,
		); err != nil {
			return nil, fmt.Errorf("scan deal view: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate deal view: %w", err)
	}
	return items, nil
}

// ListContacts returns every contact with the ids of its deals.
func (s *PostgresStore) ListContacts(ctx context.Context) ([]ContactView, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT
			c.id,
			c.contact_name,
			c.phone,
			c.link,
			COALESCE(array_to_string(array_agg(dc.deal_id) FILTER (WHERE dc.deal_id IS NOT NULL), ','), '') AS deal_ids
		FROM contacts c
		LEFT JOIN deal_contacts dc ON c.id = dc.contact_id
		GROUP BY c.id, c.contact_name, c.phone, c.link
		ORDER BY c.contact_name NULLS LAST
	`)
	if err != nil {
		return nil, fmt.Errorf("list contacts: %w", err)
	}
	defer rows.Close()

	items := make([]ContactView, 0)
	for rows.Next() {
		var item ContactView
		var dealIDs string
		if err := rows.Scan(&item.ID, &item.Name, &item.Phone, &item.Link, &dealIDs); err != nil {
			return nil, fmt.Errorf("scan contact: %w", err)
		}
		item.DealIDs = parseIDList(dealIDs)
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate contacts: %w", err)
	}
	return items, nil
}

func parseIDList(joined string) []int64 {
	ids := make([]int64, 0)
	for _, part := range strings.Split(joined, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	return ids
}

// Filters returns the pipeline and stage vocabulary for the dashboard.
func (s *PostgresStore) Filters(ctx context.Context) (Filters, error) {
	filters := Filters{Pipelines: []Pipeline{}, Stages: []Stage{}}

	rows, err := s.db.QueryContext(ctx, `SELECT id, name FROM pipelines ORDER BY name ASC`)
	if err != nil {
		return Filters{}, fmt.Errorf("list pipelines: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var p Pipeline
		if err := rows.Scan(&p.ID, &p.Name); err != nil {
			return Filters{}, fmt.Errorf("scan pipeline: %w", err)
		}
		filters.Pipelines = append(filters.Pipelines, p)
	}
	if err := rows.Err(); err != nil {
		return Filters{}, fmt.Errorf("iterate pipelines: %w", err)
	}

	stageRows, err := s.db.QueryContext(ctx, `
		SELECT stage_id, stage_name, pipeline_id
		FROM stages
		ORDER BY pipeline_id ASC, stage_name ASC
	`)
	if err != nil {
		return Filters{}, fmt.Errorf("list stages: %w", err)
	}
	defer stageRows.Close()
	for stageRows.Next() {
		var st Stage
		if err := stageRows.Scan(&st.ID, &st.Name, &st.PipelineID); err != nil {
			return Filters{}, fmt.Errorf("scan stage: %w", err)
		}
		filters.Stages = append(filters.Stages, st)
	}
	if err := stageRows.Err(); err != nil {
		return Filters{}, fmt.Errorf("iterate stages: %w", err)
	}

	return filters, nil
}
