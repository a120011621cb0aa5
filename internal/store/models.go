package store

// Deal mirrors one CRM deal. Stage and pipeline ids are soft
// references: the referenced rows may not have been loaded yet.
type Deal struct {
	ID         int64
	Title      string
	StageID    string
	PipelineID int64
	ContactID  *int64
	Link       string
}

// Contact mirrors one CRM contact. Phone, when present, is in
// canonical +<digits> form.
type Contact struct {
	ID    int64
	Name  string
	Phone *string
	Link  string
}

type Pipeline struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// Stage belongs to a pipeline; pipeline id 0 holds the default scope.
type Stage struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	PipelineID int64  `json:"pipeline_id"`
}

// DealContact is one deal-contact relation row.
type DealContact struct {
	DealID    int64
	ContactID int64
	IsPrimary bool
	SortIndex *int
	RoleID    *int
}

// DealView is one row of the joined consumer-facing deal listing.
type DealView struct {
	DealID       int64   `json:"deal_id"`
	Title        string  `json:"title"`
	DealLink     string  `json:"deal_link"`
	StageName    *string `json:"stage_name"`
	PipelineName *string `json:"pipeline_name"`
	Phone        *string `json:"phone"`
	ContactName  *string `json:"contact_name"`
	ContactLink  *string `json:"contact_link"`
}

// ContactView is one row of the consumer-facing contact listing,
// with the ids of every deal the contact is related to.
type ContactView struct {
	ID      int64   `json:"id"`
	Name    string  `json:"contact_name"`
	Phone   *string `json:"phone"`
	Link    string  `json:"contact_link"`
	DealIDs []int64 `json:"deal_ids"`
}

// DealFilter narrows the consumer deal listing.
type DealFilter struct {
	PipelineID *int64
	StageID    string
	Search     string
}

// Filters is the pipeline+stage vocabulary the dashboard filters on.
type Filters struct {
	Pipelines []Pipeline `json:"pipelines"`
	Stages    []Stage    `json:"stages"`
}
