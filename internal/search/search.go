package search

// DealRecord is the data we index for a deal.
type DealRecord struct {
	ID         int64  `json:"id"`
	Title      string `json:"title"`
	PipelineID int64  `json:"pipelineId"`
	StageID    string `json:"stageId"`
}

// Query describes a deal search request.
type Query struct {
	Text       string
	PipelineID *int64 // nil = all pipelines
	StageID    string // empty = all stages
	Limit      int
	Offset     int
}
