package models

import "time"

// PipelineStateLog is the immutable record of one transition event
type PipelineStateLog struct {
	ID                    int64          `json:"id" db:"id"`
	PipelineEntityStateID int64          `json:"pipeline_entity_state_id" db:"pipeline_entity_state_id"`
	EntityType            string         `json:"entity_type" db:"entity_type"`
	EntityID              string         `json:"entity_id" db:"entity_id"`
	PipelineID            int64          `json:"pipeline_id" db:"pipeline_id"`
	FromStateID           *int64         `json:"from_state_id" db:"from_state_id"` // nil on first entry
	ToStateID             int64          `json:"to_state_id" db:"to_state_id"`
	TransitionID          *int64         `json:"transition_id,omitempty" db:"transition_id"`
	PerformedBy           *int64         `json:"performed_by,omitempty" db:"performed_by"` // nil means system
	Comment               string         `json:"comment,omitempty" db:"comment"`
	Metadata              map[string]any `json:"metadata,omitempty" db:"metadata"`
	IPAddress             string         `json:"ip_address,omitempty" db:"ip_address"`
	UserAgent             string         `json:"user_agent,omitempty" db:"user_agent"`
	IdempotencyKey        string         `json:"idempotency_key,omitempty" db:"idempotency_key"`
	CreatedAt             time.Time      `json:"created_at" db:"created_at"`
}

// StateLogView is a log entry resolved for display
type StateLogView struct {
	PipelineStateLog
	PipelineName   string `json:"pipeline_name"`
	FromStateName  string `json:"from_state_name,omitempty"`
	ToStateName    string `json:"to_state_name"`
	TransitionName string `json:"transition_name,omitempty"`
	PerformerName  string `json:"performer_name,omitempty"`
}

// RequestContext carries request provenance captured on audit entries
type RequestContext struct {
	IPAddress string `json:"ip_address,omitempty"`
	UserAgent string `json:"user_agent,omitempty"`
}

// LogSortField names a sortable audit column
type LogSortField string

const (
	LogSortCreatedAt   LogSortField = "created_at"
	LogSortEntityType  LogSortField = "entity_type"
	LogSortEntityID    LogSortField = "entity_id"
	LogSortPerformedBy LogSortField = "performed_by"
	LogSortFromState   LogSortField = "from_state"
	LogSortToState     LogSortField = "to_state"
)

// LogFilter restricts an audit trail search
type LogFilter struct {
	DateFrom    *time.Time `json:"date_from,omitempty"`
	DateTo      *time.Time `json:"date_to,omitempty"`
	EntityType  string     `json:"entity_type,omitempty"` // substring match
	PipelineID  *int64     `json:"pipeline_id,omitempty"`
	FromStateID *int64     `json:"from_state_id,omitempty"`
	ToStateID   *int64     `json:"to_state_id,omitempty"`
	PerformedBy *int64     `json:"performed_by,omitempty"`
	Search      string     `json:"search,omitempty"`
}

// LogSort orders an audit trail search
type LogSort struct {
	Field      LogSortField `json:"field"`
	Descending bool         `json:"descending"`
}

// Pagination selects one page of results; Page is 1-based
type Pagination struct {
	Page    int `json:"page"`
	PerPage int `json:"per_page"`
}

// Offset returns the number of rows to skip.
func (p Pagination) Offset() int {
	if p.Page < 1 {
		return 0
	}
	return (p.Page - 1) * p.PerPage
}

// LogPage is one page of audit entries
type LogPage struct {
	Items   []StateLogView `json:"items"`
	Total   int            `json:"total"`
	Page    int            `json:"page"`
	PerPage int            `json:"per_page"`
}
