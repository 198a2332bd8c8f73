package models

import "time"

// StateSummary is the number of tracked entities sitting in one state
type StateSummary struct {
	PipelineID int64     `json:"pipeline_id"`
	StateID    int64     `json:"state_id"`
	Name       string    `json:"name"`
	Code       string    `json:"code"`
	Type       StateType `json:"type"`
	Color      string    `json:"color,omitempty"`
	Count      int       `json:"count"`
}

// StaleEntity is an entity stuck in an intermediate state beyond the threshold
type StaleEntity struct {
	PipelineEntityState
	PipelineName string `json:"pipeline_name"`
	StateName    string `json:"state_name"`
	StateCode    string `json:"state_code"`
	Label        string `json:"label"`
	DaysInState  int    `json:"days_in_state"`
}

// Dashboard is the operational snapshot of the registry
type Dashboard struct {
	Summary       []StateSummary `json:"summary"`
	StaleEntities []StaleEntity  `json:"stale_entities"`
	StaleDays     int            `json:"stale_days"`
	GeneratedAt   time.Time      `json:"generated_at"`
}

// DashboardQuery selects the pipelines covered by a dashboard
type DashboardQuery struct {
	PipelineID *int64 `json:"pipeline_id,omitempty"`
	EntityType string `json:"entity_type,omitempty"`
	StaleDays  int    `json:"stale_days"`
}
