// Package models defines the domain models for the workflow service
package models

import (
	"fmt"
	"strings"
	"time"
)

// StateType classifies a node of a pipeline's state graph
type StateType string

const (
	StateTypeInitial      StateType = "initial"
	StateTypeIntermediate StateType = "intermediate"
	StateTypeTerminal     StateType = "terminal"
)

// Valid reports whether t is one of the known state types.
func (t StateType) Valid() bool {
	switch t {
	case StateTypeInitial, StateTypeIntermediate, StateTypeTerminal:
		return true
	}
	return false
}

// Pipeline is a named, versioned workflow definition for one entity type
type Pipeline struct {
	ID         int64     `json:"id" db:"id"`
	Name       string    `json:"name" db:"name"`
	Code       string    `json:"code" db:"code"`
	EntityType string    `json:"entity_type" db:"entity_type"`
	Version    int       `json:"version" db:"version"`
	IsActive   bool      `json:"is_active" db:"is_active"`
	CreatedAt  time.Time `json:"created_at" db:"created_at"`

	// Populated by the definition store, ordered by SortOrder
	States      []PipelineState `json:"states,omitempty"`
	Transitions []Transition    `json:"transitions,omitempty"`
}

// State returns the state with the given id.
func (p *Pipeline) State(id int64) (PipelineState, bool) {
	for _, s := range p.States {
		if s.ID == id {
			return s, true
		}
	}
	return PipelineState{}, false
}

// InitialState returns the pipeline's single initial state.
func (p *Pipeline) InitialState() (PipelineState, bool) {
	for _, s := range p.States {
		if s.Type == StateTypeInitial {
			return s, true
		}
	}
	return PipelineState{}, false
}

// TransitionByCode looks up a transition by its code.
func (p *Pipeline) TransitionByCode(code string) (Transition, bool) {
	for _, t := range p.Transitions {
		if t.Code == code {
			return t, true
		}
	}
	return Transition{}, false
}

// PipelineState is one node in a pipeline's state graph
type PipelineState struct {
	ID         int64     `json:"id" db:"id"`
	PipelineID int64     `json:"pipeline_id" db:"pipeline_id"`
	Code       string    `json:"code" db:"code"`
	Name       string    `json:"name" db:"name"`
	Type       StateType `json:"type" db:"type"`
	Color      string    `json:"color,omitempty" db:"color"`
	Icon       string    `json:"icon,omitempty" db:"icon"`
	SortOrder  int       `json:"sort_order" db:"sort_order"`
}

// Transition is a named, directed edge between two states of the same pipeline
type Transition struct {
	ID                 int64  `json:"id" db:"id"`
	PipelineID         int64  `json:"pipeline_id" db:"pipeline_id"`
	Code               string `json:"code" db:"code"`
	Name               string `json:"name" db:"name"`
	FromStateID        int64  `json:"from_state_id" db:"from_state_id"`
	ToStateID          int64  `json:"to_state_id" db:"to_state_id"`
	RequiredPermission string `json:"required_permission,omitempty" db:"required_permission"`
}

// EntityRef is a polymorphic reference to a governed domain object.
// The engine never loads the referenced entity itself.
type EntityRef struct {
	Type string `json:"entity_type"`
	ID   string `json:"entity_id"`
}

func (r EntityRef) String() string {
	return fmt.Sprintf("%s#%s", r.Type, r.ID)
}

// Validate checks both parts of the reference are present.
func (r EntityRef) Validate() error {
	if strings.TrimSpace(r.Type) == "" {
		return fmt.Errorf("entity type is required")
	}
	if strings.TrimSpace(r.ID) == "" {
		return fmt.Errorf("entity id is required")
	}
	return nil
}

// PipelineEntityState is the live position of one entity instance in its pipeline
type PipelineEntityState struct {
	ID                 int64     `json:"id" db:"id"`
	EntityType         string    `json:"entity_type" db:"entity_type"`
	EntityID           string    `json:"entity_id" db:"entity_id"`
	PipelineID         int64     `json:"pipeline_id" db:"pipeline_id"`
	CurrentStateID     int64     `json:"current_state_id" db:"current_state_id"`
	LastTransitionedAt time.Time `json:"last_transitioned_at" db:"last_transitioned_at"`
	LastTransitionedBy *int64    `json:"last_transitioned_by,omitempty" db:"last_transitioned_by"`
	CreatedAt          time.Time `json:"created_at" db:"created_at"`
}

// Ref returns the polymorphic reference of the tracked entity.
func (s *PipelineEntityState) Ref() EntityRef {
	return EntityRef{Type: s.EntityType, ID: s.EntityID}
}

// Actor identifies who performs an operation. A nil *Actor means the system.
type Actor struct {
	ID          int64    `json:"id" db:"id"`
	DisplayName string   `json:"display_name" db:"display_name"`
	Email       string   `json:"email" db:"email"`
	Permissions []string `json:"permissions,omitempty"`
}

// PermissionAll grants every transition permission.
const PermissionAll = "*"

// Can reports whether the actor holds permission. An empty requirement is always satisfied.
func (a *Actor) Can(permission string) bool {
	if permission == "" {
		return true
	}
	if a == nil {
		return false
	}
	for _, p := range a.Permissions {
		if p == permission || p == PermissionAll {
			return true
		}
	}
	return false
}

// IDPtr returns the actor id or nil for system-initiated operations.
func (a *Actor) IDPtr() *int64 {
	if a == nil {
		return nil
	}
	id := a.ID
	return &id
}

// PipelineDefinition is the administrative input for defining a pipeline version.
// Transitions reference states by code.
type PipelineDefinition struct {
	Name        string                 `json:"name" yaml:"name"`
	Code        string                 `json:"code" yaml:"code"`
	EntityType  string                 `json:"entity_type" yaml:"entity_type"`
	States      []StateDefinition      `json:"states" yaml:"states"`
	Transitions []TransitionDefinition `json:"transitions" yaml:"transitions"`
}

// StateDefinition declares one state of a pipeline being defined
type StateDefinition struct {
	Code      string    `json:"code" yaml:"code"`
	Name      string    `json:"name" yaml:"name"`
	Type      StateType `json:"type" yaml:"type"`
	Color     string    `json:"color,omitempty" yaml:"color"`
	Icon      string    `json:"icon,omitempty" yaml:"icon"`
	SortOrder int       `json:"sort_order" yaml:"sort_order"`
}

// TransitionDefinition declares a transition between two state codes
type TransitionDefinition struct {
	Code               string `json:"code" yaml:"code"`
	Name               string `json:"name" yaml:"name"`
	From               string `json:"from" yaml:"from"`
	To                 string `json:"to" yaml:"to"`
	RequiredPermission string `json:"required_permission,omitempty" yaml:"required_permission"`
}
