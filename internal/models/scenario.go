package models

import (
	"time"
)

// Scenario categories offered to users.
const (
	CategoryTeamManagement     = "Team Management"
	CategoryConflictResolution = "Conflict Resolution"
	CategoryLeadership         = "Leadership"
	CategoryPerformance        = "Performance"
	CategoryCommunication      = "Communication"
	CategoryDecisionMaking     = "Decision Making"
)

// Scenario is a role-play training scenario. The persona document is owned
// by the sync queue once a job is enqueued and is replaced wholesale on
// every update.
type Scenario struct {
	ID          string         `json:"id"`
	Title       string         `json:"title"`
	Description string         `json:"description"`
	Category    string         `json:"category"`
	Duration    int            `json:"duration"` // minutes
	Difficulty  string         `json:"difficulty,omitempty"`
	ImageURL    string         `json:"image_url,omitempty"`
	Tags        []string       `json:"tags,omitempty"`
	IsCustom    bool           `json:"is_custom"`
	Persona     *PersonaConfig `json:"persona,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// CreateScenarioInput is the payload accepted when creating a scenario.
type CreateScenarioInput struct {
	Title       string        `json:"title"`
	Description string        `json:"description"`
	Category    string        `json:"category"`
	Duration    int           `json:"duration"`
	Difficulty  string        `json:"difficulty,omitempty"`
	ImageURL    string        `json:"image_url,omitempty"`
	Tags        []string      `json:"tags,omitempty"`
	Persona     *PersonaInput `json:"persona,omitempty"`
}
