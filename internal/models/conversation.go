package models

import (
	"encoding/json"
	"time"
)

// Conversation lifecycle states. Status transitions are driven exclusively
// by inbound webhook events; all states except active are absorbing.
const (
	ConversationActive    = "active"
	ConversationCompleted = "completed"
	ConversationEnded     = "ended"
	ConversationFailed    = "failed"
)

// Webhook event types sent by the AI provider.
const (
	EventReplicaJoined      = "system.replica_joined"
	EventSystemShutdown     = "system.shutdown"
	EventTranscriptionReady = "application.transcription_ready"
)

// Conversation tracks a role-play call session against a remote conversation
// resource. EndedAt is set exactly once, on the first terminal transition.
type Conversation struct {
	ID             string          `json:"id"`
	ConversationID string          `json:"conversation_id"` // remote identifier
	UserID         string          `json:"user_id"`
	ScenarioID     string          `json:"scenario_id"`
	StartedAt      time.Time       `json:"started_at"`
	EndedAt        *time.Time      `json:"ended_at,omitempty"`
	Status         string          `json:"status"`
	Metadata       json.RawMessage `json:"metadata,omitempty"` // raw last webhook payload
	RecordingURL   string          `json:"recording_url,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// IsTerminal reports whether the conversation already shut down.
func (c Conversation) IsTerminal() bool {
	return c.EndedAt != nil
}

// WebhookEvent is the inbound payload posted by the provider.
type WebhookEvent struct {
	ConversationID string          `json:"conversation_id"`
	EventType      string          `json:"event_type"`
	MessageType    string          `json:"message_type,omitempty"`
	Properties     EventProperties `json:"properties"`
	Timestamp      string          `json:"timestamp,omitempty"`
}

// EventProperties carries the event-specific fields.
type EventProperties struct {
	ReplicaID      string              `json:"replica_id,omitempty"`
	ShutdownReason string              `json:"shutdown_reason,omitempty"`
	Transcript     []TranscriptMessage `json:"transcript,omitempty"`
	RecordingURL   string              `json:"recording_url,omitempty"`
}

// TranscriptMessage is one utterance in the provider transcript.
type TranscriptMessage struct {
	Role    string `json:"role"` // user | assistant | system
	Content string `json:"content"`
}
