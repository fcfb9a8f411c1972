package models

import (
	"time"
)

// Persona lifecycle states persisted on the scenario record.
const (
	PersonaStatusQueued     = "queued"
	PersonaStatusProcessing = "processing"
	PersonaStatusReady      = "ready"
	PersonaStatusError      = "error"
)

// Persona pipeline modes accepted by the AI provider.
const (
	PipelineModeFull = "full"
	PipelineModeEcho = "echo"
)

// PersonaInput is the client-supplied configuration used to provision a
// remote persona. It carries no sync state.
type PersonaInput struct {
	PersonaName      string               `json:"persona_name,omitempty"`
	SystemPrompt     string               `json:"system_prompt,omitempty"`
	PipelineMode     string               `json:"pipeline_mode,omitempty"`
	Context          string               `json:"context,omitempty"`
	DefaultReplicaID string               `json:"default_replica_id,omitempty"`
	Layers           *PersonaLayersConfig `json:"layers,omitempty"`
}

// PersonaConfig is the provisioning state embedded in a scenario record.
// Status only advances queued -> processing -> ready|error; a regression
// requires an explicit re-enqueue.
type PersonaConfig struct {
	PersonaID        string               `json:"persona_id,omitempty"`
	PersonaName      string               `json:"persona_name,omitempty"`
	SystemPrompt     string               `json:"system_prompt,omitempty"`
	PipelineMode     string               `json:"pipeline_mode,omitempty"`
	Context          string               `json:"context,omitempty"`
	DefaultReplicaID string               `json:"default_replica_id,omitempty"`
	Layers           *PersonaLayersConfig `json:"layers,omitempty"`
	Status           string               `json:"status,omitempty"`
	LastStatusAt     time.Time            `json:"last_status_at,omitempty"`
	SyncError        string               `json:"sync_error,omitempty"`
	IsSyncedRemote   bool                 `json:"is_synced_remote,omitempty"`
}

// IsTerminal reports whether the persona reached a final provisioning state.
func (p PersonaConfig) IsTerminal() bool {
	return p.Status == PersonaStatusReady || p.Status == PersonaStatusError
}

// Input strips sync state, returning the configuration a re-enqueue would use.
func (p PersonaConfig) Input() PersonaInput {
	return PersonaInput{
		PersonaName:      p.PersonaName,
		SystemPrompt:     p.SystemPrompt,
		PipelineMode:     p.PipelineMode,
		Context:          p.Context,
		DefaultReplicaID: p.DefaultReplicaID,
		Layers:           p.Layers,
	}
}

// PersonaLLMTool describes a function tool exposed to the persona's LLM layer.
type PersonaLLMTool struct {
	Type     string `json:"type"`
	Function struct {
		Name        string         `json:"name"`
		Description string         `json:"description,omitempty"`
		Parameters  map[string]any `json:"parameters,omitempty"`
	} `json:"function"`
}

// PersonaLayersConfig groups the optional per-layer provider settings.
// Absent layers are nil and omitted from provider payloads.
type PersonaLayersConfig struct {
	LLM                *LLMLayer                `json:"llm,omitempty"`
	TTS                *TTSLayer                `json:"tts,omitempty"`
	STT                *STTLayer                `json:"stt,omitempty"`
	Perception         *PerceptionLayer         `json:"perception,omitempty"`
	ConversationalFlow *ConversationalFlowLayer `json:"conversational_flow,omitempty"`
	DocumentIDs        []string                 `json:"document_ids,omitempty"`
	DocumentTags       []string                 `json:"document_tags,omitempty"`
}

type LLMLayer struct {
	Model                string           `json:"model,omitempty"`
	SpeculativeInference bool             `json:"speculative_inference,omitempty"`
	Tools                []PersonaLLMTool `json:"tools,omitempty"`
}

type TTSLayer struct {
	Engine         string         `json:"tts_engine,omitempty"`
	VoiceSettings  map[string]any `json:"voice_settings,omitempty"`
	EmotionControl bool           `json:"tts_emotion_control,omitempty"`
	ModelName      string         `json:"tts_model_name,omitempty"`
}

type STTLayer struct {
	Engine                          string `json:"stt_engine,omitempty"`
	ParticipantPauseSensitivity     string `json:"participant_pause_sensitivity,omitempty"`
	ParticipantInterruptSensitivity string `json:"participant_interrupt_sensitivity,omitempty"`
	SmartTurnDetection              bool   `json:"smart_turn_detection,omitempty"`
}

type PerceptionLayer struct {
	Model                   string           `json:"perception_model,omitempty"`
	AmbientAwarenessQueries []string         `json:"ambient_awareness_queries,omitempty"`
	ToolPrompt              string           `json:"perception_tool_prompt,omitempty"`
	Tools                   []PersonaLLMTool `json:"perception_tools,omitempty"`
}

type ConversationalFlowLayer struct {
	TurnDetectionModel     string `json:"turn_detection_model,omitempty"`
	TurnTakingPatience     string `json:"turn_taking_patience,omitempty"`
	TurnCommitment         string `json:"turn_commitment,omitempty"`
	ReplicaInterruptibility string `json:"replica_interruptibility,omitempty"`
	ActiveListening        string `json:"active_listening,omitempty"`
}
