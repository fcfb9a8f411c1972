// Package tavus wraps outbound calls to the AI provider's persona,
// conversation, and catalog endpoints.
package tavus

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"roleplay-pipeline/internal/config"
	"roleplay-pipeline/internal/models"
)

// APIError is a non-2xx response from the provider, carrying the HTTP
// status and the provider-supplied message.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("tavus api error (status %d): %s", e.Status, e.Message)
}

// Client calls the provider REST API. Status checks use a longer timeout
// than other calls because persona provisioning can be slow to report.
type Client struct {
	baseURL       string
	apiKey        string
	httpClient    *http.Client
	timeout       time.Duration
	statusTimeout time.Duration

	pollMaxAttempts int
	backoffBase     time.Duration
	backoffMax      time.Duration
	sleep           func(ctx context.Context, d time.Duration) error
}

// NewClient builds a provider client from config.
func NewClient(cfg config.Config) *Client {
	timeout := cfg.TavusTimeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	statusTimeout := cfg.TavusStatusTimeout
	if statusTimeout == 0 {
		statusTimeout = 30 * time.Second
	}
	maxAttempts := cfg.PollMaxAttempts
	if maxAttempts == 0 {
		maxAttempts = 20
	}
	backoffBase := cfg.PollBackoffBase
	if backoffBase == 0 {
		backoffBase = 2 * time.Second
	}
	backoffMax := cfg.PollBackoffMax
	if backoffMax == 0 {
		backoffMax = 30 * time.Second
	}
	// Timeouts are per-call context deadlines rather than a client-wide
	// http.Client.Timeout, which would cap the longer status timeout.
	return &Client{
		baseURL:         strings.TrimRight(cfg.TavusBaseURL, "/"),
		apiKey:          cfg.TavusAPIKey,
		httpClient:      &http.Client{},
		timeout:         timeout,
		statusTimeout:   statusTimeout,
		pollMaxAttempts: maxAttempts,
		backoffBase:     backoffBase,
		backoffMax:      backoffMax,
		sleep:           sleepCtx,
	}
}

// PersonaResponse is the provider reply to persona creation.
type PersonaResponse struct {
	PersonaID   string `json:"persona_id"`
	PersonaName string `json:"persona_name,omitempty"`
	Status      string `json:"status,omitempty"`
}

// CreateConversationInput parameterizes a conversation session.
type CreateConversationInput struct {
	ReplicaID                string
	PersonaID                string
	ScenarioID               string
	ConversationName         string
	ConversationalContext    string
	CallbackURL              string
	MaxCallDuration          int
	ParticipantLeftTimeout   int
	ParticipantAbsentTimeout int
}

// ConversationResponse is the provider reply to conversation creation.
type ConversationResponse struct {
	ConversationID  string `json:"conversation_id"`
	ConversationURL string `json:"conversation_url"`
}

// DocumentInfo describes a pre-indexed knowledge document.
type DocumentInfo struct {
	ID        string   `json:"id"`
	Name      string   `json:"name"`
	Tags      []string `json:"tags,omitempty"`
	CreatedAt string   `json:"created_at,omitempty"`
}

// ReplicaInfo describes an available replica.
type ReplicaInfo struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	ThumbnailURL string `json:"thumbnail_url,omitempty"`
}

// CreatePersona provisions a remote persona from the given input.
func (c *Client) CreatePersona(ctx context.Context, input models.PersonaInput) (PersonaResponse, error) {
	payload := buildPersonaPayload(input)
	var resp PersonaResponse
	if err := c.doJSON(ctx, http.MethodPost, "/v2/personas", payload, &resp, 0); err != nil {
		return PersonaResponse{}, err
	}
	if resp.PersonaID == "" {
		return PersonaResponse{}, fmt.Errorf("create persona: provider returned no persona_id")
	}
	return resp, nil
}

// GetPersonaStatus fetches the current provisioning status of a persona.
func (c *Client) GetPersonaStatus(ctx context.Context, personaID string) (models.PersonaConfig, error) {
	var raw struct {
		PersonaID    string `json:"persona_id"`
		PersonaName  string `json:"persona_name,omitempty"`
		Status       string `json:"status,omitempty"`
		Error        string `json:"error,omitempty"`
		LastStatusAt string `json:"last_status_at,omitempty"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/v2/personas/"+personaID, nil, &raw, c.statusTimeout); err != nil {
		return models.PersonaConfig{}, err
	}

	status := raw.Status
	if status == "" {
		status = models.PersonaStatusProcessing
	}
	lastStatusAt := time.Now().UTC()
	if raw.LastStatusAt != "" {
		if ts, err := time.Parse(time.RFC3339, raw.LastStatusAt); err == nil {
			lastStatusAt = ts
		}
	}
	return models.PersonaConfig{
		PersonaID:      raw.PersonaID,
		PersonaName:    raw.PersonaName,
		Status:         status,
		LastStatusAt:   lastStatusAt,
		SyncError:      raw.Error,
		IsSyncedRemote: true,
	}, nil
}

// CreateConversation starts a remote conversation session.
func (c *Client) CreateConversation(ctx context.Context, input CreateConversationInput) (ConversationResponse, error) {
	if input.ScenarioID == "" {
		return ConversationResponse{}, fmt.Errorf("scenario id is required for conversation creation")
	}

	maxDuration := input.MaxCallDuration
	if maxDuration == 0 {
		maxDuration = 300
	}
	leftTimeout := input.ParticipantLeftTimeout
	if leftTimeout == 0 {
		leftTimeout = 15
	}
	absentTimeout := input.ParticipantAbsentTimeout
	if absentTimeout == 0 {
		absentTimeout = 30
	}

	payload := map[string]any{
		"replica_id": input.ReplicaID,
		"persona_id": input.PersonaID,
		"properties": map[string]any{
			"max_call_duration":          maxDuration,
			"participant_left_timeout":   leftTimeout,
			"participant_absent_timeout": absentTimeout,
		},
		"test_mode": false,
	}
	if input.ConversationName != "" {
		payload["conversation_name"] = input.ConversationName
	}
	if input.ConversationalContext != "" {
		payload["conversational_context"] = input.ConversationalContext
		payload["memory_stores"] = []string{input.ConversationalContext}
	}
	if input.CallbackURL != "" {
		payload["callback_url"] = input.CallbackURL
	}

	var resp ConversationResponse
	if err := c.doJSON(ctx, http.MethodPost, "/v2/conversations", payload, &resp, 0); err != nil {
		return ConversationResponse{}, err
	}
	return resp, nil
}

// EndConversation asks the provider to shut a conversation down. Ending a
// call is best-effort cleanup: failures are logged and swallowed so the
// caller's teardown never blocks on it.
func (c *Client) EndConversation(ctx context.Context, conversationID string) {
	err := c.doJSON(ctx, http.MethodPost, "/v2/conversations/"+conversationID+"/end", nil, nil, 0)
	if err != nil {
		log.Printf("[Tavus] end conversation %s: %v", conversationID, err)
	}
}

// ListDocuments returns the indexed knowledge documents, or an empty slice
// if the listing fails. Documents are a non-critical enrichment.
func (c *Client) ListDocuments(ctx context.Context) []DocumentInfo {
	var docs []DocumentInfo
	if err := c.doJSON(ctx, http.MethodGet, "/v2/knowledge/documents", nil, &docs, 0); err != nil {
		log.Printf("[Tavus] list documents: %v", err)
		return []DocumentInfo{}
	}
	if docs == nil {
		docs = []DocumentInfo{}
	}
	return docs
}

// ListReplicas returns the available replicas, or an empty slice on failure.
func (c *Client) ListReplicas(ctx context.Context) []ReplicaInfo {
	var replicas []ReplicaInfo
	if err := c.doJSON(ctx, http.MethodGet, "/v2/replicas", nil, &replicas, 0); err != nil {
		log.Printf("[Tavus] list replicas: %v", err)
		return []ReplicaInfo{}
	}
	if replicas == nil {
		replicas = []ReplicaInfo{}
	}
	return replicas
}

func (c *Client) doJSON(ctx context.Context, method, path string, payload, out any, timeout time.Duration) error {
	if timeout == 0 {
		timeout = c.timeout
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	var body *bytes.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	} else {
		body = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var errResp struct {
			Error   string `json:"error"`
			Message string `json:"message"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&errResp)
		msg := errResp.Error
		if msg == "" {
			msg = errResp.Message
		}
		if msg == "" {
			msg = resp.Status
		}
		return &APIError{Status: resp.StatusCode, Message: msg}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// buildPersonaPayload flattens a persona input into the provider wire
// format, omitting absent optional fields and layers.
func buildPersonaPayload(input models.PersonaInput) map[string]any {
	mode := input.PipelineMode
	if mode == "" {
		mode = models.PipelineModeFull
	}
	payload := map[string]any{
		"pipeline_mode": mode,
	}
	if input.PersonaName != "" {
		payload["persona_name"] = input.PersonaName
	}
	if input.SystemPrompt != "" {
		payload["system_prompt"] = input.SystemPrompt
	}
	if input.Context != "" {
		payload["context"] = input.Context
	}
	if input.DefaultReplicaID != "" {
		payload["default_replica_id"] = input.DefaultReplicaID
	}
	if input.Layers != nil {
		payload["layers"] = buildLayersPayload(input.Layers)
	}
	return payload
}

func buildLayersPayload(layers *models.PersonaLayersConfig) map[string]any {
	payload := map[string]any{}
	if layers.LLM != nil {
		payload["llm"] = layers.LLM
	}
	if layers.TTS != nil {
		payload["tts"] = layers.TTS
	}
	if layers.STT != nil {
		payload["stt"] = layers.STT
	}
	if layers.Perception != nil {
		payload["perception"] = layers.Perception
	}
	if layers.ConversationalFlow != nil {
		payload["conversational_flow"] = layers.ConversationalFlow
	}
	if len(layers.DocumentIDs) > 0 {
		payload["document_ids"] = layers.DocumentIDs
	}
	if len(layers.DocumentTags) > 0 {
		payload["document_tags"] = layers.DocumentTags
	}
	return payload
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
