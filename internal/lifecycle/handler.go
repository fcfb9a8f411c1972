package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"roleplay-pipeline/internal/feedback"
	"roleplay-pipeline/internal/models"
	"roleplay-pipeline/internal/store"
	"roleplay-pipeline/internal/telemetry"
)

// ErrUnknownConversation is returned when no conversation record matches
// the event's remote conversation id. The webhook surfaces it as 404 and
// performs no writes.
var ErrUnknownConversation = errors.New("conversation not found")

// Store is the persistence surface the handler writes through. It owns
// Conversation and FeedbackSession mutations exclusively.
type Store interface {
	GetConversationByRemoteID(ctx context.Context, remoteID string) (models.Conversation, error)
	UpdateConversationStatus(ctx context.Context, id, status string, endedAt *time.Time, metadata json.RawMessage) error
	SetConversationRecordingURL(ctx context.Context, id, url string) error
	GetScenario(ctx context.Context, id string) (models.Scenario, error)
	FeedbackExistsForConversation(ctx context.Context, conversationID string) (bool, error)
	CreateFeedbackSession(ctx context.Context, fs models.FeedbackSession) (models.FeedbackSession, error)
}

// Analyzer produces a feedback analysis from a transcript. It never fails.
type Analyzer interface {
	Generate(ctx context.Context, transcript []models.TranscriptMessage, scenario feedback.ScenarioContext) models.FeedbackAnalysis
}

// Archiver copies a provider recording into durable storage, returning its
// new location. Optional; a nil archiver disables recording capture.
type Archiver interface {
	Archive(ctx context.Context, conversationID, recordingURL string) (string, error)
}

// Handler applies webhook events to conversation records.
type Handler struct {
	store    Store
	analyzer Analyzer
	archiver Archiver
	now      func() time.Time
}

// NewHandler wires the event handler. archiver may be nil.
func NewHandler(st Store, analyzer Analyzer, archiver Archiver) *Handler {
	return &Handler{store: st, analyzer: analyzer, archiver: archiver, now: time.Now}
}

// Handle applies one inbound event and returns a short result message.
// raw is the unparsed webhook payload, persisted verbatim as conversation
// metadata so provider fields outside our model survive. Events referencing
// an unknown conversation return ErrUnknownConversation without writing
// anything.
func (h *Handler) Handle(ctx context.Context, event models.WebhookEvent, raw json.RawMessage) (string, error) {
	conv, err := h.store.GetConversationByRemoteID(ctx, event.ConversationID)
	if errors.Is(err, store.ErrNotFound) {
		return "", ErrUnknownConversation
	}
	if err != nil {
		return "", err
	}

	telemetry.WebhookEvents.WithLabelValues(event.EventType).Inc()

	switch event.EventType {
	case models.EventReplicaJoined:
		if err := h.handleReplicaJoined(ctx, conv, event, raw); err != nil {
			return "", err
		}
		return "Replica joined", nil
	case models.EventSystemShutdown:
		if err := h.handleShutdown(ctx, conv, event, raw); err != nil {
			return "", err
		}
		return "Conversation shutdown processed", nil
	case models.EventTranscriptionReady:
		if err := h.handleTranscriptionReady(ctx, conv, event); err != nil {
			return "", err
		}
		return "Feedback session created", nil
	default:
		log.Printf("[Lifecycle] unknown event type %q for conversation %s", event.EventType, event.ConversationID)
		return "Unknown event type", nil
	}
}

// handleReplicaJoined confirms the remote agent joined. Terminal
// conversations ignore it; the shutdown that ended them is absorbing.
func (h *Handler) handleReplicaJoined(ctx context.Context, conv models.Conversation, event models.WebhookEvent, raw json.RawMessage) error {
	if conv.IsTerminal() {
		log.Printf("[Lifecycle] replica_joined after shutdown for %s, ignoring", conv.ConversationID)
		return nil
	}
	metadata, err := eventMetadata(event, raw)
	if err != nil {
		return err
	}
	if err := h.store.UpdateConversationStatus(ctx, conv.ID, models.ConversationActive, nil, metadata); err != nil {
		return err
	}
	h.captureRecording(ctx, conv, event.Properties.RecordingURL)
	return nil
}

// handleShutdown performs the terminal transition. The first shutdown wins;
// any later one is a no-op.
func (h *Handler) handleShutdown(ctx context.Context, conv models.Conversation, event models.WebhookEvent, raw json.RawMessage) error {
	if conv.IsTerminal() {
		log.Printf("[Lifecycle] duplicate shutdown for %s, ignoring", conv.ConversationID)
		return nil
	}

	reason := event.Properties.ShutdownReason
	if reason == "" {
		reason = "unknown"
	}
	finalStatus := ShutdownStatus(reason)

	metadata, err := eventMetadata(event, raw)
	if err != nil {
		return err
	}
	endedAt := h.now().UTC()
	if err := h.store.UpdateConversationStatus(ctx, conv.ID, finalStatus, &endedAt, metadata); err != nil {
		return err
	}
	log.Printf("[Lifecycle] conversation %s shut down (%s) -> %s", conv.ConversationID, reason, finalStatus)

	h.captureRecording(ctx, conv, event.Properties.RecordingURL)
	return nil
}

// handleTranscriptionReady derives the feedback session from the transcript.
// It does not change conversation status, and creates at most one feedback
// session per conversation.
func (h *Handler) handleTranscriptionReady(ctx context.Context, conv models.Conversation, event models.WebhookEvent) error {
	transcript := event.Properties.Transcript
	if len(transcript) == 0 {
		log.Printf("[Lifecycle] no transcript for %s, skipping feedback", conv.ConversationID)
		return nil
	}

	exists, err := h.store.FeedbackExistsForConversation(ctx, conv.ID)
	if err != nil {
		return err
	}
	if exists {
		log.Printf("[Lifecycle] feedback already exists for %s, skipping", conv.ConversationID)
		return nil
	}

	scenarioCtx := feedback.ScenarioContext{}
	if scenario, err := h.store.GetScenario(ctx, conv.ScenarioID); err == nil {
		scenarioCtx = feedback.ScenarioContext{
			Title:       scenario.Title,
			Description: scenario.Description,
			Category:    scenario.Category,
		}
	}

	analysis := h.analyzer.Generate(ctx, transcript, scenarioCtx)

	now := h.now().UTC()
	formatted := make([]models.ConversationMessage, 0, len(transcript))
	for i, msg := range transcript {
		role := msg.Role
		if role != "user" && role != "assistant" {
			role = "system"
		}
		formatted = append(formatted, models.ConversationMessage{
			ID:        fmt.Sprintf("%s-%d", conv.ConversationID, i),
			Role:      role,
			Content:   msg.Content,
			Timestamp: now,
		})
	}

	completedAt := now
	if conv.EndedAt != nil {
		completedAt = *conv.EndedAt
	}
	duration := 60
	if conv.EndedAt != nil {
		duration = int(conv.EndedAt.Sub(conv.StartedAt).Seconds())
	} else if !conv.StartedAt.IsZero() {
		duration = int(now.Sub(conv.StartedAt).Seconds())
	}

	session := models.FeedbackSession{
		ID:             uuid.New().String(),
		ScenarioID:     conv.ScenarioID,
		UserID:         conv.UserID,
		ConversationID: conv.ID,
		Score:          analysis.OverallScore,
		CompletedAt:    completedAt,
		Duration:       duration,
		Transcript:     formatted,
		Analysis:       analysis,
	}
	created, err := h.store.CreateFeedbackSession(ctx, session)
	if err != nil {
		return fmt.Errorf("create feedback session: %w", err)
	}
	telemetry.FeedbackSessions.Inc()
	log.Printf("[Lifecycle] feedback session %s created for %s (score %d, %d messages)",
		created.ID, conv.ConversationID, created.Score, len(formatted))
	return nil
}

// eventMetadata prefers the provider's raw payload, so fields our model
// does not carry are kept. Callers without a raw body fall back to
// re-encoding the parsed event.
func eventMetadata(event models.WebhookEvent, raw json.RawMessage) (json.RawMessage, error) {
	if len(raw) > 0 {
		return raw, nil
	}
	data, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("marshal event: %w", err)
	}
	return data, nil
}

// captureRecording archives a recording URL best-effort. Failures never
// propagate into webhook handling.
func (h *Handler) captureRecording(ctx context.Context, conv models.Conversation, recordingURL string) {
	if h.archiver == nil || recordingURL == "" {
		return
	}
	location, err := h.archiver.Archive(ctx, conv.ID, recordingURL)
	if err != nil {
		log.Printf("[Lifecycle] archive recording for %s: %v", conv.ConversationID, err)
		return
	}
	if err := h.store.SetConversationRecordingURL(ctx, conv.ID, location); err != nil {
		log.Printf("[Lifecycle] store recording url for %s: %v", conv.ConversationID, err)
	}
}
