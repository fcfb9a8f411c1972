package api

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"roleplay-pipeline/internal/config"
	"roleplay-pipeline/internal/lifecycle"
	"roleplay-pipeline/internal/models"
	"roleplay-pipeline/internal/ratelimit"
	"roleplay-pipeline/internal/store"
	"roleplay-pipeline/internal/syncq"
	"roleplay-pipeline/internal/tavus"
	"roleplay-pipeline/internal/telemetry"
)

// Server wires HTTP handlers for the scenario/conversation API and the
// provider webhook.
type Server struct {
	cfg       config.Config
	store     *store.Store
	queue     *syncq.Queue
	gateway   *tavus.Client
	lifecycle *lifecycle.Handler
	limiter   *ratelimit.StartLimiter
}

// New constructs the API server.
func New(cfg config.Config, st *store.Store, q *syncq.Queue, gateway *tavus.Client, lc *lifecycle.Handler, limiter *ratelimit.StartLimiter) *Server {
	return &Server{
		cfg:       cfg,
		store:     st,
		queue:     q,
		gateway:   gateway,
		lifecycle: lc,
		limiter:   limiter,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/metrics", telemetry.Handler())

	r.Post("/webhook", s.handleWebhook)

	r.Post("/scenarios", s.handleCreateScenario)
	r.Get("/scenarios", s.handleListScenarios)
	r.Get("/scenarios/{id}", s.handleGetScenario)

	r.Post("/conversations", s.handleCreateConversation)
	r.Post("/conversations/{id}/end", s.handleEndConversation)

	r.Get("/feedback", s.handleListFeedback)
	r.Get("/feedback/{id}", s.handleGetFeedback)

	r.Get("/documents", s.handleListDocuments)
	r.Get("/replicas", s.handleListReplicas)

	r.Post("/sync/run", s.handleSyncRun)

	return r
}

type webhookResponse struct {
	Success        bool   `json:"success"`
	ConversationID string `json:"conversationId"`
	EventType      string `json:"eventType"`
	Message        string `json:"message"`
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	if s.cfg.WebhookSecret != "" && r.Header.Get("X-Webhook-Secret") != s.cfg.WebhookSecret {
		telemetry.WebhookRejected.Inc()
		writeError(w, http.StatusUnauthorized, "invalid webhook secret")
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		telemetry.WebhookRejected.Inc()
		writeError(w, http.StatusBadRequest, "unreadable body")
		return
	}
	var event models.WebhookEvent
	if err := json.Unmarshal(body, &event); err != nil {
		telemetry.WebhookRejected.Inc()
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if event.ConversationID == "" {
		telemetry.WebhookRejected.Inc()
		writeError(w, http.StatusBadRequest, "missing conversation_id")
		return
	}

	// The raw body travels with the event so it can be stored verbatim.
	message, err := s.lifecycle.Handle(r.Context(), event, body)
	if errors.Is(err, lifecycle.ErrUnknownConversation) {
		telemetry.WebhookRejected.Inc()
		writeError(w, http.StatusNotFound, "conversation not found")
		return
	}
	if err != nil {
		log.Printf("[API] webhook %s for %s: %v", event.EventType, event.ConversationID, err)
		writeError(w, http.StatusInternalServerError, "webhook processing failed")
		return
	}

	writeJSON(w, http.StatusOK, webhookResponse{
		Success:        true,
		ConversationID: event.ConversationID,
		EventType:      event.EventType,
		Message:        message,
	})
}

func (s *Server) handleCreateScenario(w http.ResponseWriter, r *http.Request) {
	var input models.CreateScenarioInput
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if err := models.ValidateScenarioInput(input); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var persona *models.PersonaConfig
	if input.Persona != nil {
		if input.Persona.DefaultReplicaID == "" {
			input.Persona.DefaultReplicaID = s.cfg.DefaultReplicaID
		}
		persona = &models.PersonaConfig{
			PersonaName:      input.Persona.PersonaName,
			SystemPrompt:     input.Persona.SystemPrompt,
			PipelineMode:     input.Persona.PipelineMode,
			Context:          input.Persona.Context,
			DefaultReplicaID: input.Persona.DefaultReplicaID,
			Layers:           input.Persona.Layers,
			Status:           models.PersonaStatusQueued,
			LastStatusAt:     time.Now().UTC(),
		}
	}

	scenario, err := s.store.CreateScenario(r.Context(), input, persona)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	if input.Persona != nil {
		job := syncq.PersonaJob{
			ScenarioID:   scenario.ID,
			PersonaInput: *input.Persona,
			EnqueuedAt:   time.Now().UTC(),
		}
		if err := s.queue.Enqueue(r.Context(), job); err != nil {
			log.Printf("[API] enqueue persona job for %s: %v", scenario.ID, err)
		} else if err := s.queue.PublishNudge(r.Context()); err != nil {
			log.Printf("[API] nudge sync worker: %v", err)
		}
	}

	writeJSON(w, http.StatusCreated, scenario)
}

func (s *Server) handleListScenarios(w http.ResponseWriter, r *http.Request) {
	scenarios, err := s.store.ListScenarios(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if scenarios == nil {
		scenarios = []models.Scenario{}
	}
	writeJSON(w, http.StatusOK, scenarios)
}

func (s *Server) handleGetScenario(w http.ResponseWriter, r *http.Request) {
	scenario, err := s.store.GetScenario(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "scenario not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, scenario)
}

type createConversationRequest struct {
	ScenarioID               string `json:"scenario_id"`
	ConversationName         string `json:"conversation_name,omitempty"`
	ConversationalContext    string `json:"conversational_context,omitempty"`
	MaxCallDuration          int    `json:"max_call_duration,omitempty"`
	ParticipantLeftTimeout   int    `json:"participant_left_timeout,omitempty"`
	ParticipantAbsentTimeout int    `json:"participant_absent_timeout,omitempty"`
}

func (s *Server) handleCreateConversation(w http.ResponseWriter, r *http.Request) {
	var req createConversationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.ScenarioID == "" {
		writeError(w, http.StatusBadRequest, "scenario_id is required")
		return
	}
	userID := userFromRequest(r)

	if s.limiter != nil {
		allowed, _, err := s.limiter.Allow(r.Context(), userID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "rate limit error")
			return
		}
		if !allowed {
			telemetry.RateLimitRejects.Inc()
			writeError(w, http.StatusTooManyRequests, "rate limited")
			return
		}
	}

	scenario, err := s.store.GetScenario(r.Context(), req.ScenarioID)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "scenario not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if scenario.Persona == nil || scenario.Persona.PersonaID == "" || scenario.Persona.Status != models.PersonaStatusReady {
		writeError(w, http.StatusConflict, "scenario persona is not ready")
		return
	}

	replicaID := scenario.Persona.DefaultReplicaID
	if replicaID == "" {
		replicaID = s.cfg.DefaultReplicaID
	}

	maxDuration := req.MaxCallDuration
	if maxDuration == 0 {
		maxDuration = s.cfg.MaxCallDuration
	}
	leftTimeout := req.ParticipantLeftTimeout
	if leftTimeout == 0 {
		leftTimeout = s.cfg.ParticipantLeftTimeout
	}
	absentTimeout := req.ParticipantAbsentTimeout
	if absentTimeout == 0 {
		absentTimeout = s.cfg.ParticipantAbsentTimeout
	}

	resp, err := s.gateway.CreateConversation(r.Context(), tavus.CreateConversationInput{
		ReplicaID:                replicaID,
		PersonaID:                scenario.Persona.PersonaID,
		ScenarioID:               scenario.ID,
		ConversationName:         req.ConversationName,
		ConversationalContext:    req.ConversationalContext,
		CallbackURL:              s.cfg.WebhookURL,
		MaxCallDuration:          maxDuration,
		ParticipantLeftTimeout:   leftTimeout,
		ParticipantAbsentTimeout: absentTimeout,
	})
	if err != nil {
		var apiErr *tavus.APIError
		if errors.As(err, &apiErr) {
			writeError(w, apiErr.Status, apiErr.Message)
			return
		}
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}

	// Record the session so the webhook can resolve it later. The remote
	// conversation already exists, so a tracking failure is logged rather
	// than failing the request.
	if _, err := s.store.CreateConversation(r.Context(), resp.ConversationID, userID, scenario.ID); err != nil {
		log.Printf("[API] store conversation %s: %v", resp.ConversationID, err)
	}

	writeJSON(w, http.StatusCreated, resp)
}

func (s *Server) handleEndConversation(w http.ResponseWriter, r *http.Request) {
	s.gateway.EndConversation(r.Context(), chi.URLParam(r, "id"))
	writeJSON(w, http.StatusOK, map[string]string{"status": "ended"})
}

func (s *Server) handleListFeedback(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.store.ListFeedbackSessions(r.Context(), userFromRequest(r))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if sessions == nil {
		sessions = []models.FeedbackSession{}
	}
	writeJSON(w, http.StatusOK, sessions)
}

func (s *Server) handleGetFeedback(w http.ResponseWriter, r *http.Request) {
	session, err := s.store.GetFeedbackSession(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "feedback session not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, session)
}

func (s *Server) handleListDocuments(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.gateway.ListDocuments(r.Context()))
}

func (s *Server) handleListReplicas(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.gateway.ListReplicas(r.Context()))
}

// handleSyncRun nudges the worker to drain the persona queue now, the
// server-side counterpart of the app-foreground trigger.
func (s *Server) handleSyncRun(w http.ResponseWriter, r *http.Request) {
	if err := s.queue.PublishNudge(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to request sync")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "sync requested"})
}

func userFromRequest(r *http.Request) string {
	if v := r.Header.Get("X-User-ID"); v != "" {
		return v
	}
	return "anonymous"
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, code int, message string) {
	writeJSON(w, code, map[string]string{"error": message})
}
