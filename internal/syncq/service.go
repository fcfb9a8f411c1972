package syncq

import (
	"context"
	"errors"
	"log"
	"sync/atomic"
	"time"

	"roleplay-pipeline/internal/models"
	"roleplay-pipeline/internal/store"
	"roleplay-pipeline/internal/tavus"
	"roleplay-pipeline/internal/telemetry"
)

// ScenarioStore is the slice of the persistence layer the sync service
// needs: load a scenario and replace its persona document.
type ScenarioStore interface {
	GetScenario(ctx context.Context, id string) (models.Scenario, error)
	UpdateScenarioPersona(ctx context.Context, id string, persona models.PersonaConfig) error
}

// Gateway provisions personas remotely and polls them to a terminal state.
type Gateway interface {
	CreatePersona(ctx context.Context, input models.PersonaInput) (tavus.PersonaResponse, error)
	PollPersonaStatus(ctx context.Context, personaID string) (models.PersonaConfig, error)
}

// Service drains the persona sync queue: immediately on Start, on every
// foreground nudge, and on a periodic backstop timer. At most one drain
// runs at a time; jobs within a drain are processed sequentially.
type Service struct {
	queue       *Queue
	scenarios   ScenarioStore
	gateway     Gateway
	interval    time.Duration
	maxAttempts int

	draining atomic.Bool
	nudge    chan struct{}
}

// NewService wires the drain service.
func NewService(queue *Queue, scenarios ScenarioStore, gateway Gateway, interval time.Duration, maxAttempts int) *Service {
	if interval <= 0 {
		interval = 60 * time.Second
	}
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	return &Service{
		queue:       queue,
		scenarios:   scenarios,
		gateway:     gateway,
		interval:    interval,
		maxAttempts: maxAttempts,
		nudge:       make(chan struct{}, 1),
	}
}

// Notify requests a drain outside the periodic schedule, e.g. when a new
// job is enqueued or a client signals it came to the foreground. Non-blocking.
func (s *Service) Notify() {
	select {
	case s.nudge <- struct{}{}:
	default:
	}
}

// Start runs the drain loop until the context is cancelled. The first drain
// happens immediately.
func (s *Service) Start(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.ProcessQueue(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.nudge:
			s.ProcessQueue(ctx)
		case <-ticker.C:
			s.ProcessQueue(ctx)
		}
	}
}

// ProcessQueue drains all currently queued jobs sequentially. Re-entrant
// calls while a drain is in progress are no-ops.
func (s *Service) ProcessQueue(ctx context.Context) {
	if !s.draining.CompareAndSwap(false, true) {
		return
	}
	defer s.draining.Store(false)

	telemetry.SyncDrains.Inc()

	jobs, err := s.queue.Load(ctx)
	if err != nil {
		log.Printf("[PersonaSync] load queue: %v", err)
		return
	}
	if len(jobs) == 0 {
		telemetry.QueueDepthGauge.Set(0)
		return
	}

	for _, job := range jobs {
		if ctx.Err() != nil {
			return
		}
		s.processItem(ctx, job)
	}

	if depth, err := s.queue.Depth(ctx); err == nil {
		telemetry.QueueDepthGauge.Set(float64(depth))
	}
}

func (s *Service) processItem(ctx context.Context, job PersonaJob) {
	telemetry.SyncJobsProcessed.Inc()

	scenario, err := s.scenarios.GetScenario(ctx, job.ScenarioID)
	if errors.Is(err, store.ErrNotFound) {
		log.Printf("[PersonaSync] scenario %s not found, removing from queue", job.ScenarioID)
		if err := s.queue.Remove(ctx, job.ScenarioID); err != nil {
			log.Printf("[PersonaSync] remove %s: %v", job.ScenarioID, err)
		}
		return
	}
	if err != nil {
		s.handleFailure(ctx, job, err)
		return
	}

	// Idempotency guard: a persona that already has a remote id, or already
	// reached a terminal status, must not be created a second time.
	if scenario.Persona != nil && (scenario.Persona.PersonaID != "" || scenario.Persona.IsTerminal()) {
		log.Printf("[PersonaSync] scenario %s already processed (status: %s), removing from queue",
			job.ScenarioID, scenario.Persona.Status)
		if err := s.queue.Remove(ctx, job.ScenarioID); err != nil {
			log.Printf("[PersonaSync] remove %s: %v", job.ScenarioID, err)
		}
		return
	}

	log.Printf("[PersonaSync] processing scenario %s, attempt %d", job.ScenarioID, job.Attempts+1)

	resp, err := s.gateway.CreatePersona(ctx, job.PersonaInput)
	if err != nil {
		s.handleFailure(ctx, job, err)
		return
	}
	telemetry.PersonasCreated.Inc()

	initialStatus := resp.Status
	if initialStatus == "" {
		initialStatus = models.PersonaStatusProcessing
	}
	persona := models.PersonaConfig{
		PersonaID:        resp.PersonaID,
		PersonaName:      resp.PersonaName,
		SystemPrompt:     job.PersonaInput.SystemPrompt,
		PipelineMode:     job.PersonaInput.PipelineMode,
		Context:          job.PersonaInput.Context,
		DefaultReplicaID: job.PersonaInput.DefaultReplicaID,
		Layers:           job.PersonaInput.Layers,
		Status:           initialStatus,
		LastStatusAt:     time.Now().UTC(),
		IsSyncedRemote:   true,
	}

	// Persist the remote id before polling so the UI reflects progress even
	// if polling fails later, and so a retried job skips re-creation.
	if err := s.scenarios.UpdateScenarioPersona(ctx, scenario.ID, persona); err != nil {
		s.handleFailure(ctx, job, err)
		return
	}

	final, err := s.gateway.PollPersonaStatus(ctx, resp.PersonaID)
	if err != nil {
		s.handleFailure(ctx, job, err)
		return
	}

	persona.Status = final.Status
	persona.LastStatusAt = final.LastStatusAt
	persona.SyncError = final.SyncError
	persona.IsSyncedRemote = true
	if final.PersonaName != "" {
		persona.PersonaName = final.PersonaName
	}
	if err := s.scenarios.UpdateScenarioPersona(ctx, scenario.ID, persona); err != nil {
		s.handleFailure(ctx, job, err)
		return
	}

	log.Printf("[PersonaSync] scenario %s synced, final status: %s", job.ScenarioID, final.Status)
	if err := s.queue.Remove(ctx, job.ScenarioID); err != nil {
		log.Printf("[PersonaSync] remove %s: %v", job.ScenarioID, err)
	}
	telemetry.SyncJobsSucceeded.Inc()
}

// handleFailure leaves the job queued with an incremented attempt counter
// unless attempts are exhausted, in which case the scenario's persona is
// marked as a terminal error and the job removed.
func (s *Service) handleFailure(ctx context.Context, job PersonaJob, cause error) {
	log.Printf("[PersonaSync] scenario %s failed (attempt %d/%d): %v",
		job.ScenarioID, job.Attempts+1, s.maxAttempts, cause)

	if _, err := s.queue.IncrementAttempts(ctx, job.ScenarioID); err != nil {
		log.Printf("[PersonaSync] increment attempts %s: %v", job.ScenarioID, err)
	}

	if job.Attempts+1 < s.maxAttempts {
		telemetry.SyncJobsRetried.Inc()
		return
	}

	log.Printf("[PersonaSync] max attempts reached for scenario %s, marking as error", job.ScenarioID)
	scenario, err := s.scenarios.GetScenario(ctx, job.ScenarioID)
	if err == nil {
		persona := models.PersonaConfig{}
		if scenario.Persona != nil {
			persona = *scenario.Persona
		}
		persona.Status = models.PersonaStatusError
		persona.LastStatusAt = time.Now().UTC()
		persona.SyncError = cause.Error()
		persona.IsSyncedRemote = false
		if err := s.scenarios.UpdateScenarioPersona(ctx, scenario.ID, persona); err != nil {
			log.Printf("[PersonaSync] mark scenario %s error: %v", job.ScenarioID, err)
		}
	}
	if err := s.queue.Remove(ctx, job.ScenarioID); err != nil {
		log.Printf("[PersonaSync] remove %s: %v", job.ScenarioID, err)
	}
	telemetry.SyncJobsExhausted.Inc()
}
