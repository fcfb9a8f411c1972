// Package syncq implements the durable persona sync queue: an idempotent
// work queue of persona-creation jobs drained sequentially by the worker.
package syncq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"roleplay-pipeline/internal/config"
	"roleplay-pipeline/internal/models"
)

// PersonaJob is one queued persona creation. At most one job exists per
// scenario; re-enqueueing replaces the existing entry in place.
type PersonaJob struct {
	ScenarioID   string              `json:"scenario_id"`
	PersonaInput models.PersonaInput `json:"persona_input"`
	EnqueuedAt   time.Time           `json:"enqueued_at"`
	Attempts     int                 `json:"attempts"`
}

// Queue persists the ordered job list as a single serialized blob under a
// fixed key, read-modify-written whole on every mutation.
type Queue struct {
	client *redis.Client
	key    string
}

// NewQueue builds a queue client from config.
func NewQueue(cfg config.Config) *Queue {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	return NewQueueWithClient(client, cfg.QueueKey)
}

// NewQueueWithClient wraps an existing Redis client, for tests.
func NewQueueWithClient(client *redis.Client, key string) *Queue {
	if key == "" {
		key = "personas:pending"
	}
	return &Queue{client: client, key: key}
}

// Load returns the current job list in drain order.
func (q *Queue) Load(ctx context.Context) ([]PersonaJob, error) {
	raw, err := q.client.Get(ctx, q.key).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load queue: %w", err)
	}
	var jobs []PersonaJob
	if err := json.Unmarshal([]byte(raw), &jobs); err != nil {
		return nil, fmt.Errorf("decode queue: %w", err)
	}
	return jobs, nil
}

func (q *Queue) save(ctx context.Context, jobs []PersonaJob) error {
	data, err := json.Marshal(jobs)
	if err != nil {
		return fmt.Errorf("encode queue: %w", err)
	}
	if err := q.client.Set(ctx, q.key, data, 0).Err(); err != nil {
		return fmt.Errorf("save queue: %w", err)
	}
	return nil
}

// Enqueue upserts a job keyed by scenario id. An existing entry is replaced
// in place, keeping its drain position.
func (q *Queue) Enqueue(ctx context.Context, job PersonaJob) error {
	jobs, err := q.Load(ctx)
	if err != nil {
		return err
	}
	replaced := false
	for i := range jobs {
		if jobs[i].ScenarioID == job.ScenarioID {
			jobs[i] = job
			replaced = true
			break
		}
	}
	if !replaced {
		jobs = append(jobs, job)
	}
	return q.save(ctx, jobs)
}

// Remove drops the job for the given scenario, if present.
func (q *Queue) Remove(ctx context.Context, scenarioID string) error {
	jobs, err := q.Load(ctx)
	if err != nil {
		return err
	}
	kept := jobs[:0]
	for _, j := range jobs {
		if j.ScenarioID != scenarioID {
			kept = append(kept, j)
		}
	}
	return q.save(ctx, kept)
}

// IncrementAttempts bumps the attempt counter on the queued job for the
// given scenario and returns the new count.
func (q *Queue) IncrementAttempts(ctx context.Context, scenarioID string) (int, error) {
	jobs, err := q.Load(ctx)
	if err != nil {
		return 0, err
	}
	attempts := 0
	for i := range jobs {
		if jobs[i].ScenarioID == scenarioID {
			jobs[i].Attempts++
			attempts = jobs[i].Attempts
			break
		}
	}
	if err := q.save(ctx, jobs); err != nil {
		return 0, err
	}
	return attempts, nil
}

// PublishNudge asks any running drain service to process the queue now.
// Used by the API when a job is enqueued or a client comes to the
// foreground.
func (q *Queue) PublishNudge(ctx context.Context) error {
	return q.client.Publish(ctx, q.key+":nudge", "drain").Err()
}

// Nudges subscribes to drain requests, forwarding each as a signal on the
// returned channel until the context is cancelled.
func (q *Queue) Nudges(ctx context.Context) <-chan struct{} {
	out := make(chan struct{}, 1)
	sub := q.client.Subscribe(ctx, q.key+":nudge")
	go func() {
		defer sub.Close()
		defer close(out)
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-ch:
				if !ok {
					return
				}
				select {
				case out <- struct{}{}:
				default:
				}
			}
		}
	}()
	return out
}

// Depth returns the number of queued jobs.
func (q *Queue) Depth(ctx context.Context) (int, error) {
	jobs, err := q.Load(ctx)
	if err != nil {
		return 0, err
	}
	return len(jobs), nil
}
