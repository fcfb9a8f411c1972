package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"roleplay-pipeline/internal/models"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("record not found")

// Store wraps pgxpool for Postgres persistence.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// CreateScenario inserts a scenario row. Persona, when present, starts in
// whatever status the caller set (typically queued).
func (s *Store) CreateScenario(ctx context.Context, in models.CreateScenarioInput, persona *models.PersonaConfig) (models.Scenario, error) {
	now := time.Now().UTC()
	sc := models.Scenario{
		ID:          uuid.New().String(),
		Title:       in.Title,
		Description: in.Description,
		Category:    in.Category,
		Duration:    in.Duration,
		Difficulty:  in.Difficulty,
		ImageURL:    in.ImageURL,
		Tags:        in.Tags,
		IsCustom:    true,
		Persona:     persona,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	tagsJSON, err := json.Marshal(sc.Tags)
	if err != nil {
		return models.Scenario{}, fmt.Errorf("marshal tags: %w", err)
	}
	personaJSON, err := marshalPersona(sc.Persona)
	if err != nil {
		return models.Scenario{}, err
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO scenarios (id, title, description, category, duration, difficulty, image_url, tags, is_custom, persona, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $11)
	`, sc.ID, sc.Title, sc.Description, sc.Category, sc.Duration, sc.Difficulty, sc.ImageURL, tagsJSON, sc.IsCustom, personaJSON, now)
	if err != nil {
		return models.Scenario{}, fmt.Errorf("insert scenario: %w", err)
	}
	return sc, nil
}

// GetScenario fetches a scenario by id.
func (s *Store) GetScenario(ctx context.Context, id string) (models.Scenario, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, title, description, category, duration, difficulty, image_url, tags, is_custom, persona, created_at, updated_at
		FROM scenarios WHERE id = $1
	`, id)
	return scanScenario(row)
}

// ListScenarios returns all scenarios, newest first.
func (s *Store) ListScenarios(ctx context.Context) ([]models.Scenario, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, title, description, category, duration, difficulty, image_url, tags, is_custom, persona, created_at, updated_at
		FROM scenarios ORDER BY created_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("query scenarios: %w", err)
	}
	defer rows.Close()

	var out []models.Scenario
	for rows.Next() {
		sc, err := scanScenario(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}

// UpdateScenarioPersona replaces the scenario's persona document wholesale.
func (s *Store) UpdateScenarioPersona(ctx context.Context, id string, persona models.PersonaConfig) error {
	personaJSON, err := marshalPersona(&persona)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE scenarios SET persona = $2, updated_at = NOW() WHERE id = $1
	`, id, personaJSON)
	if err != nil {
		return fmt.Errorf("update scenario persona: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// CreateConversation records a client-initiated call session.
func (s *Store) CreateConversation(ctx context.Context, remoteID, userID, scenarioID string) (models.Conversation, error) {
	now := time.Now().UTC()
	conv := models.Conversation{
		ID:             uuid.New().String(),
		ConversationID: remoteID,
		UserID:         userID,
		ScenarioID:     scenarioID,
		StartedAt:      now,
		Status:         models.ConversationActive,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO conversations (id, conversation_id, user_id, scenario_id, started_at, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
	`, conv.ID, conv.ConversationID, conv.UserID, conv.ScenarioID, conv.StartedAt, conv.Status, now)
	if err != nil {
		return models.Conversation{}, fmt.Errorf("insert conversation: %w", err)
	}
	return conv, nil
}

// GetConversationByRemoteID resolves a conversation by the provider's
// conversation identifier.
func (s *Store) GetConversationByRemoteID(ctx context.Context, remoteID string) (models.Conversation, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, conversation_id, user_id, scenario_id, started_at, ended_at, status, metadata, recording_url, created_at, updated_at
		FROM conversations WHERE conversation_id = $1
	`, remoteID)
	return scanConversation(row)
}

// UpdateConversationStatus sets status and metadata. When endedAt is
// non-nil it is written only if ended_at is still NULL, so the first
// terminal transition wins.
func (s *Store) UpdateConversationStatus(ctx context.Context, id, status string, endedAt *time.Time, metadata json.RawMessage) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE conversations
		SET status = $2,
		    ended_at = COALESCE(ended_at, $3),
		    metadata = COALESCE($4, metadata),
		    updated_at = NOW()
		WHERE id = $1
	`, id, status, endedAt, metadata)
	if err != nil {
		return fmt.Errorf("update conversation status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SetConversationRecordingURL stores the archived recording location.
func (s *Store) SetConversationRecordingURL(ctx context.Context, id, url string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE conversations SET recording_url = $2, updated_at = NOW() WHERE id = $1
	`, id, url)
	if err != nil {
		return fmt.Errorf("set recording url: %w", err)
	}
	return nil
}

// CreateFeedbackSession inserts a feedback session row.
func (s *Store) CreateFeedbackSession(ctx context.Context, fs models.FeedbackSession) (models.FeedbackSession, error) {
	if fs.ID == "" {
		fs.ID = uuid.New().String()
	}
	if fs.CreatedAt.IsZero() {
		fs.CreatedAt = time.Now().UTC()
	}
	transcriptJSON, err := json.Marshal(fs.Transcript)
	if err != nil {
		return models.FeedbackSession{}, fmt.Errorf("marshal transcript: %w", err)
	}
	analysisJSON, err := json.Marshal(fs.Analysis)
	if err != nil {
		return models.FeedbackSession{}, fmt.Errorf("marshal analysis: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO feedback_sessions (id, scenario_id, user_id, conversation_id, score, completed_at, duration, transcript, analysis, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, fs.ID, fs.ScenarioID, fs.UserID, fs.ConversationID, fs.Score, fs.CompletedAt, fs.Duration, transcriptJSON, analysisJSON, fs.CreatedAt)
	if err != nil {
		return models.FeedbackSession{}, fmt.Errorf("insert feedback session: %w", err)
	}
	return fs, nil
}

// FeedbackExistsForConversation reports whether a feedback session was
// already derived from the given conversation.
func (s *Store) FeedbackExistsForConversation(ctx context.Context, conversationID string) (bool, error) {
	var n int64
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM feedback_sessions WHERE conversation_id = $1
	`, conversationID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("count feedback sessions: %w", err)
	}
	return n > 0, nil
}

// GetFeedbackSession fetches a feedback session by id.
func (s *Store) GetFeedbackSession(ctx context.Context, id string) (models.FeedbackSession, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, scenario_id, user_id, conversation_id, score, completed_at, duration, transcript, analysis, created_at
		FROM feedback_sessions WHERE id = $1
	`, id)
	return scanFeedback(row)
}

// ListFeedbackSessions returns a user's feedback sessions, newest first.
func (s *Store) ListFeedbackSessions(ctx context.Context, userID string) ([]models.FeedbackSession, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, scenario_id, user_id, conversation_id, score, completed_at, duration, transcript, analysis, created_at
		FROM feedback_sessions WHERE user_id = $1 ORDER BY completed_at DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("query feedback sessions: %w", err)
	}
	defer rows.Close()

	var out []models.FeedbackSession
	for rows.Next() {
		fs, err := scanFeedback(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, fs)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanScenario(row rowScanner) (models.Scenario, error) {
	var sc models.Scenario
	var difficulty, imageURL pgtype.Text
	var tagsJSON, personaJSON []byte

	err := row.Scan(&sc.ID, &sc.Title, &sc.Description, &sc.Category, &sc.Duration,
		&difficulty, &imageURL, &tagsJSON, &sc.IsCustom, &personaJSON, &sc.CreatedAt, &sc.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Scenario{}, ErrNotFound
	}
	if err != nil {
		return models.Scenario{}, fmt.Errorf("scan scenario: %w", err)
	}
	sc.Difficulty = difficulty.String
	sc.ImageURL = imageURL.String
	if len(tagsJSON) > 0 {
		if err := json.Unmarshal(tagsJSON, &sc.Tags); err != nil {
			return models.Scenario{}, fmt.Errorf("unmarshal tags: %w", err)
		}
	}
	if len(personaJSON) > 0 {
		var p models.PersonaConfig
		if err := json.Unmarshal(personaJSON, &p); err != nil {
			return models.Scenario{}, fmt.Errorf("unmarshal persona: %w", err)
		}
		sc.Persona = &p
	}
	return sc, nil
}

func scanConversation(row rowScanner) (models.Conversation, error) {
	var conv models.Conversation
	var endedAt pgtype.Timestamptz
	var recordingURL pgtype.Text
	var metadata []byte

	err := row.Scan(&conv.ID, &conv.ConversationID, &conv.UserID, &conv.ScenarioID,
		&conv.StartedAt, &endedAt, &conv.Status, &metadata, &recordingURL, &conv.CreatedAt, &conv.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Conversation{}, ErrNotFound
	}
	if err != nil {
		return models.Conversation{}, fmt.Errorf("scan conversation: %w", err)
	}
	if endedAt.Valid {
		t := endedAt.Time
		conv.EndedAt = &t
	}
	conv.RecordingURL = recordingURL.String
	conv.Metadata = metadata
	return conv, nil
}

func scanFeedback(row rowScanner) (models.FeedbackSession, error) {
	var fs models.FeedbackSession
	var transcriptJSON, analysisJSON []byte

	err := row.Scan(&fs.ID, &fs.ScenarioID, &fs.UserID, &fs.ConversationID, &fs.Score,
		&fs.CompletedAt, &fs.Duration, &transcriptJSON, &analysisJSON, &fs.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.FeedbackSession{}, ErrNotFound
	}
	if err != nil {
		return models.FeedbackSession{}, fmt.Errorf("scan feedback session: %w", err)
	}
	if len(transcriptJSON) > 0 {
		if err := json.Unmarshal(transcriptJSON, &fs.Transcript); err != nil {
			return models.FeedbackSession{}, fmt.Errorf("unmarshal transcript: %w", err)
		}
	}
	if len(analysisJSON) > 0 {
		if err := json.Unmarshal(analysisJSON, &fs.Analysis); err != nil {
			return models.FeedbackSession{}, fmt.Errorf("unmarshal analysis: %w", err)
		}
	}
	return fs, nil
}

func marshalPersona(p *models.PersonaConfig) ([]byte, error) {
	if p == nil {
		return nil, nil
	}
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("marshal persona: %w", err)
	}
	return data, nil
}
