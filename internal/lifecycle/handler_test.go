package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"roleplay-pipeline/internal/feedback"
	"roleplay-pipeline/internal/models"
	"roleplay-pipeline/internal/store"
)

type statusUpdate struct {
	id       string
	status   string
	endedAt  *time.Time
	metadata json.RawMessage
}

type fakeLifecycleStore struct {
	conversations map[string]models.Conversation // keyed by remote id
	scenarios     map[string]models.Scenario
	feedbackFor   map[string]bool

	updates       []statusUpdate
	sessions      []models.FeedbackSession
	recordingURLs map[string]string
}

func newFakeLifecycleStore() *fakeLifecycleStore {
	return &fakeLifecycleStore{
		conversations: map[string]models.Conversation{},
		scenarios:     map[string]models.Scenario{},
		feedbackFor:   map[string]bool{},
		recordingURLs: map[string]string{},
	}
}

func (f *fakeLifecycleStore) GetConversationByRemoteID(ctx context.Context, remoteID string) (models.Conversation, error) {
	conv, ok := f.conversations[remoteID]
	if !ok {
		return models.Conversation{}, store.ErrNotFound
	}
	return conv, nil
}

func (f *fakeLifecycleStore) UpdateConversationStatus(ctx context.Context, id, status string, endedAt *time.Time, metadata json.RawMessage) error {
	f.updates = append(f.updates, statusUpdate{id: id, status: status, endedAt: endedAt, metadata: metadata})
	for remoteID, conv := range f.conversations {
		if conv.ID == id {
			conv.Status = status
			if conv.EndedAt == nil {
				conv.EndedAt = endedAt
			}
			f.conversations[remoteID] = conv
		}
	}
	return nil
}

func (f *fakeLifecycleStore) SetConversationRecordingURL(ctx context.Context, id, url string) error {
	f.recordingURLs[id] = url
	return nil
}

func (f *fakeLifecycleStore) GetScenario(ctx context.Context, id string) (models.Scenario, error) {
	s, ok := f.scenarios[id]
	if !ok {
		return models.Scenario{}, store.ErrNotFound
	}
	return s, nil
}

func (f *fakeLifecycleStore) FeedbackExistsForConversation(ctx context.Context, conversationID string) (bool, error) {
	return f.feedbackFor[conversationID], nil
}

func (f *fakeLifecycleStore) CreateFeedbackSession(ctx context.Context, fs models.FeedbackSession) (models.FeedbackSession, error) {
	f.feedbackFor[fs.ConversationID] = true
	f.sessions = append(f.sessions, fs)
	return fs, nil
}

type fakeAnalyzer struct {
	calls int
}

func (f *fakeAnalyzer) Generate(ctx context.Context, transcript []models.TranscriptMessage, scenario feedback.ScenarioContext) models.FeedbackAnalysis {
	f.calls++
	return models.FeedbackAnalysis{
		Strengths:           []string{"clear"},
		AreasForImprovement: []string{"pacing"},
		KeyInsights:         []string{"listened well"},
		CommunicationScore:  80,
		EmpathyScore:        70,
		ProblemSolvingScore: 75,
		OverallScore:        75,
	}
}

type fakeArchiver struct {
	archived map[string]string
	err      error
}

func (f *fakeArchiver) Archive(ctx context.Context, conversationID, recordingURL string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	if f.archived == nil {
		f.archived = map[string]string{}
	}
	loc := "s3://recordings/" + conversationID + ".mp4"
	f.archived[conversationID] = recordingURL
	return loc, nil
}

func testHandler(st *fakeLifecycleStore) (*Handler, *fakeAnalyzer) {
	analyzer := &fakeAnalyzer{}
	h := NewHandler(st, analyzer, nil)
	h.now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }
	return h, analyzer
}

func activeConversation() models.Conversation {
	return models.Conversation{
		ID:             "local-1",
		ConversationID: "remote-1",
		UserID:         "u1",
		ScenarioID:     "s1",
		StartedAt:      time.Date(2026, 3, 1, 11, 58, 0, 0, time.UTC),
		Status:         models.ConversationActive,
	}
}

func TestHandle_UnknownConversation(t *testing.T) {
	st := newFakeLifecycleStore()
	h, _ := testHandler(st)

	_, err := h.Handle(context.Background(), models.WebhookEvent{
		ConversationID: "missing",
		EventType:      models.EventSystemShutdown,
	}, nil)
	if !errors.Is(err, ErrUnknownConversation) {
		t.Fatalf("expected ErrUnknownConversation, got %v", err)
	}
	if len(st.updates) != 0 || len(st.sessions) != 0 {
		t.Errorf("unknown conversation must not write anything")
	}
}

func TestHandle_UnknownEventTypeAcked(t *testing.T) {
	st := newFakeLifecycleStore()
	st.conversations["remote-1"] = activeConversation()
	h, _ := testHandler(st)

	msg, err := h.Handle(context.Background(), models.WebhookEvent{
		ConversationID: "remote-1",
		EventType:      "system.unexpected",
	}, nil)
	if err != nil {
		t.Fatalf("unknown event type must ack, got %v", err)
	}
	if msg != "Unknown event type" {
		t.Errorf("unexpected message %q", msg)
	}
	if len(st.updates) != 0 {
		t.Errorf("unknown event type must not write")
	}
}

func TestHandle_ReplicaJoined(t *testing.T) {
	st := newFakeLifecycleStore()
	st.conversations["remote-1"] = activeConversation()
	h, _ := testHandler(st)

	msg, err := h.Handle(context.Background(), models.WebhookEvent{
		ConversationID: "remote-1",
		EventType:      models.EventReplicaJoined,
	}, nil)
	if err != nil {
		t.Fatalf("replica_joined: %v", err)
	}
	if msg != "Replica joined" {
		t.Errorf("unexpected message %q", msg)
	}
	if len(st.updates) != 1 || st.updates[0].status != models.ConversationActive || st.updates[0].endedAt != nil {
		t.Fatalf("unexpected update %+v", st.updates)
	}
}

func TestHandle_RawPayloadStoredVerbatim(t *testing.T) {
	st := newFakeLifecycleStore()
	st.conversations["remote-1"] = activeConversation()
	h, _ := testHandler(st)

	// The provider payload carries fields outside our model; they must
	// survive into the stored metadata byte for byte.
	raw := json.RawMessage(`{"conversation_id":"remote-1","event_type":"system.shutdown","properties":{"shutdown_reason":"max_call_duration reached","call_quality":"hd"},"trace_id":"abc-123"}`)
	var event models.WebhookEvent
	if err := json.Unmarshal(raw, &event); err != nil {
		t.Fatalf("unmarshal raw: %v", err)
	}

	if _, err := h.Handle(context.Background(), event, raw); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if len(st.updates) != 1 {
		t.Fatalf("expected 1 update, got %d", len(st.updates))
	}
	if string(st.updates[0].metadata) != string(raw) {
		t.Errorf("metadata not stored verbatim:\n got %s\nwant %s", st.updates[0].metadata, raw)
	}
}

func TestHandle_NoRawPayloadFallsBackToEvent(t *testing.T) {
	st := newFakeLifecycleStore()
	st.conversations["remote-1"] = activeConversation()
	h, _ := testHandler(st)

	event := models.WebhookEvent{
		ConversationID: "remote-1",
		EventType:      models.EventReplicaJoined,
	}
	if _, err := h.Handle(context.Background(), event, nil); err != nil {
		t.Fatalf("replica_joined: %v", err)
	}
	var stored models.WebhookEvent
	if err := json.Unmarshal(st.updates[0].metadata, &stored); err != nil {
		t.Fatalf("stored metadata not valid json: %v", err)
	}
	if stored.ConversationID != "remote-1" {
		t.Errorf("unexpected fallback metadata %s", st.updates[0].metadata)
	}
}

func TestHandle_ReplicaJoinedAfterShutdownIgnored(t *testing.T) {
	st := newFakeLifecycleStore()
	conv := activeConversation()
	ended := time.Date(2026, 3, 1, 11, 59, 0, 0, time.UTC)
	conv.EndedAt = &ended
	conv.Status = models.ConversationCompleted
	st.conversations["remote-1"] = conv
	h, _ := testHandler(st)

	if _, err := h.Handle(context.Background(), models.WebhookEvent{
		ConversationID: "remote-1",
		EventType:      models.EventReplicaJoined,
	}, nil); err != nil {
		t.Fatalf("late replica_joined: %v", err)
	}
	if len(st.updates) != 0 {
		t.Errorf("terminal conversation must not be reactivated")
	}
}

func TestHandle_ShutdownSetsTerminalStatus(t *testing.T) {
	cases := []struct {
		reason string
		want   string
	}{
		{"max_call_duration reached", models.ConversationCompleted},
		{"pipeline exception", models.ConversationFailed},
		{"something new", models.ConversationEnded},
		{"", models.ConversationEnded}, // reason defaults to "unknown"
	}
	for _, tc := range cases {
		st := newFakeLifecycleStore()
		st.conversations["remote-1"] = activeConversation()
		h, _ := testHandler(st)

		_, err := h.Handle(context.Background(), models.WebhookEvent{
			ConversationID: "remote-1",
			EventType:      models.EventSystemShutdown,
			Properties:     models.EventProperties{ShutdownReason: tc.reason},
		}, nil)
		if err != nil {
			t.Fatalf("shutdown(%q): %v", tc.reason, err)
		}
		if len(st.updates) != 1 {
			t.Fatalf("shutdown(%q): expected 1 update, got %d", tc.reason, len(st.updates))
		}
		up := st.updates[0]
		if up.status != tc.want {
			t.Errorf("shutdown(%q): status %q, want %q", tc.reason, up.status, tc.want)
		}
		if up.endedAt == nil || !up.endedAt.Equal(h.now().UTC()) {
			t.Errorf("shutdown(%q): endedAt not set to event time", tc.reason)
		}
	}
}

func TestHandle_DuplicateShutdownIgnored(t *testing.T) {
	st := newFakeLifecycleStore()
	st.conversations["remote-1"] = activeConversation()
	h, _ := testHandler(st)

	event := models.WebhookEvent{
		ConversationID: "remote-1",
		EventType:      models.EventSystemShutdown,
		Properties:     models.EventProperties{ShutdownReason: "max_call_duration reached"},
	}
	if _, err := h.Handle(context.Background(), event, nil); err != nil {
		t.Fatalf("first shutdown: %v", err)
	}
	event.Properties.ShutdownReason = "internal error"
	if _, err := h.Handle(context.Background(), event, nil); err != nil {
		t.Fatalf("second shutdown: %v", err)
	}

	if len(st.updates) != 1 {
		t.Fatalf("expected exactly one write, got %d", len(st.updates))
	}
	if st.updates[0].status != models.ConversationCompleted {
		t.Errorf("first shutdown must win, got %q", st.updates[0].status)
	}
}

func TestHandle_TranscriptionReadyCreatesFeedbackOnce(t *testing.T) {
	st := newFakeLifecycleStore()
	conv := activeConversation()
	ended := conv.StartedAt.Add(90 * time.Second)
	conv.EndedAt = &ended
	conv.Status = models.ConversationCompleted
	st.conversations["remote-1"] = conv
	st.scenarios["s1"] = models.Scenario{ID: "s1", Title: "Difficult feedback", Category: models.CategoryCommunication}
	h, analyzer := testHandler(st)

	event := models.WebhookEvent{
		ConversationID: "remote-1",
		EventType:      models.EventTranscriptionReady,
		Properties: models.EventProperties{
			Transcript: []models.TranscriptMessage{
				{Role: "assistant", Content: "How can I help?"},
				{Role: "user", Content: "I need to give hard feedback."},
				{Role: "tool", Content: "lookup"},
			},
		},
	}
	msg, err := h.Handle(context.Background(), event, nil)
	if err != nil {
		t.Fatalf("transcription_ready: %v", err)
	}
	if msg != "Feedback session created" {
		t.Errorf("unexpected message %q", msg)
	}
	if analyzer.calls != 1 {
		t.Fatalf("expected 1 analysis, got %d", analyzer.calls)
	}
	if len(st.sessions) != 1 {
		t.Fatalf("expected 1 feedback session, got %d", len(st.sessions))
	}

	session := st.sessions[0]
	if session.ConversationID != "local-1" || session.ScenarioID != "s1" || session.UserID != "u1" {
		t.Errorf("session wired to wrong records: %+v", session)
	}
	if session.Score != 75 {
		t.Errorf("session score = %d, want overall 75", session.Score)
	}
	if session.Duration != 90 {
		t.Errorf("duration = %d, want 90 seconds", session.Duration)
	}
	if !session.CompletedAt.Equal(ended) {
		t.Errorf("completedAt should be the conversation end time")
	}
	if len(session.Transcript) != 3 {
		t.Fatalf("expected 3 transcript entries, got %d", len(session.Transcript))
	}
	if session.Transcript[0].ID != "remote-1-0" {
		t.Errorf("transcript ids should be derived from the remote id, got %q", session.Transcript[0].ID)
	}
	if session.Transcript[2].Role != "system" {
		t.Errorf("unrecognized roles map to system, got %q", session.Transcript[2].Role)
	}
	if len(st.updates) != 0 {
		t.Errorf("transcription_ready must not change conversation status")
	}

	// A replayed event is absorbed.
	if _, err := h.Handle(context.Background(), event, nil); err != nil {
		t.Fatalf("replayed transcription_ready: %v", err)
	}
	if len(st.sessions) != 1 || analyzer.calls != 1 {
		t.Errorf("feedback must be created at most once")
	}
}

func TestHandle_TranscriptionReadyEmptyTranscriptSkipped(t *testing.T) {
	st := newFakeLifecycleStore()
	st.conversations["remote-1"] = activeConversation()
	h, analyzer := testHandler(st)

	if _, err := h.Handle(context.Background(), models.WebhookEvent{
		ConversationID: "remote-1",
		EventType:      models.EventTranscriptionReady,
	}, nil); err != nil {
		t.Fatalf("empty transcript: %v", err)
	}
	if analyzer.calls != 0 || len(st.sessions) != 0 {
		t.Errorf("empty transcript must not produce feedback")
	}
}

func TestHandle_ShutdownArchivesRecording(t *testing.T) {
	st := newFakeLifecycleStore()
	st.conversations["remote-1"] = activeConversation()
	archiver := &fakeArchiver{}
	h := NewHandler(st, &fakeAnalyzer{}, archiver)
	h.now = time.Now

	_, err := h.Handle(context.Background(), models.WebhookEvent{
		ConversationID: "remote-1",
		EventType:      models.EventSystemShutdown,
		Properties: models.EventProperties{
			ShutdownReason: "end_conversation_endpoint_hit",
			RecordingURL:   "https://cdn.example.com/rec.mp4",
		},
	}, nil)
	if err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if archiver.archived["local-1"] != "https://cdn.example.com/rec.mp4" {
		t.Errorf("recording not archived: %+v", archiver.archived)
	}
	if st.recordingURLs["local-1"] != "s3://recordings/local-1.mp4" {
		t.Errorf("recording location not stored: %+v", st.recordingURLs)
	}
}

func TestHandle_ArchiveFailureDoesNotFailEvent(t *testing.T) {
	st := newFakeLifecycleStore()
	st.conversations["remote-1"] = activeConversation()
	archiver := &fakeArchiver{err: errors.New("bucket unavailable")}
	h := NewHandler(st, &fakeAnalyzer{}, archiver)

	_, err := h.Handle(context.Background(), models.WebhookEvent{
		ConversationID: "remote-1",
		EventType:      models.EventSystemShutdown,
		Properties: models.EventProperties{
			ShutdownReason: "end_conversation_endpoint_hit",
			RecordingURL:   "https://cdn.example.com/rec.mp4",
		},
	}, nil)
	if err != nil {
		t.Fatalf("archive failure must not fail the event: %v", err)
	}
	if len(st.updates) != 1 {
		t.Errorf("shutdown should still be applied")
	}
}
