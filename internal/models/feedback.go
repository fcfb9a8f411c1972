package models

import (
	"time"
)

// FeedbackSession is the derived performance analysis for one completed
// conversation. Created exactly once per conversation; immutable thereafter.
type FeedbackSession struct {
	ID             string                `json:"id"`
	ScenarioID     string                `json:"scenario_id"`
	UserID         string                `json:"user_id"`
	ConversationID string                `json:"conversation_id"`
	Score          int                   `json:"score"` // 0-100
	CompletedAt    time.Time             `json:"completed_at"`
	Duration       int                   `json:"duration"` // seconds
	Transcript     []ConversationMessage `json:"transcript,omitempty"`
	Analysis       FeedbackAnalysis      `json:"analysis"`
	CreatedAt      time.Time             `json:"created_at"`
}

// ConversationMessage is a transcript entry in app format.
type ConversationMessage struct {
	ID        string    `json:"id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// FeedbackAnalysis is the structured score breakdown. Every score is in
// [0,100].
type FeedbackAnalysis struct {
	Strengths           []string `json:"strengths"`
	AreasForImprovement []string `json:"areasForImprovement"`
	KeyInsights         []string `json:"keyInsights"`
	CommunicationScore  int      `json:"communicationScore"`
	EmpathyScore        int      `json:"empathyScore"`
	ProblemSolvingScore int      `json:"problemSolvingScore"`
	OverallScore        int      `json:"overallScore"`
}
