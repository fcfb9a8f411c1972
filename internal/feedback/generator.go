// Package feedback turns a conversation transcript into a structured
// performance analysis, using a generative model when configured and a
// deterministic heuristic otherwise.
package feedback

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
	"roleplay-pipeline/internal/telemetry"
)

// ScenarioContext is the slice of scenario data that shapes the rubric.
type ScenarioContext struct {
	Title       string
	Description string
	Category    string
}

// Generator produces feedback analyses. The zero LLM configuration (empty
// API key) disables the model path entirely.
type Generator struct {
	baseURL    string
	apiKey     string
	model      string
	httpClient *http.Client
}

// NewGenerator builds a generator from config.
func NewGenerator(cfg config.Config) *Generator {
	timeout := cfg.LLMTimeout
	if timeout == 0 {
		timeout = 60 * time.Second
	}
	return &Generator{
		baseURL:    strings.TrimRight(cfg.LLMBaseURL, "/"),
		apiKey:     cfg.LLMAPIKey,
		model:      cfg.LLMModel,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Generate returns an analysis for the transcript. It never fails: any
// model-path problem resolves to the deterministic fallback, and every score
// is clamped into [0,100].
func (g *Generator) Generate(ctx context.Context, transcript []models.TranscriptMessage, scenario ScenarioContext) models.FeedbackAnalysis {
	if g.apiKey == "" {
		log.Printf("[Feedback] LLM not configured, using fallback analysis")
		telemetry.FeedbackFallback.Inc()
		return FallbackAnalysis(transcript)
	}

	analysis, err := g.generateWithModel(ctx, transcript, scenario)
	if err != nil {
		log.Printf("[Feedback] model analysis failed, using fallback: %v", err)
		telemetry.FeedbackFallback.Inc()
		return FallbackAnalysis(transcript)
	}
	return clampAnalysis(analysis)
}

func (g *Generator) generateWithModel(ctx context.Context, transcript []models.TranscriptMessage, scenario ScenarioContext) (models.FeedbackAnalysis, error) {
	category := scenario.Category
	if category == "" {
		category = "leadership"
	}
	title := scenario.Title
	if title == "" {
		title = "Leadership Training"
	}
	description := scenario.Description
	if description == "" {
		description = "Practice session"
	}

	systemPrompt := fmt.Sprintf(`You are an expert leadership coach analyzing a training conversation. Evaluate the participant's performance in this %s scenario.

Scenario: %s
Description: %s

Provide a detailed analysis in the following JSON format:
{
  "strengths": ["3-5 specific strengths demonstrated"],
  "areasForImprovement": ["3-5 specific areas to improve"],
  "keyInsights": ["3-5 key observations about their approach"],
  "communicationScore": <0-100>,
  "empathyScore": <0-100>,
  "problemSolvingScore": <0-100>,
  "overallScore": <0-100>
}

Be specific, constructive, and reference actual examples from the conversation.`, category, title, description)

	var conversationText strings.Builder
	for _, msg := range transcript {
		conversationText.WriteString(strings.ToUpper(msg.Role))
		conversationText.WriteString(": ")
		conversationText.WriteString(msg.Content)
		conversationText.WriteString("\n")
	}

	reqBody := chatRequest{
		Model: g.model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: "Analyze this conversation:\n\n" + conversationText.String()},
		},
		Temperature:    0.7,
		ResponseFormat: &responseFormat{Type: "json_object"},
	}

	body, err := json.Marshal(reqBody)
	if err != nil {
		return models.FeedbackAnalysis{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return models.FeedbackAnalysis{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+g.apiKey)

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return models.FeedbackAnalysis{}, fmt.Errorf("completion request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var errResp struct {
			Error struct {
				Message string `json:"message"`
			} `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&errResp)
		if errResp.Error.Message != "" {
			return models.FeedbackAnalysis{}, fmt.Errorf("completion api error: %s", errResp.Error.Message)
		}
		return models.FeedbackAnalysis{}, fmt.Errorf("completion api error: %s", resp.Status)
	}

	var chatResp chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chatResp); err != nil {
		return models.FeedbackAnalysis{}, fmt.Errorf("decode completion: %w", err)
	}
	if len(chatResp.Choices) == 0 {
		return models.FeedbackAnalysis{}, fmt.Errorf("empty completion response")
	}

	var analysis models.FeedbackAnalysis
	if err := json.Unmarshal([]byte(chatResp.Choices[0].Message.Content), &analysis); err != nil {
		return models.FeedbackAnalysis{}, fmt.Errorf("parse analysis json: %w", err)
	}
	return analysis, nil
}

// FallbackAnalysis computes deterministic heuristic scores from transcript
// shape. It is the error-handling terminus for analysis generation and
// never fails.
func FallbackAnalysis(transcript []models.TranscriptMessage) models.FeedbackAnalysis {
	var userMessages, agentMessages int
	var userChars int
	for _, msg := range transcript {
		switch msg.Role {
		case "user":
			userMessages++
			userChars += len(msg.Content)
		case "assistant":
			agentMessages++
		}
	}

	avgUserLen := 0.0
	if userMessages > 0 {
		avgUserLen = float64(userChars) / float64(userMessages)
	}

	agentDivisor := agentMessages
	if agentDivisor < 1 {
		agentDivisor = 1
	}

	communicationScore := minScore(100, int(float64(userMessages)/float64(agentDivisor)*50+25))
	problemSolvingScore := minScore(100, int(avgUserLen/50*50+25))
	empathyScore := 70
	overallScore := (communicationScore + problemSolvingScore + empathyScore) / 3

	return models.FeedbackAnalysis{
		Strengths: []string{
			"Completed the conversation",
			fmt.Sprintf("Engaged in %d exchanges", userMessages),
			"Demonstrated active participation",
		},
		AreasForImprovement: []string{
			"Consider more detailed responses",
			"Practice active listening techniques",
			"Explore deeper into the scenario context",
		},
		KeyInsights: []string{
			fmt.Sprintf("Exchanged %d total messages", len(transcript)),
			fmt.Sprintf("User contributed %d messages", userMessages),
			"Completed full conversation session",
		},
		CommunicationScore:  communicationScore,
		EmpathyScore:        empathyScore,
		ProblemSolvingScore: problemSolvingScore,
		OverallScore:        overallScore,
	}
}

func clampAnalysis(a models.FeedbackAnalysis) models.FeedbackAnalysis {
	a.CommunicationScore = clampScore(a.CommunicationScore)
	a.EmpathyScore = clampScore(a.EmpathyScore)
	a.ProblemSolvingScore = clampScore(a.ProblemSolvingScore)
	a.OverallScore = clampScore(a.OverallScore)
	return a
}

func clampScore(n int) int {
	if n < 0 {
		return 0
	}
	if n > 100 {
		return 100
	}
	return n
}

func minScore(a, b int) int {
	if b < a {
		return b
	}
	return a
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type responseFormat struct {
	Type string `json:"type"`
}

type chatRequest struct {
	Model          string          `json:"model"`
	Messages       []chatMessage   `json:"messages"`
	Temperature    float64         `json:"temperature,omitempty"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}
