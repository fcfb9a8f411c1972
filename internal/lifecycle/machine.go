// Package lifecycle drives conversation state through the webhook events
// the AI provider delivers asynchronously and possibly out of order.
package lifecycle

import (
	"strings"

	"roleplay-pipeline/internal/models"
)

// reasonCategory classifies a shutdown_reason string.
type reasonCategory int

const (
	reasonFailure reasonCategory = iota
	reasonGraceful
	reasonOther
)

// gracefulReasons are the provider's known clean-shutdown reasons.
var gracefulReasons = map[string]struct{}{
	"end_conversation_endpoint_hit":    {},
	"participant_left_timeout reached": {},
	"max_call_duration reached":        {},
}

// shutdownTransitions maps a classified reason to the terminal conversation
// status. Unrecognized reasons intentionally land in the generic "ended"
// bucket.
var shutdownTransitions = map[reasonCategory]string{
	reasonFailure:  models.ConversationFailed,
	reasonGraceful: models.ConversationCompleted,
	reasonOther:    models.ConversationEnded,
}

func classifyShutdownReason(reason string) reasonCategory {
	if strings.Contains(reason, "error") || strings.Contains(reason, "exception") {
		return reasonFailure
	}
	if _, ok := gracefulReasons[reason]; ok {
		return reasonGraceful
	}
	return reasonOther
}

// ShutdownStatus resolves the terminal status for a shutdown reason.
func ShutdownStatus(reason string) string {
	return shutdownTransitions[classifyShutdownReason(reason)]
}
