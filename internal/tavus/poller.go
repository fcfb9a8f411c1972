package tavus

import (
	"context"
	"fmt"
	"log"
	"time"

	"roleplay-pipeline/internal/models"
)

// PollPersonaStatus queries persona status with exponential backoff until
// the persona reaches ready or error, or attempts run out.
//
// Fetch failures count as attempts and do not abort the loop;
// only a failure on the final attempt propagates. Exhausting attempts
// without a terminal status yields a timeout error carrying the last
// observed status.
func (c *Client) PollPersonaStatus(ctx context.Context, personaID string) (models.PersonaConfig, error) {
	lastStatus := "unknown"

	for attempt := 0; attempt < c.pollMaxAttempts; {
		status, err := c.GetPersonaStatus(ctx, personaID)
		if err != nil {
			log.Printf("[Tavus] poll attempt %d/%d for %s failed: %v", attempt+1, c.pollMaxAttempts, personaID, err)
			attempt++
			if attempt >= c.pollMaxAttempts {
				return models.PersonaConfig{}, err
			}
			if serr := c.sleep(ctx, c.backoffDelay(attempt)); serr != nil {
				return models.PersonaConfig{}, serr
			}
			continue
		}

		lastStatus = status.Status
		if status.IsTerminal() {
			return status, nil
		}

		if serr := c.sleep(ctx, c.backoffDelay(attempt)); serr != nil {
			return models.PersonaConfig{}, serr
		}
		attempt++
	}

	return models.PersonaConfig{}, fmt.Errorf(
		"persona status polling timed out after %d attempts, last status: %s", c.pollMaxAttempts, lastStatus)
}

// backoffDelay is min(base * 2^attempt, max): 2s, 4s, 8s, 16s, 30s cap with
// the defaults.
func (c *Client) backoffDelay(attempt int) time.Duration {
	d := c.backoffBase
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= c.backoffMax {
			return c.backoffMax
		}
	}
	if d > c.backoffMax {
		return c.backoffMax
	}
	return d
}
