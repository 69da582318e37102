// Package slack escalates undelivered safety dispatches to an operations
// channel via an incoming webhook.
package slack

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/safeguard/internal/safety"
)

const httpTimeout = 10 * time.Second

// Escalator posts escalations to a Slack webhook.
type Escalator struct {
	webhookURL string
	client     *http.Client
	logger     log.Logger
}

var _ safety.Escalator = (*Escalator)(nil)

// New creates a Slack escalator. If webhookURL is empty, Escalate only logs.
func New(webhookURL string, logger log.Logger) *Escalator {
	if logger == nil {
		logger = log.Nop()
	}
	return &Escalator{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: httpTimeout},
		logger:     logger,
	}
}

// Escalate posts e to the configured webhook.
func (s *Escalator) Escalate(ctx context.Context, e *safety.Escalation) error {
	if s.webhookURL == "" {
		s.logger.Warn(ctx, "escalation dropped, no slack webhook configured",
			"kind", string(e.Kind),
			"aggregate_id", e.AggregateID,
		)
		return nil
	}

	body, err := json.Marshal(buildMessage(e))
	if err != nil {
		return fmt.Errorf("slack: marshal message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("slack: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req) //nolint:gosec // G704: webhookURL is from trusted config, not user input
	if err != nil {
		return fmt.Errorf("slack: post webhook: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("slack: webhook returned %d: %s", resp.StatusCode, string(respBody))
	}
	return nil
}

func buildMessage(e *safety.Escalation) map[string]any {
	return map[string]any{
		"blocks": []map[string]any{
			headerBlock(e),
			{"type": "divider"},
			fieldsBlock(e),
			locationBlock(e),
			{"type": "divider"},
			contextBlock(e),
		},
	}
}

func headerBlock(e *safety.Escalation) map[string]any {
	var text string
	switch e.Kind {
	case safety.KindPanic:
		text = fmt.Sprintf("%s Panic alert not delivered: %s", kindEmoji(e.Kind), e.Category.Label())
	default:
		text = fmt.Sprintf("%s Escort start not delivered", kindEmoji(e.Kind))
	}
	return map[string]any{
		"type": "header",
		"text": map[string]any{
			"type": "plain_text",
			"text": text,
		},
	}
}

func fieldsBlock(e *safety.Escalation) map[string]any {
	var sent, failed, skipped int
	if e.Summary != nil {
		sent, failed, skipped = e.Summary.Sent, e.Summary.Failed, e.Summary.Skipped
	}
	fields := []map[string]any{
		{"type": "mrkdwn", "text": fmt.Sprintf("*Actor:* %s", e.ActorID)},
		{"type": "mrkdwn", "text": fmt.Sprintf("*Matched:* %d", e.Matched)},
		{"type": "mrkdwn", "text": fmt.Sprintf("*Sent:* %d", sent)},
		{"type": "mrkdwn", "text": fmt.Sprintf("*Failed:* %d", failed)},
		{"type": "mrkdwn", "text": fmt.Sprintf("*Skipped:* %d", skipped)},
		{"type": "mrkdwn", "text": fmt.Sprintf("*Degraded match:* %t", e.Degraded)},
	}
	return map[string]any{
		"type":   "section",
		"fields": fields,
	}
}

func locationBlock(e *safety.Escalation) map[string]any {
	lat, lon := e.Point.Lat, e.Point.Lon
	return map[string]any{
		"type": "section",
		"text": map[string]any{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Location:* <https://maps.google.com/?q=%.6f,%.6f|%.4f, %.4f>", lat, lon, lat, lon),
		},
	}
}

func contextBlock(e *safety.Escalation) map[string]any {
	ts := e.At
	if ts.IsZero() {
		ts = time.Now()
	}
	return map[string]any{
		"type": "context",
		"elements": []map[string]any{
			{
				"type": "mrkdwn",
				"text": fmt.Sprintf("safeguard • %s %s • %s", e.Kind, e.AggregateID, ts.UTC().Format("2006-01-02 15:04 UTC")),
			},
		},
	}
}

func kindEmoji(k safety.Kind) string {
	if k == safety.KindPanic {
		return "\U0001f534" // red circle
	}
	return "\U0001f7e1" // yellow circle
}
