// Package expo delivers safety alerts to mobile devices through the Expo
// push service.
package expo

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/linnemanlabs/safeguard/internal/safety"
)

// DefaultURL is the Expo push endpoint.
const DefaultURL = "https://exp.host/--/api/v2/push/send"

const (
	tokenPrefix = "ExponentPushToken"
	httpTimeout = 10 * time.Second
)

// ErrNoPushToken is returned for recipients without a usable Expo token.
var ErrNoPushToken = errors.New("expo: recipient has no push token")

// TicketError is a per-message rejection reported in a 200 response.
type TicketError struct {
	Message string
	Detail  string
}

func (e *TicketError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("expo: ticket error %s: %s", e.Detail, e.Message)
	}
	return "expo: ticket error: " + e.Message
}

// Notifier implements safety.Notifier against the Expo push API.
type Notifier struct {
	url         string
	accessToken string
	client      *http.Client
}

var _ safety.Notifier = (*Notifier)(nil)

// New creates a notifier posting to url. An empty url selects DefaultURL.
// accessToken is optional and only needed when push security is enabled.
func New(url, accessToken string) *Notifier {
	if url == "" {
		url = DefaultURL
	}
	return &Notifier{
		url:         url,
		accessToken: accessToken,
		client:      &http.Client{Timeout: httpTimeout},
	}
}

// ValidToken reports whether tok looks like an Expo push token.
func ValidToken(tok string) bool {
	return strings.HasPrefix(tok, tokenPrefix)
}

type message struct {
	To       string            `json:"to"`
	Title    string            `json:"title"`
	Body     string            `json:"body"`
	Data     map[string]string `json:"data"`
	Sound    string            `json:"sound"`
	Priority string            `json:"priority"`
}

type ticket struct {
	Status  string `json:"status"`
	ID      string `json:"id"`
	Message string `json:"message"`
	Details struct {
		Error string `json:"error"`
	} `json:"details"`
}

type response struct {
	Data   []ticket `json:"data"`
	Errors []struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"errors"`
}

// Send pushes a to r.PushToken. Email-only recipients fail with ErrNoPushToken.
func (n *Notifier) Send(ctx context.Context, r safety.Recipient, a *safety.Alert) error {
	if !ValidToken(r.PushToken) {
		return ErrNoPushToken
	}

	data := a.Metadata
	if data == nil {
		data = map[string]string{}
	}
	body, err := json.Marshal([]message{{
		To:       r.PushToken,
		Title:    a.Title,
		Body:     a.Body,
		Data:     data,
		Sound:    "default",
		Priority: "high",
	}})
	if err != nil {
		return fmt.Errorf("expo: marshal message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("expo: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if n.accessToken != "" {
		req.Header.Set("Authorization", "Bearer "+n.accessToken)
	}

	resp, err := n.client.Do(req) //nolint:gosec // G704: url is from trusted config, not user input
	if err != nil {
		return fmt.Errorf("expo: post: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("expo: push returned %d: %s", resp.StatusCode, truncate(string(raw), 512))
	}

	var out response
	if err := json.Unmarshal(raw, &out); err != nil {
		return fmt.Errorf("expo: decode response: %w", err)
	}
	if len(out.Errors) > 0 {
		return fmt.Errorf("expo: request error %s: %s", out.Errors[0].Code, out.Errors[0].Message)
	}
	if len(out.Data) == 0 {
		return errors.New("expo: empty ticket list")
	}
	if t := out.Data[0]; t.Status != "ok" {
		return &TicketError{Message: t.Message, Detail: t.Details.Error}
	}
	return nil
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit-3] + "..."
}
