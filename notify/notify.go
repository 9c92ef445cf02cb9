// Package notify delivers reqguard escalation events to external sinks.
package notify

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	json "github.com/goccy/go-json"

	"github.com/byte4ever/reqguard"
)

type (
	// Payload is the JSON document posted for one escalation event.
	Payload struct {
		TriggeredAt time.Time      `json:"triggered_at"`
		ID          string         `json:"id"`
		Rule        string         `json:"rule"`
		Status      string         `json:"status"`
		Errors      []PayloadError `json:"errors"`
	}

	// PayloadError summarizes one error behind an escalation. It never
	// carries raw error text.
	PayloadError struct {
		Timestamp  time.Time `json:"timestamp"`
		Kind       string    `json:"kind"`
		Severity   string    `json:"severity"`
		Endpoint   string    `json:"endpoint,omitempty"`
		Method     string    `json:"method,omitempty"`
		Component  string    `json:"component,omitempty"`
		StatusCode int       `json:"status_code,omitempty"`
	}

	// Webhook posts escalation events as JSON to a URL.
	Webhook struct {
		hc  *http.Client
		url string
	}

	// Log writes escalation events to a structured logger.
	Log struct {
		logger *slog.Logger
	}

	// Multi fans an event out to several notifiers.
	Multi []reqguard.Notifier
)

// ErrUnexpectedStatus is returned when the webhook answers with a non-2xx
// status.
var ErrUnexpectedStatus = errors.New("notify: unexpected webhook status")

// NewPayload builds the webhook document for ev.
func NewPayload(ev reqguard.EscalationEvent) Payload {
	p := Payload{
		TriggeredAt: ev.TriggeredAt,
		ID:          ev.ID,
		Rule:        ev.Rule,
		Status:      string(ev.Status),
		Errors:      make([]PayloadError, 0, len(ev.Errors)),
	}

	for _, e := range ev.Errors {
		p.Errors = append(p.Errors, PayloadError{
			Timestamp:  e.Context.Timestamp,
			Kind:       string(e.Kind),
			Severity:   e.Severity.String(),
			Endpoint:   e.Context.Endpoint,
			Method:     e.Context.Method,
			Component:  e.Context.Component,
			StatusCode: e.StatusCode,
		})
	}

	return p
}

// NewWebhook creates a webhook notifier; a nil hc uses a client with a 10s
// timeout.
func NewWebhook(url string, hc *http.Client) *Webhook {
	if hc == nil {
		hc = &http.Client{Timeout: 10 * time.Second}
	}

	return &Webhook{hc: hc, url: url}
}

// Notify implements reqguard.Notifier.
func (w *Webhook) Notify(ctx context.Context, ev reqguard.EscalationEvent) error {
	body, err := json.Marshal(NewPayload(ev))
	if err != nil {
		return fmt.Errorf("notify: encode event: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("notify: build request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	resp, err := w.hc.Do(req)
	if err != nil {
		return fmt.Errorf("notify: post event: %w", err)
	}

	defer resp.Body.Close()

	//nolint:errcheck // drain for connection reuse
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return fmt.Errorf("%w: %d", ErrUnexpectedStatus, resp.StatusCode)
	}

	return nil
}

// NewLog creates a notifier writing to logger; nil uses slog.Default.
func NewLog(logger *slog.Logger) *Log {
	if logger == nil {
		logger = slog.Default()
	}

	return &Log{logger: logger}
}

// Notify implements reqguard.Notifier.
func (l *Log) Notify(ctx context.Context, ev reqguard.EscalationEvent) error {
	l.logger.ErrorContext(ctx, "escalation",
		"id", ev.ID,
		"rule", ev.Rule,
		"status", ev.Status,
		"triggered_at", ev.TriggeredAt,
		"errors", len(ev.Errors),
	)

	return nil
}

// Notify implements reqguard.Notifier. Every notifier is called; their
// errors are joined.
func (m Multi) Notify(ctx context.Context, ev reqguard.EscalationEvent) error {
	var errs []error

	for _, n := range m {
		errs = append(errs, n.Notify(ctx, ev))
	}

	return errors.Join(errs...)
}
