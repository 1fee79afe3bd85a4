// Package notify delivers payment lifecycle events to an external
// endpoint. Delivery is best-effort and never blocks a state
// transition.
package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/stallwise/paycore/internal/idgen"
	"github.com/stallwise/paycore/internal/metrics"
	"github.com/stallwise/paycore/internal/retry"
)

const (
	deliveryAttempts = 3
	deliveryBackoff  = 500 * time.Millisecond
)

// EventType classifies a notification.
type EventType string

const (
	EventPaymentSucceeded EventType = "payment.succeeded"
	EventPaymentFailed    EventType = "payment.failed"
	EventEscrowReleased   EventType = "escrow.released"
	EventEscrowRefunded   EventType = "escrow.refunded"
	EventDisputeOpened    EventType = "dispute.opened"
	EventDisputeResolved  EventType = "dispute.resolved"
)

// Event is one notification payload.
type Event struct {
	ID        string         `json:"id"`
	Type      EventType      `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data"`
}

// NewEvent builds an event with a fresh ID and timestamp.
func NewEvent(t EventType, data map[string]any) Event {
	return Event{
		ID:        idgen.WithPrefix("evt_"),
		Type:      t,
		Timestamp: time.Now(),
		Data:      data,
	}
}

// Sink receives events. Implementations must not block longer than the
// context allows and must swallow their own failures.
type Sink interface {
	Notify(ctx context.Context, e Event)
}

// HTTPSink posts signed JSON events to a configured URL.
type HTTPSink struct {
	url     string
	secret  string
	client  *http.Client
	logger  *slog.Logger
	backoff time.Duration
}

// NewHTTPSink creates a sink posting to url, signing with secret when
// non-empty.
func NewHTTPSink(url, secret string, logger *slog.Logger) *HTTPSink {
	return &HTTPSink{
		url:     url,
		secret:  secret,
		client:  &http.Client{Timeout: 10 * time.Second},
		logger:  logger,
		backoff: deliveryBackoff,
	}
}

// Notify posts the event, retrying transient failures with backoff.
// Failures are logged and counted, not returned.
func (s *HTTPSink) Notify(ctx context.Context, e Event) {
	payload, err := json.Marshal(e)
	if err != nil {
		s.fail(e, fmt.Sprintf("marshal: %v", err))
		return
	}

	err = retry.Do(ctx, deliveryAttempts, s.backoff, func() error {
		return s.post(ctx, e, payload)
	})
	if err != nil {
		s.fail(e, err.Error())
		return
	}
	metrics.NotifyDeliveriesTotal.WithLabelValues("ok").Inc()
}

// post makes one delivery attempt. A 4xx means the receiver rejected
// the payload, so there is no point retrying it.
func (s *HTTPSink) post(ctx context.Context, e Event, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(payload))
	if err != nil {
		return retry.Permanent(fmt.Errorf("request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Paycore-Event", string(e.Type))
	req.Header.Set("X-Paycore-Timestamp", fmt.Sprintf("%d", e.Timestamp.Unix()))
	if s.secret != "" {
		req.Header.Set("X-Paycore-Signature", sign(payload, s.secret))
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("post: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return retry.Permanent(fmt.Errorf("status %d", resp.StatusCode))
	default:
		return fmt.Errorf("status %d", resp.StatusCode)
	}
}

func (s *HTTPSink) fail(e Event, reason string) {
	metrics.NotifyDeliveriesTotal.WithLabelValues("error").Inc()
	s.logger.Warn("notification delivery failed",
		"eventId", e.ID, "type", e.Type, "reason", reason)
}

func sign(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

// LogSink logs events instead of delivering them. Used when no
// notification URL is configured.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink creates a log-only sink.
func NewLogSink(logger *slog.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) Notify(ctx context.Context, e Event) {
	s.logger.Info("notification",
		"eventId", e.ID, "type", e.Type, "data", e.Data)
	metrics.NotifyDeliveriesTotal.WithLabelValues("ok").Inc()
}
