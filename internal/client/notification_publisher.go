package client

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/pesio-ai/be-pm-approvals/internal/repository"
)

// publisher is the slice of *nats.Conn the notification publisher uses.
type publisher interface {
	Publish(subject string, data []byte) error
}

// NotificationPublisher publishes approval events to NATS for consumption by
// the notifications service.
//
// Subject convention: notifications.pm.approval_<kind>
// Kinds: requested, approved, rejected
type NotificationPublisher struct {
	conn publisher
	log  zerolog.Logger
	now  func() time.Time
}

// NotificationEvent is the JSON schema published to NATS.
type NotificationEvent struct {
	EventType    string    `json:"event_type"`
	Recipients   []string  `json:"recipients"`
	ResourceType string    `json:"resource_type"`
	ResourceID   string    `json:"resource_id"`
	IsActionable bool      `json:"is_actionable"`
	Severity     string    `json:"severity"`
	Category     string    `json:"category"`
	OccurredAt   time.Time `json:"occurred_at"`
}

// ConnectNATS dials the broker with reconnects enabled.
func ConnectNATS(url, name string, log zerolog.Logger) (*nats.Conn, error) {
	conn, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn().Err(err).Msg("NATS disconnected")
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info().Str("url", c.ConnectedUrl()).Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", url, err)
	}
	return conn, nil
}

// NewNotificationPublisher creates a publisher backed by conn.
func NewNotificationPublisher(conn *nats.Conn, log zerolog.Logger) *NotificationPublisher {
	return newNotificationPublisher(conn, log)
}

func newNotificationPublisher(conn publisher, log zerolog.Logger) *NotificationPublisher {
	return &NotificationPublisher{conn: conn, log: log, now: time.Now}
}

// Subject returns the NATS subject for kind.
func Subject(kind repository.NotificationKind) string {
	return "notifications.pm.approval_" + string(kind)
}

// Notify publishes one event addressed to recipients.
func (p *NotificationPublisher) Notify(_ context.Context, requestID string, recipients []string, kind repository.NotificationKind) error {
	if len(recipients) == 0 {
		return nil
	}

	event := &NotificationEvent{
		EventType:    "approval_" + string(kind),
		Recipients:   recipients,
		ResourceType: "approval_request",
		ResourceID:   requestID,
		IsActionable: kind == repository.NotifyRequested,
		Severity:     "info",
		Category:     "pm_approval",
		OccurredAt:   p.now().UTC(),
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal notification event: %w", err)
	}

	subject := Subject(kind)
	if err := p.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("failed to publish %s: %w", subject, err)
	}

	p.log.Debug().
		Str("subject", subject).
		Str("request_id", requestID).
		Int("recipients", len(recipients)).
		Msg("notification: event published")
	return nil
}

// LogNotifier writes notifications to the log. It is the sink used when NATS
// is disabled.
type LogNotifier struct {
	log zerolog.Logger
}

func NewLogNotifier(log zerolog.Logger) *LogNotifier {
	return &LogNotifier{log: log}
}

func (n *LogNotifier) Notify(_ context.Context, requestID string, recipients []string, kind repository.NotificationKind) error {
	n.log.Info().
		Str("request_id", requestID).
		Str("kind", string(kind)).
		Strs("recipients", recipients).
		Msg("Approval notification")
	return nil
}
