// Package broadcast publishes notification lifecycle events to the message
// bus so downstream consumers can mirror the history store. Publishing is
// best-effort: a bus outage must never fail the state change that triggered
// the event.
package broadcast

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"github.com/traineehub/notify/internal/domain/history"
)

// channel is the slice of amqp.Channel the publisher needs.
type channel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// Publisher broadcasts history events to a single topic. An empty topic
// disables publishing entirely.
type Publisher struct {
	ch             channel
	topic          string
	eventAttribute string
	logger         zerolog.Logger
}

// New opens a channel on the connection and declares the broadcast queue.
// A nil connection or empty topic yields a disabled publisher.
func New(conn *amqp.Connection, topic, eventAttribute string, logger zerolog.Logger) (*Publisher, error) {
	p := &Publisher{topic: topic, eventAttribute: eventAttribute, logger: logger}
	if conn == nil || topic == "" {
		return p, nil
	}

	ch, err := conn.Channel()
	if err != nil {
		return nil, err
	}
	if _, err := ch.QueueDeclare(topic, true, false, false, false, nil); err != nil {
		ch.Close()
		return nil, err
	}
	p.ch = ch
	return p, nil
}

// message is the wire shape of a lifecycle event: the full history record.
// Deletion events carry only the id, the terminal status and the deletion
// time.
type message struct {
	ID           string                   `json:"id"`
	TisReference *history.Reference       `json:"tisReference,omitempty"`
	Type         string                   `json:"type,omitempty"`
	Recipient    *history.Recipient       `json:"recipient,omitempty"`
	Template     *history.TemplateBinding `json:"template,omitempty"`
	SentAt       string                   `json:"sentAt"`
	ReadAt       *string                  `json:"readAt,omitempty"`
	Status       string                   `json:"status"`
	StatusDetail string                   `json:"statusDetail,omitempty"`
	LastRetry    *string                  `json:"lastRetry,omitempty"`
	Subject      string                   `json:"subject,omitempty"`
}

// Publish implements history.Publisher. Failures are logged and swallowed.
func (p *Publisher) Publish(ctx context.Context, ev history.Event) {
	if p.ch == nil || p.topic == "" {
		return
	}

	rec := ev.Record
	recipient := rec.Recipient
	tmpl := rec.Template
	msg := message{
		ID:           rec.ID,
		TisReference: rec.Ref,
		Type:         string(rec.Type),
		Recipient:    &recipient,
		Template:     &tmpl,
		SentAt:       rec.SentAt.UTC().Format(time.RFC3339),
		Status:       string(rec.Status),
		StatusDetail: rec.StatusDetail,
		Subject:      ev.Subject,
	}
	if rec.ReadAt != nil {
		t := rec.ReadAt.UTC().Format(time.RFC3339)
		msg.ReadAt = &t
	}
	if rec.LastRetryAt != nil {
		t := rec.LastRetryAt.UTC().Format(time.RFC3339)
		msg.LastRetry = &t
	}

	body, err := json.Marshal(msg)
	if err != nil {
		p.logger.Error().Err(err).Str("historyId", rec.ID).Msg("broadcast marshal failed")
		return
	}

	p.send(ctx, rec.ID, body)
}

// PublishDeleted implements the delete variant of history.Publisher: the
// payload carries only the id, the terminal status and the deletion time.
func (p *Publisher) PublishDeleted(ctx context.Context, historyID string) {
	if p.ch == nil || p.topic == "" {
		return
	}

	body, err := json.Marshal(message{
		ID:     historyID,
		Status: "DELETED",
		SentAt: time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		p.logger.Error().Err(err).Str("historyId", historyID).Msg("broadcast marshal failed")
		return
	}
	p.send(ctx, historyID, body)
}

func (p *Publisher) send(ctx context.Context, historyID string, body []byte) {
	headers := amqp.Table{}
	if strings.HasSuffix(p.topic, ".fifo") {
		headers["message_group_id"] = "notification_event_" + historyID
	}
	if p.eventAttribute != "" {
		headers["event_type"] = p.eventAttribute
	}

	err := p.ch.PublishWithContext(ctx, "", p.topic, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Headers:      headers,
		Body:         body,
	})
	if err != nil {
		p.logger.Error().Err(err).
			Str("historyId", historyID).
			Str("topic", p.topic).
			Msg("broadcast publish failed")
	}
}
