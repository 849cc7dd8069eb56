// Package events fans committed video-session events out to subscribers:
// connected websocket clients, a RabbitMQ exchange consumed by the
// notification subsystem and a Redis pub/sub channel. Delivery is
// asynchronous and best-effort; nothing here gates a request.
package events

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Envelope is the wire form every sink receives.
type Envelope struct {
	ID         uuid.UUID       `json:"id"`
	Topic      string          `json:"topic"`
	Type       string          `json:"type"`
	ClinicID   string          `json:"clinic_id,omitempty"`
	Origin     string          `json:"origin,omitempty"`
	OccurredAt time.Time       `json:"occurred_at"`
	Data       json.RawMessage `json:"data"`
}

// New builds an envelope with a fresh id, marshaling data as the payload.
func New(topic, eventType string, occurredAt time.Time, data any) (Envelope, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s payload: %w", eventType, err)
	}
	return Envelope{
		ID:         uuid.New(),
		Topic:      topic,
		Type:       eventType,
		OccurredAt: occurredAt.UTC(),
		Data:       raw,
	}, nil
}

const sessionTopicPrefix = "video-session:"

// SessionTopic is the topic all events of one video session are published on.
func SessionTopic(sessionID uuid.UUID) string {
	return sessionTopicPrefix + sessionID.String()
}

// ParseSessionTopic extracts the session id from a topic built by SessionTopic.
func ParseSessionTopic(topic string) (uuid.UUID, bool) {
	rest, ok := strings.CutPrefix(topic, sessionTopicPrefix)
	if !ok {
		return uuid.Nil, false
	}
	id, err := uuid.Parse(rest)
	if err != nil {
		return uuid.Nil, false
	}
	return id, true
}
