// Package events предоставляет контракт публикации доменных событий
// и формат конверта для передачи их через брокер сообщений.
package events

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Envelope конверт события - wire-формат для всех публикуемых событий.
// EventType используется как routing key при публикации в брокер.
type Envelope struct {
	EventID    string          `json:"event_id"`
	EventType  string          `json:"event_type"`
	OccurredAt time.Time       `json:"occurred_at"`
	Payload    json.RawMessage `json:"payload"`
}

// NewEnvelope создает новый конверт, сериализуя payload в JSON
func NewEnvelope(eventType string, payload interface{}) (Envelope, error) {
	if eventType == "" {
		return Envelope{}, fmt.Errorf("event type cannot be empty")
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("failed to marshal event payload: %w", err)
	}

	return Envelope{
		EventID:    uuid.New().String(),
		EventType:  eventType,
		OccurredAt: time.Now().UTC(),
		Payload:    data,
	}, nil
}

// NewRawEnvelope создает конверт из уже сериализованного payload
func NewRawEnvelope(eventType string, payload []byte) Envelope {
	return Envelope{
		EventID:    uuid.New().String(),
		EventType:  eventType,
		OccurredAt: time.Now().UTC(),
		Payload:    payload,
	}
}

// RoutingKey возвращает ключ маршрутизации события
func (e Envelope) RoutingKey() string {
	return e.EventType
}

// Marshal сериализует конверт для передачи через брокер
func (e Envelope) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// Unmarshal восстанавливает конверт из wire-формата
func Unmarshal(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("failed to unmarshal event envelope: %w", err)
	}
	return env, nil
}

// DecodePayload десериализует payload конверта в указанную структуру
func (e Envelope) DecodePayload(v interface{}) error {
	return json.Unmarshal(e.Payload, v)
}

// MatchRoutingKey проверяет соответствие типа события паттерну подписки.
// Поддерживается wildcard "*" для одного сегмента и "#" для хвоста,
// по аналогии с topic exchange: "saga.step.*", "saga.#".
func MatchRoutingKey(pattern, routingKey string) bool {
	if pattern == routingKey || pattern == "#" {
		return true
	}

	patternParts := strings.Split(pattern, ".")
	keyParts := strings.Split(routingKey, ".")

	for i, part := range patternParts {
		if part == "#" {
			return true
		}
		if i >= len(keyParts) {
			return false
		}
		if part != "*" && part != keyParts[i] {
			return false
		}
	}

	return len(patternParts) == len(keyParts)
}
