// Package bus delivers outbox events to the notifications service, either by
// HTTP POST or through a Kafka topic.
package bus

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/faultline-labs/faultline/internal/adapter/httpclient"
	"github.com/faultline-labs/faultline/internal/domain"
)

// Envelope is the wire shape accepted by notifications POST /events.
type Envelope struct {
	EventID     string          `json:"event_id,omitempty"`
	EventType   string          `json:"event_type"`
	AggregateID string          `json:"aggregate_id"`
	Payload     json.RawMessage `json:"payload"`
}

// HTTPBus posts events to the notifications ingest endpoint. Delivery is
// at-least-once: the outbox publisher keeps unacknowledged rows and retries
// the whole batch cycle, so the bus itself stays thin.
type HTTPBus struct {
	caller *httpclient.Caller
}

// NewHTTPBus wraps an httpclient.Caller pointed at the notifications service.
func NewHTTPBus(caller *httpclient.Caller) *HTTPBus {
	return &HTTPBus{caller: caller}
}

// Publish implements domain.EventBus. Any non-2xx reply is an error so the
// outbox row stays pending.
func (b *HTTPBus) Publish(ctx domain.Context, e domain.OutboxEvent) error {
	env := Envelope{
		EventID:     e.EventType + ":" + e.AggregateID,
		EventType:   e.EventType,
		AggregateID: e.AggregateID,
		Payload:     json.RawMessage(e.Payload),
	}
	if _, err := b.caller.Do(ctx, "publish_event", http.MethodPost, "/events", env); err != nil {
		return fmt.Errorf("op=bus.HTTPBus.Publish event=%s: %w", e.EventType, err)
	}
	return nil
}
