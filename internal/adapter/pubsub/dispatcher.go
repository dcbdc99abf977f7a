package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
)

// Envelope wraps every payload published on the fan-out bus. Origin carries
// the publishing instance id so subscribers can ignore their own echoes.
type Envelope struct {
	ID      string          `json:"id"`
	Origin  string          `json:"origin"`
	SentAt  int64           `json:"sent_at"`
	Payload json.RawMessage `json:"payload"`
}

// Dispatcher is the outbound half of the fan-out bus. Components depend on
// this interface, never on a concrete broker, so the broker is swappable
// and unit-testable with an in-memory fake.
type Dispatcher interface {
	Publish(ctx context.Context, topic string, payload any) error
	Publisher() message.Publisher
	Origin() string
}

type dispatcher struct {
	publisher message.Publisher
	origin    string
}

func NewDispatcher(pub message.Publisher, origin string) Dispatcher {
	return &dispatcher{publisher: pub, origin: origin}
}

func (d *dispatcher) Publish(ctx context.Context, topic string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("bus dispatcher: marshal payload: %w", err)
	}

	env := Envelope{
		ID:      watermill.NewUUID(),
		Origin:  d.origin,
		SentAt:  time.Now().UnixMilli(),
		Payload: body,
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("bus dispatcher: marshal envelope: %w", err)
	}

	msg := message.NewMessage(env.ID, raw)
	msg.SetContext(ctx)
	msg.Metadata.Set("origin", d.origin)

	if err := d.publisher.Publish(topic, msg); err != nil {
		return fmt.Errorf("bus dispatcher: publish to %s: %w", topic, err)
	}
	return nil
}

func (d *dispatcher) Publisher() message.Publisher { return d.publisher }
func (d *dispatcher) Origin() string               { return d.origin }
