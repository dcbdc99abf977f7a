package wsmarshaller

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// ClientFrame is the inbound envelope. Type selects the payload shape.
type ClientFrame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type ClientSend struct {
	ChannelID        uuid.UUID      `json:"channel_id"`
	Recipients       []uuid.UUID    `json:"recipients,omitempty"`
	Type             string         `json:"type"`
	Text             string         `json:"text,omitempty"`
	IdempotencyToken string         `json:"idempotency_token,omitempty"`
	Priority         string         `json:"priority,omitempty"`
	TTLMillis        int64          `json:"ttl_ms,omitempty"`
	Metadata         map[string]any `json:"metadata,omitempty"`
}

type ClientAck struct {
	DeliveryID uuid.UUID `json:"delivery_id"`
}

type ClientRead struct {
	MessageID uuid.UUID `json:"message_id"`
	ReadAt    int64     `json:"read_at,omitempty"`
}

type ClientTyping struct {
	ChannelID uuid.UUID `json:"channel_id"`
}

type ClientPresence struct {
	Status   string `json:"status"`
	Activity string `json:"activity,omitempty"`
}

type ClientBatchElect struct {
	Enabled bool `json:"enabled"`
}

// Decode parses the inbound envelope.
func Decode(raw []byte) (*ClientFrame, error) {
	frame := &ClientFrame{}
	if err := json.Unmarshal(raw, frame); err != nil {
		return nil, fmt.Errorf("ws marshaller: decode frame: %w", err)
	}
	if frame.Type == "" {
		return nil, fmt.Errorf("ws marshaller: frame without type")
	}
	return frame, nil
}

// DecodeData parses the typed payload of a frame.
func DecodeData[T any](frame *ClientFrame) (*T, error) {
	data := new(T)
	if err := json.Unmarshal(frame.Data, data); err != nil {
		return nil, fmt.Errorf("ws marshaller: decode %s data: %w", frame.Type, err)
	}
	return data, nil
}
