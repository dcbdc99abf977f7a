// Package wsmarshaller frames engine events for WebSocket transmission and
// decodes inbound client frames. JSON both ways; the payload structs carry
// their own tags.
package wsmarshaller

import (
	"encoding/json"
	"fmt"

	"github.com/webitel/im-realtime-engine/internal/domain/model"
)

// Frame is the generic wrapper for outbound WebSocket messages.
type Frame struct {
	Event   string `json:"event"`
	ID      string `json:"id"`
	SentAt  int64  `json:"sent_at"`
	Payload any    `json:"payload"`
}

func eventName(kind model.EventKind) string {
	switch kind {
	case model.Connected:
		return "connected"
	case model.MessageCreated:
		return "message"
	case model.MessageBatch:
		return "message_batch"
	case model.TypingStarted:
		return "typing_started"
	case model.TypingStopped:
		return "typing_stopped"
	case model.PresenceUpdated:
		return "presence_update"
	case model.ReadReceipt:
		return "read_receipt"
	case model.DeliveryFailed:
		return "delivery_failed"
	}
	return ""
}

// Marshal frames one engine event for the socket.
func Marshal(ev model.Eventer) ([]byte, error) {
	name := eventName(ev.GetKind())
	if name == "" {
		return nil, fmt.Errorf("ws marshaller: unknown event kind %d", ev.GetKind())
	}

	return json.Marshal(&Frame{
		Event:   name,
		ID:      ev.GetID(),
		SentAt:  ev.GetOccurredAt(),
		Payload: ev.GetPayload(),
	})
}

// MarshalReceipt frames the synchronous answer to a send.
func MarshalReceipt(receipt *model.SendReceipt) ([]byte, error) {
	return json.Marshal(&Frame{Event: "send_receipt", Payload: receipt})
}

// MarshalError frames a client-visible rejection.
func MarshalError(reason string) ([]byte, error) {
	return json.Marshal(&Frame{Event: "error", Payload: map[string]string{"reason": reason}})
}
