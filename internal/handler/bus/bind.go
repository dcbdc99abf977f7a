package bus

import (
	"context"
	"encoding/json"
	"runtime/debug"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/webitel/im-realtime-engine/internal/adapter/pubsub"
)

// WireHandler is the domain-side signature bound to a bus topic.
type WireHandler[T any] func(ctx context.Context, wire *T) error

// Bind connects watermill to a typed handler: envelope decode, own-echo
// drop and panic recovery. Undecodable messages are acked, never retried;
// the poison middleware is for handlers that fail, not for malformed input.
func Bind[T any](h *Handlers, fn WireHandler[T]) message.NoPublishHandlerFunc {
	return func(msg *message.Message) (err error) {
		defer func() {
			if r := recover(); r != nil {
				h.logger.Error("bus handler panic recovered",
					"err", r,
					"stack", string(debug.Stack()),
					"msg_id", msg.UUID)
			}
		}()

		var env pubsub.Envelope
		if err := json.Unmarshal(msg.Payload, &env); err != nil {
			h.logger.Error("bus envelope decode failed", "err", err, "msg_id", msg.UUID)
			return nil
		}

		// Skip our own fan-out echoes; the local side effects already ran.
		if env.Origin == h.origin {
			return nil
		}

		wire := new(T)
		if err := json.Unmarshal(env.Payload, wire); err != nil {
			h.logger.Error("bus payload decode failed", "err", err, "msg_id", msg.UUID)
			return nil
		}

		return fn(msg.Context(), wire)
	}
}
