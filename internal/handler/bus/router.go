// Package bus subscribes this instance to the fan-out topics and routes
// replicated delivery, presence and typing events into local state.
package bus

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"
	"github.com/webitel/im-realtime-engine/internal/adapter/pubsub"
)

// PoisonTopic collects messages that exhausted handler retries.
const PoisonTopic = "im_realtime.v1.poison"

func NewRouter(logger watermill.LoggerAdapter) (*message.Router, error) {
	return message.NewRouter(message.RouterConfig{CloseTimeout: 10 * time.Second}, logger)
}

// RegisterHandlers wires every fan-out topic to its typed handler. Each
// instance holds its own queue per topic (the subscriber appends the
// instance suffix), so every published event reaches every instance once.
func (h *Handlers) RegisterHandlers(router *message.Router, provider *pubsub.Provider, logger *slog.Logger) error {
	poison, err := middleware.PoisonQueue(provider.Pub, PoisonTopic)
	if err != nil {
		return fmt.Errorf("bus router: poison queue: %w", err)
	}

	handlers := []struct {
		name    string
		topic   string
		handler message.NoPublishHandlerFunc
	}{
		{"on_delivery_push", pubsub.TopicDeliveryPush, Bind(h, h.OnDeliveryPush)},
		{"on_delivery_ack", pubsub.TopicDeliveryAck, Bind(h, h.OnDeliveryAck)},
		{"on_delivery_read", pubsub.TopicDeliveryRead, Bind(h, h.OnDeliveryRead)},
		{"on_delivery_failed", pubsub.TopicDeliveryFailed, Bind(h, h.OnDeliveryFailed)},
		{"on_presence_status", pubsub.TopicPresenceStatus, Bind(h, h.OnPresenceStatus)},
		{"on_typing", pubsub.TopicTyping, Bind(h, h.OnTyping)},
	}

	for _, c := range handlers {
		router.AddConsumerHandler(c.name, c.topic, provider.Sub, c.handler).AddMiddleware(
			TraceIDMiddleware,
			LoggingMiddleware(logger),
			NewRetryMiddleware().Middleware,
			poison,
			middleware.NewThrottle(100, time.Second).Middleware,
			middleware.Timeout(30*time.Second),
		)
	}

	logger.Info("fan-out pipeline ready", "topics", len(handlers))
	return nil
}
