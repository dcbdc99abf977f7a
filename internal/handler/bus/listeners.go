package bus

import (
	"context"
	"log/slog"

	"github.com/webitel/im-realtime-engine/internal/adapter/pubsub"
	"github.com/webitel/im-realtime-engine/internal/delivery"
	"github.com/webitel/im-realtime-engine/internal/domain/model"
	"github.com/webitel/im-realtime-engine/internal/domain/registry"
	"github.com/webitel/im-realtime-engine/internal/presence"
)

// Handlers applies bus events replicated from other instances to local
// state. Every handler is idempotent: the bus guarantees no total order,
// so a late or repeated event must land as a no-op.
type Handlers struct {
	hub      registry.Hubber
	tracker  *delivery.Tracker
	presence *presence.Registry
	logger   *slog.Logger
	origin   string
}

func NewHandlers(
	hub registry.Hubber,
	tracker *delivery.Tracker,
	pres *presence.Registry,
	dispatcher pubsub.Dispatcher,
	logger *slog.Logger,
) *Handlers {
	return &Handlers{
		hub:      hub,
		tracker:  tracker,
		presence: pres,
		logger:   logger,
		origin:   dispatcher.Origin(),
	}
}

// OnDeliveryPush pushes a message raised on another instance to the
// recipient's sessions held here.
func (h *Handlers) OnDeliveryPush(_ context.Context, wire *pubsub.PushWire) error {
	if !h.hub.IsConnected(wire.UserID) {
		return nil // handled by whichever instance holds the sessions
	}
	payload := &model.MessagePayload{DeliveryID: wire.DeliveryID, Message: wire.Message}
	h.tracker.DeliverLocal(wire.UserID, payload, wire.Priority)
	return nil
}

// OnDeliveryAck advances a recipient acknowledged on another instance.
// Misses are fine: only the record-owning instance resolves the ack.
func (h *Handlers) OnDeliveryAck(_ context.Context, wire *pubsub.AckWire) error {
	h.tracker.Acknowledge(wire.DeliveryID, wire.UserID)
	return nil
}

// OnDeliveryRead applies a replicated read receipt and notifies the sender
// if connected here.
func (h *Handlers) OnDeliveryRead(_ context.Context, wire *pubsub.ReadWire) error {
	h.tracker.ApplyRemoteRead(wire)
	return nil
}

// OnDeliveryFailed surfaces a terminal failure to the sender's sessions
// held here.
func (h *Handlers) OnDeliveryFailed(_ context.Context, wire *pubsub.FailedWire) error {
	if !h.hub.IsConnected(wire.SenderID) {
		return nil
	}
	h.tracker.NotifyFailureLocal(wire)
	return nil
}

// OnPresenceStatus merges a presence change and pushes it to watchers
// connected here.
func (h *Handlers) OnPresenceStatus(_ context.Context, wire *pubsub.PresenceWire) error {
	h.presence.ApplyRemote(wire)
	return nil
}

// OnTyping pushes a typing edge to channel members connected here. The
// member set travels in the wire payload, resolved once at the origin.
func (h *Handlers) OnTyping(_ context.Context, wire *pubsub.TypingWire) error {
	kind := model.TypingStopped
	if wire.Started {
		kind = model.TypingStarted
	}
	payload := &model.TypingPayload{UserID: wire.UserID, ChannelID: wire.ChannelID}

	for _, member := range wire.Members {
		if member == wire.UserID || !h.hub.IsConnected(member) {
			continue
		}
		h.hub.Broadcast(model.NewEvent(kind, member, model.PriorityLow, payload))
	}
	return nil
}
