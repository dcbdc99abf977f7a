// Package service exposes the engine facade consumed by the transport
// layer: connection lifecycle, sends, acknowledgments, read receipts,
// typing and presence, with admission control applied before any state is
// touched.
package service

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/webitel/im-realtime-engine/config"
	"github.com/webitel/im-realtime-engine/internal/adapter/pubsub"
	"github.com/webitel/im-realtime-engine/internal/delivery"
	"github.com/webitel/im-realtime-engine/internal/domain/model"
	"github.com/webitel/im-realtime-engine/internal/domain/registry"
	"github.com/webitel/im-realtime-engine/internal/metrics"
	"github.com/webitel/im-realtime-engine/internal/presence"
	"github.com/webitel/im-realtime-engine/internal/ratelimit"
	"github.com/webitel/im-realtime-engine/internal/typing"
)

// BuildVersion is the build identity echoed in the connect handshake.
type BuildVersion string

// Engine is the primary interface for transport handlers.
type Engine interface {
	Connect(ctx context.Context, userID uuid.UUID, device model.DeviceInfo) (registry.Connector, error)
	Disconnect(userID, connID uuid.UUID, reason string)

	Send(ctx context.Context, senderID uuid.UUID, req *delivery.SendRequest) (*model.SendReceipt, error)
	Acknowledge(ctx context.Context, deliveryID, userID, connID uuid.UUID)
	MarkRead(ctx context.Context, messageID, userID uuid.UUID, readAt int64) error
	ElectBatching(userID uuid.UUID, on bool)

	TypingStart(userID, channelID uuid.UUID) error
	TypingStop(userID, channelID uuid.UUID)

	SetPresence(ctx context.Context, userID uuid.UUID, status model.Status, activity string) error
	Heartbeat(userID uuid.UUID)

	Stats() EngineStats
}

// EngineStats is the point-in-time snapshot served on the stats endpoint.
type EngineStats struct {
	Hub            model.HubStats `json:"hub"`
	LiveDeliveries int            `json:"live_deliveries"`
	AvgLatencyMS   int64          `json:"avg_latency_ms"`
}

type EngineService struct {
	hub       registry.Hubber
	tracker   *delivery.Tracker
	presence  *presence.Registry
	typing    *typing.Manager
	limiter   *ratelimit.Limiter
	bus       pubsub.Dispatcher
	directory model.Directory

	connBuffer int
	version    string
}

func NewEngineService(
	cfg *config.Config,
	hub registry.Hubber,
	tracker *delivery.Tracker,
	pres *presence.Registry,
	typ *typing.Manager,
	limiter *ratelimit.Limiter,
	bus pubsub.Dispatcher,
	directory model.Directory,
	version BuildVersion,
) *EngineService {
	return &EngineService{
		hub:        hub,
		tracker:    tracker,
		presence:   pres,
		typing:     typ,
		limiter:    limiter,
		bus:        bus,
		directory:  directory,
		connBuffer: cfg.Hub.ConnBuffer,
		version:    string(version),
	}
}

// Connect attaches a new session and answers it with the handshake frame.
func (s *EngineService) Connect(ctx context.Context, userID uuid.UUID, device model.DeviceInfo) (registry.Connector, error) {
	conn := registry.NewConnector(ctx, userID, device, s.connBuffer)
	s.hub.Register(conn)

	handshake := &model.ConnectedPayload{
		Ok:            true,
		ConnectionID:  conn.GetID().String(),
		ServerVersion: s.version,
	}
	s.hub.Broadcast(model.NewEvent(model.Connected, userID, model.PriorityUrgent, handshake))
	return conn, nil
}

// Disconnect detaches one session. The hub debounces the offline edge; the
// registry keeps tracking deliveries for recipients reachable elsewhere.
func (s *EngineService) Disconnect(userID, connID uuid.UUID, reason string) {
	s.hub.Unregister(userID, connID)
	_ = reason
}

// Send accepts a fan-out operation. Rejection by admission control mutates
// nothing; a sender typing in the target channel implicitly stops.
func (s *EngineService) Send(ctx context.Context, senderID uuid.UUID, req *delivery.SendRequest) (*model.SendReceipt, error) {
	if !s.limiter.Admit(senderID, ratelimit.ClassMessage) {
		metrics.SendsRateLimited.Inc()
		return nil, model.ErrRateLimited
	}

	s.typing.Stop(senderID, req.Message.ChannelID)

	if len(req.Recipients) == 0 {
		members, err := s.directory.MembersOf(ctx, req.Message.ChannelID)
		if err != nil {
			return nil, fmt.Errorf("engine: resolve recipients: %w", err)
		}
		for _, m := range members {
			if m != senderID {
				req.Recipients = append(req.Recipients, m)
			}
		}
	}

	return s.tracker.Send(ctx, req)
}

// Acknowledge resolves a client delivery ack. When the record lives on
// another instance the ack is replicated through the bus instead.
func (s *EngineService) Acknowledge(ctx context.Context, deliveryID, userID, connID uuid.UUID) {
	if s.tracker.Acknowledge(deliveryID, userID) {
		return
	}
	wire := &pubsub.AckWire{DeliveryID: deliveryID, UserID: userID, ConnID: connID}
	_ = s.bus.Publish(ctx, pubsub.TopicDeliveryAck, wire)
}

// MarkRead advances delivered -> read and routes the receipt to the
// sender, locally and cross-instance.
func (s *EngineService) MarkRead(ctx context.Context, messageID, userID uuid.UUID, readAt int64) error {
	if !s.limiter.Admit(userID, ratelimit.ClassRead) {
		return model.ErrRateLimited
	}

	wire := s.tracker.MarkRead(messageID, userID, readAt)
	if wire == nil {
		// Record owned elsewhere: the owning instance resolves the sender.
		wire = &pubsub.ReadWire{MessageID: messageID, UserID: userID, ReadAt: readAt}
	}
	return s.bus.Publish(ctx, pubsub.TopicDeliveryRead, wire)
}

func (s *EngineService) ElectBatching(userID uuid.UUID, on bool) {
	s.tracker.ElectBatching(userID, on)
}

func (s *EngineService) TypingStart(userID, channelID uuid.UUID) error {
	if !s.limiter.Admit(userID, ratelimit.ClassTyping) {
		return model.ErrRateLimited
	}
	s.typing.Start(userID, channelID)
	return nil
}

func (s *EngineService) TypingStop(userID, channelID uuid.UUID) {
	s.typing.Stop(userID, channelID)
}

func (s *EngineService) SetPresence(ctx context.Context, userID uuid.UUID, status model.Status, activity string) error {
	if !s.limiter.Admit(userID, ratelimit.ClassPresence) {
		return model.ErrRateLimited
	}
	return s.presence.SetStatus(ctx, userID, status, activity)
}

func (s *EngineService) Heartbeat(userID uuid.UUID) {
	s.presence.Heartbeat(userID)
}

func (s *EngineService) Stats() EngineStats {
	return EngineStats{
		Hub:            s.hub.Stats(),
		LiveDeliveries: s.tracker.Records(),
		AvgLatencyMS:   s.tracker.Latency().Milliseconds(),
	}
}

// UserOnline implements registry.TransitionListener: presence first so the
// user shows online before the backlog lands.
func (s *EngineService) UserOnline(userID uuid.UUID) {
	s.presence.UserOnline(userID)
	s.tracker.DeliverBacklog(context.Background(), userID)
}

// UserOffline implements registry.TransitionListener. Fired after the
// debounce, so this is a real departure, not a tab refresh.
func (s *EngineService) UserOffline(userID uuid.UUID) {
	s.typing.StopAll(userID)
	s.presence.UserOffline(userID)
	s.limiter.Forget(userID)
}

// TypingChanged implements typing.Notifier: fan a typing edge out to the
// channel's members, locally and across instances.
func (s *EngineService) TypingChanged(userID, channelID uuid.UUID, started bool) {
	ctx := context.Background()
	members, err := s.directory.MembersOf(ctx, channelID)
	if err != nil || len(members) == 0 {
		return
	}

	kind := model.TypingStopped
	if started {
		kind = model.TypingStarted
	}
	payload := &model.TypingPayload{UserID: userID, ChannelID: channelID}
	for _, m := range members {
		if m == userID {
			continue
		}
		s.hub.Broadcast(model.NewEvent(kind, m, model.PriorityLow, payload))
	}

	wire := &pubsub.TypingWire{UserID: userID, ChannelID: channelID, Members: members, Started: started}
	_ = s.bus.Publish(ctx, pubsub.TopicTyping, wire)
}
