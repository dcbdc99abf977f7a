package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/webitel/im-realtime-engine/internal/delivery"
	"github.com/webitel/im-realtime-engine/internal/domain/model"
	"github.com/webitel/im-realtime-engine/internal/domain/registry"
)

// engineMiddleware adds structured logging around the transport-facing
// surface. Rate-limit rejections log at debug; they are expected flow.
type engineMiddleware struct {
	next   Engine
	logger *slog.Logger
}

var _ Engine = (*engineMiddleware)(nil)

func (m *engineMiddleware) Connect(ctx context.Context, userID uuid.UUID, device model.DeviceInfo) (registry.Connector, error) {
	conn, err := m.next.Connect(ctx, userID, device)
	if err != nil {
		m.logger.Error("connect failed", "user_id", userID, "err", err)
		return nil, err
	}
	m.logger.Info("session connected",
		"user_id", userID,
		"conn_id", conn.GetID(),
		"platform", device.Platform)
	return conn, nil
}

func (m *engineMiddleware) Disconnect(userID, connID uuid.UUID, reason string) {
	m.logger.Info("session disconnected", "user_id", userID, "conn_id", connID, "reason", reason)
	m.next.Disconnect(userID, connID, reason)
}

func (m *engineMiddleware) Send(ctx context.Context, senderID uuid.UUID, req *delivery.SendRequest) (*model.SendReceipt, error) {
	start := time.Now()
	receipt, err := m.next.Send(ctx, senderID, req)

	switch {
	case errors.Is(err, model.ErrRateLimited):
		m.logger.Debug("send rate limited", "sender_id", senderID)
	case err != nil:
		m.logger.Error("send failed", "sender_id", senderID, "err", err)
	default:
		m.logger.Debug("send accepted",
			"delivery_id", receipt.DeliveryID,
			"sender_id", senderID,
			"pending", len(receipt.PendingRecipients),
			"offline", len(receipt.OfflineRecipients),
			"duplicate", receipt.Duplicate,
			"duration_ms", time.Since(start).Milliseconds())
	}
	return receipt, err
}

func (m *engineMiddleware) Acknowledge(ctx context.Context, deliveryID, userID, connID uuid.UUID) {
	m.next.Acknowledge(ctx, deliveryID, userID, connID)
}

func (m *engineMiddleware) MarkRead(ctx context.Context, messageID, userID uuid.UUID, readAt int64) error {
	err := m.next.MarkRead(ctx, messageID, userID, readAt)
	if err != nil && !errors.Is(err, model.ErrRateLimited) {
		m.logger.Error("mark read failed", "message_id", messageID, "user_id", userID, "err", err)
	}
	return err
}

func (m *engineMiddleware) ElectBatching(userID uuid.UUID, on bool) {
	m.next.ElectBatching(userID, on)
}

func (m *engineMiddleware) TypingStart(userID, channelID uuid.UUID) error {
	return m.next.TypingStart(userID, channelID)
}

func (m *engineMiddleware) TypingStop(userID, channelID uuid.UUID) {
	m.next.TypingStop(userID, channelID)
}

func (m *engineMiddleware) SetPresence(ctx context.Context, userID uuid.UUID, status model.Status, activity string) error {
	err := m.next.SetPresence(ctx, userID, status, activity)
	if err != nil && !errors.Is(err, model.ErrRateLimited) {
		m.logger.Warn("presence update rejected", "user_id", userID, "status", status, "err", err)
	}
	return err
}

func (m *engineMiddleware) Heartbeat(userID uuid.UUID) {
	m.next.Heartbeat(userID)
}

func (m *engineMiddleware) Stats() EngineStats {
	return m.next.Stats()
}
