// Package ws is the transport boundary: one WebSocket per session, a write
// pump fed by the hub and a read loop feeding client frames back into the
// engine.
package ws

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/webitel/im-realtime-engine/internal/delivery"
	"github.com/webitel/im-realtime-engine/internal/domain/model"
	wsmarshaller "github.com/webitel/im-realtime-engine/internal/handler/marshaller/ws"
	"github.com/webitel/im-realtime-engine/internal/service"
)

const writeTimeout = 10 * time.Second

type WSHandler struct {
	logger   *slog.Logger
	engine   service.Engine
	upgrader websocket.Upgrader
}

func NewWSHandler(logger *slog.Logger, engine service.Engine) *WSHandler {
	return &WSHandler{
		logger: logger,
		engine: engine,
		upgrader: websocket.Upgrader{
			HandshakeTimeout: 10 * time.Second,
			// Auth and origin policy live in the gateway in front of us.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// session serializes writes: the pump and read-loop replies share the
// socket, and gorilla allows one concurrent writer only.
type session struct {
	sock *websocket.Conn
	mu   sync.Mutex
}

func (s *session) write(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sock.SetWriteDeadline(time.Now().Add(writeTimeout))
	return s.sock.WriteMessage(websocket.TextMessage, data)
}

func (h *WSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// Session issuance is external; the gateway forwards the authenticated
	// user id.
	userID, err := uuid.Parse(r.Header.Get("X-User-ID"))
	if err != nil {
		http.Error(w, "missing or invalid user id", http.StatusUnauthorized)
		return
	}

	device := model.DeviceInfo{
		Platform:  r.URL.Query().Get("platform"),
		Version:   r.URL.Query().Get("version"),
		RemoteIP:  r.RemoteAddr,
		UserAgent: r.UserAgent(),
	}

	sock, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("ws upgrade failed", "user_id", userID, "err", err)
		return
	}
	defer sock.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	conn, err := h.engine.Connect(ctx, userID, device)
	if err != nil {
		return
	}
	// Detach from the hub first, then recycle the connector (defers run in
	// reverse), so no cell can route to a closed session.
	defer conn.Close()
	defer h.engine.Disconnect(userID, conn.GetID(), model.ErrTransport.Error())

	sess := &session{sock: sock}
	go h.writePump(ctx, cancel, sess, conn.Recv())
	h.readLoop(ctx, sess, userID, conn.GetID())
}

// writePump drains the hub mailbox onto the socket.
func (h *WSHandler) writePump(ctx context.Context, cancel context.CancelFunc, sess *session, recv <-chan model.Eventer) {
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-recv:
			if !ok {
				return
			}
			data, err := wsmarshaller.Marshal(ev)
			if err != nil {
				h.logger.Error("ws marshal failed", "event_id", ev.GetID(), "err", err)
				continue
			}
			if err := sess.write(data); err != nil {
				h.logger.Warn("ws write failed", "err", err)
				return
			}
		}
	}
}

// readLoop feeds inbound client frames into the engine. A read error is a
// transport fault, treated as an implicit disconnect.
func (h *WSHandler) readLoop(ctx context.Context, sess *session, userID, connID uuid.UUID) {
	for {
		_, raw, err := sess.sock.ReadMessage()
		if err != nil {
			return
		}

		frame, err := wsmarshaller.Decode(raw)
		if err != nil {
			h.logger.Warn("ws bad frame", "user_id", userID, "err", err)
			continue
		}
		h.handleFrame(ctx, sess, userID, connID, frame)
	}
}

func (h *WSHandler) handleFrame(ctx context.Context, sess *session, userID, connID uuid.UUID, frame *wsmarshaller.ClientFrame) {
	switch frame.Type {
	case "send":
		data, err := wsmarshaller.DecodeData[wsmarshaller.ClientSend](frame)
		if err != nil {
			h.logger.Warn("ws bad send frame", "user_id", userID, "err", err)
			return
		}
		h.handleSend(ctx, sess, userID, data)

	case "ack":
		if data, err := wsmarshaller.DecodeData[wsmarshaller.ClientAck](frame); err == nil {
			h.engine.Acknowledge(ctx, data.DeliveryID, userID, connID)
		}

	case "read":
		if data, err := wsmarshaller.DecodeData[wsmarshaller.ClientRead](frame); err == nil {
			_ = h.engine.MarkRead(ctx, data.MessageID, userID, data.ReadAt)
		}

	case "typing_start":
		if data, err := wsmarshaller.DecodeData[wsmarshaller.ClientTyping](frame); err == nil {
			_ = h.engine.TypingStart(userID, data.ChannelID)
		}

	case "typing_stop":
		if data, err := wsmarshaller.DecodeData[wsmarshaller.ClientTyping](frame); err == nil {
			h.engine.TypingStop(userID, data.ChannelID)
		}

	case "presence":
		if data, err := wsmarshaller.DecodeData[wsmarshaller.ClientPresence](frame); err == nil {
			_ = h.engine.SetPresence(ctx, userID, model.Status(data.Status), data.Activity)
		}

	case "heartbeat":
		h.engine.Heartbeat(userID)

	case "batch":
		if data, err := wsmarshaller.DecodeData[wsmarshaller.ClientBatchElect](frame); err == nil {
			h.engine.ElectBatching(userID, data.Enabled)
		}

	default:
		h.logger.Warn("ws unknown frame type", "user_id", userID, "type", frame.Type)
	}
}

func (h *WSHandler) handleSend(ctx context.Context, sess *session, userID uuid.UUID, data *wsmarshaller.ClientSend) {
	msgType := data.Type
	if msgType == "" {
		msgType = "text"
	}
	req := &delivery.SendRequest{
		Message: &model.Message{
			ID:        uuid.New(),
			ChannelID: data.ChannelID,
			SenderID:  userID,
			Type:      msgType,
			Text:      data.Text,
			CreatedAt: time.Now().UnixMilli(),
			Metadata:  data.Metadata,
		},
		Recipients:       data.Recipients,
		IdempotencyToken: data.IdempotencyToken,
		Priority:         model.ParsePriority(data.Priority),
		TTL:              time.Duration(data.TTLMillis) * time.Millisecond,
	}

	receipt, err := h.engine.Send(ctx, userID, req)
	if err != nil {
		if reply, merr := wsmarshaller.MarshalError(err.Error()); merr == nil {
			_ = sess.write(reply)
		}
		return
	}

	if reply, err := wsmarshaller.MarshalReceipt(receipt); err == nil {
		_ = sess.write(reply)
	}
}
