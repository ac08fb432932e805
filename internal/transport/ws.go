package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/prudhvinik1/livesync/internal/errs"
	"github.com/prudhvinik1/livesync/internal/hub"
	"github.com/prudhvinik1/livesync/internal/models"
	"github.com/prudhvinik1/livesync/internal/protocol"
	"github.com/prudhvinik1/livesync/internal/subscriptions"
)

const (
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingPeriod   = (pongWait * 9) / 10
	maxFrameSize = 64 << 10
	sendBuffer   = 256
)

var errConnClosed = errors.New("connection closed")

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// wsConn is one client connection bound to one registry session.
// It is the subscriptions.Sink for every subscription it opens.
type wsConn struct {
	hub       *hub.Hub
	ws        *websocket.Conn
	sessionID string
	userID    string
	logger    *zap.Logger

	send      chan []byte
	closed    chan struct{}
	closeOnce sync.Once
	cancel    context.CancelFunc
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	claims, err := s.hub.Auth.VerifyToken(bearerToken(r))
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid token")
		return
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("ws_upgrade_failed", zap.Error(err))
		return
	}

	s.wg.Add(1)
	defer s.wg.Done()

	sessionID, err := s.hub.Registry.Connect(claims.UserID)
	if err != nil {
		s.logger.Error("session_connect_failed", zap.String("user_id", claims.UserID), zap.Error(err))
		ws.Close()
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &wsConn{
		hub:       s.hub,
		ws:        ws,
		sessionID: sessionID,
		userID:    claims.UserID,
		logger:    s.logger.With(zap.String("session_id", sessionID)),
		send:      make(chan []byte, sendBuffer),
		closed:    make(chan struct{}),
		cancel:    cancel,
	}
	c.logger.Info("session_connected", zap.String("user_id", claims.UserID))
	s.track(c)
	defer s.untrack(c)

	go c.writePump()
	c.enqueue(protocol.ServerFrame{
		Type:        protocol.TypeWelcome,
		SessionID:   sessionID,
		UserID:      claims.UserID,
		HeartbeatMS: s.opts.HeartbeatInterval.Milliseconds(),
	})
	c.readPump(ctx)
	c.shutdown()
}

// shutdown disconnects the session and closes the socket. Safe to call more than once.
func (c *wsConn) shutdown() {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.cancel()
		if err := c.hub.Registry.Disconnect(c.sessionID); err != nil {
			// already evicted by the heartbeat sweep
			c.logger.Warn("session_disconnect_failed", zap.Error(err))
		}
		c.ws.Close()
		c.logger.Info("session_disconnected")
	})
}

func (c *wsConn) enqueue(frame protocol.ServerFrame) error {
	b, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	select {
	case c.send <- b:
		return nil
	case <-c.closed:
		return errConnClosed
	}
}

// closeWith sends frame and then closes the connection once it is written.
func (c *wsConn) closeWith(frame protocol.ServerFrame) {
	if err := c.enqueue(frame); err != nil {
		return
	}
	select {
	case c.send <- nil:
	case <-c.closed:
	}
}

func (c *wsConn) readPump(ctx context.Context) {
	c.ws.SetReadLimit(maxFrameSize)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Warn("ws_read_failed", zap.Error(err))
			}
			return
		}
		c.ws.SetReadDeadline(time.Now().Add(pongWait))

		var frame protocol.ClientFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			c.enqueue(protocol.ServerFrame{Type: protocol.TypeError, Code: protocol.CodeBadRequest, Message: "malformed frame"})
			continue
		}
		if !c.dispatch(ctx, frame) {
			return
		}
	}
}

func (c *wsConn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.shutdown()
	}()

	for {
		select {
		case msg := <-c.send:
			if msg == nil {
				c.ws.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "session expired"),
					time.Now().Add(writeWait))
				return
			}
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.closed:
			c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			return
		}
	}
}

// dispatch handles one client frame and reports whether the connection stays open.
func (c *wsConn) dispatch(ctx context.Context, f protocol.ClientFrame) bool {
	switch f.Type {
	case protocol.TypeHeartbeat:
		status := f.Status
		if status == "" {
			status = models.StatusOnline
		}
		err := c.hub.Registry.Heartbeat(c.sessionID, status)
		if errors.Is(err, errs.ErrUnknownSession) {
			c.logger.Warn("heartbeat_unknown_session")
			c.enqueue(protocol.ErrorFrame(f.Ref, err))
			return false
		}
		if err != nil {
			c.enqueue(protocol.ErrorFrame(f.Ref, err))
		}

	case protocol.TypeSubscribe:
		go c.subscribe(ctx, f)

	case protocol.TypeUnsubscribe:
		if sub, ok := c.hub.Subscriptions.Lookup(c.sessionID, f.Subscription); ok {
			c.hub.Subscriptions.Unsubscribe(sub)
		}
		c.enqueue(protocol.ServerFrame{Type: protocol.TypeUnsubscribed, Ref: f.Ref, Subscription: f.Subscription})

	case protocol.TypeWrite:
		rec, err := c.hub.Writes.Write(ctx, c.sessionID, c.userID, f.WriteRequest)
		if err != nil {
			c.enqueue(protocol.ErrorFrame(f.Ref, err))
			return true
		}
		c.enqueue(protocol.ServerFrame{Type: protocol.TypeAck, Ref: f.Ref, Record: rec})

	default:
		c.enqueue(protocol.ServerFrame{Type: protocol.TypeError, Ref: f.Ref, Code: protocol.CodeBadRequest, Message: "unknown frame type"})
	}
	return true
}

func (c *wsConn) subscribe(ctx context.Context, f protocol.ClientFrame) {
	sub, err := c.hub.Subscriptions.Subscribe(ctx, c.sessionID, f.Topic, f.Since, c)
	if err != nil {
		if errors.Is(err, errs.ErrUnknownSession) {
			c.logger.Warn("subscribe_unknown_session", zap.String("topic", f.Topic))
		}
		frame := protocol.ErrorFrame(f.Ref, err)
		frame.Topic = f.Topic
		c.enqueue(frame)
		return
	}
	c.enqueue(protocol.ServerFrame{
		Type:         protocol.TypeSubscribed,
		Ref:          f.Ref,
		Subscription: sub.ID,
		Topic:        sub.Topic,
		Head:         sub.Head,
		Replayed:     sub.Replayed,
	})
}

// Deliver implements subscriptions.Sink.
func (c *wsConn) Deliver(sub *subscriptions.Subscription, ev models.ChangeEvent) error {
	return c.enqueue(protocol.ServerFrame{
		Type:         protocol.TypeEvent,
		Subscription: sub.ID,
		Topic:        ev.Topic,
		Event:        &ev,
	})
}

// Closed implements subscriptions.Sink. Only server-side closes are reported to the client.
func (c *wsConn) Closed(sub *subscriptions.Subscription, reason error) {
	if reason == nil || errors.Is(reason, errConnClosed) {
		return
	}
	c.logger.Info("subscription_closed", zap.String("subscription_id", sub.ID), zap.String("topic", sub.Topic), zap.Error(reason))
	frame := protocol.ErrorFrame("", reason)
	frame.Subscription = sub.ID
	frame.Topic = sub.Topic
	c.enqueue(frame)
}
