package signaling

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/kaungkhant-thar/chat-app/internal/auth"
	"github.com/kaungkhant-thar/chat-app/internal/config"
	"github.com/kaungkhant-thar/chat-app/internal/metrics"
	"github.com/kaungkhant-thar/chat-app/internal/origin"
	"github.com/kaungkhant-thar/chat-app/internal/ratelimit"
)

const wsWriteWait = 1 * time.Second

// Hub owns the WebSocket endpoint: it authenticates connects, registers
// handles in the presence directory, broadcasts user-status transitions and
// relays call signaling between live connections.
//
// The relay performs no call-state validation. It is a directory plus a pipe;
// call legality lives entirely in the client-side coordinator.
type Hub struct {
	cfg      config.Config
	verifier auth.Verifier
	logger   *slog.Logger
	metrics  *metrics.Metrics
	registry *Registry
	upgrader websocket.Upgrader

	// clock feeds per-connection rate limiters; injectable for tests.
	clock ratelimit.Clock
}

func NewHub(cfg config.Config, verifier auth.Verifier, logger *slog.Logger, m *metrics.Metrics) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	if m == nil {
		m = metrics.New()
	}
	h := &Hub{
		cfg:      cfg,
		verifier: verifier,
		logger:   logger,
		metrics:  m,
		registry: NewRegistry(),
		clock:    ratelimit.RealClock{},
	}
	h.upgrader = websocket.Upgrader{
		CheckOrigin: h.checkOrigin,
	}
	return h
}

// Close shuts down every live connection. Used on server shutdown; new
// upgrades racing with Close are shut down by their own read loop exit.
func (h *Hub) Close() {
	for _, link := range h.registry.drainAll() {
		link.shutdown("server shutting down")
	}
}

// Registry exposes the presence directory, mainly for readiness reporting.
func (h *Hub) Registry() *Registry {
	return h.registry
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	originHeader := r.Header.Get("Origin")
	if originHeader == "" {
		// Non-browser clients (the CLI, tests) send no Origin.
		return true
	}
	normalized, host, ok := origin.NormalizeHeader(originHeader)
	if !ok {
		return false
	}
	return origin.IsAllowed(normalized, host, r.Host, h.cfg.AllowedOrigins)
}

// ServeHTTP handles GET /ws. The bearer token is verified before the
// connection is registered: a bad token never creates a registry entry.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var identity auth.Identity
	token, err := auth.TokenFromRequest(r)
	if err == nil {
		identity, err = h.verifier.Verify(token)
	}
	if err != nil {
		h.metrics.Inc(metrics.AuthFailures)
		h.logger.Warn("signaling auth failed", "remote", r.RemoteAddr, "err", err)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	c := &wsConn{
		hub:         h,
		conn:        conn,
		userID:      identity.UserID,
		transportID: uuid.New(),
		limiter:     ratelimit.NewTokenBucket(h.clock, int64(h.cfg.MaxSignalingMessagesPerSecond), int64(h.cfg.MaxSignalingMessagesPerSecond)),
		logger:      h.logger.With("userId", identity.UserID),
	}
	c.run()
}

// PushToUser delivers an opaque chat event to the user's live connection on
// behalf of the chat service. Best effort: returns false when the user is
// offline or delivery fails.
func (h *Hub) PushToUser(userID string, event Event, payload json.RawMessage) bool {
	env := Envelope{Event: event, Payload: payload}
	if err := env.Validate(); err != nil {
		h.logger.Warn("chat push rejected", "userId", userID, "err", err)
		return false
	}
	link, ok := h.registry.Lookup(userID)
	if !ok {
		return false
	}
	if err := link.deliver(env); err != nil {
		return false
	}
	h.metrics.Inc(metrics.ChatPushed)
	return true
}

func (h *Hub) broadcastStatus(userID, status string) {
	env := Envelope{Event: EventUserStatus, UserID: userID, Status: status}
	for _, link := range h.registry.forEachExcept(userID) {
		_ = link.deliver(env)
	}
	h.metrics.Inc(metrics.PresenceBroadcasts)
}

// relay forwards an inbound call event to its target with the sender identity
// injected. Absent targets are a silent drop.
func (h *Hub) relay(fromUserID string, env Envelope) {
	target, ok := h.registry.Lookup(env.ToUserID)
	if !ok {
		h.metrics.Inc(metrics.RelayDropTargetAway)
		h.logger.Debug("relay target offline", "event", env.Event, "toUserId", env.ToUserID)
		return
	}

	out := env
	out.Event = env.Event.Relayed()
	out.ToUserID = ""
	out.FromUserID = fromUserID

	if err := target.deliver(out); err != nil {
		h.logger.Debug("relay delivery failed", "event", out.Event, "toUserId", env.ToUserID, "err", err)
		return
	}
	h.metrics.Inc(metrics.RelayDelivered)
}

// wsConn is one registered connection. Writes from the relay, presence
// broadcasts and chat pushes race, so every write goes through writeMu with a
// deadline.
type wsConn struct {
	hub         *Hub
	conn        *websocket.Conn
	userID      string
	transportID uuid.UUID
	limiter     *ratelimit.TokenBucket
	logger      *slog.Logger

	writeMu   sync.Mutex
	closeOnce sync.Once
}

func (c *wsConn) run() {
	defer c.close()

	superseded, cameOnline := c.hub.registry.Register(c.userID, c.transportID, c)
	if superseded != nil {
		c.hub.metrics.Inc(metrics.PresenceSuperseded)
		superseded.shutdown("superseded by newer connection")
	}
	c.hub.metrics.Inc(metrics.PresenceRegistered)
	if cameOnline {
		c.hub.broadcastStatus(c.userID, StatusOnline)
	}
	defer func() {
		if c.hub.registry.Unregister(c.userID, c.transportID) {
			c.hub.metrics.Inc(metrics.PresenceUnregistered)
			c.hub.broadcastStatus(c.userID, StatusOffline)
		}
	}()

	c.conn.SetReadLimit(c.hub.cfg.MaxSignalingMessageBytes)

	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			if errors.Is(err, websocket.ErrReadLimit) {
				c.hub.metrics.Inc(metrics.RelayDropOversized)
				c.logger.Warn("dropping oversized signaling message", "limit", c.hub.cfg.MaxSignalingMessageBytes)
			}
			return
		}
		// Rate limit after reading so bytes already in the TCP receive buffer
		// are consumed; closing with unread data can turn into an abortive
		// close and hide the close code from the client.
		if !c.limiter.Allow(1) {
			c.hub.metrics.Inc(metrics.RelayDropRateLimited)
			c.shutdown("rate limit exceeded")
			return
		}
		if msgType != websocket.TextMessage {
			c.dropMalformed("binary message")
			continue
		}

		env, err := ParseEnvelope(data)
		if err != nil {
			c.dropMalformed(err.Error())
			continue
		}
		if !env.Event.IsCallEvent() || env.ToUserID == "" {
			c.dropMalformed("unexpected event " + string(env.Event))
			continue
		}
		if env.ToUserID == c.userID {
			c.dropMalformed("self-addressed " + string(env.Event))
			continue
		}
		// Sender identity is never trusted from the payload.
		env.FromUserID = ""

		c.hub.relay(c.userID, env)
	}
}

// dropMalformed implements the protocol-error policy: drop, log, count, keep
// the connection.
func (c *wsConn) dropMalformed(detail string) {
	c.hub.metrics.Inc(metrics.RelayDropMalformed)
	c.logger.Warn("dropping malformed signaling message", "detail", detail)
}

func (c *wsConn) deliver(env Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *wsConn) shutdown(reason string) {
	c.writeMu.Lock()
	_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason), time.Now().Add(wsWriteWait))
	c.writeMu.Unlock()
	c.close()
}

func (c *wsConn) close() {
	c.closeOnce.Do(func() {
		_ = c.conn.Close()
	})
}
