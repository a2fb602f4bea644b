package signaling

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"
)

// ClientHandler receives server → client events. Callbacks run on the
// client's read loop; implementations must not block for long.
type ClientHandler interface {
	HandleIncomingCall(fromUserID string, offer webrtc.SessionDescription, kind MediaKind)
	HandleCallAnswered(fromUserID string, answer webrtc.SessionDescription)
	HandleRemoteCandidate(fromUserID string, cand webrtc.ICECandidateInit)
	HandleEndCall(fromUserID string)
	HandleUserStatus(userID, status string)
	HandleChat(event Event, payload json.RawMessage)
	// HandleDisconnect fires once when the read loop exits. err is nil on a
	// locally initiated Close.
	HandleDisconnect(err error)
}

// Client is the client-side signaling transport: one WebSocket to the server,
// typed send methods for the four call events and a read loop dispatching to
// a ClientHandler.
type Client struct {
	conn    *websocket.Conn
	logger  *slog.Logger
	handler ClientHandler

	writeMu   sync.Mutex
	closeOnce sync.Once
	closed    chan struct{}
}

// Dial connects and authenticates against the signaling server. The bearer
// token rides in the Authorization header.
func Dial(ctx context.Context, serverURL, token string, handler ClientHandler, logger *slog.Logger) (*Client, error) {
	if handler == nil {
		return nil, fmt.Errorf("handler is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, serverURL, header)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, fmt.Errorf("signaling dial: %w: %w", ErrUnauthorized, err)
		}
		return nil, fmt.Errorf("signaling dial: %w", err)
	}

	c := &Client{
		conn:    conn,
		logger:  logger,
		handler: handler,
		closed:  make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// ErrUnauthorized marks a dial rejected by the server's auth check.
var ErrUnauthorized = fmt.Errorf("unauthorized")

func (c *Client) readLoop() {
	var loopErr error
	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			select {
			case <-c.closed:
				// Locally initiated close.
			default:
				loopErr = err
			}
			break
		}
		if msgType != websocket.TextMessage {
			c.logger.Warn("ignoring non-text signaling message")
			continue
		}

		env, err := ParseEnvelope(data)
		if err != nil {
			c.logger.Warn("ignoring malformed signaling message", "err", err)
			continue
		}
		c.dispatch(env)
	}
	c.handler.HandleDisconnect(loopErr)
}

func (c *Client) dispatch(env Envelope) {
	switch env.Event {
	case EventIncomingCall:
		offer, err := env.Offer.ToPion()
		if err != nil {
			c.logger.Warn("ignoring incoming-call with bad offer", "err", err)
			return
		}
		c.handler.HandleIncomingCall(env.FromUserID, offer, env.Kind)
	case EventCallAnswered:
		answer, err := env.Answer.ToPion()
		if err != nil {
			c.logger.Warn("ignoring call-answered with bad answer", "err", err)
			return
		}
		c.handler.HandleCallAnswered(env.FromUserID, answer)
	case EventICECandidate:
		c.handler.HandleRemoteCandidate(env.FromUserID, env.Candidate.ToPion())
	case EventEndCall:
		c.handler.HandleEndCall(env.FromUserID)
	case EventUserStatus:
		c.handler.HandleUserStatus(env.UserID, env.Status)
	case EventChatMessage, EventChatReaction:
		c.handler.HandleChat(env.Event, env.Payload)
	case EventError:
		c.logger.Warn("server reported error", "code", env.Code, "message", env.Message)
	default:
		c.logger.Warn("ignoring unexpected event", "event", env.Event)
	}
}

func (c *Client) StartCall(toUserID string, offer webrtc.SessionDescription, kind MediaKind) error {
	sdp := SDPFromPion(offer)
	return c.send(Envelope{Event: EventStartCall, ToUserID: toUserID, Offer: &sdp, Kind: kind})
}

func (c *Client) AnswerCall(toUserID string, answer webrtc.SessionDescription) error {
	sdp := SDPFromPion(answer)
	return c.send(Envelope{Event: EventAnswerCall, ToUserID: toUserID, Answer: &sdp})
}

func (c *Client) SendCandidate(toUserID string, cand webrtc.ICECandidateInit) error {
	wire := CandidateFromPion(cand)
	return c.send(Envelope{Event: EventICECandidate, ToUserID: toUserID, Candidate: &wire})
}

func (c *Client) EndCall(toUserID string) error {
	return c.send(Envelope{Event: EventEndCall, ToUserID: toUserID})
}

func (c *Client) send(env Envelope) error {
	if err := env.Validate(); err != nil {
		return fmt.Errorf("invalid signaling message: %w", err)
	}
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// Close tears the transport down. Idempotent; the handler still receives its
// HandleDisconnect callback.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		c.writeMu.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(wsWriteWait))
		c.writeMu.Unlock()
		err = c.conn.Close()
	})
	return err
}
