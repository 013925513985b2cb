package avatarkit

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"

	"github.com/carebridge-ai/avatarkit/shared"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

type ChannelState int

const (
	ChannelStateConnecting ChannelState = iota
	ChannelStateOpen
	ChannelStateClosed
	ChannelStateErrored
)

func (s ChannelState) String() string {
	switch s {
	case ChannelStateConnecting:
		return "connecting"
	case ChannelStateOpen:
		return "open"
	case ChannelStateClosed:
		return "closed"
	case ChannelStateErrored:
		return "errored"
	default:
		return "unknown"
	}
}

type MessageHandler func(msg *ServerMessage)
type BinaryHandler func(audio []byte)
type CloseHandler func(err error)

// ControlChannel is the persistent duplex message channel to the conversation
// backend. One channel serves one session; it does not reconnect on its own.
type ControlChannel struct {
	logger  shared.LoggerAdapter
	baseURL *url.URL
	dialer  *websocket.Dialer

	mu    sync.Mutex
	conn  *websocket.Conn
	state ChannelState

	mh MessageHandler
	bh BinaryHandler
	ch CloseHandler

	ctx    context.Context
	cancel context.CancelCauseFunc
}

// NewControlChannel prepares a channel against the backend base URL
// (ws:// or wss://). The per-session endpoint is derived in Connect.
func NewControlChannel(logger shared.LoggerAdapter, baseURL string) (*ControlChannel, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parsing backend URL: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, fmt.Errorf("unsupported backend URL scheme %q", u.Scheme)
	}
	return &ControlChannel{
		logger:  logger,
		baseURL: u,
		dialer:  websocket.DefaultDialer,
		state:   ChannelStateConnecting,
	}, nil
}

func (c *ControlChannel) RegisterMessageHandler(handler MessageHandler) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		return shared.ErrConnectionFailed
	}
	if c.mh != nil {
		return shared.ErrHandlerAlreadySet
	}
	if handler == nil {
		return errors.New("handler is required")
	}
	c.mh = handler
	return nil
}

func (c *ControlChannel) RegisterBinaryHandler(handler BinaryHandler) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		return shared.ErrConnectionFailed
	}
	if c.bh != nil {
		return shared.ErrHandlerAlreadySet
	}
	if handler == nil {
		return errors.New("handler is required")
	}
	c.bh = handler
	return nil
}

// RegisterCloseHandler sets the callback invoked once when the channel leaves
// the open state because of a remote close or transport error. The channel
// never retries silently; the caller decides what to surface.
func (c *ControlChannel) RegisterCloseHandler(handler CloseHandler) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		return shared.ErrConnectionFailed
	}
	if c.ch != nil {
		return shared.ErrHandlerAlreadySet
	}
	if handler == nil {
		return errors.New("handler is required")
	}
	c.ch = handler
	return nil
}

// Connect dials the per-session endpoint and starts the read loop. A message
// handler must be registered first.
func (c *ControlChannel) Connect(ctx context.Context, sessionID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		return errors.New("channel already connected")
	}
	if c.mh == nil {
		return shared.ErrNoMessageHandler
	}
	if sessionID == "" {
		return errors.New("session id is required")
	}
	endpoint := c.baseURL.JoinPath("ws", sessionID)
	conn, _, err := c.dialer.DialContext(ctx, endpoint.String(), nil)
	if err != nil {
		c.state = ChannelStateErrored
		return fmt.Errorf("%w: dialing %s: %v", shared.ErrConnectionFailed, endpoint, err)
	}
	c.conn = conn
	c.state = ChannelStateOpen
	c.ctx, c.cancel = context.WithCancelCause(ctx)
	c.logger.Info("control channel open", zap.String("endpoint", endpoint.String()))
	go c.readLoop(conn)
	return nil
}

// readLoop delivers inbound frames in receipt order. A single goroutine reads
// the socket, so dispatch order matches sender order.
func (c *ControlChannel) readLoop(conn *websocket.Conn) {
	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			c.finish(err)
			return
		}
		switch kind {
		case websocket.BinaryMessage:
			if c.bh != nil {
				c.bh(data)
			}
		case websocket.TextMessage:
			msg, err := DecodeServerMessage(data)
			if err != nil {
				// Malformed or unknown frames are dropped, never fatal.
				c.logger.Warn(
					"dropping unrecognized control message",
					zap.Error(err),
					zap.ByteString("data", data),
				)
				continue
			}
			c.mh(msg)
		default:
			c.logger.Debug("ignoring control frame", zap.Int("kind", kind))
		}
	}
}

func (c *ControlChannel) finish(err error) {
	c.mu.Lock()
	if c.state != ChannelStateOpen {
		c.mu.Unlock()
		return
	}
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		c.state = ChannelStateClosed
		err = nil
	} else {
		c.state = ChannelStateErrored
	}
	handler := c.ch
	if c.cancel != nil {
		c.cancel(err)
	}
	c.mu.Unlock()
	if err != nil {
		c.logger.Error("control channel transport error", err)
	} else {
		c.logger.Info("control channel closed by remote")
	}
	if handler != nil {
		handler(err)
	}
}

// SendAudio sends one captured utterance as a single binary frame.
func (c *ControlChannel) SendAudio(audio []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != ChannelStateOpen {
		return shared.ErrChannelNotOpen
	}
	if err := c.conn.WriteMessage(websocket.BinaryMessage, audio); err != nil {
		return fmt.Errorf("writing audio frame: %w", err)
	}
	return nil
}

// SendSpeakText sends a speak_text command. Fire-and-forget: a nil return
// only means the frame was handed to the transport.
func (c *ControlChannel) SendSpeakText(text string) error {
	payload, err := NewSpeakTextCommand(text).Encode()
	if err != nil {
		return fmt.Errorf("encoding speak_text command: %w", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != ChannelStateOpen {
		return shared.ErrChannelNotOpen
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		return fmt.Errorf("writing speak_text command: %w", err)
	}
	return nil
}

func (c *ControlChannel) State() ChannelState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *ControlChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		c.state = ChannelStateClosed
		return nil
	}
	if c.state == ChannelStateOpen {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session ended")
		if err := c.conn.WriteMessage(websocket.CloseMessage, msg); err != nil {
			c.logger.Debug("writing close frame", zap.Error(err))
		}
	}
	err := c.conn.Close()
	c.conn = nil
	c.state = ChannelStateClosed
	if c.cancel != nil {
		c.cancel(errors.New("channel closed"))
		c.cancel = nil
	}
	return err
}
