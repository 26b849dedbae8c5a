// Package channel maintains the client side of the notification socket: reconnecting transport,
// per-user room join and event handler registry.
package channel

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/ecocart/groupnotify/internal/protocol"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const defaultReconnectDelay = 2 * time.Second

var (
	// ErrNotConnected indicates a send attempted while the transport is down.
	ErrNotConnected = errors.New("channel: not connected")
	// ErrMissingUserID indicates a room join without a user id.
	ErrMissingUserID = errors.New("channel: user id is required")
	// ErrAlreadyStarted indicates Start called twice without Close.
	ErrAlreadyStarted = errors.New("channel: already started")

	errMissingDialer = errors.New("channel: dialer is required")
)

// Handler consumes one inbound frame.
type Handler func(protocol.Envelope)

// Config configures a Connection.
type Config struct {
	Dialer Dialer
	Logger *zap.Logger
	// ReconnectDelay is the minimum spacing between dial attempts.
	ReconnectDelay time.Duration
}

// Connection is one client connection serving exactly one user id at a time.
type Connection struct {
	id      string
	dialer  Dialer
	logger  *zap.Logger
	limiter *rate.Limiter

	handlersMu sync.RWMutex
	handlers   map[string]Handler

	stateMu sync.Mutex
	conn    Conn
	userID  string
	joined  bool

	writeMu sync.Mutex

	lifecycleMu sync.Mutex
	cancel      context.CancelFunc
	done        chan struct{}
}

// New validates cfg and returns an idle Connection. Call Start to begin dialing.
func New(cfg Config) (*Connection, error) {
	if cfg.Dialer == nil {
		return nil, errMissingDialer
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	delay := cfg.ReconnectDelay
	if delay <= 0 {
		delay = defaultReconnectDelay
	}
	id := uuid.NewString()
	return &Connection{
		id:       id,
		dialer:   cfg.Dialer,
		logger:   logger.With(zap.String("connection_id", id)),
		limiter:  rate.NewLimiter(rate.Every(delay), 1),
		handlers: make(map[string]Handler),
	}, nil
}

// Start dials in the background and keeps the transport up until ctx ends or Close is called.
func (c *Connection) Start(ctx context.Context) error {
	c.lifecycleMu.Lock()
	defer c.lifecycleMu.Unlock()
	if c.cancel != nil {
		return ErrAlreadyStarted
	}
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})
	go c.run(runCtx, c.done)
	return nil
}

// Close stops reconnecting, closes the transport and waits for the read loop to exit.
func (c *Connection) Close() error {
	c.lifecycleMu.Lock()
	cancel, done := c.cancel, c.done
	c.cancel, c.done = nil, nil
	c.lifecycleMu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()

	c.stateMu.Lock()
	conn := c.conn
	c.stateMu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
	<-done
	return nil
}

// Connect joins the room of userID. When the transport is down the join is deferred until it
// connects. Repeated calls for an already joined user are no-ops.
func (c *Connection) Connect(userID string) error {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return ErrMissingUserID
	}

	c.stateMu.Lock()
	if c.userID == userID && c.joined {
		c.stateMu.Unlock()
		return nil
	}
	c.userID = userID
	conn := c.conn
	if conn == nil {
		c.joined = false
		c.stateMu.Unlock()
		c.logger.Debug("room join deferred until connected", zap.String("user_id", userID))
		return nil
	}
	c.joined = true
	c.stateMu.Unlock()

	return c.join(conn, userID)
}

// Connected reports whether the transport is currently up.
func (c *Connection) Connected() bool {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.conn != nil
}

// Joined reports whether the room join has been sent on the current transport session.
func (c *Connection) Joined() bool {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.joined
}

// Send writes one event. It does not wait for any response.
func (c *Connection) Send(event string, payload any) error {
	c.stateMu.Lock()
	conn := c.conn
	c.stateMu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	return c.write(conn, event, payload)
}

// On registers the handler for event, replacing any previous one. A nil handler unregisters.
func (c *Connection) On(event string, handler Handler) {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()
	if handler == nil {
		delete(c.handlers, event)
		return
	}
	c.handlers[event] = handler
}

// Off unregisters the handler for event.
func (c *Connection) Off(event string) {
	c.On(event, nil)
}

// OnPreviousNotifications registers the bulk snapshot handler.
func (c *Connection) OnPreviousNotifications(handler func(protocol.PreviousNotificationPayload)) {
	c.On(protocol.EventPreviousNotification, func(envelope protocol.Envelope) {
		var payload protocol.PreviousNotificationPayload
		if err := envelope.Decode(&payload); err != nil {
			c.rejectPayload(envelope.Event, err)
			return
		}
		handler(payload)
	})
}

// OnIncomingNotification registers the incremental group push handler. Single and batched
// payloads are both delivered as a slice.
func (c *Connection) OnIncomingNotification(handler func([]protocol.GroupNotification)) {
	c.On(protocol.EventReceiveNotification, func(envelope protocol.Envelope) {
		var payload protocol.ReceiveNotificationPayload
		if err := envelope.Decode(&payload); err != nil {
			c.rejectPayload(envelope.Event, err)
			return
		}
		handler(payload.Notification)
	})
}

// OnReadAck registers the acknowledgement handler for kind. The ack body is informational only.
func (c *Connection) OnReadAck(kind protocol.ReadKind, handler func()) {
	event := kind.AckEvent()
	if event == "" {
		return
	}
	c.On(event, func(protocol.Envelope) {
		handler()
	})
}

// OnMemberJoined registers the handler for another member joining one of the user's groups.
func (c *Connection) OnMemberJoined(handler func(protocol.MemberJoinedPayload)) {
	c.On(protocol.EventMemberJoinedGroup, func(envelope protocol.Envelope) {
		var payload protocol.MemberJoinedPayload
		if err := envelope.Decode(&payload); err != nil {
			c.rejectPayload(envelope.Event, err)
			return
		}
		handler(payload)
	})
}

func (c *Connection) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		if err := c.limiter.Wait(ctx); err != nil {
			return
		}
		conn, err := c.dialer.Dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.logger.Warn("channel dial failed", zap.Error(err))
			continue
		}

		stopWatch := context.AfterFunc(ctx, func() {
			_ = conn.Close()
		})
		c.attach(conn)
		readErr := c.readLoop(conn)
		c.detach(conn)
		stopWatch()
		_ = conn.Close()

		if ctx.Err() != nil {
			c.logger.Debug("channel closed")
			return
		}
		c.logger.Warn("channel connection lost", zap.Error(readErr))
	}
}

func (c *Connection) attach(conn Conn) {
	c.stateMu.Lock()
	c.conn = conn
	userID := c.userID
	c.joined = userID != ""
	c.stateMu.Unlock()

	c.logger.Info("channel connected")
	if userID == "" {
		return
	}
	if err := c.join(conn, userID); err != nil {
		c.logger.Warn("room join failed", zap.String("user_id", userID), zap.Error(err))
	}
}

func (c *Connection) detach(conn Conn) {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	if c.conn == conn {
		c.conn = nil
		c.joined = false
	}
}

func (c *Connection) join(conn Conn, userID string) error {
	if err := c.write(conn, protocol.EventJoinRoom, userID); err != nil {
		c.stateMu.Lock()
		if c.conn == conn && c.userID == userID {
			c.joined = false
		}
		c.stateMu.Unlock()
		return err
	}
	c.logger.Debug("room join sent", zap.String("user_id", userID))
	return nil
}

func (c *Connection) write(conn Conn, event string, payload any) error {
	envelope, err := protocol.NewEnvelope(event, payload)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.WriteJSON(envelope)
}

func (c *Connection) readLoop(conn Conn) error {
	for {
		var envelope protocol.Envelope
		if err := conn.ReadJSON(&envelope); err != nil {
			if isMalformedFrame(err) {
				c.logger.Warn("channel frame rejected", zap.Error(err))
				continue
			}
			return err
		}
		c.dispatch(envelope)
	}
}

func (c *Connection) dispatch(envelope protocol.Envelope) {
	if strings.TrimSpace(envelope.Event) == "" {
		c.logger.Warn("channel frame without event")
		return
	}
	c.handlersMu.RLock()
	handler := c.handlers[envelope.Event]
	c.handlersMu.RUnlock()
	if handler == nil {
		c.logger.Debug("unhandled channel event", zap.String("event", envelope.Event))
		return
	}
	handler(envelope)
}

func (c *Connection) rejectPayload(event string, err error) {
	c.logger.Warn("channel payload rejected", zap.String("event", event), zap.Error(err))
}

func isMalformedFrame(err error) bool {
	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	return errors.As(err, &syntaxErr) || errors.As(err, &typeErr)
}
