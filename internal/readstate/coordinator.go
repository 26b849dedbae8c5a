// Package readstate issues mark-as-read commands and reconciles the unread counters with server
// acknowledgements.
package readstate

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ecocart/groupnotify/internal/protocol"
	"go.uber.org/zap"
)

const defaultAckTimeout = 5 * time.Second

var (
	errMissingSender = errors.New("readstate: sender is required")
	errMissingStore  = errors.New("readstate: store is required")
	// ErrMissingUserID indicates a mark-read request without a user.
	ErrMissingUserID = errors.New("readstate: user id is required")
	// ErrUnknownKind indicates a read kind other than chat or group.
	ErrUnknownKind = errors.New("readstate: unknown read kind")
)

// Sender emits a command over the notification channel.
type Sender interface {
	Send(event string, payload any) error
}

// Store is the subset of the notification store the coordinator reads and resets.
type Store interface {
	ChatBundles() []protocol.ChatBundle
	GroupNotifications() []protocol.GroupNotification
	UnreadCount(kind protocol.ReadKind) int
	ResetUnread(kind protocol.ReadKind)
	RestoreUnread(kind protocol.ReadKind, count int)
}

// ScheduleFunc runs fn after d and returns a function that cancels it.
type ScheduleFunc func(d time.Duration, fn func()) (stop func() bool)

// Config configures a Coordinator.
type Config struct {
	Sender Sender
	Store  Store
	Logger *zap.Logger
	// Optimistic zeroes the counter when the command is sent instead of when the ack arrives.
	Optimistic bool
	AckTimeout time.Duration
	Schedule   ScheduleFunc
}

type pendingRead struct {
	generation  int64
	outstanding int
	prior       int
	stop        func() bool
}

// Coordinator tracks outstanding mark-read commands per collection.
type Coordinator struct {
	sender     Sender
	store      Store
	logger     *zap.Logger
	optimistic bool
	ackTimeout time.Duration
	schedule   ScheduleFunc

	mu         sync.Mutex
	pending    map[protocol.ReadKind]*pendingRead
	generation int64
}

// NewCoordinator validates cfg and returns a Coordinator.
func NewCoordinator(cfg Config) (*Coordinator, error) {
	if cfg.Sender == nil {
		return nil, errMissingSender
	}
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	ackTimeout := cfg.AckTimeout
	if ackTimeout <= 0 {
		ackTimeout = defaultAckTimeout
	}
	schedule := cfg.Schedule
	if schedule == nil {
		schedule = afterFunc
	}
	return &Coordinator{
		sender:     cfg.Sender,
		store:      cfg.Store,
		logger:     logger,
		optimistic: cfg.Optimistic,
		ackTimeout: ackTimeout,
		schedule:   schedule,
		pending:    make(map[protocol.ReadKind]*pendingRead),
	}, nil
}

// MarkChatRead asks the server to mark the current chat collection read.
func (c *Coordinator) MarkChatRead(userID string) error {
	return c.markRead(protocol.ReadKindChat, userID)
}

// MarkGroupRead asks the server to mark the current group collection read.
func (c *Coordinator) MarkGroupRead(userID string) error {
	return c.markRead(protocol.ReadKindGroup, userID)
}

func (c *Coordinator) markRead(kind protocol.ReadKind, userID string) error {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return ErrMissingUserID
	}

	var payload any
	switch kind {
	case protocol.ReadKindChat:
		payload = protocol.MarkReadMessagePayload{Data: c.store.ChatBundles(), UserID: userID}
	case protocol.ReadKindGroup:
		payload = protocol.MarkGroupNotificationPayload{Data: c.store.GroupNotifications(), UserID: userID}
	default:
		return fmt.Errorf("%w: %s", ErrUnknownKind, kind)
	}

	c.mu.Lock()
	c.generation++
	generation := c.generation
	entry, replay := c.pending[kind]
	if !replay {
		entry = &pendingRead{}
		if c.optimistic {
			entry.prior = c.store.UnreadCount(kind)
		}
		c.pending[kind] = entry
	} else if entry.stop != nil {
		entry.stop()
	}
	entry.outstanding++
	entry.generation = generation
	entry.stop = c.schedule(c.ackTimeout, func() {
		c.expire(kind, generation)
	})
	c.mu.Unlock()

	// The ack may be dispatched on the read goroutine before Send returns.
	if err := c.sender.Send(kind.CommandEvent(), payload); err != nil {
		c.withdraw(kind, entry)
		c.logger.Warn("mark read command not sent",
			zap.String("kind", string(kind)),
			zap.String("user_id", userID),
			zap.Error(err))
		return err
	}

	if c.optimistic {
		c.mu.Lock()
		if c.pending[kind] == entry {
			c.store.ResetUnread(kind)
		}
		c.mu.Unlock()
	}
	c.logger.Debug("mark read command sent",
		zap.String("kind", string(kind)),
		zap.String("user_id", userID),
		zap.Bool("optimistic", c.optimistic),
		zap.Bool("replay", replay))
	return nil
}

// withdraw forgets one command that never reached the server.
func (c *Coordinator) withdraw(kind protocol.ReadKind, entry *pendingRead) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending[kind] != entry {
		return
	}
	entry.outstanding--
	if entry.outstanding > 0 {
		return
	}
	if entry.stop != nil {
		entry.stop()
	}
	delete(c.pending, kind)
}

// HandleAck applies a marked-message or marked-group-notification ack as "set to zero". An ack
// only counts while a command of its kind is outstanding; acks beyond the commands sent, or for
// commands superseded by a bulk snapshot, are ignored.
func (c *Coordinator) HandleAck(kind protocol.ReadKind) {
	if !kind.Valid() {
		return
	}
	c.mu.Lock()
	entry, ok := c.pending[kind]
	if !ok {
		c.mu.Unlock()
		c.logger.Debug("mark read ack without outstanding command", zap.String("kind", string(kind)))
		return
	}
	entry.outstanding--
	if entry.outstanding <= 0 {
		if entry.stop != nil {
			entry.stop()
		}
		delete(c.pending, kind)
	}
	c.store.ResetUnread(kind)
	c.mu.Unlock()
	c.logger.Debug("mark read acknowledged", zap.String("kind", string(kind)))
}

// SnapshotApplied drops every outstanding command. Neither a later ack nor a timeout restore may
// override the counters a bulk snapshot established.
func (c *Coordinator) SnapshotApplied() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for kind, entry := range c.pending {
		if entry.stop != nil {
			entry.stop()
		}
		delete(c.pending, kind)
	}
}

// Pending reports whether a command of kind is awaiting its ack.
func (c *Coordinator) Pending(kind protocol.ReadKind) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.pending[kind]
	return ok
}

// Close cancels outstanding timers.
func (c *Coordinator) Close() {
	c.SnapshotApplied()
}

func (c *Coordinator) expire(kind protocol.ReadKind, generation int64) {
	c.mu.Lock()
	entry, ok := c.pending[kind]
	if !ok || entry.generation != generation {
		c.mu.Unlock()
		return
	}
	delete(c.pending, kind)
	prior := entry.prior
	if c.optimistic {
		c.store.RestoreUnread(kind, prior)
	}
	c.mu.Unlock()

	c.logger.Warn("mark read ack timed out",
		zap.String("kind", string(kind)),
		zap.Duration("timeout", c.ackTimeout),
		zap.Int("restored", prior))
}

func afterFunc(d time.Duration, fn func()) func() bool {
	timer := time.AfterFunc(d, fn)
	return timer.Stop
}
