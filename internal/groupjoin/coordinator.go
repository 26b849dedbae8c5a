// Package groupjoin tracks the per-notification state of a user accepting a group-buy invitation.
package groupjoin

import (
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/ecocart/groupnotify/internal/protocol"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const defaultJoinTimeout = 10 * time.Second

var (
	errMissingSender = errors.New("groupjoin: sender is required")
	// ErrInvalidRequest indicates a join request missing one of its identifiers.
	ErrInvalidRequest = errors.New("groupjoin: notification, group and user ids are required")
)

// State is the lifecycle position of a join attempt.
type State int

const (
	StateIdle State = iota
	StatePending
	StateSucceeded
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePending:
		return "pending"
	case StateSucceeded:
		return "succeeded"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Request is one join attempt, keyed by notification id.
type Request struct {
	AttemptID      string
	NotificationID string
	GroupID        string
	UserID         string
	State          State
	StartedAt      time.Time
}

// Sender emits a command over the notification channel.
type Sender interface {
	Send(event string, payload any) error
}

// ScheduleFunc runs fn after d and returns a function that cancels it.
type ScheduleFunc func(d time.Duration, fn func()) (stop func() bool)

// Config configures a Coordinator.
type Config struct {
	Sender   Sender
	Logger   *zap.Logger
	Timeout  time.Duration
	Schedule ScheduleFunc
	Clock    func() time.Time
	// OnChange observes every state transition, including the transient Failed state.
	OnChange func(Request)
}

type attempt struct {
	request Request
	stop    func() bool
	// unread records whether the invitation was unread when the join was requested.
	unread bool
}

// Coordinator owns the join attempts of one session.
type Coordinator struct {
	sender   Sender
	logger   *zap.Logger
	timeout  time.Duration
	schedule ScheduleFunc
	clock    func() time.Time
	onChange func(Request)

	mu       sync.Mutex
	attempts map[string]*attempt
	joined   map[string]struct{}
}

// NewCoordinator validates cfg and returns a Coordinator.
func NewCoordinator(cfg Config) (*Coordinator, error) {
	if cfg.Sender == nil {
		return nil, errMissingSender
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultJoinTimeout
	}
	schedule := cfg.Schedule
	if schedule == nil {
		schedule = func(d time.Duration, fn func()) func() bool {
			return time.AfterFunc(d, fn).Stop
		}
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Coordinator{
		sender:   cfg.Sender,
		logger:   logger,
		timeout:  timeout,
		schedule: schedule,
		clock:    clock,
		onChange: cfg.OnChange,
		attempts: make(map[string]*attempt),
		joined:   make(map[string]struct{}),
	}, nil
}

// RequestJoin sends join-group unless an attempt for notificationID is already pending. The
// attempt becomes Pending before the command is sent. It reports whether a command was sent.
// The invitation is assumed unread; use RequestJoinNotification when its read state is known.
func (c *Coordinator) RequestJoin(notificationID, groupID, userID string) (bool, error) {
	return c.requestJoin(notificationID, groupID, userID, true)
}

// RequestJoinNotification is RequestJoin for a notification held by the store.
func (c *Coordinator) RequestJoinNotification(notification protocol.GroupNotification, userID string) (bool, error) {
	return c.requestJoin(notification.ID, notification.GroupID, userID, !notification.IsRead)
}

func (c *Coordinator) requestJoin(notificationID, groupID, userID string, unread bool) (bool, error) {
	notificationID = strings.TrimSpace(notificationID)
	groupID = strings.TrimSpace(groupID)
	userID = strings.TrimSpace(userID)
	if notificationID == "" || groupID == "" || userID == "" {
		return false, ErrInvalidRequest
	}

	c.mu.Lock()
	if existing, ok := c.attempts[notificationID]; ok && existing.request.State == StatePending {
		c.mu.Unlock()
		c.logger.Debug("join already pending", zap.String("notification_id", notificationID))
		return false, nil
	}
	entry := &attempt{
		request: Request{
			AttemptID:      uuid.NewString(),
			NotificationID: notificationID,
			GroupID:        groupID,
			UserID:         userID,
			State:          StatePending,
			StartedAt:      c.clock().UTC(),
		},
		unread: unread,
	}
	c.attempts[notificationID] = entry
	delete(c.joined, notificationID)
	attemptID := entry.request.AttemptID
	entry.stop = c.schedule(c.timeout, func() {
		c.expire(notificationID, attemptID)
	})
	pending := entry.request
	c.mu.Unlock()
	c.emit(pending)

	err := c.sender.Send(protocol.EventJoinGroup, protocol.JoinGroupPayload{
		NotificationID: notificationID,
		GroupID:        groupID,
		UserID:         userID,
	})
	if err != nil {
		c.logger.Warn("join command not sent",
			zap.String("notification_id", notificationID),
			zap.String("group_id", groupID),
			zap.Error(err))
		c.fail(notificationID, attemptID)
		return false, err
	}

	c.logger.Info("join requested",
		zap.String("attempt_id", attemptID),
		zap.String("notification_id", notificationID),
		zap.String("group_id", groupID))
	return true, nil
}

// ObserveSnapshot settles pending attempts against a fresh bulk snapshot. The server resends the
// snapshot after handling join-group with the accepted invitation marked read. A pending
// notification listed as read has been joined. One that is absent has been joined only if it was
// unread when requested: absence says nothing about an invitation that was already read.
func (c *Coordinator) ObserveSnapshot(group []protocol.GroupNotification) {
	listed := make(map[string]bool, len(group))
	for _, notification := range group {
		listed[notification.ID] = listed[notification.ID] || notification.IsRead
	}

	var settled []Request
	c.mu.Lock()
	for notificationID, entry := range c.attempts {
		if entry.request.State != StatePending {
			continue
		}
		read, ok := listed[notificationID]
		if ok && !read {
			continue
		}
		if !ok && !entry.unread {
			continue
		}
		if entry.stop != nil {
			entry.stop()
		}
		delete(c.attempts, notificationID)
		c.joined[notificationID] = struct{}{}
		entry.request.State = StateSucceeded
		settled = append(settled, entry.request)
	}
	c.mu.Unlock()

	for _, request := range settled {
		c.logger.Info("join confirmed",
			zap.String("attempt_id", request.AttemptID),
			zap.String("notification_id", request.NotificationID),
			zap.String("group_id", request.GroupID))
		c.emit(request)
	}
}

// State returns the state for notificationID; Idle when no attempt exists.
func (c *Coordinator) State(notificationID string) State {
	c.mu.Lock()
	defer c.mu.Unlock()
	if entry, ok := c.attempts[notificationID]; ok {
		return entry.request.State
	}
	if _, ok := c.joined[notificationID]; ok {
		return StateSucceeded
	}
	return StateIdle
}

// Pending returns the attempts currently awaiting confirmation.
func (c *Coordinator) Pending() []Request {
	c.mu.Lock()
	defer c.mu.Unlock()
	requests := make([]Request, 0, len(c.attempts))
	for _, entry := range c.attempts {
		if entry.request.State == StatePending {
			requests = append(requests, entry.request)
		}
	}
	return requests
}

// Reset cancels every attempt and forgets joined notifications, used on logout.
func (c *Coordinator) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for notificationID, entry := range c.attempts {
		if entry.stop != nil {
			entry.stop()
		}
		delete(c.attempts, notificationID)
	}
	c.joined = make(map[string]struct{})
}

func (c *Coordinator) expire(notificationID, attemptID string) {
	c.mu.Lock()
	entry, ok := c.attempts[notificationID]
	active := ok && entry.request.AttemptID == attemptID && entry.request.State == StatePending
	c.mu.Unlock()
	if !active {
		return
	}
	c.logger.Warn("join timed out",
		zap.String("attempt_id", attemptID),
		zap.String("notification_id", notificationID),
		zap.Duration("timeout", c.timeout))
	c.fail(notificationID, attemptID)
}

// fail moves an attempt through Failed back to Idle so the user can retry.
func (c *Coordinator) fail(notificationID, attemptID string) {
	c.mu.Lock()
	entry, ok := c.attempts[notificationID]
	if !ok || entry.request.AttemptID != attemptID {
		c.mu.Unlock()
		return
	}
	if entry.stop != nil {
		entry.stop()
	}
	delete(c.attempts, notificationID)
	failed := entry.request
	failed.State = StateFailed
	idle := entry.request
	idle.State = StateIdle
	c.mu.Unlock()

	c.emit(failed)
	c.emit(idle)
}

func (c *Coordinator) emit(request Request) {
	if c.onChange != nil {
		c.onChange(request)
	}
}
