// Package notifier wires the channel connection, notification store and read/join coordinators
// into one session bound to the signed-in user.
package notifier

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/ecocart/groupnotify/internal/groupjoin"
	"github.com/ecocart/groupnotify/internal/identity"
	"github.com/ecocart/groupnotify/internal/notifications"
	"github.com/ecocart/groupnotify/internal/protocol"
	"github.com/ecocart/groupnotify/internal/readstate"
	"go.uber.org/zap"
)

var (
	// ErrNotStarted indicates a user command issued before Start or after Stop.
	ErrNotStarted = errors.New("notifier: not started")
	// ErrAlreadyStarted indicates Start called on a running notifier.
	ErrAlreadyStarted = errors.New("notifier: already started")
	// ErrUnknownNotification indicates a join for a notification absent from the store.
	ErrUnknownNotification = errors.New("notifier: unknown notification")

	errMissingChannel = errors.New("notifier: channel is required")
)

// Channel is the connection surface the notifier drives.
type Channel interface {
	Start(ctx context.Context) error
	Close() error
	Connect(userID string) error
	Send(event string, payload any) error
	OnPreviousNotifications(handler func(protocol.PreviousNotificationPayload))
	OnIncomingNotification(handler func([]protocol.GroupNotification))
	OnReadAck(kind protocol.ReadKind, handler func())
	OnMemberJoined(handler func(protocol.MemberJoinedPayload))
}

// Dependencies configures a Notifier.
type Dependencies struct {
	Channel               Channel
	Logger                *zap.Logger
	OptimisticReads       bool
	AckTimeout            time.Duration
	JoinTimeout           time.Duration
	MaxGroupNotifications int
	// Schedule overrides the timer used by both coordinators.
	Schedule       func(d time.Duration, fn func()) (stop func() bool)
	OnMemberJoined func(protocol.MemberJoinedPayload)
	OnJoinChange   func(groupjoin.Request)
}

// Notifier is the notification session of one user.
type Notifier struct {
	channel        Channel
	logger         *zap.Logger
	store          *notifications.Store
	reads          *readstate.Coordinator
	joins          *groupjoin.Coordinator
	onMemberJoined func(protocol.MemberJoinedPayload)

	mu      sync.RWMutex
	current identity.Claims
	started bool
}

// New builds a stopped Notifier and registers its inbound handlers on the channel.
func New(deps Dependencies) (*Notifier, error) {
	if deps.Channel == nil {
		return nil, errMissingChannel
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	store := notifications.NewStore(notifications.StoreConfig{
		MaxGroupNotifications: deps.MaxGroupNotifications,
		Logger:                logger.Named("store"),
	})
	reads, err := readstate.NewCoordinator(readstate.Config{
		Sender:     deps.Channel,
		Store:      store,
		Logger:     logger.Named("readstate"),
		Optimistic: deps.OptimisticReads,
		AckTimeout: deps.AckTimeout,
		Schedule:   deps.Schedule,
	})
	if err != nil {
		return nil, err
	}
	joins, err := groupjoin.NewCoordinator(groupjoin.Config{
		Sender:   deps.Channel,
		Logger:   logger.Named("groupjoin"),
		Timeout:  deps.JoinTimeout,
		Schedule: deps.Schedule,
		OnChange: deps.OnJoinChange,
	})
	if err != nil {
		return nil, err
	}

	n := &Notifier{
		channel:        deps.Channel,
		logger:         logger,
		store:          store,
		reads:          reads,
		joins:          joins,
		onMemberJoined: deps.OnMemberJoined,
	}
	n.registerHandlers()
	return n, nil
}

// Start binds the session to user and opens the channel.
func (n *Notifier) Start(ctx context.Context, user identity.Claims) error {
	userID := strings.TrimSpace(user.UserID)
	if userID == "" {
		return identity.ErrMissingSubject
	}
	n.mu.Lock()
	if n.started {
		n.mu.Unlock()
		return ErrAlreadyStarted
	}
	n.current = user
	n.current.UserID = userID
	n.started = true
	n.mu.Unlock()

	if err := n.channel.Connect(userID); err != nil {
		n.markStopped()
		return err
	}
	if err := n.channel.Start(ctx); err != nil {
		n.markStopped()
		return err
	}
	n.logger.Info("notifier started", zap.String("user_id", userID))
	return nil
}

// Stop closes the channel and forgets all session state, as on logout.
func (n *Notifier) Stop() error {
	n.mu.Lock()
	if !n.started {
		n.mu.Unlock()
		return nil
	}
	userID := n.current.UserID
	n.mu.Unlock()

	err := n.channel.Close()
	n.reads.Close()
	n.joins.Reset()
	n.store.Clear()
	n.markStopped()
	n.logger.Info("notifier stopped", zap.String("user_id", userID))
	return err
}

// MarkChatRead requests that every chat notification be marked read.
func (n *Notifier) MarkChatRead() error {
	userID, err := n.userID()
	if err != nil {
		return err
	}
	return n.reads.MarkChatRead(userID)
}

// MarkGroupRead requests that every group notification be marked read.
func (n *Notifier) MarkGroupRead() error {
	userID, err := n.userID()
	if err != nil {
		return err
	}
	return n.reads.MarkGroupRead(userID)
}

// Join accepts the group invitation carried by notificationID. It reports whether a join-group
// command was sent; a join already in flight is not repeated.
func (n *Notifier) Join(notificationID string) (bool, error) {
	userID, err := n.userID()
	if err != nil {
		return false, err
	}
	notification, ok := n.store.GroupNotification(strings.TrimSpace(notificationID))
	if !ok {
		return false, ErrUnknownNotification
	}
	return n.joins.RequestJoinNotification(notification, userID)
}

// JoinState returns the join lifecycle state for notificationID.
func (n *Notifier) JoinState(notificationID string) groupjoin.State {
	return n.joins.State(notificationID)
}

// Counters returns the current badge counters.
func (n *Notifier) Counters() notifications.Counters {
	return n.store.Counters()
}

// Subscribe streams counter changes until ctx ends.
func (n *Notifier) Subscribe(ctx context.Context) (<-chan notifications.Counters, func()) {
	return n.store.Subscribe(ctx)
}

// ChatNotifications returns the flattened chat notifications, for presentation.
func (n *Notifier) ChatNotifications() []protocol.ChatNotification {
	return n.store.ChatNotifications()
}

// GroupNotifications returns the group notifications, newest first.
func (n *Notifier) GroupNotifications() []protocol.GroupNotification {
	return n.store.GroupNotifications()
}

// User returns the identity the session is bound to.
func (n *Notifier) User() (identity.Claims, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.current, n.started
}

func (n *Notifier) registerHandlers() {
	n.channel.OnPreviousNotifications(n.handleSnapshot)
	n.channel.OnIncomingNotification(n.handleIncoming)
	n.channel.OnReadAck(protocol.ReadKindChat, func() {
		n.reads.HandleAck(protocol.ReadKindChat)
	})
	n.channel.OnReadAck(protocol.ReadKindGroup, func() {
		n.reads.HandleAck(protocol.ReadKindGroup)
	})
	n.channel.OnMemberJoined(n.handleMemberJoined)
}

func (n *Notifier) handleSnapshot(payload protocol.PreviousNotificationPayload) {
	if !n.isStarted() {
		return
	}
	n.store.ApplyBulkSnapshot(payload.Message, payload.Notification)
	n.reads.SnapshotApplied()
	n.joins.ObserveSnapshot(payload.Notification)
}

func (n *Notifier) handleIncoming(group []protocol.GroupNotification) {
	if !n.isStarted() {
		return
	}
	if added := n.store.ApplyIncoming(group...); added > 0 {
		n.logger.Debug("group notifications received", zap.Int("added", added))
	}
}

func (n *Notifier) handleMemberJoined(payload protocol.MemberJoinedPayload) {
	n.logger.Info("member joined group",
		zap.String("member_id", payload.SenderID),
		zap.String("member_name", payload.Name))
	if n.onMemberJoined != nil {
		n.onMemberJoined(payload)
	}
}

func (n *Notifier) userID() (string, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if !n.started {
		return "", ErrNotStarted
	}
	return n.current.UserID, nil
}

func (n *Notifier) isStarted() bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.started
}

func (n *Notifier) markStopped() {
	n.mu.Lock()
	n.started = false
	n.current = identity.Claims{}
	n.mu.Unlock()
}
