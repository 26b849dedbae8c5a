// Package notifications holds the chat and group notification collections of the signed-in user
// and derives their unread counters.
//
// The two collections follow different consistency strategies. Chat is last-snapshot-wins: every
// chat payload replaces the collection. Group is accumulate-with-dedup: incremental pushes are
// filtered against known ids and prepended. A bulk snapshot replaces both.
package notifications

import (
	"context"
	"sync"

	"github.com/ecocart/groupnotify/internal/protocol"
	"go.uber.org/zap"
)

const defaultSubscriberBuffer = 16

// Counters is the derived unread state shown on the badge.
type Counters struct {
	UnreadChat  int
	UnreadGroup int
}

// Total returns the badge total.
func (c Counters) Total() int {
	return c.UnreadChat + c.UnreadGroup
}

// StoreConfig configures a Store.
type StoreConfig struct {
	// MaxGroupNotifications caps the group collection; zero keeps every notification.
	MaxGroupNotifications int
	Logger                *zap.Logger
}

// Store is the single owner of the notification collections.
type Store struct {
	mu          sync.RWMutex
	chat        []protocol.ChatBundle
	chatLeaves  int
	group       []protocol.GroupNotification
	unreadChat  int
	unreadGroup int
	maxGroup    int
	logger      *zap.Logger

	subscribersMu sync.RWMutex
	subscribers   map[int64]chan Counters
	nextID        int64
}

// NewStore constructs an empty store.
func NewStore(cfg StoreConfig) *Store {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	maxGroup := cfg.MaxGroupNotifications
	if maxGroup < 0 {
		maxGroup = 0
	}
	return &Store{
		maxGroup:    maxGroup,
		logger:      logger,
		subscribers: make(map[int64]chan Counters),
	}
}

// ApplyBulkSnapshot replaces both collections with the authoritative snapshot and recomputes both
// counters from it. Any state merged since the previous snapshot is discarded.
func (s *Store) ApplyBulkSnapshot(chat []protocol.ChatBundle, group []protocol.GroupNotification) {
	s.mu.Lock()
	s.replaceChatLocked(chat)
	s.replaceGroupLocked(group)
	counters := s.countersLocked()
	groupSize := len(s.group)
	s.mu.Unlock()

	s.logger.Debug("bulk snapshot applied",
		zap.Int("chat_unread", counters.UnreadChat),
		zap.Int("group_size", groupSize),
		zap.Int("group_unread", counters.UnreadGroup))
	s.notify(counters)
}

// ReplaceChat applies a chat payload with last-snapshot-wins semantics.
func (s *Store) ReplaceChat(chat []protocol.ChatBundle) {
	s.mu.Lock()
	s.replaceChatLocked(chat)
	counters := s.countersLocked()
	s.mu.Unlock()
	s.notify(counters)
}

// ApplyIncoming merges an incremental group push and returns how many notifications were new.
// Known ids are dropped, so a batch made only of duplicates leaves the store untouched.
func (s *Store) ApplyIncoming(group ...protocol.GroupNotification) int {
	if len(group) == 0 {
		return 0
	}
	s.mu.Lock()
	merged, fresh, unread := MergeGroup(s.group, group)
	s.group = merged
	s.unreadGroup += unread
	s.capGroupLocked()
	counters := s.countersLocked()
	s.mu.Unlock()

	if duplicates := len(group) - fresh; duplicates > 0 {
		s.logger.Debug("duplicate group notifications dropped", zap.Int("count", duplicates))
	}
	if fresh > 0 {
		s.notify(counters)
	}
	return fresh
}

// ResetUnread sets the counter of kind to zero. Repeated calls are harmless.
func (s *Store) ResetUnread(kind protocol.ReadKind) {
	s.mu.Lock()
	changed := false
	switch kind {
	case protocol.ReadKindChat:
		changed = s.unreadChat != 0
		s.unreadChat = 0
	case protocol.ReadKindGroup:
		changed = s.unreadGroup != 0
		s.unreadGroup = 0
	}
	counters := s.countersLocked()
	s.mu.Unlock()
	if changed {
		s.notify(counters)
	}
}

// RestoreUnread adds count back to the counter of kind, clamped to the collection size.
func (s *Store) RestoreUnread(kind protocol.ReadKind, count int) {
	if count <= 0 {
		return
	}
	s.mu.Lock()
	switch kind {
	case protocol.ReadKindChat:
		s.unreadChat = min(s.unreadChat+count, s.chatLeaves)
	case protocol.ReadKindGroup:
		s.unreadGroup = min(s.unreadGroup+count, len(s.group))
	}
	counters := s.countersLocked()
	s.mu.Unlock()
	s.notify(counters)
}

// Counters returns the current unread counters.
func (s *Store) Counters() Counters {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.countersLocked()
}

// UnreadCount returns the counter of a single collection.
func (s *Store) UnreadCount(kind protocol.ReadKind) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	switch kind {
	case protocol.ReadKindChat:
		return s.unreadChat
	case protocol.ReadKindGroup:
		return s.unreadGroup
	default:
		return 0
	}
}

// ChatBundles returns a copy of the chat collection.
func (s *Store) ChatBundles() []protocol.ChatBundle {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneBundles(s.chat)
}

// ChatNotifications returns the flattened chat leaves.
func (s *Store) ChatNotifications() []protocol.ChatNotification {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return protocol.Flatten(s.chat)
}

// GroupNotifications returns a copy of the group collection, newest first.
func (s *Store) GroupNotifications() []protocol.GroupNotification {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]protocol.GroupNotification(nil), s.group...)
}

// GroupNotification looks up a group notification by id.
func (s *Store) GroupNotification(id string) (protocol.GroupNotification, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, notification := range s.group {
		if notification.ID == id {
			return notification, true
		}
	}
	return protocol.GroupNotification{}, false
}

// Clear empties both collections, used on logout.
func (s *Store) Clear() {
	s.mu.Lock()
	s.chat = nil
	s.chatLeaves = 0
	s.group = nil
	s.unreadChat = 0
	s.unreadGroup = 0
	counters := s.countersLocked()
	s.mu.Unlock()
	s.notify(counters)
}

// Subscribe streams counter changes until ctx is done or the returned cancel func is called.
// Slow subscribers miss intermediate values rather than block the store.
func (s *Store) Subscribe(ctx context.Context) (<-chan Counters, func()) {
	stream := make(chan Counters, defaultSubscriberBuffer)
	s.subscribersMu.Lock()
	s.nextID++
	id := s.nextID
	s.subscribers[id] = stream
	s.subscribersMu.Unlock()

	done := make(chan struct{})
	var once sync.Once
	cancel := func() {
		once.Do(func() {
			s.subscribersMu.Lock()
			delete(s.subscribers, id)
			s.subscribersMu.Unlock()
			close(done)
		})
	}
	go func() {
		select {
		case <-ctx.Done():
			cancel()
		case <-done:
		}
	}()
	return stream, cancel
}

func (s *Store) notify(counters Counters) {
	s.subscribersMu.RLock()
	defer s.subscribersMu.RUnlock()
	for _, stream := range s.subscribers {
		select {
		case stream <- counters:
		default:
		}
	}
}

func (s *Store) replaceChatLocked(chat []protocol.ChatBundle) {
	s.chat = cloneBundles(chat)
	s.chatLeaves = len(protocol.Flatten(s.chat))
	s.unreadChat = s.chatLeaves
}

func (s *Store) replaceGroupLocked(group []protocol.GroupNotification) {
	unique := dedupGroup(group)
	s.group = unique
	unread := 0
	for _, notification := range unique {
		if !notification.IsRead {
			unread++
		}
	}
	s.unreadGroup = unread
	s.capGroupLocked()
}

func (s *Store) capGroupLocked() {
	if s.maxGroup == 0 || len(s.group) <= s.maxGroup {
		return
	}
	dropped := len(s.group) - s.maxGroup
	s.group = s.group[:s.maxGroup:s.maxGroup]
	if s.unreadGroup > len(s.group) {
		s.unreadGroup = len(s.group)
	}
	s.logger.Debug("group collection capped", zap.Int("dropped", dropped), zap.Int("max", s.maxGroup))
}

func (s *Store) countersLocked() Counters {
	return Counters{UnreadChat: s.unreadChat, UnreadGroup: s.unreadGroup}
}

// MergeGroup prepends the notifications of incoming whose ids are absent from existing. It returns
// the merged collection, how many notifications were added, and how many of those are unread.
// Only the unread count feeds unreadGroup; a new notification already marked read is merged
// without raising it. existing is never modified.
func MergeGroup(existing, incoming []protocol.GroupNotification) ([]protocol.GroupNotification, int, int) {
	known := make(map[string]struct{}, len(existing)+len(incoming))
	for _, notification := range existing {
		known[notification.ID] = struct{}{}
	}
	fresh := make([]protocol.GroupNotification, 0, len(incoming))
	unread := 0
	for _, notification := range incoming {
		if _, ok := known[notification.ID]; ok {
			continue
		}
		known[notification.ID] = struct{}{}
		fresh = append(fresh, notification)
		if !notification.IsRead {
			unread++
		}
	}
	if len(fresh) == 0 {
		return append([]protocol.GroupNotification(nil), existing...), 0, 0
	}
	merged := make([]protocol.GroupNotification, 0, len(fresh)+len(existing))
	merged = append(merged, fresh...)
	merged = append(merged, existing...)
	return merged, len(fresh), unread
}

func dedupGroup(group []protocol.GroupNotification) []protocol.GroupNotification {
	if len(group) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(group))
	unique := make([]protocol.GroupNotification, 0, len(group))
	for _, notification := range group {
		if _, ok := seen[notification.ID]; ok {
			continue
		}
		seen[notification.ID] = struct{}{}
		unique = append(unique, notification)
	}
	return unique
}

func cloneBundles(bundles []protocol.ChatBundle) []protocol.ChatBundle {
	if len(bundles) == 0 {
		return nil
	}
	cloned := make([]protocol.ChatBundle, len(bundles))
	for index, bundle := range bundles {
		cloned[index] = bundle
		cloned[index].Messages = append([]protocol.ChatNotification(nil), bundle.Messages...)
	}
	return cloned
}
