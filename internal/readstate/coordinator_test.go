package readstate

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ecocart/groupnotify/internal/notifications"
	"github.com/ecocart/groupnotify/internal/protocol"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type recordingSender struct {
	mu     sync.Mutex
	events []string
	err    error
}

func (s *recordingSender) Send(event string, _ any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.events = append(s.events, event)
	return nil
}

func (s *recordingSender) count(event string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := 0
	for _, recorded := range s.events {
		if recorded == event {
			total++
		}
	}
	return total
}

type manualScheduler struct {
	mu    sync.Mutex
	tasks []*manualTask
}

type manualTask struct {
	fn      func()
	stopped bool
}

func (m *manualScheduler) schedule(_ time.Duration, fn func()) func() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	task := &manualTask{fn: fn}
	m.tasks = append(m.tasks, task)
	return func() bool {
		m.mu.Lock()
		defer m.mu.Unlock()
		wasActive := !task.stopped
		task.stopped = true
		return wasActive
	}
}

func (m *manualScheduler) fireAll() {
	m.mu.Lock()
	tasks := append([]*manualTask(nil), m.tasks...)
	m.mu.Unlock()
	for _, task := range tasks {
		m.mu.Lock()
		active := !task.stopped
		task.stopped = true
		m.mu.Unlock()
		if active {
			task.fn()
		}
	}
}

func newSeededStore() *notifications.Store {
	store := notifications.NewStore(notifications.StoreConfig{})
	store.ApplyBulkSnapshot(
		[]protocol.ChatBundle{{ConversationID: "c1", Messages: []protocol.ChatNotification{{ID: "m1"}, {ID: "m2"}}}},
		[]protocol.GroupNotification{{ID: "g1"}, {ID: "g2"}},
	)
	return store
}

func TestMarkChatReadZeroesOnlyOnAck(t *testing.T) {
	store := newSeededStore()
	sender := &recordingSender{}
	scheduler := &manualScheduler{}
	coordinator, err := NewCoordinator(Config{Sender: sender, Store: store, Schedule: scheduler.schedule})
	if err != nil {
		t.Fatalf("unexpected constructor error: %v", err)
	}

	if err := coordinator.MarkChatRead("user-1"); err != nil {
		t.Fatalf("unexpected mark error: %v", err)
	}
	if sender.count(protocol.EventMarkReadMessage) != 1 {
		t.Fatalf("expected one mark-read-message command")
	}
	if counters := store.Counters(); counters.UnreadChat != 2 {
		t.Fatalf("expected chat unread to stay 2 before ack, got %d", counters.UnreadChat)
	}

	coordinator.HandleAck(protocol.ReadKindChat)

	if counters := store.Counters(); counters.UnreadChat != 0 {
		t.Fatalf("expected chat unread 0 after ack, got %d", counters.UnreadChat)
	}
	if coordinator.Pending(protocol.ReadKindChat) {
		t.Fatalf("expected no pending chat command after ack")
	}
}

func TestMarkChatReadTwiceThenTwoAcks(t *testing.T) {
	store := newSeededStore()
	sender := &recordingSender{}
	scheduler := &manualScheduler{}
	coordinator, err := NewCoordinator(Config{Sender: sender, Store: store, Schedule: scheduler.schedule})
	if err != nil {
		t.Fatalf("unexpected constructor error: %v", err)
	}

	for attempt := 0; attempt < 2; attempt++ {
		if err := coordinator.MarkChatRead("user-1"); err != nil {
			t.Fatalf("unexpected mark error: %v", err)
		}
	}
	coordinator.HandleAck(protocol.ReadKindChat)
	coordinator.HandleAck(protocol.ReadKindChat)

	if sender.count(protocol.EventMarkReadMessage) != 2 {
		t.Fatalf("expected both commands to be sent")
	}
	if counters := store.Counters(); counters.UnreadChat != 0 {
		t.Fatalf("expected chat unread 0, got %d", counters.UnreadChat)
	}
	scheduler.fireAll()
	if counters := store.Counters(); counters.UnreadChat != 0 {
		t.Fatalf("expected acknowledged read to survive stale timers, got %d", counters.UnreadChat)
	}
}

func TestMarkGroupReadResetsGroupCounterOnAck(t *testing.T) {
	store := newSeededStore()
	sender := &recordingSender{}
	coordinator, err := NewCoordinator(Config{Sender: sender, Store: store, Schedule: (&manualScheduler{}).schedule})
	if err != nil {
		t.Fatalf("unexpected constructor error: %v", err)
	}

	if err := coordinator.MarkGroupRead("user-1"); err != nil {
		t.Fatalf("unexpected mark error: %v", err)
	}
	coordinator.HandleAck(protocol.ReadKindGroup)

	counters := store.Counters()
	if counters.UnreadGroup != 0 {
		t.Fatalf("expected group unread 0, got %d", counters.UnreadGroup)
	}
	if counters.UnreadChat != 2 {
		t.Fatalf("expected chat unread untouched, got %d", counters.UnreadChat)
	}
	if len(store.GroupNotifications()) != 2 {
		t.Fatalf("expected collection to stay intact")
	}
}

func TestOptimisticReadRestoresPriorCountOnTimeout(t *testing.T) {
	store := newSeededStore()
	sender := &recordingSender{}
	scheduler := &manualScheduler{}
	core, logs := observer.New(zapcore.WarnLevel)
	coordinator, err := NewCoordinator(Config{
		Sender:     sender,
		Store:      store,
		Logger:     zap.New(core),
		Optimistic: true,
		Schedule:   scheduler.schedule,
	})
	if err != nil {
		t.Fatalf("unexpected constructor error: %v", err)
	}

	if err := coordinator.MarkGroupRead("user-1"); err != nil {
		t.Fatalf("unexpected mark error: %v", err)
	}
	if counters := store.Counters(); counters.UnreadGroup != 0 {
		t.Fatalf("expected optimistic zero, got %d", counters.UnreadGroup)
	}
	if err := coordinator.MarkGroupRead("user-1"); err != nil {
		t.Fatalf("unexpected replay error: %v", err)
	}

	scheduler.fireAll()

	if counters := store.Counters(); counters.UnreadGroup != 2 {
		t.Fatalf("expected prior count 2 to be restored, got %d", counters.UnreadGroup)
	}
	entries := logs.FilterMessage("mark read ack timed out").All()
	if len(entries) != 1 {
		t.Fatalf("expected one timeout log entry, got %d", len(entries))
	}
}

func TestSnapshotCancelsOptimisticRestore(t *testing.T) {
	store := newSeededStore()
	scheduler := &manualScheduler{}
	coordinator, err := NewCoordinator(Config{
		Sender:     &recordingSender{},
		Store:      store,
		Optimistic: true,
		Schedule:   scheduler.schedule,
	})
	if err != nil {
		t.Fatalf("unexpected constructor error: %v", err)
	}

	if err := coordinator.MarkChatRead("user-1"); err != nil {
		t.Fatalf("unexpected mark error: %v", err)
	}
	store.ApplyBulkSnapshot([]protocol.ChatBundle{{ConversationID: "c1", Messages: []protocol.ChatNotification{{ID: "m5"}}}}, nil)
	coordinator.SnapshotApplied()
	scheduler.fireAll()

	if counters := store.Counters(); counters.UnreadChat != 1 {
		t.Fatalf("expected snapshot count 1 to win, got %d", counters.UnreadChat)
	}
}

func TestAckAfterSnapshotKeepsSnapshotCounters(t *testing.T) {
	store := newSeededStore()
	coordinator, err := NewCoordinator(Config{
		Sender:   &recordingSender{},
		Store:    store,
		Schedule: (&manualScheduler{}).schedule,
	})
	if err != nil {
		t.Fatalf("unexpected constructor error: %v", err)
	}

	if err := coordinator.MarkGroupRead("user-1"); err != nil {
		t.Fatalf("unexpected mark error: %v", err)
	}
	store.ApplyBulkSnapshot(nil, []protocol.GroupNotification{{ID: "g1"}, {ID: "g2"}})
	coordinator.SnapshotApplied()
	coordinator.HandleAck(protocol.ReadKindGroup)

	if counters := store.Counters(); counters.UnreadGroup != 2 {
		t.Fatalf("expected snapshot count 2 to survive a late ack, got %d", counters.UnreadGroup)
	}
}

func TestAckWithoutCommandIsIgnored(t *testing.T) {
	store := newSeededStore()
	coordinator, err := NewCoordinator(Config{Sender: &recordingSender{}, Store: store})
	if err != nil {
		t.Fatalf("unexpected constructor error: %v", err)
	}

	coordinator.HandleAck(protocol.ReadKindChat)

	if counters := store.Counters(); counters.UnreadChat != 2 {
		t.Fatalf("expected unsolicited ack to leave chat unread 2, got %d", counters.UnreadChat)
	}
}

func TestAckDuringSendSettlesCommand(t *testing.T) {
	store := newSeededStore()
	scheduler := &manualScheduler{}
	core, logs := observer.New(zapcore.WarnLevel)
	var coordinator *Coordinator
	sender := senderFunc(func(event string, _ any) error {
		coordinator.HandleAck(protocol.ReadKindChat)
		return nil
	})
	var err error
	coordinator, err = NewCoordinator(Config{
		Sender:   sender,
		Store:    store,
		Logger:   zap.New(core),
		Schedule: scheduler.schedule,
	})
	if err != nil {
		t.Fatalf("unexpected constructor error: %v", err)
	}

	if err := coordinator.MarkChatRead("user-1"); err != nil {
		t.Fatalf("unexpected mark error: %v", err)
	}
	if coordinator.Pending(protocol.ReadKindChat) {
		t.Fatalf("expected the ack to settle the command")
	}
	if counters := store.Counters(); counters.UnreadChat != 0 {
		t.Fatalf("expected chat unread 0, got %d", counters.UnreadChat)
	}
	scheduler.fireAll()
	if entries := logs.FilterMessage("mark read ack timed out").All(); len(entries) != 0 {
		t.Fatalf("expected no timeout after an acknowledged command, got %d", len(entries))
	}
}

func TestSendFailureKeepsEarlierCommandPending(t *testing.T) {
	store := newSeededStore()
	sender := &recordingSender{}
	coordinator, err := NewCoordinator(Config{Sender: sender, Store: store, Schedule: (&manualScheduler{}).schedule})
	if err != nil {
		t.Fatalf("unexpected constructor error: %v", err)
	}

	if err := coordinator.MarkChatRead("user-1"); err != nil {
		t.Fatalf("unexpected mark error: %v", err)
	}
	sender.mu.Lock()
	sender.err = errors.New("channel closed")
	sender.mu.Unlock()
	if err := coordinator.MarkChatRead("user-1"); err == nil {
		t.Fatalf("expected send error")
	}
	if !coordinator.Pending(protocol.ReadKindChat) {
		t.Fatalf("expected the first command to stay pending")
	}

	coordinator.HandleAck(protocol.ReadKindChat)
	if coordinator.Pending(protocol.ReadKindChat) {
		t.Fatalf("expected one ack to settle the single delivered command")
	}
	if counters := store.Counters(); counters.UnreadChat != 0 {
		t.Fatalf("expected chat unread 0, got %d", counters.UnreadChat)
	}
}

func TestMarkReadSendFailureLeavesCounters(t *testing.T) {
	store := newSeededStore()
	sendErr := errors.New("channel closed")
	coordinator, err := NewCoordinator(Config{
		Sender:     &recordingSender{err: sendErr},
		Store:      store,
		Optimistic: true,
		Schedule:   (&manualScheduler{}).schedule,
	})
	if err != nil {
		t.Fatalf("unexpected constructor error: %v", err)
	}

	if err := coordinator.MarkChatRead("user-1"); !errors.Is(err, sendErr) {
		t.Fatalf("expected send error, got %v", err)
	}
	if counters := store.Counters(); counters.UnreadChat != 2 {
		t.Fatalf("expected counters untouched after failed send, got %d", counters.UnreadChat)
	}
	if coordinator.Pending(protocol.ReadKindChat) {
		t.Fatalf("expected no pending command after failed send")
	}
}

func TestMarkReadRequiresUserID(t *testing.T) {
	coordinator, err := NewCoordinator(Config{Sender: &recordingSender{}, Store: newSeededStore()})
	if err != nil {
		t.Fatalf("unexpected constructor error: %v", err)
	}
	if err := coordinator.MarkGroupRead(" "); !errors.Is(err, ErrMissingUserID) {
		t.Fatalf("expected ErrMissingUserID, got %v", err)
	}
}

func TestNewCoordinatorRequiresDependencies(t *testing.T) {
	if _, err := NewCoordinator(Config{Store: newSeededStore()}); err == nil {
		t.Fatalf("expected error for missing sender")
	}
	if _, err := NewCoordinator(Config{Sender: &recordingSender{}}); err == nil {
		t.Fatalf("expected error for missing store")
	}
}

type senderFunc func(event string, payload any) error

func (f senderFunc) Send(event string, payload any) error {
	return f(event, payload)
}
