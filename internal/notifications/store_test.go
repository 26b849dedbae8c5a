package notifications

import (
	"context"
	"runtime"
	"testing"
	"time"

	"github.com/ecocart/groupnotify/internal/protocol"
)

func groupNotification(id string) protocol.GroupNotification {
	return protocol.GroupNotification{ID: id, GroupID: "G-" + id, MemberCount: 3}
}

func TestStoreWorkedExample(t *testing.T) {
	store := NewStore(StoreConfig{})

	store.ApplyBulkSnapshot(nil, []protocol.GroupNotification{{ID: "g1", GroupID: "G1", MemberCount: 3}})
	if counters := store.Counters(); counters.UnreadGroup != 1 {
		t.Fatalf("expected unread group 1 after snapshot, got %d", counters.UnreadGroup)
	}

	added := store.ApplyIncoming(groupNotification("g1"), groupNotification("g2"))
	if added != 1 {
		t.Fatalf("expected exactly one new notification, got %d", added)
	}
	group := store.GroupNotifications()
	if len(group) != 2 || group[0].ID != "g2" || group[1].ID != "g1" {
		t.Fatalf("expected [g2 g1], got %#v", group)
	}
	if counters := store.Counters(); counters.UnreadGroup != 2 {
		t.Fatalf("expected unread group 2, got %d", counters.UnreadGroup)
	}

	store.ResetUnread(protocol.ReadKindGroup)
	if counters := store.Counters(); counters.UnreadGroup != 0 {
		t.Fatalf("expected unread group 0 after reset, got %d", counters.UnreadGroup)
	}
	if len(store.GroupNotifications()) != 2 {
		t.Fatalf("expected collection to be unchanged by read reset")
	}
}

func TestApplyIncomingNeverStoresDuplicateIDs(t *testing.T) {
	store := NewStore(StoreConfig{})
	batches := [][]protocol.GroupNotification{
		{groupNotification("a"), groupNotification("b")},
		{groupNotification("b"), groupNotification("b"), groupNotification("c")},
		{groupNotification("a")},
		{groupNotification("d"), groupNotification("c"), groupNotification("d")},
	}
	for _, batch := range batches {
		store.ApplyIncoming(batch...)
	}

	seen := map[string]bool{}
	for _, notification := range store.GroupNotifications() {
		if seen[notification.ID] {
			t.Fatalf("duplicate id %s in collection", notification.ID)
		}
		seen[notification.ID] = true
	}
	if len(seen) != 4 {
		t.Fatalf("expected 4 unique notifications, got %d", len(seen))
	}
	if counters := store.Counters(); counters.UnreadGroup != 4 {
		t.Fatalf("expected unread group 4, got %d", counters.UnreadGroup)
	}
}

func TestApplyIncomingAllDuplicatesLeavesUnreadUnchanged(t *testing.T) {
	store := NewStore(StoreConfig{})
	store.ApplyBulkSnapshot(nil, []protocol.GroupNotification{groupNotification("g1"), groupNotification("g2")})
	store.ResetUnread(protocol.ReadKindGroup)

	added := store.ApplyIncoming(groupNotification("g2"), groupNotification("g1"))
	if added != 0 {
		t.Fatalf("expected no new notifications, got %d", added)
	}
	if counters := store.Counters(); counters.UnreadGroup != 0 {
		t.Fatalf("expected unread to stay 0, got %d", counters.UnreadGroup)
	}
}

func TestApplyIncomingIncrementsByGenuinelyNewCount(t *testing.T) {
	store := NewStore(StoreConfig{})
	existing := []protocol.GroupNotification{groupNotification("a"), groupNotification("b"), groupNotification("c")}
	store.ApplyBulkSnapshot(nil, existing)
	store.ResetUnread(protocol.ReadKindGroup)
	store.ApplyIncoming(groupNotification("x"))
	before := store.Counters().UnreadGroup

	batch := []protocol.GroupNotification{groupNotification("a"), groupNotification("y"), groupNotification("c"), groupNotification("z")}
	store.ApplyIncoming(batch...)

	after := store.Counters().UnreadGroup
	if after != before+2 {
		t.Fatalf("expected unread %d, got %d", before+2, after)
	}
	if after > len(store.GroupNotifications()) {
		t.Fatalf("unread %d exceeds collection size", after)
	}
}

func TestApplyIncomingSkipsAlreadyReadForUnread(t *testing.T) {
	store := NewStore(StoreConfig{})
	read := groupNotification("r")
	read.IsRead = true

	store.ApplyIncoming(read, groupNotification("u"))

	if counters := store.Counters(); counters.UnreadGroup != 1 {
		t.Fatalf("expected only the unread push to count, got %d", counters.UnreadGroup)
	}
	if group := store.GroupNotifications(); len(group) != 2 {
		t.Fatalf("expected the read push to be merged, got %#v", group)
	}
}

func TestApplyBulkSnapshotReplacesPriorState(t *testing.T) {
	store := NewStore(StoreConfig{})
	store.ApplyBulkSnapshot(
		[]protocol.ChatBundle{{ConversationID: "c1", Messages: []protocol.ChatNotification{{ID: "m1"}, {ID: "m2"}}}},
		[]protocol.GroupNotification{groupNotification("g1")},
	)
	store.ApplyIncoming(groupNotification("g2"), groupNotification("g3"))

	store.ApplyBulkSnapshot(
		[]protocol.ChatBundle{{ConversationID: "c9", Messages: []protocol.ChatNotification{{ID: "m9"}}}},
		[]protocol.GroupNotification{groupNotification("g7")},
	)

	group := store.GroupNotifications()
	if len(group) != 1 || group[0].ID != "g7" {
		t.Fatalf("expected only g7 after second snapshot, got %#v", group)
	}
	chat := store.ChatBundles()
	if len(chat) != 1 || chat[0].ConversationID != "c9" {
		t.Fatalf("expected only c9 after second snapshot, got %#v", chat)
	}
	counters := store.Counters()
	if counters.UnreadChat != 1 || counters.UnreadGroup != 1 {
		t.Fatalf("unexpected counters after resnapshot: %#v", counters)
	}
}

func TestApplyBulkSnapshotCountsChatLeavesAndUnreadGroups(t *testing.T) {
	store := NewStore(StoreConfig{})
	read := groupNotification("g2")
	read.IsRead = true
	store.ApplyBulkSnapshot(
		[]protocol.ChatBundle{
			{ConversationID: "c1", Messages: []protocol.ChatNotification{{ID: "m1"}, {ID: "m2"}}},
			{ConversationID: "c2", Messages: []protocol.ChatNotification{{ID: "m3"}}},
		},
		[]protocol.GroupNotification{groupNotification("g1"), read, groupNotification("g1")},
	)

	counters := store.Counters()
	if counters.UnreadChat != 3 {
		t.Fatalf("expected 3 unread chat leaves, got %d", counters.UnreadChat)
	}
	if counters.UnreadGroup != 1 {
		t.Fatalf("expected 1 unread group notification, got %d", counters.UnreadGroup)
	}
	if len(store.GroupNotifications()) != 2 {
		t.Fatalf("expected snapshot duplicates to be collapsed")
	}
	if counters.Total() != 4 {
		t.Fatalf("unexpected badge total %d", counters.Total())
	}
}

func TestReplaceChatIsLastSnapshotWins(t *testing.T) {
	store := NewStore(StoreConfig{})
	store.ReplaceChat([]protocol.ChatBundle{{ConversationID: "c1", Messages: []protocol.ChatNotification{{ID: "m1"}}}})
	store.ResetUnread(protocol.ReadKindChat)
	store.ReplaceChat([]protocol.ChatBundle{{ConversationID: "c2", Messages: []protocol.ChatNotification{{ID: "m2"}, {ID: "m3"}}}})

	leaves := store.ChatNotifications()
	if len(leaves) != 2 || leaves[0].ID != "m2" {
		t.Fatalf("expected chat to be replaced, got %#v", leaves)
	}
	if counters := store.Counters(); counters.UnreadChat != 2 {
		t.Fatalf("expected chat unread to follow the latest snapshot, got %d", counters.UnreadChat)
	}
}

func TestRestoreUnreadClampsToCollection(t *testing.T) {
	store := NewStore(StoreConfig{})
	store.ApplyBulkSnapshot(nil, []protocol.GroupNotification{groupNotification("g1"), groupNotification("g2")})
	store.ResetUnread(protocol.ReadKindGroup)

	store.RestoreUnread(protocol.ReadKindGroup, 5)

	if counters := store.Counters(); counters.UnreadGroup != 2 {
		t.Fatalf("expected restored unread to be clamped to 2, got %d", counters.UnreadGroup)
	}
}

func TestStoreCapsGroupCollection(t *testing.T) {
	store := NewStore(StoreConfig{MaxGroupNotifications: 2})
	store.ApplyIncoming(groupNotification("a"))
	store.ApplyIncoming(groupNotification("b"))
	store.ApplyIncoming(groupNotification("c"))

	group := store.GroupNotifications()
	if len(group) != 2 || group[0].ID != "c" || group[1].ID != "b" {
		t.Fatalf("expected oldest notification to be dropped, got %#v", group)
	}
	if counters := store.Counters(); counters.UnreadGroup != 2 {
		t.Fatalf("expected unread to be clamped to collection size, got %d", counters.UnreadGroup)
	}
}

func TestMergeGroupDoesNotMutateExisting(t *testing.T) {
	existing := []protocol.GroupNotification{groupNotification("a")}
	merged, added, unread := MergeGroup(existing, []protocol.GroupNotification{groupNotification("b")})
	if added != 1 || unread != 1 {
		t.Fatalf("unexpected merge counts: added=%d unread=%d", added, unread)
	}
	if len(existing) != 1 || existing[0].ID != "a" {
		t.Fatalf("existing slice was modified: %#v", existing)
	}
	if len(merged) != 2 || merged[0].ID != "b" {
		t.Fatalf("unexpected merged slice: %#v", merged)
	}
}

func TestSubscribeReceivesCounterChanges(t *testing.T) {
	store := NewStore(StoreConfig{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream, unsubscribe := store.Subscribe(ctx)
	defer unsubscribe()

	store.ApplyIncoming(groupNotification("g1"))

	select {
	case counters := <-stream:
		if counters.UnreadGroup != 1 {
			t.Fatalf("expected unread group 1, got %d", counters.UnreadGroup)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("expected counter update within deadline")
	}
}

func TestUnsubscribeStopsDeliveryWithLiveContext(t *testing.T) {
	store := NewStore(StoreConfig{})
	stream, unsubscribe := store.Subscribe(context.Background())
	unsubscribe()
	unsubscribe()

	store.ApplyIncoming(groupNotification("g1"))

	select {
	case counters := <-stream:
		t.Fatalf("expected no delivery after unsubscribe, got %+v", counters)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestUnsubscribeReleasesWatcher(t *testing.T) {
	store := NewStore(StoreConfig{})
	before := runtime.NumGoroutine()

	const subscriptions = 200
	for i := 0; i < subscriptions; i++ {
		_, unsubscribe := store.Subscribe(context.Background())
		unsubscribe()
	}

	deadline := time.Now().Add(2 * time.Second)
	for runtime.NumGoroutine() > before+10 {
		if time.Now().After(deadline) {
			t.Fatalf("expected subscription watchers to exit, goroutines before=%d now=%d", before, runtime.NumGoroutine())
		}
		time.Sleep(10 * time.Millisecond)
	}
}
