package main

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/ecocart/groupnotify/internal/groupjoin"
	"github.com/ecocart/groupnotify/internal/notifications"
	"github.com/ecocart/groupnotify/internal/notifier"
	"github.com/ecocart/groupnotify/internal/protocol"
	"github.com/fatih/color"
)

type fakeSession struct {
	chatReads  int
	groupReads int
	joins      []string
	joinErr    error
}

func (f *fakeSession) MarkChatRead() error {
	f.chatReads++
	return nil
}

func (f *fakeSession) MarkGroupRead() error {
	f.groupReads++
	return nil
}

func (f *fakeSession) Join(notificationID string) (bool, error) {
	if f.joinErr != nil {
		return false, f.joinErr
	}
	f.joins = append(f.joins, notificationID)
	return len(f.joins) == 1, nil
}

func (f *fakeSession) JoinState(notificationID string) groupjoin.State {
	if len(f.joins) > 0 && f.joins[0] == notificationID {
		return groupjoin.StatePending
	}
	return groupjoin.StateIdle
}

func (f *fakeSession) Counters() notifications.Counters {
	return notifications.Counters{UnreadChat: 2, UnreadGroup: 1}
}

func (f *fakeSession) ChatNotifications() []protocol.ChatNotification {
	return []protocol.ChatNotification{{ID: "m1", SenderName: "Ann", Content: "order closes friday"}}
}

func (f *fakeSession) GroupNotifications() []protocol.GroupNotification {
	return []protocol.GroupNotification{{ID: "n1", GroupID: "G1", GroupName: "Coffee", MemberCount: 3, Sender: protocol.Sender{Name: "Ann"}}}
}

func newTestConsole(t *testing.T) (*console, *bytes.Buffer) {
	t.Helper()
	previous := color.NoColor
	color.NoColor = true
	t.Cleanup(func() { color.NoColor = previous })
	buffer := &bytes.Buffer{}
	return newConsole(buffer), buffer
}

func TestRunCommandsDispatchesUntilQuit(t *testing.T) {
	console, output := newTestConsole(t)
	session := &fakeSession{}
	input := strings.NewReader("read chat\nread groups\njoin n1\njoin n1\nlist\ncounters\nquit\nread chat\n")

	if err := runCommands(context.Background(), input, session, console); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if session.chatReads != 1 || session.groupReads != 1 {
		t.Fatalf("expected one read per collection, got chat=%d group=%d", session.chatReads, session.groupReads)
	}
	if len(session.joins) != 2 {
		t.Fatalf("expected two join requests, got %v", session.joins)
	}
	text := output.String()
	for _, expected := range []string{"join for n1 already pending", "order closes friday", `"Coffee" from Ann, 3 members`, "[pending]", "[3] chat 2, groups 1"} {
		if !strings.Contains(text, expected) {
			t.Fatalf("expected output to contain %q, got:\n%s", expected, text)
		}
	}
}

func TestRunCommandsReportsErrorsAndContinues(t *testing.T) {
	console, output := newTestConsole(t)
	session := &fakeSession{joinErr: notifier.ErrUnknownNotification}
	input := strings.NewReader("bogus\nread\njoin missing\nread chat\n")

	if err := runCommands(context.Background(), input, session, console); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if session.chatReads != 1 {
		t.Fatalf("expected commands after errors to run")
	}
	text := output.String()
	if !strings.Contains(text, `unknown command "bogus"`) || !strings.Contains(text, "usage: read chat|groups") {
		t.Fatalf("unexpected output:\n%s", text)
	}
	if !strings.Contains(text, notifier.ErrUnknownNotification.Error()) {
		t.Fatalf("expected join error in output:\n%s", text)
	}
}

func TestRunCommandsStopsWithContext(t *testing.T) {
	console, _ := newTestConsole(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	reader, writer := io.Pipe()
	defer writer.Close()

	if err := runCommands(ctx, reader, &fakeSession{}, console); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestJoinChangeMessages(t *testing.T) {
	console, output := newTestConsole(t)
	console.joinChanged(groupjoin.Request{GroupID: "G1", State: groupjoin.StateFailed})
	console.memberJoined(protocol.MemberJoinedPayload{Content: "Bo joined your group"})
	text := output.String()
	if !strings.Contains(text, "joining group G1 failed") || !strings.Contains(text, "Bo joined your group") {
		t.Fatalf("unexpected output:\n%s", text)
	}
}

func TestExecuteRejectsUnknownCollection(t *testing.T) {
	console, _ := newTestConsole(t)
	if err := execute("read everything", &fakeSession{}, console); err == nil {
		t.Fatalf("expected error")
	}
	if err := execute("quit", &fakeSession{}, console); !errors.Is(err, errQuit) {
		t.Fatalf("expected errQuit, got %v", err)
	}
}
