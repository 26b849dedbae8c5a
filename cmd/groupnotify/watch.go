package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/ecocart/groupnotify/internal/channel"
	"github.com/ecocart/groupnotify/internal/config"
	"github.com/ecocart/groupnotify/internal/groupjoin"
	"github.com/ecocart/groupnotify/internal/identity"
	"github.com/ecocart/groupnotify/internal/logging"
	"github.com/ecocart/groupnotify/internal/notifications"
	"github.com/ecocart/groupnotify/internal/notifier"
	"github.com/ecocart/groupnotify/internal/protocol"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const watchHelp = `commands:
  list          show chat and group notifications
  read chat     mark every chat notification read
  read groups   mark every group notification read
  join <id>     accept the group invitation <id>
  quit          stop watching`

func newWatchCommand(defaults *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Connect as a user and follow notification counters",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWatch(cmd.Context(), cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
	cmd.PersistentFlags().String("server-url", defaults.GetString("server.url"), "Notification socket url")
	cmd.PersistentFlags().String("token", "", "Session token (overrides env)")
	cmd.PersistentFlags().Duration("join-timeout", defaults.GetDuration("notifications.join_timeout"), "Time to wait for a join confirmation")
	cmd.PersistentFlags().Duration("ack-timeout", defaults.GetDuration("notifications.ack_timeout"), "Time to wait for a read acknowledgement")
	cmd.PersistentFlags().Bool("optimistic-reads", defaults.GetBool("notifications.optimistic_reads"), "Zero counters before the server acknowledges")
	cmd.PersistentFlags().Int("max-group", defaults.GetInt("notifications.max_group"), "Keep at most this many group notifications (0 keeps all)")
	cmd.PersistentFlags().Duration("reconnect-delay", defaults.GetDuration("transport.reconnect_delay"), "Minimum spacing between reconnect attempts")

	bindFlag(cmd, "server.url", "server-url")
	bindFlag(cmd, "auth.token", "token")
	bindFlag(cmd, "notifications.join_timeout", "join-timeout")
	bindFlag(cmd, "notifications.ack_timeout", "ack-timeout")
	bindFlag(cmd, "notifications.optimistic_reads", "optimistic-reads")
	bindFlag(cmd, "notifications.max_group", "max-group")
	bindFlag(cmd, "transport.reconnect_delay", "reconnect-delay")
	return cmd
}

func runWatch(ctx context.Context, in io.Reader, out io.Writer) error {
	clientConfig, err := config.LoadClient(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(clientConfig.LogLevel, clientConfig.LogFormat)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	user, err := identity.ClaimsFromToken(clientConfig.Token, time.Now())
	if err != nil {
		return err
	}

	connection, err := channel.New(channel.Config{
		Dialer: channel.WebsocketDialer{
			URL:              clientConfig.ServerURL,
			Token:            clientConfig.Token,
			HandshakeTimeout: clientConfig.HandshakeTimeout,
		},
		Logger:         logger.Named("channel"),
		ReconnectDelay: clientConfig.ReconnectDelay,
	})
	if err != nil {
		return err
	}

	console := newConsole(out)
	session, err := notifier.New(notifier.Dependencies{
		Channel:               connection,
		Logger:                logger.Named("notifier"),
		OptimisticReads:       clientConfig.OptimisticReads,
		AckTimeout:            clientConfig.AckTimeout,
		JoinTimeout:           clientConfig.JoinTimeout,
		MaxGroupNotifications: clientConfig.MaxGroupNotifications,
		OnMemberJoined:        console.memberJoined,
		OnJoinChange:          console.joinChanged,
	})
	if err != nil {
		return err
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := session.Start(signalCtx, user); err != nil {
		return err
	}
	defer session.Stop() //nolint:errcheck

	updates, unsubscribe := session.Subscribe(signalCtx)
	defer unsubscribe()
	go func() {
		for {
			select {
			case counters := <-updates:
				console.badge(counters)
			case <-signalCtx.Done():
				return
			}
		}
	}()

	console.info("watching notifications for %s (%s)", user.UserID, clientConfig.ServerURL)
	console.plain(watchHelp)
	return runCommands(signalCtx, in, session, console)
}

type watchSession interface {
	MarkChatRead() error
	MarkGroupRead() error
	Join(notificationID string) (bool, error)
	JoinState(notificationID string) groupjoin.State
	Counters() notifications.Counters
	ChatNotifications() []protocol.ChatNotification
	GroupNotifications() []protocol.GroupNotification
}

var errQuit = errors.New("quit")

// runCommands executes one command per input line until quit, end of input or ctx ends.
func runCommands(ctx context.Context, in io.Reader, session watchSession, console *console) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if err := execute(line, session, console); err != nil {
				if errors.Is(err, errQuit) {
					return nil
				}
				console.warn("%v", err)
			}
		}
	}
}

func execute(line string, session watchSession, console *console) error {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil
	}
	switch strings.ToLower(fields[0]) {
	case "list", "ls":
		console.list(session)
		return nil
	case "read":
		if len(fields) != 2 {
			return fmt.Errorf("usage: read chat|groups")
		}
		switch strings.ToLower(fields[1]) {
		case "chat":
			return session.MarkChatRead()
		case "group", "groups":
			return session.MarkGroupRead()
		default:
			return fmt.Errorf("unknown collection %q", fields[1])
		}
	case "join":
		if len(fields) != 2 {
			return fmt.Errorf("usage: join <notification id>")
		}
		sent, err := session.Join(fields[1])
		if err != nil {
			return err
		}
		if !sent {
			console.info("join for %s already pending", fields[1])
		}
		return nil
	case "counters":
		console.badge(session.Counters())
		return nil
	case "help":
		console.plain(watchHelp)
		return nil
	case "quit", "exit":
		return errQuit
	default:
		return fmt.Errorf("unknown command %q", fields[0])
	}
}

type console struct {
	mu     sync.Mutex
	out    io.Writer
	accent *color.Color
	notice *color.Color
	alert  *color.Color
	muted  *color.Color
}

func newConsole(out io.Writer) *console {
	return &console{
		out:    out,
		accent: color.New(color.FgCyan, color.Bold),
		notice: color.New(color.FgGreen),
		alert:  color.New(color.FgYellow),
		muted:  color.New(color.Faint),
	}
}

func (c *console) badge(counters notifications.Counters) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.accent.Fprintf(c.out, "[%d]", counters.Total())
	fmt.Fprintf(c.out, " chat %d, groups %d\n", counters.UnreadChat, counters.UnreadGroup)
}

func (c *console) list(session watchSession) {
	chat := session.ChatNotifications()
	group := session.GroupNotifications()

	c.mu.Lock()
	defer c.mu.Unlock()
	c.accent.Fprintf(c.out, "chat (%d)\n", len(chat))
	for _, message := range chat {
		fmt.Fprintf(c.out, "  %s %s: %s\n", message.ID, message.SenderName, message.Content)
	}
	c.accent.Fprintf(c.out, "groups (%d)\n", len(group))
	for _, notification := range group {
		marker := " "
		if !notification.IsRead {
			marker = "*"
		}
		fmt.Fprintf(c.out, "%s %s %q from %s, %d members", marker, notification.ID,
			notification.GroupName, notification.Sender.Name, notification.MemberCount)
		if state := session.JoinState(notification.ID); state != groupjoin.StateIdle {
			c.muted.Fprintf(c.out, " [%s]", state)
		}
		fmt.Fprintln(c.out)
	}
}

func (c *console) memberJoined(payload protocol.MemberJoinedPayload) {
	c.info("%s", payload.Content)
}

func (c *console) joinChanged(request groupjoin.Request) {
	switch request.State {
	case groupjoin.StatePending:
		c.info("joining group %s", request.GroupID)
	case groupjoin.StateSucceeded:
		c.info("joined group %s", request.GroupID)
	case groupjoin.StateFailed:
		c.warn("joining group %s failed, try again", request.GroupID)
	}
}

func (c *console) info(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.notice.Fprintf(c.out, format+"\n", args...)
}

func (c *console) warn(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.alert.Fprintf(c.out, format+"\n", args...)
}

func (c *console) plain(text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintln(c.out, text)
}
