package devserver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/ecocart/groupnotify/internal/groupbuy"
	"github.com/ecocart/groupnotify/internal/identity"
	"github.com/ecocart/groupnotify/internal/protocol"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	writeWait        = 10 * time.Second
	pongWait         = 60 * time.Second
	pingPeriod       = (pongWait * 9) / 10
	maxFrameSize     = 64 << 10
	outboundBuffer   = 64
	inboundPerSecond = 20
	inboundBurst     = 40

	messagesMarkedText      = "Messages are marked"
	notificationsMarkedText = "Notifications are marked"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(*http.Request) bool {
		return true
	},
}

// socketSession serves one authenticated notification socket. Inbound events are handled in
// order on the read loop; all writes go through the outbound queue drained by writeLoop.
type socketSession struct {
	id       string
	conn     *websocket.Conn
	user     identity.Claims
	handler  *httpHandler
	logger   *zap.Logger
	limiter  *rate.Limiter
	outbound chan protocol.Envelope

	roomMu    sync.Mutex
	leaveRoom context.CancelFunc
}

func newSocketSession(conn *websocket.Conn, user identity.Claims, handler *httpHandler) *socketSession {
	id := uuid.NewString()
	return &socketSession{
		id:       id,
		conn:     conn,
		user:     user,
		handler:  handler,
		logger:   handler.logger.With(zap.String("socket_id", id), zap.String("user_id", user.UserID)),
		limiter:  rate.NewLimiter(rate.Limit(inboundPerSecond), inboundBurst),
		outbound: make(chan protocol.Envelope, outboundBuffer),
	}
}

func (s *socketSession) serve(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()
	defer s.conn.Close()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		s.writeLoop(ctx)
	}()

	s.logger.Info("notification socket opened")
	err := s.readLoop(ctx)
	cancel()
	<-writerDone
	s.roomMu.Lock()
	if s.leaveRoom != nil {
		s.leaveRoom()
	}
	s.roomMu.Unlock()

	if err != nil && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		s.logger.Debug("notification socket read ended", zap.Error(err))
	}
	s.logger.Info("notification socket closed")
}

func (s *socketSession) readLoop(ctx context.Context) error {
	s.conn.SetReadLimit(maxFrameSize)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var envelope protocol.Envelope
		if err := s.conn.ReadJSON(&envelope); err != nil {
			var syntaxErr *json.SyntaxError
			var typeErr *json.UnmarshalTypeError
			if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
				s.logger.Warn("socket frame rejected", zap.Error(err))
				continue
			}
			return err
		}
		if !s.limiter.Allow() {
			s.logger.Warn("socket event dropped by rate limit", zap.String("event", envelope.Event))
			continue
		}
		s.handle(ctx, envelope)
	}
}

func (s *socketSession) writeLoop(ctx context.Context) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case envelope := <-s.outbound:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteJSON(envelope); err != nil {
				s.logger.Warn("socket write failed", zap.String("event", envelope.Event), zap.Error(err))
				_ = s.conn.Close()
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				_ = s.conn.Close()
				return
			}
		case <-ctx.Done():
			_ = s.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			return
		}
	}
}

func (s *socketSession) handle(ctx context.Context, envelope protocol.Envelope) {
	switch envelope.Event {
	case protocol.EventJoinRoom:
		s.handleJoinRoom(ctx, envelope)
	case protocol.EventMarkReadMessage:
		s.handleMarkReadMessage(ctx, envelope)
	case protocol.EventMarkGroupNotification:
		s.handleMarkGroupNotification(ctx, envelope)
	case protocol.EventJoinGroup:
		s.handleJoinGroup(ctx, envelope)
	default:
		s.logger.Debug("unhandled socket event", zap.String("event", envelope.Event))
	}
}

func (s *socketSession) handleJoinRoom(ctx context.Context, envelope protocol.Envelope) {
	userID, err := envelope.DecodeUserID()
	if err != nil {
		s.logger.Warn("join room rejected", zap.Error(err))
		return
	}
	if userID != s.user.UserID {
		s.logger.Warn("join room for another user rejected", zap.String("requested_user_id", userID))
		return
	}

	s.roomMu.Lock()
	if s.leaveRoom != nil {
		s.leaveRoom()
	}
	roomCtx, leave := context.WithCancel(ctx)
	s.leaveRoom = leave
	s.roomMu.Unlock()

	stream, _ := s.handler.rooms.Subscribe(roomCtx, userID)
	go s.forward(roomCtx, stream)
	s.logger.Debug("room joined")
	s.sendSnapshot(ctx)
}

func (s *socketSession) handleMarkReadMessage(ctx context.Context, envelope protocol.Envelope) {
	var payload protocol.MarkReadMessagePayload
	if err := envelope.Decode(&payload); err != nil {
		s.logger.Warn("mark read message rejected", zap.Error(err))
		return
	}
	if !s.ownsPayload(payload.UserID) {
		return
	}
	leaves := protocol.Flatten(payload.Data)
	messageIDs := make([]string, 0, len(leaves))
	for _, leaf := range leaves {
		messageIDs = append(messageIDs, leaf.ID)
	}
	if _, err := s.handler.groups.MarkMessagesRead(ctx, s.user.UserID, messageIDs); err != nil {
		s.logger.Error("mark read message failed", zap.Error(err))
		return
	}
	s.send(protocol.EventMarkedMessage, protocol.AckPayload{Message: messagesMarkedText})
}

func (s *socketSession) handleMarkGroupNotification(ctx context.Context, envelope protocol.Envelope) {
	var payload protocol.MarkGroupNotificationPayload
	if err := envelope.Decode(&payload); err != nil {
		s.logger.Warn("mark group notification rejected", zap.Error(err))
		return
	}
	if !s.ownsPayload(payload.UserID) {
		return
	}
	ids := make([]string, 0, len(payload.Data))
	for _, notification := range payload.Data {
		ids = append(ids, notification.ID)
	}
	if _, err := s.handler.groups.MarkInvitationsRead(ctx, s.user.UserID, ids); err != nil {
		s.logger.Error("mark group notification failed", zap.Error(err))
		return
	}
	s.send(protocol.EventMarkedGroupNotification, protocol.AckPayload{Message: notificationsMarkedText})
}

// handleJoinGroup has no failure event on the wire; a rejected join only logs and the client
// falls back to its timeout.
func (s *socketSession) handleJoinGroup(ctx context.Context, envelope protocol.Envelope) {
	var payload protocol.JoinGroupPayload
	if err := envelope.Decode(&payload); err != nil {
		s.logger.Warn("join group rejected", zap.Error(err))
		return
	}
	if !s.ownsPayload(payload.UserID) {
		return
	}
	result, err := s.handler.groups.JoinGroup(ctx, s.user.UserID, payload.NotificationID, payload.GroupID)
	if err != nil {
		s.logger.Warn("join group failed",
			zap.String("notification_id", payload.NotificationID),
			zap.String("group_id", payload.GroupID),
			zap.Error(err))
		return
	}

	if result.Announcement != nil {
		announcement := protocol.MemberJoinedPayload{
			Name:     result.Member.Name(),
			SenderID: s.user.UserID,
			Content:  result.Announcement.Content,
		}
		for _, memberID := range result.OtherMembers {
			s.handler.publish(memberID, protocol.EventMemberJoinedGroup, announcement)
		}
	}
	s.logger.Info("group joined",
		zap.String("group_id", result.Group.GroupID),
		zap.Bool("already_member", result.AlreadyMember))
	s.sendJoinReply(ctx, result.Invitation)
}

// sendJoinReply resends the snapshot with the accepted invitation listed as read, which is the
// only confirmation a joining client receives.
func (s *socketSession) sendJoinReply(ctx context.Context, accepted groupbuy.Invitation) {
	snapshot, err := s.handler.groups.Snapshot(ctx, s.user.UserID)
	if err != nil {
		s.logger.Error("snapshot failed", zap.Error(err))
		return
	}
	described, err := s.handler.groups.DescribeInvitations(ctx, []groupbuy.Invitation{accepted})
	if err != nil {
		s.logger.Error("accepted invitation lookup failed", zap.Error(err))
		return
	}
	snapshot.Notification = append(described, snapshot.Notification...)
	s.send(protocol.EventPreviousNotification, snapshot)
}

func (s *socketSession) ownsPayload(userID string) bool {
	if userID == "" || userID == s.user.UserID {
		return true
	}
	s.logger.Warn("socket event for another user rejected", zap.String("requested_user_id", userID))
	return false
}

func (s *socketSession) sendSnapshot(ctx context.Context) {
	snapshot, err := s.handler.groups.Snapshot(ctx, s.user.UserID)
	if err != nil {
		s.logger.Error("snapshot failed", zap.Error(err))
		return
	}
	s.send(protocol.EventPreviousNotification, snapshot)
}

func (s *socketSession) send(event string, payload any) {
	envelope, err := protocol.NewEnvelope(event, payload)
	if err != nil {
		s.logger.Error("socket event encode failed", zap.String("event", event), zap.Error(err))
		return
	}
	s.enqueue(envelope)
}

func (s *socketSession) enqueue(envelope protocol.Envelope) {
	select {
	case s.outbound <- envelope:
	default:
		s.logger.Warn("socket outbound queue full", zap.String("event", envelope.Event))
	}
}

func (s *socketSession) forward(ctx context.Context, stream <-chan protocol.Envelope) {
	for {
		select {
		case envelope, ok := <-stream:
			if !ok {
				return
			}
			s.enqueue(envelope)
		case <-ctx.Done():
			return
		}
	}
}
