package devserver

import (
	"context"
	"sync"

	"github.com/ecocart/groupnotify/internal/protocol"
	"go.uber.org/zap"
)

const defaultRoomBuffer = 32

// Rooms holds the per-user notification rooms. Every socket that sent join-room for a user is
// subscribed to that user's room, and server events for the user (pushed invitations, chat
// snapshots, member-joined announcements) are fanned out to all of them.
//
// A socket whose buffer is full misses the event. A dropped previous-notification is logged at
// debug level since the next snapshot replaces it; any other dropped event is lost for that socket
// and logged as a warning.
type Rooms struct {
	logger      *zap.Logger
	mu          sync.RWMutex
	subscribers map[string]map[int64]chan protocol.Envelope
	nextID      int64
	bufferSize  int
}

// NewRooms constructs an empty room registry. A nil logger discards drop reports.
func NewRooms(logger *zap.Logger) *Rooms {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Rooms{
		logger:      logger,
		subscribers: make(map[string]map[int64]chan protocol.Envelope),
		bufferSize:  defaultRoomBuffer,
	}
}

// Subscribe joins the room of userID until ctx ends or the returned func is called.
func (r *Rooms) Subscribe(ctx context.Context, userID string) (<-chan protocol.Envelope, func()) {
	if userID == "" {
		stream := make(chan protocol.Envelope)
		close(stream)
		return stream, func() {}
	}
	stream := make(chan protocol.Envelope, r.bufferSize)

	r.mu.Lock()
	r.nextID++
	id := r.nextID
	if _, ok := r.subscribers[userID]; !ok {
		r.subscribers[userID] = make(map[int64]chan protocol.Envelope)
	}
	r.subscribers[userID][id] = stream
	r.mu.Unlock()

	done := make(chan struct{})
	var once sync.Once
	leave := func() {
		once.Do(func() {
			r.mu.Lock()
			room := r.subscribers[userID]
			delete(room, id)
			if len(room) == 0 {
				delete(r.subscribers, userID)
			}
			r.mu.Unlock()
			close(done)
		})
	}
	go func() {
		select {
		case <-ctx.Done():
			leave()
		case <-done:
		}
	}()
	return stream, leave
}

// Publish delivers envelope to every socket in the room of userID and returns how many accepted
// it.
func (r *Rooms) Publish(userID string, envelope protocol.Envelope) int {
	if userID == "" || envelope.Event == "" {
		return 0
	}
	r.mu.RLock()
	room := r.subscribers[userID]
	streams := make([]chan protocol.Envelope, 0, len(room))
	for _, stream := range room {
		streams = append(streams, stream)
	}
	r.mu.RUnlock()

	delivered := 0
	for _, stream := range streams {
		select {
		case stream <- envelope:
			delivered++
		default:
			r.reportDrop(userID, envelope.Event)
		}
	}
	return delivered
}

func (r *Rooms) reportDrop(userID, event string) {
	fields := []zap.Field{zap.String("user_id", userID), zap.String("event", event)}
	if event == protocol.EventPreviousNotification {
		r.logger.Debug("room snapshot dropped", fields...)
		return
	}
	r.logger.Warn("room event dropped", fields...)
}

// Occupancy returns how many sockets are in the room of userID.
func (r *Rooms) Occupancy(userID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subscribers[userID])
}
