// Package protocol defines the event surface shared by the notification client and server.
package protocol

// Client to server events.
const (
	EventJoinRoom              = "join-room"
	EventMarkReadMessage       = "mark-read-message"
	EventMarkGroupNotification = "mark-group-notification"
	EventJoinGroup             = "join-group"
)

// Server to client events.
const (
	EventPreviousNotification    = "previous-notification"
	EventReceiveNotification     = "receive-notification"
	EventMarkedMessage           = "marked-message"
	EventMarkedGroupNotification = "marked-group-notification"
	EventMemberJoinedGroup       = "newUser-join-group"
)

// ReadKind selects one of the two notification collections.
type ReadKind string

const (
	ReadKindChat  ReadKind = "chat"
	ReadKindGroup ReadKind = "group"
)

// CommandEvent returns the client event that requests a read-state reset.
func (k ReadKind) CommandEvent() string {
	switch k {
	case ReadKindChat:
		return EventMarkReadMessage
	case ReadKindGroup:
		return EventMarkGroupNotification
	default:
		return ""
	}
}

// AckEvent returns the server event acknowledging CommandEvent.
func (k ReadKind) AckEvent() string {
	switch k {
	case ReadKindChat:
		return EventMarkedMessage
	case ReadKindGroup:
		return EventMarkedGroupNotification
	default:
		return ""
	}
}

// Valid reports whether k names a known collection.
func (k ReadKind) Valid() bool {
	return k == ReadKindChat || k == ReadKindGroup
}
