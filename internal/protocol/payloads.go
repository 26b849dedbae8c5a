package protocol

import (
	"bytes"
	"encoding/json"
	"time"
)

// Sender identifies who issued a group notification.
type Sender struct {
	Name  string `json:"name"`
	Email string `json:"email"`
}

// ChatNotification is a single unread chat message.
type ChatNotification struct {
	ID             string    `json:"id"`
	SenderID       string    `json:"senderId"`
	SenderName     string    `json:"senderName"`
	Content        string    `json:"content"`
	SentAt         time.Time `json:"sentAt"`
	ConversationID string    `json:"conversationId"`
}

// ChatBundle groups the unread chat notifications of one conversation.
type ChatBundle struct {
	ConversationID string             `json:"id"`
	Name           string             `json:"name"`
	Messages       []ChatNotification `json:"message"`
}

// GroupNotification is a group-buy invitation or event.
type GroupNotification struct {
	ID          string    `json:"id"`
	GroupID     string    `json:"groupId"`
	GroupName   string    `json:"groupName"`
	MemberCount int       `json:"memberCount"`
	Sender      Sender    `json:"sender"`
	Message     string    `json:"message,omitempty"`
	IsRead      bool      `json:"isRead"`
	CreatedAt   time.Time `json:"createdAt"`
}

// PreviousNotificationPayload is the authoritative bulk snapshot sent after a room join.
type PreviousNotificationPayload struct {
	Message      []ChatBundle        `json:"message"`
	Notification []GroupNotification `json:"notification"`
}

// GroupNotifications decodes either a single notification object or an array of them.
type GroupNotifications []GroupNotification

// UnmarshalJSON accepts both shapes the server emits for receive-notification.
func (n *GroupNotifications) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		*n = nil
		return nil
	}
	if trimmed[0] == '[' {
		var list []GroupNotification
		if err := json.Unmarshal(trimmed, &list); err != nil {
			return err
		}
		*n = list
		return nil
	}
	var single GroupNotification
	if err := json.Unmarshal(trimmed, &single); err != nil {
		return err
	}
	*n = GroupNotifications{single}
	return nil
}

// ReceiveNotificationPayload carries an incremental group push.
type ReceiveNotificationPayload struct {
	Notification GroupNotifications `json:"notification"`
}

// MarkReadMessagePayload asks the server to mark every message in Data as read.
type MarkReadMessagePayload struct {
	Data   []ChatBundle `json:"data"`
	UserID string       `json:"userId"`
}

// MarkGroupNotificationPayload asks the server to mark the listed notifications as read.
type MarkGroupNotificationPayload struct {
	Data   []GroupNotification `json:"data"`
	UserID string              `json:"userId"`
}

// JoinGroupPayload accepts a group-buy invitation.
type JoinGroupPayload struct {
	NotificationID string `json:"notificationId"`
	GroupID        string `json:"groupId"`
	UserID         string `json:"userId"`
}

// AckPayload is the body of marked-message and marked-group-notification.
type AckPayload struct {
	Message string `json:"message,omitempty"`
}

// MemberJoinedPayload announces a new member to the rest of a group.
type MemberJoinedPayload struct {
	Name     string `json:"name"`
	SenderID string `json:"senderId"`
	Content  string `json:"content"`
}

// Flatten returns the leaf chat notifications of bundles in order, dropping repeated ids.
func Flatten(bundles []ChatBundle) []ChatNotification {
	if len(bundles) == 0 {
		return nil
	}
	seen := make(map[string]struct{})
	leaves := make([]ChatNotification, 0, len(bundles))
	for _, bundle := range bundles {
		for _, message := range bundle.Messages {
			if message.ID != "" {
				if _, ok := seen[message.ID]; ok {
					continue
				}
				seen[message.ID] = struct{}{}
			}
			if message.ConversationID == "" {
				message.ConversationID = bundle.ConversationID
			}
			leaves = append(leaves, message)
		}
	}
	return leaves
}
