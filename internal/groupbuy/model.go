package groupbuy

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

const (
	maxIdentifierLength = 190
	maxContentLength    = 4000
)

var (
	// ErrInvalidInput indicates an empty or oversized identifier or text field.
	ErrInvalidInput = errors.New("groupbuy: invalid input")
	// ErrNotMember indicates an action that requires group membership.
	ErrNotMember = errors.New("groupbuy: user is not a group member")
	// ErrGroupNotFound indicates an unknown group id.
	ErrGroupNotFound = errors.New("groupbuy: group not found")
	// ErrInvitationNotFound indicates an unknown invitation or one addressed to another user.
	ErrInvitationNotFound = errors.New("groupbuy: invitation not found")
)

// Group is a group-buy that members join to share a purchase.
type Group struct {
	GroupID          string `gorm:"column:group_id;primaryKey;size:190;not null"`
	Name             string `gorm:"column:name;size:320;not null"`
	CreatorID        string `gorm:"column:creator_id;size:190;not null;index"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Group) TableName() string {
	return "buying_groups"
}

// GroupMember records one user belonging to one group.
type GroupMember struct {
	GroupID         string `gorm:"column:group_id;primaryKey;size:190;not null"`
	UserID          string `gorm:"column:user_id;primaryKey;size:190;not null;index"`
	JoinedAtSeconds int64  `gorm:"column:joined_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (GroupMember) TableName() string {
	return "group_members"
}

// Invitation is a group notification addressed to one receiver.
type Invitation struct {
	InvitationID     string `gorm:"column:invitation_id;primaryKey;size:190;not null"`
	GroupID          string `gorm:"column:group_id;size:190;not null;index"`
	SenderID         string `gorm:"column:sender_id;size:190;not null"`
	ReceiverID       string `gorm:"column:receiver_id;size:190;not null;index:idx_invitations_receiver_read,priority:1"`
	Message          string `gorm:"column:message;type:text;not null;default:''"`
	IsRead           bool   `gorm:"column:is_read;not null;default:false;index:idx_invitations_receiver_read,priority:2"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Invitation) TableName() string {
	return "group_invitations"
}

// ChatMessage is one message posted to a group conversation.
type ChatMessage struct {
	MessageID     string `gorm:"column:message_id;primaryKey;size:190;not null"`
	GroupID       string `gorm:"column:group_id;size:190;not null;index:idx_messages_group_sent,priority:1"`
	SenderID      string `gorm:"column:sender_id;size:190;not null"`
	Content       string `gorm:"column:content;type:text;not null"`
	IsSystem      bool   `gorm:"column:is_system;not null;default:false"`
	SentAtSeconds int64  `gorm:"column:sent_at_s;not null;index:idx_messages_group_sent,priority:2"`
}

// TableName provides the explicit table binding for GORM.
func (ChatMessage) TableName() string {
	return "group_messages"
}

// MessageReceipt marks a message read by one user.
type MessageReceipt struct {
	MessageID     string `gorm:"column:message_id;primaryKey;size:190;not null"`
	UserID        string `gorm:"column:user_id;primaryKey;size:190;not null;index"`
	ReadAtSeconds int64  `gorm:"column:read_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (MessageReceipt) TableName() string {
	return "message_receipts"
}

// Models lists every table owned by this package, for schema migration.
func Models() []interface{} {
	return []interface{}{&Group{}, &GroupMember{}, &Invitation{}, &ChatMessage{}, &MessageReceipt{}}
}

// IDProvider issues record identifiers.
type IDProvider interface {
	NewID() (string, error)
}

type uuidV7Provider struct{}

// NewUUIDProvider returns an IDProvider issuing time-ordered UUIDv7 identifiers, so ordering by id
// breaks ties between records created within the same second.
func NewUUIDProvider() IDProvider {
	return uuidV7Provider{}
}

func (uuidV7Provider) NewID() (string, error) {
	value, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return value.String(), nil
}

func validateIdentifier(field, raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", fmt.Errorf("%w: %s empty", ErrInvalidInput, field)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: %s exceeds %d characters", ErrInvalidInput, field, maxIdentifierLength)
	}
	return trimmed, nil
}

func validateText(field, raw string, required bool) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if required && trimmed == "" {
		return "", fmt.Errorf("%w: %s empty", ErrInvalidInput, field)
	}
	if len(trimmed) > maxContentLength {
		return "", fmt.Errorf("%w: %s exceeds %d characters", ErrInvalidInput, field, maxContentLength)
	}
	return trimmed, nil
}
