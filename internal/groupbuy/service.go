// Package groupbuy stores groups, invitations and group chat for the reference notification server
// and renders them as notification payloads.
package groupbuy

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ecocart/groupnotify/internal/users"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	errMissingDirectory  = errors.New("user directory is required")
	noOpLogger           = zap.NewNop()
)

// ServiceError carries a dotted operation.reason code alongside the cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew       = "groupbuy.service.new"
	opCreateGroup      = "groupbuy.create_group"
	opInvite           = "groupbuy.invite"
	opPostMessage      = "groupbuy.post_message"
	opSnapshot         = "groupbuy.snapshot"
	opDescribe         = "groupbuy.describe_invitations"
	opMarkMessagesRead = "groupbuy.mark_messages_read"
	opMarkInvitesRead  = "groupbuy.mark_invitations_read"
	opJoinGroup        = "groupbuy.join_group"
)

func newServiceError(operation, reason string, cause error) error {
	return &ServiceError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

// Directory resolves user ids to profiles for sender names.
type Directory interface {
	Profiles(ctx context.Context, userIDs []string) (map[string]users.Profile, error)
}

// ServiceConfig describes the dependencies of the group-buy service.
type ServiceConfig struct {
	Database   *gorm.DB
	Directory  Directory
	Clock      func() time.Time
	IDProvider IDProvider
	Logger     *zap.Logger
}

// Service implements the group-buy operations behind the notification events.
type Service struct {
	db         *gorm.DB
	directory  Directory
	clock      func() time.Time
	idProvider IDProvider
	logger     *zap.Logger
}

// NewService validates cfg and returns a Service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	if cfg.Directory == nil {
		return nil, newServiceError(opServiceNew, "missing_directory", errMissingDirectory)
	}
	idProvider := cfg.IDProvider
	if idProvider == nil {
		return nil, newServiceError(opServiceNew, "missing_id_provider", errMissingIDProvider)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Service{
		db:         cfg.Database,
		directory:  cfg.Directory,
		clock:      clock,
		idProvider: idProvider,
		logger:     logger,
	}, nil
}

// CreateGroup creates a group with its creator as the first member.
func (s *Service) CreateGroup(ctx context.Context, creatorID, name string) (Group, error) {
	creatorID, err := validateIdentifier("creator id", creatorID)
	if err != nil {
		return Group{}, newServiceError(opCreateGroup, "invalid_creator", err)
	}
	name, err = validateText("group name", name, true)
	if err != nil {
		return Group{}, newServiceError(opCreateGroup, "invalid_name", err)
	}
	groupID, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opCreateGroup, "id_generation_failed", err)
		return Group{}, newServiceError(opCreateGroup, "id_generation_failed", err)
	}

	now := s.clock().UTC().Unix()
	group := Group{GroupID: groupID, Name: name, CreatorID: creatorID, CreatedAtSeconds: now}
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&group).Error; err != nil {
			s.logError(opCreateGroup, "group_insert_failed", err, zap.String("creator_id", creatorID))
			return newServiceError(opCreateGroup, "group_insert_failed", err)
		}
		member := GroupMember{GroupID: groupID, UserID: creatorID, JoinedAtSeconds: now}
		if err := tx.Create(&member).Error; err != nil {
			s.logError(opCreateGroup, "member_insert_failed", err, zap.String("group_id", groupID))
			return newServiceError(opCreateGroup, "member_insert_failed", err)
		}
		return nil
	})
	if txErr != nil {
		return Group{}, txErr
	}
	return group, nil
}

// Invite addresses an invitation for groupID to every receiver that is neither a member nor
// already holding an unread invitation to it. Only members may invite.
func (s *Service) Invite(ctx context.Context, groupID, senderID string, receiverIDs []string, message string) ([]Invitation, error) {
	groupID, err := validateIdentifier("group id", groupID)
	if err != nil {
		return nil, newServiceError(opInvite, "invalid_group", err)
	}
	senderID, err = validateIdentifier("sender id", senderID)
	if err != nil {
		return nil, newServiceError(opInvite, "invalid_sender", err)
	}
	message, err = validateText("message", message, false)
	if err != nil {
		return nil, newServiceError(opInvite, "invalid_message", err)
	}

	var created []Invitation
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := requireMember(tx, groupID, senderID); err != nil {
			return newServiceError(opInvite, "sender_not_member", err)
		}
		now := s.clock().UTC().Unix()
		seen := make(map[string]struct{}, len(receiverIDs))
		for _, raw := range receiverIDs {
			receiverID, err := validateIdentifier("receiver id", raw)
			if err != nil {
				return newServiceError(opInvite, "invalid_receiver", err)
			}
			if _, dup := seen[receiverID]; dup || receiverID == senderID {
				continue
			}
			seen[receiverID] = struct{}{}

			member, err := isMember(tx, groupID, receiverID)
			if err != nil {
				s.logError(opInvite, "member_select_failed", err, zap.String("group_id", groupID))
				return newServiceError(opInvite, "member_select_failed", err)
			}
			if member {
				continue
			}
			var pending int64
			if err := tx.Model(&Invitation{}).
				Where("group_id = ? AND receiver_id = ? AND is_read = ?", groupID, receiverID, false).
				Count(&pending).Error; err != nil {
				s.logError(opInvite, "invitation_select_failed", err, zap.String("group_id", groupID))
				return newServiceError(opInvite, "invitation_select_failed", err)
			}
			if pending > 0 {
				continue
			}

			invitationID, err := s.idProvider.NewID()
			if err != nil {
				s.logError(opInvite, "id_generation_failed", err)
				return newServiceError(opInvite, "id_generation_failed", err)
			}
			invitation := Invitation{
				InvitationID:     invitationID,
				GroupID:          groupID,
				SenderID:         senderID,
				ReceiverID:       receiverID,
				Message:          message,
				CreatedAtSeconds: now,
			}
			if err := tx.Create(&invitation).Error; err != nil {
				s.logError(opInvite, "invitation_insert_failed", err,
					zap.String("group_id", groupID),
					zap.String("receiver_id", receiverID))
				return newServiceError(opInvite, "invitation_insert_failed", err)
			}
			created = append(created, invitation)
		}
		return nil
	})
	if txErr != nil {
		return nil, txErr
	}
	return created, nil
}

// PostMessage appends a chat message to the group conversation, read by its sender, and returns
// the ids of the other members.
func (s *Service) PostMessage(ctx context.Context, groupID, senderID, content string) (ChatMessage, []string, error) {
	groupID, err := validateIdentifier("group id", groupID)
	if err != nil {
		return ChatMessage{}, nil, newServiceError(opPostMessage, "invalid_group", err)
	}
	senderID, err = validateIdentifier("sender id", senderID)
	if err != nil {
		return ChatMessage{}, nil, newServiceError(opPostMessage, "invalid_sender", err)
	}
	content, err = validateText("content", content, true)
	if err != nil {
		return ChatMessage{}, nil, newServiceError(opPostMessage, "invalid_content", err)
	}

	var message ChatMessage
	var recipients []string
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := requireMember(tx, groupID, senderID); err != nil {
			return newServiceError(opPostMessage, "sender_not_member", err)
		}
		created, err := s.appendMessage(tx, groupID, senderID, content, false)
		if err != nil {
			s.logError(opPostMessage, "message_insert_failed", err, zap.String("group_id", groupID))
			return newServiceError(opPostMessage, "message_insert_failed", err)
		}
		message = created
		recipients, err = otherMembers(tx, groupID, senderID)
		if err != nil {
			s.logError(opPostMessage, "member_select_failed", err, zap.String("group_id", groupID))
			return newServiceError(opPostMessage, "member_select_failed", err)
		}
		return nil
	})
	if txErr != nil {
		return ChatMessage{}, nil, txErr
	}
	return message, recipients, nil
}

// MarkMessagesRead records read receipts for userID. Receipts already present are kept.
func (s *Service) MarkMessagesRead(ctx context.Context, userID string, messageIDs []string) (int, error) {
	userID, err := validateIdentifier("user id", userID)
	if err != nil {
		return 0, newServiceError(opMarkMessagesRead, "invalid_user", err)
	}
	receipts := make([]MessageReceipt, 0, len(messageIDs))
	seen := make(map[string]struct{}, len(messageIDs))
	now := s.clock().UTC().Unix()
	for _, raw := range messageIDs {
		messageID, err := validateIdentifier("message id", raw)
		if err != nil {
			continue
		}
		if _, dup := seen[messageID]; dup {
			continue
		}
		seen[messageID] = struct{}{}
		receipts = append(receipts, MessageReceipt{MessageID: messageID, UserID: userID, ReadAtSeconds: now})
	}
	if len(receipts) == 0 {
		return 0, nil
	}
	if err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&receipts).Error; err != nil {
		s.logError(opMarkMessagesRead, "receipt_insert_failed", err, zap.String("user_id", userID))
		return 0, newServiceError(opMarkMessagesRead, "receipt_insert_failed", err)
	}
	return len(receipts), nil
}

// MarkInvitationsRead marks the listed invitations of userID read. Ids addressed to other users
// are ignored.
func (s *Service) MarkInvitationsRead(ctx context.Context, userID string, invitationIDs []string) (int64, error) {
	userID, err := validateIdentifier("user id", userID)
	if err != nil {
		return 0, newServiceError(opMarkInvitesRead, "invalid_user", err)
	}
	if len(invitationIDs) == 0 {
		return 0, nil
	}
	result := s.db.WithContext(ctx).Model(&Invitation{}).
		Where("receiver_id = ? AND invitation_id IN ?", userID, invitationIDs).
		Update("is_read", true)
	if result.Error != nil {
		s.logError(opMarkInvitesRead, "invitation_update_failed", result.Error, zap.String("user_id", userID))
		return 0, newServiceError(opMarkInvitesRead, "invitation_update_failed", result.Error)
	}
	return result.RowsAffected, nil
}

// JoinResult describes the effects of accepting an invitation.
type JoinResult struct {
	Group Group
	// Invitation is the accepted invitation as stored after the join, already marked read.
	Invitation    Invitation
	Member        users.Profile
	Announcement  *ChatMessage
	OtherMembers  []string
	AlreadyMember bool
}

// JoinGroup accepts the invitation notificationID on behalf of userID: it adds the membership,
// announces the new member in the group conversation and marks the invitation read. Accepting an
// invitation to a group the user already belongs to only marks it read.
func (s *Service) JoinGroup(ctx context.Context, userID, notificationID, groupID string) (JoinResult, error) {
	userID, err := validateIdentifier("user id", userID)
	if err != nil {
		return JoinResult{}, newServiceError(opJoinGroup, "invalid_user", err)
	}
	notificationID, err = validateIdentifier("notification id", notificationID)
	if err != nil {
		return JoinResult{}, newServiceError(opJoinGroup, "invalid_notification", err)
	}
	groupID, err = validateIdentifier("group id", groupID)
	if err != nil {
		return JoinResult{}, newServiceError(opJoinGroup, "invalid_group", err)
	}

	profiles, err := s.directory.Profiles(ctx, []string{userID})
	if err != nil {
		s.logError(opJoinGroup, "profile_lookup_failed", err, zap.String("user_id", userID))
		return JoinResult{}, newServiceError(opJoinGroup, "profile_lookup_failed", err)
	}
	result := JoinResult{Member: profiles[userID]}

	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var invitation Invitation
		err := tx.Where("invitation_id = ? AND receiver_id = ? AND group_id = ?", notificationID, userID, groupID).
			Take(&invitation).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return newServiceError(opJoinGroup, "invitation_not_found", ErrInvitationNotFound)
		}
		if err != nil {
			s.logError(opJoinGroup, "invitation_select_failed", err, zap.String("notification_id", notificationID))
			return newServiceError(opJoinGroup, "invitation_select_failed", err)
		}

		if err := tx.Where("group_id = ?", groupID).Take(&result.Group).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return newServiceError(opJoinGroup, "group_not_found", ErrGroupNotFound)
			}
			s.logError(opJoinGroup, "group_select_failed", err, zap.String("group_id", groupID))
			return newServiceError(opJoinGroup, "group_select_failed", err)
		}

		member, err := isMember(tx, groupID, userID)
		if err != nil {
			s.logError(opJoinGroup, "member_select_failed", err, zap.String("group_id", groupID))
			return newServiceError(opJoinGroup, "member_select_failed", err)
		}
		result.AlreadyMember = member
		if !member {
			membership := GroupMember{GroupID: groupID, UserID: userID, JoinedAtSeconds: s.clock().UTC().Unix()}
			if err := tx.Create(&membership).Error; err != nil {
				s.logError(opJoinGroup, "member_insert_failed", err, zap.String("group_id", groupID))
				return newServiceError(opJoinGroup, "member_insert_failed", err)
			}
			announcement, err := s.appendMessage(tx, groupID, userID, JoinAnnouncement(result.Member.Name()), true)
			if err != nil {
				s.logError(opJoinGroup, "message_insert_failed", err, zap.String("group_id", groupID))
				return newServiceError(opJoinGroup, "message_insert_failed", err)
			}
			result.Announcement = &announcement
		}

		if err := tx.Model(&Invitation{}).
			Where("invitation_id = ?", notificationID).
			Update("is_read", true).Error; err != nil {
			s.logError(opJoinGroup, "invitation_update_failed", err, zap.String("notification_id", notificationID))
			return newServiceError(opJoinGroup, "invitation_update_failed", err)
		}
		invitation.IsRead = true
		result.Invitation = invitation

		others, err := otherMembers(tx, groupID, userID)
		if err != nil {
			s.logError(opJoinGroup, "member_select_failed", err, zap.String("group_id", groupID))
			return newServiceError(opJoinGroup, "member_select_failed", err)
		}
		result.OtherMembers = others
		return nil
	})
	if txErr != nil {
		return JoinResult{}, txErr
	}
	return result, nil
}

// JoinAnnouncement is the system message posted when name joins a group.
func JoinAnnouncement(name string) string {
	return fmt.Sprintf("%s joined your group", name)
}

func (s *Service) appendMessage(tx *gorm.DB, groupID, senderID, content string, system bool) (ChatMessage, error) {
	messageID, err := s.idProvider.NewID()
	if err != nil {
		return ChatMessage{}, err
	}
	now := s.clock().UTC().Unix()
	message := ChatMessage{
		MessageID:     messageID,
		GroupID:       groupID,
		SenderID:      senderID,
		Content:       content,
		IsSystem:      system,
		SentAtSeconds: now,
	}
	if err := tx.Create(&message).Error; err != nil {
		return ChatMessage{}, err
	}
	receipt := MessageReceipt{MessageID: messageID, UserID: senderID, ReadAtSeconds: now}
	if err := tx.Create(&receipt).Error; err != nil {
		return ChatMessage{}, err
	}
	return message, nil
}

func requireMember(tx *gorm.DB, groupID, userID string) error {
	member, err := isMember(tx, groupID, userID)
	if err != nil {
		return err
	}
	if !member {
		return ErrNotMember
	}
	return nil
}

func isMember(tx *gorm.DB, groupID, userID string) (bool, error) {
	var count int64
	if err := tx.Model(&GroupMember{}).
		Where("group_id = ? AND user_id = ?", groupID, userID).
		Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}

func otherMembers(tx *gorm.DB, groupID, userID string) ([]string, error) {
	var memberIDs []string
	if err := tx.Model(&GroupMember{}).
		Where("group_id = ? AND user_id <> ?", groupID, userID).
		Order("joined_at_s ASC, user_id ASC").
		Pluck("user_id", &memberIDs).Error; err != nil {
		return nil, err
	}
	return memberIDs, nil
}

func (s *Service) loggerOrDefault() *zap.Logger {
	if s == nil || s.logger == nil {
		return noOpLogger
	}
	return s.logger
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.loggerOrDefault().Error("groupbuy service error", attrs...)
}
