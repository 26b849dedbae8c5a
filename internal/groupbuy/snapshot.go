package groupbuy

import (
	"context"
	"time"

	"github.com/ecocart/groupnotify/internal/protocol"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type memberCountRow struct {
	GroupID string
	Members int
}

// Snapshot builds the previous-notification payload of userID: the unread invitations, newest
// first, and one chat bundle per group holding messages the user has not read. Groups without
// unread messages are skipped.
func (s *Service) Snapshot(ctx context.Context, userID string) (protocol.PreviousNotificationPayload, error) {
	userID, err := validateIdentifier("user id", userID)
	if err != nil {
		return protocol.PreviousNotificationPayload{}, newServiceError(opSnapshot, "invalid_user", err)
	}
	db := s.db.WithContext(ctx)

	var invitations []Invitation
	if err := db.Where("receiver_id = ? AND is_read = ?", userID, false).
		Order("created_at_s DESC, invitation_id DESC").
		Find(&invitations).Error; err != nil {
		s.logError(opSnapshot, "invitation_select_failed", err, zap.String("user_id", userID))
		return protocol.PreviousNotificationPayload{}, newServiceError(opSnapshot, "invitation_select_failed", err)
	}
	notifications, err := s.DescribeInvitations(ctx, invitations)
	if err != nil {
		return protocol.PreviousNotificationPayload{}, err
	}

	bundles, err := s.unreadBundles(ctx, db, userID)
	if err != nil {
		return protocol.PreviousNotificationPayload{}, err
	}

	return protocol.PreviousNotificationPayload{
		Message:      bundles,
		Notification: notifications,
	}, nil
}

// DescribeInvitations renders invitations as group notifications with group name, member count
// and sender profile.
func (s *Service) DescribeInvitations(ctx context.Context, invitations []Invitation) ([]protocol.GroupNotification, error) {
	notifications := make([]protocol.GroupNotification, 0, len(invitations))
	if len(invitations) == 0 {
		return notifications, nil
	}
	db := s.db.WithContext(ctx)

	groupIDs := make([]string, 0, len(invitations))
	senderIDs := make([]string, 0, len(invitations))
	for _, invitation := range invitations {
		groupIDs = append(groupIDs, invitation.GroupID)
		senderIDs = append(senderIDs, invitation.SenderID)
	}

	groups, err := s.groupsByID(db, groupIDs)
	if err != nil {
		s.logError(opDescribe, "group_select_failed", err)
		return nil, newServiceError(opDescribe, "group_select_failed", err)
	}
	var counts []memberCountRow
	if err := db.Model(&GroupMember{}).
		Select("group_id, count(*) AS members").
		Where("group_id IN ?", groupIDs).
		Group("group_id").
		Scan(&counts).Error; err != nil {
		s.logError(opDescribe, "member_count_failed", err)
		return nil, newServiceError(opDescribe, "member_count_failed", err)
	}
	memberCounts := make(map[string]int, len(counts))
	for _, row := range counts {
		memberCounts[row.GroupID] = row.Members
	}
	senders, err := s.directory.Profiles(ctx, senderIDs)
	if err != nil {
		s.logError(opDescribe, "profile_lookup_failed", err)
		return nil, newServiceError(opDescribe, "profile_lookup_failed", err)
	}

	for _, invitation := range invitations {
		sender := senders[invitation.SenderID]
		notifications = append(notifications, protocol.GroupNotification{
			ID:          invitation.InvitationID,
			GroupID:     invitation.GroupID,
			GroupName:   groups[invitation.GroupID].Name,
			MemberCount: memberCounts[invitation.GroupID],
			Sender:      protocol.Sender{Name: sender.Name(), Email: sender.Email},
			Message:     invitation.Message,
			IsRead:      invitation.IsRead,
			CreatedAt:   time.Unix(invitation.CreatedAtSeconds, 0).UTC(),
		})
	}
	return notifications, nil
}

func (s *Service) unreadBundles(ctx context.Context, db *gorm.DB, userID string) ([]protocol.ChatBundle, error) {
	var groupIDs []string
	if err := db.Model(&GroupMember{}).
		Where("user_id = ?", userID).
		Order("joined_at_s ASC, group_id ASC").
		Pluck("group_id", &groupIDs).Error; err != nil {
		s.logError(opSnapshot, "membership_select_failed", err, zap.String("user_id", userID))
		return nil, newServiceError(opSnapshot, "membership_select_failed", err)
	}
	bundles := make([]protocol.ChatBundle, 0, len(groupIDs))
	if len(groupIDs) == 0 {
		return bundles, nil
	}

	var messages []ChatMessage
	if err := db.Where("group_id IN ?", groupIDs).
		Where("NOT EXISTS (SELECT 1 FROM message_receipts r WHERE r.message_id = group_messages.message_id AND r.user_id = ?)", userID).
		Order("sent_at_s ASC, message_id ASC").
		Find(&messages).Error; err != nil {
		s.logError(opSnapshot, "message_select_failed", err, zap.String("user_id", userID))
		return nil, newServiceError(opSnapshot, "message_select_failed", err)
	}
	if len(messages) == 0 {
		return bundles, nil
	}

	groups, err := s.groupsByID(db, groupIDs)
	if err != nil {
		s.logError(opSnapshot, "group_select_failed", err, zap.String("user_id", userID))
		return nil, newServiceError(opSnapshot, "group_select_failed", err)
	}
	senderIDs := make([]string, 0, len(messages))
	for _, message := range messages {
		senderIDs = append(senderIDs, message.SenderID)
	}
	senders, err := s.directory.Profiles(ctx, senderIDs)
	if err != nil {
		s.logError(opSnapshot, "profile_lookup_failed", err, zap.String("user_id", userID))
		return nil, newServiceError(opSnapshot, "profile_lookup_failed", err)
	}

	unread := make(map[string][]protocol.ChatNotification, len(groupIDs))
	for _, message := range messages {
		unread[message.GroupID] = append(unread[message.GroupID], protocol.ChatNotification{
			ID:             message.MessageID,
			SenderID:       message.SenderID,
			SenderName:     senders[message.SenderID].Name(),
			Content:        message.Content,
			SentAt:         time.Unix(message.SentAtSeconds, 0).UTC(),
			ConversationID: message.GroupID,
		})
	}
	for _, groupID := range groupIDs {
		leaves := unread[groupID]
		if len(leaves) == 0 {
			continue
		}
		bundles = append(bundles, protocol.ChatBundle{
			ConversationID: groupID,
			Name:           groups[groupID].Name,
			Messages:       leaves,
		})
	}
	return bundles, nil
}

func (s *Service) groupsByID(db *gorm.DB, groupIDs []string) (map[string]Group, error) {
	var groups []Group
	if err := db.Where("group_id IN ?", groupIDs).Find(&groups).Error; err != nil {
		return nil, err
	}
	byID := make(map[string]Group, len(groups))
	for _, group := range groups {
		byID[group.GroupID] = group
	}
	return byID, nil
}
