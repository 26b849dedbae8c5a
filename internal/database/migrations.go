package database

import (
	"errors"
	"time"

	"github.com/ecocart/groupnotify/internal/groupbuy"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationCloseMemberInvitations = "2026-05-11_close_invitations_of_members"
	migrationReceiptsForSenders     = "2026-06-02_backfill_sender_receipts"
)

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationCloseMemberInvitations, apply: closeInvitationsOfMembers},
		{name: migrationReceiptsForSenders, apply: backfillSenderReceipts},
	}

	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := db.Transaction(func(tx *gorm.DB) error {
			if err := migration.apply(tx); err != nil {
				return err
			}
			return tx.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: time.Now().UTC().Unix()}).Error
		}); err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// closeInvitationsOfMembers marks read the invitations whose receiver already belongs to the group,
// so they stop appearing in snapshots.
func closeInvitationsOfMembers(db *gorm.DB) error {
	return db.Model(&groupbuy.Invitation{}).
		Where("is_read = ?", false).
		Where("EXISTS (SELECT 1 FROM group_members m WHERE m.group_id = group_invitations.group_id AND m.user_id = group_invitations.receiver_id)").
		Update("is_read", true).Error
}

// backfillSenderReceipts records every author as having read their own messages.
func backfillSenderReceipts(db *gorm.DB) error {
	return db.Exec(`INSERT OR IGNORE INTO message_receipts (message_id, user_id, read_at_s)
SELECT message_id, sender_id, sent_at_s FROM group_messages`).Error
}
