package database

import (
	"path/filepath"
	"testing"

	"github.com/ecocart/groupnotify/internal/groupbuy"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func TestApplyMigrationsRepairsLegacyRows(testContext *testing.T) {
	databasePath := filepath.Join(testContext.TempDir(), "migration.db")

	database, err := gorm.Open(sqlite.Open(databasePath), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}
	models := append(groupbuy.Models(), &migrationRecord{})
	if err := database.AutoMigrate(models...); err != nil {
		testContext.Fatalf("failed to migrate schema: %v", err)
	}

	seed := []interface{}{
		&groupbuy.GroupMember{GroupID: "group-1", UserID: "bo", JoinedAtSeconds: 1},
		&groupbuy.Invitation{InvitationID: "inv-member", GroupID: "group-1", SenderID: "ann", ReceiverID: "bo", CreatedAtSeconds: 1},
		&groupbuy.Invitation{InvitationID: "inv-open", GroupID: "group-1", SenderID: "ann", ReceiverID: "cy", CreatedAtSeconds: 1},
		&groupbuy.ChatMessage{MessageID: "msg-1", GroupID: "group-1", SenderID: "bo", Content: "hello", SentAtSeconds: 5},
	}
	for _, record := range seed {
		if err := database.Create(record).Error; err != nil {
			testContext.Fatalf("failed to seed %T: %v", record, err)
		}
	}

	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("failed to apply migrations: %v", err)
	}

	var member groupbuy.Invitation
	if err := database.Where("invitation_id = ?", "inv-member").Take(&member).Error; err != nil {
		testContext.Fatalf("failed to reload invitation: %v", err)
	}
	if !member.IsRead {
		testContext.Fatalf("expected invitation of an existing member to be closed")
	}
	var open groupbuy.Invitation
	if err := database.Where("invitation_id = ?", "inv-open").Take(&open).Error; err != nil {
		testContext.Fatalf("failed to reload invitation: %v", err)
	}
	if open.IsRead {
		testContext.Fatalf("expected invitation of a non-member to stay open")
	}

	var receipt groupbuy.MessageReceipt
	if err := database.Where("message_id = ? AND user_id = ?", "msg-1", "bo").Take(&receipt).Error; err != nil {
		testContext.Fatalf("expected sender receipt to be backfilled: %v", err)
	}
	if receipt.ReadAtSeconds != 5 {
		testContext.Fatalf("expected receipt to carry the send time, got %d", receipt.ReadAtSeconds)
	}

	var records int64
	if err := database.Model(&migrationRecord{}).Count(&records).Error; err != nil {
		testContext.Fatalf("failed to count migration records: %v", err)
	}
	if records != 2 {
		testContext.Fatalf("expected 2 migration records, got %d", records)
	}

	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("expected re-run to be a no-op: %v", err)
	}
}

func TestOpenSQLiteRequiresPath(testContext *testing.T) {
	if _, err := OpenSQLite(" ", zap.NewNop()); err == nil {
		testContext.Fatalf("expected error for empty path")
	}
}

func TestOpenSQLiteCreatesSchema(testContext *testing.T) {
	database, err := OpenSQLite(filepath.Join(testContext.TempDir(), "open.db"), zap.NewNop())
	if err != nil {
		testContext.Fatalf("unexpected open error: %v", err)
	}
	for _, table := range []string{"buying_groups", "group_members", "group_invitations", "group_messages", "message_receipts", "user_profiles", "db_migrations"} {
		if !database.Migrator().HasTable(table) {
			testContext.Fatalf("expected table %s", table)
		}
	}
}
