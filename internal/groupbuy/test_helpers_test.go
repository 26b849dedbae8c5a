package groupbuy

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ecocart/groupnotify/internal/identity"
	"github.com/ecocart/groupnotify/internal/users"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

type sequenceIDProvider struct {
	mu   sync.Mutex
	next int
}

func (p *sequenceIDProvider) NewID() (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.next++
	return fmt.Sprintf("id-%04d", p.next), nil
}

type steppingClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *steppingClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

type fixture struct {
	service *Service
	db      *gorm.DB
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "groupbuy.db")), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	models := append(Models(), &users.Profile{})
	if err := db.AutoMigrate(models...); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}
	directory, err := users.NewService(users.ServiceConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to construct directory: %v", err)
	}
	for _, claims := range []identity.Claims{
		{UserID: "ann", DisplayName: "Ann", Email: "ann@example.com"},
		{UserID: "bo", DisplayName: "Bo", Email: "bo@example.com"},
		{UserID: "cy", DisplayName: "Cy", Email: "cy@example.com"},
	} {
		if _, err := directory.Register(context.Background(), claims); err != nil {
			t.Fatalf("failed to register %s: %v", claims.UserID, err)
		}
	}
	clock := &steppingClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	service, err := NewService(ServiceConfig{
		Database:   db,
		Directory:  directory,
		Clock:      clock.Now,
		IDProvider: &sequenceIDProvider{},
	})
	if err != nil {
		t.Fatalf("failed to construct service: %v", err)
	}
	return fixture{service: service, db: db}
}

func mustGroup(t *testing.T, service *Service, creatorID, name string) Group {
	t.Helper()
	group, err := service.CreateGroup(context.Background(), creatorID, name)
	if err != nil {
		t.Fatalf("unexpected create group error: %v", err)
	}
	return group
}

func mustInvite(t *testing.T, service *Service, groupID, senderID string, receivers ...string) []Invitation {
	t.Helper()
	invitations, err := service.Invite(context.Background(), groupID, senderID, receivers, "join my order")
	if err != nil {
		t.Fatalf("unexpected invite error: %v", err)
	}
	return invitations
}
