// Package users keeps the profiles of users seen by the notification server.
package users

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ecocart/groupnotify/internal/identity"
	"gorm.io/gorm"
)

// ErrInvalidIdentity indicates the claims did not contain a usable identifier.
var ErrInvalidIdentity = errors.New("users: invalid identity")

// ServiceConfig describes the dependencies of the profile directory.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
}

// Service records profiles from session claims and resolves them for notification payloads.
type Service struct {
	db    *gorm.DB
	now   func() time.Time
	cache sync.Map
}

// NewService constructs the profile directory.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("users: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Service{
		db:  cfg.Database,
		now: clock,
	}, nil
}

// Register creates or refreshes the profile described by claims.
func (s *Service) Register(ctx context.Context, claims identity.Claims) (Profile, error) {
	userID := normalize(claims.UserID)
	if userID == "" {
		return Profile{}, ErrInvalidIdentity
	}

	var profile Profile
	err := s.db.WithContext(ctx).Where("user_id = ?", userID).Take(&profile).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		profile = Profile{
			UserID:      userID,
			Email:       normalize(claims.Email),
			DisplayName: normalize(claims.DisplayName),
			LastSeenAt:  s.now().UTC(),
		}
		if err := s.db.WithContext(ctx).Create(&profile).Error; err != nil {
			return Profile{}, err
		}
	case err != nil:
		return Profile{}, err
	default:
		updates := map[string]interface{}{"last_seen_at": s.now().UTC()}
		if email := normalize(claims.Email); email != "" && email != profile.Email {
			updates["user_email"] = email
			profile.Email = email
		}
		if display := normalize(claims.DisplayName); display != "" && display != profile.DisplayName {
			updates["user_display_name"] = display
			profile.DisplayName = display
		}
		if err := s.db.WithContext(ctx).Model(&Profile{}).Where("user_id = ?", userID).Updates(updates).Error; err != nil {
			return Profile{}, err
		}
	}

	s.cache.Store(userID, profile)
	return profile, nil
}

// Profiles resolves the given ids. Unknown ids map to a profile carrying only the id.
func (s *Service) Profiles(ctx context.Context, userIDs []string) (map[string]Profile, error) {
	resolved := make(map[string]Profile, len(userIDs))
	missing := make([]string, 0, len(userIDs))
	for _, userID := range userIDs {
		if _, seen := resolved[userID]; seen {
			continue
		}
		if cached, ok := s.cache.Load(userID); ok {
			if profile, ok := cached.(Profile); ok {
				resolved[userID] = profile
				continue
			}
		}
		resolved[userID] = Profile{UserID: userID}
		missing = append(missing, userID)
	}
	if len(missing) == 0 {
		return resolved, nil
	}

	var stored []Profile
	if err := s.db.WithContext(ctx).Where("user_id IN ?", missing).Find(&stored).Error; err != nil {
		return nil, err
	}
	for _, profile := range stored {
		resolved[profile.UserID] = profile
		s.cache.Store(profile.UserID, profile)
	}
	return resolved, nil
}
