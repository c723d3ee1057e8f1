package users

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/dailydoom/internal/auth"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrInvalidIdentity indicates the claims did not contain a usable identifier.
var ErrInvalidIdentity = errors.New("users: invalid identity")

const defaultTouchInterval = 5 * time.Minute

// ServiceConfig describes the dependencies required for profile tracking.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	// TouchInterval throttles last-seen writes per user.
	TouchInterval time.Duration
}

// Service keeps one profile row per verified user.
type Service struct {
	db       *gorm.DB
	now      func() time.Time
	interval time.Duration
	cache    sync.Map
}

// NewService constructs the profile service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("users: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	interval := cfg.TouchInterval
	if interval <= 0 {
		interval = defaultTouchInterval
	}
	return &Service{
		db:       cfg.Database,
		now:      clock,
		interval: interval,
		cache:    sync.Map{},
	}, nil
}

// Touch upserts the profile for the verified claims and returns the canonical user id.
// Writes are skipped while the previous touch for the user is younger than the interval.
func (s *Service) Touch(ctx context.Context, claims auth.Claims) (string, error) {
	userID := normalize(claims.UserID())
	if userID == "" {
		return "", ErrInvalidIdentity
	}

	now := s.now().UTC()
	if lastTouched, ok := s.cache.Load(userID); ok {
		if touchedAt, ok := lastTouched.(time.Time); ok && now.Sub(touchedAt) < s.interval {
			return userID, nil
		}
	}

	profile := Profile{
		UserID:           userID,
		Email:            normalize(claims.Email),
		FirstSeenSeconds: now.Unix(),
		LastSeenSeconds:  now.Unix(),
	}
	updateColumns := []string{"last_seen_s"}
	if profile.Email != "" {
		updateColumns = append(updateColumns, "email")
	}
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}},
			DoUpdates: clause.AssignmentColumns(updateColumns),
		}).
		Create(&profile).Error
	if err != nil {
		return "", err
	}

	s.cache.Store(userID, now)
	return userID, nil
}
