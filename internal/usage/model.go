package usage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const maxUserIDLength = 190

var (
	// ErrUnknownFeature indicates a feature outside the rate limited set.
	ErrUnknownFeature = errors.New("usage: unknown feature")
	// ErrInvalidUserID indicates that a user identifier is empty or exceeds storage bounds.
	ErrInvalidUserID = errors.New("usage: invalid user id")
)

// Feature names a rate limited action.
type Feature string

const (
	FeatureRoast       Feature = "roast"
	FeatureAdvisorChat Feature = "advisor-chat"
)

// ParseFeature validates raw input against the closed feature set.
func ParseFeature(rawInput string) (Feature, error) {
	switch feature := Feature(strings.TrimSpace(rawInput)); feature {
	case FeatureRoast, FeatureAdvisorChat:
		return feature, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownFeature, rawInput)
	}
}

func (feature Feature) String() string {
	return string(feature)
}

// QuotaStatus is the derived view of a user's remaining allowance for one feature.
// ResetAt is nil when no event is pending expiry.
type QuotaStatus struct {
	Remaining int
	Limit     int
	ResetAt   *time.Time
}

// Ledger is an append-only log of usage events with rolling-window quota queries.
type Ledger interface {
	CheckQuota(ctx context.Context, userID string, feature Feature, limit int, window time.Duration) (QuotaStatus, error)
	RecordUsage(ctx context.Context, userID string, feature Feature) error
}

// UsageEvent is one consumed quota unit.
type UsageEvent struct {
	EventID         string `gorm:"column:event_id;primaryKey;size:64;not null"`
	UserID          string `gorm:"column:user_id;size:190;not null;index:idx_usage_events_window,priority:1"`
	Feature         string `gorm:"column:feature;size:32;not null;index:idx_usage_events_window,priority:2"`
	CreatedAtMillis int64  `gorm:"column:created_at_ms;not null;index:idx_usage_events_window,priority:3"`
}

// TableName provides the explicit table binding for GORM.
func (UsageEvent) TableName() string {
	return "usage_events"
}

// IDProvider issues unique usage event identifiers.
type IDProvider interface {
	NewID() (string, error)
}

type uuidProvider struct{}

// NewUUIDProvider constructs an IDProvider that issues UUIDv7 identifiers.
func NewUUIDProvider() IDProvider {
	return &uuidProvider{}
}

func (p *uuidProvider) NewID() (string, error) {
	value, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return value.String(), nil
}

// ValidateUserID rejects identities the ledgers cannot store.
func ValidateUserID(userID string) error {
	trimmed := strings.TrimSpace(userID)
	if trimmed == "" {
		return fmt.Errorf("%w: empty", ErrInvalidUserID)
	}
	if len(trimmed) > maxUserIDLength {
		return fmt.Errorf("%w: exceeds %d characters", ErrInvalidUserID, maxUserIDLength)
	}
	return nil
}

// statusFromWindow derives the quota status from the event timestamps (unix millis, oldest
// first) that fall inside the window.
func statusFromWindow(timestamps []int64, limit int, window time.Duration) QuotaStatus {
	if limit < 0 {
		limit = 0
	}
	remaining := limit - len(timestamps)
	if remaining < 0 {
		remaining = 0
	}
	status := QuotaStatus{Remaining: remaining, Limit: limit}
	if len(timestamps) > 0 {
		resetAt := time.UnixMilli(timestamps[0]).UTC().Add(window)
		status.ResetAt = &resetAt
	}
	return status
}

func windowStartMillis(now time.Time, window time.Duration) int64 {
	return now.Add(-window).UnixMilli()
}
