package usage

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	queryWindow      = "user_id = ? AND feature = ? AND created_at_ms >= ?"
	orderOldestFirst = "created_at_ms ASC"
	columnCreatedAt  = "created_at_ms"
)

// GormLedgerConfig describes the dependencies of the SQL-backed ledger.
type GormLedgerConfig struct {
	Database   *gorm.DB
	IDProvider IDProvider
	Clock      func() time.Time
	Logger     *zap.Logger
}

// GormLedger stores usage events in the usage_events table.
type GormLedger struct {
	db     *gorm.DB
	ids    IDProvider
	clock  func() time.Time
	logger *zap.Logger
}

// NewGormLedger validates dependencies and constructs the ledger.
func NewGormLedger(cfg GormLedgerConfig) (*GormLedger, error) {
	if cfg.Database == nil {
		return nil, errors.New("usage: database connection required")
	}
	ids := cfg.IDProvider
	if ids == nil {
		ids = NewUUIDProvider()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GormLedger{db: cfg.Database, ids: ids, clock: clock, logger: logger}, nil
}

// CheckQuota counts the user's events inside the rolling window.
func (l *GormLedger) CheckQuota(ctx context.Context, userID string, feature Feature, limit int, window time.Duration) (QuotaStatus, error) {
	if err := ValidateUserID(userID); err != nil {
		return QuotaStatus{}, err
	}
	var timestamps []int64
	err := l.db.WithContext(ctx).
		Model(&UsageEvent{}).
		Where(queryWindow, userID, feature.String(), windowStartMillis(l.clock(), window)).
		Order(orderOldestFirst).
		Pluck(columnCreatedAt, &timestamps).Error
	if err != nil {
		return QuotaStatus{}, err
	}
	return statusFromWindow(timestamps, limit, window), nil
}

// RecordUsage appends one event stamped with the current time.
func (l *GormLedger) RecordUsage(ctx context.Context, userID string, feature Feature) error {
	if err := ValidateUserID(userID); err != nil {
		return err
	}
	eventID, err := l.ids.NewID()
	if err != nil {
		return err
	}
	event := UsageEvent{
		EventID:         eventID,
		UserID:          userID,
		Feature:         feature.String(),
		CreatedAtMillis: l.clock().UnixMilli(),
	}
	if err := l.db.WithContext(ctx).Create(&event).Error; err != nil {
		return err
	}
	l.logger.Debug("usage recorded",
		zap.String("user_id", userID),
		zap.String("feature", feature.String()),
		zap.String("event_id", eventID))
	return nil
}
