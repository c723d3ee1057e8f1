package gateway

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/dailydoom/internal/metrics"
	"github.com/MarcoPoloResearchLab/dailydoom/internal/usage"
	"go.uber.org/zap"
)

const (
	defaultRoastLimit   = 3
	defaultAdvisorLimit = 5
	defaultWindow       = 24 * time.Hour
)

var (
	errMissingLedger = errors.New("gateway: usage ledger required")
	errMissingUser   = errors.New("gateway: verified user required")
	errInvalidPolicy = errors.New("gateway: invalid policy")
)

// Policy binds a feature to its quota parameters.
type Policy struct {
	Feature usage.Feature
	Limit   int
	Window  time.Duration
}

// DefaultRoastPolicy allows three roasts per rolling day.
func DefaultRoastPolicy() Policy {
	return Policy{Feature: usage.FeatureRoast, Limit: defaultRoastLimit, Window: defaultWindow}
}

// DefaultAdvisorPolicy allows five advisor turns per rolling day.
func DefaultAdvisorPolicy() Policy {
	return Policy{Feature: usage.FeatureAdvisorChat, Limit: defaultAdvisorLimit, Window: defaultWindow}
}

// Validate reports malformed policies.
func (p Policy) Validate() error {
	if _, err := usage.ParseFeature(p.Feature.String()); err != nil {
		return fmt.Errorf("%w: %v", errInvalidPolicy, err)
	}
	if p.Limit < 0 {
		return fmt.Errorf("%w: negative limit %d", errInvalidPolicy, p.Limit)
	}
	if p.Window <= 0 {
		return fmt.Errorf("%w: window must be positive", errInvalidPolicy)
	}
	return nil
}

// Publisher receives quota snapshots after each admission.
type Publisher interface {
	PublishQuota(userID string, feature usage.Feature, status usage.QuotaStatus)
}

// Config describes the gateway dependencies.
type Config struct {
	Ledger    usage.Ledger
	Publisher Publisher
	Clock     func() time.Time
	Logger    *zap.Logger
	Metrics   *metrics.Recorder
}

// Gateway admits rate limited actions against the usage ledger.
type Gateway struct {
	ledger    usage.Ledger
	publisher Publisher
	clock     func() time.Time
	logger    *zap.Logger
	metrics   *metrics.Recorder
}

// New validates dependencies and constructs the gateway.
func New(cfg Config) (*Gateway, error) {
	if cfg.Ledger == nil {
		return nil, errMissingLedger
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gateway{
		ledger:    cfg.Ledger,
		publisher: cfg.Publisher,
		clock:     clock,
		logger:    logger,
		metrics:   cfg.Metrics,
	}, nil
}

// Admission is a granted action with the quota snapshot as it stands after the action.
type Admission struct {
	Quota usage.QuotaStatus
}

// Status reports the current quota without consuming any. A ledger read failure reports
// the full allowance, matching the fail-open admission path.
func (g *Gateway) Status(ctx context.Context, userID string, policy Policy) (usage.QuotaStatus, error) {
	if strings.TrimSpace(userID) == "" {
		return usage.QuotaStatus{}, NewError(CodeAuthRequired, errMissingUser)
	}
	status, err := g.ledger.CheckQuota(ctx, userID, policy.Feature, policy.Limit, policy.Window)
	if err != nil {
		g.logger.Warn("quota status read failed",
			zap.String("user_id", userID),
			zap.String("feature", policy.Feature.String()),
			zap.Error(err))
		return usage.QuotaStatus{Remaining: policy.Limit, Limit: policy.Limit}, nil
	}
	return status, nil
}

// Admit checks the quota and charges one unit before the caller runs the action.
// Ledger read failures fail open; write failures are logged and never block.
func (g *Gateway) Admit(ctx context.Context, userID string, policy Policy) (Admission, error) {
	if strings.TrimSpace(userID) == "" {
		return Admission{}, NewError(CodeAuthRequired, errMissingUser)
	}
	feature := policy.Feature.String()
	fields := []zap.Field{zap.String("user_id", userID), zap.String("feature", feature)}

	current, err := g.ledger.CheckQuota(ctx, userID, policy.Feature, policy.Limit, policy.Window)
	if err != nil {
		g.logger.Warn("quota check failed, admitting", append(fields, zap.Error(err))...)
		g.metrics.QuotaDecision(feature, metrics.QuotaFailOpen)
		current = usage.QuotaStatus{Remaining: policy.Limit, Limit: policy.Limit}
	}

	if current.Remaining <= 0 {
		g.metrics.QuotaDecision(feature, metrics.QuotaRejected)
		g.logger.Info("quota exhausted", fields...)
		return Admission{}, newRateLimitedError(current)
	}

	// charged before the action so concurrent requests see the unit; the limit stays soft.
	if recordErr := g.ledger.RecordUsage(ctx, userID, policy.Feature); recordErr != nil {
		g.logger.Error("usage record failed", append(fields, zap.Error(recordErr))...)
	}
	if err == nil {
		g.metrics.QuotaDecision(feature, metrics.QuotaAdmitted)
	}

	after := usage.QuotaStatus{Remaining: current.Remaining - 1, Limit: current.Limit, ResetAt: current.ResetAt}
	if after.ResetAt == nil {
		resetAt := g.clock().UTC().Add(policy.Window)
		after.ResetAt = &resetAt
	}
	if g.publisher != nil {
		g.publisher.PublishQuota(userID, policy.Feature, after)
	}
	return Admission{Quota: after}, nil
}

// Result pairs an action's value with the post-action quota.
type Result[T any] struct {
	Value T
	Quota usage.QuotaStatus
}

// Perform admits the action and runs it. An action failure is reported as
// UPSTREAM_GENERATION_FAILED; the unit stays charged.
func Perform[T any](ctx context.Context, g *Gateway, userID string, policy Policy, action func(context.Context) (T, error)) (Result[T], error) {
	admission, err := g.Admit(ctx, userID, policy)
	if err != nil {
		return Result[T]{}, err
	}
	value, err := action(ctx)
	if err != nil {
		g.logger.Error("rate limited action failed",
			zap.String("user_id", userID),
			zap.String("feature", policy.Feature.String()),
			zap.Error(err))
		return Result[T]{Quota: admission.Quota}, NewError(CodeUpstreamFailed, err)
	}
	return Result[T]{Value: value, Quota: admission.Quota}, nil
}
