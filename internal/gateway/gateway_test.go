package gateway

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/dailydoom/internal/usage"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

type memoryLedger struct {
	mu        sync.Mutex
	clock     func() time.Time
	events    map[string][]time.Time
	checkErr  error
	recordErr error
	records   int
}

func newMemoryLedger(clock func() time.Time) *memoryLedger {
	return &memoryLedger{clock: clock, events: map[string][]time.Time{}}
}

func (l *memoryLedger) CheckQuota(ctx context.Context, userID string, feature usage.Feature, limit int, window time.Duration) (usage.QuotaStatus, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.checkErr != nil {
		return usage.QuotaStatus{}, l.checkErr
	}
	cutoff := l.clock().Add(-window)
	var inWindow []time.Time
	for _, timestamp := range l.events[userID+"/"+feature.String()] {
		if !timestamp.Before(cutoff) {
			inWindow = append(inWindow, timestamp)
		}
	}
	status := usage.QuotaStatus{Remaining: limit - len(inWindow), Limit: limit}
	if status.Remaining < 0 {
		status.Remaining = 0
	}
	if len(inWindow) > 0 {
		resetAt := inWindow[0].Add(window)
		status.ResetAt = &resetAt
	}
	return status, nil
}

func (l *memoryLedger) RecordUsage(ctx context.Context, userID string, feature usage.Feature) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.records++
	if l.recordErr != nil {
		return l.recordErr
	}
	key := userID + "/" + feature.String()
	l.events[key] = append(l.events[key], l.clock())
	return nil
}

type recordingPublisher struct {
	mu       sync.Mutex
	statuses []usage.QuotaStatus
}

func (p *recordingPublisher) PublishQuota(userID string, feature usage.Feature, status usage.QuotaStatus) {
	p.mu.Lock()
	p.statuses = append(p.statuses, status)
	p.mu.Unlock()
}

type testClock struct {
	now time.Time
}

func (c *testClock) Now() time.Time { return c.now }

func newTestGateway(t *testing.T, ledger usage.Ledger, clock *testClock, publisher Publisher, logger *zap.Logger) *Gateway {
	t.Helper()
	gateway, err := New(Config{Ledger: ledger, Publisher: publisher, Clock: clock.Now, Logger: logger})
	if err != nil {
		t.Fatalf("failed to build gateway: %v", err)
	}
	return gateway
}

func TestNewRequiresLedger(t *testing.T) {
	if _, err := New(Config{}); !errors.Is(err, errMissingLedger) {
		t.Fatalf("expected missing ledger error, got %v", err)
	}
}

func TestAdmitRequiresUser(t *testing.T) {
	clock := &testClock{now: time.Date(2024, time.June, 12, 8, 0, 0, 0, time.UTC)}
	ledger := newMemoryLedger(clock.Now)
	gateway := newTestGateway(t, ledger, clock, nil, nil)

	_, err := gateway.Admit(context.Background(), "", DefaultRoastPolicy())
	if CodeOf(err) != CodeAuthRequired {
		t.Fatalf("expected AUTH_REQUIRED, got %v", err)
	}
	if ledger.records != 0 {
		t.Fatalf("no usage should be recorded without a user")
	}
}

func TestPerformRoastScenario(t *testing.T) {
	start := time.Date(2024, time.June, 12, 8, 0, 0, 0, time.UTC)
	clock := &testClock{now: start}
	ledger := newMemoryLedger(clock.Now)
	publisher := &recordingPublisher{}
	gateway := newTestGateway(t, ledger, clock, publisher, nil)
	policy := DefaultRoastPolicy()
	roast := func(context.Context) (string, error) { return "it is bad", nil }

	for index := 0; index < 3; index++ {
		clock.now = start.Add(time.Duration(index) * time.Minute)
		result, err := Perform(context.Background(), gateway, "user-1", policy, roast)
		if err != nil {
			t.Fatalf("roast %d failed: %v", index, err)
		}
		if result.Value != "it is bad" {
			t.Fatalf("unexpected value %q", result.Value)
		}
		if result.Quota.Remaining != 2-index {
			t.Fatalf("expected %d remaining after roast %d, got %d", 2-index, index, result.Quota.Remaining)
		}
		if result.Quota.ResetAt == nil || !result.Quota.ResetAt.Equal(start.Add(policy.Window)) {
			t.Fatalf("expected reset anchored on the first roast, got %v", result.Quota.ResetAt)
		}
	}

	clock.now = start.Add(3 * time.Minute)
	_, err := Perform(context.Background(), gateway, "user-1", policy, roast)
	var gatewayErr *Error
	if !errors.As(err, &gatewayErr) || gatewayErr.Code() != CodeRateLimited {
		t.Fatalf("expected RATE_LIMITED, got %v", err)
	}
	quota, ok := gatewayErr.Quota()
	if !ok || quota.Remaining != 0 || quota.ResetAt == nil || !quota.ResetAt.Equal(start.Add(policy.Window)) {
		t.Fatalf("unexpected rate limited quota %#v", quota)
	}
	if ledger.records != 3 {
		t.Fatalf("rejected call must not record usage, got %d records", ledger.records)
	}
	if len(publisher.statuses) != 3 {
		t.Fatalf("expected three published snapshots, got %d", len(publisher.statuses))
	}

	clock.now = start.Add(policy.Window + time.Minute)
	status, err := gateway.Status(context.Background(), "user-1", policy)
	if err != nil {
		t.Fatalf("status failed: %v", err)
	}
	if status.Remaining != 1 {
		t.Fatalf("expected one unit back after the oldest roast aged out, got %d", status.Remaining)
	}
}

func TestAdmitFailsOpenOnLedgerReadError(t *testing.T) {
	clock := &testClock{now: time.Date(2024, time.June, 12, 8, 0, 0, 0, time.UTC)}
	ledger := newMemoryLedger(clock.Now)
	ledger.checkErr = errors.New("connection refused")
	core, logs := observer.New(zap.WarnLevel)
	gateway := newTestGateway(t, ledger, clock, nil, zap.New(core))

	admission, err := gateway.Admit(context.Background(), "user-1", DefaultAdvisorPolicy())
	if err != nil {
		t.Fatalf("expected admission despite read failure, got %v", err)
	}
	if admission.Quota.Remaining != 4 || admission.Quota.Limit != 5 {
		t.Fatalf("unexpected fail-open quota %#v", admission.Quota)
	}
	if admission.Quota.ResetAt == nil || !admission.Quota.ResetAt.Equal(clock.now.Add(24*time.Hour)) {
		t.Fatalf("expected reset one window from now, got %v", admission.Quota.ResetAt)
	}
	if logs.FilterMessage("quota check failed, admitting").Len() != 1 {
		t.Fatalf("expected fail-open warning")
	}
}

func TestAdmitContinuesWhenRecordFails(t *testing.T) {
	clock := &testClock{now: time.Date(2024, time.June, 12, 8, 0, 0, 0, time.UTC)}
	ledger := newMemoryLedger(clock.Now)
	ledger.recordErr = errors.New("disk full")
	core, logs := observer.New(zap.ErrorLevel)
	gateway := newTestGateway(t, ledger, clock, nil, zap.New(core))

	result, err := Perform(context.Background(), gateway, "user-1", DefaultRoastPolicy(), func(context.Context) (string, error) {
		return "roasted", nil
	})
	if err != nil {
		t.Fatalf("record failure must not block the action: %v", err)
	}
	if result.Value != "roasted" {
		t.Fatalf("unexpected value %q", result.Value)
	}
	if logs.FilterMessage("usage record failed").Len() != 1 {
		t.Fatalf("expected record failure to be logged")
	}
}

func TestPerformKeepsChargeOnActionFailure(t *testing.T) {
	clock := &testClock{now: time.Date(2024, time.June, 12, 8, 0, 0, 0, time.UTC)}
	ledger := newMemoryLedger(clock.Now)
	gateway := newTestGateway(t, ledger, clock, nil, nil)

	result, err := Perform(context.Background(), gateway, "user-1", DefaultRoastPolicy(), func(context.Context) (string, error) {
		return "", errors.New("model overloaded")
	})
	if CodeOf(err) != CodeUpstreamFailed {
		t.Fatalf("expected UPSTREAM_GENERATION_FAILED, got %v", err)
	}
	if result.Quota.Remaining != 2 {
		t.Fatalf("expected the unit to stay charged, got %d remaining", result.Quota.Remaining)
	}
	if ledger.records != 1 {
		t.Fatalf("expected usage recorded before the action, got %d", ledger.records)
	}
}

func TestStatusFailsOpenOnLedgerReadError(t *testing.T) {
	clock := &testClock{now: time.Now()}
	ledger := newMemoryLedger(clock.Now)
	ledger.checkErr = errors.New("timeout")
	gateway := newTestGateway(t, ledger, clock, nil, nil)
	status, err := gateway.Status(context.Background(), "user-1", DefaultRoastPolicy())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if status.Remaining != 3 || status.Limit != 3 || status.ResetAt != nil {
		t.Fatalf("expected full allowance, got %#v", status)
	}
}

func TestPolicyValidate(t *testing.T) {
	testCases := []struct {
		name    string
		policy  Policy
		wantErr bool
	}{
		{name: "roast", policy: DefaultRoastPolicy()},
		{name: "advisor", policy: DefaultAdvisorPolicy()},
		{name: "unknown feature", policy: Policy{Feature: "poetry", Limit: 1, Window: time.Hour}, wantErr: true},
		{name: "negative limit", policy: Policy{Feature: usage.FeatureRoast, Limit: -1, Window: time.Hour}, wantErr: true},
		{name: "zero window", policy: Policy{Feature: usage.FeatureRoast, Limit: 1}, wantErr: true},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			err := testCase.policy.Validate()
			if testCase.wantErr != (err != nil) {
				t.Fatalf("wantErr=%v got %v", testCase.wantErr, err)
			}
		})
	}
}
