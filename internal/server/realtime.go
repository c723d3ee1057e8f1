package server

import (
	"context"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/dailydoom/internal/usage"
)

const (
	RealtimeEventQuota     = "quota"
	realtimeEventHeartbeat = "heartbeat"
	realtimeSourceBackend  = "dailydoom-api"

	defaultSubscriberBuffer = 8
)

// RealtimeMessage is a quota change for one user and feature.
type RealtimeMessage struct {
	UserID    string
	EventType string
	Feature   usage.Feature
	Quota     usage.QuotaStatus
	Timestamp time.Time
}

// RealtimeDispatcher fans quota changes out to every open event stream of a user, so
// several tabs keep the same countdown.
type RealtimeDispatcher struct {
	mu     sync.Mutex
	feeds  map[string]map[*quotaSubscriber]struct{}
	buffer int
	clock  func() time.Time
}

type quotaSubscriber struct {
	events chan RealtimeMessage
}

func NewRealtimeDispatcher() *RealtimeDispatcher {
	return &RealtimeDispatcher{
		feeds:  make(map[string]map[*quotaSubscriber]struct{}),
		buffer: defaultSubscriberBuffer,
		clock:  time.Now,
	}
}

// Subscribe registers a feed for userID. The returned cleanup is idempotent and also runs
// when ctx ends. An empty userID yields an already closed channel.
func (d *RealtimeDispatcher) Subscribe(ctx context.Context, userID string) (<-chan RealtimeMessage, func()) {
	if userID == "" {
		closed := make(chan RealtimeMessage)
		close(closed)
		return closed, func() {}
	}

	subscriber := &quotaSubscriber{events: make(chan RealtimeMessage, d.buffer)}
	d.mu.Lock()
	feed, ok := d.feeds[userID]
	if !ok {
		feed = make(map[*quotaSubscriber]struct{})
		d.feeds[userID] = feed
	}
	feed[subscriber] = struct{}{}
	d.mu.Unlock()

	var once sync.Once
	cleanup := func() {
		once.Do(func() { d.remove(userID, subscriber) })
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return subscriber.events, cleanup
}

// Publish delivers message to every feed of the user. A full buffer sheds its oldest
// snapshot; only the latest quota matters to a client.
func (d *RealtimeDispatcher) Publish(message RealtimeMessage) {
	if message.UserID == "" || message.EventType == "" {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	for subscriber := range d.feeds[message.UserID] {
		for {
			select {
			case subscriber.events <- message:
			default:
				select {
				case <-subscriber.events:
				default:
				}
				continue
			}
			break
		}
	}
}

// PublishQuota satisfies gateway.Publisher.
func (d *RealtimeDispatcher) PublishQuota(userID string, feature usage.Feature, status usage.QuotaStatus) {
	d.Publish(RealtimeMessage{
		UserID:    userID,
		EventType: RealtimeEventQuota,
		Feature:   feature,
		Quota:     status,
		Timestamp: d.clock().UTC(),
	})
}

func (d *RealtimeDispatcher) subscriberCount(userID string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.feeds[userID])
}

func (d *RealtimeDispatcher) remove(userID string, subscriber *quotaSubscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	feed := d.feeds[userID]
	delete(feed, subscriber)
	if len(feed) == 0 {
		delete(d.feeds, userID)
	}
}
