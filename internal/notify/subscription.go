package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/mirrorlabs/scanforge/internal/entities"
	"github.com/redis/go-redis/v9"
)

var ErrClosed = errors.New("subscription closed")

// Subscription is one observer's view of a set of artifacts. On subscribe it
// synchronously fetches the current record of every id (the snapshot), then
// streams pushed updates for those ids. Reconnect tears the channel down and
// re-establishes it, snapshotting again so no transition is silently lost;
// backoff policy between reconnect attempts is the caller's business.
type Subscription struct {
	rc    redis.UniversalClient
	store Store
	ids   []string

	mu     sync.Mutex
	pubsub *redis.PubSub
	latest map[string]entities.Status
	closed bool

	events chan Event
	stop   chan struct{}
}

// Subscribe opens a single-artifact subscription.
func Subscribe(ctx context.Context, rc redis.UniversalClient, store Store, artifactID string) (*Subscription, error) {
	return SubscribeMany(ctx, rc, store, artifactID)
}

// SubscribeMany opens a subscription over a set of artifact ids, fetching all
// current records in one pass and filtering the shared update stream.
func SubscribeMany(ctx context.Context, rc redis.UniversalClient, store Store, artifactIDs ...string) (*Subscription, error) {
	if len(artifactIDs) == 0 {
		return nil, errors.New("no artifact ids to subscribe to")
	}

	s := &Subscription{
		rc:     rc,
		store:  store,
		ids:    artifactIDs,
		latest: make(map[string]entities.Status, len(artifactIDs)),
		events: make(chan Event, 2*len(artifactIDs)+64),
		stop:   make(chan struct{}),
	}
	if err := s.open(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Subscription) topics() []string {
	out := make([]string, len(s.ids))
	for i, id := range s.ids {
		out[i] = Topic(id)
	}
	return out
}

func (s *Subscription) open(ctx context.Context) error {
	pubsub := s.rc.Subscribe(ctx, s.topics()...)

	// Receive blocks until the server confirms the subscription, so no
	// update published after this point can race past the snapshot below.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return fmt.Errorf("subscribe: %w", err)
	}

	s.mu.Lock()
	if s.closed {
		// Close won the race while the channel was being set up; it never
		// saw this pubsub, so release it here.
		s.mu.Unlock()
		_ = pubsub.Close()
		return ErrClosed
	}
	s.pubsub = pubsub
	s.mu.Unlock()

	for _, id := range s.ids {
		rec, err := s.store.Get(ctx, id)
		if err != nil {
			_ = pubsub.Close()
			return fmt.Errorf("snapshot artifact %s: %w", id, err)
		}
		s.track(rec)
		s.emit(Event{Type: EventSnapshot, Record: rec})
	}

	go s.pump(pubsub)
	return nil
}

func (s *Subscription) pump(pubsub *redis.PubSub) {
	ch := pubsub.Channel()
	for {
		select {
		case <-s.stop:
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var rec entities.ArtifactRecord
			if err := json.Unmarshal([]byte(msg.Payload), &rec); err != nil {
				log.Printf("[notify] dropping malformed event on %s: %v", msg.Channel, err)
				continue
			}
			if !s.watches(rec.ID) {
				continue
			}
			s.track(rec)
			s.emit(Event{Type: EventUpdate, Record: rec})
		}
	}
}

func (s *Subscription) watches(id string) bool {
	for _, want := range s.ids {
		if want == id {
			return true
		}
	}
	return false
}

func (s *Subscription) track(rec entities.ArtifactRecord) {
	s.mu.Lock()
	s.latest[rec.ID] = rec.Status
	s.mu.Unlock()
}

func (s *Subscription) emit(ev Event) {
	select {
	case s.events <- ev:
	case <-s.stop:
	}
}

// Events is the snapshot-then-updates stream.
func (s *Subscription) Events() <-chan Event {
	return s.events
}

// Latest returns the last observed status of an artifact in the set.
func (s *Subscription) Latest(id string) (entities.Status, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.latest[id]
	return st, ok
}

// Reconnect tears down the underlying channel and re-establishes it. Callers
// invoke it on observed transport failure or timeout signals.
func (s *Subscription) Reconnect(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	old := s.pubsub
	s.mu.Unlock()

	if old != nil {
		_ = old.Close()
	}
	return s.open(ctx)
}

func (s *Subscription) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.stop)
	if s.pubsub != nil {
		return s.pubsub.Close()
	}
	return nil
}
