package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/getsentry/sentry-go"
	"github.com/mirrorlabs/scanforge/internal/entities"
	"github.com/redis/go-redis/v9"
)

// Topic derives the per-artifact channel name.
func Topic(artifactID string) string {
	return "status:" + artifactID
}

type EventType string

const (
	// EventSnapshot is the current record delivered synchronously on
	// subscribe (and again after a reconnect).
	EventSnapshot EventType = "snapshot"
	// EventUpdate is a pushed state change.
	EventUpdate EventType = "update"
)

type Event struct {
	Type   EventType               `json:"type"`
	Record entities.ArtifactRecord `json:"record"`
}

// Publisher pushes full artifact records onto the per-artifact channel.
type Publisher struct {
	rc redis.UniversalClient
}

func NewPublisher(rc redis.UniversalClient) *Publisher {
	return &Publisher{rc: rc}
}

func (p *Publisher) Publish(ctx context.Context, rec entities.ArtifactRecord) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal artifact %s: %w", rec.ID, err)
	}
	if err := p.rc.Publish(ctx, Topic(rec.ID), payload).Err(); err != nil {
		return fmt.Errorf("publish artifact %s: %w", rec.ID, err)
	}
	return nil
}

// Store is the artifact state accessor the bus layers over.
type Store interface {
	Get(ctx context.Context, id string) (entities.ArtifactRecord, error)
	Save(ctx context.Context, rec entities.ArtifactRecord) error
}

// Tracker couples every state store write with a bus publish so observers
// never miss a transition. The store write is the source of truth; a failed
// publish is reported but does not fail the write, since subscribers recover
// the current record via the snapshot on reconnect.
type Tracker struct {
	store Store
	pub   *Publisher
}

func NewTracker(store Store, pub *Publisher) *Tracker {
	return &Tracker{store: store, pub: pub}
}

func (t *Tracker) Get(ctx context.Context, id string) (entities.ArtifactRecord, error) {
	return t.store.Get(ctx, id)
}

func (t *Tracker) Save(ctx context.Context, rec entities.ArtifactRecord) error {
	if err := t.store.Save(ctx, rec); err != nil {
		return err
	}
	if err := t.pub.Publish(ctx, rec); err != nil {
		log.Printf("[notify] publish for artifact %s failed: %v", rec.ID, err)
		sentry.CaptureException(err)
	}
	return nil
}
