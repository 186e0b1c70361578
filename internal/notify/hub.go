package notify

import (
	"context"

	"github.com/redis/go-redis/v9"
)

// Hub hands out subscriptions bound to the shared redis client and state
// store, so transport code does not carry either dependency itself.
type Hub struct {
	rc    redis.UniversalClient
	store Store
}

func NewHub(rc redis.UniversalClient, store Store) *Hub {
	return &Hub{rc: rc, store: store}
}

func (h *Hub) Subscribe(ctx context.Context, artifactIDs ...string) (*Subscription, error) {
	return SubscribeMany(ctx, h.rc, h.store, artifactIDs...)
}
