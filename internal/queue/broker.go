package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/mirrorlabs/scanforge/internal/config"
	"github.com/mirrorlabs/scanforge/internal/entities"
	"github.com/redis/go-redis/v9"
)

// Broker is the durable job queue on top of a Redis Stream consumer group.
//
// A lease is the pending-entry ownership a consumer gets from XREADGROUP (or
// XAUTOCLAIM for stalled entries). The lease holder must Heartbeat or resolve
// the job before the configured TTL of idle time elapses; past that, the next
// Lease call adopts the entry. Failure is terminal at the job level — both
// resolution paths remove the entry; re-submission is a brand-new job.
type Broker struct {
	rc  redis.UniversalClient
	cfg config.QueueConfig

	lastReclaim atomic.Int64 // unix nanos of the last stalled-entry scan
}

// Delivery is one leased job plus the stream bookkeeping needed to resolve it.
type Delivery struct {
	MsgID    string
	Consumer string
	Job      entities.CompressionJob
}

type Stats struct {
	Waiting   int64 `json:"waiting"`
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
}

func NewBroker(rc redis.UniversalClient, cfg config.QueueConfig) *Broker {
	return &Broker{rc: rc, cfg: cfg}
}

func (b *Broker) EnsureGroup(ctx context.Context) error {
	// Without MkStream, Redis would error out if you try to create a group before any messages exist in the stream.
	err := b.rc.XGroupCreateMkStream(ctx, b.cfg.Stream, b.cfg.Group, "0").Err()
	// Redis returns BUSYGROUP if the group already exists therefore we check for other errors
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return err
	}
	return nil
}

// Push enqueues a job. A job id is assigned when the caller did not set one.
func (b *Broker) Push(ctx context.Context, job entities.CompressionJob) (string, error) {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	raw, err := json.Marshal(job)
	if err != nil {
		return "", fmt.Errorf("marshal job: %w", err)
	}

	err = b.rc.XAdd(ctx, &redis.XAddArgs{
		Stream: b.cfg.Stream,
		MaxLen: b.cfg.MaxLen,
		Values: map[string]any{
			"payload": string(raw),
		},
	}).Err()
	if err != nil {
		return "", fmt.Errorf("push job for artifact %s: %w", job.ArtifactID, err)
	}

	if err := b.rc.SAdd(ctx, b.inflightKey(), job.ArtifactID).Err(); err != nil {
		return "", fmt.Errorf("track in-flight artifact %s: %w", job.ArtifactID, err)
	}
	return job.ID, nil
}

// Lease hands the consumer one job, or nil when none became available within
// the block timeout. Stalled entries, pending deliveries whose lease idled
// past the TTL because their worker died or hung, are adopted before fresh
// entries are read; the scan runs at most once per reclaim interval across
// the pool.
func (b *Broker) Lease(ctx context.Context, consumer string) (*Delivery, error) {
	if b.reclaimDue() {
		if d, err := b.claimStalled(ctx, consumer); err != nil || d != nil {
			return d, err
		}
	}

	streams, err := b.rc.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    b.cfg.Group,
		Consumer: consumer,
		Streams:  []string{b.cfg.Stream, ">"},
		Count:    1,
		Block:    b.cfg.BlockTimeout,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}

	for _, s := range streams {
		for _, m := range s.Messages {
			return b.decode(ctx, consumer, m)
		}
	}
	return nil, nil
}

func (b *Broker) claimStalled(ctx context.Context, consumer string) (*Delivery, error) {
	msgs, _, err := b.rc.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   b.cfg.Stream,
		Group:    b.cfg.Group,
		Consumer: consumer,
		MinIdle:  b.cfg.LeaseTTL,
		Start:    "0-0",
		Count:    1,
	}).Result()
	if err != nil || len(msgs) == 0 {
		return nil, nil
	}
	return b.decode(ctx, consumer, msgs[0])
}

// reclaimDue spaces stalled-entry scans to the configured interval so a busy
// pool does not issue an extra XAUTOCLAIM on every poll. The first call after
// startup always scans; a zero interval disables the throttle.
func (b *Broker) reclaimDue() bool {
	if b.cfg.ReclaimInterval <= 0 {
		return true
	}
	now := time.Now().UnixNano()
	last := b.lastReclaim.Load()
	if last != 0 && now-last < int64(b.cfg.ReclaimInterval) {
		return false
	}
	return b.lastReclaim.CompareAndSwap(last, now)
}

// decode unwraps the payload. Undecodable entries are resolved as failed on
// the spot so they cannot wedge the stream.
func (b *Broker) decode(ctx context.Context, consumer string, m redis.XMessage) (*Delivery, error) {
	d := &Delivery{MsgID: m.ID, Consumer: consumer}

	raw, ok := m.Values["payload"].(string)
	if !ok {
		_ = b.resolve(ctx, d, b.failedKey())
		return nil, fmt.Errorf("queue entry %s has no payload", m.ID)
	}
	if err := json.Unmarshal([]byte(raw), &d.Job); err != nil {
		_ = b.resolve(ctx, d, b.failedKey())
		return nil, fmt.Errorf("queue entry %s: %w", m.ID, err)
	}
	return d, nil
}

// Heartbeat renews the lease by resetting the entry's idle clock.
func (b *Broker) Heartbeat(ctx context.Context, d *Delivery) error {
	return b.rc.XClaimJustID(ctx, &redis.XClaimArgs{
		Stream:   b.cfg.Stream,
		Group:    b.cfg.Group,
		Consumer: d.Consumer,
		MinIdle:  0,
		Messages: []string{d.MsgID},
	}).Err()
}

// Ack resolves a delivery as completed and removes it from the stream.
func (b *Broker) Ack(ctx context.Context, d *Delivery) error {
	return b.resolve(ctx, d, b.completedKey())
}

// AckFailed resolves a delivery as failed. The job is removed all the same:
// the broker never retries, failed work comes back only via gateway retry.
func (b *Broker) AckFailed(ctx context.Context, d *Delivery) error {
	return b.resolve(ctx, d, b.failedKey())
}

func (b *Broker) resolve(ctx context.Context, d *Delivery, counterKey string) error {
	pl := b.rc.Pipeline()
	pl.XAck(ctx, b.cfg.Stream, b.cfg.Group, d.MsgID)
	pl.XDel(ctx, b.cfg.Stream, d.MsgID)
	pl.Incr(ctx, counterKey)
	if d.Job.ArtifactID != "" {
		pl.SRem(ctx, b.inflightKey(), d.Job.ArtifactID)
	}
	_, err := pl.Exec(ctx)
	if err != nil {
		return fmt.Errorf("resolve queue entry %s: %w", d.MsgID, err)
	}
	return nil
}

// InFlight reports whether an artifact currently has a live queue entry.
// The watchdog uses this to tell a stuck record from one still being worked.
func (b *Broker) InFlight(ctx context.Context, artifactID string) (bool, error) {
	return b.rc.SIsMember(ctx, b.inflightKey(), artifactID).Result()
}

func (b *Broker) Stats(ctx context.Context) (Stats, error) {
	var st Stats

	total, err := b.rc.XLen(ctx, b.cfg.Stream).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return st, err
	}

	pending, err := b.rc.XPending(ctx, b.cfg.Stream, b.cfg.Group).Result()
	if err == nil {
		st.Active = pending.Count
	} else if !strings.Contains(err.Error(), "NOGROUP") {
		return st, err
	}

	st.Waiting = total - st.Active
	if st.Waiting < 0 {
		st.Waiting = 0
	}
	st.Completed, _ = b.rc.Get(ctx, b.completedKey()).Int64()
	st.Failed, _ = b.rc.Get(ctx, b.failedKey()).Int64()
	return st, nil
}

func (b *Broker) inflightKey() string  { return b.cfg.Stream + ":inflight" }
func (b *Broker) completedKey() string { return b.cfg.Stream + ":completed" }
func (b *Broker) failedKey() string    { return b.cfg.Stream + ":failed" }
