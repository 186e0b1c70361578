package watchdog

import (
	"context"
	"log"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/mirrorlabs/scanforge/internal/config"
	"github.com/mirrorlabs/scanforge/internal/entities"
)

// staleMessage lands on the record so the UI can offer a retry.
const staleMessage = "transcoding stalled: no live job for this artifact; retry required"

type Records interface {
	ListStaleProcessing(ctx context.Context, olderThan time.Duration) ([]entities.ArtifactRecord, error)
	Save(ctx context.Context, rec entities.ArtifactRecord) error
}

type Queue interface {
	InFlight(ctx context.Context, artifactID string) (bool, error)
}

// Watchdog is the reconciliation sweep for the enqueue-after-status-write
// window: a record can be left in processing with no job on the queue when
// the broker push fails. The sweep fails such records once they have sat
// unwritten past the staleness threshold, so callers regain the retry path.
// Records whose job is still live (long transform, stalled lease waiting to
// be reclaimed) are left alone.
type Watchdog struct {
	records Records
	queue   Queue
	cfg     config.WatchdogConfig
}

func New(records Records, queue Queue, cfg config.WatchdogConfig) *Watchdog {
	return &Watchdog{records: records, queue: queue, cfg: cfg}
}

func (w *Watchdog) Start(ctx context.Context) {
	go func() {
		t := time.NewTicker(w.cfg.Interval)
		defer t.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				if n, err := w.Sweep(ctx); err != nil {
					log.Printf("[watchdog] sweep failed: %v", err)
					sentry.CaptureException(err)
				} else if n > 0 {
					log.Printf("[watchdog] failed %d stale processing artifact(s)", n)
				}
			}
		}
	}()
}

// Sweep fails every stale processing record with no live queue entry and
// returns how many were flipped.
func (w *Watchdog) Sweep(ctx context.Context) (int, error) {
	stale, err := w.records.ListStaleProcessing(ctx, w.cfg.StaleAfter)
	if err != nil {
		return 0, err
	}

	flipped := 0
	for _, rec := range stale {
		live, err := w.queue.InFlight(ctx, rec.ID)
		if err != nil {
			return flipped, err
		}
		if live {
			continue
		}

		rec.Fail(staleMessage)
		if err := w.records.Save(ctx, rec); err != nil {
			return flipped, err
		}
		flipped++
	}
	return flipped, nil
}
