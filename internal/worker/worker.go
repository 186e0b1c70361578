package worker

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/mirrorlabs/scanforge/internal/codec"
	"github.com/mirrorlabs/scanforge/internal/config"
	"github.com/mirrorlabs/scanforge/internal/entities"
	"github.com/mirrorlabs/scanforge/internal/queue"
)

// Records is the artifact state accessor; in production it is the notify
// tracker, so every write here lands on the bus as well.
type Records interface {
	Get(ctx context.Context, id string) (entities.ArtifactRecord, error)
	Save(ctx context.Context, rec entities.ArtifactRecord) error
}

type Storage interface {
	Download(ctx context.Context, key string) ([]byte, string, error)
	Upload(ctx context.Context, key string, contentType string, payload []byte) (string, error)
	Delete(ctx context.Context, key string) error
	KeyFromURL(url string) (string, error)
}

type Codec interface {
	Probe(ctx context.Context) error
	Transform(ctx context.Context, input []byte, sourceFormat string, onProgress func(pct int)) (codec.Result, error)
}

// Pool runs N concurrent consumers against the job queue. Each consumer
// leases one job at a time, runs the pipeline and resolves the delivery.
type Pool struct {
	broker  *queue.Broker
	records Records
	storage Storage
	codec   Codec
	cfg     config.WorkerConfig
	qcfg    config.QueueConfig
}

// Init probes the codec, ensures the consumer group exists and starts the
// pool in the background. A worker process that cannot reach its codec must
// refuse to start rather than fail every job at first dispatch.
func Init(ctx context.Context, broker *queue.Broker, records Records, storage Storage, cdc Codec, cfg config.WorkerConfig, qcfg config.QueueConfig) (*Pool, error) {
	if err := cdc.Probe(ctx); err != nil {
		return nil, fmt.Errorf("codec probe: %w", err)
	}
	if err := broker.EnsureGroup(ctx); err != nil {
		return nil, fmt.Errorf("failed to ensure consumer group: %w", err)
	}

	p := NewPool(broker, records, storage, cdc, cfg, qcfg)
	go func() {
		if err := p.Start(ctx); err != nil {
			log.Printf("[worker] stopped: %v", err)
		}
	}()
	return p, nil
}

func NewPool(broker *queue.Broker, records Records, storage Storage, cdc Codec, cfg config.WorkerConfig, qcfg config.QueueConfig) *Pool {
	return &Pool{
		broker:  broker,
		records: records,
		storage: storage,
		codec:   cdc,
		cfg:     cfg,
		qcfg:    qcfg,
	}
}

func (p *Pool) Start(ctx context.Context) error {
	log.Printf("[worker] starting pool group=%s stream=%s workers=%d",
		p.qcfg.Group, p.qcfg.Stream, p.cfg.Count,
	)

	go p.statsLoop(ctx)

	errCh := make(chan error, p.cfg.Count)
	for i := 0; i < p.cfg.Count; i++ {
		consumer := fmt.Sprintf("%s-%d", p.cfg.ConsumerPrefix, i)
		go func() {
			log.Printf("[worker] consumer %s started", consumer)
			err := p.loop(ctx, consumer)
			if err != nil {
				log.Printf("[worker] consumer %s stopped with error: %v", consumer, err)
			} else {
				log.Printf("[worker] consumer %s stopped gracefully", consumer)
			}
			errCh <- err
		}()
	}

	select {
	case <-ctx.Done():
		log.Printf("[worker] context canceled, stopping all consumers")
		return ctx.Err()
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("worker loop exited with error: %w", err)
		}
		return nil
	}
}

func (p *Pool) loop(ctx context.Context, consumer string) error {
	for {
		if ctx.Err() != nil {
			return nil
		}

		d, err := p.broker.Lease(ctx, consumer)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			log.Printf("[worker] %s: lease failed: %v", consumer, err)
			sentry.CaptureException(err)
			continue
		}
		if d == nil {
			continue
		}

		p.handle(ctx, d)
	}
}

// handle runs one leased job under a heartbeat and resolves the delivery.
func (p *Pool) handle(ctx context.Context, d *queue.Delivery) {
	hbStop := make(chan struct{})
	go p.heartbeatLoop(ctx, d, hbStop)

	err := p.process(ctx, d.Job)
	close(hbStop)

	if err != nil {
		log.Printf("[worker] job %s (artifact %s) failed: %v", d.Job.ID, d.Job.ArtifactID, err)
		sentry.CaptureException(err)
		if ackErr := p.broker.AckFailed(ctx, d); ackErr != nil {
			log.Printf("[worker] failed-ack for job %s: %v", d.Job.ID, ackErr)
		}
		return
	}
	if ackErr := p.broker.Ack(ctx, d); ackErr != nil {
		// The record is already terminal; if this lease expires the re-run
		// worker's precondition check turns the duplicate into a no-op.
		log.Printf("[worker] ack for job %s: %v", d.Job.ID, ackErr)
	}
}

func (p *Pool) heartbeatLoop(ctx context.Context, d *queue.Delivery, stop <-chan struct{}) {
	interval := p.qcfg.LeaseTTL / 3
	if interval <= 0 {
		interval = time.Second
	}
	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-t.C:
			if err := p.broker.Heartbeat(ctx, d); err != nil {
				log.Printf("[worker] heartbeat for job %s: %v", d.Job.ID, err)
			}
		}
	}
}

func (p *Pool) statsLoop(ctx context.Context) {
	interval := p.qcfg.StatsInterval
	if interval <= 0 {
		return
	}
	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			st, err := p.broker.Stats(ctx)
			if err != nil {
				log.Printf("[queue] stats poll failed: %v", err)
				continue
			}
			log.Printf("[queue] stats waiting=%d active=%d completed=%d failed=%d",
				st.Waiting, st.Active, st.Completed, st.Failed)
		}
	}
}
