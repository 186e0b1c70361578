package worker

import (
	"context"
	"fmt"
	"log"

	"github.com/getsentry/sentry-go"
	"github.com/mirrorlabs/scanforge/internal/entities"
	"github.com/mirrorlabs/scanforge/internal/objectstore"
)

// Pipeline progress bands. Download ends at 20, the transform maps its own
// 0..100 into 20..85, the upload lands at 95 and finalize closes out at 100.
const (
	progressDownloaded  = 20
	progressTransformed = 85
	progressUploaded    = 95
)

const compactContentType = "application/octet-stream"

// transformProgress remaps an engine percentage into the transform band.
func transformProgress(enginePct int) int {
	if enginePct < 0 {
		enginePct = 0
	}
	if enginePct > 100 {
		enginePct = 100
	}
	return progressDownloaded + enginePct*(progressTransformed-progressDownloaded)/100
}

// process executes the pipeline for one job. A nil return acks the job as
// completed; any error acks it as failed after the record has been moved to
// the error state. The artifact record is written stage by stage, strictly in
// order, so observers see progress advance monotonically.
func (p *Pool) process(ctx context.Context, job entities.CompressionJob) error {
	// Re-read the record first: a duplicate lease, or a status changed out
	// from under us, means someone else owns this artifact now.
	rec, err := p.records.Get(ctx, job.ArtifactID)
	if err != nil {
		return fmt.Errorf("load artifact %s: %w", job.ArtifactID, err)
	}
	if rec.Status != entities.StatusProcessing {
		log.Printf("[worker] artifact %s is %s, acking job %s as no-op", rec.ID, rec.Status, job.ID)
		return nil
	}

	sourceKey, err := p.storage.KeyFromURL(job.SourceURL)
	if err != nil {
		return p.failArtifact(ctx, rec, err)
	}

	input, _, err := p.storage.Download(ctx, sourceKey)
	if err != nil {
		return p.failArtifact(ctx, rec, fmt.Errorf("download: %w", err))
	}
	if err := p.writeProgress(ctx, &rec, progressDownloaded); err != nil {
		return p.failArtifact(ctx, rec, err)
	}

	result, err := p.codec.Transform(ctx, input, rec.SourceFormat, func(enginePct int) {
		// Tick write failures are not fatal: the next tick or the terminal
		// write will catch the store up.
		if err := p.writeProgress(ctx, &rec, transformProgress(enginePct)); err != nil {
			log.Printf("[worker] progress write for artifact %s: %v", rec.ID, err)
		}
	})
	if err != nil {
		return p.failArtifact(ctx, rec, fmt.Errorf("transform: %w", err))
	}
	if err := p.writeProgress(ctx, &rec, progressTransformed); err != nil {
		return p.failArtifact(ctx, rec, err)
	}

	outputKey := objectstore.BuildKey(job.ParentID, job.FileName, entities.CompactFormat)
	compressedURL, err := p.storage.Upload(ctx, outputKey, compactContentType, result.Output)
	if err != nil {
		return p.failArtifact(ctx, rec, fmt.Errorf("upload: %w", err))
	}
	if err := p.writeProgress(ctx, &rec, progressUploaded); err != nil {
		return p.failArtifact(ctx, rec, err)
	}

	// Best-effort: the compressed artifact is already safe, losing the
	// original only costs storage. Never fails the job.
	p.cleanupSource(ctx, rec.ID, sourceKey)

	if err := rec.Finish(compressedURL, result.OutputSize); err != nil {
		return p.failArtifact(ctx, rec, err)
	}
	if err := p.records.Save(ctx, rec); err != nil {
		return fmt.Errorf("finalize artifact %s: %w", rec.ID, err)
	}

	log.Printf("[worker] artifact %s ready: %d -> %d bytes (ratio %.2f)",
		rec.ID, rec.SourceSize, *rec.CompressedSize, *rec.CompressionRatio)
	return nil
}

// writeProgress persists and publishes a progress tick. Regressions are
// dropped so the observed series is non-decreasing even when ticks race a
// stage boundary.
func (p *Pool) writeProgress(ctx context.Context, rec *entities.ArtifactRecord, pct int) error {
	if rec.ProgressPercent != nil && pct <= *rec.ProgressPercent {
		return nil
	}
	if err := rec.SetProgress(pct); err != nil {
		return err
	}
	return p.records.Save(ctx, *rec)
}

func (p *Pool) cleanupSource(ctx context.Context, artifactID, sourceKey string) {
	if err := p.storage.Delete(ctx, sourceKey); err != nil {
		log.Printf("[worker] cleanup of %s for artifact %s failed: %v", sourceKey, artifactID, err)
		sentry.CaptureException(err)
	}
}

// failArtifact moves the record to the error state and returns the pipeline
// error so the delivery is acked as failed.
func (p *Pool) failArtifact(ctx context.Context, rec entities.ArtifactRecord, cause error) error {
	rec.Fail(cause.Error())
	if err := p.records.Save(ctx, rec); err != nil {
		log.Printf("[worker] could not record failure for artifact %s: %v", rec.ID, err)
		sentry.CaptureException(err)
	}
	return cause
}
