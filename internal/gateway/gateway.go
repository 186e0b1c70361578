package gateway

import (
	"context"
	"errors"
	"fmt"
	"log"
	"path"
	"strings"

	"github.com/mirrorlabs/scanforge/internal/entities"
	"github.com/mirrorlabs/scanforge/internal/repository/artifacts"
)

// Domain rejections. These are validation outcomes, not transport failures;
// handlers map them to 4xx responses.
var (
	ErrAlreadyProcessing = errors.New("artifact is already processing")
	ErrNotRetryable      = errors.New("artifact is not in the error state")
)

type Records interface {
	Get(ctx context.Context, id string) (entities.ArtifactRecord, error)
	Save(ctx context.Context, rec entities.ArtifactRecord) error
}

type Queue interface {
	Push(ctx context.Context, job entities.CompressionJob) (string, error)
}

// Gateway validates and enqueues transcoding work. It owns the transition
// into processing; the worker pool owns everything after that until a
// terminal state.
type Gateway struct {
	records Records
	queue   Queue
}

func New(records Records, queue Queue) *Gateway {
	return &Gateway{records: records, queue: queue}
}

type SubmitParams struct {
	ArtifactID string
	ParentID   string
	SourceURL  string
	FileName   string
	FileSize   int64
}

// SubmitForTranscoding flips the artifact to processing and pushes a job.
// The record write deliberately precedes the push: if the push then fails the
// record stays processing with no live job, which the caller sees as a failed
// enqueue and the watchdog sweep eventually resolves to error.
func (g *Gateway) SubmitForTranscoding(ctx context.Context, params SubmitParams) (string, error) {
	rec, err := g.records.Get(ctx, params.ArtifactID)
	switch {
	case errors.Is(err, artifacts.ErrNotFound):
		rec = entities.ArtifactRecord{
			ID:           params.ArtifactID,
			ParentID:     params.ParentID,
			Name:         params.FileName,
			SourceURL:    params.SourceURL,
			SourceFormat: formatOf(params.FileName),
			Status:       entities.StatusUploading,
		}
	case err != nil:
		return "", fmt.Errorf("load artifact %s: %w", params.ArtifactID, err)
	}

	if rec.Status == entities.StatusProcessing {
		return "", fmt.Errorf("%w: %s", ErrAlreadyProcessing, params.ArtifactID)
	}

	rec.SourceURL = params.SourceURL
	rec.Name = params.FileName
	if err := rec.BeginProcessing(params.FileSize); err != nil {
		return "", err
	}
	if err := g.records.Save(ctx, rec); err != nil {
		return "", fmt.Errorf("mark artifact %s processing: %w", params.ArtifactID, err)
	}

	jobID, err := g.queue.Push(ctx, entities.CompressionJob{
		ArtifactID: params.ArtifactID,
		ParentID:   params.ParentID,
		SourceURL:  params.SourceURL,
		FileName:   params.FileName,
		FileSize:   params.FileSize,
	})
	if err != nil {
		log.Printf("[gateway] enqueue for artifact %s failed after status write: %v", params.ArtifactID, err)
		return "", fmt.Errorf("enqueue artifact %s: %w", params.ArtifactID, err)
	}
	return jobID, nil
}

// Retry re-submits an artifact that previously failed, reusing the source
// fields stored on the record. Anything not in the error state is rejected.
func (g *Gateway) Retry(ctx context.Context, artifactID string) (string, error) {
	rec, err := g.records.Get(ctx, artifactID)
	if err != nil {
		return "", fmt.Errorf("load artifact %s: %w", artifactID, err)
	}
	if rec.Status != entities.StatusError {
		return "", fmt.Errorf("%w: %s is %s", ErrNotRetryable, artifactID, rec.Status)
	}

	return g.SubmitForTranscoding(ctx, SubmitParams{
		ArtifactID: rec.ID,
		ParentID:   rec.ParentID,
		SourceURL:  rec.SourceURL,
		FileName:   rec.Name,
		FileSize:   rec.SourceSize,
	})
}

func formatOf(fileName string) string {
	return strings.ToLower(strings.TrimPrefix(path.Ext(fileName), "."))
}
