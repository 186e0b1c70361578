package entities

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Status is the lifecycle state of an artifact.
// Valid transitions: uploading -> processing -> ready|error, error -> processing (retry).
type Status string

const (
	StatusUploading  Status = "uploading"
	StatusProcessing Status = "processing"
	StatusReady      Status = "ready"
	StatusError      Status = "error"
)

var ErrInvalidTransition = errors.New("invalid artifact status transition")

// ArtifactRecord is the durable representation of one transcodable file.
// It is the single source of truth for the pipeline; the queue job is ephemeral.
// Updates are full-record last-write-wins, never field-level patches.
type ArtifactRecord struct {
	ID           string `json:"id"`
	ParentID     string `json:"parent_id"`
	Name         string `json:"name"`
	SourceURL    string `json:"source_url"`
	SourceFormat string `json:"source_format"`
	SourceSize   int64  `json:"source_size_bytes"`

	Status Status `json:"status"`

	// Non-nil only while Status == processing.
	ProgressPercent *int `json:"progress_percent,omitempty"`

	// Non-nil only when Status == ready.
	CompressedURL    *string  `json:"compressed_url,omitempty"`
	CompressedSize   *int64   `json:"compressed_size_bytes,omitempty"`
	CompressionRatio *float64 `json:"compression_ratio,omitempty"`

	// Non-nil only when Status == error.
	ErrorMessage *string `json:"error_message,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// BeginProcessing flips the record into the processing state at zero progress
// and clears any previous outcome. Rejected while a run is already in flight.
func (a *ArtifactRecord) BeginProcessing(sourceSize int64) error {
	if a.Status == StatusProcessing {
		return fmt.Errorf("%w: artifact %s is already processing", ErrInvalidTransition, a.ID)
	}
	zero := 0
	a.Status = StatusProcessing
	a.ProgressPercent = &zero
	a.SourceSize = sourceSize
	a.CompressedURL = nil
	a.CompressedSize = nil
	a.CompressionRatio = nil
	a.ErrorMessage = nil
	return nil
}

// SetProgress records pipeline progress. Only legal while processing.
func (a *ArtifactRecord) SetProgress(pct int) error {
	if a.Status != StatusProcessing {
		return fmt.Errorf("%w: progress write on %s artifact %s", ErrInvalidTransition, a.Status, a.ID)
	}
	if pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}
	a.ProgressPercent = &pct
	return nil
}

// Finish moves the record to ready and populates the compressed fields.
// The ratio is original size over compressed size.
func (a *ArtifactRecord) Finish(compressedURL string, compressedSize int64) error {
	if a.Status != StatusProcessing {
		return fmt.Errorf("%w: finish on %s artifact %s", ErrInvalidTransition, a.Status, a.ID)
	}
	if compressedSize <= 0 {
		return fmt.Errorf("artifact %s: compressed size must be positive, got %d", a.ID, compressedSize)
	}
	ratio := float64(a.SourceSize) / float64(compressedSize)
	a.Status = StatusReady
	a.ProgressPercent = nil
	a.CompressedURL = &compressedURL
	a.CompressedSize = &compressedSize
	a.CompressionRatio = &ratio
	a.ErrorMessage = nil
	return nil
}

// Fail moves the record to error with a message and clears progress.
func (a *ArtifactRecord) Fail(msg string) {
	a.Status = StatusError
	a.ProgressPercent = nil
	a.CompressedURL = nil
	a.CompressedSize = nil
	a.CompressionRatio = nil
	a.ErrorMessage = &msg
}

// Validate checks the per-status field invariants.
func (a *ArtifactRecord) Validate() error {
	if a.ID == "" {
		return errors.New("artifact id is empty")
	}
	if (a.ProgressPercent != nil) != (a.Status == StatusProcessing) {
		return fmt.Errorf("artifact %s: progress set=%v but status=%s", a.ID, a.ProgressPercent != nil, a.Status)
	}
	compressed := a.CompressedURL != nil && a.CompressedSize != nil && a.CompressionRatio != nil
	if compressed != (a.Status == StatusReady) {
		return fmt.Errorf("artifact %s: compressed fields set=%v but status=%s", a.ID, compressed, a.Status)
	}
	if (a.ErrorMessage != nil) != (a.Status == StatusError) {
		return fmt.Errorf("artifact %s: error message set=%v but status=%s", a.ID, a.ErrorMessage != nil, a.Status)
	}
	return nil
}

// CompressionJob is what we push to the queue stream.
// No bytes here—workers fetch by SourceURL.
type CompressionJob struct {
	ID         string `json:"job_id"`
	ArtifactID string `json:"artifact_id"`
	ParentID   string `json:"parent_id"`
	SourceURL  string `json:"source_url"`
	FileName   string `json:"file_name"`
	FileSize   int64  `json:"file_size_bytes"`
}

// CompactFormat is the target encoding of the pipeline.
const CompactFormat = "drc"

var transcodableFormats = map[string]struct{}{
	"ply": {},
	"las": {},
	"laz": {},
	"e57": {},
	"pts": {},
	"xyz": {},
}

// RequiresTranscoding reports whether a source format goes through the
// pipeline. Files already in the compact encoding skip straight to ready
// at upload time.
func RequiresTranscoding(format string) bool {
	f := strings.ToLower(strings.TrimPrefix(format, "."))
	if f == CompactFormat {
		return false
	}
	_, ok := transcodableFormats[f]
	return ok
}
