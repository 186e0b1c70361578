package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/mirrorlabs/scanforge/internal/config"
	"github.com/mirrorlabs/scanforge/internal/entities"
	"github.com/mirrorlabs/scanforge/internal/gateway"
	"github.com/mirrorlabs/scanforge/internal/notify"
	"github.com/mirrorlabs/scanforge/internal/objectstore"
	"github.com/mirrorlabs/scanforge/internal/queue"
	"github.com/mirrorlabs/scanforge/internal/repository/artifacts"
)

type Gateway interface {
	SubmitForTranscoding(ctx context.Context, params gateway.SubmitParams) (string, error)
	Retry(ctx context.Context, artifactID string) (string, error)
}

type Records interface {
	Get(ctx context.Context, id string) (entities.ArtifactRecord, error)
	Save(ctx context.Context, rec entities.ArtifactRecord) error
}

type Storage interface {
	Upload(ctx context.Context, key string, contentType string, payload []byte) (string, error)
}

type Broker interface {
	Stats(ctx context.Context) (queue.Stats, error)
}

type Subscriber interface {
	Subscribe(ctx context.Context, artifactIDs ...string) (*notify.Subscription, error)
}

type Handler struct {
	gateway    Gateway
	records    Records
	storage    Storage
	broker     Broker
	subscriber Subscriber
	cfg        *config.Config
	validator  *validator.Validate
}

func New(gw Gateway, records Records, storage Storage, broker Broker, subscriber Subscriber, cfg *config.Config) *Handler {
	return &Handler{
		gateway:    gw,
		records:    records,
		storage:    storage,
		broker:     broker,
		subscriber: subscriber,
		cfg:        cfg,
		validator:  validator.New(),
	}
}

// UploadScan receives a raw scan, stores it and creates the artifact record.
// Raw formats are handed to the gateway for transcoding; files already in
// the compact encoding go straight to ready.
func (h *Handler) UploadScan(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.cfg.Upload.MaxRequestBodyMB<<20)

	if err := r.ParseMultipartForm(h.cfg.Upload.MaxMultipartMemoryMB << 20); err != nil {
		writeMultipartError(w, err)
		return
	}

	file, fh, err := r.FormFile("scan")
	if err != nil {
		if strings.Contains(err.Error(), "no such file") {
			writeJSONError(w, `missing scan file: form field key should be "scan"`, http.StatusBadRequest)
		} else {
			writeJSONError(w, "an error occurred while uploading the file: "+err.Error(), http.StatusBadRequest)
		}
		return
	}
	defer file.Close()

	params := UploadScanParams{
		ParentID: r.Form.Get("parentID"),
		Name:     r.Form.Get("name"),
	}
	if err := h.validator.Struct(params); err != nil {
		writeJSON(w, http.StatusBadRequest, validationErrorsToMap(err))
		return
	}

	name := params.Name
	if name == "" {
		name = fh.Filename
	}
	format := strings.ToLower(strings.TrimPrefix(path.Ext(fh.Filename), "."))
	if err := validateScanFormat(format); err != nil {
		writeJSONError(w, err.Error(), http.StatusBadRequest)
		return
	}

	payload, err := io.ReadAll(file)
	if err != nil {
		writeJSONError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	// Point-cloud containers are not in mimetype's tree; the sniff yields a
	// sensible content type for storage without deciding the format.
	contentType := mimetype.Detect(payload).String()

	ctx := r.Context()

	key := objectstore.BuildKey(params.ParentID, fh.Filename, "")
	sourceURL, err := h.storage.Upload(ctx, key, contentType, payload)
	if err != nil {
		writeJSONError(w, err.Error(), http.StatusBadGateway)
		return
	}

	rec := entities.ArtifactRecord{
		ID:           uuid.NewString(),
		ParentID:     params.ParentID,
		Name:         name,
		SourceURL:    sourceURL,
		SourceFormat: format,
		SourceSize:   int64(len(payload)),
		Status:       entities.StatusUploading,
	}

	if !entities.RequiresTranscoding(format) {
		// Already compact: the upload is its own deliverable.
		size := int64(len(payload))
		ratio := 1.0
		rec.Status = entities.StatusReady
		rec.CompressedURL = &sourceURL
		rec.CompressedSize = &size
		rec.CompressionRatio = &ratio
		if err := h.records.Save(ctx, rec); err != nil {
			writeJSONError(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusCreated, submitResponse{Artifact: rec})
		return
	}

	if err := h.records.Save(ctx, rec); err != nil {
		writeJSONError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	jobID, err := h.gateway.SubmitForTranscoding(ctx, gateway.SubmitParams{
		ArtifactID: rec.ID,
		ParentID:   rec.ParentID,
		SourceURL:  rec.SourceURL,
		FileName:   rec.Name,
		FileSize:   rec.SourceSize,
	})
	if err != nil {
		// The record may already read processing (see gateway); surface the
		// enqueue failure so the caller can resubmit later.
		writeJSONError(w, fmt.Sprintf("scan stored but enqueue failed: %v", err), http.StatusBadGateway)
		return
	}

	updated, err := h.records.Get(ctx, rec.ID)
	if err != nil {
		updated = rec
	}
	writeJSON(w, http.StatusCreated, submitResponse{JobID: jobID, Artifact: updated})
}

// Transcode enqueues transcoding for source bytes already in object storage.
// The upload flow is the common entry point; this one serves re-ingestion and
// callers that write to storage themselves.
func (h *Handler) Transcode(w http.ResponseWriter, r *http.Request) {
	artifactID := chi.URLParam(r, "artifactID")

	var req transcodeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if err := h.validator.Struct(req); err != nil {
		writeJSON(w, http.StatusBadRequest, validationErrorsToMap(err))
		return
	}

	format := strings.ToLower(strings.TrimPrefix(path.Ext(req.FileName), "."))
	if !entities.RequiresTranscoding(format) {
		writeJSONError(w, fmt.Sprintf("format %q cannot be transcoded", format), http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	jobID, err := h.gateway.SubmitForTranscoding(ctx, gateway.SubmitParams{
		ArtifactID: artifactID,
		ParentID:   req.ParentID,
		SourceURL:  req.SourceURL,
		FileName:   req.FileName,
		FileSize:   req.FileSizeBytes,
	})
	switch {
	case errors.Is(err, gateway.ErrAlreadyProcessing):
		writeJSONError(w, err.Error(), http.StatusConflict)
		return
	case err != nil:
		writeJSONError(w, err.Error(), http.StatusBadGateway)
		return
	}

	rec, err := h.records.Get(ctx, artifactID)
	if err != nil {
		writeJSON(w, http.StatusAccepted, submitResponse{JobID: jobID})
		return
	}
	writeJSON(w, http.StatusAccepted, submitResponse{JobID: jobID, Artifact: rec})
}

// RetryTranscoding re-submits a failed artifact.
func (h *Handler) RetryTranscoding(w http.ResponseWriter, r *http.Request) {
	artifactID := chi.URLParam(r, "artifactID")

	jobID, err := h.gateway.Retry(r.Context(), artifactID)
	switch {
	case errors.Is(err, artifacts.ErrNotFound):
		writeJSONError(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, gateway.ErrNotRetryable), errors.Is(err, gateway.ErrAlreadyProcessing):
		writeJSONError(w, err.Error(), http.StatusConflict)
	case err != nil:
		writeJSONError(w, err.Error(), http.StatusInternalServerError)
	default:
		writeJSON(w, http.StatusOK, retryResponse{JobID: jobID})
	}
}

func (h *Handler) GetArtifact(w http.ResponseWriter, r *http.Request) {
	rec, err := h.records.Get(r.Context(), chi.URLParam(r, "artifactID"))
	if errors.Is(err, artifacts.ErrNotFound) {
		writeJSONError(w, err.Error(), http.StatusNotFound)
		return
	}
	if err != nil {
		writeJSONError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// StreamEvents pushes artifact status events over SSE: one snapshot on
// connect, then an event per state change until the client goes away.
func (h *Handler) StreamEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSONError(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	ctx := r.Context()
	sub, err := h.subscriber.Subscribe(ctx, chi.URLParam(r, "artifactID"))
	if err != nil {
		if errors.Is(err, artifacts.ErrNotFound) {
			writeJSONError(w, err.Error(), http.StatusNotFound)
			return
		}
		writeJSONError(w, err.Error(), http.StatusBadGateway)
		return
	}
	defer sub.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-sub.Events():
			payload, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "data: %s\n\n", payload)
			flusher.Flush()
		}
	}
}

func (h *Handler) QueueStats(w http.ResponseWriter, r *http.Request) {
	st, err := h.broker.Stats(r.Context())
	if err != nil {
		writeJSONError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// Health is the liveness probe for orchestration platforms. It reports on
// the process only, independent of queue activity.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}
