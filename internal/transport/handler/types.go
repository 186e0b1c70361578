package handler

// UploadScanParams carries the multipart form fields of a scan upload.
type UploadScanParams struct {
	ParentID string `validate:"required,max=64"`   // owning project id
	Name     string `validate:"omitempty,max=255"` // display name override
}

// transcodeRequest enqueues transcoding for a scan whose bytes already sit
// in object storage, bypassing the upload flow.
type transcodeRequest struct {
	ParentID      string `json:"parent_id" validate:"required,max=64"`
	SourceURL     string `json:"source_url" validate:"required,url"`
	FileName      string `json:"file_name" validate:"required,max=255"`
	FileSizeBytes int64  `json:"file_size_bytes" validate:"required,gt=0"`
}

type submitResponse struct {
	JobID    string `json:"job_id,omitempty"`
	Artifact any    `json:"artifact"`
}

type retryResponse struct {
	JobID string `json:"job_id"`
}
