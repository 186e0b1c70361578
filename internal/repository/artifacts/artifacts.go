package artifacts

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/mirrorlabs/scanforge/internal/entities"
)

var ErrNotFound = errors.New("artifact not found")

type Repository struct {
	dbpool *pgxpool.Pool
}

func New(ctx context.Context, databaseDSN string) (*Repository, error) {
	pool, err := pgxpool.New(ctx, databaseDSN)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	return &Repository{dbpool: pool}, nil
}

func (r *Repository) Ping(ctx context.Context) error {
	return r.dbpool.Ping(ctx)
}

func (r *Repository) Close() {
	r.dbpool.Close()
}

const selectColumns = `id, parent_id, name, source_url, source_format, source_size_bytes,
	status, progress_percent, compressed_url, compressed_size_bytes, compression_ratio,
	error_message, created_at, updated_at`

func (r *Repository) Get(ctx context.Context, id string) (entities.ArtifactRecord, error) {
	row := r.dbpool.QueryRow(ctx,
		`SELECT `+selectColumns+` FROM artifacts WHERE id = $1`, id)

	rec, err := scanRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return entities.ArtifactRecord{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return rec, err
}

// Save upserts the full record. Every write replaces all mutable columns so
// two concurrent writers cannot leave a torn mix of fields behind.
func (r *Repository) Save(ctx context.Context, rec entities.ArtifactRecord) error {
	if err := rec.Validate(); err != nil {
		return err
	}

	_, err := r.dbpool.Exec(ctx, `
		INSERT INTO artifacts (id, parent_id, name, source_url, source_format, source_size_bytes,
			status, progress_percent, compressed_url, compressed_size_bytes, compression_ratio,
			error_message, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, now(), now())
		ON CONFLICT (id) DO UPDATE SET
			parent_id = EXCLUDED.parent_id,
			name = EXCLUDED.name,
			source_url = EXCLUDED.source_url,
			source_format = EXCLUDED.source_format,
			source_size_bytes = EXCLUDED.source_size_bytes,
			status = EXCLUDED.status,
			progress_percent = EXCLUDED.progress_percent,
			compressed_url = EXCLUDED.compressed_url,
			compressed_size_bytes = EXCLUDED.compressed_size_bytes,
			compression_ratio = EXCLUDED.compression_ratio,
			error_message = EXCLUDED.error_message,
			updated_at = now()`,
		rec.ID, rec.ParentID, rec.Name, rec.SourceURL, rec.SourceFormat, rec.SourceSize,
		rec.Status, rec.ProgressPercent, rec.CompressedURL, rec.CompressedSize, rec.CompressionRatio,
		rec.ErrorMessage)
	if err != nil {
		return fmt.Errorf("save artifact %s: %w", rec.ID, err)
	}
	return nil
}

// ListStaleProcessing returns records stuck in processing whose last write is
// older than the cutoff. Used by the watchdog sweep.
func (r *Repository) ListStaleProcessing(ctx context.Context, olderThan time.Duration) ([]entities.ArtifactRecord, error) {
	rows, err := r.dbpool.Query(ctx,
		`SELECT `+selectColumns+` FROM artifacts
		 WHERE status = $1 AND updated_at < now() - ($2 * interval '1 second')`,
		entities.StatusProcessing, olderThan.Seconds())
	if err != nil {
		return nil, fmt.Errorf("list stale processing: %w", err)
	}
	defer rows.Close()

	var out []entities.ArtifactRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func scanRecord(row pgx.Row) (entities.ArtifactRecord, error) {
	var rec entities.ArtifactRecord
	err := row.Scan(&rec.ID, &rec.ParentID, &rec.Name, &rec.SourceURL, &rec.SourceFormat, &rec.SourceSize,
		&rec.Status, &rec.ProgressPercent, &rec.CompressedURL, &rec.CompressedSize, &rec.CompressionRatio,
		&rec.ErrorMessage, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		return entities.ArtifactRecord{}, err
	}
	return rec, nil
}
