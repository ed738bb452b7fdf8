package database

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/therealutkarshpriyadarshi/tbmclip/pkg/models"
)

// ErrClipNotFound is returned when no clip row matches
var ErrClipNotFound = errors.New("clip not found")

// Repository provides database operations
type Repository struct {
	db *DB
}

// NewRepository creates a new repository
func NewRepository(db *DB) *Repository {
	return &Repository{db: db}
}

const clipColumns = `id, record_id, source_name, source_key, source_size, source_mime, source_digest,
	status, mime_type, clip_key, width, height, frames, duration_ms, size_bytes, has_audio,
	stop_reason, error_kind, error_msg, metadata, created_at, updated_at, completed_at`

func scanClip(row pgx.Row) (*models.Clip, error) {
	var clip models.Clip
	err := row.Scan(
		&clip.ID, &clip.RecordID, &clip.SourceName, &clip.SourceKey, &clip.SourceSize,
		&clip.SourceMIME, &clip.SourceDigest, &clip.Status, &clip.MIMEType, &clip.ClipKey,
		&clip.Width, &clip.Height, &clip.Frames, &clip.DurationMs, &clip.SizeBytes,
		&clip.HasAudio, &clip.StopReason, &clip.ErrorKind, &clip.ErrorMsg, &clip.Metadata,
		&clip.CreatedAt, &clip.UpdatedAt, &clip.CompletedAt,
	)
	if err != nil {
		return nil, err
	}
	return &clip, nil
}

// CreateClip creates a new clip record
func (r *Repository) CreateClip(ctx context.Context, clip *models.Clip) error {
	if clip.ID == "" {
		clip.ID = uuid.New().String()
	}
	if clip.Status == "" {
		clip.Status = models.ClipStatusPending
	}

	query := `
		INSERT INTO clips (id, record_id, source_name, source_key, source_size, source_mime,
		                   source_digest, status, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING created_at, updated_at
	`

	err := r.db.Pool.QueryRow(ctx, query,
		clip.ID, clip.RecordID, clip.SourceName, clip.SourceKey, clip.SourceSize,
		clip.SourceMIME, clip.SourceDigest, clip.Status, clip.Metadata,
	).Scan(&clip.CreatedAt, &clip.UpdatedAt)

	if err != nil {
		return fmt.Errorf("failed to create clip: %w", err)
	}

	return nil
}

// GetClip retrieves a clip by ID
func (r *Repository) GetClip(ctx context.Context, id string) (*models.Clip, error) {
	query := `SELECT ` + clipColumns + ` FROM clips WHERE id = $1`

	clip, err := scanClip(r.db.Pool.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrClipNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get clip: %w", err)
	}

	return clip, nil
}

// GetClipByDigest returns the newest ready clip produced from a source with
// the given sha256 digest
func (r *Repository) GetClipByDigest(ctx context.Context, digest string) (*models.Clip, error) {
	query := `SELECT ` + clipColumns + ` FROM clips
		WHERE source_digest = $1 AND status = $2
		ORDER BY completed_at DESC NULLS LAST
		LIMIT 1`

	clip, err := scanClip(r.db.Pool.QueryRow(ctx, query, digest, models.ClipStatusReady))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrClipNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get clip by digest: %w", err)
	}

	return clip, nil
}

// UpdateClip writes the clip's status and derivative fields
func (r *Repository) UpdateClip(ctx context.Context, clip *models.Clip) error {
	query := `
		UPDATE clips
		SET source_digest = $2, status = $3, mime_type = $4, clip_key = $5, width = $6,
		    height = $7, frames = $8, duration_ms = $9, size_bytes = $10, has_audio = $11,
		    stop_reason = $12, error_kind = $13, error_msg = $14, completed_at = $15,
		    updated_at = NOW()
		WHERE id = $1
		RETURNING updated_at
	`

	err := r.db.Pool.QueryRow(ctx, query,
		clip.ID, clip.SourceDigest, clip.Status, clip.MIMEType, clip.ClipKey, clip.Width,
		clip.Height, clip.Frames, clip.DurationMs, clip.SizeBytes, clip.HasAudio,
		clip.StopReason, clip.ErrorKind, clip.ErrorMsg, clip.CompletedAt,
	).Scan(&clip.UpdatedAt)

	if errors.Is(err, pgx.ErrNoRows) {
		return ErrClipNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to update clip: %w", err)
	}

	return nil
}

// ClipFilter narrows ListClips
type ClipFilter struct {
	Status   string
	RecordID string
	Limit    int
	Offset   int
}

const (
	defaultListLimit = 20
	maxListLimit     = 100
)

// buildListQuery renders the ListClips statement and its arguments
func buildListQuery(f ClipFilter) (string, []interface{}) {
	var (
		where []string
		args  []interface{}
	)
	if f.Status != "" {
		args = append(args, f.Status)
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	if f.RecordID != "" {
		args = append(args, f.RecordID)
		where = append(where, fmt.Sprintf("record_id = $%d", len(args)))
	}

	limit := f.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	offset := f.Offset
	if offset < 0 {
		offset = 0
	}

	var b strings.Builder
	b.WriteString("SELECT " + clipColumns + " FROM clips")
	if len(where) > 0 {
		b.WriteString(" WHERE " + strings.Join(where, " AND "))
	}
	args = append(args, limit, offset)
	fmt.Fprintf(&b, " ORDER BY created_at DESC LIMIT $%d OFFSET $%d", len(args)-1, len(args))
	return b.String(), args
}

// ListClips retrieves clips with pagination
func (r *Repository) ListClips(ctx context.Context, filter ClipFilter) ([]*models.Clip, error) {
	query, args := buildListQuery(filter)

	rows, err := r.db.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list clips: %w", err)
	}
	defer rows.Close()

	var clips []*models.Clip
	for rows.Next() {
		clip, err := scanClip(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan clip: %w", err)
		}
		clips = append(clips, clip)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate clips: %w", err)
	}

	return clips, nil
}
