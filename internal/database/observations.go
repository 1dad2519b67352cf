package database

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// ObservationRecord is a stored bird detection. Image blobs are loaded only
// by the dedicated frame and thumbnail getters.
type ObservationRecord struct {
	ID           string
	CreatedAt    time.Time
	Species      string
	Confidence   *float64
	VideoPath    string
	Notes        string
	HasFrame     bool
	HasThumbnail bool

	FrameImage []byte
	Thumbnail  []byte
}

// ObservationFilter narrows ListObservations. Start is inclusive and End is
// exclusive; Query is ignored when Species is set.
type ObservationFilter struct {
	Species string
	Query   string
	Start   *time.Time
	End     *time.Time
	Limit   int
}

const observationColumns = `id, created_at, species, confidence, video_path, notes,
	frame_image IS NOT NULL, thumbnail IS NOT NULL`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanObservation(row rowScanner) (*ObservationRecord, error) {
	var (
		obs        ObservationRecord
		createdAt  int64
		confidence sql.NullFloat64
	)
	if err := row.Scan(&obs.ID, &createdAt, &obs.Species, &confidence, &obs.VideoPath, &obs.Notes,
		&obs.HasFrame, &obs.HasThumbnail); err != nil {
		return nil, err
	}
	obs.CreatedAt = time.UnixMilli(createdAt).UTC()
	if confidence.Valid {
		c := confidence.Float64
		obs.Confidence = &c
	}
	return &obs, nil
}

// CreateObservation inserts a new observation with its image blobs.
func (d *Database) CreateObservation(ctx context.Context, obs *ObservationRecord) error {
	var confidence sql.NullFloat64
	if obs.Confidence != nil {
		confidence = sql.NullFloat64{Float64: *obs.Confidence, Valid: true}
	}

	query := `INSERT INTO observations
		(id, created_at, species, confidence, video_path, frame_image, thumbnail, notes)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := d.db.ExecContext(ctx, query, obs.ID, obs.CreatedAt.UnixMilli(), obs.Species, confidence,
		obs.VideoPath, nullBlob(obs.FrameImage), nullBlob(obs.Thumbnail), obs.Notes)
	if err != nil {
		return fmt.Errorf("failed to create observation: %w", err)
	}
	obs.HasFrame = len(obs.FrameImage) > 0
	obs.HasThumbnail = len(obs.Thumbnail) > 0
	return nil
}

func nullBlob(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}

// GetObservation retrieves an observation by ID, without image blobs. A
// missing row yields nil, nil.
func (d *Database) GetObservation(ctx context.Context, id string) (*ObservationRecord, error) {
	row := d.db.QueryRowContext(ctx, "SELECT "+observationColumns+" FROM observations WHERE id = ?", id)
	obs, err := scanObservation(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get observation: %w", err)
	}
	return obs, nil
}

// GetObservationFrame returns the stored frame JPEG, or nil when the
// observation or its frame is missing.
func (d *Database) GetObservationFrame(ctx context.Context, id string) ([]byte, error) {
	return d.getBlob(ctx, "frame_image", id)
}

// GetObservationThumbnail returns the stored thumbnail JPEG, or nil.
func (d *Database) GetObservationThumbnail(ctx context.Context, id string) ([]byte, error) {
	return d.getBlob(ctx, "thumbnail", id)
}

func (d *Database) getBlob(ctx context.Context, column, id string) ([]byte, error) {
	var data []byte
	err := d.db.QueryRowContext(ctx, "SELECT "+column+" FROM observations WHERE id = ?", id).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get %s: %w", column, err)
	}
	return data, nil
}

// ListObservations returns matching observations, newest first.
func (d *Database) ListObservations(ctx context.Context, f ObservationFilter) ([]*ObservationRecord, error) {
	query := "SELECT " + observationColumns + " FROM observations WHERE 1=1"
	args := []any{}

	if f.Species != "" {
		query += " AND species = ?"
		args = append(args, f.Species)
	} else if q := strings.TrimSpace(f.Query); q != "" {
		query += ` AND species LIKE ? ESCAPE '\'`
		args = append(args, "%"+escapeLike(q)+"%")
	}
	if f.Start != nil {
		query += " AND created_at >= ?"
		args = append(args, f.Start.UnixMilli())
	}
	if f.End != nil {
		query += " AND created_at < ?"
		args = append(args, f.End.UnixMilli())
	}

	query += " ORDER BY created_at DESC, id"

	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list observations: %w", err)
	}
	defer rows.Close()

	var observations []*ObservationRecord
	for rows.Next() {
		obs, err := scanObservation(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan observation: %w", err)
		}
		observations = append(observations, obs)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list observations: %w", err)
	}
	return observations, nil
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

// DeleteObservation deletes an observation by ID and reports whether a row
// was removed.
func (d *Database) DeleteObservation(ctx context.Context, id string) (bool, error) {
	result, err := d.db.ExecContext(ctx, "DELETE FROM observations WHERE id = ?", id)
	if err != nil {
		return false, fmt.Errorf("failed to delete observation: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to delete observation: %w", err)
	}
	return n > 0, nil
}

// CountObservations returns the number of stored observations.
func (d *Database) CountObservations(ctx context.Context) (int, error) {
	var n int
	if err := d.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM observations").Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count observations: %w", err)
	}
	return n, nil
}
