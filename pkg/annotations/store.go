// Package annotations archives committed ROIs in a SQLite database so they
// can be listed and re-applied to a later session on the same volume.
package annotations

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"mprengine/internal/models"
	"mprengine/pkg/roi"
)

// ErrNotFound is returned when no annotation has the requested id
var ErrNotFound = errors.New("annotation not found")

const schema = `
CREATE TABLE IF NOT EXISTS rois (
	id TEXT PRIMARY KEY,
	volume TEXT NOT NULL,
	orientation TEXT NOT NULL,
	slice INTEGER NOT NULL,
	polygon TEXT NOT NULL,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS rois_volume_created ON rois (volume, created_at);
`

// Record is one archived ROI together with the volume it was drawn on
type Record struct {
	Volume string
	ROI    roi.ROI
}

// Store provides SQLite-backed ROI persistence.
type Store struct {
	sqlDB *sql.DB
}

// Open opens an annotation database at path, creating the schema if needed.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	dsn := filepath.Clean(path) + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := sqlDB.Exec(schema); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &Store{sqlDB: sqlDB}, nil
}

// Close releases the SQLite connection.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// Save stores r under volume, replacing an earlier record with the same id.
func (s *Store) Save(ctx context.Context, volume string, r *roi.ROI) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if r == nil || r.ID == "" {
		return fmt.Errorf("roi id is required")
	}
	if len(r.Points) < 3 {
		return fmt.Errorf("%w: %d points", roi.ErrROIInvalid, len(r.Points))
	}
	polygon, err := json.Marshal(r.Points)
	if err != nil {
		return fmt.Errorf("encode polygon: %w", err)
	}
	created := r.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}

	_, err = s.sqlDB.ExecContext(ctx, `
INSERT OR REPLACE INTO rois (
	id,
	volume,
	orientation,
	slice,
	polygon,
	created_at
) VALUES (?, ?, ?, ?, ?, ?)
`,
		r.ID,
		strings.TrimSpace(volume),
		r.Orientation.String(),
		r.Slice,
		string(polygon),
		created.UTC().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("save roi: %w", err)
	}
	return nil
}

// List returns the ROIs drawn on volume, oldest first. An empty volume lists everything.
func (s *Store) List(ctx context.Context, volume string) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}

	volume = strings.TrimSpace(volume)
	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT id, volume, orientation, slice, polygon, created_at
FROM rois
WHERE ? = '' OR volume = ?
ORDER BY created_at ASC, id ASC
`, volume, volume)
	if err != nil {
		return nil, fmt.Errorf("list rois: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rois: %w", err)
	}
	return records, nil
}

// Get returns the ROI with the given id.
func (s *Store) Get(ctx context.Context, id string) (Record, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}
	if s == nil || s.sqlDB == nil {
		return Record{}, fmt.Errorf("storage is not configured")
	}
	row := s.sqlDB.QueryRowContext(ctx, `
SELECT id, volume, orientation, slice, polygon, created_at
FROM rois
WHERE id = ?
`, id)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return rec, err
}

// Delete removes the ROI with the given id.
func (s *Store) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	res, err := s.sqlDB.ExecContext(ctx, `DELETE FROM rois WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete roi: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (Record, error) {
	var (
		rec         Record
		orientation string
		polygon     string
		created     int64
	)
	if err := row.Scan(&rec.ROI.ID, &rec.Volume, &orientation, &rec.ROI.Slice, &polygon, &created); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Record{}, err
		}
		return Record{}, fmt.Errorf("scan roi: %w", err)
	}
	o, err := models.ParseOrientation(orientation)
	if err != nil {
		return Record{}, fmt.Errorf("roi %s: %w", rec.ROI.ID, err)
	}
	rec.ROI.Orientation = o
	if err := json.Unmarshal([]byte(polygon), &rec.ROI.Points); err != nil {
		return Record{}, fmt.Errorf("decode polygon of roi %s: %w", rec.ROI.ID, err)
	}
	rec.ROI.CreatedAt = time.UnixMilli(created).UTC()
	return rec, nil
}
