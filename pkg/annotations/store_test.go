package annotations

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"mprengine/internal/models"
	"mprengine/pkg/roi"
)

func openTempStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "annotations.db"))
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Fatalf("Failed to close store: %v", err)
		}
	})
	return store
}

func square(id string, o models.Orientation, slice int, created time.Time) *roi.ROI {
	return &roi.ROI{
		ID:          id,
		Orientation: o,
		Slice:       slice,
		Points:      []roi.Point{{X: 10, Y: 10}, {X: 50, Y: 10}, {X: 50, Y: 50}, {X: 10, Y: 50.5}},
		CreatedAt:   created,
	}
}

// TestSaveAndList verifies ROIs round-trip through the database in creation order
func TestSaveAndList(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping file I/O test in short mode")
	}
	store := openTempStore(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	if err := store.Save(ctx, "ct.nii", square("b", models.Coronal, 7, now.Add(time.Minute))); err != nil {
		t.Fatalf("Failed to save roi: %v", err)
	}
	if err := store.Save(ctx, "ct.nii", square("a", models.Axial, 3, now)); err != nil {
		t.Fatalf("Failed to save roi: %v", err)
	}
	if err := store.Save(ctx, "mr.nii", square("c", models.Sagittal, 1, now)); err != nil {
		t.Fatalf("Failed to save roi: %v", err)
	}

	records, err := store.List(ctx, "ct.nii")
	if err != nil {
		t.Fatalf("Failed to list rois: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("Expected 2 records, got %d", len(records))
	}
	if records[0].ROI.ID != "a" || records[1].ROI.ID != "b" {
		t.Errorf("Expected order [a b], got [%s %s]", records[0].ROI.ID, records[1].ROI.ID)
	}
	got := records[1].ROI
	if got.Orientation != models.Coronal || got.Slice != 7 {
		t.Errorf("Expected coronal slice 7, got %s slice %d", got.Orientation, got.Slice)
	}
	if len(got.Points) != 4 || got.Points[3] != (roi.Point{X: 10, Y: 50.5}) {
		t.Errorf("Expected polygon to round-trip, got %v", got.Points)
	}
	if !got.CreatedAt.Equal(now.Add(time.Minute)) {
		t.Errorf("Expected created_at %v, got %v", now.Add(time.Minute), got.CreatedAt)
	}

	all, err := store.List(ctx, "")
	if err != nil {
		t.Fatalf("Failed to list rois: %v", err)
	}
	if len(all) != 3 {
		t.Errorf("Expected 3 records in total, got %d", len(all))
	}
}

// TestGetAndDelete verifies lookups by id and removal
func TestGetAndDelete(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping file I/O test in short mode")
	}
	store := openTempStore(t)
	ctx := context.Background()

	if err := store.Save(ctx, "ct.nii", square("a", models.Axial, 3, time.Now())); err != nil {
		t.Fatalf("Failed to save roi: %v", err)
	}
	rec, err := store.Get(ctx, "a")
	if err != nil {
		t.Fatalf("Failed to get roi: %v", err)
	}
	if rec.Volume != "ct.nii" {
		t.Errorf("Expected volume ct.nii, got %s", rec.Volume)
	}

	if err := store.Delete(ctx, "a"); err != nil {
		t.Fatalf("Failed to delete roi: %v", err)
	}
	if _, err := store.Get(ctx, "a"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound after delete, got %v", err)
	}
	if err := store.Delete(ctx, "a"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound deleting twice, got %v", err)
	}
}

// TestSaveValidation verifies incomplete ROIs are rejected
func TestSaveValidation(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping file I/O test in short mode")
	}
	store := openTempStore(t)
	ctx := context.Background()

	if err := store.Save(ctx, "ct.nii", &roi.ROI{}); err == nil {
		t.Error("Expected error for ROI without id")
	}
	short := &roi.ROI{ID: "x", Points: []roi.Point{{X: 1, Y: 1}, {X: 2, Y: 2}}}
	if err := store.Save(ctx, "ct.nii", short); !errors.Is(err, roi.ErrROIInvalid) {
		t.Errorf("Expected ErrROIInvalid, got %v", err)
	}
	if _, err := Open(" "); err == nil {
		t.Error("Expected error for empty path")
	}
}
