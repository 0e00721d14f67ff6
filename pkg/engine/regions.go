package engine

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"gonum.org/v1/gonum/spatial/r3"

	"mprengine/internal/models"
	"mprengine/pkg/annotations"
	"mprengine/pkg/roi"
	"mprengine/pkg/stl"
	"mprengine/pkg/telemetry"
)

// ROIDrawStart begins a polygon on the canonical slice of orientation o the
// cursor currently shows. Any committed ROI is discarded.
func (e *Engine) ROIDrawStart(o models.Orientation, p roi.Point) error {
	return e.call(func() error {
		if err := e.ready(); err != nil {
			return err
		}
		e.cancelPropagation()
		e.rois.BeginDraw(o, e.cursor.SliceIndex(o), p)
		return nil
	})
}

// ROIDrawMove appends a vertex to the polygon being drawn.
func (e *Engine) ROIDrawMove(p roi.Point) error {
	return e.call(func() error {
		if err := e.ready(); err != nil {
			return err
		}
		return e.rois.AddPoint(p)
	})
}

// ROIDrawEnd commits the polygon and starts propagating it. The mask
// arrives later in an ROICommitted event.
func (e *Engine) ROIDrawEnd() (*roi.ROI, error) {
	var r *roi.ROI
	err := e.call(func() error {
		if err := e.ready(); err != nil {
			return err
		}
		var err error
		if r, err = e.rois.EndDraw(); err != nil {
			return err
		}
		return e.startPropagation(r, true)
	})
	return r, err
}

// CommitROI commits a complete polygon on slice of orientation o and starts
// propagating it.
func (e *Engine) CommitROI(o models.Orientation, slice int, points []roi.Point) (*roi.ROI, error) {
	var r *roi.ROI
	err := e.call(func() error {
		var err error
		r, err = e.commit(o, slice, points, true)
		return err
	})
	return r, err
}

// CommitROIPhysical commits a polygon given in physical millimetres on a
// canonical view of orientation o. The points are converted to the view's
// in-plane voxel coordinates and the slice is the one they lie on.
func (e *Engine) CommitROIPhysical(o models.Orientation, points []r3.Vec) (*roi.ROI, error) {
	var r *roi.ROI
	err := e.call(func() error {
		if err := e.ready(); err != nil {
			return err
		}
		uv, slice, err := roi.FromPhysical(o, points, e.store.Geometry())
		if err != nil {
			e.rois.Clear()
			return err
		}
		r, err = e.commit(o, slice, uv, true)
		return err
	})
	return r, err
}

func (e *Engine) commit(o models.Orientation, slice int, points []roi.Point, archive bool) (*roi.ROI, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	e.cancelPropagation()
	if n := e.store.Dims()[o.NormalAxis()]; slice < 0 || slice >= n {
		e.rois.Clear()
		return nil, fmt.Errorf("%w: %s slice %d outside [0, %d)", roi.ErrROIInvalid, o, slice, n)
	}
	r, err := e.rois.Commit(o, slice, points)
	if err != nil {
		return nil, err
	}
	return r, e.startPropagation(r, archive)
}

func (e *Engine) startPropagation(r *roi.ROI, archive bool) error {
	if _, err := e.rois.BeginPropagation(); err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(e.ctx)
	e.propCancel = cancel
	e.propROI = r.ID
	geom := e.store.Geometry()

	go func() {
		ctx, span := telemetry.Tracer().Start(ctx, "engine.Propagate",
			trace.WithAttributes(
				attribute.String("roi", r.ID),
				attribute.String("orientation", r.Orientation.String()),
				attribute.Int("slice", r.Slice),
			))
		defer span.End()

		mask, err := roi.Propagate(ctx, r, geom)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		e.post(func() { e.finishPropagation(r, mask, err, archive) })
	}()
	return nil
}

func (e *Engine) finishPropagation(r *roi.ROI, mask *models.Mask, err error, archive bool) {
	if e.propROI == r.ID {
		e.propCancel()
		e.propCancel = nil
		e.propROI = ""
	}
	e.metrics.Propagation(err)
	if err != nil {
		e.rois.AbortPropagation(r)
		if !errors.Is(err, context.Canceled) {
			e.fail("propagate roi", err)
		}
		return
	}
	if err := e.rois.AttachMask(r, mask); err != nil {
		return
	}

	n := mask.Count()
	e.logf("ROI %s on %s slice %d propagated: %d voxels", r.ID, r.Orientation, r.Slice, n)
	e.publish(ROICommitted{ROI: r, Mask: mask, Voxels: n})
	if archive {
		e.archiveROI(r)
	}
}

func (e *Engine) archiveROI(r *roi.ROI) {
	if e.archive == nil {
		return
	}
	source := e.source
	go func() {
		if err := e.archive.Save(e.ctx, source, r); err != nil {
			e.post(func() { e.fail("archive roi", err) })
		}
	}()
}

// cancelPropagation stops an outstanding propagation. The ROI returns to
// Committed without a mask.
func (e *Engine) cancelPropagation() {
	if e.propCancel == nil {
		return
	}
	e.propCancel()
	e.propCancel = nil
	e.propROI = ""
	e.rois.AbortPropagation(e.rois.Current())
}

// CancelPropagation stops an outstanding propagation, leaving the ROI
// committed without a mask.
func (e *Engine) CancelPropagation() error {
	return e.call(func() error {
		if e.rois.State() != roi.Propagating {
			return fmt.Errorf("%w: cancel propagation while %v", roi.ErrWrongState, e.rois.State())
		}
		e.cancelPropagation()
		return nil
	})
}

// ClearROI discards the drawing, committed ROI and mask.
func (e *Engine) ClearROI() error {
	return e.call(func() error {
		e.cancelPropagation()
		e.rois.Clear()
		return nil
	})
}

// ROIStatus describes the ROI engine at one point in time
type ROIStatus struct {
	State roi.State
	ROI   *roi.ROI
	Mask  *models.Mask
}

// ROI returns the ROI state, the committed ROI and its mask, if any.
func (e *Engine) ROI() (ROIStatus, error) {
	var st ROIStatus
	err := e.call(func() error {
		st = ROIStatus{State: e.rois.State(), ROI: e.rois.Current(), Mask: e.rois.Mask()}
		return nil
	})
	return st, err
}

// roiSnapshot returns the installed volume and the propagated mask.
func (e *Engine) roiSnapshot() (*models.Volume, *models.Mask, error) {
	var (
		vol  *models.Volume
		mask *models.Mask
	)
	err := e.call(func() error {
		if err := e.ready(); err != nil {
			return err
		}
		if mask = e.rois.Mask(); mask == nil {
			return fmt.Errorf("%w: ROI state is %v", ErrNoMask, e.rois.State())
		}
		vol = e.store.Volume()
		return nil
	})
	return vol, mask, err
}

// ExportROI writes the sub-volume under the ROI mask to path: the mask's
// bounding box with voxels outside the mask zeroed.
func (e *Engine) ExportROI(ctx context.Context, path string) error {
	vol, mask, err := e.roiSnapshot()
	if err != nil {
		return err
	}
	ctx, span := telemetry.Tracer().Start(ctx, "engine.ExportROI",
		trace.WithAttributes(attribute.String("path", path)))
	defer span.End()

	sub, err := roi.ExtractVolume(vol, mask)
	if err == nil {
		err = e.exporter.Export(ctx, path, sub)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("failed to export ROI: %w", err)
	}
	e.logf("Exported ROI volume %dx%dx%d to %s", sub.Width, sub.Height, sub.Depth, path)
	return nil
}

// ExportROIMesh writes the surface of the ROI mask to path as binary STL
// and returns the number of triangles.
func (e *Engine) ExportROIMesh(ctx context.Context, path string) (int, error) {
	_, mask, err := e.roiSnapshot()
	if err != nil {
		return 0, err
	}
	tris, err := stl.MeshFromMask(ctx, mask)
	if err != nil {
		return 0, fmt.Errorf("failed to mesh ROI: %w", err)
	}
	if err := stl.SaveToSTL(path, tris); err != nil {
		return 0, err
	}
	e.logf("Exported ROI mesh with %d triangles to %s", len(tris), path)
	return len(tris), nil
}

// SavedROIs lists the archived ROIs of the installed volume.
func (e *Engine) SavedROIs(ctx context.Context) ([]annotations.Record, error) {
	if e.archive == nil {
		return nil, fmt.Errorf("annotation archive is not configured")
	}
	var source string
	if err := e.call(func() error { source = e.source; return e.ready() }); err != nil {
		return nil, err
	}
	return e.archive.List(ctx, source)
}

// RestoreROI commits an archived ROI again and propagates it.
func (e *Engine) RestoreROI(ctx context.Context, id string) (*roi.ROI, error) {
	if e.archive == nil {
		return nil, fmt.Errorf("annotation archive is not configured")
	}
	rec, err := e.archive.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	var r *roi.ROI
	err = e.call(func() error {
		var err error
		r, err = e.commit(rec.ROI.Orientation, rec.ROI.Slice, rec.ROI.Points, false)
		return err
	})
	return r, err
}
