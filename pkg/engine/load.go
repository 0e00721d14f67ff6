package engine

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"mprengine/internal/models"
	"mprengine/pkg/crosshair"
	"mprengine/pkg/segmentation"
	"mprengine/pkg/slicing"
	"mprengine/pkg/telemetry"
	"mprengine/pkg/volume"
)

const (
	kindVolume = "volume"
	kindMask   = "mask"
)

// LoadVolume imports path off the loop. The engine stays Loading until the
// import finishes and the returned channel yields the outcome exactly once.
// A failed load keeps the previous volume, if any, and wraps ErrLoad; a load
// replaced by a newer one yields ErrSuperseded.
func (e *Engine) LoadVolume(ctx context.Context, path string) <-chan error {
	res := make(chan error, 1)
	err := e.call(func() error {
		e.loadSeq++
		seq := e.loadSeq
		e.player.Stop()
		e.cancelViews()
		e.setState(Loading, kindVolume, path, nil)
		e.logf("Loading volume from %s", path)
		go e.importVolume(ctx, seq, path, res)
		return nil
	})
	if err != nil {
		res <- err
	}
	return res
}

func (e *Engine) importVolume(ctx context.Context, seq uint64, path string, res chan<- error) {
	ctx, span := telemetry.Tracer().Start(ctx, "engine.LoadVolume",
		trace.WithAttributes(attribute.String("path", path)))
	defer span.End()

	var (
		store  *volume.Store
		window slicing.Window
	)
	vol, err := e.importer.Import(ctx, path)
	if err == nil {
		store = volume.NewStore(volume.Options{
			Background: e.cfg.Volume.Background,
			MaxVoxels:  e.cfg.Volume.MaxVoxels,
		})
		err = store.Load(vol)
	}
	if err == nil {
		window = e.initialWindow(vol)
		span.SetAttributes(attribute.Int("voxels", vol.Len()))
	} else {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}

	if !e.post(func() { e.finishVolume(seq, path, store, window, err, res) }) {
		res <- ErrClosed
	}
}

func (e *Engine) finishVolume(seq uint64, path string, store *volume.Store, window slicing.Window, err error, res chan<- error) {
	if seq != e.loadSeq {
		res <- ErrSuperseded
		return
	}
	e.metrics.Load(kindVolume, err)
	if err != nil {
		err = fmt.Errorf("%w: %s: %w", ErrLoad, path, err)
		e.restoreState(kindVolume, path, err)
		e.fail("load volume", err)
		res <- err
		return
	}
	e.install(path, store, window)
	res <- nil
}

// restoreState leaves Loading after a failed load.
func (e *Engine) restoreState(kind, path string, err error) {
	if e.store != nil {
		e.setState(Ready, kind, path, err)
		e.refreshAll()
		return
	}
	e.setState(Empty, kind, path, err)
}

// install replaces the volume. Everything derived from the previous volume
// (ROI, mask, overlay, oblique plane, cursor) is discarded.
func (e *Engine) install(path string, store *volume.Store, window slicing.Window) {
	e.cancelPropagation()
	e.rois.Clear()
	e.labels = nil
	e.oblique = nil
	e.obliqueOn = false
	if e.unsubCursor != nil {
		e.unsubCursor()
	}

	e.store = store
	e.source = path
	e.extractor = slicing.NewExtractor(store, e.cfg.Engine.NumWorkers)
	e.window = window
	e.cursor = crosshair.NewController(store)
	e.unsubCursor = e.cursor.Subscribe(e.onCursor)

	g := store.Geometry()
	e.logf("Loaded %s: %dx%dx%d voxels, spacing %.3gx%.3gx%.3g mm",
		path, g.Width, g.Height, g.Depth, g.Spacing.X, g.Spacing.Y, g.Spacing.Z)

	e.setState(Ready, kindVolume, path, nil)
	e.publish(cursorEvent(e.cursor.Snapshot()))
	e.refreshAll()
	e.classify(path, store.Volume())
}

// initialWindow is the configured fixed window, or an auto window from the
// configured quantiles when no width is set.
func (e *Engine) initialWindow(vol *models.Volume) slicing.Window {
	d := e.cfg.Display
	if d.WindowWidth > 0 {
		return slicing.Window{Center: d.WindowCenter, Width: d.WindowWidth}
	}
	return slicing.AutoWindow(vol.Data, d.AutoWindowLow, d.AutoWindowHigh)
}

func (e *Engine) onCursor(ev crosshair.Event) {
	if e.oblique != nil {
		e.oblique.Recenter(ev.Position)
	}
	e.publish(cursorEvent(ev))
	e.refreshAll()
}

func (e *Engine) classify(path string, vol *models.Volume) {
	if e.classifier == nil {
		return
	}
	seq := e.loadSeq
	go func() {
		result, err := e.classifier.Classify(e.ctx, vol)
		e.post(func() {
			if seq != e.loadSeq {
				return
			}
			if err != nil {
				e.fail("classify", err)
				return
			}
			e.publish(ClassificationReady{Path: path, Result: result})
		})
	}()
}

// LoadMask imports a label volume and resamples it onto the installed
// volume's grid. The engine is Loading meanwhile. A mask whose resampled
// result is empty is rejected with an error wrapping segmentation.ErrEmptyMask
// and the previous overlay is kept.
func (e *Engine) LoadMask(ctx context.Context, path string) <-chan error {
	res := make(chan error, 1)
	err := e.call(func() error {
		if err := e.ready(); err != nil {
			return err
		}
		e.loadSeq++
		seq := e.loadSeq
		target := e.store.Geometry()
		e.cancelViews()
		e.setState(Loading, kindMask, path, nil)
		e.logf("Loading mask from %s", path)
		go e.importMask(ctx, seq, path, target, res)
		return nil
	})
	if err != nil {
		res <- err
	}
	return res
}

func (e *Engine) importMask(ctx context.Context, seq uint64, path string, target models.Geometry, res chan<- error) {
	ctx, span := telemetry.Tracer().Start(ctx, "engine.LoadMask",
		trace.WithAttributes(attribute.String("path", path)))
	defer span.End()

	var sampler *segmentation.LabelSampler
	labels, err := e.labelImport.ImportLabels(ctx, path)
	if err == nil {
		if !labels.Geometry.Equal(target, 1e-6) {
			span.AddEvent("resample")
		}
		labels, err = segmentation.Align(ctx, labels, target)
	}
	if err == nil {
		sampler, err = segmentation.NewLabelSampler(labels)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}

	if !e.post(func() { e.finishMask(seq, path, sampler, err, res) }) {
		res <- ErrClosed
	}
}

func (e *Engine) finishMask(seq uint64, path string, sampler *segmentation.LabelSampler, err error, res chan<- error) {
	if seq != e.loadSeq {
		res <- ErrSuperseded
		return
	}
	e.metrics.Load(kindMask, err)
	if err != nil {
		err = fmt.Errorf("%w: %s: %w", ErrLoad, path, err)
		e.restoreState(kindMask, path, err)
		e.fail("load mask", err)
		res <- err
		return
	}
	e.labels = sampler
	e.logf("Loaded mask %s: %d labelled voxels", path, sampler.Labels().NonZero())
	e.setState(Ready, kindMask, path, nil)
	e.refreshAll()
	res <- nil
}

// ClearMask removes the segmentation overlay.
func (e *Engine) ClearMask() error {
	return e.call(func() error {
		if err := e.ready(); err != nil {
			return err
		}
		e.labels = nil
		e.refreshAll()
		return nil
	})
}

// MaskStats returns per-label statistics of the loaded overlay.
func (e *Engine) MaskStats() ([]segmentation.LabelStats, error) {
	var stats []segmentation.LabelStats
	err := e.call(func() error {
		if err := e.ready(); err != nil {
			return err
		}
		if e.labels == nil {
			return fmt.Errorf("no mask loaded")
		}
		stats = segmentation.Stats(e.labels.Labels())
		return nil
	})
	return stats, err
}
