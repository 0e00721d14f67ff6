package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"mprengine/internal/models"
	"mprengine/pkg/segmentation"
	"mprengine/pkg/slicing"
)

// View names one of the engine's viewports
type View int

const (
	AxialView View = iota
	CoronalView
	SagittalView
	ObliqueView
)

// Views lists every viewport.
var Views = []View{AxialView, CoronalView, SagittalView, ObliqueView}

// ViewOf returns the canonical view of orientation o.
func ViewOf(o models.Orientation) View {
	return View(o)
}

// Orientation returns the canonical orientation of v; Axial for the oblique view.
func (v View) Orientation() models.Orientation {
	if v == ObliqueView {
		return models.Axial
	}
	return models.Orientation(v)
}

func (v View) String() string {
	if v == ObliqueView {
		return "oblique"
	}
	return models.Orientation(v).String()
}

// ParseView accepts "oblique" or any orientation name or axis letter.
func ParseView(s string) (View, error) {
	if strings.EqualFold(strings.TrimSpace(s), "oblique") {
		return ObliqueView, nil
	}
	o, err := models.ParseOrientation(s)
	if err != nil {
		return 0, fmt.Errorf("invalid view: %s (must be axial, coronal, sagittal or oblique)", s)
	}
	return ViewOf(o), nil
}

// viewJob is the outstanding extraction of one view
type viewJob struct {
	id      uint64
	cancel  context.CancelFunc
	started time.Time
}

// renderRequest is a self-contained snapshot of everything needed to render
// a view, so rendering can run off the loop.
type renderRequest struct {
	view     View
	revision uint64
	plane    models.Plane
	grid     slicing.Grid
	workers  int

	extractor *slicing.Extractor
	window    slicing.Window
	colormap  slicing.Colormap

	labels       *segmentation.LabelSampler
	overlayMode  segmentation.Mode
	overlayAlpha float64
}

func (r renderRequest) render(ctx context.Context) (SliceReady, error) {
	sl, err := r.extractor.Extract(ctx, r.plane, r.grid, slicing.Intensity)
	if err != nil {
		return SliceReady{}, err
	}
	img := slicing.Render(sl, r.window, r.colormap)

	if r.labels != nil {
		lsl, err := slicing.NewExtractor(r.labels, r.workers).Extract(ctx, r.plane, r.grid, slicing.Label)
		if err != nil {
			return SliceReady{}, err
		}
		if err := segmentation.Blend(img, lsl, r.overlayMode, r.overlayAlpha); err != nil {
			return SliceReady{}, err
		}
	}
	return SliceReady{View: r.view, Revision: r.revision, Slice: sl, Image: img}, nil
}

// request snapshots the render inputs of view v.
func (e *Engine) request(v View) (renderRequest, error) {
	if err := e.ready(); err != nil {
		return renderRequest{}, err
	}
	req := renderRequest{
		view:         v,
		revision:     e.cursor.Revision(),
		workers:      e.cfg.Engine.NumWorkers,
		extractor:    e.extractor,
		window:       e.window,
		colormap:     e.colormap,
		labels:       e.labels,
		overlayMode:  e.overlayMode,
		overlayAlpha: e.overlayAlpha,
	}
	switch v {
	case AxialView, CoronalView, SagittalView:
		req.plane, req.grid = slicing.CanonicalPlane(e.store, v.Orientation(), e.cursor.Position())
	case ObliqueView:
		if !e.obliqueOn || e.oblique == nil {
			return renderRequest{}, fmt.Errorf("oblique view is not configured")
		}
		req.plane = e.oblique.Plane()
		req.grid = obliqueGrid(e.store.Geometry(), e.cfg.Display.OutputSize)
	default:
		return renderRequest{}, fmt.Errorf("invalid view %d", int(v))
	}
	return req, nil
}

// obliqueGrid spreads size×size pixels over the largest extent an oblique
// plane through the volume can have.
func obliqueGrid(g models.Geometry, size int) slicing.Grid {
	full := slicing.ObliqueGrid(g)
	ps := full.SpacingU * float64(full.Width) / float64(size)
	return slicing.CenteredGrid(size, size, ps)
}

// ExtractSlice renders view v synchronously in the caller's goroutine. While
// no volume is installed or a load is pending it fails with ErrNotReady.
func (e *Engine) ExtractSlice(ctx context.Context, v View) (SliceReady, error) {
	var req renderRequest
	err := e.call(func() error {
		r, err := e.request(v)
		req = r
		return err
	})
	if err != nil {
		return SliceReady{}, err
	}
	start := time.Now()
	ev, err := req.render(ctx)
	if err != nil {
		return SliceReady{}, fmt.Errorf("failed to extract %s slice: %w", v, err)
	}
	e.metrics.ObserveExtraction(v.String(), time.Since(start))
	return ev, nil
}

// Refresh re-renders the given views asynchronously, or every active view
// when none is given. Results arrive as SliceReady events.
func (e *Engine) Refresh(views ...View) error {
	return e.call(func() error {
		if err := e.ready(); err != nil {
			return err
		}
		if len(views) == 0 {
			e.refreshAll()
			return nil
		}
		e.refresh(views...)
		return nil
	})
}

func (e *Engine) refreshAll() {
	views := []View{AxialView, CoronalView, SagittalView}
	if e.obliqueOn {
		views = append(views, ObliqueView)
	}
	e.refresh(views...)
}

// refresh starts one extraction per view. A newer request cancels the
// view's outstanding extraction; its result is discarded on arrival.
func (e *Engine) refresh(views ...View) {
	for _, v := range views {
		req, err := e.request(v)
		if err != nil {
			continue
		}
		if prev := e.views[v]; prev != nil {
			prev.cancel()
			e.metrics.Superseded(v.String())
		}

		e.nextJob++
		id := e.nextJob
		ctx, cancel := context.WithCancel(e.ctx)
		e.views[v] = &viewJob{id: id, cancel: cancel, started: time.Now()}
		if e.tickPending && v == e.tickView {
			e.tickJob = id
		}

		view := v
		go func() {
			ev, err := req.render(ctx)
			e.post(func() { e.finishView(view, id, ev, err) })
		}()
	}
}

func (e *Engine) finishView(v View, id uint64, ev SliceReady, err error) {
	if e.tickPending && id == e.tickJob {
		e.tickPending = false
		e.player.Done()
	}

	job := e.views[v]
	if job == nil || job.id != id {
		return
	}
	job.cancel()
	delete(e.views, v)

	if err != nil {
		e.fail("extract "+v.String(), err)
		return
	}
	e.metrics.ObserveExtraction(v.String(), time.Since(job.started))
	e.publish(ev)
}

// cancelViews drops every outstanding extraction.
func (e *Engine) cancelViews() {
	for v, job := range e.views {
		job.cancel()
		delete(e.views, v)
	}
	if e.tickPending {
		e.tickPending = false
		e.player.Done()
	}
}
