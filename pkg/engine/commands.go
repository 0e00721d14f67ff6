package engine

import (
	"fmt"
	"math"

	"mprengine/internal/models"
	"mprengine/pkg/crosshair"
	"mprengine/pkg/oblique"
	"mprengine/pkg/playback"
	"mprengine/pkg/segmentation"
	"mprengine/pkg/slicing"
)

// Click moves the cursor to in-plane voxel coordinates (u, v) of a canonical view.
func (e *Engine) Click(o models.Orientation, u, v float64) error {
	return e.call(func() error {
		if err := e.ready(); err != nil {
			return err
		}
		if math.IsNaN(u) || math.IsNaN(v) {
			return fmt.Errorf("invalid click position (%v, %v)", u, v)
		}
		e.cursor.SetFromCanonicalClick(o, u, v)
		return nil
	})
}

// KeyPan moves the cursor one voxel in direction d.
func (e *Engine) KeyPan(d crosshair.Direction) error {
	return e.call(func() error {
		if err := e.ready(); err != nil {
			return err
		}
		e.cursor.PanByArrowKey(d)
		return nil
	})
}

// SliderMove selects slice index of orientation o.
func (e *Engine) SliderMove(o models.Orientation, index int) error {
	return e.call(func() error {
		if err := e.ready(); err != nil {
			return err
		}
		e.cursor.SetSliceIndex(o, index)
		return nil
	})
}

// SelectColormap switches the colormap of every view.
func (e *Engine) SelectColormap(name string) error {
	cm, err := slicing.ParseColormap(name)
	if err != nil {
		return err
	}
	return e.call(func() error {
		e.colormap = cm
		if e.state == Ready {
			e.refreshAll()
		}
		return nil
	})
}

// SetWindowLevel sets a fixed display window.
func (e *Engine) SetWindowLevel(center, width float64) error {
	if !(width > 0) || math.IsInf(width, 0) || math.IsNaN(center) || math.IsInf(center, 0) {
		return fmt.Errorf("invalid window: center %v, width %v", center, width)
	}
	return e.call(func() error {
		e.window = slicing.Window{Center: center, Width: width}
		if e.state == Ready {
			e.refreshAll()
		}
		return nil
	})
}

// Window returns the display window.
func (e *Engine) Window() (slicing.Window, error) {
	var w slicing.Window
	err := e.call(func() error { w = e.window; return e.ready() })
	return w, err
}

// SetOverlayMode sets how the segmentation overlay is drawn.
func (e *Engine) SetOverlayMode(mode segmentation.Mode, alpha float64) error {
	if mode != segmentation.Filled && mode != segmentation.Outline {
		return fmt.Errorf("invalid overlay mode %d", int(mode))
	}
	if !(alpha >= 0 && alpha <= 1) {
		return fmt.Errorf("invalid overlay alpha %v: must be in [0, 1]", alpha)
	}
	return e.call(func() error {
		e.overlayMode = mode
		e.overlayAlpha = alpha
		if e.state == Ready && e.labels != nil {
			e.refreshAll()
		}
		return nil
	})
}

// SetObliqueAngles rotates the oblique plane to absolute angles in degrees
// and enables the oblique view. A degenerate rotation is rejected and the
// previous plane kept.
func (e *Engine) SetObliqueAngles(angleX, angleY float64) error {
	return e.call(func() error {
		if err := e.ensureOblique(); err != nil {
			return err
		}
		if _, err := e.oblique.Update(angleX, angleY, e.cursor.Position()); err != nil {
			return err
		}
		e.obliqueOn = true
		e.refresh(ObliqueView)
		return nil
	})
}

// NudgeOblique adds to the current oblique angles.
func (e *Engine) NudgeOblique(dx, dy float64) error {
	return e.call(func() error {
		if err := e.ensureOblique(); err != nil {
			return err
		}
		if _, err := e.oblique.Nudge(dx, dy); err != nil {
			return err
		}
		e.obliqueOn = true
		e.refresh(ObliqueView)
		return nil
	})
}

// SetObliqueBase selects the canonical orientation the oblique plane is
// rotated from, keeping the angles.
func (e *Engine) SetObliqueBase(o models.Orientation) error {
	return e.call(func() error {
		if err := e.ensureOblique(); err != nil {
			return err
		}
		if _, err := e.oblique.SetBase(o); err != nil {
			return err
		}
		if e.obliqueOn {
			e.refresh(ObliqueView)
		}
		return nil
	})
}

// ObliquePlane returns the oblique plane and its angles.
func (e *Engine) ObliquePlane() (plane models.Plane, angleX, angleY float64, err error) {
	err = e.call(func() error {
		if err := e.ready(); err != nil {
			return err
		}
		if !e.obliqueOn {
			return fmt.Errorf("oblique view is not configured")
		}
		plane = e.oblique.Plane()
		angleX, angleY = e.oblique.Angles()
		return nil
	})
	return plane, angleX, angleY, err
}

// DisableOblique hides the oblique view.
func (e *Engine) DisableOblique() error {
	return e.call(func() error {
		e.obliqueOn = false
		if job := e.views[ObliqueView]; job != nil {
			job.cancel()
			delete(e.views, ObliqueView)
		}
		return nil
	})
}

func (e *Engine) ensureOblique() error {
	if err := e.ready(); err != nil {
		return err
	}
	if e.oblique != nil {
		return nil
	}
	b, err := oblique.NewBuilder(e.store.Geometry(), models.Axial, e.cursor.Position())
	if err != nil {
		return err
	}
	e.oblique = b
	return nil
}

// TogglePlay starts or stops cine playback and returns the new state.
func (e *Engine) TogglePlay() (playback.State, error) {
	var st playback.State
	err := e.call(func() error {
		if err := e.ready(); err != nil {
			return err
		}
		st = e.player.Toggle()
		return nil
	})
	return st, err
}

// SetRate changes the playback frame rate.
func (e *Engine) SetRate(fps float64) error {
	return e.call(func() error {
		return e.player.SetRate(fps)
	})
}

// SetPlayback sets the playback axis, direction and end-of-volume policy.
func (e *Engine) SetPlayback(o models.Orientation, direction int, bounds playback.Bounds) error {
	if direction == 0 {
		return fmt.Errorf("invalid playback direction 0")
	}
	return e.call(func() error {
		e.player.SetOrientation(o)
		e.player.SetDirection(direction)
		e.player.SetBounds(bounds)
		return nil
	})
}

// Playback returns the playback state and settings.
func (e *Engine) Playback() (playback.State, playback.Options) {
	return e.player.State(), e.player.Options()
}

// DroppedTicks counts playback ticks dropped while a frame was in flight.
func (e *Engine) DroppedTicks() uint64 {
	return e.player.Dropped()
}

// playbackStep is one playback tick on the loop. The tick stays in flight
// until the view it advanced has been extracted.
func (e *Engine) playbackStep() {
	for d := e.player.Dropped(); e.lastDropped < d; e.lastDropped++ {
		e.metrics.DroppedTick()
	}
	if e.state != Ready || e.player.State() != playback.Playing {
		e.player.Done()
		return
	}

	opts := e.player.Options()
	e.tickPending = true
	e.tickView = ViewOf(opts.Orientation)
	e.tickJob = 0

	moved := e.player.Advance(e.cursor)
	if !moved || e.tickJob == 0 {
		e.tickPending = false
		e.player.Done()
	}
	if moved {
		e.publish(PlaybackTick{Orientation: opts.Orientation, Indices: e.cursor.Indices()})
	}
}

// Reset returns to the initial view of the installed volume: cursor at the
// center, no ROI, no oblique plane, playback stopped and the configured
// colormap and window.
func (e *Engine) Reset() error {
	return e.call(func() error {
		if err := e.ready(); err != nil {
			return err
		}
		e.player.Stop()
		e.cancelPropagation()
		e.rois.Clear()
		e.oblique = nil
		e.obliqueOn = false
		if cm, err := slicing.ParseColormap(e.cfg.Display.Colormap); err == nil {
			e.colormap = cm
		}
		e.window = e.initialWindow(e.store.Volume())
		e.cursor.Reset()
		return nil
	})
}
