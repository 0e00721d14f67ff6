// Package crosshair owns the single navigation cursor shared by every view.
//
// The cursor is stored as one physical point. Slice indices for the three
// canonical views are always recomputed from that point; nothing caches an
// index of its own, so views can never drift apart.
package crosshair

import (
	"fmt"

	"gonum.org/v1/gonum/spatial/r3"

	"mprengine/internal/models"
)

// Space is the coordinate system the cursor lives in. *volume.Store implements it.
type Space interface {
	ToIndex(p r3.Vec) r3.Vec
	ToPhysical(idx r3.Vec) r3.Vec
	Clamp(p r3.Vec) r3.Vec
	Indices(p r3.Vec) [3]int
	Center() r3.Vec
	Dims() [3]int
}

// Direction is an arrow-key style panning direction
type Direction int

const (
	Left Direction = iota
	Right
	Up
	Down
	PageUp
	PageDown
)

func (d Direction) String() string {
	switch d {
	case Left:
		return "left"
	case Right:
		return "right"
	case Up:
		return "up"
	case Down:
		return "down"
	case PageUp:
		return "pageup"
	case PageDown:
		return "pagedown"
	}
	return fmt.Sprintf("direction(%d)", int(d))
}

// axisDelta maps a direction onto the index axis it moves and the step sign.
func (d Direction) axisDelta() (axis int, delta float64) {
	switch d {
	case Left:
		return 0, -1
	case Right:
		return 0, 1
	case Up:
		return 1, -1
	case Down:
		return 1, 1
	case PageUp:
		return 2, 1
	default:
		return 2, -1
	}
}

// Event describes a cursor change
type Event struct {
	// Position is the new physical cursor position
	Position r3.Vec

	// Indices are the voxel indices (x, y, z) derived from Position;
	// x is the sagittal slice, y the coronal slice and z the axial slice.
	Indices [3]int

	// Revision increases by one on every mutation
	Revision uint64
}

// Listener receives cursor change events
type Listener func(Event)

// Controller holds the shared cursor.
// It is not safe for concurrent use; the engine serialises all calls.
type Controller struct {
	space     Space
	pos       r3.Vec
	revision  uint64
	listeners map[int]Listener
	nextID    int
}

// NewController creates a controller positioned at the center of space.
func NewController(space Space) *Controller {
	c := &Controller{
		space:     space,
		listeners: make(map[int]Listener),
	}
	c.pos = space.Center()
	return c
}

// Subscribe registers fn for change notifications and returns a function
// that removes the subscription. Views hold the subscription, never the cursor.
func (c *Controller) Subscribe(fn Listener) func() {
	id := c.nextID
	c.nextID++
	c.listeners[id] = fn
	return func() { delete(c.listeners, id) }
}

// Position returns the current physical cursor position.
func (c *Controller) Position() r3.Vec {
	return c.pos
}

// Revision returns the number of mutations applied so far.
func (c *Controller) Revision() uint64 {
	return c.revision
}

// Indices recomputes the voxel indices of the cursor.
func (c *Controller) Indices() [3]int {
	return c.space.Indices(c.pos)
}

// SliceIndex returns the slice a canonical view of orientation o displays.
func (c *Controller) SliceIndex(o models.Orientation) int {
	return c.Indices()[o.NormalAxis()]
}

// Snapshot returns the current state as an event value.
func (c *Controller) Snapshot() Event {
	return Event{Position: c.pos, Indices: c.Indices(), Revision: c.revision}
}

// SetPosition moves the cursor to p, clamped into the volume.
func (c *Controller) SetPosition(p r3.Vec) {
	c.commit(p)
}

// SetFromCanonicalClick handles a click at in-plane voxel coordinates (u, v)
// on a canonical view. Only the two in-plane axes move; the view's own slice
// axis keeps its value.
func (c *Controller) SetFromCanonicalClick(o models.Orientation, u, v float64) {
	idx := c.space.ToIndex(c.pos)
	ua, va := o.InPlaneAxes()
	setAxis(&idx, ua, u)
	setAxis(&idx, va, v)
	c.commit(c.space.ToPhysical(idx))
}

// SetSliceIndex moves only the slice axis of orientation o, as a slider does.
func (c *Controller) SetSliceIndex(o models.Orientation, index int) {
	idx := c.space.ToIndex(c.pos)
	setAxis(&idx, o.NormalAxis(), float64(index))
	c.commit(c.space.ToPhysical(idx))
}

// PanByArrowKey shifts the cursor by one voxel along the axis of d.
func (c *Controller) PanByArrowKey(d Direction) {
	axis, delta := d.axisDelta()
	idx := c.space.ToIndex(c.pos)
	setAxis(&idx, axis, getAxis(idx, axis)+delta)
	c.commit(c.space.ToPhysical(idx))
}

// Step moves the slice of orientation o by delta voxels. When the step would
// leave the volume, wrap restarts from the opposite end; otherwise the cursor
// stays put and Step reports false.
func (c *Controller) Step(o models.Orientation, delta int, wrap bool) bool {
	axis := o.NormalAxis()
	n := c.space.Dims()[axis]
	next := c.Indices()[axis] + delta
	if next < 0 || next >= n {
		if !wrap {
			return false
		}
		next = ((next % n) + n) % n
	}
	c.SetSliceIndex(o, next)
	return true
}

// Reset restores the cursor to the center of the volume.
func (c *Controller) Reset() {
	c.commit(c.space.Center())
}

func (c *Controller) commit(p r3.Vec) {
	c.pos = c.space.Clamp(p)
	c.revision++
	ev := c.Snapshot()
	for _, fn := range c.listeners {
		fn(ev)
	}
}

func getAxis(v r3.Vec, axis int) float64 {
	switch axis {
	case 0:
		return v.X
	case 1:
		return v.Y
	default:
		return v.Z
	}
}

func setAxis(v *r3.Vec, axis int, value float64) {
	switch axis {
	case 0:
		v.X = value
	case 1:
		v.Y = value
	default:
		v.Z = value
	}
}
