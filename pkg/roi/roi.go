// Package roi implements region-of-interest drawing on a slice, its
// propagation into a 3D mask and sub-volume extraction.
package roi

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"mprengine/internal/models"
)

// State is the drawing state of the ROI engine
type State int

const (
	Idle State = iota
	Drawing
	Committed
	Propagating
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Drawing:
		return "drawing"
	case Committed:
		return "committed"
	case Propagating:
		return "propagating"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

var (
	// ErrROIInvalid is returned when a polygon cannot be committed
	ErrROIInvalid = errors.New("invalid ROI")

	// ErrWrongState is returned when an operation does not apply in the current state
	ErrWrongState = errors.New("operation not allowed in current ROI state")

	// ErrStale is returned when a propagation result no longer matches the current ROI
	ErrStale = errors.New("stale ROI result")
)

// Point is a polygon vertex in the in-plane voxel coordinates (u, v) of a canonical slice
type Point struct {
	X, Y float64
}

// ROI is a committed polygon on one canonical slice
type ROI struct {
	ID          string
	Orientation models.Orientation
	Slice       int
	Points      []Point
	CreatedAt   time.Time
}

// Engine is the ROI state machine. It is not safe for concurrent use;
// propagation itself runs through the pure Propagate function and its
// result is handed back with AttachMask.
type Engine struct {
	state   State
	draft   *ROI
	current *ROI
	mask    *models.Mask
}

// NewEngine creates an idle ROI engine.
func NewEngine() *Engine {
	return &Engine{}
}

// State returns the current state.
func (e *Engine) State() State {
	return e.state
}

// Current returns the committed ROI, or nil.
func (e *Engine) Current() *ROI {
	return e.current
}

// Draft returns the polygon being drawn, or nil.
func (e *Engine) Draft() *ROI {
	return e.draft
}

// Mask returns the propagated mask of the committed ROI, or nil.
func (e *Engine) Mask() *models.Mask {
	return e.mask
}

// BeginDraw starts a new polygon on a canonical slice. Any committed ROI
// and its mask are discarded.
func (e *Engine) BeginDraw(o models.Orientation, slice int, p Point) {
	e.Clear()
	e.draft = &ROI{Orientation: o, Slice: slice, Points: []Point{p}}
	e.state = Drawing
}

// AddPoint appends a vertex to the polygon being drawn.
func (e *Engine) AddPoint(p Point) error {
	if e.state != Drawing {
		return fmt.Errorf("%w: add point while %v", ErrWrongState, e.state)
	}
	e.draft.Points = append(e.draft.Points, p)
	return nil
}

// EndDraw commits the polygon being drawn.
func (e *Engine) EndDraw() (*ROI, error) {
	if e.state != Drawing {
		return nil, fmt.Errorf("%w: end draw while %v", ErrWrongState, e.state)
	}
	d := e.draft
	return e.Commit(d.Orientation, d.Slice, d.Points)
}

// Commit installs a polygon as the current ROI. Polygons with fewer than
// three vertices, or with non-finite coordinates, are rejected and the
// engine returns to Idle.
func (e *Engine) Commit(o models.Orientation, slice int, points []Point) (*ROI, error) {
	e.Clear()
	if len(points) < 3 {
		return nil, fmt.Errorf("%w: polygon needs at least 3 points, got %d", ErrROIInvalid, len(points))
	}
	for _, p := range points {
		if math.IsNaN(p.X) || math.IsNaN(p.Y) || math.IsInf(p.X, 0) || math.IsInf(p.Y, 0) {
			return nil, fmt.Errorf("%w: non-finite vertex %v", ErrROIInvalid, p)
		}
	}

	r := &ROI{
		ID:          uuid.NewString(),
		Orientation: o,
		Slice:       slice,
		Points:      append([]Point(nil), points...),
		CreatedAt:   time.Now().UTC(),
	}
	e.current = r
	e.state = Committed
	return r, nil
}

// BeginPropagation moves a committed ROI into Propagating and returns it
// for the worker. A previously attached mask is dropped.
func (e *Engine) BeginPropagation() (*ROI, error) {
	if e.state != Committed {
		return nil, fmt.Errorf("%w: propagate while %v", ErrWrongState, e.state)
	}
	e.mask = nil
	e.state = Propagating
	return e.current, nil
}

// AttachMask installs the result of propagating r. Results for an ROI that
// has since been cleared or replaced are rejected with ErrStale.
func (e *Engine) AttachMask(r *ROI, mask *models.Mask) error {
	if e.state != Propagating || e.current == nil || r == nil || e.current.ID != r.ID {
		return ErrStale
	}
	e.mask = mask
	e.state = Committed
	return nil
}

// AbortPropagation returns to Committed without a mask, as after a
// canceled or failed propagation of r.
func (e *Engine) AbortPropagation(r *ROI) {
	if e.state == Propagating && e.current != nil && r != nil && e.current.ID == r.ID {
		e.state = Committed
	}
}

// Clear discards any drawing, committed ROI and mask.
func (e *Engine) Clear() {
	e.state = Idle
	e.draft = nil
	e.current = nil
	e.mask = nil
}
