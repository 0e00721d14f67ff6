// Package playback implements cine mode: stepping the cursor through one
// axis at a fixed frame rate.
package playback

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"mprengine/internal/models"
)

// State is the playback state
type State int

const (
	Stopped State = iota
	Playing
)

func (s State) String() string {
	if s == Playing {
		return "playing"
	}
	return "stopped"
}

// Bounds decides what happens when playback reaches the last slice
type Bounds int

const (
	// Wrap restarts from the opposite end
	Wrap Bounds = iota

	// StopAtEnd stops playback on the last slice
	StopAtEnd
)

// DefaultFPS matches a 100 ms frame interval.
const DefaultFPS = 10.0

// Stepper moves the cursor along one orientation. *crosshair.Controller implements it.
type Stepper interface {
	Step(o models.Orientation, delta int, wrap bool) bool
}

// Options configures a Controller
type Options struct {
	FPS         float64
	Orientation models.Orientation

	// Direction is +1 to play forward and -1 to play backward
	Direction int
	Bounds    Bounds
}

// DefaultOptions plays axial slices forward at 10 fps and wraps.
func DefaultOptions() Options {
	return Options{FPS: DefaultFPS, Orientation: models.Axial, Direction: 1, Bounds: Wrap}
}

// Controller drives periodic ticks. Each tick calls the onTick callback
// unless the previous tick is still in flight, in which case the tick is
// dropped and counted; ticks never queue up behind a slow extraction.
// The receiver of onTick reports completion with Done.
type Controller struct {
	mu     sync.Mutex
	opts   Options
	state  State
	ticker *time.Ticker
	stop   chan struct{}
	onTick func()

	inFlight atomic.Bool
	dropped  atomic.Uint64
}

// New creates a stopped controller. onTick runs on the ticker goroutine and
// must not block; the engine uses it to post a command to its own loop.
func New(opts Options, onTick func()) (*Controller, error) {
	if opts.FPS <= 0 {
		return nil, fmt.Errorf("invalid frame rate %v: must be positive", opts.FPS)
	}
	if opts.Direction == 0 {
		opts.Direction = 1
	}
	return &Controller{opts: opts, onTick: onTick}, nil
}

// State returns the playback state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Options returns the current settings.
func (c *Controller) Options() Options {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.opts
}

func (c *Controller) interval() time.Duration {
	return time.Duration(float64(time.Second) / c.opts.FPS)
}

// Start begins playback. Starting while playing does nothing.
func (c *Controller) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == Playing {
		return
	}
	c.state = Playing
	c.ticker = time.NewTicker(c.interval())
	c.stop = make(chan struct{})
	go c.run(c.ticker, c.stop)
}

// Stop halts playback. Stopping while stopped does nothing.
func (c *Controller) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopLocked()
}

func (c *Controller) stopLocked() {
	if c.state == Stopped {
		return
	}
	close(c.stop)
	c.ticker = nil
	c.stop = nil
	c.state = Stopped
}

// Toggle switches between playing and stopped and returns the new state.
func (c *Controller) Toggle() State {
	if c.State() == Playing {
		c.Stop()
		return Stopped
	}
	c.Start()
	return Playing
}

// SetRate changes the frame rate, taking effect on the running ticker.
func (c *Controller) SetRate(fps float64) error {
	if fps <= 0 {
		return fmt.Errorf("invalid frame rate %v: must be positive", fps)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.opts.FPS = fps
	if c.ticker != nil {
		c.ticker.Reset(c.interval())
	}
	return nil
}

// SetOrientation selects the axis playback steps through.
func (c *Controller) SetOrientation(o models.Orientation) {
	c.mu.Lock()
	c.opts.Orientation = o
	c.mu.Unlock()
}

// SetDirection sets forward (+1) or backward (-1) playback.
func (c *Controller) SetDirection(d int) {
	if d == 0 {
		return
	}
	if d > 0 {
		d = 1
	} else {
		d = -1
	}
	c.mu.Lock()
	c.opts.Direction = d
	c.mu.Unlock()
}

// SetBounds sets the end-of-volume policy.
func (c *Controller) SetBounds(b Bounds) {
	c.mu.Lock()
	c.opts.Bounds = b
	c.mu.Unlock()
}

// Advance performs the work of one tick: it moves the cursor one slice.
// Under StopAtEnd reaching the boundary stops playback and Advance reports false.
func (c *Controller) Advance(s Stepper) bool {
	opts := c.Options()
	if s.Step(opts.Orientation, opts.Direction, opts.Bounds == Wrap) {
		return true
	}
	c.Stop()
	return false
}

// Trigger is one timer firing. It is exported so callers can drive the
// controller without a real clock.
func (c *Controller) Trigger() {
	if !c.inFlight.CompareAndSwap(false, true) {
		c.dropped.Add(1)
		return
	}
	if c.onTick != nil {
		c.onTick()
	}
}

// Done marks the in-flight tick as finished.
func (c *Controller) Done() {
	c.inFlight.Store(false)
}

// Busy reports whether a tick is in flight.
func (c *Controller) Busy() bool {
	return c.inFlight.Load()
}

// Dropped returns the number of ticks dropped because the previous one was in flight.
func (c *Controller) Dropped() uint64 {
	return c.dropped.Load()
}

func (c *Controller) run(t *time.Ticker, stop <-chan struct{}) {
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C:
			c.Trigger()
		}
	}
}
