package engine

import (
	"image"
	"sync"

	"gonum.org/v1/gonum/spatial/r3"

	"mprengine/internal/models"
	"mprengine/pkg/roi"
	"mprengine/pkg/slicing"
)

// Event is anything the engine publishes to subscribers.
type Event interface {
	eventName() string
}

// CursorChanged is published after every cursor mutation
type CursorChanged struct {
	Position r3.Vec
	Indices  [3]int
	Revision uint64
}

// SliceReady carries a freshly rendered view. Revision is the cursor
// revision the slice was extracted for.
type SliceReady struct {
	View     View
	Revision uint64
	Slice    *slicing.Slice
	Image    *image.RGBA
}

// ROICommitted is published when a committed ROI has been propagated into a mask
type ROICommitted struct {
	ROI    *roi.ROI
	Mask   *models.Mask
	Voxels int
}

// LoadStateChanged is published on every engine state transition. Err is set
// when a load failed; Kind is "volume" or "mask".
type LoadStateChanged struct {
	State State
	Kind  string
	Path  string
	Err   error
}

// PlaybackTick is published after playback moved the cursor
type PlaybackTick struct {
	Orientation models.Orientation
	Indices     [3]int
}

// ClassificationReady forwards the classifier's verdict on a freshly loaded volume
type ClassificationReady struct {
	Path   string
	Result Classification
}

// ErrorEvent reports a failure of asynchronous work
type ErrorEvent struct {
	Op  string
	Err error
}

func (CursorChanged) eventName() string       { return "cursor_changed" }
func (SliceReady) eventName() string          { return "slice_ready" }
func (ROICommitted) eventName() string        { return "roi_committed" }
func (LoadStateChanged) eventName() string    { return "load_state_changed" }
func (PlaybackTick) eventName() string        { return "playback_tick" }
func (ClassificationReady) eventName() string { return "classification_ready" }
func (ErrorEvent) eventName() string          { return "error" }

// EventName returns a stable name for logging.
func EventName(ev Event) string {
	return ev.eventName()
}

// bus fans events out to subscribers. Sends never block: an event for a
// subscriber whose buffer is full is dropped and counted.
type bus struct {
	mu      sync.Mutex
	subs    map[int]chan Event
	nextID  int
	dropped uint64
	onDrop  func()
}

func newBus(onDrop func()) *bus {
	return &bus{subs: make(map[int]chan Event), onDrop: onDrop}
}

func (b *bus) subscribe(buffer int) (<-chan Event, func()) {
	ch := make(chan Event, buffer)
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	b.mu.Unlock()

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(ch)
		}
	}
}

func (b *bus) publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			b.dropped++
			if b.onDrop != nil {
				b.onDrop()
			}
		}
	}
}

func (b *bus) droppedCount() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

func (b *bus) closeAll() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
