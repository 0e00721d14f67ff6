// Package engine coordinates the MPR components. One goroutine owns the
// volume, cursor, ROI and masks; every input is a command executed on that
// goroutine, so no two mutations interleave. Slow work (imports, mask
// resampling, extraction, propagation) runs on worker goroutines and posts
// its result back as another command.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"

	"mprengine/internal/models"
	"mprengine/pkg/annotations"
	"mprengine/pkg/config"
	"mprengine/pkg/crosshair"
	"mprengine/pkg/oblique"
	"mprengine/pkg/playback"
	"mprengine/pkg/roi"
	"mprengine/pkg/segmentation"
	"mprengine/pkg/slicing"
	"mprengine/pkg/telemetry"
	"mprengine/pkg/volume"
	"mprengine/pkg/volumeio"
)

// State is the engine's load state
type State int

const (
	// Empty means no volume has been loaded yet
	Empty State = iota

	// Loading means a volume or mask load is pending
	Loading

	// Ready means a volume is installed and views can be extracted
	Ready
)

func (s State) String() string {
	switch s {
	case Loading:
		return "loading"
	case Ready:
		return "ready"
	}
	return "empty"
}

var (
	// ErrLoad wraps every failure to read or install a volume or mask
	ErrLoad = errors.New("load failed")

	// ErrNotReady is returned while no volume is installed or a load is
	// pending. It is retryable.
	ErrNotReady = errors.New("engine not ready")

	// ErrSuperseded is returned for work replaced by a newer request
	ErrSuperseded = errors.New("superseded by a newer request")

	// ErrClosed is returned once the engine has been shut down
	ErrClosed = errors.New("engine closed")

	// ErrNoMask is returned when exporting before a propagated ROI mask exists
	ErrNoMask = errors.New("no ROI mask")
)

// Classification is a classifier's verdict on a volume's orientation or organ
type Classification struct {
	Label      string
	Confidence float64

	// Name and LocalName are display texts in English and the local language
	Name      string
	LocalName string
}

// Classifier inspects a freshly loaded volume. The engine only forwards
// the result in a ClassificationReady event.
type Classifier interface {
	Classify(ctx context.Context, vol *models.Volume) (Classification, error)
}

// Options wires the engine's collaborators. Nil importers and exporters
// default to volumeio.NewAuto.
type Options struct {
	Config *config.Config

	Importer      volumeio.Importer
	LabelImporter volumeio.LabelImporter
	Exporter      volumeio.Exporter
	Classifier    Classifier

	// Annotations archives committed ROIs when set
	Annotations *annotations.Store

	Metrics *telemetry.Metrics
	Logger  *log.Logger
}

// Engine is the MPR coordinator
type Engine struct {
	cfg         *config.Config
	importer    volumeio.Importer
	labelImport volumeio.LabelImporter
	exporter    volumeio.Exporter
	classifier  Classifier
	archive     *annotations.Store
	metrics     *telemetry.Metrics
	logger      *log.Logger

	events *bus
	cmds   chan func()
	quit   chan struct{}
	done   chan struct{}
	once   sync.Once

	ctx    context.Context
	cancel context.CancelFunc

	// Everything below is owned by the loop goroutine
	state       State
	loadSeq     uint64
	store       *volume.Store
	source      string
	extractor   *slicing.Extractor
	cursor      *crosshair.Controller
	unsubCursor func()

	window       slicing.Window
	colormap     slicing.Colormap
	labels       *segmentation.LabelSampler
	overlayMode  segmentation.Mode
	overlayAlpha float64

	rois       *roi.Engine
	propCancel context.CancelFunc
	propROI    string

	oblique   *oblique.Builder
	obliqueOn bool

	views   map[View]*viewJob
	nextJob uint64

	player      *playback.Controller
	tickPending bool
	tickView    View
	tickJob     uint64
	lastDropped uint64
}

// New creates an engine and starts its loop. Close releases it.
func New(opts Options) (*Engine, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	cm, err := slicing.ParseColormap(cfg.Display.Colormap)
	if err != nil {
		return nil, err
	}
	mode, err := segmentation.ParseMode(cfg.Display.OverlayMode)
	if err != nil {
		return nil, err
	}
	orientation, err := models.ParseOrientation(cfg.Playback.Orientation)
	if err != nil {
		return nil, err
	}

	auto := volumeio.NewAuto().SetMaxVoxels(cfg.Volume.MaxVoxels)
	e := &Engine{
		cfg:          cfg,
		importer:     opts.Importer,
		labelImport:  opts.LabelImporter,
		exporter:     opts.Exporter,
		classifier:   opts.Classifier,
		archive:      opts.Annotations,
		metrics:      opts.Metrics,
		logger:       opts.Logger,
		cmds:         make(chan func(), 64),
		quit:         make(chan struct{}),
		done:         make(chan struct{}),
		colormap:     cm,
		overlayMode:  mode,
		overlayAlpha: cfg.Display.OverlayAlpha,
		rois:         roi.NewEngine(),
		views:        make(map[View]*viewJob),
	}
	if e.importer == nil {
		e.importer = auto
	}
	if e.labelImport == nil {
		e.labelImport = auto
	}
	if e.exporter == nil {
		e.exporter = auto
	}
	if e.logger == nil {
		e.logger = log.New(os.Stderr, "mpr: ", log.LstdFlags)
	}
	e.events = newBus(e.metrics.DroppedEvent)
	e.ctx, e.cancel = context.WithCancel(context.Background())

	bounds := playback.Wrap
	if !cfg.Playback.Wrap {
		bounds = playback.StopAtEnd
	}
	e.player, err = playback.New(playback.Options{
		FPS:         cfg.Playback.FPS,
		Orientation: orientation,
		Direction:   1,
		Bounds:      bounds,
	}, func() {
		if !e.post(e.playbackStep) {
			e.player.Done()
		}
	})
	if err != nil {
		return nil, err
	}

	go e.loop()
	return e, nil
}

// Close stops playback, cancels background work and closes every
// subscription. It is safe to call more than once.
func (e *Engine) Close() error {
	e.once.Do(func() {
		e.player.Stop()
		close(e.quit)
		<-e.done
		e.cancel()
		e.events.closeAll()
	})
	return nil
}

// Subscribe returns a channel receiving every event published from now on,
// and a function ending the subscription. buffer <= 0 uses the configured size.
func (e *Engine) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = e.cfg.Engine.EventBuffer
	}
	return e.events.subscribe(buffer)
}

// DroppedEvents counts events not delivered because a subscriber was full.
func (e *Engine) DroppedEvents() uint64 {
	return e.events.droppedCount()
}

func (e *Engine) loop() {
	defer close(e.done)
	for {
		select {
		case <-e.quit:
			e.cancelViews()
			e.cancelPropagation()
			return
		case fn := <-e.cmds:
			fn()
		}
	}
}

// call runs fn on the loop and waits for its result.
func (e *Engine) call(fn func() error) error {
	reply := make(chan error, 1)
	select {
	case e.cmds <- func() { reply <- fn() }:
	case <-e.done:
		return ErrClosed
	}
	select {
	case err := <-reply:
		return err
	case <-e.done:
		return ErrClosed
	}
}

// post queues fn on the loop without waiting. It reports false once the
// engine is closed.
func (e *Engine) post(fn func()) bool {
	select {
	case e.cmds <- fn:
		return true
	case <-e.done:
		return false
	}
}

func (e *Engine) publish(ev Event) {
	e.events.publish(ev)
}

func (e *Engine) logf(format string, args ...any) {
	if e.cfg.Engine.Verbose {
		e.logger.Printf(format, args...)
	}
}

func (e *Engine) fail(op string, err error) {
	e.logger.Printf("%s: %v", op, err)
	e.publish(ErrorEvent{Op: op, Err: err})
}

func (e *Engine) setState(s State, kind, path string, err error) {
	e.state = s
	e.publish(LoadStateChanged{State: s, Kind: kind, Path: path, Err: err})
}

// ready guards commands that need an installed volume.
func (e *Engine) ready() error {
	if e.state != Ready {
		return fmt.Errorf("%w: state is %v", ErrNotReady, e.state)
	}
	return nil
}

// State returns the engine's load state.
func (e *Engine) State() State {
	var s State
	if err := e.call(func() error { s = e.state; return nil }); err != nil {
		return Empty
	}
	return s
}

// Cursor returns the current cursor position and derived slice indices.
func (e *Engine) Cursor() (CursorChanged, error) {
	var ev CursorChanged
	err := e.call(func() error {
		if e.cursor == nil {
			return fmt.Errorf("%w: no volume loaded", ErrNotReady)
		}
		ev = cursorEvent(e.cursor.Snapshot())
		return nil
	})
	return ev, err
}

// Geometry returns the geometry of the installed volume.
func (e *Engine) Geometry() (models.Geometry, error) {
	var g models.Geometry
	err := e.call(func() error {
		if e.store == nil {
			return fmt.Errorf("%w: no volume loaded", ErrNotReady)
		}
		g = e.store.Geometry()
		return nil
	})
	return g, err
}

func cursorEvent(ev crosshair.Event) CursorChanged {
	return CursorChanged{Position: ev.Position, Indices: ev.Indices, Revision: ev.Revision}
}
