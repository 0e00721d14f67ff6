package engine

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log"
	"math"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"gonum.org/v1/gonum/spatial/r3"

	"mprengine/internal/models"
	"mprengine/pkg/annotations"
	"mprengine/pkg/config"
	"mprengine/pkg/crosshair"
	"mprengine/pkg/playback"
	"mprengine/pkg/roi"
	"mprengine/pkg/segmentation"
	"mprengine/pkg/volume"
	"mprengine/pkg/volumeio"
)

// fakeIO serves in-memory volumes and label volumes by path. A path with a
// gate blocks until the gate is closed.
type fakeIO struct {
	mu       sync.Mutex
	volumes  map[string]*models.Volume
	labels   map[string]*models.LabelVolume
	gates    map[string]chan struct{}
	exported map[string]*models.Volume
}

func newFakeIO() *fakeIO {
	return &fakeIO{
		volumes:  make(map[string]*models.Volume),
		labels:   make(map[string]*models.LabelVolume),
		gates:    make(map[string]chan struct{}),
		exported: make(map[string]*models.Volume),
	}
}

func (f *fakeIO) wait(ctx context.Context, path string) error {
	f.mu.Lock()
	gate := f.gates[path]
	f.mu.Unlock()
	if gate == nil {
		return nil
	}
	select {
	case <-gate:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *fakeIO) Import(ctx context.Context, path string) (*models.Volume, error) {
	if err := f.wait(ctx, path); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.volumes[path]
	if !ok {
		return nil, fmt.Errorf("%w: %s", volumeio.ErrUnsupported, path)
	}
	return v, nil
}

func (f *fakeIO) ImportLabels(ctx context.Context, path string) (*models.LabelVolume, error) {
	if err := f.wait(ctx, path); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	l, ok := f.labels[path]
	if !ok {
		return nil, fmt.Errorf("%w: %s", volumeio.ErrUnsupported, path)
	}
	return l, nil
}

func (f *fakeIO) Export(ctx context.Context, path string, vol *models.Volume) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.exported[path] = vol
	return nil
}

type fakeClassifier struct{}

func (fakeClassifier) Classify(ctx context.Context, vol *models.Volume) (Classification, error) {
	return Classification{Label: "brain", Confidence: 91.5, Name: "Brain", LocalName: "الدماغ"}, nil
}

// rampVolume returns a volume whose voxel (x,y,z) holds x+y+z
func rampVolume(w, h, d int) *models.Volume {
	v := models.NewVolume(w, h, d)
	for z := 0; z < d; z++ {
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				v.Set(x, y, z, float64(x+y+z))
			}
		}
	}
	return v
}

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Engine.Verbose = false
	cfg.Engine.NumWorkers = 2
	cfg.Engine.EventBuffer = 1024
	cfg.Display.OutputSize = 32
	// A ticker that never fires; tests trigger ticks by hand
	cfg.Playback.FPS = 0.001
	return cfg
}

func newTestEngine(t *testing.T, fio *fakeIO, opts Options) *Engine {
	t.Helper()
	if opts.Config == nil {
		opts.Config = testConfig()
	}
	opts.Importer = fio
	opts.LabelImporter = fio
	opts.Exporter = fio
	opts.Logger = log.New(io.Discard, "", 0)
	e, err := New(opts)
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}
	t.Cleanup(func() { e.Close() })
	return e
}

func load(t *testing.T, e *Engine, path string) {
	t.Helper()
	select {
	case err := <-e.LoadVolume(context.Background(), path):
		if err != nil {
			t.Fatalf("Failed to load %s: %v", path, err)
		}
	case <-time.After(10 * time.Second):
		t.Fatalf("Timed out loading %s", path)
	}
}

// waitFor returns the first event accepted by match
func waitFor(t *testing.T, events <-chan Event, match func(Event) bool) Event {
	t.Helper()
	timeout := time.After(10 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				t.Fatal("Event channel closed")
			}
			if match(ev) {
				return ev
			}
		case <-timeout:
			t.Fatal("Timed out waiting for event")
		}
	}
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("Condition not met before timeout")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func squarePolygon() []roi.Point {
	return []roi.Point{{X: 10, Y: 10}, {X: 10, Y: 50}, {X: 50, Y: 50}, {X: 50, Y: 10}}
}

// TestExtractionRejectedWhileLoading verifies the not-ready signal during a pending load
func TestExtractionRejectedWhileLoading(t *testing.T) {
	fio := newFakeIO()
	fio.volumes["ct"] = rampVolume(16, 12, 8)
	gate := make(chan struct{})
	fio.gates["ct"] = gate
	e := newTestEngine(t, fio, Options{})

	if _, err := e.ExtractSlice(context.Background(), AxialView); !errors.Is(err, ErrNotReady) {
		t.Errorf("Expected ErrNotReady before any load, got %v", err)
	}

	res := e.LoadVolume(context.Background(), "ct")
	if s := e.State(); s != Loading {
		t.Errorf("Expected state loading, got %v", s)
	}
	if _, err := e.ExtractSlice(context.Background(), AxialView); !errors.Is(err, ErrNotReady) {
		t.Errorf("Expected ErrNotReady while loading, got %v", err)
	}
	if err := e.Click(models.Axial, 1, 1); !errors.Is(err, ErrNotReady) {
		t.Errorf("Expected ErrNotReady for click while loading, got %v", err)
	}

	close(gate)
	if err := <-res; err != nil {
		t.Fatalf("Failed to load: %v", err)
	}
	sl, err := e.ExtractSlice(context.Background(), AxialView)
	if err != nil {
		t.Fatalf("Failed to extract slice: %v", err)
	}
	if sl.Slice.Width != 16 || sl.Slice.Height != 12 {
		t.Errorf("Expected 16x12 axial slice, got %dx%d", sl.Slice.Width, sl.Slice.Height)
	}
	// Cursor starts at (8, 6, 4)
	if got := sl.Slice.At(3, 2); got != 3+2+4 {
		t.Errorf("Expected voxel value 9, got %f", got)
	}
}

// TestLoadFailureKeepsState verifies a failed load leaves the engine unchanged
func TestLoadFailureKeepsState(t *testing.T) {
	fio := newFakeIO()
	fio.volumes["ct"] = rampVolume(10, 10, 10)
	e := newTestEngine(t, fio, Options{})

	err := <-e.LoadVolume(context.Background(), "missing")
	if !errors.Is(err, ErrLoad) || !errors.Is(err, volumeio.ErrUnsupported) {
		t.Errorf("Expected ErrLoad wrapping ErrUnsupported, got %v", err)
	}
	if s := e.State(); s != Empty {
		t.Errorf("Expected state empty after failed first load, got %v", s)
	}

	load(t, e, "ct")
	if err := e.SliderMove(models.Axial, 7); err != nil {
		t.Fatalf("Failed to move slider: %v", err)
	}
	if err := <-e.LoadVolume(context.Background(), "missing"); !errors.Is(err, ErrLoad) {
		t.Errorf("Expected ErrLoad, got %v", err)
	}
	if s := e.State(); s != Ready {
		t.Errorf("Expected state ready after failed reload, got %v", s)
	}
	cur, err := e.Cursor()
	if err != nil {
		t.Fatalf("Failed to read cursor: %v", err)
	}
	if cur.Indices[2] != 7 {
		t.Errorf("Expected cursor z to stay 7, got %d", cur.Indices[2])
	}
}

// TestCorruptNIfTIFailsLoad verifies a header-only NIfTI file claiming a huge
// grid is reported as a load error by the built-in importer
func TestCorruptNIfTIFailsLoad(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping file I/O test in short mode")
	}
	hdr := make([]byte, 352)
	le := binary.LittleEndian
	le.PutUint32(hdr[0:], 348)
	for i, d := range []uint16{3, 30000, 30000, 30000, 1, 1, 1, 1} {
		le.PutUint16(hdr[40+2*i:], d)
	}
	le.PutUint16(hdr[70:], 16) // float32
	le.PutUint16(hdr[72:], 32)
	le.PutUint32(hdr[108:], math.Float32bits(352))
	copy(hdr[344:], "n+1\x00")
	path := filepath.Join(t.TempDir(), "corrupt.nii")
	if err := os.WriteFile(path, hdr, 0644); err != nil {
		t.Fatalf("Failed to write file: %v", err)
	}

	e, err := New(Options{Config: testConfig(), Logger: log.New(io.Discard, "", 0)})
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}
	defer e.Close()

	select {
	case err := <-e.LoadVolume(context.Background(), path):
		if !errors.Is(err, ErrLoad) {
			t.Errorf("Expected ErrLoad, got %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("Timed out loading corrupt file")
	}
	if s := e.State(); s != Empty {
		t.Errorf("Expected state empty after corrupt load, got %v", s)
	}
}

// TestResourceExhausted verifies oversized volumes are surfaced
func TestResourceExhausted(t *testing.T) {
	fio := newFakeIO()
	fio.volumes["big"] = rampVolume(10, 10, 10)
	cfg := testConfig()
	cfg.Volume.MaxVoxels = 999
	e := newTestEngine(t, fio, Options{Config: cfg})

	err := <-e.LoadVolume(context.Background(), "big")
	if !errors.Is(err, ErrLoad) || !errors.Is(err, volume.ErrResourceExhausted) {
		t.Errorf("Expected ErrLoad wrapping ErrResourceExhausted, got %v", err)
	}
	if s := e.State(); s != Empty {
		t.Errorf("Expected state empty, got %v", s)
	}
}

// TestSupersededLoad verifies only the newest load is installed
func TestSupersededLoad(t *testing.T) {
	fio := newFakeIO()
	fio.volumes["slow"] = rampVolume(8, 8, 8)
	fio.volumes["fast"] = rampVolume(4, 5, 6)
	gate := make(chan struct{})
	fio.gates["slow"] = gate
	e := newTestEngine(t, fio, Options{})

	slow := e.LoadVolume(context.Background(), "slow")
	load(t, e, "fast")
	close(gate)
	if err := <-slow; !errors.Is(err, ErrSuperseded) {
		t.Errorf("Expected ErrSuperseded, got %v", err)
	}
	g, err := e.Geometry()
	if err != nil {
		t.Fatalf("Failed to read geometry: %v", err)
	}
	if g.Dims() != [3]int{4, 5, 6} {
		t.Errorf("Expected the fast volume installed, got %v", g.Dims())
	}
}

// TestClickScenario verifies an axial click moves the other views and keeps z
func TestClickScenario(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping large volume test in short mode")
	}
	fio := newFakeIO()
	fio.volumes["ct"] = models.NewVolume(256, 256, 180)
	e := newTestEngine(t, fio, Options{})
	events, cancel := e.Subscribe(0)
	defer cancel()
	load(t, e, "ct")

	cur, err := e.Cursor()
	if err != nil {
		t.Fatalf("Failed to read cursor: %v", err)
	}
	if cur.Indices != [3]int{128, 128, 90} {
		t.Fatalf("Expected cursor at (128,128,90), got %v", cur.Indices)
	}

	if err := e.Click(models.Axial, 64, 64); err != nil {
		t.Fatalf("Failed to click: %v", err)
	}
	moved := waitFor(t, events, func(ev Event) bool {
		c, ok := ev.(CursorChanged)
		return ok && c.Revision > cur.Revision
	}).(CursorChanged)
	if moved.Indices != [3]int{64, 64, 90} {
		t.Errorf("Expected cursor at (64,64,90), got %v", moved.Indices)
	}

	// Every canonical view is re-rendered for the new revision
	seen := map[View]bool{}
	waitFor(t, events, func(ev Event) bool {
		if s, ok := ev.(SliceReady); ok && s.Revision == moved.Revision {
			seen[s.View] = true
		}
		return len(seen) == 3
	})
	sag, err := e.ExtractSlice(context.Background(), SagittalView)
	if err != nil {
		t.Fatalf("Failed to extract sagittal slice: %v", err)
	}
	if sag.Slice.Plane.Anchor.X != 64 {
		t.Errorf("Expected sagittal plane at x=64, got %f", sag.Slice.Plane.Anchor.X)
	}
}

// TestNavigation verifies panning, slider moves and clamping
func TestNavigation(t *testing.T) {
	fio := newFakeIO()
	fio.volumes["ct"] = rampVolume(10, 10, 10)
	e := newTestEngine(t, fio, Options{})
	load(t, e, "ct")

	steps := []struct {
		do   func() error
		want [3]int
	}{
		{func() error { return e.KeyPan(crosshair.Right) }, [3]int{6, 5, 5}},
		{func() error { return e.KeyPan(crosshair.Up) }, [3]int{6, 4, 5}},
		{func() error { return e.KeyPan(crosshair.PageDown) }, [3]int{6, 4, 4}},
		{func() error { return e.SliderMove(models.Coronal, 2) }, [3]int{6, 2, 4}},
		{func() error { return e.SliderMove(models.Sagittal, 99) }, [3]int{9, 2, 4}},
		{func() error { return e.Click(models.Coronal, -5, 3) }, [3]int{0, 2, 3}},
	}
	for i, s := range steps {
		if err := s.do(); err != nil {
			t.Fatalf("Step %d: %v", i, err)
		}
		cur, err := e.Cursor()
		if err != nil {
			t.Fatalf("Step %d: failed to read cursor: %v", i, err)
		}
		if cur.Indices != s.want {
			t.Errorf("Step %d: expected indices %v, got %v", i, s.want, cur.Indices)
		}
	}
}

// TestROIFlow verifies commit, propagation, export and mesh export
func TestROIFlow(t *testing.T) {
	fio := newFakeIO()
	vol := rampVolume(64, 64, 20)
	vol.Origin = r3.Vec{X: -32, Y: -32, Z: -10}
	fio.volumes["ct"] = vol
	e := newTestEngine(t, fio, Options{})
	events, cancel := e.Subscribe(0)
	defer cancel()
	load(t, e, "ct")

	if err := e.ExportROI(context.Background(), "early.nii"); !errors.Is(err, ErrNoMask) {
		t.Errorf("Expected ErrNoMask before any ROI, got %v", err)
	}

	r, err := e.CommitROI(models.Axial, 10, squarePolygon())
	if err != nil {
		t.Fatalf("Failed to commit ROI: %v", err)
	}
	ev := waitFor(t, events, func(ev Event) bool {
		_, ok := ev.(ROICommitted)
		return ok
	}).(ROICommitted)
	if ev.ROI.ID != r.ID {
		t.Errorf("Expected ROI %s, got %s", r.ID, ev.ROI.ID)
	}
	if ev.Voxels != 40*40*20 {
		t.Errorf("Expected %d mask voxels, got %d", 40*40*20, ev.Voxels)
	}

	st, err := e.ROI()
	if err != nil {
		t.Fatalf("Failed to read ROI: %v", err)
	}
	if st.State != roi.Committed || st.Mask == nil {
		t.Errorf("Expected committed ROI with mask, got %v (mask %v)", st.State, st.Mask != nil)
	}

	if err := e.ExportROI(context.Background(), "roi.nii"); err != nil {
		t.Fatalf("Failed to export ROI: %v", err)
	}
	sub := fio.exported["roi.nii"]
	if sub == nil {
		t.Fatal("Expected an exported volume")
	}
	if sub.Width != 40 || sub.Height != 40 || sub.Depth != 20 {
		t.Errorf("Expected 40x40x20 sub-volume, got %dx%dx%d", sub.Width, sub.Height, sub.Depth)
	}
	if sub.Origin != (r3.Vec{X: -22, Y: -22, Z: -10}) {
		t.Errorf("Expected origin (-22,-22,-10), got %v", sub.Origin)
	}

	if !testing.Short() {
		n, err := e.ExportROIMesh(context.Background(), filepath.Join(t.TempDir(), "roi.stl"))
		if err != nil {
			t.Fatalf("Failed to export mesh: %v", err)
		}
		// A 40x40x20 box has 2*(40*40 + 40*20 + 40*20) faces
		if want := 2 * 2 * (40*40 + 40*20 + 40*20); n != want {
			t.Errorf("Expected %d triangles, got %d", want, n)
		}
	}

	if err := e.ClearROI(); err != nil {
		t.Fatalf("Failed to clear ROI: %v", err)
	}
	if err := e.ExportROI(context.Background(), "late.nii"); !errors.Is(err, ErrNoMask) {
		t.Errorf("Expected ErrNoMask after clear, got %v", err)
	}
}

// TestCommitROIPhysical verifies a millimetre polygon commits on the slice it lies on
func TestCommitROIPhysical(t *testing.T) {
	fio := newFakeIO()
	vol := rampVolume(64, 64, 20)
	vol.Origin = r3.Vec{X: -32, Y: -32, Z: -10}
	fio.volumes["ct"] = vol
	e := newTestEngine(t, fio, Options{})
	events, cancel := e.Subscribe(0)
	defer cancel()
	load(t, e, "ct")

	// The same square as squarePolygon, on axial slice 10
	mm := []r3.Vec{{X: -22, Y: -22, Z: 0}, {X: -22, Y: 18, Z: 0}, {X: 18, Y: 18, Z: 0}, {X: 18, Y: -22, Z: 0}}
	r, err := e.CommitROIPhysical(models.Axial, mm)
	if err != nil {
		t.Fatalf("Failed to commit ROI: %v", err)
	}
	if r.Slice != 10 {
		t.Errorf("Expected slice 10, got %d", r.Slice)
	}
	ev := waitFor(t, events, func(ev Event) bool {
		_, ok := ev.(ROICommitted)
		return ok
	}).(ROICommitted)
	if ev.Voxels != 40*40*20 {
		t.Errorf("Expected %d mask voxels, got %d", 40*40*20, ev.Voxels)
	}

	// A polygon above the volume has no slice to live on
	above := []r3.Vec{{X: 0, Y: 0, Z: 50}, {X: 5, Y: 0, Z: 50}, {X: 0, Y: 5, Z: 50}}
	if _, err := e.CommitROIPhysical(models.Axial, above); !errors.Is(err, roi.ErrROIInvalid) {
		t.Errorf("Expected ErrROIInvalid, got %v", err)
	}
}

// TestROIRejected verifies invalid polygons return the ROI engine to idle
func TestROIRejected(t *testing.T) {
	fio := newFakeIO()
	fio.volumes["ct"] = rampVolume(16, 16, 4)
	e := newTestEngine(t, fio, Options{})
	load(t, e, "ct")

	if _, err := e.CommitROI(models.Axial, 1, squarePolygon()[:2]); !errors.Is(err, roi.ErrROIInvalid) {
		t.Errorf("Expected ErrROIInvalid for two points, got %v", err)
	}
	if _, err := e.CommitROI(models.Axial, 4, squarePolygon()); !errors.Is(err, roi.ErrROIInvalid) {
		t.Errorf("Expected ErrROIInvalid for slice outside the volume, got %v", err)
	}
	st, err := e.ROI()
	if err != nil {
		t.Fatalf("Failed to read ROI: %v", err)
	}
	if st.State != roi.Idle {
		t.Errorf("Expected idle ROI state, got %v", st.State)
	}
}

// TestDrawROI verifies drawing on the slice under the cursor
func TestDrawROI(t *testing.T) {
	fio := newFakeIO()
	fio.volumes["ct"] = rampVolume(20, 20, 12)
	e := newTestEngine(t, fio, Options{})
	events, cancel := e.Subscribe(0)
	defer cancel()
	load(t, e, "ct")

	if err := e.SliderMove(models.Coronal, 3); err != nil {
		t.Fatalf("Failed to move slider: %v", err)
	}
	if err := e.ROIDrawMove(roi.Point{X: 1, Y: 1}); !errors.Is(err, roi.ErrWrongState) {
		t.Errorf("Expected ErrWrongState before draw start, got %v", err)
	}
	if err := e.ROIDrawStart(models.Coronal, roi.Point{X: 2, Y: 2}); err != nil {
		t.Fatalf("Failed to start drawing: %v", err)
	}
	for _, p := range []roi.Point{{X: 6, Y: 2}, {X: 6, Y: 6}, {X: 2, Y: 6}} {
		if err := e.ROIDrawMove(p); err != nil {
			t.Fatalf("Failed to add point: %v", err)
		}
	}
	r, err := e.ROIDrawEnd()
	if err != nil {
		t.Fatalf("Failed to end drawing: %v", err)
	}
	if r.Orientation != models.Coronal || r.Slice != 3 {
		t.Errorf("Expected coronal slice 3, got %s slice %d", r.Orientation, r.Slice)
	}
	ev := waitFor(t, events, func(ev Event) bool {
		_, ok := ev.(ROICommitted)
		return ok
	}).(ROICommitted)
	// 4x4 footprint in x/z extruded through all 20 coronal slices
	if ev.Voxels != 4*4*20 {
		t.Errorf("Expected %d voxels, got %d", 4*4*20, ev.Voxels)
	}
}

// TestCancelPropagation verifies a canceled propagation leaves no mask
func TestCancelPropagation(t *testing.T) {
	fio := newFakeIO()
	fio.volumes["ct"] = rampVolume(64, 64, 64)
	e := newTestEngine(t, fio, Options{})
	load(t, e, "ct")

	if err := e.CancelPropagation(); !errors.Is(err, roi.ErrWrongState) {
		t.Errorf("Expected ErrWrongState with nothing to cancel, got %v", err)
	}
	if _, err := e.CommitROI(models.Axial, 5, squarePolygon()); err != nil {
		t.Fatalf("Failed to commit ROI: %v", err)
	}
	err := e.CancelPropagation()
	st, serr := e.ROI()
	if serr != nil {
		t.Fatalf("Failed to read ROI: %v", serr)
	}
	switch {
	case err == nil:
		if st.State != roi.Committed || st.Mask != nil {
			t.Errorf("Expected committed ROI without mask after cancel, got %v (mask %v)", st.State, st.Mask != nil)
		}
	case errors.Is(err, roi.ErrWrongState):
		// Propagation finished before the cancel arrived
		if st.Mask == nil {
			t.Error("Expected a mask when propagation finished first")
		}
	default:
		t.Errorf("Unexpected cancel error: %v", err)
	}
}

// TestMaskOverlay verifies mismatched masks are resampled and drawn
func TestMaskOverlay(t *testing.T) {
	fio := newFakeIO()
	fio.volumes["ct"] = rampVolume(16, 16, 8)

	// Half resolution mask covering the same extent
	g := models.NewGeometry(8, 8, 4)
	g.Spacing = r3.Vec{X: 2, Y: 2, Z: 2}
	g.Origin = r3.Vec{X: 0.5, Y: 0.5, Z: 0.5}
	labels := models.NewLabelVolume(g)
	for z := 0; z < 4; z++ {
		labels.Data[labels.Index(2, 2, z)] = 3
	}
	fio.labels["seg"] = labels

	far := models.NewGeometry(4, 4, 4)
	far.Origin = r3.Vec{X: 1000, Y: 1000, Z: 1000}
	farLabels := models.NewLabelVolume(far)
	farLabels.Data[0] = 1
	fio.labels["far"] = farLabels

	e := newTestEngine(t, fio, Options{})
	if err := <-e.LoadMask(context.Background(), "seg"); !errors.Is(err, ErrNotReady) {
		t.Errorf("Expected ErrNotReady without a volume, got %v", err)
	}
	load(t, e, "ct")

	if err := <-e.LoadMask(context.Background(), "seg"); err != nil {
		t.Fatalf("Failed to load mask: %v", err)
	}
	stats, err := e.MaskStats()
	if err != nil {
		t.Fatalf("Failed to read mask stats: %v", err)
	}
	if len(stats) != 1 || stats[0].Label != 3 {
		t.Fatalf("Expected one label 3, got %+v", stats)
	}
	// Label voxel (2,2) covers volume voxels 4..5 on x and y
	if stats[0].Voxels != 2*2*8 {
		t.Errorf("Expected %d resampled voxels, got %d", 2*2*8, stats[0].Voxels)
	}

	if err := e.SetOverlayMode(segmentation.Filled, 1); err != nil {
		t.Fatalf("Failed to set overlay mode: %v", err)
	}
	sl, err := e.ExtractSlice(context.Background(), AxialView)
	if err != nil {
		t.Fatalf("Failed to extract slice: %v", err)
	}
	if got := sl.Image.RGBAAt(4, 5); got != segmentation.LabelColor(3) {
		t.Errorf("Expected label colour %v, got %v", segmentation.LabelColor(3), got)
	}

	err = <-e.LoadMask(context.Background(), "far")
	if !errors.Is(err, segmentation.ErrEmptyMask) || !errors.Is(err, ErrLoad) {
		t.Errorf("Expected ErrLoad wrapping ErrEmptyMask, got %v", err)
	}
	if s := e.State(); s != Ready {
		t.Errorf("Expected state ready after failed mask load, got %v", s)
	}
	if stats, err := e.MaskStats(); err != nil || len(stats) != 1 {
		t.Errorf("Expected previous mask kept, got %+v (%v)", stats, err)
	}
}

// TestPlaybackDropsTicks verifies ticks are dropped while a frame is in flight
func TestPlaybackDropsTicks(t *testing.T) {
	fio := newFakeIO()
	fio.volumes["ct"] = rampVolume(32, 32, 6)
	e := newTestEngine(t, fio, Options{})
	events, cancel := e.Subscribe(0)
	defer cancel()
	load(t, e, "ct")

	st, err := e.TogglePlay()
	if err != nil {
		t.Fatalf("Failed to start playback: %v", err)
	}
	if st != playback.Playing {
		t.Fatalf("Expected playing, got %v", st)
	}

	e.player.Trigger()
	e.player.Trigger()
	tick := waitFor(t, events, func(ev Event) bool {
		_, ok := ev.(PlaybackTick)
		return ok
	}).(PlaybackTick)
	if tick.Indices[2] != 4 {
		t.Errorf("Expected playback to reach z=4, got %d", tick.Indices[2])
	}
	if d := e.DroppedTicks(); d != 1 {
		t.Errorf("Expected 1 dropped tick, got %d", d)
	}
	eventually(t, func() bool { return !e.player.Busy() })

	// Wrap from the last slice to the first
	e.player.Trigger()
	eventually(t, func() bool { return !e.player.Busy() })
	e.player.Trigger()
	waitFor(t, events, func(ev Event) bool {
		tk, ok := ev.(PlaybackTick)
		return ok && tk.Indices[2] == 0
	})

	if st, err := e.TogglePlay(); err != nil || st != playback.Stopped {
		t.Errorf("Expected stopped, got %v (%v)", st, err)
	}
}

// TestObliqueAngles verifies the oblique view and degenerate rejection
func TestObliqueAngles(t *testing.T) {
	fio := newFakeIO()
	fio.volumes["ct"] = rampVolume(12, 12, 12)
	e := newTestEngine(t, fio, Options{})
	load(t, e, "ct")

	if _, err := e.ExtractSlice(context.Background(), ObliqueView); err == nil {
		t.Error("Expected error before the oblique view is configured")
	}
	if err := e.SetObliqueAngles(30, 0); err != nil {
		t.Fatalf("Failed to set angles: %v", err)
	}
	plane, ax, _, err := e.ObliquePlane()
	if err != nil {
		t.Fatalf("Failed to read plane: %v", err)
	}
	if ax != 30 {
		t.Errorf("Expected angle 30, got %f", ax)
	}
	if math.Abs(r3.Dot(plane.U, plane.V)) > 1e-9 {
		t.Errorf("Expected orthogonal basis, got u·v = %g", r3.Dot(plane.U, plane.V))
	}

	if err := e.SetObliqueAngles(math.NaN(), 0); err == nil {
		t.Error("Expected error for NaN angle")
	}
	kept, ax, _, _ := e.ObliquePlane()
	if ax != 30 || kept.Normal != plane.Normal {
		t.Errorf("Expected previous plane kept, got angle %f normal %v", ax, kept.Normal)
	}

	sl, err := e.ExtractSlice(context.Background(), ObliqueView)
	if err != nil {
		t.Fatalf("Failed to extract oblique slice: %v", err)
	}
	if sl.Slice.Width != 32 || sl.Slice.Height != 32 {
		t.Errorf("Expected 32x32 oblique slice, got %dx%d", sl.Slice.Width, sl.Slice.Height)
	}

	// The oblique plane follows the cursor
	if err := e.SliderMove(models.Axial, 2); err != nil {
		t.Fatalf("Failed to move slider: %v", err)
	}
	moved, _, _, _ := e.ObliquePlane()
	cur, _ := e.Cursor()
	if moved.Anchor != cur.Position {
		t.Errorf("Expected oblique anchor %v, got %v", cur.Position, moved.Anchor)
	}
}

// TestNewVolumeClearsState verifies loading a second volume discards the ROI,
// mask, oblique plane and cursor derived from the first
func TestNewVolumeClearsState(t *testing.T) {
	fio := newFakeIO()
	fio.volumes["a"] = rampVolume(64, 64, 20)
	b := rampVolume(10, 8, 6)
	b.Origin = r3.Vec{X: 100, Y: -50, Z: 7}
	fio.volumes["b"] = b
	labels := models.NewLabelVolume(models.NewGeometry(64, 64, 20))
	labels.Data[labels.Index(5, 5, 5)] = 2
	fio.labels["seg"] = labels

	e := newTestEngine(t, fio, Options{})
	events, cancel := e.Subscribe(0)
	defer cancel()
	load(t, e, "a")

	if _, err := e.CommitROI(models.Axial, 10, squarePolygon()); err != nil {
		t.Fatalf("Failed to commit ROI: %v", err)
	}
	waitFor(t, events, func(ev Event) bool {
		_, ok := ev.(ROICommitted)
		return ok
	})
	if err := <-e.LoadMask(context.Background(), "seg"); err != nil {
		t.Fatalf("Failed to load mask: %v", err)
	}
	if err := e.SetObliqueAngles(20, 10); err != nil {
		t.Fatalf("Failed to set angles: %v", err)
	}
	if err := e.SliderMove(models.Axial, 3); err != nil {
		t.Fatalf("Failed to move slider: %v", err)
	}

	// Everything is in place before the second load
	if st, err := e.ROI(); err != nil || st.State != roi.Committed || st.Mask == nil {
		t.Fatalf("Expected committed ROI with mask, got %+v (%v)", st, err)
	}
	if _, err := e.MaskStats(); err != nil {
		t.Fatalf("Expected mask stats, got %v", err)
	}

	load(t, e, "b")

	st, err := e.ROI()
	if err != nil {
		t.Fatalf("Failed to read ROI: %v", err)
	}
	if st.State != roi.Idle || st.ROI != nil || st.Mask != nil {
		t.Errorf("Expected idle ROI without mask, got %v (roi %v, mask %v)", st.State, st.ROI != nil, st.Mask != nil)
	}
	if _, err := e.MaskStats(); err == nil {
		t.Error("Expected mask stats to fail after a new volume")
	}
	if _, _, _, err := e.ObliquePlane(); err == nil {
		t.Error("Expected oblique plane to be cleared after a new volume")
	}

	cur, err := e.Cursor()
	if err != nil {
		t.Fatalf("Failed to read cursor: %v", err)
	}
	// Voxel (5,4,3) of b
	if want := (r3.Vec{X: 105, Y: -46, Z: 10}); cur.Position != want {
		t.Errorf("Expected cursor at centre %v, got %v", want, cur.Position)
	}
	if cur.Indices != [3]int{5, 4, 3} {
		t.Errorf("Expected indices [5 4 3], got %v", cur.Indices)
	}
}

// TestDisplaySettings verifies colormap and window validation and reset
func TestDisplaySettings(t *testing.T) {
	fio := newFakeIO()
	fio.volumes["ct"] = rampVolume(10, 10, 10)
	e := newTestEngine(t, fio, Options{})
	load(t, e, "ct")
	initial, err := e.Window()
	if err != nil {
		t.Fatalf("Failed to read window: %v", err)
	}

	if err := e.SelectColormap("nope"); err == nil {
		t.Error("Expected error for unknown colormap")
	}
	if err := e.SelectColormap("jet"); err != nil {
		t.Errorf("Failed to select colormap: %v", err)
	}
	if err := e.SetWindowLevel(0, 0); err == nil {
		t.Error("Expected error for zero window width")
	}
	if err := e.SetWindowLevel(40, 400); err != nil {
		t.Errorf("Failed to set window: %v", err)
	}
	if err := e.Click(models.Axial, 1, 1); err != nil {
		t.Fatalf("Failed to click: %v", err)
	}
	if _, err := e.CommitROI(models.Axial, 5, squarePolygon()); err != nil {
		t.Fatalf("Failed to commit ROI: %v", err)
	}

	if err := e.Reset(); err != nil {
		t.Fatalf("Failed to reset: %v", err)
	}
	cur, _ := e.Cursor()
	if cur.Indices != [3]int{5, 5, 5} {
		t.Errorf("Expected cursor at center, got %v", cur.Indices)
	}
	w, _ := e.Window()
	if w != initial {
		t.Errorf("Expected window %+v after reset, got %+v", initial, w)
	}
	st, _ := e.ROI()
	if st.State != roi.Idle {
		t.Errorf("Expected idle ROI after reset, got %v", st.State)
	}
}

// TestClassification verifies classifier output is forwarded
func TestClassification(t *testing.T) {
	fio := newFakeIO()
	fio.volumes["ct"] = rampVolume(4, 4, 4)
	e := newTestEngine(t, fio, Options{Classifier: fakeClassifier{}})
	events, cancel := e.Subscribe(0)
	defer cancel()
	load(t, e, "ct")

	ev := waitFor(t, events, func(ev Event) bool {
		_, ok := ev.(ClassificationReady)
		return ok
	}).(ClassificationReady)
	if ev.Path != "ct" || ev.Result.Label != "brain" {
		t.Errorf("Expected brain classification for ct, got %+v", ev)
	}
}

// TestSlowSubscriberDropsEvents verifies publishing never blocks
func TestSlowSubscriberDropsEvents(t *testing.T) {
	fio := newFakeIO()
	fio.volumes["ct"] = rampVolume(8, 8, 8)
	e := newTestEngine(t, fio, Options{})
	_, cancel := e.Subscribe(1)
	defer cancel()
	load(t, e, "ct")

	for i := 0; i < 5; i++ {
		if err := e.KeyPan(crosshair.Left); err != nil {
			t.Fatalf("Failed to pan: %v", err)
		}
	}
	if e.DroppedEvents() == 0 {
		t.Error("Expected dropped events for a full subscriber")
	}
}

// TestAnnotationArchive verifies committed ROIs are archived and restorable
func TestAnnotationArchive(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping file I/O test in short mode")
	}
	store, err := annotations.Open(filepath.Join(t.TempDir(), "rois.db"))
	if err != nil {
		t.Fatalf("Failed to open archive: %v", err)
	}
	defer store.Close()

	fio := newFakeIO()
	fio.volumes["ct"] = rampVolume(64, 64, 8)
	e := newTestEngine(t, fio, Options{Annotations: store})
	events, cancel := e.Subscribe(0)
	defer cancel()
	load(t, e, "ct")

	r, err := e.CommitROI(models.Axial, 2, squarePolygon())
	if err != nil {
		t.Fatalf("Failed to commit ROI: %v", err)
	}
	var saved []annotations.Record
	eventually(t, func() bool {
		saved, _ = e.SavedROIs(context.Background())
		return len(saved) == 1
	})
	if saved[0].ROI.ID != r.ID || saved[0].Volume != "ct" {
		t.Errorf("Expected ROI %s on ct, got %s on %s", r.ID, saved[0].ROI.ID, saved[0].Volume)
	}

	if err := e.ClearROI(); err != nil {
		t.Fatalf("Failed to clear ROI: %v", err)
	}
	restored, err := e.RestoreROI(context.Background(), r.ID)
	if err != nil {
		t.Fatalf("Failed to restore ROI: %v", err)
	}
	waitFor(t, events, func(ev Event) bool {
		c, ok := ev.(ROICommitted)
		return ok && c.ROI.ID == restored.ID
	})
	if saved, _ := e.SavedROIs(context.Background()); len(saved) != 1 {
		t.Errorf("Expected restoring not to archive again, got %d records", len(saved))
	}
}

// TestClose verifies commands fail after shutdown
func TestClose(t *testing.T) {
	e := newTestEngine(t, newFakeIO(), Options{})
	events, _ := e.Subscribe(0)
	if err := e.Close(); err != nil {
		t.Fatalf("Failed to close: %v", err)
	}
	if _, ok := <-events; ok {
		t.Error("Expected subscription closed")
	}
	if err := e.Click(models.Axial, 0, 0); !errors.Is(err, ErrClosed) {
		t.Errorf("Expected ErrClosed, got %v", err)
	}
	if err := <-e.LoadVolume(context.Background(), "ct"); !errors.Is(err, ErrClosed) {
		t.Errorf("Expected ErrClosed from load, got %v", err)
	}
}
