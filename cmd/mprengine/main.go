package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"mprengine/internal/models"
	"mprengine/pkg/annotations"
	"mprengine/pkg/config"
	"mprengine/pkg/engine"
	"mprengine/pkg/roi"
	"mprengine/pkg/segmentation"
	"mprengine/pkg/slicing"
	"mprengine/pkg/telemetry"
	"mprengine/pkg/visualization"
	"mprengine/pkg/volume"
	"mprengine/pkg/volumeio"
)

const usage = `Usage: mprengine <command> [flags]

Commands:
  info     Print the geometry and intensity statistics of a volume
  slice    Save slices along each axis as images
  roi      Propagate a polygon ROI and export it as NIfTI and STL
  overlay  Load a segmentation mask and print per-label statistics
  config   Write the default configuration file

Run "mprengine <command> -h" for the flags of a command.
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(1)
	}

	var err error
	switch cmd, args := os.Args[1], os.Args[2:]; cmd {
	case "info":
		err = runInfo(args)
	case "slice":
		err = runSlice(args)
	case "roi":
		err = runROI(args)
	case "overlay":
		err = runOverlay(args)
	case "config":
		err = runConfig(args)
	case "-h", "-help", "--help", "help":
		fmt.Print(usage)
		return
	default:
		fmt.Fprintf(os.Stderr, "Unknown command %q\n\n%s", cmd, usage)
		os.Exit(1)
	}
	if err != nil {
		log.Fatalf("%s failed: %v", os.Args[1], err)
	}
}

func banner(title string) {
	fmt.Println("================================")
	fmt.Println(title)
	fmt.Println("================================")
}

// app holds what every engine-backed command shares
type app struct {
	cfg      *config.Config
	metrics  *telemetry.Metrics
	archive  *annotations.Store
	shutdown func(context.Context) error
}

func newApp(ctx context.Context, configPath string) (*app, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	shutdown, err := telemetry.Setup(ctx, cfg.Telemetry.ServiceName, cfg.Telemetry.OTLPEndpoint)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, metrics: telemetry.NewMetrics(), shutdown: shutdown}

	if addr := cfg.Telemetry.MetricsAddr; addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", a.metrics.Handler())
		go func() {
			if err := http.ListenAndServe(addr, mux); err != nil {
				log.Printf("Warning: metrics server stopped: %v", err)
			}
		}()
		fmt.Printf("Serving metrics on %s/metrics\n", addr)
	}

	if path := cfg.Storage.AnnotationsDB; path != "" {
		if a.archive, err = annotations.Open(path); err != nil {
			a.close()
			return nil, err
		}
	}
	return a, nil
}

func (a *app) close() {
	if err := a.archive.Close(); err != nil {
		log.Printf("Warning: failed to close annotation archive: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.shutdown(ctx); err != nil {
		log.Printf("Warning: failed to flush traces: %v", err)
	}
}

// openEngine starts an engine and loads the volume at path into it.
func (a *app) openEngine(ctx context.Context, path string) (*engine.Engine, error) {
	eng, err := engine.New(engine.Options{
		Config:      a.cfg,
		Annotations: a.archive,
		Metrics:     a.metrics,
		Logger:      log.New(os.Stderr, "mpr: ", log.LstdFlags),
	})
	if err != nil {
		return nil, err
	}

	fmt.Printf("Loading volume from %s...\n", path)
	startTime := time.Now()
	if err := <-eng.LoadVolume(ctx, path); err != nil {
		eng.Close()
		return nil, err
	}
	fmt.Printf("Volume loaded in %.2f seconds\n", time.Since(startTime).Seconds())
	return eng, nil
}

func printGeometry(g models.Geometry) {
	fmt.Printf("Dimensions: %d x %d x %d voxels\n", g.Width, g.Height, g.Depth)
	fmt.Printf("Spacing: %.3f x %.3f x %.3f mm\n", g.Spacing.X, g.Spacing.Y, g.Spacing.Z)
	fmt.Printf("Origin: (%.3f, %.3f, %.3f) mm\n", g.Origin.X, g.Origin.Y, g.Origin.Z)
	d := g.Direction
	fmt.Printf("Direction: [%.3f %.3f %.3f; %.3f %.3f %.3f; %.3f %.3f %.3f]\n",
		d[0], d[1], d[2], d[3], d[4], d[5], d[6], d[7], d[8])
}

func printSummary(s volume.Summary) {
	fmt.Printf("Voxels: %d (%.1f mm³)\n", s.Voxels, s.PhysicalVolume)
	fmt.Printf("Intensity range: [%.3f, %.3f]\n", s.Min, s.Max)
	fmt.Printf("Mean: %.3f, standard deviation: %.3f\n", s.Mean, s.StdDev)
	fmt.Printf("Entropy: %.3f bits\n", s.Entropy)
}

func runInfo(args []string) error {
	fs := flag.NewFlagSet("info", flag.ExitOnError)
	configPath := fs.String("config", "mprengine.yaml", "Configuration file")
	input := fs.String("input", "", "NIfTI file, DICOM series directory or image stack directory")
	fs.Parse(args)
	if *input == "" {
		fs.Usage()
		os.Exit(1)
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	banner("VOLUME INFORMATION")
	fmt.Printf("Reading %s (%s)...\n", *input, formatOf(*input))

	startTime := time.Now()
	vol, err := volumeio.NewAuto().SetMaxVoxels(cfg.Volume.MaxVoxels).Import(context.Background(), *input)
	if err != nil {
		return err
	}
	fmt.Printf("Read in %.2f seconds\n\n", time.Since(startTime).Seconds())

	store := volume.NewStore(volume.Options{})
	if err := store.Load(vol); err != nil {
		return err
	}
	printGeometry(vol.Geometry)
	lo, hi := store.Bounds()
	fmt.Printf("Bounds: (%.1f, %.1f, %.1f) to (%.1f, %.1f, %.1f) mm\n", lo.X, lo.Y, lo.Z, hi.X, hi.Y, hi.Z)
	c := store.Center()
	fmt.Printf("Center: (%.1f, %.1f, %.1f) mm\n", c.X, c.Y, c.Z)
	printSummary(volume.Summarize(vol))
	for _, k := range sortedKeys(vol.Metadata) {
		fmt.Printf("%s: %s\n", k, vol.Metadata[k])
	}
	return nil
}

func formatOf(path string) string {
	f, err := volumeio.Detect(path)
	if err != nil {
		return "unknown format"
	}
	return f.String()
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func runSlice(args []string) error {
	fs := flag.NewFlagSet("slice", flag.ExitOnError)
	configPath := fs.String("config", "mprengine.yaml", "Configuration file")
	input := fs.String("input", "", "Volume to slice")
	maskPath := fs.String("mask", "", "Optional segmentation mask drawn over the slices")
	outputDir := fs.String("output", "slices", "Directory to save slices in")
	axes := fs.String("axes", "axial,coronal,sagittal", "Comma-separated axes to save")
	colormap := fs.String("colormap", "", "Colormap (defaults to the configured one)")
	fs.Parse(args)
	if *input == "" {
		fs.Usage()
		os.Exit(1)
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	ctx := context.Background()

	banner("MPR SLICE EXPORT")
	importer := volumeio.NewAuto().SetMaxVoxels(cfg.Volume.MaxVoxels)
	vol, err := importer.Import(ctx, *input)
	if err != nil {
		return err
	}
	store := volume.NewStore(volume.Options{Background: cfg.Volume.Background, MaxVoxels: cfg.Volume.MaxVoxels})
	if err := store.Load(vol); err != nil {
		return err
	}

	viewer := visualization.NewViewer(store, cfg.Engine.NumWorkers)
	if d := cfg.Display; d.WindowWidth > 0 {
		viewer.SetWindow(slicing.Window{Center: d.WindowCenter, Width: d.WindowWidth})
	} else {
		viewer.SetWindow(slicing.AutoWindow(vol.Data, d.AutoWindowLow, d.AutoWindowHigh))
	}
	name := cfg.Display.Colormap
	if *colormap != "" {
		name = *colormap
	}
	cm, err := slicing.ParseColormap(name)
	if err != nil {
		return err
	}
	viewer.SetColormap(cm)

	if *maskPath != "" {
		mode, err := segmentation.ParseMode(cfg.Display.OverlayMode)
		if err != nil {
			return err
		}
		labels, err := importer.ImportLabels(ctx, *maskPath)
		if err != nil {
			return err
		}
		if labels, err = segmentation.Align(ctx, labels, store.Geometry()); err != nil {
			return err
		}
		sampler, err := segmentation.NewLabelSampler(labels)
		if err != nil {
			return err
		}
		viewer.SetOverlay(sampler, mode, cfg.Display.OverlayAlpha)
		fmt.Printf("Overlaying mask %s (%s)\n", *maskPath, mode)
	}

	startTime := time.Now()
	for _, axis := range strings.Split(*axes, ",") {
		axis = strings.TrimSpace(axis)
		axisDir := filepath.Join(*outputDir, axis)
		fmt.Printf("Saving %s slices to: %s\n", axis, axisDir)

		n, err := viewer.SaveSliceSequence(ctx, axis, axisDir)
		if err != nil {
			log.Printf("Warning: Failed to save %s slices after %d: %v", axis, n, err)
			continue
		}
		fmt.Printf("- %d slices\n", n)
	}
	fmt.Printf("\nSlice export completed in %.2f seconds\n", time.Since(startTime).Seconds())
	return nil
}

// parsePolygon reads "u,v;u,v;..." vertex lists.
func parsePolygon(s string) ([]roi.Point, error) {
	var points []roi.Point
	for _, pair := range strings.Split(s, ";") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		uv := strings.Split(pair, ",")
		if len(uv) != 2 {
			return nil, fmt.Errorf("invalid vertex %q: want u,v", pair)
		}
		u, err := strconv.ParseFloat(strings.TrimSpace(uv[0]), 64)
		if err != nil {
			return nil, fmt.Errorf("invalid vertex %q: %w", pair, err)
		}
		v, err := strconv.ParseFloat(strings.TrimSpace(uv[1]), 64)
		if err != nil {
			return nil, fmt.Errorf("invalid vertex %q: %w", pair, err)
		}
		points = append(points, roi.Point{X: u, Y: v})
	}
	return points, nil
}

func runROI(args []string) error {
	fs := flag.NewFlagSet("roi", flag.ExitOnError)
	configPath := fs.String("config", "mprengine.yaml", "Configuration file")
	input := fs.String("input", "", "Volume the ROI is drawn on")
	orientation := fs.String("orientation", "axial", "Canonical orientation of the polygon")
	slice := fs.Int("slice", -1, "Slice index of the polygon (defaults to the center slice)")
	polygon := fs.String("polygon", "", "Polygon vertices in voxel coordinates: u,v;u,v;...")
	restore := fs.String("restore", "", "ID of an archived ROI to propagate instead of -polygon")
	list := fs.Bool("list", false, "List the archived ROIs of the volume and exit")
	output := fs.String("output", "roi.nii.gz", "NIfTI file for the ROI sub-volume")
	mesh := fs.String("mesh", "", "Optional binary STL file for the ROI surface")
	timeout := fs.Duration("timeout", 2*time.Minute, "Maximum time to wait for propagation")
	fs.Parse(args)
	if *input == "" || (*polygon == "" && *restore == "" && !*list) {
		fs.Usage()
		os.Exit(1)
	}

	ctx := context.Background()
	a, err := newApp(ctx, *configPath)
	if err != nil {
		return err
	}
	defer a.close()

	banner("ROI PROPAGATION")
	eng, err := a.openEngine(ctx, *input)
	if err != nil {
		return err
	}
	defer eng.Close()

	if *list {
		records, err := eng.SavedROIs(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("%d archived ROIs for %s\n", len(records), *input)
		for _, rec := range records {
			fmt.Printf("- %s: %s slice %d, %d vertices, %s\n", rec.ROI.ID, rec.ROI.Orientation,
				rec.ROI.Slice, len(rec.ROI.Points), rec.ROI.CreatedAt.Format(time.RFC3339))
		}
		return nil
	}

	events, unsubscribe := eng.Subscribe(0)
	defer unsubscribe()

	var r *roi.ROI
	if *restore != "" {
		fmt.Printf("Restoring archived ROI %s\n", *restore)
		r, err = eng.RestoreROI(ctx, *restore)
	} else {
		o, perr := models.ParseOrientation(*orientation)
		if perr != nil {
			return perr
		}
		points, perr := parsePolygon(*polygon)
		if perr != nil {
			return perr
		}
		idx := *slice
		if idx < 0 {
			cur, cerr := eng.Cursor()
			if cerr != nil {
				return cerr
			}
			idx = cur.Indices[o.NormalAxis()]
		}
		r, err = eng.CommitROI(o, idx, points)
	}
	if err != nil {
		return err
	}
	fmt.Printf("Committed ROI %s on %s slice %d with %d vertices\n", r.ID, r.Orientation, r.Slice, len(r.Points))

	startTime := time.Now()
	committed, err := waitForMask(events, r.ID, *timeout)
	if err != nil {
		return err
	}
	g, err := eng.Geometry()
	if err != nil {
		return err
	}
	voxelVolume := g.Spacing.X * g.Spacing.Y * g.Spacing.Z
	fmt.Printf("Propagated in %.2f seconds: %d voxels (%.1f mm³)\n",
		time.Since(startTime).Seconds(), committed.Voxels, float64(committed.Voxels)*voxelVolume)

	if *output != "" {
		if err := eng.ExportROI(ctx, *output); err != nil {
			return err
		}
		fmt.Printf("ROI volume saved to: %s\n", *output)
	}
	if *mesh != "" {
		n, err := eng.ExportROIMesh(ctx, *mesh)
		if err != nil {
			return err
		}
		fmt.Printf("ROI surface saved to: %s (%d triangles)\n", *mesh, n)
	}
	return nil
}

// waitForMask blocks until the mask of ROI id is published.
func waitForMask(events <-chan engine.Event, id string, timeout time.Duration) (engine.ROICommitted, error) {
	deadline := time.After(timeout)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return engine.ROICommitted{}, engine.ErrClosed
			}
			switch ev := ev.(type) {
			case engine.ROICommitted:
				if ev.ROI.ID == id {
					return ev, nil
				}
			case engine.ErrorEvent:
				if ev.Op == "propagate roi" {
					return engine.ROICommitted{}, ev.Err
				}
			}
		case <-deadline:
			return engine.ROICommitted{}, errors.New("timed out waiting for ROI propagation")
		}
	}
}

func runOverlay(args []string) error {
	fs := flag.NewFlagSet("overlay", flag.ExitOnError)
	configPath := fs.String("config", "mprengine.yaml", "Configuration file")
	input := fs.String("input", "", "Volume the mask belongs to")
	maskPath := fs.String("mask", "", "Segmentation mask (NIfTI or image stack)")
	fs.Parse(args)
	if *input == "" || *maskPath == "" {
		fs.Usage()
		os.Exit(1)
	}

	ctx := context.Background()
	a, err := newApp(ctx, *configPath)
	if err != nil {
		return err
	}
	defer a.close()

	banner("SEGMENTATION OVERLAY")
	eng, err := a.openEngine(ctx, *input)
	if err != nil {
		return err
	}
	defer eng.Close()

	fmt.Printf("Loading mask from %s...\n", *maskPath)
	if err := <-eng.LoadMask(ctx, *maskPath); err != nil {
		if errors.Is(err, segmentation.ErrEmptyMask) {
			fmt.Println("The mask does not overlap the volume")
		}
		return err
	}

	stats, err := eng.MaskStats()
	if err != nil {
		return err
	}
	fmt.Printf("\n%d labels:\n", len(stats))
	for _, s := range stats {
		fmt.Printf("- label %d: %d voxels, %.1f mm³, centroid (%.1f, %.1f, %.1f) mm\n",
			s.Label, s.Voxels, s.VolumeMM3, s.Centroid.X, s.Centroid.Y, s.Centroid.Z)
	}
	return nil
}

func runConfig(args []string) error {
	fs := flag.NewFlagSet("config", flag.ExitOnError)
	output := fs.String("output", "mprengine.yaml", "Path of the configuration file to write")
	force := fs.Bool("force", false, "Overwrite an existing file")
	fs.Parse(args)

	if _, err := os.Stat(*output); err == nil && !*force {
		return fmt.Errorf("%s already exists (use -force to overwrite)", *output)
	}
	if err := config.CreateDefaultConfigFile(*output); err != nil {
		return err
	}
	fmt.Printf("Default configuration written to: %s\n", *output)
	return nil
}
