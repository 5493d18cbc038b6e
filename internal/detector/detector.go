// Package detector wraps a cached, versioned detection model and its
// post-processing.
package detector

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/quietobserver/quietobserver-go/internal/conf"
	"github.com/quietobserver/quietobserver-go/internal/datastore"
	"github.com/quietobserver/quietobserver-go/internal/errors"
	"github.com/quietobserver/quietobserver-go/internal/logging"
)

// ErrModelNotFound indicates the weights artifact for a model version does
// not exist on disk.
var ErrModelNotFound = errors.NewStd("model weights artifact not found")

// Detection is one normalized detection: box center x,y plus width/height,
// all in [0,1] relative to the source image resolution.
type Detection struct {
	ClassName  string
	Confidence float64
	X          float64
	Y          float64
	Width      float64
	Height     float64
}

// RawBox is a model-native prediction in source-image pixel coordinates,
// corner form. Produced by a Backend, normalized by the Detector.
type RawBox struct {
	ClassName  string
	Confidence float64
	X1, Y1     float64
	X2, Y2     float64
}

// Backend is an opaque loaded model: given an image path it returns raw
// pixel-space boxes plus the image's own resolution.
type Backend interface {
	Predict(imagePath string) (boxes []RawBox, imgWidth, imgHeight int, err error)
	Close() error
}

// BackendLoader loads a Backend from a model version's weights artifact.
// The default loader builds a TFLite interpreter; tests substitute fakes.
type BackendLoader func(mv *datastore.ModelVersion, settings conf.DetectorSettings) (Backend, error)

// Detector caches at most one loaded model keyed by model version id and
// runs it over captured frames.
type Detector struct {
	settings conf.DetectorSettings
	loader   BackendLoader
	log      *slog.Logger

	mu              sync.Mutex
	backend         Backend
	loadedVersionID uint
}

// New creates a Detector with the default TFLite backend loader.
func New(settings conf.DetectorSettings) *Detector {
	return NewWithLoader(settings, loadTFLiteBackend)
}

// NewWithLoader creates a Detector with a custom backend loader.
func NewWithLoader(settings conf.DetectorSettings, loader BackendLoader) *Detector {
	return &Detector{
		settings: settings,
		loader:   loader,
		log:      logging.ForService("detector"),
	}
}

// EnsureLoaded loads the model for the given version unless it is already
// the cached one. Safe and cheap to call every tick; switching versions
// forces a reload and releases the previous backend.
func (d *Detector) EnsureLoaded(mv *datastore.ModelVersion) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.backend != nil && d.loadedVersionID == mv.ID {
		return nil
	}

	start := time.Now()
	backend, err := d.loader(mv, d.settings)
	if err != nil {
		return errors.New(fmt.Errorf("loading model version %d: %w", mv.ID, err)).
			Component("detector").
			Category(errors.CategoryModelLoad).
			ModelContext(mv.WeightsPath, mv.ID).
			Build()
	}

	if d.backend != nil {
		if closeErr := d.backend.Close(); closeErr != nil {
			d.log.Warn("closing previous model backend", "error", closeErr,
				"model_version_id", d.loadedVersionID)
		}
	}

	d.backend = backend
	d.loadedVersionID = mv.ID
	d.log.Info("model loaded", "model_version_id", mv.ID,
		"weights_path", mv.WeightsPath, "elapsed", time.Since(start))
	return nil
}

// LoadedVersion returns the cached model version id, and false when no
// model is loaded.
func (d *Detector) LoadedVersion() (uint, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.loadedVersionID, d.backend != nil
}

// Unload releases the cached backend, if any.
func (d *Detector) Unload() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.backend != nil {
		if err := d.backend.Close(); err != nil {
			d.log.Warn("closing model backend", "error", err)
		}
		d.backend = nil
		d.loadedVersionID = 0
	}
}

// Detect runs the cached model on the image at imagePath and returns
// normalized detections at or above the configured confidence floor.
//
// Inference is dispatched to its own goroutine so a slow model pass stays
// cancellable: cancellation returns ctx.Err while the pass finishes in the
// background. Internal inference errors are logged and yield an empty
// result rather than an error, so one bad frame never kills the loop.
func (d *Detector) Detect(ctx context.Context, imagePath string) ([]Detection, error) {
	d.mu.Lock()
	backend := d.backend
	d.mu.Unlock()
	if backend == nil {
		return nil, errors.Newf("no model loaded").
			Component("detector").
			Category(errors.CategoryInference).
			Build()
	}

	type result struct {
		boxes  []RawBox
		width  int
		height int
		err    error
	}
	resultCh := make(chan result, 1)
	go func() {
		boxes, w, h, err := backend.Predict(imagePath)
		resultCh <- result{boxes: boxes, width: w, height: h, err: err}
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-resultCh:
		if res.err != nil {
			d.log.Error("inference failed, returning no detections",
				"image_path", imagePath, "error", res.err)
			return []Detection{}, nil
		}
		return d.normalize(res.boxes, res.width, res.height), nil
	}
}

// normalize converts pixel-space corner boxes to center-form coordinates
// normalized by the image's own resolution, discarding detections below the
// confidence floor.
func (d *Detector) normalize(boxes []RawBox, imgWidth, imgHeight int) []Detection {
	detections := make([]Detection, 0, len(boxes))
	if imgWidth <= 0 || imgHeight <= 0 {
		return detections
	}
	w := float64(imgWidth)
	h := float64(imgHeight)
	for _, box := range boxes {
		if box.Confidence < d.settings.ConfidenceFloor {
			continue
		}
		detections = append(detections, Detection{
			ClassName:  box.ClassName,
			Confidence: box.Confidence,
			X:          clamp01((box.X1 + box.X2) / 2 / w),
			Y:          clamp01((box.Y1 + box.Y2) / 2 / h),
			Width:      clamp01((box.X2 - box.X1) / w),
			Height:     clamp01((box.Y2 - box.Y1) / h),
		})
	}
	return detections
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
