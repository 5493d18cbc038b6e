package detector

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quietobserver/quietobserver-go/internal/conf"
	"github.com/quietobserver/quietobserver-go/internal/datastore"
	"github.com/quietobserver/quietobserver-go/internal/errors"
)

type stubBackend struct {
	boxes  []RawBox
	width  int
	height int
	err    error
	delay  time.Duration

	closed atomic.Bool
}

func (b *stubBackend) Predict(imagePath string) ([]RawBox, int, int, error) {
	if b.delay > 0 {
		time.Sleep(b.delay)
	}
	return b.boxes, b.width, b.height, b.err
}

func (b *stubBackend) Close() error {
	b.closed.Store(true)
	return nil
}

func testDetectorSettings() conf.DetectorSettings {
	return conf.DetectorSettings{ConfidenceFloor: 0.1, SuppressionThreshold: 0.45, InputSize: 640}
}

func TestDetectNormalizesPixelBoxes(t *testing.T) {
	t.Parallel()

	backend := &stubBackend{
		boxes: []RawBox{
			{ClassName: "person", Confidence: 0.8, X1: 160, Y1: 120, X2: 480, Y2: 360},
		},
		width:  640,
		height: 480,
	}
	d := NewWithLoader(testDetectorSettings(),
		func(mv *datastore.ModelVersion, s conf.DetectorSettings) (Backend, error) {
			return backend, nil
		})
	require.NoError(t, d.EnsureLoaded(&datastore.ModelVersion{ID: 1}))

	detections, err := d.Detect(context.Background(), "frame.jpg")
	require.NoError(t, err)
	require.Len(t, detections, 1)

	got := detections[0]
	assert.Equal(t, "person", got.ClassName)
	assert.InDelta(t, 0.5, got.X, 1e-9)
	assert.InDelta(t, 0.5, got.Y, 1e-9)
	assert.InDelta(t, 0.5, got.Width, 1e-9)
	assert.InDelta(t, 0.5, got.Height, 1e-9)
}

func TestDetectAppliesConfidenceFloor(t *testing.T) {
	t.Parallel()

	backend := &stubBackend{
		boxes: []RawBox{
			{ClassName: "person", Confidence: 0.05, X1: 0, Y1: 0, X2: 100, Y2: 100},
			{ClassName: "person", Confidence: 0.50, X1: 0, Y1: 0, X2: 100, Y2: 100},
		},
		width:  640,
		height: 480,
	}
	d := NewWithLoader(testDetectorSettings(),
		func(mv *datastore.ModelVersion, s conf.DetectorSettings) (Backend, error) {
			return backend, nil
		})
	require.NoError(t, d.EnsureLoaded(&datastore.ModelVersion{ID: 1}))

	detections, err := d.Detect(context.Background(), "frame.jpg")
	require.NoError(t, err)
	require.Len(t, detections, 1)
	assert.InDelta(t, 0.50, detections[0].Confidence, 1e-9)
}

func TestDetectWithoutModelErrors(t *testing.T) {
	t.Parallel()

	d := New(testDetectorSettings())
	_, err := d.Detect(context.Background(), "frame.jpg")
	require.Error(t, err)
	assert.True(t, errors.HasCategory(err, errors.CategoryInference))
}

func TestDetectSoftFailsOnBackendError(t *testing.T) {
	t.Parallel()

	backend := &stubBackend{err: errors.NewStd("corrupt frame")}
	d := NewWithLoader(testDetectorSettings(),
		func(mv *datastore.ModelVersion, s conf.DetectorSettings) (Backend, error) {
			return backend, nil
		})
	require.NoError(t, d.EnsureLoaded(&datastore.ModelVersion{ID: 1}))

	detections, err := d.Detect(context.Background(), "frame.jpg")
	require.NoError(t, err, "a bad frame must not kill the caller's loop")
	assert.Empty(t, detections)
}

func TestDetectHonorsCancellation(t *testing.T) {
	t.Parallel()

	backend := &stubBackend{delay: 200 * time.Millisecond, width: 640, height: 480}
	d := NewWithLoader(testDetectorSettings(),
		func(mv *datastore.ModelVersion, s conf.DetectorSettings) (Backend, error) {
			return backend, nil
		})
	require.NoError(t, d.EnsureLoaded(&datastore.ModelVersion{ID: 1}))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := d.Detect(ctx, "frame.jpg")
	assert.ErrorIs(t, err, context.Canceled)
	// Let the abandoned inference goroutine drain before goleak checks run
	// elsewhere.
	time.Sleep(250 * time.Millisecond)
}

func TestEnsureLoadedCachesByVersion(t *testing.T) {
	t.Parallel()

	var loads atomic.Int32
	backends := make(map[uint]*stubBackend)
	d := NewWithLoader(testDetectorSettings(),
		func(mv *datastore.ModelVersion, s conf.DetectorSettings) (Backend, error) {
			loads.Add(1)
			b := &stubBackend{width: 640, height: 480}
			backends[mv.ID] = b
			return b, nil
		})

	v1 := &datastore.ModelVersion{ID: 1, WeightsPath: "models/v1.tflite"}
	v2 := &datastore.ModelVersion{ID: 2, WeightsPath: "models/v2.tflite"}

	require.NoError(t, d.EnsureLoaded(v1))
	require.NoError(t, d.EnsureLoaded(v1))
	assert.Equal(t, int32(1), loads.Load(), "same version must not reload")

	id, loaded := d.LoadedVersion()
	assert.True(t, loaded)
	assert.Equal(t, uint(1), id)

	require.NoError(t, d.EnsureLoaded(v2))
	assert.Equal(t, int32(2), loads.Load())
	assert.True(t, backends[1].closed.Load(), "switching versions must release the old backend")

	id, loaded = d.LoadedVersion()
	assert.True(t, loaded)
	assert.Equal(t, uint(2), id)
}

func TestEnsureLoadedWrapsLoaderFailure(t *testing.T) {
	t.Parallel()

	d := NewWithLoader(testDetectorSettings(),
		func(mv *datastore.ModelVersion, s conf.DetectorSettings) (Backend, error) {
			return nil, ErrModelNotFound
		})

	err := d.EnsureLoaded(&datastore.ModelVersion{ID: 3, WeightsPath: "models/missing.tflite"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrModelNotFound)
	assert.True(t, errors.HasCategory(err, errors.CategoryModelLoad))

	_, loaded := d.LoadedVersion()
	assert.False(t, loaded, "a failed load must leave the detector unloaded")
}

func TestUnloadReleasesBackend(t *testing.T) {
	t.Parallel()

	backend := &stubBackend{width: 640, height: 480}
	d := NewWithLoader(testDetectorSettings(),
		func(mv *datastore.ModelVersion, s conf.DetectorSettings) (Backend, error) {
			return backend, nil
		})
	require.NoError(t, d.EnsureLoaded(&datastore.ModelVersion{ID: 1}))

	d.Unload()

	assert.True(t, backend.closed.Load())
	_, loaded := d.LoadedVersion()
	assert.False(t, loaded)
	d.Unload() // second unload is a no-op
}
