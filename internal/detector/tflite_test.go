package detector

import (
	"image"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseClassMap(t *testing.T) {
	t.Parallel()

	labels := parseClassMap(`{"0": "person", "1": "dog"}`)
	assert.Equal(t, "person", labels[0])
	assert.Equal(t, "dog", labels[1])

	assert.Empty(t, parseClassMap(""))
	assert.Empty(t, parseClassMap("not json"))
	assert.Empty(t, parseClassMap(`{"abc": "person"}`))
}

func TestClassNameFallsBackToIndex(t *testing.T) {
	t.Parallel()

	b := &tfliteBackend{labels: map[int]string{0: "person"}}
	assert.Equal(t, "person", b.className(0))
	assert.Equal(t, "3", b.className(3))
}

func TestDecodeOutput(t *testing.T) {
	t.Parallel()

	b := &tfliteBackend{labels: map[int]string{0: "person", 1: "dog"}}

	// [1, 4+2 classes, 2 candidates], attribute-major: each row below holds
	// one attribute for both candidates.
	shape := []int{1, 6, 2}
	data := []float32{
		0.5, 0.25, // cx
		0.5, 0.25, // cy
		0.5, 0.1, // w
		0.5, 0.1, // h
		0.9, 0.001, // class 0 scores; candidate 1 is background
		0.2, 0.002, // class 1 scores
	}

	boxes := b.decodeOutput(data, shape, 640, 480)
	require.Len(t, boxes, 1, "near-zero candidates are dropped")

	got := boxes[0]
	assert.Equal(t, "person", got.ClassName)
	assert.InDelta(t, 0.9, got.Confidence, 1e-6)
	assert.InDelta(t, 160, got.X1, 1e-3) // (0.5 - 0.5/2) * 640
	assert.InDelta(t, 120, got.Y1, 1e-3)
	assert.InDelta(t, 480, got.X2, 1e-3)
	assert.InDelta(t, 360, got.Y2, 1e-3)
}

func TestPredictOnClosedBackendReturnsError(t *testing.T) {
	t.Parallel()

	imgPath := filepath.Join(t.TempDir(), "frame.png")
	f, err := os.Create(imgPath)
	require.NoError(t, err)
	require.NoError(t, png.Encode(f, image.NewRGBA(image.Rect(0, 0, 8, 8))))
	require.NoError(t, f.Close())

	b := &tfliteBackend{inputSize: 8}
	require.NoError(t, b.Close())

	_, _, _, err = b.Predict(imgPath)
	require.Error(t, err, "a predict racing a close must error, not dereference freed state")
}

func TestDecodeOutputRejectsMalformedShapes(t *testing.T) {
	t.Parallel()

	b := &tfliteBackend{}
	assert.Nil(t, b.decodeOutput(nil, []int{6, 2}, 640, 480))
	assert.Nil(t, b.decodeOutput(nil, []int{2, 6, 2}, 640, 480))
	assert.Nil(t, b.decodeOutput(nil, []int{1, 4, 2}, 640, 480))
	assert.Nil(t, b.decodeOutput([]float32{0}, []int{1, 6, 2}, 640, 480))
}
