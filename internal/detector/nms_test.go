package detector

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func box(x, y, w, h, conf float64) Detection {
	return Detection{ClassName: "person", Confidence: conf, X: x, Y: y, Width: w, Height: h}
}

func TestIoU(t *testing.T) {
	t.Parallel()

	t.Run("identical boxes", func(t *testing.T) {
		a := box(0.5, 0.5, 0.2, 0.2, 0.9)
		assert.InDelta(t, 1.0, IoU(a, a), 1e-9)
	})

	t.Run("disjoint boxes", func(t *testing.T) {
		a := box(0.2, 0.2, 0.1, 0.1, 0.9)
		b := box(0.8, 0.8, 0.1, 0.1, 0.9)
		assert.Zero(t, IoU(a, b))
	})

	t.Run("touching boxes", func(t *testing.T) {
		a := box(0.25, 0.5, 0.5, 0.5, 0.9)
		b := box(0.75, 0.5, 0.5, 0.5, 0.9)
		assert.Zero(t, IoU(a, b), "shared edge has zero area")
	})

	t.Run("contained box with half the area", func(t *testing.T) {
		outer := box(0.5, 0.5, 0.4, 0.4, 0.9)
		inner := box(0.5, 0.5, 0.4, 0.2, 0.8)
		assert.InDelta(t, 0.5, IoU(outer, inner), 1e-9)
	})

	t.Run("symmetric", func(t *testing.T) {
		a := box(0.4, 0.4, 0.3, 0.3, 0.9)
		b := box(0.5, 0.5, 0.3, 0.3, 0.8)
		assert.InDelta(t, IoU(a, b), IoU(b, a), 1e-12)
	})
}

func TestSuppress(t *testing.T) {
	t.Parallel()

	t.Run("collapses near duplicates keeping the most confident", func(t *testing.T) {
		input := []Detection{
			box(0.50, 0.50, 0.20, 0.20, 0.60),
			box(0.51, 0.50, 0.20, 0.20, 0.90),
			box(0.50, 0.51, 0.20, 0.20, 0.70),
		}
		kept := Suppress(input, 0.45)
		require.Len(t, kept, 1)
		assert.InDelta(t, 0.90, kept[0].Confidence, 1e-9)
	})

	t.Run("keeps disjoint detections", func(t *testing.T) {
		input := []Detection{
			box(0.2, 0.2, 0.1, 0.1, 0.9),
			box(0.8, 0.8, 0.1, 0.1, 0.4),
		}
		kept := Suppress(input, 0.45)
		assert.Len(t, kept, 2)
	})

	t.Run("class agnostic", func(t *testing.T) {
		a := box(0.5, 0.5, 0.2, 0.2, 0.9)
		b := box(0.5, 0.5, 0.2, 0.2, 0.8)
		b.ClassName = "dog"
		kept := Suppress([]Detection{a, b}, 0.45)
		require.Len(t, kept, 1)
		assert.Equal(t, "person", kept[0].ClassName)
	})

	t.Run("output is a subset of the input", func(t *testing.T) {
		input := []Detection{
			box(0.50, 0.50, 0.20, 0.20, 0.60),
			box(0.52, 0.50, 0.20, 0.20, 0.90),
			box(0.80, 0.80, 0.10, 0.10, 0.30),
		}
		kept := Suppress(input, 0.45)
		for _, k := range kept {
			assert.Contains(t, input, k)
		}
	})

	t.Run("no kept pair exceeds the threshold", func(t *testing.T) {
		input := []Detection{
			box(0.50, 0.50, 0.20, 0.20, 0.60),
			box(0.52, 0.50, 0.20, 0.20, 0.90),
			box(0.55, 0.55, 0.20, 0.20, 0.70),
			box(0.80, 0.80, 0.10, 0.10, 0.30),
		}
		kept := Suppress(input, 0.45)
		for i := range kept {
			for j := i + 1; j < len(kept); j++ {
				assert.LessOrEqual(t, IoU(kept[i], kept[j]), 0.45)
			}
		}
	})

	t.Run("idempotent", func(t *testing.T) {
		input := []Detection{
			box(0.50, 0.50, 0.20, 0.20, 0.60),
			box(0.52, 0.50, 0.20, 0.20, 0.90),
			box(0.80, 0.80, 0.10, 0.10, 0.30),
		}
		once := Suppress(input, 0.45)
		twice := Suppress(once, 0.45)
		assert.Equal(t, once, twice)
	})

	t.Run("does not modify the input", func(t *testing.T) {
		input := []Detection{
			box(0.50, 0.50, 0.20, 0.20, 0.60),
			box(0.52, 0.50, 0.20, 0.20, 0.90),
		}
		Suppress(input, 0.45)
		assert.InDelta(t, 0.60, input[0].Confidence, 1e-9)
	})

	t.Run("passes through empty and single inputs", func(t *testing.T) {
		assert.Empty(t, Suppress(nil, 0.45))
		single := []Detection{box(0.5, 0.5, 0.2, 0.2, 0.9)}
		assert.Equal(t, single, Suppress(single, 0.45))
	})
}
