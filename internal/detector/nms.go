// nms.go: overlap suppression for detections from a single inference pass
package detector

import "sort"

// Suppress collapses duplicate detections of the same physical object.
// Detections are visited in descending confidence order; a detection is kept
// only if its IoU against every already-kept detection is at or below the
// threshold. Suppression is class-agnostic. The input slice is not modified.
func Suppress(detections []Detection, iouThreshold float64) []Detection {
	if len(detections) <= 1 {
		return detections
	}

	sorted := make([]Detection, len(detections))
	copy(sorted, detections)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Confidence > sorted[j].Confidence
	})

	kept := make([]Detection, 0, len(sorted))
	for _, candidate := range sorted {
		overlaps := false
		for i := range kept {
			if IoU(candidate, kept[i]) > iouThreshold {
				overlaps = true
				break
			}
		}
		if !overlaps {
			kept = append(kept, candidate)
		}
	}
	return kept
}

// IoU computes intersection-over-union of two normalized center-form boxes.
func IoU(a, b Detection) float64 {
	ax1, ay1, ax2, ay2 := cornerForm(a)
	bx1, by1, bx2, by2 := cornerForm(b)

	ix1 := max(ax1, bx1)
	iy1 := max(ay1, by1)
	ix2 := min(ax2, bx2)
	iy2 := min(ay2, by2)

	iw := ix2 - ix1
	ih := iy2 - iy1
	if iw <= 0 || ih <= 0 {
		return 0
	}

	intersection := iw * ih
	areaA := (ax2 - ax1) * (ay2 - ay1)
	areaB := (bx2 - bx1) * (by2 - by1)
	union := areaA + areaB - intersection
	if union <= 0 {
		return 0
	}
	return intersection / union
}

func cornerForm(d Detection) (x1, y1, x2, y2 float64) {
	return d.X - d.Width/2, d.Y - d.Height/2, d.X + d.Width/2, d.Y + d.Height/2
}
