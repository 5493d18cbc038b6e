// sampling.go: per-tick decision on whether a frame is worth keeping for
// labeling and training
package workers

import (
	"fmt"
	"time"

	"github.com/quietobserver/quietobserver-go/internal/detector"
)

// SamplingConfig carries the per-project thresholds the policy evaluates.
type SamplingConfig struct {
	LowConfidenceThreshold  float64       // bottom of the uncertainty band
	HighConfidenceThreshold float64       // top of the uncertainty band
	AutoSampleInterval      time.Duration // periodic sample guarantee
}

// SamplingDecision is the outcome of one policy evaluation.
type SamplingDecision struct {
	Sample bool
	Reason string
}

// EvaluateSamplingPolicy decides whether the current frame should be durably
// stored. First match wins:
//
//  1. Any detection whose confidence falls inside the closed uncertainty
//     band [low, high] samples immediately: that band is worth human
//     adjudication. Detections below the band are noise and never trigger
//     sampling by themselves; detections above it are redundant.
//  2. Otherwise, when the time since the last persisted sample reaches the
//     auto-sample interval, sample periodically so the dataset keeps growing
//     even when the model is always confident or always silent.
//  3. Otherwise, discard after the live preview update.
func EvaluateSamplingPolicy(detections []detector.Detection, sinceLastSample time.Duration, cfg SamplingConfig) SamplingDecision {
	for i := range detections {
		conf := detections[i].Confidence
		if conf >= cfg.LowConfidenceThreshold && conf <= cfg.HighConfidenceThreshold {
			return SamplingDecision{
				Sample: true,
				Reason: fmt.Sprintf("uncertain_confidence:%.2f", conf),
			}
		}
	}

	if cfg.AutoSampleInterval > 0 && sinceLastSample >= cfg.AutoSampleInterval {
		return SamplingDecision{Sample: true, Reason: "auto_sample_interval"}
	}

	return SamplingDecision{}
}
