// capture.go: periodic frame sampling worker, independent of any model
package workers

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/quietobserver/quietobserver-go/internal/datastore"
	"github.com/quietobserver/quietobserver-go/internal/errors"
	"github.com/quietobserver/quietobserver-go/internal/framesource"
	"github.com/quietobserver/quietobserver-go/internal/logging"
)

// errProjectGone stops a worker loop when its project record disappears.
var errProjectGone = errors.NewStd("project not found, stopping worker")

// frameTimestampLayout names persisted frame files by capture time.
const frameTimestampLayout = "20060102_150405"

// frameRelPath builds the store-relative path for a persisted frame. The
// source suffix keeps a capture tick and an inference sample landing in the
// same second from overwriting each other.
func frameRelPath(projectID uint, capturedAt time.Time, source string) string {
	return filepath.Join(
		fmt.Sprintf("projects/%d/frames", projectID),
		fmt.Sprintf("%s_%s.jpg", capturedAt.Format(frameTimestampLayout), source),
	)
}

// runCaptureLoop durably records one frame from the project's source at the
// configured interval until cancelled.
func (m *Manager) runCaptureLoop(ctx context.Context, projectID uint) {
	log := logging.ForService("capture-worker").With("project_id", projectID)
	log.Info("capture loop starting")

	for {
		interval, err := m.captureTick(ctx, projectID)
		if ctx.Err() != nil {
			log.Info("capture loop cancelled")
			return
		}
		switch {
		case errors.Is(err, errProjectGone):
			log.Error("project not found, stopping capture")
			return
		case err != nil:
			m.tickErr(kindCapture)
			log.Error("capture tick failed", "error", err)
		}
		m.tickDone(kindCapture)

		if !sleep(ctx, interval) {
			log.Info("capture loop cancelled during sleep")
			return
		}
	}
}

// captureTick performs one capture iteration and returns the interval to
// sleep before the next one. Transient failures (stream resolution, frame
// grab) are logged and skipped; the next tick retries.
func (m *Manager) captureTick(ctx context.Context, projectID uint) (time.Duration, error) {
	log := logging.ForService("capture-worker").With("project_id", projectID)
	interval := m.settings.Workers.SampleInterval

	project, err := m.store.GetProject(projectID)
	if err != nil {
		if errors.HasCategory(err, errors.CategoryNotFound) {
			return interval, errProjectGone
		}
		return interval, err
	}
	interval = m.sampleInterval(project)

	streamURL, err := m.source.ResolveStream(ctx, project.SourceURI)
	if err != nil {
		if m.metrics != nil {
			m.metrics.Workers.ResolveFailures.WithLabelValues(kindCapture).Inc()
		}
		log.Warn("could not resolve stream, retrying next tick", "error", err)
		return interval, nil
	}

	timestamp := time.Now().UTC()
	relPath := frameRelPath(projectID, timestamp, datastore.FrameSourceSampler)
	absPath := filepath.Join(m.settings.Media.DataDir, relPath)

	if err := m.source.GrabFrame(ctx, streamURL, absPath); err != nil {
		if m.metrics != nil {
			m.metrics.Workers.GrabFailures.WithLabelValues(kindCapture).Inc()
		}
		m.source.Invalidate(project.SourceURI)
		log.Warn("frame grab failed, retrying next tick", "error", err)
		return interval, nil
	}

	// A cancellation that interrupted the grab must not commit a partial
	// write.
	if ctx.Err() != nil {
		return interval, ctx.Err()
	}

	width, height := framesource.ProbeDimensions(absPath)
	frame := &datastore.Frame{
		ProjectID:   projectID,
		CapturedAt:  timestamp,
		FilePath:    relPath,
		Width:       width,
		Height:      height,
		Source:      datastore.FrameSourceSampler,
		LabelStatus: datastore.LabelStatusUnlabeled,
	}
	if err := m.store.SaveFrame(frame, nil); err != nil {
		return interval, err
	}
	if err := m.store.SetLastSample(projectID, timestamp); err != nil {
		return interval, err
	}

	if m.metrics != nil {
		m.metrics.Workers.FramesPersisted.WithLabelValues(datastore.FrameSourceSampler).Inc()
	}
	log.Info("captured frame", "frame_id", frame.ID, "path", relPath)
	return interval, nil
}
