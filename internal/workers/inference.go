// inference.go: the adaptive-sampling inference worker
package workers

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/quietobserver/quietobserver-go/internal/datastore"
	"github.com/quietobserver/quietobserver-go/internal/detector"
	"github.com/quietobserver/quietobserver-go/internal/errors"
	"github.com/quietobserver/quietobserver-go/internal/framesource"
	"github.com/quietobserver/quietobserver-go/internal/logging"
)

// inferenceState is the per-loop mutable state carried across ticks.
type inferenceState struct {
	det             *detector.Detector
	session         *datastore.InferenceSession
	tickID          uint64
	framesProcessed int
	lastLivePath    string    // previous tick's ephemeral frame, deleted on the next grab
	lastSampleAt    time.Time // last persisted sample in this run
	loopStartedAt   time.Time
}

// runInferenceLoop runs detection ticks for the project until cancelled.
// Session bookkeeping is crash-safe: any session left open by a previous
// process lifetime is force-closed before a new one opens, and the cleanup
// path runs on every exit, cancelled or not.
func (m *Manager) runInferenceLoop(ctx context.Context, projectID uint) {
	log := logging.ForService("inference-worker").With("project_id", projectID)
	log.Info("inference loop starting")

	now := time.Now().UTC()
	if closed, err := m.store.CloseOrphanedSessions(projectID, now); err != nil {
		log.Error("failed to close orphaned sessions", "error", err)
		return
	} else if closed > 0 {
		log.Warn("closed sessions left open by a previous run", "count", closed)
	}

	session, err := m.store.OpenSession(projectID, now)
	if err != nil {
		log.Error("failed to open inference session", "error", err)
		return
	}

	st := &inferenceState{
		det:           m.newDetector(),
		session:       session,
		loopStartedAt: now,
	}

	defer func() {
		if st.lastLivePath != "" {
			if err := os.Remove(st.lastLivePath); err != nil && !os.IsNotExist(err) {
				log.Warn("failed to remove live frame on exit", "path", st.lastLivePath, "error", err)
			}
		}
		m.SetLiveSnapshot(projectID, nil)
		st.det.Unload()
		if err := m.store.CloseSession(session.ID, time.Now().UTC()); err != nil {
			log.Error("failed to close inference session", "error", err)
		}
		log.Info("inference session closed", "session_id", session.ID,
			"frames_processed", st.framesProcessed)
	}()

	for {
		interval, err := m.inferenceTick(ctx, projectID, st, log)
		if ctx.Err() != nil {
			log.Info("inference loop cancelled")
			return
		}
		switch {
		case errors.Is(err, errProjectGone):
			log.Error("project not found, stopping inference")
			return
		case err != nil:
			m.tickErr(kindInference)
			log.Error("inference tick failed", "error", err)
		}
		m.tickDone(kindInference)

		if !sleep(ctx, interval) {
			log.Info("inference loop cancelled during sleep")
			return
		}
	}
}

// inferenceTick performs one iteration of the core state machine:
// await-deployment, ensure-model-loaded, await-stream, capture-live-frame,
// detect, post-process, update-live-snapshot, sampling-decision,
// persist-or-discard. Returns the interval to sleep before the next tick.
func (m *Manager) inferenceTick(ctx context.Context, projectID uint, st *inferenceState, log *slog.Logger) (time.Duration, error) {
	interval := m.settings.Workers.InferenceInterval

	project, err := m.store.GetProject(projectID)
	if err != nil {
		if errors.HasCategory(err, errors.CategoryNotFound) {
			return interval, errProjectGone
		}
		return interval, err
	}
	interval = m.inferenceInterval(project)

	// The active model can change mid-session; poll the deployment every
	// tick. Without one, inference idles without error.
	deployment, err := m.store.GetActiveDeployment(projectID)
	if err != nil {
		return interval, err
	}
	if deployment == nil {
		log.Debug("no active deployment, idling")
		return interval, nil
	}

	modelVersion, err := m.store.GetModelVersion(deployment.ModelVersionID)
	if err != nil {
		return interval, err
	}

	if err := m.ensureModelLoaded(st, modelVersion, log); err != nil {
		// Model artifact missing or unloadable: the detector stays
		// unloaded and ticks no-op until the deployment changes.
		log.Error("model load failed, idling until deployment changes", "error", err)
		return interval, nil
	}

	streamURL, err := m.source.ResolveStream(ctx, project.SourceURI)
	if err != nil {
		if m.metrics != nil {
			m.metrics.Workers.ResolveFailures.WithLabelValues(kindInference).Inc()
		}
		log.Warn("could not resolve stream, retrying next tick", "error", err)
		return interval, nil
	}

	capturedAt := time.Now().UTC()
	livePath := filepath.Join(m.settings.Media.LiveDir,
		fmt.Sprintf("project-%d-%s.jpg", projectID, uuid.NewString()))

	if err := m.source.GrabFrame(ctx, streamURL, livePath); err != nil {
		if m.metrics != nil {
			m.metrics.Workers.GrabFailures.WithLabelValues(kindInference).Inc()
		}
		// Live stream URLs expire; a failed grab invalidates the cached
		// resolution so the next tick resolves afresh.
		m.source.Invalidate(project.SourceURI)
		log.Warn("frame grab failed, invalidated stream handle", "error", err)
		return interval, nil
	}

	// The new tick's frame is on disk; the previous ephemeral frame is no
	// longer needed. Disk usage stays bounded at one live frame per project.
	if st.lastLivePath != "" {
		if err := os.Remove(st.lastLivePath); err != nil && !os.IsNotExist(err) {
			log.Warn("failed to remove previous live frame", "path", st.lastLivePath, "error", err)
		}
	}
	st.lastLivePath = livePath

	width, height := framesource.ProbeDimensions(livePath)

	detectStart := time.Now()
	detections, err := st.det.Detect(ctx, livePath)
	if err != nil {
		return interval, err
	}
	detections = detector.Suppress(detections, m.settings.Detector.SuppressionThreshold)
	if m.metrics != nil {
		m.metrics.Workers.InferenceDuration.Observe(time.Since(detectStart).Seconds())
	}

	// The preview must reflect every tick, persisted or not.
	st.tickID++
	m.SetLiveSnapshot(projectID, &LiveSnapshot{
		TickID:     st.tickID,
		CapturedAt: capturedAt,
		Width:      width,
		Height:     height,
		FramePath:  livePath,
		Detections: detections,
	})

	st.framesProcessed++
	if err := m.store.SetSessionFramesProcessed(st.session.ID, st.framesProcessed); err != nil {
		return interval, err
	}

	decision := EvaluateSamplingPolicy(detections, m.sinceLastSample(st, project, capturedAt), m.samplingConfig(project))
	if !decision.Sample {
		log.Debug("frame discarded after preview", "tick_id", st.tickID,
			"detections", len(detections))
		return interval, nil
	}

	if ctx.Err() != nil {
		return interval, ctx.Err()
	}
	if err := m.persistSample(projectID, st, modelVersion.ID, livePath, capturedAt, width, height, detections, decision.Reason); err != nil {
		return interval, err
	}
	st.lastSampleAt = capturedAt
	log.Info("frame sampled for labeling", "tick_id", st.tickID,
		"reason", decision.Reason, "detections", len(detections))
	return interval, nil
}

// ensureModelLoaded reloads the detector when the deployed model version
// changed and keeps the session's model version in lockstep.
func (m *Manager) ensureModelLoaded(st *inferenceState, modelVersion *datastore.ModelVersion, log *slog.Logger) error {
	previous, wasLoaded := st.det.LoadedVersion()
	if wasLoaded && previous == modelVersion.ID {
		return nil
	}

	if err := st.det.EnsureLoaded(modelVersion); err != nil {
		if m.metrics != nil {
			m.metrics.Workers.ModelLoadErrors.Inc()
		}
		return err
	}
	if m.metrics != nil {
		m.metrics.Workers.ModelLoadTotal.Inc()
	}

	if err := m.store.SetSessionModelVersion(st.session.ID, modelVersion.ID); err != nil {
		log.Warn("failed to record session model version", "error", err)
	}
	return nil
}

// sinceLastSample computes the elapsed time the sampling policy sees. Before
// the first sample of this run it falls back to the project's persisted
// bookkeeping, then to the loop start.
func (m *Manager) sinceLastSample(st *inferenceState, project *datastore.Project, now time.Time) time.Duration {
	switch {
	case !st.lastSampleAt.IsZero():
		return now.Sub(st.lastSampleAt)
	case project.LastInferenceAt != nil:
		return now.Sub(*project.LastInferenceAt)
	default:
		return now.Sub(st.loopStartedAt)
	}
}

// persistSample copies the ephemeral live frame into durable storage and
// writes the Frame plus its Detections in one transaction, then advances the
// project's last-inferred-frame pointer.
func (m *Manager) persistSample(projectID uint, st *inferenceState, modelVersionID uint, livePath string, capturedAt time.Time, width, height *int, detections []detector.Detection, reason string) error {
	relPath := frameRelPath(projectID, capturedAt, datastore.FrameSourceInference)
	absPath := filepath.Join(m.settings.Media.DataDir, relPath)
	if err := copyFile(livePath, absPath); err != nil {
		return errors.New(fmt.Errorf("copying sampled frame: %w", err)).
			Component("workers").
			Category(errors.CategoryFileIO).
			Context("live_path", livePath).
			Context("dest_path", absPath).
			Build()
	}

	frame := &datastore.Frame{
		ProjectID:    projectID,
		CapturedAt:   capturedAt,
		FilePath:     relPath,
		Width:        width,
		Height:       height,
		Source:       datastore.FrameSourceInference,
		LabelStatus:  datastore.LabelStatusUnlabeled,
		SampleReason: reason,
	}
	rows := make([]datastore.Detection, 0, len(detections))
	for i := range detections {
		d := &detections[i]
		rows = append(rows, datastore.Detection{
			ModelVersionID: modelVersionID,
			ClassName:      d.ClassName,
			Confidence:     d.Confidence,
			X:              d.X,
			Y:              d.Y,
			Width:          d.Width,
			Height:         d.Height,
			DetectedAt:     capturedAt,
		})
	}
	if err := m.store.SaveFrame(frame, rows); err != nil {
		return err
	}
	if err := m.store.SetLastInference(projectID, capturedAt, frame.ID); err != nil {
		return err
	}

	if m.metrics != nil {
		m.metrics.Workers.FramesPersisted.WithLabelValues(datastore.FrameSourceInference).Inc()
		for i := range rows {
			m.metrics.Workers.DetectionsPersisted.WithLabelValues(rows[i].ClassName).Inc()
		}
	}
	return nil
}

// copyFile copies src to dst, creating parent directories.
func copyFile(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
