// Package workers contains the background worker engine: a process-wide
// manager owning per-project capture and inference loops, the adaptive
// sampling policy, and the live-preview snapshot cache.
package workers

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/quietobserver/quietobserver-go/internal/conf"
	"github.com/quietobserver/quietobserver-go/internal/datastore"
	"github.com/quietobserver/quietobserver-go/internal/detector"
	"github.com/quietobserver/quietobserver-go/internal/framesource"
	"github.com/quietobserver/quietobserver-go/internal/logging"
	"github.com/quietobserver/quietobserver-go/internal/observability"
)

// Worker kind labels, used in logs and metrics.
const (
	kindCapture   = "capture"
	kindInference = "inference"
)

// task is one running worker loop. done is closed by the loop goroutine on
// exit, whether it finished on its own or was cancelled.
type task struct {
	cancel context.CancelFunc
	done   chan struct{}
}

func (t *task) finished() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

// Manager is the single process-wide authority over which background loops
// are alive, keyed by project id. Construct one at startup and pass the
// handle to whatever needs to start/stop workers or read live snapshots.
type Manager struct {
	settings *conf.Settings
	store    datastore.Interface
	source   framesource.Source
	metrics  *observability.Metrics
	log      *slog.Logger

	// newDetector builds the per-loop detector; each inference worker owns
	// its own model cache so projects do not thrash each other's weights.
	newDetector func() *detector.Detector

	mu             sync.Mutex
	captureTasks   map[uint]*task
	inferenceTasks map[uint]*task

	snapshotMu sync.RWMutex
	snapshots  map[uint]*LiveSnapshot
}

// NewManager creates a worker manager. metrics may be nil, in which case no
// instruments are updated.
func NewManager(settings *conf.Settings, store datastore.Interface, source framesource.Source, metrics *observability.Metrics) *Manager {
	return &Manager{
		settings:       settings,
		store:          store,
		source:         source,
		metrics:        metrics,
		log:            logging.ForService("workers"),
		newDetector:    func() *detector.Detector { return detector.New(settings.Detector) },
		captureTasks:   make(map[uint]*task),
		inferenceTasks: make(map[uint]*task),
		snapshots:      make(map[uint]*LiveSnapshot),
	}
}

// SetDetectorFactory overrides how per-loop detectors are constructed.
func (m *Manager) SetDetectorFactory(factory func() *detector.Detector) {
	m.newDetector = factory
}

// IsCaptureRunning reports whether a capture loop is registered and alive
// for the project. Never blocks.
func (m *Manager) IsCaptureRunning(projectID uint) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.captureTasks[projectID]
	return ok && !t.finished()
}

// IsInferenceRunning reports whether an inference loop is registered and
// alive for the project. Never blocks.
func (m *Manager) IsInferenceRunning(projectID uint) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.inferenceTasks[projectID]
	return ok && !t.finished()
}

// StartCapture spawns the capture loop for a project. No-op if one is
// already running.
func (m *Manager) StartCapture(projectID uint) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.captureTasks[projectID]; ok && !t.finished() {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	t := &task{cancel: cancel, done: make(chan struct{})}
	m.captureTasks[projectID] = t

	m.gaugeAdd(kindCapture, 1)
	go func() {
		defer close(t.done)
		defer m.gaugeAdd(kindCapture, -1)
		m.runCaptureLoop(ctx, projectID)
	}()
	m.log.Info("started capture worker", "project_id", projectID)
}

// StartInference spawns the inference loop for a project. No-op if one is
// already running.
func (m *Manager) StartInference(projectID uint) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.inferenceTasks[projectID]; ok && !t.finished() {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	t := &task{cancel: cancel, done: make(chan struct{})}
	m.inferenceTasks[projectID] = t

	m.gaugeAdd(kindInference, 1)
	go func() {
		defer close(t.done)
		defer m.gaugeAdd(kindInference, -1)
		m.runInferenceLoop(ctx, projectID)
	}()
	m.log.Info("started inference worker", "project_id", projectID)
}

// StopCapture cancels the project's capture loop and waits for it to
// acknowledge termination. No-op if not running. The task stays registered
// until the loop exits, so a concurrent start sees the draining worker as
// still running and cannot spawn a duplicate loop.
func (m *Manager) StopCapture(projectID uint) {
	m.mu.Lock()
	t, ok := m.captureTasks[projectID]
	m.mu.Unlock()
	if !ok {
		return
	}

	t.cancel()
	<-t.done

	m.mu.Lock()
	// A finished task may have been replaced by a newer start; only remove
	// the one this stop was waiting on.
	if m.captureTasks[projectID] == t {
		delete(m.captureTasks, projectID)
	}
	m.mu.Unlock()
	m.log.Info("stopped capture worker", "project_id", projectID)
}

// StopInference cancels the project's inference loop and waits for it to
// acknowledge termination, which includes closing its session record and
// clearing its live snapshot. No-op if not running. As with StopCapture, the
// task stays registered while draining so start/stop interleavings never run
// two loops for one project.
func (m *Manager) StopInference(projectID uint) {
	m.mu.Lock()
	t, ok := m.inferenceTasks[projectID]
	m.mu.Unlock()
	if !ok {
		return
	}

	t.cancel()
	<-t.done

	m.mu.Lock()
	if m.inferenceTasks[projectID] == t {
		delete(m.inferenceTasks, projectID)
	}
	m.mu.Unlock()
	m.log.Info("stopped inference worker", "project_id", projectID)
}

// StopAll stops every registered worker of both kinds. Used at process
// shutdown.
func (m *Manager) StopAll() {
	m.mu.Lock()
	captureIDs := make([]uint, 0, len(m.captureTasks))
	for id := range m.captureTasks {
		captureIDs = append(captureIDs, id)
	}
	inferenceIDs := make([]uint, 0, len(m.inferenceTasks))
	for id := range m.inferenceTasks {
		inferenceIDs = append(inferenceIDs, id)
	}
	m.mu.Unlock()

	var g errgroup.Group
	for _, id := range captureIDs {
		g.Go(func() error {
			m.StopCapture(id)
			return nil
		})
	}
	for _, id := range inferenceIDs {
		g.Go(func() error {
			m.StopInference(id)
			return nil
		})
	}
	_ = g.Wait()
	m.log.Info("all workers stopped",
		"capture_workers", len(captureIDs), "inference_workers", len(inferenceIDs))
}

func (m *Manager) gaugeAdd(kind string, delta float64) {
	if m.metrics != nil {
		m.metrics.Workers.ActiveWorkers.WithLabelValues(kind).Add(delta)
	}
}

func (m *Manager) tickDone(kind string) {
	if m.metrics != nil {
		m.metrics.Workers.TickTotal.WithLabelValues(kind).Inc()
	}
}

func (m *Manager) tickErr(kind string) {
	if m.metrics != nil {
		m.metrics.Workers.TickErrors.WithLabelValues(kind).Inc()
	}
}

// samplingConfig resolves the per-project sampling parameters, falling back
// to configured defaults when the project record holds zero values.
func (m *Manager) samplingConfig(project *datastore.Project) SamplingConfig {
	cfg := SamplingConfig{
		LowConfidenceThreshold:  project.LowConfidenceThreshold,
		HighConfidenceThreshold: project.HighConfidenceThreshold,
		AutoSampleInterval:      time.Duration(project.AutoSampleIntervalSeconds) * time.Second,
	}
	defaults := m.settings.Workers
	if cfg.HighConfidenceThreshold <= 0 {
		cfg.LowConfidenceThreshold = defaults.LowConfidenceThreshold
		cfg.HighConfidenceThreshold = defaults.HighConfidenceThreshold
	}
	if cfg.AutoSampleInterval <= 0 {
		cfg.AutoSampleInterval = defaults.AutoSampleInterval
	}
	return cfg
}

// sampleInterval resolves the capture tick length for a project.
func (m *Manager) sampleInterval(project *datastore.Project) time.Duration {
	if project.SampleIntervalSeconds > 0 {
		return time.Duration(project.SampleIntervalSeconds) * time.Second
	}
	return m.settings.Workers.SampleInterval
}

// inferenceInterval resolves the inference tick length for a project.
func (m *Manager) inferenceInterval(project *datastore.Project) time.Duration {
	if project.InferenceIntervalSeconds > 0 {
		return time.Duration(project.InferenceIntervalSeconds) * time.Second
	}
	return m.settings.Workers.InferenceInterval
}

// sleep waits for the interval or for cancellation, whichever comes first.
// Returns false when the context was cancelled.
func sleep(ctx context.Context, interval time.Duration) bool {
	timer := time.NewTimer(interval)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
