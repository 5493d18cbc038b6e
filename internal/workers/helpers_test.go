package workers

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/quietobserver/quietobserver-go/internal/conf"
	"github.com/quietobserver/quietobserver-go/internal/datastore"
	"github.com/quietobserver/quietobserver-go/internal/detector"
	"github.com/quietobserver/quietobserver-go/internal/errors"
)

// fakeStore is an in-memory datastore.Interface for worker tests.
type fakeStore struct {
	mu sync.Mutex

	projects      map[uint]*datastore.Project
	frames        []*datastore.Frame
	detections    map[uint][]datastore.Detection
	deployments   []*datastore.Deployment
	modelVersions map[uint]*datastore.ModelVersion
	sessions      map[uint]*datastore.InferenceSession

	nextID           uint
	openSessionCalls int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		projects:      make(map[uint]*datastore.Project),
		detections:    make(map[uint][]datastore.Detection),
		modelVersions: make(map[uint]*datastore.ModelVersion),
		sessions:      make(map[uint]*datastore.InferenceSession),
	}
}

func notFound(entity string) error {
	return errors.Newf("%s not found", entity).
		Component("datastore").
		Category(errors.CategoryNotFound).
		Build()
}

func (s *fakeStore) Open() error  { return nil }
func (s *fakeStore) Close() error { return nil }

func (s *fakeStore) GetProject(id uint) (*datastore.Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.projects[id]
	if !ok {
		return nil, notFound("project")
	}
	clone := *p
	return &clone, nil
}

func (s *fakeStore) GetActiveProjects() ([]datastore.Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []datastore.Project
	for _, p := range s.projects {
		if p.SamplingActive || p.InferenceActive {
			out = append(out, *p)
		}
	}
	return out, nil
}

func (s *fakeStore) SetLastSample(projectID uint, t time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.projects[projectID]; ok {
		p.LastSampleAt = &t
	}
	return nil
}

func (s *fakeStore) SetLastInference(projectID uint, t time.Time, frameID uint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.projects[projectID]; ok {
		p.LastInferenceAt = &t
		p.LastInferredFrameID = &frameID
	}
	return nil
}

func (s *fakeStore) SaveFrame(frame *datastore.Frame, detections []datastore.Detection) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	frame.ID = s.nextID
	s.frames = append(s.frames, frame)
	for i := range detections {
		detections[i].FrameID = frame.ID
	}
	s.detections[frame.ID] = detections
	return nil
}

func (s *fakeStore) GetFrame(id uint) (*datastore.Frame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, f := range s.frames {
		if f.ID == id {
			clone := *f
			return &clone, nil
		}
	}
	return nil, notFound("frame")
}

func (s *fakeStore) GetFrameDetections(frameID uint) ([]datastore.Detection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]datastore.Detection(nil), s.detections[frameID]...), nil
}

func (s *fakeStore) GetActiveDeployment(projectID uint) (*datastore.Deployment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range s.deployments {
		if d.ProjectID == projectID && d.IsActive {
			clone := *d
			return &clone, nil
		}
	}
	return nil, nil
}

func (s *fakeStore) GetModelVersion(id uint) (*datastore.ModelVersion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	mv, ok := s.modelVersions[id]
	if !ok {
		return nil, notFound("model version")
	}
	clone := *mv
	return &clone, nil
}

func (s *fakeStore) CloseOrphanedSessions(projectID uint, stoppedAt time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var closed int64
	for _, sess := range s.sessions {
		if sess.ProjectID == projectID && sess.StoppedAt == nil {
			t := stoppedAt
			sess.StoppedAt = &t
			closed++
		}
	}
	return closed, nil
}

func (s *fakeStore) OpenSession(projectID uint, startedAt time.Time) (*datastore.InferenceSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	s.openSessionCalls++
	sess := &datastore.InferenceSession{
		ID:        s.nextID,
		ProjectID: projectID,
		StartedAt: startedAt,
	}
	s.sessions[sess.ID] = sess
	clone := *sess
	return &clone, nil
}

func (s *fakeStore) CloseSession(sessionID uint, stoppedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[sessionID]; ok && sess.StoppedAt == nil {
		t := stoppedAt
		sess.StoppedAt = &t
	}
	return nil
}

func (s *fakeStore) SetSessionModelVersion(sessionID, modelVersionID uint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[sessionID]; ok {
		mv := modelVersionID
		sess.ModelVersionID = &mv
	}
	return nil
}

func (s *fakeStore) SetSessionFramesProcessed(sessionID uint, framesProcessed int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[sessionID]; ok {
		sess.FramesProcessed = framesProcessed
	}
	return nil
}

func (s *fakeStore) GetOpenSession(projectID uint) (*datastore.InferenceSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sess := range s.sessions {
		if sess.ProjectID == projectID && sess.StoppedAt == nil {
			clone := *sess
			return &clone, nil
		}
	}
	return nil, nil
}

func (s *fakeStore) GetSession(id uint) (*datastore.InferenceSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, notFound("session")
	}
	clone := *sess
	return &clone, nil
}

func (s *fakeStore) frameCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.frames)
}

func (s *fakeStore) lastFrame() *datastore.Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.frames) == 0 {
		return nil
	}
	clone := *s.frames[len(s.frames)-1]
	return &clone
}

// fakeSource is a framesource.Source that writes synthetic frame files.
type fakeSource struct {
	mu          sync.Mutex
	failResolve bool
	failGrab    bool

	resolveCalls    int
	grabCalls       int
	invalidateCalls int
}

func (s *fakeSource) ResolveStream(ctx context.Context, sourceURI string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resolveCalls++
	if s.failResolve {
		return "", errors.Newf("resolve failed").Category(errors.CategoryStreamResolve).Build()
	}
	return "stream://" + sourceURI, nil
}

func (s *fakeSource) GrabFrame(ctx context.Context, streamURL, destPath string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.grabCalls++
	if s.failGrab {
		return errors.Newf("grab failed").Category(errors.CategoryFrameGrab).Build()
	}
	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return err
	}
	return os.WriteFile(destPath, []byte("frame"), 0o644)
}

func (s *fakeSource) Invalidate(sourceURI string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.invalidateCalls++
}

func (s *fakeSource) invalidations() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.invalidateCalls
}

// fakeBackend yields a fixed set of raw boxes for any image.
type fakeBackend struct {
	boxes  []detector.RawBox
	width  int
	height int
}

func (b *fakeBackend) Predict(imagePath string) ([]detector.RawBox, int, int, error) {
	return b.boxes, b.width, b.height, nil
}

func (b *fakeBackend) Close() error { return nil }

// newTestManager wires a manager with fakes and temp directories.
func newTestManager(t *testing.T, store datastore.Interface, source *fakeSource, boxes []detector.RawBox) *Manager {
	t.Helper()

	settings := &conf.Settings{}
	settings.Media.DataDir = t.TempDir()
	settings.Media.LiveDir = t.TempDir()
	settings.Detector = conf.DetectorSettings{
		ConfidenceFloor:      0.1,
		SuppressionThreshold: 0.45,
		InputSize:            640,
	}
	settings.Workers = conf.WorkerSettings{
		SampleInterval:          time.Hour,
		InferenceInterval:       time.Hour,
		AutoSampleInterval:      10 * time.Minute,
		LowConfidenceThreshold:  0.3,
		HighConfidenceThreshold: 0.7,
	}

	m := NewManager(settings, store, source, nil)
	m.SetDetectorFactory(func() *detector.Detector {
		return detector.NewWithLoader(settings.Detector,
			func(mv *datastore.ModelVersion, ds conf.DetectorSettings) (detector.Backend, error) {
				return &fakeBackend{boxes: boxes, width: 640, height: 480}, nil
			})
	})
	return m
}

// gatedStore blocks the first GetProject call until gate is closed, pinning
// a worker loop mid-tick so tests can exercise stop/start interleavings.
type gatedStore struct {
	*fakeStore
	entered chan struct{}
	gate    chan struct{}
	once    sync.Once
}

func newGatedStore(base *fakeStore) *gatedStore {
	return &gatedStore{
		fakeStore: base,
		entered:   make(chan struct{}),
		gate:      make(chan struct{}),
	}
}

func (s *gatedStore) GetProject(id uint) (*datastore.Project, error) {
	s.once.Do(func() {
		close(s.entered)
		<-s.gate
	})
	return s.fakeStore.GetProject(id)
}

// waitFor polls until cond is true or the deadline passes.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}
