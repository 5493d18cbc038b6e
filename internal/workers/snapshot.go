// snapshot.go: in-memory live-preview cache, last-write-wins per project
package workers

import (
	"time"

	"github.com/quietobserver/quietobserver-go/internal/detector"
)

// LiveSnapshot is the most recent ephemeral inference result for a project,
// consumed by the preview endpoint. It is never persisted; its lifetime is
// bounded by the project's running inference worker.
type LiveSnapshot struct {
	TickID     uint64
	CapturedAt time.Time
	Width      *int
	Height     *int
	FramePath  string // transient file, replaced every tick
	Detections []detector.Detection
}

// Clone returns a defensive copy so readers never observe mutation racing
// with the writing worker.
func (s *LiveSnapshot) Clone() *LiveSnapshot {
	if s == nil {
		return nil
	}
	clone := *s
	if s.Width != nil {
		w := *s.Width
		clone.Width = &w
	}
	if s.Height != nil {
		h := *s.Height
		clone.Height = &h
	}
	clone.Detections = make([]detector.Detection, len(s.Detections))
	copy(clone.Detections, s.Detections)
	return &clone
}

// SetLiveSnapshot stores the latest snapshot for a project; nil clears it.
func (m *Manager) SetLiveSnapshot(projectID uint, snapshot *LiveSnapshot) {
	m.snapshotMu.Lock()
	defer m.snapshotMu.Unlock()
	if snapshot == nil {
		delete(m.snapshots, projectID)
		return
	}
	m.snapshots[projectID] = snapshot
}

// GetLiveSnapshot returns a defensive copy of the latest snapshot for a
// project, or nil when the project has none.
func (m *Manager) GetLiveSnapshot(projectID uint) *LiveSnapshot {
	m.snapshotMu.RLock()
	defer m.snapshotMu.RUnlock()
	return m.snapshots[projectID].Clone()
}
