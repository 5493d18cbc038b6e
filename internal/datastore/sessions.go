// sessions.go: inference session bookkeeping with crash-recovery semantics
package datastore

import (
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/quietobserver/quietobserver-go/internal/errors"
)

// CloseOrphanedSessions force-closes any session for the project left open by
// a previous process lifetime. Returns the number of sessions closed. Called
// at inference-loop start so at most one open session per project can exist.
func (ds *DataStore) CloseOrphanedSessions(projectID uint, stoppedAt time.Time) (int64, error) {
	result := ds.DB.Model(&InferenceSession{}).
		Where("project_id = ? AND stopped_at IS NULL", projectID).
		Update("stopped_at", stoppedAt)
	if result.Error != nil {
		return 0, errors.New(fmt.Errorf("closing orphaned sessions for project %d: %w", projectID, result.Error)).
			Component("datastore").
			Category(errors.CategorySession).
			Context("project_id", projectID).
			Build()
	}
	return result.RowsAffected, nil
}

// OpenSession creates a new inference session row and returns it.
func (ds *DataStore) OpenSession(projectID uint, startedAt time.Time) (*InferenceSession, error) {
	session := &InferenceSession{
		ProjectID: projectID,
		StartedAt: startedAt,
	}
	if err := ds.DB.Create(session).Error; err != nil {
		return nil, errors.New(fmt.Errorf("opening session for project %d: %w", projectID, err)).
			Component("datastore").
			Category(errors.CategorySession).
			Context("project_id", projectID).
			Build()
	}
	return session, nil
}

// CloseSession sets stopped_at on the session row. Closing an already closed
// session is a no-op so the shutdown path can run unconditionally.
func (ds *DataStore) CloseSession(sessionID uint, stoppedAt time.Time) error {
	err := ds.DB.Model(&InferenceSession{}).
		Where("id = ? AND stopped_at IS NULL", sessionID).
		Update("stopped_at", stoppedAt).Error
	if err != nil {
		return errors.New(fmt.Errorf("closing session %d: %w", sessionID, err)).
			Component("datastore").
			Category(errors.CategorySession).
			Context("session_id", sessionID).
			Build()
	}
	return nil
}

// SetSessionModelVersion records which model version the session is running.
// Updated in lockstep with detector reloads when the deployment changes
// mid-session.
func (ds *DataStore) SetSessionModelVersion(sessionID, modelVersionID uint) error {
	err := ds.DB.Model(&InferenceSession{}).Where("id = ?", sessionID).
		Update("model_version_id", modelVersionID).Error
	if err != nil {
		return errors.New(fmt.Errorf("updating model version for session %d: %w", sessionID, err)).
			Component("datastore").
			Category(errors.CategorySession).
			Context("session_id", sessionID).
			Context("model_version_id", modelVersionID).
			Build()
	}
	return nil
}

// SetSessionFramesProcessed stores the per-session tick counter.
func (ds *DataStore) SetSessionFramesProcessed(sessionID uint, framesProcessed int) error {
	err := ds.DB.Model(&InferenceSession{}).Where("id = ?", sessionID).
		Update("frames_processed", framesProcessed).Error
	if err != nil {
		return errors.New(fmt.Errorf("updating frame counter for session %d: %w", sessionID, err)).
			Component("datastore").
			Category(errors.CategorySession).
			Context("session_id", sessionID).
			Build()
	}
	return nil
}

// GetOpenSession returns the open session for a project, or (nil, nil) when
// no session is open.
func (ds *DataStore) GetOpenSession(projectID uint) (*InferenceSession, error) {
	var session InferenceSession
	err := ds.DB.Where("project_id = ? AND stopped_at IS NULL", projectID).
		Order("started_at DESC").
		First(&session).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, errors.New(fmt.Errorf("getting open session for project %d: %w", projectID, err)).
			Component("datastore").
			Category(errors.CategorySession).
			Context("project_id", projectID).
			Build()
	}
	return &session, nil
}

// GetSession retrieves a session by its ID.
func (ds *DataStore) GetSession(id uint) (*InferenceSession, error) {
	var session InferenceSession
	if err := ds.DB.First(&session, id).Error; err != nil {
		return nil, errors.New(fmt.Errorf("getting session %d: %w", id, err)).
			Component("datastore").
			Category(categorize(err)).
			Context("session_id", id).
			Build()
	}
	return &session, nil
}
