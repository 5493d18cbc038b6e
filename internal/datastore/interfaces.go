// interfaces.go: this code defines the interface for the database operations
package datastore

import (
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/quietobserver/quietobserver-go/internal/conf"
	"github.com/quietobserver/quietobserver-go/internal/errors"
)

// Interface abstracts the underlying database implementation and defines the
// operations the workers and their callers need.
type Interface interface {
	Open() error
	Close() error

	// Projects
	GetProject(id uint) (*Project, error)
	GetActiveProjects() ([]Project, error)
	SetLastSample(projectID uint, t time.Time) error
	SetLastInference(projectID uint, t time.Time, frameID uint) error

	// Frames and detections
	SaveFrame(frame *Frame, detections []Detection) error
	GetFrame(id uint) (*Frame, error)
	GetFrameDetections(frameID uint) ([]Detection, error)

	// Model deployment
	GetActiveDeployment(projectID uint) (*Deployment, error)
	GetModelVersion(id uint) (*ModelVersion, error)

	// Inference sessions
	CloseOrphanedSessions(projectID uint, stoppedAt time.Time) (int64, error)
	OpenSession(projectID uint, startedAt time.Time) (*InferenceSession, error)
	CloseSession(sessionID uint, stoppedAt time.Time) error
	SetSessionModelVersion(sessionID, modelVersionID uint) error
	SetSessionFramesProcessed(sessionID uint, framesProcessed int) error
	GetOpenSession(projectID uint) (*InferenceSession, error)
	GetSession(id uint) (*InferenceSession, error)
}

// DataStore implements Interface using a GORM database.
type DataStore struct {
	DB *gorm.DB // GORM database instance
}

// New creates a new datastore instance based on the enabled output database.
func New(settings *conf.Settings) Interface {
	switch {
	case settings.Output.SQLite.Enabled:
		return &SQLiteStore{Settings: settings}
	case settings.Output.MySQL.Enabled:
		return &MySQLStore{Settings: settings}
	default:
		return nil
	}
}

// GetProject retrieves a project by its ID.
func (ds *DataStore) GetProject(id uint) (*Project, error) {
	var project Project
	if err := ds.DB.First(&project, id).Error; err != nil {
		return nil, errors.New(fmt.Errorf("getting project %d: %w", id, err)).
			Component("datastore").
			Category(categorize(err)).
			Context("project_id", id).
			Build()
	}
	return &project, nil
}

// GetActiveProjects returns projects flagged for sampling or inference, used
// to restore worker state after a restart.
func (ds *DataStore) GetActiveProjects() ([]Project, error) {
	var projects []Project
	err := ds.DB.Where("sampling_active = ? OR inference_active = ?", true, true).
		Find(&projects).Error
	if err != nil {
		return nil, errors.New(fmt.Errorf("listing active projects: %w", err)).
			Component("datastore").
			Category(errors.CategoryDatabase).
			Build()
	}
	return projects, nil
}

// SetLastSample advances the project's last-sample bookkeeping.
func (ds *DataStore) SetLastSample(projectID uint, t time.Time) error {
	err := ds.DB.Model(&Project{}).Where("id = ?", projectID).
		Update("last_sample_at", t).Error
	if err != nil {
		return errors.New(fmt.Errorf("updating last sample time for project %d: %w", projectID, err)).
			Component("datastore").
			Category(errors.CategoryDatabase).
			Context("project_id", projectID).
			Build()
	}
	return nil
}

// SetLastInference advances the project's last-inferred-frame pointer.
func (ds *DataStore) SetLastInference(projectID uint, t time.Time, frameID uint) error {
	err := ds.DB.Model(&Project{}).Where("id = ?", projectID).
		Updates(map[string]any{
			"last_inference_at":      t,
			"last_inferred_frame_id": frameID,
		}).Error
	if err != nil {
		return errors.New(fmt.Errorf("updating last inference for project %d: %w", projectID, err)).
			Component("datastore").
			Category(errors.CategoryDatabase).
			Context("project_id", projectID).
			Build()
	}
	return nil
}

// SaveFrame stores a frame and its detections as a single transaction so
// they appear together or not at all.
func (ds *DataStore) SaveFrame(frame *Frame, detections []Detection) error {
	err := ds.DB.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(frame).Error; err != nil {
			return fmt.Errorf("saving frame: %w", err)
		}
		for i := range detections {
			detections[i].FrameID = frame.ID
			if err := tx.Create(&detections[i]).Error; err != nil {
				return fmt.Errorf("saving detection: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return errors.New(err).
			Component("datastore").
			Category(errors.CategoryDatabase).
			Context("project_id", frame.ProjectID).
			Build()
	}
	return nil
}

// GetFrame retrieves a frame by its ID.
func (ds *DataStore) GetFrame(id uint) (*Frame, error) {
	var frame Frame
	if err := ds.DB.First(&frame, id).Error; err != nil {
		return nil, errors.New(fmt.Errorf("getting frame %d: %w", id, err)).
			Component("datastore").
			Category(categorize(err)).
			Context("frame_id", id).
			Build()
	}
	return &frame, nil
}

// GetFrameDetections returns the detections stored for a frame.
func (ds *DataStore) GetFrameDetections(frameID uint) ([]Detection, error) {
	var detections []Detection
	err := ds.DB.Where("frame_id = ?", frameID).Order("confidence DESC").
		Find(&detections).Error
	if err != nil {
		return nil, errors.New(fmt.Errorf("getting detections for frame %d: %w", frameID, err)).
			Component("datastore").
			Category(errors.CategoryDatabase).
			Context("frame_id", frameID).
			Build()
	}
	return detections, nil
}

// GetActiveDeployment returns the active deployment for a project, or
// (nil, nil) when the project has none.
func (ds *DataStore) GetActiveDeployment(projectID uint) (*Deployment, error) {
	var deployment Deployment
	err := ds.DB.Where("project_id = ? AND is_active = ?", projectID, true).
		Order("deployed_at DESC").
		First(&deployment).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, errors.New(fmt.Errorf("getting active deployment for project %d: %w", projectID, err)).
			Component("datastore").
			Category(errors.CategoryDatabase).
			Context("project_id", projectID).
			Build()
	}
	return &deployment, nil
}

// GetModelVersion retrieves a model version by its ID.
func (ds *DataStore) GetModelVersion(id uint) (*ModelVersion, error) {
	var mv ModelVersion
	if err := ds.DB.First(&mv, id).Error; err != nil {
		return nil, errors.New(fmt.Errorf("getting model version %d: %w", id, err)).
			Component("datastore").
			Category(categorize(err)).
			Context("model_version_id", id).
			Build()
	}
	return &mv, nil
}

// categorize maps gorm errors onto error categories.
func categorize(err error) errors.ErrorCategory {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return errors.CategoryNotFound
	}
	return errors.CategoryDatabase
}
