// model.go this code defines the data model for the application
package datastore

import "time"

// Frame source values.
const (
	FrameSourceSampler   = "sampler"   // captured by the periodic capture worker
	FrameSourceInference = "inference" // persisted by the inference worker's sampling decision
)

// Frame label status values.
const (
	LabelStatusUnlabeled = "unlabeled"
	LabelStatusAnnotated = "annotated"
	LabelStatusNegative  = "negative"
)

// Project represents one monitored video source and its worker configuration.
type Project struct {
	ID                        uint    `gorm:"primaryKey"`
	Name                      string  `gorm:"not null"`
	SourceURI                 string  `gorm:"not null"`
	SampleIntervalSeconds     int     `gorm:"default:60"`
	InferenceIntervalSeconds  int     `gorm:"default:30"`
	AutoSampleIntervalSeconds int     `gorm:"default:600"`
	LowConfidenceThreshold    float64 `gorm:"default:0.3"`
	HighConfidenceThreshold   float64 `gorm:"default:0.7"`
	CreatedAt                 time.Time
	SamplingActive            bool `gorm:"default:false"`
	InferenceActive           bool `gorm:"default:false"`
	LastSampleAt              *time.Time
	LastInferenceAt           *time.Time
	LastInferredFrameID       *uint
}

// Frame represents one durably stored still image from a project's source.
type Frame struct {
	ID           uint      `gorm:"primaryKey"`
	ProjectID    uint      `gorm:"index;not null"`
	CapturedAt   time.Time `gorm:"index"`
	FilePath     string    `gorm:"not null"` // relative to the media data dir
	Width        *int
	Height       *int
	Source       string `gorm:"default:sampler"`
	LabelStatus  string `gorm:"default:unlabeled"`
	SampleReason string
	Detections   []Detection `gorm:"foreignKey:FrameID;constraint:OnDelete:CASCADE"`
}

// Detection represents one model prediction on a persisted frame. Box
// coordinates are normalized center-form: x,y is the box center, all four
// values are in [0,1] relative to the frame resolution.
type Detection struct {
	ID             uint    `gorm:"primaryKey"`
	FrameID        uint    `gorm:"index;not null"`
	ModelVersionID uint    `gorm:"index;not null"`
	ClassName      string  `gorm:"not null"`
	Confidence     float64 `gorm:"not null"`
	X              float64 `gorm:"not null"`
	Y              float64 `gorm:"not null"`
	Width          float64 `gorm:"not null"`
	Height         float64 `gorm:"not null"`
	DetectedAt     time.Time
}

// ModelVersion represents one immutable trained weights artifact.
type ModelVersion struct {
	ID           uint `gorm:"primaryKey"`
	ProjectID    uint `gorm:"index;not null"`
	CreatedAt    time.Time
	WeightsPath  string `gorm:"not null"`
	MetricsJSON  string `gorm:"type:text"`
	ClassMapJSON string `gorm:"type:text"`
}

// Deployment binds a model version to a project. At most one deployment per
// project is active at any time; the inference worker polls this each tick.
type Deployment struct {
	ID             uint `gorm:"primaryKey"`
	ProjectID      uint `gorm:"index;not null"`
	ModelVersionID uint `gorm:"not null"`
	DeployedAt     time.Time
	IsActive       bool `gorm:"default:true;index"`
}

// InferenceSession records one continuous run of the inference loop.
// StoppedAt nil means still open (or interrupted by a crash, in which case
// the next loop start force-closes it).
type InferenceSession struct {
	ID              uint      `gorm:"primaryKey"`
	ProjectID       uint      `gorm:"index;not null"`
	ModelVersionID  *uint     // set once the first model loads in this run
	StartedAt       time.Time `gorm:"not null"`
	StoppedAt       *time.Time
	FramesProcessed int `gorm:"default:0"`
}
