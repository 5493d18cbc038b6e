// Package conf holds the application configuration, loaded with viper from
// a YAML config file plus defaults.
package conf

import (
	"fmt"
	"sync"
	"time"

	"github.com/spf13/viper"

	"github.com/quietobserver/quietobserver-go/internal/errors"
)

// Settings is the root configuration structure.
type Settings struct {
	Debug bool // true enables debug logging

	Main struct {
		Name string // name of this node, used in logs
		Log  struct {
			Enabled bool
			Path    string
		}
	}

	Output struct {
		SQLite struct {
			Enabled bool
			Path    string
		}
		MySQL struct {
			Enabled  bool
			Username string
			Password string
			Host     string
			Port     string
			Database string
		}
	}

	Media MediaSettings

	Tools ToolSettings

	Detector DetectorSettings

	Workers WorkerSettings
}

// MediaSettings controls where captured frames live on disk.
type MediaSettings struct {
	DataDir string // root for persisted frames, organized per project
	LiveDir string // scratch dir for ephemeral live-preview frames
}

// ToolSettings configures the external stream tooling.
type ToolSettings struct {
	YtDlpPath      string        // path to the yt-dlp binary
	FfmpegPath     string        // path to the ffmpeg binary
	ResolveTimeout time.Duration // per-call budget for stream resolution
	GrabTimeout    time.Duration // per-call budget for a single frame grab
	StreamTTL      time.Duration // how long a resolved stream URL is trusted
	MaxHeight      int           // preferred stream variant height cap
}

// DetectorSettings configures model inference and post-processing.
type DetectorSettings struct {
	ConfidenceFloor      float64 // detections below this are discarded at inference
	SuppressionThreshold float64 // IoU above which overlapping detections collapse
	InputSize            int     // square model input resolution
	Threads              int     // tflite interpreter threads, 0 = NumCPU
	UseXNNPACK           bool    // enable the XNNPACK delegate
}

// WorkerSettings carries per-project fallbacks applied when a Project record
// holds zero values.
type WorkerSettings struct {
	SampleInterval          time.Duration // capture worker tick
	InferenceInterval       time.Duration // inference worker tick
	AutoSampleInterval      time.Duration // periodic sample guarantee during inference
	LowConfidenceThreshold  float64       // bottom of the uncertainty band
	HighConfidenceThreshold float64       // top of the uncertainty band
}

var (
	settingsInstance *Settings
	settingsMutex    sync.RWMutex
)

// Load reads the configuration file and defaults into a Settings instance.
func Load() (*Settings, error) {
	settingsMutex.Lock()
	defer settingsMutex.Unlock()

	settings := &Settings{}

	if err := initViper(); err != nil {
		return nil, fmt.Errorf("error initializing viper: %w", err)
	}

	if err := viper.Unmarshal(settings); err != nil {
		return nil, fmt.Errorf("error unmarshaling config into struct: %w", err)
	}

	if err := ValidateSettings(settings); err != nil {
		return nil, fmt.Errorf("error validating settings: %w", err)
	}

	settingsInstance = settings
	return settingsInstance, nil
}

// Setting returns the most recently loaded settings instance, or nil if Load
// has not been called.
func Setting() *Settings {
	settingsMutex.RLock()
	defer settingsMutex.RUnlock()
	return settingsInstance
}

func initViper() error {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("$HOME/.config/quietobserver")
	viper.AddConfigPath("/etc/quietobserver")

	setDefaultConfig()

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			// No config file is fine, defaults apply.
			return nil
		}
		return fmt.Errorf("fatal error reading config file: %w", err)
	}
	return nil
}

// ValidateSettings checks cross-field constraints that viper cannot express.
func ValidateSettings(s *Settings) error {
	if s.Output.SQLite.Enabled && s.Output.MySQL.Enabled {
		return errors.Newf("only one output database may be enabled").
			Component("conf").
			Category(errors.CategoryConfiguration).
			Build()
	}
	if s.Workers.LowConfidenceThreshold < 0 || s.Workers.HighConfidenceThreshold > 1 ||
		s.Workers.LowConfidenceThreshold >= s.Workers.HighConfidenceThreshold {
		return errors.Newf("confidence thresholds must satisfy 0 <= low < high <= 1 (low=%.2f high=%.2f)",
			s.Workers.LowConfidenceThreshold, s.Workers.HighConfidenceThreshold).
			Component("conf").
			Category(errors.CategoryConfiguration).
			Build()
	}
	if s.Detector.ConfidenceFloor < 0 || s.Detector.ConfidenceFloor > 1 {
		return errors.Newf("detector confidence floor out of range: %.2f", s.Detector.ConfidenceFloor).
			Component("conf").
			Category(errors.CategoryConfiguration).
			Build()
	}
	if s.Detector.SuppressionThreshold <= 0 || s.Detector.SuppressionThreshold >= 1 {
		return errors.Newf("detector suppression threshold out of range: %.2f", s.Detector.SuppressionThreshold).
			Component("conf").
			Category(errors.CategoryConfiguration).
			Build()
	}
	for name, d := range map[string]time.Duration{
		"sampleinterval":     s.Workers.SampleInterval,
		"inferenceinterval":  s.Workers.InferenceInterval,
		"autosampleinterval": s.Workers.AutoSampleInterval,
	} {
		if d <= 0 {
			return errors.Newf("workers.%s must be positive, got %s", name, d).
				Component("conf").
				Category(errors.CategoryConfiguration).
				Build()
		}
	}
	return nil
}
