// config.go: settings struct for the scorefollow application and the functions
// to load, access and save them.
package conf

import (
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

//go:embed config.yaml
var configFiles embed.FS

// Log rotation policies for file logging.
const (
	RotationDaily  = "daily"
	RotationWeekly = "weekly"
	RotationSize   = "size"
)

// LogConfig contains settings for file logging.
type LogConfig struct {
	Enabled  bool   // true to write a JSON log file
	Path     string // path to the log file
	Rotation string // "daily", "weekly" or "size"
	MaxSize  int64  // max log file size in bytes for size rotation
}

// QueueSettings controls the bounded capture queue between the audio device
// callback and the consumer loop.
type QueueSettings struct {
	Capacity    int           // number of blocks buffered before drops begin
	ReadTimeout time.Duration // how long a consumer read waits for a block
}

// AudioSettings contains settings for live audio capture.
type AudioSettings struct {
	Source     string // capture device name substring, empty for system default
	SampleRate int    // samples per second
	BlockSize  int    // samples per block handed to the analyzer
	Channels   int    // capture channel count, downmixed to mono
	Queue      QueueSettings
}

// TempoSettings controls beat acceptance and BPM estimation.
type TempoSettings struct {
	InitialBPM       float64       // starting tempo before any beats are accepted
	MinIntervalRatio float64       // fraction of the beat interval that must elapse before the next beat
	RecomputeBeats   int           // accepted beats between BPM recomputations
	UpdateInterval   time.Duration // minimum time between public tempo updates
	MaxDeltaBPM      float64       // largest BPM change per update
	Smoothing        float64       // weight of the new estimate when blending
}

// AnalyzerSettings contains settings for onset detection.
type AnalyzerSettings struct {
	FrameSize      int     // FFT frame length in samples
	RingSize       int     // analysis ring buffer capacity in samples
	OnsetThreshold float64 // absolute spectral flux threshold
	RiseFactor     float64 // required rise over the previous flux value
	Tempo          TempoSettings
}

// LookaheadSettings controls periodic lookahead publishing.
type LookaheadSettings struct {
	Horizon  time.Duration // how far ahead of the current position to resolve
	Interval time.Duration // publish cadence, 0 disables periodic publishing
}

// TrackerSettings contains settings for position matching.
type TrackerSettings struct {
	MatchWindow        time.Duration // onset-to-map matching window
	MinConfidence      float64       // minimum confidence to accept a match
	TempoSmoothing     float64       // weight of the new tempo ratio when blending
	ConfidenceHalfLife time.Duration // extrapolation confidence half-life
	CandidateSpan      int           // onsets scanned on each side of the expected index
	Lookahead          LookaheadSettings
}

// BusSettings contains settings for the message bus.
type BusSettings struct {
	Capacity     int           // bounded priority queue size
	DrainTimeout time.Duration // how long Stop waits for the queue to drain
}

// MonitorSettings contains settings for the system resource monitor.
type MonitorSettings struct {
	Enabled        bool
	Interval       time.Duration // sampling cadence
	CPUWarning     float64       // percent
	CPUCritical    float64       // percent
	MemoryWarning  float64       // percent
	MemoryCritical float64       // percent
	DiskWarning    float64       // percent
	DiskCritical   float64       // percent
	DiskPath       string        // filesystem checked for disk usage
}

// RealtimeSettings contains all settings for a live tracking session.
type RealtimeSettings struct {
	Audio    AudioSettings
	Analyzer AnalyzerSettings
	Tracker  TrackerSettings
	Bus      BusSettings
	Monitor  MonitorSettings
}

// MapSettings contains settings for song map loading.
type MapSettings struct {
	Path      string        // default song map file for realtime sessions
	Directory string        // directory searched for maps by name
	CacheTTL  time.Duration // registry cache lifetime
}

// DatabaseSettings contains settings for the session log database.
type DatabaseSettings struct {
	Enabled          bool
	Path             string        // sqlite database file
	SnapshotInterval time.Duration // cadence of persisted position snapshots
}

// MetricsSettings contains settings for the Prometheus endpoint.
type MetricsSettings struct {
	Enabled bool
	Listen  string // address for the debug HTTP listener, e.g. ":8090"
}

// OutputSettings groups the optional output sinks.
type OutputSettings struct {
	Database DatabaseSettings
	Metrics  MetricsSettings
}

// Settings is the root configuration for the application.
type Settings struct {
	Debug bool // true to enable debug level logging

	Main struct {
		Name string // instance name, used in logs and the session record
		Log  LogConfig
	}

	Realtime RealtimeSettings
	Map      MapSettings
	Output   OutputSettings
}

// FileRotationSettings maps the configured rotation policy onto concrete
// lumberjack limits for the logging package.
func (l *LogConfig) FileRotationSettings() (maxSizeMB, maxBackups, maxAgeDays int) {
	maxSizeMB = 100
	maxBackups = 3
	maxAgeDays = 28

	if mb := int(l.MaxSize / (1024 * 1024)); mb > 0 {
		maxSizeMB = mb
	}

	switch l.Rotation {
	case RotationDaily:
		maxAgeDays = 1
		maxBackups = 30
	case RotationWeekly:
		maxAgeDays = 7
		maxBackups = 4
	case RotationSize:
	default:
	}
	return
}

// settingsInstance is the current settings instance
var (
	settingsInstance *Settings
	once             sync.Once
	settingsMutex    sync.RWMutex
)

// Load reads the configuration file and environment variables into a new
// Settings instance and installs it as the current one.
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

// initViper initializes viper with default values and reads the configuration file.
func initViper() error {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")

	configPaths, err := GetDefaultConfigPaths()
	if err != nil {
		return fmt.Errorf("error getting default config paths: %w", err)
	}

	for _, path := range configPaths {
		viper.AddConfigPath(path)
	}

	// defined in defaults.go
	setDefaultConfig()

	err = viper.ReadInConfig()
	if err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if errors.As(err, &configFileNotFoundError) {
			return createDefaultConfig()
		}
		return fmt.Errorf("fatal error reading config file: %w", err)
	}

	return nil
}

// createDefaultConfig writes the embedded default config to the first default
// config path and loads it.
func createDefaultConfig() error {
	configPaths, err := GetDefaultConfigPaths()
	if err != nil {
		return fmt.Errorf("error getting default config paths: %w", err)
	}
	configPath := filepath.Join(configPaths[0], "config.yaml")
	defaultConfig := getDefaultConfig()

	if err := os.MkdirAll(filepath.Dir(configPath), 0o755); err != nil {
		return fmt.Errorf("error creating directories for config file: %w", err)
	}

	if err := os.WriteFile(configPath, []byte(defaultConfig), 0o644); err != nil {
		return fmt.Errorf("error writing default config file: %w", err)
	}

	fmt.Println("Created default config file at:", configPath)
	return viper.ReadInConfig()
}

// getDefaultConfig reads the default configuration from the embedded config.yaml file.
func getDefaultConfig() string {
	data, err := fs.ReadFile(configFiles, "config.yaml")
	if err != nil {
		log.Fatalf("Error reading config file: %v", err)
	}
	return string(data)
}

// GetSettings returns the current settings instance
func GetSettings() *Settings {
	settingsMutex.RLock()
	defer settingsMutex.RUnlock()
	return settingsInstance
}

// Setting returns the current settings instance, initializing it if necessary
func Setting() *Settings {
	once.Do(func() {
		if settingsInstance == nil {
			_, err := Load()
			if err != nil {
				log.Fatalf("Error loading settings: %v", err)
			}
		}
	})
	return GetSettings()
}

// SaveYAMLConfig writes the settings to configPath as YAML. The write goes
// through a temporary file so a crash cannot leave a half-written config.
func SaveYAMLConfig(configPath string, settings *Settings) error {
	yamlData, err := yaml.Marshal(settings)
	if err != nil {
		return fmt.Errorf("error marshaling settings to YAML: %w", err)
	}

	tempFile, err := os.CreateTemp(filepath.Dir(configPath), "config-*.yaml")
	if err != nil {
		return fmt.Errorf("error creating temporary config file: %w", err)
	}
	tempName := tempFile.Name()

	if _, err := tempFile.Write(yamlData); err != nil {
		tempFile.Close()
		os.Remove(tempName)
		return fmt.Errorf("error writing temporary config file: %w", err)
	}
	if err := tempFile.Close(); err != nil {
		os.Remove(tempName)
		return fmt.Errorf("error closing temporary config file: %w", err)
	}

	if err := os.Rename(tempName, configPath); err != nil {
		os.Remove(tempName)
		return fmt.Errorf("error replacing config file: %w", err)
	}

	return nil
}
