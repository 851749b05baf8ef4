// conf/validate.go

package conf

import (
	"fmt"
	"strings"
)

// ValidationError represents a collection of validation errors
type ValidationError struct {
	Errors []string
}

// Error returns a string representation of the validation errors
func (ve ValidationError) Error() string {
	return fmt.Sprintf("Validation errors: %v", ve.Errors)
}

// ValidateSettings validates the entire Settings struct
func ValidateSettings(settings *Settings) error {
	ve := ValidationError{}

	if err := validateAudioSettings(&settings.Realtime.Audio); err != nil {
		ve.Errors = append(ve.Errors, err.Error())
	}

	if err := validateAnalyzerSettings(&settings.Realtime.Analyzer, settings.Realtime.Audio.BlockSize); err != nil {
		ve.Errors = append(ve.Errors, err.Error())
	}

	if err := validateTrackerSettings(&settings.Realtime.Tracker); err != nil {
		ve.Errors = append(ve.Errors, err.Error())
	}

	if err := validateBusSettings(&settings.Realtime.Bus); err != nil {
		ve.Errors = append(ve.Errors, err.Error())
	}

	if err := validateMonitorSettings(&settings.Realtime.Monitor); err != nil {
		ve.Errors = append(ve.Errors, err.Error())
	}

	if err := validateOutputSettings(&settings.Output); err != nil {
		ve.Errors = append(ve.Errors, err.Error())
	}

	if len(ve.Errors) > 0 {
		return ve
	}
	return nil
}

// validateAudioSettings validates the capture settings
func validateAudioSettings(settings *AudioSettings) error {
	var errs []string

	if settings.SampleRate <= 0 {
		errs = append(errs, "audio sample rate must be positive")
	}

	if settings.BlockSize <= 0 {
		errs = append(errs, "audio block size must be positive")
	}

	if settings.Channels < 1 || settings.Channels > 2 {
		errs = append(errs, "audio channel count must be 1 or 2")
	}

	if settings.Queue.Capacity < 1 {
		errs = append(errs, "audio queue capacity must be at least 1")
	}

	if settings.Queue.ReadTimeout <= 0 {
		errs = append(errs, "audio queue read timeout must be positive")
	}

	if len(errs) > 0 {
		return fmt.Errorf("audio settings errors: %s", strings.Join(errs, "; "))
	}
	return nil
}

// validateAnalyzerSettings validates the onset detection settings
func validateAnalyzerSettings(settings *AnalyzerSettings, blockSize int) error {
	var errs []string

	if settings.FrameSize <= 0 || settings.FrameSize&(settings.FrameSize-1) != 0 {
		errs = append(errs, "analyzer frame size must be a positive power of two")
	}

	if blockSize > 0 && settings.FrameSize < blockSize {
		errs = append(errs, "analyzer frame size must be at least the audio block size")
	}

	if settings.RingSize < settings.FrameSize {
		errs = append(errs, "analyzer ring size must be at least the frame size")
	}

	if settings.OnsetThreshold <= 0 {
		errs = append(errs, "analyzer onset threshold must be positive")
	}

	if settings.RiseFactor < 1 {
		errs = append(errs, "analyzer rise factor must be at least 1")
	}

	if settings.Tempo.InitialBPM < 20 || settings.Tempo.InitialBPM > 400 {
		errs = append(errs, "initial BPM must be between 20 and 400")
	}

	if settings.Tempo.MinIntervalRatio <= 0 || settings.Tempo.MinIntervalRatio >= 1 {
		errs = append(errs, "tempo min interval ratio must be between 0 and 1")
	}

	if settings.Tempo.RecomputeBeats < 1 {
		errs = append(errs, "tempo recompute beat count must be at least 1")
	}

	if settings.Tempo.UpdateInterval <= 0 {
		errs = append(errs, "tempo update interval must be positive")
	}

	if settings.Tempo.MaxDeltaBPM <= 0 {
		errs = append(errs, "tempo max delta BPM must be positive")
	}

	if settings.Tempo.Smoothing <= 0 || settings.Tempo.Smoothing >= 1 {
		errs = append(errs, "tempo smoothing must be between 0 and 1")
	}

	if len(errs) > 0 {
		return fmt.Errorf("analyzer settings errors: %s", strings.Join(errs, "; "))
	}
	return nil
}

// validateTrackerSettings validates the position tracking settings
func validateTrackerSettings(settings *TrackerSettings) error {
	var errs []string

	if settings.MatchWindow <= 0 {
		errs = append(errs, "tracker match window must be positive")
	}

	if settings.MinConfidence <= 0 || settings.MinConfidence > 1 {
		errs = append(errs, "tracker min confidence must be in (0, 1]")
	}

	if settings.TempoSmoothing <= 0 || settings.TempoSmoothing >= 1 {
		errs = append(errs, "tracker tempo smoothing must be between 0 and 1")
	}

	if settings.ConfidenceHalfLife <= 0 {
		errs = append(errs, "tracker confidence half-life must be positive")
	}

	if settings.CandidateSpan < 1 {
		errs = append(errs, "tracker candidate span must be at least 1")
	}

	if settings.Lookahead.Horizon <= 0 {
		errs = append(errs, "lookahead horizon must be positive")
	}

	if settings.Lookahead.Interval < 0 {
		errs = append(errs, "lookahead interval must not be negative")
	}

	if len(errs) > 0 {
		return fmt.Errorf("tracker settings errors: %s", strings.Join(errs, "; "))
	}
	return nil
}

// validateBusSettings validates the message bus settings
func validateBusSettings(settings *BusSettings) error {
	var errs []string

	if settings.Capacity < 1 {
		errs = append(errs, "bus capacity must be at least 1")
	}

	if settings.DrainTimeout <= 0 {
		errs = append(errs, "bus drain timeout must be positive")
	}

	if len(errs) > 0 {
		return fmt.Errorf("bus settings errors: %s", strings.Join(errs, "; "))
	}
	return nil
}

// validateMonitorSettings validates the resource monitor settings
func validateMonitorSettings(settings *MonitorSettings) error {
	if !settings.Enabled {
		return nil
	}

	var errs []string

	if settings.Interval <= 0 {
		errs = append(errs, "monitor interval must be positive")
	}

	for _, pair := range []struct {
		name              string
		warning, critical float64
	}{
		{"cpu", settings.CPUWarning, settings.CPUCritical},
		{"memory", settings.MemoryWarning, settings.MemoryCritical},
		{"disk", settings.DiskWarning, settings.DiskCritical},
	} {
		if pair.warning <= 0 || pair.warning > 100 || pair.critical <= 0 || pair.critical > 100 {
			errs = append(errs, fmt.Sprintf("%s thresholds must be percentages in (0, 100]", pair.name))
			continue
		}
		if pair.warning >= pair.critical {
			errs = append(errs, fmt.Sprintf("%s warning threshold must be below the critical threshold", pair.name))
		}
	}

	if settings.DiskPath == "" {
		errs = append(errs, "monitor disk path must not be empty")
	}

	if len(errs) > 0 {
		return fmt.Errorf("monitor settings errors: %s", strings.Join(errs, "; "))
	}
	return nil
}

// validateOutputSettings validates the output sink settings
func validateOutputSettings(settings *OutputSettings) error {
	var errs []string

	if settings.Database.Enabled {
		if settings.Database.Path == "" {
			errs = append(errs, "database path must not be empty when the database is enabled")
		}
		if settings.Database.SnapshotInterval <= 0 {
			errs = append(errs, "database snapshot interval must be positive")
		}
	}

	if settings.Metrics.Enabled && settings.Metrics.Listen == "" {
		errs = append(errs, "metrics listen address must not be empty when metrics are enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("output settings errors: %s", strings.Join(errs, "; "))
	}
	return nil
}
