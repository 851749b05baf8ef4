// conf/defaults.go default values for settings
package conf

import (
	"time"

	"github.com/spf13/viper"
)

// Sets default values for the configuration.
func setDefaultConfig() {
	viper.SetDefault("debug", false)

	viper.SetDefault("main.name", AppName)
	viper.SetDefault("main.log.enabled", true)
	viper.SetDefault("main.log.path", "scorefollow.log")
	viper.SetDefault("main.log.rotation", RotationDaily)
	viper.SetDefault("main.log.maxsize", 1048576)

	viper.SetDefault("realtime.audio.source", "")
	viper.SetDefault("realtime.audio.samplerate", DefaultSampleRate)
	viper.SetDefault("realtime.audio.blocksize", 512)
	viper.SetDefault("realtime.audio.channels", 1)
	viper.SetDefault("realtime.audio.queue.capacity", 10)
	viper.SetDefault("realtime.audio.queue.readtimeout", 500*time.Millisecond)

	viper.SetDefault("realtime.analyzer.framesize", 2048)
	viper.SetDefault("realtime.analyzer.ringsize", 8192)
	viper.SetDefault("realtime.analyzer.onsetthreshold", 0.3)
	viper.SetDefault("realtime.analyzer.risefactor", 1.5)
	viper.SetDefault("realtime.analyzer.tempo.initialbpm", 120.0)
	viper.SetDefault("realtime.analyzer.tempo.minintervalratio", 0.7)
	viper.SetDefault("realtime.analyzer.tempo.recomputebeats", 4)
	viper.SetDefault("realtime.analyzer.tempo.updateinterval", 2*time.Second)
	viper.SetDefault("realtime.analyzer.tempo.maxdeltabpm", 20.0)
	viper.SetDefault("realtime.analyzer.tempo.smoothing", 0.3)

	viper.SetDefault("realtime.tracker.matchwindow", 150*time.Millisecond)
	viper.SetDefault("realtime.tracker.minconfidence", 0.6)
	viper.SetDefault("realtime.tracker.temposmoothing", 0.3)
	viper.SetDefault("realtime.tracker.confidencehalflife", time.Second)
	viper.SetDefault("realtime.tracker.candidatespan", 10)
	viper.SetDefault("realtime.tracker.lookahead.horizon", 4*time.Second)
	viper.SetDefault("realtime.tracker.lookahead.interval", time.Second)

	viper.SetDefault("realtime.bus.capacity", 100)
	viper.SetDefault("realtime.bus.draintimeout", 5*time.Second)

	viper.SetDefault("realtime.monitor.enabled", true)
	viper.SetDefault("realtime.monitor.interval", 15*time.Second)
	viper.SetDefault("realtime.monitor.cpuwarning", 85.0)
	viper.SetDefault("realtime.monitor.cpucritical", 95.0)
	viper.SetDefault("realtime.monitor.memorywarning", 85.0)
	viper.SetDefault("realtime.monitor.memorycritical", 95.0)
	viper.SetDefault("realtime.monitor.diskwarning", 90.0)
	viper.SetDefault("realtime.monitor.diskcritical", 97.0)
	viper.SetDefault("realtime.monitor.diskpath", "/")

	viper.SetDefault("map.path", "")
	viper.SetDefault("map.directory", "maps/")
	viper.SetDefault("map.cachettl", 30*time.Minute)

	viper.SetDefault("output.database.enabled", false)
	viper.SetDefault("output.database.path", "scorefollow.db")
	viper.SetDefault("output.database.snapshotinterval", time.Second)

	viper.SetDefault("output.metrics.enabled", false)
	viper.SetDefault("output.metrics.listen", ":8090")
}
