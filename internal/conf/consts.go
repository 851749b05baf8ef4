// conf/consts.go hard coded constants
package conf

const (
	AppName = "scorefollow" // application name, used for config paths and defaults

	DefaultSampleRate = 44100 // capture sample rate when the config does not set one
	BitDepth          = 16    // bit depth of PCM delivered by capture devices
	MaxChannels       = 2     // stereo is the widest supported capture layout

	SongMapExtension = ".json" // file extension of song map documents
)
