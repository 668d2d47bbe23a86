package session

// Config is the immutable configuration snapshot a controller is built
// from. The zero value is not usable; NewController applies the defaults
// below for any unset field.
type Config struct {
	// ClientID is this participant's identity on the wire. Generated
	// when empty.
	ClientID string
	// ServerURL is the signaling server base URL (informational here;
	// the signaling factory owns actual addressing).
	ServerURL string

	VideoFrameRate int     // frames per second, default 30
	VideoWidth     int     // default 64
	VideoHeight    int     // default 64
	VideoQuality   float64 // JPEG quality 0..1, default 0.8

	AudioVolume     float64 // default 1.0
	MaxHearingRange float64 // meters, default 50.0

	ICEServers []string

	StaleFrameThresholdMs    int64 // default 1000
	EvictionSweepIntervalMs  int64 // default 1000
	EvictionAgeMs            int64 // default 2000
	DataChannelOpenTimeoutMs int64 // default 5000
}

func (c Config) withDefaults() Config {
	if c.VideoFrameRate <= 0 {
		c.VideoFrameRate = 30
	}
	if c.VideoWidth <= 0 {
		c.VideoWidth = 64
	}
	if c.VideoHeight <= 0 {
		c.VideoHeight = 64
	}
	if c.VideoQuality <= 0 {
		c.VideoQuality = 0.8
	}
	if c.AudioVolume <= 0 {
		c.AudioVolume = 1.0
	}
	if c.MaxHearingRange <= 0 {
		c.MaxHearingRange = 50.0
	}
	if c.StaleFrameThresholdMs <= 0 {
		c.StaleFrameThresholdMs = 1000
	}
	if c.EvictionSweepIntervalMs <= 0 {
		c.EvictionSweepIntervalMs = 1000
	}
	if c.EvictionAgeMs <= 0 {
		c.EvictionAgeMs = 2000
	}
	if c.DataChannelOpenTimeoutMs <= 0 {
		c.DataChannelOpenTimeoutMs = 5000
	}
	return c
}
