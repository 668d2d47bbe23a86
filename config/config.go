// Package config resolves SDK settings from defaults, a YAML config file
// and TANKRTC_*-style environment variables, in increasing precedence.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/adrg/xdg"
	"github.com/spf13/viper"

	"github.com/soda-magic/tank-rtc-sdk/session"
)

var v *viper.Viper

func init() {
	v = viper.New()

	v.SetDefault("client.id", "")
	v.SetDefault("server.url", "ws://localhost:8188")

	v.SetDefault("video.frame_rate", 30)
	v.SetDefault("video.width", 64)
	v.SetDefault("video.height", 64)
	v.SetDefault("video.quality", 0.8)

	v.SetDefault("audio.volume", 1.0)
	v.SetDefault("range.max_hearing", 50.0)

	v.SetDefault("ice.servers", []string{"stun:stun.l.google.com:19302"})

	v.SetDefault("frames.stale_threshold_ms", 1000)
	v.SetDefault("frames.eviction_sweep_interval_ms", 1000)
	v.SetDefault("frames.eviction_age_ms", 2000)
	v.SetDefault("channel.open_timeout_ms", 5000)

	v.SetDefault("tankrtc.home", filepath.Join(xdg.Home, ".tankrtc"))

	// Environment variables
	v.AutomaticEnv()
	v.BindEnv("client.id", "TANKRTC_CLIENT_ID")
	v.BindEnv("server.url", "TANKRTC_SERVER_URL")
	v.BindEnv("video.frame_rate", "TANKRTC_VIDEO_FRAME_RATE")
	v.BindEnv("video.width", "TANKRTC_VIDEO_WIDTH")
	v.BindEnv("video.height", "TANKRTC_VIDEO_HEIGHT")
	v.BindEnv("video.quality", "TANKRTC_VIDEO_QUALITY")
	v.BindEnv("audio.volume", "TANKRTC_AUDIO_VOLUME")
	v.BindEnv("range.max_hearing", "TANKRTC_MAX_HEARING_RANGE")
	v.BindEnv("ice.servers", "TANKRTC_ICE_SERVERS")
	v.BindEnv("frames.stale_threshold_ms", "TANKRTC_STALE_THRESHOLD_MS")
	v.BindEnv("frames.eviction_age_ms", "TANKRTC_EVICTION_AGE_MS")
	v.BindEnv("channel.open_timeout_ms", "TANKRTC_CHANNEL_OPEN_TIMEOUT_MS")
	v.BindEnv("tankrtc.home", "TANKRTC_HOME")

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	configPaths := []string{
		".",
		"$HOME/.tankrtc",
		"/etc/tankrtc",
	}
	for _, path := range configPaths {
		v.AddConfigPath(os.ExpandEnv(path))
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			panic(fmt.Sprintf("Fatal error reading config file: %s", err))
		}
		// Config file not found; use defaults
	}
}

// GetServerURL returns the signaling server base URL.
func GetServerURL() string {
	return v.GetString("server.url")
}

// GetClientID returns the configured participant identity, empty when a
// random one should be generated.
func GetClientID() string {
	return v.GetString("client.id")
}

// GetHome returns the tankrtc home directory.
func GetHome() string {
	return v.GetString("tankrtc.home")
}

// GetICEServers returns the STUN/TURN server URLs.
func GetICEServers() []string {
	return v.GetStringSlice("ice.servers")
}

// Session assembles the session-layer configuration snapshot.
func Session() session.Config {
	return session.Config{
		ClientID:  GetClientID(),
		ServerURL: GetServerURL(),

		VideoFrameRate: v.GetInt("video.frame_rate"),
		VideoWidth:     v.GetInt("video.width"),
		VideoHeight:    v.GetInt("video.height"),
		VideoQuality:   v.GetFloat64("video.quality"),

		AudioVolume:     v.GetFloat64("audio.volume"),
		MaxHearingRange: v.GetFloat64("range.max_hearing"),

		ICEServers: GetICEServers(),

		StaleFrameThresholdMs:    v.GetInt64("frames.stale_threshold_ms"),
		EvictionSweepIntervalMs:  v.GetInt64("frames.eviction_sweep_interval_ms"),
		EvictionAgeMs:            v.GetInt64("frames.eviction_age_ms"),
		DataChannelOpenTimeoutMs: v.GetInt64("channel.open_timeout_ms"),
	}
}
