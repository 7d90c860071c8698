package config

import (
	"strings"
	"time"
)

const (
	DefaultListenAddr      = ":8080"
	DefaultRoomMaxDuration = 120 * time.Minute
)

// ServerConfig holds signaling server configuration
type ServerConfig struct {
	ListenAddr string

	// RedisURL selects the Redis settings store; empty means in-memory.
	RedisURL string

	// SettingsFile is an optional YAML seed for room settings.
	SettingsFile string

	// RoomMaxDuration is the wall-clock cap after which a room is ended.
	RoomMaxDuration time.Duration

	// ICE servers served to clients at /ice
	STUNServers []string
	TURNServers []string
	TURNUser    string
	TURNPass    string

	AllowedOrigins []string
}

// ServerOptions for loading server config with CLI flag overrides
type ServerOptions struct {
	ListenAddr      string
	RedisURL        string
	SettingsFile    string
	RoomMaxDuration time.Duration
}

// LoadServer reads server configuration with the same priority as Load.
func LoadServer(opts ServerOptions) (*ServerConfig, error) {
	loadDotEnv()

	maxDuration, err := pickDuration(opts.RoomMaxDuration, "ROOM_MAX_DURATION", DefaultRoomMaxDuration)
	if err != nil {
		return nil, err
	}

	cfg := &ServerConfig{
		ListenAddr:      pick(opts.ListenAddr, "LISTEN_ADDR", DefaultListenAddr),
		RedisURL:        pick(opts.RedisURL, "REDIS_URL", ""),
		SettingsFile:    pick(opts.SettingsFile, "SETTINGS_FILE", ""),
		RoomMaxDuration: maxDuration,
		STUNServers:     splitList(pick("", "ICE_STUN_SERVERS", DefaultSTUN)),
		TURNServers:     splitList(pick("", "ICE_TURN_SERVERS", "")),
		TURNUser:        pick("", "ICE_TURN_USERNAME", ""),
		TURNPass:        pick("", "ICE_TURN_PASSWORD", ""),
		AllowedOrigins:  splitList(pick("", "ALLOWED_ORIGINS", "*")),
	}
	return cfg, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
