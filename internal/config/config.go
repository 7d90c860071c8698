package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Default configuration values (production)
const (
	DefaultDomain   = "boothcall.qzz.io"
	DefaultSTUN     = "stun:stun.l.google.com:19302"
	DefaultTURN     = "turn:openrelay.metered.ca" // community relay used when the ICE endpoint is down
	DefaultTURNUser = "openrelayproject"
	DefaultTURNPass = "openrelayproject"

	DefaultStaleTimeout   = 45 * time.Second
	DefaultSweepInterval  = 5 * time.Second
	DefaultHandoverWindow = 10 * time.Second
	DefaultPageSize       = 9
)

// Config holds client configuration
type Config struct {
	// Domain is the backend server domain
	Domain string

	// APIURL, WebSocketURL and ICEURL are constructed from domain
	APIURL       string
	WebSocketURL string
	ICEURL       string

	// Fallback ICE servers, used when the ICE endpoint cannot be reached
	STUNServer string
	TURNServer string
	TURNUser   string
	TURNPass   string
	ForceRelay bool

	// Identity announced in presence
	UserID      string
	DisplayName string
	Role        string
	// Email matches interpreter assignments in the room settings.
	Email string

	// StaleTimeout bounds how long a peer may stay in the connecting state
	// without receiving a signal.
	StaleTimeout  time.Duration
	SweepInterval time.Duration

	// HandoverWindow is the countdown shown to the partner of a handover request.
	HandoverWindow time.Duration

	PageSize int
}

// Options for loading config with CLI flag overrides
type Options struct {
	Domain      string
	STUNServer  string
	TURNServer  string
	TURNUser    string
	TURNPass    string
	ForceRelay  bool
	UserID      string
	DisplayName string
	Role        string
	Email       string

	StaleTimeout   time.Duration
	HandoverWindow time.Duration
	PageSize       int
}

// loadDotEnv reads a .env file from the working directory if one exists.
// Variables already present in the environment win.
func loadDotEnv() {
	_ = godotenv.Load()
}

// pick returns the first non-empty of flag, env var, fallback.
func pick(flag, env, fallback string) string {
	if flag != "" {
		return flag
	}
	if v := os.Getenv(env); v != "" {
		return v
	}
	return fallback
}

func pickDuration(flag time.Duration, env string, fallback time.Duration) (time.Duration, error) {
	if flag > 0 {
		return flag, nil
	}
	if v := os.Getenv(env); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return 0, fmt.Errorf("invalid %s: %w", env, err)
		}
		return d, nil
	}
	return fallback, nil
}

func pickInt(flag int, env string, fallback int) (int, error) {
	if flag > 0 {
		return flag, nil
	}
	if v := os.Getenv(env); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return 0, fmt.Errorf("invalid %s: %w", env, err)
		}
		return n, nil
	}
	return fallback, nil
}

// Load reads configuration with the following priority:
// 1. CLI flags (passed via Options) - highest priority
// 2. Environment variables (including a local .env file)
// 3. Hardcoded defaults - lowest priority
func Load(opts Options) (*Config, error) {
	loadDotEnv()

	domain := pick(opts.Domain, "DOMAIN", DefaultDomain)

	staleTimeout, err := pickDuration(opts.StaleTimeout, "STALE_TIMEOUT", DefaultStaleTimeout)
	if err != nil {
		return nil, err
	}
	handoverWindow, err := pickDuration(opts.HandoverWindow, "HANDOVER_WINDOW", DefaultHandoverWindow)
	if err != nil {
		return nil, err
	}
	sweepInterval, err := pickDuration(0, "SWEEP_INTERVAL", DefaultSweepInterval)
	if err != nil {
		return nil, err
	}
	pageSize, err := pickInt(opts.PageSize, "PAGE_SIZE", DefaultPageSize)
	if err != nil {
		return nil, err
	}

	scheme, httpScheme := "wss", "https"
	if strings.HasPrefix(domain, "localhost") || strings.HasPrefix(domain, "127.0.0.1") {
		scheme, httpScheme = "ws", "http"
	}

	cfg := &Config{
		Domain:         domain,
		APIURL:         fmt.Sprintf("%s://%s", httpScheme, domain),
		WebSocketURL:   fmt.Sprintf("%s://%s/ws", scheme, domain),
		ICEURL:         pick("", "ICE_URL", fmt.Sprintf("%s://%s/ice", httpScheme, domain)),
		STUNServer:     pick(opts.STUNServer, "STUN_SERVER", DefaultSTUN),
		TURNServer:     pick(opts.TURNServer, "TURN_SERVER", DefaultTURN),
		TURNUser:       pick(opts.TURNUser, "TURN_USERNAME", DefaultTURNUser),
		TURNPass:       pick(opts.TURNPass, "TURN_PASSWORD", DefaultTURNPass),
		ForceRelay:     opts.ForceRelay || os.Getenv("FORCE_RELAY") == "1",
		UserID:         pick(opts.UserID, "USER_ID", ""),
		DisplayName:    pick(opts.DisplayName, "DISPLAY_NAME", ""),
		Role:           pick(opts.Role, "ROLE", "participant"),
		Email:          pick(opts.Email, "EMAIL", ""),
		StaleTimeout:   staleTimeout,
		SweepInterval:  sweepInterval,
		HandoverWindow: handoverWindow,
		PageSize:       pageSize,
	}

	if cfg.PageSize <= 0 {
		return nil, fmt.Errorf("page size must be positive, got %d", cfg.PageSize)
	}
	if cfg.SweepInterval <= 0 || cfg.StaleTimeout <= 0 {
		return nil, fmt.Errorf("stale timeout and sweep interval must be positive")
	}

	return cfg, nil
}

// GetSTUNServers returns STUN server URLs as strings
func (c *Config) GetSTUNServers() []string {
	return []string{c.STUNServer}
}

// GetTURNServers returns TURN server URLs if configured
func (c *Config) GetTURNServers() []string {
	if c.TURNServer == "" {
		return nil
	}
	return []string{
		fmt.Sprintf("%s:80?transport=udp", c.TURNServer),
		fmt.Sprintf("%s:443?transport=tcp", c.TURNServer),
	}
}

// GetTURNCredentials returns TURN username and password
func (c *Config) GetTURNCredentials() (string, string) {
	return c.TURNUser, c.TURNPass
}
