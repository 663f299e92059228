// Package config holds the node's runtime configuration: a plain struct
// populated from defaults and environment-variable overrides, following
// the teacher's no-framework approach to configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config is every tunable the core needs at startup.
type Config struct {
	// ListenAddr is the UDP/TCP listen address, e.g. "0.0.0.0:33445".
	ListenAddr string
	// DataDir is where friends.list, transfers.state, and partial files live.
	DataDir string
	// UseUpnp enables the optional UPnP port-mapping step (C7).
	UseUpnp bool
	// StunServerA and StunServerB are the two STUN servers used for NAT
	// classification (§4.2 requires two distinct servers).
	StunServerA string
	StunServerB string
	// DirectoryURL is the external directory service endpoint.
	DirectoryURL string
	// LogLevel is a logrus level name ("debug", "info", "warn", "error").
	LogLevel string
	// TickInterval is the main loop's per-second tick period; exposed for
	// tests that want to run the loop faster.
	TickInterval time.Duration
}

// Default returns the baseline configuration before environment overrides.
func Default() *Config {
	return &Config{
		ListenAddr:   "0.0.0.0:33445",
		DataDir:      "./data",
		UseUpnp:      true,
		StunServerA:  "stun1.example.org:3478",
		StunServerB:  "stun2.example.org:3478",
		DirectoryURL: "",
		LogLevel:     "info",
		TickInterval: time.Second,
	}
}

// env var names, kept together so LoadFromEnv and tests agree on spelling.
const (
	envListenAddr   = "FILEMESH_LISTEN_ADDR"
	envDataDir      = "FILEMESH_DATA_DIR"
	envUseUpnp      = "FILEMESH_USE_UPNP"
	envStunServerA  = "FILEMESH_STUN_SERVER_A"
	envStunServerB  = "FILEMESH_STUN_SERVER_B"
	envDirectoryURL = "FILEMESH_DIRECTORY_URL"
	envLogLevel     = "FILEMESH_LOG_LEVEL"
)

// LoadFromEnv starts from Default and applies any FILEMESH_* environment
// variables that are set, returning an error if a set variable fails to
// parse.
func LoadFromEnv() (*Config, error) {
	cfg := Default()

	if v, ok := os.LookupEnv(envListenAddr); ok {
		cfg.ListenAddr = v
	}
	if v, ok := os.LookupEnv(envDataDir); ok {
		cfg.DataDir = v
	}
	if v, ok := os.LookupEnv(envUseUpnp); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return nil, fmt.Errorf("config: %s: %w", envUseUpnp, err)
		}
		cfg.UseUpnp = b
	}
	if v, ok := os.LookupEnv(envStunServerA); ok {
		cfg.StunServerA = v
	}
	if v, ok := os.LookupEnv(envStunServerB); ok {
		cfg.StunServerB = v
	}
	if v, ok := os.LookupEnv(envDirectoryURL); ok {
		cfg.DirectoryURL = v
	}
	if v, ok := os.LookupEnv(envLogLevel); ok {
		cfg.LogLevel = v
	}

	return cfg, nil
}
