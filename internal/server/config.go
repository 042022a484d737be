package server

import (
	"github.com/mstoykov/envconfig"
	"gopkg.in/guregu/null.v3"
)

// Config holds the front-end options for a sentinel server.
type Config struct {
	Host           string // Host to bind to
	Port           int    // Port to listen on
	MaxConnections int    // Max client connections
	ConfigFile     string // Sentinel state file, rewritten on config changes
}

func DefaultConfig() *Config {
	return &Config{
		Host:           "0.0.0.0",
		Port:           26379,
		MaxConnections: 10000,
	}
}

// EnvOverrides are the SENTINEL_* environment knobs. Null-typed so only the
// variables actually set override flags and config file values.
type EnvOverrides struct {
	Port                null.Int    `envconfig:"SENTINEL_PORT"`
	AnnounceIP          null.String `envconfig:"SENTINEL_ANNOUNCE_IP"`
	AnnouncePort        null.Int    `envconfig:"SENTINEL_ANNOUNCE_PORT"`
	AnnounceHostnames   null.Bool   `envconfig:"SENTINEL_ANNOUNCE_HOSTNAMES"`
	ResolveHostnames    null.Bool   `envconfig:"SENTINEL_RESOLVE_HOSTNAMES"`
	DenyScriptsReconfig null.Bool   `envconfig:"SENTINEL_DENY_SCRIPTS_RECONFIG"`
}

// ReadEnvOverrides parses the overrides out of the given environment map.
func ReadEnvOverrides(environ map[string]string) (EnvOverrides, error) {
	var env EnvOverrides
	err := envconfig.Process("", &env, func(key string) (string, bool) {
		v, ok := environ[key]
		return v, ok
	})
	return env, err
}
