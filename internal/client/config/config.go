package config

import (
	"os"
	"time"
)

// Config holds runtime settings for the authsync CLI.
type Config struct {
	ServerEndpointAddr string        `env:"AUTHSYNC_SERVER_ADDR"`
	SessionDBPath      string        `env:"AUTHSYNC_SESSION_DB"`
	SessionKeyPath     string        `env:"AUTHSYNC_SESSION_KEY"`
	RequestTimeout     time.Duration `env:"AUTHSYNC_REQUEST_TIMEOUT"`
	OAuthTimeout       time.Duration `env:"AUTHSYNC_OAUTH_TIMEOUT"`
	LogLevel           string        `env:"AUTHSYNC_LOG_LEVEL"`
}

// LoadDefaults populates c with sensible defaults.
func (c *Config) LoadDefaults() {
	c.ServerEndpointAddr = "127.0.0.1:50051"
	c.SessionDBPath = "authsync.db"
	c.SessionKeyPath = "authsync.key"
	c.RequestTimeout = 10 * time.Second
	c.OAuthTimeout = 5 * time.Minute
	c.LogLevel = "info"
}

// LoadConfig builds a Config from defaults, then the JSON file, the
// environment and finally os.Args. It panics on malformed input.
func LoadConfig() *Config {
	return load(os.Args[1:])
}

func load(args []string) *Config {
	cfg := &Config{}
	cfg.LoadDefaults()
	parseJson(cfg, args)
	parseEnv(cfg)
	parseFlags(cfg, args)
	return cfg
}
