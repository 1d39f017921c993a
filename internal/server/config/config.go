// Package config handles configuration for the authd server: defaults,
// an optional JSON file, AUTHD_* environment variables and command-line
// flags, applied in that order.
package config

import (
	"os"
	"time"
)

// Config holds runtime settings for the authd server.
//
// Fields:
//   - EndpointAddrGRPC: bind address for the gRPC AuthService.
//   - HTTPAddr: bind address for the OAuth callback endpoint.
//   - PublicURL: externally visible base URL of HTTPAddr, used to build
//     the OAuth redirect URL.
//   - DatabaseDSN: PostgreSQL DSN (pgx). Empty keeps users in memory.
//   - RedisAddr: when set, refresh tokens are kept in Redis.
//   - SecretKey: HMAC secret for signing JWTs (HS256). Do not use the
//     default outside development.
//   - AutoConfirm: sign-up returns a session right away.
//   - AdminEmails: addresses that get the admin role on creation.
type Config struct {
	EndpointAddrGRPC             string        `env:"AUTHD_GRPC_ADDR"`
	HTTPAddr                     string        `env:"AUTHD_HTTP_ADDR"`
	PublicURL                    string        `env:"AUTHD_PUBLIC_URL"`
	DatabaseDSN                  string        `env:"AUTHD_DATABASE_DSN"`
	RedisAddr                    string        `env:"AUTHD_REDIS_ADDR"`
	SecretKey                    string        `env:"AUTHD_SECRET_KEY"`
	AccessTokenValidityDuration  time.Duration `env:"AUTHD_ACCESS_TOKEN_TTL"`
	RefreshTokenValidityDuration time.Duration `env:"AUTHD_REFRESH_TOKEN_TTL"`
	AutoConfirm                  bool          `env:"AUTHD_AUTO_CONFIRM"`
	AdminEmails                  []string      `env:"AUTHD_ADMIN_EMAILS" envSeparator:","`
	OAuthFlowTTL                 time.Duration `env:"AUTHD_OAUTH_FLOW_TTL"`
	GoogleClientID               string        `env:"AUTHD_GOOGLE_CLIENT_ID"`
	GoogleClientSecret           string        `env:"AUTHD_GOOGLE_CLIENT_SECRET"`
	GitHubClientID               string        `env:"AUTHD_GITHUB_CLIENT_ID"`
	GitHubClientSecret           string        `env:"AUTHD_GITHUB_CLIENT_SECRET"`
	LogLevel                     string        `env:"AUTHD_LOG_LEVEL"`
}

// LoadDefaults populates Config with development defaults.
// NOTE: These values are insecure for production and should be overridden.
func (c *Config) LoadDefaults() {
	c.EndpointAddrGRPC = ":50051"
	c.HTTPAddr = ":8080"
	c.PublicURL = "http://127.0.0.1:8080"
	c.DatabaseDSN = ""
	c.RedisAddr = ""
	c.SecretKey = "secretKey"
	c.AccessTokenValidityDuration = 5 * time.Minute
	c.RefreshTokenValidityDuration = 24 * time.Hour
	c.AutoConfirm = true
	c.AdminEmails = nil
	c.OAuthFlowTTL = 10 * time.Minute
	c.LogLevel = "info"
}

// OAuthRedirectURL is where providers send the browser back to.
func (c *Config) OAuthRedirectURL() string {
	return c.PublicURL + "/oauth/callback"
}

// LoadConfig builds a Config by applying defaults, then overlaying values
// from an optional JSON file, the environment and finally command-line
// flags. It panics on malformed input.
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
