package config

import (
	"flag"
	"time"

	"github.com/dmitrijs2005/authsync/internal/flagx"
)

// parseFlags populates selected Config fields from command-line flags.
//
// Supported flags (short forms):
//
//	-a string   gRPC bind address (e.g. ":50051")
//	-h string   OAuth callback HTTP bind address
//	-u string   public base URL of the HTTP endpoint
//	-d string   PostgreSQL DSN
//	-k string   Redis address for refresh tokens
//	-s string   JWT HMAC secret key
//	-t int      access token validity, minutes
//	-r int      refresh token validity, minutes
//	-y bool     auto-confirm sign-ups
//	-m string   comma separated admin emails
//	-f int      OAuth flow lifetime, minutes
//	-l string   log level
//
// OAuth client credentials are read from the JSON file or the environment
// only.
func parseFlags(cfg *Config, args []string) {
	args = flagx.FilterArgs(args, []string{"-a", "-h", "-u", "-d", "-k", "-s", "-t", "-r", "-y", "-m", "-f", "-l"})

	fs := flag.NewFlagSet("main", flag.ContinueOnError)

	fs.StringVar(&cfg.EndpointAddrGRPC, "a", cfg.EndpointAddrGRPC, "address and port to run gRPC server")
	fs.StringVar(&cfg.HTTPAddr, "h", cfg.HTTPAddr, "address and port to run OAuth callback server")
	fs.StringVar(&cfg.PublicURL, "u", cfg.PublicURL, "public base URL of the OAuth callback server")
	fs.StringVar(&cfg.DatabaseDSN, "d", cfg.DatabaseDSN, "database DSN")
	fs.StringVar(&cfg.RedisAddr, "k", cfg.RedisAddr, "redis address")
	fs.StringVar(&cfg.SecretKey, "s", cfg.SecretKey, "secret key")

	accessTTL := fs.Int("t", int(cfg.AccessTokenValidityDuration.Minutes()), "access_token_validity_duration (in minutes)")
	refreshTTL := fs.Int("r", int(cfg.RefreshTokenValidityDuration.Minutes()), "refresh_token_validity_duration (in minutes)")

	fs.BoolVar(&cfg.AutoConfirm, "y", cfg.AutoConfirm, "auto-confirm sign-ups")
	admins := fs.String("m", joinList(cfg.AdminEmails), "admin emails (comma separated)")
	flowTTL := fs.Int("f", int(cfg.OAuthFlowTTL.Minutes()), "oauth flow lifetime (in minutes)")
	fs.StringVar(&cfg.LogLevel, "l", cfg.LogLevel, "log level")

	if err := fs.Parse(args); err != nil {
		panic(err)
	}

	// Durations and lists are only overwritten when given explicitly so
	// that finer values from JSON or env survive.
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "t":
			cfg.AccessTokenValidityDuration = time.Duration(*accessTTL) * time.Minute
		case "r":
			cfg.RefreshTokenValidityDuration = time.Duration(*refreshTTL) * time.Minute
		case "f":
			cfg.OAuthFlowTTL = time.Duration(*flowTTL) * time.Minute
		case "m":
			cfg.AdminEmails = splitList(*admins)
		}
	})
}
