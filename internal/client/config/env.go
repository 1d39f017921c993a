package config

import (
	"fmt"

	"github.com/caarlos0/env/v11"
)

// parseEnv overlays cfg with AUTHSYNC_* variables. Unset variables leave
// fields untouched.
func parseEnv(cfg *Config) {
	if err := env.Parse(cfg); err != nil {
		panic(fmt.Errorf("parse env: %w", err))
	}
}
