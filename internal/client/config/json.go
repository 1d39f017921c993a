package config

import (
	"encoding/json"
	"os"

	"github.com/dmitrijs2005/authsync/internal/flagx"
	"github.com/dmitrijs2005/authsync/internal/timex"
)

// JsonConfig is the on-disk shape of the config file. Fields left out of
// the file keep their current value.
type JsonConfig struct {
	ServerEndpointAddr *string         `json:"server_endpoint_addr"`
	SessionDBPath      *string         `json:"session_db_path"`
	SessionKeyPath     *string         `json:"session_key_path"`
	RequestTimeout     *timex.Duration `json:"request_timeout"`
	OAuthTimeout       *timex.Duration `json:"oauth_timeout"`
	LogLevel           *string         `json:"log_level"`
}

func parseJson(cfg *Config, args []string) {
	path := flagx.JsonConfigFlags(args)
	if path == "" {
		return
	}

	data, err := os.ReadFile(path)
	if err != nil {
		panic(err)
	}

	var jc JsonConfig
	if err := json.Unmarshal(data, &jc); err != nil {
		panic(err)
	}

	if jc.ServerEndpointAddr != nil {
		cfg.ServerEndpointAddr = *jc.ServerEndpointAddr
	}
	if jc.SessionDBPath != nil {
		cfg.SessionDBPath = *jc.SessionDBPath
	}
	if jc.SessionKeyPath != nil {
		cfg.SessionKeyPath = *jc.SessionKeyPath
	}
	if jc.RequestTimeout != nil {
		cfg.RequestTimeout = jc.RequestTimeout.Duration
	}
	if jc.OAuthTimeout != nil {
		cfg.OAuthTimeout = jc.OAuthTimeout.Duration
	}
	if jc.LogLevel != nil {
		cfg.LogLevel = *jc.LogLevel
	}
}
