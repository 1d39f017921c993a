package config

import (
	"encoding/json"
	"os"
	"time"

	"github.com/dmitrijs2005/authsync/internal/flagx"
	"github.com/dmitrijs2005/authsync/internal/timex"
)

// JsonConfig is the on-disk shape of the config file. Durations accept
// either a duration string such as "5m" or a number of seconds. Keys that
// are missing from the file keep their current value.
type JsonConfig struct {
	EndpointAddrGRPC             *string         `json:"endpoint_addr_grpc"`
	HTTPAddr                     *string         `json:"http_addr"`
	PublicURL                    *string         `json:"public_url"`
	DatabaseDSN                  *string         `json:"database_dsn"`
	RedisAddr                    *string         `json:"redis_addr"`
	SecretKey                    *string         `json:"secret_key"`
	AccessTokenValidityDuration  *timex.Duration `json:"access_token_validity_duration"`
	RefreshTokenValidityDuration *timex.Duration `json:"refresh_token_validity_duration"`
	AutoConfirm                  *bool           `json:"auto_confirm"`
	AdminEmails                  []string        `json:"admin_emails"`
	OAuthFlowTTL                 *timex.Duration `json:"oauth_flow_ttl"`
	GoogleClientID               *string         `json:"google_client_id"`
	GoogleClientSecret           *string         `json:"google_client_secret"`
	GitHubClientID               *string         `json:"github_client_id"`
	GitHubClientSecret           *string         `json:"github_client_secret"`
	LogLevel                     *string         `json:"log_level"`
}

// parseJson loads the file named by -c/-config, if any, into cfg. It
// panics when the file cannot be read or is not valid JSON.
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

	setString(&cfg.EndpointAddrGRPC, jc.EndpointAddrGRPC)
	setString(&cfg.HTTPAddr, jc.HTTPAddr)
	setString(&cfg.PublicURL, jc.PublicURL)
	setString(&cfg.DatabaseDSN, jc.DatabaseDSN)
	setString(&cfg.RedisAddr, jc.RedisAddr)
	setString(&cfg.SecretKey, jc.SecretKey)
	setDuration(&cfg.AccessTokenValidityDuration, jc.AccessTokenValidityDuration)
	setDuration(&cfg.RefreshTokenValidityDuration, jc.RefreshTokenValidityDuration)
	if jc.AutoConfirm != nil {
		cfg.AutoConfirm = *jc.AutoConfirm
	}
	if jc.AdminEmails != nil {
		cfg.AdminEmails = jc.AdminEmails
	}
	setDuration(&cfg.OAuthFlowTTL, jc.OAuthFlowTTL)
	setString(&cfg.GoogleClientID, jc.GoogleClientID)
	setString(&cfg.GoogleClientSecret, jc.GoogleClientSecret)
	setString(&cfg.GitHubClientID, jc.GitHubClientID)
	setString(&cfg.GitHubClientSecret, jc.GitHubClientSecret)
	setString(&cfg.LogLevel, jc.LogLevel)
}

func setString(dst *string, v *string) {
	if v != nil {
		*dst = *v
	}
}

func setDuration(dst *time.Duration, v *timex.Duration) {
	if v != nil {
		*dst = v.Duration
	}
}
