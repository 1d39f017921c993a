package config

import (
	"flag"
	"time"

	"github.com/dmitrijs2005/authsync/internal/flagx"
)

func parseFlags(cfg *Config, args []string) {
	args = flagx.FilterArgs(args, []string{"-a", "-d", "-k", "-t", "-o", "-l"})

	fs := flag.NewFlagSet("main", flag.ContinueOnError)

	fs.StringVar(&cfg.ServerEndpointAddr, "a", cfg.ServerEndpointAddr, "address and port to access server")
	fs.StringVar(&cfg.SessionDBPath, "d", cfg.SessionDBPath, "local session database path")
	fs.StringVar(&cfg.SessionKeyPath, "k", cfg.SessionKeyPath, "key file sealing the stored session")
	requestTimeout := fs.Int("t", int(cfg.RequestTimeout.Seconds()), "request timeout (in seconds)")
	oauthTimeout := fs.Int("o", int(cfg.OAuthTimeout.Seconds()), "OAuth sign-in timeout (in seconds)")
	fs.StringVar(&cfg.LogLevel, "l", cfg.LogLevel, "log level")

	if err := fs.Parse(args); err != nil {
		panic(err)
	}

	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "t":
			cfg.RequestTimeout = time.Duration(*requestTimeout) * time.Second
		case "o":
			cfg.OAuthTimeout = time.Duration(*oauthTimeout) * time.Second
		}
	})
}
