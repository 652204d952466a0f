package main

import (
	"fmt"
	"os"
	"time"

	cortex "github.com/cortexhub/cortex-go"
)

// getClient creates a Cortex client with the persisted session installed.
func getClient() (*cortex.Client, *Config) {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if cfg.Auth.AccessToken == "" && cfg.Auth.RefreshToken == "" {
		fmt.Fprintln(os.Stderr, "Not logged in. Run 'cortex login <email>' first.")
		os.Exit(1)
	}

	var opts []cortex.ClientOption
	if cfg.Default.BaseURL != "" {
		opts = append(opts, cortex.WithBaseURL(cfg.Default.BaseURL))
	}

	client := cortex.NewClient(opts...)
	client.Gateway().SetSession(sessionFromConfig(cfg))
	return client, cfg
}

func sessionFromConfig(cfg *Config) cortex.Token {
	expires := time.Now()
	if cfg.Auth.TokenExpires != "" {
		if t, err := time.Parse(time.RFC3339, cfg.Auth.TokenExpires); err == nil {
			expires = t
		}
	}
	return cortex.Token{
		AccessToken:  cfg.Auth.AccessToken,
		RefreshToken: cfg.Auth.RefreshToken,
		ExpiresAt:    expires,
	}
}

// persistSession writes the client's current token pair back to the
// config file so the next invocation reuses it.
func persistSession(client *cortex.Client, cfg *Config) {
	tok := client.Tokens().Get()
	if tok.AccessToken == "" {
		return
	}
	cfg.Auth.AccessToken = tok.AccessToken
	cfg.Auth.RefreshToken = tok.RefreshToken
	cfg.Auth.TokenExpires = tok.ExpiresAt.Format(time.RFC3339)
	if err := saveConfig(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: could not persist session: %v\n", err)
	}
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}
