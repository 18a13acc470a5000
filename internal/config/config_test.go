package config

import (
	"os"
	"path/filepath"
	"testing"
)

func validConfig() *Config {
	return &Config{
		Venues: map[string]VenueConfig{
			"edgex": {
				RestURL:     "https://api.example.com",
				PublicWSURL: "wss://ws.example.com",
				Subscriptions: SubscriptionConfig{
					Mode:    "predefined",
					Symbols: []string{"BTC-USDC-PERP"},
					Ticker:  true,
				},
			},
		},
	}
}

func TestValidateAcceptsMinimalConfig(t *testing.T) {
	t.Parallel()
	if err := validConfig().Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestValidateRejections(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"no venues", func(c *Config) { c.Venues = nil }},
		{"missing ws url", func(c *Config) {
			v := c.Venues["edgex"]
			v.PublicWSURL = ""
			c.Venues["edgex"] = v
		}},
		{"bad subscription mode", func(c *Config) {
			v := c.Venues["edgex"]
			v.Subscriptions.Mode = "auto"
			c.Venues["edgex"] = v
		}},
		{"predefined without symbols", func(c *Config) {
			v := c.Venues["edgex"]
			v.Subscriptions.Symbols = nil
			c.Venues["edgex"] = v
		}},
		{"user_data without credentials", func(c *Config) {
			v := c.Venues["edgex"]
			v.Subscriptions.UserData = true
			c.Venues["edgex"] = v
		}},
		{"credentials without private url", func(c *Config) {
			v := c.Venues["edgex"]
			v.APISecret = "s"
			c.Venues["edgex"] = v
		}},
		{"status without valid port", func(c *Config) {
			c.Status.Enabled = true
			c.Status.Port = 0
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := validConfig()
			tt.mutate(c)
			if err := c.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestLoadAppliesEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yaml := `
venues:
  lighter:
    rest_url: https://api.example.com
    public_ws_url: wss://ws.example.com
    private_ws_url: wss://ws-private.example.com
    subscriptions:
      mode: dynamic
      ticker: true
`
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("ARB_LIGHTER_STARK_PRIVATE_KEY", "deadbeef")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	v := cfg.Venues["lighter"]
	if v.StarkPrivateKey != "deadbeef" {
		t.Errorf("stark key = %q, want env override", v.StarkPrivateKey)
	}
	if !v.Authenticated() {
		t.Error("venue with stark key must report authenticated")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate after env override: %v", err)
	}
}
