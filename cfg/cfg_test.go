package cfg

import (
	"strings"
	"testing"
	"time"
)

func validTestCfg() *Cfg {
	return &Cfg{
		Port:                       "8080",
		Environment:                "development",
		DatabasePath:               "docgate.db",
		GateCacheSize:              1000,
		GateCacheTTL:               5 * time.Minute,
		Argon2Time:                 4,
		Argon2Memory:               128 * 1024,
		Argon2Parallelism:          2,
		Argon2KeyLen:               32,
		MinPasswordLen:             4,
		RateLimit:                  RateLimitCfg{RPM: 60, Burst: 10, ConservativeLimit: 5},
		AttemptWindow:              15 * time.Minute,
		MaxGateFails:               20,
		Pepper:                     NewSecret(strings.Repeat("p", 32)),
		CallerHashRotationInterval: time.Hour,
	}
}

func TestLoadDefaults(t *testing.T) {
	c, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if c.Port != "8080" {
		t.Errorf("default port: got %s", c.Port)
	}
	if c.MinPasswordLen != 4 {
		t.Errorf("default min password length: got %d, want 4", c.MinPasswordLen)
	}
	if c.GateCacheSize != 1000 {
		t.Errorf("default gate cache size: got %d", c.GateCacheSize)
	}
}

func TestValidateAcceptsValidConfig(t *testing.T) {
	if err := Validate(validTestCfg()); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}
}

func TestValidateRejections(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Cfg)
	}{
		{"empty port", func(c *Cfg) { c.Port = "" }},
		{"non-numeric port", func(c *Cfg) { c.Port = "http" }},
		{"short pepper", func(c *Cfg) { c.Pepper = NewSecret("short") }},
		{"weak argon2 time", func(c *Cfg) { c.Argon2Time = 1 }},
		{"zero min password length", func(c *Cfg) { c.MinPasswordLen = 0 }},
		{"bad trusted proxy", func(c *Cfg) { c.TrustedProxies = []string{"not-an-ip"} }},
		{"tiny attempt window", func(c *Cfg) { c.AttemptWindow = time.Second }},
		{"fast caller rotation", func(c *Cfg) { c.CallerHashRotationInterval = time.Minute }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := validTestCfg()
			tc.mutate(c)
			if err := Validate(c); err == nil {
				t.Errorf("expected validation error for %s", tc.name)
			}
		})
	}
}

func TestSecretRedactsItself(t *testing.T) {
	s := NewSecret("super-secret")
	if s.String() != "***REDACTED***" {
		t.Errorf("Secret.String leaked: %s", s.String())
	}
	if s.Value() != "super-secret" {
		t.Errorf("Secret.Value mangled: %s", s.Value())
	}
	s.Wipe()
	if strings.Contains(s.Value(), "super") {
		t.Error("Wipe did not clear the secret")
	}
}
