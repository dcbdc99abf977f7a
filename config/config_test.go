package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load with defaults should succeed, got %v", err)
	}
	if cfg.Delivery.AckTimeout != 30*time.Second {
		t.Errorf("expected default ack timeout 30s, got %v", cfg.Delivery.AckTimeout)
	}
	if cfg.Offline.Capacity != 500 {
		t.Errorf("expected default offline capacity 500, got %d", cfg.Offline.Capacity)
	}
	if cfg.InstanceID == "" {
		t.Error("instance id should be generated when not configured")
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}

	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero ack timeout", func(c *Config) { c.Delivery.AckTimeout = 0 }},
		{"negative retries", func(c *Config) { c.Delivery.MaxRetries = -1 }},
		{"zero offline capacity", func(c *Config) { c.Offline.Capacity = 0 }},
		{"typing ceiling below expiry", func(c *Config) { c.Typing.MaxAge = c.Typing.AutoExpiry / 2 }},
		{"zero batch size", func(c *Config) { c.Batch.Size = 0 }},
	}
	for _, tc := range cases {
		bad := *cfg
		tc.mutate(&bad)
		if err := bad.Validate(); err == nil {
			t.Errorf("%s: expected validation error", tc.name)
		}
	}
}
