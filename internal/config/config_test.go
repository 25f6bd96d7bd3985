package config

import (
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	tests := []struct {
		name   string
		check  func(*Config) bool
		expect string
	}{
		{
			name:   "default mode is api",
			check:  func(c *Config) bool { return c.Mode == "api" },
			expect: "api",
		},
		{
			name:   "default host is 0.0.0.0",
			check:  func(c *Config) bool { return c.Host == "0.0.0.0" },
			expect: "0.0.0.0",
		},
		{
			name:   "default port is 8080",
			check:  func(c *Config) bool { return c.Port == 8080 },
			expect: "8080",
		},
		{
			name:   "default log level is info",
			check:  func(c *Config) bool { return c.LogLevel == "info" },
			expect: "info",
		},
		{
			name:   "default log format is json",
			check:  func(c *Config) bool { return c.LogFormat == "json" },
			expect: "json",
		},
		{
			name:   "default metrics path",
			check:  func(c *Config) bool { return c.MetricsPath == "/metrics" },
			expect: "/metrics",
		},
		{
			name:   "listen addr format",
			check:  func(c *Config) bool { return c.ListenAddr() == "0.0.0.0:8080" },
			expect: "0.0.0.0:8080",
		},
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if !tt.check(cfg) {
				t.Errorf("expected %s", tt.expect)
			}
		})
	}
}

func TestValidateRejectsInvertedBusinessHours(t *testing.T) {
	cfg := &Config{
		BusinessHoursStart:       "19:00",
		BusinessHoursEnd:         "18:00",
		MinCreditsPerCall:        3,
		BatchMaxParallelPerBatch: 8,
	}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error for start >= end without wrap-around flag")
	}

	cfg.BusinessHoursAllowWrap = true
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected wrap-around window to be accepted, got %v", err)
	}
}

func TestIsProviderDisabled(t *testing.T) {
	cfg := &Config{ProviderTemporaryDisable: []string{"vapi", "Twilio"}}
	if !cfg.IsProviderDisabled("VAPI") {
		t.Error("expected case-insensitive match for vapi")
	}
	if !cfg.IsProviderDisabled("twilio") {
		t.Error("expected case-insensitive match for twilio")
	}
	if cfg.IsProviderDisabled("bandwidth") {
		t.Error("expected bandwidth to not be disabled")
	}
}
