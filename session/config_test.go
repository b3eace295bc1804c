package session

import (
	"testing"
	"time"
)

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults", func(*Config) {}, false},
		{"zero value", func(c *Config) { *c = Config{} }, false},
		{"idle 60m", func(c *Config) { c.IdleTimeout = 60 * time.Minute }, false},
		{"idle too short", func(c *Config) { c.IdleTimeout = 5 * time.Minute }, true},
		{"idle too long", func(c *Config) { c.IdleTimeout = 2 * time.Hour }, true},
		{"negative cap", func(c *Config) { c.MaxSessions = -1 }, true},
		{"unknown cap policy", func(c *Config) { c.CapPolicy = "drop" }, true},
		{"unknown failure policy", func(c *Config) { c.FailurePolicy = "maybe" }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
