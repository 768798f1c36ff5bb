package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rentalconnect-realtime/pkg/constants"
	"rentalconnect-realtime/pkg/jwt"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("ENV", "development")
	for _, key := range []string{"PORT", "STUN_SERVERS", "CALL_RING_TIMEOUT", "WS_MAX_SIGNALING_CONNECTIONS",
		"REDIS_ENABLED", "REDIS_HOST", "REDIS_PORT"} {
		t.Setenv(key, "")
	}

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8083, cfg.Server.Port)
	assert.Equal(t, DefaultSTUNServers, cfg.Call.STUNServers)
	assert.Equal(t, constants.DefaultRingTimeout, cfg.Call.RingTimeout)
	assert.Equal(t, constants.MaxSignalingConnections, cfg.Server.MaxConnections)
	assert.True(t, cfg.Redis.Enabled)
	assert.Equal(t, "localhost:6379", cfg.Redis.RedisAddr())
	assert.False(t, cfg.IsProduction())
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("ENV", "development")
	t.Setenv("PORT", "9000")
	t.Setenv("STUN_SERVERS", "stun:a.example:3478, stun:b.example:3478")
	t.Setenv("CALL_RING_TIMEOUT", "20s")
	t.Setenv("REDIS_ENABLED", "false")
	t.Setenv("CORS_ALLOWED_ORIGINS", "https://app.example")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, []string{"stun:a.example:3478", "stun:b.example:3478"}, cfg.Call.STUNServers)
	assert.Equal(t, 20*time.Second, cfg.Call.RingTimeout)
	assert.False(t, cfg.Redis.Enabled)
	assert.Equal(t, []string{"https://app.example"}, cfg.Server.AllowedOrigins)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			Server: ServerConfig{Port: 8083, Environment: "production"},
			JWT:    JWTConfig{Secret: "0123456789abcdef0123456789abcdef"},
			Call:   CallConfig{STUNServers: DefaultSTUNServers, RingTimeout: time.Second},
		}
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(*Config) {}, ""},
		{"missing secret in production", func(c *Config) { c.JWT.Secret = "" }, "JWT_SECRET must be set"},
		{"short secret", func(c *Config) { c.JWT.Secret = "short" }, "at least 32"},
		{"development secret", func(c *Config) { c.JWT.Secret = jwt.DevelopmentSecret }, "development secret"},
		{"empty secret outside production", func(c *Config) {
			c.Server.Environment = "development"
			c.JWT.Secret = ""
		}, ""},
		{"bad port", func(c *Config) { c.Server.Port = 70000 }, "invalid PORT"},
		{"one stun server", func(c *Config) { c.Call.STUNServers = []string{"stun:x"} }, "two STUN servers"},
		{"zero ring timeout", func(c *Config) { c.Call.RingTimeout = 0 }, "CALL_RING_TIMEOUT"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
