package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ledger.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_FileAndDefaults(t *testing.T) {
	// GIVEN a file that sets a subset of keys
	path := writeFile(t, `
[http]
addr = ":9090"
read_timeout = "3s"

[storage]
driver = "memory"

[auth]
jwt_secret = "s3cret"

[rewards.referral]
amount = 25
description = "Referral bonus"
`)

	// WHEN loading it
	cfg, err := Load(path)
	require.NoError(t, err)

	// THEN the file wins where set and defaults fill the rest
	assert.Equal(t, ":9090", cfg.HTTP.Addr)
	assert.Equal(t, 3*time.Second, cfg.HTTP.ReadTimeout.Duration)
	assert.Equal(t, 15*time.Second, cfg.HTTP.WriteTimeout.Duration)
	assert.Equal(t, DriverMemory, cfg.Storage.Driver)
	assert.Equal(t, 5, cfg.Ledger.MaxRetries)

	policy, err := cfg.RewardPolicy()
	require.NoError(t, err)
	r, ok := policy.Lookup("referral")
	require.True(t, ok)
	assert.Equal(t, int64(25), r.Amount)
	_, ok = policy.Lookup("daily")
	assert.True(t, ok, "defaults stay in the table")
}

func TestLoad_EnvOverrides(t *testing.T) {
	// GIVEN a file and env vars that disagree
	path := writeFile(t, `
[storage]
driver = "memory"
[auth]
jwt_secret = "from-file"
`)
	t.Setenv("LEDGER_JWT_SECRET", "from-env")
	t.Setenv("LEDGER_MAX_RETRIES", "9")
	t.Setenv("LEDGER_CORS_ORIGINS", "https://a.example,https://b.example")
	t.Setenv("LEDGER_AMQP_ENABLED", "true")

	// WHEN loading
	cfg, err := Load(path)
	require.NoError(t, err)

	// THEN env wins
	assert.Equal(t, "from-env", cfg.Auth.JWTSecret)
	assert.Equal(t, 9, cfg.Ledger.MaxRetries)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.HTTP.CORSOrigins)
	assert.True(t, cfg.AMQP.Enabled)
}

func TestLoad_BadEnv(t *testing.T) {
	t.Setenv("LEDGER_JWT_SECRET", "x")
	t.Setenv("LEDGER_MAX_RETRIES", "lots")

	_, err := Load("")
	assert.Error(t, err)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	valid := func() Config {
		c := Defaults()
		c.Auth.JWTSecret = "x"
		return c
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		err    error
	}{
		{"defaults with secret", func(*Config) {}, nil},
		{"missing secret", func(c *Config) { c.Auth.JWTSecret = "" }, ErrMissingSecret},
		{"unknown driver", func(c *Config) { c.Storage.Driver = "mongo" }, ErrUnknownDriver},
		{"postgres without dsn", func(c *Config) { c.Storage.Driver = DriverPostgres }, ErrMissingDSN},
		{"amqp without queue", func(c *Config) {
			c.AMQP.Enabled = true
			c.AMQP.Queue = ""
		}, ErrMissingAMQPURL},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.mutate(&c)
			err := c.Validate()
			if tt.err == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.err)
		})
	}
}

func TestValidate_BadReward(t *testing.T) {
	c := Defaults()
	c.Auth.JWTSecret = "x"
	c.Rewards = map[string]RewardConfig{"broken": {Amount: 0, Description: "zero"}}

	assert.Error(t, c.Validate())
}
