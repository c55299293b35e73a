package config

import (
	"flag"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func newFlagSet() *flag.FlagSet {
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	return fs
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("FAIRVAULT_JWT_SECRET", testSecret)

	cfg, err := Load(newFlagSet(), nil)
	require.NoError(t, err)
	assert.Equal(t, "./data", cfg.DataDir)
	assert.Equal(t, filepath.Join("./data", "fairvault.sqlite"), cfg.DBPath)
	assert.Equal(t, filepath.Join("./data", "logs", "fairvault.log"), cfg.LogFile)
	assert.Equal(t, int64(200), cfg.HouseEdgeBps)
	assert.Equal(t, 30*time.Second, cfg.SettlementInterval)
	assert.Equal(t, 24*time.Hour, cfg.SessionTTL)
	assert.Equal(t, "fairvault", cfg.JWTIssuer)
}

func TestLoadEnvAndFlags(t *testing.T) {
	t.Setenv("FAIRVAULT_JWT_SECRET", testSecret)
	t.Setenv("FAIRVAULT_DATADIR", "/tmp/fv")
	t.Setenv("FAIRVAULT_HOUSE_EDGE_BPS", "150")
	t.Setenv("FAIRVAULT_ALLOWED_ORIGINS", "https://a.example,https://b.example")

	cfg, err := Load(newFlagSet(), []string{"-houseedge", "300", "-sessionttl", "1h"})
	require.NoError(t, err)
	assert.Equal(t, "/tmp/fv/fairvault.sqlite", cfg.DBPath)
	assert.Equal(t, int64(300), cfg.HouseEdgeBps, "flags override env")
	assert.Equal(t, time.Hour, cfg.SessionTTL)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.AllowedOrigins)
}

func TestLoadRejectsBadEnv(t *testing.T) {
	t.Setenv("FAIRVAULT_JWT_SECRET", testSecret)
	t.Setenv("FAIRVAULT_SESSION_TTL", "soon")

	_, err := Load(newFlagSet(), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse env")
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			ListenAddr:         ":8080",
			JWTSecret:          testSecret,
			HouseEdgeBps:       200,
			SettlementInterval: time.Second,
			CallTimeout:        time.Second,
			ExpiryInterval:     time.Second,
			SnapshotInterval:   time.Second,
		}
	}
	require.NoError(t, valid().Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"short secret", func(c *Config) { c.JWTSecret = "short" }},
		{"edge too large", func(c *Config) { c.HouseEdgeBps = 10000 }},
		{"negative edge", func(c *Config) { c.HouseEdgeBps = -1 }},
		{"zero interval", func(c *Config) { c.SettlementInterval = 0 }},
		{"negative ttl", func(c *Config) { c.SessionTTL = -time.Second }},
		{"negative funding", func(c *Config) { c.FundCoins = -1 }},
		{"no listener", func(c *Config) { c.ListenAddr = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.mutate(c)
			assert.Error(t, c.Validate())
		})
	}
}

func TestFundAtoms(t *testing.T) {
	c := &Config{FundCoins: 1.5}
	amt, err := c.FundAtoms()
	require.NoError(t, err)
	assert.Equal(t, int64(150000000), int64(amt))
}

func TestEnsureDataDir(t *testing.T) {
	dir := t.TempDir()
	c := &Config{
		DataDir: filepath.Join(dir, "data"),
		DBPath:  filepath.Join(dir, "data", "db", "fairvault.sqlite"),
		LogFile: filepath.Join(dir, "data", "logs", "fairvault.log"),
	}
	require.NoError(t, c.EnsureDataDir())
	for _, d := range []string{"data", "data/db", "data/logs"} {
		fi, err := os.Stat(filepath.Join(dir, d))
		require.NoError(t, err)
		assert.True(t, fi.IsDir())
	}
}
