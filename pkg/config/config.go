// Package config loads the vault server configuration from FAIRVAULT_*
// environment variables and command-line flags. Flags win over the
// environment.
package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/decred/dcrd/dcrutil/v4"
	"github.com/vctt94/fairvault/pkg/primitive"
)

// Config is the server configuration.
type Config struct {
	DataDir    string `env:"FAIRVAULT_DATADIR" envDefault:"./data"`
	DBPath     string `env:"FAIRVAULT_DB"`
	ListenAddr string `env:"FAIRVAULT_LISTEN" envDefault:"127.0.0.1:8080"`
	AdminAddr  string `env:"FAIRVAULT_ADMIN_LISTEN" envDefault:"127.0.0.1:9090"`
	// AllowedOrigins lists the browser origins accepted on the websocket
	// endpoint. Empty allows only same-origin requests.
	AllowedOrigins []string `env:"FAIRVAULT_ALLOWED_ORIGINS" envSeparator:","`

	DebugLevel  string `env:"FAIRVAULT_DEBUGLEVEL" envDefault:"info"`
	LogFile     string `env:"FAIRVAULT_LOGFILE"`
	MaxLogFiles int    `env:"FAIRVAULT_MAX_LOG_FILES" envDefault:"5"`
	LogRotateKB int64  `env:"FAIRVAULT_LOG_ROTATE_KB" envDefault:"10240"`

	JWTSecret string `env:"FAIRVAULT_JWT_SECRET"`
	JWTIssuer string `env:"FAIRVAULT_JWT_ISSUER" envDefault:"fairvault"`

	HouseEdgeBps int64 `env:"FAIRVAULT_HOUSE_EDGE_BPS" envDefault:"200"`

	SettlementInterval time.Duration `env:"FAIRVAULT_SETTLEMENT_INTERVAL" envDefault:"30s"`
	GraceWindow        time.Duration `env:"FAIRVAULT_GRACE_WINDOW" envDefault:"5m"`
	CallTimeout        time.Duration `env:"FAIRVAULT_CALL_TIMEOUT" envDefault:"30s"`
	SessionTTL         time.Duration `env:"FAIRVAULT_SESSION_TTL" envDefault:"24h"`
	ExpiryInterval     time.Duration `env:"FAIRVAULT_EXPIRY_INTERVAL" envDefault:"1m"`
	SnapshotInterval   time.Duration `env:"FAIRVAULT_SNAPSHOT_INTERVAL" envDefault:"5m"`

	// FundCoins seeds an empty custody ledger, in coins.
	FundCoins float64 `env:"FAIRVAULT_FUND_COINS" envDefault:"0"`
	FundOwner string  `env:"FAIRVAULT_FUND_OWNER" envDefault:"operator"`
}

// Load reads the environment into a Config, registers flags for the most
// used settings on fs with the environment values as defaults, and parses
// args.
func Load(fs *flag.FlagSet, args []string) (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if fs == nil {
		return nil, errors.New("flag set is required")
	}

	fs.StringVar(&cfg.DataDir, "datadir", cfg.DataDir, "Directory for the database and logs")
	fs.StringVar(&cfg.DBPath, "db", cfg.DBPath, "Path to SQLite database file (default <datadir>/fairvault.sqlite)")
	fs.StringVar(&cfg.ListenAddr, "listen", cfg.ListenAddr, "Websocket listen address")
	fs.StringVar(&cfg.AdminAddr, "adminlisten", cfg.AdminAddr, "gRPC health listen address (empty disables)")
	fs.StringVar(&cfg.DebugLevel, "debuglevel", cfg.DebugLevel, "Logging level: trace, debug, info, warn, error, optionally SUBSYS=level,...")
	fs.StringVar(&cfg.LogFile, "logfile", cfg.LogFile, "Log file (default <datadir>/logs/fairvault.log)")
	fs.Int64Var(&cfg.HouseEdgeBps, "houseedge", cfg.HouseEdgeBps, "House edge in basis points")
	fs.DurationVar(&cfg.SessionTTL, "sessionttl", cfg.SessionTTL, "Idle time after which an active session expires (0 disables)")
	fs.DurationVar(&cfg.SettlementInterval, "settleinterval", cfg.SettlementInterval, "Settlement sweep interval")
	fs.Float64Var(&cfg.FundCoins, "fund", cfg.FundCoins, "Coins minted into an empty custody ledger")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(cfg.DataDir, "fairvault.sqlite")
	}
	if cfg.LogFile == "" {
		cfg.LogFile = filepath.Join(cfg.DataDir, "logs", "fairvault.log")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings the server cannot run with.
func (c *Config) Validate() error {
	if c.ListenAddr == "" {
		return errors.New("listen address is required")
	}
	if len(c.JWTSecret) < 32 {
		return errors.New("FAIRVAULT_JWT_SECRET must be at least 32 bytes")
	}
	if c.HouseEdgeBps < 0 || c.HouseEdgeBps >= primitive.BpsDenominator {
		return fmt.Errorf("house edge %d bps out of range", c.HouseEdgeBps)
	}
	for name, d := range map[string]time.Duration{
		"settlement interval": c.SettlementInterval,
		"call timeout":        c.CallTimeout,
		"expiry interval":     c.ExpiryInterval,
		"snapshot interval":   c.SnapshotInterval,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}
	if c.GraceWindow < 0 || c.SessionTTL < 0 {
		return errors.New("grace window and session TTL cannot be negative")
	}
	if c.FundCoins < 0 {
		return errors.New("funding cannot be negative")
	}
	return nil
}

// FundAtoms converts FundCoins to atoms.
func (c *Config) FundAtoms() (dcrutil.Amount, error) {
	return dcrutil.NewAmount(c.FundCoins)
}

// EnsureDataDir creates the data directory and the directories of the
// database and log file.
func (c *Config) EnsureDataDir() error {
	dirs := []string{c.DataDir, filepath.Dir(c.DBPath)}
	if c.LogFile != "" {
		dirs = append(dirs, filepath.Dir(c.LogFile))
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("failed to create directory %s: %v", dir, err)
		}
	}
	return nil
}
