// Package logging hands out decred/slog subsystem loggers that write to
// stdout and, optionally, to a size-rotated log file.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/decred/slog"
	"github.com/jrick/logrotate/rotator"
)

const defaultRotateKB = 10 * 1024

// LogConfig configures a LogBackend.
type LogConfig struct {
	// LogFile is the rotated log file. Empty disables file output.
	LogFile string
	// DebugLevel is a level name optionally followed by per subsystem
	// overrides: "info,ROUND=debug,DB=warn".
	DebugLevel  string
	MaxLogFiles int
	RotateKB    int64
	// Stdout replaces os.Stdout as the console writer.
	Stdout io.Writer
}

// LogBackend creates subsystem loggers sharing one output.
type LogBackend struct {
	backend      *slog.Backend
	rotator      *rotator.Rotator
	defaultLevel slog.Level
	overrides    map[string]slog.Level

	mu      sync.Mutex
	loggers map[string]slog.Logger
}

// ParseDebugLevel splits a DebugLevel string into the default level and the
// per subsystem overrides.
func ParseDebugLevel(s string) (slog.Level, map[string]slog.Level, error) {
	def := slog.LevelInfo
	overrides := make(map[string]slog.Level)
	if strings.TrimSpace(s) == "" {
		return def, overrides, nil
	}
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		subsys, lvl, found := strings.Cut(part, "=")
		if !found {
			l, ok := slog.LevelFromString(part)
			if !ok {
				return 0, nil, fmt.Errorf("invalid debug level %q", part)
			}
			def = l
			continue
		}
		l, ok := slog.LevelFromString(lvl)
		if !ok {
			return 0, nil, fmt.Errorf("invalid debug level %q for subsystem %s", lvl, subsys)
		}
		overrides[strings.ToUpper(subsys)] = l
	}
	return def, overrides, nil
}

// NewLogBackend builds a backend from cfg.
func NewLogBackend(cfg LogConfig) (*LogBackend, error) {
	def, overrides, err := ParseDebugLevel(cfg.DebugLevel)
	if err != nil {
		return nil, err
	}

	var out io.Writer = os.Stdout
	if cfg.Stdout != nil {
		out = cfg.Stdout
	}

	lb := &LogBackend{
		defaultLevel: def,
		overrides:    overrides,
		loggers:      make(map[string]slog.Logger),
	}
	if cfg.LogFile != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.LogFile), 0o700); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}
		rotateKB := cfg.RotateKB
		if rotateKB <= 0 {
			rotateKB = defaultRotateKB
		}
		maxRolls := cfg.MaxLogFiles
		if maxRolls <= 0 {
			maxRolls = 3
		}
		r, err := rotator.New(cfg.LogFile, rotateKB, false, maxRolls)
		if err != nil {
			return nil, fmt.Errorf("failed to create log rotator: %w", err)
		}
		lb.rotator = r
		out = io.MultiWriter(out, r)
	}
	lb.backend = slog.NewBackend(out)
	return lb, nil
}

// Discard returns a backend whose loggers are all off.
func Discard() *LogBackend {
	return &LogBackend{
		backend:      slog.NewBackend(io.Discard),
		defaultLevel: slog.LevelOff,
		overrides:    map[string]slog.Level{},
		loggers:      make(map[string]slog.Logger),
	}
}

// Logger returns the logger for subsystem, creating it on first use.
func (lb *LogBackend) Logger(subsystem string) slog.Logger {
	if lb == nil || lb.backend == nil {
		return slog.Disabled
	}
	lb.mu.Lock()
	defer lb.mu.Unlock()

	if l, ok := lb.loggers[subsystem]; ok {
		return l
	}
	l := lb.backend.Logger(subsystem)
	level := lb.defaultLevel
	if o, ok := lb.overrides[strings.ToUpper(subsystem)]; ok {
		level = o
	}
	l.SetLevel(level)
	lb.loggers[subsystem] = l
	return l
}

// SetLevel changes the level of subsystem, or of every logger when
// subsystem is empty.
func (lb *LogBackend) SetLevel(subsystem, level string) error {
	l, ok := slog.LevelFromString(level)
	if !ok {
		return fmt.Errorf("invalid debug level %q", level)
	}
	lb.mu.Lock()
	defer lb.mu.Unlock()
	if subsystem == "" {
		lb.defaultLevel = l
		for _, logger := range lb.loggers {
			logger.SetLevel(l)
		}
		return nil
	}
	lb.overrides[strings.ToUpper(subsystem)] = l
	if logger, ok := lb.loggers[subsystem]; ok {
		logger.SetLevel(l)
	}
	return nil
}

// Close flushes and closes the log file, if any.
func (lb *LogBackend) Close() error {
	if lb == nil || lb.rotator == nil {
		return nil
	}
	return lb.rotator.Close()
}
