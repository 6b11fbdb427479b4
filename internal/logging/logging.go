// Package logging builds the process logger from configuration and
// environment overrides.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

const (
	EnvLogLevel  = "CANTEL_LOG_LEVEL"
	EnvLogFormat = "CANTEL_LOG_FORMAT"
)

// TimestampFormat is used by both formatters.
const TimestampFormat = "2006-01-02T15:04:05.000000Z07:00"

// Config selects level and output format. Format is "text" or "json".
type Config struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// Default returns info level text logging.
func Default() Config {
	return Config{Level: "info", Format: "text"}
}

// Validate checks level and format names.
func (c Config) Validate() error {
	if _, ok := parseLevel(c.Level); !ok && strings.TrimSpace(c.Level) != "" {
		return fmt.Errorf("logging: unknown level %q", c.Level)
	}
	switch strings.ToLower(c.Format) {
	case "", "text", "json":
		return nil
	default:
		return fmt.Errorf("logging: unknown format %q", c.Format)
	}
}

// New returns a logger writing to stderr. Environment variables override cfg.
func New(cfg Config) *logrus.Logger {
	return NewWithOutput(cfg, os.Stderr)
}

// NewWithOutput is New with an explicit destination.
func NewWithOutput(cfg Config, w io.Writer) *logrus.Logger {
	applyEnvOverrides(&cfg)

	l := logrus.New()
	l.SetOutput(w)
	if lvl, ok := parseLevel(cfg.Level); ok {
		l.SetLevel(lvl)
	} else {
		l.SetLevel(logrus.InfoLevel)
	}
	switch strings.ToLower(cfg.Format) {
	case "json":
		l.SetFormatter(&logrus.JSONFormatter{TimestampFormat: TimestampFormat})
	default:
		l.SetFormatter(&logrus.TextFormatter{TimestampFormat: TimestampFormat, FullTimestamp: true})
	}
	return l
}

func applyEnvOverrides(cfg *Config) {
	if v := strings.TrimSpace(os.Getenv(EnvLogLevel)); v != "" {
		if _, ok := parseLevel(v); ok {
			cfg.Level = v
		}
	}
	if v := strings.ToLower(strings.TrimSpace(os.Getenv(EnvLogFormat))); v == "text" || v == "json" {
		cfg.Format = v
	}
}

func parseLevel(raw string) (logrus.Level, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "":
		return logrus.InfoLevel, false
	case "off", "none", "disabled":
		return logrus.PanicLevel, true
	case "warn", "warning":
		return logrus.WarnLevel, true
	}
	lvl, err := logrus.ParseLevel(raw)
	if err != nil {
		return logrus.InfoLevel, false
	}
	return lvl, true
}
