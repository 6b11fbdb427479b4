// Package config loads canmon configuration.
//
// Configuration comes from a single file named by the --config flag or the
// CANTEL_CONFIG environment variable. Files ending in .yaml or .yml are read
// as YAML, files ending in .toml as TOML. Values in the file replace the
// defaults; unknown keys are rejected. Command line flags are applied on
// top by the caller.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/notnil/cantel/internal/logging"
)

// EnvConfig names the environment variable holding the config file path.
const EnvConfig = "CANTEL_CONFIG"

// Output formats for the monitor.
const (
	FormatTable = "table"
	FormatJSON  = "json"
	FormatCBOR  = "cbor"
)

var ErrUnknownFileType = errors.New("config: unknown file type")

// Config is the complete canmon configuration.
type Config struct {
	// Schema is the path of the DBC file.
	Schema string `yaml:"schema" toml:"schema"`

	// Interface is a SocketCAN interface name such as can0.
	Interface string `yaml:"interface" toml:"interface"`

	// Bitrate, when non-zero, is applied to Interface before it is opened.
	Bitrate uint32 `yaml:"bitrate" toml:"bitrate"`

	// Replay is a candump log to read instead of a live interface.
	Replay string `yaml:"replay" toml:"replay"`

	// Pace replays the log with its recorded timing.
	Pace bool `yaml:"pace" toml:"pace"`

	// Record, when set, captures every frame from Interface to this file in
	// candump format.
	Record string `yaml:"record" toml:"record"`

	// Staleness is the age after which a signal reports timeout.
	Staleness time.Duration `yaml:"staleness" toml:"staleness"`

	// MaxMessages and MaxSignals bound the schema tables. Zero is unbounded.
	MaxMessages int `yaml:"max_messages" toml:"max_messages"`
	MaxSignals  int `yaml:"max_signals" toml:"max_signals"`

	Log     logging.Config `yaml:"log" toml:"log"`
	Monitor MonitorConfig  `yaml:"monitor" toml:"monitor"`
}

// MonitorConfig controls periodic output.
type MonitorConfig struct {
	// Interval between snapshots.
	Interval time.Duration `yaml:"interval" toml:"interval"`

	// Format is table, json or cbor.
	Format string `yaml:"format" toml:"format"`

	// Signals restricts output to these names. Empty means all.
	Signals []string `yaml:"signals" toml:"signals"`

	// LogFrames logs every received frame at debug level.
	LogFrames bool `yaml:"log_frames" toml:"log_frames"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Staleness: time.Second,
		Log:       logging.Default(),
		Monitor: MonitorConfig{
			Interval: time.Second,
			Format:   FormatTable,
		},
	}
}

// Load reads the file at path over Default and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()
	if err := cfg.loadFile(path); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("config load failed (%s): %w", path, err)
		}
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
			return fmt.Errorf("config parse failed (%s): %w", path, err)
		}
		return nil
	case ".toml":
		meta, err := toml.DecodeFile(path, c)
		if err != nil {
			return fmt.Errorf("config parse failed (%s): %w", path, err)
		}
		if undecoded := meta.Undecoded(); len(undecoded) > 0 {
			return fmt.Errorf("config parse failed (%s): unknown key %q", path, undecoded[0].String())
		}
		return nil
	default:
		return fmt.Errorf("%w: %s", ErrUnknownFileType, path)
	}
}

// Validate checks field ranges and names.
func (c *Config) Validate() error {
	if c.Interface != "" && c.Replay != "" {
		return errors.New("interface and replay are mutually exclusive")
	}
	if c.Record != "" && c.Interface == "" {
		return errors.New("record requires an interface")
	}
	if c.Staleness < 0 {
		return fmt.Errorf("staleness must not be negative, got %s", c.Staleness)
	}
	if c.MaxMessages < 0 || c.MaxSignals < 0 {
		return errors.New("max_messages and max_signals must not be negative")
	}
	if c.Monitor.Interval <= 0 {
		return fmt.Errorf("monitor interval must be positive, got %s", c.Monitor.Interval)
	}
	switch c.Monitor.Format {
	case FormatTable, FormatJSON, FormatCBOR:
	default:
		return fmt.Errorf("unknown monitor format %q", c.Monitor.Format)
	}
	return c.Log.Validate()
}
