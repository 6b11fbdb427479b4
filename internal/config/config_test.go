package config

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestLoad_YAML(t *testing.T) {
	path := writeFile(t, "canmon.yaml", `
schema: vehicle.dbc
interface: can0
bitrate: 500000
staleness: 250ms
max_messages: 64
log:
  level: debug
  format: json
monitor:
  interval: 2s
  format: json
  signals: [SoC, Motor.Speed]
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	want := &Config{
		Schema:      "vehicle.dbc",
		Interface:   "can0",
		Bitrate:     500000,
		Staleness:   250 * time.Millisecond,
		MaxMessages: 64,
		Monitor: MonitorConfig{
			Interval: 2 * time.Second,
			Format:   FormatJSON,
			Signals:  []string{"SoC", "Motor.Speed"},
		},
	}
	want.Log.Level = "debug"
	want.Log.Format = "json"
	if !reflect.DeepEqual(cfg, want) {
		t.Fatalf("config mismatch:\n got %+v\nwant %+v", cfg, want)
	}
}

func TestLoad_TOMLKeepsDefaults(t *testing.T) {
	path := writeFile(t, "canmon.toml", `
schema = "vehicle.dbc"
replay = "drive.log"
pace = true

[monitor]
format = "cbor"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Replay != "drive.log" || !cfg.Pace || cfg.Monitor.Format != FormatCBOR {
		t.Fatalf("unexpected config %+v", cfg)
	}
	def := Default()
	if cfg.Staleness != def.Staleness || cfg.Monitor.Interval != def.Monitor.Interval || cfg.Log != def.Log {
		t.Fatalf("defaults not kept: %+v", cfg)
	}
}

func TestLoad_TOMLDuration(t *testing.T) {
	path := writeFile(t, "canmon.toml", "staleness = \"1.5s\"\n[monitor]\ninterval = \"100ms\"\n")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Staleness != 1500*time.Millisecond || cfg.Monitor.Interval != 100*time.Millisecond {
		t.Fatalf("durations = %v %v", cfg.Staleness, cfg.Monitor.Interval)
	}
}

func TestLoad_Errors(t *testing.T) {
	cases := []struct {
		name, file, content, want string
	}{
		{"unknown yaml key", "a.yaml", "schema: x\nbogus: 1\n", "bogus"},
		{"unknown toml key", "a.toml", "schema = \"x\"\nbogus = 1\n", "bogus"},
		{"both sources", "a.yaml", "interface: can0\nreplay: x.log\n", "mutually exclusive"},
		{"record without interface", "a.yaml", "replay: x.log\nrecord: out.log\n", "record requires"},
		{"negative staleness", "a.yaml", "staleness: -1s\n", "staleness"},
		{"bad format", "a.toml", "[monitor]\nformat = \"xml\"\n", "xml"},
		{"zero interval", "a.yaml", "monitor:\n  interval: 0s\n", "interval"},
		{"bad log level", "a.yaml", "log:\n  level: loud\n", "loud"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			_, err := Load(writeFile(t, c.file, c.content))
			if err == nil || !strings.Contains(err.Error(), c.want) {
				t.Fatalf("err = %v, want mention of %q", err, c.want)
			}
		})
	}

	if _, err := Load(writeFile(t, "a.ini", "")); !errors.Is(err, ErrUnknownFileType) {
		t.Fatalf("ini err = %v", err)
	}
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("missing file err = %v", err)
	}
}

func TestLoad_EmptyYAML(t *testing.T) {
	cfg, err := Load(writeFile(t, "empty.yml", ""))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !reflect.DeepEqual(cfg, Default()) {
		t.Fatalf("empty file should yield defaults, got %+v", cfg)
	}
}
