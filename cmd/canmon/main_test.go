package main

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	jsoniter "github.com/json-iterator/go"

	"github.com/notnil/cantel/canbus"
	"github.com/notnil/cantel/internal/config"
	"github.com/notnil/cantel/internal/export"
)

const testDBC = `BO_ 100 Battery: 2 BMS
 SG_ SoC : 0|8@1+ (1,0) [0|100] "%" VCU
 SG_ Temp : 8|8@1- (1,-40) [-40|85] "degC" VCU

BO_ 2566848533 Motor: 2 VCU
 SG_ Speed : 7|16@0+ (0.01,0) [0|655.35] "km/h" Dash
`

func writeFiles(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
	return dir
}

func runCLI(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	t.Setenv(config.EnvConfig, "")
	var stdout, stderr bytes.Buffer
	err := run(context.Background(), args, &stdout, &stderr)
	return stdout.String(), stderr.String(), err
}

func TestParseAssignments(t *testing.T) {
	got, err := parseAssignments(map[string]string{"Speed": " 12.5", "Mode": "1", " Temp": "-3e1"})
	if err != nil {
		t.Fatalf("parseAssignments: %v", err)
	}
	want := map[string]float64{"Speed": 12.5, "Mode": 1, "Temp": -30}
	if len(got) != len(want) {
		t.Fatalf("got %v", got)
	}
	for k, v := range want {
		if got[k] != v {
			t.Fatalf("%s = %v, want %v", k, got[k], v)
		}
	}
	if _, err := parseAssignments(map[string]string{"Speed": "fast"}); err == nil || !strings.Contains(err.Error(), "Speed") {
		t.Fatalf("expected error naming Speed, got %v", err)
	}
}

func TestRun_List(t *testing.T) {
	dir := writeFiles(t, map[string]string{"v.dbc": testDBC})
	out, _, err := runCLI(t, "--schema", filepath.Join(dir, "v.dbc"), "--list", "--log-level", "error")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	for _, want := range []string{"MESSAGE", "Battery", "064", "Temp (signed)", "Motor", "18FF0015", "Speed", "big"} {
		if !strings.Contains(out, want) {
			t.Fatalf("list output missing %q:\n%s", want, out)
		}
	}
}

func TestRun_ReplayJSON(t *testing.T) {
	dir := writeFiles(t, map[string]string{
		"v.dbc": testDBC,
		"drive.log": strings.Join([]string{
			"(1.000000) vcan0 064#2A32",
			"(1.100000) vcan0 18FF0015#1234",
			"(1.200000) vcan0 123#00",
		}, "\n"),
	})
	out, _, err := runCLI(t,
		"-s", filepath.Join(dir, "v.dbc"),
		"-r", filepath.Join(dir, "drive.log"),
		"-f", "json",
		"--signal", "SoC,Battery.Temp",
		"--signal", "Motor.Speed",
		"--interval", "1h",
		"--staleness", "1h",
		"--log-level", "error",
	)
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	sc := bufio.NewScanner(strings.NewReader(out))
	var last export.Record
	for sc.Scan() {
		if err := jsoniter.Unmarshal(sc.Bytes(), &last); err != nil {
			t.Fatalf("bad line %q: %v", sc.Text(), err)
		}
	}
	if len(last.Samples) != 3 {
		t.Fatalf("samples = %+v", last.Samples)
	}
	want := map[string]float64{"Battery.SoC": 42, "Battery.Temp": 10, "Motor.Speed": 46.6}
	for _, s := range last.Samples {
		if s.State != "valid" || s.Value == nil {
			t.Fatalf("%s not valid: %+v", s.Signal, s)
		}
		if d := *s.Value - want[s.Signal]; d > 1e-9 || d < -1e-9 {
			t.Fatalf("%s = %v, want %v", s.Signal, *s.Value, want[s.Signal])
		}
	}
}

func TestRun_ConfigFileWithFlagOverride(t *testing.T) {
	dir := writeFiles(t, map[string]string{
		"v.dbc":     testDBC,
		"drive.log": "vcan0 064#0A00\n",
	})
	cfgPath := filepath.Join(dir, "canmon.toml")
	cfg := "schema = \"" + filepath.Join(dir, "v.dbc") + "\"\n" +
		"replay = \"" + filepath.Join(dir, "drive.log") + "\"\n" +
		"[monitor]\nformat = \"json\"\ninterval = \"1h\"\nsignals = [\"SoC\"]\n" +
		"[log]\nlevel = \"error\"\n"
	if err := os.WriteFile(cfgPath, []byte(cfg), 0o644); err != nil {
		t.Fatal(err)
	}

	out, _, err := runCLI(t, "--config", cfgPath, "--format", "table")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !strings.Contains(out, "SIGNAL") || !strings.Contains(out, "Battery.SoC") || strings.Contains(out, "Temp") {
		t.Fatalf("unexpected table:\n%s", out)
	}
}

func TestRun_Errors(t *testing.T) {
	dir := writeFiles(t, map[string]string{"v.dbc": testDBC, "empty.log": ""})
	schema := filepath.Join(dir, "v.dbc")

	if _, _, err := runCLI(t, "--list"); err == nil || !strings.Contains(err.Error(), "schema") {
		t.Fatalf("missing schema err = %v", err)
	}
	if _, _, err := runCLI(t, "-s", schema); err == nil || !strings.Contains(err.Error(), "frame source") {
		t.Fatalf("missing source err = %v", err)
	}
	if _, _, err := runCLI(t, "-s", schema, "-r", filepath.Join(dir, "empty.log"), "--signal", "Nope", "--log-level", "error"); err == nil {
		t.Fatalf("expected unknown signal error")
	}
	_, _, err := runCLI(t, "-s", schema, "-r", filepath.Join(dir, "empty.log"), "--send", "Battery", "--set", "SoC=5", "--log-level", "error")
	if !errors.Is(err, canbus.ErrReadOnly) {
		t.Fatalf("send on replay err = %v", err)
	}
	if _, _, err := runCLI(t, "-s", schema, "stray"); err == nil || !strings.Contains(err.Error(), "stray") {
		t.Fatalf("stray argument err = %v", err)
	}
	if _, stderr, err := runCLI(t, "--help"); err != nil || !strings.Contains(stderr, "--schema") {
		t.Fatalf("help: %v\n%s", err, stderr)
	}
}
