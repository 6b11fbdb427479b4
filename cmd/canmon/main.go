// canmon decodes CAN traffic against a DBC schema and prints the latest
// value and freshness of every signal.
//
// Frames come either from a SocketCAN interface (--iface) or from a candump
// log (--replay). Snapshots are written every --interval as a table, JSON
// lines or a CBOR sequence. With --list the schema is printed and nothing
// is read; with --send one message is encoded from --set values and
// transmitted.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"

	"github.com/notnil/cantel/canbus"
	"github.com/notnil/cantel/internal/config"
	"github.com/notnil/cantel/internal/export"
	"github.com/notnil/cantel/internal/logging"
	"github.com/notnil/cantel/store"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	if err := run(ctx, os.Args[1:], os.Stdout, os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "canmon: %v\n", err)
		os.Exit(1)
	}
}

type options struct {
	configPath string
	list       bool
	send       string
	set        map[string]string
	up         bool
	help       bool
}

func newFlagSet(cfg *config.Config, opts *options) *pflag.FlagSet {
	fs := pflag.NewFlagSet("canmon", pflag.ContinueOnError)
	fs.StringVarP(&opts.configPath, "config", "c", "", "configuration file (.yaml, .yml or .toml); defaults to $"+config.EnvConfig)
	fs.StringVarP(&cfg.Schema, "schema", "s", cfg.Schema, "DBC schema file")
	fs.StringVarP(&cfg.Interface, "iface", "i", cfg.Interface, "SocketCAN interface to read")
	fs.Uint32Var(&cfg.Bitrate, "bitrate", cfg.Bitrate, "configure the interface bitrate before opening it")
	fs.BoolVar(&opts.up, "up", false, "bring the interface up before opening it")
	fs.StringVarP(&cfg.Replay, "replay", "r", cfg.Replay, "candump log to replay instead of an interface")
	fs.BoolVar(&cfg.Pace, "pace", cfg.Pace, "replay with the recorded timing")
	fs.StringVar(&cfg.Record, "record", cfg.Record, "capture frames from the interface to a candump log")
	fs.DurationVar(&cfg.Staleness, "staleness", cfg.Staleness, "age after which a signal reports timeout")
	fs.IntVar(&cfg.MaxMessages, "max-messages", cfg.MaxMessages, "maximum messages in the schema (0 = unbounded)")
	fs.IntVar(&cfg.MaxSignals, "max-signals", cfg.MaxSignals, "maximum signals in the schema (0 = unbounded)")
	fs.DurationVar(&cfg.Monitor.Interval, "interval", cfg.Monitor.Interval, "time between snapshots")
	fs.StringVarP(&cfg.Monitor.Format, "format", "f", cfg.Monitor.Format, "snapshot format: table, json or cbor")
	fs.StringSliceVar(&cfg.Monitor.Signals, "signal", cfg.Monitor.Signals, "signals to print (Signal or Message.Signal); repeatable")
	fs.BoolVar(&cfg.Monitor.LogFrames, "log-frames", cfg.Monitor.LogFrames, "log every schema frame at debug level")
	fs.StringVar(&cfg.Log.Level, "log-level", cfg.Log.Level, "log level (trace|debug|info|warn|error|off)")
	fs.StringVar(&cfg.Log.Format, "log-format", cfg.Log.Format, "log format (text|json)")
	fs.BoolVarP(&opts.list, "list", "l", false, "print the schema and exit")
	fs.StringVar(&opts.send, "send", "", "encode and transmit one message by name")
	fs.StringToStringVar(&opts.set, "set", nil, "signal values for --send, as name=value pairs")
	fs.BoolVarP(&opts.help, "help", "h", false, "show help")
	return fs
}

// loadConfig parses args twice: once to find the config file, then again
// over the loaded file so that flags take precedence.
func loadConfig(args []string, stderr io.Writer) (*config.Config, *options, error) {
	var probe options
	probeFS := newFlagSet(config.Default(), &probe)
	probeFS.SetOutput(io.Discard)
	if err := probeFS.Parse(args); err != nil {
		return nil, nil, err
	}
	if probe.help {
		printHelp(probeFS, stderr)
		return nil, &probe, nil
	}

	path := probe.configPath
	if path == "" {
		path = os.Getenv(config.EnvConfig)
	}
	cfg := config.Default()
	if path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return nil, nil, err
		}
		cfg = loaded
	}

	var opts options
	fs := newFlagSet(cfg, &opts)
	fs.SetOutput(stderr)
	if err := fs.Parse(args); err != nil {
		return nil, nil, err
	}
	if args := fs.Args(); len(args) > 0 {
		return nil, nil, fmt.Errorf("unexpected argument: %s", args[0])
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}
	return cfg, &opts, nil
}

func printHelp(fs *pflag.FlagSet, w io.Writer) {
	fmt.Fprintf(w, `canmon decodes CAN frames with a DBC schema.

Usage:
  canmon --schema vehicle.dbc --iface can0
  canmon --schema vehicle.dbc --replay drive.log --format json
  canmon --schema vehicle.dbc --list
  canmon --schema vehicle.dbc --iface can0 --send Motor --set Speed=12.5,Mode=1

Flags:
%s`, fs.FlagUsages())
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	cfg, opts, err := loadConfig(args, stderr)
	if err != nil {
		return err
	}
	if cfg == nil {
		if opts != nil && opts.help {
			return nil
		}
		return errors.New("no configuration")
	}

	log := logging.NewWithOutput(cfg.Log, stderr)
	if cfg.Schema == "" {
		return errors.New("no schema given; use --schema or set schema in the config file")
	}
	st, err := store.LoadFile(cfg.Schema,
		store.WithStaleness(cfg.Staleness),
		store.WithLogger(log),
		store.WithCapacity(cfg.MaxMessages, cfg.MaxSignals),
	)
	if err != nil {
		return fmt.Errorf("load schema: %w", err)
	}
	log.WithFields(logrus.Fields{
		"schema":   cfg.Schema,
		"messages": len(st.Messages()),
		"signals":  len(st.Signals()),
	}).Info("schema loaded")

	if opts.list {
		return printSchema(stdout, st)
	}

	bus, err := openBus(cfg, opts, st, log)
	if err != nil {
		return err
	}
	defer bus.Close()

	if opts.send != "" {
		return send(ctx, st, bus, opts.send, opts.set, log)
	}
	return monitor(ctx, cfg, st, bus, stdout, log)
}

func openBus(cfg *config.Config, opts *options, st *store.Store, log logrus.FieldLogger) (canbus.Bus, error) {
	var bus canbus.Bus
	switch {
	case cfg.Replay != "":
		f, err := os.Open(cfg.Replay)
		if err != nil {
			return nil, fmt.Errorf("open replay: %w", err)
		}
		bus = canbus.NewReplayBus(f, canbus.WithPacing(cfg.Pace))
	case cfg.Interface != "":
		up := opts.up
		if cfg.Bitrate != 0 {
			// The bitrate can only change while the link is down.
			if err := canbus.SetInterfaceDown(cfg.Interface); err != nil {
				return nil, fmt.Errorf("bring down %s: %w", cfg.Interface, err)
			}
			if err := canbus.ConfigureBitrate(cfg.Interface, cfg.Bitrate); err != nil {
				return nil, fmt.Errorf("configure %s: %w", cfg.Interface, err)
			}
			up = true
		}
		if up {
			if err := canbus.SetInterfaceUp(cfg.Interface); err != nil {
				return nil, fmt.Errorf("bring up %s: %w", cfg.Interface, err)
			}
		}
		if up, err := canbus.IsInterfaceUp(cfg.Interface); err == nil && !up {
			log.WithField("iface", cfg.Interface).Warn("interface is down")
		}
		b, err := canbus.DialSocketCAN(cfg.Interface)
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", cfg.Interface, err)
		}
		bus = b
	default:
		return nil, errors.New("no frame source; use --iface or --replay")
	}
	if cfg.Monitor.LogFrames {
		bus = canbus.NewLoggedBus(bus, log, logrus.DebugLevel, canbus.LogAll, st.Filter())
	}
	return bus, nil
}

func monitor(ctx context.Context, cfg *config.Config, st *store.Store, bus canbus.Bus, stdout io.Writer, log logrus.FieldLogger) error {
	enc, err := export.NewEncoder(stdout, cfg.Monitor.Format)
	if err != nil {
		return err
	}
	selected, err := selectSignals(st, cfg.Monitor.Signals)
	if err != nil {
		return err
	}
	emit := func() error {
		return enc.Encode(export.NewRecord(time.Now(), readings(st, selected)))
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	src := bus
	if cfg.Record != "" {
		stop, port, err := startRecorder(ctx, cfg, st, bus, log)
		if err != nil {
			return err
		}
		defer stop()
		src = port
	}
	done := make(chan error, 1)
	go func() { done <- st.Run(ctx, src) }()

	ticker := time.NewTicker(cfg.Monitor.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := emit(); err != nil {
				return err
			}
		case err := <-done:
			stats := st.Stats()
			log.WithFields(logrus.Fields{
				"frames":    stats.Frames,
				"unknown":   stats.Unknown,
				"truncated": stats.Truncated,
			}).Info("input finished")
			if err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return emit()
		case <-ctx.Done():
			<-done
			return nil
		}
	}
}

// startRecorder splits bus with a Mux: the returned port feeds the store and
// a second subscription is written to cfg.Record.
func startRecorder(ctx context.Context, cfg *config.Config, st *store.Store, bus canbus.Bus, log logrus.FieldLogger) (func(), canbus.Bus, error) {
	f, err := os.Create(cfg.Record)
	if err != nil {
		return nil, nil, fmt.Errorf("create record: %w", err)
	}
	mux := canbus.NewMux(bus)
	port := mux.Open(st.Filter(), 1024)
	rec := canbus.NewRecorder(f, cfg.Interface)
	recDone := make(chan error, 1)
	go func() { recDone <- rec.Run(ctx, mux.Open(nil, 1024)) }()

	stop := func() {
		_ = mux.Close()
		if err := <-recDone; err != nil && !errors.Is(err, context.Canceled) {
			log.WithError(err).Error("recording failed")
		}
		if err := f.Close(); err != nil {
			log.WithError(err).Error("close record")
		}
		if n := mux.Dropped(); n > 0 {
			log.WithField("dropped", n).Warn("frames dropped by slow consumers")
		}
	}
	return stop, port, nil
}

// selectSignals resolves names to indices; nil selects every signal.
func selectSignals(st *store.Store, names []string) ([]int, error) {
	if len(names) == 0 {
		return nil, nil
	}
	out := make([]int, 0, len(names))
	for _, n := range names {
		idx, err := st.FindSignal(n)
		if err != nil {
			return nil, err
		}
		out = append(out, idx)
	}
	return out, nil
}

func readings(st *store.Store, selected []int) []store.Reading {
	if selected == nil {
		return st.Snapshot()
	}
	out := make([]store.Reading, 0, len(selected))
	for _, idx := range selected {
		r, err := st.Get(idx)
		if err == nil {
			out = append(out, r)
		}
	}
	return out
}
