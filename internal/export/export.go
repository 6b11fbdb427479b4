// Package export writes store snapshots as a text table, JSON lines or a
// CBOR sequence.
package export

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/fxamacker/cbor/v2"
	jsoniter "github.com/json-iterator/go"

	"github.com/notnil/cantel/store"
)

var ErrUnknownFormat = errors.New("export: unknown format")

// Sample is one signal in a Record. Value is omitted while the signal has
// never been received.
type Sample struct {
	Signal string   `json:"signal" cbor:"signal"`
	State  string   `json:"state" cbor:"state"`
	Value  *float64 `json:"value,omitempty" cbor:"value,omitempty"`
	Unit   string   `json:"unit,omitempty" cbor:"unit,omitempty"`
	Label  string   `json:"label,omitempty" cbor:"label,omitempty"`
	AgeMS  int64    `json:"age_ms,omitempty" cbor:"age_ms,omitempty"`
}

// Record is a timestamped set of samples.
type Record struct {
	TimeMS  int64    `json:"ts" cbor:"ts"`
	Samples []Sample `json:"samples" cbor:"samples"`
}

// NewRecord converts store readings taken at now.
func NewRecord(now time.Time, readings []store.Reading) Record {
	rec := Record{TimeMS: now.UnixMilli(), Samples: make([]Sample, 0, len(readings))}
	for _, r := range readings {
		s := Sample{
			Signal: r.Message + "." + r.Signal,
			State:  r.State.String(),
			Unit:   r.Unit,
			Label:  r.Label,
		}
		if r.State != store.Missing {
			v := r.Value
			s.Value = &v
			s.AgeMS = now.Sub(r.Updated).Milliseconds()
		}
		rec.Samples = append(rec.Samples, s)
	}
	return rec
}

// Encoder writes records to a stream.
type Encoder interface {
	Encode(Record) error
}

var jsonAPI = jsoniter.ConfigCompatibleWithStandardLibrary

var cborMode cbor.EncMode

func init() {
	var err error
	cborMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("export: CBOR encoder initialization failed: " + err.Error())
	}
}

// NewEncoder returns an encoder for format "table", "json" or "cbor".
func NewEncoder(w io.Writer, format string) (Encoder, error) {
	switch format {
	case "table":
		return &tableEncoder{w: w}, nil
	case "json":
		return &jsonEncoder{enc: jsonAPI.NewEncoder(w)}, nil
	case "cbor":
		return &cborEncoder{enc: cborMode.NewEncoder(w)}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownFormat, format)
	}
}

type jsonEncoder struct {
	enc *jsoniter.Encoder
}

// Encode writes one JSON object followed by a newline.
func (e *jsonEncoder) Encode(rec Record) error {
	return e.enc.Encode(rec)
}

type cborEncoder struct {
	enc *cbor.Encoder
}

// Encode appends one CBOR data item to the sequence.
func (e *cborEncoder) Encode(rec Record) error {
	return e.enc.Encode(rec)
}

type tableEncoder struct {
	w io.Writer
}

func (e *tableEncoder) Encode(rec Record) error {
	bw := bufio.NewWriter(e.w)
	tw := tabwriter.NewWriter(bw, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "# %s\n", time.UnixMilli(rec.TimeMS).UTC().Format(time.RFC3339Nano))
	fmt.Fprintln(tw, "SIGNAL\tVALUE\tUNIT\tSTATE\tAGE")
	for _, s := range rec.Samples {
		value, age := "-", "-"
		if s.Value != nil {
			value = strconv.FormatFloat(*s.Value, 'g', -1, 64)
			if s.Label != "" {
				value += " (" + s.Label + ")"
			}
			age = (time.Duration(s.AgeMS) * time.Millisecond).String()
		}
		unit := s.Unit
		if unit == "" {
			unit = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", s.Signal, value, unit, s.State, age)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	return bw.Flush()
}
