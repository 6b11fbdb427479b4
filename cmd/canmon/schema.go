package main

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/sirupsen/logrus"

	"github.com/notnil/cantel/canbus"
	"github.com/notnil/cantel/store"
)

func printSchema(w io.Writer, st *store.Store) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "MESSAGE\tID\tDLC\tSIGNAL\tSTART\tLEN\tORDER\tSCALE\tOFFSET\tUNIT")
	for mi, m := range st.Messages() {
		id := fmt.Sprintf("%03X", m.ID)
		if m.Extended {
			id = fmt.Sprintf("%08X", m.ID)
		}
		sigs, err := st.MessageSignals(mi)
		if err != nil {
			return err
		}
		if len(sigs) == 0 {
			fmt.Fprintf(tw, "%s\t%s\t%d\t-\t\t\t\t\t\t\n", m.Name, id, m.Length)
			continue
		}
		for i := range sigs {
			s := &sigs[i]
			name := s.Name
			if s.Signed {
				name += " (signed)"
			}
			fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%d\t%d\t%s\t%g\t%g\t%s\n",
				m.Name, id, m.Length, name, s.DBCStartBit(), s.Length, s.Order, s.Scale, s.Offset, s.Unit)
		}
	}
	return tw.Flush()
}

// parseAssignments converts --set pairs to physical values.
func parseAssignments(set map[string]string) (map[string]float64, error) {
	out := make(map[string]float64, len(set))
	names := make([]string, 0, len(set))
	for name := range set {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		raw := strings.TrimSpace(set[name])
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return nil, fmt.Errorf("--set %s=%q: not a number", name, raw)
		}
		out[strings.TrimSpace(name)] = v
	}
	return out, nil
}

func send(ctx context.Context, st *store.Store, bus canbus.Bus, message string, set map[string]string, log logrus.FieldLogger) error {
	mi, err := st.FindMessage(message)
	if err != nil {
		return err
	}
	values, err := parseAssignments(set)
	if err != nil {
		return err
	}
	f, err := st.BuildFrameNamed(mi, values)
	if err != nil {
		return err
	}
	if err := bus.Send(ctx, f); err != nil {
		return fmt.Errorf("send %s: %w", message, err)
	}
	log.WithFields(logrus.Fields{"message": message, "frame": f.String()}).Info("frame sent")
	return nil
}
