package dbc

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
)

// Schema keywords.
const (
	kwVersion  = "VERSION"
	kwNS       = "NS_"
	kwBS       = "BS_"
	kwBU       = "BU_"
	kwBO       = "BO_"
	kwSG       = "SG_"
	kwEV       = "EV_"
	kwSigGroup = "SIG_GROUP_"
	kwValTable = "VAL_TABLE_"
	kwVal      = "VAL_"
	kwCM       = "CM_"
)

// Identifier limits. Bit 31 of a BO_ id marks a 29-bit identifier.
const (
	extendedFlag  = 0x80000000
	maxStandardID = 0x7FF
	maxExtendedID = 0x1FFFFFFF
)

const maxLineSize = 1 << 20

// Option configures Parse.
type Option func(*parser)

// WithMessageCapacity bounds the number of messages. Zero means unbounded.
func WithMessageCapacity(n int) Option {
	return func(p *parser) { p.maxMessages = n }
}

// WithSignalCapacity bounds the total number of signals. Zero means unbounded.
func WithSignalCapacity(n int) Option {
	return func(p *parser) { p.maxSignals = n }
}

// WithLogger sets the logger that receives skipped-record diagnostics.
func WithLogger(l logrus.FieldLogger) Option {
	return func(p *parser) {
		if l != nil {
			p.log = l
		}
	}
}

// parser holds the state of one Parse call.
type parser struct {
	maxMessages int
	maxSignals  int
	log         logrus.FieldLogger

	db   *Database
	line int

	// cur is the message receiving SG_ records, -1 before the first BO_.
	cur int
	// orphan is set after a malformed BO_: its SG_ records are skipped.
	orphan bool
	// nsBlock is set while skipping the indented body of NS_.
	nsBlock bool
	// inQuote is set while skipping a statement whose string spans lines.
	inQuote bool

	byRawID map[uint32]int
}

// ParseFile opens and parses the schema at path.
func ParseFile(path string, opts ...Option) (*Database, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, &ParseError{Err: fmt.Errorf("%w: %w", ErrIO, err)}
	}
	defer f.Close()
	return Parse(f, opts...)
}

// Parse reads a schema in a single forward pass.
func Parse(r io.Reader, opts ...Option) (*Database, error) {
	p := &parser{
		log:     logrus.StandardLogger(),
		db:      &Database{},
		cur:     -1,
		byRawID: make(map[uint32]int),
	}
	for _, opt := range opts {
		opt(p)
	}

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	for sc.Scan() {
		p.line++
		if err := p.parseLine(sc.Text()); err != nil {
			return nil, &ParseError{Line: p.line, Err: err}
		}
	}
	if err := sc.Err(); err != nil {
		return nil, &ParseError{Line: p.line, Err: fmt.Errorf("%w: %w", ErrIO, err)}
	}
	return p.db, nil
}

func (p *parser) logger(kw string) logrus.FieldLogger {
	return p.log.WithFields(logrus.Fields{"line": p.line, "keyword": kw})
}

func (p *parser) parseLine(line string) error {
	if p.inQuote {
		if !quotesBalanced(line) {
			p.inQuote = false
		}
		return nil
	}
	if p.nsBlock {
		if line != "" && isSpace(line[0]) {
			return nil
		}
		p.nsBlock = false
	}

	toks, open := fields(line)
	if len(toks) == 0 || strings.HasPrefix(toks[0], "//") {
		return nil
	}
	kw := strings.TrimSuffix(toks[0], ":")
	p.inQuote = open

	switch kw {
	case kwBO:
		return p.parseMessage(toks)
	case kwSG:
		return p.parseSignal(toks)
	case kwNS:
		p.nsBlock = true
	case kwBU:
		p.parseNodes(toks)
	case kwVersion:
		if len(toks) > 1 {
			p.db.Version, _ = unquote(toks[1])
		}
	case kwVal:
		p.parseValues(toks)
	case kwBS, kwValTable, kwCM:
	case kwEV, kwSigGroup:
		p.logger(kw).Debug("dbc: unsupported keyword ignored")
	default:
		p.logger(kw).Debug("dbc: unknown keyword, line skipped")
	}
	return nil
}

func (p *parser) parseNodes(toks []string) {
	for _, t := range toks[1:] {
		if t == ":" {
			continue
		}
		p.db.Nodes = append(p.db.Nodes, t)
	}
}

// parseMessage handles: BO_ <id> <name>: <dlc> <sender>
func (p *parser) parseMessage(toks []string) error {
	args := toks[1:]
	if len(args) >= 2 && strings.HasSuffix(args[1], ":") && args[1] != ":" {
		args = append([]string{args[0], strings.TrimSuffix(args[1], ":"), ":"}, args[2:]...)
	}
	// id name : dlc [sender]
	if len(args) < 4 || len(args) > 5 || args[2] != ":" || args[1] == "" {
		return p.skipMessage("malformed message record", nil)
	}
	raw, err := strconv.ParseUint(args[0], 10, 32)
	if err != nil {
		return p.skipMessage("invalid message id", err)
	}
	dlc, err := strconv.ParseUint(args[3], 10, 8)
	if err != nil || dlc > 8 {
		return p.skipMessage("invalid message length", err)
	}

	if p.maxMessages > 0 && len(p.db.Messages) >= p.maxMessages {
		return ErrMessageCapacityExceeded
	}

	id := uint32(raw)
	m := Message{
		ID:     id,
		Length: uint8(dlc),
		Name:   args[1],
		First:  len(p.db.Signals),
	}
	switch {
	case id&extendedFlag != 0:
		m.ID, m.Extended = id&maxExtendedID, true
	case id > maxExtendedID:
		return p.skipMessage("invalid message id", nil)
	case id > maxStandardID:
		// Some writers omit the flag on 29-bit ids.
		m.Extended = true
	}
	if len(args) == 5 {
		m.Sender = args[4]
	}
	if _, dup := p.byRawID[id]; dup {
		p.logger(kwBO).WithField("message", m.Name).Warn("dbc: duplicate message id")
	} else {
		p.byRawID[id] = len(p.db.Messages)
	}
	p.db.Messages = append(p.db.Messages, m)
	p.cur = len(p.db.Messages) - 1
	p.orphan = false
	return nil
}

func (p *parser) skipMessage(reason string, err error) error {
	l := p.logger(kwBO)
	if err != nil {
		l = l.WithError(err)
	}
	l.Warn("dbc: " + reason + ", message and its signals skipped")
	p.orphan = true
	return nil
}

// parseSignal handles:
//
//	SG_ <name> [mux] : <bit>|<len>@<order><sign> (<scale>,<offset>) [<min>|<max>] "<unit>" <receivers>
func (p *parser) parseSignal(toks []string) error {
	if p.cur < 0 {
		return ErrSignalBeforeMessage
	}
	if p.orphan {
		p.logger(kwSG).Warn("dbc: signal of skipped message ignored")
		return nil
	}

	s, err := p.signalFields(toks[1:])
	if err != nil {
		p.logger(kwSG).WithError(err).Warn("dbc: malformed signal record skipped")
		return nil
	}
	m := &p.db.Messages[p.cur]
	if s.Span() > int(m.Length) {
		p.logger(kwSG).WithFields(logrus.Fields{
			"message": m.Name,
			"signal":  s.Name,
			"length":  m.Length,
		}).Warn("dbc: signal extends past message length, skipped")
		return nil
	}
	if p.maxSignals > 0 && len(p.db.Signals) >= p.maxSignals {
		return ErrSignalCapacityExceeded
	}
	s.Message = p.cur
	p.db.Signals = append(p.db.Signals, s)
	p.db.Messages[p.cur].Count++
	return nil
}

func (p *parser) signalFields(args []string) (Signal, error) {
	var s Signal
	// Split "Name:" and "M:" so the separator is always its own token.
	norm := make([]string, 0, len(args)+1)
	sep := false
	for i, a := range args {
		switch {
		case a == ":":
			sep = true
		case !sep && i < 2 && strings.HasSuffix(a, ":"):
			norm = append(norm, strings.TrimSuffix(a, ":"), ":")
			sep = true
			continue
		}
		norm = append(norm, a)
	}
	if len(norm) < 2 || norm[0] == ":" {
		return s, fmt.Errorf("missing signal name")
	}
	s.Name = norm[0]
	rest := norm[1:]
	if rest[0] != ":" {
		if err := parseMux(rest[0], &s); err != nil {
			return s, err
		}
		rest = rest[1:]
	}
	// : layout (scale,offset) [min|max] "unit" receivers
	if len(rest) < 6 || rest[0] != ":" {
		return s, fmt.Errorf("want 6 fields after the name, got %d", len(rest))
	}
	if err := parseLayout(rest[1], &s); err != nil {
		return s, err
	}
	if err := parseScale(rest[2], &s); err != nil {
		return s, err
	}
	if err := parseRange(rest[3], &s); err != nil {
		return s, err
	}
	unit, ok := unquote(rest[4])
	if !ok {
		return s, fmt.Errorf("unit %q is not quoted", rest[4])
	}
	s.Unit = unit
	for _, r := range rest[5:] {
		for _, name := range strings.Split(r, ",") {
			if name != "" {
				s.Receivers = append(s.Receivers, name)
			}
		}
	}
	return s, nil
}

// parseLayout parses "<bit>|<len>@<order><sign>" and normalizes the start
// bit. Big-endian start bits name the MSB in the schema's sawtooth
// numbering; flipping the in-byte index (s^7, which is s-7 for bit 7 of a
// byte) turns it into an MSB-first linear position.
func parseLayout(tok string, s *Signal) error {
	pos, rest, ok := strings.Cut(tok, "|")
	if !ok {
		return fmt.Errorf("layout %q: missing '|'", tok)
	}
	length, flags, ok := strings.Cut(rest, "@")
	if !ok || len(flags) != 2 {
		return fmt.Errorf("layout %q: want <bit>|<len>@<order><sign>", tok)
	}
	start, err := strconv.ParseUint(pos, 10, 8)
	if err != nil {
		return fmt.Errorf("layout %q: start bit: %w", tok, err)
	}
	n, err := strconv.ParseUint(length, 10, 8)
	if err != nil {
		return fmt.Errorf("layout %q: length: %w", tok, err)
	}
	switch flags[0] {
	case '0':
		s.Order = BigEndian
	case '1':
		s.Order = LittleEndian
	default:
		return fmt.Errorf("layout %q: byte order %q", tok, flags[0])
	}
	switch flags[1] {
	case '+':
	case '-':
		s.Signed = true
	default:
		return fmt.Errorf("layout %q: sign %q", tok, flags[1])
	}
	if n < 1 || n > 64 {
		return fmt.Errorf("layout %q: length %d outside 1..64", tok, n)
	}
	if start > 63 {
		return fmt.Errorf("layout %q: start bit %d outside 0..63", tok, start)
	}
	if s.Order == BigEndian {
		start ^= 7
	}
	if start+n > 64 {
		return fmt.Errorf("layout %q: bits extend past the 64-bit payload", tok)
	}
	s.StartBit = uint8(start)
	s.Length = uint8(n)
	s.Mask = maskFor(s.Length)
	return nil
}

// parseMux parses the multiplexer indicator: "M" for the multiplexor,
// "m<n>" for a signal carried when the multiplexor is n, and "m<n>M" for a
// nested multiplexor.
func parseMux(tok string, s *Signal) error {
	s.Multiplex = tok
	if tok == "M" {
		s.Multiplexor = true
		return nil
	}
	v, ok := strings.CutPrefix(tok, "m")
	if !ok {
		return fmt.Errorf("multiplexer %q: want M or m<n>", tok)
	}
	if n, nested := strings.CutSuffix(v, "M"); nested {
		v = n
		s.Multiplexor = true
	}
	n, err := strconv.ParseUint(v, 10, 63)
	if err != nil {
		return fmt.Errorf("multiplexer %q: want M or m<n>", tok)
	}
	s.Multiplexed, s.MuxValue = true, int64(n)
	return nil
}

func parseScale(tok string, s *Signal) error {
	if !strings.HasPrefix(tok, "(") || !strings.HasSuffix(tok, ")") {
		return fmt.Errorf("scale %q: want (<scale>,<offset>)", tok)
	}
	a, b, ok := strings.Cut(tok[1:len(tok)-1], ",")
	if !ok {
		return fmt.Errorf("scale %q: missing ','", tok)
	}
	scale, err := strconv.ParseFloat(strings.TrimSpace(a), 64)
	if err != nil {
		return fmt.Errorf("scale %q: %w", tok, err)
	}
	offset, err := strconv.ParseFloat(strings.TrimSpace(b), 64)
	if err != nil {
		return fmt.Errorf("offset %q: %w", tok, err)
	}
	if scale == 0 {
		scale = 1
	}
	s.Scale, s.Offset = scale, offset
	return nil
}

func parseRange(tok string, s *Signal) error {
	if !strings.HasPrefix(tok, "[") || !strings.HasSuffix(tok, "]") {
		return fmt.Errorf("range %q: want [<min>|<max>]", tok)
	}
	a, b, ok := strings.Cut(tok[1:len(tok)-1], "|")
	if !ok {
		return fmt.Errorf("range %q: missing '|'", tok)
	}
	lo, err := strconv.ParseFloat(strings.TrimSpace(a), 64)
	if err != nil {
		return fmt.Errorf("range %q: %w", tok, err)
	}
	hi, err := strconv.ParseFloat(strings.TrimSpace(b), 64)
	if err != nil {
		return fmt.Errorf("range %q: %w", tok, err)
	}
	s.Min, s.Max = lo, hi
	return nil
}

// parseValues handles: VAL_ <id> <signal> <n> "<label>" ... ;
// Value descriptions of environment variables carry no id and are skipped.
func (p *parser) parseValues(toks []string) {
	l := p.logger(kwVal)
	if len(toks) < 3 {
		l.Warn("dbc: malformed value description skipped")
		return
	}
	raw, err := strconv.ParseUint(toks[1], 10, 32)
	if err != nil {
		l.Debug("dbc: value description without message id skipped")
		return
	}
	mi, ok := p.byRawID[uint32(raw)]
	if !ok {
		l.WithField("id", raw).Warn("dbc: value description for unknown message skipped")
		return
	}
	m := p.db.Messages[mi]
	var sig *Signal
	for i := m.First; i < m.First+m.Count; i++ {
		if p.db.Signals[i].Name == toks[2] {
			sig = &p.db.Signals[i]
			break
		}
	}
	if sig == nil {
		l.WithFields(logrus.Fields{"message": m.Name, "signal": toks[2]}).Warn("dbc: value description for unknown signal skipped")
		return
	}
	pairs := toks[3:]
	if n := len(pairs); n > 0 && pairs[n-1] == ";" {
		pairs = pairs[:n-1]
	}
	if len(pairs)%2 != 0 {
		l.WithField("signal", sig.Name).Warn("dbc: odd value description skipped")
		return
	}
	values := make(map[int64]string, len(pairs)/2)
	for i := 0; i < len(pairs); i += 2 {
		v, err := strconv.ParseInt(pairs[i], 10, 64)
		label, ok := unquote(pairs[i+1])
		if err != nil || !ok {
			l.WithField("signal", sig.Name).Warn("dbc: malformed value description skipped")
			return
		}
		values[v] = label
	}
	sig.Values = values
}
