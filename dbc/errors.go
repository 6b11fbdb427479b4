package dbc

import (
	"errors"
	"fmt"
)

var (
	ErrIO                      = errors.New("dbc: cannot read schema")
	ErrMessageCapacityExceeded = errors.New("dbc: message capacity exceeded")
	ErrSignalCapacityExceeded  = errors.New("dbc: signal capacity exceeded")
	ErrSignalBeforeMessage     = errors.New("dbc: signal defined before any message")
)

// ParseError reports a fatal load failure. Line is 1-based, or 0 when the
// failure is not tied to a line.
type ParseError struct {
	Line int
	Err  error
}

func (e *ParseError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("%v (line %d)", e.Err, e.Line)
	}
	return e.Err.Error()
}

func (e *ParseError) Unwrap() error { return e.Err }
