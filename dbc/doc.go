// Package dbc parses DBC bus-description files into message and signal
// descriptors and converts between raw frame bits and physical values.
//
// A parsed Database stores every signal in one flat slice in declaration
// order. Each Message owns a contiguous range of that slice, described by
// First and Count, so a signal's global index is its message's First plus
// its position inside the message.
//
// The parser is lenient: records it does not understand are logged and
// skipped so that files carrying vendor extensions still load. Structural
// problems (a signal outside any message, capacity limits) abort the load.
package dbc
