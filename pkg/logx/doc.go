// Package logx is pacer's structured logging on top of zerolog.
//
// Console output is human-readable with a short file:line caller; the file
// sink writes JSON lines. A Service can swap level and sinks at runtime and
// every Logger derived from it follows.
package logx
