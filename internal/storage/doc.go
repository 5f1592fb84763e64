// Package storage journals task outcomes so operators can inspect what the
// limiter ran after the fact.
//
// Backends:
//   - file: JSON Lines, no external dependencies
//   - sqlite: a single SQLite database file (modernc.org/sqlite, pure Go)
package storage
