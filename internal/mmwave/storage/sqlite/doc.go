// Package sqlite persists recording sessions and published tracks in a
// SQLite database (modernc.org/sqlite, no cgo). The schema is versioned with
// golang-migrate using migrations embedded in the binary.
package sqlite
