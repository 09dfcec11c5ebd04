// Package storage is the durable user registry and stats store.
//
// The registry is the single source of truth for which users are known and
// what they have received. The default file driver keeps everything in memory
// and persists through an append-only journal that is periodically compacted
// into a JSON snapshot with an atomic temp-file-then-rename replace. An
// optional SQLite driver (build tag "sqlite") stores per-record rows instead.
//
// All accessors hand out copies; no caller ever holds a live reference into
// the registry's own state.
package storage
