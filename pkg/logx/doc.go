// Package logx is a thin structured-logging layer over zerolog.
//
// It exposes a small Field-based API so call sites read like slog while the
// output stays zerolog (pretty console writer plus an optional JSON file
// sink). The zero Logger value is a safe no-op, which keeps constructors and
// tests free of nil checks.
package logx
