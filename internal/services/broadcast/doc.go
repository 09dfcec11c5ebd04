// Package broadcast fans one message out to every registered user.
//
// A run snapshots the registry first, so concurrent registrations may or may
// not be included; that race is accepted. Sends run on a small worker pool
// behind a shared rate limiter. Each recipient's outcome is classified by the
// transport into ok / permanent / transient; permanent failures (the user
// blocked the bot) prune the record so later broadcasts stop targeting dead
// weight. Transient failures are counted but not retried; a later broadcast
// is a fresh attempt.
package broadcast
