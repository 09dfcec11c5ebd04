// Package bot routes inbound Telegram updates to the entitlement gate, the
// broadcast engine, and the scheduler, and renders their outcomes as
// user-facing messages. All policy lives in the services; this package only
// translates.
package bot
