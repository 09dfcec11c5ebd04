// Package tgui contains small helpers for building Telegram messages:
// HTML-safe text composition and inline keyboards.
package tgui
