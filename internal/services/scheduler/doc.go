// Package scheduler defers broadcasts to a future wall-clock instant.
//
// Fire-once tasks use plain timers and hold no persisted queue; whatever has
// not fired when the process exits is gone. A requested time at or before now
// is read as "tomorrow at that time", never "right now". Recurring schedules
// declared in config run through robfig/cron.
package scheduler
