package scheduler

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	logx "gatebot/pkg/logx"
)

type Config struct {
	// Timezone is an IANA name, e.g. "Europe/Moscow". Empty means local time.
	Timezone string
}

// RunFunc is invoked when a task fires. The context is the scheduler's run
// context; it is cancelled on Stop.
type RunFunc func(ctx context.Context)

// TaskInfo describes a pending fire-once task.
type TaskInfo struct {
	ID     string
	Name   string
	FireAt time.Time
}

// Service defers work to a future wall-clock instant.
//
// Fire-once tasks live only in memory: a restart loses anything not yet
// fired. Tasks are independent; scheduling twice produces two tasks and both
// fire. Recurring entries (cron specs from config) run through robfig/cron.
type Service struct {
	log logx.Logger
	loc *time.Location

	mu      sync.Mutex
	started bool
	seq     uint64
	timers  map[string]*time.Timer
	pending map[string]TaskInfo

	c         *cron.Cron
	runCtx    context.Context
	runCancel context.CancelFunc
}

func New(cfg Config, log logx.Logger) (*Service, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	loc := time.Local
	if tz := strings.TrimSpace(cfg.Timezone); tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			return nil, fmt.Errorf("scheduler timezone: %w", err)
		}
		loc = l
	}
	return &Service{
		log:     log,
		loc:     loc,
		timers:  map[string]*time.Timer{},
		pending: map[string]TaskInfo{},
		c:       cron.New(cron.WithLocation(loc)),
	}, nil
}

func (s *Service) Location() *time.Location { return s.loc }

func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true
	s.runCtx, s.runCancel = context.WithCancel(ctx)
	s.c.Start()
	s.log.Info("scheduler started", logx.String("tz", s.loc.String()))
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
		delete(s.pending, id)
	}
	cancel := s.runCancel
	s.runCancel = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	select {
	case <-s.c.Stop().Done():
	case <-ctx.Done():
	}
	s.log.Info("scheduler stopped")
}

// ScheduleOnce arms a fire-once task at the given wall-clock instant. An
// instant at or before now is rolled forward to the same clock time on the
// following day, so a task never fires immediately and never more than 24h
// late. Returns the task ID and the resolved fire time.
func (s *Service) ScheduleOnce(name string, at time.Time, run RunFunc) (string, time.Time, error) {
	at = rollForward(at, time.Now().In(s.loc))

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return "", time.Time{}, fmt.Errorf("scheduler not running")
	}

	s.seq++
	id := fmt.Sprintf("once:%d", s.seq)
	runCtx := s.runCtx

	delay := time.Until(at)
	s.timers[id] = time.AfterFunc(delay, func() {
		s.mu.Lock()
		delete(s.timers, id)
		delete(s.pending, id)
		s.mu.Unlock()

		if runCtx.Err() != nil {
			return
		}
		s.log.Info("scheduled task firing", logx.String("task", id), logx.String("name", name))
		run(runCtx)
	})
	s.pending[id] = TaskInfo{ID: id, Name: name, FireAt: at}

	s.log.Info("task scheduled",
		logx.String("task", id), logx.String("name", name),
		logx.Time("fire_at", at), logx.Duration("in", delay))
	return id, at, nil
}

// AddCron registers a recurring task from a standard 5-field cron spec.
func (s *Service) AddCron(name, spec string, run RunFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.c.AddFunc(spec, func() {
		s.mu.Lock()
		runCtx := s.runCtx
		s.mu.Unlock()
		if runCtx == nil || runCtx.Err() != nil {
			return
		}
		s.log.Info("cron task firing", logx.String("name", name), logx.String("spec", spec))
		run(runCtx)
	})
	if err != nil {
		return fmt.Errorf("cron spec %q: %w", spec, err)
	}
	return nil
}

// Pending returns a snapshot of not-yet-fired fire-once tasks.
func (s *Service) Pending() []TaskInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]TaskInfo, 0, len(s.pending))
	for _, t := range s.pending {
		out = append(out, t)
	}
	return out
}

// rollForward applies the never-in-the-past policy: an instant at or before
// now moves to the same clock time tomorrow.
func rollForward(at, now time.Time) time.Time {
	if at.After(now) {
		return at
	}
	return at.AddDate(0, 0, 1)
}
