package broadcast

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"gatebot/internal/storage"
	kit "gatebot/internal/transport"
	logx "gatebot/pkg/logx"
)

const historyMax = 20

type Service struct {
	cfg    Config
	store  storage.Store
	sender Sender
	log    logx.Logger

	limiter *rate.Limiter

	runMu sync.Mutex // serializes full scans; concurrent Run calls queue up

	histMu  sync.Mutex
	history []Report
}

func New(cfg Config, store storage.Store, sender Sender, log logx.Logger) *Service {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 10
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:     cfg,
		store:   store,
		sender:  sender,
		log:     log,
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec),
	}
}

// Run broadcasts the payload to every user known at the start of the scan.
//
// Per-recipient outcomes are isolated: a failed send never aborts the scan,
// and the returned report accounts for every snapshotted recipient exactly
// once. Permanently-undeliverable recipients are pruned from the registry.
// Users registering during the scan may or may not be included.
func (s *Service) Run(ctx context.Context, p Payload) (Report, error) {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	snapshot, err := s.store.Users(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("snapshot registry: %w", err)
	}

	report := Report{Started: time.Now().UTC()}
	s.log.Info("broadcast started", logx.Int("recipients", len(snapshot)))

	var (
		mu    sync.Mutex
		prune []int64
		wg    sync.WaitGroup
		sem   = make(chan struct{}, s.cfg.Workers)
	)

	for id := range snapshot {
		sem <- struct{}{}
		wg.Add(1)
		go func(id int64) {
			defer wg.Done()
			defer func() { <-sem }()

			res := s.sendOne(ctx, id, p)

			mu.Lock()
			defer mu.Unlock()
			switch res {
			case kit.SendOK:
				report.Sent++
			case kit.SendFailedPermanent:
				report.Failed++
				prune = append(prune, id)
			default:
				report.Failed++
			}
		}(id)
	}
	wg.Wait()

	for _, id := range prune {
		if err := s.store.RemoveUser(ctx, id); err != nil {
			s.log.Warn("prune failed", logx.Int64("user", id), logx.Err(err))
			continue
		}
		report.Pruned++
	}

	now := time.Now().UTC()
	if _, err := s.store.UpdateStats(ctx, func(st *storage.Stats) {
		st.Broadcasts++
		st.LastBroadcast = &now
	}); err != nil {
		s.log.Warn("stats update failed", logx.Err(err))
	}

	remaining, err := s.store.CountUsers(ctx)
	if err != nil {
		s.log.Warn("registry count failed", logx.Err(err))
	}
	report.Remaining = remaining
	report.Finished = now

	s.appendHistory(report)
	s.log.Info("broadcast finished",
		logx.Int("sent", report.Sent),
		logx.Int("failed", report.Failed),
		logx.Int("pruned", report.Pruned),
		logx.Int("remaining", report.Remaining),
		logx.Duration("took", report.Finished.Sub(report.Started)))
	return report, nil
}

// sendOne paces and delivers a single recipient's message. A cancelled run
// counts the rest of the snapshot as transient failures so the report still
// covers everyone.
func (s *Service) sendOne(ctx context.Context, id int64, p Payload) kit.SendResult {
	if err := s.limiter.Wait(ctx); err != nil {
		return kit.SendFailedTransient
	}
	return s.sender.SendBroadcast(ctx, id, p.Text, p.Options)
}

func (s *Service) appendHistory(r Report) {
	s.histMu.Lock()
	defer s.histMu.Unlock()
	s.history = append(s.history, r)
	if len(s.history) > historyMax {
		s.history = s.history[len(s.history)-historyMax:]
	}
}

// LastReport returns the most recent completed report, if any.
func (s *Service) LastReport() (Report, bool) {
	s.histMu.Lock()
	defer s.histMu.Unlock()
	if len(s.history) == 0 {
		return Report{}, false
	}
	return s.history[len(s.history)-1], true
}

// History returns a copy of recent reports, oldest first.
func (s *Service) History() []Report {
	s.histMu.Lock()
	defer s.histMu.Unlock()
	return append([]Report(nil), s.history...)
}
