package broadcast

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"gatebot/internal/storage"
	kit "gatebot/internal/transport"
	logx "gatebot/pkg/logx"
)

// fakeSender scripts per-recipient outcomes and records delivery attempts.
type fakeSender struct {
	mu      sync.Mutex
	results map[int64]kit.SendResult
	sent    map[int64]int
}

func newFakeSender() *fakeSender {
	return &fakeSender{results: map[int64]kit.SendResult{}, sent: map[int64]int{}}
}

func (f *fakeSender) SendBroadcast(ctx context.Context, chatID int64, text string, opt *kit.SendOptions) kit.SendResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent[chatID]++
	if res, ok := f.results[chatID]; ok {
		return res
	}
	return kit.SendOK
}

func (f *fakeSender) attempts(id int64) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sent[id]
}

func newTestStore(t *testing.T, ids ...int64) storage.Store {
	t.Helper()
	st, err := storage.Open(storage.Config{Path: filepath.Join(t.TempDir(), "users.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	ctx := context.Background()
	for _, id := range ids {
		if _, err := st.UpsertUser(ctx, id, func(u *storage.UserRecord) {
			u.FirstInteraction = time.Now().UTC()
			u.LastActivity = time.Now().UTC()
		}); err != nil {
			t.Fatalf("seed user %d: %v", id, err)
		}
	}
	return st
}

func TestRunCountsEveryRecipientOnce(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := newTestStore(t, 1, 2, 3, 4, 5)
	sender := newFakeSender()
	sender.results[2] = kit.SendFailedTransient
	sender.results[4] = kit.SendFailedPermanent

	svc := New(Config{Workers: 2, RatePerSec: 1000}, st, sender, logx.Nop())
	rep, err := svc.Run(ctx, Payload{Text: "hello"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if rep.Sent != 3 {
		t.Fatalf("Sent = %d, want 3", rep.Sent)
	}
	if rep.Failed != 2 {
		t.Fatalf("Failed = %d, want 2", rep.Failed)
	}
	if rep.Sent+rep.Failed != 5 {
		t.Fatalf("report does not cover the snapshot: sent+failed = %d", rep.Sent+rep.Failed)
	}
	for _, id := range []int64{1, 2, 3, 4, 5} {
		if n := sender.attempts(id); n != 1 {
			t.Fatalf("recipient %d attempted %d times, want 1", id, n)
		}
	}
}

func TestRunPrunesPermanentFailures(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := newTestStore(t, 10, 11, 12)
	sender := newFakeSender()
	sender.results[11] = kit.SendFailedPermanent
	sender.results[12] = kit.SendFailedTransient

	svc := New(Config{Workers: 4, RatePerSec: 1000}, st, sender, logx.Nop())
	rep, err := svc.Run(ctx, Payload{Text: "x"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if rep.Pruned != 1 {
		t.Fatalf("Pruned = %d, want 1", rep.Pruned)
	}
	if rep.Remaining != 2 {
		t.Fatalf("Remaining = %d, want 2", rep.Remaining)
	}
	// Permanently unreachable: gone from the registry.
	if _, ok, _ := st.GetUser(ctx, 11); ok {
		t.Fatal("permanently failed recipient not pruned")
	}
	// Transient failure: kept for the next scan.
	if _, ok, _ := st.GetUser(ctx, 12); !ok {
		t.Fatal("transiently failed recipient was pruned")
	}

	// The pruned recipient is absent from the next scan entirely.
	rep2, err := svc.Run(ctx, Payload{Text: "y"})
	if err != nil {
		t.Fatalf("second Run: %v", err)
	}
	if got := sender.attempts(11); got != 1 {
		t.Fatalf("pruned recipient attempted %d times total, want 1", got)
	}
	if rep2.Sent+rep2.Failed != 2 {
		t.Fatalf("second scan covered %d recipients, want 2", rep2.Sent+rep2.Failed)
	}
}

func TestRunUpdatesStatsAndHistory(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := newTestStore(t, 1, 2)
	svc := New(Config{Workers: 2, RatePerSec: 1000}, st, newFakeSender(), logx.Nop())

	if _, ok := svc.LastReport(); ok {
		t.Fatal("LastReport before any run")
	}

	rep, err := svc.Run(ctx, Payload{Text: "a"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	last, ok := svc.LastReport()
	if !ok || last.Sent != rep.Sent || !last.Started.Equal(rep.Started) {
		t.Fatalf("LastReport mismatch: %+v vs %+v", last, rep)
	}

	stats, _ := st.Stats(ctx)
	if stats.Broadcasts != 1 || stats.LastBroadcast == nil {
		t.Fatalf("stats not updated: %+v", stats)
	}

	if _, err := svc.Run(ctx, Payload{Text: "b"}); err != nil {
		t.Fatalf("second Run: %v", err)
	}
	if h := svc.History(); len(h) != 2 {
		t.Fatalf("History length = %d, want 2", len(h))
	}
	stats, _ = st.Stats(ctx)
	if stats.Broadcasts != 2 {
		t.Fatalf("Broadcasts = %d, want 2", stats.Broadcasts)
	}
}

func TestRunEmptyRegistry(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	svc := New(Config{}, st, newFakeSender(), logx.Nop())
	rep, err := svc.Run(context.Background(), Payload{Text: "nobody home"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if rep.Sent != 0 || rep.Failed != 0 || rep.Pruned != 0 {
		t.Fatalf("non-zero report for empty registry: %+v", rep)
	}
}

// A user registering mid-scan may or may not receive that broadcast; either
// way the run must complete and the report must stay internally consistent.
func TestRunToleratesMidScanRegistration(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := newTestStore(t, 1, 2, 3)
	sender := newFakeSender()
	svc := New(Config{Workers: 2, RatePerSec: 1000}, st, sender, logx.Nop())

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = st.UpsertUser(ctx, 99, func(u *storage.UserRecord) {
			u.FirstInteraction = time.Now().UTC()
		})
	}()

	rep, err := svc.Run(ctx, Payload{Text: "race"})
	<-done
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if rep.Sent+rep.Failed < 3 {
		t.Fatalf("scan missed snapshotted recipients: %+v", rep)
	}
	if rep.Sent+rep.Failed > 4 {
		t.Fatalf("scan counted phantom recipients: %+v", rep)
	}
}
