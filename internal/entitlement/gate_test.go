package entitlement

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"gatebot/internal/storage"
	kit "gatebot/internal/transport"
	logx "gatebot/pkg/logx"
)

// fakeOracle answers from a script: status per user, or a forced error.
type fakeOracle struct {
	status map[int64]kit.MemberStatus
	err    error
	calls  int
}

func (f *fakeOracle) ChannelMember(ctx context.Context, userID int64) (kit.MemberStatus, error) {
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	st, ok := f.status[userID]
	if !ok {
		return kit.MemberLeft, nil
	}
	return st, nil
}

func newTestGate(t *testing.T, oracle Oracle, cacheTTL time.Duration) (*Gate, storage.Store) {
	t.Helper()
	st, err := storage.Open(storage.Config{Path: filepath.Join(t.TempDir(), "users.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	g := New(Config{OracleTimeout: time.Second, CacheTTL: cacheTTL}, st, oracle, logx.Nop())
	t.Cleanup(g.Close)
	return g, st
}

func TestRequestAccessGrantFlow(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	oracle := &fakeOracle{status: map[int64]kit.MemberStatus{1: kit.MemberMember}}
	g, st := newTestGate(t, oracle, 0)

	d, err := g.RequestAccess(ctx, 1)
	if err != nil {
		t.Fatalf("RequestAccess: %v", err)
	}
	if d != Granted {
		t.Fatalf("decision = %v, want granted", d)
	}

	rec, ok, _ := st.GetUser(ctx, 1)
	if !ok || !rec.HasMaterial || rec.ReceivedMaterial == nil {
		t.Fatalf("record not granted: ok=%v %+v", ok, rec)
	}
	if rec.FirstInteraction.IsZero() || rec.LastActivity.IsZero() {
		t.Fatalf("interaction times not set: %+v", rec)
	}
	stats, _ := st.Stats(ctx)
	if stats.Materials != 1 {
		t.Fatalf("Materials = %d, want 1", stats.Materials)
	}

	// Second request is an idempotent no-op.
	d, err = g.RequestAccess(ctx, 1)
	if err != nil {
		t.Fatalf("second RequestAccess: %v", err)
	}
	if d != AlreadyGranted {
		t.Fatalf("decision = %v, want already_granted", d)
	}
	stats, _ = st.Stats(ctx)
	if stats.Materials != 1 {
		t.Fatalf("Materials after repeat = %d, want 1", stats.Materials)
	}
}

func TestRequestAccessDenied(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	oracle := &fakeOracle{status: map[int64]kit.MemberStatus{2: kit.MemberLeft}}
	g, st := newTestGate(t, oracle, 0)

	d, err := g.RequestAccess(ctx, 2)
	if err != nil {
		t.Fatalf("RequestAccess: %v", err)
	}
	if d != Denied {
		t.Fatalf("decision = %v, want denied", d)
	}
	rec, ok, _ := st.GetUser(ctx, 2)
	if !ok {
		t.Fatal("record should exist after a denied request")
	}
	if rec.HasMaterial {
		t.Fatal("denied request granted material")
	}
}

func TestRequestAccessLockAndRegrant(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	oracle := &fakeOracle{status: map[int64]kit.MemberStatus{3: kit.MemberMember}}
	g, st := newTestGate(t, oracle, 0)

	if d, _ := g.RequestAccess(ctx, 3); d != Granted {
		t.Fatalf("initial decision = %v, want granted", d)
	}

	// Unsubscribe: locked, flag preserved, counter untouched.
	oracle.status[3] = kit.MemberLeft
	d, err := g.RequestAccess(ctx, 3)
	if err != nil {
		t.Fatalf("RequestAccess while unsubscribed: %v", err)
	}
	if d != Locked {
		t.Fatalf("decision = %v, want locked", d)
	}
	rec, _, _ := st.GetUser(ctx, 3)
	if !rec.HasMaterial {
		t.Fatal("lock cleared the material flag")
	}
	stats, _ := st.Stats(ctx)
	if stats.Materials != 1 {
		t.Fatalf("Materials after lock = %d, want 1", stats.Materials)
	}

	// Re-subscribe: a fresh grant, counted again.
	oracle.status[3] = kit.MemberMember
	d, err = g.RequestAccess(ctx, 3)
	if err != nil {
		t.Fatalf("RequestAccess after resubscribe: %v", err)
	}
	if d != Granted {
		t.Fatalf("decision = %v, want granted again", d)
	}
	stats, _ = st.Stats(ctx)
	if stats.Materials != 2 {
		t.Fatalf("Materials after re-grant = %d, want 2", stats.Materials)
	}
}

func TestRequestAccessOracleFailure(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	oracle := &fakeOracle{status: map[int64]kit.MemberStatus{4: kit.MemberMember}}
	g, st := newTestGate(t, oracle, 0)

	if d, _ := g.RequestAccess(ctx, 4); d != Granted {
		t.Fatal("setup grant failed")
	}

	oracle.err = errors.New("api down")
	_, err := g.RequestAccess(ctx, 4)
	if !errors.Is(err, ErrOracleUnavailable) {
		t.Fatalf("err = %v, want ErrOracleUnavailable", err)
	}

	// An unanswerable oracle must never be read as "not subscribed":
	// entitlement state stays exactly as it was.
	rec, _, _ := st.GetUser(ctx, 4)
	if !rec.HasMaterial {
		t.Fatal("oracle failure mutated entitlement state")
	}
	stats, _ := st.Stats(ctx)
	if stats.Materials != 1 {
		t.Fatalf("Materials after oracle failure = %d, want 1", stats.Materials)
	}

	// Recovery: the next answered check behaves normally.
	oracle.err = nil
	if d, err := g.RequestAccess(ctx, 4); err != nil || d != AlreadyGranted {
		t.Fatalf("after recovery: d=%v err=%v", d, err)
	}
}

func TestMembershipCachePositiveOnly(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	oracle := &fakeOracle{status: map[int64]kit.MemberStatus{5: kit.MemberLeft}}
	g, _ := newTestGate(t, oracle, time.Minute)

	// Negative answers are not cached: every denied check asks again.
	for i := 0; i < 3; i++ {
		if d, _ := g.RequestAccess(ctx, 5); d != Denied {
			t.Fatalf("decision = %v, want denied", d)
		}
	}
	if oracle.calls != 3 {
		t.Fatalf("oracle calls = %d, want 3 (negatives uncached)", oracle.calls)
	}

	// The user subscribes; the very next check sees it and the positive
	// answer is cached from then on.
	oracle.status[5] = kit.MemberMember
	if d, _ := g.RequestAccess(ctx, 5); d != Granted {
		t.Fatal("subscribe not seen on next check")
	}
	before := oracle.calls
	for i := 0; i < 3; i++ {
		if d, _ := g.RequestAccess(ctx, 5); d != AlreadyGranted {
			t.Fatalf("decision = %v, want already_granted", d)
		}
	}
	if oracle.calls != before {
		t.Fatalf("oracle calls = %d, want %d (positive cached)", oracle.calls, before)
	}
}

func TestSubscribedMirrorsOracle(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	oracle := &fakeOracle{status: map[int64]kit.MemberStatus{6: kit.MemberAdministrator}}
	g, st := newTestGate(t, oracle, 0)

	ok, err := g.Subscribed(ctx, 6)
	if err != nil || !ok {
		t.Fatalf("Subscribed = %v, %v", ok, err)
	}
	// Subscribed never touches entitlement state.
	if _, exists, _ := st.GetUser(ctx, 6); exists {
		t.Fatal("Subscribed created a record")
	}

	oracle.err = errors.New("api down")
	if _, err := g.Subscribed(ctx, 6); !errors.Is(err, ErrOracleUnavailable) {
		t.Fatalf("err = %v, want ErrOracleUnavailable", err)
	}
}

func TestTouchSetsFirstInteractionOnce(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	g, _ := newTestGate(t, &fakeOracle{}, 0)

	first, err := g.Touch(ctx, 7)
	if err != nil {
		t.Fatalf("Touch: %v", err)
	}
	time.Sleep(5 * time.Millisecond)
	second, err := g.Touch(ctx, 7)
	if err != nil {
		t.Fatalf("second Touch: %v", err)
	}
	if !second.FirstInteraction.Equal(first.FirstInteraction) {
		t.Fatal("FirstInteraction changed on second touch")
	}
	if !second.LastActivity.After(first.LastActivity) {
		t.Fatal("LastActivity not refreshed")
	}
}
