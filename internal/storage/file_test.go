package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	logx "gatebot/pkg/logx"
)

func openTestStore(t *testing.T, dir string) Store {
	t.Helper()
	st, err := Open(Config{Path: filepath.Join(dir, "users.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return st
}

func TestFileStoreRoundTrip(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	ctx := context.Background()

	st := openTestStore(t, dir)
	now := time.Now().UTC().Truncate(time.Second)

	rec, err := st.UpsertUser(ctx, 42, func(u *UserRecord) {
		u.FirstInteraction = now
		u.LastActivity = now
		u.HasMaterial = true
		u.ReceivedMaterial = &now
	})
	if err != nil {
		t.Fatalf("UpsertUser: %v", err)
	}
	if !rec.HasMaterial || rec.ReceivedMaterial == nil {
		t.Fatalf("unexpected record after upsert: %+v", rec)
	}

	if _, err := st.UpdateStats(ctx, func(s *Stats) { s.Materials++ }); err != nil {
		t.Fatalf("UpdateStats: %v", err)
	}
	if err := st.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// Reopen; snapshot compaction on Close must make state survive alone.
	st2 := openTestStore(t, dir)
	defer st2.Close()

	got, ok, err := st2.GetUser(ctx, 42)
	if err != nil || !ok {
		t.Fatalf("GetUser after reopen: ok=%v err=%v", ok, err)
	}
	if !got.FirstInteraction.Equal(now) || !got.HasMaterial {
		t.Fatalf("record did not survive reopen: %+v", got)
	}
	if got.ReceivedMaterial == nil || !got.ReceivedMaterial.Equal(now) {
		t.Fatalf("received_material did not survive reopen: %+v", got)
	}

	stats, err := st2.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.Materials != 1 {
		t.Fatalf("Materials = %d, want 1", stats.Materials)
	}
}

func TestFileStoreRemoveUser(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	ctx := context.Background()

	st := openTestStore(t, dir)
	for _, id := range []int64{1, 2, 3} {
		if _, err := st.UpsertUser(ctx, id, func(u *UserRecord) { u.LastActivity = time.Now() }); err != nil {
			t.Fatalf("UpsertUser(%d): %v", id, err)
		}
	}
	if err := st.RemoveUser(ctx, 2); err != nil {
		t.Fatalf("RemoveUser: %v", err)
	}
	// Removing a missing user is a no-op, not an error.
	if err := st.RemoveUser(ctx, 99); err != nil {
		t.Fatalf("RemoveUser(missing): %v", err)
	}
	if n, _ := st.CountUsers(ctx); n != 2 {
		t.Fatalf("CountUsers = %d, want 2", n)
	}
	if err := st.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	st2 := openTestStore(t, dir)
	defer st2.Close()
	if _, ok, _ := st2.GetUser(ctx, 2); ok {
		t.Fatal("removed user came back after reopen")
	}
	if n, _ := st2.CountUsers(ctx); n != 2 {
		t.Fatalf("CountUsers after reopen = %d, want 2", n)
	}
}

func TestFileStoreJournalReplay(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	ctx := context.Background()

	st := openTestStore(t, dir)
	if _, err := st.UpsertUser(ctx, 7, func(u *UserRecord) { u.HasMaterial = true }); err != nil {
		t.Fatalf("UpsertUser: %v", err)
	}

	// Simulate a crash: do not Close, so the write lives only in the journal.
	journal := filepath.Join(dir, "users.journal.jsonl")
	if _, err := os.Stat(journal); err != nil {
		t.Fatalf("journal missing: %v", err)
	}
	// A torn tail line must not break replay.
	f, err := os.OpenFile(journal, os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	if _, err := f.WriteString(`{"op":"user","id":8,"us`); err != nil {
		t.Fatalf("append torn line: %v", err)
	}
	f.Close()

	st2 := openTestStore(t, dir)
	defer st2.Close()
	got, ok, _ := st2.GetUser(ctx, 7)
	if !ok || !got.HasMaterial {
		t.Fatalf("journal replay lost record: ok=%v %+v", ok, got)
	}
	if _, ok, _ := st2.GetUser(ctx, 8); ok {
		t.Fatal("torn journal line produced a record")
	}
}

func TestFileStoreUsersSnapshotIsCopy(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := openTestStore(t, t.TempDir())
	defer st.Close()

	if _, err := st.UpsertUser(ctx, 1, func(u *UserRecord) { u.HasMaterial = true }); err != nil {
		t.Fatalf("UpsertUser: %v", err)
	}
	snap, err := st.Users(ctx)
	if err != nil {
		t.Fatalf("Users: %v", err)
	}
	rec := snap[1]
	rec.HasMaterial = false
	snap[1] = rec
	delete(snap, 1)

	got, ok, _ := st.GetUser(ctx, 1)
	if !ok || !got.HasMaterial {
		t.Fatal("mutating the snapshot leaked into the store")
	}
}

func TestFileStoreClosedRejectsWrites(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := openTestStore(t, t.TempDir())
	if err := st.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := st.UpsertUser(ctx, 1, func(u *UserRecord) { u.HasMaterial = true }); err == nil {
		t.Fatal("expected error writing to a closed store")
	}
	// Double close is fine.
	if err := st.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}
