package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	logx "gatebot/pkg/logx"
)

// fileStore is the default dependency-free backend.
//
// Files:
//   - <prefix>.snapshot.json (full state, replaced atomically)
//   - <prefix>.journal.jsonl (append-only JSON Lines)
//
// Every mutation appends one journal record; the journal is periodically
// compacted into the snapshot via write-temp-then-rename, so a crash mid-write
// never leaves a truncated snapshot behind.
type fileStore struct {
	log logx.Logger

	snapshotPath string

	// usersMu guards the users map itself; per-key serialization of
	// read-modify-write cycles is done by keyed locks so upserts to disjoint
	// ids do not wait on each other.
	usersMu sync.RWMutex
	users   map[int64]UserRecord

	statsMu sync.Mutex
	stats   Stats

	lockMu   sync.Mutex
	keyLocks map[int64]*sync.Mutex

	journalMu     sync.Mutex
	journal       *os.File
	journalWrites int
	closed        bool
}

const compactEvery = 256

type journalRecord struct {
	Op    string      `json:"op"` // "user", "del", "stats"
	ID    int64       `json:"id,omitempty"`
	User  *UserRecord `json:"user,omitempty"`
	Stats *Stats      `json:"stats,omitempty"`
}

// snapshotDoc is the persisted schema. User IDs are JSON object keys, so they
// are stored as decimal strings.
type snapshotDoc struct {
	Users map[string]UserRecord `json:"users"`
	Stats Stats                 `json:"stats"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		path = "gatebot.db"
	}

	dir := filepath.Dir(path)
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(filepath.Base(path)))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	snapPath := prefix + ".snapshot.json"
	journalPath := prefix + ".journal.jsonl"

	s := &fileStore{
		log:          log,
		snapshotPath: snapPath,
		users:        map[int64]UserRecord{},
		keyLocks:     map[int64]*sync.Mutex{},
	}

	if err := s.loadSnapshot(snapPath); err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	if err := s.replayJournal(journalPath); err != nil && !os.IsNotExist(err) {
		return nil, err
	}

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}
	s.journal = jf
	return s, nil
}

func (s *fileStore) Close() error {
	s.journalMu.Lock()
	defer s.journalMu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	// Final compaction so a restart loads from the snapshot alone.
	err := s.compactLocked()
	if cerr := s.journal.Close(); err == nil {
		err = cerr
	}
	s.journal = nil
	return err
}

func (s *fileStore) userLock(id int64) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	l, ok := s.keyLocks[id]
	if !ok {
		l = &sync.Mutex{}
		s.keyLocks[id] = l
	}
	return l
}

func (s *fileStore) GetUser(ctx context.Context, id int64) (UserRecord, bool, error) {
	_ = ctx
	s.usersMu.RLock()
	rec, ok := s.users[id]
	s.usersMu.RUnlock()
	return rec, ok, nil
}

func (s *fileStore) UpsertUser(ctx context.Context, id int64, mut func(*UserRecord)) (UserRecord, error) {
	_ = ctx
	l := s.userLock(id)
	l.Lock()
	defer l.Unlock()

	s.usersMu.RLock()
	rec := s.users[id]
	s.usersMu.RUnlock()

	mut(&rec)

	s.usersMu.Lock()
	s.users[id] = rec
	s.usersMu.Unlock()

	recCopy := rec
	if err := s.appendJournal(journalRecord{Op: "user", ID: id, User: &recCopy}); err != nil {
		return rec, err
	}
	return rec, nil
}

func (s *fileStore) RemoveUser(ctx context.Context, id int64) error {
	_ = ctx
	l := s.userLock(id)
	l.Lock()
	defer l.Unlock()

	s.usersMu.Lock()
	_, ok := s.users[id]
	delete(s.users, id)
	s.usersMu.Unlock()
	if !ok {
		return nil
	}
	return s.appendJournal(journalRecord{Op: "del", ID: id})
}

func (s *fileStore) Users(ctx context.Context) (map[int64]UserRecord, error) {
	_ = ctx
	s.usersMu.RLock()
	defer s.usersMu.RUnlock()
	out := make(map[int64]UserRecord, len(s.users))
	for id, rec := range s.users {
		out[id] = rec
	}
	return out, nil
}

func (s *fileStore) CountUsers(ctx context.Context) (int, error) {
	_ = ctx
	s.usersMu.RLock()
	defer s.usersMu.RUnlock()
	return len(s.users), nil
}

func (s *fileStore) Stats(ctx context.Context) (Stats, error) {
	_ = ctx
	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	return s.stats, nil
}

func (s *fileStore) UpdateStats(ctx context.Context, mut func(*Stats)) (Stats, error) {
	_ = ctx
	s.statsMu.Lock()
	mut(&s.stats)
	st := s.stats
	s.statsMu.Unlock()

	stCopy := st
	if err := s.appendJournal(journalRecord{Op: "stats", Stats: &stCopy}); err != nil {
		return st, err
	}
	return st, nil
}

func (s *fileStore) appendJournal(r journalRecord) error {
	s.journalMu.Lock()
	defer s.journalMu.Unlock()
	if s.closed || s.journal == nil {
		return ErrClosed
	}
	if err := json.NewEncoder(s.journal).Encode(r); err != nil {
		return err
	}
	s.journalWrites++
	if s.journalWrites%compactEvery == 0 {
		if err := s.compactLocked(); err != nil {
			s.log.Warn("snapshot compact failed", logx.Err(err))
		}
	}
	return nil
}

// compactLocked rewrites the snapshot from current state and truncates the
// journal. Caller holds journalMu.
func (s *fileStore) compactLocked() error {
	doc := snapshotDoc{Users: map[string]UserRecord{}}

	s.usersMu.RLock()
	for id, rec := range s.users {
		doc.Users[strconv.FormatInt(id, 10)] = rec
	}
	s.usersMu.RUnlock()

	s.statsMu.Lock()
	doc.Stats = s.stats
	s.statsMu.Unlock()

	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(doc); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return err
	}

	if s.journal == nil {
		return nil
	}
	if err := s.journal.Truncate(0); err != nil {
		return err
	}
	_, err = s.journal.Seek(0, 2)
	return err
}

func (s *fileStore) loadSnapshot(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	var doc snapshotDoc
	if err := json.NewDecoder(f).Decode(&doc); err != nil {
		return err
	}
	for k, rec := range doc.Users {
		id, err := strconv.ParseInt(k, 10, 64)
		if err != nil {
			s.log.Warn("skipping malformed user id in snapshot", logx.String("id", k))
			continue
		}
		s.users[id] = rec
	}
	s.stats = doc.Stats
	return nil
}

func (s *fileStore) replayJournal(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var r journalRecord
		if err := json.Unmarshal(line, &r); err != nil {
			// A torn tail write is expected after a crash; skip it.
			s.log.Debug("skipping malformed journal line", logx.Err(err))
			continue
		}
		switch r.Op {
		case "user":
			if r.User != nil {
				s.users[r.ID] = *r.User
			}
		case "del":
			delete(s.users, r.ID)
		case "stats":
			if r.Stats != nil {
				s.stats = *r.Stats
			}
		}
	}
	return sc.Err()
}
