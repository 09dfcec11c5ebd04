//go:build sqlite
// +build sqlite

package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	logx "gatebot/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	s := &sqliteStore{db: db, log: log}
	if err := s.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) GetUser(ctx context.Context, id int64) (UserRecord, bool, error) {
	var (
		rec              UserRecord
		first, last      string
		hasMaterial      int
		receivedMaterial sql.NullString
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT first_interaction, last_activity, has_material, received_material FROM users WHERE id = ?`, id,
	).Scan(&first, &last, &hasMaterial, &receivedMaterial)
	if errors.Is(err, sql.ErrNoRows) {
		return UserRecord{}, false, nil
	}
	if err != nil {
		return UserRecord{}, false, err
	}
	rec.FirstInteraction, _ = time.Parse(time.RFC3339Nano, first)
	rec.LastActivity, _ = time.Parse(time.RFC3339Nano, last)
	rec.HasMaterial = hasMaterial != 0
	if receivedMaterial.Valid {
		t, err := time.Parse(time.RFC3339Nano, receivedMaterial.String)
		if err == nil {
			rec.ReceivedMaterial = &t
		}
	}
	return rec, true, nil
}

func (s *sqliteStore) UpsertUser(ctx context.Context, id int64, mut func(*UserRecord)) (UserRecord, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return UserRecord{}, err
	}
	defer func() { _ = tx.Rollback() }()

	var (
		rec              UserRecord
		first, last      string
		hasMaterial      int
		receivedMaterial sql.NullString
	)
	err = tx.QueryRowContext(ctx,
		`SELECT first_interaction, last_activity, has_material, received_material FROM users WHERE id = ?`, id,
	).Scan(&first, &last, &hasMaterial, &receivedMaterial)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		// new record
	case err != nil:
		return UserRecord{}, err
	default:
		rec.FirstInteraction, _ = time.Parse(time.RFC3339Nano, first)
		rec.LastActivity, _ = time.Parse(time.RFC3339Nano, last)
		rec.HasMaterial = hasMaterial != 0
		if receivedMaterial.Valid {
			if t, perr := time.Parse(time.RFC3339Nano, receivedMaterial.String); perr == nil {
				rec.ReceivedMaterial = &t
			}
		}
	}

	mut(&rec)

	var received any
	if rec.ReceivedMaterial != nil {
		received = rec.ReceivedMaterial.Format(time.RFC3339Nano)
	}
	hm := 0
	if rec.HasMaterial {
		hm = 1
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO users (id, first_interaction, last_activity, has_material, received_material)
		 VALUES (?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET
		   first_interaction=excluded.first_interaction,
		   last_activity=excluded.last_activity,
		   has_material=excluded.has_material,
		   received_material=excluded.received_material`,
		id, rec.FirstInteraction.Format(time.RFC3339Nano), rec.LastActivity.Format(time.RFC3339Nano), hm, received,
	)
	if err != nil {
		return UserRecord{}, err
	}
	if err := tx.Commit(); err != nil {
		return UserRecord{}, err
	}
	return rec, nil
}

func (s *sqliteStore) RemoveUser(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM users WHERE id = ?`, id)
	return err
}

func (s *sqliteStore) Users(ctx context.Context) (map[int64]UserRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, first_interaction, last_activity, has_material, received_material FROM users`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[int64]UserRecord{}
	for rows.Next() {
		var (
			id               int64
			rec              UserRecord
			first, last      string
			hasMaterial      int
			receivedMaterial sql.NullString
		)
		if err := rows.Scan(&id, &first, &last, &hasMaterial, &receivedMaterial); err != nil {
			return nil, err
		}
		rec.FirstInteraction, _ = time.Parse(time.RFC3339Nano, first)
		rec.LastActivity, _ = time.Parse(time.RFC3339Nano, last)
		rec.HasMaterial = hasMaterial != 0
		if receivedMaterial.Valid {
			if t, perr := time.Parse(time.RFC3339Nano, receivedMaterial.String); perr == nil {
				rec.ReceivedMaterial = &t
			}
		}
		out[id] = rec
	}
	return out, rows.Err()
}

func (s *sqliteStore) CountUsers(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM users`).Scan(&n)
	return n, err
}

func (s *sqliteStore) Stats(ctx context.Context) (Stats, error) {
	var (
		st            Stats
		lastBroadcast sql.NullString
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT materials, audits, broadcasts, last_broadcast FROM stats WHERE id = 1`,
	).Scan(&st.Materials, &st.Audits, &st.Broadcasts, &lastBroadcast)
	if err != nil {
		return Stats{}, err
	}
	if lastBroadcast.Valid {
		if t, perr := time.Parse(time.RFC3339Nano, lastBroadcast.String); perr == nil {
			st.LastBroadcast = &t
		}
	}
	return st, nil
}

func (s *sqliteStore) UpdateStats(ctx context.Context, mut func(*Stats)) (Stats, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Stats{}, err
	}
	defer func() { _ = tx.Rollback() }()

	var (
		st            Stats
		lastBroadcast sql.NullString
	)
	err = tx.QueryRowContext(ctx,
		`SELECT materials, audits, broadcasts, last_broadcast FROM stats WHERE id = 1`,
	).Scan(&st.Materials, &st.Audits, &st.Broadcasts, &lastBroadcast)
	if err != nil {
		return Stats{}, err
	}
	if lastBroadcast.Valid {
		if t, perr := time.Parse(time.RFC3339Nano, lastBroadcast.String); perr == nil {
			st.LastBroadcast = &t
		}
	}

	mut(&st)

	var lb any
	if st.LastBroadcast != nil {
		lb = st.LastBroadcast.Format(time.RFC3339Nano)
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE stats SET materials=?, audits=?, broadcasts=?, last_broadcast=? WHERE id = 1`,
		st.Materials, st.Audits, st.Broadcasts, lb,
	)
	if err != nil {
		return Stats{}, err
	}
	if err := tx.Commit(); err != nil {
		return Stats{}, err
	}
	return st, nil
}
