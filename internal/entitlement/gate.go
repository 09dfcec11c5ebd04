package entitlement

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"

	"gatebot/internal/storage"
	kit "gatebot/internal/transport"
	logx "gatebot/pkg/logx"
)

// Decision is the outcome of a material access request.
type Decision int

const (
	// Granted: subscribed, material handed out for the first time (or again
	// after a lock), grant counter incremented.
	Granted Decision = iota
	// AlreadyGranted: subscribed and the material was already handed out.
	AlreadyGranted
	// Locked: the material was granted earlier but the user is no longer
	// subscribed. The flag is kept; a later subscribed check re-grants.
	Locked
	// Denied: not subscribed, nothing granted yet.
	Denied
)

func (d Decision) String() string {
	switch d {
	case Granted:
		return "granted"
	case AlreadyGranted:
		return "already_granted"
	case Locked:
		return "locked"
	case Denied:
		return "denied"
	default:
		return "unknown"
	}
}

// ErrOracleUnavailable reports that the membership question could not be
// answered. It is never a membership verdict: entitlement state is untouched
// and the caller should show a transient-error message, not "subscribe first".
var ErrOracleUnavailable = errors.New("membership oracle unavailable")

// Oracle answers "is this user currently a member of the gated channel".
type Oracle interface {
	ChannelMember(ctx context.Context, userID int64) (kit.MemberStatus, error)
}

type Config struct {
	// OracleTimeout bounds each membership lookup.
	OracleTimeout time.Duration

	// CacheTTL keeps positive membership answers for this long so repeated
	// button presses by entitled users don't hammer the API. Negative answers
	// are never cached (a user who just subscribed must pass the very next
	// check). 0 disables caching.
	CacheTTL time.Duration
}

// Gate is the entitlement state machine. All subscription policy lives here;
// handlers only translate decisions into messages.
type Gate struct {
	cfg    Config
	store  storage.Store
	oracle Oracle
	log    logx.Logger

	cache *ttlcache.Cache[int64, kit.MemberStatus]

	// per-user locks keep one user's transitions in arrival order
	lockMu sync.Mutex
	locks  map[int64]*sync.Mutex

	// relock marks users whose last check came back Locked. A Locked check
	// leaves the stored record untouched, so the observation lives here; the
	// next subscribed check for a marked user re-grants instead of answering
	// AlreadyGranted. Lost on restart, like the scheduler's pending tasks.
	relockMu sync.Mutex
	relock   map[int64]struct{}
}

func New(cfg Config, store storage.Store, oracle Oracle, log logx.Logger) *Gate {
	if log.IsZero() {
		log = logx.Nop()
	}
	g := &Gate{
		cfg:    cfg,
		store:  store,
		oracle: oracle,
		log:    log,
		locks:  map[int64]*sync.Mutex{},
		relock: map[int64]struct{}{},
	}
	if cfg.CacheTTL > 0 {
		g.cache = ttlcache.New[int64, kit.MemberStatus](
			ttlcache.WithTTL[int64, kit.MemberStatus](cfg.CacheTTL),
			ttlcache.WithDisableTouchOnHit[int64, kit.MemberStatus](),
		)
		go g.cache.Start()
	}
	return g
}

func (g *Gate) Close() {
	if g.cache != nil {
		g.cache.Stop()
	}
}

func (g *Gate) userLock(id int64) *sync.Mutex {
	g.lockMu.Lock()
	defer g.lockMu.Unlock()
	l, ok := g.locks[id]
	if !ok {
		l = &sync.Mutex{}
		g.locks[id] = l
	}
	return l
}

// Touch registers the user if unseen and refreshes last-activity. Called on
// every inbound interaction.
func (g *Gate) Touch(ctx context.Context, userID int64) (storage.UserRecord, error) {
	now := time.Now().UTC()
	return g.store.UpsertUser(ctx, userID, func(rec *storage.UserRecord) {
		if rec.FirstInteraction.IsZero() {
			rec.FirstInteraction = now
		}
		rec.LastActivity = now
	})
}

// RequestAccess runs the access state machine for one user.
//
// An oracle failure returns ErrOracleUnavailable without touching the record;
// it must never be read as "not subscribed".
func (g *Gate) RequestAccess(ctx context.Context, userID int64) (Decision, error) {
	l := g.userLock(userID)
	l.Lock()
	defer l.Unlock()

	rec, err := g.Touch(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("touch user %d: %w", userID, err)
	}

	status, err := g.membership(ctx, userID)
	if err != nil {
		g.log.Warn("membership lookup failed", logx.Int64("user", userID), logx.Err(err))
		return 0, fmt.Errorf("%w: %w", ErrOracleUnavailable, err)
	}

	subscribed := status.Subscribed()
	switch {
	case subscribed && (!rec.HasMaterial || g.wasLocked(userID)):
		// Fresh grant, or a re-grant after a Locked observation. Both count.
		now := time.Now().UTC()
		if _, err := g.store.UpsertUser(ctx, userID, func(rec *storage.UserRecord) {
			rec.HasMaterial = true
			rec.ReceivedMaterial = &now
		}); err != nil {
			return 0, fmt.Errorf("grant user %d: %w", userID, err)
		}
		if _, err := g.store.UpdateStats(ctx, func(st *storage.Stats) {
			st.Materials++
		}); err != nil {
			return 0, fmt.Errorf("bump grant counter: %w", err)
		}
		g.clearLocked(userID)
		g.log.Info("material granted", logx.Int64("user", userID), logx.String("status", string(status)))
		return Granted, nil

	case subscribed && rec.HasMaterial:
		return AlreadyGranted, nil

	case !subscribed && rec.HasMaterial:
		// No silent revocation: the flag stays until a subscribed check
		// explicitly re-grants.
		g.markLocked(userID)
		g.log.Info("material locked", logx.Int64("user", userID), logx.String("status", string(status)))
		return Locked, nil

	default:
		return Denied, nil
	}
}

func (g *Gate) wasLocked(id int64) bool {
	g.relockMu.Lock()
	defer g.relockMu.Unlock()
	_, ok := g.relock[id]
	return ok
}

func (g *Gate) markLocked(id int64) {
	g.relockMu.Lock()
	g.relock[id] = struct{}{}
	g.relockMu.Unlock()
}

func (g *Gate) clearLocked(id int64) {
	g.relockMu.Lock()
	delete(g.relock, id)
	g.relockMu.Unlock()
}

// Subscribed answers the plain membership question through the same oracle
// and cache as RequestAccess. Used by flows that gate on subscription without
// touching entitlement (e.g. audit requests).
func (g *Gate) Subscribed(ctx context.Context, userID int64) (bool, error) {
	status, err := g.membership(ctx, userID)
	if err != nil {
		return false, fmt.Errorf("%w: %w", ErrOracleUnavailable, err)
	}
	return status.Subscribed(), nil
}

func (g *Gate) membership(ctx context.Context, userID int64) (kit.MemberStatus, error) {
	if g.cache != nil {
		if item := g.cache.Get(userID); item != nil {
			return item.Value(), nil
		}
	}

	octx := ctx
	if g.cfg.OracleTimeout > 0 {
		var cancel context.CancelFunc
		octx, cancel = context.WithTimeout(ctx, g.cfg.OracleTimeout)
		defer cancel()
	}
	status, err := g.oracle.ChannelMember(octx, userID)
	if err != nil {
		return "", err
	}
	if g.cache != nil && status.Subscribed() {
		g.cache.Set(userID, status, ttlcache.DefaultTTL)
	}
	return status, nil
}
