package bot

import (
	"context"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"gatebot/internal/entitlement"
	"gatebot/internal/services/broadcast"
	"gatebot/internal/services/scheduler"
	"gatebot/internal/storage"
	kit "gatebot/internal/transport"
	logx "gatebot/pkg/logx"
)

type Config struct {
	OwnerIDs     []int64
	Channel      string // "@username" or numeric ID; used for the subscribe link
	MaterialURL  string
	ContactURL   string
	WelcomePhoto string
}

type Deps struct {
	Adapter   kit.Adapter
	Store     storage.Store
	Gate      *entitlement.Gate
	Broadcast *broadcast.Service
	Scheduler *scheduler.Service
	Log       logx.Logger
}

const (
	updateBuffer   = 256
	workerCount    = 8
	handleTimeout  = 30 * time.Second
	workerQueueCap = 64
)

// Router consumes transport updates and drives the entitlement, broadcast,
// and scheduler services. Updates are sharded across workers by sender ID so
// one user's events are handled in arrival order while different users
// proceed concurrently.
type Router struct {
	cfgMu sync.RWMutex
	cfg   Config

	deps Deps
	log  logx.Logger

	updates chan kit.Update
	queues  []chan kit.Update

	runMu     sync.Mutex
	running   bool
	runCancel context.CancelFunc
	wg        sync.WaitGroup
}

func New(cfg Config, deps Deps) *Router {
	log := deps.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Router{
		cfg:     cfg,
		deps:    deps,
		log:     log,
		updates: make(chan kit.Update, updateBuffer),
	}
}

// Updates returns the channel the transport adapter should feed.
func (r *Router) Updates() chan kit.Update { return r.updates }

// Apply swaps the user-facing configuration (owners, URLs, channel label).
// Safe to call while running; in-flight handlers keep the config they read.
func (r *Router) Apply(cfg Config) {
	r.cfgMu.Lock()
	r.cfg = cfg
	r.cfgMu.Unlock()
}

func (r *Router) config() Config {
	r.cfgMu.RLock()
	defer r.cfgMu.RUnlock()
	return r.cfg
}

func (r *Router) Start(ctx context.Context) {
	r.runMu.Lock()
	defer r.runMu.Unlock()
	if r.running {
		return
	}
	r.running = true
	rctx, cancel := context.WithCancel(ctx)
	r.runCancel = cancel

	r.queues = make([]chan kit.Update, workerCount)
	for i := range r.queues {
		r.queues[i] = make(chan kit.Update, workerQueueCap)
		q := r.queues[i]
		idx := i
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			r.worker(rctx, idx, q)
		}()
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.dispatch(rctx)
	}()
	r.log.Info("router started", logx.Int("workers", workerCount))
}

func (r *Router) Stop(ctx context.Context) {
	r.runMu.Lock()
	if !r.running {
		r.runMu.Unlock()
		return
	}
	r.running = false
	cancel := r.runCancel
	r.runCancel = nil
	r.runMu.Unlock()

	cancel()
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		r.log.Warn("router stop timed out")
	}
}

func (r *Router) dispatch(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case up := <-r.updates:
			from := senderOf(up)
			q := r.queues[shard(from)]
			select {
			case q <- up:
			default:
				r.log.Warn("worker queue full; dropping update", logx.Int64("user", from))
			}
		}
	}
}

func (r *Router) worker(ctx context.Context, idx int, q chan kit.Update) {
	for {
		select {
		case <-ctx.Done():
			return
		case up := <-q:
			r.handle(ctx, up)
		}
	}
}

func (r *Router) handle(ctx context.Context, up kit.Update) {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error("panic in update handler",
				logx.Any("panic", rec), logx.String("stack", string(debug.Stack())))
		}
	}()

	hctx, cancel := context.WithTimeout(ctx, handleTimeout)
	defer cancel()

	switch up.Kind {
	case kit.UpdateMessage:
		if up.Message != nil {
			r.handleMessage(hctx, up.Message)
		}
	case kit.UpdateCallback:
		if up.Callback != nil {
			r.handleCallback(hctx, up.Callback)
		}
	}
}

func (r *Router) handleMessage(ctx context.Context, m *kit.Message) {
	text := strings.TrimSpace(m.Text)
	if !strings.HasPrefix(text, "/") {
		return
	}
	cmd, args, _ := strings.Cut(text, " ")
	// strip the @botname suffix used in groups
	if i := strings.Index(cmd, "@"); i > 0 {
		cmd = cmd[:i]
	}
	args = strings.TrimSpace(args)

	switch cmd {
	case "/start":
		r.cmdStart(ctx, m)
	case "/stats":
		r.ownerOnly(ctx, m, r.cmdStats)
	case "/broadcast":
		r.ownerOnly(ctx, m, func(ctx context.Context, m *kit.Message) {
			r.cmdBroadcast(ctx, m, args)
		})
	case "/schedule":
		r.ownerOnly(ctx, m, func(ctx context.Context, m *kit.Message) {
			r.cmdSchedule(ctx, m, args)
		})
	}
}

func (r *Router) handleCallback(ctx context.Context, cb *kit.Callback) {
	switch cb.Data {
	case cbMaterial:
		r.cbMaterial(ctx, cb)
	case cbAudit:
		r.cbAudit(ctx, cb)
	default:
		_ = r.deps.Adapter.AnswerCallback(ctx, cb.ID, "")
	}
}

func (r *Router) ownerOnly(ctx context.Context, m *kit.Message, fn func(context.Context, *kit.Message)) {
	if !r.isOwner(m.FromID) {
		return
	}
	fn(ctx, m)
}

func (r *Router) isOwner(id int64) bool {
	for _, o := range r.config().OwnerIDs {
		if o == id {
			return true
		}
	}
	return false
}

func senderOf(up kit.Update) int64 {
	switch {
	case up.Message != nil:
		return up.Message.FromID
	case up.Callback != nil:
		return up.Callback.FromID
	default:
		return 0
	}
}

func shard(id int64) int {
	if id < 0 {
		id = -id
	}
	return int(id % workerCount)
}
