package telegram

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	tele "gopkg.in/telebot.v4"

	kit "gatebot/internal/transport"
	logx "gatebot/pkg/logx"
)

type Config struct {
	Token string

	// Channel is the gated channel, either "@username" or a numeric chat ID.
	Channel string

	PollTimeout time.Duration

	// APITimeout bounds every outbound API call (sends, membership lookups).
	APITimeout time.Duration
}

type Adapter struct {
	cfg Config
	log logx.Logger

	bot       *tele.Bot
	out       chan<- kit.Update
	runCancel context.CancelFunc
	runWG     sync.WaitGroup
	runMu     sync.Mutex
	running   bool

	// droppedUpdates counts updates dropped because the consumer was slower
	// than the Telegram poll loop. Logged periodically to avoid per-update spam.
	droppedUpdates uint64

	chanMu   sync.Mutex
	chanRcpt tele.Recipient // resolved channel recipient, cached after first lookup
}

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if strings.TrimSpace(cfg.Channel) == "" {
		return nil, errors.New("telegram channel is empty")
	}
	timeout := cfg.PollTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Poller: &tele.LongPoller{Timeout: timeout},
	})
	if err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Adapter{cfg: cfg, log: log, bot: b}, nil
}

func (a *Adapter) Start(ctx context.Context, out chan<- kit.Update) error {
	a.runMu.Lock()
	if a.running {
		a.runMu.Unlock()
		return nil
	}
	a.running = true
	a.out = out
	rctx, cancel := context.WithCancel(ctx)
	a.runCancel = cancel
	a.runWG.Add(2)
	a.runMu.Unlock()

	// Periodic summary for dropped updates (avoid noisy per-update logs).
	go func() {
		defer a.runWG.Done()
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-rctx.Done():
				if n := atomic.SwapUint64(&a.droppedUpdates, 0); n > 0 {
					a.log.Warn("incoming updates dropped (channel full)", logx.Uint64("count", n), logx.Int("chan_cap", cap(out)))
				}
				return
			case <-ticker.C:
				if n := atomic.SwapUint64(&a.droppedUpdates, 0); n > 0 {
					a.log.Warn("incoming updates dropped (channel full)", logx.Uint64("count", n), logx.Int("chan_cap", cap(out)))
				}
			}
		}
	}()

	a.bot.Handle(tele.OnText, func(c tele.Context) error {
		m := c.Message()
		if m == nil || m.Sender == nil {
			return nil
		}
		a.forward(kit.Update{
			Kind: kit.UpdateMessage,
			Message: &kit.Message{
				ID:           m.ID,
				ChatID:       m.Chat.ID,
				FromID:       m.Sender.ID,
				FromUsername: m.Sender.Username,
				Text:         m.Text,
			},
		})
		return nil
	})

	a.bot.Handle(tele.OnCallback, func(c tele.Context) error {
		cb := c.Callback()
		m := c.Message()
		if cb == nil || m == nil {
			return nil
		}
		a.forward(kit.Update{
			Kind: kit.UpdateCallback,
			Callback: &kit.Callback{
				ID:        cb.ID,
				ChatID:    m.Chat.ID,
				FromID:    cb.Sender.ID,
				MessageID: m.ID,
				Data:      strings.TrimPrefix(cb.Data, "\f"),
			},
		})
		return nil
	})

	go func() {
		defer a.runWG.Done()
		<-rctx.Done()
		a.bot.Stop()
	}()

	go func() {
		a.log.Info("polling started")
		a.bot.Start() // blocks until Stop()
		a.log.Info("polling stopped")
	}()
	return nil
}

func (a *Adapter) Stop(ctx context.Context) error {
	a.runMu.Lock()
	if !a.running {
		a.runMu.Unlock()
		return nil
	}
	a.running = false
	cancel := a.runCancel
	a.runCancel = nil
	a.runMu.Unlock()

	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		a.runWG.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		a.log.Warn("telegram stop timed out", logx.Err(ctx.Err()))
		return nil
	}
}

func (a *Adapter) forward(up kit.Update) {
	a.runMu.Lock()
	out := a.out
	a.runMu.Unlock()
	if out == nil {
		return
	}
	select {
	case out <- up:
	default:
		atomic.AddUint64(&a.droppedUpdates, 1)
	}
}

const textLimit = 4000

// splitText splits long messages into chunks that are safe to send to
// Telegram, preferring newline boundaries.
func splitText(s string, limit int) []string {
	if limit <= 0 {
		limit = textLimit
	}
	rs := []rune(s)
	if len(rs) <= limit {
		return []string{s}
	}

	out := make([]string, 0, (len(rs)+limit-1)/limit)
	start := 0
	for start < len(rs) {
		end := start + limit
		if end > len(rs) {
			end = len(rs)
		}
		if end < len(rs) {
			for i := end - 1; i > start; i-- {
				if rs[i] == '\n' && i-start >= limit/3 {
					end = i + 1
					break
				}
			}
		}
		chunk := strings.TrimRight(string(rs[start:end]), "\n")
		out = append(out, chunk)
		start = end
		for start < len(rs) && rs[start] == '\n' {
			start++
		}
	}
	return out
}

func (a *Adapter) sendOptions(opt *kit.SendOptions) *tele.SendOptions {
	so := &tele.SendOptions{
		ParseMode:             opt.ParseMode,
		DisableWebPagePreview: opt.DisablePreview,
	}
	if rm, ok := opt.ReplyMarkup.(*tele.ReplyMarkup); ok {
		so.ReplyMarkup = rm
	}
	return so
}

func (a *Adapter) SendText(ctx context.Context, chatID int64, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	if opt == nil {
		opt = &kit.SendOptions{}
	}

	chunks := splitText(text, textLimit)
	chat := tele.ChatID(chatID)

	var first kit.MessageRef
	for i, chunk := range chunks {
		if err := a.checkCtx(ctx); err != nil {
			return first, err
		}
		so := a.sendOptions(opt)
		// Attach markup only to the first message.
		if i > 0 {
			so.ReplyMarkup = nil
		}
		msg, err := a.bot.Send(chat, chunk, so)
		if err != nil {
			return first, err
		}
		if i == 0 {
			first = kit.MessageRef{ChatID: chatID, MessageID: msg.ID}
		}
	}
	return first, nil
}

func (a *Adapter) SendPhoto(ctx context.Context, chatID int64, path, caption string, opt *kit.SendOptions) (kit.MessageRef, error) {
	if opt == nil {
		opt = &kit.SendOptions{}
	}
	if err := a.checkCtx(ctx); err != nil {
		return kit.MessageRef{}, err
	}
	photo := &tele.Photo{File: tele.FromDisk(path), Caption: caption}
	msg, err := a.bot.Send(tele.ChatID(chatID), photo, a.sendOptions(opt))
	if err != nil {
		return kit.MessageRef{}, err
	}
	return kit.MessageRef{ChatID: chatID, MessageID: msg.ID}, nil
}

func (a *Adapter) AnswerCallback(ctx context.Context, callbackID string, text string) error {
	if err := a.checkCtx(ctx); err != nil {
		return err
	}
	return a.bot.Respond(&tele.Callback{ID: callbackID}, &tele.CallbackResponse{Text: text})
}

// ChannelMember implements the membership lookup against the configured
// channel. Transport and permission errors are returned as-is; the caller
// must not read them as "not subscribed".
func (a *Adapter) ChannelMember(ctx context.Context, userID int64) (kit.MemberStatus, error) {
	if err := a.checkCtx(ctx); err != nil {
		return "", err
	}
	rcpt, err := a.channelRecipient()
	if err != nil {
		return "", err
	}
	member, err := a.bot.ChatMemberOf(rcpt, &tele.User{ID: userID})
	if err != nil {
		return "", err
	}
	switch member.Role {
	case tele.Creator:
		return kit.MemberCreator, nil
	case tele.Administrator:
		return kit.MemberAdministrator, nil
	case tele.Member:
		return kit.MemberMember, nil
	case tele.Restricted:
		return kit.MemberRestricted, nil
	case tele.Kicked:
		return kit.MemberKicked, nil
	default:
		return kit.MemberLeft, nil
	}
}

// SendBroadcast delivers one broadcast message and classifies the outcome.
// This is the only place that inspects raw Telegram delivery errors.
func (a *Adapter) SendBroadcast(ctx context.Context, chatID int64, text string, opt *kit.SendOptions) kit.SendResult {
	sctx := ctx
	if a.cfg.APITimeout > 0 {
		var cancel context.CancelFunc
		sctx, cancel = context.WithTimeout(ctx, a.cfg.APITimeout)
		defer cancel()
	}
	_, err := a.SendText(sctx, chatID, text, opt)
	if err == nil {
		return kit.SendOK
	}
	res := classifySendError(err)
	a.log.Debug("broadcast send failed",
		logx.Int64("chat", chatID), logx.String("kind", res.String()), logx.Err(err))
	return res
}

// classifySendError maps a Telegram delivery error into the two failure kinds
// the broadcast engine understands. 403 responses mean the recipient forbade
// further contact (blocked the bot, deactivated account); everything else is
// assumed recoverable.
func classifySendError(err error) kit.SendResult {
	var flood *tele.FloodError
	if errors.As(err, &flood) {
		return kit.SendFailedTransient
	}
	if errors.Is(err, tele.ErrBlockedByUser) {
		return kit.SendFailedPermanent
	}
	var tg *tele.Error
	if errors.As(err, &tg) && tg.Code == 403 {
		return kit.SendFailedPermanent
	}
	return kit.SendFailedTransient
}

// channelRecipient resolves the configured channel once and caches it.
// "@username" needs an API lookup; numeric IDs are used directly.
func (a *Adapter) channelRecipient() (tele.Recipient, error) {
	a.chanMu.Lock()
	defer a.chanMu.Unlock()
	if a.chanRcpt != nil {
		return a.chanRcpt, nil
	}
	raw := strings.TrimSpace(a.cfg.Channel)
	if id, err := strconv.ParseInt(raw, 10, 64); err == nil {
		a.chanRcpt = tele.ChatID(id)
		return a.chanRcpt, nil
	}
	name := raw
	if !strings.HasPrefix(name, "@") {
		name = "@" + name
	}
	chat, err := a.bot.ChatByUsername(name)
	if err != nil {
		return nil, err
	}
	a.chanRcpt = chat
	return a.chanRcpt, nil
}

func (a *Adapter) checkCtx(ctx context.Context) error {
	if ctx == nil {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return nil
	}
}
