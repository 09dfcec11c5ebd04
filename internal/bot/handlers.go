package bot

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gatebot/internal/entitlement"
	"gatebot/internal/services/broadcast"
	"gatebot/internal/services/scheduler"
	"gatebot/internal/storage"
	kit "gatebot/internal/transport"
	logx "gatebot/pkg/logx"
	"gatebot/pkg/tgui"
)

func htmlOpts(markup any) *kit.SendOptions {
	return &kit.SendOptions{ParseMode: "HTML", DisablePreview: true, ReplyMarkup: markup}
}

func (r *Router) reply(ctx context.Context, chatID int64, text string, markup any) {
	if _, err := r.deps.Adapter.SendText(ctx, chatID, text, htmlOpts(markup)); err != nil {
		r.log.Warn("reply failed", logx.Int64("chat", chatID), logx.Err(err))
	}
}

func (r *Router) cmdStart(ctx context.Context, m *kit.Message) {
	if _, err := r.deps.Gate.Touch(ctx, m.FromID); err != nil {
		r.log.Warn("register user failed", logx.Int64("user", m.FromID), logx.Err(err))
	}

	markup := r.welcomeKeyboard()
	if p := r.config().WelcomePhoto; p != "" {
		if _, statErr := os.Stat(p); statErr == nil {
			_, err := r.deps.Adapter.SendPhoto(ctx, m.ChatID, p, welcomeText, htmlOpts(markup))
			if err == nil {
				return
			}
			r.log.Warn("welcome photo send failed; falling back to text", logx.Err(err))
		}
	}
	r.reply(ctx, m.ChatID, welcomeText, markup)
}

func (r *Router) cbMaterial(ctx context.Context, cb *kit.Callback) {
	defer func() { _ = r.deps.Adapter.AnswerCallback(ctx, cb.ID, "") }()

	decision, err := r.deps.Gate.RequestAccess(ctx, cb.FromID)
	if err != nil {
		// An infrastructure error is not "not subscribed"; never tell the
		// user to re-subscribe over it.
		if !errors.Is(err, entitlement.ErrOracleUnavailable) {
			r.log.Error("access request failed", logx.Int64("user", cb.FromID), logx.Err(err))
		}
		r.reply(ctx, cb.ChatID, textCheckFailed, nil)
		return
	}

	switch decision {
	case entitlement.Granted:
		r.reply(ctx, cb.ChatID, textMaterialReady, r.materialKeyboard())
	case entitlement.AlreadyGranted:
		r.reply(ctx, cb.ChatID, textMaterialAgain, r.materialKeyboard())
	case entitlement.Locked:
		r.reply(ctx, cb.ChatID, resubscribeText(r.config().Channel), r.subscribeKeyboard(cbMaterial))
	default:
		r.reply(ctx, cb.ChatID, subscribeFirstText(r.config().Channel), r.subscribeKeyboard(cbMaterial))
	}
}

func (r *Router) cbAudit(ctx context.Context, cb *kit.Callback) {
	defer func() { _ = r.deps.Adapter.AnswerCallback(ctx, cb.ID, "") }()

	if _, err := r.deps.Gate.Touch(ctx, cb.FromID); err != nil {
		r.log.Warn("register user failed", logx.Int64("user", cb.FromID), logx.Err(err))
	}

	subscribed, err := r.deps.Gate.Subscribed(ctx, cb.FromID)
	if err != nil {
		r.reply(ctx, cb.ChatID, textCheckFailed, nil)
		return
	}
	if !subscribed {
		r.reply(ctx, cb.ChatID, subscribeFirstText(r.config().Channel), r.subscribeKeyboard(cbAudit))
		return
	}

	if _, err := r.deps.Store.UpdateStats(ctx, func(st *storage.Stats) { st.Audits++ }); err != nil {
		r.log.Warn("audit counter update failed", logx.Err(err))
	}
	var markup any
	if r.config().ContactURL != "" {
		markup = r.contactKeyboard()
	}
	r.reply(ctx, cb.ChatID, textAuditReady, markup)
}

func (r *Router) cmdStats(ctx context.Context, m *kit.Message) {
	users, err := r.deps.Store.CountUsers(ctx)
	if err != nil {
		r.log.Error("user count failed", logx.Err(err))
		return
	}
	st, err := r.deps.Store.Stats(ctx)
	if err != nil {
		r.log.Error("stats read failed", logx.Err(err))
		return
	}

	lines := []tgui.H{
		tgui.B("Stats"),
		tgui.Esc(fmt.Sprintf("Users: %d", users)),
		tgui.Esc(fmt.Sprintf("Materials granted: %d", st.Materials)),
		tgui.Esc(fmt.Sprintf("Audit requests: %d", st.Audits)),
		tgui.Esc(fmt.Sprintf("Broadcasts run: %d", st.Broadcasts)),
	}
	if st.LastBroadcast != nil {
		lines = append(lines, tgui.Esc("Last broadcast: "+st.LastBroadcast.Local().Format("2006-01-02 15:04")))
	}
	if rep, ok := r.deps.Broadcast.LastReport(); ok {
		lines = append(lines, tgui.Esc(fmt.Sprintf("Last delivery: %d sent, %d failed, %d pruned", rep.Sent, rep.Failed, rep.Pruned)))
	}
	if pending := r.deps.Scheduler.Pending(); len(pending) > 0 {
		lines = append(lines, tgui.Esc(fmt.Sprintf("Scheduled broadcasts: %d", len(pending))))
	}
	r.reply(ctx, m.ChatID, tgui.Lines(lines...).String(), nil)
}

func (r *Router) cmdBroadcast(ctx context.Context, m *kit.Message, args string) {
	text := strings.TrimSpace(args)
	if text == "" {
		r.reply(ctx, m.ChatID, textBroadcastUsage, nil)
		return
	}

	r.reply(ctx, m.ChatID, textBroadcastStarted, nil)

	// A full scan can far outlive the per-update handling window; detach it
	// and report back when done.
	bctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 15*time.Minute)
	go func() {
		defer cancel()
		rep, err := r.deps.Broadcast.Run(bctx, broadcast.Payload{Text: text, Options: htmlOpts(nil)})
		if err != nil {
			r.log.Error("broadcast failed", logx.Err(err))
			r.reply(bctx, m.ChatID, "Broadcast failed: "+err.Error(), nil)
			return
		}
		r.reply(bctx, m.ChatID, reportText(rep), nil)
	}()
}

func (r *Router) cmdSchedule(ctx context.Context, m *kit.Message, args string) {
	rawAt, text, _ := strings.Cut(strings.TrimSpace(args), " ")
	text = strings.TrimSpace(text)
	if rawAt == "" || text == "" {
		r.reply(ctx, m.ChatID, textScheduleUsage, nil)
		return
	}

	at, err := scheduler.ParseAt(rawAt, time.Now(), r.deps.Scheduler.Location())
	if err != nil {
		r.reply(ctx, m.ChatID, textScheduleUsage+"\n"+err.Error(), nil)
		return
	}

	chatID := m.ChatID
	payload := broadcast.Payload{Text: text, Options: htmlOpts(nil)}
	_, fireAt, err := r.deps.Scheduler.ScheduleOnce("broadcast", at, func(tctx context.Context) {
		rep, err := r.deps.Broadcast.Run(tctx, payload)
		if err != nil {
			r.log.Error("scheduled broadcast failed", logx.Err(err))
			return
		}
		r.reply(tctx, chatID, reportText(rep), nil)
	})
	if err != nil {
		r.reply(ctx, m.ChatID, "Could not schedule: "+err.Error(), nil)
		return
	}
	r.reply(ctx, m.ChatID, "Broadcast scheduled for "+fireAt.Format("Mon 2 Jan 15:04"), nil)
}

func reportText(rep broadcast.Report) string {
	return fmt.Sprintf("Broadcast finished: %d sent, %d failed (%d unreachable removed), %d users remaining.",
		rep.Sent, rep.Failed, rep.Pruned, rep.Remaining)
}
