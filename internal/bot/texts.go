package bot

import (
	"fmt"
	"strconv"
	"strings"

	"gatebot/pkg/tgui"
)

const (
	cbMaterial = "material"
	cbAudit    = "audit"
)

const welcomeText = `<b>Hey there!</b>

I keep a free strategy template for channel subscribers, plus a free
mini-audit of your target audience.

<b>Subscribe to the channel first, then grab what you need below.</b>`

const (
	textMaterialReady    = "Done! Here is your template:"
	textMaterialAgain    = "You already have it — here is the link again:"
	textAuditReady       = "Subscription confirmed!\n\nWrite me directly and I'll do a free mini-audit:"
	textCheckFailed      = "Couldn't verify your subscription right now. Please try again in a minute."
	textScheduleUsage    = "Usage: /schedule HH:MM message text"
	textBroadcastUsage   = "Usage: /broadcast message text"
	textBroadcastStarted = "Broadcasting…"
)

func subscribeFirstText(channel string) string {
	return fmt.Sprintf("Subscribe to %s first.", channelLabel(channel))
}

func resubscribeText(channel string) string {
	return fmt.Sprintf("Your subscription to %s has lapsed. Re-subscribe to regain access.", channelLabel(channel))
}

func channelLabel(channel string) string {
	if strings.HasPrefix(channel, "@") {
		return channel
	}
	return "the channel"
}

// channelURL builds a t.me link for "@username" channels; empty for numeric
// IDs (private channels have no public link).
func channelURL(channel string) string {
	name := strings.TrimPrefix(strings.TrimSpace(channel), "@")
	if name == "" {
		return ""
	}
	if _, err := strconv.ParseInt(name, 10, 64); err == nil {
		return ""
	}
	return "https://t.me/" + name
}

func (r *Router) welcomeKeyboard() any {
	btns := []tgui.Btn{
		tgui.DataBtn("Get the template", cbMaterial),
		tgui.DataBtn("Get a free mini-audit", cbAudit),
	}
	if url := channelURL(r.config().Channel); url != "" {
		btns = append(btns, tgui.URLBtn("Subscribe to the channel", url))
	}
	return tgui.Keyboard(btns...)
}

func (r *Router) materialKeyboard() any {
	return tgui.Keyboard(tgui.URLBtn("Open the template", r.config().MaterialURL))
}

func (r *Router) contactKeyboard() any {
	return tgui.Keyboard(tgui.URLBtn("Message me", r.config().ContactURL))
}

// subscribeKeyboard offers the subscribe link plus a re-check button that
// re-triggers the original action.
func (r *Router) subscribeKeyboard(checkData string) any {
	btns := make([]tgui.Btn, 0, 2)
	if url := channelURL(r.config().Channel); url != "" {
		btns = append(btns, tgui.URLBtn("Subscribe", url))
	}
	btns = append(btns, tgui.DataBtn("I subscribed — check again", checkData))
	return tgui.Keyboard(btns...)
}
