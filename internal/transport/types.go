package transport

import "context"

type UpdateKind string

const (
	UpdateMessage  UpdateKind = "message"
	UpdateCallback UpdateKind = "callback"
)

type Update struct {
	Kind     UpdateKind
	Message  *Message
	Callback *Callback
}

type Message struct {
	ID           int
	ChatID       int64
	FromID       int64
	FromUsername string
	Text         string
}

type Callback struct {
	ID        string
	ChatID    int64
	FromID    int64
	MessageID int
	Data      string
}

type MessageRef struct {
	ChatID    int64
	MessageID int
}

type SendOptions struct {
	ParseMode      string
	DisablePreview bool
	ReplyMarkup    any // adapter-specific markup (Telegram: *telebot.ReplyMarkup)
}

// MemberStatus is the channel-membership answer reported by the platform.
type MemberStatus string

const (
	MemberCreator       MemberStatus = "creator"
	MemberAdministrator MemberStatus = "administrator"
	MemberMember        MemberStatus = "member"
	MemberRestricted    MemberStatus = "restricted"
	MemberLeft          MemberStatus = "left"
	MemberKicked        MemberStatus = "kicked"
)

// Subscribed reports whether the status counts as an active subscription.
func (s MemberStatus) Subscribed() bool {
	switch s {
	case MemberCreator, MemberAdministrator, MemberMember:
		return true
	default:
		return false
	}
}

// SendResult is the classified outcome of one outbound delivery. The adapter
// maps transport-level errors into exactly these kinds; nothing downstream
// inspects raw platform errors.
type SendResult int

const (
	SendOK SendResult = iota
	// SendFailedPermanent means no future send to this recipient can succeed
	// without their own corrective action (blocked the bot, deleted account).
	SendFailedPermanent
	// SendFailedTransient covers everything else: rate limits, network,
	// malformed payload.
	SendFailedTransient
)

func (r SendResult) String() string {
	switch r {
	case SendOK:
		return "ok"
	case SendFailedPermanent:
		return "permanent"
	case SendFailedTransient:
		return "transient"
	default:
		return "unknown"
	}
}

type Adapter interface {
	Start(ctx context.Context, out chan<- Update) error
	Stop(ctx context.Context) error

	SendText(ctx context.Context, chatID int64, text string, opt *SendOptions) (MessageRef, error)
	SendPhoto(ctx context.Context, chatID int64, path, caption string, opt *SendOptions) (MessageRef, error)
	AnswerCallback(ctx context.Context, callbackID string, text string) error

	// ChannelMember answers the membership question for the configured channel.
	ChannelMember(ctx context.Context, userID int64) (MemberStatus, error)

	// SendBroadcast delivers one broadcast message and classifies the outcome.
	SendBroadcast(ctx context.Context, chatID int64, text string, opt *SendOptions) SendResult
}
