package broadcast

import (
	"context"
	"time"

	kit "gatebot/internal/transport"
)

type Config struct {
	// Workers caps concurrent sends. Default 4.
	Workers int
	// RatePerSec limits outbound sends across all workers. Default 10.
	RatePerSec int
}

// Payload is one broadcast message.
type Payload struct {
	Text    string
	Options *kit.SendOptions
}

// Report is the aggregate outcome of one full broadcast scan. It covers every
// recipient in the snapshot exactly once.
type Report struct {
	Sent   int
	Failed int
	// Pruned counts recipients removed from the registry because they can
	// never be reached again. Pruned is included in Failed.
	Pruned int
	// Remaining is the registry size after pruning.
	Remaining int

	Started  time.Time
	Finished time.Time
}

// Sender delivers one message and classifies the outcome. The transport
// boundary owns the permanent/transient distinction.
type Sender interface {
	SendBroadcast(ctx context.Context, chatID int64, text string, opt *kit.SendOptions) kit.SendResult
}
