package telegram

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	tele "gopkg.in/telebot.v4"

	kit "gatebot/internal/transport"
)

func TestSplitTextShortPassthrough(t *testing.T) {
	t.Parallel()
	got := splitText("hello", 100)
	if len(got) != 1 || got[0] != "hello" {
		t.Fatalf("splitText = %q", got)
	}
}

func TestSplitTextPrefersNewlines(t *testing.T) {
	t.Parallel()
	text := strings.Repeat("line one\n", 20)
	chunks := splitText(text, 50)
	if len(chunks) < 2 {
		t.Fatalf("expected multiple chunks, got %d", len(chunks))
	}
	for i, c := range chunks {
		if len([]rune(c)) > 50 {
			t.Fatalf("chunk %d exceeds limit: %d runes", i, len([]rune(c)))
		}
		if strings.HasSuffix(c, "\n") {
			t.Fatalf("chunk %d keeps a trailing newline: %q", i, c)
		}
		// Newline-preferred splitting keeps lines whole.
		for _, line := range strings.Split(c, "\n") {
			if line != "line one" {
				t.Fatalf("chunk %d broke a line: %q", i, line)
			}
		}
	}
}

func TestSplitTextHardBreakWithoutNewlines(t *testing.T) {
	t.Parallel()
	text := strings.Repeat("x", 95)
	chunks := splitText(text, 40)
	var total int
	for _, c := range chunks {
		n := len([]rune(c))
		if n > 40 {
			t.Fatalf("chunk exceeds limit: %d", n)
		}
		total += n
	}
	if total != 95 {
		t.Fatalf("lost content: %d of 95 runes", total)
	}
}

func TestClassifySendError(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		err  error
		want kit.SendResult
	}{
		{name: "flood wait", err: &tele.FloodError{Error: &tele.Error{Code: 429}, RetryAfter: 30}, want: kit.SendFailedTransient},
		{name: "blocked sentinel", err: tele.ErrBlockedByUser, want: kit.SendFailedPermanent},
		{name: "wrapped blocked sentinel", err: fmt.Errorf("send: %w", tele.ErrBlockedByUser), want: kit.SendFailedPermanent},
		{name: "other 403", err: &tele.Error{Code: 403, Description: "Forbidden: user is deactivated"}, want: kit.SendFailedPermanent},
		{name: "server error", err: &tele.Error{Code: 500, Description: "Internal Server Error"}, want: kit.SendFailedTransient},
		{name: "plain network error", err: errors.New("dial tcp: i/o timeout"), want: kit.SendFailedTransient},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			if got := classifySendError(tt.err); got != tt.want {
				t.Fatalf("classifySendError = %v, want %v", got, tt.want)
			}
		})
	}
}
