package scheduler

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ErrInvalidTime reports a malformed schedule time. No task is created.
var ErrInvalidTime = errors.New("invalid schedule time")

// ParseAt resolves "HH:MM" to the next concrete instant in loc relative to
// now: today if still ahead, otherwise the same clock time tomorrow.
func ParseAt(raw string, now time.Time, loc *time.Location) (time.Time, error) {
	h, m, err := parseHHMM(raw)
	if err != nil {
		return time.Time{}, err
	}
	now = now.In(loc)
	at := time.Date(now.Year(), now.Month(), now.Day(), h, m, 0, 0, loc)
	return rollForward(at, now), nil
}

func parseHHMM(raw string) (int, int, error) {
	parts := strings.SplitN(strings.TrimSpace(raw), ":", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("%w: %q (want HH:MM)", ErrInvalidTime, raw)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, 0, fmt.Errorf("%w: bad hour in %q", ErrInvalidTime, raw)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, 0, fmt.Errorf("%w: bad minute in %q", ErrInvalidTime, raw)
	}
	return h, m, nil
}
