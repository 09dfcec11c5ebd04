package scheduler

import (
	"errors"
	"testing"
	"time"
)

func TestParseAt(t *testing.T) {
	t.Parallel()
	loc := time.UTC
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, loc)

	tests := []struct {
		name string
		raw  string
		want time.Time
	}{
		{name: "later today", raw: "18:30", want: time.Date(2024, 6, 1, 18, 30, 0, 0, loc)},
		{name: "earlier today rolls", raw: "09:00", want: time.Date(2024, 6, 2, 9, 0, 0, 0, loc)},
		{name: "same minute rolls", raw: "12:00", want: time.Date(2024, 6, 2, 12, 0, 0, 0, loc)},
		{name: "midnight", raw: "00:00", want: time.Date(2024, 6, 2, 0, 0, 0, 0, loc)},
		{name: "whitespace tolerated", raw: " 23:59 ", want: time.Date(2024, 6, 1, 23, 59, 0, 0, loc)},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseAt(tt.raw, now, loc)
			if err != nil {
				t.Fatalf("ParseAt(%q): %v", tt.raw, err)
			}
			if !got.Equal(tt.want) {
				t.Fatalf("ParseAt(%q) = %v, want %v", tt.raw, got, tt.want)
			}
		})
	}
}

func TestParseAtInvalid(t *testing.T) {
	t.Parallel()
	now := time.Now()
	for _, raw := range []string{"", "noon", "25:00", "12:60", "12", "12:0x", "-1:30"} {
		if _, err := ParseAt(raw, now, time.UTC); !errors.Is(err, ErrInvalidTime) {
			t.Fatalf("ParseAt(%q) err = %v, want ErrInvalidTime", raw, err)
		}
	}
}

func TestParseHHMM(t *testing.T) {
	t.Parallel()
	h, m, err := parseHHMM("23:15")
	if err != nil {
		t.Fatalf("parseHHMM: %v", err)
	}
	if h != 23 || m != 15 {
		t.Fatalf("unexpected result: %d:%d", h, m)
	}
	if _, _, err := parseHHMM("24:00"); err == nil {
		t.Fatal("expected error for invalid hour")
	}
}
