package timeparsing

import (
	"testing"
	"time"
)

func TestParseDuration(t *testing.T) {
	tests := []struct {
		in   string
		want time.Duration
	}{
		{"90s", 90 * time.Second},
		{"1h30m", 90 * time.Minute},
		{"24h", 24 * time.Hour},
		{"1d", 24 * time.Hour},
		{"7d", 7 * 24 * time.Hour},
		{"2w", 14 * 24 * time.Hour},
		{"0", 0},
		{" 1d ", 24 * time.Hour},
	}
	for _, tt := range tests {
		got, err := ParseDuration(tt.in)
		if err != nil {
			t.Errorf("ParseDuration(%q) failed: %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseDuration(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestParseDurationRejects(t *testing.T) {
	for _, in := range []string{"", "d", "1x", "-1d", "1.5d", "one day"} {
		if _, err := ParseDuration(in); err == nil {
			t.Errorf("ParseDuration(%q) should have failed", in)
		}
	}
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		in   time.Duration
		want string
	}{
		{0, "0s"},
		{90 * time.Second, "1m30s"},
		{time.Minute, "1m"},
		{90 * time.Minute, "1h30m"},
		{6 * time.Hour, "6h"},
		{24 * time.Hour, "1d"},
		{7 * 24 * time.Hour, "7d"},
		{25 * time.Hour, "25h"},
	}
	for _, tt := range tests {
		if got := FormatDuration(tt.in); got != tt.want {
			t.Errorf("FormatDuration(%v) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestFormatParseRoundTrip(t *testing.T) {
	durations := []time.Duration{
		0, time.Second, 90 * time.Second, time.Minute, time.Hour,
		6 * time.Hour, 24 * time.Hour, 36 * time.Hour, 7 * 24 * time.Hour,
	}
	for _, d := range durations {
		back, err := ParseDuration(FormatDuration(d))
		if err != nil {
			t.Errorf("round trip of %v failed: %v", d, err)
			continue
		}
		if back != d {
			t.Errorf("round trip of %v came back as %v", d, back)
		}
	}
}
