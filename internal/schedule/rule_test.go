package schedule

import (
	"errors"
	"testing"
	"time"
)

func TestParseForms(t *testing.T) {
	r := NewResolver()

	cases := []struct {
		raw   string
		kind  RuleKind
		every time.Duration
		bad   bool
	}{
		{raw: "*/5 * * * *", kind: KindCron},
		{raw: "0 9 * * 1", kind: KindCron},
		{raw: "@hourly", kind: KindCron},
		{raw: "@every 1h", kind: KindCron},
		{raw: "55m", kind: KindInterval, every: 55 * time.Minute},
		{raw: "2h30m", kind: KindInterval, every: 2*time.Hour + 30*time.Minute},
		{raw: "00:50", kind: KindInterval, every: 50 * time.Minute},
		{raw: "02:30", kind: KindInterval, every: 2*time.Hour + 30*time.Minute},
		{raw: "", bad: true},
		{raw: "not a rule", bad: true},
		{raw: "00:75", bad: true},
		{raw: "00:00", bad: true},
		{raw: "-5m", bad: true},
		{raw: "* * * *", bad: true},
	}
	for _, tc := range cases {
		rule, err := r.Parse(tc.raw)
		if tc.bad {
			if !errors.Is(err, ErrInvalidRule) {
				t.Errorf("Parse(%q): want ErrInvalidRule, got %v", tc.raw, err)
			}
			continue
		}
		if err != nil {
			t.Errorf("Parse(%q): %v", tc.raw, err)
			continue
		}
		if rule.Kind != tc.kind {
			t.Errorf("Parse(%q): kind = %d, want %d", tc.raw, rule.Kind, tc.kind)
		}
		if tc.kind == KindInterval && rule.Every != tc.every {
			t.Errorf("Parse(%q): every = %v, want %v", tc.raw, rule.Every, tc.every)
		}
	}
}

func TestNextIntervalIsStrictlyAfter(t *testing.T) {
	r := NewResolver()
	after := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	got, err := r.Next("30m", "", after)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	want := after.Add(30 * time.Minute)
	if !got.Equal(want) {
		t.Fatalf("Next = %v, want %v", got, want)
	}
	if !got.After(after) {
		t.Fatalf("Next must be strictly after the anchor")
	}
}

func TestNextCronHourly(t *testing.T) {
	r := NewResolver()
	after := time.Date(2026, 3, 1, 10, 15, 0, 0, time.UTC)

	got, err := r.Next("0 * * * *", "", after)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	want := time.Date(2026, 3, 1, 11, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Fatalf("Next = %v, want %v", got, want)
	}
}

func TestNextHonorsTimezone(t *testing.T) {
	r := NewResolver()
	// 09:00 daily in New York. Anchor at 12:00 UTC = 07:00 EST, so the next
	// occurrence is 09:00 EST the same day = 14:00 UTC.
	after := time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)

	got, err := r.Next("0 9 * * *", "America/New_York", after)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	want := time.Date(2026, 1, 15, 14, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Fatalf("Next = %v, want %v (instant)", got.UTC(), want)
	}
}

func TestUnknownTimezoneFallsBackToUTC(t *testing.T) {
	r := NewResolver()
	after := time.Date(2026, 1, 15, 12, 30, 0, 0, time.UTC)

	got, err := r.Next("0 9 * * *", "Mars/Olympus_Mons", after)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	want := time.Date(2026, 1, 16, 9, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Fatalf("Next = %v, want %v", got.UTC(), want)
	}
}

func TestPeriod(t *testing.T) {
	r := NewResolver()
	iv, err := r.Parse("45m")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if iv.Period() != 45*time.Minute {
		t.Fatalf("Period = %v, want 45m", iv.Period())
	}
	cr, err := r.Parse("*/5 * * * *")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cr.Period() != 0 {
		t.Fatalf("cron Period = %v, want 0", cr.Period())
	}
}
