package window_test

import (
	"testing"
	"time"

	"fetchline/internal/dates"
	"fetchline/internal/query"
	"fetchline/internal/window"
)

var today = dates.New(2025, time.November, 7)

func resolve(t *testing.T, dsl string) (dates.Window, bool) {
	t.Helper()
	c, err := query.Parse(dsl)
	if err != nil {
		c = query.Constraints{}
	}
	return window.Resolve(c, today)
}

func TestAbsoluteWindow(t *testing.T) {
	w, ok := resolve(t, "window(1-Nov-25:7-Nov-25)")
	if !ok {
		t.Fatalf("expected window")
	}
	if w.Start != dates.New(2025, time.November, 1) || w.End != today {
		t.Fatalf("unexpected window %v", w)
	}
}

func TestRelativeStartDefaultsEndToToday(t *testing.T) {
	w, ok := resolve(t, "window(-30d:)")
	if !ok {
		t.Fatalf("expected window")
	}
	if w.End != today {
		t.Fatalf("end should default to today, got %v", w.End)
	}
	if w.Start != today.AddDays(-30) {
		t.Fatalf("unexpected start %v", w.Start)
	}
}

func TestRelativeUnits(t *testing.T) {
	cases := []struct {
		dsl  string
		want dates.CalendarDate
	}{
		{"window(-1d:)", today.AddDays(-1)},
		{"window(-2w:)", today.AddDays(-14)},
		{"window(-1m:)", dates.New(2025, time.October, 7)},
		{"window(-1y:)", dates.New(2024, time.November, 7)},
	}
	for _, tc := range cases {
		w, ok := resolve(t, tc.dsl)
		if !ok {
			t.Fatalf("%s: expected window", tc.dsl)
		}
		if w.Start != tc.want {
			t.Fatalf("%s: start = %v, want %v", tc.dsl, w.Start, tc.want)
		}
	}
}

func TestRelativeEnd(t *testing.T) {
	w, ok := resolve(t, "cohort(-8w:-1w)")
	if !ok {
		t.Fatalf("expected window")
	}
	if w.Start != today.AddDays(-56) || w.End != today.AddDays(-7) {
		t.Fatalf("unexpected window %v", w)
	}
}

func TestNoTemporalClause(t *testing.T) {
	if _, ok := resolve(t, "context(channel:google)"); ok {
		t.Fatalf("expected no window")
	}
}

func TestOpenStartRejected(t *testing.T) {
	// Open-ended on the left is a product restriction, not a parse gap.
	c := query.Constraints{Window: &query.TemporalClause{Start: "", End: "7-Nov-25"}}
	if _, ok := window.Resolve(c, today); ok {
		t.Fatalf("expected no window for missing start")
	}
}

func TestMalformedBoundRejected(t *testing.T) {
	for _, dsl := range []string{"window(notadate:)", "window(-xd:)", "window(--3d:)"} {
		if _, ok := resolve(t, dsl); ok {
			t.Fatalf("%s: expected no window", dsl)
		}
	}
}

func TestInvertedWindowRejected(t *testing.T) {
	if _, ok := resolve(t, "window(7-Nov-25:1-Nov-25)"); ok {
		t.Fatalf("expected no window when end precedes start")
	}
}

func TestResolutionIsPureGivenToday(t *testing.T) {
	w1, _ := resolve(t, "window(-30d:)")
	w2, _ := resolve(t, "window(-30d:)")
	if w1 != w2 {
		t.Fatalf("resolution not deterministic: %v vs %v", w1, w2)
	}
}
