package probe

import (
	"context"
	"testing"
	"time"
)

func TestParseKiroUsage(t *testing.T) {
	now := time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC)
	text := `
Usage: 45% of monthly allowance
Resets on 9/1
Credits: 12/100
Bonus credits expire in 5d
`
	windows := parseKiroUsage(text, now)
	if len(windows) != 2 {
		t.Fatalf("expected Usage and Credits, got %+v", windows)
	}

	if windows[0].Label != "Usage" || windows[0].UsedPercent != 45 {
		t.Fatalf("percentage quota: %+v", windows[0])
	}
	if windows[0].ResetsAt == nil || windows[0].ResetsAt.Month() != time.September {
		t.Fatalf("reset should attach to the nearest preceding quota: %+v", windows[0])
	}

	if windows[1].Label != "Credits" || windows[1].UsedPercent != 12 {
		t.Fatalf("a/b quota should become a/b*100: %+v", windows[1])
	}
	// The bonus line carries no quota value, so its expiry attaches to the
	// nearest preceding quota.
	if windows[1].ResetsAt == nil {
		t.Fatalf("expiry should attach to the credits quota: %+v", windows[1])
	}
	if got := windows[1].ResetsAt.Sub(now); got != 5*24*time.Hour {
		t.Fatalf("expires in 5d: got %v", got)
	}
}

func TestParseKiroRemainingInverted(t *testing.T) {
	windows := parseKiroUsage("Remaining: 30%", time.Now())
	if len(windows) != 1 || windows[0].UsedPercent != 70 {
		t.Fatalf("Remaining is inverted to used: %+v", windows)
	}
}

func TestStripANSI(t *testing.T) {
	in := "\x1b[32mUsage:\x1b[0m 45%"
	if got := stripANSI(in); got != "Usage: 45%" {
		t.Fatalf("stripANSI = %q", got)
	}
}

func TestResolveKiroDateNearestFuture(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	got, ok := resolveKiroDate(10, 11, now)
	if !ok {
		t.Fatal("date should resolve")
	}
	// The closest reading is Nov 10 2025, 52 days past, which rolls
	// forward a year.
	want := time.Date(2026, 11, 10, 0, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Fatalf("resolveKiroDate(10, 11) = %v, want %v", got, want)
	}
	if !got.After(now) {
		t.Fatal("resolved date must be in the future")
	}
}

func TestResolveKiroDateUnambiguous(t *testing.T) {
	now := time.Date(2026, 8, 26, 0, 0, 0, 0, time.UTC)
	got, ok := resolveKiroDate(9, 30, now)
	if !ok {
		t.Fatal("date should resolve")
	}
	want := time.Date(2026, 9, 30, 0, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Fatalf("resolveKiroDate(9, 30) = %v, want %v", got, want)
	}
}

func TestResolveKiroDateImpossible(t *testing.T) {
	if _, ok := resolveKiroDate(45, 45, time.Now()); ok {
		t.Fatal("45/45 is not a date")
	}
}

// The CLI invocation carries its own deadline, so a wedged kiro-cli cannot
// hold the aggregate fan-out hostage.
func TestKiroCliCallCarriesDeadline(t *testing.T) {
	var deadline time.Time
	var bounded bool
	p := KiroProbe{run: func(ctx context.Context) ([]byte, error) {
		deadline, bounded = ctx.Deadline()
		return []byte("Usage: 10%"), nil
	}}

	start := time.Now()
	snaps := p.Fetch(context.Background(), &Env{})
	if len(snaps) != 1 || snaps[0].Err != "" {
		t.Fatalf("run output should parse: %+v", snaps)
	}
	if !bounded {
		t.Fatal("cli context must have a deadline even under an unbounded parent")
	}
	if d := deadline.Sub(start); d <= 0 || d > CallTimeout+time.Second {
		t.Fatalf("deadline %v outside the per-call budget", d)
	}
}

func TestKiroCliDeadlineExpiryIsTimeout(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	p := KiroProbe{run: func(ctx context.Context) ([]byte, error) {
		return nil, ctx.Err()
	}}
	snaps := p.Fetch(ctx, &Env{})
	if len(snaps) != 1 || snaps[0].Err != ErrTimeout {
		t.Fatalf("expiry should surface as a timeout snapshot: %+v", snaps)
	}
}
