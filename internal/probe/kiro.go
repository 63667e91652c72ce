package probe

import (
	"context"
	"os"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/nghyane/pi-model-selector/internal/config"
)

// KiroProbe scrapes `kiro-cli chat --no-interactive /usage`. There is no
// HTTP API; everything comes from the CLI's rendered output.
type KiroProbe struct {
	// run overrides the CLI invocation in tests.
	run func(ctx context.Context) ([]byte, error)
}

func (KiroProbe) Provider() config.ProviderID { return config.ProviderKiro }

func runKiroCli(ctx context.Context) ([]byte, error) {
	cmd := exec.CommandContext(ctx, "kiro-cli", "chat", "--no-interactive", "/usage")
	cmd.Env = append(os.Environ(), "TERM=xterm-256color")
	return cmd.CombinedOutput()
}

func (p KiroProbe) Fetch(ctx context.Context, env *Env) []Snapshot {
	run := p.run
	if run == nil {
		if _, err := exec.LookPath("kiro-cli"); err != nil {
			return []Snapshot{errorSnapshot(config.ProviderKiro, "kiro-cli", ErrKiroCliNotFound)}
		}
		run = runKiroCli
	}

	// Same per-call bound as the HTTP probes; a wedged CLI must not eat
	// the whole aggregate deadline.
	callCtx, cancel := context.WithTimeout(ctx, CallTimeout)
	defer cancel()

	out, err := run(callCtx)
	text := stripANSI(string(out))
	if err != nil {
		if callCtx.Err() != nil {
			return []Snapshot{errorSnapshot(config.ProviderKiro, "kiro-cli", ErrTimeout)}
		}
		if strings.Contains(strings.ToLower(text), "not logged in") {
			return []Snapshot{errorSnapshot(config.ProviderKiro, "kiro-cli", ErrNotLoggedIn)}
		}
		return []Snapshot{errorSnapshot(config.ProviderKiro, "kiro-cli", err.Error())}
	}
	if strings.Contains(strings.ToLower(text), "not logged in") {
		return []Snapshot{errorSnapshot(config.ProviderKiro, "kiro-cli", ErrNotLoggedIn)}
	}

	windows := parseKiroUsage(text, env.now())
	if len(windows) == 0 {
		return []Snapshot{errorSnapshot(config.ProviderKiro, "kiro-cli", ErrNoQuotaData)}
	}
	return []Snapshot{{
		Provider:    config.ProviderKiro,
		DisplayName: config.ProviderKiro.DisplayName(),
		Windows:     windows,
		Account:     "kiro-cli",
	}}
}

var ansiRe = regexp.MustCompile(`\x1b\[[0-9;]*[A-Za-z]`)

func stripANSI(s string) string {
	return ansiRe.ReplaceAllString(s, "")
}

// kiroQuotaRe captures a quota label followed by either a percentage or an
// a/b pair. Groups: 1 label, 2 percent, 3 numerator, 4 denominator.
var kiroQuotaRe = regexp.MustCompile(
	`(?i)\b(Progress|Usage|Credits|Quota|Remaining|Bonus)\b[^\d%\n]*?(?:(\d+(?:\.\d+)?)%|(\d+(?:\.\d+)?)\s*/\s*(\d+(?:\.\d+)?))`)

var (
	kiroResetRe  = regexp.MustCompile(`(?i)resets?\s+on\s+(\d{1,2})/(\d{1,2})`)
	kiroExpireRe = regexp.MustCompile(`(?i)expires?\s+in\s+(\d+)d`)
)

// parseKiroUsage extracts quota windows from the CLI output and attaches
// each reset/expiry annotation to the textually nearest preceding quota.
func parseKiroUsage(text string, now time.Time) []RateWindow {
	type positioned struct {
		window RateWindow
		pos    int
	}
	var quotas []positioned

	for _, m := range kiroQuotaRe.FindAllStringSubmatchIndex(text, -1) {
		label := text[m[2]:m[3]]
		label = strings.ToUpper(label[:1]) + strings.ToLower(label[1:])

		var used float64
		switch {
		case m[4] >= 0:
			pct, err := strconv.ParseFloat(text[m[4]:m[5]], 64)
			if err != nil {
				continue
			}
			used = pct
			if label == "Remaining" {
				used = 100 - pct
			}
		case m[6] >= 0 && m[8] >= 0:
			a, errA := strconv.ParseFloat(text[m[6]:m[7]], 64)
			b, errB := strconv.ParseFloat(text[m[8]:m[9]], 64)
			if errA != nil || errB != nil || b <= 0 {
				continue
			}
			used = a / b * 100
		default:
			continue
		}
		quotas = append(quotas, positioned{window: NewWindow(label, used, nil), pos: m[0]})
	}
	if len(quotas) == 0 {
		return nil
	}

	attach := func(pos int, resetAt time.Time) {
		best := -1
		for i := range quotas {
			if quotas[i].pos <= pos {
				best = i
			}
		}
		if best < 0 {
			best = 0
		}
		utc := resetAt.UTC()
		quotas[best].window.ResetsAt = &utc
		quotas[best].window.ResetDescription = describeReset(utc)
	}

	for _, m := range kiroResetRe.FindAllStringSubmatchIndex(text, -1) {
		a, _ := strconv.Atoi(text[m[2]:m[3]])
		b, _ := strconv.Atoi(text[m[4]:m[5]])
		if t, ok := resolveKiroDate(a, b, now); ok {
			attach(m[0], t)
		}
	}
	for _, m := range kiroExpireRe.FindAllStringSubmatchIndex(text, -1) {
		days, _ := strconv.Atoi(text[m[2]:m[3]])
		attach(m[0], now.AddDate(0, 0, days))
	}

	windows := make([]RateWindow, len(quotas))
	for i, q := range quotas {
		windows[i] = q.window
	}
	return windows
}

// resolveKiroDate disambiguates a printed "A/B" date: both MM/DD and DD/MM
// readings are tried for the previous, current, and next year; the
// candidate closest in absolute time wins, ties broken toward the future.
// A winner more than 7 days in the past rolls forward one year.
func resolveKiroDate(a, b int, now time.Time) (time.Time, bool) {
	var candidates []time.Time
	for _, pair := range [][2]int{{a, b}, {b, a}} {
		month, day := pair[0], pair[1]
		if month < 1 || month > 12 || day < 1 || day > 31 {
			continue
		}
		for _, year := range []int{now.Year() - 1, now.Year(), now.Year() + 1} {
			t := time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC)
			if t.Month() != time.Month(month) || t.Day() != day {
				continue // impossible date, e.g. 2/30
			}
			candidates = append(candidates, t)
		}
	}
	if len(candidates) == 0 {
		return time.Time{}, false
	}

	best := candidates[0]
	for _, c := range candidates[1:] {
		dc := absDuration(c.Sub(now))
		db := absDuration(best.Sub(now))
		if dc < db || (dc == db && c.After(now) && !best.After(now)) {
			best = c
		}
	}
	if now.Sub(best) > 7*24*time.Hour {
		best = best.AddDate(1, 0, 0)
	}
	return best, true
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
