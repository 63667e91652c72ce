package probe

import (
	"context"
	"net/http"
	"time"

	"github.com/tidwall/gjson"

	"github.com/nghyane/pi-model-selector/internal/auth"
	"github.com/nghyane/pi-model-selector/internal/config"
)

const (
	claudeUsageURL  = "https://api.anthropic.com/api/oauth/usage"
	claudeBetaValue = "oauth-2025-04-20"
)

// ClaudeProbe reads the Anthropic OAuth usage endpoint and merges the
// shared 5h/weekly windows with the per-model weekly windows.
type ClaudeProbe struct{}

func (ClaudeProbe) Provider() config.ProviderID { return config.ProviderAnthropic }

func (p ClaudeProbe) Fetch(ctx context.Context, env *Env) []Snapshot {
	creds := p.discover(ctx, env)
	if len(creds) == 0 {
		return []Snapshot{errorSnapshot(config.ProviderAnthropic, "", ErrNoCredentials)}
	}
	now := env.now()
	auth.SortByFreshness(creds, now)

	lastErr := ErrNoToken
	lastSource := creds[0].Source
	for _, cred := range creds {
		if cred.Record.Access == "" {
			continue
		}
		if cred.Record.Expired(now, 0) {
			lastErr, lastSource = ErrTokenExpired, cred.Source
			continue
		}

		resp, err := env.Client.Do(ctx, string(config.ProviderAnthropic), func(ctx context.Context) (*http.Request, error) {
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, claudeUsageURL, nil)
			if err != nil {
				return nil, err
			}
			req.Header.Set("Authorization", "Bearer "+cred.Record.Access)
			req.Header.Set("anthropic-beta", claudeBetaValue)
			return req, nil
		})
		if err != nil {
			if IsTimeout(err) {
				lastErr = ErrTimeout
			} else {
				lastErr = err.Error()
			}
			lastSource = cred.Source
			continue
		}
		switch {
		case resp.Status == http.StatusOK:
			snap := parseClaudeUsage(resp.Body, cred.Source)
			return []Snapshot{snap}
		case resp.Status == http.StatusUnauthorized || resp.Status == http.StatusForbidden:
			lastErr, lastSource = ErrUnauthorized, cred.Source
			continue
		default:
			return []Snapshot{errorSnapshot(config.ProviderAnthropic, cred.Source, httpError(resp.Status))}
		}
	}
	return []Snapshot{errorSnapshot(config.ProviderAnthropic, lastSource, lastErr)}
}

func (p ClaudeProbe) discover(ctx context.Context, env *Env) []auth.Credential {
	var creds []auth.Credential
	if env.AuthStore != nil {
		if raw := env.AuthStore.Get("anthropic"); raw != nil {
			creds = append(creds, auth.Credential{Source: "auth-store", Record: auth.ParseRecord(raw)})
		}
	}
	if rec, _, ok := env.PiAuth.Lookup("anthropic"); ok {
		creds = append(creds, auth.Credential{Source: "auth.json", Record: rec})
	}
	if rec, ok := auth.ReadKeychainClaude(ctx); ok {
		creds = append(creds, auth.Credential{Source: "keychain", Record: rec})
	}
	return creds
}

type claudeBucket struct {
	present bool
	util    float64
	resetAt *time.Time
}

func claudeParseBucket(root gjson.Result, key string) claudeBucket {
	node := root.Get(key)
	if !node.Exists() {
		return claudeBucket{}
	}
	b := claudeBucket{present: true, util: node.Get("utilization").Float()}
	if reset := node.Get("resets_at"); reset.Exists() && reset.String() != "" {
		if t, err := time.Parse(time.RFC3339, reset.String()); err == nil {
			utc := t.UTC()
			b.resetAt = &utc
		}
	}
	return b
}

func laterReset(a, b *time.Time) *time.Time {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	if b.After(*a) {
		return b
	}
	return a
}

// parseClaudeUsage normalizes the usage payload. Model windows are
// pessimistic: a model is at least as used as the shared windows that also
// gate it, and resets no earlier.
func parseClaudeUsage(body []byte, account string) Snapshot {
	root := gjson.ParseBytes(body)

	five := claudeParseBucket(root, "five_hour")
	week := claudeParseBucket(root, "seven_day")
	sonnet := claudeParseBucket(root, "seven_day_sonnet")
	opus := claudeParseBucket(root, "seven_day_opus")

	globalUtil := 0.0
	var globalReset *time.Time
	for _, b := range []claudeBucket{five, week} {
		if !b.present {
			continue
		}
		if b.util > globalUtil {
			globalUtil = b.util
		}
		globalReset = laterReset(globalReset, b.resetAt)
	}

	var windows []RateWindow
	for _, m := range []struct {
		label  string
		bucket claudeBucket
	}{{"Sonnet", sonnet}, {"Opus", opus}} {
		if !m.bucket.present {
			continue
		}
		used := m.bucket.util
		if globalUtil > used {
			used = globalUtil
		}
		windows = append(windows, NewWindow(m.label, used*100, laterReset(m.bucket.resetAt, globalReset)))
	}
	if !sonnet.present && !opus.present && (five.present || week.present) {
		windows = append(windows, NewWindow("Shared", globalUtil*100, globalReset))
	}
	if five.present {
		windows = append(windows, NewWindow("5h", five.util*100, five.resetAt))
	}
	if week.present {
		windows = append(windows, NewWindow("Week", week.util*100, week.resetAt))
	}

	if len(windows) == 0 {
		return errorSnapshot(config.ProviderAnthropic, account, ErrNoQuotaData)
	}
	return Snapshot{
		Provider:    config.ProviderAnthropic,
		DisplayName: config.ProviderAnthropic.DisplayName(),
		Windows:     windows,
		Account:     account,
	}
}
