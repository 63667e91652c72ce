package probe

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/gjson"

	"github.com/nghyane/pi-model-selector/internal/auth"
	"github.com/nghyane/pi-model-selector/internal/config"
)

const codexUsageURL = "https://chatgpt.com/backend-api/wham/usage"

// CodexProbe reads the ChatGPT usage endpoint and reports the tighter of
// the primary/secondary rate windows.
type CodexProbe struct{}

func (CodexProbe) Provider() config.ProviderID { return config.ProviderCodex }

func codexIsSourceTag(account string) bool {
	return account == "auth-store" || strings.HasPrefix(account, "openai-codex") ||
		strings.HasSuffix(account, ".json")
}

func (p CodexProbe) Fetch(ctx context.Context, env *Env) []Snapshot {
	creds := p.discover(env)
	if len(creds) == 0 {
		return []Snapshot{errorSnapshot(config.ProviderCodex, "", ErrNoCredentials)}
	}
	now := env.now()
	auth.SortByFreshness(creds, now)

	results := make([]Snapshot, len(creds))
	var wg sync.WaitGroup
	for i, cred := range creds {
		wg.Add(1)
		go func(i int, cred auth.Credential) {
			defer wg.Done()
			results[i] = p.fetchOne(ctx, env, cred)
		}(i, cred)
	}
	wg.Wait()

	return finalizeMultiAccount(results, codexFingerprint, codexIsSourceTag)
}

func (p CodexProbe) discover(env *Env) []auth.Credential {
	var creds []auth.Credential
	if env.AuthStore != nil {
		if raw := env.AuthStore.Get("openai-codex"); raw != nil {
			creds = append(creds, auth.Credential{Source: "auth-store", Record: auth.ParseRecord(raw)})
		}
	}
	creds = append(creds, env.PiAuth.LookupPrefix("openai-codex")...)
	for _, path := range auth.CodexAuthFiles() {
		if rec, ok := auth.ReadCredentialFile(path); ok {
			creds = append(creds, auth.Credential{Source: pathBase(path), Record: rec})
		}
	}
	return creds
}

func pathBase(path string) string {
	if i := strings.LastIndexByte(path, '/'); i >= 0 {
		return path[i+1:]
	}
	return path
}

func (p CodexProbe) fetchOne(ctx context.Context, env *Env, cred auth.Credential) Snapshot {
	if cred.Record.Access == "" {
		return errorSnapshot(config.ProviderCodex, cred.Source, ErrNoToken)
	}
	if cred.Record.Expired(env.now(), 0) {
		return errorSnapshot(config.ProviderCodex, cred.Source, ErrTokenExpired)
	}

	resp, err := env.Client.Do(ctx, string(config.ProviderCodex), func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, codexUsageURL, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+cred.Record.Access)
		if cred.Record.AccountID != "" {
			req.Header.Set("ChatGPT-Account-Id", cred.Record.AccountID)
		}
		return req, nil
	})
	if err != nil {
		if IsTimeout(err) {
			return errorSnapshot(config.ProviderCodex, cred.Source, ErrTimeout)
		}
		return errorSnapshot(config.ProviderCodex, cred.Source, err.Error())
	}
	switch resp.Status {
	case http.StatusOK:
		return parseCodexUsage(resp.Body, cred, env.now())
	case http.StatusUnauthorized, http.StatusForbidden:
		return errorSnapshot(config.ProviderCodex, cred.Source, ErrUnauthorized)
	default:
		return errorSnapshot(config.ProviderCodex, cred.Source, httpError(resp.Status))
	}
}

type codexWindow struct {
	present     bool
	usedPercent float64
	hours       int
	resetAt     *time.Time
}

func parseCodexWindow(root gjson.Result, key string, now time.Time) codexWindow {
	node := root.Get(key)
	if !node.Exists() {
		return codexWindow{}
	}
	w := codexWindow{
		present:     true,
		usedPercent: node.Get("used_percent").Float(),
		hours:       int(math.Round(node.Get("limit_window_seconds").Float() / 3600)),
	}
	if reset := node.Get("resets_at").String(); reset != "" {
		if t, err := time.Parse(time.RFC3339, reset); err == nil {
			utc := t.UTC()
			w.resetAt = &utc
		}
	}
	if w.resetAt == nil {
		if secs := node.Get("resets_in_seconds"); secs.Exists() {
			t := now.Add(time.Duration(secs.Float() * float64(time.Second))).UTC()
			w.resetAt = &t
		}
	}
	return w
}

func (w codexWindow) label() string {
	if w.hours >= 24 {
		return "Week"
	}
	return fmt.Sprintf("%dh", w.hours)
}

func parseCodexUsage(body []byte, cred auth.Credential, now time.Time) Snapshot {
	root := gjson.ParseBytes(body)

	primary := parseCodexWindow(root, "rate_limit.primary_window", now)
	secondary := parseCodexWindow(root, "rate_limit.secondary_window", now)

	pick := primary
	if !pick.present {
		pick = secondary
	} else if secondary.present {
		if secondary.usedPercent > pick.usedPercent {
			pick = secondary
		} else if secondary.usedPercent == pick.usedPercent &&
			laterReset(secondary.resetAt, pick.resetAt) == secondary.resetAt {
			pick = secondary
		}
	}
	if !pick.present {
		return errorSnapshot(config.ProviderCodex, cred.Source, ErrNoQuotaData)
	}

	plan := root.Get("plan_type").String()
	credits := root.Get("credits.balance")
	if !credits.Exists() {
		credits = root.Get("credit_balance")
	}
	if credits.Exists() {
		suffix := fmt.Sprintf("$%v", credits.Value())
		if plan != "" {
			plan += " " + suffix
		} else {
			plan = suffix
		}
	}

	account := cred.Record.AccountID
	if account == "" {
		account = cred.Source
	}
	return Snapshot{
		Provider:    config.ProviderCodex,
		DisplayName: config.ProviderCodex.DisplayName(),
		Windows:     []RateWindow{NewWindow(pick.label(), pick.usedPercent, pick.resetAt)},
		Plan:        plan,
		Account:     account,
	}
}

// codexFingerprint is the dedup key for codex accounts: identical usage
// shapes from the same account are one account seen twice.
func codexFingerprint(s Snapshot) string {
	parts := make([]string, 0, len(s.Windows))
	for _, w := range s.Windows {
		resetTS := int64(0)
		if w.ResetsAt != nil {
			resetTS = w.ResetsAt.UnixMilli()
		}
		parts = append(parts, fmt.Sprintf("%s:%.2f:%d", w.Label, w.UsedPercent, resetTS))
	}
	sort.Strings(parts)
	return string(config.ProviderCodex) + "|" + strings.Join(parts, ",") + "|" + s.Account
}
