package probe

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/gjson"

	"github.com/nghyane/pi-model-selector/internal/auth"
	"github.com/nghyane/pi-model-selector/internal/config"
)

const (
	copilotExchangeURL = "https://api.github.com/copilot_internal/v2/token"
	copilotUserURL     = "https://api.github.com/copilot_internal/user"

	copilotEditorVersion = "vscode/1.99.0"
	copilotPluginVersion = "copilot-chat/0.26.0"
	copilotUserAgent     = "GitHubCopilotChat/0.26.0"
)

// CopilotCache holds the ETag/body pair per Copilot token. Keyed by the
// exact token used against the user endpoint, which may differ from the
// discovery token after exchange.
type CopilotCache struct {
	mu      sync.Mutex
	entries map[string]copilotCacheEntry
}

type copilotCacheEntry struct {
	etag string
	body []byte
}

func NewCopilotCache() *CopilotCache {
	return &CopilotCache{entries: make(map[string]copilotCacheEntry)}
}

func (c *CopilotCache) get(token string) (copilotCacheEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[token]
	return e, ok
}

func (c *CopilotCache) put(token, etag string, body []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[token] = copilotCacheEntry{etag: etag, body: body}
}

// CopilotProbe exchanges GitHub tokens for Copilot tokens and reads the
// Copilot user endpoint. Several accounts may be discovered; results are
// deduplicated by login.
type CopilotProbe struct{}

func (CopilotProbe) Provider() config.ProviderID { return config.ProviderCopilot }

var copilotSourceTags = map[string]bool{
	"auth-store": true,
	"auth.json":  true,
	"gh":         true,
}

func (p CopilotProbe) Fetch(ctx context.Context, env *Env) []Snapshot {
	creds := p.discover(ctx, env)
	if len(creds) == 0 {
		return []Snapshot{errorSnapshot(config.ProviderCopilot, "", ErrNoCredentials)}
	}

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

	return finalizeMultiAccount(results,
		func(s Snapshot) string { return s.Account },
		func(account string) bool { return copilotSourceTags[account] })
}

func (p CopilotProbe) discover(ctx context.Context, env *Env) []auth.Credential {
	var creds []auth.Credential
	if env.AuthStore != nil {
		if key := env.AuthStore.GetAPIKey("github-copilot"); key != "" {
			creds = append(creds, auth.Credential{Source: "auth-store", Record: auth.Record{Access: key}})
		}
		if raw := env.AuthStore.Get("github-copilot"); raw != nil {
			creds = append(creds, auth.Credential{Source: "auth-store", Record: auth.ParseRecord(raw)})
		}
	}
	if rec, _, ok := env.PiAuth.Lookup("github-copilot", "copilot"); ok {
		creds = append(creds, auth.Credential{Source: "auth.json", Record: rec})
	}
	if token := auth.GhAuthToken(ctx); token != "" {
		creds = append(creds, auth.Credential{Source: "gh", Record: auth.Record{Access: token}})
	}
	return creds
}

func (p CopilotProbe) fetchOne(ctx context.Context, env *Env, cred auth.Credential) Snapshot {
	token := cred.Record.Access
	if token == "" {
		return errorSnapshot(config.ProviderCopilot, cred.Source, ErrNoToken)
	}

	exchanged := false
	if !strings.HasPrefix(token, "tid=") {
		copilotToken, errMsg := p.exchange(ctx, env, token)
		if errMsg != "" {
			return errorSnapshot(config.ProviderCopilot, cred.Source, errMsg)
		}
		token = copilotToken
		exchanged = true
	}

	snap, errMsg := p.fetchUser(ctx, env, token, cred.Source)
	if errMsg == "" {
		return snap
	}
	if exchanged && errMsg != ErrUnauthorized {
		// Exchange proved the credential is alive even though the user
		// endpoint will not talk to us. An auth rejection after a good
		// exchange means the account itself is revoked, not the endpoint.
		return Snapshot{
			Provider:    config.ProviderCopilot,
			DisplayName: config.ProviderCopilot.DisplayName(),
			Account:     cred.Source,
			Windows:     []RateWindow{NewWindow(AccessWindowLabel, 0, nil)},
		}
	}
	return errorSnapshot(config.ProviderCopilot, cred.Source, errMsg)
}

// exchange upgrades a GitHub token to a Copilot token, attempting both the
// `token` and `Bearer` authorization schemes.
func (p CopilotProbe) exchange(ctx context.Context, env *Env, ghToken string) (string, string) {
	var lastMsg string
	for _, scheme := range []string{"token", "Bearer"} {
		resp, err := env.Client.Do(ctx, string(config.ProviderCopilot), func(ctx context.Context) (*http.Request, error) {
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, copilotExchangeURL, nil)
			if err != nil {
				return nil, err
			}
			req.Header.Set("Authorization", scheme+" "+ghToken)
			req.Header.Set("User-Agent", copilotUserAgent)
			return req, nil
		})
		if err != nil {
			if IsTimeout(err) {
				return "", ErrTimeout
			}
			return "", err.Error()
		}
		switch resp.Status {
		case http.StatusOK:
			token := gjson.GetBytes(resp.Body, "token").String()
			if token == "" {
				return "", ErrNoToken
			}
			return token, ""
		case http.StatusUnauthorized, http.StatusForbidden:
			lastMsg = ErrUnauthorized
			continue
		default:
			return "", httpError(resp.Status)
		}
	}
	return "", lastMsg
}

func (p CopilotProbe) fetchUser(ctx context.Context, env *Env, token, source string) (Snapshot, string) {
	cached, hasCache := env.CopilotCache.get(token)

	var lastMsg string
	for _, scheme := range []string{"token", "Bearer"} {
		resp, err := env.Client.Do(ctx, string(config.ProviderCopilot), func(ctx context.Context) (*http.Request, error) {
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, copilotUserURL, nil)
			if err != nil {
				return nil, err
			}
			req.Header.Set("Authorization", scheme+" "+token)
			req.Header.Set("Editor-Version", copilotEditorVersion)
			req.Header.Set("Editor-Plugin-Version", copilotPluginVersion)
			req.Header.Set("User-Agent", copilotUserAgent)
			if hasCache && cached.etag != "" {
				req.Header.Set("If-None-Match", cached.etag)
			}
			return req, nil
		})
		if err != nil {
			if IsTimeout(err) {
				return Snapshot{}, ErrTimeout
			}
			return Snapshot{}, err.Error()
		}
		switch resp.Status {
		case http.StatusOK:
			if etag := resp.Header.Get("ETag"); etag != "" {
				env.CopilotCache.put(token, etag, resp.Body)
			}
			return parseCopilotUser(resp.Body, source), ""
		case http.StatusNotModified:
			if hasCache && len(cached.body) > 0 {
				return parseCopilotUser(cached.body, source), ""
			}
			return Snapshot{}, httpError(resp.Status)
		case http.StatusUnauthorized, http.StatusForbidden:
			lastMsg = ErrUnauthorized
			continue
		default:
			return Snapshot{}, httpError(resp.Status)
		}
	}
	return Snapshot{}, lastMsg
}

func parseCopilotUser(body []byte, source string) Snapshot {
	root := gjson.ParseBytes(body)

	account := root.Get("login").String()
	if account == "" {
		account = source
	}

	var resetAt *time.Time
	if resetDate := root.Get("quota_reset_date").String(); resetDate != "" {
		if t, err := time.Parse("2006-01-02", resetDate); err == nil {
			utc := t.UTC()
			resetAt = &utc
		}
	}

	var windows []RateWindow
	premium := root.Get("quota_snapshots.premium_interactions")
	if premium.Exists() {
		windows = append(windows, NewWindow("Premium", copilotUsedPercent(premium), resetAt))
	}
	chat := root.Get("quota_snapshots.chat")
	if chat.Exists() && !chat.Get("unlimited").Bool() {
		windows = append(windows, NewWindow("Chat", copilotUsedPercent(chat), resetAt))
	}
	if len(windows) == 0 {
		return errorSnapshot(config.ProviderCopilot, source, ErrNoQuotaData)
	}

	return Snapshot{
		Provider:    config.ProviderCopilot,
		DisplayName: config.ProviderCopilot.DisplayName(),
		Windows:     windows,
		Plan:        root.Get("copilot_plan").String(),
		Account:     account,
	}
}

func copilotUsedPercent(quota gjson.Result) float64 {
	if quota.Get("unlimited").Bool() {
		return 0
	}
	if pct := quota.Get("percent_remaining"); pct.Exists() {
		return 100 - pct.Float()
	}
	entitlement := quota.Get("entitlement").Float()
	remaining := quota.Get("remaining").Float()
	if entitlement <= 0 {
		return 0
	}
	return (entitlement - remaining) / entitlement * 100
}
