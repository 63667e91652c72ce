package probe

import (
	"bytes"
	"context"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/gjson"

	"github.com/nghyane/pi-model-selector/internal/auth"
	"github.com/nghyane/pi-model-selector/internal/config"
	"github.com/nghyane/pi-model-selector/internal/json"
)

const geminiQuotaURL = "https://cloudcode-pa.googleapis.com/v1internal:retrieveUserQuota"

// GeminiProbe reads per-model quota from the Cloud Code endpoint and folds
// model ids into family windows (Pro, Flash, ...), keeping the worst
// remaining fraction per family.
type GeminiProbe struct{}

func (GeminiProbe) Provider() config.ProviderID { return config.ProviderGemini }

type geminiCred struct {
	auth.Credential
	projectID string
	piAuthKey string
}

var geminiSourceTags = map[string]bool{
	"auth-store":       true,
	"auth.json":        true,
	"oauth_creds.json": true,
}

func (p GeminiProbe) Fetch(ctx context.Context, env *Env) []Snapshot {
	creds := p.discover(env)
	if len(creds) == 0 {
		return []Snapshot{errorSnapshot(config.ProviderGemini, "", ErrNoCredentials)}
	}

	attempted := make(map[string]bool)
	var attemptedMu sync.Mutex
	results := make([]Snapshot, len(creds))
	var wg sync.WaitGroup
	for i, cred := range creds {
		wg.Add(1)
		go func(i int, cred geminiCred) {
			defer wg.Done()
			attemptedMu.Lock()
			token, errMsg := googleAccessToken(ctx, env, cred.Credential, geminiRefreshSkew, attempted, cred.piAuthKey)
			attemptedMu.Unlock()
			if errMsg != "" {
				results[i] = errorSnapshot(config.ProviderGemini, cred.Source, errMsg)
				return
			}
			if cred.projectID == "" {
				results[i] = errorSnapshot(config.ProviderGemini, cred.Source, ErrMissingProject)
				return
			}
			results[i] = p.fetchQuota(ctx, env, token, cred)
		}(i, cred)
	}
	wg.Wait()

	return finalizeMultiAccount(results,
		func(s Snapshot) string { return s.Account },
		func(account string) bool { return geminiSourceTags[account] })
}

func (p GeminiProbe) discover(env *Env) []geminiCred {
	envProject := os.Getenv("GOOGLE_CLOUD_PROJECT")
	wrap := func(source, piAuthKey string, rec auth.Record) geminiCred {
		pid := rec.ProjectID
		if pid == "" {
			pid = envProject
		}
		return geminiCred{
			Credential: auth.Credential{Source: source, Record: rec},
			projectID:  pid,
			piAuthKey:  piAuthKey,
		}
	}

	var creds []geminiCred
	if env.AuthStore != nil {
		if raw := env.AuthStore.Get("google-gemini"); raw != nil {
			creds = append(creds, wrap("auth-store", "", auth.ParseRecord(raw)))
		}
	}
	if rec, key, ok := env.PiAuth.Lookup("google-gemini", "google-gemini-cli"); ok {
		creds = append(creds, wrap("auth.json", key, rec))
	}
	if rec, ok := auth.ReadCredentialFile(auth.GeminiOauthCredsPath()); ok {
		creds = append(creds, wrap("oauth_creds.json", "", rec))
	}
	return creds
}

func (p GeminiProbe) fetchQuota(ctx context.Context, env *Env, token string, cred geminiCred) Snapshot {
	payload, _ := json.Marshal(map[string]string{"project": cred.projectID})
	resp, err := env.Client.Do(ctx, string(config.ProviderGemini), func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, geminiQuotaURL, bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("Content-Type", "application/json")
		return req, nil
	})
	if err != nil {
		if IsTimeout(err) {
			return errorSnapshot(config.ProviderGemini, cred.Source, ErrTimeout)
		}
		return errorSnapshot(config.ProviderGemini, cred.Source, err.Error())
	}
	switch resp.Status {
	case http.StatusOK:
		snap := parseGeminiQuota(resp.Body, cred)
		return snap
	case http.StatusUnauthorized, http.StatusForbidden:
		return errorSnapshot(config.ProviderGemini, cred.Source, ErrUnauthorized)
	default:
		return errorSnapshot(config.ProviderGemini, cred.Source, httpError(resp.Status))
	}
}

// geminiFamily buckets a model id: anything with "pro" is Pro, "flash" is
// Flash, otherwise the capitalized first segment of the id.
func geminiFamily(modelID string) string {
	lower := strings.ToLower(modelID)
	switch {
	case strings.Contains(lower, "pro"):
		return "Pro"
	case strings.Contains(lower, "flash"):
		return "Flash"
	}
	segment, _, _ := strings.Cut(lower, "-")
	if segment == "" {
		return ""
	}
	return strings.ToUpper(segment[:1]) + segment[1:]
}

func parseGeminiQuota(body []byte, cred geminiCred) Snapshot {
	type familyState struct {
		remaining float64
		resetAt   *time.Time
	}
	families := make(map[string]*familyState)
	var order []string

	buckets := gjson.GetBytes(body, "userQuota")
	if !buckets.Exists() {
		buckets = gjson.GetBytes(body, "quotas")
	}
	buckets.ForEach(func(_, item gjson.Result) bool {
		modelID := item.Get("modelId").String()
		if modelID == "" {
			modelID = item.Get("model").String()
		}
		family := geminiFamily(modelID)
		if family == "" {
			return true
		}
		remaining := item.Get("remainingFraction").Float()
		var resetAt *time.Time
		if reset := item.Get("resetTime").String(); reset != "" {
			if t, err := time.Parse(time.RFC3339, reset); err == nil {
				utc := t.UTC()
				resetAt = &utc
			}
		}
		state, ok := families[family]
		if !ok {
			families[family] = &familyState{remaining: remaining, resetAt: resetAt}
			order = append(order, family)
			return true
		}
		// Pessimistic: the family is only as good as its worst model.
		if remaining < state.remaining {
			state.remaining = remaining
			state.resetAt = resetAt
		}
		return true
	})

	if len(order) == 0 {
		return errorSnapshot(config.ProviderGemini, cred.Source, ErrNoQuotaData)
	}

	account := cred.projectID
	if account == "" {
		account = cred.Source
	}
	windows := make([]RateWindow, 0, len(order))
	for _, family := range order {
		state := families[family]
		windows = append(windows, NewWindow(family, (1-state.remaining)*100, state.resetAt))
	}
	return Snapshot{
		Provider:    config.ProviderGemini,
		DisplayName: config.ProviderGemini.DisplayName(),
		Windows:     windows,
		Account:     account,
	}
}
