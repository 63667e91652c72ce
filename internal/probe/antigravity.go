package probe

import (
	"bytes"
	"context"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/nghyane/pi-model-selector/internal/auth"
	"github.com/nghyane/pi-model-selector/internal/config"
	"github.com/nghyane/pi-model-selector/internal/json"
)

const (
	antigravityModelsURL = "https://cloudcode-pa.googleapis.com/v1internal:fetchAvailableModels"
	antigravityUserAgent = "antigravity/1.11.5"
	antigravityAPIClient = "gl-go/1.24.0 antigravity/1.11.5"
)

// AntigravityProbe lists available models and folds them into model-group
// windows (Claude, G3 Pro, G3 Flash), each pinned to the worst model in the
// group.
type AntigravityProbe struct{}

func (AntigravityProbe) Provider() config.ProviderID { return config.ProviderAntigravity }

func (p AntigravityProbe) Fetch(ctx context.Context, env *Env) []Snapshot {
	cred, piAuthKey, ok := p.discover(env)
	if !ok {
		return []Snapshot{errorSnapshot(config.ProviderAntigravity, "", ErrNoCredentials)}
	}

	token := cred.APIKey
	if token == "" {
		attempted := make(map[string]bool)
		var errMsg string
		token, errMsg = googleAccessToken(ctx, env, cred, antigravityRefreshSkew, attempted, piAuthKey)
		if errMsg != "" {
			return []Snapshot{errorSnapshot(config.ProviderAntigravity, cred.Source, errMsg)}
		}
	}

	projectID := cred.Record.ProjectID
	if projectID == "" {
		projectID = os.Getenv("ANTIGRAVITY_PROJECT_ID")
	}
	if projectID == "" {
		projectID = os.Getenv("GOOGLE_CLOUD_PROJECT")
	}
	if projectID == "" {
		return []Snapshot{errorSnapshot(config.ProviderAntigravity, cred.Source, ErrMissingProject)}
	}

	payload, _ := json.Marshal(map[string]string{"project": projectID})
	resp, err := env.Client.Do(ctx, string(config.ProviderAntigravity), func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, antigravityModelsURL, bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("User-Agent", antigravityUserAgent)
		req.Header.Set("X-Goog-Api-Client", antigravityAPIClient)
		return req, nil
	})
	if err != nil {
		if IsTimeout(err) {
			return []Snapshot{errorSnapshot(config.ProviderAntigravity, cred.Source, ErrTimeout)}
		}
		return []Snapshot{errorSnapshot(config.ProviderAntigravity, cred.Source, err.Error())}
	}
	switch resp.Status {
	case http.StatusOK:
		return []Snapshot{parseAntigravityModels(resp.Body, cred.Source)}
	case http.StatusUnauthorized, http.StatusForbidden:
		return []Snapshot{errorSnapshot(config.ProviderAntigravity, cred.Source, ErrUnauthorized)}
	default:
		return []Snapshot{errorSnapshot(config.ProviderAntigravity, cred.Source, httpError(resp.Status))}
	}
}

func (p AntigravityProbe) discover(env *Env) (auth.Credential, string, bool) {
	if env.AuthStore != nil {
		if raw := env.AuthStore.Get("google-antigravity"); raw != nil {
			return auth.Credential{Source: "auth-store", Record: auth.ParseRecord(raw)}, "", true
		}
	}
	if rec, key, ok := env.PiAuth.Lookup("google-antigravity", "antigravity", "anti-gravity"); ok {
		return auth.Credential{Source: "auth.json", Record: rec}, key, true
	}
	if apiKey := os.Getenv("ANTIGRAVITY_API_KEY"); apiKey != "" {
		return auth.Credential{Source: "env", APIKey: apiKey}, "", true
	}
	return auth.Credential{}, "", false
}

// antigravityGroup maps a model id to its quota group, or "" when the
// model is not quota-grouped.
func antigravityGroup(modelID string) string {
	lower := strings.ToLower(modelID)
	switch {
	case strings.Contains(lower, "claude"):
		return "Claude"
	case strings.Contains(lower, "gemini") && strings.Contains(lower, "flash"),
		strings.Contains(lower, "g3") && strings.Contains(lower, "flash"):
		return "G3 Flash"
	case strings.Contains(lower, "gemini") && strings.Contains(lower, "pro"),
		strings.Contains(lower, "g3") && strings.Contains(lower, "pro"):
		return "G3 Pro"
	}
	return ""
}

func parseAntigravityModels(body []byte, source string) Snapshot {
	type groupState struct {
		remaining float64
		resetAt   *time.Time
	}
	groups := make(map[string]*groupState)

	gjson.GetBytes(body, "models").ForEach(func(_, item gjson.Result) bool {
		modelID := item.Get("modelId").String()
		if modelID == "" {
			modelID = item.Get("name").String()
		}
		group := antigravityGroup(modelID)
		if group == "" {
			return true
		}
		quota := item.Get("quotaInfo")
		if !quota.Exists() {
			return true
		}
		remaining := quota.Get("remainingFraction").Float()
		var resetAt *time.Time
		if reset := quota.Get("resetTime").String(); reset != "" {
			if t, err := time.Parse(time.RFC3339, reset); err == nil {
				utc := t.UTC()
				resetAt = &utc
			}
		}
		state, ok := groups[group]
		if !ok {
			groups[group] = &groupState{remaining: remaining, resetAt: resetAt}
			return true
		}
		if remaining < state.remaining {
			state.remaining = remaining
			state.resetAt = resetAt
		}
		return true
	})

	if len(groups) == 0 {
		return errorSnapshot(config.ProviderAntigravity, source, ErrNoQuotaData)
	}

	var windows []RateWindow
	for _, group := range []string{"Claude", "G3 Pro", "G3 Flash"} {
		state, ok := groups[group]
		if !ok {
			continue
		}
		windows = append(windows, NewWindow(group, (1-state.remaining)*100, state.resetAt))
	}
	return Snapshot{
		Provider:    config.ProviderAntigravity,
		DisplayName: config.ProviderAntigravity.DisplayName(),
		Windows:     windows,
		Account:     source,
	}
}
