package probe

import (
	"context"
	"fmt"
	"net/http"
	"os"

	"github.com/tidwall/gjson"

	"github.com/nghyane/pi-model-selector/internal/auth"
	"github.com/nghyane/pi-model-selector/internal/config"
)

const zaiQuotaURL = "https://api.z.ai/api/monitor/usage/quota/limit"

// ZaiProbe reads the z.ai quota-limit endpoint.
type ZaiProbe struct{}

func (ZaiProbe) Provider() config.ProviderID { return config.ProviderZai }

func (p ZaiProbe) Fetch(ctx context.Context, env *Env) []Snapshot {
	cred, ok := p.discover(env)
	if !ok {
		return []Snapshot{errorSnapshot(config.ProviderZai, "", ErrNoCredentials)}
	}
	token := cred.APIKey
	if token == "" {
		token = cred.Record.Access
	}
	if token == "" {
		return []Snapshot{errorSnapshot(config.ProviderZai, cred.Source, ErrNoToken)}
	}

	resp, err := env.Client.Do(ctx, string(config.ProviderZai), func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, zaiQuotaURL, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+token)
		return req, nil
	})
	if err != nil {
		if IsTimeout(err) {
			return []Snapshot{errorSnapshot(config.ProviderZai, cred.Source, ErrTimeout)}
		}
		return []Snapshot{errorSnapshot(config.ProviderZai, cred.Source, err.Error())}
	}
	switch resp.Status {
	case http.StatusOK:
		return []Snapshot{parseZaiQuota(resp.Body, cred.Source)}
	case http.StatusUnauthorized, http.StatusForbidden:
		return []Snapshot{errorSnapshot(config.ProviderZai, cred.Source, ErrUnauthorized)}
	default:
		return []Snapshot{errorSnapshot(config.ProviderZai, cred.Source, httpError(resp.Status))}
	}
}

func (p ZaiProbe) discover(env *Env) (auth.Credential, bool) {
	if env.AuthStore != nil {
		if key := env.AuthStore.GetAPIKey("z-ai"); key != "" {
			return auth.Credential{Source: "auth-store", APIKey: key}, true
		}
		if raw := env.AuthStore.Get("z-ai"); raw != nil {
			return auth.Credential{Source: "auth-store", Record: auth.ParseRecord(raw)}, true
		}
	}
	if rec, _, ok := env.PiAuth.Lookup("z-ai", "zai"); ok {
		return auth.Credential{Source: "auth.json", Record: rec}, true
	}
	if key := os.Getenv("Z_AI_API_KEY"); key != "" {
		return auth.Credential{Source: "env", APIKey: key}, true
	}
	return auth.Credential{}, false
}

// zaiUnitSuffix translates the limit unit enum: 1 day, 3 hour, 5 minute.
func zaiUnitSuffix(unit, number int64) (string, bool) {
	switch unit {
	case 1:
		return fmt.Sprintf("%dd", number), true
	case 3:
		return fmt.Sprintf("%dh", number), true
	case 5:
		return fmt.Sprintf("%dm", number), true
	}
	return "", false
}

func parseZaiQuota(body []byte, source string) Snapshot {
	var windows []RateWindow

	limits := gjson.GetBytes(body, "data.limits")
	if !limits.Exists() {
		limits = gjson.GetBytes(body, "limits")
	}
	limits.ForEach(func(_, item gjson.Result) bool {
		var label string
		switch item.Get("type").String() {
		case "TOKENS_LIMIT":
			suffix, ok := zaiUnitSuffix(item.Get("unit").Int(), item.Get("number").Int())
			if !ok {
				return true
			}
			label = fmt.Sprintf("Tokens (%s)", suffix)
		case "TIME_LIMIT":
			label = "Monthly"
		default:
			return true
		}

		used := item.Get("percentage").Float()
		if !item.Get("percentage").Exists() {
			total := item.Get("total").Float()
			if total > 0 {
				used = item.Get("used").Float() / total * 100
			}
		}
		windows = append(windows, NewWindow(label, used, nil))
		return true
	})

	if len(windows) == 0 {
		return errorSnapshot(config.ProviderZai, source, ErrNoQuotaData)
	}
	return Snapshot{
		Provider:    config.ProviderZai,
		DisplayName: config.ProviderZai.DisplayName(),
		Windows:     windows,
		Account:     source,
	}
}
