package probe

import (
	"context"
	"time"

	"github.com/nghyane/pi-model-selector/internal/auth"
	log "github.com/nghyane/pi-model-selector/internal/logging"
)

const (
	geminiRefreshSkew      = 60 * time.Second
	antigravityRefreshSkew = 5 * time.Minute
)

// googleAccessToken returns a usable access token for a Google-family
// credential, refreshing when the token is missing or expires within the
// skew. The attempted set prevents refresh loops within one fetch pass.
// piAuthKey, when non-empty, names the auth.json entry to write a refreshed
// token back to.
func googleAccessToken(ctx context.Context, env *Env, cred auth.Credential, skew time.Duration, attempted map[string]bool, piAuthKey string) (string, string) {
	rec := cred.Record
	now := env.now()

	if rec.Access != "" && !rec.Expired(now, skew) {
		return rec.Access, ""
	}
	if rec.Refresh == "" {
		if rec.Access == "" {
			return "", ErrNoToken
		}
		return "", ErrTokenExpired
	}
	if attempted[rec.Refresh] {
		return "", ErrTokenExpired
	}
	attempted[rec.Refresh] = true

	token, expiry, err := env.Google.Refresh(ctx, rec)
	if err != nil {
		if IsTimeout(err) {
			return "", ErrTimeout
		}
		log.Debugf("probe: google refresh failed for %s: %v", cred.Source, err)
		return "", ErrTokenExpired
	}
	if piAuthKey != "" {
		auth.SaveRefreshedToken(env.PiAuthPath, piAuthKey, token, expiry)
	}
	return token, ""
}
