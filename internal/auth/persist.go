package auth

import (
	"os"
	"time"

	"github.com/tidwall/sjson"

	log "github.com/nghyane/pi-model-selector/internal/logging"
)

// SaveRefreshedToken writes a refreshed access token back into the agent
// auth file so other tools see it. Best-effort: failures are logged, never
// fatal, because the in-memory token is already usable.
func SaveRefreshedToken(path, providerKey, token string, expiry time.Time) {
	if path == "" {
		path = PiAuthPath()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		log.Debugf("auth: cannot read %s for token write-back: %v", path, err)
		return
	}

	updated, err := sjson.SetBytes(data, providerKey+".access", token)
	if err != nil {
		log.Debugf("auth: token write-back failed: %v", err)
		return
	}
	if !expiry.IsZero() {
		updated, err = sjson.SetBytes(updated, providerKey+".expires", expiry.UnixMilli())
		if err != nil {
			log.Debugf("auth: token write-back failed: %v", err)
			return
		}
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, updated, 0o600); err != nil {
		log.Debugf("auth: token write-back failed: %v", err)
		return
	}
	if err := os.Rename(tmp, path); err != nil {
		log.Debugf("auth: token write-back failed: %v", err)
	}
}
