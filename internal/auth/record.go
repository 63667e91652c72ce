// Package auth discovers and refreshes provider credentials. It reads the
// host auth storage, the pi agent auth file, per-tool credential files, the
// OS secret store, and the environment; it refreshes OAuth tokens but never
// acquires new ones.
package auth

import (
	"sort"
	"time"
)

// Record is a normalized credential record. Source files use several field
// aliases (access/accessToken/token, expires/expiresAt/expiry_date, ...);
// ParseRecord folds them into one shape.
type Record struct {
	Access       string
	Refresh      string
	ProjectID    string
	ClientID     string
	ClientSecret string
	AccountID    string
	ExpiresAt    time.Time
	HasExpiry    bool
}

// Expired reports whether the record's access token is past its expiry,
// with the given skew subtracted. Records without expiry are never expired.
// Epoch 0 is a valid (long past) expiry, distinct from unknown.
func (r Record) Expired(now time.Time, skew time.Duration) bool {
	if !r.HasExpiry {
		return false
	}
	return !now.Add(skew).Before(r.ExpiresAt)
}

func firstString(raw map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := raw[k].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

// ParseRecord normalizes a raw credential object.
func ParseRecord(raw map[string]any) Record {
	rec := Record{
		Access:       firstString(raw, "access", "accessToken", "access_token", "token"),
		Refresh:      firstString(raw, "refresh", "refreshToken", "refresh_token"),
		ProjectID:    firstString(raw, "projectId", "project_id"),
		ClientID:     firstString(raw, "clientId", "client_id"),
		ClientSecret: firstString(raw, "clientSecret", "client_secret"),
		AccountID:    firstString(raw, "accountId", "account_id"),
	}
	for _, k := range []string{"expires", "expiresAt", "expires_at", "expiry_date"} {
		v, ok := raw[k]
		if !ok {
			continue
		}
		if t, found := parseExpiry(v); found {
			rec.ExpiresAt = t
			rec.HasExpiry = true
			break
		}
	}
	return rec
}

// parseExpiry accepts epoch milliseconds, epoch seconds, or RFC 3339.
// Numeric zero is treated as a real epoch-0 expiry.
func parseExpiry(v any) (time.Time, bool) {
	switch t := v.(type) {
	case float64:
		return epochTime(int64(t)), true
	case int64:
		return epochTime(t), true
	case int:
		return epochTime(int64(t)), true
	case string:
		if t == "" {
			return time.Time{}, false
		}
		if parsed, err := time.Parse(time.RFC3339, t); err == nil {
			return parsed, true
		}
	}
	return time.Time{}, false
}

// epochTime interprets n as milliseconds when it is large enough to be a
// post-2001 millisecond timestamp, otherwise as seconds.
func epochTime(n int64) time.Time {
	if n > 1e12 {
		return time.UnixMilli(n).UTC()
	}
	return time.Unix(n, 0).UTC()
}

// Credential couples a record with the source it was discovered from. The
// source tag is user-visible: it names which credential failed.
type Credential struct {
	Source string
	APIKey string
	Record Record
}

// SortByFreshness orders credentials so non-expired ones are tried first,
// preserving discovery order within each class.
func SortByFreshness(creds []Credential, now time.Time) {
	sort.SliceStable(creds, func(i, j int) bool {
		ei := creds[i].Record.Expired(now, 0)
		ej := creds[j].Record.Expired(now, 0)
		return !ei && ej
	})
}
