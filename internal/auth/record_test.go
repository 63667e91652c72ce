package auth

import (
	"testing"
	"time"
)

func TestParseRecordAliases(t *testing.T) {
	rec := ParseRecord(map[string]any{
		"accessToken":   "tok",
		"refresh_token": "ref",
		"project_id":    "proj",
		"client_id":     "cid",
		"clientSecret":  "sec",
		"account_id":    "acct",
	})
	if rec.Access != "tok" || rec.Refresh != "ref" || rec.ProjectID != "proj" ||
		rec.ClientID != "cid" || rec.ClientSecret != "sec" || rec.AccountID != "acct" {
		t.Fatalf("alias folding wrong: %+v", rec)
	}
}

func TestParseRecordExpiryFormats(t *testing.T) {
	now := time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC)

	// Milliseconds.
	rec := ParseRecord(map[string]any{"access": "a", "expires": float64(now.UnixMilli())})
	if !rec.HasExpiry || !rec.ExpiresAt.Equal(now) {
		t.Fatalf("ms expiry: %+v", rec)
	}

	// Seconds.
	rec = ParseRecord(map[string]any{"access": "a", "expiresAt": float64(now.Unix())})
	if !rec.HasExpiry || !rec.ExpiresAt.Equal(now) {
		t.Fatalf("s expiry: %+v", rec)
	}

	// RFC 3339.
	rec = ParseRecord(map[string]any{"access": "a", "expiry_date": now.Format(time.RFC3339)})
	if !rec.HasExpiry || !rec.ExpiresAt.Equal(now) {
		t.Fatalf("rfc3339 expiry: %+v", rec)
	}
}

func TestEpochZeroIsValidExpiry(t *testing.T) {
	rec := ParseRecord(map[string]any{"access": "a", "expires": float64(0)})
	if !rec.HasExpiry {
		t.Fatal("epoch 0 must count as a real expiry, not unknown")
	}
	if !rec.Expired(time.Now(), 0) {
		t.Fatal("epoch 0 expiry is long past")
	}

	noExpiry := ParseRecord(map[string]any{"access": "a"})
	if noExpiry.HasExpiry || noExpiry.Expired(time.Now(), 0) {
		t.Fatal("records without expiry never expire")
	}
}

func TestExpiredSkew(t *testing.T) {
	now := time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC)
	rec := Record{Access: "a", ExpiresAt: now.Add(30 * time.Second), HasExpiry: true}

	if rec.Expired(now, 0) {
		t.Fatal("not yet expired without skew")
	}
	if !rec.Expired(now, time.Minute) {
		t.Fatal("expiring within the skew counts as expired")
	}
}

func TestSortByFreshness(t *testing.T) {
	now := time.Now()
	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)
	creds := []Credential{
		{Source: "expired-1", Record: Record{ExpiresAt: past, HasExpiry: true}},
		{Source: "fresh-1", Record: Record{ExpiresAt: future, HasExpiry: true}},
		{Source: "expired-2", Record: Record{ExpiresAt: past, HasExpiry: true}},
		{Source: "fresh-2", Record: Record{}},
	}
	SortByFreshness(creds, now)

	want := []string{"fresh-1", "fresh-2", "expired-1", "expired-2"}
	for i, w := range want {
		if creds[i].Source != w {
			t.Fatalf("position %d: got %s, want %s (order %v)", i, creds[i].Source, w, creds)
		}
	}
}
