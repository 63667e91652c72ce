package auth

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	log "github.com/nghyane/pi-model-selector/internal/logging"
)

const googleTokenURL = "https://oauth2.googleapis.com/token"

// Cloud Shell's public OAuth client. Used as the refresh fallback when the
// stored record carries no usable client credentials.
const (
	cloudShellClientID     = "764086051850-6qr4p6gpi6hn506pt8ejuq83di341hur.apps.googleusercontent.com"
	cloudShellClientSecret = "d-FL95Q19q7MQmFpd7hHD0Ty"
)

// GoogleRefresher exchanges refresh tokens for access tokens at the Google
// OAuth endpoint. Concurrent refreshes of the same refresh token collapse
// into one request.
type GoogleRefresher struct {
	client *http.Client
	sf     singleflight.Group
}

// NewGoogleRefresher creates a refresher using the given HTTP client
// (nil for http.DefaultClient).
func NewGoogleRefresher(client *http.Client) *GoogleRefresher {
	if client == nil {
		client = http.DefaultClient
	}
	return &GoogleRefresher{client: client}
}

type refreshed struct {
	token  string
	expiry time.Time
}

// Refresh obtains a fresh access token for the record. The record's own
// client_id/client_secret are tried first; on failure the request is
// retried with the Cloud Shell client.
func (g *GoogleRefresher) Refresh(ctx context.Context, rec Record) (string, time.Time, error) {
	if rec.Refresh == "" {
		return "", time.Time{}, fmt.Errorf("no refresh token")
	}

	v, err, _ := g.sf.Do(rec.Refresh, func() (any, error) {
		if rec.ClientID != "" {
			token, expiry, err := g.exchange(ctx, rec.ClientID, rec.ClientSecret, rec.Refresh)
			if err == nil {
				return refreshed{token: token, expiry: expiry}, nil
			}
			log.Debugf("auth: refresh with stored client failed, trying cloud-shell client: %v", err)
		}
		token, expiry, err := g.exchange(ctx, cloudShellClientID, cloudShellClientSecret, rec.Refresh)
		if err != nil {
			return nil, err
		}
		return refreshed{token: token, expiry: expiry}, nil
	})
	if err != nil {
		return "", time.Time{}, err
	}
	r := v.(refreshed)
	return r.token, r.expiry, nil
}

func (g *GoogleRefresher) exchange(ctx context.Context, clientID, clientSecret, refreshToken string) (string, time.Time, error) {
	conf := &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		Endpoint:     oauth2.Endpoint{TokenURL: googleTokenURL},
	}
	ctx = context.WithValue(ctx, oauth2.HTTPClient, g.client)
	token, err := conf.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
	if err != nil {
		return "", time.Time{}, err
	}
	if token.AccessToken == "" {
		return "", time.Time{}, fmt.Errorf("refresh returned empty access token")
	}
	return token.AccessToken, token.Expiry, nil
}
