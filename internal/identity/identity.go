// Package identity mints GitHub App installation tokens. The sandbox pushes
// with short-lived installation tokens instead of user credentials, so a
// leaked sandbox environment never exposes a participant's OAuth token.
package identity

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
	gogh "github.com/google/go-github/v68/github"
	"github.com/rs/zerolog"
)

// ErrNotConfigured is returned when the GitHub App credentials are absent.
var ErrNotConfigured = errors.New("github app is not configured")

const (
	// appJWTBackdate guards against clock skew between us and GitHub.
	appJWTBackdate = 60 * time.Second
	// appJWTLifetime is the validity window of the app JWT. GitHub caps it at
	// ten minutes.
	appJWTLifetime = 10 * time.Minute
)

// AppAuth mints installation tokens for one GitHub App installation.
type AppAuth struct {
	appID          string
	installationID int64
	signingKey     any
	log            zerolog.Logger
}

// NewAppAuth parses the PEM private key and returns an installation token
// minter. An empty appID disables the minter; Token then returns
// ErrNotConfigured.
func NewAppAuth(appID, privateKeyPEM string, installationID int64, logger zerolog.Logger) (*AppAuth, error) {
	a := &AppAuth{appID: appID, installationID: installationID, log: logger}
	if appID == "" || privateKeyPEM == "" || installationID == 0 {
		return a, nil
	}
	key, err := jwt.ParseRSAPrivateKeyFromPEM([]byte(privateKeyPEM))
	if err != nil {
		return nil, fmt.Errorf("parse github app private key: %w", err)
	}
	a.signingKey = key
	return a, nil
}

// Configured reports whether token minting is available.
func (a *AppAuth) Configured() bool {
	return a.signingKey != nil
}

// appJWT signs the short-lived RS256 JWT that authenticates the app itself.
func (a *AppAuth) appJWT(now time.Time) (string, error) {
	claims := jwt.RegisteredClaims{
		Issuer:    a.appID,
		IssuedAt:  jwt.NewNumericDate(now.Add(-appJWTBackdate)),
		ExpiresAt: jwt.NewNumericDate(now.Add(appJWTLifetime)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(a.signingKey)
}

// Token mints an installation access token scoped to the configured
// installation. The returned expiry comes from GitHub, typically one hour out.
func (a *AppAuth) Token(ctx context.Context) (string, time.Time, error) {
	if !a.Configured() {
		return "", time.Time{}, ErrNotConfigured
	}

	signed, err := a.appJWT(time.Now())
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign app jwt: %w", err)
	}

	client := gogh.NewClient(&http.Client{Timeout: 30 * time.Second}).WithAuthToken(signed)
	tok, _, err := client.Apps.CreateInstallationToken(ctx, a.installationID, nil)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("create installation token: %w", err)
	}
	return tok.GetToken(), tok.GetExpiresAt().Time, nil
}
