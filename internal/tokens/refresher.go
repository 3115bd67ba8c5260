// Package tokens exchanges refresh tokens for fresh access tokens and
// persists them back to the credential store.
package tokens

import (
	"context"

	"golang.org/x/oauth2"

	"github.com/contactspidey/mail-infra/internal/apperr"
	"github.com/contactspidey/mail-infra/internal/config"
	"github.com/contactspidey/mail-infra/internal/store"
)

// CredentialStore is the slice of the credential store the refresher needs.
type CredentialStore interface {
	Credential(ctx context.Context, userEmail string) (*store.Credential, error)
	SaveAccessToken(ctx context.Context, userEmail, accessToken string) error
}

// Refresher obtains new access tokens from the OAuth provider.
type Refresher struct {
	cfg   *oauth2.Config
	creds CredentialStore
}

// NewRefresher builds a Refresher from the resolved OAuth client config.
func NewRefresher(google config.GoogleClient, creds CredentialStore) *Refresher {
	return &Refresher{
		cfg: &oauth2.Config{
			ClientID:     google.ClientID,
			ClientSecret: google.ClientSecret,
			Endpoint:     oauth2.Endpoint{TokenURL: google.TokenURI},
		},
		creds: creds,
	}
}

// Refresh exchanges the user's stored refresh token for a new access token
// and persists it. A rejected refresh token surfaces as AuthExpired: the
// user must re-authenticate from scratch.
func (r *Refresher) Refresh(ctx context.Context, userEmail string) (string, error) {
	cred, err := r.creds.Credential(ctx, userEmail)
	if err != nil {
		return "", err
	}
	if cred.RefreshToken == "" {
		return "", apperr.AuthExpired("no refresh token stored for this user")
	}

	src := r.cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: cred.RefreshToken})
	tok, err := src.Token()
	if err != nil {
		return "", apperr.AuthExpired("refresh token rejected by provider")
	}

	if err := r.creds.SaveAccessToken(ctx, userEmail, tok.AccessToken); err != nil {
		return "", err
	}
	return tok.AccessToken, nil
}
