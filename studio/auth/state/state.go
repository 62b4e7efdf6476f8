package state

import (
	"context"
	"time"

	"golang.org/x/oauth2"
)

// Credentials is an access/refresh token pair. ExpiresAt is decoded from the access token.
type Credentials struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresAt    time.Time `json:"expires_at"`
	Subject      string    `json:"subject,omitempty"`
	Email        string    `json:"email,omitempty"`
}

// State stores the current credentials between runs. Passwords are never stored.
type State interface {
	GetCredentials(context.Context) (*Credentials, error)
	PutCredentials(context.Context, *Credentials) error
	DeleteCredentials(context.Context) error
}

// OAuth2Token converts credentials to an oauth2 bearer token.
func (c *Credentials) OAuth2Token() *oauth2.Token {
	return &oauth2.Token{
		AccessToken:  c.AccessToken,
		RefreshToken: c.RefreshToken,
		TokenType:    "Bearer",
		Expiry:       c.ExpiresAt,
	}
}
