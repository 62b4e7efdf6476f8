package oauth

import (
	"context"

	"github.com/gravitational/studio-plugins/studio/auth/state"
)

// Authorizer is the full set of auth provider operations used by a session.
type Authorizer interface {
	PasswordAuthenticator
	Registrar
	Refresher
	Revoker
}

type PasswordAuthenticator interface {
	Login(ctx context.Context, email, password string) (*state.Credentials, error)
}

type Registrar interface {
	Register(ctx context.Context, params RegisterParams) (*state.Credentials, error)
}

type Refresher interface {
	Refresh(ctx context.Context, refreshToken string) (*state.Credentials, error)
}

type Revoker interface {
	Logout(ctx context.Context, accessToken string) error
}

// RegisterParams describes a new account. Password is sent to the provider once and never kept.
type RegisterParams struct {
	Email    string
	Password string
	FullName string
	Phone    string
}

// User is the profile of the signed-in account.
type User struct {
	ID           string                 `json:"id"`
	Email        string                 `json:"email"`
	Phone        string                 `json:"phone,omitempty"`
	Role         string                 `json:"role,omitempty"`
	UserMetadata map[string]interface{} `json:"user_metadata,omitempty"`
	CreatedAt    string                 `json:"created_at,omitempty"`
}
