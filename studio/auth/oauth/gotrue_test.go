package oauth

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/gravitational/studio-plugins/studio/auth/oauth/oauthtest"
)

const testAnonKey = "anon-key"

func newTestClient(t *testing.T) (*GoTrueClient, *oauthtest.FakeGoTrue) {
	t.Helper()
	fake := oauthtest.NewFakeGoTrue(clockwork.NewFakeClock(), testAnonKey, time.Hour)
	t.Cleanup(fake.Close)
	client, err := NewGoTrueClient(GoTrueConfig{URL: fake.URL(), AnonKey: testAnonKey})
	require.NoError(t, err)
	return client, fake
}

func TestGoTrueLogin(t *testing.T) {
	ctx := context.Background()
	client, fake := newTestClient(t)
	id := fake.AddUser("ana@example.com", "s3cret!")

	creds, err := client.Login(ctx, " ana@example.com ", "s3cret!")
	require.NoError(t, err)
	require.NotEmpty(t, creds.AccessToken)
	require.NotEmpty(t, creds.RefreshToken)
	require.Equal(t, id, creds.Subject)
	require.Equal(t, "ana@example.com", creds.Email)

	_, err = client.Login(ctx, "ana@example.com", "wrong")
	require.True(t, trace.IsAccessDenied(err), "expected AccessDenied, got %v", err)
	require.Contains(t, err.Error(), "Invalid login credentials")
}

func TestGoTrueRefreshRotates(t *testing.T) {
	ctx := context.Background()
	client, fake := newTestClient(t)
	fake.AddUser("ana@example.com", "s3cret!")

	creds, err := client.Login(ctx, "ana@example.com", "s3cret!")
	require.NoError(t, err)

	refreshed, err := client.Refresh(ctx, creds.RefreshToken)
	require.NoError(t, err)
	require.NotEqual(t, creds.AccessToken, refreshed.AccessToken)
	require.NotEqual(t, creds.RefreshToken, refreshed.RefreshToken)

	// A used refresh token is rejected.
	_, err = client.Refresh(ctx, creds.RefreshToken)
	require.True(t, trace.IsAccessDenied(err), "expected AccessDenied, got %v", err)
	require.Equal(t, 2, fake.RefreshCalls())

	_, err = client.Refresh(ctx, "")
	require.True(t, trace.IsBadParameter(err))
}

func TestGoTrueRegister(t *testing.T) {
	ctx := context.Background()
	client, fake := newTestClient(t)

	creds, err := client.Register(ctx, RegisterParams{
		Email:    "leo@example.com",
		Password: "passw0rd",
		FullName: "Leo",
		Phone:    "+34 600 000 000",
	})
	require.NoError(t, err)
	require.Equal(t, "leo@example.com", creds.Email)

	_, err = client.Register(ctx, RegisterParams{Email: "leo@example.com", Password: "passw0rd"})
	require.True(t, trace.IsAlreadyExists(err), "expected AlreadyExists, got %v", err)

	fake.RequireConfirmation(true)
	_, err = client.Register(ctx, RegisterParams{Email: "mia@example.com", Password: "passw0rd"})
	require.True(t, errors.Is(err, ErrConfirmationPending), "expected ErrConfirmationPending, got %v", err)
}

func TestGoTrueLogoutAndUser(t *testing.T) {
	ctx := context.Background()
	client, fake := newTestClient(t)
	fake.AddUser("ana@example.com", "s3cret!")
	creds, err := client.Login(ctx, "ana@example.com", "s3cret!")
	require.NoError(t, err)

	req, err := client.NewUserRequest(ctx)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+creds.AccessToken)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	user, err := ParseUser(resp)
	require.NoError(t, err)
	require.Equal(t, "ana@example.com", user.Email)

	require.NoError(t, client.Logout(ctx, creds.AccessToken))
	require.Equal(t, 1, fake.LogoutCalls())

	err = client.Logout(ctx, "not-a-token")
	require.True(t, trace.IsAccessDenied(err), "expected AccessDenied, got %v", err)
}

func TestGoTrueWrongAnonKey(t *testing.T) {
	_, fake := newTestClient(t)
	client, err := NewGoTrueClient(GoTrueConfig{URL: fake.URL(), AnonKey: "other"})
	require.NoError(t, err)
	_, err = client.Login(context.Background(), "ana@example.com", "s3cret!")
	require.True(t, trace.IsAccessDenied(err), "expected AccessDenied, got %v", err)
}

func TestGoTrueUnreachable(t *testing.T) {
	client, err := NewGoTrueClient(GoTrueConfig{URL: "http://127.0.0.1:1", AnonKey: testAnonKey})
	require.NoError(t, err)
	_, err = client.Login(context.Background(), "ana@example.com", "s3cret!")
	require.True(t, trace.IsConnectionProblem(err), "expected ConnectionProblem, got %v", err)
}

func TestNewGoTrueClientValidation(t *testing.T) {
	_, err := NewGoTrueClient(GoTrueConfig{URL: "localhost"})
	require.True(t, trace.IsBadParameter(err))
}
