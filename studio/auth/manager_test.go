package auth

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	. "github.com/gravitational/studio-plugins/lib/testing"
	"github.com/gravitational/studio-plugins/studio/auth/oauth"
	"github.com/gravitational/studio-plugins/studio/auth/oauth/oauthtest"
	"github.com/gravitational/studio-plugins/studio/auth/state"
	"github.com/gravitational/studio-plugins/studio/common"
)

type mockAuthorizer struct {
	login    func(email, password string) (*state.Credentials, error)
	register func(oauth.RegisterParams) (*state.Credentials, error)
	refresh  func(string) (*state.Credentials, error)
	logout   func(string) error
}

// Login implements oauth.PasswordAuthenticator
func (a *mockAuthorizer) Login(ctx context.Context, email, password string) (*state.Credentials, error) {
	return a.login(email, password)
}

// Register implements oauth.Registrar
func (a *mockAuthorizer) Register(ctx context.Context, params oauth.RegisterParams) (*state.Credentials, error) {
	return a.register(params)
}

// Refresh implements oauth.Refresher
func (a *mockAuthorizer) Refresh(ctx context.Context, refreshToken string) (*state.Credentials, error) {
	return a.refresh(refreshToken)
}

// Logout implements oauth.Revoker
func (a *mockAuthorizer) Logout(ctx context.Context, accessToken string) error {
	if a.logout == nil {
		return nil
	}
	return a.logout(accessToken)
}

type logoutRecorder struct {
	mu      sync.Mutex
	calls   int
	reasons []error
}

func (r *logoutRecorder) OnLogout(reason error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	r.reasons = append(r.reasons, reason)
}

func (r *logoutRecorder) Calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

func (r *logoutRecorder) LastReason() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.reasons) == 0 {
		return nil
	}
	return r.reasons[len(r.reasons)-1]
}

func newCreds(t *testing.T, clock clockwork.Clock, ttl time.Duration) *state.Credentials {
	t.Helper()
	return &state.Credentials{
		AccessToken: mintToken(t, jwt.MapClaims{
			"sub":   "user-1",
			"email": "ana@example.com",
			"exp":   clock.Now().Add(ttl).Unix(),
			"jti":   uuid.NewString(),
		}),
		RefreshToken: uuid.NewString(),
	}
}

func newTestManager(t *testing.T, conf Config) *Manager {
	t.Helper()
	log := logrus.New()
	log.Level = logrus.DebugLevel
	if conf.Log == nil {
		conf.Log = log
	}
	m, err := NewManager(conf)
	require.NoError(t, err)
	t.Cleanup(m.Close)
	return m
}

func bearer(r *http.Request) string {
	return strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
}

func TestManagerLoginAndAttachAuth(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Unix(1_800_000_000, 0))
	initial := newCreds(t, clock, time.Hour)
	store := state.NewMemoryState()
	m := newTestManager(t, Config{
		Clock: clock,
		State: store,
		Authorizer: &mockAuthorizer{
			login: func(email, password string) (*state.Credentials, error) {
				if password != "s3cret" {
					return nil, trace.AccessDenied("invalid login credentials")
				}
				return initial, nil
			},
		},
	})

	req, err := http.NewRequest(http.MethodGet, "https://api.example.com/profile", nil)
	require.NoError(t, err)
	require.Empty(t, m.AttachAuth(req).Header.Get("Authorization"))
	require.Equal(t, StatusAnonymous, m.Status())

	err = m.Login(context.Background(), "ana@example.com", "wrong")
	require.True(t, trace.IsAccessDenied(err))
	require.Equal(t, StatusAnonymous, m.Status())

	require.NoError(t, m.Login(context.Background(), "ana@example.com", "s3cret"))
	require.Equal(t, StatusAuthenticated, m.Status())

	creds := m.Credentials()
	require.Equal(t, "user-1", creds.Subject)
	require.Equal(t, "ana@example.com", creds.Email)
	require.True(t, clock.Now().Add(time.Hour).Equal(creds.ExpiresAt))

	attached := m.AttachAuth(req)
	require.Equal(t, "Bearer "+initial.AccessToken, attached.Header.Get("Authorization"))
	require.Empty(t, req.Header.Get("Authorization"), "original request must not be modified")

	stored, err := store.GetCredentials(context.Background())
	require.NoError(t, err)
	require.Equal(t, initial.RefreshToken, stored.RefreshToken)

	token, err := m.Token()
	require.NoError(t, err)
	require.Equal(t, initial.AccessToken, token.AccessToken)
}

func TestManagerDoRefreshesOnce(t *testing.T) {
	clock := clockwork.NewFakeClock()
	initial := newCreds(t, clock, time.Hour)
	refreshed := newCreds(t, clock, time.Hour)

	var hits, refreshes int32
	srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		body, _ := io.ReadAll(r.Body)
		assert.Equal(t, `{"prompt":"sunset"}`, string(body))
		if bearer(r) != refreshed.AccessToken {
			rw.WriteHeader(http.StatusUnauthorized)
			return
		}
		rw.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)

	m := newTestManager(t, Config{
		Clock: clock,
		Authorizer: &mockAuthorizer{
			login: func(string, string) (*state.Credentials, error) { return initial, nil },
			refresh: func(refreshToken string) (*state.Credentials, error) {
				atomic.AddInt32(&refreshes, 1)
				assert.Equal(t, initial.RefreshToken, refreshToken)
				return refreshed, nil
			},
		},
	})
	require.NoError(t, m.Login(context.Background(), "ana@example.com", "s3cret"))

	// The body has no GetBody, so it must be buffered to be replayed.
	req, err := http.NewRequest(http.MethodPost, srv.URL, io.NopCloser(strings.NewReader(`{"prompt":"sunset"}`)))
	require.NoError(t, err)
	resp, err := m.Do(req)
	require.NoError(t, err)
	resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.EqualValues(t, 2, atomic.LoadInt32(&hits))
	require.EqualValues(t, 1, atomic.LoadInt32(&refreshes))
	require.Equal(t, refreshed.AccessToken, m.AccessToken())
}

func TestManagerDoRetriesAtMostOnce(t *testing.T) {
	clock := clockwork.NewFakeClock()
	var hits, refreshes int32
	srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		rw.WriteHeader(http.StatusUnauthorized)
	}))
	t.Cleanup(srv.Close)

	m := newTestManager(t, Config{
		Clock: clock,
		Authorizer: &mockAuthorizer{
			login: func(string, string) (*state.Credentials, error) { return newCreds(t, clock, time.Hour), nil },
			refresh: func(string) (*state.Credentials, error) {
				atomic.AddInt32(&refreshes, 1)
				return newCreds(t, clock, time.Hour), nil
			},
		},
	})
	require.NoError(t, m.Login(context.Background(), "ana@example.com", "s3cret"))

	req, err := http.NewRequest(http.MethodGet, srv.URL, nil)
	require.NoError(t, err)
	resp, err := m.Do(req)
	require.NoError(t, err)
	resp.Body.Close()

	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	require.EqualValues(t, 2, atomic.LoadInt32(&hits))
	require.EqualValues(t, 1, atomic.LoadInt32(&refreshes))
	require.Equal(t, StatusAuthenticated, m.Status())
}

func TestManagerDoRefreshFailureLogsOut(t *testing.T) {
	clock := clockwork.NewFakeClock()
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		rw.WriteHeader(http.StatusUnauthorized)
		io.WriteString(rw, "token revoked")
	}))
	t.Cleanup(srv.Close)

	store := state.NewMemoryState()
	recorder := &logoutRecorder{}
	m := newTestManager(t, Config{
		Clock:    clock,
		State:    store,
		OnLogout: recorder.OnLogout,
		Authorizer: &mockAuthorizer{
			login: func(string, string) (*state.Credentials, error) { return newCreds(t, clock, time.Hour), nil },
			refresh: func(string) (*state.Credentials, error) {
				return nil, trace.AccessDenied("refresh token revoked")
			},
		},
	})
	require.NoError(t, m.Login(context.Background(), "ana@example.com", "s3cret"))

	req, err := http.NewRequest(http.MethodGet, srv.URL, nil)
	require.NoError(t, err)
	resp, err := m.Do(req)
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	resp.Body.Close()

	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	require.Equal(t, "token revoked", string(body))
	require.EqualValues(t, 1, atomic.LoadInt32(&hits))
	require.Equal(t, StatusAnonymous, m.Status())
	require.Empty(t, m.AttachAuth(req).Header.Get("Authorization"))
	require.Equal(t, 1, recorder.Calls())
	require.True(t, common.IsAuth(recorder.LastReason()))

	_, err = store.GetCredentials(context.Background())
	require.True(t, trace.IsNotFound(err))
}

func TestManagerDoAnonymous401(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		assert.Empty(t, r.Header.Get("Authorization"))
		rw.WriteHeader(http.StatusUnauthorized)
	}))
	t.Cleanup(srv.Close)

	m := newTestManager(t, Config{Authorizer: &mockAuthorizer{}})
	req, err := http.NewRequest(http.MethodGet, srv.URL, nil)
	require.NoError(t, err)
	resp, err := m.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	require.EqualValues(t, 1, atomic.LoadInt32(&hits))
}

func TestManagerConcurrentRefreshCollapses(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)

	clock := clockwork.NewFakeClock()
	initial := newCreds(t, clock, 4*time.Minute)
	refreshed := newCreds(t, clock, time.Hour)

	release := make(chan struct{})
	sawStale := make(chan struct{}, 1)
	var refreshes int32
	srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		if bearer(r) != refreshed.AccessToken {
			select {
			case sawStale <- struct{}{}:
			default:
			}
			rw.WriteHeader(http.StatusUnauthorized)
			return
		}
		rw.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)

	m := newTestManager(t, Config{
		Clock: clock,
		Authorizer: &mockAuthorizer{
			login: func(string, string) (*state.Credentials, error) { return initial, nil },
			refresh: func(string) (*state.Credentials, error) {
				atomic.AddInt32(&refreshes, 1)
				<-release
				return refreshed, nil
			},
		},
	})
	require.NoError(t, m.Login(ctx, "ana@example.com", "s3cret"))

	proactive := make(chan *state.Credentials, 1)
	go func() {
		creds, err := m.Refresh(ctx)
		assert.NoError(t, err)
		proactive <- creds
	}()
	require.Eventually(t, func() bool { return atomic.LoadInt32(&refreshes) == 1 }, time.Second, 5*time.Millisecond)

	reactive := make(chan *http.Response, 1)
	go func() {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL, nil)
		assert.NoError(t, err)
		resp, err := m.Do(req)
		assert.NoError(t, err)
		reactive <- resp
	}()

	select {
	case <-sawStale:
	case <-ctx.Done():
		t.Fatal("protected call did not reach the server")
	}
	close(release)

	creds := <-proactive
	resp := <-reactive
	require.NotNil(t, resp)
	resp.Body.Close()

	require.Equal(t, refreshed.AccessToken, creds.AccessToken)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.EqualValues(t, 1, atomic.LoadInt32(&refreshes))
}

func TestManagerBackgroundAnd401RefreshCollapse(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)

	clock := clockwork.NewFakeClock()
	initial := newCreds(t, clock, 10*time.Minute)
	refreshed := newCreds(t, clock, time.Hour)

	release := make(chan struct{})
	sawStale := make(chan struct{}, 1)
	var refreshes int32
	srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		if bearer(r) != refreshed.AccessToken {
			select {
			case sawStale <- struct{}{}:
			default:
			}
			rw.WriteHeader(http.StatusUnauthorized)
			return
		}
		rw.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)

	m := newTestManager(t, Config{
		Clock: clock,
		Authorizer: &mockAuthorizer{
			login: func(string, string) (*state.Credentials, error) { return initial, nil },
			refresh: func(string) (*state.Credentials, error) {
				atomic.AddInt32(&refreshes, 1)
				<-release
				return refreshed, nil
			},
		},
	})
	require.NoError(t, m.Login(ctx, "ana@example.com", "s3cret"))

	// 4 minutes left after the tick: the background check starts a refresh.
	require.NoError(t, BlockUntil(ctx, clock, 1))
	clock.Advance(6 * DefaultCheckInterval)
	require.Eventually(t, func() bool { return atomic.LoadInt32(&refreshes) == 1 }, time.Second, 5*time.Millisecond)

	reactive := make(chan *http.Response, 1)
	go func() {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL, nil)
		assert.NoError(t, err)
		resp, err := m.Do(req)
		assert.NoError(t, err)
		reactive <- resp
	}()

	select {
	case <-sawStale:
	case <-ctx.Done():
		t.Fatal("protected call did not reach the server")
	}
	close(release)

	resp := <-reactive
	require.NotNil(t, resp)
	resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, refreshed.AccessToken, m.AccessToken())
	require.EqualValues(t, 1, atomic.LoadInt32(&refreshes))
}

// gatedState blocks the first PutCredentials after arm is called until release is closed.
type gatedState struct {
	state.State
	armed   atomic.Bool
	entered chan struct{}
	release chan struct{}
}

func newGatedState() *gatedState {
	return &gatedState{
		State:   state.NewMemoryState(),
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
}

func (s *gatedState) arm() {
	s.armed.Store(true)
}

func (s *gatedState) PutCredentials(ctx context.Context, creds *state.Credentials) error {
	if s.armed.CompareAndSwap(true, false) {
		close(s.entered)
		<-s.release
	}
	return s.State.PutCredentials(ctx, creds)
}

func TestManagerLogoutDuringRefresh(t *testing.T) {
	t.Run("refresh being stored", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		t.Cleanup(cancel)

		clock := clockwork.NewFakeClock()
		store := newGatedState()
		recorder := &logoutRecorder{}
		m := newTestManager(t, Config{
			Clock:    clock,
			State:    store,
			OnLogout: recorder.OnLogout,
			Authorizer: &mockAuthorizer{
				login:   func(string, string) (*state.Credentials, error) { return newCreds(t, clock, time.Hour), nil },
				refresh: func(string) (*state.Credentials, error) { return newCreds(t, clock, 2*time.Hour), nil },
			},
		})
		require.NoError(t, m.Login(ctx, "ana@example.com", "s3cret"))

		store.arm()
		refreshDone := make(chan error, 1)
		go func() {
			_, err := m.Refresh(ctx)
			refreshDone <- err
		}()
		<-store.entered

		logoutDone := make(chan error, 1)
		go func() {
			logoutDone <- m.Logout(ctx)
		}()
		select {
		case <-logoutDone:
			t.Fatal("logout finished while the refreshed session was being stored")
		case <-time.After(50 * time.Millisecond):
		}

		close(store.release)
		require.NoError(t, <-refreshDone)
		require.NoError(t, <-logoutDone)

		require.Equal(t, StatusAnonymous, m.Status())
		_, err := store.GetCredentials(ctx)
		require.True(t, trace.IsNotFound(err), "the session must not be stored after logout")
		require.Equal(t, 1, recorder.Calls())
		require.NoError(t, recorder.LastReason())
	})

	t.Run("refresh answered after logout", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		t.Cleanup(cancel)

		clock := clockwork.NewFakeClock()
		store := state.NewMemoryState()
		started := make(chan struct{})
		release := make(chan struct{})
		m := newTestManager(t, Config{
			Clock: clock,
			State: store,
			Authorizer: &mockAuthorizer{
				login: func(string, string) (*state.Credentials, error) { return newCreds(t, clock, time.Hour), nil },
				refresh: func(string) (*state.Credentials, error) {
					close(started)
					<-release
					return newCreds(t, clock, 2*time.Hour), nil
				},
			},
		})
		require.NoError(t, m.Login(ctx, "ana@example.com", "s3cret"))

		refreshDone := make(chan error, 1)
		go func() {
			_, err := m.Refresh(ctx)
			refreshDone <- err
		}()
		<-started
		require.NoError(t, m.Logout(ctx))
		close(release)

		var failure *common.RefreshFailure
		require.ErrorAs(t, <-refreshDone, &failure)
		require.Equal(t, StatusAnonymous, m.Status())
		_, err := store.GetCredentials(ctx)
		require.True(t, trace.IsNotFound(err))
	})
}

func TestManagerBackgroundRefreshFailure(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)

	clock := clockwork.NewFakeClock()
	recorder := &logoutRecorder{}
	var refreshes int32
	m := newTestManager(t, Config{
		Clock:    clock,
		OnLogout: recorder.OnLogout,
		Authorizer: &mockAuthorizer{
			login: func(string, string) (*state.Credentials, error) { return newCreds(t, clock, 10*time.Minute), nil },
			refresh: func(string) (*state.Credentials, error) {
				atomic.AddInt32(&refreshes, 1)
				return nil, trace.ConnectionProblem(nil, "auth provider is down")
			},
		},
	})
	require.NoError(t, m.Login(ctx, "ana@example.com", "s3cret"))

	// Not due yet: a tick at 9 minutes left does nothing.
	require.NoError(t, BlockUntil(ctx, clock, 1))
	clock.Advance(DefaultCheckInterval)

	// Due: 4 minutes left.
	clock.Advance(5 * DefaultCheckInterval)
	require.Eventually(t, func() bool { return recorder.Calls() == 1 }, time.Second, 5*time.Millisecond)

	require.Equal(t, StatusAnonymous, m.Status())
	require.EqualValues(t, 1, atomic.LoadInt32(&refreshes))
	var failure *common.RefreshFailure
	require.ErrorAs(t, recorder.LastReason(), &failure)
}

func TestManagerShutdownKeepsSession(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)

	clock := clockwork.NewFakeClock()
	store := state.NewMemoryState()
	m := newTestManager(t, Config{
		Clock: clock,
		State: store,
		Authorizer: &mockAuthorizer{
			login: func(string, string) (*state.Credentials, error) { return newCreds(t, clock, time.Hour), nil },
		},
	})
	require.NoError(t, m.Login(ctx, "ana@example.com", "s3cret"))
	require.NoError(t, BlockUntil(ctx, clock, 1))

	require.NoError(t, m.Shutdown(ctx))
	require.Equal(t, StatusAuthenticated, m.Status())
	stored, err := store.GetCredentials(ctx)
	require.NoError(t, err)
	require.Equal(t, m.AccessToken(), stored.AccessToken)
}

func TestManagerInitRestoresSession(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()

	t.Run("fresh session", func(t *testing.T) {
		store := state.NewMemoryState()
		stored := newCreds(t, clock, time.Hour)
		require.NoError(t, store.PutCredentials(ctx, stored))

		m := newTestManager(t, Config{Clock: clock, State: store, Authorizer: &mockAuthorizer{}})
		require.NoError(t, m.Init(ctx))
		require.Equal(t, StatusAuthenticated, m.Status())
		require.Equal(t, stored.AccessToken, m.AccessToken())
	})

	t.Run("expired session is refreshed", func(t *testing.T) {
		store := state.NewMemoryState()
		require.NoError(t, store.PutCredentials(ctx, newCreds(t, clock, -time.Minute)))
		refreshed := newCreds(t, clock, time.Hour)

		m := newTestManager(t, Config{Clock: clock, State: store, Authorizer: &mockAuthorizer{
			refresh: func(string) (*state.Credentials, error) { return refreshed, nil },
		}})
		require.NoError(t, m.Init(ctx))
		require.Equal(t, refreshed.AccessToken, m.AccessToken())

		persisted, err := store.GetCredentials(ctx)
		require.NoError(t, err)
		require.Equal(t, refreshed.AccessToken, persisted.AccessToken)
	})

	t.Run("unrefreshable session is dropped", func(t *testing.T) {
		store := state.NewMemoryState()
		require.NoError(t, store.PutCredentials(ctx, newCreds(t, clock, -time.Minute)))
		recorder := &logoutRecorder{}

		m := newTestManager(t, Config{Clock: clock, State: store, OnLogout: recorder.OnLogout, Authorizer: &mockAuthorizer{
			refresh: func(string) (*state.Credentials, error) { return nil, trace.AccessDenied("revoked") },
		}})
		require.NoError(t, m.Init(ctx))
		require.Equal(t, StatusAnonymous, m.Status())
		require.Equal(t, 1, recorder.Calls())
	})

	t.Run("nothing stored", func(t *testing.T) {
		m := newTestManager(t, Config{Clock: clock, Authorizer: &mockAuthorizer{}})
		require.NoError(t, m.Init(ctx))
		require.Equal(t, StatusAnonymous, m.Status())
	})
}

func TestManagerLogout(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	store := state.NewMemoryState()
	recorder := &logoutRecorder{}
	var revoked string
	creds := newCreds(t, clock, time.Hour)

	m := newTestManager(t, Config{Clock: clock, State: store, OnLogout: recorder.OnLogout, Authorizer: &mockAuthorizer{
		login: func(string, string) (*state.Credentials, error) { return creds, nil },
		logout: func(accessToken string) error {
			revoked = accessToken
			return trace.ConnectionProblem(nil, "offline")
		},
	}})
	require.NoError(t, m.Login(ctx, "ana@example.com", "s3cret"))
	require.NoError(t, m.Logout(ctx))

	require.Equal(t, creds.AccessToken, revoked)
	require.Equal(t, StatusAnonymous, m.Status())
	require.Equal(t, 1, recorder.Calls())
	require.NoError(t, recorder.LastReason())
	_, err := store.GetCredentials(ctx)
	require.True(t, trace.IsNotFound(err))

	// Logging out twice is a no-op.
	require.NoError(t, m.Logout(ctx))
	require.Equal(t, 1, recorder.Calls())

	_, err = m.Token()
	require.True(t, common.IsAuth(err))
}

// TestSessionEndToEnd signs in against a GoTrue server, lets the clock run to
// 250 seconds before expiry and checks that the background check rotates the
// token and that protected calls switch to the new token.
func TestSessionEndToEnd(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)

	const ttl = time.Hour
	clock := clockwork.NewFakeClock()
	fake := oauthtest.NewFakeGoTrue(clock, "anon", ttl)
	t.Cleanup(fake.Close)
	fake.AddUser("ana@example.com", "s3cret!")

	client, err := oauth.NewGoTrueClient(oauth.GoTrueConfig{URL: fake.URL(), AnonKey: "anon"})
	require.NoError(t, err)
	m := newTestManager(t, Config{Clock: clock, Authorizer: client})

	require.NoError(t, m.Login(ctx, "ana@example.com", "s3cret!"))
	old := m.AccessToken()

	callProfile := func() *oauth.User {
		req, err := client.NewUserRequest(ctx)
		require.NoError(t, err)
		resp, err := m.Do(req)
		require.NoError(t, err)
		user, err := oauth.ParseUser(resp)
		require.NoError(t, err)
		return user
	}
	require.Equal(t, "ana@example.com", callProfile().Email)

	require.NoError(t, BlockUntil(ctx, clock, 1))
	clock.Advance(ttl - 250*time.Second)

	require.Eventually(t, func() bool { return fake.RefreshCalls() == 1 }, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return m.AccessToken() != old }, 2*time.Second, 5*time.Millisecond)
	fresh := m.AccessToken()
	require.True(t, clock.Now().Add(ttl).Truncate(time.Second).Equal(m.Credentials().ExpiresAt))

	require.Equal(t, "ana@example.com", callProfile().Email)
	require.Equal(t, "Bearer "+fresh, m.AttachAuth(httptest.NewRequest(http.MethodGet, "/", nil)).Header.Get("Authorization"))

	seen := fake.SeenAccessTokens()
	require.Equal(t, []string{old, fresh}, seen)
	require.Equal(t, StatusAuthenticated, m.Status())
}
