package auth

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"github.com/gravitational/studio-plugins/lib"
	"github.com/gravitational/studio-plugins/lib/job"
	"github.com/gravitational/studio-plugins/lib/logger"
	"github.com/gravitational/studio-plugins/studio/auth/oauth"
	"github.com/gravitational/studio-plugins/studio/auth/state"
	"github.com/gravitational/studio-plugins/studio/common"
)

const (
	// DefaultCheckInterval is how often the background check looks at the token expiry.
	DefaultCheckInterval = time.Minute
	// DefaultRefreshThreshold is the remaining lifetime at which a token gets refreshed.
	DefaultRefreshThreshold = 5 * time.Minute
	// DefaultRefreshTimeout bounds a single refresh call.
	DefaultRefreshTimeout = 30 * time.Second

	refreshKey = "refresh"
)

// Status is the session state.
type Status int

const (
	StatusAnonymous Status = iota
	StatusAuthenticated
)

func (s Status) String() string {
	if s == StatusAuthenticated {
		return "AUTHENTICATED"
	}
	return "ANONYMOUS"
}

// Config configures a Manager.
type Config struct {
	// Authorizer talks to the auth provider.
	Authorizer oauth.Authorizer
	// State keeps credentials between runs. Defaults to memory.
	State state.State
	// Clock drives expiry checks and the background loop.
	Clock clockwork.Clock
	// HTTPClient sends protected calls.
	HTTPClient *http.Client
	// CheckInterval is the background check period.
	CheckInterval time.Duration
	// RefreshThreshold is the remaining lifetime that triggers a proactive refresh.
	RefreshThreshold time.Duration
	// RefreshTimeout bounds each refresh call.
	RefreshTimeout time.Duration
	// OnLogout is called when the session ends. reason is nil for a user-initiated logout.
	OnLogout func(reason error)
	// Log is the logger.
	Log logrus.FieldLogger
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.Authorizer == nil {
		return trace.BadParameter("missing Authorizer")
	}
	if c.State == nil {
		c.State = state.NewMemoryState()
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: time.Minute}
	}
	if c.CheckInterval <= 0 {
		c.CheckInterval = DefaultCheckInterval
	}
	if c.RefreshThreshold <= 0 {
		c.RefreshThreshold = DefaultRefreshThreshold
	}
	if c.RefreshTimeout <= 0 {
		c.RefreshTimeout = DefaultRefreshTimeout
	}
	if c.OnLogout == nil {
		c.OnLogout = func(error) {}
	}
	if c.Log == nil {
		c.Log = logger.Standard()
	}
	return nil
}

// Manager owns the current credential of a user session. It refreshes the access
// token before it expires and once per 401 response, and ends the session when
// a refresh fails.
type Manager struct {
	conf         Config
	process      *job.Process
	refreshGroup singleflight.Group

	// persistLock orders every credential swap together with its State write.
	// It is taken before lock.
	persistLock sync.Mutex

	lock  sync.RWMutex // protects the below fields
	creds *state.Credentials
	loop  *job.Handle
}

// NewManager creates an anonymous session. Call Init to restore a stored one.
func NewManager(conf Config) (*Manager, error) {
	if err := conf.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Manager{
		conf:    conf,
		process: job.NewProcess(context.Background()),
	}, nil
}

// Init restores stored credentials. A stored token due for refresh is refreshed
// right away; if that fails the session stays anonymous.
func (m *Manager) Init(ctx context.Context) error {
	creds, err := m.conf.State.GetCredentials(ctx)
	if trace.IsNotFound(err) {
		m.conf.Log.Debug("No stored session found")
		return nil
	}
	if err != nil {
		return trace.Wrap(err)
	}

	creds = m.complete(creds, nil)
	m.lock.Lock()
	m.creds = creds
	m.lock.Unlock()

	if m.ShouldRefresh(creds.AccessToken) {
		m.conf.Log.Debug("Stored session is about to expire, refreshing")
		if _, err := m.refreshFrom(ctx, creds.AccessToken); err != nil {
			if lib.IsCanceled(err) || lib.IsDeadline(err) {
				return trace.Wrap(err)
			}
			m.expire(ctx, err, creds)
			return nil
		}
	}
	m.startLoop()
	m.conf.Log.WithField("subject", creds.Subject).Debug("Restored stored session")
	return nil
}

// Login signs in with email and password. The password is not kept.
func (m *Manager) Login(ctx context.Context, email, password string) error {
	creds, err := m.conf.Authorizer.Login(ctx, email, password)
	if err != nil {
		return trace.Wrap(err)
	}
	return trace.Wrap(m.establish(ctx, creds))
}

// Register creates an account and signs in when the provider issues a session right away.
func (m *Manager) Register(ctx context.Context, params oauth.RegisterParams) error {
	creds, err := m.conf.Authorizer.Register(ctx, params)
	if err != nil {
		return trace.Wrap(err)
	}
	return trace.Wrap(m.establish(ctx, creds))
}

// Logout ends the session. The server-side revocation is best effort; the local
// session is cleared regardless.
func (m *Manager) Logout(ctx context.Context) error {
	creds := m.current()
	if creds == nil {
		return nil
	}
	revoke := func() (struct{}, error) {
		return struct{}{}, trace.Wrap(m.conf.Authorizer.Logout(ctx, creds.AccessToken))
	}
	_, _ = common.BestEffort(m.conf.Log, "revoke session", revoke, struct{}{}, nil)
	// A refresh may have replaced creds meanwhile, end whatever is current.
	m.expire(ctx, nil, nil)
	return nil
}

// Status returns whether a credential is current.
func (m *Manager) Status() Status {
	if m.current() == nil {
		return StatusAnonymous
	}
	return StatusAuthenticated
}

// Credentials returns a copy of the current credential or nil.
func (m *Manager) Credentials() *state.Credentials {
	creds := m.current()
	if creds == nil {
		return nil
	}
	copied := *creds
	return &copied
}

// AccessToken returns the current access token or an empty string.
func (m *Manager) AccessToken() string {
	if creds := m.current(); creds != nil {
		return creds.AccessToken
	}
	return ""
}

// IsExpired checks a token against the manager clock.
func (m *Manager) IsExpired(token string) bool {
	return IsExpired(token, m.conf.Clock.Now())
}

// ShouldRefresh checks a token against the manager clock and refresh threshold.
func (m *Manager) ShouldRefresh(token string) bool {
	return ShouldRefresh(token, m.conf.Clock.Now(), m.conf.RefreshThreshold)
}

// Refresh exchanges the refresh token for a new credential. Concurrent calls share one
// provider round trip. On failure the session ends.
func (m *Manager) Refresh(ctx context.Context) (*state.Credentials, error) {
	creds := m.current()
	if creds == nil {
		return nil, trace.Wrap(&common.RefreshFailure{Err: trace.NotFound("not signed in")})
	}
	refreshed, err := m.refreshFrom(ctx, "")
	if err != nil {
		if !lib.IsCanceled(err) && !lib.IsDeadline(err) {
			m.expire(ctx, err, creds)
		}
		return nil, trace.Wrap(err)
	}
	copied := *refreshed
	return &copied, nil
}

// Token implements oauth2.TokenSource. A token due for refresh is refreshed first.
func (m *Manager) Token() (*oauth2.Token, error) {
	creds := m.current()
	if creds == nil {
		return nil, trace.Wrap(&common.AuthError{Message: "not signed in"})
	}
	if m.ShouldRefresh(creds.AccessToken) {
		refreshed, err := m.refreshFrom(context.Background(), creds.AccessToken)
		if err != nil {
			m.expire(context.Background(), err, creds)
			return nil, trace.Wrap(err)
		}
		creds = refreshed
	}
	return creds.OAuth2Token(), nil
}

// Shutdown stops the background check and waits for it.
func (m *Manager) Shutdown(ctx context.Context) error {
	return trace.Wrap(m.process.Shutdown(ctx))
}

// Close stops the background check immediately. The stored session is kept.
func (m *Manager) Close() {
	m.process.Close()
}

func (m *Manager) current() *state.Credentials {
	m.lock.RLock()
	defer m.lock.RUnlock()
	return m.creds
}

func (m *Manager) establish(ctx context.Context, creds *state.Credentials) error {
	creds = m.complete(creds, nil)
	m.persistLock.Lock()
	if err := m.conf.State.PutCredentials(ctx, creds); err != nil {
		m.persistLock.Unlock()
		return trace.Wrap(err)
	}
	m.lock.Lock()
	m.creds = creds
	m.lock.Unlock()
	m.persistLock.Unlock()
	m.startLoop()
	m.conf.Log.WithFields(logrus.Fields{"subject": creds.Subject, "expires_at": creds.ExpiresAt}).Info("Signed in")
	return nil
}

// complete fills in what is decoded from the access token and what the provider may omit.
func (m *Manager) complete(creds *state.Credentials, prev *state.Credentials) *state.Credentials {
	completed := *creds
	if completed.RefreshToken == "" && prev != nil {
		completed.RefreshToken = prev.RefreshToken
	}
	completed.ExpiresAt = time.Time{}
	if claims := Decode(completed.AccessToken); claims != nil {
		if claims.ExpiresAt != nil {
			completed.ExpiresAt = claims.ExpiresAt.Time
		}
		if completed.Subject == "" {
			completed.Subject = claims.Subject
		}
		if completed.Email == "" {
			completed.Email = claims.Email
		}
	}
	return &completed
}

// refreshFrom refreshes the credential whose access token is stale. An empty stale
// refreshes whatever is current. If the current access token no longer matches stale,
// another caller already refreshed it and the current credential is returned.
func (m *Manager) refreshFrom(ctx context.Context, stale string) (*state.Credentials, error) {
	resultC := m.refreshGroup.DoChan(refreshKey, func() (interface{}, error) {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.conf.RefreshTimeout)
		defer cancel()
		return m.doRefresh(rctx, stale)
	})
	select {
	case result := <-resultC:
		if result.Err != nil {
			return nil, trace.Wrap(result.Err)
		}
		return result.Val.(*state.Credentials), nil
	case <-ctx.Done():
		return nil, trace.Wrap(ctx.Err())
	}
}

func (m *Manager) doRefresh(ctx context.Context, stale string) (*state.Credentials, error) {
	current := m.current()
	if current == nil {
		return nil, &common.RefreshFailure{Err: trace.NotFound("not signed in")}
	}
	if stale != "" && current.AccessToken != stale {
		m.conf.Log.Debug("Session was already refreshed")
		return current, nil
	}

	m.conf.Log.Debug("Refreshing session")
	refreshed, err := m.conf.Authorizer.Refresh(ctx, current.RefreshToken)
	if err != nil {
		return nil, &common.RefreshFailure{Err: err}
	}
	refreshed = m.complete(refreshed, current)

	m.persistLock.Lock()
	defer m.persistLock.Unlock()
	m.lock.Lock()
	if m.creds != current {
		m.lock.Unlock()
		return nil, &common.RefreshFailure{Err: trace.CompareFailed("session changed during refresh")}
	}
	m.creds = refreshed
	m.lock.Unlock()

	if err := m.conf.State.PutCredentials(ctx, refreshed); err != nil {
		m.conf.Log.WithError(err).Error("Error while storing the refreshed credentials")
	}
	m.conf.Log.WithField("expires_at", refreshed.ExpiresAt).Info("Session refreshed")
	return refreshed, nil
}

// expire ends the session of creds. It does nothing if creds is no longer current.
// A nil creds ends the current session, if any.
func (m *Manager) expire(ctx context.Context, reason error, creds *state.Credentials) {
	m.persistLock.Lock()
	m.lock.Lock()
	if m.creds == nil || (creds != nil && m.creds != creds) {
		m.lock.Unlock()
		m.persistLock.Unlock()
		return
	}
	m.creds = nil
	loop := m.loop
	m.loop = nil
	m.lock.Unlock()

	if err := m.conf.State.DeleteCredentials(context.WithoutCancel(ctx)); err != nil {
		m.conf.Log.WithError(err).Error("Error while deleting stored credentials")
	}
	m.persistLock.Unlock()

	if loop != nil {
		loop.Cancel()
	}
	if reason != nil {
		m.conf.Log.WithError(reason).Warn("Session ended")
	} else {
		m.conf.Log.Info("Signed out")
	}
	m.conf.OnLogout(reason)
}

func (m *Manager) startLoop() {
	m.lock.Lock()
	defer m.lock.Unlock()
	if m.loop != nil {
		select {
		case <-m.loop.Done():
		default:
			return
		}
	}
	m.loop = m.process.SpawnFunc(m.refreshLoop)
}

// refreshLoop checks the token expiry every CheckInterval while signed in.
func (m *Manager) refreshLoop(ctx context.Context) error {
	ticker := m.conf.Clock.NewTicker(m.conf.CheckInterval)
	defer ticker.Stop()
	m.conf.Log.Debugf("Checking session expiry every %s", m.conf.CheckInterval)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-job.Stopped(ctx):
			return nil
		case <-ticker.Chan():
			creds := m.current()
			if creds == nil {
				return nil
			}
			if !m.ShouldRefresh(creds.AccessToken) {
				continue
			}
			if _, err := m.refreshFrom(ctx, creds.AccessToken); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				m.conf.Log.WithError(err).Error("Failed to refresh session")
				m.expire(ctx, err, creds)
				return nil
			}
		}
	}
}
