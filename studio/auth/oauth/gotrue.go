package oauth

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/gravitational/trace"
	jsoniter "github.com/json-iterator/go"

	"github.com/gravitational/studio-plugins/lib"
	"github.com/gravitational/studio-plugins/studio/auth/state"
)

const (
	gotrueHTTPTimeout = 15 * time.Second
	gotrueBasePath    = "/auth/v1"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ErrConfirmationPending is returned by Register when the provider requires the
// address to be confirmed before a session is issued.
var ErrConfirmationPending = errors.New("account created, email confirmation is pending")

// GoTrueConfig points a client to a GoTrue-compatible auth server.
type GoTrueConfig struct {
	// URL is the project URL, without the /auth/v1 suffix.
	URL string
	// AnonKey is the public API key sent with every request.
	AnonKey string
	// HTTPClient is optional.
	HTTPClient *http.Client
}

// GoTrueClient is a wrapper around resty.Client talking to a GoTrue auth server.
type GoTrueClient struct {
	client  *resty.Client
	baseURL string
	anonKey string
}

type sessionResult struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	ExpiresAt    int64  `json:"expires_at"`
	User         *User  `json:"user"`
}

// ErrorResult covers both the OAuth-style and the newer GoTrue error bodies.
type ErrorResult struct {
	Code             int    `json:"code"`
	ErrorCode        string `json:"error_code"`
	Msg              string `json:"msg"`
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

// Message returns the most descriptive message in the body.
func (e *ErrorResult) Message() string {
	for _, msg := range []string{e.ErrorDescription, e.Msg, e.Error, e.ErrorCode} {
		if msg != "" {
			return msg
		}
	}
	return ""
}

func (e *ErrorResult) reason() string {
	if e.ErrorCode != "" {
		return e.ErrorCode
	}
	return e.Error
}

// NewGoTrueClient builds a client for the GoTrue server at conf.URL.
func NewGoTrueClient(conf GoTrueConfig) (*GoTrueClient, error) {
	if conf.AnonKey == "" {
		return nil, trace.BadParameter("missing auth provider anon key")
	}
	u, err := lib.AddrToURL(conf.URL)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	baseURL := u.String() + gotrueBasePath

	httpClient := conf.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: gotrueHTTPTimeout}
	}
	client := resty.NewWithClient(httpClient)
	client.SetBaseURL(baseURL)
	client.SetHeader("apikey", conf.AnonKey)
	client.SetHeader("Content-Type", "application/json")
	client.SetJSONMarshaler(json.Marshal)
	client.SetJSONUnmarshaler(json.Unmarshal)
	client.SetHeader("Accept", "application/json")
	client.OnBeforeRequest(func(_ *resty.Client, req *resty.Request) error {
		req.SetError(&ErrorResult{})
		return nil
	})
	client.OnAfterResponse(func(_ *resty.Client, resp *resty.Response) error {
		if !resp.IsError() {
			return nil
		}
		result, _ := resp.Error().(*ErrorResult)
		if result == nil {
			result = &ErrorResult{}
		}
		return trace.Wrap(gotrueError(resp.StatusCode(), result))
	})
	return &GoTrueClient{client: client, baseURL: baseURL, anonKey: conf.AnonKey}, nil
}

func gotrueError(code int, result *ErrorResult) error {
	msg := result.Message()
	switch result.reason() {
	case "invalid_grant", "invalid_credentials", "refresh_token_not_found", "refresh_token_already_used", "session_not_found":
		return trace.AccessDenied("auth provider rejected the request: %s", msg)
	case "user_already_exists", "email_exists":
		return trace.AlreadyExists("auth provider rejected the request: %s", msg)
	}
	return lib.FromHTTPStatus(code, "auth provider error: "+msg)
}

func (c *GoTrueClient) session(ctx context.Context, path string, grantType string, body interface{}) (*state.Credentials, error) {
	var result sessionResult
	req := c.client.R().
		SetContext(ctx).
		SetBody(body).
		SetResult(&result)
	if grantType != "" {
		req.SetQueryParam("grant_type", grantType)
	}
	resp, err := req.Post(path)
	if err != nil {
		if resp != nil && resp.IsError() {
			return nil, trace.Wrap(err)
		}
		return nil, trace.ConnectionProblem(err, "auth provider is unreachable")
	}
	if result.AccessToken == "" {
		return nil, trace.NotFound("auth provider returned no session")
	}
	creds := &state.Credentials{
		AccessToken:  result.AccessToken,
		RefreshToken: result.RefreshToken,
	}
	if result.User != nil {
		creds.Subject = result.User.ID
		creds.Email = result.User.Email
	}
	return creds, nil
}

// Login exchanges email and password for a session.
func (c *GoTrueClient) Login(ctx context.Context, email, password string) (*state.Credentials, error) {
	creds, err := c.session(ctx, "/token", "password", map[string]string{
		"email":    strings.TrimSpace(email),
		"password": password,
	})
	return creds, trace.Wrap(err)
}

// Refresh exchanges a refresh token for a new session.
func (c *GoTrueClient) Refresh(ctx context.Context, refreshToken string) (*state.Credentials, error) {
	if refreshToken == "" {
		return nil, trace.BadParameter("missing refresh token")
	}
	creds, err := c.session(ctx, "/token", "refresh_token", map[string]string{
		"refresh_token": refreshToken,
	})
	return creds, trace.Wrap(err)
}

// Register creates an account. When the provider requires email confirmation
// no session is issued and ErrConfirmationPending is returned.
func (c *GoTrueClient) Register(ctx context.Context, params RegisterParams) (*state.Credentials, error) {
	body := map[string]interface{}{
		"email":    strings.TrimSpace(params.Email),
		"password": params.Password,
		"data": map[string]string{
			"full_name": params.FullName,
			"phone":     params.Phone,
		},
	}
	creds, err := c.session(ctx, "/signup", "", body)
	if trace.IsNotFound(err) {
		return nil, trace.Wrap(ErrConfirmationPending)
	}
	return creds, trace.Wrap(err)
}

// Logout revokes the session of accessToken on the server.
func (c *GoTrueClient) Logout(ctx context.Context, accessToken string) error {
	resp, err := c.client.R().
		SetContext(ctx).
		SetAuthToken(accessToken).
		Post("/logout")
	if err != nil {
		if resp != nil && resp.IsError() {
			return trace.Wrap(err)
		}
		return trace.ConnectionProblem(err, "auth provider is unreachable")
	}
	return nil
}

// NewUserRequest builds a request for the signed-in user's profile. It carries no
// credential; send it through a session to have one attached.
func (c *GoTrueClient) NewUserRequest(ctx context.Context) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/user", nil)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	req.Header.Set("apikey", c.anonKey)
	req.Header.Set("Accept", "application/json")
	return req, nil
}

// ParseUser reads a user profile response.
func ParseUser(resp *http.Response) (*User, error) {
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		var result ErrorResult
		_ = json.NewDecoder(resp.Body).Decode(&result)
		return nil, trace.Wrap(gotrueError(resp.StatusCode, &result))
	}
	var user User
	if err := json.NewDecoder(resp.Body).Decode(&user); err != nil {
		return nil, trace.Wrap(err)
	}
	return &user, nil
}
