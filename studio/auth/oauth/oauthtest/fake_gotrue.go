package oauthtest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/julienschmidt/httprouter"
)

// FakeGoTrue is an in-memory GoTrue auth server issuing HS256 JWTs on an injected clock.
type FakeGoTrue struct {
	srv      *httptest.Server
	clock    clockwork.Clock
	anonKey  string
	tokenTTL time.Duration
	key      []byte

	mu                  sync.Mutex
	users               map[string]*fakeUser
	refreshTokens       map[string]string
	seenAccessTokens    []string
	refreshCalls        int
	logoutCalls         int
	requireConfirmation bool
	refreshDisabled     bool
}

type fakeUser struct {
	ID       string
	Email    string
	Password string
	FullName string
	Phone    string
}

type fakeClaims struct {
	Email     string `json:"email"`
	Role      string `json:"role"`
	SessionID string `json:"session_id"`
	jwt.RegisteredClaims
}

// NewFakeGoTrue starts a fake server. Access tokens live for tokenTTL on clock.
func NewFakeGoTrue(clock clockwork.Clock, anonKey string, tokenTTL time.Duration) *FakeGoTrue {
	s := &FakeGoTrue{
		clock:         clock,
		anonKey:       anonKey,
		tokenTTL:      tokenTTL,
		key:           []byte("fake-gotrue-signing-key"),
		users:         make(map[string]*fakeUser),
		refreshTokens: make(map[string]string),
	}
	router := httprouter.New()
	router.POST("/auth/v1/token", s.withKey(s.handleToken))
	router.POST("/auth/v1/signup", s.withKey(s.handleSignup))
	router.POST("/auth/v1/logout", s.withKey(s.handleLogout))
	router.GET("/auth/v1/user", s.withKey(s.handleUser))
	s.srv = httptest.NewServer(router)
	return s
}

func (s *FakeGoTrue) URL() string {
	return s.srv.URL
}

func (s *FakeGoTrue) Close() {
	s.srv.Close()
}

// AddUser registers a confirmed account and returns its ID.
func (s *FakeGoTrue) AddUser(email, password string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	user := &fakeUser{ID: uuid.NewString(), Email: email, Password: password}
	s.users[email] = user
	return user.ID
}

// RequireConfirmation makes signups return no session.
func (s *FakeGoTrue) RequireConfirmation(require bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requireConfirmation = require
}

// DisableRefresh makes every refresh fail as if the refresh token was revoked.
func (s *FakeGoTrue) DisableRefresh(disabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refreshDisabled = disabled
}

func (s *FakeGoTrue) RefreshCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refreshCalls
}

func (s *FakeGoTrue) LogoutCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.logoutCalls
}

// SeenAccessTokens returns bearer tokens presented to the user endpoint, in order.
func (s *FakeGoTrue) SeenAccessTokens() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.seenAccessTokens...)
}

// IssueAccessToken mints an access token for email expiring at expiresAt.
func (s *FakeGoTrue) IssueAccessToken(email string, expiresAt time.Time) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	user := s.users[email]
	if user == nil {
		user = &fakeUser{ID: uuid.NewString(), Email: email}
	}
	return s.mintLocked(user, expiresAt)
}

func (s *FakeGoTrue) mintLocked(user *fakeUser, expiresAt time.Time) string {
	now := s.clock.Now()
	claims := fakeClaims{
		Email:     user.Email,
		Role:      "authenticated",
		SessionID: uuid.NewString(),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user.ID,
			Issuer:    s.srv.URL + "/auth/v1",
			Audience:  jwt.ClaimStrings{"authenticated"},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			ID:        uuid.NewString(),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.key)
	if err != nil {
		panic(err)
	}
	return token
}

func (s *FakeGoTrue) sessionLocked(user *fakeUser) map[string]interface{} {
	expiresAt := s.clock.Now().Add(s.tokenTTL)
	refreshToken := strings.ReplaceAll(uuid.NewString(), "-", "")
	s.refreshTokens[refreshToken] = user.Email
	return map[string]interface{}{
		"access_token":  s.mintLocked(user, expiresAt),
		"token_type":    "bearer",
		"expires_in":    int64(s.tokenTTL / time.Second),
		"expires_at":    expiresAt.Unix(),
		"refresh_token": refreshToken,
		"user":          userBody(user),
	}
}

func userBody(user *fakeUser) map[string]interface{} {
	return map[string]interface{}{
		"id":    user.ID,
		"email": user.Email,
		"role":  "authenticated",
		"user_metadata": map[string]string{
			"full_name": user.FullName,
			"phone":     user.Phone,
		},
	}
}

func (s *FakeGoTrue) withKey(handle httprouter.Handle) httprouter.Handle {
	return func(rw http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		if r.Header.Get("apikey") != s.anonKey {
			writeJSON(rw, http.StatusUnauthorized, map[string]interface{}{"message": "Invalid API key"})
			return
		}
		handle(rw, r, ps)
	}
}

func (s *FakeGoTrue) handleToken(rw http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var body struct {
		Email        string `json:"email"`
		Password     string `json:"password"`
		RefreshToken string `json:"refresh_token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(rw, http.StatusBadRequest, "bad_json", err.Error())
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	switch grant := r.URL.Query().Get("grant_type"); grant {
	case "password":
		user := s.users[body.Email]
		if user == nil || user.Password != body.Password {
			writeError(rw, http.StatusBadRequest, "invalid_credentials", "Invalid login credentials")
			return
		}
		writeJSON(rw, http.StatusOK, s.sessionLocked(user))
	case "refresh_token":
		s.refreshCalls++
		email, ok := s.refreshTokens[body.RefreshToken]
		if !ok || s.refreshDisabled {
			writeError(rw, http.StatusBadRequest, "refresh_token_not_found", "Invalid Refresh Token: Refresh Token Not Found")
			return
		}
		delete(s.refreshTokens, body.RefreshToken)
		writeJSON(rw, http.StatusOK, s.sessionLocked(s.users[email]))
	default:
		writeError(rw, http.StatusBadRequest, "unsupported_grant_type", fmt.Sprintf("unsupported grant_type %q", grant))
	}
}

func (s *FakeGoTrue) handleSignup(rw http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var body struct {
		Email    string            `json:"email"`
		Password string            `json:"password"`
		Data     map[string]string `json:"data"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(rw, http.StatusBadRequest, "bad_json", err.Error())
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[body.Email]; ok {
		writeError(rw, http.StatusUnprocessableEntity, "user_already_exists", "User already registered")
		return
	}
	if len(body.Password) < 6 {
		writeError(rw, http.StatusUnprocessableEntity, "weak_password", "Password should be at least 6 characters.")
		return
	}
	user := &fakeUser{
		ID:       uuid.NewString(),
		Email:    body.Email,
		Password: body.Password,
		FullName: body.Data["full_name"],
		Phone:    body.Data["phone"],
	}
	s.users[body.Email] = user
	if s.requireConfirmation {
		writeJSON(rw, http.StatusOK, userBody(user))
		return
	}
	writeJSON(rw, http.StatusOK, s.sessionLocked(user))
}

func (s *FakeGoTrue) handleLogout(rw http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	if _, err := s.verify(r); err != nil {
		writeError(rw, http.StatusUnauthorized, "bad_jwt", err.Error())
		return
	}
	s.mu.Lock()
	s.logoutCalls++
	s.mu.Unlock()
	rw.WriteHeader(http.StatusNoContent)
}

func (s *FakeGoTrue) handleUser(rw http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	s.mu.Lock()
	s.seenAccessTokens = append(s.seenAccessTokens, strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer "))
	s.mu.Unlock()

	claims, err := s.verify(r)
	if err != nil {
		writeError(rw, http.StatusUnauthorized, "bad_jwt", err.Error())
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	user := s.users[claims.Email]
	if user == nil {
		writeError(rw, http.StatusNotFound, "user_not_found", "User not found")
		return
	}
	writeJSON(rw, http.StatusOK, userBody(user))
}

func (s *FakeGoTrue) verify(r *http.Request) (*fakeClaims, error) {
	header := r.Header.Get("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		return nil, fmt.Errorf("missing bearer token")
	}
	var claims fakeClaims
	_, err := jwt.ParseWithClaims(strings.TrimPrefix(header, "Bearer "), &claims,
		func(*jwt.Token) (interface{}, error) { return s.key, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(s.clock.Now),
	)
	if err != nil {
		return nil, fmt.Errorf("invalid JWT: %w", err)
	}
	return &claims, nil
}

func writeError(rw http.ResponseWriter, code int, errorCode, msg string) {
	writeJSON(rw, code, map[string]interface{}{
		"code":       code,
		"error_code": errorCode,
		"msg":        msg,
	})
}

func writeJSON(rw http.ResponseWriter, code int, body interface{}) {
	rw.Header().Add("Content-Type", "application/json")
	rw.WriteHeader(code)
	if err := json.NewEncoder(rw).Encode(body); err != nil {
		panic(err)
	}
}
