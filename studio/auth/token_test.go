package auth

import (
	"encoding/base64"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

var testSigningKey = []byte("test-signing-key")

func mintToken(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(testSigningKey)
	require.NoError(t, err)
	return token
}

func TestDecode(t *testing.T) {
	token := mintToken(t, jwt.MapClaims{
		"sub":        "user-1",
		"email":      "ana@example.com",
		"aud":        "authenticated",
		"exp":        1_800_000_000,
		"session_id": "s-1",
	})
	claims := Decode(token)
	require.NotNil(t, claims)
	require.Equal(t, "user-1", claims.Subject)
	require.Equal(t, "ana@example.com", claims.Email)
	require.Equal(t, "s-1", claims.SessionID)
	require.Equal(t, jwt.ClaimStrings{"authenticated"}, claims.Audience)
	require.True(t, time.Unix(1_800_000_000, 0).Equal(claims.ExpiresAt.Time))
}

func TestDecodeIgnoresAlgorithm(t *testing.T) {
	encode := func(s string) string { return base64.RawURLEncoding.EncodeToString([]byte(s)) }
	token := encode(`{"alg":"ES999","typ":"JWT"}`) + "." + encode(`{"sub":"user-2","exp":1800000000}`) + ".c2lnbmF0dXJl"
	claims := Decode(token)
	require.NotNil(t, claims)
	require.Equal(t, "user-2", claims.Subject)
}

func TestDecodeMalformed(t *testing.T) {
	encode := func(s string) string { return base64.RawURLEncoding.EncodeToString([]byte(s)) }
	header := encode(`{"alg":"HS256"}`)
	for name, token := range map[string]string{
		"empty":                      "",
		"one segment":                "abc",
		"two segments":               header + "." + encode(`{"sub":"x"}`),
		"four segments":              header + ".a.b.c",
		"bad base64":                 header + ".!!!.sig",
		"not json":                   header + "." + encode("not json") + ".sig",
		"exp wrong type":             header + "." + encode(`{"exp":"tomorrow"}`) + ".sig",
		"header not json":            encode("nope") + "." + encode(`{"sub":"x"}`) + ".sig",
		"header not json, fresh exp": encode("nope") + "." + encode(`{"exp":9999999999}`) + ".sig",
	} {
		t.Run(name, func(t *testing.T) {
			require.Nil(t, Decode(token))
			require.True(t, IsExpired(token, time.Now()))
			require.True(t, ShouldRefresh(token, time.Now(), DefaultRefreshThreshold))
		})
	}
}

func TestExpiryWindow(t *testing.T) {
	now := time.Unix(1_800_000_000, 0)
	for _, tc := range []struct {
		name          string
		claims        jwt.MapClaims
		expired       bool
		shouldRefresh bool
	}{
		{name: "far future", claims: jwt.MapClaims{"exp": now.Add(time.Hour).Unix()}},
		{name: "just outside threshold", claims: jwt.MapClaims{"exp": now.Add(301 * time.Second).Unix()}},
		{name: "at threshold", claims: jwt.MapClaims{"exp": now.Add(300 * time.Second).Unix()}, shouldRefresh: true},
		{name: "inside threshold", claims: jwt.MapClaims{"exp": now.Add(250 * time.Second).Unix()}, shouldRefresh: true},
		{name: "one second left", claims: jwt.MapClaims{"exp": now.Add(time.Second).Unix()}, shouldRefresh: true},
		{name: "expires now", claims: jwt.MapClaims{"exp": now.Unix()}, expired: true, shouldRefresh: true},
		{name: "expired", claims: jwt.MapClaims{"exp": now.Add(-time.Minute).Unix()}, expired: true, shouldRefresh: true},
		{name: "no exp", claims: jwt.MapClaims{"sub": "user-1"}, expired: true, shouldRefresh: true},
	} {
		t.Run(tc.name, func(t *testing.T) {
			token := mintToken(t, tc.claims)
			require.Equal(t, tc.expired, IsExpired(token, now))
			require.Equal(t, tc.shouldRefresh, ShouldRefresh(token, now, DefaultRefreshThreshold))
		})
	}
}

func TestRemaining(t *testing.T) {
	now := time.Unix(1_800_000_000, 0)
	remaining, ok := Remaining(mintToken(t, jwt.MapClaims{"exp": now.Add(90 * time.Second).Unix()}), now)
	require.True(t, ok)
	require.Equal(t, 90*time.Second, remaining)

	_, ok = Remaining("garbage", now)
	require.False(t, ok)
}
