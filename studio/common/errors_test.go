/*
Copyright 2021-2024 Gravitational, Inc.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package common

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/gravitational/trace"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsAuthStatus(t *testing.T) {
	for _, tc := range []struct {
		code   int
		status string
		auth   bool
	}{
		{code: http.StatusUnauthorized, auth: true},
		{code: http.StatusForbidden, auth: true},
		{code: http.StatusNotFound, auth: true},
		{code: http.StatusInternalServerError},
		{code: http.StatusBadRequest, status: "PERMISSION_DENIED", auth: true},
		{status: "unauthenticated", auth: true},
		{code: http.StatusTooManyRequests, status: "RESOURCE_EXHAUSTED"},
		{},
	} {
		assert.Equal(t, tc.auth, IsAuthStatus(tc.code, tc.status), "code=%d status=%q", tc.code, tc.status)
		kind := KindTransient
		if tc.auth {
			kind = KindAuth
		}
		assert.Equal(t, kind, ClassifyStatus(tc.code, tc.status))
	}
}

func TestClassificationThroughTrace(t *testing.T) {
	authErr := trace.Wrap(&AuthError{StatusCode: http.StatusForbidden})
	require.True(t, IsAuth(authErr))
	require.False(t, IsTransient(authErr))

	refreshErr := trace.Wrap(&RefreshFailure{Err: trace.AccessDenied("revoked")})
	require.True(t, IsAuth(refreshErr))

	transientErr := trace.Wrap(&TransientError{Err: context.DeadlineExceeded})
	require.True(t, IsTransient(transientErr))
	require.False(t, IsAuth(transientErr))
	require.True(t, errors.Is(transientErr, context.DeadlineExceeded))
}

func TestDownloadErrorTemporary(t *testing.T) {
	require.True(t, (&DownloadError{StatusCode: http.StatusBadGateway}).Temporary())
	require.True(t, (&DownloadError{StatusCode: http.StatusTooManyRequests}).Temporary())
	require.False(t, (&DownloadError{StatusCode: http.StatusForbidden}).Temporary())
	require.False(t, (&DownloadError{Err: context.Canceled}).Temporary())
}

func TestUserMessage(t *testing.T) {
	reauth := UserMessage(&AuthError{StatusCode: http.StatusUnauthorized})
	retry := UserMessage(&TransientError{Message: "connection reset"})
	require.NotEqual(t, reauth, retry)
	require.Contains(t, reauth, "sign in again")
	require.Contains(t, retry, "try again")
	require.Contains(t, UserMessage(&SubmissionError{Message: "prompt is required"}), "prompt is required")
	require.Contains(t, UserMessage(&AbandonedError{}), "may still complete")
	require.Empty(t, UserMessage(nil))
}

func TestBestEffort(t *testing.T) {
	logger, hook := test.NewNullLogger()
	isAuth := func(err error) bool { return IsAuth(err) }

	t.Run("success", func(t *testing.T) {
		out, err := BestEffort(logger, "translate", func() (string, error) { return "sunset", nil }, "atardecer", isAuth)
		require.NoError(t, err)
		require.Equal(t, "sunset", out)
	})

	t.Run("non-critical failure falls back", func(t *testing.T) {
		hook.Reset()
		out, err := BestEffort(logger, "translate", func() (string, error) {
			return "", &TransientError{Message: "timeout"}
		}, "atardecer", isAuth)
		require.NoError(t, err)
		require.Equal(t, "atardecer", out)
		require.Len(t, hook.Entries, 1)
	})

	t.Run("critical failure propagates", func(t *testing.T) {
		_, err := BestEffort(logger, "translate", func() (string, error) {
			return "", &AuthError{StatusCode: http.StatusForbidden}
		}, "atardecer", isAuth)
		require.True(t, IsAuth(err))
	})
}
