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
	"errors"
	"fmt"
	"net/http"

	"github.com/gravitational/studio-plugins/lib"
	"github.com/gravitational/studio-plugins/lib/set"
)

// Kind classifies why a remote call or a job failed.
type Kind int

const (
	// KindTransient is a failure of a single attempt for reasons other than authorization.
	KindTransient Kind = iota + 1
	// KindAuth means the credential is missing, invalid, expired or lacks permission.
	KindAuth
	// KindTerminal means the provider reported the work as failed.
	KindTerminal
	// KindTimeout means the job did not finish within the polling ceiling.
	KindTimeout
	// KindAbandoned means the caller stopped waiting for the job.
	KindAbandoned
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "TRANSIENT"
	case KindAuth:
		return "AUTH"
	case KindTerminal:
		return "TERMINAL"
	case KindTimeout:
		return "TIMEOUT"
	case KindAbandoned:
		return "ABANDONED"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

var (
	authStatusCodes = set.New(http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound)
	authStatuses    = set.NewStrings("UNAUTHENTICATED", "PERMISSION_DENIED", "NOT_FOUND")
)

// IsAuthStatus reports whether an HTTP code or a provider status string denotes an
// invalid credential or an entity the credential cannot see.
func IsAuthStatus(code int, status string) bool {
	return authStatusCodes.Contains(code) || set.ContainsFold(authStatuses, status)
}

// ClassifyStatus maps an HTTP code and a provider status string to a Kind.
func ClassifyStatus(code int, status string) Kind {
	if IsAuthStatus(code, status) {
		return KindAuth
	}
	return KindTransient
}

// SubmissionError means the provider rejected a request outright.
type SubmissionError struct {
	StatusCode int
	Message    string
	Err        error
}

func (e *SubmissionError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("submission rejected (%d): %s", e.StatusCode, e.Message)
	}
	return "submission rejected: " + e.Message
}

func (e *SubmissionError) Unwrap() error { return e.Err }

// AuthError means a credential was found invalid or expired during a call or a poll.
type AuthError struct {
	StatusCode int
	Status     string
	Message    string
}

func (e *AuthError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = "credential rejected"
	}
	if e.Status != "" {
		return fmt.Sprintf("authorization failed (%s): %s", e.Status, msg)
	}
	if e.StatusCode != 0 {
		return fmt.Sprintf("authorization failed (%d): %s", e.StatusCode, msg)
	}
	return "authorization failed: " + msg
}

// TransientError means a single network or poll attempt failed for non-auth reasons.
type TransientError struct {
	StatusCode int
	Message    string
	Err        error
}

func (e *TransientError) Error() string {
	switch {
	case e.Err != nil && e.Message != "":
		return e.Message + ": " + e.Err.Error()
	case e.Err != nil:
		return e.Err.Error()
	case e.StatusCode != 0:
		return fmt.Sprintf("request failed (%d): %s", e.StatusCode, e.Message)
	default:
		return e.Message
	}
}

func (e *TransientError) Unwrap() error { return e.Err }

// DownloadError means an artifact transfer did not complete with a success status.
type DownloadError struct {
	URI        string
	StatusCode int
	Err        error
}

func (e *DownloadError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("downloading artifact: %v", e.Err)
	}
	return fmt.Sprintf("downloading artifact: unexpected status %d", e.StatusCode)
}

func (e *DownloadError) Unwrap() error { return e.Err }

// Temporary reports whether another attempt may succeed.
func (e *DownloadError) Temporary() bool {
	if e.StatusCode == 0 {
		return lib.IsNetworkError(e.Err)
	}
	return e.StatusCode >= http.StatusInternalServerError || e.StatusCode == http.StatusTooManyRequests
}

// RefreshFailure means the credential could not be refreshed. The session ends.
type RefreshFailure struct {
	Err error
}

func (e *RefreshFailure) Error() string {
	if e.Err == nil {
		return "session refresh failed"
	}
	return "session refresh failed: " + e.Err.Error()
}

func (e *RefreshFailure) Unwrap() error { return e.Err }

// TimeoutError means a job exceeded the polling ceiling.
type TimeoutError struct {
	Polls   int
	Elapsed string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("job did not complete after %d polls (%s)", e.Polls, e.Elapsed)
}

// AbandonedError means polling was stopped locally. The remote operation may still run.
type AbandonedError struct {
	Err error
}

func (e *AbandonedError) Error() string {
	return "polling abandoned; the remote operation may still be running"
}

func (e *AbandonedError) Unwrap() error { return e.Err }

// IsAuth reports whether err means the user has to re-authenticate.
func IsAuth(err error) bool {
	var authErr *AuthError
	var refreshErr *RefreshFailure
	return errors.As(err, &authErr) || errors.As(err, &refreshErr)
}

// IsTransient reports whether err is a failure worth trying again later.
func IsTransient(err error) bool {
	var transientErr *TransientError
	if errors.As(err, &transientErr) {
		return true
	}
	var downloadErr *DownloadError
	return errors.As(err, &downloadErr) && downloadErr.Temporary()
}

// UserMessage returns an actionable message for err.
func UserMessage(err error) string {
	var (
		submissionErr *SubmissionError
		timeoutErr    *TimeoutError
		abandonedErr  *AbandonedError
	)
	switch {
	case err == nil:
		return ""
	case IsAuth(err):
		return "Your credential is invalid or has expired. Please sign in again or check your API key."
	case errors.As(err, &submissionErr):
		return "The request was rejected: " + submissionErr.Message
	case errors.As(err, &timeoutErr):
		return "The generation took too long. Please try again later."
	case errors.As(err, &abandonedErr):
		return "Waiting was cancelled. The generation may still complete on the provider side."
	case IsTransient(err):
		return "A temporary error occurred. Please try again."
	default:
		return "The operation failed: " + err.Error()
	}
}
