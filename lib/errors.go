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

package lib

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"

	"github.com/gravitational/trace"
)

// IsCanceled checks if the error is a context cancellation.
func IsCanceled(err error) bool {
	return errors.Is(err, context.Canceled) || trace.Unwrap(err) == context.Canceled
}

// IsDeadline checks if the error is a context deadline.
func IsDeadline(err error) bool {
	return errors.Is(err, context.DeadlineExceeded) || trace.Unwrap(err) == context.DeadlineExceeded
}

// IsNetworkError checks if the error came from the transport rather than from a server response.
func IsNetworkError(err error) bool {
	if err == nil || IsCanceled(err) || IsDeadline(err) {
		return false
	}
	var netErr net.Error
	return errors.As(err, &netErr) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF)
}

// FromHTTPStatus converts a non-successful HTTP status into a trace error.
func FromHTTPStatus(code int, message string) error {
	if message == "" {
		message = http.StatusText(code)
	}
	switch {
	case code < http.StatusBadRequest:
		return nil
	case code == http.StatusUnauthorized, code == http.StatusForbidden:
		return trace.AccessDenied(message)
	case code == http.StatusNotFound:
		return trace.NotFound(message)
	case code == http.StatusConflict:
		return trace.AlreadyExists(message)
	case code == http.StatusTooManyRequests:
		return trace.LimitExceeded(message)
	case code >= http.StatusInternalServerError:
		return trace.ConnectionProblem(nil, message)
	default:
		return trace.BadParameter(message)
	}
}
