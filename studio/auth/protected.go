package auth

import (
	"bytes"
	"io"
	"net/http"

	"github.com/gravitational/trace"

	"github.com/gravitational/studio-plugins/lib"
	"github.com/gravitational/studio-plugins/studio/auth/state"
	"github.com/gravitational/studio-plugins/studio/common"
)

// AttachAuth returns a copy of req carrying the current access token, if any.
func (m *Manager) AttachAuth(req *http.Request) *http.Request {
	return attach(req, m.current())
}

// Do sends req with the current access token. A 401 response triggers exactly one
// refresh and, if it succeeds, exactly one retry whose response is returned as is.
// If the refresh fails the session ends and the original 401 response is returned.
func (m *Manager) Do(req *http.Request) (*http.Response, error) {
	if err := makeReplayable(req); err != nil {
		return nil, trace.Wrap(err)
	}

	creds := m.current()
	resp, err := m.send(req, creds)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if resp.StatusCode != http.StatusUnauthorized || creds == nil {
		return resp, nil
	}

	log := m.conf.Log.WithField("url", req.URL.Redacted())
	log.Debug("Got 401, refreshing session")
	if _, err := m.refreshFrom(req.Context(), creds.AccessToken); err != nil {
		if lib.IsCanceled(err) || lib.IsDeadline(err) {
			resp.Body.Close()
			return nil, trace.Wrap(err)
		}
		log.WithError(err).Warn("Session refresh failed, returning the original response")
		m.expire(req.Context(), err, creds)
		return resp, nil
	}
	drain(resp)

	resp, err = m.send(req, m.current())
	return resp, trace.Wrap(err)
}

func (m *Manager) send(req *http.Request, creds *state.Credentials) (*http.Response, error) {
	out := attach(req, creds)
	if req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			return nil, trace.Wrap(err)
		}
		out.Body = body
	}
	resp, err := m.conf.HTTPClient.Do(out)
	if err != nil {
		if lib.IsCanceled(err) || lib.IsDeadline(err) {
			return nil, trace.Wrap(err)
		}
		return nil, trace.Wrap(&common.TransientError{Message: "request failed", Err: err})
	}
	return resp, nil
}

func attach(req *http.Request, creds *state.Credentials) *http.Request {
	out := req.Clone(req.Context())
	if creds != nil && creds.AccessToken != "" {
		out.Header.Set("Authorization", "Bearer "+creds.AccessToken)
	}
	return out
}

// makeReplayable makes sure the request body can be sent twice.
func makeReplayable(req *http.Request) error {
	if req.Body == nil || req.Body == http.NoBody || req.GetBody != nil {
		return nil
	}
	payload, err := io.ReadAll(req.Body)
	if err != nil {
		return trace.Wrap(err)
	}
	req.Body.Close()
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(payload)), nil
	}
	req.Body, _ = req.GetBody()
	return nil
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	resp.Body.Close()
}
