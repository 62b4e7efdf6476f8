/*
Copyright 2024 Gravitational, Inc.

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

package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	limiter "github.com/sethvargo/go-limiter"
	"github.com/sethvargo/go-limiter/memorystore"
	log "github.com/sirupsen/logrus"

	"github.com/gravitational/studio-plugins/lib/backoff"
	"github.com/gravitational/studio-plugins/lib/logger"
	"github.com/gravitational/studio-plugins/studio/auth"
	"github.com/gravitational/studio-plugins/studio/auth/oauth"
	"github.com/gravitational/studio-plugins/studio/auth/state"
	"github.com/gravitational/studio-plugins/studio/common"
	"github.com/gravitational/studio-plugins/studio/genai"
)

const (
	downloadBackoffBase = time.Second
	downloadBackoffMax  = 10 * time.Second

	sessionShutdownTimeout = 5 * time.Second
)

// App builds the components used by commands from the CLI configuration.
type App struct {
	conf   *CLI
	clock  clockwork.Clock
	ctx    context.Context
	cancel context.CancelFunc

	outMu sync.Mutex
	out   io.Writer

	mu      sync.Mutex
	gotrue  *oauth.GoTrueClient
	session *auth.Manager
	limiter limiter.Store
}

// NewApp applies the logging configuration and creates an app writing results to out.
func NewApp(conf *CLI, out io.Writer) (*App, error) {
	if err := logger.Setup(conf.LoggerConfig()); err != nil {
		return nil, trace.Wrap(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &App{
		conf:   conf,
		out:    out,
		clock:  clockwork.NewRealClock(),
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

// println writes a result line. Commands call it from several goroutines.
func (a *App) println(args ...interface{}) {
	a.outMu.Lock()
	defer a.outMu.Unlock()
	fmt.Fprintln(a.out, args...)
}

// Context is cancelled when the app is closed.
func (a *App) Context() context.Context {
	return a.ctx
}

// GoTrue returns the auth server client.
func (a *App) GoTrue() (*oauth.GoTrueClient, error) {
	if !a.conf.SessionsEnabled() {
		return nil, trace.BadParameter("sessions are disabled, set auth-url to enable them")
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.gotrue != nil {
		return a.gotrue, nil
	}
	client, err := oauth.NewGoTrueClient(oauth.GoTrueConfig{
		URL:     a.conf.AuthURL,
		AnonKey: a.conf.AuthAnonKey,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	a.gotrue = client
	return client, nil
}

// Session returns the session manager, restoring a stored session on first use.
func (a *App) Session() (*auth.Manager, error) {
	gotrue, err := a.GoTrue()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.session != nil {
		return a.session, nil
	}

	if err := os.MkdirAll(a.conf.StorageDir, 0o700); err != nil {
		return nil, trace.ConvertSystemError(err)
	}
	store, err := state.NewDiskState(a.conf.StorageDir)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	session, err := auth.NewManager(auth.Config{
		Authorizer:       gotrue,
		State:            store,
		Clock:            a.clock,
		HTTPClient:       &http.Client{Timeout: time.Minute},
		CheckInterval:    a.conf.CheckInterval,
		RefreshThreshold: a.conf.RefreshThreshold,
		OnLogout: func(reason error) {
			if reason != nil {
				log.WithError(reason).Warn("Session ended, please sign in again")
			}
		},
		Log: logger.Standard().WithField("component", "session"),
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if err := session.Init(a.ctx); err != nil {
		session.Close()
		return nil, trace.Wrap(err)
	}
	a.session = session
	return session, nil
}

// RequireSession makes sure a user is signed in when sessions are enabled.
// It returns a nil manager when they are disabled.
func (a *App) RequireSession() (*auth.Manager, error) {
	if !a.conf.SessionsEnabled() {
		return nil, nil
	}
	session, err := a.Session()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if session.Status() != auth.StatusAuthenticated {
		return nil, trace.Wrap(&common.AuthError{Message: "not signed in, run `studio login` first"})
	}
	return session, nil
}

// GenAI returns a generation API client.
func (a *App) GenAI() (*genai.Client, error) {
	session, err := a.RequireSession()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	conf := genai.ClientConfig{
		API:        a.conf.APIConfig(),
		VideoModel: a.conf.VideoModel,
		ImageModel: a.conf.ImageModel,
		EditModel:  a.conf.EditModel,
		TextModel:  a.conf.TextModel,
	}
	if a.conf.UseSession {
		conf.TokenSource = session
	}
	client, err := genai.NewClient(conf)
	return client, trace.Wrap(err)
}

// Poller returns a video job poller using the configured limits.
func (a *App) Poller(provider genai.Provider) (*genai.Poller, error) {
	a.mu.Lock()
	if a.limiter == nil {
		store, err := memorystore.New(&memorystore.Config{
			Tokens:   a.conf.SubmitRate,
			Interval: time.Minute,
		})
		if err != nil {
			a.mu.Unlock()
			return nil, trace.Wrap(err)
		}
		a.limiter = store
	}
	store := a.limiter
	a.mu.Unlock()

	poller, err := genai.NewPoller(genai.PollerConfig{
		Provider:      provider,
		Clock:         a.clock,
		Interval:      a.conf.PollInterval,
		MaxWait:       a.conf.MaxWait,
		MaxPolls:      a.conf.MaxPolls,
		SubmitLimiter: store,
		Log:           logger.Standard().WithField("component", "poller"),
	})
	return poller, trace.Wrap(err)
}

// Enhancer returns a prompt enhancer. Translation is skipped when translator is nil.
func (a *App) Enhancer(translator genai.Translator) *genai.Enhancer {
	return &genai.Enhancer{
		Translator: translator,
		Log:        logger.Standard().WithField("component", "prompt"),
	}
}

// FetchArtifact downloads a job artifact, retrying temporary failures.
func (a *App) FetchArtifact(ctx context.Context, poller *genai.Poller, result genai.Result) ([]byte, error) {
	var data []byte
	retry := backoff.NewDecorr(downloadBackoffBase, downloadBackoffMax, a.clock)
	err := backoff.Retry(ctx, a.conf.DownloadAttempts, retry, common.IsTransient, func(ctx context.Context) error {
		var err error
		data, err = poller.FetchArtifact(ctx, result)
		if err != nil && common.IsTransient(err) {
			logger.Get(ctx).WithError(err).Warn("Artifact download failed, retrying")
		}
		return trace.Wrap(err)
	})
	return data, trace.Wrap(err)
}

// Close stops background work. It is safe to call more than once.
func (a *App) Close() {
	a.cancel()
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.session != nil {
		ctx, cancel := context.WithTimeout(context.Background(), sessionShutdownTimeout)
		if err := a.session.Shutdown(ctx); err != nil {
			log.WithError(err).Debug("Session check did not stop in time")
		}
		cancel()
		a.session.Close()
		a.session = nil
	}
	if a.limiter != nil {
		if err := a.limiter.Close(context.Background()); err != nil {
			log.WithError(err).Debug("Failed to close the submission limiter")
		}
		a.limiter = nil
	}
}
