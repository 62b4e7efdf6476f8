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

package genai

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	limiter "github.com/sethvargo/go-limiter"
	log "github.com/sirupsen/logrus"

	"github.com/gravitational/studio-plugins/lib/logger"
	"github.com/gravitational/studio-plugins/studio/common"
)

const (
	// DefaultPollInterval is the wait between two status queries of a job.
	DefaultPollInterval = 5 * time.Second
	// DefaultMaxWait bounds the time spent polling a single job.
	DefaultMaxWait = 10 * time.Minute
	// DefaultMaxPolls bounds the number of status queries of a single job.
	DefaultMaxPolls = 120

	submitLimiterKey = "submit"
)

// Provider is a generation API running jobs asynchronously.
type Provider interface {
	// SubmitVideo starts a job and returns its handle.
	SubmitVideo(ctx context.Context, req VideoRequest) (string, error)
	// PollOperation queries the status of a job.
	PollOperation(ctx context.Context, handle string) (*Operation, error)
	// Download fetches an artifact.
	Download(ctx context.Context, uri string) ([]byte, error)
}

// State is the lifecycle state of a job.
type State string

const (
	StateSubmitted State = "SUBMITTED"
	StatePolling   State = "POLLING"
	StateDone      State = "DONE"
	StateFailed    State = "FAILED"
)

// Result is the outcome of a successful job.
type Result struct {
	// URI references the generated artifact.
	URI string
}

// Failure is the outcome of a failed job.
type Failure struct {
	Kind    common.Kind
	Message string
	Err     error
}

// Job is a submitted generation job.
type Job struct {
	ID          uuid.UUID
	Handle      string
	SubmittedAt time.Time

	mu       sync.Mutex
	state    State
	result   *Result
	failure  *Failure
	polls    int
	awaiting bool
	cancel   context.CancelFunc
	done     chan struct{}
}

func newJob(handle string, now time.Time) *Job {
	return &Job{
		ID:          uuid.New(),
		Handle:      handle,
		SubmittedAt: now,
		state:       StateSubmitted,
		done:        make(chan struct{}),
	}
}

// State returns the current state of the job.
func (j *Job) State() State {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.state
}

// Result returns the result of a job in StateDone.
func (j *Job) Result() (Result, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.result == nil {
		return Result{}, false
	}
	return *j.result, true
}

// Failure returns the failure of a job in StateFailed.
func (j *Job) Failure() (Failure, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.failure == nil {
		return Failure{}, false
	}
	return *j.failure, true
}

// Polls returns the number of status queries made so far.
func (j *Job) Polls() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.polls
}

// Done is closed once the job reaches a terminal state.
func (j *Job) Done() <-chan struct{} {
	return j.done
}

// outcome returns the stored outcome of a terminal job. The caller must hold j.mu.
func (j *Job) outcome() (Result, error) {
	if j.result != nil {
		return *j.result, nil
	}
	return Result{}, trace.Wrap(j.failure.Err)
}

func (j *Job) terminal() bool {
	return j.state == StateDone || j.state == StateFailed
}

// succeed moves the job to StateDone unless it is already terminal and returns the final outcome.
func (j *Job) succeed(result Result) (Result, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if !j.terminal() {
		j.state = StateDone
		j.result = &result
		close(j.done)
	}
	return j.outcome()
}

// fail moves the job to StateFailed unless it is already terminal and returns the final outcome.
func (j *Job) fail(kind common.Kind, err error) (Result, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if !j.terminal() {
		j.state = StateFailed
		j.failure = &Failure{Kind: kind, Message: common.UserMessage(err), Err: err}
		close(j.done)
	}
	return j.outcome()
}

// PollerConfig configures a Poller.
type PollerConfig struct {
	Provider Provider
	Clock    clockwork.Clock
	// Interval is the wait between two polls.
	Interval time.Duration
	// MaxWait is the longest time a job is polled.
	MaxWait time.Duration
	// MaxPolls is the largest number of polls of a job.
	MaxPolls int
	// SubmitLimiter throttles submissions locally. Optional.
	SubmitLimiter limiter.Store
	Log           log.FieldLogger
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *PollerConfig) CheckAndSetDefaults() error {
	if c.Provider == nil {
		return trace.BadParameter("missing parameter Provider")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Interval <= 0 {
		c.Interval = DefaultPollInterval
	}
	if c.MaxWait <= 0 {
		c.MaxWait = DefaultMaxWait
	}
	if c.MaxPolls <= 0 {
		c.MaxPolls = DefaultMaxPolls
	}
	if c.Log == nil {
		c.Log = logger.Standard()
	}
	return nil
}

// Poller submits generation jobs and follows them until they finish.
type Poller struct {
	conf PollerConfig
}

// NewPoller creates a Poller.
func NewPoller(conf PollerConfig) (*Poller, error) {
	if err := conf.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Poller{conf: conf}, nil
}

// Submit starts a video generation job. Submission failures are returned as is and never retried.
func (p *Poller) Submit(ctx context.Context, req VideoRequest) (*Job, error) {
	if err := validateRequest(req); err != nil {
		return nil, trace.Wrap(err)
	}
	if p.conf.SubmitLimiter != nil {
		_, _, reset, ok, err := p.conf.SubmitLimiter.Take(ctx, submitLimiterKey)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		if !ok {
			wait := time.Unix(0, int64(reset)).Sub(p.conf.Clock.Now()).Round(time.Second)
			if wait < 0 {
				wait = 0
			}
			return nil, trace.Wrap(&common.SubmissionError{
				Message: fmt.Sprintf("too many submissions, try again in %v", wait),
				Err:     trace.LimitExceeded("local submission quota exhausted"),
			})
		}
	}

	handle, err := p.conf.Provider.SubmitVideo(ctx, req)
	if err != nil {
		p.conf.Log.WithError(err).Error("Failed to submit a generation job")
		return nil, trace.Wrap(err)
	}
	job := newJob(handle, p.conf.Clock.Now())
	p.conf.Log.WithFields(log.Fields{"job_id": job.ID, "handle": handle}).Info("Generation job submitted")
	return job, nil
}

// AwaitCompletion polls the job until it succeeds, fails or reaches the polling
// ceiling. Cancelling ctx abandons the job. Awaiting a terminal job returns its
// outcome, awaiting a job twice at once is an error.
func (p *Poller) AwaitCompletion(ctx context.Context, job *Job) (Result, error) {
	job.mu.Lock()
	if job.terminal() {
		defer job.mu.Unlock()
		return job.outcome()
	}
	if job.awaiting {
		job.mu.Unlock()
		return Result{}, trace.CompareFailed("job %v is already being awaited", job.ID)
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	job.awaiting = true
	job.cancel = cancel
	job.state = StatePolling
	job.mu.Unlock()

	defer func() {
		job.mu.Lock()
		job.awaiting = false
		job.cancel = nil
		job.mu.Unlock()
	}()

	ctx, log := logger.WithFields(ctx, log.Fields{"job_id": job.ID, "handle": job.Handle})
	log = log.WithField("component", "poller")
	result, err := p.run(ctx, log, job)
	if err != nil {
		failure, _ := job.Failure()
		log.WithError(err).WithField("kind", failure.Kind).Error("Generation job failed")
		return result, trace.Wrap(err)
	}
	log.WithField("polls", job.Polls()).Info("Generation job completed")
	return result, nil
}

func (p *Poller) run(ctx context.Context, log log.FieldLogger, job *Job) (Result, error) {
	started := p.conf.Clock.Now()
	for {
		job.mu.Lock()
		job.polls++
		polls := job.polls
		job.mu.Unlock()

		log.WithField("poll", polls).Debug("Polling job status")
		op, err := p.conf.Provider.PollOperation(ctx, job.Handle)
		switch {
		case ctx.Err() != nil:
			return job.fail(common.KindAbandoned, &common.AbandonedError{Err: ctx.Err()})
		case err != nil && common.IsAuth(err):
			return job.fail(common.KindAuth, err)
		case err != nil:
			return job.fail(common.KindTerminal, transient(err))
		case op.Done:
			return p.finish(job, op)
		}

		elapsed := p.conf.Clock.Since(started)
		if polls >= p.conf.MaxPolls || elapsed+p.conf.Interval > p.conf.MaxWait {
			return job.fail(common.KindTimeout, &common.TimeoutError{Polls: polls, Elapsed: elapsed.String()})
		}

		timer := p.conf.Clock.NewTimer(p.conf.Interval)
		select {
		case <-timer.Chan():
		case <-ctx.Done():
			timer.Stop()
			return job.fail(common.KindAbandoned, &common.AbandonedError{Err: ctx.Err()})
		}
	}
}

func (p *Poller) finish(job *Job, op *Operation) (Result, error) {
	if op.Error != nil {
		if common.IsAuthStatus(op.Error.Code, op.Error.Status) {
			return job.fail(common.KindAuth, &common.AuthError{
				StatusCode: op.Error.Code,
				Status:     op.Error.Status,
				Message:    op.Error.Message,
			})
		}
		return job.fail(common.KindTerminal, op.Error)
	}
	if op.URI == "" {
		return job.fail(common.KindTerminal, &ProviderError{Message: "operation finished without an artifact"})
	}
	return job.succeed(Result{URI: op.URI})
}

// transient makes sure a failed poll surfaces as a TransientError.
func transient(err error) error {
	if common.IsTransient(err) {
		return err
	}
	return &common.TransientError{Message: "polling failed", Err: err}
}

// Abandon stops following a job. The provider has no cancellation, so the remote
// operation may still run. Abandoning a terminal job does nothing.
func (p *Poller) Abandon(job *Job) {
	job.mu.Lock()
	if job.terminal() {
		job.mu.Unlock()
		return
	}
	cancel := job.cancel
	job.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	job.fail(common.KindAbandoned, &common.AbandonedError{Err: context.Canceled})
	p.conf.Log.WithFields(log.Fields{"job_id": job.ID, "handle": job.Handle}).Info("Generation job abandoned")
}

// FetchArtifact downloads the artifact of a finished job.
func (p *Poller) FetchArtifact(ctx context.Context, result Result) ([]byte, error) {
	if result.URI == "" {
		return nil, trace.BadParameter("result has no artifact URI")
	}
	data, err := p.conf.Provider.Download(ctx, result.URI)
	return data, trace.Wrap(err)
}
