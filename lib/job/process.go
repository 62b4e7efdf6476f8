/*
Copyright 2020-2024 Gravitational, Inc.

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

package job

import (
	"context"
	"sync"

	"github.com/gravitational/trace"
)

// Process hosts a group of jobs sharing one lifetime.
type Process struct {
	ctx    context.Context
	cancel context.CancelFunc
	group  *jobGroup

	mu      sync.Mutex
	stopped bool
	running map[*Handle]struct{}
}

// Handle controls a single spawned job.
type Handle struct {
	cancel  context.CancelFunc
	stop    context.CancelFunc
	outcome *outcome
}

type jobGroup struct {
	mu      sync.Mutex
	counter uint
	doneCh  chan struct{}
}

type stopKey struct{}

// NewProcess creates a process bound to ctx. Cancelling ctx cancels every job.
func NewProcess(ctx context.Context) *Process {
	ctx, cancel := context.WithCancel(ctx)
	return &Process{
		ctx:     ctx,
		cancel:  cancel,
		group:   newJobGroup(),
		running: make(map[*Handle]struct{}),
	}
}

func (p *Process) spawn(job Job, opts spawnOptions) *Handle {
	result := newOutcome()

	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		result.report(trace.CompareFailed("process is already stopped"))
		return &Handle{cancel: func() {}, stop: func() {}, outcome: result}
	}
	p.group.join()

	jobCtx, jcancel := context.WithCancel(p.ctx)
	stopCtx, stop := context.WithCancel(jobCtx)
	jobCtx = context.WithValue(jobCtx, stopKey{}, stopCtx)
	handle := &Handle{cancel: jcancel, stop: stop, outcome: result}
	p.running[handle] = struct{}{}
	p.mu.Unlock()

	go func() {
		defer func() {
			jcancel()
			p.mu.Lock()
			delete(p.running, handle)
			p.mu.Unlock()
			p.group.leave()
		}()
		err := trace.Wrap(job.DoJob(jobCtx))
		result.report(err)
		if err != nil && opts.critical {
			p.Stop()
		}
	}()
	return handle
}

// Done channel is closed once the process is stopped and all of its jobs are completed.
func (p *Process) Done() <-chan struct{} {
	if p == nil {
		return alreadyDone
	}
	return p.group.done()
}

// Stop signals every running job to stop. Jobs spawned afterwards fail immediately.
func (p *Process) Stop() {
	if p == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return
	}
	p.stopped = true
	for handle := range p.running {
		handle.stop()
	}
	p.group.leave() // Stop the main "job".
}

// Shutdown signals a process to terminate and waits for completion of all jobs.
func (p *Process) Shutdown(ctx context.Context) error {
	p.Stop()
	select {
	case <-ctx.Done():
		return trace.Wrap(ctx.Err())
	case <-p.Done():
		return nil
	}
}

// Close cancels all process jobs immediately and waits for them to return.
func (p *Process) Close() {
	if p == nil {
		return
	}
	p.Stop()
	p.cancel()
	<-p.group.done()
}

// Cancel cancels the job context.
func (h *Handle) Cancel() {
	h.cancel()
}

// Done is closed when the job returns.
func (h *Handle) Done() <-chan struct{} {
	return h.outcome.done
}

// Err returns the job error once it is done, nil before that.
func (h *Handle) Err() error {
	return h.outcome.get()
}

// Wait blocks until the job returns or ctx is done.
func (h *Handle) Wait(ctx context.Context) error {
	select {
	case <-h.Done():
		return h.Err()
	case <-ctx.Done():
		return trace.Wrap(ctx.Err())
	}
}

func newJobGroup() *jobGroup {
	return &jobGroup{
		doneCh:  make(chan struct{}),
		counter: 1, // ONE means a single main "job".
	}
}

func (jobs *jobGroup) join() {
	jobs.mu.Lock()
	defer jobs.mu.Unlock()
	jobs.counter++
}

func (jobs *jobGroup) leave() {
	jobs.mu.Lock()
	defer jobs.mu.Unlock()
	if jobs.counter == 0 {
		panic("failed to decrement zero job counter")
	}
	jobs.counter--
	if jobs.counter == 0 {
		close(jobs.doneCh)
	}
}

func (jobs *jobGroup) done() <-chan struct{} {
	return jobs.doneCh
}
