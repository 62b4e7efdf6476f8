package testing

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/gravitational/studio-plugins/lib/logger"
)

// Suite is a base for integration-style test suites running against fake servers.
type Suite struct {
	suite.Suite
	ctx context.Context
}

// SetContext sets a per-test context with a timeout. Tests should not outlive it.
func (s *Suite) SetContext(timeout time.Duration) context.Context {
	t := s.T()
	t.Helper()

	require.Nil(t, s.ctx, "Context cannot be set twice")

	ctx, _ := logger.WithField(context.Background(), "test", t.Name())
	ctx, cancel := context.WithTimeout(ctx, timeout)
	t.Cleanup(func() {
		cancel()
		s.ctx = nil
	})
	s.ctx = ctx
	return ctx
}

// Ctx returns the per-test context, creating a default one on first use.
func (s *Suite) Ctx() context.Context {
	t := s.T()
	t.Helper()

	if ctx := s.ctx; ctx != nil {
		return ctx
	}
	return s.SetContext(5 * time.Second)
}

// NewTmpFile creates a temporary file removed at the end of the test.
func (s *Suite) NewTmpFile(pattern string) *os.File {
	t := s.T()
	t.Helper()

	file, err := os.CreateTemp(t.TempDir(), pattern)
	require.NoError(t, err)
	t.Cleanup(func() { file.Close() })
	return file
}

// NewServer starts an HTTP server closed at the end of the test and returns its URL.
func (s *Suite) NewServer(handler http.Handler) string {
	t := s.T()
	t.Helper()

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv.URL
}

// DriveClock advances clock by step every time waiters goroutines are blocked on it,
// until the test context is done or the returned stop function is called.
func (s *Suite) DriveClock(clock clockwork.FakeClock, waiters int, step time.Duration) (stop func()) {
	ctx, cancel := context.WithCancel(s.Ctx())
	done := make(chan struct{})
	go func() {
		defer close(done)
		AdvanceWhenBlocked(ctx, clock, waiters, step)
	}()
	stop = func() {
		cancel()
		<-done
	}
	s.T().Cleanup(stop)
	return stop
}

// AdvanceWhenBlocked keeps advancing clock by step whenever waiters goroutines wait on it.
func AdvanceWhenBlocked(ctx context.Context, clock clockwork.FakeClock, waiters int, step time.Duration) {
	for {
		if err := BlockUntil(ctx, clock, waiters); err != nil {
			return
		}
		clock.Advance(step)
	}
}

// BlockUntil waits until clock has the given number of waiters or ctx is done.
func BlockUntil(ctx context.Context, clock clockwork.FakeClock, waiters int) error {
	if blocker, ok := clock.(interface {
		BlockUntilContext(context.Context, int) error
	}); ok {
		return blocker.BlockUntilContext(ctx, waiters)
	}
	done := make(chan struct{})
	go func() {
		clock.BlockUntil(waiters)
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
