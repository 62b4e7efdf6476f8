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

package backoff

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
)

// Backoff waits before the next attempt.
type Backoff interface {
	// Do waits for the next backoff interval or returns an error if ctx is done.
	Do(ctx context.Context) error
}

type decorr struct {
	base  int64
	cap   int64
	mul   int64
	clock clockwork.Clock

	mu    sync.Mutex
	sleep int64
	rnd   *rand.Rand
}

// Decorr returns a "decorrelated jitter" backoff running on the real clock.
func Decorr(base, cap time.Duration) Backoff {
	return NewDecorr(base, cap, clockwork.NewRealClock())
}

// NewDecorr returns a "decorrelated jitter" backoff: each interval is a random
// value between base and three times the previous interval, limited by cap.
func NewDecorr(base, cap time.Duration, clock clockwork.Clock) Backoff {
	return &decorr{
		base:  int64(base),
		cap:   int64(cap),
		mul:   3,
		sleep: int64(base),
		clock: clock,
		rnd:   rand.New(rand.NewSource(clock.Now().UnixNano())),
	}
}

func (backoff *decorr) next() time.Duration {
	backoff.mu.Lock()
	defer backoff.mu.Unlock()
	upper := backoff.sleep * backoff.mul
	if upper > backoff.cap {
		upper = backoff.cap
	}
	sleep := backoff.base
	if upper > backoff.base {
		sleep += backoff.rnd.Int63n(upper - backoff.base)
	}
	backoff.sleep = sleep
	return time.Duration(sleep)
}

func (backoff *decorr) Do(ctx context.Context) error {
	select {
	case <-backoff.clock.After(backoff.next()):
		return nil
	case <-ctx.Done():
		return trace.Wrap(ctx.Err())
	}
}
