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

package backoff

import (
	"context"

	"github.com/gravitational/trace"
)

// Retry calls fn until it succeeds, returns an error rejected by retryable, or
// attempts are exhausted. The last error is returned.
func Retry(ctx context.Context, attempts int, backoff Backoff, retryable func(error) bool, fn func(context.Context) error) error {
	if attempts < 1 {
		return trace.BadParameter("attempts must be positive, got %d", attempts)
	}
	var err error
	for attempt := 1; ; attempt++ {
		if err = fn(ctx); err == nil {
			return nil
		}
		if attempt >= attempts || !retryable(err) {
			return trace.Wrap(err)
		}
		if berr := backoff.Do(ctx); berr != nil {
			return trace.NewAggregate(err, berr)
		}
	}
}
