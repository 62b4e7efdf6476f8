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
	"github.com/gravitational/trace"
	log "github.com/sirupsen/logrus"
)

// BestEffort runs an optional step. When op fails with an error that critical
// rejects, the error is returned; any other error is logged and fallback is used.
// A nil critical treats every error as non-critical.
func BestEffort[T any](logger log.FieldLogger, step string, op func() (T, error), fallback T, critical func(error) bool) (T, error) {
	result, err := op()
	if err == nil {
		return result, nil
	}
	if critical != nil && critical(err) {
		return result, trace.Wrap(err)
	}
	logger.WithError(err).WithField("step", step).Warn("Optional step failed, falling back")
	return fallback, nil
}
