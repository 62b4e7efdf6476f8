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

import "sync"

// outcome holds the error a job returned. Only the first report counts.
type outcome struct {
	once sync.Once
	done chan struct{}
	err  error
}

func newOutcome() *outcome {
	return &outcome{done: make(chan struct{})}
}

func (o *outcome) report(err error) {
	o.once.Do(func() {
		o.err = err
		close(o.done)
	})
}

// get returns the job error, or nil while the job is running.
func (o *outcome) get() error {
	select {
	case <-o.done:
		return o.err
	default:
		return nil
	}
}
