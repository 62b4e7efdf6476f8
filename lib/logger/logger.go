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

package logger

import (
	"context"
	"io"
	"os"
	"strings"

	"github.com/gravitational/trace"
	log "github.com/sirupsen/logrus"
)

// Config is the logging section of a configuration file.
type Config struct {
	Output   string `toml:"output"`
	Severity string `toml:"severity"`
}

type contextKey struct{}

var extraFields = []string{"job_id", "handle"}

// Init sets up logger for a typical CLI scenario until configuration file is parsed.
func Init() {
	log.SetFormatter(&log.TextFormatter{
		DisableTimestamp:       true,
		DisableLevelTruncation: true,
		SortingFunc:            sortFields,
	})
	log.SetOutput(os.Stderr)
	log.SetLevel(log.InfoLevel)
}

// Setup applies the logging section of a configuration.
func Setup(conf Config) error {
	switch strings.ToLower(conf.Output) {
	case "", "stderr", "error", "2":
		log.SetOutput(os.Stderr)
	case "stdout", "out", "1":
		log.SetOutput(os.Stdout)
	case "discard", "none":
		log.SetOutput(io.Discard)
	default:
		// assume it's a file path:
		logFile, err := os.OpenFile(conf.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
		if err != nil {
			return trace.Wrap(err, "failed to create the log file")
		}
		log.SetOutput(logFile)
	}

	if conf.Severity == "" {
		log.SetLevel(log.InfoLevel)
		return nil
	}
	level, err := log.ParseLevel(conf.Severity)
	if err != nil {
		return trace.BadParameter("unsupported logger severity: %q", conf.Severity)
	}
	log.SetLevel(level)
	return nil
}

// Standard returns the process-wide logger.
func Standard() log.FieldLogger {
	return log.StandardLogger()
}

// With attaches a logger to ctx.
func With(ctx context.Context, logger log.FieldLogger) context.Context {
	return context.WithValue(ctx, contextKey{}, logger)
}

// Get returns the logger attached to ctx or the standard one.
func Get(ctx context.Context) log.FieldLogger {
	if logger, ok := ctx.Value(contextKey{}).(log.FieldLogger); ok && logger != nil {
		return logger
	}
	return Standard()
}

func WithField(ctx context.Context, key string, value interface{}) (context.Context, log.FieldLogger) {
	logger := Get(ctx).WithField(key, value)
	return With(ctx, logger), logger
}

func WithFields(ctx context.Context, fields log.Fields) (context.Context, log.FieldLogger) {
	logger := Get(ctx).WithFields(fields)
	return With(ctx, logger), logger
}

// sortFields puts correlation ids in front of other fields.
func sortFields(keys []string) {
	rank := func(key string) int {
		for i, field := range extraFields {
			if key == field {
				return i
			}
		}
		return len(extraFields)
	}
	for i := 1; i < len(keys); i++ {
		for j := i; j > 0 && rank(keys[j]) < rank(keys[j-1]); j-- {
			keys[j], keys[j-1] = keys[j-1], keys[j]
		}
	}
}
