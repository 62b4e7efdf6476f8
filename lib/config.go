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

package lib

import (
	"os"
	"strings"

	"github.com/gravitational/trace"

	"github.com/gravitational/studio-plugins/lib/set"
)

// APIConfig stores where a remote HTTP API is listening and which key
// authenticates the client to it.
type APIConfig struct {
	URL        string `toml:"url"`
	APIKey     string `toml:"api_key"`
	APIKeyFile string `toml:"api_key_file"`
}

// CheckAndSetDefaults validates the config. defaultURL is used when no URL is set.
// An API key starting with "/" is treated as a path to a file holding the key.
func (cfg *APIConfig) CheckAndSetDefaults(defaultURL string) error {
	if cfg.URL == "" {
		cfg.URL = defaultURL
	}
	if cfg.URL == "" {
		return trace.BadParameter("missing required value `url`")
	}
	u, err := AddrToURL(cfg.URL)
	if err != nil {
		return trace.Wrap(err)
	}
	cfg.URL = u.String()

	provided := set.NewStrings()
	if cfg.APIKey != "" {
		provided.Add("`api_key`")
	}
	if cfg.APIKeyFile != "" {
		provided.Add("`api_key_file`")
	}
	if provided.Len() > 1 {
		return trace.BadParameter("configuration settings %s are mutually exclusive", set.Join(provided, " and "))
	}

	if strings.HasPrefix(cfg.APIKey, "/") {
		cfg.APIKeyFile, cfg.APIKey = cfg.APIKey, ""
	}
	if cfg.APIKeyFile != "" {
		if cfg.APIKey, err = ReadPassword(cfg.APIKeyFile); err != nil {
			return trace.Wrap(err)
		}
	}
	return nil
}

// ReadPassword reads a secret from a file, stripping surrounding whitespace.
func ReadPassword(filename string) (string, error) {
	bytes, err := os.ReadFile(filename)
	if err != nil {
		return "", trace.ConvertSystemError(err)
	}
	pass := strings.TrimSpace(string(bytes))
	if pass == "" {
		return "", trace.BadParameter("file %q is empty", filename)
	}
	return pass, nil
}
