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
	"os"
	"path/filepath"
	"time"

	"github.com/alecthomas/kong"
	"github.com/gravitational/trace"

	"github.com/gravitational/studio-plugins/lib"
	"github.com/gravitational/studio-plugins/lib/logger"
	"github.com/gravitational/studio-plugins/studio/genai"
)

// AuthConfig is the auth server configuration
type AuthConfig struct {
	// AuthURL is the auth server project URL. Sessions are disabled when empty.
	AuthURL string `help:"Auth server URL" name:"auth-url" env:"STUDIO_AUTH_URL"`

	// AuthAnonKey is the public key sent with every auth request
	AuthAnonKey string `help:"Auth server public API key" name:"auth-anon-key" env:"STUDIO_AUTH_ANON_KEY"`

	// RefreshThreshold is the remaining token lifetime triggering a refresh
	RefreshThreshold time.Duration `help:"Refresh the session when it expires within this period" name:"auth-refresh-threshold" default:"5m" env:"STUDIO_AUTH_REFRESH_THRESHOLD"`

	// CheckInterval is the background session check period
	CheckInterval time.Duration `help:"Session expiry check period" name:"auth-check-interval" default:"1m" env:"STUDIO_AUTH_CHECK_INTERVAL"`
}

// GenAIConfig is the generation API configuration
type GenAIConfig struct {
	GenAIURL        string `help:"Generation API address" name:"genai-url" default:"${genai_url}" env:"STUDIO_GENAI_URL"`
	GenAIAPIKey     string `help:"Generation API key, or a path to a file holding it" name:"genai-api-key" env:"GEMINI_API_KEY"`
	GenAIAPIKeyFile string `help:"File holding the generation API key" name:"genai-api-key-file" env:"STUDIO_GENAI_API_KEY_FILE"`

	// UseSession authenticates generation calls with the session token instead of an API key
	UseSession bool `help:"Authenticate generation calls with the session token" name:"genai-use-session"`

	VideoModel string `help:"Video generation model" name:"genai-video-model" default:"${video_model}"`
	ImageModel string `help:"Image generation model" name:"genai-image-model" default:"${image_model}"`
	EditModel  string `help:"Image editing model" name:"genai-edit-model" default:"${edit_model}"`
	TextModel  string `help:"Translation and assistant model" name:"genai-text-model" default:"${text_model}"`

	// PollInterval is the wait between two status queries of a video job
	PollInterval time.Duration `help:"Video job polling interval" name:"genai-poll-interval" default:"5s"`

	// MaxWait bounds polling of a single video job
	MaxWait time.Duration `help:"Give up on a video job after this period" name:"genai-max-wait" default:"10m"`

	// MaxPolls bounds the number of status queries of a single video job
	MaxPolls int `help:"Give up on a video job after this many polls" name:"genai-max-polls" default:"120"`

	// SubmitRate limits video submissions per minute
	SubmitRate uint64 `help:"Maximum video submissions per minute" name:"genai-submit-rate" default:"10"`

	// DownloadAttempts is the number of tries of an artifact download
	DownloadAttempts int `help:"Artifact download attempts" name:"genai-download-attempts" default:"3"`
}

// StorageConfig represents storage config
type StorageConfig struct {
	// StorageDir keeps the session between runs
	StorageDir string `help:"Session storage directory" name:"storage-dir" default:"${storage_dir}" env:"STUDIO_STORAGE"`
}

// LogConfig is the logging configuration
type LogConfig struct {
	LogOutput   string `help:"Log output: stderr, stdout, discard or a file path" name:"log-output" default:"stderr" env:"STUDIO_LOG_OUTPUT"`
	LogSeverity string `help:"Log severity" name:"log-severity" default:"info" env:"STUDIO_LOG_SEVERITY"`
}

// CLI represents command structure
type CLI struct {
	// Config is the path to configuration file
	Config kong.ConfigFlag `help:"Path to TOML configuration file" optional:"true" type:"existingfile" env:"STUDIO_CONFIG"`

	// Debug is a debug logging mode flag
	Debug bool `help:"Debug logging" short:"d"`

	AuthConfig
	GenAIConfig
	StorageConfig
	LogConfig

	Version  VersionCmd  `cmd:"true" help:"Print version"`
	Login    LoginCmd    `cmd:"true" help:"Sign in"`
	Register RegisterCmd `cmd:"true" help:"Create an account"`
	Logout   LogoutCmd   `cmd:"true" help:"Sign out"`
	Status   StatusCmd   `cmd:"true" help:"Show the session status"`
	Profile  ProfileCmd  `cmd:"true" help:"Show the signed-in user profile"`
	Video    VideoCmd    `cmd:"true" help:"Generate videos"`
	Image    ImageCmd    `cmd:"true" help:"Generate images"`
	Edit     EditCmd     `cmd:"true" help:"Edit or upscale images"`
	TryOn    TryOnCmd    `cmd:"true" name:"tryon" help:"Dress a person with a garment"`
	Chat     ChatCmd     `cmd:"true" help:"Talk to the studio assistant"`
}

// Vars returns the interpolation variables of the CLI.
func Vars() kong.Vars {
	return kong.Vars{
		"storage_dir": defaultStorageDir(),
		"genai_url":   genai.DefaultURL,
		"video_model": genai.DefaultVideoModel,
		"image_model": genai.DefaultImageModel,
		"edit_model":  genai.DefaultEditModel,
		"text_model":  genai.DefaultTextModel,

		"chat_instruction": genai.DefaultChatInstruction,
	}
}

func defaultStorageDir() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ".studio"
	}
	return filepath.Join(dir, appName)
}

// SessionsEnabled reports whether an auth server is configured.
func (c *CLI) SessionsEnabled() bool {
	return c.AuthURL != ""
}

// APIConfig returns the generation API credentials.
func (c *CLI) APIConfig() lib.APIConfig {
	return lib.APIConfig{URL: c.GenAIURL, APIKey: c.GenAIAPIKey, APIKeyFile: c.GenAIAPIKeyFile}
}

// LoggerConfig returns the logging section.
func (c *CLI) LoggerConfig() logger.Config {
	conf := logger.Config{Output: c.LogOutput, Severity: c.LogSeverity}
	if c.Debug {
		conf.Severity = "debug"
	}
	return conf
}

// Validate checks the combination of settings.
func (c *CLI) Validate() error {
	if c.SessionsEnabled() && c.AuthAnonKey == "" {
		return trace.BadParameter("auth-anon-key is required when auth-url is set")
	}
	if c.UseSession && !c.SessionsEnabled() {
		return trace.BadParameter("genai-use-session requires auth-url")
	}
	if c.MaxPolls < 1 {
		return trace.BadParameter("genai-max-polls must be positive")
	}
	if c.DownloadAttempts < 1 {
		return trace.BadParameter("genai-download-attempts must be positive")
	}
	return nil
}
