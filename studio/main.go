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
	"fmt"
	"os"

	"github.com/alecthomas/kong"
	"github.com/gravitational/trace"
	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"

	"github.com/gravitational/studio-plugins/lib"
	"github.com/gravitational/studio-plugins/lib/logger"
)

const (
	appName        = "studio"
	appDescription = "Generates images and videos from text prompts"
)

var (
	Version = "dev"
	Sha     = "unknown"
)

var cli CLI

func main() {
	logger.Init()

	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Failed to load .env file")
	}

	kctx := kong.Parse(
		&cli,
		kong.UsageOnError(),
		kong.Configuration(KongTOMLResolver),
		kong.Name(appName),
		kong.Description(appDescription),
		Vars(),
	)

	app, err := NewApp(&cli, os.Stdout)
	if err != nil {
		lib.Bail(err)
	}
	defer app.Close()

	// See respective commands Run() methods
	err = kctx.Run(app)
	if cli.Debug {
		fmt.Printf("%v\n", trace.DebugReport(err))
	}
	if err != nil {
		app.Close()
		lib.Bail(err)
	}
}
