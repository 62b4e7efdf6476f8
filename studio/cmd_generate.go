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
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/gravitational/studio-plugins/lib"
	"github.com/gravitational/studio-plugins/lib/job"
	"github.com/gravitational/studio-plugins/lib/logger"
	"github.com/gravitational/studio-plugins/studio/common"
	"github.com/gravitational/studio-plugins/studio/genai"
)

// VideoCmd generates videos, one per prompt
type VideoCmd struct {
	Prompts         []string      `help:"Video description, repeat for several videos" name:"prompt" short:"p" required:"true"`
	Image           string        `help:"Image to start the video from" type:"existingfile"`
	Resolution      string        `help:"Video resolution" enum:"720p,1080p" default:"720p"`
	AspectRatio     string        `help:"Video aspect ratio" enum:"16:9,9:16" default:"16:9"`
	NoTranslate     bool          `help:"Send prompts as is instead of translating them to English"`
	Out             string        `help:"Output directory" type:"existingdir" default:"."`
	Parallel        int           `help:"Maximum number of videos generated at once" default:"4"`
	FailFast        bool          `help:"Abandon every video once one fails"`
	ShutdownTimeout time.Duration `help:"Time given to running jobs to wind down on interrupt" default:"30s"`
}

func (c *VideoCmd) Run(app *App) error {
	client, err := app.GenAI()
	if err != nil {
		return trace.Wrap(err)
	}
	poller, err := app.Poller(client)
	if err != nil {
		return trace.Wrap(err)
	}
	enhancer := app.Enhancer(translator(client, c.NoTranslate))

	var image *genai.InlineImage
	if c.Image != "" {
		if image, err = readImage(c.Image); err != nil {
			return trace.Wrap(err)
		}
	}

	ctx, cancel := context.WithCancel(app.Context())
	defer cancel()
	process := job.NewProcess(ctx)
	defer process.Close()
	go lib.ServeSignals(ctx, process, c.ShutdownTimeout)

	var (
		group errgroup.Group
		mu    sync.Mutex
		errs  []error
	)
	if c.Parallel > 0 {
		group.SetLimit(c.Parallel)
	}
	for _, prompt := range c.Prompts {
		prompt := prompt
		group.Go(func() error {
			handle := process.SpawnFunc(func(ctx context.Context) error {
				return c.generate(ctx, app, poller, enhancer, prompt, image)
			}, job.Critical(c.FailFast))
			if err := handle.Wait(ctx); err != nil {
				log.WithError(err).WithField("prompt", prompt).Error(common.UserMessage(err))
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = group.Wait()
	return trace.NewAggregate(errs...)
}

func (c *VideoCmd) generate(ctx context.Context, app *App, poller *genai.Poller, enhancer *genai.Enhancer, prompt string, image *genai.InlineImage) error {
	prepared, err := enhancer.Prepare(ctx, prompt, genai.FunctionFree, genai.StyleNone)
	if err != nil {
		return trace.Wrap(err)
	}
	video, err := poller.Submit(ctx, genai.VideoRequest{
		Prompt:      prepared,
		Image:       image,
		Resolution:  c.Resolution,
		AspectRatio: c.AspectRatio,
	})
	if err != nil {
		return trace.Wrap(err)
	}

	// Stopping the process, on a signal or a failed sibling with --fail-fast, abandons the video.
	go func() {
		select {
		case <-job.Stopped(ctx):
			poller.Abandon(video)
		case <-video.Done():
		}
	}()

	ctx, log := logger.WithField(ctx, "job_id", video.ID)
	log.WithField("prompt", prompt).Info("Generating video")
	result, err := poller.AwaitCompletion(ctx, video)
	if err != nil {
		return trace.Wrap(err)
	}
	data, err := app.FetchArtifact(ctx, poller, result)
	if err != nil {
		return trace.Wrap(err)
	}
	path := filepath.Join(c.Out, fmt.Sprintf("video-%v.mp4", video.ID))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return trace.ConvertSystemError(err)
	}
	log.WithField("path", path).Info("Video saved")
	app.println(path)
	return nil
}

// ImageCmd generates images
type ImageCmd struct {
	Prompt      string `help:"Image description" short:"p" required:"true"`
	Count       int    `help:"Number of images" default:"1"`
	AspectRatio string `help:"Image aspect ratio" enum:"1:1,16:9,9:16,4:3,3:4" default:"1:1"`
	Function    string `help:"Kind of image: free, sticker, text or comic" default:"free"`
	Style       string `help:"Style of free-form images: none, photo, anime, cartoon, painting or pixar" default:"none"`
	NoTranslate bool   `help:"Send the prompt as is instead of translating it to English"`
	Out         string `help:"Output directory" type:"existingdir" default:"."`
}

func (c *ImageCmd) Run(app *App) error {
	fn, err := genai.ParseFunction(c.Function)
	if err != nil {
		return trace.Wrap(err)
	}
	style, err := genai.ParseStyle(c.Style)
	if err != nil {
		return trace.Wrap(err)
	}
	client, err := app.GenAI()
	if err != nil {
		return trace.Wrap(err)
	}

	ctx := app.Context()
	prompt, err := app.Enhancer(translator(client, c.NoTranslate)).Prepare(ctx, c.Prompt, fn, style)
	if err != nil {
		return trace.Wrap(err)
	}
	images, err := client.GenerateImages(ctx, genai.ImageRequest{
		Prompt:         prompt,
		NumberOfImages: c.Count,
		AspectRatio:    c.AspectRatio,
	})
	if err != nil {
		return trace.Wrap(err)
	}
	return trace.Wrap(writeImages(app, c.Out, "image", images...))
}

// EditCmd edits or upscales images
type EditCmd struct {
	Images      []string `help:"Image to edit, repeat to combine several images" name:"image" type:"existingfile" required:"true"`
	Prompt      string   `help:"Edit instruction" short:"p"`
	AspectRatio string   `help:"Expand the canvas to this aspect ratio: 1:1, 16:9, 9:16, 4:3 or 3:4"`
	Upscale     bool     `help:"Upscale the image instead of editing it"`
	Out         string   `help:"Output directory" type:"existingdir" default:"."`
}

func (c *EditCmd) Run(app *App) error {
	images := make([]*genai.InlineImage, 0, len(c.Images))
	for _, path := range c.Images {
		image, err := readImage(path)
		if err != nil {
			return trace.Wrap(err)
		}
		images = append(images, image)
	}
	client, err := app.GenAI()
	if err != nil {
		return trace.Wrap(err)
	}

	var result *genai.Image
	if c.Upscale {
		if len(images) != 1 {
			return trace.BadParameter("upscaling takes exactly one image")
		}
		result, err = client.Upscale(app.Context(), *images[0])
	} else {
		result, err = client.EditImage(app.Context(), genai.EditRequest{
			Prompt:      c.Prompt,
			Images:      images,
			AspectRatio: c.AspectRatio,
		})
	}
	if err != nil {
		return trace.Wrap(err)
	}
	return trace.Wrap(writeImages(app, c.Out, "edit", *result))
}

func translator(client *genai.Client, disabled bool) genai.Translator {
	if disabled {
		return nil
	}
	return client
}

func readImage(path string) (*genai.InlineImage, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, trace.ConvertSystemError(err)
	}
	mimeType := http.DetectContentType(data)
	if !strings.HasPrefix(mimeType, "image/") {
		return nil, trace.BadParameter("%v is not an image (%v)", path, mimeType)
	}
	return &genai.InlineImage{Data: data, MIMEType: mimeType}, nil
}

func writeImages(app *App, dir, prefix string, images ...genai.Image) error {
	id := strings.SplitN(uuid.NewString(), "-", 2)[0]
	for i, image := range images {
		path := filepath.Join(dir, fmt.Sprintf("%v-%v-%d%v", prefix, id, i+1, extension(image.MIMEType)))
		if err := os.WriteFile(path, image.Data, 0o644); err != nil {
			return trace.ConvertSystemError(err)
		}
		app.println(path)
	}
	return nil
}

func extension(mimeType string) string {
	switch mimeType {
	case "image/jpeg":
		return ".jpg"
	case "image/webp":
		return ".webp"
	default:
		return ".png"
	}
}
