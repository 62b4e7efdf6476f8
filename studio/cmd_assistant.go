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
	"errors"
	"strings"

	"github.com/gravitational/trace"
	"github.com/manifoldco/promptui"

	"github.com/gravitational/studio-plugins/studio/genai"
)

// ChatCmd talks to the studio assistant
type ChatCmd struct {
	Messages    []string `help:"Message to send, repeat for a conversation. Starts an interactive chat when omitted" name:"message" short:"m"`
	Instruction string   `help:"System instruction of the assistant" default:"${chat_instruction}"`
}

func (c *ChatCmd) Run(app *App) error {
	client, err := app.GenAI()
	if err != nil {
		return trace.Wrap(err)
	}
	chat := client.NewChat(c.Instruction)

	if len(c.Messages) > 0 {
		for _, message := range c.Messages {
			reply, err := chat.Send(app.Context(), message)
			if err != nil {
				return trace.Wrap(err)
			}
			app.println(reply)
		}
		return nil
	}

	prompt := promptui.Prompt{Label: "You"}
	for {
		message, err := prompt.Run()
		if errors.Is(err, promptui.ErrInterrupt) || errors.Is(err, promptui.ErrEOF) {
			return nil
		}
		if err != nil {
			return trace.Wrap(err)
		}
		message = strings.TrimSpace(message)
		if message == "" || message == "exit" {
			return nil
		}
		reply, err := chat.Send(app.Context(), message)
		if err != nil {
			return trace.Wrap(err)
		}
		app.println(reply)
	}
}

// TryOnCmd dresses a person with a garment
type TryOnCmd struct {
	Person      string `help:"Photo of the person" type:"existingfile" required:"true"`
	Garment     string `help:"Photo of the garment" type:"existingfile" required:"true"`
	Style       string `help:"Finishing style, for example lighting or film look"`
	AspectRatio string `help:"Aspect ratio of the result" enum:"1:1,3:4" default:"3:4"`
	Suggest     bool   `help:"Print style suggestions for the pair instead of generating"`
	Pose        bool   `help:"Also generate the result in a different pose"`
	Out         string `help:"Output directory" type:"existingdir" default:"."`
}

func (c *TryOnCmd) Run(app *App) error {
	person, err := readImage(c.Person)
	if err != nil {
		return trace.Wrap(err)
	}
	garment, err := readImage(c.Garment)
	if err != nil {
		return trace.Wrap(err)
	}
	client, err := app.GenAI()
	if err != nil {
		return trace.Wrap(err)
	}

	if c.Suggest {
		suggestions, err := client.SuggestStyles(app.Context(), *person, *garment)
		if err != nil {
			return trace.Wrap(err)
		}
		app.println(suggestions)
		return nil
	}

	look, err := client.TryOn(app.Context(), genai.TryOnRequest{
		Person:      *person,
		Garment:     *garment,
		Style:       c.Style,
		AspectRatio: c.AspectRatio,
	})
	if err != nil {
		return trace.Wrap(err)
	}
	if err := writeImages(app, c.Out, "tryon", *look); err != nil {
		return trace.Wrap(err)
	}
	if !c.Pose {
		return nil
	}

	posed, err := client.Pose(app.Context(), genai.PoseRequest{
		Image:       genai.InlineImage{Data: look.Data, MIMEType: look.MIMEType},
		AspectRatio: c.AspectRatio,
	})
	if err != nil {
		return trace.Wrap(err)
	}
	return trace.Wrap(writeImages(app, c.Out, "pose", *posed))
}
