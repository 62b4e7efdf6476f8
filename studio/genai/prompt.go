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

package genai

import (
	"context"
	"fmt"
	"strings"

	"github.com/gravitational/trace"
	log "github.com/sirupsen/logrus"

	"github.com/gravitational/studio-plugins/lib"
	"github.com/gravitational/studio-plugins/studio/common"
)

// Function is the kind of artifact a prompt asks for.
type Function string

const (
	FunctionFree    Function = "free"
	FunctionSticker Function = "sticker"
	FunctionText    Function = "text"
	FunctionComic   Function = "comic"
)

// Style is a visual style appended to free-form prompts.
type Style string

const (
	StyleNone     Style = "none"
	StylePhoto    Style = "photo"
	StyleAnime    Style = "anime"
	StyleCartoon  Style = "cartoon"
	StylePainting Style = "painting"
	StylePixar    Style = "pixar"
)

var styleSuffixes = map[Style]string{
	StylePhoto:    ", photorealistic, hyper-detailed, 8k, professional photography.",
	StyleAnime:    ", in the style of anime, vibrant colors, detailed line art, epic, masterpiece.",
	StyleCartoon:  ", cartoon style, vibrant, playful, cel-shaded, 2d animation style.",
	StylePainting: ", impressionist painting, oil on canvas, visible brushstrokes, masterpiece, artistic.",
	StylePixar:    ", Pixar animation style, 3D render, vibrant colors, detailed characters, cinematic lighting.",
}

// ParseFunction parses a function name. The empty string means FunctionFree.
func ParseFunction(name string) (Function, error) {
	switch fn := Function(strings.ToLower(name)); fn {
	case "":
		return FunctionFree, nil
	case FunctionFree, FunctionSticker, FunctionText, FunctionComic:
		return fn, nil
	default:
		return "", trace.BadParameter("unknown function %q, expected one of free, sticker, text, comic", name)
	}
}

// ParseStyle parses a style name. The empty string means StyleNone.
func ParseStyle(name string) (Style, error) {
	style := Style(strings.ToLower(name))
	if style == "" || style == StyleNone {
		return StyleNone, nil
	}
	if _, ok := styleSuffixes[style]; !ok {
		return "", trace.BadParameter("unknown style %q, expected one of none, photo, anime, cartoon, painting, pixar", name)
	}
	return style, nil
}

// Augment rewrites a prompt for a function. Styles apply to free-form prompts only.
func Augment(prompt string, fn Function, style Style) string {
	switch fn {
	case FunctionSticker:
		return fmt.Sprintf("A die-cut sticker of %s, high quality, vector style, clean sticker, white background, professional sticker design.", prompt)
	case FunctionText:
		return fmt.Sprintf("A minimalist and professional logo design for %q, vector art, simple, clean lines, on a plain white background.", prompt)
	case FunctionComic:
		return fmt.Sprintf("%s, in a vibrant American comic book art style, with bold outlines, dynamic action, and dot matrix shading.", prompt)
	}
	return prompt + styleSuffixes[style]
}

// Translator translates text to English.
type Translator interface {
	Translate(ctx context.Context, text string) (string, error)
}

// Enhancer prepares user prompts for generation.
type Enhancer struct {
	Translator Translator
	Log        log.FieldLogger
}

// Prepare translates the prompt to English and augments it. A failed translation
// falls back to the original text unless the credential was rejected.
func (e *Enhancer) Prepare(ctx context.Context, prompt string, fn Function, style Style) (string, error) {
	logger := e.Log
	if logger == nil {
		logger = log.StandardLogger()
	}
	translated := prompt
	if e.Translator != nil {
		var err error
		translated, err = common.BestEffort(logger, "translate", func() (string, error) {
			return e.Translator.Translate(ctx, prompt)
		}, prompt, translationCritical)
		if err != nil {
			return "", trace.Wrap(err)
		}
	}
	return Augment(translated, fn, style), nil
}

func translationCritical(err error) bool {
	return common.IsAuth(err) || lib.IsCanceled(err)
}
