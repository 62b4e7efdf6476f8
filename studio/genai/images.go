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
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/gravitational/trace"
	"github.com/tidwall/gjson"

	"github.com/gravitational/studio-plugins/studio/common"
)

const (
	upscalePrompt = "Upscale this image to 4k resolution, enhancing all details, sharpness, and quality."
	tryOnPrompt   = "Generate an image: Take the person from image 1 and dress them with the clothing from image 2. " +
		"The result must be a photorealistic image. Keep the person's face, hair, skin tone, pose and background exactly the same. " +
		"The clothing must fit naturally on the body. Aspect ratio: %s."
	posePrompt = "Generate a new image of the same person wearing the same clothing but in a different natural pose. " +
		"Keep all details. Aspect ratio: %s."
)

var ratioDescriptions = map[string]string{
	"1:1":  "1:1 (square)",
	"16:9": "16:9 (widescreen landscape)",
	"9:16": "9:16 (tall portrait)",
	"4:3":  "4:3 (landscape)",
	"3:4":  "3:4 (portrait)",
}

// GenerateImages generates images synchronously.
func (c *Client) GenerateImages(ctx context.Context, req ImageRequest) ([]Image, error) {
	if req.NumberOfImages == 0 {
		req.NumberOfImages = 1
	}
	if err := validateRequest(req); err != nil {
		return nil, trace.Wrap(err)
	}
	resp, err := c.post(ctx, c.conf.ImageModel, "predict", predictRequest{
		Instances: []map[string]interface{}{{"prompt": req.Prompt}},
		Parameters: map[string]interface{}{
			"sampleCount":   req.NumberOfImages,
			"aspectRatio":   req.AspectRatio,
			"outputOptions": map[string]string{"mimeType": pngMIMEType},
		},
	})
	if err != nil {
		return nil, trace.Wrap(fail(err, true))
	}

	var images []Image
	for _, prediction := range gjson.GetBytes(resp.Body(), "predictions").Array() {
		image, err := decodeImage(prediction.Get("bytesBase64Encoded").String(), prediction.Get("mimeType").String())
		if err != nil {
			return nil, trace.Wrap(err)
		}
		if image != nil {
			images = append(images, *image)
		}
	}
	if len(images) == 0 {
		return nil, trace.Wrap(&common.SubmissionError{Message: "no image was generated for this prompt and style"})
	}
	return images, nil
}

// EditImage applies an edit instruction to one or more images. When an aspect ratio
// is requested the canvas is expanded to it without cropping the original content.
func (c *Client) EditImage(ctx context.Context, req EditRequest) (*Image, error) {
	if err := validateRequest(req); err != nil {
		return nil, trace.Wrap(err)
	}
	image, err := c.imageContent(ctx, req.Images, editPrompt(req.Prompt, req.AspectRatio))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if image == nil {
		return nil, trace.Wrap(&common.SubmissionError{Message: "the edit produced no image, try another description"})
	}
	return image, nil
}

// Upscale asks for a higher resolution version of an image.
func (c *Client) Upscale(ctx context.Context, img InlineImage) (*Image, error) {
	if err := validateRequest(img); err != nil {
		return nil, trace.Wrap(err)
	}
	image, err := c.imageContent(ctx, []*InlineImage{&img}, upscalePrompt)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if image == nil {
		return nil, trace.Wrap(&common.SubmissionError{Message: "upscaling produced no image, the image may be too large or unsupported"})
	}
	return image, nil
}

// Translate translates text to English. Blank text is returned as is.
func (c *Client) Translate(ctx context.Context, text string) (string, error) {
	if strings.TrimSpace(text) == "" {
		return text, nil
	}
	resp, err := c.post(ctx, c.conf.TextModel, "generateContent", generateContentRequest{
		SystemInstruction: &content{Parts: []part{{Text: translatePrompt}}},
		Contents:          []content{{Role: "user", Parts: []part{{Text: text}}}},
		GenerationConfig: map[string]interface{}{
			"thinkingConfig": map[string]int{"thinkingBudget": 0},
		},
	})
	if err != nil {
		return "", trace.Wrap(fail(err, false))
	}
	translated := strings.TrimSpace(gjson.GetBytes(resp.Body(), "candidates.0.content.parts.0.text").String())
	if translated == "" {
		return text, nil
	}
	return translated, nil
}

// TryOn dresses the person of one image with the garment of another.
func (c *Client) TryOn(ctx context.Context, req TryOnRequest) (*Image, error) {
	if err := validateRequest(req); err != nil {
		return nil, trace.Wrap(err)
	}
	prompt := fmt.Sprintf(tryOnPrompt, req.AspectRatio)
	if style := strings.TrimSpace(req.Style); style != "" {
		prompt += " Style: " + style
	}
	image, err := c.imageContent(ctx, []*InlineImage{&req.Person, &req.Garment}, prompt)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if image == nil {
		return nil, trace.Wrap(&common.SubmissionError{Message: "the try-on produced no image, try other photos"})
	}
	return image, nil
}

// Pose generates the same person and clothing in a different pose.
func (c *Client) Pose(ctx context.Context, req PoseRequest) (*Image, error) {
	if err := validateRequest(req); err != nil {
		return nil, trace.Wrap(err)
	}
	image, err := c.imageContent(ctx, []*InlineImage{&req.Image}, fmt.Sprintf(posePrompt, req.AspectRatio))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if image == nil {
		return nil, trace.Wrap(&common.SubmissionError{Message: "no new pose was generated, try again"})
	}
	return image, nil
}

func inlineParts(images []*InlineImage) []part {
	parts := make([]part, 0, len(images)+1)
	for _, img := range images {
		parts = append(parts, part{InlineData: &inlineData{
			MIMEType: img.MIMEType,
			Data:     base64.StdEncoding.EncodeToString(img.Data),
		}})
	}
	return parts
}

func (c *Client) imageContent(ctx context.Context, images []*InlineImage, prompt string) (*Image, error) {
	parts := append(inlineParts(images), part{Text: prompt})

	resp, err := c.post(ctx, c.conf.EditModel, "generateContent", generateContentRequest{
		Contents:         []content{{Role: "user", Parts: parts}},
		GenerationConfig: map[string]interface{}{"responseModalities": []string{"IMAGE"}},
	})
	if err != nil {
		return nil, trace.Wrap(fail(err, true))
	}
	for _, p := range gjson.GetBytes(resp.Body(), "candidates.0.content.parts").Array() {
		if data := p.Get("inlineData"); data.Exists() {
			return decodeImage(data.Get("data").String(), data.Get("mimeType").String())
		}
	}
	return nil, nil
}

func decodeImage(encoded, mimeType string) (*Image, error) {
	if encoded == "" {
		return nil, nil
	}
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, trace.Wrap(&common.TransientError{Message: "generation API returned a malformed image", Err: err})
	}
	if mimeType == "" {
		mimeType = pngMIMEType
	}
	return &Image{Data: data, MIMEType: mimeType}, nil
}

func editPrompt(prompt, aspectRatio string) string {
	if aspectRatio == "" {
		return prompt
	}
	ratio, ok := ratioDescriptions[aspectRatio]
	if !ok {
		ratio = aspectRatio
	}
	return fmt.Sprintf(`SYSTEM INSTRUCTION: You are an expert image editor. Follow these steps precisely.
1.  **Set Canvas:** The final output image MUST have a canvas with an aspect ratio of exactly %s.
2.  **Outpaint/Expand:** If the original image is smaller than this target canvas, you MUST intelligently expand the image.
3.  **Preserve Original:** Do NOT crop or distort the original image content.
4.  **Apply User Edit:** After the canvas is correctly resized, apply the user's edit request: %q`, ratio, prompt)
}
