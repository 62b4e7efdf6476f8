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
	"fmt"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gravitational/studio-plugins/studio/common"
)

func TestGenerateImages(t *testing.T) {
	ctx := testContext(t)
	client, fake := newTestClient(t)
	fake.SetImage([]byte("png bytes"))

	images, err := client.GenerateImages(ctx, ImageRequest{Prompt: "a red bicycle", NumberOfImages: 2, AspectRatio: "4:3"})
	require.NoError(t, err)
	require.Len(t, images, 2)
	for _, image := range images {
		assert.Equal(t, Image{Data: []byte("png bytes"), MIMEType: "image/png"}, image)
	}

	requests := fake.Requests()
	require.Len(t, requests, 1)
	assert.Equal(t, DefaultImageModel, requests[0].Model)
	assert.Equal(t, "predict", requests[0].Method)
	expected := map[string]interface{}{
		"instances": []interface{}{map[string]interface{}{"prompt": "a red bicycle"}},
		"parameters": map[string]interface{}{
			"sampleCount":   float64(2),
			"aspectRatio":   "4:3",
			"outputOptions": map[string]interface{}{"mimeType": "image/png"},
		},
	}
	if diff := cmp.Diff(expected, requests[0].Body); diff != "" {
		t.Errorf("unexpected request body (-want +got):\n%s", diff)
	}
}

func TestGenerateImagesValidation(t *testing.T) {
	client, fake := newTestClient(t)

	for _, req := range []ImageRequest{
		{Prompt: "", AspectRatio: "1:1"},
		{Prompt: "a cat", NumberOfImages: 5, AspectRatio: "1:1"},
		{Prompt: "a cat", AspectRatio: "2:1"},
	} {
		_, err := client.GenerateImages(testContext(t), req)
		var submissionErr *common.SubmissionError
		require.ErrorAs(t, err, &submissionErr, "request %+v", req)
	}
	assert.Empty(t, fake.Requests(), "invalid requests are never sent")
}

func TestEditImage(t *testing.T) {
	ctx := testContext(t)
	client, fake := newTestClient(t)
	fake.SetImage([]byte("edited"))

	image, err := client.EditImage(ctx, EditRequest{
		Prompt:      "add a hat",
		Images:      []*InlineImage{{Data: []byte("original"), MIMEType: "image/jpeg"}},
		AspectRatio: "16:9",
	})
	require.NoError(t, err)
	assert.Equal(t, &Image{Data: []byte("edited"), MIMEType: "image/png"}, image)

	requests := fake.Requests()
	require.Len(t, requests, 1)
	assert.Equal(t, DefaultEditModel, requests[0].Model)
	assert.Equal(t, "generateContent", requests[0].Method)

	contents := requests[0].Body["contents"].([]interface{})
	parts := contents[0].(map[string]interface{})["parts"].([]interface{})
	require.Len(t, parts, 2)
	assert.Equal(t, map[string]interface{}{
		"inlineData": map[string]interface{}{"mimeType": "image/jpeg", "data": "b3JpZ2luYWw="},
	}, parts[0])
	text := parts[1].(map[string]interface{})["text"].(string)
	assert.Contains(t, text, "16:9 (widescreen landscape)")
	assert.Contains(t, text, `"add a hat"`)
	assert.Equal(t, map[string]interface{}{"responseModalities": []interface{}{"IMAGE"}}, requests[0].Body["generationConfig"])
}

func TestEditPrompt(t *testing.T) {
	assert.Equal(t, "make it blue", editPrompt("make it blue", ""))
	assert.Contains(t, editPrompt("make it blue", "3:4"), "exactly 3:4 (portrait)")
	assert.Contains(t, editPrompt("make it blue", "1:1"), "Do NOT crop")
}

func TestUpscale(t *testing.T) {
	ctx := testContext(t)
	client, fake := newTestClient(t)

	_, err := client.Upscale(ctx, InlineImage{Data: []byte("small"), MIMEType: "image/png"})
	require.NoError(t, err)
	requests := fake.Requests()
	require.Len(t, requests, 1)
	assert.Equal(t, upscalePrompt, lastTextPart(t, requests[0].Body))

	_, err = client.Upscale(ctx, InlineImage{Data: []byte("small"), MIMEType: "text/plain"})
	var submissionErr *common.SubmissionError
	require.ErrorAs(t, err, &submissionErr)
}

func TestTryOn(t *testing.T) {
	ctx := testContext(t)
	client, fake := newTestClient(t)
	fake.SetImage([]byte("dressed"))

	image, err := client.TryOn(ctx, TryOnRequest{
		Person:      InlineImage{Data: []byte("person"), MIMEType: "image/jpeg"},
		Garment:     InlineImage{Data: []byte("jacket"), MIMEType: "image/png"},
		Style:       "golden hour light",
		AspectRatio: "3:4",
	})
	require.NoError(t, err)
	assert.Equal(t, &Image{Data: []byte("dressed"), MIMEType: "image/png"}, image)

	requests := fake.Requests()
	require.Len(t, requests, 1)
	assert.Equal(t, DefaultEditModel, requests[0].Model)
	contents := requests[0].Body["contents"].([]interface{})
	parts := contents[0].(map[string]interface{})["parts"].([]interface{})
	require.Len(t, parts, 3)
	assert.Equal(t, map[string]interface{}{
		"inlineData": map[string]interface{}{"mimeType": "image/png", "data": "amFja2V0"},
	}, parts[1])
	text := lastTextPart(t, requests[0].Body)
	assert.Contains(t, text, "Aspect ratio: 3:4.")
	assert.True(t, strings.HasSuffix(text, " Style: golden hour light"), text)

	for _, req := range []TryOnRequest{
		{Person: InlineImage{Data: []byte("person"), MIMEType: "image/jpeg"}, AspectRatio: "3:4"},
		{
			Person:      InlineImage{Data: []byte("person"), MIMEType: "image/jpeg"},
			Garment:     InlineImage{Data: []byte("jacket"), MIMEType: "image/png"},
			AspectRatio: "5:4",
		},
	} {
		_, err := client.TryOn(ctx, req)
		var submissionErr *common.SubmissionError
		require.ErrorAs(t, err, &submissionErr)
	}
	assert.Len(t, fake.Requests(), 1, "invalid requests are never sent")
}

func TestPose(t *testing.T) {
	ctx := testContext(t)
	client, fake := newTestClient(t)

	image, err := client.Pose(ctx, PoseRequest{Image: InlineImage{Data: []byte("look"), MIMEType: "image/png"}, AspectRatio: "1:1"})
	require.NoError(t, err)
	assert.Equal(t, "image/png", image.MIMEType)

	requests := fake.Requests()
	require.Len(t, requests, 1)
	assert.Equal(t, fmt.Sprintf(posePrompt, "1:1"), lastTextPart(t, requests[0].Body))
	assert.Equal(t, map[string]interface{}{"responseModalities": []interface{}{"IMAGE"}}, requests[0].Body["generationConfig"])

	fake.SetImage(nil)
	_, err = client.Pose(ctx, PoseRequest{Image: InlineImage{Data: []byte("look"), MIMEType: "image/png"}, AspectRatio: "1:1"})
	var submissionErr *common.SubmissionError
	require.ErrorAs(t, err, &submissionErr, "an answer without an image is rejected")
}

func TestTranslate(t *testing.T) {
	ctx := testContext(t)
	client, fake := newTestClient(t)
	fake.SetTranslation("pôr do sol sobre montanhas", "sunset over mountains")

	translated, err := client.Translate(ctx, "pôr do sol sobre montanhas")
	require.NoError(t, err)
	assert.Equal(t, "sunset over mountains", translated)

	requests := fake.Requests()
	require.Len(t, requests, 1)
	assert.Equal(t, DefaultTextModel, requests[0].Model)
	assert.Equal(t, map[string]interface{}{
		"parts": []interface{}{map[string]interface{}{"text": translatePrompt}},
	}, requests[0].Body["systemInstruction"])

	blank, err := client.Translate(ctx, "   ")
	require.NoError(t, err)
	assert.Equal(t, "   ", blank)
	assert.Len(t, fake.Requests(), 1, "blank text is not sent")
}

func lastTextPart(t *testing.T, body map[string]interface{}) string {
	t.Helper()
	contents := body["contents"].([]interface{})
	parts := contents[len(contents)-1].(map[string]interface{})["parts"].([]interface{})
	return parts[len(parts)-1].(map[string]interface{})["text"].(string)
}
