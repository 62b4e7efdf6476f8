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
	"strings"
	"sync"

	"github.com/gravitational/trace"
	"github.com/tidwall/gjson"

	"github.com/gravitational/studio-plugins/studio/common"
)

const (
	// DefaultChatInstruction is the system instruction of the studio assistant.
	DefaultChatInstruction = "You are the creative assistant of an AI image and video studio. " +
		"Help users turn ideas into vivid prompts for images and videos, and suggest styles, framing and lighting. " +
		"Answer in the language of the user and keep replies under 50 words."

	styleSuggestionsPrompt = "Analyze the person in the first image and the garment in the second. " +
		"Suggest 3 lighting or photographic finishing styles that would flatter the look. Keep it concise."

	roleUser  = "user"
	roleModel = "model"
)

// ChatMessage is one turn of a chat.
type ChatMessage struct {
	Role string
	Text string
}

// Chat is a conversation with the text model. The history is kept locally and sent
// with every message.
type Chat struct {
	client      *Client
	instruction string

	mu      sync.Mutex
	history []content
}

// NewChat starts a conversation steered by a system instruction. An empty
// instruction sends none.
func (c *Client) NewChat(instruction string) *Chat {
	return &Chat{client: c, instruction: instruction}
}

// Send sends a message and returns the reply. Messages are sent one at a time and a
// failed exchange leaves the history untouched.
func (ch *Chat) Send(ctx context.Context, message string) (string, error) {
	message = strings.TrimSpace(message)
	if message == "" {
		return "", trace.Wrap(&common.SubmissionError{Message: "message is required"})
	}

	ch.mu.Lock()
	defer ch.mu.Unlock()

	contents := make([]content, 0, len(ch.history)+1)
	contents = append(contents, ch.history...)
	contents = append(contents, content{Role: roleUser, Parts: []part{{Text: message}}})
	req := generateContentRequest{Contents: contents}
	if ch.instruction != "" {
		req.SystemInstruction = &content{Parts: []part{{Text: ch.instruction}}}
	}

	reply, err := ch.client.textContent(ctx, req)
	if err != nil {
		return "", trace.Wrap(err)
	}
	if reply == "" {
		return "", trace.Wrap(&common.TransientError{Message: "the assistant returned an empty reply"})
	}
	ch.history = append(contents, content{Role: roleModel, Parts: []part{{Text: reply}}})
	return reply, nil
}

// History returns the exchanged messages in order.
func (ch *Chat) History() []ChatMessage {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	messages := make([]ChatMessage, 0, len(ch.history))
	for _, turn := range ch.history {
		messages = append(messages, ChatMessage{Role: turn.Role, Text: turn.Parts[0].Text})
	}
	return messages
}

// SuggestStyles suggests photographic styles for a person wearing a garment.
func (c *Client) SuggestStyles(ctx context.Context, person, garment InlineImage) (string, error) {
	if err := validateRequest(TryOnRequest{Person: person, Garment: garment, AspectRatio: "1:1"}); err != nil {
		return "", trace.Wrap(err)
	}
	parts := append(inlineParts([]*InlineImage{&person, &garment}), part{Text: styleSuggestionsPrompt})
	suggestions, err := c.textContent(ctx, generateContentRequest{
		Contents: []content{{Role: roleUser, Parts: parts}},
	})
	if err != nil {
		return "", trace.Wrap(err)
	}
	if suggestions == "" {
		return "", trace.Wrap(&common.TransientError{Message: "no style suggestions were returned"})
	}
	return suggestions, nil
}

// textContent sends a generateContent call to the text model and joins the text parts of the answer.
func (c *Client) textContent(ctx context.Context, req generateContentRequest) (string, error) {
	resp, err := c.post(ctx, c.conf.TextModel, "generateContent", req)
	if err != nil {
		return "", trace.Wrap(fail(err, true))
	}
	var texts []string
	for _, p := range gjson.GetBytes(resp.Body(), "candidates.0.content.parts").Array() {
		if text := p.Get("text"); text.Exists() {
			texts = append(texts, text.String())
		}
	}
	return strings.TrimSpace(strings.Join(texts, "")), nil
}
