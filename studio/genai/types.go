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
	"github.com/go-playground/validator/v10"

	"github.com/gravitational/studio-plugins/studio/common"
)

// InlineImage is an image sent along with a request.
type InlineImage struct {
	Data     []byte `validate:"required"`
	MIMEType string `validate:"required,startswith=image/"`
}

// VideoRequest describes a video generation job.
type VideoRequest struct {
	Prompt      string       `validate:"required,max=4000"`
	Image       *InlineImage `validate:"omitempty"`
	Resolution  string       `validate:"required,oneof=720p 1080p"`
	AspectRatio string       `validate:"required,oneof=16:9 9:16"`
}

// ImageRequest describes a synchronous image generation.
type ImageRequest struct {
	Prompt         string `validate:"required,max=4000"`
	NumberOfImages int    `validate:"min=1,max=4"`
	AspectRatio    string `validate:"required,oneof=1:1 16:9 9:16 4:3 3:4"`
}

// EditRequest describes an image edit. An empty AspectRatio keeps the original canvas.
type EditRequest struct {
	Prompt      string         `validate:"required,max=4000"`
	Images      []*InlineImage `validate:"required,min=1,dive,required"`
	AspectRatio string         `validate:"omitempty,oneof=1:1 16:9 9:16 4:3 3:4"`
}

// TryOnRequest combines a photo of a person with a photo of a garment.
type TryOnRequest struct {
	Person      InlineImage
	Garment     InlineImage
	Style       string `validate:"max=1000"`
	AspectRatio string `validate:"required,oneof=1:1 16:9 9:16 4:3 3:4"`
}

// PoseRequest asks for a pose variant of a generated image.
type PoseRequest struct {
	Image       InlineImage
	AspectRatio string `validate:"required,oneof=1:1 16:9 9:16 4:3 3:4"`
}

// Image is a generated image.
type Image struct {
	Data     []byte
	MIMEType string
}

// Operation is the provider view of a long-running job.
type Operation struct {
	Name string
	Done bool
	// URI references the artifact once Done without Error.
	URI string
	// Error is the failure reported by the provider for a finished operation.
	Error *ProviderError
}

// ProviderError is an error body returned by the provider.
type ProviderError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status"`
}

func (e *ProviderError) Error() string {
	if e.Status != "" {
		return e.Status + ": " + e.Message
	}
	return e.Message
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// validateRequest turns validation failures into a SubmissionError.
func validateRequest(req interface{}) error {
	err := validate.Struct(req)
	if err == nil {
		return nil
	}
	if verrs, ok := err.(validator.ValidationErrors); ok && len(verrs) > 0 {
		return &common.SubmissionError{Message: describe(verrs[0]), Err: err}
	}
	return &common.SubmissionError{Message: err.Error(), Err: err}
}

func describe(fe validator.FieldError) string {
	field := fe.Namespace()
	switch fe.Tag() {
	case "required":
		return field + " is required"
	case "oneof":
		return field + " must be one of: " + fe.Param()
	case "max":
		return field + " is too long"
	case "min":
		return field + " must be at least " + fe.Param()
	case "startswith":
		return field + " must start with " + fe.Param()
	default:
		return field + " is invalid"
	}
}
