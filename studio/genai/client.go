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
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/gravitational/trace"
	jsoniter "github.com/json-iterator/go"
	"github.com/tidwall/gjson"
	"golang.org/x/oauth2"

	"github.com/gravitational/studio-plugins/lib"
	"github.com/gravitational/studio-plugins/studio/common"
)

const (
	// DefaultURL is the generation API address.
	DefaultURL = "generativelanguage.googleapis.com"

	DefaultVideoModel = "veo-3.1-fast-generate-preview"
	DefaultImageModel = "imagen-4.0-generate-001"
	DefaultEditModel  = "gemini-2.5-flash-image"
	DefaultTextModel  = "gemini-3-flash-preview"

	// DefaultMaxArtifactBytes limits the size of a downloaded artifact.
	DefaultMaxArtifactBytes = 512 << 20

	apiVersion      = "/v1beta"
	apiHTTPTimeout  = 2 * time.Minute
	apiMaxConns     = 100
	apiKeyHeader    = "x-goog-api-key"
	apiKeyParam     = "key"
	pngMIMEType     = "image/png"
	translatePrompt = "You are an expert translator. Translate the following text to English. Only return the translated text, without any extra phrases."
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// artifactURIPaths are the response fields that may hold a video URI, in order of preference.
var artifactURIPaths = []string{
	"response.generateVideoResponse.generatedSamples.0.video.uri",
	"response.generatedVideos.0.video.uri",
}

// ClientConfig configures a Client.
type ClientConfig struct {
	API lib.APIConfig
	// TokenSource authenticates requests with a bearer token instead of an API key.
	TokenSource oauth2.TokenSource

	VideoModel string
	ImageModel string
	EditModel  string
	TextModel  string

	MaxArtifactBytes int64
	HTTPClient       *http.Client
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *ClientConfig) CheckAndSetDefaults() error {
	if err := c.API.CheckAndSetDefaults(DefaultURL); err != nil {
		return trace.Wrap(err)
	}
	if c.API.APIKey == "" && c.TokenSource == nil {
		return trace.BadParameter("an API key is required, please set `api_key` or `api_key_file`")
	}
	if c.VideoModel == "" {
		c.VideoModel = DefaultVideoModel
	}
	if c.ImageModel == "" {
		c.ImageModel = DefaultImageModel
	}
	if c.EditModel == "" {
		c.EditModel = DefaultEditModel
	}
	if c.TextModel == "" {
		c.TextModel = DefaultTextModel
	}
	if c.MaxArtifactBytes <= 0 {
		c.MaxArtifactBytes = DefaultMaxArtifactBytes
	}
	return nil
}

// Client is a wrapper around resty.Client talking to the generation API.
type Client struct {
	client *resty.Client
	conf   ClientConfig
}

// apiError is a non-successful API response.
type apiError struct {
	StatusCode int
	Body       *ProviderError
}

type errorResult struct {
	Error *ProviderError `json:"error"`
}

func (e *apiError) Error() string {
	if e.Body != nil && e.Body.Message != "" {
		return fmt.Sprintf("http error code=%v, status=%v, message=%v", e.StatusCode, e.Body.Status, e.Body.Message)
	}
	return fmt.Sprintf("http error code=%v", e.StatusCode)
}

func (e *apiError) status() string {
	if e.Body == nil {
		return ""
	}
	return e.Body.Status
}

func (e *apiError) message() string {
	if e.Body != nil && e.Body.Message != "" {
		return e.Body.Message
	}
	return http.StatusText(e.StatusCode)
}

// NewClient builds a generation API client.
func NewClient(conf ClientConfig) (*Client, error) {
	if err := conf.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}

	httpClient := conf.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout: apiHTTPTimeout,
			Transport: &http.Transport{
				MaxConnsPerHost:     apiMaxConns,
				MaxIdleConnsPerHost: apiMaxConns,
			},
		}
	}
	if conf.TokenSource != nil {
		authorized := *httpClient
		authorized.Transport = &oauth2.Transport{Source: conf.TokenSource, Base: httpClient.Transport}
		httpClient = &authorized
	}

	client := resty.NewWithClient(httpClient)
	client.SetBaseURL(conf.API.URL + apiVersion)
	client.SetHeader("Content-Type", "application/json")
	client.SetJSONMarshaler(json.Marshal)
	client.SetJSONUnmarshaler(json.Unmarshal)
	if conf.TokenSource == nil {
		client.SetHeader(apiKeyHeader, conf.API.APIKey)
	}
	client.OnBeforeRequest(func(_ *resty.Client, req *resty.Request) error {
		req.SetError(&errorResult{})
		return nil
	})
	client.OnAfterResponse(func(_ *resty.Client, resp *resty.Response) error {
		if !resp.IsError() {
			return nil
		}
		result := &apiError{StatusCode: resp.StatusCode()}
		if body, ok := resp.Error().(*errorResult); ok && body != nil {
			result.Body = body.Error
		}
		return trace.Wrap(result)
	})
	return &Client{client: client, conf: conf}, nil
}

// fail classifies a failed call. Rejections of a request are SubmissionErrors when
// submission is set and TransientErrors otherwise.
func fail(err error, submission bool) error {
	var aerr *apiError
	if !errors.As(err, &aerr) {
		if lib.IsCanceled(err) || lib.IsDeadline(err) {
			return trace.Wrap(err)
		}
		return &common.TransientError{Message: "generation API is unreachable", Err: err}
	}
	if common.IsAuthStatus(aerr.StatusCode, aerr.status()) {
		return &common.AuthError{StatusCode: aerr.StatusCode, Status: aerr.status(), Message: aerr.message()}
	}
	if submission && aerr.StatusCode < http.StatusInternalServerError {
		return &common.SubmissionError{StatusCode: aerr.StatusCode, Message: aerr.message(), Err: aerr}
	}
	return &common.TransientError{StatusCode: aerr.StatusCode, Message: aerr.message(), Err: aerr}
}

type inlineData struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"`
}

type part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *inlineData `json:"inlineData,omitempty"`
}

type content struct {
	Role  string `json:"role,omitempty"`
	Parts []part `json:"parts"`
}

type generateContentRequest struct {
	SystemInstruction *content               `json:"systemInstruction,omitempty"`
	Contents          []content              `json:"contents"`
	GenerationConfig  map[string]interface{} `json:"generationConfig,omitempty"`
}

type predictRequest struct {
	Instances  []map[string]interface{} `json:"instances"`
	Parameters map[string]interface{}   `json:"parameters"`
}

func (c *Client) post(ctx context.Context, model, method string, body interface{}) (*resty.Response, error) {
	resp, err := c.client.R().
		SetContext(ctx).
		SetBody(body).
		Post(fmt.Sprintf("/models/%s:%s", url.PathEscape(model), method))
	return resp, trace.Wrap(err)
}

// SubmitVideo starts a video generation and returns the operation name.
func (c *Client) SubmitVideo(ctx context.Context, req VideoRequest) (string, error) {
	instance := map[string]interface{}{"prompt": req.Prompt}
	if req.Image != nil {
		instance["image"] = map[string]string{
			"bytesBase64Encoded": base64.StdEncoding.EncodeToString(req.Image.Data),
			"mimeType":           req.Image.MIMEType,
		}
	}
	resp, err := c.post(ctx, c.conf.VideoModel, "predictLongRunning", predictRequest{
		Instances: []map[string]interface{}{instance},
		Parameters: map[string]interface{}{
			"sampleCount": 1,
			"resolution":  req.Resolution,
			"aspectRatio": req.AspectRatio,
		},
	})
	if err != nil {
		return "", trace.Wrap(fail(err, true))
	}
	name := gjson.GetBytes(resp.Body(), "name").String()
	if name == "" {
		return "", trace.Wrap(&common.TransientError{Message: "generation API returned no operation name"})
	}
	return name, nil
}

// PollOperation reads the status of an operation.
func (c *Client) PollOperation(ctx context.Context, name string) (*Operation, error) {
	resp, err := c.client.R().
		SetContext(ctx).
		Get("/" + strings.TrimPrefix(name, "/"))
	if err != nil {
		return nil, trace.Wrap(fail(err, false))
	}
	return parseOperation(resp.Body()), nil
}

func parseOperation(body []byte) *Operation {
	result := gjson.ParseBytes(body)
	op := &Operation{
		Name: result.Get("name").String(),
		Done: result.Get("done").Bool(),
	}
	if !op.Done {
		return op
	}
	if errResult := result.Get("error"); errResult.Exists() {
		op.Error = &ProviderError{
			Code:    int(errResult.Get("code").Int()),
			Message: errResult.Get("message").String(),
			Status:  errResult.Get("status").String(),
		}
		return op
	}
	for _, path := range artifactURIPaths {
		if uri := result.Get(path).String(); uri != "" {
			op.URI = uri
			return op
		}
	}
	if reasons := result.Get("response.generateVideoResponse.raiMediaFilteredReasons"); reasons.IsArray() && len(reasons.Array()) > 0 {
		op.Error = &ProviderError{Status: "FILTERED", Message: reasons.Array()[0].String()}
	}
	return op
}

// Download fetches an artifact. With API key auth the key is appended as a query parameter.
func (c *Client) Download(ctx context.Context, uri string) ([]byte, error) {
	target := uri
	if c.conf.TokenSource == nil {
		var err error
		if target, err = lib.WithQueryParam(uri, apiKeyParam, c.conf.API.APIKey); err != nil {
			return nil, trace.Wrap(&common.DownloadError{URI: uri, Err: err})
		}
	}
	resp, err := c.client.R().
		SetContext(ctx).
		SetDoNotParseResponse(true).
		Get(target)
	if err != nil {
		if resp != nil && resp.RawBody() != nil {
			resp.RawBody().Close()
		}
		if lib.IsCanceled(err) || lib.IsDeadline(err) {
			return nil, trace.Wrap(err)
		}
		// Do not leak the key through the transport error.
		var uerr *url.Error
		if errors.As(err, &uerr) {
			uerr.URL = uri
		}
		return nil, trace.Wrap(&common.DownloadError{URI: uri, Err: err})
	}

	// Response hooks are skipped for unparsed responses.
	body := resp.RawBody()
	defer body.Close()
	if resp.IsError() {
		io.Copy(io.Discard, io.LimitReader(body, 64<<10))
		return nil, trace.Wrap(&common.DownloadError{URI: uri, StatusCode: resp.StatusCode()})
	}
	data, err := io.ReadAll(io.LimitReader(body, c.conf.MaxArtifactBytes+1))
	if err != nil {
		return nil, trace.Wrap(&common.DownloadError{URI: uri, StatusCode: resp.StatusCode(), Err: err})
	}
	if int64(len(data)) > c.conf.MaxArtifactBytes {
		return nil, trace.Wrap(&common.DownloadError{
			URI:        uri,
			StatusCode: resp.StatusCode(),
			Err:        trace.LimitExceeded("artifact exceeds %d bytes", c.conf.MaxArtifactBytes),
		})
	}
	return data, nil
}
