package genaitest

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"

	"github.com/julienschmidt/httprouter"
)

// Request is a request received by FakeGenAI.
type Request struct {
	Model  string
	Method string
	Body   map[string]interface{}
}

// FakeGenAI is an in-memory generation API with long-running video operations.
type FakeGenAI struct {
	srv    *httptest.Server
	apiKey string

	mu             sync.Mutex
	counter        int
	requests       []Request
	operations     map[string]*fakeOperation
	pollsUntilDone int
	artifact       []byte
	image          []byte
	translations   map[string]string
	reply          string
	bearerTokens   map[string]bool
	submitError    *fakeError
	pollError      *fakeError
	operationError *fakeError
	downloadStatus int
	downloads      int
}

type fakeOperation struct {
	name  string
	file  string
	polls int
}

type fakeError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status"`
}

// NewFakeGenAI starts a fake server accepting apiKey. Operations finish on their third poll.
func NewFakeGenAI(apiKey string) *FakeGenAI {
	s := &FakeGenAI{
		apiKey:         apiKey,
		operations:     make(map[string]*fakeOperation),
		pollsUntilDone: 3,
		artifact:       []byte("fake mp4 artifact"),
		image:          []byte("fake png image"),
		translations:   make(map[string]string),
		bearerTokens:   make(map[string]bool),
	}
	router := httprouter.New()
	router.POST("/v1beta/models/:model", s.withAuth(s.handleModel))
	router.GET("/v1beta/models/:model/operations/:id", s.withAuth(s.handleOperation))
	router.GET("/v1beta/files/:file", s.handleDownload)
	s.srv = httptest.NewServer(router)
	return s
}

func (s *FakeGenAI) URL() string {
	return s.srv.URL
}

func (s *FakeGenAI) Close() {
	s.srv.Close()
}

// SetPollsUntilDone sets how many polls an operation takes to finish.
func (s *FakeGenAI) SetPollsUntilDone(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pollsUntilDone = n
}

// SetArtifact sets the bytes served for finished operations.
func (s *FakeGenAI) SetArtifact(data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.artifact = data
}

// SetImage sets the image returned by image generation and editing.
func (s *FakeGenAI) SetImage(data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.image = data
}

// SetTranslation makes translation of text return translated.
func (s *FakeGenAI) SetTranslation(text, translated string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.translations[text] = translated
}

// SetReply sets the answer of text requests that are not known translations.
// By default the last text of the request is echoed.
func (s *FakeGenAI) SetReply(reply string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reply = reply
}

// AcceptBearer accepts token in the Authorization header.
func (s *FakeGenAI) AcceptBearer(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bearerTokens[token] = true
}

// FailSubmissions makes model calls answer with an error. A zero code resets it.
func (s *FakeGenAI) FailSubmissions(code int, status, msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.submitError = newFakeError(code, status, msg)
}

// FailPolls makes operation queries answer with an error. A zero code resets it.
func (s *FakeGenAI) FailPolls(code int, status, msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pollError = newFakeError(code, status, msg)
}

// FailOperations makes finished operations report an error. A zero code resets it.
func (s *FakeGenAI) FailOperations(code int, status, msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.operationError = newFakeError(code, status, msg)
}

// SetDownloadStatus makes artifact downloads answer with code. A zero code resets it.
func (s *FakeGenAI) SetDownloadStatus(code int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.downloadStatus = code
}

// Requests returns model calls received so far, in order.
func (s *FakeGenAI) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Request(nil), s.requests...)
}

// Polls returns the number of queries of the operation name.
func (s *FakeGenAI) Polls(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if op, ok := s.operations[name]; ok {
		return op.polls
	}
	return 0
}

func (s *FakeGenAI) Downloads() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.downloads
}

func newFakeError(code int, status, msg string) *fakeError {
	if code == 0 {
		return nil
	}
	return &fakeError{Code: code, Status: status, Message: msg}
}

func (s *FakeGenAI) authorized(r *http.Request) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if key := r.Header.Get("x-goog-api-key"); key != "" {
		return key == s.apiKey
	}
	return s.bearerTokens[strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")]
}

func (s *FakeGenAI) withAuth(handle httprouter.Handle) httprouter.Handle {
	return func(rw http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		if !s.authorized(r) {
			writeError(rw, &fakeError{
				Code:    http.StatusForbidden,
				Status:  "PERMISSION_DENIED",
				Message: "Method doesn't allow unregistered callers. Please use API Key or other form of API consumer identity to call this API.",
			})
			return
		}
		handle(rw, r, ps)
	}
}

func (s *FakeGenAI) handleModel(rw http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	model, method, ok := strings.Cut(ps.ByName("model"), ":")
	if !ok {
		writeError(rw, &fakeError{Code: http.StatusNotFound, Status: "NOT_FOUND", Message: "unknown method"})
		return
	}
	var body map[string]interface{}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(rw, &fakeError{Code: http.StatusBadRequest, Status: "INVALID_ARGUMENT", Message: err.Error()})
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, Request{Model: model, Method: method, Body: body})
	if s.submitError != nil {
		writeError(rw, s.submitError)
		return
	}

	switch method {
	case "predictLongRunning":
		s.counter++
		op := &fakeOperation{
			name: fmt.Sprintf("models/%s/operations/op-%d", model, s.counter),
			file: fmt.Sprintf("video-%d", s.counter),
		}
		s.operations[op.name] = op
		writeJSON(rw, http.StatusOK, map[string]interface{}{"name": op.name})
	case "predict":
		count := 1
		if params, ok := body["parameters"].(map[string]interface{}); ok {
			if n, ok := params["sampleCount"].(float64); ok {
				count = int(n)
			}
		}
		predictions := make([]map[string]string, 0, count)
		for i := 0; i < count; i++ {
			predictions = append(predictions, map[string]string{
				"bytesBase64Encoded": base64.StdEncoding.EncodeToString(s.image),
				"mimeType":           "image/png",
			})
		}
		writeJSON(rw, http.StatusOK, map[string]interface{}{"predictions": predictions})
	case "generateContent":
		var part map[string]interface{}
		if wantsImage(body) {
			part = map[string]interface{}{"inlineData": map[string]string{
				"mimeType": "image/png",
				"data":     base64.StdEncoding.EncodeToString(s.image),
			}}
		} else {
			text := lastText(body)
			reply, ok := s.translations[text]
			switch {
			case ok:
			case s.reply != "":
				reply = s.reply
			default:
				reply = text
			}
			part = map[string]interface{}{"text": reply}
		}
		writeJSON(rw, http.StatusOK, map[string]interface{}{
			"candidates": []interface{}{
				map[string]interface{}{"content": map[string]interface{}{
					"role":  "model",
					"parts": []interface{}{part},
				}},
			},
		})
	default:
		writeError(rw, &fakeError{Code: http.StatusNotFound, Status: "NOT_FOUND", Message: "unknown method " + method})
	}
}

func (s *FakeGenAI) handleOperation(rw http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	name := fmt.Sprintf("models/%s/operations/%s", ps.ByName("model"), ps.ByName("id"))

	s.mu.Lock()
	defer s.mu.Unlock()
	op, ok := s.operations[name]
	if !ok {
		writeError(rw, &fakeError{Code: http.StatusNotFound, Status: "NOT_FOUND", Message: "Requested entity was not found."})
		return
	}
	op.polls++
	if s.pollError != nil {
		writeError(rw, s.pollError)
		return
	}
	if op.polls < s.pollsUntilDone {
		writeJSON(rw, http.StatusOK, map[string]interface{}{"name": name, "done": false})
		return
	}
	if s.operationError != nil {
		writeJSON(rw, http.StatusOK, map[string]interface{}{"name": name, "done": true, "error": s.operationError})
		return
	}
	uri := fmt.Sprintf("%s/v1beta/files/%s:download?alt=media", s.srv.URL, op.file)
	writeJSON(rw, http.StatusOK, map[string]interface{}{
		"name": name,
		"done": true,
		"response": map[string]interface{}{
			"@type": "type.googleapis.com/google.ai.generativelanguage.v1beta.PredictLongRunningResponse",
			"generateVideoResponse": map[string]interface{}{
				"generatedSamples": []interface{}{
					map[string]interface{}{"video": map[string]string{"uri": uri}},
				},
			},
		},
	})
}

func (s *FakeGenAI) handleDownload(rw http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.downloads++
	if r.URL.Query().Get("key") != s.apiKey && !s.bearerTokens[strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")] {
		writeError(rw, &fakeError{Code: http.StatusForbidden, Status: "PERMISSION_DENIED", Message: "invalid key"})
		return
	}
	if s.downloadStatus != 0 {
		rw.WriteHeader(s.downloadStatus)
		return
	}
	rw.Header().Set("Content-Type", "video/mp4")
	rw.WriteHeader(http.StatusOK)
	rw.Write(s.artifact)
}

// wantsImage reports whether a generateContent body asks for an image answer.
func wantsImage(body map[string]interface{}) bool {
	config, _ := body["generationConfig"].(map[string]interface{})
	modalities, _ := config["responseModalities"].([]interface{})
	for _, modality := range modalities {
		if modality == "IMAGE" {
			return true
		}
	}
	return false
}

// lastText returns the last text part of the last content of a generateContent body.
func lastText(body map[string]interface{}) string {
	contents, _ := body["contents"].([]interface{})
	if len(contents) == 0 {
		return ""
	}
	content, _ := contents[len(contents)-1].(map[string]interface{})
	parts, _ := content["parts"].([]interface{})
	text := ""
	for _, p := range parts {
		if part, ok := p.(map[string]interface{}); ok {
			if t, ok := part["text"].(string); ok {
				text = t
			}
		}
	}
	return text
}

func writeError(rw http.ResponseWriter, err *fakeError) {
	writeJSON(rw, err.Code, map[string]interface{}{"error": err})
}

func writeJSON(rw http.ResponseWriter, code int, body interface{}) {
	rw.Header().Add("Content-Type", "application/json")
	rw.WriteHeader(code)
	if err := json.NewEncoder(rw).Encode(body); err != nil {
		panic(err)
	}
}
