package testutil

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

// SampleAnthropicRequest returns a valid Anthropic Messages API request body.
func SampleAnthropicRequest() []byte {
	req := map[string]interface{}{
		"model":      "claude-sonnet-4-20250514",
		"max_tokens": 1024,
		"messages": []map[string]interface{}{
			{"role": "user", "content": "Hello, how are you?"},
		},
		"stream": false,
	}
	data, _ := json.Marshal(req)
	return data
}

// SampleAnthropicStreamRequest returns an Anthropic request with streaming
// enabled.
func SampleAnthropicStreamRequest() []byte {
	req := map[string]interface{}{
		"model":      "claude-sonnet-4-20250514",
		"max_tokens": 1024,
		"messages": []map[string]interface{}{
			{"role": "user", "content": "Hello"},
		},
		"stream": true,
	}
	data, _ := json.Marshal(req)
	return data
}

// SampleOpenAIRequest returns a valid OpenAI Chat Completions API request body.
func SampleOpenAIRequest() []byte {
	req := map[string]interface{}{
		"model": "gpt-4o",
		"messages": []map[string]interface{}{
			{"role": "system", "content": "You are a helpful assistant."},
			{"role": "user", "content": "Hello, how are you?"},
		},
		"stream": false,
	}
	data, _ := json.Marshal(req)
	return data
}

// SampleOpenAIStreamRequest returns an OpenAI request with streaming enabled.
func SampleOpenAIStreamRequest() []byte {
	req := map[string]interface{}{
		"model": "gpt-4o",
		"messages": []map[string]interface{}{
			{"role": "user", "content": "Hello"},
		},
		"stream": true,
	}
	data, _ := json.Marshal(req)
	return data
}

// SampleAnthropicResponse returns a valid Anthropic Messages API response body.
func SampleAnthropicResponse() []byte {
	resp := map[string]interface{}{
		"id":    "msg_test123",
		"type":  "message",
		"role":  "assistant",
		"model": "claude-sonnet-4-20250514",
		"content": []map[string]interface{}{
			{"type": "text", "text": "Hello! I'm doing well, thank you for asking."},
		},
		"stop_reason": "end_turn",
		"usage": map[string]interface{}{
			"input_tokens":  15,
			"output_tokens": 12,
		},
	}
	data, _ := json.Marshal(resp)
	return data
}

// SampleOpenAIResponse returns a valid OpenAI Chat Completions API response body.
func SampleOpenAIResponse() []byte {
	resp := map[string]interface{}{
		"id":      "chatcmpl-test123",
		"object":  "chat.completion",
		"created": 1234567890,
		"model":   "gpt-4o",
		"choices": []map[string]interface{}{
			{
				"index": 0,
				"message": map[string]interface{}{
					"role":    "assistant",
					"content": "Hello! I'm doing well, thank you for asking.",
				},
				"finish_reason": "stop",
			},
		},
		"usage": map[string]interface{}{
			"prompt_tokens":     25,
			"completion_tokens": 12,
			"total_tokens":      37,
		},
	}
	data, _ := json.Marshal(resp)
	return data
}

// AnthropicStreamBody is a complete Anthropic SSE stream for one short text
// response, including usage in the message_delta frame.
func AnthropicStreamBody() string {
	frames := []string{
		`event: message_start
data: {"type":"message_start","message":{"id":"msg_s1","type":"message","role":"assistant","model":"claude-sonnet-4-20250514","usage":{"input_tokens":10,"output_tokens":0}}}`,
		`event: content_block_start
data: {"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}`,
		`event: content_block_delta
data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Hello"}}`,
		`event: content_block_delta
data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":" world"}}`,
		`event: content_block_stop
data: {"type":"content_block_stop","index":0}`,
		`event: message_delta
data: {"type":"message_delta","delta":{"stop_reason":"end_turn"},"usage":{"output_tokens":7}}`,
		`event: message_stop
data: {"type":"message_stop"}`,
	}
	return strings.Join(frames, "\n\n") + "\n\n"
}

// OpenAIStreamBody is a complete OpenAI chat.completion.chunk SSE stream with
// a usage-bearing final chunk and the [DONE] terminator.
func OpenAIStreamBody() string {
	frames := []string{
		`data: {"id":"chatcmpl-s1","object":"chat.completion.chunk","created":1234567890,"model":"gpt-4o","choices":[{"index":0,"delta":{"role":"assistant","content":"Hello"},"finish_reason":null}]}`,
		`data: {"id":"chatcmpl-s1","object":"chat.completion.chunk","created":1234567890,"model":"gpt-4o","choices":[{"index":0,"delta":{"content":" world"},"finish_reason":null}]}`,
		`data: {"id":"chatcmpl-s1","object":"chat.completion.chunk","created":1234567890,"model":"gpt-4o","choices":[{"index":0,"delta":{},"finish_reason":"stop"}],"usage":{"prompt_tokens":10,"completion_tokens":7,"total_tokens":17}}`,
		`data: [DONE]`,
	}
	return strings.Join(frames, "\n\n") + "\n\n"
}

// UpstreamStub is a fake provider: it records the last request it saw and
// replies with a fixed body, buffered or as an SSE stream.
type UpstreamStub struct {
	Server *httptest.Server

	LastPath    string
	LastBody    []byte
	LastHeaders http.Header
	Hits        int
}

// NewUpstreamStub starts a stub that answers every POST with status and body.
// If streaming is true the body is written as text/event-stream.
func NewUpstreamStub(t *testing.T, status int, body string, streaming bool) *UpstreamStub {
	t.Helper()
	stub := &UpstreamStub{}
	stub.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		stub.Hits++
		stub.LastPath = r.URL.Path
		stub.LastHeaders = r.Header.Clone()
		reqBody, _ := io.ReadAll(r.Body)
		stub.LastBody = reqBody

		if streaming {
			w.Header().Set("Content-Type", "text/event-stream")
		} else {
			w.Header().Set("Content-Type", "application/json")
		}
		w.WriteHeader(status)
		fmt.Fprint(w, body)
	}))
	t.Cleanup(stub.Server.Close)
	return stub
}

// URL returns the stub's base URL.
func (s *UpstreamStub) URL() string {
	return s.Server.URL
}
