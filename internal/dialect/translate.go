package dialect

import "fmt"

// ParseRequest decodes a request body from the given entry surface into the
// canonical form.
func ParseRequest(body []byte, s Surface) (*ChatRequest, error) {
	switch s {
	case SurfaceMessages:
		return parseAnthropicRequest(body)
	case SurfaceChatCompletions:
		return parseOpenAIRequest(body)
	case SurfaceResponses:
		return parseResponsesRequest(body)
	default:
		return nil, fmt.Errorf("no parser for surface %s", s)
	}
}

// RenderRequest encodes a canonical request for a provider of the given
// dialect. Translated requests always use the dialect's native surface, so
// OpenAI providers receive Chat Completions bodies.
func RenderRequest(req *ChatRequest, to Dialect) ([]byte, error) {
	switch to {
	case Anthropic:
		return renderAnthropicRequest(req)
	case OpenAI:
		return renderOpenAIRequest(req)
	default:
		return nil, fmt.Errorf("no renderer for dialect %s", to)
	}
}

// ParseResponse decodes a provider response body into the canonical form.
func ParseResponse(body []byte, from Dialect) (*ChatResponse, error) {
	switch from {
	case Anthropic:
		return parseAnthropicResponse(body)
	case OpenAI:
		return parseOpenAIResponse(body)
	default:
		return nil, fmt.Errorf("no parser for dialect %s", from)
	}
}

// RenderResponse encodes a canonical response in the shape the client's
// entry surface expects. created is the unix timestamp stamped on surfaces
// that carry one.
func RenderResponse(resp *ChatResponse, to Surface, created int64) ([]byte, error) {
	switch to {
	case SurfaceMessages:
		return renderAnthropicResponse(resp)
	case SurfaceChatCompletions:
		return renderOpenAIResponse(resp, created)
	case SurfaceResponses:
		return renderResponsesResponse(resp, created)
	default:
		return nil, fmt.Errorf("no renderer for surface %s", to)
	}
}

// TranslateResponse converts a completed provider response body into the
// client surface's shape. Callers skip this when the provider dialect
// matches the surface dialect; bodies pass through untouched in that case.
func TranslateResponse(body []byte, from Dialect, to Surface, created int64) ([]byte, error) {
	resp, err := ParseResponse(body, from)
	if err != nil {
		return nil, err
	}
	return RenderResponse(resp, to, created)
}
