package dialect

import (
	"fmt"
	"strings"
)

// Dialect identifies one of the supported upstream wire formats. It is a
// closed set: adding a dialect means adding a constant here plus the
// translation arms for every pair it participates in.
type Dialect uint8

const (
	Unknown Dialect = iota
	Anthropic
	OpenAI
)

// String returns the lowercase name used in config files and logs.
func (d Dialect) String() string {
	switch d {
	case Anthropic:
		return "anthropic"
	case OpenAI:
		return "openai"
	default:
		return "unknown"
	}
}

// FromKind parses a provider kind string from config into a Dialect.
func FromKind(kind string) (Dialect, error) {
	switch strings.ToLower(kind) {
	case "anthropic":
		return Anthropic, nil
	case "openai":
		return OpenAI, nil
	default:
		return Unknown, fmt.Errorf("unknown dialect kind %q", kind)
	}
}

// Surface identifies the HTTP entry point a client used. Two surfaces can
// share a dialect (chat completions and responses are both OpenAI-style) but
// differ in body and streaming envelope shape.
type Surface uint8

const (
	SurfaceUnknown Surface = iota
	SurfaceMessages        // POST /v1/messages
	SurfaceChatCompletions // POST /v1/chat/completions
	SurfaceResponses       // POST /v1/responses
)

// SurfaceFromPath inspects the request path and returns the entry surface.
func SurfaceFromPath(path string) Surface {
	switch {
	case strings.HasPrefix(path, "/v1/messages"):
		return SurfaceMessages
	case strings.HasPrefix(path, "/v1/chat/completions"):
		return SurfaceChatCompletions
	case strings.HasPrefix(path, "/v1/responses"):
		return SurfaceResponses
	default:
		return SurfaceUnknown
	}
}

// Dialect returns the wire dialect a surface speaks.
func (s Surface) Dialect() Dialect {
	switch s {
	case SurfaceMessages:
		return Anthropic
	case SurfaceChatCompletions, SurfaceResponses:
		return OpenAI
	default:
		return Unknown
	}
}

// Path returns the upstream request path for this surface.
func (s Surface) Path() string {
	switch s {
	case SurfaceMessages:
		return "/v1/messages"
	case SurfaceChatCompletions:
		return "/v1/chat/completions"
	case SurfaceResponses:
		return "/v1/responses"
	default:
		return ""
	}
}

// String returns a short name for logging.
func (s Surface) String() string {
	switch s {
	case SurfaceMessages:
		return "messages"
	case SurfaceChatCompletions:
		return "chat_completions"
	case SurfaceResponses:
		return "responses"
	default:
		return "unknown"
	}
}

// NativeSurface returns the canonical entry surface for a dialect, used when
// a translated request is forwarded to a provider of that dialect.
func (d Dialect) NativeSurface() Surface {
	switch d {
	case Anthropic:
		return SurfaceMessages
	case OpenAI:
		return SurfaceChatCompletions
	default:
		return SurfaceUnknown
	}
}
