package dialect

// ChatRequest is the canonical intermediate form a request is parsed into
// before being rendered for a provider. Every surface parses into this and
// every dialect renders out of it, so translation is parse + render and no
// dialect needs to know about any other.
type ChatRequest struct {
	Model       string
	Messages    []Message
	System      string
	Tools       []ToolDef
	MaxTokens   int
	Temperature *float64
	TopP        *float64
	Stream      bool
	StopWords   []string

	// User is the client-supplied correlation field: metadata.user_id on
	// the Anthropic surface, user on the OpenAI surfaces. Empty when the
	// client sent none.
	User string
}

// Message is one conversation turn.
type Message struct {
	Role    string // "user", "assistant", "system", "tool"
	Content []ContentBlock

	// ToolCallID links a tool role message to the call it answers
	// (OpenAI form). On the Anthropic wire the same link is carried by a
	// tool_result block.
	ToolCallID string
	ToolCalls  []ToolCall
}

// ContentBlock is one piece of message content.
type ContentBlock struct {
	Type string // "text", "tool_use", "tool_result", "image"

	Text string

	// tool_use fields
	ID    string
	Name  string
	Input map[string]interface{}

	// tool_result fields
	ToolUseID string
	Content   string
	IsError   bool
}

// ToolCall is an assistant-initiated function invocation in OpenAI form.
type ToolCall struct {
	ID        string
	Name      string
	Arguments string // raw JSON
}

// ToolDef declares a tool the model may call.
type ToolDef struct {
	Name        string
	Description string
	InputSchema map[string]interface{}
}

// StopReason is the canonical completion cause. Each dialect maps its own
// vocabulary onto this set and back.
type StopReason string

const (
	StopEnd       StopReason = "end"
	StopMaxTokens StopReason = "max_tokens"
	StopToolUse   StopReason = "tool_use"
	StopSequence  StopReason = "stop_sequence"
)

// Usage is the token accounting attached to a response or accumulated over
// a stream. Reasoning counts only appear on dialects that report them.
type Usage struct {
	InputTokens     int
	OutputTokens    int
	ReasoningTokens int
}

// Add accumulates another usage report into u. Upstream streams repeat
// absolute output counts in their final frame, so callers overwrite rather
// than Add for those; Add is for merging independent measurements.
func (u *Usage) Add(v Usage) {
	u.InputTokens += v.InputTokens
	u.OutputTokens += v.OutputTokens
	u.ReasoningTokens += v.ReasoningTokens
}

// ChatResponse is the canonical form of a completed (non-streaming)
// response.
type ChatResponse struct {
	ID         string
	Model      string
	Content    []ContentBlock
	ToolCalls  []ToolCall
	StopReason StopReason
	Usage      Usage
}

// ToolCallSummary aggregates calls to one tool within a single response.
type ToolCallSummary struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

// summarizeToolCalls folds raw calls into per-name counts, preserving first
// appearance order.
func summarizeToolCalls(names []string) []ToolCallSummary {
	if len(names) == 0 {
		return nil
	}
	idx := make(map[string]int, len(names))
	out := make([]ToolCallSummary, 0, len(names))
	for _, n := range names {
		if n == "" {
			n = "unknown"
		}
		if i, ok := idx[n]; ok {
			out[i].Count++
			continue
		}
		idx[n] = len(out)
		out = append(out, ToolCallSummary{Name: n, Count: 1})
	}
	return out
}
