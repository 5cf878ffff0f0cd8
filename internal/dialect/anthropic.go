package dialect

import (
	"fmt"

	json "github.com/goccy/go-json"
)

// Anthropic Messages API wire types. Content and system fields accept both
// plain strings and block arrays on input, so parsing keeps them raw and
// sniffs the first byte.

type anthropicRequest struct {
	Model         string             `json:"model"`
	Messages      []anthropicMessage `json:"messages"`
	System        json.RawMessage    `json:"system,omitempty"`
	Tools         []anthropicTool    `json:"tools,omitempty"`
	MaxTokens     int                `json:"max_tokens"`
	Temperature   *float64           `json:"temperature,omitempty"`
	TopP          *float64           `json:"top_p,omitempty"`
	Stream        bool               `json:"stream,omitempty"`
	StopSequences []string           `json:"stop_sequences,omitempty"`
	Metadata      *anthropicMetadata `json:"metadata,omitempty"`
}

type anthropicMetadata struct {
	UserID string `json:"user_id,omitempty"`
}

type anthropicMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

type anthropicBlock struct {
	Type string `json:"type"`

	Text string `json:"text,omitempty"`

	// tool_use
	ID    string                 `json:"id,omitempty"`
	Name  string                 `json:"name,omitempty"`
	Input map[string]interface{} `json:"input,omitempty"`

	// tool_result
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

type anthropicTool struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description,omitempty"`
	InputSchema map[string]interface{} `json:"input_schema"`
}

type anthropicResponse struct {
	ID           string           `json:"id"`
	Type         string           `json:"type"`
	Role         string           `json:"role"`
	Model        string           `json:"model"`
	Content      []anthropicBlock `json:"content"`
	StopReason   string           `json:"stop_reason"`
	StopSequence *string          `json:"stop_sequence"`
	Usage        anthropicUsage   `json:"usage"`
}

type anthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

const defaultAnthropicMaxTokens = 4096

func parseAnthropicRequest(body []byte) (*ChatRequest, error) {
	var raw anthropicRequest
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("parse anthropic request: %w", err)
	}
	req := &ChatRequest{
		Model:       raw.Model,
		System:      flattenRawText(raw.System),
		MaxTokens:   raw.MaxTokens,
		Temperature: raw.Temperature,
		TopP:        raw.TopP,
		Stream:      raw.Stream,
		StopWords:   raw.StopSequences,
	}
	if raw.Metadata != nil {
		req.User = raw.Metadata.UserID
	}
	for _, t := range raw.Tools {
		req.Tools = append(req.Tools, ToolDef{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: t.InputSchema,
		})
	}
	for i, m := range raw.Messages {
		msg, err := parseAnthropicMessage(m)
		if err != nil {
			return nil, fmt.Errorf("message %d: %w", i, err)
		}
		req.Messages = append(req.Messages, msg)
	}
	return req, nil
}

func parseAnthropicMessage(m anthropicMessage) (Message, error) {
	msg := Message{Role: m.Role}
	blocks, err := parseRawContent(m.Content)
	if err != nil {
		return msg, err
	}
	for _, b := range blocks {
		switch b.Type {
		case "text":
			msg.Content = append(msg.Content, ContentBlock{Type: "text", Text: b.Text})
		case "tool_use":
			msg.Content = append(msg.Content, ContentBlock{
				Type:  "tool_use",
				ID:    b.ID,
				Name:  b.Name,
				Input: b.Input,
			})
		case "tool_result":
			msg.Content = append(msg.Content, ContentBlock{
				Type:      "tool_result",
				ToolUseID: b.ToolUseID,
				Content:   flattenRawText(b.Content),
				IsError:   b.IsError,
			})
		default:
			// Unknown block kinds pass through as text so nothing is
			// silently dropped.
			msg.Content = append(msg.Content, ContentBlock{Type: "text", Text: b.Text})
		}
	}
	return msg, nil
}

// parseRawContent accepts either a bare string or an array of blocks.
func parseRawContent(raw json.RawMessage) ([]anthropicBlock, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	switch raw[0] {
	case '"':
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, err
		}
		return []anthropicBlock{{Type: "text", Text: s}}, nil
	case '[':
		var blocks []anthropicBlock
		if err := json.Unmarshal(raw, &blocks); err != nil {
			return nil, err
		}
		return blocks, nil
	default:
		return nil, fmt.Errorf("content must be a string or block array")
	}
}

// flattenRawText reduces a string-or-block-array field to plain text,
// joining text blocks with newlines. Non-text blocks are skipped.
func flattenRawText(raw json.RawMessage) string {
	blocks, err := parseRawContent(raw)
	if err != nil {
		return ""
	}
	var out string
	for _, b := range blocks {
		if b.Type != "text" || b.Text == "" {
			continue
		}
		if out != "" {
			out += "\n"
		}
		out += b.Text
	}
	return out
}

// renderAnthropicRequest produces an Anthropic Messages body from the
// canonical form. Tool call and tool result turns arriving in OpenAI shape
// are folded back into content blocks.
func renderAnthropicRequest(req *ChatRequest) ([]byte, error) {
	out := anthropicRequest{
		Model:         req.Model,
		MaxTokens:     req.MaxTokens,
		Temperature:   req.Temperature,
		TopP:          req.TopP,
		Stream:        req.Stream,
		StopSequences: req.StopWords,
	}
	if out.MaxTokens == 0 {
		out.MaxTokens = defaultAnthropicMaxTokens
	}
	if req.System != "" {
		sys, err := json.Marshal(req.System)
		if err != nil {
			return nil, err
		}
		out.System = sys
	}
	if req.User != "" {
		out.Metadata = &anthropicMetadata{UserID: req.User}
	}
	for _, t := range req.Tools {
		schema := t.InputSchema
		if schema == nil {
			schema = map[string]interface{}{"type": "object"}
		}
		out.Tools = append(out.Tools, anthropicTool{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: schema,
		})
	}
	for _, m := range req.Messages {
		if m.Role == "system" {
			// Anthropic carries system text in the top-level field.
			continue
		}
		wire, err := renderAnthropicMessage(m)
		if err != nil {
			return nil, err
		}
		out.Messages = append(out.Messages, wire)
	}
	return json.Marshal(out)
}

func renderAnthropicMessage(m Message) (anthropicMessage, error) {
	role := m.Role
	var blocks []anthropicBlock

	if role == "tool" {
		// OpenAI tool responses become user messages carrying a
		// tool_result block.
		role = "user"
		blocks = append(blocks, anthropicBlock{
			Type:      "tool_result",
			ToolUseID: m.ToolCallID,
			Content:   mustRawString(joinText(m.Content)),
		})
		return anthropicMessage{Role: role, Content: mustMarshalRaw(blocks)}, nil
	}

	for _, b := range m.Content {
		switch b.Type {
		case "text":
			blocks = append(blocks, anthropicBlock{Type: "text", Text: b.Text})
		case "tool_use":
			blocks = append(blocks, anthropicBlock{
				Type:  "tool_use",
				ID:    b.ID,
				Name:  b.Name,
				Input: b.Input,
			})
		case "tool_result":
			blocks = append(blocks, anthropicBlock{
				Type:      "tool_result",
				ToolUseID: b.ToolUseID,
				Content:   mustRawString(b.Content),
				IsError:   b.IsError,
			})
		}
	}
	for _, tc := range m.ToolCalls {
		input := map[string]interface{}{}
		if tc.Arguments != "" {
			if err := json.Unmarshal([]byte(tc.Arguments), &input); err != nil {
				return anthropicMessage{}, fmt.Errorf("tool call %s arguments: %w", tc.ID, err)
			}
		}
		blocks = append(blocks, anthropicBlock{
			Type:  "tool_use",
			ID:    tc.ID,
			Name:  tc.Name,
			Input: input,
		})
	}
	if len(blocks) == 0 {
		blocks = append(blocks, anthropicBlock{Type: "text", Text: ""})
	}
	return anthropicMessage{Role: role, Content: mustMarshalRaw(blocks)}, nil
}

func parseAnthropicResponse(body []byte) (*ChatResponse, error) {
	var raw anthropicResponse
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("parse anthropic response: %w", err)
	}
	resp := &ChatResponse{
		ID:         raw.ID,
		Model:      raw.Model,
		StopReason: anthropicStopToCanonical(raw.StopReason),
		Usage: Usage{
			InputTokens:  raw.Usage.InputTokens,
			OutputTokens: raw.Usage.OutputTokens,
		},
	}
	for _, b := range raw.Content {
		switch b.Type {
		case "text":
			resp.Content = append(resp.Content, ContentBlock{Type: "text", Text: b.Text})
		case "tool_use":
			args, err := json.Marshal(b.Input)
			if err != nil {
				return nil, err
			}
			resp.ToolCalls = append(resp.ToolCalls, ToolCall{
				ID:        b.ID,
				Name:      b.Name,
				Arguments: string(args),
			})
		}
	}
	return resp, nil
}

func renderAnthropicResponse(resp *ChatResponse) ([]byte, error) {
	out := anthropicResponse{
		ID:         resp.ID,
		Type:       "message",
		Role:       "assistant",
		Model:      resp.Model,
		StopReason: canonicalStopToAnthropic(resp.StopReason),
		Usage: anthropicUsage{
			InputTokens:  resp.Usage.InputTokens,
			OutputTokens: resp.Usage.OutputTokens,
		},
	}
	for _, b := range resp.Content {
		if b.Type == "text" {
			out.Content = append(out.Content, anthropicBlock{Type: "text", Text: b.Text})
		}
	}
	for _, tc := range resp.ToolCalls {
		input := map[string]interface{}{}
		if tc.Arguments != "" {
			if err := json.Unmarshal([]byte(tc.Arguments), &input); err != nil {
				return nil, fmt.Errorf("tool call %s arguments: %w", tc.ID, err)
			}
		}
		out.Content = append(out.Content, anthropicBlock{
			Type:  "tool_use",
			ID:    tc.ID,
			Name:  tc.Name,
			Input: input,
		})
	}
	if out.Content == nil {
		out.Content = []anthropicBlock{}
	}
	return json.Marshal(out)
}

func anthropicStopToCanonical(s string) StopReason {
	switch s {
	case "end_turn":
		return StopEnd
	case "max_tokens":
		return StopMaxTokens
	case "tool_use":
		return StopToolUse
	case "stop_sequence":
		return StopSequence
	default:
		return StopEnd
	}
}

func canonicalStopToAnthropic(s StopReason) string {
	switch s {
	case StopMaxTokens:
		return "max_tokens"
	case StopToolUse:
		return "tool_use"
	case StopSequence:
		return "stop_sequence"
	default:
		return "end_turn"
	}
}

func joinText(blocks []ContentBlock) string {
	var out string
	for _, b := range blocks {
		if b.Type != "text" || b.Text == "" {
			continue
		}
		if out != "" {
			out += "\n"
		}
		out += b.Text
	}
	return out
}

func mustMarshalRaw(v interface{}) json.RawMessage {
	raw, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage(`[]`)
	}
	return raw
}

func mustRawString(s string) json.RawMessage {
	raw, err := json.Marshal(s)
	if err != nil {
		return json.RawMessage(`""`)
	}
	return raw
}
