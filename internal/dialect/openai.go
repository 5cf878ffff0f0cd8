package dialect

import (
	"fmt"

	json "github.com/goccy/go-json"
)

// OpenAI Chat Completions wire types. Message content is string-or-array on
// input, mirroring the Anthropic handling.

type openaiRequest struct {
	Model       string          `json:"model"`
	Messages    []openaiMessage `json:"messages"`
	Tools       []openaiTool    `json:"tools,omitempty"`
	MaxTokens   int             `json:"max_tokens,omitempty"`
	Temperature *float64        `json:"temperature,omitempty"`
	TopP        *float64        `json:"top_p,omitempty"`
	Stream      bool            `json:"stream,omitempty"`
	Stop        []string        `json:"stop,omitempty"`
	User        string          `json:"user,omitempty"`
}

type openaiMessage struct {
	Role       string           `json:"role"`
	Content    json.RawMessage  `json:"content,omitempty"`
	Name       string           `json:"name,omitempty"`
	ToolCallID string           `json:"tool_call_id,omitempty"`
	ToolCalls  []openaiToolCall `json:"tool_calls,omitempty"`
}

type openaiToolCall struct {
	ID       string         `json:"id"`
	Type     string         `json:"type"`
	Function openaiFunction `json:"function"`
}

type openaiFunction struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type openaiTool struct {
	Type     string        `json:"type"`
	Function openaiToolDef `json:"function"`
}

type openaiToolDef struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description,omitempty"`
	Parameters  map[string]interface{} `json:"parameters,omitempty"`
}

type openaiResponse struct {
	ID      string         `json:"id"`
	Object  string         `json:"object"`
	Created int64          `json:"created"`
	Model   string         `json:"model"`
	Choices []openaiChoice `json:"choices"`
	Usage   *openaiUsage   `json:"usage,omitempty"`
}

type openaiChoice struct {
	Index        int               `json:"index"`
	Message      openaiRespMessage `json:"message"`
	FinishReason string            `json:"finish_reason"`
}

type openaiRespMessage struct {
	Role      string           `json:"role"`
	Content   *string          `json:"content"`
	ToolCalls []openaiToolCall `json:"tool_calls,omitempty"`
}

type openaiUsage struct {
	PromptTokens     int                 `json:"prompt_tokens"`
	CompletionTokens int                 `json:"completion_tokens"`
	TotalTokens      int                 `json:"total_tokens"`
	CompletionDetail *openaiUsageDetails `json:"completion_tokens_details,omitempty"`
}

type openaiUsageDetails struct {
	ReasoningTokens int `json:"reasoning_tokens"`
}

func (u *openaiUsage) canonical() Usage {
	if u == nil {
		return Usage{}
	}
	out := Usage{InputTokens: u.PromptTokens, OutputTokens: u.CompletionTokens}
	if u.CompletionDetail != nil {
		out.ReasoningTokens = u.CompletionDetail.ReasoningTokens
	}
	return out
}

func parseOpenAIRequest(body []byte) (*ChatRequest, error) {
	var raw openaiRequest
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("parse openai request: %w", err)
	}
	req := &ChatRequest{
		Model:       raw.Model,
		MaxTokens:   raw.MaxTokens,
		Temperature: raw.Temperature,
		TopP:        raw.TopP,
		Stream:      raw.Stream,
		StopWords:   raw.Stop,
		User:        raw.User,
	}
	for _, t := range raw.Tools {
		req.Tools = append(req.Tools, ToolDef{
			Name:        t.Function.Name,
			Description: t.Function.Description,
			InputSchema: t.Function.Parameters,
		})
	}
	for i, m := range raw.Messages {
		msg, err := parseOpenAIMessage(m)
		if err != nil {
			return nil, fmt.Errorf("message %d: %w", i, err)
		}
		if msg.Role == "system" {
			// Collect system turns into the canonical system field so the
			// Anthropic renderer can lift them to the top level.
			if req.System != "" {
				req.System += "\n"
			}
			req.System += joinText(msg.Content)
			continue
		}
		req.Messages = append(req.Messages, msg)
	}
	return req, nil
}

func parseOpenAIMessage(m openaiMessage) (Message, error) {
	msg := Message{Role: m.Role, ToolCallID: m.ToolCallID}
	text, err := flattenOpenAIContent(m.Content)
	if err != nil {
		return msg, err
	}
	if text != "" {
		msg.Content = append(msg.Content, ContentBlock{Type: "text", Text: text})
	}
	for _, tc := range m.ToolCalls {
		msg.ToolCalls = append(msg.ToolCalls, ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		})
	}
	return msg, nil
}

// flattenOpenAIContent handles string, null, and multi-part array forms of
// the content field.
func flattenOpenAIContent(raw json.RawMessage) (string, error) {
	if len(raw) == 0 {
		return "", nil
	}
	switch raw[0] {
	case '"':
		var s string
		err := json.Unmarshal(raw, &s)
		return s, err
	case 'n': // null
		return "", nil
	case '[':
		var parts []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		}
		if err := json.Unmarshal(raw, &parts); err != nil {
			return "", err
		}
		var out string
		for _, p := range parts {
			if p.Type != "text" || p.Text == "" {
				continue
			}
			if out != "" {
				out += "\n"
			}
			out += p.Text
		}
		return out, nil
	default:
		return "", fmt.Errorf("content must be a string, array, or null")
	}
}

// renderOpenAIRequest produces a Chat Completions body from the canonical
// form. Anthropic tool_use and tool_result blocks are rewritten into
// tool_calls and tool role messages.
func renderOpenAIRequest(req *ChatRequest) ([]byte, error) {
	out := openaiRequest{
		Model:       req.Model,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		Stream:      req.Stream,
		Stop:        req.StopWords,
		User:        req.User,
	}
	if req.System != "" {
		out.Messages = append(out.Messages, openaiMessage{
			Role:    "system",
			Content: mustRawString(req.System),
		})
	}
	for _, t := range req.Tools {
		out.Tools = append(out.Tools, openaiTool{
			Type: "function",
			Function: openaiToolDef{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.InputSchema,
			},
		})
	}
	for _, m := range req.Messages {
		wires, err := renderOpenAIMessage(m)
		if err != nil {
			return nil, err
		}
		out.Messages = append(out.Messages, wires...)
	}
	return json.Marshal(out)
}

// renderOpenAIMessage can yield more than one wire message: an Anthropic
// user turn mixing text and tool results splits into a tool message per
// result plus one user message.
func renderOpenAIMessage(m Message) ([]openaiMessage, error) {
	var out []openaiMessage
	var text string
	var calls []openaiToolCall

	for _, b := range m.Content {
		switch b.Type {
		case "text":
			if b.Text == "" {
				continue
			}
			if text != "" {
				text += "\n"
			}
			text += b.Text
		case "tool_use":
			args, err := json.Marshal(b.Input)
			if err != nil {
				return nil, err
			}
			calls = append(calls, openaiToolCall{
				ID:       b.ID,
				Type:     "function",
				Function: openaiFunction{Name: b.Name, Arguments: string(args)},
			})
		case "tool_result":
			out = append(out, openaiMessage{
				Role:       "tool",
				ToolCallID: b.ToolUseID,
				Content:    mustRawString(b.Content),
			})
		}
	}
	for _, tc := range m.ToolCalls {
		calls = append(calls, openaiToolCall{
			ID:       tc.ID,
			Type:     "function",
			Function: openaiFunction{Name: tc.Name, Arguments: tc.Arguments},
		})
	}

	if m.Role == "tool" {
		out = append(out, openaiMessage{
			Role:       "tool",
			ToolCallID: m.ToolCallID,
			Content:    mustRawString(text),
		})
		return out, nil
	}
	if text != "" || len(calls) > 0 || len(out) == 0 {
		msg := openaiMessage{Role: m.Role, ToolCalls: calls}
		if text != "" || len(calls) == 0 {
			msg.Content = mustRawString(text)
		}
		out = append(out, msg)
	}
	return out, nil
}

func parseOpenAIResponse(body []byte) (*ChatResponse, error) {
	var raw openaiResponse
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("parse openai response: %w", err)
	}
	resp := &ChatResponse{
		ID:    raw.ID,
		Model: raw.Model,
		Usage: raw.Usage.canonical(),
	}
	if len(raw.Choices) == 0 {
		return resp, nil
	}
	choice := raw.Choices[0]
	resp.StopReason = openaiFinishToCanonical(choice.FinishReason)
	if choice.Message.Content != nil && *choice.Message.Content != "" {
		resp.Content = append(resp.Content, ContentBlock{Type: "text", Text: *choice.Message.Content})
	}
	for _, tc := range choice.Message.ToolCalls {
		resp.ToolCalls = append(resp.ToolCalls, ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		})
	}
	return resp, nil
}

func renderOpenAIResponse(resp *ChatResponse, created int64) ([]byte, error) {
	text := joinText(resp.Content)
	msg := openaiRespMessage{Role: "assistant"}
	if text != "" || len(resp.ToolCalls) == 0 {
		msg.Content = &text
	}
	for _, tc := range resp.ToolCalls {
		msg.ToolCalls = append(msg.ToolCalls, openaiToolCall{
			ID:       tc.ID,
			Type:     "function",
			Function: openaiFunction{Name: tc.Name, Arguments: tc.Arguments},
		})
	}
	out := openaiResponse{
		ID:      resp.ID,
		Object:  "chat.completion",
		Created: created,
		Model:   resp.Model,
		Choices: []openaiChoice{{
			Index:        0,
			Message:      msg,
			FinishReason: canonicalStopToOpenAI(resp.StopReason),
		}},
		Usage: &openaiUsage{
			PromptTokens:     resp.Usage.InputTokens,
			CompletionTokens: resp.Usage.OutputTokens,
			TotalTokens:      resp.Usage.InputTokens + resp.Usage.OutputTokens,
		},
	}
	if resp.Usage.ReasoningTokens > 0 {
		out.Usage.CompletionDetail = &openaiUsageDetails{ReasoningTokens: resp.Usage.ReasoningTokens}
	}
	return json.Marshal(out)
}

func openaiFinishToCanonical(s string) StopReason {
	switch s {
	case "stop":
		return StopEnd
	case "length":
		return StopMaxTokens
	case "tool_calls":
		return StopToolUse
	default:
		return StopEnd
	}
}

func canonicalStopToOpenAI(s StopReason) string {
	switch s {
	case StopMaxTokens:
		return "length"
	case StopToolUse:
		return "tool_calls"
	default:
		return "stop"
	}
}
