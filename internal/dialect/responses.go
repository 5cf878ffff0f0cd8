package dialect

import (
	"fmt"

	json "github.com/goccy/go-json"
)

// OpenAI Responses API wire types. The surface shares the OpenAI dialect but
// carries turns in an input item list instead of a messages array, so it has
// its own parse and render arms feeding the same canonical form.

type responsesRequest struct {
	Model           string          `json:"model"`
	Input           json.RawMessage `json:"input"`
	Instructions    string          `json:"instructions,omitempty"`
	Tools           []responsesTool `json:"tools,omitempty"`
	MaxOutputTokens int             `json:"max_output_tokens,omitempty"`
	Temperature     *float64        `json:"temperature,omitempty"`
	TopP            *float64        `json:"top_p,omitempty"`
	Stream          bool            `json:"stream,omitempty"`
	User            string          `json:"user,omitempty"`
}

type responsesTool struct {
	Type        string                 `json:"type"`
	Name        string                 `json:"name"`
	Description string                 `json:"description,omitempty"`
	Parameters  map[string]interface{} `json:"parameters,omitempty"`
}

type responsesItem struct {
	Type    string          `json:"type,omitempty"`
	Role    string          `json:"role,omitempty"`
	Content json.RawMessage `json:"content,omitempty"`

	// function_call items
	ID        string `json:"id,omitempty"`
	CallID    string `json:"call_id,omitempty"`
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`

	// function_call_output items
	Output string `json:"output,omitempty"`
}

type responsesResponse struct {
	ID                string              `json:"id"`
	Object            string              `json:"object"`
	CreatedAt         int64               `json:"created_at"`
	Status            string              `json:"status"`
	Model             string              `json:"model"`
	Output            []responsesItem     `json:"output"`
	IncompleteDetails *responsesIncomplet `json:"incomplete_details,omitempty"`
	Usage             *responsesUsage     `json:"usage,omitempty"`
}

type responsesIncomplet struct {
	Reason string `json:"reason"`
}

type responsesUsage struct {
	InputTokens  int                 `json:"input_tokens"`
	OutputTokens int                 `json:"output_tokens"`
	OutputDetail *responsesTokDetail `json:"output_tokens_details,omitempty"`
	TotalTokens  int                 `json:"total_tokens"`
}

type responsesTokDetail struct {
	ReasoningTokens int `json:"reasoning_tokens"`
}

func (u *responsesUsage) canonical() Usage {
	if u == nil {
		return Usage{}
	}
	out := Usage{InputTokens: u.InputTokens, OutputTokens: u.OutputTokens}
	if u.OutputDetail != nil {
		out.ReasoningTokens = u.OutputDetail.ReasoningTokens
	}
	return out
}

func parseResponsesRequest(body []byte) (*ChatRequest, error) {
	var raw responsesRequest
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("parse responses request: %w", err)
	}
	req := &ChatRequest{
		Model:       raw.Model,
		System:      raw.Instructions,
		MaxTokens:   raw.MaxOutputTokens,
		Temperature: raw.Temperature,
		TopP:        raw.TopP,
		Stream:      raw.Stream,
		User:        raw.User,
	}
	for _, t := range raw.Tools {
		if t.Type != "" && t.Type != "function" {
			continue
		}
		req.Tools = append(req.Tools, ToolDef{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: t.Parameters,
		})
	}
	if err := parseResponsesInput(raw.Input, req); err != nil {
		return nil, err
	}
	return req, nil
}

// parseResponsesInput accepts either a bare string (a single user turn) or
// an item list mixing message, function_call, and function_call_output
// items.
func parseResponsesInput(raw json.RawMessage, req *ChatRequest) error {
	if len(raw) == 0 {
		return nil
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return err
		}
		req.Messages = append(req.Messages, Message{
			Role:    "user",
			Content: []ContentBlock{{Type: "text", Text: s}},
		})
		return nil
	}
	var items []responsesItem
	if err := json.Unmarshal(raw, &items); err != nil {
		return fmt.Errorf("input must be a string or item array: %w", err)
	}
	for i, it := range items {
		switch {
		case it.Type == "function_call":
			req.Messages = append(req.Messages, Message{
				Role: "assistant",
				ToolCalls: []ToolCall{{
					ID:        it.CallID,
					Name:      it.Name,
					Arguments: it.Arguments,
				}},
			})
		case it.Type == "function_call_output":
			req.Messages = append(req.Messages, Message{
				Role:       "tool",
				ToolCallID: it.CallID,
				Content:    []ContentBlock{{Type: "text", Text: it.Output}},
			})
		case it.Role != "":
			text, err := flattenResponsesContent(it.Content)
			if err != nil {
				return fmt.Errorf("input item %d: %w", i, err)
			}
			if it.Role == "system" || it.Role == "developer" {
				if req.System != "" {
					req.System += "\n"
				}
				req.System += text
				continue
			}
			req.Messages = append(req.Messages, Message{
				Role:    it.Role,
				Content: []ContentBlock{{Type: "text", Text: text}},
			})
		}
	}
	return nil
}

func flattenResponsesContent(raw json.RawMessage) (string, error) {
	if len(raw) == 0 {
		return "", nil
	}
	if raw[0] == '"' {
		var s string
		err := json.Unmarshal(raw, &s)
		return s, err
	}
	var parts []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &parts); err != nil {
		return "", err
	}
	var out string
	for _, p := range parts {
		switch p.Type {
		case "input_text", "output_text", "text":
			if p.Text == "" {
				continue
			}
			if out != "" {
				out += "\n"
			}
			out += p.Text
		}
	}
	return out, nil
}

// renderResponsesResponse shapes a canonical response for a client that
// entered through /v1/responses.
func renderResponsesResponse(resp *ChatResponse, created int64) ([]byte, error) {
	out := responsesResponse{
		ID:        resp.ID,
		Object:    "response",
		CreatedAt: created,
		Status:    "completed",
		Model:     resp.Model,
		Output:    []responsesItem{},
		Usage: &responsesUsage{
			InputTokens:  resp.Usage.InputTokens,
			OutputTokens: resp.Usage.OutputTokens,
			TotalTokens:  resp.Usage.InputTokens + resp.Usage.OutputTokens,
		},
	}
	if resp.Usage.ReasoningTokens > 0 {
		out.Usage.OutputDetail = &responsesTokDetail{ReasoningTokens: resp.Usage.ReasoningTokens}
	}
	if resp.StopReason == StopMaxTokens {
		out.Status = "incomplete"
		out.IncompleteDetails = &responsesIncomplet{Reason: "max_output_tokens"}
	}
	if text := joinText(resp.Content); text != "" {
		content, err := json.Marshal([]map[string]interface{}{
			{"type": "output_text", "text": text, "annotations": []interface{}{}},
		})
		if err != nil {
			return nil, err
		}
		out.Output = append(out.Output, responsesItem{
			Type:    "message",
			ID:      "msg_" + resp.ID,
			Role:    "assistant",
			Content: content,
		})
	}
	for _, tc := range resp.ToolCalls {
		out.Output = append(out.Output, responsesItem{
			Type:      "function_call",
			ID:        "fc_" + tc.ID,
			CallID:    tc.ID,
			Name:      tc.Name,
			Arguments: tc.Arguments,
		})
	}
	return json.Marshal(out)
}
