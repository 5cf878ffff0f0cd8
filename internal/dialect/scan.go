package dialect

import (
	json "github.com/goccy/go-json"
)

// Passthrough scanning. When the entry dialect matches the provider dialect
// the body is forwarded byte for byte, but the pipeline still needs the
// model for routing, the correlation field for session tracking, and usage
// for accounting. Everything here is best effort: a body the scanner cannot
// make sense of yields zero values, never an error, and never blocks the
// forward.

// RequestInfo is what a passthrough request scan can recover.
type RequestInfo struct {
	Model      string
	Stream     bool
	SessionKey string // client correlation field, empty when absent
}

// ScanRequest extracts routing and correlation fields from a raw request
// body of any supported surface. The field names across surfaces do not
// collide, so one scan shape covers all three.
func ScanRequest(body []byte) RequestInfo {
	var probe struct {
		Model    string `json:"model"`
		Stream   bool   `json:"stream"`
		User     string `json:"user"`
		Metadata *struct {
			UserID string `json:"user_id"`
		} `json:"metadata"`
	}
	if err := json.Unmarshal(body, &probe); err != nil {
		return RequestInfo{}
	}
	info := RequestInfo{
		Model:      probe.Model,
		Stream:     probe.Stream,
		SessionKey: probe.User,
	}
	if info.SessionKey == "" && probe.Metadata != nil {
		info.SessionKey = probe.Metadata.UserID
	}
	return info
}

// ResponseInfo is what a passthrough response scan can recover.
type ResponseInfo struct {
	Model      string
	Usage      Usage
	StopReason StopReason
	ToolCalls  []ToolCallSummary
}

// ScanResponse extracts accounting fields from a raw non-streaming response
// body that passed through untranslated.
func ScanResponse(body []byte, s Surface) ResponseInfo {
	switch s {
	case SurfaceMessages:
		return scanAnthropicResponse(body)
	case SurfaceChatCompletions:
		return scanOpenAIResponse(body)
	case SurfaceResponses:
		return scanResponsesResponse(body)
	default:
		return ResponseInfo{}
	}
}

func scanAnthropicResponse(body []byte) ResponseInfo {
	var raw anthropicResponse
	if err := json.Unmarshal(body, &raw); err != nil {
		return ResponseInfo{}
	}
	info := ResponseInfo{
		Model:      raw.Model,
		StopReason: anthropicStopToCanonical(raw.StopReason),
		Usage: Usage{
			InputTokens:  raw.Usage.InputTokens,
			OutputTokens: raw.Usage.OutputTokens,
		},
	}
	var names []string
	for _, b := range raw.Content {
		if b.Type == "tool_use" {
			names = append(names, b.Name)
		}
	}
	info.ToolCalls = summarizeToolCalls(names)
	return info
}

func scanOpenAIResponse(body []byte) ResponseInfo {
	var raw openaiResponse
	if err := json.Unmarshal(body, &raw); err != nil {
		return ResponseInfo{}
	}
	info := ResponseInfo{Model: raw.Model, Usage: raw.Usage.canonical()}
	if len(raw.Choices) > 0 {
		info.StopReason = openaiFinishToCanonical(raw.Choices[0].FinishReason)
		var names []string
		for _, tc := range raw.Choices[0].Message.ToolCalls {
			names = append(names, tc.Function.Name)
		}
		info.ToolCalls = summarizeToolCalls(names)
	}
	return info
}

func scanResponsesResponse(body []byte) ResponseInfo {
	var raw responsesResponse
	if err := json.Unmarshal(body, &raw); err != nil {
		return ResponseInfo{}
	}
	info := ResponseInfo{Model: raw.Model, Usage: raw.Usage.canonical(), StopReason: StopEnd}
	if raw.Status == "incomplete" {
		info.StopReason = StopMaxTokens
	}
	var names []string
	for _, it := range raw.Output {
		if it.Type == "function_call" {
			names = append(names, it.Name)
			info.StopReason = StopToolUse
		}
	}
	info.ToolCalls = summarizeToolCalls(names)
	return info
}

// StreamScanner observes a passthrough stream without altering it. The
// pipeline feeds it every event it forwards and reads the totals afterward.
type StreamScanner struct {
	surface Surface
	meter   streamMeter
	done    bool
}

// NewStreamScanner builds a scanner for the given entry surface. On a
// passthrough the upstream speaks the same surface the client entered
// through, so the surface fixes the frame shapes.
func NewStreamScanner(s Surface) *StreamScanner {
	return &StreamScanner{surface: s}
}

// Observe inspects one forwarded event. Malformed frames are ignored.
func (sc *StreamScanner) Observe(ev *StreamEvent) {
	if ev == nil || ev.Data == "" {
		return
	}
	switch sc.surface {
	case SurfaceMessages:
		sc.observeAnthropic(ev)
	case SurfaceChatCompletions:
		sc.observeChunk(ev)
	case SurfaceResponses:
		sc.observeResponses(ev)
	}
}

func (sc *StreamScanner) observeAnthropic(ev *StreamEvent) {
	var frame anthropicStreamFrame
	if err := json.Unmarshal([]byte(ev.Data), &frame); err != nil {
		return
	}
	switch frame.Type {
	case "message_start":
		if frame.Message != nil {
			sc.meter.model = frame.Message.Model
			sc.meter.usage.InputTokens = frame.Message.Usage.InputTokens
		}
	case "content_block_start":
		if frame.ContentBlock != nil && frame.ContentBlock.Type == "tool_use" {
			sc.meter.toolNames = append(sc.meter.toolNames, frame.ContentBlock.Name)
		}
	case "content_block_delta":
		if frame.Delta == nil {
			return
		}
		switch frame.Delta.Type {
		case "text_delta":
			sc.meter.addText(frame.Delta.Text)
		case "input_json_delta":
			sc.meter.chunks++
		}
	case "message_delta":
		if frame.Delta != nil && frame.Delta.StopReason != "" {
			sc.meter.stop = anthropicStopToCanonical(frame.Delta.StopReason)
		}
		if frame.Usage != nil {
			sc.meter.usage.OutputTokens = frame.Usage.OutputTokens
		}
	case "message_stop":
		sc.done = true
	}
}

func (sc *StreamScanner) observeChunk(ev *StreamEvent) {
	if ev.Data == doneMarker {
		sc.done = true
		return
	}
	var chunk openaiStreamChunk
	if err := json.Unmarshal([]byte(ev.Data), &chunk); err != nil {
		return
	}
	if chunk.Model != "" {
		sc.meter.model = chunk.Model
	}
	if chunk.Usage != nil {
		u := chunk.Usage.canonical()
		if u.InputTokens > 0 {
			sc.meter.usage.InputTokens = u.InputTokens
		}
		if u.OutputTokens > 0 {
			sc.meter.usage.OutputTokens = u.OutputTokens
		}
		sc.meter.usage.ReasoningTokens = u.ReasoningTokens
	}
	if len(chunk.Choices) == 0 {
		return
	}
	choice := chunk.Choices[0]
	sc.meter.addText(choice.Delta.Content)
	for _, tc := range choice.Delta.ToolCalls {
		if tc.ID != "" && tc.Function != nil {
			sc.meter.toolNames = append(sc.meter.toolNames, tc.Function.Name)
		}
		if tc.Function != nil && tc.Function.Arguments != "" {
			sc.meter.chunks++
		}
	}
	if choice.FinishReason != nil && *choice.FinishReason != "" {
		sc.meter.stop = openaiFinishToCanonical(*choice.FinishReason)
	}
}

func (sc *StreamScanner) observeResponses(ev *StreamEvent) {
	var frame struct {
		Type  string `json:"type"`
		Delta string `json:"delta"`
		Item  *struct {
			Type string `json:"type"`
			Name string `json:"name"`
		} `json:"item"`
		Response *struct {
			Model  string          `json:"model"`
			Status string          `json:"status"`
			Usage  *responsesUsage `json:"usage"`
		} `json:"response"`
	}
	if err := json.Unmarshal([]byte(ev.Data), &frame); err != nil {
		return
	}
	switch frame.Type {
	case "response.created":
		if frame.Response != nil {
			sc.meter.model = frame.Response.Model
		}
	case "response.output_text.delta":
		sc.meter.addText(frame.Delta)
	case "response.function_call_arguments.delta":
		sc.meter.chunks++
	case "response.output_item.added":
		if frame.Item != nil && frame.Item.Type == "function_call" {
			sc.meter.toolNames = append(sc.meter.toolNames, frame.Item.Name)
		}
	case "response.completed":
		sc.done = true
		if frame.Response != nil && frame.Response.Usage != nil {
			sc.meter.usage = frame.Response.Usage.canonical()
		}
		sc.meter.stop = StopEnd
	}
}

// Usage reports the token counts observed so far.
func (sc *StreamScanner) Usage() Usage { return sc.meter.usage }

// Model reports the model announced on the stream.
func (sc *StreamScanner) Model() string { return sc.meter.model }

// Chunks reports how many content-bearing frames were observed.
func (sc *StreamScanner) Chunks() int { return sc.meter.chunks }

// Text returns the accumulated output text for token estimation.
func (sc *StreamScanner) Text() string { return sc.meter.text.String() }

// StopReason reports the completion cause, empty until announced.
func (sc *StreamScanner) StopReason() StopReason { return sc.meter.stop }

// Done reports whether the stream reached its terminal frame.
func (sc *StreamScanner) Done() bool { return sc.done }

// ToolCalls summarizes tool invocations observed on the stream.
func (sc *StreamScanner) ToolCalls() []ToolCallSummary {
	return summarizeToolCalls(sc.meter.toolNames)
}
