package dialect

import (
	"fmt"
	"strings"

	json "github.com/goccy/go-json"
)

// StreamEvent is one server-sent event: the optional event name and the data
// payload. The HTTP layer owns the wire framing; this package only deals in
// decoded events.
type StreamEvent struct {
	Event string
	Data  string
	ID    string
}

// doneMarker is the OpenAI stream terminator payload.
const doneMarker = "[DONE]"

// meterMaxText caps the text accumulated for token estimation. Frames keep
// flowing after the cap; only accumulation stops.
const meterMaxText = 2 << 20

// streamMeter accumulates what the pipeline needs to know about a stream
// regardless of direction: model, usage, delivered content chunks, text for
// token estimation when the upstream reports no usage, and tool names.
type streamMeter struct {
	model     string
	usage     Usage
	stop      StopReason
	chunks    int
	text      strings.Builder
	capped    bool
	toolNames []string
}

func (m *streamMeter) addText(s string) {
	if s == "" {
		return
	}
	m.chunks++
	if m.capped {
		return
	}
	m.text.WriteString(s)
	if m.text.Len() > meterMaxText {
		m.capped = true
	}
}

// StreamTranslator converts a provider's streaming envelope into the shape
// the client's entry surface expects. It is stateful and serves exactly one
// response; the pipeline feeds it upstream events in order and writes out
// whatever it returns.
type StreamTranslator struct {
	from    Dialect
	to      Surface
	created int64

	meter streamMeter

	id       string
	started  bool
	finished bool

	// anthropic output state (openai upstream)
	openIndex int // currently open content block, -1 when none
	nextIndex int
	toolIndex map[int]int // upstream tool_calls index -> anthropic block index

	// openai chunk output state (anthropic upstream)
	toolSlot map[int]int // anthropic block index -> tool_calls index
	numTools int

	openText bool // the open anthropic block is a text block
}

// NewStreamTranslator builds a translator for one streaming response. It
// returns an error when from already matches the surface's dialect, since
// that pair is a passthrough and must not be re-encoded.
func NewStreamTranslator(from Dialect, to Surface, created int64) (*StreamTranslator, error) {
	if from == to.Dialect() {
		return nil, fmt.Errorf("stream %s to %s is a passthrough", from, to)
	}
	return &StreamTranslator{
		from:      from,
		to:        to,
		created:   created,
		openIndex: -1,
		toolIndex: make(map[int]int),
		toolSlot:  make(map[int]int),
	}, nil
}

// Usage reports the token counts observed so far.
func (t *StreamTranslator) Usage() Usage { return t.meter.usage }

// Model reports the model name announced by the upstream, if any.
func (t *StreamTranslator) Model() string { return t.meter.model }

// Chunks reports how many content-bearing frames have been translated.
func (t *StreamTranslator) Chunks() int { return t.meter.chunks }

// Text returns the accumulated output text, for token estimation when the
// upstream reported no usage.
func (t *StreamTranslator) Text() string { return t.meter.text.String() }

// StopReason reports the completion cause once the upstream announced one.
func (t *StreamTranslator) StopReason() StopReason { return t.meter.stop }

// ToolCalls summarizes the tool invocations seen on the stream.
func (t *StreamTranslator) ToolCalls() []ToolCallSummary {
	return summarizeToolCalls(t.meter.toolNames)
}

// Translate converts one upstream event into zero or more client events.
// Unrecognized frames are dropped rather than failed: a malformed frame in
// an otherwise healthy stream must not kill the response.
func (t *StreamTranslator) Translate(ev *StreamEvent) ([]StreamEvent, error) {
	if t.finished {
		return nil, nil
	}
	switch t.from {
	case Anthropic:
		return t.fromAnthropic(ev)
	case OpenAI:
		return t.fromOpenAI(ev)
	default:
		return nil, fmt.Errorf("no stream arm for dialect %s", t.from)
	}
}

// Finish emits any terminal framing the upstream never sent, so clients
// always see a well-formed end of stream even when the upstream connection
// dropped mid-response.
func (t *StreamTranslator) Finish() []StreamEvent {
	if t.finished {
		return nil
	}
	t.finished = true
	switch t.to {
	case SurfaceMessages:
		if !t.started {
			return nil
		}
		var out []StreamEvent
		out = append(out, t.closeOpenBlock()...)
		out = append(out, t.anthropicTail()...)
		return out
	case SurfaceChatCompletions:
		return []StreamEvent{{Data: doneMarker}}
	case SurfaceResponses:
		if !t.started {
			return nil
		}
		return t.responsesTail("incomplete")
	}
	return nil
}

// anthropic upstream frames

type anthropicStreamFrame struct {
	Type    string `json:"type"`
	Index   int    `json:"index"`
	Message *struct {
		ID    string         `json:"id"`
		Model string         `json:"model"`
		Usage anthropicUsage `json:"usage"`
	} `json:"message,omitempty"`
	ContentBlock *struct {
		Type string `json:"type"`
		ID   string `json:"id"`
		Name string `json:"name"`
	} `json:"content_block,omitempty"`
	Delta *struct {
		Type        string `json:"type"`
		Text        string `json:"text"`
		PartialJSON string `json:"partial_json"`
		StopReason  string `json:"stop_reason"`
	} `json:"delta,omitempty"`
	Usage *anthropicUsage `json:"usage,omitempty"`
}

func (t *StreamTranslator) fromAnthropic(ev *StreamEvent) ([]StreamEvent, error) {
	if ev.Event == "ping" || ev.Data == "" {
		return nil, nil
	}
	var frame anthropicStreamFrame
	if err := json.Unmarshal([]byte(ev.Data), &frame); err != nil {
		return nil, nil
	}

	switch frame.Type {
	case "message_start":
		if frame.Message != nil {
			t.id = frame.Message.ID
			t.meter.model = frame.Message.Model
			t.meter.usage.InputTokens = frame.Message.Usage.InputTokens
		}
		t.started = true
		if t.to == SurfaceResponses {
			return t.responsesCreated(), nil
		}
		return t.chunkOut(openaiStreamDelta{Role: "assistant"}, nil, false)

	case "content_block_start":
		if frame.ContentBlock == nil || frame.ContentBlock.Type != "tool_use" {
			return nil, nil
		}
		t.meter.toolNames = append(t.meter.toolNames, frame.ContentBlock.Name)
		slot := t.numTools
		t.numTools++
		t.toolSlot[frame.Index] = slot
		if t.to == SurfaceResponses {
			return t.responsesToolStart(frame.ContentBlock.ID, frame.ContentBlock.Name), nil
		}
		return t.chunkOut(openaiStreamDelta{ToolCalls: []openaiStreamToolCall{{
			Index:    slot,
			ID:       frame.ContentBlock.ID,
			Type:     "function",
			Function: &openaiStreamFn{Name: frame.ContentBlock.Name, Arguments: ""},
		}}}, nil, false)

	case "content_block_delta":
		if frame.Delta == nil {
			return nil, nil
		}
		switch frame.Delta.Type {
		case "text_delta":
			t.meter.addText(frame.Delta.Text)
			if t.to == SurfaceResponses {
				return t.responsesTextDelta(frame.Delta.Text), nil
			}
			return t.chunkOut(openaiStreamDelta{Content: frame.Delta.Text}, nil, false)
		case "input_json_delta":
			t.meter.chunks++
			slot, ok := t.toolSlot[frame.Index]
			if !ok {
				return nil, nil
			}
			if t.to == SurfaceResponses {
				return t.responsesToolDelta(frame.Delta.PartialJSON), nil
			}
			return t.chunkOut(openaiStreamDelta{ToolCalls: []openaiStreamToolCall{{
				Index:    slot,
				Function: &openaiStreamFn{Arguments: frame.Delta.PartialJSON},
			}}}, nil, false)
		}
		return nil, nil

	case "message_delta":
		if frame.Delta != nil && frame.Delta.StopReason != "" {
			t.meter.stop = anthropicStopToCanonical(frame.Delta.StopReason)
		}
		if frame.Usage != nil {
			t.meter.usage.OutputTokens = frame.Usage.OutputTokens
		}
		if t.to == SurfaceResponses {
			return nil, nil
		}
		finish := canonicalStopToOpenAI(t.meter.stop)
		return t.chunkOut(openaiStreamDelta{}, &finish, true)

	case "message_stop":
		t.finished = true
		if t.to == SurfaceResponses {
			return t.responsesTail("completed"), nil
		}
		return []StreamEvent{{Data: doneMarker}}, nil

	case "error":
		// Error frames pass through so the client sees the upstream cause.
		return []StreamEvent{{Event: ev.Event, Data: ev.Data}}, nil
	}
	return nil, nil
}

// openai chunk output

type openaiStreamChunk struct {
	ID      string               `json:"id"`
	Object  string               `json:"object"`
	Created int64                `json:"created"`
	Model   string               `json:"model"`
	Choices []openaiStreamChoice `json:"choices"`
	Usage   *openaiUsage         `json:"usage,omitempty"`
}

type openaiStreamChoice struct {
	Index        int               `json:"index"`
	Delta        openaiStreamDelta `json:"delta"`
	FinishReason *string           `json:"finish_reason"`
}

type openaiStreamDelta struct {
	Role      string                 `json:"role,omitempty"`
	Content   string                 `json:"content,omitempty"`
	ToolCalls []openaiStreamToolCall `json:"tool_calls,omitempty"`
}

type openaiStreamToolCall struct {
	Index    int             `json:"index"`
	ID       string          `json:"id,omitempty"`
	Type     string          `json:"type,omitempty"`
	Function *openaiStreamFn `json:"function,omitempty"`
}

type openaiStreamFn struct {
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments"`
}

func (t *StreamTranslator) chunkOut(delta openaiStreamDelta, finish *string, withUsage bool) ([]StreamEvent, error) {
	chunk := openaiStreamChunk{
		ID:      t.id,
		Object:  "chat.completion.chunk",
		Created: t.created,
		Model:   t.meter.model,
		Choices: []openaiStreamChoice{{Delta: delta, FinishReason: finish}},
	}
	if withUsage {
		chunk.Usage = &openaiUsage{
			PromptTokens:     t.meter.usage.InputTokens,
			CompletionTokens: t.meter.usage.OutputTokens,
			TotalTokens:      t.meter.usage.InputTokens + t.meter.usage.OutputTokens,
		}
	}
	data, err := json.Marshal(chunk)
	if err != nil {
		return nil, err
	}
	return []StreamEvent{{Data: string(data)}}, nil
}

// openai upstream frames

func (t *StreamTranslator) fromOpenAI(ev *StreamEvent) ([]StreamEvent, error) {
	if ev.Data == "" {
		return nil, nil
	}
	if ev.Data == doneMarker {
		t.finished = true
		if !t.started {
			return nil, nil
		}
		var out []StreamEvent
		out = append(out, t.closeOpenBlock()...)
		out = append(out, t.anthropicTail()...)
		return out, nil
	}
	var chunk openaiStreamChunk
	if err := json.Unmarshal([]byte(ev.Data), &chunk); err != nil {
		return nil, nil
	}
	if chunk.Model != "" {
		t.meter.model = chunk.Model
	}
	if chunk.ID != "" && t.id == "" {
		t.id = chunk.ID
	}
	if chunk.Usage != nil {
		u := chunk.Usage.canonical()
		if u.InputTokens > 0 {
			t.meter.usage.InputTokens = u.InputTokens
		}
		if u.OutputTokens > 0 {
			t.meter.usage.OutputTokens = u.OutputTokens
		}
		t.meter.usage.ReasoningTokens = u.ReasoningTokens
	}

	var out []StreamEvent
	if !t.started {
		t.started = true
		out = append(out, t.anthropicHead()...)
	}
	if len(chunk.Choices) == 0 {
		return out, nil
	}
	choice := chunk.Choices[0]

	if choice.Delta.Content != "" {
		t.meter.addText(choice.Delta.Content)
		out = append(out, t.anthropicTextDelta(choice.Delta.Content)...)
	}
	for _, tc := range choice.Delta.ToolCalls {
		out = append(out, t.anthropicToolDelta(tc)...)
	}
	if choice.FinishReason != nil && *choice.FinishReason != "" {
		t.meter.stop = openaiFinishToCanonical(*choice.FinishReason)
	}
	return out, nil
}

// anthropic event output

func anthEvent(typ string, payload interface{}) StreamEvent {
	data, err := json.Marshal(payload)
	if err != nil {
		data = []byte(fmt.Sprintf(`{"type":%q}`, typ))
	}
	return StreamEvent{Event: typ, Data: string(data)}
}

func (t *StreamTranslator) anthropicHead() []StreamEvent {
	return []StreamEvent{anthEvent("message_start", map[string]interface{}{
		"type": "message_start",
		"message": map[string]interface{}{
			"id":            t.id,
			"type":          "message",
			"role":          "assistant",
			"model":         t.meter.model,
			"content":       []interface{}{},
			"stop_reason":   nil,
			"stop_sequence": nil,
			"usage": map[string]int{
				"input_tokens":  t.meter.usage.InputTokens,
				"output_tokens": 0,
			},
		},
	})}
}

func (t *StreamTranslator) anthropicTextDelta(text string) []StreamEvent {
	var out []StreamEvent
	if t.openIndex >= 0 && !t.openText {
		// A tool block is open; text starts a fresh block.
		out = append(out, t.closeOpenBlock()...)
	}
	if t.openIndex < 0 {
		idx := t.nextIndex
		t.nextIndex++
		t.openIndex = idx
		t.openText = true
		out = append(out, anthEvent("content_block_start", map[string]interface{}{
			"type":  "content_block_start",
			"index": idx,
			"content_block": map[string]interface{}{
				"type": "text",
				"text": "",
			},
		}))
	}
	out = append(out, anthEvent("content_block_delta", map[string]interface{}{
		"type":  "content_block_delta",
		"index": t.openIndex,
		"delta": map[string]string{
			"type": "text_delta",
			"text": text,
		},
	}))
	return out
}

func (t *StreamTranslator) anthropicToolDelta(tc openaiStreamToolCall) []StreamEvent {
	var out []StreamEvent
	idx, known := t.toolIndex[tc.Index]
	if !known {
		// New call: close whatever block was open and start a tool_use
		// block for it.
		out = append(out, t.closeOpenBlock()...)
		idx = t.nextIndex
		t.nextIndex++
		t.toolIndex[tc.Index] = idx
		t.openIndex = idx
		t.openText = false
		name := ""
		if tc.Function != nil {
			name = tc.Function.Name
		}
		t.meter.toolNames = append(t.meter.toolNames, name)
		out = append(out, anthEvent("content_block_start", map[string]interface{}{
			"type":  "content_block_start",
			"index": idx,
			"content_block": map[string]interface{}{
				"type":  "tool_use",
				"id":    tc.ID,
				"name":  name,
				"input": map[string]interface{}{},
			},
		}))
	}
	if tc.Function != nil && tc.Function.Arguments != "" {
		t.meter.chunks++
		out = append(out, anthEvent("content_block_delta", map[string]interface{}{
			"type":  "content_block_delta",
			"index": idx,
			"delta": map[string]string{
				"type":         "input_json_delta",
				"partial_json": tc.Function.Arguments,
			},
		}))
	}
	return out
}

func (t *StreamTranslator) closeOpenBlock() []StreamEvent {
	if t.openIndex < 0 {
		return nil
	}
	idx := t.openIndex
	t.openIndex = -1
	t.openText = false
	return []StreamEvent{anthEvent("content_block_stop", map[string]interface{}{
		"type":  "content_block_stop",
		"index": idx,
	})}
}

func (t *StreamTranslator) anthropicTail() []StreamEvent {
	stop := t.meter.stop
	if stop == "" {
		stop = StopEnd
	}
	return []StreamEvent{
		anthEvent("message_delta", map[string]interface{}{
			"type": "message_delta",
			"delta": map[string]interface{}{
				"stop_reason":   canonicalStopToAnthropic(stop),
				"stop_sequence": nil,
			},
			"usage": map[string]int{
				"output_tokens": t.meter.usage.OutputTokens,
			},
		}),
		anthEvent("message_stop", map[string]interface{}{
			"type": "message_stop",
		}),
	}
}

// responses surface output

func (t *StreamTranslator) responsesCreated() []StreamEvent {
	return []StreamEvent{anthEvent("response.created", map[string]interface{}{
		"type": "response.created",
		"response": map[string]interface{}{
			"id":         t.id,
			"object":     "response",
			"created_at": t.created,
			"status":     "in_progress",
			"model":      t.meter.model,
		},
	})}
}

func (t *StreamTranslator) responsesTextDelta(text string) []StreamEvent {
	return []StreamEvent{anthEvent("response.output_text.delta", map[string]interface{}{
		"type":  "response.output_text.delta",
		"delta": text,
	})}
}

func (t *StreamTranslator) responsesToolStart(id, name string) []StreamEvent {
	return []StreamEvent{anthEvent("response.output_item.added", map[string]interface{}{
		"type": "response.output_item.added",
		"item": map[string]interface{}{
			"type":    "function_call",
			"call_id": id,
			"name":    name,
		},
	})}
}

func (t *StreamTranslator) responsesToolDelta(fragment string) []StreamEvent {
	return []StreamEvent{anthEvent("response.function_call_arguments.delta", map[string]interface{}{
		"type":  "response.function_call_arguments.delta",
		"delta": fragment,
	})}
}

func (t *StreamTranslator) responsesTail(status string) []StreamEvent {
	usage := map[string]interface{}{
		"input_tokens":  t.meter.usage.InputTokens,
		"output_tokens": t.meter.usage.OutputTokens,
		"total_tokens":  t.meter.usage.InputTokens + t.meter.usage.OutputTokens,
	}
	if t.meter.usage.ReasoningTokens > 0 {
		usage["output_tokens_details"] = map[string]int{
			"reasoning_tokens": t.meter.usage.ReasoningTokens,
		}
	}
	return []StreamEvent{anthEvent("response.completed", map[string]interface{}{
		"type": "response.completed",
		"response": map[string]interface{}{
			"id":         t.id,
			"object":     "response",
			"created_at": t.created,
			"status":     status,
			"model":      t.meter.model,
			"usage":      usage,
		},
	})}
}
