package tokenizer

import (
	"strings"
	"sync"

	tiktoken "github.com/pkoukk/tiktoken-go"
)

// Message is one chat turn for estimation purposes.
type Message struct {
	Role    string
	Content string
}

// Tokenizer estimates token counts with tiktoken encodings. It backs the
// gateway's accounting when a provider omits usage (cancelled streams,
// responses without a usage block); estimates need to be stable and in the
// right ballpark, not match provider billing exactly.
type Tokenizer struct {
	mu       sync.Mutex
	encoders map[string]*tiktoken.Tiktoken
}

func New() *Tokenizer {
	return &Tokenizer{encoders: make(map[string]*tiktoken.Tiktoken)}
}

// o200kPrefixes lists the model families on the o200k_base encoding.
// Everything else, Claude included, estimates well enough on cl100k_base.
var o200kPrefixes = []string{"gpt-4o", "gpt-4.1", "gpt-5", "o1", "o3", "o4"}

// EncodingFor maps a model name onto a tiktoken encoding name.
func EncodingFor(model string) string {
	lower := strings.ToLower(model)
	for _, p := range o200kPrefixes {
		if strings.HasPrefix(lower, p) {
			return "o200k_base"
		}
	}
	return "cl100k_base"
}

// encoder returns a cached encoder for the model's encoding. A failed
// initialization is not cached; the encoding files are fetched lazily and a
// later call may succeed where an earlier one could not.
func (t *Tokenizer) encoder(model string) (*tiktoken.Tiktoken, error) {
	name := EncodingFor(model)

	t.mu.Lock()
	defer t.mu.Unlock()
	if enc, ok := t.encoders[name]; ok {
		return enc, nil
	}
	enc, err := tiktoken.GetEncoding(name)
	if err != nil {
		return nil, err
	}
	t.encoders[name] = enc
	return enc, nil
}

// CountTokens estimates the token count of raw text. Returns 0 when the
// encoding is unavailable; callers treat 0 as "no estimate".
func (t *Tokenizer) CountTokens(model, text string) int {
	if text == "" {
		return 0
	}
	enc, err := t.encoder(model)
	if err != nil {
		return 0
	}
	return len(enc.Encode(text, nil, nil))
}

// CountMessages estimates the prompt cost of a conversation: each message
// carries a 4-token framing overhead and the reply is primed with 3 more,
// matching the ChatML accounting both dialects approximate.
func (t *Tokenizer) CountMessages(model string, messages []Message) int {
	enc, err := t.encoder(model)
	if err != nil {
		return 0
	}

	total := 3 // reply priming
	for _, msg := range messages {
		total += 4
		total += len(enc.Encode(msg.Role, nil, nil))
		total += len(enc.Encode(msg.Content, nil, nil))
	}
	return total
}
