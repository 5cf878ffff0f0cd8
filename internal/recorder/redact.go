package recorder

import (
	"regexp"
	"strings"
	"unicode"
)

// pattern is one detection rule: a regex plus an optional validator that
// cuts false positives before a match is redacted.
type pattern struct {
	kind     string
	regex    *regexp.Regexp
	validate func(match string) bool
}

// RegexRedactor replaces likely credentials and personal data in recorded
// text with a [KIND] placeholder. It only sees the short free-text fields
// the recorder persists, so the pattern set favours precision over recall.
type RegexRedactor struct {
	patterns []pattern
}

// NewRegexRedactor compiles the built-in detection patterns.
func NewRegexRedactor() *RegexRedactor {
	return &RegexRedactor{patterns: []pattern{
		{
			kind:  "EMAIL",
			regex: regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`),
		},
		{
			kind:  "API_KEY",
			regex: regexp.MustCompile(`(?:sk-[a-zA-Z0-9\-]{20,})|(?:key-[a-zA-Z0-9]{20,})|(?:AKIA[A-Z0-9]{16})|(?:ghp_[a-zA-Z0-9]{36})|(?:Bearer [a-zA-Z0-9._\-]{20,})`),
		},
		{
			kind:     "SSN",
			regex:    regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`),
			validate: validSSN,
		},
		{
			kind:     "CREDIT_CARD",
			regex:    regexp.MustCompile(`\b(?:\d[\s\-]?){13,19}\b`),
			validate: validCardNumber,
		},
	}}
}

// Redact replaces every detected region with its [KIND] placeholder and
// returns the spans in the redacted text.
func (r *RegexRedactor) Redact(text string) (string, []Span) {
	if text == "" {
		return text, nil
	}
	out := text
	var spans []Span
	for _, p := range r.patterns {
		pos := 0
		for pos < len(out) {
			loc := p.regex.FindStringIndex(out[pos:])
			if loc == nil {
				break
			}
			start, end := pos+loc[0], pos+loc[1]
			if p.validate != nil && !p.validate(out[start:end]) {
				pos = end
				continue
			}
			placeholder := "[" + p.kind + "]"
			out = out[:start] + placeholder + out[end:]
			spans = append(spans, Span{Start: start, End: start + len(placeholder), Kind: p.kind})
			pos = start + len(placeholder)
		}
	}
	return out, spans
}

// validSSN rejects area numbers that cannot be issued.
func validSSN(match string) bool {
	if len(match) != 11 {
		return false
	}
	area := match[0:3]
	if area == "000" || area == "666" || area[0] == '9' {
		return false
	}
	return match[4:6] != "00" && match[7:11] != "0000"
}

// validCardNumber strips separators and applies the Luhn check.
func validCardNumber(match string) bool {
	digits := strings.Map(func(r rune) rune {
		if unicode.IsDigit(r) {
			return r
		}
		return -1
	}, match)
	if len(digits) < 13 || len(digits) > 19 {
		return false
	}
	sum := 0
	alt := false
	for i := len(digits) - 1; i >= 0; i-- {
		d := int(digits[i] - '0')
		if alt {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
		alt = !alt
	}
	return sum%10 == 0
}
