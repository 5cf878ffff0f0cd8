package recorder

import (
	"strings"
	"testing"
)

func TestRegexRedactor_Email(t *testing.T) {
	r := NewRegexRedactor()
	out, spans := r.Redact("contact alice@example.com for access")

	if out != "contact [EMAIL] for access" {
		t.Errorf("unexpected redaction: %q", out)
	}
	if len(spans) != 1 || spans[0].Kind != "EMAIL" {
		t.Fatalf("unexpected spans: %+v", spans)
	}
	if out[spans[0].Start:spans[0].End] != "[EMAIL]" {
		t.Errorf("span does not cover the placeholder: %q", out[spans[0].Start:spans[0].End])
	}
}

func TestRegexRedactor_APIKey(t *testing.T) {
	r := NewRegexRedactor()
	out, spans := r.Redact("upstream rejected key sk-abc123def456ghi789jkl012")

	if strings.Contains(out, "sk-abc") {
		t.Errorf("api key survived redaction: %q", out)
	}
	if len(spans) != 1 || spans[0].Kind != "API_KEY" {
		t.Errorf("unexpected spans: %+v", spans)
	}
}

func TestRegexRedactor_SSNValidation(t *testing.T) {
	r := NewRegexRedactor()

	out, _ := r.Redact("ssn 123-45-6789")
	if !strings.Contains(out, "[SSN]") {
		t.Errorf("valid SSN not redacted: %q", out)
	}

	// Area 000 cannot be issued; the match must be left alone.
	out, spans := r.Redact("ssn 000-45-6789")
	if strings.Contains(out, "[SSN]") {
		t.Errorf("invalid SSN redacted: %q", out)
	}
	if len(spans) != 0 {
		t.Errorf("expected no spans, got %+v", spans)
	}
}

func TestRegexRedactor_CreditCardLuhn(t *testing.T) {
	r := NewRegexRedactor()

	// 4111111111111111 passes Luhn.
	out, _ := r.Redact("card 4111 1111 1111 1111 declined")
	if !strings.Contains(out, "[CREDIT_CARD]") {
		t.Errorf("valid card not redacted: %q", out)
	}

	// Same shape, fails Luhn.
	out, _ = r.Redact("card 4111 1111 1111 1112 declined")
	if strings.Contains(out, "[CREDIT_CARD]") {
		t.Errorf("non-Luhn number redacted: %q", out)
	}
}

func TestRegexRedactor_MultipleMatches(t *testing.T) {
	r := NewRegexRedactor()
	out, spans := r.Redact("a@b.co and c@d.co")

	if out != "[EMAIL] and [EMAIL]" {
		t.Errorf("unexpected redaction: %q", out)
	}
	if len(spans) != 2 {
		t.Errorf("expected 2 spans, got %d", len(spans))
	}
}

func TestRegexRedactor_EmptyText(t *testing.T) {
	r := NewRegexRedactor()
	out, spans := r.Redact("")
	if out != "" || spans != nil {
		t.Errorf("expected passthrough for empty text")
	}
}
