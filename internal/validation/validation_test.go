package validation

import (
	"strings"
	"testing"

	"github.com/BTreeMap/FormPipe/internal/models"
)

func f(v float64) *float64 { return &v }

func TestValidateNumericBounds(t *testing.T) {
	rule := models.ValidationRule{Type: models.FieldTypeNumber, Min: f(1), Max: f(10)}

	res := Validate(rule, true, "15")
	if res.Accepted {
		t.Fatal("expected 15 to be rejected")
	}
	if !strings.Contains(res.Reason, "10") {
		t.Errorf("expected reason to mention 10, got %q", res.Reason)
	}

	res = Validate(rule, true, " 7 ")
	if !res.Accepted || res.Value != "7" {
		t.Errorf("expected 7 accepted and normalized, got %+v", res)
	}

	res = Validate(rule, true, "0")
	if res.Accepted || res.Reason != "Value should be at least 1." {
		t.Errorf("unexpected lower bound result: %+v", res)
	}

	res = Validate(rule, true, "seven")
	if res.Accepted || res.Reason != ReasonInvalidNumber {
		t.Errorf("expected invalid number, got %+v", res)
	}
}

func TestValidateZeroBoundIsABound(t *testing.T) {
	rule := models.ValidationRule{Type: models.FieldTypeNumber, Min: f(0)}
	if res := Validate(rule, true, "-1"); res.Accepted {
		t.Error("expected -1 rejected by min 0")
	}
}

func TestValidateRequiredAndOptional(t *testing.T) {
	rule := models.ValidationRule{Regex: `^\d+$`, Enum: []string{"1"}, Type: models.FieldTypeNumber}

	res := Validate(rule, true, "   ")
	if res.Accepted || res.Reason != ReasonRequired {
		t.Errorf("expected required rejection, got %+v", res)
	}

	res = Validate(rule, false, "   ")
	if !res.Accepted || res.Value != "" {
		t.Errorf("expected optional empty to pass, got %+v", res)
	}
}

func TestValidateRegex(t *testing.T) {
	rule := models.ValidationRule{Regex: `^[^@\s]+@[^@\s]+$`}

	res := Validate(rule, true, "not-an-email")
	if res.Accepted {
		t.Fatal("expected rejection")
	}
	if !strings.Contains(res.Reason, "valid") || !strings.Contains(res.Reason, "format") {
		t.Errorf("expected reason mentioning format validity, got %q", res.Reason)
	}

	if res := Validate(rule, true, "john@test.com"); !res.Accepted {
		t.Errorf("expected valid email accepted, got %+v", res)
	}
}

func TestValidateRegexAnchoredAtStart(t *testing.T) {
	rule := models.ValidationRule{Regex: `\d{3}`}
	if res := Validate(rule, true, "123abc"); !res.Accepted {
		t.Error("expected prefix match to be accepted")
	}
	if res := Validate(rule, true, "abc123"); res.Accepted {
		t.Error("expected match only at start of input")
	}

	whole := models.ValidationRule{Regex: `\d{3}$`}
	if res := Validate(whole, true, "123abc"); res.Accepted {
		t.Error("expected trailing $ to require the whole answer to match")
	}
	if res := Validate(whole, true, "123"); !res.Accepted {
		t.Error("expected whole-answer match to be accepted")
	}
}

func TestValidateInvalidRegexRejects(t *testing.T) {
	rule := models.ValidationRule{Regex: `(`}
	if res := Validate(rule, true, "anything"); res.Accepted || res.Reason != ReasonInvalidFormat {
		t.Errorf("expected format rejection for broken pattern, got %+v", res)
	}
}

func TestValidateEnum(t *testing.T) {
	rule := models.ValidationRule{Enum: []string{"Red", "Blue"}}

	if res := Validate(rule, true, " blue "); !res.Accepted || res.Value != "blue" {
		t.Errorf("expected case-insensitive accept, got %+v", res)
	}
	res := Validate(rule, true, "green")
	if res.Accepted || res.Reason != "Please choose one of: Red, Blue." {
		t.Errorf("unexpected enum rejection: %+v", res)
	}
}

func TestValidateOrderFirstFailureWins(t *testing.T) {
	// Number parse runs before the regex check.
	rule := models.ValidationRule{Type: models.FieldTypeNumber, Regex: `^x`}
	if res := Validate(rule, true, "abc"); res.Reason != ReasonInvalidNumber {
		t.Errorf("expected number failure first, got %q", res.Reason)
	}
}

func TestFormatBound(t *testing.T) {
	cases := map[float64]string{10: "10", 1.5: "1.5", -3: "-3"}
	for in, want := range cases {
		if got := FormatBound(in); got != want {
			t.Errorf("FormatBound(%v) = %q, want %q", in, got, want)
		}
	}
}
