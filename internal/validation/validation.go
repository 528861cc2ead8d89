// Package validation checks raw respondent answers against graph-node rules.
package validation

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/BTreeMap/FormPipe/internal/models"
)

// Rejection reasons shown to respondents.
const (
	ReasonRequired      = "This question is required. Please provide an answer."
	ReasonInvalidNumber = "Please provide a valid number."
	ReasonInvalidFormat = "The answer format is not valid. Please try again."
)

// Result is the outcome of validating one answer.
type Result struct {
	Accepted bool
	Value    string
	Reason   string
}

func reject(reason string) Result {
	return Result{Reason: reason}
}

// Validate applies rule to raw in a fixed order and returns the first failure.
// Optional fields with empty input are accepted without running the rule.
func Validate(rule models.ValidationRule, required bool, raw string) Result {
	value := strings.TrimSpace(raw)
	if value == "" {
		if required {
			return reject(ReasonRequired)
		}
		return Result{Accepted: true, Value: ""}
	}

	if rule.Type == models.FieldTypeNumber {
		n, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return reject(ReasonInvalidNumber)
		}
		if rule.Min != nil && n < *rule.Min {
			return reject(fmt.Sprintf("Value should be at least %s.", FormatBound(*rule.Min)))
		}
		if rule.Max != nil && n > *rule.Max {
			return reject(fmt.Sprintf("Value should be at most %s.", FormatBound(*rule.Max)))
		}
	}

	if rule.Regex != "" {
		re, err := compile(rule.Regex)
		if err != nil || !re.MatchString(value) {
			return reject(ReasonInvalidFormat)
		}
	}

	if len(rule.Enum) > 0 {
		found := false
		for _, option := range rule.Enum {
			if strings.EqualFold(strings.TrimSpace(option), value) {
				found = true
				break
			}
		}
		if !found {
			return reject("Please choose one of: " + strings.Join(rule.Enum, ", ") + ".")
		}
	}

	return Result{Accepted: true, Value: value}
}

// FormatBound renders a numeric bound without trailing zeros.
func FormatBound(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

var regexCache sync.Map // pattern -> *regexp.Regexp

// compile anchors pattern at the start of the input, so a rule matches a prefix of the answer.
func compile(pattern string) (*regexp.Regexp, error) {
	if cached, ok := regexCache.Load(pattern); ok {
		return cached.(*regexp.Regexp), nil
	}
	re, err := CompileRule(pattern)
	if err != nil {
		return nil, err
	}
	regexCache.Store(pattern, re)
	return re, nil
}

// CompileRule compiles a rule pattern the way Validate evaluates it.
func CompileRule(pattern string) (*regexp.Regexp, error) {
	re, err := regexp.Compile(`^(?:` + pattern + `)`)
	if err != nil {
		return nil, fmt.Errorf("invalid regex %q: %w", pattern, err)
	}
	return re, nil
}
