package decision

import (
	"fmt"
	"strings"
)

// Rule is a custom hard constraint. Check returns a violation message, or ""
// when the decision passes.
type Rule struct {
	Name  string
	Check func(Decision) string
}

// Constraints are the hard requirements a decision must meet before it is tracked.
type Constraints struct {
	// MinConfidence is the confidence floor.
	MinConfidence float64
	// AllowEmptyReasoning skips the reasoning requirement.
	AllowEmptyReasoning bool
	Rules               []Rule
}

// Violation is one failed constraint.
type Violation struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Validation is the outcome of checking a decision.
type Validation struct {
	OK         bool        `json:"ok"`
	Violations []Violation `json:"violations,omitempty"`
}

// Codes lists the violation codes, comma separated.
func (v Validation) Codes() string {
	codes := make([]string, len(v.Violations))
	for i, x := range v.Violations {
		codes[i] = x.Code
	}
	return strings.Join(codes, ",")
}

// Validate checks d against c and enumerates every violation.
func Validate(d Decision, c Constraints) Validation {
	var v Validation
	add := func(code, msg string) { v.Violations = append(v.Violations, Violation{Code: code, Message: msg}) }

	if strings.TrimSpace(d.ID) == "" {
		add("missing_id", "decision has no id")
	}
	if strings.TrimSpace(d.Chosen) == "" {
		add("missing_chosen", "no option was chosen")
	} else if _, ok := d.chosenAlternative(); !ok {
		add("chosen_not_an_option", fmt.Sprintf("%q is not among the alternatives", d.Chosen))
	}
	if !c.AllowEmptyReasoning && strings.TrimSpace(d.Reasoning) == "" {
		add("missing_reasoning", "reasoning is required")
	}
	if d.Confidence < 0 || d.Confidence > 1 {
		add("confidence_out_of_range", fmt.Sprintf("confidence %.3f outside [0,1]", d.Confidence))
	} else if d.Confidence < c.MinConfidence {
		add("confidence_below_floor", fmt.Sprintf("confidence %.3f below %.3f", d.Confidence, c.MinConfidence))
	}
	for _, r := range c.Rules {
		if r.Check == nil {
			continue
		}
		if msg := r.Check(d); msg != "" {
			code := strings.TrimSpace(r.Name)
			if code == "" {
				code = "custom_rule"
			}
			add(code, msg)
		}
	}
	v.OK = len(v.Violations) == 0
	return v
}
