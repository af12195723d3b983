package validator

import "fmt"

// Rule identifies which check rejected a script.
type Rule string

const (
	RuleEmptySource      Rule = "empty_source"
	RuleScriptTooLarge   Rule = "script_too_large"
	RuleSyntaxError      Rule = "syntax_error"
	RuleDynamicImport    Rule = "dynamic_import"
	RuleDisallowedImport Rule = "disallowed_import"
	RuleRequireAlias     Rule = "require_alias"
	RuleDeniedCall       Rule = "denied_call"
	RuleReflectiveAccess Rule = "reflective_access"
	RuleThisReference    Rule = "this_reference"
	RuleWithStatement    Rule = "with_statement"
	RuleMetaProperty     Rule = "meta_property"
)

// Location is a 1-based line and column in the script source.
type Location struct {
	Line   int `json:"line"`
	Column int `json:"column"`
}

// Verdict is the result of validating one script
type Verdict struct {
	Accepted  bool     `json:"accepted"`
	Rule      Rule     `json:"rule,omitempty"`
	Reason    string   `json:"reason,omitempty"`
	Construct string   `json:"construct,omitempty"`
	Location  Location `json:"location"`
}

func accept() Verdict {
	return Verdict{Accepted: true}
}

func reject(rule Rule, reason, construct string, loc Location) Verdict {
	return Verdict{
		Rule:      rule,
		Reason:    reason,
		Construct: construct,
		Location:  loc,
	}
}

// String renders the verdict on one line, suitable for logs and CLI output.
func (v Verdict) String() string {
	if v.Accepted {
		return "accepted"
	}
	s := fmt.Sprintf("rejected (%s): %s", v.Rule, v.Reason)
	if v.Location.Line > 0 {
		s += fmt.Sprintf(" at line %d, column %d", v.Location.Line, v.Location.Column)
	}
	if v.Construct != "" {
		s += fmt.Sprintf(": %s", v.Construct)
	}
	return s
}
