// Package validator performs static, fail-closed vetting of analysis scripts.
//
// A script is parsed with the same JavaScript grammar the sandbox runtime
// executes, and its syntax tree is walked against an execution policy. The
// first violation found is reported as a Verdict carrying the rule, a short
// reason, the offending construct and its position. Anything that cannot be
// parsed is rejected.
//
// Usage:
//
//	v := validator.Validate(src, policy.Default())
//	if !v.Accepted {
//	    fmt.Println(v)
//	}
package validator
