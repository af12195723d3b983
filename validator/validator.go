package validator

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/dop251/goja/ast"
	"github.com/dop251/goja/file"
	"github.com/dop251/goja/parser"
	"github.com/dop251/goja/token"

	"github.com/isdmx/analytica/policy"
)

// ScriptName is the file name scripts are parsed and compiled under.
const ScriptName = "analysis.js"

const (
	requireName       = "require"
	maxConstructRunes = 80
	maxFoldedKeys     = 64
)

// Identifiers that reach the global object or code evaluation regardless of
// the deny-list.
var reflectiveIdentifiers = map[string]struct{}{
	"eval":       {},
	"Function":   {},
	"globalThis": {},
	"Reflect":    {},
	"Proxy":      {},
}

// Property names that walk to constructors or prototypes.
var reflectiveProperties = map[string]struct{}{
	"constructor":      {},
	"__proto__":        {},
	"prototype":        {},
	"__defineGetter__": {},
	"__defineSetter__": {},
	"__lookupGetter__": {},
	"__lookupSetter__": {},
	"caller":           {},
	"callee":           {},
}

// Validate parses src and checks it against p. It never returns an error:
// every failure, including a parse failure, is a rejecting Verdict.
func Validate(src string, p *policy.Policy) Verdict {
	if strings.TrimSpace(src) == "" {
		return reject(RuleEmptySource, "script is empty", "", Location{})
	}
	if len(src) > p.MaxScriptBytes() {
		return reject(RuleScriptTooLarge,
			fmt.Sprintf("script is %d bytes, limit is %d", len(src), p.MaxScriptBytes()), "", Location{})
	}
	if !utf8.ValidString(src) {
		return reject(RuleSyntaxError, "script is not valid UTF-8", "", Location{})
	}

	program, err := parser.ParseFile(nil, ScriptName, src, 0, parser.WithDisableSourceMaps)
	if err != nil {
		return syntaxVerdict(err)
	}

	c := &checker{
		policy: p,
		src:    src,
		file:   program.File,
	}
	inspect(program, c.visit)
	if c.verdict != nil {
		return *c.verdict
	}

	return accept()
}

func syntaxVerdict(err error) Verdict {
	var list parser.ErrorList
	if errors.As(err, &list) && len(list) > 0 {
		first := list[0]
		return reject(RuleSyntaxError, first.Message, "", Location{
			Line:   first.Position.Line,
			Column: first.Position.Column,
		})
	}
	var single *parser.Error
	if errors.As(err, &single) {
		return reject(RuleSyntaxError, single.Message, "", Location{
			Line:   single.Position.Line,
			Column: single.Position.Column,
		})
	}
	return reject(RuleSyntaxError, err.Error(), "", Location{})
}

type checker struct {
	policy  *policy.Policy
	src     string
	file    *file.File
	verdict *Verdict
}

func (c *checker) visit(n ast.Node) bool {
	if c.verdict != nil {
		return false
	}

	switch n := n.(type) {
	case *ast.CallExpression:
		if id, ok := n.Callee.(*ast.Identifier); ok && string(id.Name) == requireName {
			c.checkRequire(n)
			for _, arg := range n.ArgumentList {
				inspect(arg, c.visit)
			}
			return false
		}

	case *ast.Identifier:
		c.checkIdentifier(n)

	case *ast.DotExpression:
		c.checkMemberName(string(n.Identifier.Name), n.Identifier.Idx, n)

	case *ast.BracketExpression:
		for _, key := range keyCandidates(n.Member) {
			if c.checkMemberName(key, n.Member.Idx0(), n) {
				break
			}
		}

	case *ast.PropertyShort:
		// {name} reads the binding "name".
		c.checkIdentifier(&n.Name)
		if c.verdict == nil {
			c.checkMemberName(string(n.Name.Name), n.Name.Idx, n)
		}

	case *ast.PropertyKeyed:
		c.checkKey(n.Key, n.Computed, n)

	case *ast.MethodDefinition:
		if !n.Computed && !n.Static && n.Kind == ast.PropertyKindMethod && isStringKey(n.Key, "constructor") {
			break
		}
		c.checkKey(n.Key, n.Computed, n)

	case *ast.FieldDefinition:
		c.checkKey(n.Key, n.Computed, n)

	case *ast.ThisExpression:
		c.fail(RuleThisReference, "`this` is not available to analysis scripts", n, n.Idx)

	case *ast.WithStatement:
		c.fail(RuleWithStatement, "`with` statements are not allowed", n, n.Idx0())

	case *ast.MetaProperty:
		c.fail(RuleMetaProperty, "meta properties are not allowed", n, n.Idx)
	}

	return c.verdict == nil
}

func (c *checker) checkRequire(call *ast.CallExpression) {
	if len(call.ArgumentList) != 1 {
		c.fail(RuleDynamicImport, "require takes exactly one string literal", call, call.Idx0())
		return
	}
	lit, ok := call.ArgumentList[0].(*ast.StringLiteral)
	if !ok {
		c.fail(RuleDynamicImport, "module name must be a string literal", call, call.Idx0())
		return
	}
	name := string(lit.Value)
	if !c.policy.AllowsModule(name) {
		c.fail(RuleDisallowedImport, fmt.Sprintf("module %q is not allowed", name), call, call.Idx0())
	}
}

func (c *checker) checkIdentifier(id *ast.Identifier) {
	name := string(id.Name)
	switch {
	case name == requireName:
		c.fail(RuleRequireAlias, "require may only be called directly", id, id.Idx)
	case c.policy.DeniesCall(name):
		c.fail(RuleDeniedCall, fmt.Sprintf("%q is a denied callable", name), id, id.Idx)
	default:
		if _, ok := reflectiveIdentifiers[name]; ok {
			c.fail(RuleReflectiveAccess, fmt.Sprintf("%q is not available to analysis scripts", name), id, id.Idx)
		}
	}
}

// checkMemberName reports whether name was rejected as a member access.
func (c *checker) checkMemberName(name string, at file.Idx, n ast.Node) bool {
	if c.policy.DeniesCall(name) {
		c.fail(RuleDeniedCall, fmt.Sprintf("%q is a denied callable", name), n, at)
		return true
	}
	if _, ok := reflectiveProperties[name]; ok {
		c.fail(RuleReflectiveAccess, fmt.Sprintf("property %q is not accessible", name), n, at)
		return true
	}
	return false
}

func (c *checker) checkKey(key ast.Expression, computed bool, n ast.Node) {
	if key == nil {
		return
	}
	if !computed {
		switch k := key.(type) {
		case *ast.StringLiteral:
			c.checkMemberName(string(k.Value), k.Idx, n)
		case *ast.Identifier:
			c.checkMemberName(string(k.Name), k.Idx, n)
		}
		return
	}
	for _, name := range keyCandidates(key) {
		if c.checkMemberName(name, key.Idx0(), n) {
			return
		}
	}
}

func isStringKey(key ast.Expression, want string) bool {
	switch k := key.(type) {
	case *ast.StringLiteral:
		return string(k.Value) == want
	case *ast.Identifier:
		return string(k.Name) == want
	}
	return false
}

// keyCandidates returns every string a computed key can be shown to evaluate
// to without running the script: literals, literal concatenations, template
// strings with constant parts, and both arms of conditionals and logical
// operators. Keys that depend on runtime values yield nothing.
func keyCandidates(e ast.Expression) []string {
	switch e := e.(type) {
	case *ast.StringLiteral:
		return []string{string(e.Value)}

	case *ast.TemplateLiteral:
		if e.Tag != nil {
			return nil
		}
		out := []string{""}
		for i, el := range e.Elements {
			out = product(out, []string{string(el.Parsed)})
			if i < len(e.Expressions) {
				out = product(out, keyCandidates(e.Expressions[i]))
			}
		}
		return out

	case *ast.BinaryExpression:
		switch e.Operator {
		case token.PLUS:
			return product(keyCandidates(e.Left), keyCandidates(e.Right))
		case token.LOGICAL_OR, token.LOGICAL_AND, token.COALESCE:
			return union(keyCandidates(e.Left), keyCandidates(e.Right))
		}

	case *ast.ConditionalExpression:
		return union(keyCandidates(e.Consequent), keyCandidates(e.Alternate))

	case *ast.SequenceExpression:
		if len(e.Sequence) > 0 {
			return keyCandidates(e.Sequence[len(e.Sequence)-1])
		}
	}
	return nil
}

func product(left, right []string) []string {
	if len(left) == 0 || len(right) == 0 {
		return nil
	}
	out := make([]string, 0, len(left)*len(right))
	for _, l := range left {
		for _, r := range right {
			if len(out) == maxFoldedKeys {
				return out
			}
			out = append(out, l+r)
		}
	}
	return out
}

func union(a, b []string) []string {
	out := append(append([]string(nil), a...), b...)
	if len(out) > maxFoldedKeys {
		out = out[:maxFoldedKeys]
	}
	return out
}

func (c *checker) fail(rule Rule, reason string, n ast.Node, at file.Idx) {
	v := reject(rule, reason, c.construct(n), c.location(at))
	c.verdict = &v
}

func (c *checker) location(at file.Idx) Location {
	offset := int(at) - c.file.Base()
	if offset < 0 || offset > len(c.src) {
		return Location{}
	}
	pos := c.file.Position(offset)
	return Location{Line: pos.Line, Column: pos.Column}
}

func (c *checker) construct(n ast.Node) (text string) {
	defer func() {
		// Idx1 is not defined for every partially built node.
		if recover() != nil {
			text = ""
		}
	}()

	from := int(n.Idx0()) - c.file.Base()
	to := int(n.Idx1()) - c.file.Base()
	if from < 0 || to > len(c.src) || from >= to {
		return ""
	}
	return shorten(c.src[from:to])
}

func shorten(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	if utf8.RuneCountInString(s) <= maxConstructRunes {
		return s
	}
	runes := []rune(s)
	return string(runes[:maxConstructRunes-3]) + "..."
}
