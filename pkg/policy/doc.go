// Package policy compiles constitutions and checks node outputs against them.
//
// A constitution is an ordered list of rules. Each rule has a scope, a
// predicate (keyword, regex, role, expression or embedded Rego) and an action.
// Compile validates every rule once and produces an immutable Constitution
// that concurrent runs share; Evaluate returns a domain.Verdict per output.
// Keyword and regex matching and redaction are delegated to the dlp
// subpackage, Rego predicates and rewrites to an embedded OPA engine.
package policy
