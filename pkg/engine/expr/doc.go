// Package expr implements the small boolean expression language used by edge
// conditions and expression-based constitution predicates.
//
// The core grammar (lexer.go, parser.go, ast.go) covers comparisons, &&, ||,
// !, parentheses, string, number, boolean and null literals, and dotted
// identifiers. Built on it:
//
//   - function calls (contains, startsWith, endsWith, matches, lower, upper,
//     len), with unknown names rejected when an expression is compiled;
//   - Compile and Program, so a condition is parsed once per plan and run
//     many times;
//   - Scope, which binds output, node, iteration and metadata of a run and
//     resolves dotted paths into JSON-shaped outputs;
//   - double-quoted strings and typed errors (ErrSyntax, ErrUnknownFunction,
//     ErrTypeMismatch, ErrUnknownIdentifier).
package expr
