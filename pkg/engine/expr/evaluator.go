package expr

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// LookupFunc resolves variable references encountered in expressions.
type LookupFunc func(path string) (any, bool)

var (
	// ErrSyntax indicates the expression could not be parsed.
	ErrSyntax = errors.New("condition syntax error")
	// ErrUnknownIdentifier indicates a referenced variable is not available in scope.
	ErrUnknownIdentifier = errors.New("unknown identifier")
	// ErrTypeMismatch indicates the expression attempted an unsupported type coercion.
	ErrTypeMismatch = errors.New("type mismatch")
	// ErrUnknownFunction indicates a call to a function the language does not define.
	ErrUnknownFunction = errors.New("unknown function")
)

// Options control evaluator behaviour.
type Options struct {
	Timeout time.Duration
}

// Evaluator evaluates boolean expressions against a lookup scope.
type Evaluator struct {
	timeout time.Duration
}

// NewEvaluator constructs an Evaluator applying sane defaults.
func NewEvaluator(opts Options) *Evaluator {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Millisecond
	}
	return &Evaluator{timeout: timeout}
}

// Program is a parsed expression. It holds no evaluation state and may be shared
// between goroutines.
type Program struct {
	source string
	root   node
}

// Compile parses an expression once so it can be evaluated many times.
func Compile(expression string) (*Program, error) {
	expression = strings.TrimSpace(expression)
	if expression == "" {
		return nil, fmt.Errorf("%w: empty expression", ErrSyntax)
	}

	p := newParser(newLexer(expression))
	root, err := p.parseExpression()
	if err != nil {
		return nil, err
	}
	if err := p.expect(tokenEOF); err != nil {
		return nil, err
	}
	if err := checkCalls(root); err != nil {
		return nil, err
	}
	return &Program{source: expression, root: root}, nil
}

// String returns the source text of the program.
func (p *Program) String() string {
	if p == nil {
		return ""
	}
	return p.source
}

// Evaluate determines whether the supplied expression evaluates to true using the provided lookup.
func (e *Evaluator) Evaluate(ctx context.Context, expression string, lookup LookupFunc) (bool, error) {
	program, err := Compile(expression)
	if err != nil {
		return false, err
	}
	return e.Run(ctx, program, lookup)
}

// Run evaluates a compiled program under the evaluator's time budget.
func (e *Evaluator) Run(ctx context.Context, program *Program, lookup LookupFunc) (bool, error) {
	if program == nil {
		return false, fmt.Errorf("%w: nil program", ErrSyntax)
	}
	if lookup == nil {
		return false, fmt.Errorf("%w: lookup function is required", ErrSyntax)
	}
	if ctx == nil {
		ctx = context.Background()
	}

	var cancel context.CancelFunc
	if e.timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	value, err := program.root.Eval(ctx, lookup)
	if err != nil {
		return false, err
	}

	boolValue, ok := value.(bool)
	if !ok {
		return false, fmt.Errorf("%w: expression does not evaluate to boolean", ErrTypeMismatch)
	}

	return boolValue, nil
}

func checkCalls(n node) error {
	switch v := n.(type) {
	case *binaryExpr:
		if err := checkCalls(v.left); err != nil {
			return err
		}
		return checkCalls(v.right)
	case *unaryExpr:
		return checkCalls(v.operand)
	case *callExpr:
		fn, ok := builtins[v.name]
		if !ok {
			return fmt.Errorf("%w: %s", ErrUnknownFunction, v.name)
		}
		if fn.arity >= 0 && len(v.args) != fn.arity {
			return fmt.Errorf("%w: %s expects %d argument(s), got %d", ErrSyntax, v.name, fn.arity, len(v.args))
		}
		for _, arg := range v.args {
			if err := checkCalls(arg); err != nil {
				return err
			}
		}
	}
	return nil
}
