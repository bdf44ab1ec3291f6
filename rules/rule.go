// Package rules evaluates transition guard expressions.
package rules

import (
	"fmt"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// Evaluator defines the interface for evaluating guard expressions.
type Evaluator interface {
	Evaluate(expression string, env map[string]interface{}) (bool, error)
	// Compile checks an expression without running it.
	Compile(expression string) error
}

// ExprEvaluator is an implementation of Evaluator using expr-lang/expr.
// Compiled programs are cached per expression; variables missing from the
// environment evaluate to nil instead of failing compilation.
type ExprEvaluator struct {
	cache map[string]*vm.Program
	mu    sync.RWMutex
	funcs map[string]func(params ...interface{}) (interface{}, error)
}

// NewExprEvaluator creates a new ExprEvaluator with an initialized cache.
func NewExprEvaluator() *ExprEvaluator {
	return &ExprEvaluator{
		cache: make(map[string]*vm.Program),
		funcs: make(map[string]func(params ...interface{}) (interface{}, error)),
	}
}

// RegisterFunc makes fn callable from guard expressions as name(...).
// Registering drops the compiled cache.
func (e *ExprEvaluator) RegisterFunc(name string, fn func(params ...interface{}) (interface{}, error)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.funcs[name] = fn
	e.cache = make(map[string]*vm.Program)
}

func (e *ExprEvaluator) options() []expr.Option {
	opts := []expr.Option{expr.AllowUndefinedVariables()}
	for name, fn := range e.funcs {
		opts = append(opts, expr.Function(name, fn))
	}
	return opts
}

func (e *ExprEvaluator) program(expression string) (*vm.Program, error) {
	// Check cache with read lock
	e.mu.RLock()
	program, ok := e.cache[expression]
	e.mu.RUnlock()
	if ok {
		return program, nil
	}

	// Compile with write lock
	e.mu.Lock()
	defer e.mu.Unlock()
	if program, ok = e.cache[expression]; ok {
		return program, nil
	}
	program, err := expr.Compile(expression, e.options()...)
	if err != nil {
		return nil, err
	}
	e.cache[expression] = program
	return program, nil
}

// Compile compiles and caches expression.
func (e *ExprEvaluator) Compile(expression string) error {
	_, err := e.program(expression)
	return err
}

// Evaluate evaluates the given expression against env. The expression must
// evaluate to a boolean; otherwise, an error is returned. env is not modified.
// An empty expression is always true.
func (e *ExprEvaluator) Evaluate(expression string, env map[string]interface{}) (bool, error) {
	if expression == "" {
		return true, nil
	}
	program, err := e.program(expression)
	if err != nil {
		return false, err
	}

	if env == nil {
		env = map[string]interface{}{}
	}
	result, err := expr.Run(program, env)
	if err != nil {
		return false, err
	}

	if boolResult, ok := result.(bool); ok {
		return boolResult, nil
	}
	return false, fmt.Errorf("expression '%s' did not evaluate to a boolean, got %T", expression, result)
}
